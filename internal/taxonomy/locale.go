package taxonomy

import (
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"
)

// Supported lists the locales user texts are translated into. The first is the fallback.
var Supported = []language.Tag{language.English, language.Russian}

var matcher = language.NewMatcher(Supported)

var russian = map[Code][2]string{
	InternalError:        {"Что-то пошло не так", "Произошла непредвиденная ошибка. Попробуйте ещё раз или напишите в поддержку."},
	InvalidRequest:       {"Некорректный запрос", "Запрос не удалось обработать. Проверьте его и отправьте снова."},
	InvalidDedupKey:      {"Некорректный ключ запроса", "Ключ идемпотентности должен содержать от 1 до 128 латинских букв, цифр, дефисов, подчёркиваний, точек или двоеточий."},
	UnsupportedMediaType: {"Неподдерживаемый формат фото", "Отправьте фото в формате JPEG, PNG или WebP."},
	PayloadTooLarge:      {"Фото слишком большое", "Размер фото превышает допустимый. Отправьте фото поменьше."},
	CorruptPayload:       {"Не удалось прочитать фото", "Похоже, файл повреждён. Сделайте фото ещё раз."},
	PayloadMissing:       {"Фото не получено", "Мы не получили фото. Прикрепите фото и попробуйте снова."},
	InvalidWebhookEvent:  {"Некорректное событие", "Данные события некорректны."},
	PhotoNotRecognized:   {"Еда не найдена", "Мы не нашли еду на этом фото. Сфотографируйте блюдо чётче."},
	TaskNotFound:         {"Запрос не найден", "Такого запроса нет или он устарел. Отправьте фото ещё раз."},
	RouteNotFound:        {"Не найдено", "Запрошенный ресурс не существует."},
	MethodNotAllowed:     {"Действие недоступно", "Эта операция не поддерживается для ресурса."},
	Unauthenticated:      {"Требуется вход", "Сессия недействительна. Откройте приложение заново."},
	ForbiddenScope:       {"Нет доступа", "У вас нет доступа к этой операции."},
	DailyLimitExceeded:   {"Дневной лимит исчерпан", "Вы использовали все анализы фото на сегодня. Улучшите тариф или возвращайтесь завтра."},
	RateLimited:          {"Слишком много запросов", "Вы отправляете запросы слишком часто. Подождите минуту."},
	AITimeout:            {"Анализ занял слишком много времени", "Анализ фото не завершился вовремя. Попробуйте ещё раз."},
	AIUnavailable:        {"Анализ недоступен", "Сервис анализа временно недоступен. Попробуйте чуть позже."},
	AIBadResponse:        {"Анализ не удался", "Не удалось прочитать результат анализа. Попробуйте ещё раз или сделайте другое фото."},
	StorageUnavailable:   {"Не удалось загрузить", "Фото сейчас не удаётся сохранить. Попробуйте чуть позже."},
	QueueUnavailable:     {"Сервис перегружен", "Запрос не удалось поставить в очередь. Попробуйте чуть позже."},
	JobStalled:           {"Обработка остановилась", "Обработка запроса неожиданно остановилась. Отправьте его ещё раз."},
	JobAbandoned:         {"Запрос устарел", "Запрос не был обработан вовремя и устарел."},
	ServiceDegraded:      {"Сервис работает с перебоями", "Одна или несколько зависимостей недоступны."},
}

var cat = func() catalog.Catalog {
	b := catalog.NewBuilder(catalog.Fallback(language.English))
	for c := Code(0); c < codeCount; c++ {
		def := definitions[c]
		_ = b.SetString(language.English, titleKey(def), def.Title)
		_ = b.SetString(language.English, messageKey(def), def.Message)
		if ru, ok := russian[c]; ok {
			_ = b.SetString(language.Russian, titleKey(def), ru[0])
			_ = b.SetString(language.Russian, messageKey(def), ru[1])
		}
	}
	return b
}()

func titleKey(def Definition) string   { return def.ID + ".title" }
func messageKey(def Definition) string { return def.ID + ".message" }

func localize(def Definition, tag language.Tag) (string, string) {
	p := message.NewPrinter(MatchTag(tag), message.Catalog(cat))
	return p.Sprintf(titleKey(def)), p.Sprintf(messageKey(def))
}

// MatchTag maps an arbitrary tag onto one of the Supported locales.
func MatchTag(tag language.Tag) language.Tag {
	_, idx, _ := matcher.Match(tag)
	return Supported[idx]
}

// ParseLocale resolves an Accept-Language header or a bare locale ("ru", "ru-RU")
// to a supported tag. Empty or unparseable input yields fallback.
func ParseLocale(s string, fallback language.Tag) language.Tag {
	s = strings.TrimSpace(s)
	if s == "" {
		return MatchTag(fallback)
	}
	tags, _, err := language.ParseAcceptLanguage(s)
	if err != nil || len(tags) == 0 {
		return MatchTag(fallback)
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return MatchTag(fallback)
	}
	return Supported[idx]
}
