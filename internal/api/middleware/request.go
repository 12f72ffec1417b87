package middleware

import (
	"net/http"
	"regexp"

	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
	"golang.org/x/text/language"
)

const RequestIDHeader = "X-Request-ID"

var requestIDRe = regexp.MustCompile(`^[A-Za-z0-9._:-]{8,64}$`)

// RequestID binds a trace id to the request: the caller's X-Request-ID when it
// looks sane, a fresh one otherwise. The id is echoed in the response header and
// appears in every error body.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if !requestIDRe.MatchString(id) {
			id = taxonomy.NewTraceID()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(taxonomy.WithTraceID(r.Context(), id)))
	})
}

// Locale negotiates the response language from the locale query parameter or
// Accept-Language, falling back to fallback.
func Locale(fallback language.Tag) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.URL.Query().Get("locale")
			if raw == "" {
				raw = r.Header.Get("Accept-Language")
			}
			tag := taxonomy.ParseLocale(raw, fallback)
			w.Header().Set("Content-Language", tag.String())
			next.ServeHTTP(w, r.WithContext(taxonomy.WithLocale(r.Context(), tag)))
		})
	}
}
