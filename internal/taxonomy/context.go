package taxonomy

import (
	"context"

	"golang.org/x/text/language"
)

type contextKey string

const (
	traceIDKey contextKey = "trace_id"
	localeKey  contextKey = "locale"
)

// WithTraceID stores the request trace id used by NewFor.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// TraceID returns the trace id stored in ctx, or "".
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithLocale stores the negotiated response language.
func WithLocale(ctx context.Context, tag language.Tag) context.Context {
	return context.WithValue(ctx, localeKey, tag)
}

// Locale returns the language stored in ctx, English when none was negotiated.
func Locale(ctx context.Context) language.Tag {
	if tag, ok := ctx.Value(localeKey).(language.Tag); ok {
		return tag
	}
	return language.English
}

// NewFor builds a Response with the trace id and locale carried by ctx.
func NewFor(ctx context.Context, code Code) *Response {
	return New(code, TraceID(ctx), Locale(ctx))
}
