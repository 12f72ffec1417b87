package taxonomy

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/text/language"
)

// Response is the error body returned to callers and stored in failed job envelopes.
// It implements error so it can travel through ordinary error returns.
type Response struct {
	ErrorCode         string   `json:"error_code"`
	UserTitle         string   `json:"user_title"`
	UserMessage       string   `json:"user_message"`
	UserActions       []Action `json:"user_actions"`
	AllowRetry        bool     `json:"allow_retry"`
	RetryAfterSeconds *int     `json:"retry_after_seconds,omitempty"`
	Category          Category `json:"category"`
	TraceID           string   `json:"trace_id"`
	Debug             string   `json:"debug,omitempty"`
}

// NewTraceID returns a fresh per-incident correlation id.
func NewTraceID() string {
	return uuid.NewString()
}

// New builds a Response for code, localised for tag. An empty traceID is replaced
// with a fresh one so no error path can emit a response without it.
func New(code Code, traceID string, tag language.Tag) *Response {
	def := code.Definition()
	if traceID == "" {
		traceID = NewTraceID()
	}
	title, message := localize(def, tag)
	r := &Response{
		ErrorCode:   def.ID,
		UserTitle:   title,
		UserMessage: message,
		UserActions: append([]Action(nil), def.Actions...),
		AllowRetry:  def.AllowRetry,
		Category:    def.Category,
		TraceID:     traceID,
	}
	if def.RetryAfter > 0 {
		secs := def.RetryAfter
		r.RetryAfterSeconds = &secs
	}
	return r
}

func (r *Response) Error() string {
	return fmt.Sprintf("%s (trace %s)", r.ErrorCode, r.TraceID)
}

// Code resolves the response back to its registry entry.
func (r *Response) Code() Code {
	c, _ := Lookup(r.ErrorCode)
	return c
}

// HTTPStatus is the status code for this response.
func (r *Response) HTTPStatus() int {
	return r.Code().HTTPStatus()
}

// WithRetryAfter overrides the static retry hint, e.g. with the seconds until a quota reset.
func (r *Response) WithRetryAfter(secs int) *Response {
	if secs <= 0 {
		r.RetryAfterSeconds = nil
		return r
	}
	r.RetryAfterSeconds = &secs
	return r
}

// WithDebug attaches detail only when enabled is true; production passes false.
func (r *Response) WithDebug(enabled bool, detail string) *Response {
	if enabled {
		r.Debug = detail
	}
	return r
}

// Localize returns a copy of r with texts in tag. Trace id and retry hint are kept.
func (r *Response) Localize(tag language.Tag) *Response {
	out := *r
	out.UserTitle, out.UserMessage = localize(r.Code().Definition(), tag)
	return &out
}

// From converts any error into a Response. A wrapped *Response is returned as is;
// everything else becomes InternalError with the given trace id.
func From(err error, traceID string, tag language.Tag) *Response {
	var resp *Response
	if errors.As(err, &resp) {
		return resp
	}
	return New(InternalError, traceID, tag)
}
