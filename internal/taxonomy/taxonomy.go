// Package taxonomy is the single catalogue of user-facing error definitions.
// Every error body that leaves the service is built here from a closed set of codes.
package taxonomy

import (
	"net/http"
)

// Category groups codes for analytics and alerting. Never shown to users.
type Category string

const (
	CategoryTimeout    Category = "timeout"
	CategoryServer     Category = "server"
	CategoryValidation Category = "validation"
	CategoryLimit      Category = "limit"
	CategoryUnknown    Category = "unknown"
)

// Action is a recovery step the client may offer to the user.
type Action string

const (
	ActionRetry          Action = "retry"
	ActionRetake         Action = "retake"
	ActionContactSupport Action = "contact_support"
	ActionUpgrade        Action = "upgrade"
)

// Code identifies one error definition. The zero value is InternalError so an
// unknown or corrupted code degrades to the generic definition.
type Code int

const (
	InternalError Code = iota
	InvalidRequest
	InvalidDedupKey
	UnsupportedMediaType
	PayloadTooLarge
	CorruptPayload
	PayloadMissing
	InvalidWebhookEvent
	PhotoNotRecognized
	TaskNotFound
	RouteNotFound
	MethodNotAllowed
	Unauthenticated
	ForbiddenScope
	DailyLimitExceeded
	RateLimited
	AITimeout
	AIUnavailable
	AIBadResponse
	StorageUnavailable
	QueueUnavailable
	JobStalled
	JobAbandoned
	ServiceDegraded

	codeCount
)

// Definition is the static metadata attached to a Code.
type Definition struct {
	ID         string
	HTTPStatus int
	Title      string
	Message    string
	Actions    []Action
	AllowRetry bool
	// RetryAfter is a hint in seconds; zero means no hint.
	RetryAfter int
	Category   Category
	// Transient failures usually clear on their own; the worker retries them.
	Transient bool
}

var definitions = [codeCount]Definition{
	InternalError: {
		ID: "INTERNAL_ERROR", HTTPStatus: http.StatusInternalServerError,
		Title:   "Something went wrong",
		Message: "An unexpected error occurred. Please try again or contact support.",
		Actions: []Action{ActionRetry, ActionContactSupport}, AllowRetry: true,
		Category: CategoryUnknown,
	},
	InvalidRequest: {
		ID: "INVALID_REQUEST", HTTPStatus: http.StatusBadRequest,
		Title:   "Invalid request",
		Message: "The request could not be processed. Please check it and send it again.",
		Actions: []Action{ActionContactSupport}, Category: CategoryValidation,
	},
	InvalidDedupKey: {
		ID: "INVALID_DEDUP_KEY", HTTPStatus: http.StatusBadRequest,
		Title:   "Invalid request key",
		Message: "The idempotency key must be 1 to 128 letters, digits, dashes, underscores, dots or colons.",
		Actions: []Action{ActionContactSupport}, Category: CategoryValidation,
	},
	UnsupportedMediaType: {
		ID: "UNSUPPORTED_MEDIA_TYPE", HTTPStatus: http.StatusUnsupportedMediaType,
		Title:   "Unsupported photo format",
		Message: "Please send a JPEG, PNG or WebP photo.",
		Actions: []Action{ActionRetake}, Category: CategoryValidation,
	},
	PayloadTooLarge: {
		ID: "PAYLOAD_TOO_LARGE", HTTPStatus: http.StatusRequestEntityTooLarge,
		Title:   "Photo is too large",
		Message: "The photo exceeds the allowed size. Please send a smaller one.",
		Actions: []Action{ActionRetake}, Category: CategoryValidation,
	},
	CorruptPayload: {
		ID: "CORRUPT_PAYLOAD", HTTPStatus: http.StatusBadRequest,
		Title:   "Photo could not be read",
		Message: "The photo seems to be damaged. Please take it again.",
		Actions: []Action{ActionRetake}, Category: CategoryValidation,
	},
	PayloadMissing: {
		ID: "PAYLOAD_MISSING", HTTPStatus: http.StatusBadRequest,
		Title:   "Photo is missing",
		Message: "No photo was received. Please attach a photo and try again.",
		Actions: []Action{ActionRetake}, Category: CategoryValidation,
	},
	InvalidWebhookEvent: {
		ID: "INVALID_WEBHOOK_EVENT", HTTPStatus: http.StatusBadRequest,
		Title:   "Invalid event",
		Message: "The event payload is not valid.",
		Actions: []Action{ActionContactSupport}, Category: CategoryValidation,
	},
	PhotoNotRecognized: {
		ID: "PHOTO_NOT_RECOGNIZED", HTTPStatus: http.StatusUnprocessableEntity,
		Title:   "No food found",
		Message: "We could not find any food on this photo. Please take a clearer photo of your meal.",
		Actions: []Action{ActionRetake}, Category: CategoryValidation,
	},
	TaskNotFound: {
		ID: "TASK_NOT_FOUND", HTTPStatus: http.StatusNotFound,
		Title:   "Request not found",
		Message: "This request does not exist or has expired. Please send the photo again.",
		Actions: []Action{ActionRetake}, Category: CategoryValidation,
	},
	RouteNotFound: {
		ID: "ROUTE_NOT_FOUND", HTTPStatus: http.StatusNotFound,
		Title:   "Not found",
		Message: "The requested resource does not exist.",
		Actions: []Action{ActionContactSupport}, Category: CategoryValidation,
	},
	MethodNotAllowed: {
		ID: "METHOD_NOT_ALLOWED", HTTPStatus: http.StatusMethodNotAllowed,
		Title:   "Not allowed",
		Message: "This operation is not supported for the resource.",
		Actions: []Action{ActionContactSupport}, Category: CategoryValidation,
	},
	Unauthenticated: {
		ID: "UNAUTHENTICATED", HTTPStatus: http.StatusUnauthorized,
		Title:   "Sign-in required",
		Message: "Your session is not valid. Please open the app again.",
		Actions: []Action{ActionContactSupport}, Category: CategoryValidation,
	},
	ForbiddenScope: {
		ID: "FORBIDDEN_SCOPE", HTTPStatus: http.StatusForbidden,
		Title:   "Not permitted",
		Message: "You do not have access to this operation.",
		Actions: []Action{ActionContactSupport}, Category: CategoryValidation,
	},
	DailyLimitExceeded: {
		ID: "DAILY_LIMIT_EXCEEDED", HTTPStatus: http.StatusTooManyRequests,
		Title:   "Daily limit reached",
		Message: "You have used all photo analyses for today. Upgrade your plan or come back tomorrow.",
		Actions: []Action{ActionUpgrade}, Category: CategoryLimit,
	},
	RateLimited: {
		ID: "RATE_LIMITED", HTTPStatus: http.StatusTooManyRequests,
		Title:   "Too many requests",
		Message: "You are sending requests too quickly. Please wait a minute.",
		Actions: []Action{ActionRetry}, RetryAfter: 60, Category: CategoryLimit,
	},
	AITimeout: {
		ID: "AI_TIMEOUT", HTTPStatus: http.StatusGatewayTimeout,
		Title:   "Analysis took too long",
		Message: "The photo analysis did not finish in time. Please try again.",
		Actions: []Action{ActionRetry}, AllowRetry: true, RetryAfter: 10,
		Category: CategoryTimeout, Transient: true,
	},
	AIUnavailable: {
		ID: "AI_UNAVAILABLE", HTTPStatus: http.StatusBadGateway,
		Title:   "Analysis is unavailable",
		Message: "The analysis service is temporarily unavailable. Please try again shortly.",
		Actions: []Action{ActionRetry}, AllowRetry: true, RetryAfter: 30,
		Category: CategoryServer, Transient: true,
	},
	AIBadResponse: {
		ID: "AI_BAD_RESPONSE", HTTPStatus: http.StatusBadGateway,
		Title:   "Analysis failed",
		Message: "We could not read the analysis result. Please try again or take another photo.",
		Actions: []Action{ActionRetry, ActionRetake}, AllowRetry: true,
		Category: CategoryServer,
	},
	StorageUnavailable: {
		ID: "STORAGE_UNAVAILABLE", HTTPStatus: http.StatusServiceUnavailable,
		Title:   "Upload failed",
		Message: "The photo could not be stored right now. Please try again shortly.",
		Actions: []Action{ActionRetry}, AllowRetry: true, RetryAfter: 30,
		Category: CategoryServer, Transient: true,
	},
	QueueUnavailable: {
		ID: "QUEUE_UNAVAILABLE", HTTPStatus: http.StatusServiceUnavailable,
		Title:   "Service is busy",
		Message: "The request could not be scheduled. Please try again shortly.",
		Actions: []Action{ActionRetry}, AllowRetry: true, RetryAfter: 30,
		Category: CategoryServer, Transient: true,
	},
	JobStalled: {
		ID: "JOB_STALLED", HTTPStatus: http.StatusInternalServerError,
		Title:   "Processing stopped",
		Message: "Processing of this request stopped unexpectedly. Please send it again.",
		Actions: []Action{ActionRetry, ActionContactSupport}, AllowRetry: true,
		Category: CategoryServer,
	},
	JobAbandoned: {
		ID: "JOB_ABANDONED", HTTPStatus: http.StatusGone,
		Title:   "Request expired",
		Message: "This request was not processed in time and has expired.",
		Actions: []Action{ActionRetry}, AllowRetry: true,
		Category: CategoryServer,
	},
	ServiceDegraded: {
		ID: "SERVICE_DEGRADED", HTTPStatus: http.StatusServiceUnavailable,
		Title:   "Service degraded",
		Message: "One or more dependencies are unavailable.",
		Actions: []Action{ActionRetry}, AllowRetry: true, RetryAfter: 30,
		Category: CategoryServer, Transient: true,
	},
}

var byID = func() map[string]Code {
	m := make(map[string]Code, codeCount)
	for c := Code(0); c < codeCount; c++ {
		m[definitions[c].ID] = c
	}
	return m
}()

// Definition returns the static metadata of c. Out-of-range codes resolve to InternalError.
func (c Code) Definition() Definition {
	if c < 0 || c >= codeCount {
		return definitions[InternalError]
	}
	return definitions[c]
}

// String returns the stable upper-snake-case identifier.
func (c Code) String() string { return c.Definition().ID }

// HTTPStatus returns the status code the API answers with.
func (c Code) HTTPStatus() int { return c.Definition().HTTPStatus }

// Retryable reports whether the worker may retry a failure of this code automatically.
func (c Code) Retryable() bool { return c.Definition().Transient }

// Lookup resolves a stable identifier. Unknown identifiers return InternalError, false.
func Lookup(id string) (Code, bool) {
	c, ok := byID[id]
	if !ok {
		return InternalError, false
	}
	return c, true
}

// All returns every registered code in declaration order.
func All() []Code {
	out := make([]Code, 0, codeCount)
	for c := Code(0); c < codeCount; c++ {
		out = append(out, c)
	}
	return out
}
