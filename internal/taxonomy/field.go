package taxonomy

// fieldCodes maps request fields to the specific code a boundary validation
// failure on that field must surface as.
var fieldCodes = map[string]Code{
	"image":            PayloadMissing,
	"content_type":     UnsupportedMediaType,
	"size":             PayloadTooLarge,
	"payload":          CorruptPayload,
	"idempotency_key":  InvalidDedupKey,
	"dedup_key":        InvalidDedupKey,
	"task_id":          TaskNotFound,
	"event":            InvalidWebhookEvent,
	"client_cancel_id": InvalidRequest,
}

// ForField returns the specific code for a failing field, or InvalidRequest when
// the field has no dedicated entry.
func ForField(field string) Code {
	if c, ok := fieldCodes[field]; ok {
		return c
	}
	return InvalidRequest
}
