package jobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/kiranshivaraju/jobcore/internal/ai"
	"github.com/kiranshivaraju/jobcore/internal/objectstore"
	"github.com/kiranshivaraju/jobcore/internal/payments"
	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
)

// Failure is a handler error already mapped to a taxonomy code.
type Failure struct {
	Code      taxonomy.Code
	Transient bool
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Code, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Permanent marks err as a failure that must not be retried.
func Permanent(code taxonomy.Code, err error) error {
	return &Failure{Code: code, Err: err}
}

// Transient marks err as a failure the worker may retry.
func Transient(code taxonomy.Code, err error) error {
	return &Failure{Code: code, Transient: true, Err: err}
}

// Classify maps a handler error onto the taxonomy. Whether it is retried follows
// the code's definition unless the handler marked it explicitly. Errors nobody
// recognises are INTERNAL_ERROR and are not retried.
func Classify(err error) (code taxonomy.Code, transient bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code, f.Transient
	}
	code = codeOf(err)
	return code, code.Retryable()
}

func codeOf(err error) taxonomy.Code {
	switch {
	case errors.Is(err, ai.ErrInferenceTimeout):
		return taxonomy.AITimeout
	case errors.Is(err, ai.ErrProviderUnavailable):
		return taxonomy.AIUnavailable
	case errors.Is(err, ai.ErrInvalidResponse):
		// Repairs already ran inside the attempt.
		return taxonomy.AIBadResponse
	case errors.Is(err, ai.ErrNotRecognized):
		return taxonomy.PhotoNotRecognized
	case errors.Is(err, objectstore.ErrNotFound):
		return taxonomy.PayloadMissing
	case errors.Is(err, objectstore.ErrUnavailable):
		return taxonomy.StorageUnavailable
	case errors.Is(err, payments.ErrInvalidEvent):
		return taxonomy.InvalidWebhookEvent
	case errors.Is(err, context.DeadlineExceeded):
		return taxonomy.ServiceDegraded
	}
	return taxonomy.InternalError
}
