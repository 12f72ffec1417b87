package handler

import (
	"errors"
	"io"
	"net/http"

	mw "github.com/kiranshivaraju/jobcore/internal/api/middleware"
	"github.com/kiranshivaraju/jobcore/internal/api/response"
	"github.com/kiranshivaraju/jobcore/internal/jobs"
	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
	"github.com/kiranshivaraju/jobcore/pkg/models"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	// QuotaBypassHeader skips the daily quota when the gate allows it (development only).
	QuotaBypassHeader = "X-Debug-Bypass-Quota"

	multipartOverhead = 64 << 10
)

// NewSubmitRecognitionHandler returns an http.HandlerFunc for POST /api/v1/recognitions.
// The photo arrives as the multipart field "image"; an optional "locale" field
// selects the language of dish names.
func NewSubmitRecognitionHandler(gate Submitter, maxImageBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.Unauthenticated))
			return
		}

		if r.ContentLength > maxImageBytes+multipartOverhead {
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.ForField("size")))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes+multipartOverhead)
		if err := r.ParseMultipartForm(maxImageBytes + multipartOverhead); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, taxonomy.NewFor(ctx, taxonomy.ForField("size")))
				return
			}
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.ForField("image")))
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		file, header, err := r.FormFile("image")
		if err != nil {
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.ForField("image")))
			return
		}
		defer file.Close()

		image, err := io.ReadAll(io.LimitReader(file, maxImageBytes+1))
		if err != nil {
			response.Error(w, taxonomy.NewFor(ctx, taxonomy.ForField("payload")))
			return
		}

		locale := r.FormValue("locale")
		if locale == "" {
			locale = taxonomy.Locale(ctx).String()
		}

		acc, resp := gate.Submit(ctx, jobs.SubmitRequest{
			OwnerID:     ownerID,
			Kind:        models.JobKindRecognition,
			DedupKey:    r.Header.Get(IdempotencyKeyHeader),
			Image:       image,
			ContentType: header.Header.Get("Content-Type"),
			Locale:      locale,
			QuotaClass:  models.JobKindRecognition,
			BypassQuota: r.Header.Get(QuotaBypassHeader) == "true",
		})
		if resp != nil {
			response.Error(w, resp)
			return
		}
		response.Accepted(w, acc)
	}
}
