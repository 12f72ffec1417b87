package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobcore/internal/cache"
	"github.com/kiranshivaraju/jobcore/internal/config"
	"github.com/kiranshivaraju/jobcore/internal/objectstore"
	"github.com/kiranshivaraju/jobcore/internal/queue"
	"github.com/kiranshivaraju/jobcore/internal/quota"
	"github.com/kiranshivaraju/jobcore/internal/store"
	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
	"github.com/kiranshivaraju/jobcore/pkg/models"
)

var dedupKeyRe = regexp.MustCompile(`^[A-Za-z0-9._:\-]{1,128}$`)

// AllowedImageTypes are the sniffed content types accepted for recognition.
var AllowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

const (
	claimWait = 3 * time.Second
	claimPoll = 50 * time.Millisecond
)

// SubmitRequest is one submission to the gate. Recognition jobs carry Image;
// payment events carry Payload.
type SubmitRequest struct {
	OwnerID  string
	Kind     string
	DedupKey string
	Payload  json.RawMessage

	Image       []byte
	ContentType string
	Locale      string

	QuotaClass  string
	BypassQuota bool
}

// Accepted is the handle returned for an accepted or deduplicated submission.
type Accepted struct {
	TaskID    uuid.UUID       `json:"task_id"`
	State     models.JobState `json:"state"`
	Duplicate bool            `json:"duplicate"`
}

type GateConfig struct {
	Jobs          config.JobsConfig
	MaxImageBytes int64
	// AllowQuotaBypass enables SubmitRequest.BypassQuota. Only ever true in development.
	AllowQuotaBypass bool
	// Debug attaches error details to responses. False in production.
	Debug bool
}

// Gate is the single entry point for new work. Duplicate submissions, whether
// retried client requests or redelivered webhooks, resolve to the original task.
type Gate struct {
	store     store.Store
	cache     cache.Cache
	blobs     objectstore.Store
	publisher queue.Publisher
	limiter   *quota.Limiter
	cfg       GateConfig
	now       func() time.Time
}

func NewGate(st store.Store, ca cache.Cache, blobs objectstore.Store, pub queue.Publisher, limiter *quota.Limiter, cfg GateConfig) *Gate {
	return &Gate{
		store:     st,
		cache:     ca,
		blobs:     blobs,
		publisher: pub,
		limiter:   limiter,
		cfg:       cfg,
		now:       time.Now,
	}
}

var errClaimBusy = errors.New("dedup key held by an unfinished submission")

// Submit validates, deduplicates, charges quota, persists and enqueues one job.
// It never waits for the job to run.
func (g *Gate) Submit(ctx context.Context, req SubmitRequest) (*Accepted, *taxonomy.Response) {
	if resp := g.validate(ctx, &req); resp != nil {
		return nil, resp
	}

	taskID := uuid.New()
	claimKey := cache.DedupKey(req.OwnerID, req.Kind, req.DedupKey)
	existing, claimed, err := g.claim(ctx, claimKey, taskID, req)
	if err != nil {
		slog.Error("dedup claim failed", "owner_id", req.OwnerID, "kind", req.Kind, "error", err)
		return nil, taxonomy.NewFor(ctx, taxonomy.ServiceDegraded).WithDebug(g.debug(), err.Error())
	}
	if existing != nil {
		return &Accepted{TaskID: existing.ID, State: existing.State, Duplicate: true}, nil
	}
	release := func() {
		if claimed {
			if err := g.cache.ReleaseClaim(context.WithoutCancel(ctx), claimKey, taskID.String()); err != nil {
				slog.Warn("release dedup claim failed", "key", claimKey, "error", err)
			}
		}
	}

	// The claim may have expired while the record lives on. The store is the
	// authority on existing keys and is consulted before quota is charged.
	prev, err := g.store.GetJobByDedupKey(ctx, req.OwnerID, req.Kind, req.DedupKey)
	switch {
	case err == nil:
		release()
		g.reclaim(ctx, claimKey, prev.ID)
		return &Accepted{TaskID: prev.ID, State: prev.State, Duplicate: true}, nil
	case !errors.Is(err, store.ErrNotFound):
		release()
		slog.Error("dedup lookup failed", "owner_id", req.OwnerID, "kind", req.Kind, "error", err)
		return nil, taxonomy.NewFor(ctx, taxonomy.StorageUnavailable).WithDebug(g.debug(), err.Error())
	}

	var reservation *quota.Reservation
	if req.QuotaClass != "" && !(req.BypassQuota && g.cfg.AllowQuotaBypass) {
		reservation, err = g.limiter.Reserve(ctx, req.QuotaClass, req.OwnerID)
		var exceeded *quota.ExceededError
		if errors.As(err, &exceeded) {
			release()
			return nil, taxonomy.NewFor(ctx, taxonomy.DailyLimitExceeded).
				WithRetryAfter(int(exceeded.ResetIn.Seconds()))
		}
		if err != nil {
			release()
			slog.Error("quota reservation failed", "owner_id", req.OwnerID, "error", err)
			return nil, taxonomy.NewFor(ctx, taxonomy.ServiceDegraded).WithDebug(g.debug(), err.Error())
		}
	}
	refund := func() {
		if err := g.limiter.Refund(context.WithoutCancel(ctx), reservation); err != nil {
			slog.Warn("quota refund failed", "owner_id", req.OwnerID, "error", err)
		}
	}

	payload := req.Payload
	var objectKey string
	if req.Kind == models.JobKindRecognition {
		objectKey = fmt.Sprintf("%s/%s/%s", req.Kind, req.OwnerID, taskID)
		if err := g.blobs.Put(ctx, objectKey, req.ContentType, req.Image); err != nil {
			refund()
			release()
			slog.Error("storing payload failed", "task_id", taskID, "error", err)
			return nil, taxonomy.NewFor(ctx, taxonomy.StorageUnavailable).WithDebug(g.debug(), err.Error())
		}
		payload, _ = json.Marshal(models.RecognitionPayload{
			ObjectKey:   objectKey,
			ContentType: req.ContentType,
			Size:        int64(len(req.Image)),
			Locale:      req.Locale,
		})
	}
	dropBlob := func() {
		if objectKey == "" {
			return
		}
		if err := g.blobs.Delete(context.WithoutCancel(ctx), objectKey); err != nil {
			slog.Warn("deleting orphaned payload failed", "key", objectKey, "error", err)
		}
	}

	now := g.now().UTC()
	job := &models.Job{
		ID:          taskID,
		Kind:        req.Kind,
		OwnerID:     req.OwnerID,
		DedupKey:    req.DedupKey,
		State:       models.JobStatePending,
		MaxAttempts: g.cfg.Jobs.Policy(req.Kind).MaxAttempts,
		Payload:     payload,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := g.store.CreateJob(ctx, job); err != nil {
		refund()
		dropBlob()
		release()
		if errors.Is(err, store.ErrDuplicateKey) {
			prev, gerr := g.store.GetJobByDedupKey(ctx, req.OwnerID, req.Kind, req.DedupKey)
			if gerr == nil {
				return &Accepted{TaskID: prev.ID, State: prev.State, Duplicate: true}, nil
			}
			err = gerr
		}
		slog.Error("creating job failed", "task_id", taskID, "error", err)
		return nil, taxonomy.NewFor(ctx, taxonomy.StorageUnavailable).WithDebug(g.debug(), err.Error())
	}

	if err := g.cache.SetJobSnapshot(ctx, job, g.cfg.Jobs.ResultTTL); err != nil {
		slog.Warn("job snapshot write failed", "job_id", job.ID, "error", err)
	}
	if err := g.publisher.Publish(ctx, queue.Message{TaskID: job.ID, Kind: job.Kind}); err != nil {
		// The record is durable; the sweep dispatches PENDING jobs it finds idle.
		slog.Warn("dispatch failed, left for sweep", "job_id", job.ID, "error", err)
	}

	slog.Info("job accepted", "job_id", job.ID, "kind", job.Kind, "owner_id", job.OwnerID)
	return &Accepted{TaskID: job.ID, State: job.State}, nil
}

// reclaim points an expired dedup claim back at the task that owns the key, so
// later resubmissions are answered from the cache again.
func (g *Gate) reclaim(ctx context.Context, key string, taskID uuid.UUID) {
	if _, _, err := g.cache.Claim(context.WithoutCancel(ctx), key, taskID.String(), g.cfg.Jobs.DedupTTL); err != nil {
		slog.Warn("restoring dedup claim failed", "key", key, "error", err)
	}
}

// claim binds the dedup key to taskID. When another submission holds it, claim
// waits briefly for that submission's record and returns it.
func (g *Gate) claim(ctx context.Context, key string, taskID uuid.UUID, req SubmitRequest) (*models.Job, bool, error) {
	deadline := g.now().Add(claimWait)
	for {
		holder, won, err := g.cache.Claim(ctx, key, taskID.String(), g.cfg.Jobs.DedupTTL)
		if err != nil {
			// The unique index in the store still deduplicates.
			slog.Warn("dedup cache unavailable, relying on store", "key", key, "error", err)
			return nil, false, nil
		}
		if won {
			return nil, true, nil
		}

		if id, perr := uuid.Parse(holder); perr == nil {
			job, err := g.store.GetJob(ctx, id)
			if err == nil {
				return job, false, nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return nil, false, err
			}
		}
		job, err := g.store.GetJobByDedupKey(ctx, req.OwnerID, req.Kind, req.DedupKey)
		if err == nil {
			return job, false, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, false, err
		}

		if g.now().After(deadline) {
			return nil, false, errClaimBusy
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(claimPoll):
		}
	}
}

func (g *Gate) validate(ctx context.Context, req *SubmitRequest) *taxonomy.Response {
	fail := func(field, detail string) *taxonomy.Response {
		return taxonomy.NewFor(ctx, taxonomy.ForField(field)).WithDebug(g.debug(), detail)
	}

	req.DedupKey = strings.TrimSpace(req.DedupKey)
	if req.DedupKey == "" {
		req.DedupKey = uuid.NewString()
	}
	if !dedupKeyRe.MatchString(req.DedupKey) {
		return fail("dedup_key", "dedup key must be 1-128 characters of [A-Za-z0-9._:-]")
	}

	switch req.Kind {
	case models.JobKindRecognition:
		if req.OwnerID == "" {
			return taxonomy.NewFor(ctx, taxonomy.Unauthenticated)
		}
		if len(req.Image) == 0 {
			return fail("image", "image is empty")
		}
		if g.cfg.MaxImageBytes > 0 && int64(len(req.Image)) > g.cfg.MaxImageBytes {
			return fail("size", fmt.Sprintf("image is %d bytes, limit %d", len(req.Image), g.cfg.MaxImageBytes))
		}
		declared := strings.ToLower(strings.TrimSpace(strings.Split(req.ContentType, ";")[0]))
		if declared != "" && declared != "application/octet-stream" && !AllowedImageTypes[declared] {
			return fail("content_type", "unsupported content type "+declared)
		}
		sniffed := http.DetectContentType(req.Image)
		if !AllowedImageTypes[sniffed] {
			// Declared as a supported image, but the bytes are not one.
			return fail("payload", "content sniffed as "+sniffed)
		}
		req.ContentType = sniffed
	case models.JobKindPaymentEvent:
		if len(req.Payload) == 0 || !json.Valid(req.Payload) {
			return fail("event", "payload is not valid JSON")
		}
	default:
		return fail("kind", "unknown job kind "+req.Kind)
	}
	return nil
}

func (g *Gate) debug() bool {
	return g.cfg.Debug
}
