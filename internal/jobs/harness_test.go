package jobs_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobcore/internal/ai"
	"github.com/kiranshivaraju/jobcore/internal/ai/mock"
	"github.com/kiranshivaraju/jobcore/internal/cache"
	"github.com/kiranshivaraju/jobcore/internal/config"
	"github.com/kiranshivaraju/jobcore/internal/jobs"
	"github.com/kiranshivaraju/jobcore/internal/objectstore"
	"github.com/kiranshivaraju/jobcore/internal/payments"
	"github.com/kiranshivaraju/jobcore/internal/queue"
	"github.com/kiranshivaraju/jobcore/internal/quota"
	"github.com/kiranshivaraju/jobcore/internal/store"
	"github.com/kiranshivaraju/jobcore/internal/taxonomy"
	"github.com/kiranshivaraju/jobcore/pkg/models"
	"github.com/stretchr/testify/require"
)

var jpeg = append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, make([]byte, 64)...)

type harness struct {
	store    *store.GormStore
	cache    *cache.MemoryCache
	queue    *queue.MemoryQueue
	blobs    *objectstore.MemoryStore
	provider *mock.MockProvider
	jobsCfg  config.JobsConfig
	sweepCfg config.SweepConfig

	gate    *jobs.Gate
	worker  *jobs.Worker
	status  *jobs.StatusService
	sweeper *jobs.Sweeper
}

type harnessOption func(*harnessSettings)

type harnessSettings struct {
	provider    *mock.MockProvider
	dailyLimit  int
	allowBypass bool
	maxRepairs  int
	policy      func(*config.RetryPolicy)
}

func withProvider(p *mock.MockProvider) harnessOption {
	return func(s *harnessSettings) { s.provider = p }
}

func withDailyLimit(n int) harnessOption {
	return func(s *harnessSettings) { s.dailyLimit = n }
}

func withQuotaBypass() harnessOption {
	return func(s *harnessSettings) { s.allowBypass = true }
}

func withPolicy(fn func(*config.RetryPolicy)) harnessOption {
	return func(s *harnessSettings) { s.policy = fn }
}

func testPolicy() config.RetryPolicy {
	return config.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     40 * time.Millisecond,
		Multiplier:     2,
		AttemptTimeout: 500 * time.Millisecond,
		MaxElapsed:     10 * time.Second,
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	settings := harnessSettings{provider: mock.NewMockProvider(), dailyLimit: 20, maxRepairs: 1}
	for _, opt := range opts {
		opt(&settings)
	}

	db, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	st := store.NewGormStore(db)
	require.NoError(t, st.Migrate(context.Background()))

	recognition, payment := testPolicy(), testPolicy()
	if settings.policy != nil {
		settings.policy(&recognition)
		settings.policy(&payment)
	}
	jobsCfg := config.JobsConfig{
		Recognition: recognition,
		Payment:     payment,
		DedupTTL:    time.Hour,
		ResultTTL:   time.Hour,
		Concurrency: 4,
	}
	sweepCfg := config.SweepConfig{
		Schedule:        "@every 1s",
		ArchiveSchedule: "@every 1h",
		StaleAfter:      5 * time.Minute,
		AbandonAfter:    72 * time.Hour,
		Retention:       720 * time.Hour,
		BatchSize:       50,
	}

	h := &harness{
		store:    st,
		cache:    cache.NewMemoryCache(),
		queue:    queue.NewMemoryQueue(256, 4),
		blobs:    objectstore.NewMemoryStore(),
		provider: settings.provider,
		jobsCfg:  jobsCfg,
		sweepCfg: sweepCfg,
	}
	t.Cleanup(func() { _ = h.queue.Close() })

	limiter := quota.New(h.cache, config.QuotaConfig{
		Location:    time.UTC,
		DailyLimits: map[string]int{"recognition": settings.dailyLimit},
	})
	h.gate = jobs.NewGate(st, h.cache, h.blobs, h.queue, limiter, jobs.GateConfig{
		Jobs:             jobsCfg,
		MaxImageBytes:    1024,
		AllowQuotaBypass: settings.allowBypass,
		Debug:            true,
	})

	service := ai.NewRecognitionService(h.provider, settings.maxRepairs)
	h.worker = jobs.NewWorker(st, h.cache, h.queue, jobsCfg, map[string]jobs.Handler{
		models.JobKindRecognition:  jobs.NewRecognitionHandler(h.blobs, service),
		models.JobKindPaymentEvent: jobs.NewPaymentEventHandler(payments.NewProcessor(st)),
	}, true)
	h.status = jobs.NewStatusService(st, h.cache, jobsCfg.ResultTTL)
	h.sweeper = jobs.NewSweeper(st, h.cache, h.queue, sweepCfg, jobsCfg)
	return h
}

func recognitionRequest(owner, key string) jobs.SubmitRequest {
	return jobs.SubmitRequest{
		OwnerID:     owner,
		Kind:        models.JobKindRecognition,
		DedupKey:    key,
		Image:       jpeg,
		ContentType: "image/jpeg",
		Locale:      "en",
		QuotaClass:  "recognition",
	}
}

func paymentRequest(t *testing.T, eventID, status string) jobs.SubmitRequest {
	t.Helper()
	payload, err := json.Marshal(models.PaymentEvent{
		EventID: eventID, Type: "payment." + status, PaymentID: "pay-1",
		Status: status, Amount: "10.00", Currency: "RUB",
	})
	require.NoError(t, err)
	return jobs.SubmitRequest{Kind: models.JobKindPaymentEvent, DedupKey: eventID, Payload: payload}
}

func (h *harness) submit(t *testing.T, req jobs.SubmitRequest) *jobs.Accepted {
	t.Helper()
	acc, resp := h.gate.Submit(context.Background(), req)
	require.Nil(t, resp, "submit rejected: %v", resp)
	return acc
}

func (h *harness) job(t *testing.T, id uuid.UUID) *models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) process(t *testing.T, acc *jobs.Accepted) {
	t.Helper()
	require.NoError(t, h.worker.Process(context.Background(), queue.Message{TaskID: acc.TaskID, Kind: h.job(t, acc.TaskID).Kind}))
}

// runWorker consumes the memory queue in the background until the test ends.
func (h *harness) runWorker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = h.worker.Run(ctx, h.queue)
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func (h *harness) awaitState(t *testing.T, id uuid.UUID, want models.JobState) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := h.store.GetJob(context.Background(), id)
		if err != nil {
			return false
		}
		job = j
		return j.State == want
	}, 5*time.Second, 10*time.Millisecond, "job never reached %s", want)
	return job
}

func envelopeCode(t *testing.T, job *models.Job) string {
	t.Helper()
	var resp taxonomy.Response
	require.NoError(t, json.Unmarshal(job.ResultEnvelope, &resp))
	require.NotEmpty(t, resp.TraceID)
	return resp.ErrorCode
}
