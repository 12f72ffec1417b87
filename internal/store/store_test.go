package store_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/jobcore/internal/store"
	"github.com/kiranshivaraju/jobcore/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("jobcore_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

// setupSQLite returns a migrated in-memory GormStore.
func setupSQLite(t *testing.T) *store.GormStore {
	t.Helper()
	db, err := store.OpenSQLite(":memory:")
	require.NoError(t, err)
	s := store.NewGormStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

// forEachStore runs fn against the SQLite store and, outside -short, against Postgres.
func forEachStore(t *testing.T, fn func(t *testing.T, s store.Store)) {
	t.Run("sqlite", func(t *testing.T) {
		fn(t, setupSQLite(t))
	})
	t.Run("postgres", func(t *testing.T) {
		if testing.Short() {
			t.Skip("skipping integration test")
		}
		fn(t, store.NewPostgresStore(setupTestDB(t)))
	})
}

func newJob(owner, kind, dedup string) *models.Job {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return &models.Job{
		ID:          uuid.New(),
		Kind:        kind,
		OwnerID:     owner,
		DedupKey:    dedup,
		State:       models.JobStatePending,
		MaxAttempts: 3,
		Payload:     json.RawMessage(`{"object_key":"k"}`),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// --- API Key Tests ---

func TestAPIKey_CreateGetRevoke(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Microsecond)
		key := &models.APIKey{
			ID:        uuid.New(),
			OwnerID:   "owner-1",
			Name:      "test-key",
			KeyHash:   "bcrypt-hash-here",
			KeyPrefix: "jc_abcd1",
			Scopes:    []string{"submit", "read"},
			CreatedAt: now,
			UpdatedAt: now,
		}
		require.NoError(t, s.CreateAPIKey(ctx, key))

		keys, err := s.GetAPIKeyByPrefix(ctx, "jc_abcd1")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, key.ID, keys[0].ID)
		assert.Equal(t, "owner-1", keys[0].OwnerID)
		assert.ElementsMatch(t, []string{"submit", "read"}, keys[0].Scopes)

		require.NoError(t, s.UpdateAPIKeyLastUsed(ctx, key.ID))

		listed, err := s.ListAPIKeys(ctx, "owner-1")
		require.NoError(t, err)
		require.Len(t, listed, 1)
		assert.NotNil(t, listed[0].LastUsedAt)

		assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID, "someone-else"), store.ErrNotFound)
		require.NoError(t, s.RevokeAPIKey(ctx, key.ID, "owner-1"))

		keys, err = s.GetAPIKeyByPrefix(ctx, "jc_abcd1")
		require.NoError(t, err)
		assert.Empty(t, keys)
		assert.ErrorIs(t, s.RevokeAPIKey(ctx, key.ID, "owner-1"), store.ErrNotFound)
	})
}

// --- Job Tests ---

func TestJob_CreateAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob("owner-1", models.JobKindRecognition, "k1")
		require.NoError(t, s.CreateJob(ctx, job))

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, models.JobStatePending, got.State)
		assert.Equal(t, "owner-1", got.OwnerID)
		assert.Equal(t, 3, got.MaxAttempts)
		assert.JSONEq(t, `{"object_key":"k"}`, string(got.Payload))
		assert.Nil(t, got.StartedAt)

		byKey, err := s.GetJobByDedupKey(ctx, "owner-1", models.JobKindRecognition, "k1")
		require.NoError(t, err)
		assert.Equal(t, job.ID, byKey.ID)
	})
}

func TestJob_GetNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		_, err := s.GetJob(context.Background(), uuid.New())
		assert.ErrorIs(t, err, store.ErrNotFound)

		_, err = s.GetJobByDedupKey(context.Background(), "o", models.JobKindRecognition, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestJob_DedupKeyUniquePerOwnerAndKind(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		require.NoError(t, s.CreateJob(ctx, newJob("owner-1", models.JobKindRecognition, "same")))

		err := s.CreateJob(ctx, newJob("owner-1", models.JobKindRecognition, "same"))
		assert.ErrorIs(t, err, store.ErrDuplicateKey)

		// Different owner or kind is a different request.
		require.NoError(t, s.CreateJob(ctx, newJob("owner-2", models.JobKindRecognition, "same")))
		require.NoError(t, s.CreateJob(ctx, newJob("owner-1", models.JobKindPaymentEvent, "same")))
	})
}

func TestJob_ConcurrentCreateSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		const n = 8
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.CreateJob(ctx, newJob("owner-1", models.JobKindRecognition, "race"))
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, store.ErrDuplicateKey)
		}
		assert.Equal(t, 1, wins)
	})
}

func TestJob_TransitionLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob("owner-1", models.JobKindRecognition, "life")
		require.NoError(t, s.CreateJob(ctx, job))

		started, err := s.TransitionJob(ctx, job.ID,
			[]models.JobState{models.JobStatePending, models.JobStateRetry}, models.JobStateStarted,
			store.IncrementAttempt())
		require.NoError(t, err)
		assert.Equal(t, models.JobStateStarted, started.State)
		assert.Equal(t, 1, started.AttemptCount)
		require.NotNil(t, started.StartedAt)
		firstStart := *started.StartedAt

		next := time.Now().UTC().Add(10 * time.Second)
		retry, err := s.TransitionJob(ctx, job.ID,
			[]models.JobState{models.JobStateStarted}, models.JobStateRetry,
			store.WithNextAttemptAt(next), store.WithResult(json.RawMessage(`{"error_code":"AI_TIMEOUT"}`)))
		require.NoError(t, err)
		assert.Equal(t, models.JobStateRetry, retry.State)
		require.NotNil(t, retry.NextAttemptAt)
		assert.WithinDuration(t, next, *retry.NextAttemptAt, time.Second)

		again, err := s.TransitionJob(ctx, job.ID,
			[]models.JobState{models.JobStatePending, models.JobStateRetry}, models.JobStateStarted,
			store.IncrementAttempt())
		require.NoError(t, err)
		assert.Equal(t, 2, again.AttemptCount)
		assert.Nil(t, again.NextAttemptAt)
		require.NotNil(t, again.StartedAt)
		assert.WithinDuration(t, firstStart, *again.StartedAt, time.Millisecond, "started_at marks the first dispatch")

		done, err := s.TransitionJob(ctx, job.ID,
			[]models.JobState{models.JobStateStarted}, models.JobStateSuccess,
			store.WithResult(json.RawMessage(`{"dishes":[]}`)))
		require.NoError(t, err)
		assert.Equal(t, models.JobStateSuccess, done.State)
		assert.NotNil(t, done.CompletedAt)
		assert.JSONEq(t, `{"dishes":[]}`, string(done.ResultEnvelope))
	})
}

func TestJob_TransitionStaleState(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob("owner-1", models.JobKindRecognition, "stale")
		require.NoError(t, s.CreateJob(ctx, job))

		_, err := s.TransitionJob(ctx, job.ID, []models.JobState{models.JobStatePending}, models.JobStateCancelled)
		require.NoError(t, err)

		// A worker that read PENDING earlier loses the race.
		_, err = s.TransitionJob(ctx, job.ID, []models.JobState{models.JobStatePending}, models.JobStateStarted)
		assert.ErrorIs(t, err, store.ErrStaleState)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStateCancelled, got.State)
	})
}

func TestJob_TransitionInvalidEdge(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob("owner-1", models.JobKindRecognition, "edge")
		require.NoError(t, s.CreateJob(ctx, job))

		_, err := s.TransitionJob(ctx, job.ID, []models.JobState{models.JobStatePending}, models.JobStateSuccess)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)

		_, err = s.TransitionJob(ctx, job.ID, []models.JobState{models.JobStateSuccess}, models.JobStateStarted)
		assert.ErrorIs(t, err, store.ErrInvalidTransition)
	})
}

func TestJob_TransitionNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		_, err := s.TransitionJob(context.Background(), uuid.New(),
			[]models.JobState{models.JobStatePending}, models.JobStateStarted)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestJob_ConcurrentTransitionSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob("owner-1", models.JobKindRecognition, "cas")
		require.NoError(t, s.CreateJob(ctx, job))

		const n = 6
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = s.TransitionJob(ctx, job.ID,
					[]models.JobState{models.JobStatePending}, models.JobStateStarted, store.IncrementAttempt())
			}(i)
		}
		wg.Wait()

		wins := 0
		for _, err := range errs {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, store.ErrStaleState)
		}
		assert.Equal(t, 1, wins)

		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.AttemptCount)
	})
}

func TestJob_RequestCancel(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob("owner-1", models.JobKindRecognition, "cancel")
		require.NoError(t, s.CreateJob(ctx, job))

		_, err := s.RequestCancel(ctx, job.ID)
		assert.ErrorIs(t, err, store.ErrStaleState, "only STARTED jobs take the flag")

		_, err = s.TransitionJob(ctx, job.ID, []models.JobState{models.JobStatePending}, models.JobStateStarted)
		require.NoError(t, err)

		got, err := s.RequestCancel(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, got.CancelRequested)
		assert.Equal(t, models.JobStateStarted, got.State)
	})
}

func TestJob_TouchJob(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob("owner-1", models.JobKindRecognition, "touch")
		job.UpdatedAt = job.UpdatedAt.Add(-time.Hour)
		require.NoError(t, s.CreateJob(ctx, job))

		require.NoError(t, s.TouchJob(ctx, job.ID, models.JobStatePending))
		got, err := s.GetJob(ctx, job.ID)
		require.NoError(t, err)
		assert.WithinDuration(t, time.Now(), got.UpdatedAt, 5*time.Second)

		assert.ErrorIs(t, s.TouchJob(ctx, job.ID, models.JobStateRetry), store.ErrStaleState)
		assert.ErrorIs(t, s.TouchJob(ctx, uuid.New(), models.JobStatePending), store.ErrNotFound)
	})
}

func TestJob_ListStaleJobs(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		old := time.Now().UTC().Add(-time.Hour)

		stale := newJob("owner-1", models.JobKindRecognition, "stale-1")
		stale.CreatedAt, stale.UpdatedAt = old, old
		require.NoError(t, s.CreateJob(ctx, stale))

		fresh := newJob("owner-1", models.JobKindRecognition, "fresh-1")
		require.NoError(t, s.CreateJob(ctx, fresh))

		finished := newJob("owner-1", models.JobKindRecognition, "done-1")
		finished.CreatedAt, finished.UpdatedAt = old, old
		require.NoError(t, s.CreateJob(ctx, finished))
		_, err := s.TransitionJob(ctx, finished.ID, []models.JobState{models.JobStatePending}, models.JobStateCancelled)
		require.NoError(t, err)

		jobs, err := s.ListStaleJobs(ctx, time.Now().UTC().Add(-5*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, stale.ID, jobs[0].ID)
	})
}

func TestJob_ListAbandonedAndArchive(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		old := time.Now().UTC().Add(-100 * time.Hour)

		abandoned := newJob("owner-1", models.JobKindRecognition, "abandoned")
		abandoned.CreatedAt, abandoned.UpdatedAt = old, old
		require.NoError(t, s.CreateJob(ctx, abandoned))

		jobs, err := s.ListAbandonedJobs(ctx, time.Now().UTC().Add(-72*time.Hour), 10)
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, abandoned.ID, jobs[0].ID)

		_, err = s.TransitionJob(ctx, abandoned.ID, []models.JobState{models.JobStatePending}, models.JobStateCancelled)
		require.NoError(t, err)

		// Completed just now: not older than the retention window.
		n, err := s.ArchiveTerminalJobs(ctx, time.Now().UTC().Add(-time.Hour), 10)
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.ArchiveTerminalJobs(ctx, time.Now().UTC().Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		got, err := s.GetJob(ctx, abandoned.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.ArchivedAt)
		assert.Equal(t, models.JobStateCancelled, got.State)

		n, err = s.ArchiveTerminalJobs(ctx, time.Now().UTC().Add(time.Minute), 10)
		require.NoError(t, err)
		assert.Zero(t, n, "archiving is idempotent")
	})
}

// --- Cancellation Tests ---

func TestRecordCancellation_Dedup(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()
		job := newJob("owner-1", models.JobKindRecognition, "audit")
		require.NoError(t, s.CreateJob(ctx, job))

		ev := &models.CancellationEvent{
			ID: uuid.New(), TaskID: job.ID, CallerID: "owner-1", ClientCancelID: "c-1",
			Outcome: models.CancelOutcomeApplied, StateAtRequest: models.JobStatePending,
			CreatedAt: time.Now().UTC(),
		}
		got, created, err := s.RecordCancellation(ctx, ev)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, ev.ID, got.ID)

		replay := *ev
		replay.ID = uuid.New()
		replay.Outcome = models.CancelOutcomeAlreadyTerminal
		got, created, err = s.RecordCancellation(ctx, &replay)
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, ev.ID, got.ID)
		assert.Equal(t, models.CancelOutcomeApplied, got.Outcome)
	})
}

// --- Payment Tests ---

func paymentEvent(eventID, status string) *models.PaymentEvent {
	return &models.PaymentEvent{
		EventID:   eventID,
		Type:      "payment." + status,
		PaymentID: "pay-1",
		Status:    status,
		Amount:    "199.00",
		Currency:  "RUB",
		OwnerID:   "owner-1",
	}
}

func TestApplyPaymentEvent_AdvancesLedger(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		res, err := s.ApplyPaymentEvent(ctx, paymentEvent("e1", models.PaymentStatusPending))
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, models.PaymentStatusPending, res.Status)

		res, err = s.ApplyPaymentEvent(ctx, paymentEvent("e2", models.PaymentStatusSucceeded))
		require.NoError(t, err)
		assert.True(t, res.Applied)
		assert.Equal(t, models.PaymentStatusSucceeded, res.Status)

		p, err := s.GetPayment(ctx, "pay-1")
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusSucceeded, p.Status)
		assert.Equal(t, "e2", p.LastEventID)
		assert.Equal(t, "owner-1", p.OwnerID)
	})
}

func TestApplyPaymentEvent_ReplayIsNoop(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		_, err := s.ApplyPaymentEvent(ctx, paymentEvent("e1", models.PaymentStatusSucceeded))
		require.NoError(t, err)

		res, err := s.ApplyPaymentEvent(ctx, paymentEvent("e1", models.PaymentStatusSucceeded))
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, models.PaymentStatusSucceeded, res.Status)
	})
}

func TestApplyPaymentEvent_IgnoresRegression(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		ctx := context.Background()

		_, err := s.ApplyPaymentEvent(ctx, paymentEvent("e2", models.PaymentStatusSucceeded))
		require.NoError(t, err)

		// Late delivery of an earlier event.
		res, err := s.ApplyPaymentEvent(ctx, paymentEvent("e1", models.PaymentStatusPending))
		require.NoError(t, err)
		assert.False(t, res.Applied)
		assert.Equal(t, models.PaymentStatusSucceeded, res.Status)

		p, err := s.GetPayment(ctx, "pay-1")
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusSucceeded, p.Status)
	})
}

func TestGetPayment_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		_, err := s.GetPayment(context.Background(), "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

// --- Ping Test ---

func TestPing(t *testing.T) {
	forEachStore(t, func(t *testing.T, s store.Store) {
		assert.NoError(t, s.Ping(context.Background()))
	})
}
