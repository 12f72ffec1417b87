package jobs_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobcore/internal/cache"
	"github.com/kiranshivaraju/jobcore/internal/jobs"
	"github.com/kiranshivaraju/jobcore/internal/store"
	"github.com/kiranshivaraju/jobcore/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func later(d time.Duration) func() time.Time {
	return func() time.Time { return time.Now().Add(d) }
}

// startAttempts moves a fresh job to STARTED with the given attempt count, as if
// a worker crashed mid-attempt.
func (h *harness) startAttempts(t *testing.T, id uuid.UUID, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		if i > 0 {
			_, err := h.store.TransitionJob(ctx, id, []models.JobState{models.JobStateStarted}, models.JobStateRetry)
			require.NoError(t, err)
		}
		_, err := h.store.TransitionJob(ctx, id, []models.JobState{models.JobStatePending, models.JobStateRetry},
			models.JobStateStarted, store.IncrementAttempt())
		require.NoError(t, err)
	}
}

func (h *harness) eagerSweeper() *jobs.Sweeper {
	cfg := h.sweepCfg
	cfg.StaleAfter = time.Millisecond
	return jobs.NewSweeper(h.store, h.cache, h.queue, cfg, h.jobsCfg)
}

func TestSweep_RedispatchesOrphanedJob(t *testing.T) {
	h := newHarness(t)
	acc := h.submit(t, recognitionRequest("42", "abc"))
	h.startAttempts(t, acc.TaskID, 1)
	time.Sleep(5 * time.Millisecond)
	before := len(h.queue.Published())

	rep, err := h.eagerSweeper().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Redispatched)
	assert.Len(t, h.queue.Published(), before+1)

	job := h.job(t, acc.TaskID)
	assert.Equal(t, models.JobStateRetry, job.State)

	h.process(t, acc)
	job = h.job(t, acc.TaskID)
	assert.Equal(t, models.JobStateSuccess, job.State)
	assert.Equal(t, 2, job.AttemptCount)
}

func TestSweep_ForceFailsExhaustedJob(t *testing.T) {
	h := newHarness(t)
	acc := h.submit(t, recognitionRequest("42", "abc"))
	h.startAttempts(t, acc.TaskID, 3)
	time.Sleep(5 * time.Millisecond)

	rep, err := h.eagerSweeper().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Zero(t, rep.Redispatched)

	job := h.job(t, acc.TaskID)
	assert.Equal(t, models.JobStateFailure, job.State)
	assert.Equal(t, "JOB_STALLED", envelopeCode(t, job))

	v, resp := h.status.GetStatus(context.Background(), acc.TaskID, "42")
	require.Nil(t, resp)
	assert.Equal(t, jobs.StatusDone, v.Status)
	assert.Equal(t, "JOB_STALLED", v.Error.ErrorCode)
}

func TestSweep_ForceFailsJobPastElapsedBudget(t *testing.T) {
	h := newHarness(t)
	acc := h.submit(t, recognitionRequest("42", "abc"))
	h.startAttempts(t, acc.TaskID, 1)

	rep, err := h.sweeper.WithClock(later(10 * time.Minute)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, "JOB_STALLED", envelopeCode(t, h.job(t, acc.TaskID)))
}

func TestSweep_RepublishesLostDispatch(t *testing.T) {
	h := newHarness(t)
	h.queue.FailPublishes(errors.New("broker down"))
	acc := h.submit(t, recognitionRequest("42", "abc"))
	h.queue.FailPublishes(nil)
	require.Empty(t, h.queue.Published())

	rep, err := h.sweeper.WithClock(later(10 * time.Minute)).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Redispatched)
	require.Len(t, h.queue.Published(), 1)
	assert.Equal(t, acc.TaskID, h.queue.Published()[0].TaskID)
	assert.Equal(t, models.JobStatePending, h.job(t, acc.TaskID).State)

	h.process(t, acc)
	assert.Equal(t, models.JobStateSuccess, h.job(t, acc.TaskID).State)
}

func TestSweep_CompletesRequestedCancel(t *testing.T) {
	h := newHarness(t)
	acc := h.submit(t, recognitionRequest("42", "abc"))
	h.startAttempts(t, acc.TaskID, 1)
	_, resp := h.status.Cancel(context.Background(), acc.TaskID, "42", "c-1")
	require.Nil(t, resp)
	time.Sleep(5 * time.Millisecond)

	rep, err := h.eagerSweeper().RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Cancelled)
	assert.Equal(t, models.JobStateCancelled, h.job(t, acc.TaskID).State)
}

func TestSweep_LeavesHealthyJobsAlone(t *testing.T) {
	h := newHarness(t)
	pending := h.submit(t, recognitionRequest("42", "a"))
	done := h.submit(t, recognitionRequest("42", "b"))
	h.process(t, done)
	before := h.job(t, pending.TaskID)

	rep, err := h.sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, jobs.SweepReport{}, rep)

	after := h.job(t, pending.TaskID)
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt)
	assert.Equal(t, models.JobStateSuccess, h.job(t, done.TaskID).State)
}

func TestSweep_ArchiveAbandonsAndArchives(t *testing.T) {
	h := newHarness(t)
	pending := h.submit(t, recognitionRequest("42", "a"))
	done := h.submit(t, recognitionRequest("42", "b"))
	h.process(t, done)
	ctx := context.Background()

	sweeper := h.sweeper.WithClock(later(800 * time.Hour))
	rep, err := sweeper.RunArchive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Abandoned)
	assert.Equal(t, int64(2), rep.Archived)

	job := h.job(t, pending.TaskID)
	assert.Equal(t, models.JobStateCancelled, job.State)
	assert.Equal(t, "JOB_ABANDONED", envelopeCode(t, job))
	assert.NotNil(t, job.ArchivedAt)

	// Snapshots expire long before retention ends; read through a cold cache.
	status := jobs.NewStatusService(h.store, cache.NewMemoryCache(), time.Hour)
	_, resp := status.GetStatus(ctx, done.TaskID, "42")
	require.NotNil(t, resp)
	assert.Equal(t, "TASK_NOT_FOUND", resp.ErrorCode)

	rep, err = sweeper.RunArchive(ctx)
	require.NoError(t, err)
	assert.Equal(t, jobs.SweepReport{}, rep)
}

func TestSweep_StartRejectsBadSchedule(t *testing.T) {
	h := newHarness(t)
	cfg := h.sweepCfg
	cfg.Schedule = "every now and then"
	s := jobs.NewSweeper(h.store, h.cache, h.queue, cfg, h.jobsCfg)

	c := jobs.NewCron(time.UTC)
	err := s.Start(context.Background(), c)
	assert.Error(t, err)
}

func TestSweep_StartRunsOnSchedule(t *testing.T) {
	h := newHarness(t)
	h.queue.FailPublishes(errors.New("broker down"))
	acc := h.submit(t, recognitionRequest("42", "abc"))
	h.queue.FailPublishes(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c := jobs.NewCron(time.UTC)
	require.NoError(t, h.eagerSweeper().Start(ctx, c))
	defer c.Stop()

	assert.Eventually(t, func() bool {
		for _, m := range h.queue.Published() {
			if m.TaskID == acc.TaskID {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}
