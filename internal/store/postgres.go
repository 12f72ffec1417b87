package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/jobcore/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`, id, ownerID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

const jobColumns = `id, kind, owner_id, dedup_key, state, attempt_count, max_attempts, payload, result_envelope,
	cancel_requested, next_attempt_at, started_at, completed_at, archived_at, created_at, updated_at`

func scanJob(row pgx.Row) (*models.Job, error) {
	var j models.Job
	err := row.Scan(&j.ID, &j.Kind, &j.OwnerID, &j.DedupKey, &j.State, &j.AttemptCount, &j.MaxAttempts,
		&j.Payload, &j.ResultEnvelope, &j.CancelRequested, &j.NextAttemptAt, &j.StartedAt,
		&j.CompletedAt, &j.ArchivedAt, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*models.Job, error) {
	defer rows.Close()
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, kind, owner_id, dedup_key, state, attempt_count, max_attempts, payload, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.Kind, job.OwnerID, job.DedupKey, string(job.State), job.AttemptCount, job.MaxAttempts,
		job.Payload, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) GetJobByDedupKey(ctx context.Context, ownerID, kind, dedupKey string) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE owner_id = $1 AND kind = $2 AND dedup_key = $3`,
		ownerID, kind, dedupKey))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job by dedup key: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) TransitionJob(ctx context.Context, id uuid.UUID, from []models.JobState, to models.JobState, opts ...TransitionOption) (*models.Job, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, fmt.Errorf("%v -> %s: %w", from, to, err)
	}
	params := &transitionParams{}
	for _, opt := range opts {
		opt(params)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET state = $2, updated_at = $3`
	args := []any{id, string(to), now}
	argIdx := 4

	if to == models.JobStateStarted {
		query += ", started_at = COALESCE(started_at, $3), next_attempt_at = NULL"
	}
	if to.Terminal() {
		query += ", completed_at = $3, next_attempt_at = NULL"
	}
	if params.IncrementAttempt {
		query += ", attempt_count = attempt_count + 1"
	}
	if params.Result != nil {
		query += fmt.Sprintf(", result_envelope = $%d", argIdx)
		args = append(args, params.Result)
		argIdx++
	}
	if params.NextAttemptAt != nil {
		query += fmt.Sprintf(", next_attempt_at = $%d", argIdx)
		args = append(args, params.NextAttemptAt.UTC())
		argIdx++
	}

	query += fmt.Sprintf(" WHERE id = $1 AND state = ANY($%d) RETURNING %s", argIdx, jobColumns)
	args = append(args, stateStrings(from))

	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrStale(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("transition job: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) RequestCancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE jobs SET cancel_requested = TRUE WHERE id = $1 AND state = $2 RETURNING `+jobColumns,
		id, string(models.JobStateStarted)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.missOrStale(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("request cancel: %w", err)
	}
	return j, nil
}

func (s *PostgresStore) TouchJob(ctx context.Context, id uuid.UUID, state models.JobState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET updated_at = $3 WHERE id = $1 AND state = $2`,
		id, string(state), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.missOrStale(ctx, id)
	}
	return nil
}

func (s *PostgresStore) missOrStale(ctx context.Context, id uuid.UUID) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrStaleState
}

func (s *PostgresStore) ListStaleJobs(ctx context.Context, before time.Time, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE state = ANY($1) AND updated_at < $2 AND (next_attempt_at IS NULL OR next_attempt_at < $2)
		 ORDER BY updated_at ASC LIMIT $3`,
		stateStrings(NonTerminalStates), before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *PostgresStore) ListAbandonedJobs(ctx context.Context, before time.Time, limit int) ([]*models.Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE state = $1 AND created_at < $2 ORDER BY created_at ASC LIMIT $3`,
		string(models.JobStatePending), before.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list abandoned jobs: %w", err)
	}
	return scanJobs(rows)
}

func (s *PostgresStore) ArchiveTerminalJobs(ctx context.Context, before time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET archived_at = $3 WHERE id IN (
		   SELECT id FROM jobs WHERE state = ANY($1) AND archived_at IS NULL AND completed_at < $2
		   ORDER BY completed_at ASC LIMIT $4)`,
		stateStrings(TerminalStates), before.UTC(), time.Now().UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("archive terminal jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// --- Cancellations ---

func (s *PostgresStore) RecordCancellation(ctx context.Context, ev *models.CancellationEvent) (*models.CancellationEvent, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO cancellation_events (id, task_id, caller_id, client_cancel_id, outcome, state_at_request, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (task_id, client_cancel_id) DO NOTHING`,
		ev.ID, ev.TaskID, ev.CallerID, ev.ClientCancelID, ev.Outcome, string(ev.StateAtRequest), ev.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("record cancellation: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return ev, true, nil
	}

	var existing models.CancellationEvent
	err = s.pool.QueryRow(ctx,
		`SELECT id, task_id, caller_id, client_cancel_id, outcome, state_at_request, created_at
		 FROM cancellation_events WHERE task_id = $1 AND client_cancel_id = $2`,
		ev.TaskID, ev.ClientCancelID,
	).Scan(&existing.ID, &existing.TaskID, &existing.CallerID, &existing.ClientCancelID,
		&existing.Outcome, &existing.StateAtRequest, &existing.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("get cancellation: %w", err)
	}
	return &existing, false, nil
}

// --- Payments ---

func (s *PostgresStore) ApplyPaymentEvent(ctx context.Context, ev *models.PaymentEvent) (*models.PaymentApplyResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin payment tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`INSERT INTO payment_events (event_id, payment_id, type, status, created_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (event_id) DO NOTHING`,
		ev.EventID, ev.PaymentID, ev.Type, ev.Status, now)
	if err != nil {
		return nil, fmt.Errorf("record payment event: %w", err)
	}

	applied := false
	if tag.RowsAffected() == 1 {
		tag, err = tx.Exec(ctx,
			`INSERT INTO payments (id, owner_id, status, status_rank, amount, currency, last_event_id, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
			 ON CONFLICT (id) DO UPDATE SET
			   status = EXCLUDED.status,
			   status_rank = EXCLUDED.status_rank,
			   amount = EXCLUDED.amount,
			   currency = EXCLUDED.currency,
			   owner_id = CASE WHEN EXCLUDED.owner_id <> '' THEN EXCLUDED.owner_id ELSE payments.owner_id END,
			   last_event_id = EXCLUDED.last_event_id,
			   updated_at = EXCLUDED.updated_at
			 WHERE payments.status_rank < EXCLUDED.status_rank`,
			ev.PaymentID, ev.OwnerID, ev.Status, models.PaymentStatusRank(ev.Status),
			ev.Amount, ev.Currency, ev.EventID, now)
		if err != nil {
			return nil, fmt.Errorf("upsert payment: %w", err)
		}
		applied = tag.RowsAffected() == 1
	}

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM payments WHERE id = $1`, ev.PaymentID).Scan(&status); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("read payment: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit payment tx: %w", err)
	}
	return &models.PaymentApplyResult{PaymentID: ev.PaymentID, Status: status, Applied: applied}, nil
}

func (s *PostgresStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	var p models.Payment
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, status, amount, currency, last_event_id, created_at, updated_at
		 FROM payments WHERE id = $1`, id,
	).Scan(&p.ID, &p.OwnerID, &p.Status, &p.Amount, &p.Currency, &p.LastEventID, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &p, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
