package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/jobcore/pkg/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store on GORM. It backs development runs and fast tests
// with SQLite; the schema is created by AutoMigrate instead of SQL migrations.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GormStore.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

type apiKeyRow struct {
	ID         string   `gorm:"primaryKey;size:36"`
	OwnerID    string   `gorm:"index;not null"`
	Name       string   `gorm:"not null"`
	KeyHash    string   `gorm:"not null"`
	KeyPrefix  string   `gorm:"index;not null"`
	Scopes     []string `gorm:"serializer:json;type:text"`
	LastUsedAt *time.Time
	DeletedAt  *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (apiKeyRow) TableName() string { return "api_keys" }

type jobRow struct {
	ID              string `gorm:"primaryKey;size:36"`
	Kind            string `gorm:"uniqueIndex:idx_jobs_dedup,priority:2;size:32;not null"`
	OwnerID         string `gorm:"uniqueIndex:idx_jobs_dedup,priority:1;not null;default:''"`
	DedupKey        string `gorm:"uniqueIndex:idx_jobs_dedup,priority:3;not null"`
	State           string `gorm:"index;size:16;not null"`
	AttemptCount    int    `gorm:"not null;default:0"`
	MaxAttempts     int    `gorm:"not null"`
	Payload         []byte
	ResultEnvelope  []byte
	CancelRequested bool `gorm:"not null;default:false"`
	NextAttemptAt   *time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time `gorm:"index"`
	ArchivedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time `gorm:"index"`
}

func (jobRow) TableName() string { return "jobs" }

type cancellationRow struct {
	ID             string `gorm:"primaryKey;size:36"`
	TaskID         string `gorm:"uniqueIndex:idx_cancellation_client,priority:1;size:36;not null"`
	CallerID       string `gorm:"not null"`
	ClientCancelID string `gorm:"uniqueIndex:idx_cancellation_client,priority:2;not null"`
	Outcome        string `gorm:"not null"`
	StateAtRequest string `gorm:"not null"`
	CreatedAt      time.Time
}

func (cancellationRow) TableName() string { return "cancellation_events" }

type paymentRow struct {
	ID          string `gorm:"primaryKey"`
	OwnerID     string `gorm:"not null;default:''"`
	Status      string `gorm:"not null"`
	StatusRank  int    `gorm:"not null"`
	Amount      string
	Currency    string
	LastEventID string `gorm:"not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (paymentRow) TableName() string { return "payments" }

type paymentEventRow struct {
	EventID   string `gorm:"primaryKey"`
	PaymentID string `gorm:"index;not null"`
	Type      string `gorm:"not null"`
	Status    string `gorm:"not null"`
	CreatedAt time.Time
}

func (paymentEventRow) TableName() string { return "payment_events" }

// Migrate creates the necessary tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&apiKeyRow{}, &jobRow{}, &cancellationRow{}, &paymentRow{}, &paymentEventRow{})
}

// Ping checks database connectivity.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// --- API Keys ---

func (r *apiKeyRow) model() *models.APIKey {
	return &models.APIKey{
		ID:         uuid.MustParse(r.ID),
		OwnerID:    r.OwnerID,
		Name:       r.Name,
		KeyHash:    r.KeyHash,
		KeyPrefix:  r.KeyPrefix,
		Scopes:     r.Scopes,
		LastUsedAt: r.LastUsedAt,
		DeletedAt:  r.DeletedAt,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (s *GormStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	var rows []apiKeyRow
	if err := s.db.WithContext(ctx).
		Where("key_prefix = ? AND deleted_at IS NULL", prefix).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	keys := make([]*models.APIKey, 0, len(rows))
	for i := range rows {
		keys = append(keys, rows[i].model())
	}
	return keys, nil
}

func (s *GormStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	if err := s.db.WithContext(ctx).Model(&apiKeyRow{}).
		Where("id = ?", id.String()).
		Updates(map[string]any{"last_used_at": now, "updated_at": now}).Error; err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *GormStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	row := apiKeyRow{
		ID:        key.ID.String(),
		OwnerID:   key.OwnerID,
		Name:      key.Name,
		KeyHash:   key.KeyHash,
		KeyPrefix: key.KeyPrefix,
		Scopes:    key.Scopes,
		CreatedAt: key.CreatedAt,
		UpdatedAt: key.UpdatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *GormStore) ListAPIKeys(ctx context.Context, ownerID string) ([]*models.APIKey, error) {
	var rows []apiKeyRow
	if err := s.db.WithContext(ctx).
		Where("owner_id = ? AND deleted_at IS NULL", ownerID).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	keys := make([]*models.APIKey, 0, len(rows))
	for i := range rows {
		keys = append(keys, rows[i].model())
	}
	return keys, nil
}

func (s *GormStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID string) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&apiKeyRow{}).
		Where("id = ? AND owner_id = ? AND deleted_at IS NULL", id.String(), ownerID).
		Updates(map[string]any{"deleted_at": now, "updated_at": now})
	if result.Error != nil {
		return fmt.Errorf("revoke api key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Jobs ---

func (r *jobRow) model() *models.Job {
	return &models.Job{
		ID:              uuid.MustParse(r.ID),
		Kind:            r.Kind,
		OwnerID:         r.OwnerID,
		DedupKey:        r.DedupKey,
		State:           models.JobState(r.State),
		AttemptCount:    r.AttemptCount,
		MaxAttempts:     r.MaxAttempts,
		Payload:         r.Payload,
		ResultEnvelope:  r.ResultEnvelope,
		CancelRequested: r.CancelRequested,
		NextAttemptAt:   r.NextAttemptAt,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		ArchivedAt:      r.ArchivedAt,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
}

func jobModels(rows []jobRow) []*models.Job {
	jobs := make([]*models.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].model())
	}
	return jobs
}

func (s *GormStore) CreateJob(ctx context.Context, job *models.Job) error {
	row := jobRow{
		ID:           job.ID.String(),
		Kind:         job.Kind,
		OwnerID:      job.OwnerID,
		DedupKey:     job.DedupKey,
		State:        string(job.State),
		AttemptCount: job.AttemptCount,
		MaxAttempts:  job.MaxAttempts,
		Payload:      job.Payload,
		CreatedAt:    job.CreatedAt.UTC(),
		UpdatedAt:    job.UpdatedAt.UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *GormStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return s.firstJob(ctx, "get job", "id = ?", id.String())
}

func (s *GormStore) GetJobByDedupKey(ctx context.Context, ownerID, kind, dedupKey string) (*models.Job, error) {
	return s.firstJob(ctx, "get job by dedup key",
		"owner_id = ? AND kind = ? AND dedup_key = ?", ownerID, kind, dedupKey)
}

func (s *GormStore) firstJob(ctx context.Context, op string, query string, args ...any) (*models.Job, error) {
	var row jobRow
	err := s.db.WithContext(ctx).Where(query, args...).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return row.model(), nil
}

func (s *GormStore) TransitionJob(ctx context.Context, id uuid.UUID, from []models.JobState, to models.JobState, opts ...TransitionOption) (*models.Job, error) {
	if err := checkTransition(from, to); err != nil {
		return nil, fmt.Errorf("%v -> %s: %w", from, to, err)
	}
	params := &transitionParams{}
	for _, opt := range opts {
		opt(params)
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"state":      string(to),
		"updated_at": now,
	}
	if to == models.JobStateStarted {
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", now)
		updates["next_attempt_at"] = nil
	}
	if to.Terminal() {
		updates["completed_at"] = now
		updates["next_attempt_at"] = nil
	}
	if params.IncrementAttempt {
		updates["attempt_count"] = gorm.Expr("attempt_count + 1")
	}
	if params.Result != nil {
		updates["result_envelope"] = []byte(params.Result)
	}
	if params.NextAttemptAt != nil {
		updates["next_attempt_at"] = params.NextAttemptAt.UTC()
	}

	var out *models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&jobRow{}).
			Where("id = ? AND state IN ?", id.String(), stateStrings(from)).
			Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("transition job: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return missOrStale(tx, id)
		}
		var row jobRow
		if err := tx.Where("id = ?", id.String()).First(&row).Error; err != nil {
			return fmt.Errorf("reload job: %w", err)
		}
		out = row.model()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) RequestCancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var out *models.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&jobRow{}).
			Where("id = ? AND state = ?", id.String(), string(models.JobStateStarted)).
			UpdateColumn("cancel_requested", true)
		if result.Error != nil {
			return fmt.Errorf("request cancel: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return missOrStale(tx, id)
		}
		var row jobRow
		if err := tx.Where("id = ?", id.String()).First(&row).Error; err != nil {
			return fmt.Errorf("reload job: %w", err)
		}
		out = row.model()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) TouchJob(ctx context.Context, id uuid.UUID, state models.JobState) error {
	result := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id = ? AND state = ?", id.String(), string(state)).
		UpdateColumn("updated_at", time.Now().UTC())
	if result.Error != nil {
		return fmt.Errorf("touch job: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return missOrStale(s.db.WithContext(ctx), id)
	}
	return nil
}

func missOrStale(db *gorm.DB, id uuid.UUID) error {
	var count int64
	if err := db.Model(&jobRow{}).Where("id = ?", id.String()).Count(&count).Error; err != nil {
		return fmt.Errorf("check job: %w", err)
	}
	if count == 0 {
		return ErrNotFound
	}
	return ErrStaleState
}

func (s *GormStore) ListStaleJobs(ctx context.Context, before time.Time, limit int) ([]*models.Job, error) {
	before = before.UTC()
	var rows []jobRow
	if err := s.db.WithContext(ctx).
		Where("state IN ?", stateStrings(NonTerminalStates)).
		Where("updated_at < ?", before).
		Where("(next_attempt_at IS NULL OR next_attempt_at < ?)", before).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	return jobModels(rows), nil
}

func (s *GormStore) ListAbandonedJobs(ctx context.Context, before time.Time, limit int) ([]*models.Job, error) {
	var rows []jobRow
	if err := s.db.WithContext(ctx).
		Where("state = ? AND created_at < ?", string(models.JobStatePending), before.UTC()).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list abandoned jobs: %w", err)
	}
	return jobModels(rows), nil
}

func (s *GormStore) ArchiveTerminalJobs(ctx context.Context, before time.Time, limit int) (int64, error) {
	var ids []string
	if err := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("state IN ? AND archived_at IS NULL AND completed_at < ?", stateStrings(TerminalStates), before.UTC()).
		Order("completed_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error; err != nil {
		return 0, fmt.Errorf("list terminal jobs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Model(&jobRow{}).
		Where("id IN ? AND archived_at IS NULL", ids).
		UpdateColumn("archived_at", time.Now().UTC())
	if result.Error != nil {
		return 0, fmt.Errorf("archive terminal jobs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// --- Cancellations ---

func (s *GormStore) RecordCancellation(ctx context.Context, ev *models.CancellationEvent) (*models.CancellationEvent, bool, error) {
	row := cancellationRow{
		ID:             ev.ID.String(),
		TaskID:         ev.TaskID.String(),
		CallerID:       ev.CallerID,
		ClientCancelID: ev.ClientCancelID,
		Outcome:        ev.Outcome,
		StateAtRequest: string(ev.StateAtRequest),
		CreatedAt:      ev.CreatedAt.UTC(),
	}
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row)
	if result.Error != nil {
		return nil, false, fmt.Errorf("record cancellation: %w", result.Error)
	}
	if result.RowsAffected == 1 {
		return ev, true, nil
	}

	var existing cancellationRow
	if err := s.db.WithContext(ctx).
		Where("task_id = ? AND client_cancel_id = ?", row.TaskID, row.ClientCancelID).
		First(&existing).Error; err != nil {
		return nil, false, fmt.Errorf("get cancellation: %w", err)
	}
	return &models.CancellationEvent{
		ID:             uuid.MustParse(existing.ID),
		TaskID:         uuid.MustParse(existing.TaskID),
		CallerID:       existing.CallerID,
		ClientCancelID: existing.ClientCancelID,
		Outcome:        existing.Outcome,
		StateAtRequest: models.JobState(existing.StateAtRequest),
		CreatedAt:      existing.CreatedAt,
	}, false, nil
}

// --- Payments ---

func (s *GormStore) ApplyPaymentEvent(ctx context.Context, ev *models.PaymentEvent) (*models.PaymentApplyResult, error) {
	res := &models.PaymentApplyResult{PaymentID: ev.PaymentID}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		inserted := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&paymentEventRow{
			EventID:   ev.EventID,
			PaymentID: ev.PaymentID,
			Type:      ev.Type,
			Status:    ev.Status,
			CreatedAt: now,
		})
		if inserted.Error != nil {
			return fmt.Errorf("record payment event: %w", inserted.Error)
		}

		var current paymentRow
		err := tx.Where("id = ?", ev.PaymentID).First(&current).Error
		found := err == nil
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("read payment: %w", err)
		}
		if found {
			res.Status = current.Status
		}
		if inserted.RowsAffected == 0 {
			return nil
		}

		rank := models.PaymentStatusRank(ev.Status)
		switch {
		case !found:
			if err := tx.Create(&paymentRow{
				ID:          ev.PaymentID,
				OwnerID:     ev.OwnerID,
				Status:      ev.Status,
				StatusRank:  rank,
				Amount:      ev.Amount,
				Currency:    ev.Currency,
				LastEventID: ev.EventID,
				CreatedAt:   now,
				UpdatedAt:   now,
			}).Error; err != nil {
				return fmt.Errorf("create payment: %w", err)
			}
		case current.StatusRank < rank:
			updates := map[string]any{
				"status":        ev.Status,
				"status_rank":   rank,
				"amount":        ev.Amount,
				"currency":      ev.Currency,
				"last_event_id": ev.EventID,
				"updated_at":    now,
			}
			if ev.OwnerID != "" {
				updates["owner_id"] = ev.OwnerID
			}
			if err := tx.Model(&paymentRow{}).Where("id = ?", ev.PaymentID).Updates(updates).Error; err != nil {
				return fmt.Errorf("update payment: %w", err)
			}
		default:
			return nil
		}
		res.Status = ev.Status
		res.Applied = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (s *GormStore) GetPayment(ctx context.Context, id string) (*models.Payment, error) {
	var row paymentRow
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &models.Payment{
		ID:          row.ID,
		OwnerID:     row.OwnerID,
		Status:      row.Status,
		Amount:      row.Amount,
		Currency:    row.Currency,
		LastEventID: row.LastEventID,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}, nil
}
