package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MediaForge/internal/model"
	pkgerrors "MediaForge/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrJobNotFound is returned when no job matches the lookup.
var ErrJobNotFound = errors.New("job not found")

// Job is the GORM model for the generation_jobs table. Jobs are created in
// pending by the submission side and reach a terminal state exactly once,
// through the webhook pipeline or the reconciliation sweep.
type Job struct {
	ID              string            `gorm:"primaryKey;column:id;size:36"`
	UserID          string            `gorm:"column:user_id;size:36;not null;index"`
	Provider        model.Provider    `gorm:"column:provider;size:32;not null"`
	ContentType     model.ContentType `gorm:"column:content_type;size:32;not null"`
	Status          model.JobStatus   `gorm:"column:status;type:enum('pending','processing','completed','failed','cancelled');not null;index:idx_status_created"`
	ProviderTaskID  *string           `gorm:"column:provider_task_id;size:128;uniqueIndex"`
	CreditsReserved int64             `gorm:"column:credits_reserved;not null"`
	FailReason      string            `gorm:"column:fail_reason;size:32"`
	ErrorMessage    string            `gorm:"column:error_message;type:text"`
	ProviderPayload string            `gorm:"column:provider_payload;type:json"` // raw webhook body, diagnostics only
	StorageLocation string            `gorm:"column:storage_location;size:512"`
	ArtifactSize    int64             `gorm:"column:artifact_size"`
	RefundPending   bool              `gorm:"column:refund_pending;not null;default:false;index"`
	CreatedAt       time.Time         `gorm:"column:created_at;autoCreateTime;index:idx_status_created"`
	UpdatedAt       time.Time         `gorm:"column:updated_at;autoUpdateTime"`
	CompletedAt     *time.Time        `gorm:"column:completed_at"`
}

// TableName specifies the table name for GORM
func (Job) TableName() string {
	return "generation_jobs"
}

// JobRepo implements biz.JobRepo interface.
// Following Kratos v2 DDD architecture, interface is defined in biz layer.
type JobRepo struct {
	db     *gorm.DB
	logger *log.Helper
}

// NewJobRepo creates a new job repository.
func NewJobRepo(db *gorm.DB, logger log.Logger) *JobRepo {
	return &JobRepo{
		db:     db,
		logger: log.NewHelper(logger),
	}
}

// CreateJob inserts a new job, assigning an id when the caller left it empty.
func (r *JobRepo) CreateJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)
		if dbErr.Type == pkgerrors.ErrorTypeDuplicateKey {
			return fmt.Errorf("job with provider task id already exists: %w", err)
		}
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// FindByID retrieves a job by internal id.
func (r *JobRepo) FindByID(ctx context.Context, id string) (*Job, error) {
	var job Job
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// FindByProviderTaskID retrieves a job by the provider-issued task id. This
// is the webhook authentication lookup: no match means a forged or stale
// callback.
func (r *JobRepo) FindByProviderTaskID(ctx context.Context, taskID string) (*Job, error) {
	var job Job
	if err := r.db.WithContext(ctx).Where("provider_task_id = ?", taskID).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job by provider task id: %w", err)
	}
	return &job, nil
}

// CompareAndSetStatus transitions a job's status with a conditional UPDATE.
// The status guard runs inside the statement itself, not as a prior read, so
// two concurrent writers (webhook delivery vs. sweep, or a duplicated
// delivery) can never both win: exactly one UPDATE matches a row.
//
// Returns false when the guard did not match, meaning another writer already
// handled the job.
func (r *JobRepo) CompareAndSetStatus(ctx context.Context, jobID string, expected []model.JobStatus, newStatus model.JobStatus, fields map[string]interface{}) (bool, error) {
	updates := map[string]interface{}{
		"status":     newStatus,
		"updated_at": time.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}

	result := r.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND status IN ?", jobID, expected).
		Updates(updates)

	if result.Error != nil {
		return false, fmt.Errorf("failed to update job status: %w", result.Error)
	}

	if result.RowsAffected == 0 {
		r.logger.Debugw("job status CAS lost",
			"job_id", jobID,
			"expected", expected,
			"new_status", newStatus)
		return false, nil
	}

	return true, nil
}

// ListStale returns jobs in the given statuses created before olderThan,
// oldest first. Used by the reconciliation sweep.
func (r *JobRepo) ListStale(ctx context.Context, statuses []model.JobStatus, olderThan time.Time, limit int) ([]*Job, error) {
	var jobs []*Job
	err := r.db.WithContext(ctx).
		Where("status IN ? AND created_at < ?", statuses, olderThan).
		Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	return jobs, nil
}

// ClaimRefund atomically claims a job's pending refund by clearing the
// refund_pending flag with a conditional UPDATE. The flag guard runs inside
// the statement, so of all concurrent issuers (the webhook delivery that
// failed the job, the sweep's retry pass) exactly one sees RowsAffected=1
// and owns the ledger write.
func (r *JobRepo) ClaimRefund(ctx context.Context, jobID string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ? AND refund_pending = ?", jobID, true).
		Updates(map[string]interface{}{
			"refund_pending": false,
			"updated_at":     time.Now(),
		})
	if result.Error != nil {
		return false, fmt.Errorf("failed to claim refund: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		r.logger.Debugw("refund claim lost, already issued elsewhere", "job_id", jobID)
		return false, nil
	}
	return true, nil
}

// ReleaseRefund restores the refund_pending flag after a claimed refund
// could not be issued, returning the job to the sweep's retry set.
func (r *JobRepo) ReleaseRefund(ctx context.Context, jobID string) error {
	err := r.db.WithContext(ctx).
		Model(&Job{}).
		Where("id = ?", jobID).
		Updates(map[string]interface{}{
			"refund_pending": true,
			"updated_at":     time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to restore refund flag: %w", err)
	}
	return nil
}

// ListRefundPending returns failed jobs whose refund has not been confirmed.
// A failed job with an un-refunded reservation is a data-integrity defect;
// this query is how the sweep detects it.
func (r *JobRepo) ListRefundPending(ctx context.Context, limit int) ([]*Job, error) {
	var jobs []*Job
	err := r.db.WithContext(ctx).
		Where("status = ? AND refund_pending = ?", model.JobStatusFailed, true).
		Order("updated_at ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list refund-pending jobs: %w", err)
	}
	return jobs, nil
}
