package data

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"MediaForge/internal/model"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-kratos/kratos/v2/log"
	gomysql "github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// setupJobTestDB creates a test database connection with sqlmock
func setupJobTestDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock, func()) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	require.NoError(t, err)

	cleanup := func() {
		sqlDB.Close()
	}

	return gormDB, mock, cleanup
}

func setupJobRepo(t *testing.T) (*JobRepo, sqlmock.Sqlmock, func()) {
	gormDB, mock, cleanup := setupJobTestDB(t)
	repo := NewJobRepo(gormDB, log.DefaultLogger)
	return repo, mock, cleanup
}

func jobRows(job *Job) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "user_id", "provider", "content_type", "status",
		"provider_task_id", "credits_reserved", "fail_reason",
		"refund_pending", "created_at", "updated_at", "completed_at",
	}).AddRow(
		job.ID, job.UserID, string(job.Provider), string(job.ContentType), string(job.Status),
		job.ProviderTaskID, job.CreditsReserved, job.FailReason,
		job.RefundPending, job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
}

// TestCreateJob tests inserting new generation jobs
func TestCreateJob(t *testing.T) {
	repo, mock, cleanup := setupJobRepo(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("create job assigns id when empty", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `generation_jobs`")).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		job := &Job{
			UserID:          "user-1",
			Provider:        model.ProviderKieAI,
			ContentType:     model.ContentPromptToImage,
			Status:          model.JobStatusPending,
			CreditsReserved: 50,
		}

		err := repo.CreateJob(ctx, job)

		assert.NoError(t, err)
		assert.NotEmpty(t, job.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("create job keeps caller-provided id", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `generation_jobs`")).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		job := &Job{
			ID:              "job-fixed",
			UserID:          "user-1",
			Provider:        model.ProviderRunware,
			ContentType:     model.ContentPromptToVideo,
			Status:          model.JobStatusPending,
			CreditsReserved: 200,
		}

		err := repo.CreateJob(ctx, job)

		assert.NoError(t, err)
		assert.Equal(t, "job-fixed", job.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate provider task id is reported", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO `generation_jobs`")).
			WillReturnError(&gomysql.MySQLError{Number: 1062, Message: "Duplicate entry 'task-1' for key 'provider_task_id'"})
		mock.ExpectRollback()

		taskID := "task-1"
		job := &Job{
			UserID:          "user-1",
			Provider:        model.ProviderKieAI,
			ContentType:     model.ContentPromptToImage,
			Status:          model.JobStatusProcessing,
			ProviderTaskID:  &taskID,
			CreditsReserved: 50,
		}

		err := repo.CreateJob(ctx, job)

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// TestFindByID tests job lookup by internal id
func TestFindByID(t *testing.T) {
	repo, mock, cleanup := setupJobRepo(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		now := time.Now()
		stored := &Job{
			ID:              "job-1",
			UserID:          "user-1",
			Provider:        model.ProviderKieAI,
			ContentType:     model.ContentPromptToImage,
			Status:          model.JobStatusProcessing,
			CreditsReserved: 50,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `generation_jobs` WHERE id = ? ORDER BY `generation_jobs`.`id` LIMIT ?")).
			WithArgs("job-1", 1).
			WillReturnRows(jobRows(stored))

		job, err := repo.FindByID(ctx, "job-1")

		assert.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "job-1", job.ID)
		assert.Equal(t, model.JobStatusProcessing, job.Status)
		assert.Equal(t, int64(50), job.CreditsReserved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `generation_jobs` WHERE id = ? ORDER BY `generation_jobs`.`id` LIMIT ?")).
			WithArgs("missing", 1).
			WillReturnError(gorm.ErrRecordNotFound)

		job, err := repo.FindByID(ctx, "missing")

		assert.Nil(t, job)
		assert.ErrorIs(t, err, ErrJobNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// TestFindByProviderTaskID tests the webhook authentication lookup
func TestFindByProviderTaskID(t *testing.T) {
	repo, mock, cleanup := setupJobRepo(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		now := time.Now()
		taskID := "task-abc"
		stored := &Job{
			ID:              "job-2",
			UserID:          "user-1",
			Provider:        model.ProviderRunware,
			ContentType:     model.ContentImageToVideo,
			Status:          model.JobStatusProcessing,
			ProviderTaskID:  &taskID,
			CreditsReserved: 120,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `generation_jobs` WHERE provider_task_id = ? ORDER BY `generation_jobs`.`id` LIMIT ?")).
			WithArgs("task-abc", 1).
			WillReturnRows(jobRows(stored))

		job, err := repo.FindByProviderTaskID(ctx, "task-abc")

		assert.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, "job-2", job.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown task id", func(t *testing.T) {
		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `generation_jobs` WHERE provider_task_id = ? ORDER BY `generation_jobs`.`id` LIMIT ?")).
			WithArgs("forged", 1).
			WillReturnError(gorm.ErrRecordNotFound)

		job, err := repo.FindByProviderTaskID(ctx, "forged")

		assert.Nil(t, job)
		assert.ErrorIs(t, err, ErrJobNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// TestCompareAndSetStatus tests the conditional status transition
func TestCompareAndSetStatus(t *testing.T) {
	repo, mock, cleanup := setupJobRepo(t)
	defer cleanup()

	ctx := context.Background()
	nonTerminal := []model.JobStatus{model.JobStatusPending, model.JobStatusProcessing}

	t.Run("transition wins when guard matches", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE `generation_jobs` SET")).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		won, err := repo.CompareAndSetStatus(ctx, "job-1", nonTerminal, model.JobStatusCompleted, map[string]interface{}{
			"storage_location": "artifacts/job-1.png",
			"completed_at":     time.Now(),
		})

		assert.NoError(t, err)
		assert.True(t, won)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("transition loses when another writer got there first", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE `generation_jobs` SET")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		won, err := repo.CompareAndSetStatus(ctx, "job-1", nonTerminal, model.JobStatusFailed, map[string]interface{}{
			"fail_reason": string(model.FailReasonProvider),
		})

		assert.NoError(t, err)
		assert.False(t, won)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database error propagates", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE `generation_jobs` SET")).
			WillReturnError(sql.ErrConnDone)
		mock.ExpectRollback()

		won, err := repo.CompareAndSetStatus(ctx, "job-1", nonTerminal, model.JobStatusFailed, nil)

		assert.Error(t, err)
		assert.False(t, won)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// TestListStale tests the reconciliation sweep query
func TestListStale(t *testing.T) {
	repo, mock, cleanup := setupJobRepo(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("returns oldest jobs first", func(t *testing.T) {
		cutoff := time.Now().Add(-30 * time.Minute)
		old := time.Now().Add(-2 * time.Hour)

		rows := sqlmock.NewRows([]string{"id", "user_id", "provider", "content_type", "status", "credits_reserved", "created_at"}).
			AddRow("job-old-1", "user-1", "kie_ai", "prompt_to_image", "processing", int64(50), old).
			AddRow("job-old-2", "user-2", "runware", "prompt_to_video", "pending", int64(200), old.Add(time.Minute))

		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `generation_jobs` WHERE status IN (?,?) AND created_at < ? ORDER BY created_at ASC LIMIT ?")).
			WithArgs("pending", "processing", cutoff, 100).
			WillReturnRows(rows)

		jobs, err := repo.ListStale(ctx, []model.JobStatus{model.JobStatusPending, model.JobStatusProcessing}, cutoff, 100)

		assert.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, "job-old-1", jobs[0].ID)
		assert.Equal(t, model.JobStatusPending, jobs[1].Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty result", func(t *testing.T) {
		cutoff := time.Now().Add(-30 * time.Minute)

		mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `generation_jobs` WHERE status IN (?) AND created_at < ? ORDER BY created_at ASC LIMIT ?")).
			WithArgs("processing", cutoff, 100).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		jobs, err := repo.ListStale(ctx, []model.JobStatus{model.JobStatusProcessing}, cutoff, 100)

		assert.NoError(t, err)
		assert.Empty(t, jobs)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// TestListRefundPending tests detecting failed jobs awaiting a refund retry
func TestListRefundPending(t *testing.T) {
	repo, mock, cleanup := setupJobRepo(t)
	defer cleanup()

	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"id", "user_id", "status", "credits_reserved", "refund_pending"}).
		AddRow("job-stuck", "user-3", "failed", int64(80), true)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT * FROM `generation_jobs` WHERE status = ? AND refund_pending = ? ORDER BY updated_at ASC LIMIT ?")).
		WithArgs("failed", true, 50).
		WillReturnRows(rows)

	jobs, err := repo.ListRefundPending(ctx, 50)

	assert.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "job-stuck", jobs[0].ID)
	assert.True(t, jobs[0].RefundPending)
	assert.Equal(t, int64(80), jobs[0].CreditsReserved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestClaimRefund tests the conditional refund flag clear
func TestClaimRefund(t *testing.T) {
	repo, mock, cleanup := setupJobRepo(t)
	defer cleanup()

	ctx := context.Background()

	t.Run("first claimer wins", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE `generation_jobs` SET `refund_pending`=?,`updated_at`=? WHERE id = ? AND refund_pending = ?")).
			WithArgs(false, sqlmock.AnyArg(), "job-1", true).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		claimed, err := repo.ClaimRefund(ctx, "job-1")

		assert.NoError(t, err)
		assert.True(t, claimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("claim loses when the flag is already cleared", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE `generation_jobs` SET")).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		claimed, err := repo.ClaimRefund(ctx, "job-1")

		assert.NoError(t, err)
		assert.False(t, claimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database error propagates", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec(regexp.QuoteMeta("UPDATE `generation_jobs` SET")).
			WillReturnError(sql.ErrConnDone)
		mock.ExpectRollback()

		claimed, err := repo.ClaimRefund(ctx, "job-1")

		assert.Error(t, err)
		assert.False(t, claimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

// TestReleaseRefund tests restoring the flag after a failed refund
func TestReleaseRefund(t *testing.T) {
	repo, mock, cleanup := setupJobRepo(t)
	defer cleanup()

	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE `generation_jobs` SET `refund_pending`=?,`updated_at`=? WHERE id = ?")).
		WithArgs(true, sqlmock.AnyArg(), "job-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.ReleaseRefund(ctx, "job-1")

	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
