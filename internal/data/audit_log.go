package data

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"

	"MediaForge/internal/model"
)

// AuditLog is the GORM model for the resilience_audit_logs table
type AuditLog struct {
	ID         int64     `gorm:"primaryKey;column:id"`
	JobID      string    `gorm:"column:job_id;type:varchar(36);index"`
	UserID     string    `gorm:"column:user_id;type:varchar(36);index"`
	ActionType string    `gorm:"column:action_type;type:varchar(50);not null"`
	Details    string    `gorm:"column:details;type:json"` // JSON string
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (AuditLog) TableName() string {
	return "resilience_audit_logs"
}

// AuditLoggerImpl implements biz.AuditLogger interface
type AuditLoggerImpl struct {
	db      *gorm.DB
	logChan chan *AuditLog
	logger  *log.Helper
}

// NewAuditLogger creates a new audit logger with async channel
func NewAuditLogger(db *gorm.DB, logger log.Logger) *AuditLoggerImpl {
	al := &AuditLoggerImpl{
		db:      db,
		logChan: make(chan *AuditLog, 1000), // Buffer size 1000 to prevent blocking
		logger:  log.NewHelper(logger),
	}

	// Start background goroutine for async logging
	go al.start()

	return al
}

// start processes audit log events from channel
func (a *AuditLoggerImpl) start() {
	for event := range a.logChan {
		ctx := context.Background()
		if err := a.db.WithContext(ctx).Create(event).Error; err != nil {
			a.logger.Errorw("failed to write audit log",
				"job_id", event.JobID,
				"action_type", event.ActionType,
				"error", err)
		} else {
			a.logger.Debugw("audit log written",
				"job_id", event.JobID,
				"action_type", event.ActionType)
		}
	}
}

// enqueue sends an event to the channel without blocking the caller.
func (a *AuditLoggerImpl) enqueue(event *AuditLog, details map[string]interface{}) {
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		a.logger.Errorw("failed to marshal audit log details", "error", err)
		return
	}
	event.Details = string(detailsJSON)

	select {
	case a.logChan <- event:
		// Successfully queued
	default:
		a.logger.Warnw("audit log channel full, dropping event",
			"job_id", event.JobID,
			"action_type", event.ActionType)
	}
}

// LogCircuitBroken logs circuit breaker triggered event
func (a *AuditLoggerImpl) LogCircuitBroken(ctx context.Context, name string, failureRate float64, at time.Time) {
	a.enqueue(&AuditLog{
		ActionType: model.AuditEventCircuitBroken,
	}, map[string]interface{}{
		"breaker":           name,
		"failure_rate":      failureRate,
		"circuit_broken_at": at.Format(time.RFC3339),
	})
}

// LogCircuitRecovered logs circuit breaker recovered event
func (a *AuditLoggerImpl) LogCircuitRecovered(ctx context.Context, name string, at time.Time) {
	a.enqueue(&AuditLog{
		ActionType: model.AuditEventCircuitRecovered,
	}, map[string]interface{}{
		"breaker":      name,
		"recovered_at": at.Format(time.RFC3339),
	})
}

// LogBreakerReset logs a manual breaker reset or force-open
func (a *AuditLoggerImpl) LogBreakerReset(ctx context.Context, name string, forcedOpen bool) {
	a.enqueue(&AuditLog{
		ActionType: model.AuditEventBreakerReset,
	}, map[string]interface{}{
		"breaker":     name,
		"forced_open": forcedOpen,
	})
}

// LogJobTimedOut logs a job failed by the reconciliation sweep
func (a *AuditLoggerImpl) LogJobTimedOut(ctx context.Context, jobID, userID string, age time.Duration) {
	a.enqueue(&AuditLog{
		JobID:      jobID,
		UserID:     userID,
		ActionType: model.AuditEventJobTimedOut,
	}, map[string]interface{}{
		"age_seconds": age.Seconds(),
	})
}

// LogCreditsRefunded logs a successful refund of reserved credits
func (a *AuditLoggerImpl) LogCreditsRefunded(ctx context.Context, jobID, userID string, amount int64, reason string) {
	a.enqueue(&AuditLog{
		JobID:      jobID,
		UserID:     userID,
		ActionType: model.AuditEventCreditsRefunded,
	}, map[string]interface{}{
		"amount": amount,
		"reason": reason,
	})
}

// LogRefundFailed logs a refund failure
func (a *AuditLoggerImpl) LogRefundFailed(ctx context.Context, jobID, userID string, amount int64, err error) {
	a.enqueue(&AuditLog{
		JobID:      jobID,
		UserID:     userID,
		ActionType: model.AuditEventRefundFailed,
	}, map[string]interface{}{
		"amount": amount,
		"error":  err.Error(),
	})
}
