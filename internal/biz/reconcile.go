package biz

import (
	"context"
	"time"

	"MediaForge/internal/conf"
	"MediaForge/internal/data"
	"MediaForge/internal/metrics"
	"MediaForge/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// sweepBatchSize bounds one ListStale page so a large backlog cannot pin a
// sweep run on a single enormous result set.
const sweepBatchSize = 500

// ReconcileTask resolves jobs whose terminal outcome was never reported: a
// provider outage, a dropped callback, or a network partition all leave jobs
// stuck in pending/processing. On a fixed schedule the task fails every job
// older than the staleness ceiling and refunds its reserved credits.
//
// The task is safe to run concurrently with in-flight webhooks for the same
// jobs: the conditional status update is the sole correctness mechanism, the
// sweeper holds no locks of its own. Running the sweep twice back-to-back is
// a no-op the second time because the first run moved every eligible job out
// of the selection set.
type ReconcileTask struct {
	jobs       JobRepo
	ledger     CreditLedger
	audit      AuditLogger
	staleAfter time.Duration
	logger     *log.Helper

	// now is swappable for tests.
	now func() time.Time
}

// NewReconcileTask creates the reconciliation sweep task.
func NewReconcileTask(c *conf.Lifecycle, jobs JobRepo, ledger CreditLedger, audit AuditLogger, logger log.Logger) *ReconcileTask {
	staleAfter := 30 * time.Minute
	if c != nil && c.StaleAfter != nil && c.StaleAfter.AsDuration() > 0 {
		staleAfter = c.StaleAfter.AsDuration()
	}
	return &ReconcileTask{
		jobs:       jobs,
		ledger:     ledger,
		audit:      audit,
		staleAfter: staleAfter,
		logger:     log.NewHelper(logger),
		now:        time.Now,
	}
}

// Sweep runs one reconciliation pass: orphaned jobs are failed and refunded,
// then refunds that previously failed are retried.
func (t *ReconcileTask) Sweep(ctx context.Context) (*model.SweepResult, error) {
	started := t.now()
	result := &model.SweepResult{StartedAt: started}
	cutoff := started.Add(-t.staleAfter)

	for {
		stale, err := t.jobs.ListStale(ctx, model.NonTerminalStatuses, cutoff, sweepBatchSize)
		if err != nil {
			return result, err
		}
		if len(stale) == 0 {
			break
		}

		resolvedBefore := result.Failed + result.SkippedRaced
		for _, job := range stale {
			result.Scanned++
			if err := ctx.Err(); err != nil {
				return result, err
			}
			t.resolveStale(ctx, job, result)
		}

		if len(stale) < sweepBatchSize {
			break
		}
		if result.Failed+result.SkippedRaced == resolvedBefore {
			// Every transition in the batch errored out; the next page
			// would select the same rows again.
			t.logger.Errorw("sweep made no progress over a full batch, aborting pass",
				"batch_size", len(stale))
			break
		}
	}

	t.retryPendingRefunds(ctx, result)

	result.Duration = t.now().Sub(started)
	t.logger.Infow("reconciliation sweep completed",
		"scanned", result.Scanned,
		"failed", result.Failed,
		"refunded", result.Refunded,
		"refund_errors", result.RefundErrors,
		"skipped_raced", result.SkippedRaced,
		"duration", result.Duration)

	return result, nil
}

// resolveStale fails one orphaned job and refunds its credits.
func (t *ReconcileTask) resolveStale(ctx context.Context, job *data.Job, result *model.SweepResult) {
	fields := map[string]interface{}{
		"fail_reason":    string(model.FailReasonTimeout),
		"error_message":  "no provider callback before staleness deadline",
		"refund_pending": true,
	}

	won, err := t.jobs.CompareAndSetStatus(ctx, job.ID, model.NonTerminalStatuses, model.JobStatusFailed, fields)
	if err != nil {
		t.logger.Errorw("sweep failed to transition job", "job_id", job.ID, "error", err)
		return
	}
	if !won {
		// A webhook landed between the select and the CAS; that delivery
		// owns the outcome.
		result.SkippedRaced++
		return
	}

	result.Failed++
	age := t.now().Sub(job.CreatedAt)
	t.audit.LogJobTimedOut(ctx, job.ID, job.UserID, age)
	t.logger.Warnw("job timed out, failed by reconciliation sweep",
		"job_id", job.ID,
		"user_id", job.UserID,
		"age", age)

	t.claimAndRefund(ctx, job, string(model.FailReasonTimeout), result)
}

// retryPendingRefunds retries refunds that failed after an earlier status
// transition. A failed job with an un-refunded reservation is a
// data-integrity defect; this pass is what makes it self-healing. The cron
// chain skips a firing while the previous pass is still running, so passes
// never overlap.
func (t *ReconcileTask) retryPendingRefunds(ctx context.Context, result *model.SweepResult) {
	pending, err := t.jobs.ListRefundPending(ctx, sweepBatchSize)
	if err != nil {
		t.logger.Errorw("failed to list pending refunds", "error", err)
		return
	}

	for _, job := range pending {
		t.claimAndRefund(ctx, job, "refund_retry", result)
	}
}

// claimAndRefund claims a job's pending refund and issues it. The claim is
// a conditional clear of refund_pending, so concurrent issuers (a webhook
// delivery racing the sweep, or a manually triggered pass racing the cron)
// settle on exactly one ledger write. A failed refund restores the flag and
// stays in the retry set.
func (t *ReconcileTask) claimAndRefund(ctx context.Context, job *data.Job, reason string, result *model.SweepResult) {
	claimed, err := t.jobs.ClaimRefund(ctx, job.ID)
	if err != nil {
		result.RefundErrors++
		t.logger.Errorw("sweep failed to claim refund", "job_id", job.ID, "error", err)
		return
	}
	if !claimed {
		t.logger.Infow("refund already claimed by another issuer", "job_id", job.ID)
		return
	}

	if err := t.ledger.Refund(ctx, job.UserID, job.CreditsReserved); err != nil {
		result.RefundErrors++
		t.logger.Errorw("sweep refund failed, will retry next pass",
			"job_id", job.ID,
			"user_id", job.UserID,
			"amount", job.CreditsReserved,
			"error", err)
		if relErr := t.jobs.ReleaseRefund(ctx, job.ID); relErr != nil {
			t.logger.Errorw("failed to restore refund flag", "job_id", job.ID, "error", relErr)
		}
		t.audit.LogRefundFailed(ctx, job.ID, job.UserID, job.CreditsReserved, err)
		metrics.RecordRefundFailure()
		return
	}

	result.Refunded++
	t.audit.LogCreditsRefunded(ctx, job.ID, job.UserID, job.CreditsReserved, reason)
	metrics.RecordCreditsRefunded(reason, job.CreditsReserved)
}
