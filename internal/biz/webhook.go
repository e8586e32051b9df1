package biz

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"MediaForge/internal/data"
	"MediaForge/internal/metrics"
	"MediaForge/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Webhook authentication rejections. Both are security-relevant: an unknown
// task id is a forged or stale callback, a terminal job is a replay or
// duplicate delivery.
var (
	ErrUnknownTask     = errors.New("callback references unknown provider task")
	ErrAlreadyTerminal = errors.New("job already in terminal state")
)

// ArtifactError wraps a failure while retrieving or persisting the generated
// artifact. The job stays non-terminal so the provider's retry mechanism and
// the reconciliation sweep can both still resolve it.
type ArtifactError struct {
	JobID string
	Err   error
}

// Error implements the error interface.
func (e *ArtifactError) Error() string {
	return fmt.Sprintf("artifact processing failed for job %s: %v", e.JobID, e.Err)
}

// Unwrap returns the underlying error.
func (e *ArtifactError) Unwrap() error { return e.Err }

// JobRepo defines the consumed job store contract. Implementation is in the
// data layer (data.JobRepo).
type JobRepo interface {
	CreateJob(ctx context.Context, job *data.Job) error
	FindByID(ctx context.Context, id string) (*data.Job, error)
	FindByProviderTaskID(ctx context.Context, taskID string) (*data.Job, error)

	// CompareAndSetStatus transitions jobID to newStatus only while its
	// current status is one of expected, applying fields in the same
	// statement. Returns false when another writer won the race; callers
	// must treat that as "already handled", not an error.
	CompareAndSetStatus(ctx context.Context, jobID string, expected []model.JobStatus, newStatus model.JobStatus, fields map[string]interface{}) (bool, error)

	// ClaimRefund atomically clears a job's refund_pending flag and reports
	// whether this caller won the claim. The winner owns issuing the ledger
	// refund; losers must not touch the ledger.
	ClaimRefund(ctx context.Context, jobID string) (bool, error)

	// ReleaseRefund restores the flag after a claimed refund failed so the
	// sweep retries it.
	ReleaseRefund(ctx context.Context, jobID string) error

	ListStale(ctx context.Context, statuses []model.JobStatus, olderThan time.Time, limit int) ([]*data.Job, error)
	ListRefundPending(ctx context.Context, limit int) ([]*data.Job, error)
}

// CreditLedger defines the consumed ledger contract: atomic per-user
// reserve/deduct/refund primitives. The core never computes a balance with a
// read-then-write of its own.
type CreditLedger interface {
	// Reserve earmarks credits against the balance, failing with
	// data.ErrInsufficientFunds when the balance is too low.
	Reserve(ctx context.Context, userID string, amount int64) (string, error)

	// Refund credits the balance back. Refunds are additive and not tied to
	// the original reservation, so they are safe to issue even when the
	// reservation record is gone.
	Refund(ctx context.Context, userID string, amount int64) error

	Balance(ctx context.Context, userID string) (int64, error)
}

// ArtifactStore persists generated artifacts to durable object storage.
type ArtifactStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (location string, err error)
}

// ProviderClient retrieves result artifacts from a provider-hosted URL.
type ProviderClient interface {
	FetchResult(ctx context.Context, url string) (body io.ReadCloser, size int64, contentType string, err error)
}

// CallbackResult reports what a webhook delivery did.
type CallbackResult struct {
	JobID   string
	Status  model.JobStatus
	Ignored bool
}

// WebhookUseCase authenticates asynchronous provider callbacks against
// internal job state and applies them exactly once. The exactly-once
// guarantee is the storage-level conditional status update; everything else
// here is classification and plumbing around it.
type WebhookUseCase struct {
	jobs      JobRepo
	ledger    CreditLedger
	artifacts ArtifactStore
	provider  ProviderClient
	breakers  *BreakerRegistry
	audit     AuditLogger
	logger    *log.Helper

	// terminalTasks short-circuits replayed callbacks for recently finished
	// jobs before they reach the database. Purely an optimization: the CAS
	// remains the correctness mechanism.
	terminalTasks *expirable.LRU[string, struct{}]
}

// NewWebhookUseCase creates the webhook ingestion use case.
func NewWebhookUseCase(
	jobs JobRepo,
	ledger CreditLedger,
	artifacts ArtifactStore,
	provider ProviderClient,
	breakers *BreakerRegistry,
	audit AuditLogger,
	logger log.Logger,
) *WebhookUseCase {
	return &WebhookUseCase{
		jobs:          jobs,
		ledger:        ledger,
		artifacts:     artifacts,
		provider:      provider,
		breakers:      breakers,
		audit:         audit,
		logger:        log.NewHelper(logger),
		terminalTasks: expirable.NewLRU[string, struct{}](4096, nil, 15*time.Minute),
	}
}

// HandleCallback authenticates and applies one provider callback.
//
// Returned errors: ErrUnknownTask and ErrAlreadyTerminal are terminal for the
// delivery (the caller should not encourage a retry); an *ArtifactError means
// processing failed mid-flight and the provider should re-deliver.
func (uc *WebhookUseCase) HandleCallback(ctx context.Context, cb *ProviderCallback) (*CallbackResult, error) {
	taskRef := cb.TaskRef()
	if taskRef == "" {
		uc.logger.Warnw("webhook rejected: no task reference in payload", "outcome", cb.Classify().String())
		return nil, ErrUnknownTask
	}

	if _, seen := uc.terminalTasks.Get(taskRef); seen {
		uc.logger.Infow("webhook replay short-circuited", "provider_task_id", taskRef)
		return &CallbackResult{Ignored: true}, ErrAlreadyTerminal
	}

	job, err := uc.jobs.FindByProviderTaskID(ctx, taskRef)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			uc.logger.Warnw("webhook rejected: unknown provider task",
				"provider_task_id", taskRef)
			return nil, ErrUnknownTask
		}
		return nil, fmt.Errorf("failed to look up job for task %s: %w", taskRef, err)
	}

	if job.Status.Terminal() {
		uc.terminalTasks.Add(taskRef, struct{}{})
		uc.logger.Warnw("webhook rejected: job already terminal",
			"job_id", job.ID,
			"status", job.Status,
			"provider_task_id", taskRef)
		return &CallbackResult{JobID: job.ID, Status: job.Status, Ignored: true}, ErrAlreadyTerminal
	}

	switch cb.Classify() {
	case OutcomeFailure:
		return uc.applyFailure(ctx, job, cb)
	case OutcomeSuccess:
		return uc.applySuccess(ctx, job, cb)
	default:
		// Acknowledged but ignored: no state change, the job stays eligible
		// for sweep-based resolution.
		uc.logger.Infow("webhook payload indeterminate, ignoring",
			"job_id", job.ID,
			"provider_task_id", taskRef)
		return &CallbackResult{JobID: job.ID, Status: job.Status, Ignored: true}, nil
	}
}

// applyFailure transitions the job to failed and refunds the reserved
// credits. The CAS closes the race against a concurrent delivery or sweep;
// whoever wins the CAS owns the refund.
func (uc *WebhookUseCase) applyFailure(ctx context.Context, job *data.Job, cb *ProviderCallback) (*CallbackResult, error) {
	fields := map[string]interface{}{
		"fail_reason":      string(model.FailReasonProvider),
		"error_message":    cb.FailureMessage(),
		"provider_payload": string(cb.Raw()),
		"refund_pending":   true,
	}

	won, err := uc.jobs.CompareAndSetStatus(ctx, job.ID, model.NonTerminalStatuses, model.JobStatusFailed, fields)
	if err != nil {
		return nil, fmt.Errorf("failed to mark job %s failed: %w", job.ID, err)
	}
	if !won {
		// Another delivery or the sweep already resolved this job.
		uc.logger.Infow("failure callback lost status race, already handled", "job_id", job.ID)
		return &CallbackResult{JobID: job.ID, Ignored: true}, nil
	}

	uc.terminalTasks.Add(cb.TaskRef(), struct{}{})
	uc.logger.Infow("job failed by provider callback",
		"job_id", job.ID,
		"user_id", job.UserID,
		"reason", cb.FailureMessage())

	uc.refund(ctx, job, string(model.FailReasonProvider))

	return &CallbackResult{JobID: job.ID, Status: model.JobStatusFailed}, nil
}

// applySuccess fetches the artifact, persists it, and completes the job.
// Any mid-flight error leaves the job non-terminal and propagates so the
// provider retries the delivery.
func (uc *WebhookUseCase) applySuccess(ctx context.Context, job *data.Job, cb *ProviderCallback) (*CallbackResult, error) {
	resultRef := cb.ResultRef()
	if resultRef == "" {
		return nil, &ArtifactError{JobID: job.ID, Err: errors.New("success payload carries no result reference")}
	}

	var (
		body        io.ReadCloser
		size        int64
		contentType string
	)
	err := uc.breakers.Execute(ctx, string(job.Provider), func(ctx context.Context) error {
		var ferr error
		body, size, contentType, ferr = uc.provider.FetchResult(ctx, resultRef)
		return ferr
	})
	if err != nil {
		return nil, &ArtifactError{JobID: job.ID, Err: fmt.Errorf("fetch result: %w", err)}
	}
	defer body.Close()

	key := artifactKey(job, resultRef)
	var location string
	err = uc.breakers.Execute(ctx, BreakerStorage, func(ctx context.Context) error {
		var perr error
		location, perr = uc.artifacts.Put(ctx, key, body, size, contentType)
		return perr
	})
	if err != nil {
		return nil, &ArtifactError{JobID: job.ID, Err: fmt.Errorf("persist artifact: %w", err)}
	}

	fields := map[string]interface{}{
		"storage_location": location,
		"artifact_size":    size,
		"completed_at":     time.Now(),
	}
	won, err := uc.jobs.CompareAndSetStatus(ctx, job.ID, model.NonTerminalStatuses, model.JobStatusCompleted, fields)
	if err != nil {
		return nil, fmt.Errorf("failed to mark job %s completed: %w", job.ID, err)
	}
	if !won {
		// The sweep (or a concurrent delivery) beat us to a terminal state.
		// The stored artifact is orphaned; log it rather than un-failing the
		// job.
		uc.logger.Warnw("success callback lost status race, artifact orphaned",
			"job_id", job.ID,
			"storage_location", location)
		return &CallbackResult{JobID: job.ID, Ignored: true}, nil
	}

	uc.terminalTasks.Add(cb.TaskRef(), struct{}{})
	uc.logger.Infow("job completed",
		"job_id", job.ID,
		"user_id", job.UserID,
		"storage_location", location,
		"artifact_size", size)

	return &CallbackResult{JobID: job.ID, Status: model.JobStatusCompleted}, nil
}

// refund returns the job's reserved credits. The refund_pending flag set by
// the failure CAS doubles as a claim: the conditional flag clear admits
// exactly one issuer to the ledger, so a sweep retry pass firing between the
// failure transition and this call cannot produce a second refund. A refund
// failure restores the flag for the sweep to retry; it is the one mistake
// that silently loses user money, so it is also logged at error severity
// and audited.
func (uc *WebhookUseCase) refund(ctx context.Context, job *data.Job, reason string) {
	claimed, err := uc.jobs.ClaimRefund(ctx, job.ID)
	if err != nil {
		uc.logger.Errorw("failed to claim refund, left for reconciliation",
			"job_id", job.ID, "error", err)
		return
	}
	if !claimed {
		uc.logger.Infow("refund already claimed by another issuer", "job_id", job.ID)
		return
	}

	if err := uc.ledger.Refund(ctx, job.UserID, job.CreditsReserved); err != nil {
		uc.logger.Errorw("credit refund failed, flagged for reconciliation",
			"job_id", job.ID,
			"user_id", job.UserID,
			"amount", job.CreditsReserved,
			"error", err)
		if relErr := uc.jobs.ReleaseRefund(ctx, job.ID); relErr != nil {
			uc.logger.Errorw("failed to restore refund flag", "job_id", job.ID, "error", relErr)
		}
		uc.audit.LogRefundFailed(ctx, job.ID, job.UserID, job.CreditsReserved, err)
		metrics.RecordRefundFailure()
		return
	}

	uc.audit.LogCreditsRefunded(ctx, job.ID, job.UserID, job.CreditsReserved, reason)
	metrics.RecordCreditsRefunded(reason, job.CreditsReserved)
}

// artifactKey derives the storage object key, keeping the provider file
// extension when one is present.
func artifactKey(job *data.Job, resultRef string) string {
	ext := path.Ext(resultRef)
	if i := strings.IndexAny(ext, "?#"); i >= 0 {
		ext = ext[:i]
	}
	if len(ext) > 8 {
		ext = ""
	}
	return fmt.Sprintf("jobs/%s/%s%s", job.UserID, job.ID, ext)
}
