package biz

import (
	"context"
	"fmt"

	"MediaForge/internal/data"
	"MediaForge/internal/model"

	"github.com/go-kratos/kratos/v2/log"
)

// SubmitFunc submits one generation request to a provider and returns the
// provider-issued task id. The actual payload shaping lives with the caller;
// the use case only wraps the call with the resilience primitives and the
// credit/job bookkeeping around it.
type SubmitFunc func(ctx context.Context) (providerTaskID string, err error)

// GenerationUseCase starts generation jobs: it reserves credits, creates the
// pending job record, and submits the provider request through the
// dependency's circuit breaker. The asynchronous outcome is applied later by
// the webhook pipeline or the reconciliation sweep.
type GenerationUseCase struct {
	jobs     JobRepo
	ledger   CreditLedger
	breakers *BreakerRegistry
	logger   *log.Helper
}

// NewGenerationUseCase creates the generation use case.
func NewGenerationUseCase(jobs JobRepo, ledger CreditLedger, breakers *BreakerRegistry, logger log.Logger) *GenerationUseCase {
	return &GenerationUseCase{
		jobs:     jobs,
		ledger:   ledger,
		breakers: breakers,
		logger:   log.NewHelper(logger),
	}
}

// StartJob reserves credits and submits a provider request.
//
// Ordering is deliberate: the reservation happens before the provider call so
// an insufficient balance is surfaced without touching the network, and the
// breaker decides admission before the call is started. If the submission
// fails the reservation is released and the job is failed immediately; the
// job only stays pending when the provider has actually accepted the task.
func (uc *GenerationUseCase) StartJob(
	ctx context.Context,
	userID string,
	provider model.Provider,
	contentType model.ContentType,
	credits int64,
	submit SubmitFunc,
) (*data.Job, error) {
	if _, err := uc.ledger.Reserve(ctx, userID, credits); err != nil {
		// Never retried here: an insufficient balance is the caller's
		// problem, and no provider call has been made yet.
		return nil, err
	}

	job := &data.Job{
		UserID:          userID,
		Provider:        provider,
		ContentType:     contentType,
		Status:          model.JobStatusPending,
		CreditsReserved: credits,
	}
	if err := uc.jobs.CreateJob(ctx, job); err != nil {
		uc.refundReservation(ctx, job)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	var taskID string
	err := uc.breakers.Execute(ctx, string(provider), func(ctx context.Context) error {
		var serr error
		taskID, serr = submit(ctx)
		return serr
	})
	if err != nil {
		// Only the writer that wins the failure transition releases the
		// reservation; a lost CAS means the sweep already failed and
		// refunded this job.
		if uc.failUnsubmitted(ctx, job, err) {
			uc.refundReservation(ctx, job)
		}
		return nil, err
	}

	won, err := uc.jobs.CompareAndSetStatus(ctx, job.ID, model.NonTerminalStatuses, model.JobStatusPending,
		map[string]interface{}{"provider_task_id": taskID})
	if err != nil {
		return nil, fmt.Errorf("failed to store provider task id for job %s: %w", job.ID, err)
	}
	if !won {
		// The sweep can only race us here if submission took longer than the
		// staleness ceiling; the refund already happened on that path.
		uc.logger.Warnw("job resolved before provider task id was stored", "job_id", job.ID)
		return nil, fmt.Errorf("job %s resolved before submission completed", job.ID)
	}

	job.ProviderTaskID = &taskID
	uc.logger.Infow("generation job submitted",
		"job_id", job.ID,
		"user_id", userID,
		"provider", provider,
		"content_type", contentType,
		"provider_task_id", taskID)
	return job, nil
}

func (uc *GenerationUseCase) failUnsubmitted(ctx context.Context, job *data.Job, cause error) bool {
	fields := map[string]interface{}{
		"fail_reason":   string(model.FailReasonProvider),
		"error_message": cause.Error(),
	}
	won, err := uc.jobs.CompareAndSetStatus(ctx, job.ID, model.NonTerminalStatuses, model.JobStatusFailed, fields)
	if err != nil {
		// The job stays non-terminal; the sweep fails and refunds it later.
		uc.logger.Errorw("failed to fail unsubmitted job", "job_id", job.ID, "error", err)
		return false
	}
	return won
}

func (uc *GenerationUseCase) refundReservation(ctx context.Context, job *data.Job) {
	if err := uc.ledger.Refund(ctx, job.UserID, job.CreditsReserved); err != nil {
		uc.logger.Errorw("failed to release reservation for unsubmitted job",
			"job_id", job.ID,
			"user_id", job.UserID,
			"amount", job.CreditsReserved,
			"error", err)
	}
}
