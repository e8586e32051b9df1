package service

import (
	"context"
	"errors"
	"time"

	kratoserrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	khttp "github.com/go-kratos/kratos/v2/transport/http"

	"MediaForge/internal/biz"
	"MediaForge/internal/data"
	"MediaForge/internal/model"
)

// GenerationService exposes job submission and lookup.
type GenerationService struct {
	uc       *biz.GenerationUseCase
	jobs     *data.JobRepo
	provider *data.ProviderClientImpl
	logger   *log.Helper
}

// NewGenerationService creates a new GenerationService instance.
func NewGenerationService(uc *biz.GenerationUseCase, jobs *data.JobRepo, provider *data.ProviderClientImpl, logger log.Logger) *GenerationService {
	return &GenerationService{
		uc:       uc,
		jobs:     jobs,
		provider: provider,
		logger:   log.NewHelper(logger),
	}
}

type startJobRequest struct {
	UserID      string `json:"user_id"`
	Provider    string `json:"provider"`
	ContentType string `json:"content_type"`
	Prompt      string `json:"prompt"`
	InputURL    string `json:"input_url,omitempty"`
	Credits     int64  `json:"credits"`
}

type jobResponse struct {
	JobID           string     `json:"job_id"`
	UserID          string     `json:"user_id"`
	Provider        string     `json:"provider"`
	ContentType     string     `json:"content_type"`
	Status          string     `json:"status"`
	CreditsReserved int64      `json:"credits_reserved"`
	FailReason      string     `json:"fail_reason,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	StorageLocation string     `json:"storage_location,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func toJobResponse(job *data.Job) *jobResponse {
	return &jobResponse{
		JobID:           job.ID,
		UserID:          job.UserID,
		Provider:        string(job.Provider),
		ContentType:     string(job.ContentType),
		Status:          string(job.Status),
		CreditsReserved: job.CreditsReserved,
		FailReason:      job.FailReason,
		ErrorMessage:    job.ErrorMessage,
		StorageLocation: job.StorageLocation,
		CreatedAt:       job.CreatedAt,
		CompletedAt:     job.CompletedAt,
	}
}

// StartJob reserves credits and submits a generation request to the chosen
// provider.
func (s *GenerationService) StartJob(ctx khttp.Context) error {
	var req startJobRequest
	if err := ctx.Bind(&req); err != nil {
		return kratoserrors.New(400, "INVALID_REQUEST", "request body is not valid JSON")
	}

	provider := model.Provider(req.Provider)
	contentType := model.ContentType(req.ContentType)
	switch {
	case req.UserID == "":
		return kratoserrors.New(400, "INVALID_REQUEST", "user_id is required")
	case !provider.Valid():
		return kratoserrors.New(400, "INVALID_REQUEST", "unknown provider")
	case !contentType.Valid():
		return kratoserrors.New(400, "INVALID_REQUEST", "unknown content type")
	case req.Prompt == "":
		return kratoserrors.New(400, "INVALID_REQUEST", "prompt is required")
	case req.Credits <= 0:
		return kratoserrors.New(400, "INVALID_REQUEST", "credits must be positive")
	}

	job, err := s.uc.StartJob(ctx, req.UserID, provider, contentType, req.Credits,
		func(submitCtx context.Context) (string, error) {
			return s.provider.SubmitTask(submitCtx, provider, contentType, req.Prompt, req.InputURL)
		})
	if err != nil {
		return s.mapStartError(err)
	}

	return ctx.Result(200, toJobResponse(job))
}

func (s *GenerationService) mapStartError(err error) error {
	if errors.Is(err, data.ErrInsufficientFunds) {
		return kratoserrors.New(402, "INSUFFICIENT_CREDITS", "credit balance is too low for this generation")
	}

	var openErr *biz.CircuitOpenError
	if errors.As(err, &openErr) {
		e := kratoserrors.New(503, "PROVIDER_UNAVAILABLE", "provider is temporarily unavailable")
		return e.WithMetadata(map[string]string{
			"retry_after_seconds": openErr.RetryAfter.Truncate(time.Second).String(),
		})
	}

	s.logger.Errorw("job submission failed", "error", err)
	return kratoserrors.New(502, "SUBMISSION_FAILED", "provider rejected the generation request")
}

// GetJob returns the current state of one job.
func (s *GenerationService) GetJob(ctx khttp.Context) error {
	id := ctx.Vars().Get("id")
	if id == "" {
		return kratoserrors.New(400, "INVALID_REQUEST", "job id is required")
	}

	job, err := s.jobs.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, data.ErrJobNotFound) {
			return kratoserrors.New(404, "JOB_NOT_FOUND", "no job with that id")
		}
		return kratoserrors.New(500, "LOOKUP_FAILED", "job lookup failed")
	}

	return ctx.Result(200, toJobResponse(job))
}
