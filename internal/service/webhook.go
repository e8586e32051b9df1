package service

import (
	"errors"
	"io"

	kratoserrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	khttp "github.com/go-kratos/kratos/v2/transport/http"

	"MediaForge/internal/biz"
	"MediaForge/internal/metrics"
	pkglog "MediaForge/pkg/log"
)

// maxCallbackBody bounds the accepted webhook payload size.
const maxCallbackBody = 1 << 20

// WebhookService exposes the provider callback endpoint.
type WebhookService struct {
	uc     *biz.WebhookUseCase
	logger *pkglog.LogHelper
}

// NewWebhookService creates a new WebhookService instance.
func NewWebhookService(uc *biz.WebhookUseCase, logger log.Logger) *WebhookService {
	return &WebhookService{
		uc:     uc,
		logger: pkglog.NewLogHelper(logger),
	}
}

type callbackResponse struct {
	JobID  string `json:"job_id,omitempty"`
	Status string `json:"status"`
}

// HandleCallback processes one asynchronous provider callback.
//
// Response codes are chosen for provider retry behavior: 2xx acknowledges
// the delivery (including replays and indeterminate payloads), 404 tells the
// provider the task is unknown, and 5xx asks for a redelivery because the
// artifact could not be persisted.
func (s *WebhookService) HandleCallback(ctx khttp.Context) error {
	provider := ctx.Vars().Get("provider")

	raw, err := io.ReadAll(io.LimitReader(ctx.Request().Body, maxCallbackBody))
	if err != nil {
		metrics.RecordWebhookCallback(provider, "bad_request")
		return kratoserrors.New(400, "INVALID_PAYLOAD", "failed to read callback body")
	}

	cb, err := biz.ParseProviderCallback(raw)
	if err != nil {
		s.logger.Security("webhook payload rejected: not valid JSON", "provider", provider)
		metrics.RecordWebhookCallback(provider, "bad_request")
		return kratoserrors.New(400, "INVALID_PAYLOAD", "callback body is not valid JSON")
	}

	result, err := s.uc.HandleCallback(ctx, cb)
	switch {
	case errors.Is(err, biz.ErrUnknownTask):
		// 404 is non-2xx on purpose: a provider can deliver the callback
		// before StartJob committed the provider_task_id, and the retried
		// delivery then finds the job. A genuinely forged task id just
		// exhausts the provider's retry budget against the rate limiter.
		metrics.RecordWebhookCallback(provider, "unknown_task")
		return kratoserrors.New(404, "UNKNOWN_TASK", "no job matches the callback task id")

	case errors.Is(err, biz.ErrAlreadyTerminal):
		metrics.RecordWebhookCallback(provider, "replay")
		return ctx.Result(200, &callbackResponse{JobID: result.JobID, Status: "ignored"})

	case err != nil:
		var artifactErr *biz.ArtifactError
		if errors.As(err, &artifactErr) {
			// Job is still non-terminal; a 5xx makes the provider retry the
			// delivery once the artifact path recovers.
			metrics.RecordWebhookCallback(provider, "artifact_error")
			return kratoserrors.New(503, "ARTIFACT_UNAVAILABLE", "artifact could not be persisted, retry delivery")
		}
		metrics.RecordWebhookCallback(provider, "error")
		return kratoserrors.New(500, "CALLBACK_FAILED", "callback processing failed")
	}

	if result.Ignored {
		metrics.RecordWebhookCallback(provider, "ignored")
		return ctx.Result(200, &callbackResponse{JobID: result.JobID, Status: "ignored"})
	}

	metrics.RecordWebhookCallback(provider, string(result.Status))
	s.logger.Webhook("callback applied",
		"provider", provider,
		"job_id", result.JobID,
		"status", result.Status)
	return ctx.Result(200, &callbackResponse{JobID: result.JobID, Status: string(result.Status)})
}
