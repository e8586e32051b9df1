package service

import (
	"time"

	kratoserrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	khttp "github.com/go-kratos/kratos/v2/transport/http"

	"MediaForge/internal/biz"
	"MediaForge/internal/metrics"
	"MediaForge/internal/model"
)

// AdminService exposes the operator surface: breaker inspection and
// overrides, on-demand reconciliation, and balance lookups.
type AdminService struct {
	breakers  *biz.BreakerRegistry
	reconcile *biz.ReconcileTask
	ledger    biz.CreditLedger
	audit     biz.AuditLogger
	logger    *log.Helper
}

// NewAdminService creates a new AdminService instance.
func NewAdminService(
	breakers *biz.BreakerRegistry,
	reconcile *biz.ReconcileTask,
	ledger biz.CreditLedger,
	audit biz.AuditLogger,
	logger log.Logger,
) *AdminService {
	return &AdminService{
		breakers:  breakers,
		reconcile: reconcile,
		ledger:    ledger,
		audit:     audit,
		logger:    log.NewHelper(logger),
	}
}

type breakerStatus struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	FailureCount    int       `json:"failure_count"`
	SuccessCount    int       `json:"success_count"`
	HalfOpenCount   int       `json:"half_open_count"`
	StateChangedAt  time.Time `json:"state_changed_at"`
	WindowSamples   int       `json:"window_samples"`
	FailureRate     float64   `json:"failure_rate"`
	AvgResponseTime string    `json:"avg_response_time"`
	P95ResponseTime string    `json:"p95_response_time"`
}

func toBreakerStatus(m model.BreakerMetrics) *breakerStatus {
	return &breakerStatus{
		Name:            m.Name,
		State:           string(m.State),
		FailureCount:    m.FailureCount,
		SuccessCount:    m.SuccessCount,
		HalfOpenCount:   m.HalfOpenCount,
		StateChangedAt:  m.StateChangedAt,
		WindowSamples:   m.WindowSamples,
		FailureRate:     m.FailureRate,
		AvgResponseTime: m.AvgResponseTime.String(),
		P95ResponseTime: m.P95ResponseTime.String(),
	}
}

// ListBreakers returns metrics for all known breakers.
func (s *AdminService) ListBreakers(ctx khttp.Context) error {
	snapshot := s.breakers.Snapshot()
	out := make([]*breakerStatus, 0, len(snapshot))
	for _, m := range snapshot {
		out = append(out, toBreakerStatus(m))
	}
	return ctx.Result(200, out)
}

// ResetBreaker forces a breaker closed and clears its counters.
func (s *AdminService) ResetBreaker(ctx khttp.Context) error {
	name := ctx.Vars().Get("name")
	if name == "" {
		return kratoserrors.New(400, "INVALID_REQUEST", "breaker name is required")
	}

	s.breakers.Get(name).Reset()
	s.audit.LogBreakerReset(ctx, name, false)
	s.logger.Warnw("breaker reset by operator", "breaker", name)
	return ctx.Result(200, map[string]string{"name": name, "state": string(model.BreakerClosed)})
}

// ForceOpenBreaker forces a breaker open, shedding all calls to the
// dependency until it is reset or times out into half-open.
func (s *AdminService) ForceOpenBreaker(ctx khttp.Context) error {
	name := ctx.Vars().Get("name")
	if name == "" {
		return kratoserrors.New(400, "INVALID_REQUEST", "breaker name is required")
	}

	s.breakers.Get(name).ForceOpen()
	s.audit.LogBreakerReset(ctx, name, true)
	s.logger.Warnw("breaker forced open by operator", "breaker", name)
	return ctx.Result(200, map[string]string{"name": name, "state": string(model.BreakerOpen)})
}

type sweepResponse struct {
	Scanned      int    `json:"scanned"`
	Failed       int    `json:"failed"`
	Refunded     int    `json:"refunded"`
	RefundErrors int    `json:"refund_errors"`
	SkippedRaced int    `json:"skipped_raced"`
	Duration     string `json:"duration"`
}

// RunSweep triggers one reconciliation pass immediately.
func (s *AdminService) RunSweep(ctx khttp.Context) error {
	result, err := s.reconcile.Sweep(ctx)
	if err != nil {
		s.logger.Errorw("operator sweep failed", "error", err)
		return kratoserrors.New(500, "SWEEP_FAILED", "reconciliation sweep failed")
	}

	metrics.RecordSweepRun(result)
	return ctx.Result(200, &sweepResponse{
		Scanned:      result.Scanned,
		Failed:       result.Failed,
		Refunded:     result.Refunded,
		RefundErrors: result.RefundErrors,
		SkippedRaced: result.SkippedRaced,
		Duration:     result.Duration.String(),
	})
}

// GetBalance returns the current credit balance for a user.
func (s *AdminService) GetBalance(ctx khttp.Context) error {
	userID := ctx.Vars().Get("id")
	if userID == "" {
		return kratoserrors.New(400, "INVALID_REQUEST", "user id is required")
	}

	balance, err := s.ledger.Balance(ctx, userID)
	if err != nil {
		return kratoserrors.New(500, "LOOKUP_FAILED", "balance lookup failed")
	}

	return ctx.Result(200, map[string]interface{}{"user_id": userID, "balance": balance})
}
