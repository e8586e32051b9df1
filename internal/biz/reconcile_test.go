package biz

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"MediaForge/internal/conf"
	"MediaForge/internal/data"
	"MediaForge/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/durationpb"
)

func newTestReconcileTask(jobs *mockJobRepo, ledger *mockLedger, audit *mockAuditLogger) (*ReconcileTask, *fakeClock) {
	c := &conf.Lifecycle{StaleAfter: durationpb.New(30 * time.Minute)}
	task := NewReconcileTask(c, jobs, ledger, audit, log.DefaultLogger)
	clock := newFakeClock()
	task.now = clock.Now
	return task, clock
}

func staleJob(id, userID string, credits int64, age time.Duration, now time.Time) *data.Job {
	taskID := "task-" + id
	return &data.Job{
		ID:              id,
		UserID:          userID,
		Provider:        model.ProviderKieAI,
		ContentType:     model.ContentPromptToImage,
		Status:          model.JobStatusProcessing,
		ProviderTaskID:  &taskID,
		CreditsReserved: credits,
		CreatedAt:       now.Add(-age),
	}
}

// TestSweepResolvesStaleJobs tests the timeout-and-refund pass
func TestSweepResolvesStaleJobs(t *testing.T) {
	jobs := newMockJobRepo()
	ledger := &mockLedger{}
	audit := &mockAuditLogger{}
	task, clock := newTestReconcileTask(jobs, ledger, audit)

	jobs.listStale = []*data.Job{
		staleJob("job-a", "user-1", 50, time.Hour, clock.Now()),
		staleJob("job-b", "user-2", 200, 2*time.Hour, clock.Now()),
	}

	result, err := task.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Scanned)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 2, result.Refunded)
	assert.Zero(t, result.RefundErrors)
	assert.Zero(t, result.SkippedRaced)

	// Each job: one failing CAS, then a refund claim before the ledger write.
	require.Len(t, jobs.casCalls, 2)
	assert.Equal(t, "job-a", jobs.casCalls[0].jobID)
	assert.Equal(t, model.JobStatusFailed, jobs.casCalls[0].newStatus)
	assert.Equal(t, string(model.FailReasonTimeout), jobs.casCalls[0].fields["fail_reason"])
	assert.Equal(t, true, jobs.casCalls[0].fields["refund_pending"])
	assert.Equal(t, []string{"job-a", "job-b"}, jobs.claimCalls)

	require.Len(t, ledger.refunds, 2)
	assert.Equal(t, refundCall{userID: "user-1", amount: 50}, ledger.refunds[0])
	assert.Equal(t, refundCall{userID: "user-2", amount: 200}, ledger.refunds[1])

	assert.Equal(t, []string{"job-a", "job-b"}, audit.timedOut)
	assert.Equal(t, []string{"job-a", "job-b"}, audit.refunded)
}

// TestSweepSkipsRacedJobs tests losing the CAS to a concurrent webhook
func TestSweepSkipsRacedJobs(t *testing.T) {
	jobs := newMockJobRepo()
	ledger := &mockLedger{}
	audit := &mockAuditLogger{}
	task, clock := newTestReconcileTask(jobs, ledger, audit)

	jobs.listStale = []*data.Job{staleJob("job-a", "user-1", 50, time.Hour, clock.Now())}
	jobs.casFunc = func(ctx context.Context, jobID string, expected []model.JobStatus, newStatus model.JobStatus, fields map[string]interface{}) (bool, error) {
		return false, nil
	}

	result, err := task.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Scanned)
	assert.Equal(t, 1, result.SkippedRaced)
	assert.Zero(t, result.Failed)

	// The losing writer must not touch the ledger.
	assert.Empty(t, ledger.refunds)
	assert.Empty(t, audit.timedOut)
}

// TestSweepRefundFailure tests that refund errors leave the flag set
func TestSweepRefundFailure(t *testing.T) {
	jobs := newMockJobRepo()
	ledger := &mockLedger{refundErr: errors.New("ledger unavailable")}
	audit := &mockAuditLogger{}
	task, clock := newTestReconcileTask(jobs, ledger, audit)

	jobs.listStale = []*data.Job{staleJob("job-a", "user-1", 50, time.Hour, clock.Now())}

	result, err := task.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Failed)
	assert.Zero(t, result.Refunded)
	assert.Equal(t, 1, result.RefundErrors)

	// The claim was taken, the refund failed, and the flag was restored so
	// the next pass retries.
	require.Len(t, jobs.casCalls, 1)
	assert.Equal(t, true, jobs.casCalls[0].fields["refund_pending"])
	assert.Equal(t, []string{"job-a"}, jobs.claimCalls)
	assert.Equal(t, []string{"job-a"}, jobs.releaseCalls)
	assert.Equal(t, []string{"job-a"}, audit.refundFailed)
}

// TestSweepRetriesPendingRefunds tests the self-healing refund pass
func TestSweepRetriesPendingRefunds(t *testing.T) {
	jobs := newMockJobRepo()
	ledger := &mockLedger{}
	audit := &mockAuditLogger{}
	task, clock := newTestReconcileTask(jobs, ledger, audit)

	stuck := staleJob("job-stuck", "user-3", 80, time.Hour, clock.Now())
	stuck.Status = model.JobStatusFailed
	stuck.RefundPending = true
	jobs.refundQueue = []*data.Job{stuck}

	result, err := task.Sweep(context.Background())
	require.NoError(t, err)

	assert.Zero(t, result.Scanned)
	assert.Equal(t, 1, result.Refunded)
	require.Len(t, ledger.refunds, 1)
	assert.Equal(t, refundCall{userID: "user-3", amount: 80}, ledger.refunds[0])
	assert.Equal(t, []string{"job-stuck"}, audit.refunded)

	// The retry claims the flag without touching the status.
	assert.Empty(t, jobs.casCalls)
	assert.Equal(t, []string{"job-stuck"}, jobs.claimCalls)
}

// TestSweepRetrySkipsClaimedRefund tests losing the claim to a concurrent
// delivery between listing and the flag clear
func TestSweepRetrySkipsClaimedRefund(t *testing.T) {
	jobs := newMockJobRepo()
	ledger := &mockLedger{}
	audit := &mockAuditLogger{}
	task, clock := newTestReconcileTask(jobs, ledger, audit)

	stuck := staleJob("job-stuck", "user-3", 80, time.Hour, clock.Now())
	stuck.Status = model.JobStatusFailed
	jobs.refundQueue = []*data.Job{stuck}
	jobs.claimed["job-stuck"] = true

	result, err := task.Sweep(context.Background())
	require.NoError(t, err)

	assert.Zero(t, result.Refunded)
	assert.Zero(t, result.RefundErrors)
	assert.Empty(t, ledger.refunds)
	assert.Empty(t, audit.refunded)
}

// TestSweepAbortsOnStalledBatch tests that a full page of persistent CAS
// errors ends the pass instead of re-listing the same rows forever
func TestSweepAbortsOnStalledBatch(t *testing.T) {
	jobs := newMockJobRepo()
	ledger := &mockLedger{}
	task, clock := newTestReconcileTask(jobs, ledger, &mockAuditLogger{})

	stale := make([]*data.Job, sweepBatchSize)
	for i := range stale {
		stale[i] = staleJob(fmt.Sprintf("job-%d", i), "user-1", 10, time.Hour, clock.Now())
	}
	jobs.listStale = stale
	jobs.casFunc = func(ctx context.Context, jobID string, expected []model.JobStatus, newStatus model.JobStatus, fields map[string]interface{}) (bool, error) {
		return false, errors.New("db gone")
	}

	result, err := task.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, sweepBatchSize, result.Scanned)
	assert.Zero(t, result.Failed)
	assert.Equal(t, 1, jobs.listStaleCalls)
	assert.Empty(t, ledger.refunds)
}

// TestSweepEmptyBacklog tests the no-op pass
func TestSweepEmptyBacklog(t *testing.T) {
	jobs := newMockJobRepo()
	task, _ := newTestReconcileTask(jobs, &mockLedger{}, &mockAuditLogger{})

	result, err := task.Sweep(context.Background())
	require.NoError(t, err)

	assert.Zero(t, result.Scanned)
	assert.Zero(t, result.Failed)
	assert.Empty(t, jobs.casCalls)
}

// TestSweepListError tests store failure propagation
func TestSweepListError(t *testing.T) {
	jobs := newMockJobRepo()
	jobs.listStaleErr = errors.New("db gone")
	task, _ := newTestReconcileTask(jobs, &mockLedger{}, &mockAuditLogger{})

	_, err := task.Sweep(context.Background())
	assert.Error(t, err)
}

// TestSweepHonorsContextCancellation tests early exit mid-batch
func TestSweepHonorsContextCancellation(t *testing.T) {
	jobs := newMockJobRepo()
	ledger := &mockLedger{}
	task, clock := newTestReconcileTask(jobs, ledger, &mockAuditLogger{})

	jobs.listStale = []*data.Job{
		staleJob("job-a", "user-1", 50, time.Hour, clock.Now()),
		staleJob("job-b", "user-2", 50, time.Hour, clock.Now()),
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := task.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, result.Scanned)
	assert.Empty(t, ledger.refunds)
}
