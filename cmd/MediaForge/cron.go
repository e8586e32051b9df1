package main

import (
	"context"
	"time"

	"MediaForge/internal/biz"
	"MediaForge/internal/conf"
	"MediaForge/internal/metrics"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/robfig/cron/v3"
)

// newReconcileCron wires the sweep cron into the application lifecycle.
func newReconcileCron(c *conf.Lifecycle, task *biz.ReconcileTask, logger log.Logger) (*cron.Cron, func()) {
	cr := StartReconcileCron(c, task, logger)
	cleanup := func() {
		if cr != nil {
			cr.Stop()
		}
	}
	return cr, cleanup
}

// StartReconcileCron starts the reconciliation sweep on the configured
// schedule. SkipIfStillRunning keeps passes from overlapping when a sweep
// outlasts its interval.
func StartReconcileCron(c *conf.Lifecycle, task *biz.ReconcileTask, logger log.Logger) *cron.Cron {
	helper := log.NewHelper(logger)

	spec := "0 */5 * * * *"
	timeout := 10 * time.Minute
	if c != nil {
		if c.SweepSpec != "" {
			spec = c.SweepSpec
		}
		if c.SweepTimeout != nil && c.SweepTimeout.AsDuration() > 0 {
			timeout = c.SweepTimeout.AsDuration()
		}
	}

	cr := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)

	_, err := cr.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		result, err := task.Sweep(ctx)
		if err != nil {
			helper.Errorw("reconciliation sweep failed", "error", err)
			return
		}
		metrics.RecordSweepRun(result)
	})
	if err != nil {
		helper.Errorw("failed to register reconciliation cron job", "spec", spec, "error", err)
		return nil
	}

	cr.Start()
	helper.Infow("reconciliation cron started", "spec", spec)

	return cr
}
