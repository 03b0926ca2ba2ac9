package worker

import (
	"context"
	"sync"
	"time"

	"github.com/ayo6706/payout-ledger/internal/observability"
	"github.com/ayo6706/payout-ledger/internal/service"
	"go.uber.org/zap"
)

// ReconciliationWorker periodically replays every account's entries and
// reports drift between cached balances and the journal.
type ReconciliationWorker struct {
	svc      *service.ReconciliationService
	interval time.Duration
	timeout  time.Duration
	tenantID string
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciliationWorker constructs a worker with a default daily interval.
func NewReconciliationWorker(svc *service.ReconciliationService) *ReconciliationWorker {
	return &ReconciliationWorker{
		svc:      svc,
		interval: 24 * time.Hour,
		timeout:  10 * time.Minute,
		stopCh:   make(chan struct{}),
	}
}

// WithInterval updates the run interval.
func (w *ReconciliationWorker) WithInterval(interval time.Duration) *ReconciliationWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// WithRunTimeout bounds a single pass.
func (w *ReconciliationWorker) WithRunTimeout(timeout time.Duration) *ReconciliationWorker {
	if timeout > 0 {
		w.timeout = timeout
	}
	return w
}

// ForTenant limits every pass to one tenant.
func (w *ReconciliationWorker) ForTenant(tenantID string) *ReconciliationWorker {
	w.tenantID = tenantID
	return w
}

// Start blocks and runs reconciliation at the configured interval.
func (w *ReconciliationWorker) Start(ctx context.Context) {
	zap.L().Info("reconciliation worker starting",
		zap.Duration("interval", w.interval),
		zap.String("tenant_id", w.tenantID))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("reconciliation worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("reconciliation worker stop signal received")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// Stop stops the running worker loop.
func (w *ReconciliationWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *ReconciliationWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// RunOnce reconciles the configured scope and returns the report, or nil
// when the pass could not complete.
func (w *ReconciliationWorker) RunOnce(ctx context.Context) *service.ReconciliationReport {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	started := time.Now()
	report, err := w.svc.Run(ctx, w.tenantID)
	if err != nil {
		observability.IncrementWorkerRun("reconciliation", "failed")
		zap.L().Error("reconciliation pass failed", zap.String("tenant_id", w.tenantID), zap.Error(err))
		return nil
	}

	result := "success"
	if !report.Balanced() {
		result = "imbalanced"
	}
	observability.IncrementWorkerRun("reconciliation", result)
	zap.L().Info("reconciliation pass finished",
		zap.String("result", result),
		zap.Int("accounts", report.Accounts),
		zap.Int("entries", report.Entries),
		zap.Int("imbalances", len(report.Imbalances)),
		zap.Duration("took", time.Since(started)))
	return report
}
