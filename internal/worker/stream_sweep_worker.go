package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ayo6706/payout-ledger/internal/observability"
	"github.com/ayo6706/payout-ledger/internal/service"
	"go.uber.org/zap"
)

// StreamSweepWorker settles active streams that nobody has read or touched
// recently, so accrued funds move even for idle streams.
// Safe for concurrent instances: settlement keys are derived from the
// stream's settlement sequence, so a duplicate sweep replays instead of
// paying twice.
type StreamSweepWorker struct {
	engine    *service.StreamEngine
	interval  time.Duration
	minAge    time.Duration
	batchSize int
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewStreamSweepWorker creates a sweep worker with a five minute interval.
func NewStreamSweepWorker(engine *service.StreamEngine) *StreamSweepWorker {
	return &StreamSweepWorker{
		engine:    engine,
		interval:  5 * time.Minute,
		minAge:    time.Minute,
		batchSize: 500,
		stopCh:    make(chan struct{}),
	}
}

// WithInterval sets how often the worker sweeps.
func (w *StreamSweepWorker) WithInterval(interval time.Duration) *StreamSweepWorker {
	if interval > 0 {
		w.interval = interval
	}
	return w
}

// WithMinAge skips streams settled less than minAge ago.
func (w *StreamSweepWorker) WithMinAge(minAge time.Duration) *StreamSweepWorker {
	if minAge >= 0 {
		w.minAge = minAge
	}
	return w
}

// WithBatchSize caps how many streams one SettleDue call loads.
func (w *StreamSweepWorker) WithBatchSize(size int) *StreamSweepWorker {
	if size > 0 {
		w.batchSize = size
	}
	return w
}

// Start blocks and sweeps at the configured interval until Stop is called
// or the context is canceled.
func (w *StreamSweepWorker) Start(ctx context.Context) {
	zap.L().Info("stream sweep worker starting",
		zap.Duration("interval", w.interval),
		zap.Duration("min_age", w.minAge),
		zap.Int("batch_size", w.batchSize),
	)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			zap.L().Info("stream sweep worker context canceled")
			return
		case <-w.stopCh:
			zap.L().Info("stream sweep worker stop signal received")
			return
		case <-ticker.C:
			_, _ = w.SweepOnce(ctx)
		}
	}
}

// Stop signals the worker to stop.
func (w *StreamSweepWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
}

// Run starts the worker in a goroutine and returns a stop function.
func (w *StreamSweepWorker) Run(ctx context.Context) func() {
	go w.Start(ctx)
	return w.Stop
}

// SweepOnce drains the backlog of due streams one batch at a time. It stops
// when a batch comes back short or makes no progress, since failed streams
// would be listed again.
func (w *StreamSweepWorker) SweepOnce(ctx context.Context) (service.SweepReport, error) {
	var total service.SweepReport
	for {
		report, err := w.engine.SettleDue(ctx, w.minAge, w.batchSize)
		total.Scanned += report.Scanned
		total.Settled += report.Settled
		total.Completed += report.Completed
		total.Idle += report.Idle
		total.Failed += report.Failed
		if err != nil {
			observability.IncrementWorkerRun("stream_sweep", "failed")
			zap.L().Error("stream sweep failed", zap.Error(err))
			return total, err
		}
		if report.Scanned < w.batchSize || report.Settled+report.Idle == 0 {
			break
		}
	}
	observability.IncrementWorkerRun("stream_sweep", "success")
	if total.Scanned > 0 {
		zap.L().Info("stream sweep finished",
			zap.Int("scanned", total.Scanned),
			zap.Int("settled", total.Settled),
			zap.Int("completed", total.Completed),
			zap.Int("idle", total.Idle),
			zap.Int("failed", total.Failed),
		)
	}
	return total, nil
}

// String returns a string representation of the worker.
func (w *StreamSweepWorker) String() string {
	return fmt.Sprintf("StreamSweepWorker(interval=%v, batch=%d)", w.interval, w.batchSize)
}
