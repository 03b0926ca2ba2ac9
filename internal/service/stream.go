package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/ayo6706/payout-ledger/internal/observability"
	"github.com/ayo6706/payout-ledger/internal/tenant"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Settlement triggers, used as metric labels.
const (
	TriggerRead     = "read"
	TriggerExplicit = "explicit"
	TriggerPause    = "pause"
	TriggerStop     = "stop"
	TriggerTopUp    = "topup"
	TriggerSweep    = "sweep"
)

var streamNamespace = uuid.MustParse("6f1c1d2e-7b43-4f0a-9a57-3f0d5b2f8c11")

// OpenStreamRequest starts a stream funded from the source account.
type OpenStreamRequest struct {
	SourceAccountID uuid.UUID
	DestAccountID   uuid.UUID
	FlowRate        models.FlowRate
	FundedAmount    int64
	IdempotencyKey  string
}

// StreamProjection is a side-effect free view of a stream at a point in time.
type StreamProjection struct {
	StreamID    uuid.UUID  `json:"stream_id"`
	Status      string     `json:"status"`
	Accrued     int64      `json:"accrued"`
	Settled     int64      `json:"settled"`
	Remaining   int64      `json:"remaining"`
	ProjectedAt time.Time  `json:"projected_at"`
	ExhaustsAt  *time.Time `json:"exhausts_at,omitempty"`
}

// AccountProjection adds accrued stream flows to an account's cached balances.
type AccountProjection struct {
	AccountID          uuid.UUID `json:"account_id"`
	Available          int64     `json:"available_balance"`
	Held               int64     `json:"held_balance"`
	InStreams          int64     `json:"balance_in_streams"`
	ProjectedInflow    int64     `json:"projected_inflow"`
	ProjectedOutflow   int64     `json:"projected_outflow"`
	ProjectedAvailable int64     `json:"projected_available"`
	ProjectedInStreams int64     `json:"projected_in_streams"`
	ProjectedAt        time.Time `json:"projected_at"`
}

// SweepReport summarises one SettleDue pass.
type SweepReport struct {
	Scanned   int `json:"scanned"`
	Settled   int `json:"settled"`
	Completed int `json:"completed"`
	Idle      int `json:"idle"`
	Failed    int `json:"failed"`
}

// StreamEngine owns stream records and moves stream funds through the Ledger.
type StreamEngine struct {
	ledger      *Ledger
	store       StreamStore
	locks       *KeyedLocks
	logger      *zap.Logger
	now         func() time.Time
	concurrency int
	limiter     *rate.Limiter
}

func NewStreamEngine(ledger *Ledger, store StreamStore, logger *zap.Logger) *StreamEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamEngine{
		ledger:      ledger,
		store:       store,
		locks:       NewKeyedLocks(),
		logger:      logger,
		now:         time.Now,
		concurrency: 8,
	}
}

// WithClock overrides the clock used for accrual.
func (e *StreamEngine) WithClock(now func() time.Time) *StreamEngine {
	if now != nil {
		e.now = now
	}
	return e
}

// WithConcurrency bounds how many streams SettleDue settles in parallel.
func (e *StreamEngine) WithConcurrency(n int) *StreamEngine {
	if n > 0 {
		e.concurrency = n
	}
	return e
}

// WithRateLimiter paces sweep settlements so a large backlog does not
// saturate the store.
func (e *StreamEngine) WithRateLimiter(l *rate.Limiter) *StreamEngine {
	e.limiter = l
	return e
}

// Open holds the initial allocation on the source and activates the stream.
// Reusing the idempotency key returns the stream created by the first call.
func (e *StreamEngine) Open(ctx context.Context, req OpenStreamRequest) (*models.Stream, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	if key == "" {
		return nil, domain.ErrMissingKey
	}
	if req.FlowRate.Amount <= 0 || req.FlowRate.Interval <= 0 {
		return nil, fmt.Errorf("%d per %s: %w", req.FlowRate.Amount, req.FlowRate.Interval, domain.ErrInvalidFlowRate)
	}
	if req.FundedAmount <= 0 {
		return nil, fmt.Errorf("funded amount %d: %w", req.FundedAmount, domain.ErrInvalidAmount)
	}
	if req.SourceAccountID == req.DestAccountID {
		return nil, domain.ErrSameAccount
	}

	id := uuid.NewSHA1(streamNamespace, []byte(tenantID+"\x00"+key))
	unlock, err := e.lockStream(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	st, err := e.store.GetStream(ctx, id)
	switch {
	case err == nil:
		if err := e.ledger.guard.Authorize(ctx, st, "stream"); err != nil {
			return nil, err
		}
		if st.Status != domain.StreamStatusCreated {
			return st, nil
		}
	case errors.Is(err, domain.ErrStreamNotFound):
		st, err = e.newStream(ctx, tenantID, id, req)
		if err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	_, err = e.ledger.Post(ctx, Operation{
		Kind:           domain.KindHold,
		Bucket:         domain.BucketStream,
		AccountID:      st.SourceAccountID,
		Amount:         st.FundedAmount,
		Reference:      st.Reference(),
		IdempotencyKey: fundKey(st.ID, 0),
		Currency:       st.Currency,
	})
	if err != nil {
		return nil, fmt.Errorf("fund stream %s: %w", st.ID, err)
	}

	if err := checkTransition(st.Status, domain.StreamStatusActive); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	st.Status = domain.StreamStatusActive
	st.StartedAt = now
	st.ActiveSince = now
	st.LastSettledAt = now
	st.UpdatedAt = now
	if err := e.store.UpdateStream(ctx, st); err != nil {
		return nil, fmt.Errorf("activate stream %s: %w", st.ID, err)
	}
	e.logger.Info("stream opened",
		zap.String("tenant_id", tenantID),
		zap.String("stream_id", st.ID.String()),
		zap.Int64("funded", st.FundedAmount),
	)
	return st, nil
}

func (e *StreamEngine) newStream(ctx context.Context, tenantID string, id uuid.UUID, req OpenStreamRequest) (*models.Stream, error) {
	src, err := e.ledger.Account(ctx, req.SourceAccountID)
	if err != nil {
		return nil, err
	}
	dst, err := e.ledger.Account(ctx, req.DestAccountID)
	if err != nil {
		return nil, err
	}
	if src.Currency != dst.Currency {
		return nil, fmt.Errorf("%s -> %s: %w", src.Currency, dst.Currency, domain.ErrCurrencyMismatch)
	}
	now := e.now().UTC()
	st := &models.Stream{
		ID:              id,
		TenantID:        tenantID,
		SourceAccountID: src.ID,
		DestAccountID:   dst.ID,
		Currency:        src.Currency,
		FlowRate:        req.FlowRate,
		Status:          domain.StreamStatusCreated,
		FundedAmount:    req.FundedAmount,
		UpdatedAt:       now,
	}
	if err := e.store.CreateStream(ctx, st); err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	return st, nil
}

// Get returns the stream after settling anything accrued, so the balances
// shown to a reader are realized in the ledger.
func (e *StreamEngine) Get(ctx context.Context, id uuid.UUID) (*models.Stream, error) {
	return e.withStream(ctx, id, func(st *models.Stream) error {
		_, err := e.settle(ctx, st, TriggerRead)
		return err
	})
}

// Settle realizes the accrued amount of an active stream.
func (e *StreamEngine) Settle(ctx context.Context, id uuid.UUID) (*models.Stream, error) {
	return e.withStream(ctx, id, func(st *models.Stream) error {
		_, err := e.settle(ctx, st, TriggerExplicit)
		return err
	})
}

// Pause settles the accrued amount and stops accrual.
func (e *StreamEngine) Pause(ctx context.Context, id uuid.UUID) (*models.Stream, error) {
	return e.withStream(ctx, id, func(st *models.Stream) error {
		if err := checkTransition(st.Status, domain.StreamStatusPaused); err != nil {
			return err
		}
		if _, err := e.settle(ctx, st, TriggerPause); err != nil {
			return err
		}
		if st.Status == domain.StreamStatusCompleted {
			return nil
		}
		st.Status = domain.StreamStatusPaused
		st.UpdatedAt = e.now().UTC()
		return e.store.UpdateStream(ctx, st)
	})
}

// Resume restarts accrual from now. No funds move.
func (e *StreamEngine) Resume(ctx context.Context, id uuid.UUID) (*models.Stream, error) {
	return e.withStream(ctx, id, func(st *models.Stream) error {
		if err := checkTransition(st.Status, domain.StreamStatusActive); err != nil {
			return err
		}
		now := e.now().UTC()
		st.Status = domain.StreamStatusActive
		st.ActiveSince = now
		st.SettledSinceActive = 0
		st.LastSettledAt = now
		st.UpdatedAt = now
		return e.store.UpdateStream(ctx, st)
	})
}

// Stop settles what is owed, returns the unused allocation to the source
// and completes the stream. Stopping a completed stream is a no-op.
func (e *StreamEngine) Stop(ctx context.Context, id uuid.UUID) (*models.Stream, error) {
	return e.withStream(ctx, id, func(st *models.Stream) error {
		if st.Status == domain.StreamStatusCompleted {
			return nil
		}
		if err := checkTransition(st.Status, domain.StreamStatusCompleted); err != nil {
			return err
		}
		if _, err := e.settle(ctx, st, TriggerStop); err != nil {
			return err
		}
		if st.Status == domain.StreamStatusCompleted {
			return nil
		}
		if refund := st.Remaining(); refund > 0 {
			res, err := e.ledger.postAdopting(ctx, ReleaseOp(st.SourceAccountID, domain.BucketStream, refund, st.Reference(), refundKey(st.ID)))
			if err != nil {
				observability.IncrementStreamSettlement(TriggerStop, "failed")
				return fmt.Errorf("refund stream %s: %w", st.ID, err)
			}
			st.RefundedAmount += res.Entries[0].Magnitude()
		}
		e.complete(st)
		return e.store.UpdateStream(ctx, st)
	})
}

// TopUp holds more funds for a running or paused stream.
func (e *StreamEngine) TopUp(ctx context.Context, id uuid.UUID, amount int64) (*models.Stream, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("top-up of %d: %w", amount, domain.ErrInvalidAmount)
	}
	return e.withStream(ctx, id, func(st *models.Stream) error {
		if st.Status != domain.StreamStatusActive && st.Status != domain.StreamStatusPaused {
			return fmt.Errorf("top-up while %s: %w", st.Status, domain.ErrInvalidStreamTransition)
		}
		// Settle first so funds added now do not pay for time already past exhaustion.
		if _, err := e.settle(ctx, st, TriggerTopUp); err != nil {
			return err
		}
		if st.Status == domain.StreamStatusCompleted {
			return fmt.Errorf("stream %s exhausted before top-up: %w", st.ID, domain.ErrInvalidStreamTransition)
		}
		seq := st.TopUpSeq + 1
		res, err := e.ledger.postAdopting(ctx, Operation{
			Kind:           domain.KindHold,
			Bucket:         domain.BucketStream,
			AccountID:      st.SourceAccountID,
			Amount:         amount,
			Reference:      st.Reference(),
			IdempotencyKey: fundKey(st.ID, seq),
			Currency:       st.Currency,
		})
		if err != nil {
			return fmt.Errorf("top up stream %s: %w", st.ID, err)
		}
		st.FundedAmount += res.Entries[0].Magnitude()
		st.TopUpSeq = seq
		st.UpdatedAt = e.now().UTC()
		return e.store.UpdateStream(ctx, st)
	})
}

// Projection reports what the stream has accrued at now without writing.
func (e *StreamEngine) Projection(ctx context.Context, id uuid.UUID) (*StreamProjection, error) {
	st, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	now := e.now().UTC()
	due := accrued(st, now)
	return &StreamProjection{
		StreamID:    st.ID,
		Status:      st.Status,
		Accrued:     due,
		Settled:     st.SettledAmount,
		Remaining:   st.Remaining() - due,
		ProjectedAt: now,
		ExhaustsAt:  exhaustsAt(st),
	}, nil
}

// AccountProjection combines cached balances with accrual of every running
// stream touching the account.
func (e *StreamEngine) AccountProjection(ctx context.Context, accountID uuid.UUID) (*AccountProjection, error) {
	acc, err := e.ledger.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	streams, err := e.store.ListStreamsByAccount(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	now := e.now().UTC()
	p := &AccountProjection{
		AccountID:   acc.ID,
		Available:   acc.Available,
		Held:        acc.Held,
		InStreams:   acc.InStreams,
		ProjectedAt: now,
	}
	for i := range streams {
		due := accrued(&streams[i], now)
		if streams[i].DestAccountID == accountID {
			p.ProjectedInflow += due
		}
		if streams[i].SourceAccountID == accountID {
			p.ProjectedOutflow += due
		}
	}
	p.ProjectedAvailable = p.Available + p.ProjectedInflow
	p.ProjectedInStreams = p.InStreams - p.ProjectedOutflow
	return p, nil
}

// SettleDue settles active streams whose last settlement is older than
// minAge, across all tenants. Failures are logged and left for the next pass.
func (e *StreamEngine) SettleDue(ctx context.Context, minAge time.Duration, limit int) (SweepReport, error) {
	cutoff := e.now().UTC().Add(-minAge)
	due, err := e.store.ListDueStreams(ctx, cutoff, limit)
	if err != nil {
		return SweepReport{}, fmt.Errorf("list due streams: %w", err)
	}
	observability.SetActiveStreams(len(due))

	var settled, completed, idle, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for i := range due {
		if e.limiter != nil {
			if err := e.limiter.Wait(gctx); err != nil {
				break
			}
		}
		st := due[i]
		g.Go(func() error {
			sctx := tenant.WithTenant(gctx, st.TenantID)
			var paid int64
			res, err := e.withStream(sctx, st.ID, func(s *models.Stream) error {
				var err error
				paid, err = e.settle(sctx, s, TriggerSweep)
				return err
			})
			if err != nil {
				failed.Add(1)
				e.logger.Warn("stream sweep settlement failed",
					zap.String("tenant_id", st.TenantID),
					zap.String("stream_id", st.ID.String()),
					zap.Error(err),
				)
				return nil
			}
			if paid > 0 {
				settled.Add(1)
			} else {
				idle.Add(1)
			}
			if res.Status == domain.StreamStatusCompleted {
				completed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return SweepReport{
		Scanned:   len(due),
		Settled:   int(settled.Load()),
		Completed: int(completed.Load()),
		Idle:      int(idle.Load()),
		Failed:    int(failed.Load()),
	}, ctx.Err()
}

// settle posts release+debit on the source and credit on the destination
// for the accrued amount, then advances the stream. The stream is saved
// only after the ledger commit; on failure it keeps its prior state.
//
// A posting for the next sequence may already be committed when an earlier
// save failed. Its amount is adopted and the remainder accrued since is
// posted under the following sequence.
func (e *StreamEngine) settle(ctx context.Context, st *models.Stream, trigger string) (int64, error) {
	now := e.now().UTC()
	var total int64
	for {
		due := accrued(st, now)
		if due == 0 {
			break
		}
		paid, replayed, err := e.settleSeq(ctx, st, due, now)
		if err != nil {
			observability.IncrementStreamSettlement(trigger, "failed")
			return 0, err
		}
		total += paid
		if !replayed || paid >= due {
			break
		}
	}
	if total == 0 {
		if trigger == TriggerSweep && st.Status == domain.StreamStatusActive {
			return 0, e.touch(ctx, st, now)
		}
		return 0, nil
	}
	observability.IncrementStreamSettlement(trigger, "settled")
	return total, nil
}

func (e *StreamEngine) settleSeq(ctx context.Context, st *models.Stream, due int64, now time.Time) (int64, bool, error) {
	seq := st.SettlementSeq + 1
	prefix := fmt.Sprintf("stream:%s:settle:%d", st.ID, seq)
	ref := st.Reference()
	res, err := e.ledger.postAdopting(ctx,
		ReleaseOp(st.SourceAccountID, domain.BucketStream, due, ref, prefix+":release"),
		DebitOp(st.SourceAccountID, due, ref, prefix+":debit"),
		CreditOp(st.DestAccountID, due, ref, prefix+":credit"),
	)
	if err != nil {
		return 0, false, fmt.Errorf("settle stream %s: %w", st.ID, err)
	}
	paid := res.Entries[2].Magnitude()

	next := *st
	next.SettledAmount += paid
	next.SettledSinceActive += paid
	next.SettlementSeq = seq
	next.LastSettledAt = now
	next.UpdatedAt = now
	if next.Remaining() <= 0 {
		e.complete(&next)
	}
	if err := e.store.UpdateStream(ctx, &next); err != nil {
		return 0, false, fmt.Errorf("save stream %s: %w", st.ID, err)
	}
	*st = next
	return paid, res.Replayed, nil
}

// touch moves LastSettledAt forward on a stream that owes nothing yet, so
// the sweep does not list it again before minAge has passed.
func (e *StreamEngine) touch(ctx context.Context, st *models.Stream, now time.Time) error {
	next := *st
	next.LastSettledAt = now
	if err := e.store.UpdateStream(ctx, &next); err != nil {
		return fmt.Errorf("save stream %s: %w", st.ID, err)
	}
	*st = next
	return nil
}

func (e *StreamEngine) complete(st *models.Stream) {
	now := e.now().UTC()
	st.Status = domain.StreamStatusCompleted
	st.CompletedAt = &now
	st.UpdatedAt = now
	e.logger.Info("stream completed",
		zap.String("tenant_id", st.TenantID),
		zap.String("stream_id", st.ID.String()),
		zap.Int64("settled", st.SettledAmount),
		zap.Int64("refunded", st.RefundedAmount),
	)
}

func (e *StreamEngine) withStream(ctx context.Context, id uuid.UUID, fn func(st *models.Stream) error) (*models.Stream, error) {
	unlock, err := e.lockStream(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()
	st, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(st); err != nil {
		return nil, err
	}
	return st, nil
}

func (e *StreamEngine) load(ctx context.Context, id uuid.UUID) (*models.Stream, error) {
	if _, err := tenant.FromContext(ctx); err != nil {
		return nil, err
	}
	st, err := e.store.GetStream(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.guard.Authorize(ctx, st, "stream"); err != nil {
		return nil, err
	}
	return st, nil
}

func (e *StreamEngine) lockStream(ctx context.Context, id uuid.UUID) (func(), error) {
	unlock, err := e.locks.Lock(ctx, id.String())
	if err != nil {
		return nil, fmt.Errorf("%w: waiting for stream lock: %w", domain.ErrTimeout, err)
	}
	return unlock, nil
}

func fundKey(id uuid.UUID, seq int64) string {
	return fmt.Sprintf("stream:%s:fund:%d", id, seq)
}

func refundKey(id uuid.UUID) string {
	return fmt.Sprintf("stream:%s:refund", id)
}
