package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ayo6706/payout-ledger/internal/domain"
	"github.com/ayo6706/payout-ledger/internal/models"
	"github.com/ayo6706/payout-ledger/internal/service"
	"github.com/ayo6706/payout-ledger/internal/tenant"
	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
	done      chan struct{}
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	return &fakeReader{msgs: msgs, done: make(chan struct{})}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	select {
	case <-r.done:
	default:
		close(r.done)
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

type fakeProcessor struct {
	mu      sync.Mutex
	calls   int
	tenants []string
	errs    []error
}

func (p *fakeProcessor) Process(ctx context.Context, c service.Confirmation) (*models.SettlementResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	tenantID, _ := tenant.FromContext(ctx)
	p.tenants = append(p.tenants, tenantID)
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &models.SettlementResult{TransferID: uuid.New(), TenantID: tenantID, Protocol: c.Protocol()}, nil
}

func envelope(t *testing.T, offset int64, tenantID, protocol string, payload any) kafka.Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	value, err := json.Marshal(PaymentEnvelope{TenantID: tenantID, Protocol: protocol, Payload: raw})
	require.NoError(t, err)
	return kafka.Message{Topic: "payments", Offset: offset, Value: value}
}

var checkout = service.CheckoutCompletion{CheckoutID: "chk_1", CustomerID: "cus", MerchantID: "mer", Amount: "10", Currency: "USDC"}

func TestPaymentConsumer_Handle(t *testing.T) {
	proc := &fakeProcessor{}
	c := NewPaymentConsumer(newFakeReader(), proc, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, c.Handle(ctx, envelope(t, 1, "tenant-a", domain.ProtocolCheckout, checkout)))
	assert.Equal(t, []string{"tenant-a"}, proc.tenants)

	// Rejections are not retried.
	require.NoError(t, c.Handle(ctx, kafka.Message{Value: []byte("{")}))
	require.NoError(t, c.Handle(ctx, envelope(t, 2, "", domain.ProtocolCheckout, checkout)))
	require.NoError(t, c.Handle(ctx, envelope(t, 3, "tenant-a", "fax", checkout)))
	proc.errs = []error{domain.ErrInsufficientFunds}
	require.NoError(t, c.Handle(ctx, envelope(t, 4, "tenant-a", domain.ProtocolCheckout, checkout)))
	assert.Equal(t, 2, proc.calls)
}

func TestPaymentConsumer_RetriesTransientFailures(t *testing.T) {
	proc := &fakeProcessor{errs: []error{domain.ErrRetryable, domain.ErrTimeout, nil}}
	c := NewPaymentConsumer(newFakeReader(), proc, zap.NewNop())

	require.NoError(t, c.Handle(context.Background(), envelope(t, 1, "tenant-a", domain.ProtocolCheckout, checkout)))
	assert.Equal(t, 3, proc.calls)
}

func TestPaymentConsumer_GivesUpWithoutCommit(t *testing.T) {
	storeDown := errors.New("connection refused")
	proc := &fakeProcessor{errs: []error{storeDown, storeDown, storeDown, storeDown, storeDown, storeDown, storeDown, storeDown}}
	c := NewPaymentConsumer(newFakeReader(), proc, zap.NewNop()).WithMaxRetryElapsed(50 * time.Millisecond)

	err := c.Handle(context.Background(), envelope(t, 1, "tenant-a", domain.ProtocolCheckout, checkout))
	assert.ErrorIs(t, err, storeDown)
}

func TestPaymentConsumer_StartCommitsHandledMessages(t *testing.T) {
	storeDown := errors.New("connection refused")
	reader := newFakeReader(
		envelope(t, 10, "tenant-a", domain.ProtocolCheckout, checkout),
		kafka.Message{Offset: 11, Value: []byte("not json")},
		envelope(t, 12, "tenant-b", domain.ProtocolCheckout, checkout),
	)
	proc := &fakeProcessor{errs: []error{nil, storeDown, storeDown, storeDown, storeDown, storeDown, storeDown, storeDown, storeDown}}
	c := NewPaymentConsumer(reader, proc, zap.NewNop()).WithMaxRetryElapsed(20 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Start(ctx) }()

	select {
	case <-reader.done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain the reader")
	}
	cancel()
	require.NoError(t, <-errCh)

	reader.mu.Lock()
	defer reader.mu.Unlock()
	assert.Equal(t, []int64{10, 11}, reader.committed)
	assert.True(t, reader.closed)
}
