package credits_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/orchestrator/internal/action"
	"github.com/gyaneshwarpardhi/orchestrator/internal/config"
	"github.com/gyaneshwarpardhi/orchestrator/internal/notify"
	"github.com/gyaneshwarpardhi/orchestrator/internal/plugins/credits"
	"github.com/gyaneshwarpardhi/orchestrator/internal/queue"
	"github.com/gyaneshwarpardhi/orchestrator/internal/retry"
	"github.com/gyaneshwarpardhi/orchestrator/internal/saga"
	"github.com/gyaneshwarpardhi/orchestrator/internal/store"
)

func TestLedgerDeductIsIdempotentPerReference(t *testing.T) {
	ctx := context.Background()
	l := credits.NewLedger()
	l.Deposit("acct-1", 100)

	tx, err := l.Deduct(ctx, "acct-1", 30, "ref-1")
	require.NoError(t, err)
	again, err := l.Deduct(ctx, "acct-1", 30, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, again.ID)

	b, _ := l.Balance("acct-1")
	assert.Equal(t, 70.0, b)

	_, err = l.Deduct(ctx, "acct-1", 10, "ref-1")
	assert.Equal(t, credits.CodeReferenceReused, retry.Code(err))

	_, refunded, err := l.Refund(ctx, "ref-1")
	require.NoError(t, err)
	assert.True(t, refunded)
	_, refunded, err = l.Refund(ctx, "ref-1")
	require.NoError(t, err)
	assert.False(t, refunded, "second refund is a no-op")

	_, refunded, err = l.Refund(ctx, "never-deducted")
	require.NoError(t, err)
	assert.False(t, refunded)

	b, _ = l.Balance("acct-1")
	assert.Equal(t, 100.0, b)
}

func TestLedgerErrors(t *testing.T) {
	ctx := context.Background()
	l := credits.NewLedger()
	l.Deposit("acct-1", 10)

	tests := []struct {
		name    string
		account string
		amount  float64
		code    string
	}{
		{"unknown account", "ghost", 1, credits.CodeUnknownAccount},
		{"insufficient", "acct-1", 10.01, credits.CodeInsufficientCredit},
		{"zero amount", "acct-1", 0, credits.CodeInvalidAmount},
		{"negative amount", "acct-1", -5, credits.CodeInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Deduct(ctx, tt.account, tt.amount, tt.name)
			require.Error(t, err)
			assert.Equal(t, tt.code, retry.Code(err))
			assert.False(t, retry.IsRetryable(err, nil))
		})
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := l.Deduct(cancelled, "acct-1", 1, "late")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDeductionProcessor(t *testing.T) {
	l := credits.NewLedger()
	l.Deposit("acct-1", 50)
	p := credits.NewDeductionProcessor(l)
	assert.Equal(t, queue.CreditDeduction, p.Type())

	op := &queue.Operation{ID: "op-1", Type: queue.CreditDeduction, Payload: json.RawMessage(`{"account":"acct-1","amount":12.5}`)}
	res, err := p.Execute(context.Background(), op)
	require.NoError(t, err)
	assert.Equal(t, 37.5, res.Data["balance"])

	// Redelivery of the same operation does not deduct twice.
	_, err = p.Execute(context.Background(), op)
	require.NoError(t, err)
	b, _ := l.Balance("acct-1")
	assert.Equal(t, 37.5, b)
	tx, ok := l.Transaction("op-1")
	require.True(t, ok)
	assert.Equal(t, 12.5, tx.Amount)

	_, err = p.Execute(context.Background(), &queue.Operation{ID: "op-2", Payload: json.RawMessage(`{"amount":1}`)})
	assert.ErrorContains(t, err, "account is required")
}

type fakeEnqueuer struct {
	mu  sync.Mutex
	ops []*queue.Operation
	err error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, op *queue.Operation) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.ops = append(f.ops, op)
	return "op-receipt", nil
}

type purchaseFixture struct {
	ledger *credits.Ledger
	enq    *fakeEnqueuer
	m      *saga.Manager
}

// newPurchaseFixture runs the credit_purchase saga from the sample config
// against the plugin's handlers.
func newPurchaseFixture(t *testing.T) *purchaseFixture {
	t.Helper()
	cfg, err := config.NewLoader("../../../configs/orchestrator.yaml", zerolog.Nop())
	require.NoError(t, err)

	f := &purchaseFixture{ledger: credits.NewLedger(), enq: &fakeEnqueuer{}}
	actions, comps, procs := action.NewRegistry(), action.NewRegistry(), queue.NewRegistry()
	credits.Register(f.ledger, f.enq, actions, comps, procs, zerolog.Nop())
	assert.Equal(t, []queue.OperationType{queue.CreditDeduction, queue.Notification}, procs.Types())

	defs, err := saga.NewDefinitions(cfg.Config().Sagas, actions, comps)
	require.NoError(t, err)

	f.m, err = saga.New(saga.Config{}, saga.Dependencies{
		Store:         store.NewMemory(),
		Notify:        notify.NewMemory(),
		Actions:       actions,
		Compensations: comps,
		Definitions:   defs,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.m.Shutdown(context.Background()) })
	return f
}

func TestPurchaseSagaCompletes(t *testing.T) {
	f := newPurchaseFixture(t)
	f.ledger.Deposit("acct-1", 50)

	inst, err := f.m.StartSaga(context.Background(), "credit_purchase", map[string]any{"account": "acct-1", "amount": 20}, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, inst.Status)
	assert.Equal(t, saga.StepSkipped, inst.Context.StepResults["notify_large_purchase"].Status, "small purchases send no receipt")

	b, _ := f.ledger.Balance("acct-1")
	assert.Equal(t, 30.0, b)
	_, ok := f.ledger.Transaction(inst.ID)
	assert.True(t, ok, "deduction is keyed by saga id")
	assert.Empty(t, f.enq.ops)
}

func TestPurchaseSagaEnqueuesReceipt(t *testing.T) {
	f := newPurchaseFixture(t)
	f.ledger.Deposit("acct-1", 5000)

	inst, err := f.m.StartSaga(context.Background(), "credit_purchase", map[string]any{"account": "acct-1", "amount": 1500}, "corr-2")
	require.NoError(t, err)
	require.Equal(t, saga.StatusCompleted, inst.Status)

	require.Len(t, f.enq.ops, 1)
	op := f.enq.ops[0]
	assert.Equal(t, queue.Notification, op.Type)
	assert.Equal(t, queue.PriorityLow, op.Priority)
	assert.Equal(t, "corr-2", op.CorrelationID)
	r, err := queue.PayloadAs[credits.Receipt](op)
	require.NoError(t, err)
	tx, _ := f.ledger.Transaction(inst.ID)
	assert.Equal(t, tx.ID, r.Transaction)
}

func TestPurchaseSagaRefundsWhenReceiptFails(t *testing.T) {
	f := newPurchaseFixture(t)
	f.ledger.Deposit("acct-1", 5000)
	f.enq.err = retry.Terminal("QUEUE_CLOSED", "queue is shutting down")

	inst, err := f.m.StartSaga(context.Background(), "credit_purchase", map[string]any{"account": "acct-1", "amount": 1500}, "corr-3")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, inst.Status)
	require.NotNil(t, inst.Compensation)
	assert.Equal(t, []string{"deduct"}, inst.Compensation.Compensated)

	b, _ := f.ledger.Balance("acct-1")
	assert.Equal(t, 5000.0, b)
}

func TestPurchaseSagaFailsOnInsufficientCredits(t *testing.T) {
	f := newPurchaseFixture(t)
	f.ledger.Deposit("acct-1", 5)

	inst, err := f.m.StartSaga(context.Background(), "credit_purchase", map[string]any{"account": "acct-1", "amount": 20}, "")
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompensated, inst.Status, "nothing to undo counts as a successful compensation")
	require.NotNil(t, inst.Error)
	assert.Equal(t, "validate", inst.Error.StepID)
	assert.Equal(t, credits.CodeInsufficientCredit, inst.Error.Code)
}
