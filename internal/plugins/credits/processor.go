package credits

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/gyaneshwarpardhi/orchestrator/internal/queue"
	"github.com/gyaneshwarpardhi/orchestrator/internal/retry"
)

// Deduction is the CREDIT_DEDUCTION operation payload.
type Deduction struct {
	Account   string  `json:"account"`
	Amount    float64 `json:"amount"`
	Reference string  `json:"reference,omitempty"`
}

// Receipt is the NOTIFICATION operation payload sent after a purchase.
type Receipt struct {
	Account     string `json:"account"`
	Transaction string `json:"transaction"`
	SagaID      string `json:"sagaId,omitempty"`
}

// NewDeductionProcessor returns the CREDIT_DEDUCTION processor. The
// operation id is the default reference, so redelivery after a crash does
// not deduct twice.
func NewDeductionProcessor(l *Ledger) queue.Processor {
	return queue.ProcessorFunc(queue.CreditDeduction, func(ctx context.Context, op *queue.Operation) (*queue.Result, error) {
		d, err := queue.PayloadAs[Deduction](op)
		if err != nil {
			return nil, retry.Terminal(codeInvalidParams, "%v", err)
		}
		if d.Account == "" {
			return nil, retry.Terminal(codeInvalidParams, "account is required")
		}
		ref := d.Reference
		if ref == "" {
			ref = op.ID
		}
		tx, err := l.Deduct(ctx, d.Account, d.Amount, ref)
		if err != nil {
			return nil, err
		}
		balance, _ := l.Balance(d.Account)
		return &queue.Result{Data: map[string]any{
			"transactionId": tx.ID,
			"balance":       balance,
		}}, nil
	})
}

// NewReceiptProcessor returns a NOTIFICATION processor that records receipts
// in the log. Delivery to a real channel plugs in here.
func NewReceiptProcessor(logger zerolog.Logger) queue.Processor {
	logger = logger.With().Str("component", "credits").Logger()
	return queue.ProcessorFunc(queue.Notification, func(_ context.Context, op *queue.Operation) (*queue.Result, error) {
		r, err := queue.PayloadAs[Receipt](op)
		if err != nil {
			return nil, retry.Terminal(codeInvalidParams, "%v", err)
		}
		logger.Info().
			Str("operation_id", op.ID).
			Str("account", r.Account).
			Str("transaction_id", r.Transaction).
			Str("correlation_id", op.CorrelationID).
			Msg("credits: receipt sent")
		return &queue.Result{Data: map[string]any{"delivered": true}}, nil
	})
}
