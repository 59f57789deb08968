package credits

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/gyaneshwarpardhi/orchestrator/internal/action"
	"github.com/gyaneshwarpardhi/orchestrator/internal/queue"
	"github.com/gyaneshwarpardhi/orchestrator/internal/retry"
)

// Action and compensation types this plugin registers.
const (
	ActionValidate       = "credits.validate"
	ActionDeduct         = "credits.deduct"
	ActionRefund         = "credits.refund"
	ActionEnqueueReceipt = "credits.enqueue_receipt"
)

const codeInvalidParams = "INVALID_PARAMS"

// Enqueuer is the part of the operation queue the receipt action needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, op *queue.Operation) (string, error)
}

// Register wires the plugin into the action, compensation and processor
// registries. enq may be nil, in which case the receipt action is skipped.
func Register(l *Ledger, enq Enqueuer, actions, compensations *action.Registry, processors *queue.Registry, logger zerolog.Logger) {
	actions.Register(&ValidateAction{ledger: l})
	actions.Register(&DeductAction{ledger: l})
	compensations.Register(&RefundAction{ledger: l})
	if enq != nil {
		actions.Register(&ReceiptAction{queue: enq})
	}
	if processors != nil {
		processors.Register(NewDeductionProcessor(l))
		processors.Register(NewReceiptProcessor(logger))
	}
}

// reference keys a deduction. Steps and their compensation share the same
// default so a refund finds the deduction it undoes.
func reference(req *action.Request) string {
	if ref, ok := req.Params["reference"].(string); ok && ref != "" {
		return ref
	}
	return req.SagaID + "/" + req.StepID
}

func accountAndAmount(params map[string]any) (string, float64, error) {
	account, err := action.StringParam(params, "account")
	if err != nil {
		return "", 0, retry.Terminal(codeInvalidParams, "%v", err)
	}
	amount, err := amountParam(params)
	if err != nil {
		return "", 0, retry.Terminal(codeInvalidParams, "%v", err)
	}
	return account, amount, nil
}

func requireKeys(kind string, params map[string]any, keys ...string) error {
	for _, k := range keys {
		if _, ok := params[k]; !ok {
			return fmt.Errorf("%s: param %q is required", kind, k)
		}
	}
	return nil
}

// ValidateAction checks that an account can cover an amount.
type ValidateAction struct{ ledger *Ledger }

func (a *ValidateAction) Type() string { return ActionValidate }

func (a *ValidateAction) Validate(params map[string]any) error {
	return requireKeys(ActionValidate, params, "account", "amount")
}

func (a *ValidateAction) Execute(_ context.Context, req *action.Request) (map[string]any, error) {
	account, amount, err := accountAndAmount(req.Params)
	if err != nil {
		return nil, err
	}
	balance, err := a.ledger.Check(account, amount)
	if err != nil {
		return nil, err
	}
	return map[string]any{"account": account, "balance": balance}, nil
}

// DeductAction takes credits from an account.
type DeductAction struct{ ledger *Ledger }

func (a *DeductAction) Type() string { return ActionDeduct }

func (a *DeductAction) Validate(params map[string]any) error {
	return requireKeys(ActionDeduct, params, "account", "amount")
}

func (a *DeductAction) Execute(ctx context.Context, req *action.Request) (map[string]any, error) {
	account, amount, err := accountAndAmount(req.Params)
	if err != nil {
		return nil, err
	}
	tx, err := a.ledger.Deduct(ctx, account, amount, reference(req))
	if err != nil {
		return nil, err
	}
	balance, _ := a.ledger.Balance(account)
	return map[string]any{
		"transactionId": tx.ID,
		"reference":     tx.Reference,
		"amount":        tx.Amount,
		"balance":       balance,
	}, nil
}

// RefundAction is the compensation for DeductAction.
type RefundAction struct{ ledger *Ledger }

func (a *RefundAction) Type() string { return ActionRefund }

func (a *RefundAction) Execute(ctx context.Context, req *action.Request) (map[string]any, error) {
	tx, refunded, err := a.ledger.Refund(ctx, reference(req))
	if err != nil {
		return nil, err
	}
	return map[string]any{"refunded": refunded, "transactionId": tx.ID}, nil
}

// ReceiptAction hands receipt delivery to the operation queue as a
// low-priority NOTIFICATION operation.
type ReceiptAction struct{ queue Enqueuer }

func (a *ReceiptAction) Type() string { return ActionEnqueueReceipt }

func (a *ReceiptAction) Validate(params map[string]any) error {
	return requireKeys(ActionEnqueueReceipt, params, "account")
}

func (a *ReceiptAction) Execute(ctx context.Context, req *action.Request) (map[string]any, error) {
	account, err := action.StringParam(req.Params, "account")
	if err != nil {
		return nil, retry.Terminal(codeInvalidParams, "%v", err)
	}
	payload, err := json.Marshal(Receipt{
		Account:     account,
		Transaction: fmt.Sprint(req.Params["transaction"]),
		SagaID:      req.SagaID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	id, err := a.queue.Enqueue(ctx, &queue.Operation{
		Type:          queue.Notification,
		Priority:      queue.PriorityLow,
		Payload:       payload,
		CorrelationID: req.CorrelationID,
		UserID:        account,
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"operationId": id}, nil
}
