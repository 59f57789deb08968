// Package credits is a sample business plugin: an in-memory credit ledger
// exposed as saga actions, a refund compensation and queue processors.
package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/orchestrator/internal/retry"
)

// Error codes returned by the ledger. All of them are terminal.
const (
	CodeUnknownAccount     = "UNKNOWN_ACCOUNT"
	CodeInsufficientCredit = "INSUFFICIENT_CREDITS"
	CodeInvalidAmount      = "INVALID_AMOUNT"
	CodeReferenceReused    = "REFERENCE_REUSED"
)

// Transaction is one deduction, keyed by its caller-supplied reference.
type Transaction struct {
	ID         string     `json:"id"`
	Account    string     `json:"account"`
	Amount     float64    `json:"amount"`
	Reference  string     `json:"reference"`
	CreatedAt  time.Time  `json:"createdAt"`
	RefundedAt *time.Time `json:"refundedAt,omitempty"`
}

// Ledger holds account balances. Deductions and refunds are idempotent per
// reference so retried steps and compensations never double-apply.
type Ledger struct {
	mu       sync.Mutex
	balances map[string]float64
	byRef    map[string]*Transaction
	now      func() time.Time
}

func NewLedger() *Ledger {
	return &Ledger{
		balances: make(map[string]float64),
		byRef:    make(map[string]*Transaction),
		now:      time.Now,
	}
}

// Deposit credits an account, opening it when needed.
func (l *Ledger) Deposit(account string, amount float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[account] = round(l.balances[account] + amount)
}

func (l *Ledger) Balance(account string) (float64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[account]
	return b, ok
}

// Check reports whether account can cover amount without changing anything.
func (l *Ledger) Check(account string, amount float64) (float64, error) {
	if amount <= 0 {
		return 0, retry.Terminal(CodeInvalidAmount, "amount must be positive, got %v", amount)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.balances[account]
	if !ok {
		return 0, retry.Terminal(CodeUnknownAccount, "account %q does not exist", account)
	}
	if b < amount {
		return b, retry.Terminal(CodeInsufficientCredit, "account %q has %.2f, needs %.2f", account, b, amount)
	}
	return b, nil
}

// Deduct takes amount from account. A repeated call with the same reference
// returns the original transaction.
func (l *Ledger) Deduct(ctx context.Context, account string, amount float64, reference string) (Transaction, error) {
	if err := ctx.Err(); err != nil {
		return Transaction{}, err
	}
	amount = round(amount)
	if amount <= 0 {
		return Transaction{}, retry.Terminal(CodeInvalidAmount, "amount must be positive, got %v", amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if tx, ok := l.byRef[reference]; ok {
		if tx.RefundedAt != nil || tx.Account != account || tx.Amount != amount {
			return Transaction{}, retry.Terminal(CodeReferenceReused, "reference %q already used", reference)
		}
		return *tx, nil
	}
	b, ok := l.balances[account]
	if !ok {
		return Transaction{}, retry.Terminal(CodeUnknownAccount, "account %q does not exist", account)
	}
	if b < amount {
		return Transaction{}, retry.Terminal(CodeInsufficientCredit, "account %q has %.2f, needs %.2f", account, b, amount)
	}
	l.balances[account] = round(b - amount)
	tx := &Transaction{
		ID:        uuid.NewString(),
		Account:   account,
		Amount:    amount,
		Reference: reference,
		CreatedAt: l.now().UTC(),
	}
	l.byRef[reference] = tx
	return *tx, nil
}

// Refund reverses the deduction made under reference. It returns false when
// there was nothing to reverse: no such deduction, or already refunded.
func (l *Ledger) Refund(ctx context.Context, reference string) (Transaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return Transaction{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.byRef[reference]
	if !ok {
		return Transaction{}, false, nil
	}
	if tx.RefundedAt != nil {
		return *tx, false, nil
	}
	at := l.now().UTC()
	tx.RefundedAt = &at
	l.balances[tx.Account] = round(l.balances[tx.Account] + tx.Amount)
	return *tx, true, nil
}

// Transaction looks up a deduction by reference.
func (l *Ledger) Transaction(reference string) (Transaction, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tx, ok := l.byRef[reference]
	if !ok {
		return Transaction{}, false
	}
	return *tx, true
}

func round(v float64) float64 { return math.Round(v*100) / 100 }

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func amountParam(params map[string]any) (float64, error) {
	v, ok := params["amount"]
	if !ok {
		return 0, fmt.Errorf("param %q is required", "amount")
	}
	f, ok := toFloat64(v)
	if !ok {
		return 0, fmt.Errorf("param %q must be numeric, got %T", "amount", v)
	}
	return f, nil
}
