package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/orchestrator/internal/retry"
)

// OperationType selects the processor an operation is dispatched to.
type OperationType string

const (
	CreditDeduction   OperationType = "CREDIT_DEDUCTION"
	PaymentProcessing OperationType = "PAYMENT_PROCESSING"
	BlockchainLedger  OperationType = "BLOCKCHAIN_LEDGER"
	AITaskExecution   OperationType = "AI_TASK_EXECUTION"
	Notification      OperationType = "NOTIFICATION"
)

// Priority orders buckets; URGENT is always dispatched first.
type Priority string

const (
	PriorityUrgent   Priority = "URGENT"
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
)

// Priorities lists every priority in dispatch order.
var Priorities = []Priority{PriorityUrgent, PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// Rank is higher for more urgent priorities and -1 for unknown ones.
func (p Priority) Rank() int {
	for i, q := range Priorities {
		if p == q {
			return len(Priorities) - 1 - i
		}
	}
	return -1
}

func (p Priority) Valid() bool { return p.Rank() >= 0 }

// Status is the operation state machine:
// QUEUED -> PROCESSING -> COMPLETED | RETRY_SCHEDULED -> QUEUED | FAILED | DLQ,
// and QUEUED -> CANCELLED.
type Status string

const (
	StatusQueued         Status = "QUEUED"
	StatusProcessing     Status = "PROCESSING"
	StatusCompleted      Status = "COMPLETED"
	StatusRetryScheduled Status = "RETRY_SCHEDULED"
	StatusFailed         Status = "FAILED"
	StatusDLQ            Status = "DLQ"
	StatusCancelled      Status = "CANCELLED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusDLQ, StatusCancelled:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// OperationError records one failed attempt.
type OperationError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Retryable bool           `json:"retryable"`
	Severity  Severity       `json:"severity"`
	Context   map[string]any `json:"context,omitempty"`
}

// Operation is a queued unit of work and its persisted record.
type Operation struct {
	ID            string           `json:"id"`
	Type          OperationType    `json:"type"`
	Payload       json.RawMessage  `json:"payload,omitempty"`
	Priority      Priority         `json:"priority"`
	RetryPolicy   retry.Policy     `json:"retryPolicy"`
	Status        Status           `json:"status"`
	CreatedAt     time.Time        `json:"createdAt"`
	ScheduledAt   time.Time        `json:"scheduledAt"`
	LastAttemptAt *time.Time       `json:"lastAttemptAt,omitempty"`
	NextRetryAt   *time.Time       `json:"nextRetryAt,omitempty"`
	CompletedAt   *time.Time       `json:"completedAt,omitempty"`
	AttemptCount  int              `json:"attemptCount"`
	MaxAttempts   int              `json:"maxAttempts"`
	Errors        []OperationError `json:"errors"`
	CorrelationID string           `json:"correlationId"`
	UserID        string           `json:"userId,omitempty"`
	Metadata      map[string]any   `json:"metadata,omitempty"`
	Result        map[string]any   `json:"result,omitempty"`
}

// Critical operations are dead-lettered instead of failed when they run out
// of retries.
func (op *Operation) Critical() bool {
	switch op.Type {
	case CreditDeduction, PaymentProcessing, BlockchainLedger:
		return true
	}
	return op.Priority.Rank() >= PriorityCritical.Rank()
}

// PayloadAs decodes the payload into T.
func PayloadAs[T any](op *Operation) (T, error) {
	var out T
	if len(op.Payload) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(op.Payload, &out); err != nil {
		return out, fmt.Errorf("operation %s: decode payload: %w", op.ID, err)
	}
	return out, nil
}

func (op *Operation) clone() *Operation {
	c := *op
	c.Errors = append([]OperationError(nil), op.Errors...)
	if op.Metadata != nil {
		c.Metadata = make(map[string]any, len(op.Metadata))
		for k, v := range op.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Result is what a processor returns on success.
type Result struct {
	Data map[string]any `json:"data,omitempty"`
}

// Processor executes one operation type. Execute receives a copy of the
// operation; ctx is cancelled when the queue shuts down or the operation's
// timeoutMs metadata elapses.
type Processor interface {
	Type() OperationType
	Execute(ctx context.Context, op *Operation) (*Result, error)
}

// Stats is a point-in-time view of the queue.
type Stats struct {
	Depth          map[Priority]int `json:"depth"`
	Processing     int              `json:"processing"`
	RetryScheduled int              `json:"retryScheduled"`
	Enqueued       uint64           `json:"enqueued"`
	Completed      uint64           `json:"completed"`
	Failed         uint64           `json:"failed"`
	DeadLettered   uint64           `json:"deadLettered"`
	Cancelled      uint64           `json:"cancelled"`
}

// RecoveryResult summarises a startup recovery pass.
type RecoveryResult struct {
	Requeued int `json:"requeued"`
	Rearmed  int `json:"rearmed"`
	Skipped  int `json:"skipped"`
}

var (
	// ErrInvalidOperation is returned by Enqueue for malformed input.
	ErrInvalidOperation = errors.New("queue: invalid operation")
	// ErrNoProcessor marks an operation type with no registered processor.
	ErrNoProcessor = errors.New("queue: no processor registered")
	ErrClosed      = errors.New("queue: closed")
)
