package bus

import (
	"context"
	"time"

	"github.com/gyaneshwarpardhi/orchestrator/internal/event"
	"github.com/gyaneshwarpardhi/orchestrator/internal/retry"
)

// Handler receives a delivered event. A returned error is classified with the
// subscription's retry policy.
type Handler func(ctx context.Context, e *event.Event) error

// PublishStatus is the outcome of a publish.
type PublishStatus string

const (
	StatusSuccess PublishStatus = "SUCCESS"
	StatusPartial PublishStatus = "PARTIAL"
	StatusFailed  PublishStatus = "FAILED"
)

// Subscription is a read-only view of a registered handler.
type Subscription struct {
	ID          string       `json:"id"`
	EventType   string       `json:"eventType"`
	IsActive    bool         `json:"isActive"`
	CreatedAt   time.Time    `json:"createdAt"`
	RetryPolicy retry.Policy `json:"retryPolicy"`
}

type PublishResult struct {
	EventID             string        `json:"eventId"`
	Status              PublishStatus `json:"status"`
	SubscribersNotified int           `json:"subscribersNotified"`
	// Failed counts handlers that returned an error and were routed to
	// their retry queue or the DLQ.
	Failed int    `json:"failed"`
	Error  string `json:"error,omitempty"`
}

type BatchPublishResult struct {
	Total      int              `json:"total"`
	Successful int              `json:"successful"`
	Partial    int              `json:"partial"`
	Failed     int              `json:"failed"`
	Results    []*PublishResult `json:"results"`
}

// DLQError is the failure recorded with a dead-lettered event.
type DLQError struct {
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DLQMessage is an event whose delivery failed terminally. RetryCount never
// exceeds MaxRetries; a message that reaches MaxRetries is discarded.
type DLQMessage struct {
	ID             string         `json:"id"`
	OriginalEvent  *event.Event   `json:"originalEvent"`
	Error          DLQError       `json:"error"`
	RetryCount     int            `json:"retryCount"`
	MaxRetries     int            `json:"maxRetries"`
	NextRetryAt    time.Time      `json:"nextRetryAt"`
	Priority       event.Priority `json:"priority"`
	CreatedAt      time.Time      `json:"createdAt"`
	EventType      string         `json:"eventType"`
	SubscriptionID string         `json:"subscriptionId,omitempty"`
}

type DLQStatus string

const DLQQueued DLQStatus = "QUEUED"

type DLQResult struct {
	MessageID string    `json:"messageId"`
	Status    DLQStatus `json:"status"`
}

// DLQFilter narrows a DLQ listing or reprocessing run. Nil bounds are open.
type DLQFilter struct {
	EventType     string
	MinRetryCount *int
	MaxRetryCount *int
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	// DueBefore selects messages whose nextRetryAt is at or before it.
	DueBefore *time.Time
	Limit     int
}

type ReprocessResult struct {
	Processed int      `json:"processed"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Discarded int      `json:"discarded"`
	Errors    []string `json:"errors,omitempty"`
}

// MaxRetriesFor maps event priority to the DLQ retry budget.
func MaxRetriesFor(p event.Priority) int {
	switch p {
	case event.PriorityCritical:
		return 5
	case event.PriorityHigh:
		return 3
	case event.PriorityNormal:
		return 2
	case event.PriorityLow:
		return 1
	default:
		return 2
	}
}
