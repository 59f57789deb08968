package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Priority ranks how urgently a failed event must be redelivered.
type Priority string

const (
	PriorityLow      Priority = "LOW"
	PriorityNormal   Priority = "NORMAL"
	PriorityHigh     Priority = "HIGH"
	PriorityCritical Priority = "CRITICAL"
)

// Metadata describes where an event came from and how to trace it.
type Metadata struct {
	Source      string   `json:"source"`
	Environment string   `json:"environment"`
	TraceID     string   `json:"traceId,omitempty"`
	SpanID      string   `json:"spanId,omitempty"`
	Priority    Priority `json:"priority"`
}

// Event is the canonical published event. It is immutable once published and
// this JSON shape is what consumers read from events/{type}/{id}.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data"`
	Timestamp     time.Time       `json:"timestamp"`
	CorrelationID string          `json:"correlationId"`
	Metadata      *Metadata       `json:"metadata"`
}

// ErrValidation is matched by every ValidationError.
var ErrValidation = errors.New("event validation failed")

// ValidationError reports the first missing required field.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event: %s is required", e.Field)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validate checks the fields every published event must carry.
func (e *Event) Validate() error {
	switch {
	case e == nil:
		return &ValidationError{Field: "event"}
	case e.ID == "":
		return &ValidationError{Field: "id"}
	case e.Type == "":
		return &ValidationError{Field: "type"}
	case e.Timestamp.IsZero():
		return &ValidationError{Field: "timestamp"}
	case e.CorrelationID == "":
		return &ValidationError{Field: "correlationId"}
	case e.Metadata == nil:
		return &ValidationError{Field: "metadata"}
	}
	return nil
}

// Priority returns the metadata priority, NORMAL when unset.
func (e *Event) Priority() Priority {
	if e.Metadata == nil || e.Metadata.Priority == "" {
		return PriorityNormal
	}
	return e.Metadata.Priority
}

// New builds a publishable event with a fresh id and the current time.
func New(typ string, data any, correlationID string, meta Metadata) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("event: encode %s data: %w", typ, err)
	}
	if meta.Priority == "" {
		meta.Priority = PriorityNormal
	}
	return &Event{
		ID:            uuid.NewString(),
		Type:          typ,
		Data:          raw,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
		Metadata:      &meta,
	}, nil
}

// DataAs decodes the event payload into T.
func DataAs[T any](e *Event) (T, error) {
	var out T
	if len(e.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(e.Data, &out); err != nil {
		return out, fmt.Errorf("event %s: decode data: %w", e.ID, err)
	}
	return out, nil
}

// Path is the notify channel location of an event.
func Path(typ, id string) string {
	return "events/" + typ + "/" + id
}

// TypePath is the notify channel location listened to for a type.
func TypePath(typ string) string {
	return "events/" + typ
}
