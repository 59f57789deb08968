package saga

import (
	"errors"
	"time"

	"github.com/gyaneshwarpardhi/orchestrator/internal/condition"
	"github.com/gyaneshwarpardhi/orchestrator/internal/retry"
)

// Status is the saga state machine:
// STARTED -> IN_PROGRESS -> COMPLETED | COMPENSATING -> COMPENSATED | FAILED.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	}
	return false
}

// Action names a registered handler and the params passed to it. String
// params may reference the saga context as ${variables.x} or ${steps.id.y}.
type Action struct {
	Type   string         `yaml:"type" json:"type"`
	Params map[string]any `yaml:"params" json:"params,omitempty"`
}

type Step struct {
	ID           string                `yaml:"id" json:"id"`
	Action       Action                `yaml:"action" json:"action"`
	Compensation *Action               `yaml:"compensation" json:"compensation,omitempty"`
	Conditions   []condition.Condition `yaml:"conditions" json:"conditions,omitempty"`
	TimeoutMs    int64                 `yaml:"timeout_ms" json:"timeoutMs,omitempty"`
}

// Definition is an ordered list of steps. RetryPolicy applies to retryable
// failures of a single step or compensation; an empty policy means no retries.
type Definition struct {
	ID          string       `yaml:"id" json:"id"`
	Name        string       `yaml:"name" json:"name"`
	Steps       []Step       `yaml:"steps" json:"steps"`
	RetryPolicy retry.Policy `yaml:"retry_policy" json:"retryPolicy"`
}

func (d *Definition) step(id string) (int, *Step) {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return i, &d.Steps[i]
		}
	}
	return -1, nil
}

type StepStatus string

const (
	StepCompleted StepStatus = "COMPLETED"
	StepSkipped   StepStatus = "SKIPPED"
)

type StepResult struct {
	StepID      string         `json:"stepId"`
	Status      StepStatus     `json:"status"`
	Output      map[string]any `json:"output,omitempty"`
	Attempts    int            `json:"attempts"`
	CompletedAt time.Time      `json:"completedAt"`
}

// Context is the mutable state carried through a saga run.
type Context struct {
	CorrelationID string                `json:"correlationId"`
	Variables     map[string]any        `json:"variables"`
	StepResults   map[string]StepResult `json:"stepResults"`
	// CompensationData records, per step id, the outcome of its
	// compensation so that a re-driven compensation skips finished steps.
	CompensationData map[string]CompensationRecord `json:"compensationData"`
}

type CompensationRecord struct {
	Compensated bool      `json:"compensated"`
	Error       string    `json:"error,omitempty"`
	Attempts    int       `json:"attempts"`
	At          time.Time `json:"at"`
}

// Error describes why forward progress stopped.
type Error struct {
	StepID  string `json:"stepId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Instance is a running or finished saga and its persisted record.
type Instance struct {
	ID            string              `json:"id"`
	DefinitionID  string              `json:"definitionId"`
	Status        Status              `json:"status"`
	CurrentStep   int                 `json:"currentStep"`
	Context       Context             `json:"context"`
	StartedAt     time.Time           `json:"startedAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
	CompletedAt   *time.Time          `json:"completedAt,omitempty"`
	Error         *Error              `json:"error,omitempty"`
	Compensation  *CompensationResult `json:"compensation,omitempty"`
	CorrelationID string              `json:"correlationId"`
}

// CompletedSteps returns the ids of steps that ran to completion, in
// definition order.
func (in *Instance) CompletedSteps(def *Definition) []string {
	var out []string
	for _, s := range def.Steps {
		if r, ok := in.Context.StepResults[s.ID]; ok && r.Status == StepCompleted {
			out = append(out, s.ID)
		}
	}
	return out
}

type CompensationStatus string

const (
	CompensationSuccess CompensationStatus = "SUCCESS"
	CompensationPartial CompensationStatus = "PARTIAL"
	CompensationFailed  CompensationStatus = "FAILED"
)

type StepError struct {
	StepID  string `json:"stepId"`
	Message string `json:"message"`
}

// CompensationResult is the outcome of one compensation pass. Compensated
// lists step ids in the order their compensations ran.
type CompensationResult struct {
	SagaID      string             `json:"sagaId"`
	Status      CompensationStatus `json:"status"`
	Compensated []string           `json:"compensated"`
	Skipped     []string           `json:"skipped"`
	Errors      []StepError        `json:"errors,omitempty"`
}

// EventType drives ContinueSaga.
type EventType string

const (
	EventStepCompleted        EventType = "STEP_COMPLETED"
	EventStepFailed           EventType = "STEP_FAILED"
	EventCompensationRequired EventType = "COMPENSATION_REQUIRED"
	EventSagaCompleted        EventType = "SAGA_COMPLETED"
	EventSagaFailed           EventType = "SAGA_FAILED"
)

// Event is delivered to a saga that is waiting on an external party.
type Event struct {
	Type   EventType      `json:"type"`
	StepID string         `json:"stepId,omitempty"`
	Data   map[string]any `json:"data,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Metrics are in-process counters since the manager was built.
type Metrics struct {
	Active      int            `json:"active"`
	Stale       int            `json:"stale"`
	Started     uint64         `json:"started"`
	Completed   uint64         `json:"completed"`
	Compensated uint64         `json:"compensated"`
	Failed      uint64         `json:"failed"`
	ByStatus    map[Status]int `json:"byStatus"`
}

// ActiveSaga is a read-only summary of a saga held in memory.
type ActiveSaga struct {
	ID            string    `json:"id"`
	DefinitionID  string    `json:"definitionId"`
	Status        Status    `json:"status"`
	CurrentStep   int       `json:"currentStep"`
	StepID        string    `json:"stepId,omitempty"`
	CorrelationID string    `json:"correlationId"`
	StartedAt     time.Time `json:"startedAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Stale         bool      `json:"stale"`
}

type RecoveryResult struct {
	Restored int `json:"restored"`
	Skipped  int `json:"skipped"`
}

var (
	ErrUnknownDefinition = errors.New("saga: unknown definition")
	ErrNotFound          = errors.New("saga: not found")
	// ErrBusy is returned when another caller is currently driving the saga.
	ErrBusy     = errors.New("saga: busy")
	ErrTerminal = errors.New("saga: already finished")
	ErrClosed   = errors.New("saga: manager closed")
)
