package event_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/orchestrator/internal/event"
)

func validEvent() *event.Event {
	return &event.Event{
		ID:            "evt-1",
		Type:          "credits.deducted",
		Data:          json.RawMessage(`{"userId":"u1","amount":50}`),
		Timestamp:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		CorrelationID: "corr-1",
		Metadata:      &event.Metadata{Source: "test", Environment: "test", Priority: event.PriorityHigh},
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name  string
		mut   func(e *event.Event)
		field string
	}{
		{"missing id", func(e *event.Event) { e.ID = "" }, "id"},
		{"missing type", func(e *event.Event) { e.Type = "" }, "type"},
		{"missing timestamp", func(e *event.Event) { e.Timestamp = time.Time{} }, "timestamp"},
		{"missing correlation", func(e *event.Event) { e.CorrelationID = "" }, "correlationId"},
		{"missing metadata", func(e *event.Event) { e.Metadata = nil }, "metadata"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev := validEvent()
			tc.mut(ev)
			err := ev.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, event.ErrValidation))
			var ve *event.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tc.field, ve.Field)
		})
	}
	require.NoError(t, validEvent().Validate())
}

func TestWireShape(t *testing.T) {
	raw, err := json.Marshal(validEvent())
	require.NoError(t, err)

	var shape map[string]any
	require.NoError(t, json.Unmarshal(raw, &shape))
	for _, k := range []string{"id", "type", "data", "timestamp", "correlationId", "metadata"} {
		assert.Contains(t, shape, k)
	}
	meta := shape["metadata"].(map[string]any)
	assert.Equal(t, "HIGH", meta["priority"])
}

func TestNewAndDataAs(t *testing.T) {
	type payload struct {
		UserID string `json:"userId"`
		Amount int    `json:"amount"`
	}
	ev, err := event.New("credits.deducted", payload{UserID: "u1", Amount: 50}, "corr", event.Metadata{Source: "svc"})
	require.NoError(t, err)
	require.NoError(t, ev.Validate())
	assert.Equal(t, event.PriorityNormal, ev.Priority())

	got, err := event.DataAs[payload](ev)
	require.NoError(t, err)
	assert.Equal(t, payload{UserID: "u1", Amount: 50}, got)
}

func TestPaths(t *testing.T) {
	assert.Equal(t, "events/x/1", event.Path("x", "1"))
	assert.Equal(t, "events/x", event.TypePath("x"))
}
