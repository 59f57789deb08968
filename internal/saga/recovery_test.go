package saga_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/gyaneshwarpardhi/orchestrator/internal/saga"
)

func TestRecoverRestoresActiveSagas(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.loadFlow(t)

	f.seed(t, waiting("live", t0.Add(-time.Minute)))
	done := waiting("done", t0)
	done.Status = saga.StatusCompensated
	f.seed(t, done)
	orphan := waiting("orphan", t0)
	orphan.DefinitionID = "retired"
	f.seed(t, orphan)
	broken := waiting("broken", t0)
	broken.CurrentStep = 9
	f.seed(t, broken)

	res, err := f.m.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, &saga.RecoveryResult{Restored: 1, Skipped: 2}, res)

	again, err := f.m.Recover(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Restored)

	active := f.m.GetActiveSagas()
	require.Len(t, active, 1)
	assert.Equal(t, "live", active[0].ID)
	assert.Equal(t, "payment", active[0].StepID)
	assert.Equal(t, saga.StatusInProgress, active[0].Status)
	assert.Empty(t, f.rec.calls(), "recovery does not drive sagas")

	inst, err := f.m.ContinueSaga(ctx, "live", saga.Event{Type: saga.EventStepCompleted, StepID: "payment", Data: map[string]any{"ref": "p"}})
	require.NoError(t, err)
	assert.Equal(t, saga.StatusCompleted, inst.Status)
	assert.Empty(t, f.m.GetActiveSagas())
}

func TestRecoveredCompensationSkipsFinishedSteps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.loadFlow(t)

	in := waiting("c-1", t0)
	in.Status = saga.StatusCompensating
	in.CurrentStep = 2
	in.Context.StepResults["payment"] = saga.StepResult{StepID: "payment", Status: saga.StepCompleted, Attempts: 1, CompletedAt: t0}
	in.Context.CompensationData = map[string]saga.CompensationRecord{
		"payment": {Compensated: true, Attempts: 1, At: t0},
	}
	f.seed(t, in)

	res, err := f.m.Recover(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Restored)

	_, err = f.m.ContinueSaga(ctx, "c-1", saga.Event{Type: saga.EventStepCompleted, StepID: "confirm"})
	assert.ErrorContains(t, err, "compensating")

	comp, err := f.m.CompensateSaga(ctx, "c-1")
	require.NoError(t, err)
	assert.Equal(t, saga.CompensationSuccess, comp.Status)
	assert.Equal(t, []string{"payment", "reserve"}, comp.Compensated)
	assert.Equal(t, []string{"release"}, f.rec.calls(), "void_payment already ran before the restart")
	assert.Equal(t, saga.StatusCompensated, f.stored(t, "c-1").Status)
}

func TestCheckHeartbeatsFlagsStaleSagas(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.loadFlow(t)

	f.seed(t, waiting("old", t0.Add(-10*time.Minute)))
	f.seed(t, waiting("fresh", t0.Add(-time.Minute)))
	_, err := f.m.Recover(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"old"}, f.m.CheckHeartbeats(ctx))
	assert.Equal(t, []string{"old"}, f.m.CheckHeartbeats(ctx), "flag persists until the saga moves")

	for _, a := range f.m.GetActiveSagas() {
		assert.Equal(t, a.ID == "old", a.Stale, a.ID)
	}
	m := f.m.GetSagaMetrics()
	assert.Equal(t, 2, m.Active)
	assert.Equal(t, 1, m.Stale)
	assert.Equal(t, 2, m.ByStatus[saga.StatusInProgress])

	raw, ok, err := f.notify.ReadOnce(ctx, "sagas/active/old")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, gjson.GetBytes(raw, "stale").Bool())

	// Stale sagas are reported, never compensated on their own.
	assert.Empty(t, f.rec.calls())
	assert.Equal(t, saga.StatusInProgress, f.stored(t, "old").Status)

	_, err = f.m.ContinueSaga(ctx, "old", saga.Event{Type: saga.EventSagaCompleted})
	require.NoError(t, err)
	assert.Empty(t, f.m.CheckHeartbeats(ctx))
}
