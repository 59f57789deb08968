// Package saga runs multi-step workflows whose completed steps are undone in
// reverse order when a later step fails.
package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gyaneshwarpardhi/orchestrator/internal/action"
	"github.com/gyaneshwarpardhi/orchestrator/internal/bus"
	"github.com/gyaneshwarpardhi/orchestrator/internal/event"
	"github.com/gyaneshwarpardhi/orchestrator/internal/logger"
	"github.com/gyaneshwarpardhi/orchestrator/internal/metrics"
	"github.com/gyaneshwarpardhi/orchestrator/internal/notify"
	"github.com/gyaneshwarpardhi/orchestrator/internal/schedule"
	"github.com/gyaneshwarpardhi/orchestrator/internal/store"
)

const (
	Collection = "sagas"

	EventCompleted   = "saga.completed"
	EventCompensated = "saga.compensated"
	EventFailed      = "saga.failed"
)

type Config struct {
	HeartbeatInterval time.Duration
	// StaleAfter is how long an active saga may go without a state change
	// before the heartbeat flags it.
	StaleAfter time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 5 * time.Minute
	}
	return c
}

// Publisher emits lifecycle events. *bus.Bus satisfies it.
type Publisher interface {
	Emit(ctx context.Context, typ string, data any, correlationID string, priority event.Priority) (*bus.PublishResult, error)
}

type Dependencies struct {
	Store  store.Store
	Notify notify.Channel
	// Actions runs forward steps, Compensations runs their undo actions.
	Actions       *action.Registry
	Compensations *action.Registry
	Definitions   *Definitions
	Publisher     Publisher
	Logger        zerolog.Logger
	Metrics       *metrics.Recorder
	Now           func() time.Time
}

// run is a saga held in memory. Only the caller that set busy may touch
// inst; everybody else reads view under Manager.mu.
type run struct {
	inst *Instance
	def  *Definition
	busy bool
	view ActiveSaga
}

type Manager struct {
	cfg           Config
	store         store.Store
	notify        notify.Channel
	actions       *action.Registry
	compensations *action.Registry
	publisher     Publisher
	logger        zerolog.Logger
	metrics       *metrics.Recorder
	now           func() time.Time
	defs          atomic.Pointer[Definitions]

	mu     sync.Mutex
	active map[string]*run
	totals Metrics
	closed bool
	wg     sync.WaitGroup
}

func New(cfg Config, deps Dependencies) (*Manager, error) {
	if deps.Store == nil {
		return nil, errors.New("saga: store is required")
	}
	if deps.Notify == nil {
		return nil, errors.New("saga: notify channel is required")
	}
	if deps.Actions == nil {
		deps.Actions = action.NewRegistry()
	}
	if deps.Compensations == nil {
		deps.Compensations = action.NewRegistry()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	m := &Manager{
		cfg:           cfg.withDefaults(),
		store:         deps.Store,
		notify:        deps.Notify,
		actions:       deps.Actions,
		compensations: deps.Compensations,
		publisher:     deps.Publisher,
		logger:        logger.OrNop(deps.Logger).With().Str("component", "saga").Logger(),
		metrics:       deps.Metrics,
		now:           deps.Now,
		active:        make(map[string]*run),
	}
	defs := deps.Definitions
	if defs == nil {
		defs = &Definitions{byID: map[string]*Definition{}}
	}
	m.defs.Store(defs)
	return m, nil
}

// Start registers the heartbeat sweep on r.
func (m *Manager) Start(r *schedule.Runner) error {
	return r.Every("saga.heartbeat", m.cfg.HeartbeatInterval, func(ctx context.Context) {
		m.CheckHeartbeats(ctx)
	})
}

// SetDefinitions swaps the definition set used by sagas started from now on.
// Sagas already in memory keep the definition they were loaded with.
func (m *Manager) SetDefinitions(d *Definitions) {
	m.defs.Store(d)
	m.logger.Info().Strs("definitions", d.IDs()).Msg("saga: definitions replaced")
}

func (m *Manager) Definitions() *Definitions { return m.defs.Load() }

// Shutdown rejects new work and waits for sagas currently being driven.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("saga: shutdown: %w", ctx.Err())
	}
}

// StartSaga creates an instance of the definition, persists it and drives
// it synchronously until it completes, is compensated or fails. Step
// failures are reported through the returned instance; an error is only
// returned when the saga could not be created.
func (m *Manager) StartSaga(ctx context.Context, definitionID string, variables map[string]any, correlationID string) (*Instance, error) {
	def, ok := m.defs.Load().Get(definitionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDefinition, definitionID)
	}

	now := m.now().UTC()
	id := uuid.NewString()
	if correlationID == "" {
		correlationID = id
	}
	vars := make(map[string]any, len(variables))
	for k, v := range variables {
		vars[k] = v
	}
	inst := &Instance{
		ID:           id,
		DefinitionID: def.ID,
		Status:       StatusStarted,
		Context: Context{
			CorrelationID:    correlationID,
			Variables:        vars,
			StepResults:      map[string]StepResult{},
			CompensationData: map[string]CompensationRecord{},
		},
		StartedAt:     now,
		UpdatedAt:     now,
		CorrelationID: correlationID,
	}

	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	if err := m.store.Put(ctx, Collection, id, inst); err != nil {
		return nil, fmt.Errorf("saga: persist new saga: %w", err)
	}

	r := &run{inst: inst, def: def, busy: true}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	m.active[id] = r
	m.totals.Started++
	m.refreshLocked(r)
	m.wg.Add(1)
	n := len(m.active)
	m.mu.Unlock()
	defer m.release(r)

	m.metrics.SagaStarted(def.ID)
	m.metrics.SetActiveSagas(n)
	m.mirror(ctx, inst)
	m.log(inst).Info().Int("steps", len(def.Steps)).Msg("saga: started")

	m.drive(ctx, r)
	return inst.clone(), nil
}

// acquire hands the caller exclusive use of the saga, loading it from the
// store when it is not in memory.
func (m *Manager) acquire(ctx context.Context, id string) (*run, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if r, ok := m.active[id]; ok {
		if r.busy {
			m.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrBusy, id)
		}
		r.busy = true
		m.wg.Add(1)
		m.mu.Unlock()
		return r, nil
	}
	m.mu.Unlock()

	inst, err := store.GetAs[Instance](ctx, m.store, Collection, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("saga: load %s: %w", id, err)
	}
	if inst.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminal, id, inst.Status)
	}
	def, ok := m.defs.Load().Get(inst.DefinitionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s (saga %s)", ErrUnknownDefinition, inst.DefinitionID, id)
	}
	inst.ensureMaps()

	m.mu.Lock()
	if _, raced := m.active[id]; raced {
		m.mu.Unlock()
		return m.acquire(ctx, id)
	}
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	r := &run{inst: inst, def: def, busy: true}
	m.active[id] = r
	m.refreshLocked(r)
	m.wg.Add(1)
	m.mu.Unlock()
	return r, nil
}

func (m *Manager) release(r *run) {
	m.mu.Lock()
	r.busy = false
	if r.inst.Status.Terminal() {
		delete(m.active, r.inst.ID)
	}
	n := len(m.active)
	m.mu.Unlock()
	m.metrics.SetActiveSagas(n)
	m.wg.Done()
}

func (m *Manager) refreshLocked(r *run) {
	in := r.inst
	v := ActiveSaga{
		ID:            in.ID,
		DefinitionID:  in.DefinitionID,
		Status:        in.Status,
		CurrentStep:   in.CurrentStep,
		CorrelationID: in.CorrelationID,
		StartedAt:     in.StartedAt,
		UpdatedAt:     in.UpdatedAt,
	}
	if in.CurrentStep >= 0 && in.CurrentStep < len(r.def.Steps) {
		v.StepID = r.def.Steps[in.CurrentStep].ID
	}
	r.view = v
}

// save persists the instance and refreshes its in-memory summary and
// notify mirror. A store failure is logged; the run carries on.
func (m *Manager) save(ctx context.Context, r *run) {
	in := r.inst
	in.UpdatedAt = m.now().UTC()
	if err := m.store.Put(ctx, Collection, in.ID, in); err != nil {
		m.log(in).Error().Err(err).Str("status", string(in.Status)).Msg("saga: persist failed")
	}
	m.mu.Lock()
	m.refreshLocked(r)
	m.mu.Unlock()
	m.mirror(ctx, in)
}

func activePath(id string) string { return "sagas/active/" + id }

func (m *Manager) mirror(ctx context.Context, in *Instance) {
	summary := map[string]any{
		"id":            in.ID,
		"definitionId":  in.DefinitionID,
		"status":        in.Status,
		"currentStep":   in.CurrentStep,
		"correlationId": in.CorrelationID,
		"updatedAt":     in.UpdatedAt,
	}
	path := activePath(in.ID)
	if in.Status.Terminal() {
		if err := m.notify.Remove(ctx, path); err != nil {
			m.log(in).Warn().Err(err).Msg("saga: notify remove failed")
		}
		path = "sagas/" + strings.ToLower(string(in.Status)) + "/" + in.ID
	}
	if err := m.notify.Write(ctx, path, summary); err != nil {
		m.log(in).Warn().Err(err).Msg("saga: notify mirror failed")
	}
}

// finish moves the saga to a terminal status and announces it.
func (m *Manager) finish(ctx context.Context, r *run, status Status) {
	in := r.inst
	now := m.now().UTC()
	in.Status = status
	in.CompletedAt = &now
	m.save(ctx, r)

	m.mu.Lock()
	switch status {
	case StatusCompleted:
		m.totals.Completed++
	case StatusCompensated:
		m.totals.Compensated++
	case StatusFailed:
		m.totals.Failed++
	}
	m.mu.Unlock()
	m.metrics.SagaFinished(in.DefinitionID, string(status))

	typ, prio := EventFailed, event.PriorityHigh
	switch status {
	case StatusCompleted:
		typ, prio = EventCompleted, event.PriorityNormal
	case StatusCompensated:
		typ = EventCompensated
	}
	m.emit(ctx, typ, in, prio)

	l := m.log(in).Info()
	if status == StatusFailed {
		l = m.log(in).Error()
	}
	if in.Error != nil {
		l = l.Str("failed_step", in.Error.StepID).Str("error_code", in.Error.Code)
	}
	l.Str("status", string(status)).Dur("took", now.Sub(in.StartedAt)).Msg("saga: finished")
}

func (m *Manager) emit(ctx context.Context, typ string, in *Instance, p event.Priority) {
	if m.publisher == nil {
		return
	}
	data := map[string]any{
		"sagaId":         in.ID,
		"definitionId":   in.DefinitionID,
		"status":         in.Status,
		"completedSteps": len(in.Context.StepResults),
	}
	if in.Error != nil {
		data["error"] = in.Error
	}
	if in.Compensation != nil {
		data["compensation"] = in.Compensation
	}
	if _, err := m.publisher.Emit(ctx, typ, data, in.CorrelationID, p); err != nil {
		m.log(in).Warn().Err(err).Str("event_type", typ).Msg("saga: lifecycle event not published")
	}
}

func (m *Manager) log(in *Instance) *zerolog.Logger {
	l := m.logger.With().
		Str("saga_id", in.ID).
		Str("definition_id", in.DefinitionID).
		Str("correlation_id", in.CorrelationID).
		Logger()
	return &l
}

// GetActiveSagas returns summaries of every saga held in memory, oldest
// first.
func (m *Manager) GetActiveSagas() []ActiveSaga {
	m.mu.Lock()
	out := make([]ActiveSaga, 0, len(m.active))
	for _, r := range m.active {
		out = append(out, r.view)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *Manager) GetSagaMetrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.totals
	s.Active = len(m.active)
	s.ByStatus = make(map[Status]int)
	for _, r := range m.active {
		s.ByStatus[r.view.Status]++
		if r.view.Stale {
			s.Stale++
		}
	}
	return s
}

// GetSaga returns the persisted record. Every state change is saved before
// it is acted on, so this is current for active sagas too.
func (m *Manager) GetSaga(ctx context.Context, id string) (*Instance, error) {
	inst, err := store.GetAs[Instance](ctx, m.store, Collection, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("saga: load %s: %w", id, err)
	}
	return inst, nil
}

func (in *Instance) ensureMaps() {
	if in.Context.Variables == nil {
		in.Context.Variables = map[string]any{}
	}
	if in.Context.StepResults == nil {
		in.Context.StepResults = map[string]StepResult{}
	}
	if in.Context.CompensationData == nil {
		in.Context.CompensationData = map[string]CompensationRecord{}
	}
}

func (in *Instance) clone() *Instance {
	raw, err := json.Marshal(in)
	if err != nil {
		c := *in
		return &c
	}
	var c Instance
	if err := json.Unmarshal(raw, &c); err != nil {
		c = *in
	}
	return &c
}
