package saga

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gyaneshwarpardhi/orchestrator/internal/store"
)

// Recover loads sagas left STARTED, IN_PROGRESS or COMPENSATING by a
// previous process back into memory. It does not drive them; they resume
// through ContinueSaga or CompensateSaga. Records that cannot be decoded or
// whose definition is unknown are logged and skipped.
func (m *Manager) Recover(ctx context.Context) (*RecoveryResult, error) {
	rows, err := m.store.Query(ctx, Collection, store.Where("status", store.OpIn,
		[]Status{StatusStarted, StatusInProgress, StatusCompensating}))
	if err != nil {
		return nil, fmt.Errorf("saga: recovery scan: %w", err)
	}

	res := &RecoveryResult{}
	defs := m.defs.Load()
	for _, raw := range rows {
		var in Instance
		if err := json.Unmarshal(raw, &in); err != nil {
			res.Skipped++
			m.logger.Warn().Err(err).Bool("anomaly", true).Msg("saga: undecodable saga skipped during recovery")
			continue
		}
		def, ok := defs.Get(in.DefinitionID)
		if !ok || in.ID == "" {
			res.Skipped++
			m.logger.Warn().Bool("anomaly", true).
				Str("saga_id", in.ID).
				Str("definition_id", in.DefinitionID).
				Msg("saga: saga with unknown definition skipped during recovery")
			continue
		}
		if in.CurrentStep < 0 || in.CurrentStep > len(def.Steps) {
			res.Skipped++
			m.logger.Warn().Bool("anomaly", true).
				Str("saga_id", in.ID).
				Int("current_step", in.CurrentStep).
				Msg("saga: saga with out of range step skipped during recovery")
			continue
		}
		in.ensureMaps()

		m.mu.Lock()
		if _, known := m.active[in.ID]; known {
			m.mu.Unlock()
			continue
		}
		inst := in
		r := &run{inst: &inst, def: def}
		m.active[in.ID] = r
		m.refreshLocked(r)
		m.mu.Unlock()
		res.Restored++
	}

	m.mu.Lock()
	n := len(m.active)
	m.mu.Unlock()
	m.metrics.SetActiveSagas(n)
	m.logger.Info().Int("restored", res.Restored).Int("skipped", res.Skipped).Msg("saga: recovery complete")
	return res, nil
}

// CheckHeartbeats flags active sagas whose last state change is older than
// StaleAfter and returns their ids. Stale sagas are only reported; nothing
// is compensated automatically.
func (m *Manager) CheckHeartbeats(ctx context.Context) []string {
	now := m.now()
	var stale, newly []ActiveSaga
	m.mu.Lock()
	for _, r := range m.active {
		if now.Sub(r.view.UpdatedAt) <= m.cfg.StaleAfter {
			continue
		}
		if !r.view.Stale {
			r.view.Stale = true
			newly = append(newly, r.view)
		}
		stale = append(stale, r.view)
	}
	m.mu.Unlock()

	for _, v := range newly {
		m.logger.Warn().
			Str("saga_id", v.ID).
			Str("definition_id", v.DefinitionID).
			Str("status", string(v.Status)).
			Str("step_id", v.StepID).
			Dur("idle", now.Sub(v.UpdatedAt)).
			Msg("saga: stale saga detected")
		if err := m.notify.Update(ctx, activePath(v.ID), map[string]any{"stale": true}); err != nil {
			m.logger.Warn().Err(err).Str("saga_id", v.ID).Msg("saga: notify update failed")
		}
	}
	m.metrics.SetStaleSagas(len(stale))

	ids := make([]string, len(stale))
	for i, v := range stale {
		ids[i] = v.ID
	}
	sort.Strings(ids)
	return ids
}
