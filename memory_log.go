package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// MemoryLog is an in-memory Log for tests and single-process deployments
// that do not need crash recovery. Instances are indexed by log id, which
// increases with creation time, so scans in key order are oldest first.
type MemoryLog struct {
	mu         sync.RWMutex
	now        func() time.Time
	nextLogID  int64
	nextStepID int64
	instances  *btree.Map[int64, *Instance]
	steps      *btree.Map[int64, *StepRecord]
	stepsByLog map[int64][]int64
	bySagaID   map[string][]int64
}

// NewMemoryLog creates an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		now:        time.Now,
		instances:  btree.NewMap[int64, *Instance](16),
		steps:      btree.NewMap[int64, *StepRecord](16),
		stepsByLog: make(map[int64][]int64),
		bySagaID:   make(map[string][]int64),
	}
}

// CreateSagaLog implements Log.
func (m *MemoryLog) CreateSagaLog(_ context.Context, sagaType, sagaID string, payload Data) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextLogID++
	now := m.now()
	inst := &Instance{
		LogID:     m.nextLogID,
		SagaType:  sagaType,
		SagaID:    sagaID,
		State:     SagaStarted,
		Payload:   payload.Clone(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.instances.Set(inst.LogID, inst)
	m.bySagaID[sagaID] = append(m.bySagaID[sagaID], inst.LogID)
	return inst.LogID, nil
}

// UpdateSagaState implements Log.
func (m *MemoryLog) UpdateSagaState(_ context.Context, logID int64, state SagaState, result Data, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances.Get(logID)
	if !ok {
		return fmt.Errorf("saga log %d: %w", logID, ErrNotFound)
	}
	next, err := inst.State.nextState(state)
	if err != nil {
		return fmt.Errorf("saga log %d: %w", logID, err)
	}

	now := m.now()
	inst.State = next
	if result != nil {
		inst.Result = result.Clone()
	}
	if errorMessage != "" {
		inst.ErrorMessage = errorMessage
	}
	inst.CurrentStep++
	inst.UpdatedAt = now
	if next.IsTerminal() {
		inst.CompletedAt = &now
	}
	return nil
}

// AddSagaStep implements Log.
func (m *MemoryLog) AddSagaStep(_ context.Context, logID int64, stepName string, stepOrder int, payload Data) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances.Get(logID)
	if !ok {
		return 0, fmt.Errorf("saga log %d: %w", logID, ErrNotFound)
	}
	if inst.State.IsFinal() {
		return 0, fmt.Errorf("saga log %d: %w", logID, ErrTerminalState)
	}

	m.nextStepID++
	now := m.now()
	rec := &StepRecord{
		StepID:    m.nextStepID,
		LogID:     logID,
		StepName:  stepName,
		StepOrder: stepOrder,
		State:     StepPending,
		Payload:   payload.Clone(),
		StartedAt: now,
	}
	m.steps.Set(rec.StepID, rec)
	m.stepsByLog[logID] = append(m.stepsByLog[logID], rec.StepID)
	inst.CurrentStep++
	inst.UpdatedAt = now
	return rec.StepID, nil
}

// CompleteStep implements Log.
func (m *MemoryLog) CompleteStep(_ context.Context, stepID int64, result, compensationData Data) error {
	if compensationData == nil {
		compensationData = result
	}
	return m.updateStep(stepID, StepCompleted, func(rec *StepRecord) {
		rec.Result = result.Clone()
		rec.CompensationData = compensationData.Clone()
	})
}

// FailStep implements Log.
func (m *MemoryLog) FailStep(_ context.Context, stepID int64, errorMessage string) error {
	return m.updateStep(stepID, StepFailed, func(rec *StepRecord) {
		rec.ErrorMessage = errorMessage
	})
}

// CompensateStep implements Log.
func (m *MemoryLog) CompensateStep(_ context.Context, stepID int64, result Data) error {
	return m.updateStep(stepID, StepCompensated, func(rec *StepRecord) {
		rec.Result = result.Clone()
	})
}

func (m *MemoryLog) updateStep(stepID int64, state StepState, apply func(*StepRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.steps.Get(stepID)
	if !ok {
		return fmt.Errorf("saga step %d: %w", stepID, ErrNotFound)
	}
	inst, ok := m.instances.Get(rec.LogID)
	if !ok {
		return fmt.Errorf("saga log %d: %w", rec.LogID, ErrNotFound)
	}
	if inst.State.IsFinal() {
		return fmt.Errorf("saga log %d: %w", rec.LogID, ErrTerminalState)
	}
	next, err := rec.State.nextState(state)
	if err != nil {
		return fmt.Errorf("saga step %d: %w", stepID, err)
	}

	now := m.now()
	rec.State = next
	apply(rec)
	rec.CompletedAt = &now
	inst.CurrentStep++
	inst.UpdatedAt = now
	return nil
}

// GetSagaLog implements Log.
func (m *MemoryLog) GetSagaLog(_ context.Context, logID int64) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	inst, ok := m.instances.Get(logID)
	if !ok {
		return nil, fmt.Errorf("saga log %d: %w", logID, ErrNotFound)
	}
	return m.withSteps(inst), nil
}

// GetSagaLogBySagaID implements Log.
func (m *MemoryLog) GetSagaLogBySagaID(_ context.Context, sagaID string) (*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.bySagaID[sagaID]
	if len(ids) == 0 {
		return nil, fmt.Errorf("saga %s: %w", sagaID, ErrNotFound)
	}
	inst, _ := m.instances.Get(ids[len(ids)-1])
	return m.withSteps(inst), nil
}

// GetPendingSagas implements Log.
func (m *MemoryLog) GetPendingSagas(_ context.Context, limit int) ([]*Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Instance
	m.instances.Scan(func(_ int64, inst *Instance) bool {
		if inst.State.IsPending() {
			out = append(out, inst.clone())
		}
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

// ListSagas implements Log.
func (m *MemoryLog) ListSagas(_ context.Context, filter Filter) (*Page, error) {
	filter = filter.Normalize()

	m.mu.RLock()
	defer m.mu.RUnlock()

	page := &Page{Items: []*Instance{}, Page: filter.Page, Limit: filter.Limit}
	offset := filter.Offset()
	m.instances.Reverse(func(_ int64, inst *Instance) bool {
		if !filter.matches(inst) {
			return true
		}
		if page.Total >= offset && len(page.Items) < filter.Limit {
			page.Items = append(page.Items, inst.clone())
		}
		page.Total++
		return true
	})
	return page, nil
}

// withSteps copies inst and attaches its steps, most recent first.
func (m *MemoryLog) withSteps(inst *Instance) *Instance {
	out := inst.clone()
	for _, id := range m.stepsByLog[inst.LogID] {
		rec, _ := m.steps.Get(id)
		out.Steps = append(out.Steps, rec.clone())
	}
	sortStepsDesc(out.Steps)
	return out
}

// restore inserts a previously persisted instance, keeping id counters ahead
// of every restored id.
func (m *MemoryLog) restore(inst *Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := inst.clone()
	m.instances.Set(stored.LogID, stored)
	m.bySagaID[stored.SagaID] = append(m.bySagaID[stored.SagaID], stored.LogID)
	sort.Slice(m.bySagaID[stored.SagaID], func(a, b int) bool {
		return m.bySagaID[stored.SagaID][a] < m.bySagaID[stored.SagaID][b]
	})
	if stored.LogID > m.nextLogID {
		m.nextLogID = stored.LogID
	}
	for i := range inst.Steps {
		rec := inst.Steps[i].clone()
		m.steps.Set(rec.StepID, &rec)
		m.stepsByLog[rec.LogID] = append(m.stepsByLog[rec.LogID], rec.StepID)
		if rec.StepID > m.nextStepID {
			m.nextStepID = rec.StepID
		}
	}
}

// logIDForStep returns the parent log id of a step.
func (m *MemoryLog) logIDForStep(stepID int64) (int64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.steps.Get(stepID)
	if !ok {
		return 0, false
	}
	return rec.LogID, true
}

func sortStepsDesc(steps []StepRecord) {
	sort.SliceStable(steps, func(a, b int) bool {
		if steps[a].StepOrder != steps[b].StepOrder {
			return steps[a].StepOrder > steps[b].StepOrder
		}
		return steps[a].StepID > steps[b].StepID
	})
}
