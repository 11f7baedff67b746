package task

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lodestar-ai/lodestar/runtime/agent/telemetry"
)

type (
	// Manager owns the authoritative in-memory task map and writes every
	// change through to the store. Mutations serialize on a per-manager
	// mutex; storage failures revert the in-memory state and propagate.
	// Listeners are notified outside the critical section.
	Manager struct {
		store  Store
		logger telemetry.Logger
		now    func() time.Time

		mu      sync.Mutex
		tasks   map[string]*Task
		subs    map[string]map[int]Listener
		allSubs map[int]Listener
		nextSub int
	}

	// ManagerOptions configures a Manager.
	ManagerOptions struct {
		// Store receives every task write. Required.
		Store Store
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
	}

	// Listener observes task snapshots after successful updates.
	Listener func(t *Task)

	// CreateRequest carries the caller-supplied fields of a new task.
	CreateRequest struct {
		Name          string
		Description   string
		ParentID      string
		Dependencies  []string
		AssignedTools []string
		Metadata      map[string]any
		// Status defaults to StatusPending.
		Status Status
	}
)

// NewManager builds a Manager over the given store.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("store is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Manager{
		store:   opts.Store,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
		tasks:   make(map[string]*Task),
		subs:    make(map[string]map[int]Listener),
		allSubs: make(map[int]Listener),
	}, nil
}

// Create assigns an id, records the task, and appends it to its parent's
// subtasks when ParentID is set. Both tasks persist before Create returns; a
// storage failure reverts the in-memory state.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	status := req.Status
	if status == "" {
		status = StatusPending
	}
	t := &Task{
		ID:            uuid.NewString(),
		Name:          req.Name,
		Description:   req.Description,
		Status:        status,
		StartTime:     m.now(),
		ParentID:      req.ParentID,
		Dependencies:  append([]string(nil), req.Dependencies...),
		AssignedTools: append([]string(nil), req.AssignedTools...),
		Metadata:      req.Metadata,
	}

	m.mu.Lock()
	var parentBackup *Task
	if req.ParentID != "" {
		parent, ok := m.tasks[req.ParentID]
		if !ok {
			m.mu.Unlock()
			return nil, fmt.Errorf("parent %s: %w", req.ParentID, ErrNotFound)
		}
		parentBackup = parent
		updated := parent.Clone()
		updated.Subtasks = append(updated.Subtasks, t.ID)
		m.tasks[req.ParentID] = updated
	}
	m.tasks[t.ID] = t

	if err := m.store.Put(ctx, t.Clone()); err != nil {
		m.revertCreateLocked(t.ID, parentBackup)
		m.mu.Unlock()
		return nil, fmt.Errorf("persist task %s: %w", t.ID, err)
	}
	if parentBackup != nil {
		if err := m.store.Put(ctx, m.tasks[req.ParentID].Clone()); err != nil {
			m.revertCreateLocked(t.ID, parentBackup)
			m.mu.Unlock()
			return nil, fmt.Errorf("persist parent %s: %w", req.ParentID, err)
		}
	}
	snapshot := t.Clone()
	var parentSnapshot *Task
	var parentListeners []Listener
	if parentBackup != nil {
		parentSnapshot = m.tasks[req.ParentID].Clone()
		parentListeners = m.listenersLocked(req.ParentID)
	}
	created := m.listenersLocked(t.ID)
	m.mu.Unlock()

	for _, l := range created {
		l(snapshot)
	}
	for _, l := range parentListeners {
		l(parentSnapshot)
	}
	return snapshot, nil
}

func (m *Manager) revertCreateLocked(id string, parentBackup *Task) {
	delete(m.tasks, id)
	if parentBackup != nil {
		m.tasks[parentBackup.ID] = parentBackup
	}
}

// Get returns a snapshot of the task.
func (m *Manager) Get(id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

// Subtasks returns snapshots of the parent's children in creation order.
func (m *Manager) Subtasks(parentID string) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parent, ok := m.tasks[parentID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", parentID, ErrNotFound)
	}
	out := make([]*Task, 0, len(parent.Subtasks))
	for _, id := range parent.Subtasks {
		if child, ok := m.tasks[id]; ok {
			out = append(out, child.Clone())
		}
	}
	return out, nil
}

// ByStatus returns snapshots of every task in the given status, ordered by
// start time then id.
func (m *Manager) ByStatus(status Status) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Task
	for _, t := range m.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// Update applies mutate to a copy of the task, persists it, and installs it
// as the new authoritative state. On storage failure the in-memory state is
// reverted and the error propagated. Listeners observe the new snapshot.
func (m *Manager) Update(ctx context.Context, id string, mutate func(*Task)) (*Task, error) {
	m.mu.Lock()
	cur, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	next := cur.Clone()
	mutate(next)
	next.ID = cur.ID
	next.ParentID = cur.ParentID
	next.StartTime = cur.StartTime
	m.tasks[id] = next

	if err := m.store.Put(ctx, next.Clone()); err != nil {
		m.tasks[id] = cur
		m.mu.Unlock()
		return nil, fmt.Errorf("persist task %s: %w", id, err)
	}
	snapshot := next.Clone()
	listeners := m.listenersLocked(id)
	m.mu.Unlock()

	for _, l := range listeners {
		l(snapshot)
	}
	return snapshot, nil
}

// SetStatus updates the status and, optionally, progress. Terminal statuses
// set end_time and force progress to 1 unless one was supplied.
func (m *Manager) SetStatus(ctx context.Context, id string, status Status, progress *float64) (*Task, error) {
	return m.Update(ctx, id, func(t *Task) {
		t.Status = status
		if progress != nil {
			t.Progress = *progress
		}
		if status.Terminal() {
			end := m.now()
			t.EndTime = &end
			if progress == nil {
				t.Progress = 1
			}
		}
	})
}

// Complete marks the task completed with the given result.
func (m *Manager) Complete(ctx context.Context, id string, result any) (*Task, error) {
	return m.Update(ctx, id, func(t *Task) {
		t.Status = StatusCompleted
		t.Result = result
		t.Progress = 1
		end := m.now()
		t.EndTime = &end
	})
}

// Fail marks the task failed with the given error detail.
func (m *Manager) Fail(ctx context.Context, id string, taskErr string) (*Task, error) {
	return m.Update(ctx, id, func(t *Task) {
		t.Status = StatusFailed
		t.Error = taskErr
		t.Progress = 1
		end := m.now()
		t.EndTime = &end
	})
}

// Subscribe registers fn for updates to the given task id and returns an
// unsubscribe function.
func (m *Manager) Subscribe(id string, fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	key := m.nextSub
	if m.subs[id] == nil {
		m.subs[id] = make(map[int]Listener)
	}
	m.subs[id][key] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs[id], key)
	}
}

// SubscribeAll registers fn for updates to every task and returns an
// unsubscribe function.
func (m *Manager) SubscribeAll(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSub++
	key := m.nextSub
	m.allSubs[key] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.allSubs, key)
	}
}

// Delete removes the task. When the task has a parent, the parent's subtasks
// list is updated and persisted first; if the subsequent task deletion fails,
// the parent change is reverted in memory and the error returned. Deleting an
// unknown id is a no-op.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return nil
	}

	var parentBackup *Task
	if t.ParentID != "" {
		if parent, ok := m.tasks[t.ParentID]; ok {
			parentBackup = parent
			updated := parent.Clone()
			updated.Subtasks = removeString(updated.Subtasks, id)
			m.tasks[t.ParentID] = updated
			if err := m.store.Put(ctx, updated.Clone()); err != nil {
				m.tasks[t.ParentID] = parentBackup
				m.mu.Unlock()
				return fmt.Errorf("persist parent %s: %w", t.ParentID, err)
			}
		}
	}

	delete(m.tasks, id)
	if err := m.store.Delete(ctx, id); err != nil {
		m.tasks[id] = t
		if parentBackup != nil {
			m.tasks[parentBackup.ID] = parentBackup
		}
		m.mu.Unlock()
		return fmt.Errorf("delete task %s: %w", id, err)
	}

	var parentSnapshot *Task
	var parentListeners []Listener
	if parentBackup != nil {
		parentSnapshot = m.tasks[parentBackup.ID].Clone()
		parentListeners = m.listenersLocked(parentBackup.ID)
	}
	m.mu.Unlock()

	for _, l := range parentListeners {
		l(parentSnapshot)
	}
	return nil
}

// listenersLocked collects the listeners interested in id. Callers hold mu.
func (m *Manager) listenersLocked(id string) []Listener {
	out := make([]Listener, 0, len(m.subs[id])+len(m.allSubs))
	for _, l := range m.subs[id] {
		out = append(out, l)
	}
	for _, l := range m.allSubs {
		out = append(out, l)
	}
	return out
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
