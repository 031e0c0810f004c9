package storage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ilyrer/ImmoNow-sub004/board"
	"github.com/ilyrer/ImmoNow-sub004/domain"
)

// Memory is an in-process TaskService. Boards spring into existence on
// first write; reads of unknown boards return an empty slice. All
// tasks are cloned on the way in and out, so callers can never reach
// the stored copies.
type Memory struct {
	mu     sync.RWMutex
	boards map[string]*memoryBoard
	now    func() time.Time
}

type memoryBoard struct {
	order []string
	byID  map[string]domain.Task
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		boards: make(map[string]*memoryBoard),
		now:    time.Now,
	}
}

// Seed inserts tasks directly, bypassing draft materialization. Tasks
// without an id get one assigned. Intended for development fixtures.
func (m *Memory) Seed(boardID string, tasks ...domain.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.board(boardID)
	for _, t := range tasks {
		t = t.Clone()
		if t.ID == "" {
			t.ID = uuid.NewString()
		}
		if _, exists := b.byID[t.ID]; !exists {
			b.order = append(b.order, t.ID)
		}
		b.byID[t.ID] = t
	}
}

// board returns the bucket for boardID, creating it if needed. Callers
// hold m.mu.
func (m *Memory) board(boardID string) *memoryBoard {
	b, ok := m.boards[boardID]
	if !ok {
		b = &memoryBoard{byID: make(map[string]domain.Task)}
		m.boards[boardID] = b
	}
	return b
}

func (m *Memory) ListTasks(ctx context.Context, boardID string, opts board.ListOptions) ([]domain.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.boards[boardID]
	if !ok {
		return []domain.Task{}, nil
	}
	tasks := make([]domain.Task, 0, len(b.order))
	for _, id := range b.order {
		tasks = append(tasks, b.byID[id].Clone())
	}
	return applyListOptions(tasks, opts), nil
}

func (m *Memory) CreateTask(ctx context.Context, boardID string, draft domain.TaskDraft) (domain.Task, error) {
	now := m.now().UTC()
	t := newTask(draft, now)

	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.board(boardID)
	b.order = append(b.order, t.ID)
	b.byID[t.ID] = t.Clone()
	return t, nil
}

func (m *Memory) UpdateTask(ctx context.Context, boardID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[boardID]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	cur, ok := b.byID[taskID]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	next := patched(cur, patch, now)
	b.byID[taskID] = next
	return next.Clone(), nil
}

func (m *Memory) MoveTask(ctx context.Context, boardID, taskID string, status domain.Status) (domain.Task, error) {
	return m.UpdateTask(ctx, boardID, taskID, domain.TaskPatch{Status: &status})
}

func (m *Memory) DeleteTask(ctx context.Context, boardID, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[boardID]
	if !ok {
		return domain.ErrNotFound
	}
	if _, ok := b.byID[taskID]; !ok {
		return domain.ErrNotFound
	}
	delete(b.byID, taskID)
	for i, id := range b.order {
		if id == taskID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Memory) BulkUpdateTasks(ctx context.Context, boardID string, taskIDs []string, patch domain.TaskPatch) (domain.BulkResult, error) {
	now := m.now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.boards[boardID]
	if !ok {
		b = m.board(boardID)
	}
	var res domain.BulkResult
	for _, id := range taskIDs {
		cur, ok := b.byID[id]
		if !ok {
			res.Failed = append(res.Failed, id)
			res.Errors = append(res.Errors, domain.BulkError{
				TaskID: id,
				Err:    domain.ErrNotFound,
				Detail: domain.ErrNotFound.Error(),
			})
			continue
		}
		b.byID[id] = patched(cur, patch, now)
		res.Updated = append(res.Updated, id)
	}
	return res, nil
}
