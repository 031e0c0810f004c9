package board

import "github.com/ilyrer/ImmoNow-sub004/domain"

// Store is the in-memory task collection for one open board: id-keyed
// records plus a stable insertion order that views and rollbacks rely
// on. It is not synchronized; the owning engine serializes access.
// Records are cloned on the way in and out, so callers never alias
// store state.
type Store struct {
	order []string
	byID  map[string]domain.Task
}

// NewStore seeds a store from the given tasks, preserving their order.
// Later duplicates of an id are dropped.
func NewStore(tasks []domain.Task) *Store {
	s := &Store{byID: make(map[string]domain.Task, len(tasks))}
	for _, t := range tasks {
		s.Insert(t)
	}
	return s
}

// Len returns the number of stored tasks.
func (s *Store) Len() int { return len(s.order) }

// Get returns a copy of the task with the given id.
func (s *Store) Get(id string) (domain.Task, bool) {
	t, ok := s.byID[id]
	if !ok {
		return domain.Task{}, false
	}
	return t.Clone(), true
}

// List returns copies of all tasks in store order.
func (s *Store) List() []domain.Task {
	out := make([]domain.Task, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id].Clone())
	}
	return out
}

// IndexOf returns the position of the id in store order, or -1.
func (s *Store) IndexOf(id string) int {
	for i, v := range s.order {
		if v == id {
			return i
		}
	}
	return -1
}

// Insert appends the task. It reports false when the id already
// exists, leaving the store unchanged.
func (s *Store) Insert(t domain.Task) bool {
	if _, dup := s.byID[t.ID]; dup {
		return false
	}
	s.byID[t.ID] = t.Clone()
	s.order = append(s.order, t.ID)
	return true
}

// InsertAt inserts the task at the given position, clamping to the
// valid range. Used by delete rollback to restore the prior position.
func (s *Store) InsertAt(t domain.Task, pos int) bool {
	if _, dup := s.byID[t.ID]; dup {
		return false
	}
	if pos < 0 {
		pos = 0
	}
	if pos > len(s.order) {
		pos = len(s.order)
	}
	s.byID[t.ID] = t.Clone()
	s.order = append(s.order, "")
	copy(s.order[pos+1:], s.order[pos:])
	s.order[pos] = t.ID
	return true
}

// Replace swaps the stored record for the task's id, keeping its
// position. It reports false when the id is unknown.
func (s *Store) Replace(t domain.Task) bool {
	if _, ok := s.byID[t.ID]; !ok {
		return false
	}
	s.byID[t.ID] = t.Clone()
	return true
}

// Rename replaces the record stored under oldID with the given task,
// re-keying it at the same position. This is how a temporary local id
// gives way to the server-assigned one without a duplicate record.
func (s *Store) Rename(oldID string, t domain.Task) bool {
	if _, ok := s.byID[oldID]; !ok {
		return false
	}
	if oldID != t.ID {
		if _, clash := s.byID[t.ID]; clash {
			return false
		}
		delete(s.byID, oldID)
		for i, v := range s.order {
			if v == oldID {
				s.order[i] = t.ID
				break
			}
		}
	}
	s.byID[t.ID] = t.Clone()
	return true
}

// Remove deletes the task, returning the removed record and the
// position it held.
func (s *Store) Remove(id string) (domain.Task, int, bool) {
	t, ok := s.byID[id]
	if !ok {
		return domain.Task{}, -1, false
	}
	pos := s.IndexOf(id)
	delete(s.byID, id)
	s.order = append(s.order[:pos], s.order[pos+1:]...)
	return t.Clone(), pos, true
}
