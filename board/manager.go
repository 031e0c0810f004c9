package board

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ilyrer/ImmoNow-sub004/domain"
)

// ManagerOptions configures the session manager shared by every board.
type ManagerOptions struct {
	Boards  map[string]domain.Board
	Service TaskService
	Sink    EventSink
	Policy  TerminalPolicy
	Logger  *log.Logger
	Now     func() time.Time
}

// Manager owns the engine lifecycle: an engine is opened on first use
// of its board and lives until the board is closed. Lookups for open
// boards are cheap; the first caller pays the hydration fetch.
type Manager struct {
	opts ManagerOptions

	mu      sync.Mutex
	entries map[string]*managerEntry
}

type managerEntry struct {
	once   sync.Once
	engine *Engine
	err    error
}

func NewManager(opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	return &Manager{opts: opts, entries: make(map[string]*managerEntry)}
}

// Engine returns the open engine for the board, opening it on first
// use. A failed open is not cached; the next caller retries.
func (m *Manager) Engine(ctx context.Context, boardID string) (*Engine, error) {
	b, ok := m.opts.Boards[boardID]
	if !ok {
		return nil, ErrUnknownBoard
	}

	m.mu.Lock()
	entry := m.entries[boardID]
	if entry == nil {
		entry = &managerEntry{}
		m.entries[boardID] = entry
	}
	m.mu.Unlock()

	entry.once.Do(func() {
		entry.engine, entry.err = Open(ctx, Options{
			Board:   b,
			Service: m.opts.Service,
			Sink:    m.opts.Sink,
			Policy:  m.opts.Policy,
			Logger:  m.opts.Logger,
			Now:     m.opts.Now,
		})
		if entry.err != nil {
			m.mu.Lock()
			if m.entries[boardID] == entry {
				delete(m.entries, boardID)
			}
			m.mu.Unlock()
		}
	})
	return entry.engine, entry.err
}

// Close shuts the board's engine down and forgets it. It reports
// whether an open engine existed.
func (m *Manager) Close(boardID string) bool {
	m.mu.Lock()
	entry := m.entries[boardID]
	delete(m.entries, boardID)
	m.mu.Unlock()
	if entry == nil || entry.engine == nil {
		return false
	}
	entry.engine.Close()
	return true
}

// CloseAll closes every open engine. Used at shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	entries := make([]*managerEntry, 0, len(m.entries))
	for id, entry := range m.entries {
		entries = append(entries, entry)
		delete(m.entries, id)
	}
	m.mu.Unlock()
	for _, entry := range entries {
		if entry.engine != nil {
			entry.engine.Close()
		}
	}
}
