package api

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/ilyrer/ImmoNow-sub004/board"
)

// BoardSource hands out live engines by board id. board.Manager is the
// production implementation.
type BoardSource interface {
	Engine(ctx context.Context, boardID string) (*board.Engine, error)
	Close(boardID string) bool
}

// Authenticator is implemented by types able to map Authorization
// headers to actor ids.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents replays of mutating requests.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the mutation fails
	// so the caller may retry.
	Remove(ctx context.Context, userID, key string) error
}

// Options bundles the collaborators the HTTP surface needs. Deduper is
// optional; without it idempotency keys are accepted and ignored.
type Options struct {
	Boards  BoardSource
	Auth    Authenticator
	Deduper Deduper
	Logger  *log.Logger
}
