package domain

import "github.com/bytedance/sonic"

// ChangeOperation classifies a board change event.
type ChangeOperation string

const (
	OpCreated     ChangeOperation = "created"
	OpUpdated     ChangeOperation = "updated"
	OpMoved       ChangeOperation = "moved"
	OpDeleted     ChangeOperation = "deleted"
	OpBulkUpdated ChangeOperation = "bulk_updated"
)

// ChangeEvent is the record published after a mutation settles. It is
// what subscribers, the stream endpoints and the durable event sink
// see; Detail carries the operation payload verbatim.
type ChangeEvent struct {
	// ID doubles as the idempotency key when the event is exported.
	ID        string                 `json:"id"`
	BoardID   string                 `json:"boardId"`
	TaskID    string                 `json:"taskId,omitempty"`
	Op        ChangeOperation        `json:"op"`
	Actor     string                 `json:"actor,omitempty"`
	Timestamp int64                  `json:"timestamp"`
	Detail    sonic.NoCopyRawMessage `json:"detail,omitempty"`
}

// ChangeEnvelope wraps an event with the user who caused it, for
// transport to the durable sink.
type ChangeEnvelope struct {
	UserID string      `json:"userId"`
	Event  ChangeEvent `json:"event"`
}
