package board

import (
	"fmt"

	"github.com/ilyrer/ImmoNow-sub004/domain"
)

// TerminalPolicy decides what happens when a task carrying an
// unresolved block marker is moved into a terminal column.
type TerminalPolicy string

const (
	// BlockOnTerminal rejects the move with reason "blocked".
	BlockOnTerminal TerminalPolicy = "block"
	// WarnOnTerminal allows the move but attaches a warning.
	WarnOnTerminal TerminalPolicy = "warn"
)

// Decision is the outcome of a transition check. When Allowed is
// false, Reason carries one of the domain validation reasons. Warning
// is set when a policy downgraded a rejection to advice.
type Decision struct {
	Allowed bool
	Reason  string
	Detail  string
	Warning string
}

// Err converts a denial into the validation error surfaced to callers.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.ValidationError{Reason: d.Reason, Detail: d.Detail}
}

// Rules is the transition validator for one board.
type Rules struct {
	Board  domain.Board
	Policy TerminalPolicy
}

// CanTransition decides whether the task may move to the given status.
// Checks run in a fixed order against the supplied task snapshot:
//
//  1. WIP ceiling on the target column, counting display buckets and
//     excluding the task itself if already bucketed there. force
//     bypasses this check only.
//  2. The target column's allow-from set, matched against the task's
//     literal status and its display column.
//  3. Terminal entry with an unresolved block marker, governed by the
//     terminal policy.
//
// The check is pure: no store mutation, no persistence call.
func (r Rules) CanTransition(t domain.Task, to domain.Status, force bool, tasks []domain.Task) Decision {
	toCol, ok := r.Board.ColumnFor(to)
	if !ok {
		return Decision{
			Reason: domain.ReasonTransitionNotAllowed,
			Detail: fmt.Sprintf("status %q does not resolve to a column on board %s", to, r.Board.ID),
		}
	}

	if toCol.Limited() && !force {
		occupancy := 0
		for _, other := range tasks {
			if other.ID == t.ID {
				continue
			}
			if col, ok := r.Board.ColumnFor(other.Status); ok && col.ID == toCol.ID {
				occupancy++
			}
		}
		if occupancy >= toCol.WIPLimit {
			return Decision{
				Reason: domain.ReasonWIPLimitExceeded,
				Detail: fmt.Sprintf("column %s holds %d of %d tasks", toCol.ID, occupancy, toCol.WIPLimit),
			}
		}
	}

	if len(toCol.AllowFrom) > 0 && !r.allowedFrom(toCol, t.Status) {
		return Decision{
			Reason: domain.ReasonTransitionNotAllowed,
			Detail: fmt.Sprintf("column %s does not accept tasks from %s", toCol.ID, t.Status),
		}
	}

	if toCol.Terminal && (t.Blocked != nil || t.Status == domain.StatusBlocked) {
		reason := "task is blocked"
		if t.Blocked != nil && t.Blocked.Reason != "" {
			reason = t.Blocked.Reason
		}
		if r.Policy == WarnOnTerminal {
			return Decision{
				Allowed: true,
				Warning: fmt.Sprintf("completing a blocked task: %s", reason),
			}
		}
		return Decision{
			Reason: domain.ReasonBlocked,
			Detail: fmt.Sprintf("cannot enter terminal column %s: %s", toCol.ID, reason),
		}
	}

	return Decision{Allowed: true}
}

func (r Rules) allowedFrom(toCol domain.Column, from domain.Status) bool {
	fromCol, hasCol := r.Board.ColumnFor(from)
	for _, s := range toCol.AllowFrom {
		if s == from {
			return true
		}
		if hasCol && s == fromCol.ID {
			return true
		}
	}
	return false
}
