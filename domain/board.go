package domain

import (
	"fmt"
	"math"
)

// Column is one visible lane of a board. AllowFrom, when non-empty,
// restricts which statuses may transition into the column.
type Column struct {
	ID        Status   `json:"id" yaml:"id"`
	Name      string   `json:"name" yaml:"name"`
	Rank      int      `json:"rank" yaml:"rank"`
	WIPLimit  int      `json:"wipLimit,omitempty" yaml:"wipLimit"`
	Terminal  bool     `json:"terminal,omitempty" yaml:"terminal"`
	AllowFrom []Status `json:"allowFrom,omitempty" yaml:"allowFrom"`
}

// Limited reports whether the column enforces a WIP ceiling.
func (c Column) Limited() bool { return c.WIPLimit > 0 }

// NearLimitThreshold is the occupancy at which a limited column is
// considered close to its ceiling, rounded up.
func (c Column) NearLimitThreshold() int {
	if !c.Limited() {
		return 0
	}
	return int(math.Ceil(float64(c.WIPLimit) * 0.8))
}

// Board is a named column layout plus the mapping that folds reserved
// statuses into visible columns. Columns are kept in rank order.
type Board struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name" yaml:"name"`
	Columns   []Column          `json:"columns" yaml:"columns"`
	StatusMap map[Status]Status `json:"statusMap,omitempty" yaml:"statusMap"`
}

// ColumnFor resolves a task status to the visible column it is
// displayed in, following the status mapping for reserved statuses.
// The second return is false when the status resolves to no column.
func (b Board) ColumnFor(s Status) (Column, bool) {
	target := s
	if mapped, ok := b.StatusMap[s]; ok {
		target = mapped
	}
	for _, col := range b.Columns {
		if col.ID == target {
			return col, true
		}
	}
	return Column{}, false
}

// Column returns the column with the given id, without applying the
// status mapping.
func (b Board) Column(id Status) (Column, bool) {
	for _, col := range b.Columns {
		if col.ID == id {
			return col, true
		}
	}
	return Column{}, false
}

// Statuses returns every status the board accepts: the column ids plus
// all mapped reserved statuses.
func (b Board) Statuses() []Status {
	out := make([]Status, 0, len(b.Columns)+len(b.StatusMap))
	for _, col := range b.Columns {
		out = append(out, col.ID)
	}
	for s := range b.StatusMap {
		out = append(out, s)
	}
	return out
}

// Accepts reports whether the status resolves to a column on the board.
func (b Board) Accepts(s Status) bool {
	_, ok := b.ColumnFor(s)
	return ok
}

// Validate checks the board layout for internal consistency: at least
// one column, unique column ids, non-negative limits, mapping targets
// and AllowFrom sources that exist on the board.
func (b Board) Validate() error {
	if b.ID == "" {
		return fmt.Errorf("board id is required: %w", ErrInvalidBoard)
	}
	if len(b.Columns) == 0 {
		return fmt.Errorf("board %s has no columns: %w", b.ID, ErrInvalidBoard)
	}
	seen := make(map[Status]struct{}, len(b.Columns))
	for _, col := range b.Columns {
		if col.ID == "" {
			return fmt.Errorf("board %s has a column without an id: %w", b.ID, ErrInvalidBoard)
		}
		if _, dup := seen[col.ID]; dup {
			return fmt.Errorf("board %s declares column %s twice: %w", b.ID, col.ID, ErrInvalidBoard)
		}
		seen[col.ID] = struct{}{}
		if col.WIPLimit < 0 {
			return fmt.Errorf("column %s has negative wip limit %d: %w", col.ID, col.WIPLimit, ErrInvalidBoard)
		}
	}
	for from, to := range b.StatusMap {
		if _, ok := seen[from]; ok {
			return fmt.Errorf("status %s is both a column and a mapped status: %w", from, ErrInvalidBoard)
		}
		if _, ok := seen[to]; !ok {
			return fmt.Errorf("status %s maps to unknown column %s: %w", from, to, ErrInvalidBoard)
		}
	}
	for _, col := range b.Columns {
		for _, from := range col.AllowFrom {
			if !b.Accepts(from) {
				return fmt.Errorf("column %s allows transitions from unknown status %s: %w", col.ID, from, ErrInvalidBoard)
			}
		}
	}
	return nil
}

// DefaultBoard returns the standard four column layout with the stock
// reserved-status mapping. Callers that need WIP limits or transition
// guards overlay them via configuration.
func DefaultBoard(id, name string) Board {
	return Board{
		ID:   id,
		Name: name,
		Columns: []Column{
			{ID: StatusTodo, Name: "To Do", Rank: 0},
			{ID: StatusInProgress, Name: "In Progress", Rank: 1},
			{ID: StatusReview, Name: "Review", Rank: 2},
			{ID: StatusDone, Name: "Done", Rank: 3, Terminal: true},
		},
		StatusMap: map[Status]Status{
			StatusBlocked:   StatusInProgress,
			StatusOnHold:    StatusTodo,
			StatusCancelled: StatusDone,
		},
	}
}
