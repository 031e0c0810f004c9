package board

import "github.com/ilyrer/ImmoNow-sub004/domain"

// ColumnLoad is the WIP state of one column.
type ColumnLoad struct {
	Column    domain.Status `json:"column"`
	Current   int           `json:"current"`
	Limit     int           `json:"limit,omitempty"`
	OverLimit bool          `json:"overLimit"`
	NearLimit bool          `json:"nearLimit"`
}

// EvaluateWIP computes per-column occupancy in one pass over the
// tasks. Counting uses the board's display buckets, so a blocked task
// loads the column it is shown in. Columns without a limit report
// their count but are never over or near it.
func EvaluateWIP(b domain.Board, tasks []domain.Task) map[domain.Status]ColumnLoad {
	loads := make(map[domain.Status]ColumnLoad, len(b.Columns))
	for _, col := range b.Columns {
		loads[col.ID] = ColumnLoad{Column: col.ID, Limit: col.WIPLimit}
	}
	for _, t := range tasks {
		col, ok := b.ColumnFor(t.Status)
		if !ok {
			continue
		}
		load := loads[col.ID]
		load.Current++
		loads[col.ID] = load
	}
	for _, col := range b.Columns {
		if !col.Limited() {
			continue
		}
		load := loads[col.ID]
		load.OverLimit = load.Current > col.WIPLimit
		load.NearLimit = load.Current >= col.NearLimitThreshold() && load.Current <= col.WIPLimit
		loads[col.ID] = load
	}
	return loads
}
