package board

import (
	"sort"
	"strings"
	"time"

	"github.com/ilyrer/ImmoNow-sub004/domain"
)

// ApplyView filters and orders a task snapshot. Filtering is
// conjunctive via the criteria; sorting is stable, so ties keep the
// snapshot's order. The input slice is never mutated and the result is
// freshly allocated. now anchors the overdue filter.
func ApplyView(b domain.Board, tasks []domain.Task, c domain.Criteria, key domain.SortKey, order domain.SortOrder, now time.Time) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if c.Matches(t, b, now) {
			out = append(out, t)
		}
	}
	if key == "" {
		return out
	}

	cmp := comparator(b, key)
	desc := order == domain.SortDesc
	sort.SliceStable(out, func(i, j int) bool {
		c := cmp(out[i], out[j])
		if desc {
			return c > 0
		}
		return c < 0
	})
	return out
}

// comparator returns a three-way compare for the sort key. Date keys
// compare by epoch with absent dates last, string keys compare
// case-insensitively, status compares by column rank.
func comparator(b domain.Board, key domain.SortKey) func(a, z domain.Task) int {
	switch key {
	case domain.SortByDueDate:
		return func(a, z domain.Task) int {
			return compareInt64(dueEpoch(a), dueEpoch(z))
		}
	case domain.SortByPriority:
		return func(a, z domain.Task) int {
			return compareInt(a.Priority.Rank(), z.Priority.Rank())
		}
	case domain.SortByTitle:
		return func(a, z domain.Task) int {
			return strings.Compare(strings.ToLower(a.Title), strings.ToLower(z.Title))
		}
	case domain.SortByCreatedAt:
		return func(a, z domain.Task) int {
			return compareInt64(a.CreatedAt.UnixNano(), z.CreatedAt.UnixNano())
		}
	case domain.SortByUpdatedAt:
		return func(a, z domain.Task) int {
			return compareInt64(a.UpdatedAt.UnixNano(), z.UpdatedAt.UnixNano())
		}
	case domain.SortByProgress:
		return func(a, z domain.Task) int {
			return compareInt(a.Progress, z.Progress)
		}
	case domain.SortByImpact:
		return func(a, z domain.Task) int {
			return compareInt(a.ImpactScore, z.ImpactScore)
		}
	case domain.SortByEstimate:
		return func(a, z domain.Task) int {
			return compareFloat(a.EstimatedHours, z.EstimatedHours)
		}
	case domain.SortByStatus:
		return func(a, z domain.Task) int {
			return compareInt(columnRank(b, a.Status), columnRank(b, z.Status))
		}
	default:
		return func(a, z domain.Task) int { return 0 }
	}
}

// dueEpoch places undated tasks after every dated one.
func dueEpoch(t domain.Task) int64 {
	if t.DueDate == nil {
		return int64(1<<63 - 1)
	}
	return t.DueDate.UnixNano()
}

// columnRank places unresolvable statuses after every column.
func columnRank(b domain.Board, s domain.Status) int {
	if col, ok := b.ColumnFor(s); ok {
		return col.Rank
	}
	return int(^uint(0) >> 1)
}

func compareInt(a, z int) int {
	switch {
	case a < z:
		return -1
	case a > z:
		return 1
	default:
		return 0
	}
}

func compareInt64(a, z int64) int {
	switch {
	case a < z:
		return -1
	case a > z:
		return 1
	default:
		return 0
	}
}

func compareFloat(a, z float64) int {
	switch {
	case a < z:
		return -1
	case a > z:
		return 1
	default:
		return 0
	}
}
