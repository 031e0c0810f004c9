package board

import (
	"sort"
	"time"

	"github.com/ilyrer/ImmoNow-sub004/domain"
)

const (
	upcomingWindow    = 7 * 24 * time.Hour
	upcomingCap       = 5
	recentActivityCap = 10
)

// UpcomingTask is one entry of the upcoming-deadline list.
type UpcomingTask struct {
	TaskID  string    `json:"taskId"`
	Title   string    `json:"title"`
	DueDate time.Time `json:"dueDate"`
}

// ActivityItem is one entry of the recent-activity feed, carrying
// enough task context to render without a second lookup.
type ActivityItem struct {
	TaskID    string               `json:"taskId"`
	TaskTitle string               `json:"taskTitle"`
	Entry     domain.ActivityEntry `json:"entry"`
}

// Statistics is the derived summary of a task snapshot.
type Statistics struct {
	Total     int `json:"total"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Blocked   int `json:"blocked"`
	Overdue   int `json:"overdue"`

	ByPriority map[domain.Priority]int `json:"byPriority"`
	ByColumn   map[domain.Status]int   `json:"byColumn"`
	ByAssignee map[string]int          `json:"byAssignee,omitempty"`

	Upcoming       []UpcomingTask `json:"upcoming,omitempty"`
	RecentActivity []ActivityItem `json:"recentActivity,omitempty"`
}

// ComputeStatistics derives counts, groupings, the upcoming-deadline
// list (due within seven days of now, ascending, capped) and the
// recent-activity feed (flattened across tasks, newest first, capped)
// from a task snapshot. Pure: identical inputs yield identical output,
// nothing is cached across calls.
func ComputeStatistics(b domain.Board, tasks []domain.Task, now time.Time) Statistics {
	stats := Statistics{
		Total:      len(tasks),
		ByPriority: make(map[domain.Priority]int),
		ByColumn:   make(map[domain.Status]int),
		ByAssignee: make(map[string]int),
	}
	horizon := now.Add(upcomingWindow)

	var activity []ActivityItem
	for _, t := range tasks {
		stats.ByPriority[t.Priority]++
		col, bucketed := b.ColumnFor(t.Status)
		if bucketed {
			stats.ByColumn[col.ID]++
		}
		if t.Assignee != "" {
			stats.ByAssignee[t.Assignee]++
		}

		completed := bucketed && col.Terminal
		if completed {
			stats.Completed++
		} else {
			stats.Active++
		}
		if t.Blocked != nil || t.Status == domain.StatusBlocked {
			stats.Blocked++
		}
		if t.IsOverdue(b, now) {
			stats.Overdue++
		}

		if !completed && t.DueDate != nil && !t.DueDate.Before(now) && !t.DueDate.After(horizon) {
			stats.Upcoming = append(stats.Upcoming, UpcomingTask{
				TaskID:  t.ID,
				Title:   t.Title,
				DueDate: *t.DueDate,
			})
		}
		for _, e := range t.Activity {
			activity = append(activity, ActivityItem{TaskID: t.ID, TaskTitle: t.Title, Entry: e})
		}
	}

	sort.SliceStable(stats.Upcoming, func(i, j int) bool {
		return stats.Upcoming[i].DueDate.Before(stats.Upcoming[j].DueDate)
	})
	if len(stats.Upcoming) > upcomingCap {
		stats.Upcoming = stats.Upcoming[:upcomingCap]
	}

	sort.SliceStable(activity, func(i, j int) bool {
		return activity[i].Entry.Timestamp.After(activity[j].Entry.Timestamp)
	})
	if len(activity) > recentActivityCap {
		activity = activity[:recentActivityCap]
	}
	stats.RecentActivity = activity

	return stats
}
