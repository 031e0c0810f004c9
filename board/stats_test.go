package board

import (
	"fmt"
	"testing"
	"time"

	"github.com/ilyrer/ImmoNow-sub004/domain"
)

var statsNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func statsDue(d int) *time.Time {
	t := time.Date(2025, 6, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func TestComputeStatisticsScenario(t *testing.T) {
	b := domain.DefaultBoard("b1", "Board")
	tasks := []domain.Task{
		{ID: "d1", Title: "done one", Priority: domain.PriorityLow, Status: domain.StatusDone},
		{ID: "d2", Title: "done two", Priority: domain.PriorityMedium, Status: domain.StatusDone},
		{ID: "late", Title: "overdue", Priority: domain.PriorityHigh, Status: domain.StatusInProgress, DueDate: statsDue(10)},
		{ID: "a1", Title: "active one", Priority: domain.PriorityHigh, Status: domain.StatusTodo, DueDate: statsDue(20)},
		{ID: "a2", Title: "active two", Priority: domain.PriorityMedium, Status: domain.StatusReview},
	}

	stats := ComputeStatistics(b, tasks, statsNow)
	if stats.Total != 5 {
		t.Fatalf("total: expected 5, got %d", stats.Total)
	}
	if stats.Completed != 2 {
		t.Fatalf("completed: expected 2, got %d", stats.Completed)
	}
	if stats.Overdue != 1 {
		t.Fatalf("overdue: expected 1, got %d", stats.Overdue)
	}
	if stats.Active != 3 {
		t.Fatalf("active: expected 3, got %d", stats.Active)
	}
}

func TestComputeStatisticsGroupings(t *testing.T) {
	b := domain.DefaultBoard("b1", "Board")
	tasks := []domain.Task{
		{ID: "t1", Title: "a", Priority: domain.PriorityHigh, Status: domain.StatusBlocked, Assignee: "u1"},
		{ID: "t2", Title: "b", Priority: domain.PriorityHigh, Status: domain.StatusInProgress, Assignee: "u1"},
		{ID: "t3", Title: "c", Priority: domain.PriorityLow, Status: domain.StatusOnHold, Assignee: "u2"},
		{ID: "t4", Title: "d", Priority: domain.PriorityLow, Status: domain.StatusCancelled},
	}

	stats := ComputeStatistics(b, tasks, statsNow)
	if stats.ByPriority[domain.PriorityHigh] != 2 || stats.ByPriority[domain.PriorityLow] != 2 {
		t.Fatalf("priority grouping wrong: %+v", stats.ByPriority)
	}
	if stats.ByColumn[domain.StatusInProgress] != 2 {
		t.Fatalf("blocked must group into its display column: %+v", stats.ByColumn)
	}
	if stats.ByColumn[domain.StatusTodo] != 1 || stats.ByColumn[domain.StatusDone] != 1 {
		t.Fatalf("mapped statuses misgrouped: %+v", stats.ByColumn)
	}
	if stats.ByAssignee["u1"] != 2 || stats.ByAssignee["u2"] != 1 {
		t.Fatalf("assignee grouping wrong: %+v", stats.ByAssignee)
	}
	if stats.Blocked != 1 {
		t.Fatalf("blocked count: expected 1, got %d", stats.Blocked)
	}
	if stats.Completed != 1 || stats.Active != 3 {
		t.Fatalf("cancelled folds into done: completed=%d active=%d", stats.Completed, stats.Active)
	}
}

func TestComputeStatisticsUpcomingWindowAndCap(t *testing.T) {
	b := domain.DefaultBoard("b1", "Board")
	var tasks []domain.Task
	for i := 0; i < 7; i++ {
		tasks = append(tasks, domain.Task{
			ID:       fmt.Sprintf("u%d", i),
			Title:    "upcoming",
			Priority: domain.PriorityLow,
			Status:   domain.StatusTodo,
			DueDate:  statsDue(21 - i),
		})
	}
	tasks = append(tasks,
		domain.Task{ID: "past", Title: "past", Priority: domain.PriorityLow, Status: domain.StatusTodo, DueDate: statsDue(14)},
		domain.Task{ID: "far", Title: "far", Priority: domain.PriorityLow, Status: domain.StatusTodo, DueDate: statsDue(29)},
		domain.Task{ID: "doneSoon", Title: "done", Priority: domain.PriorityLow, Status: domain.StatusDone, DueDate: statsDue(17)},
	)

	stats := ComputeStatistics(b, tasks, statsNow)
	if len(stats.Upcoming) != upcomingCap {
		t.Fatalf("expected cap of %d upcoming entries, got %d", upcomingCap, len(stats.Upcoming))
	}
	for i := 1; i < len(stats.Upcoming); i++ {
		if stats.Upcoming[i].DueDate.Before(stats.Upcoming[i-1].DueDate) {
			t.Fatalf("upcoming not ascending: %+v", stats.Upcoming)
		}
	}
	for _, u := range stats.Upcoming {
		// u6 is due at midnight of the current day, already past noon "now".
		if u.TaskID == "past" || u.TaskID == "far" || u.TaskID == "doneSoon" || u.TaskID == "u6" {
			t.Fatalf("entry %s should be outside the window", u.TaskID)
		}
	}
	if stats.Upcoming[0].TaskID != "u5" {
		t.Fatalf("closest deadline first, got %s", stats.Upcoming[0].TaskID)
	}
}

func TestComputeStatisticsRecentActivity(t *testing.T) {
	b := domain.DefaultBoard("b1", "Board")
	var tasks []domain.Task
	for i := 0; i < 3; i++ {
		var entries []domain.ActivityEntry
		for j := 0; j < 5; j++ {
			entries = append(entries, domain.ActivityEntry{
				ID:        fmt.Sprintf("a-%d-%d", i, j),
				Type:      domain.ActivityUpdated,
				Timestamp: statsNow.Add(-time.Duration(i*5+j) * time.Minute),
			})
		}
		tasks = append(tasks, domain.Task{
			ID:       fmt.Sprintf("t%d", i),
			Title:    "task",
			Priority: domain.PriorityLow,
			Status:   domain.StatusTodo,
			Activity: entries,
		})
	}

	stats := ComputeStatistics(b, tasks, statsNow)
	if len(stats.RecentActivity) != recentActivityCap {
		t.Fatalf("expected cap of %d activity entries, got %d", recentActivityCap, len(stats.RecentActivity))
	}
	for i := 1; i < len(stats.RecentActivity); i++ {
		if stats.RecentActivity[i].Entry.Timestamp.After(stats.RecentActivity[i-1].Entry.Timestamp) {
			t.Fatalf("activity feed not descending at %d", i)
		}
	}
	if stats.RecentActivity[0].Entry.ID != "a-0-0" {
		t.Fatalf("newest entry first, got %s", stats.RecentActivity[0].Entry.ID)
	}
	if stats.RecentActivity[0].TaskTitle != "task" {
		t.Fatalf("activity items must carry task context")
	}
}

func TestComputeStatisticsDeterministic(t *testing.T) {
	b := domain.DefaultBoard("b1", "Board")
	tasks := []domain.Task{
		{ID: "t1", Title: "a", Priority: domain.PriorityHigh, Status: domain.StatusTodo, DueDate: statsDue(18)},
		{ID: "t2", Title: "b", Priority: domain.PriorityLow, Status: domain.StatusDone},
	}
	first := ComputeStatistics(b, tasks, statsNow)
	second := ComputeStatistics(b, tasks, statsNow)
	if first.Total != second.Total || first.Completed != second.Completed ||
		len(first.Upcoming) != len(second.Upcoming) {
		t.Fatalf("statistics must be deterministic: %+v vs %+v", first, second)
	}
}
