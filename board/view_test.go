package board

import (
	"reflect"
	"testing"
	"time"

	"github.com/ilyrer/ImmoNow-sub004/domain"
)

var viewNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func day(d int) *time.Time {
	t := time.Date(2025, 6, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func viewTasks() []domain.Task {
	return []domain.Task{
		{ID: "t1", Title: "Alpha", Priority: domain.PriorityCritical, Status: domain.StatusTodo, Assignee: "u1", DueDate: day(20)},
		{ID: "t2", Title: "bravo", Priority: domain.PriorityHigh, Status: domain.StatusInProgress, Assignee: "u2", DueDate: day(18)},
		{ID: "t3", Title: "Charlie", Priority: domain.PriorityHigh, Status: domain.StatusTodo, Assignee: "u1", DueDate: day(18)},
		{ID: "t4", Title: "delta", Priority: domain.PriorityLow, Status: domain.StatusDone, Assignee: "u3"},
		{ID: "t5", Title: "Echo", Priority: domain.PriorityMedium, Status: domain.StatusReview, Assignee: "u1", DueDate: day(16)},
	}
}

func idsOf(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func TestApplyViewEmptyCriteriaReturnsAll(t *testing.T) {
	b := domain.DefaultBoard("b1", "Board")
	tasks := viewTasks()
	got := ApplyView(b, tasks, domain.Criteria{}, "", "", viewNow)
	if !reflect.DeepEqual(idsOf(got), idsOf(tasks)) {
		t.Fatalf("empty criteria must return all tasks in order, got %v", idsOf(got))
	}
}

func TestApplyViewIsIdempotent(t *testing.T) {
	b := domain.DefaultBoard("b1", "Board")
	c := domain.Criteria{Priorities: []domain.Priority{domain.PriorityHigh, domain.PriorityCritical}}

	once := ApplyView(b, viewTasks(), c, domain.SortByDueDate, domain.SortAsc, viewNow)
	twice := ApplyView(b, once, c, domain.SortByDueDate, domain.SortAsc, viewNow)
	if !reflect.DeepEqual(idsOf(once), idsOf(twice)) {
		t.Fatalf("reapplying identical criteria changed the result: %v vs %v", idsOf(once), idsOf(twice))
	}
}

func TestApplyViewDoesNotMutateInput(t *testing.T) {
	b := domain.DefaultBoard("b1", "Board")
	tasks := viewTasks()
	original := idsOf(tasks)

	ApplyView(b, tasks, domain.Criteria{}, domain.SortByTitle, domain.SortDesc, viewNow)
	if !reflect.DeepEqual(idsOf(tasks), original) {
		t.Fatalf("input slice was reordered: %v", idsOf(tasks))
	}
}

func TestApplyViewConjunctiveFilterWithStableDueDateSort(t *testing.T) {
	b := domain.DefaultBoard("b1", "Board")
	c := domain.Criteria{
		Priorities: []domain.Priority{domain.PriorityCritical, domain.PriorityHigh},
		Assignees:  []string{"u1"},
	}

	got := ApplyView(b, viewTasks(), c, domain.SortByDueDate, domain.SortAsc, viewNow)
	if !reflect.DeepEqual(idsOf(got), []string{"t3", "t1"}) {
		t.Fatalf("expected [t3 t1], got %v", idsOf(got))
	}
}

func TestApplyViewStableTies(t *testing.T) {
	b := domain.DefaultBoard("b1", "Board")
	tasks := []domain.Task{
		{ID: "x1", Title: "a", Priority: domain.PriorityHigh, Status: domain.StatusTodo, DueDate: day(18)},
		{ID: "x2", Title: "b", Priority: domain.PriorityHigh, Status: domain.StatusTodo, DueDate: day(18)},
		{ID: "x3", Title: "c", Priority: domain.PriorityHigh, Status: domain.StatusTodo, DueDate: day(18)},
	}
	got := ApplyView(b, tasks, domain.Criteria{}, domain.SortByDueDate, domain.SortAsc, viewNow)
	if !reflect.DeepEqual(idsOf(got), []string{"x1", "x2", "x3"}) {
		t.Fatalf("ties must keep store order, got %v", idsOf(got))
	}
	got = ApplyView(b, tasks, domain.Criteria{}, domain.SortByDueDate, domain.SortDesc, viewNow)
	if !reflect.DeepEqual(idsOf(got), []string{"x1", "x2", "x3"}) {
		t.Fatalf("descending ties must keep store order too, got %v", idsOf(got))
	}
}

func TestApplyViewSortKeys(t *testing.T) {
	b := domain.DefaultBoard("b1", "Board")
	tasks := viewTasks()

	cases := []struct {
		name  string
		key   domain.SortKey
		order domain.SortOrder
		want  []string
	}{
		{"priority desc", domain.SortByPriority, domain.SortDesc, []string{"t1", "t2", "t3", "t5", "t4"}},
		{"priority asc", domain.SortByPriority, domain.SortAsc, []string{"t4", "t5", "t2", "t3", "t1"}},
		{"title asc case-insensitive", domain.SortByTitle, domain.SortAsc, []string{"t1", "t2", "t3", "t4", "t5"}},
		{"dueDate asc undated last", domain.SortByDueDate, domain.SortAsc, []string{"t5", "t2", "t3", "t1", "t4"}},
		{"status follows column rank", domain.SortByStatus, domain.SortAsc, []string{"t1", "t3", "t2", "t5", "t4"}},
	}
	for _, tc := range cases {
		got := ApplyView(b, tasks, domain.Criteria{}, tc.key, tc.order, viewNow)
		if !reflect.DeepEqual(idsOf(got), tc.want) {
			t.Fatalf("%s: got %v want %v", tc.name, idsOf(got), tc.want)
		}
	}
}

func TestApplyViewSearchIncludesID(t *testing.T) {
	b := domain.DefaultBoard("b1", "Board")
	got := ApplyView(b, viewTasks(), domain.Criteria{Search: "T3"}, "", "", viewNow)
	if len(got) != 1 || got[0].ID != "t3" {
		t.Fatalf("search should match task ids, got %v", idsOf(got))
	}
}

func TestApplyViewOverdueFilterUsesInjectedNow(t *testing.T) {
	b := domain.DefaultBoard("b1", "Board")
	tasks := []domain.Task{
		{ID: "late", Title: "late", Priority: domain.PriorityLow, Status: domain.StatusTodo, DueDate: day(10)},
		{ID: "ontime", Title: "on time", Priority: domain.PriorityLow, Status: domain.StatusTodo, DueDate: day(20)},
		{ID: "doneLate", Title: "done", Priority: domain.PriorityLow, Status: domain.StatusDone, DueDate: day(10)},
	}
	got := ApplyView(b, tasks, domain.Criteria{OverdueOnly: true}, "", "", viewNow)
	if !reflect.DeepEqual(idsOf(got), []string{"late"}) {
		t.Fatalf("expected only the late active task, got %v", idsOf(got))
	}
}

func BenchmarkApplyViewFilterSort(b *testing.B) {
	board := domain.DefaultBoard("b1", "Board")
	tasks := make([]domain.Task, 0, 500)
	for i := 0; i < 500; i++ {
		status := domain.StatusTodo
		if i%3 == 0 {
			status = domain.StatusInProgress
		}
		priority := domain.PriorityMedium
		if i%5 == 0 {
			priority = domain.PriorityHigh
		}
		tasks = append(tasks, domain.Task{
			ID:       string(rune('a'+i%26)) + "x",
			Title:    "task",
			Priority: priority,
			Status:   status,
			DueDate:  day(1 + i%28),
		})
	}
	c := domain.Criteria{Priorities: []domain.Priority{domain.PriorityHigh}}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ApplyView(board, tasks, c, domain.SortByDueDate, domain.SortAsc, viewNow)
	}
}
