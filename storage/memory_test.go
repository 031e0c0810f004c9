package storage

import (
	"context"
	"testing"

	"github.com/ilyrer/ImmoNow-sub004/board"
	"github.com/ilyrer/ImmoNow-sub004/domain"
)

func TestMemorySeedAssignsMissingIDs(t *testing.T) {
	m := NewMemory()
	m.Seed("b1",
		domain.Task{ID: "t1", Title: "seeded", Status: domain.StatusTodo, Priority: domain.PriorityLow},
		domain.Task{Title: "anonymous", Status: domain.StatusDone, Priority: domain.PriorityLow},
	)

	tasks, err := m.ListTasks(context.Background(), "b1", board.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("listed %d tasks, want 2", len(tasks))
	}
	if tasks[0].ID != "t1" {
		t.Fatalf("first id = %s, want t1", tasks[0].ID)
	}
	if tasks[1].ID == "" {
		t.Fatal("seed left a task without an id")
	}
}

func TestMemoryReturnsClones(t *testing.T) {
	m := NewMemory()
	m.Seed("b1", domain.Task{
		ID:       "t1",
		Title:    "original",
		Status:   domain.StatusTodo,
		Priority: domain.PriorityLow,
		Tags:     []string{"a"},
	})

	ctx := context.Background()
	tasks, err := m.ListTasks(ctx, "b1", board.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	tasks[0].Title = "mutated"
	tasks[0].Tags[0] = "mutated"

	again, err := m.ListTasks(ctx, "b1", board.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if again[0].Title != "original" || again[0].Tags[0] != "a" {
		t.Fatalf("stored task was mutated through a returned copy: %+v", again[0])
	}
}
