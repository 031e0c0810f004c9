package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ilyrer/ImmoNow-sub004/board"
	"github.com/ilyrer/ImmoNow-sub004/domain"
)

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	ctx := context.Background()

	sq, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	created, err := sq.CreateTask(ctx, "b1", domain.TaskDraft{
		Title:    "Persistent",
		Priority: domain.PriorityHigh,
		Tags:     []string{"durable"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := sq.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sq, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { sq.Close() })

	tasks, err := sq.ListTasks(ctx, "b1", board.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("listed %d tasks after reopen, want 1", len(tasks))
	}
	got := tasks[0]
	if got.ID != created.ID || got.Title != "Persistent" || got.Priority != domain.PriorityHigh {
		t.Fatalf("reloaded task = %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "durable" {
		t.Fatalf("tags = %v", got.Tags)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Fatalf("created_at drifted: %v vs %v", got.CreatedAt, created.CreatedAt)
	}
}

func TestSQLiteBoardsAreIsolated(t *testing.T) {
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	ctx := context.Background()

	if _, err := sq.CreateTask(ctx, "b1", domain.TaskDraft{Title: "one"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	other, err := sq.CreateTask(ctx, "b2", domain.TaskDraft{Title: "two"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	tasks, err := sq.ListTasks(ctx, "b2", board.ListOptions{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != other.ID {
		t.Fatalf("board b2 sees %d tasks", len(tasks))
	}

	// same row key on another board must not collide
	if err := sq.DeleteTask(ctx, "b1", other.ID); err == nil {
		t.Fatal("delete across boards succeeded")
	}
}
