package api

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"github.com/ilyrer/ImmoNow-sub004/board"
	"github.com/ilyrer/ImmoNow-sub004/domain"
	"github.com/ilyrer/ImmoNow-sub004/storage"
)

func BenchmarkGetTasks(b *testing.B) {
	priorities := []domain.Priority{domain.PriorityLow, domain.PriorityMedium, domain.PriorityHigh, domain.PriorityCritical}
	statuses := []domain.Status{domain.StatusTodo, domain.StatusInProgress, domain.StatusReview}

	mem := storage.NewMemory()
	tasks := make([]domain.Task, 0, 200)
	for i := 0; i < 200; i++ {
		task := apiTask(fmt.Sprintf("t%03d", i), fmt.Sprintf("task %03d", i), statuses[i%len(statuses)])
		task.Priority = priorities[i%len(priorities)]
		tasks = append(tasks, task)
	}
	mem.Seed("b1", tasks...)

	logger := log.New()
	logger.SetOutput(io.Discard)
	mgr := board.NewManager(board.ManagerOptions{
		Boards:  map[string]domain.Board{"b1": domain.DefaultBoard("b1", "Sales Pipeline")},
		Service: mem,
		Logger:  logger,
	})
	defer mgr.CloseAll()

	handler := getTasks(mgr, mockAuth{}, logger)

	variants := []struct {
		name   string
		target string
	}{
		{name: "All", target: "/api/boards/b1/tasks"},
		{name: "Filtered", target: "/api/boards/b1/tasks?priority=high&sortBy=title"},
	}
	for _, variant := range variants {
		variant := variant
		b.Run(variant.name, func(b *testing.B) {
			runGetTasksBenchmark(b, handler, variant.target)
		})
	}
}

func runGetTasksBenchmark(b *testing.B, handler echo.HandlerFunc, target string) {
	b.Helper()
	b.ReportAllocs()
	b.ResetTimer()

	b.RunParallel(func(pb *testing.PB) {
		e := echo.New()
		for pb.Next() {
			req := httptest.NewRequest(http.MethodGet, target, nil)
			req.Header.Set(echo.HeaderAuthorization, "Bearer a.b.c")
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)
			c.SetParamNames("board")
			c.SetParamValues("b1")

			if err := handler(c); err != nil {
				b.Fatalf("handler returned error: %v", err)
			}
			if rec.Code != http.StatusOK {
				b.Fatalf("unexpected status code: %d", rec.Code)
			}
		}
	})
}
