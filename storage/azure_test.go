package storage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"github.com/ilyrer/ImmoNow-sub004/domain"
)

type fakeQueue struct {
	mu       sync.Mutex
	contents []string
	err      error
}

func (f *fakeQueue) EnqueueMessage(ctx context.Context, content string, _ *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return azqueue.EnqueueMessagesResponse{}, f.err
	}
	f.contents = append(f.contents, content)
	return azqueue.EnqueueMessagesResponse{}, nil
}

func TestAzurePublishEventEncodesEnvelope(t *testing.T) {
	fq := &fakeQueue{}
	a := &Azure{eventQueue: fq, now: time.Now}

	env := domain.ChangeEnvelope{
		UserID: "u1",
		Event: domain.ChangeEvent{
			ID:      "e1",
			BoardID: "b1",
			TaskID:  "t1",
			Op:      domain.OpMoved,
			Actor:   "u1",
		},
	}
	if err := a.PublishEvent(context.Background(), env); err != nil {
		t.Fatalf("publish: %v", err)
	}

	fq.mu.Lock()
	defer fq.mu.Unlock()
	if len(fq.contents) != 1 {
		t.Fatalf("enqueued %d messages, want 1", len(fq.contents))
	}
	var got domain.ChangeEnvelope
	if err := sonic.Unmarshal([]byte(fq.contents[0]), &got); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if got.UserID != "u1" || got.Event.ID != "e1" || got.Event.Op != domain.OpMoved {
		t.Fatalf("decoded envelope = %+v", got)
	}
}

func TestAzurePublishEventPropagatesError(t *testing.T) {
	errBoom := errors.New("queue unavailable")
	a := &Azure{eventQueue: &fakeQueue{err: errBoom}, now: time.Now}

	env := domain.ChangeEnvelope{Event: domain.ChangeEvent{ID: "e1"}}
	if err := a.PublishEvent(context.Background(), env); !errors.Is(err, errBoom) {
		t.Fatalf("publish err = %v, want wrapped queue error", err)
	}
}

func TestTaskEntityRoundTrip(t *testing.T) {
	due := time.Date(2025, 8, 1, 10, 0, 0, 0, time.UTC)
	task := domain.Task{
		ID:       "t1",
		Title:    "Tenant onboarding",
		Priority: domain.PriorityCritical,
		Status:   domain.StatusInProgress,
		Assignee: "u2",
		Progress: 65,
		DueDate:  &due,
		Tags:     []string{"onboarding"},
		Blocked:  &domain.BlockInfo{Reason: "missing documents"},
	}

	data, err := encodeTaskEntity("b1", task)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// queryable columns must survive alongside the payload
	var raw map[string]any
	if err := sonic.Unmarshal(data, &raw); err != nil {
		t.Fatalf("decode raw entity: %v", err)
	}
	if raw["PartitionKey"] != "b1" || raw["RowKey"] != "t1" {
		t.Fatalf("entity keys = %v/%v", raw["PartitionKey"], raw["RowKey"])
	}
	if raw["Status"] != "in_progress" || raw["Assignee"] != "u2" {
		t.Fatalf("queryable columns = %v/%v", raw["Status"], raw["Assignee"])
	}

	got, err := decodeTaskEntity(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != task.ID || got.Title != task.Title || got.Progress != task.Progress {
		t.Fatalf("round trip = %+v", got)
	}
	if got.DueDate == nil || !got.DueDate.Equal(due) {
		t.Fatalf("due date = %v", got.DueDate)
	}
	if got.Blocked == nil || got.Blocked.Reason != "missing documents" {
		t.Fatalf("blocked = %+v", got.Blocked)
	}
}

func TestRunBoundedLimitsConcurrency(t *testing.T) {
	const jobs = 64
	const width = 4

	var inflight, peak, calls int32
	runBounded(jobs, width, func(int) {
		cur := atomic.AddInt32(&inflight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&calls, 1)
		atomic.AddInt32(&inflight, -1)
	})

	if calls != jobs {
		t.Fatalf("ran %d jobs, want %d", calls, jobs)
	}
	if peak > width {
		t.Fatalf("peak concurrency %d exceeded width %d", peak, width)
	}
	if peak < 2 {
		t.Fatalf("jobs never overlapped, peak = %d", peak)
	}
}

func TestRunBoundedSequentialWhenWidthOne(t *testing.T) {
	var mu sync.Mutex
	var order []int
	runBounded(10, 1, func(i int) {
		mu.Lock()
		order = append(order, i)
		mu.Unlock()
	})

	if len(order) != 10 {
		t.Fatalf("ran %d jobs, want 10", len(order))
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("order = %v, want ascending", order)
		}
	}
}
