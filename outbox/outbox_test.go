package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/ilyrer/ImmoNow-sub004/domain"
)

// fakePublisher records deliveries and can fail or block on demand.
type fakePublisher struct {
	mu       sync.Mutex
	envs     []domain.ChangeEnvelope
	attempts int
	failures int
	block    chan struct{}
	ch       chan domain.ChangeEnvelope
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{ch: make(chan domain.ChangeEnvelope, 16)}
}

func (p *fakePublisher) PublishEvent(ctx context.Context, env domain.ChangeEnvelope) error {
	p.mu.Lock()
	p.attempts++
	fail := p.attempts <= p.failures
	block := p.block
	p.mu.Unlock()

	if block != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-block:
		}
	}
	if fail {
		return errors.New("transport down")
	}
	p.mu.Lock()
	p.envs = append(p.envs, env)
	p.mu.Unlock()
	select {
	case p.ch <- env:
	default:
	}
	return nil
}

func (p *fakePublisher) delivered() []domain.ChangeEnvelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.ChangeEnvelope, len(p.envs))
	copy(out, p.envs)
	return out
}

func (p *fakePublisher) attemptCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func testConfig(dir string) Config {
	return Config{
		BufferSize:     8,
		WorkerCount:    2,
		BatchSize:      2,
		FlushInterval:  time.Millisecond,
		PublishTimeout: 2 * time.Second,
		HandoffTimeout: 25 * time.Millisecond,
		RetryInitial:   5 * time.Millisecond,
		RetryMax:       50 * time.Millisecond,
		Dir:            dir,
		SegmentBytes:   1 << 20,
		SyncEvery:      1,
	}
}

func openOutbox(t *testing.T, cfg Config, pub Publisher) *Outbox {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	o, err := Open(cfg, pub, logger)
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(o.Close)
	return o
}

func testEvent(id string) domain.ChangeEvent {
	return domain.ChangeEvent{
		ID:        id,
		BoardID:   "b1",
		TaskID:    "task-" + id,
		Op:        domain.OpMoved,
		Actor:     "u1",
		Timestamp: 7,
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}

func TestOutboxDeliversEnqueuedEvent(t *testing.T) {
	pub := newFakePublisher()
	o := openOutbox(t, testConfig(t.TempDir()), pub)

	if err := o.Enqueue(testEvent("e1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case env := <-pub.ch:
		if env.Event.ID != "e1" || env.UserID != "u1" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered")
	}

	waitUntil(t, func() bool { return o.Stats().Delivered >= 1 })
	if s := o.Stats(); s.QueueDepth != 0 {
		t.Fatalf("delivered event still inflight: %+v", s)
	}
}

func TestOutboxSaturation(t *testing.T) {
	cfg := testConfig(t.TempDir())
	cfg.BufferSize = 1
	cfg.WorkerCount = 1
	cfg.BatchSize = 1
	cfg.HandoffTimeout = 10 * time.Millisecond

	pub := newFakePublisher()
	block := make(chan struct{})
	pub.block = block
	o := openOutbox(t, cfg, pub)

	if err := o.Enqueue(testEvent("k1")); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	// Wait for the worker to pick k1 up so k2 has the buffer slot.
	waitUntil(t, func() bool { return pub.attemptCount() >= 1 })
	if err := o.Enqueue(testEvent("k2")); err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if err := o.Enqueue(testEvent("k3")); !errors.Is(err, ErrSaturated) {
		t.Fatalf("expected saturation error, got %v", err)
	}

	close(block)
	waitUntil(t, func() bool { return o.Stats().Delivered >= 2 })

	for _, env := range pub.delivered() {
		if env.Event.ID == "k3" {
			t.Fatalf("saturated event must not be delivered")
		}
	}
}

func TestOutboxRetriesUntilDelivered(t *testing.T) {
	pub := newFakePublisher()
	pub.failures = 2
	o := openOutbox(t, testConfig(t.TempDir()), pub)

	if err := o.Enqueue(testEvent("e1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitUntil(t, func() bool { return o.Stats().Delivered == 1 })
	if got := pub.attemptCount(); got < 3 {
		t.Fatalf("expected at least 3 attempts, got %d", got)
	}
	envs := pub.delivered()
	if len(envs) != 1 || envs[0].Event.ID != "e1" {
		t.Fatalf("unexpected deliveries: %+v", envs)
	}
}

func TestOutboxRedeliversAfterRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.RetryInitial = time.Hour
	cfg.RetryMax = time.Hour

	down := newFakePublisher()
	down.failures = 1 << 30
	logger, _ := logtest.NewNullLogger()
	first, err := Open(cfg, down, logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := first.Enqueue(testEvent("e1")); err != nil {
		t.Fatalf("enqueue e1: %v", err)
	}
	if err := first.Enqueue(testEvent("e2")); err != nil {
		t.Fatalf("enqueue e2: %v", err)
	}
	first.Close()

	up := newFakePublisher()
	second := openOutbox(t, testConfig(dir), up)
	waitUntil(t, func() bool { return second.Stats().Delivered == 2 })

	got := map[string]bool{}
	for _, env := range up.delivered() {
		got[env.Event.ID] = true
	}
	if !got["e1"] || !got["e2"] {
		t.Fatalf("restart lost events: %+v", got)
	}

	// Everything is checkpointed now; a third run has nothing to do.
	second.Close()
	third := openOutbox(t, testConfig(dir), newFakePublisher())
	if s := third.Stats(); s.QueueDepth != 0 {
		t.Fatalf("expected empty queue after full delivery, got %+v", s)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("OUTBOX_WORKERS", "3")
	t.Setenv("OUTBOX_RETRY_INITIAL", "1s")
	t.Setenv("OUTBOX_BATCH", "not-a-number")

	cfg := ConfigFromEnv()
	if cfg.WorkerCount != 3 {
		t.Fatalf("workers: expected 3, got %d", cfg.WorkerCount)
	}
	if cfg.RetryInitial != time.Second {
		t.Fatalf("retry initial: expected 1s, got %s", cfg.RetryInitial)
	}
	if cfg.BatchSize != 32 {
		t.Fatalf("unparsable batch must keep its default, got %d", cfg.BatchSize)
	}
	if cfg.BufferSize != 4096 {
		t.Fatalf("unset buffer must default, got %d", cfg.BufferSize)
	}
}
