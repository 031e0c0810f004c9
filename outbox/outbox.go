// Package outbox exports committed change events to an external
// transport with at-least-once delivery. Every event is journaled to a
// local WAL before the enqueue call returns; workers publish in batches
// and acknowledge contiguous offsets back into a checkpoint, so a crash
// redelivers exactly the suffix that never settled.
package outbox

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ilyrer/ImmoNow-sub004/domain"
)

// Publisher delivers one event envelope to the external transport.
// Implementations must be safe for concurrent use; delivery may repeat
// after a crash, consumers dedupe on the event id.
type Publisher interface {
	PublishEvent(ctx context.Context, env domain.ChangeEnvelope) error
}

// ErrSaturated is returned when the WAL accepted the event but no worker
// took it within the handoff timeout. The record is rolled back; the
// caller decides whether losing the export matters.
var ErrSaturated = errors.New("event outbox is saturated")

// Config tunes the export pipeline. Zero values fall back to the same
// defaults ConfigFromEnv uses.
type Config struct {
	BufferSize     int
	WorkerCount    int
	BatchSize      int
	FlushInterval  time.Duration
	PublishTimeout time.Duration
	HandoffTimeout time.Duration
	RetryInitial   time.Duration
	RetryMax       time.Duration

	Dir          string
	SegmentBytes int64
	SyncEvery    int
	SyncInterval time.Duration
}

// ConfigFromEnv reads the OUTBOX_* environment knobs.
func ConfigFromEnv() Config {
	return Config{
		BufferSize:     envInt("OUTBOX_BUFFER", 4096),
		WorkerCount:    envInt("OUTBOX_WORKERS", 8),
		BatchSize:      envInt("OUTBOX_BATCH", 32),
		FlushInterval:  envDur("OUTBOX_FLUSH_INTERVAL", 5*time.Millisecond),
		PublishTimeout: envDur("OUTBOX_PUBLISH_TIMEOUT", 60*time.Second),
		HandoffTimeout: envDur("OUTBOX_HANDOFF_TIMEOUT", 25*time.Millisecond),
		RetryInitial:   envDur("OUTBOX_RETRY_INITIAL", 250*time.Millisecond),
		RetryMax:       envDur("OUTBOX_RETRY_MAX", 30*time.Second),
		Dir:            envString("OUTBOX_DIR", filepath.Join(os.TempDir(), "immonow-outbox")),
		SegmentBytes:   int64(envInt("OUTBOX_SEGMENT_MB", 128)) * 1024 * 1024,
		SyncEvery:      envInt("OUTBOX_SYNC_EVERY", 1),
		SyncInterval:   envDur("OUTBOX_SYNC_INTERVAL", 2*time.Millisecond),
	}
}

func (c *Config) normalize() {
	if c.WorkerCount <= 0 {
		c.WorkerCount = 1
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 1
	}
	if c.BufferSize <= 0 {
		c.BufferSize = c.WorkerCount * c.BatchSize * 2
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Millisecond
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 60 * time.Second
	}
	if c.SegmentBytes <= 0 {
		c.SegmentBytes = 64 * 1024 * 1024
	}
	if c.SyncEvery <= 0 {
		c.SyncEvery = 1
	}
}

// Outbox journals events and drains them to a Publisher. It satisfies
// the engine's event sink.
type Outbox struct {
	cfg    Config
	pub    Publisher
	logger *log.Logger
	wal    *wal
	workCh chan *walRecord
	stopCh chan struct{}

	workerWG sync.WaitGroup
	retryWG  sync.WaitGroup

	mu       sync.Mutex
	inflight map[uint64]*walRecord
	acked    map[uint64]struct{}
	nextAck  uint64
	closing  bool

	delivered atomic.Uint64
	started   time.Time
}

// Open recovers the WAL at cfg.Dir, requeues every unacknowledged
// record and starts the delivery workers.
func Open(cfg Config, pub Publisher, logger *log.Logger) (*Outbox, error) {
	if pub == nil {
		return nil, errors.New("outbox publisher is required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	cfg.normalize()

	w, pending, err := openWAL(walConfig{
		dir:          cfg.Dir,
		segmentBytes: cfg.SegmentBytes,
		syncEvery:    cfg.SyncEvery,
		logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	o := &Outbox{
		cfg:      cfg,
		pub:      pub,
		logger:   logger,
		wal:      w,
		workCh:   make(chan *walRecord, cfg.BufferSize),
		stopCh:   make(chan struct{}),
		inflight: make(map[uint64]*walRecord),
		acked:    make(map[uint64]struct{}),
		nextAck:  w.committedOffset,
		started:  time.Now().UTC(),
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].Offset < pending[j].Offset })
	for _, rec := range pending {
		o.inflight[rec.Offset] = rec
	}
	if len(pending) > 0 {
		logger.Infof("outbox recovered %d undelivered events from %s", len(pending), cfg.Dir)
	}
	go func() {
		for _, rec := range pending {
			select {
			case o.workCh <- rec:
			case <-o.stopCh:
				return
			}
		}
	}()

	for i := 0; i < cfg.WorkerCount; i++ {
		o.workerWG.Add(1)
		go o.worker(i)
	}
	if cfg.SyncInterval > 0 {
		go o.syncLoop()
	}
	return o, nil
}

// Enqueue journals the event and hands it to a worker. The event is
// durable once Enqueue returns nil; a saturation or shutdown error means
// the record was rolled back and will not be delivered.
func (o *Outbox) Enqueue(evt domain.ChangeEvent) error {
	rec := &walRecord{
		Envelope:  domain.ChangeEnvelope{UserID: evt.Actor, Event: evt},
		Timestamp: time.Now().UTC(),
	}

	o.wal.mu.Lock()
	if err := o.wal.appendLocked(rec); err != nil {
		o.wal.mu.Unlock()
		return err
	}
	if err := o.wal.syncBatchedLocked(); err != nil {
		if rbErr := o.wal.rollbackLocked(rec); rbErr != nil {
			o.logger.WithError(rbErr).Error("wal rollback failed")
		}
		o.wal.mu.Unlock()
		return err
	}

	o.mu.Lock()
	o.inflight[rec.Offset] = rec
	o.mu.Unlock()

	// wal.mu stays held through the handoff so a rejected record is
	// still the newest append and can be truncated away.
	if err := o.dispatch(rec); err != nil {
		o.mu.Lock()
		delete(o.inflight, rec.Offset)
		o.mu.Unlock()
		if rbErr := o.wal.rollbackLocked(rec); rbErr != nil {
			o.logger.WithError(rbErr).Error("wal rollback failed")
		} else if syncErr := o.wal.syncNowLocked(); syncErr != nil {
			o.logger.WithError(syncErr).Error("wal sync after rollback failed")
		}
		o.wal.mu.Unlock()
		return err
	}
	o.wal.mu.Unlock()
	return nil
}

func (o *Outbox) dispatch(rec *walRecord) error {
	if o.cfg.HandoffTimeout <= 0 {
		select {
		case o.workCh <- rec:
			return nil
		default:
			return ErrSaturated
		}
	}

	timer := time.NewTimer(o.cfg.HandoffTimeout)
	defer timer.Stop()
	select {
	case o.workCh <- rec:
		return nil
	case <-timer.C:
		return ErrSaturated
	case <-o.stopCh:
		return errors.New("outbox shutting down")
	}
}

func (o *Outbox) worker(id int) {
	defer o.workerWG.Done()

	batch := make([]*walRecord, 0, o.cfg.BatchSize)
	timer := time.NewTimer(o.cfg.FlushInterval)
	defer timer.Stop()
	for {
		if len(batch) == 0 {
			select {
			case rec := <-o.workCh:
				if rec == nil {
					continue
				}
				batch = append(batch, rec)
				timer.Reset(o.cfg.FlushInterval)
			case <-o.stopCh:
				return
			}
		}

	gather:
		for len(batch) < o.cfg.BatchSize {
			select {
			case rec := <-o.workCh:
				if rec == nil {
					continue
				}
				batch = append(batch, rec)
			case <-timer.C:
				timer.Reset(o.cfg.FlushInterval)
				break gather
			case <-o.stopCh:
				return
			}
		}

		o.flush(batch, id)
		batch = batch[:0]
	}
}

func (o *Outbox) flush(batch []*walRecord, workerID int) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.PublishTimeout)
	defer cancel()

	var settled []*walRecord
	for _, rec := range batch {
		if err := o.pub.PublishEvent(ctx, rec.Envelope); err != nil {
			rec.Attempt++
			rec.LastErr = err.Error()
			o.logger.WithError(err).Errorf("event publish failed, worker=%d, event=%s, offset=%d, attempt=%d",
				workerID, rec.Envelope.Event.ID, rec.Offset, rec.Attempt)
			o.scheduleRetry(rec)
			continue
		}
		rec.Attempt = 0
		rec.LastErr = ""
		settled = append(settled, rec)
	}
	if len(settled) > 0 {
		o.markDelivered(settled)
	}
}

// markDelivered acknowledges records and advances the WAL checkpoint
// over the contiguous prefix. Out-of-order completions wait in acked
// until the gap before them closes.
func (o *Outbox) markDelivered(records []*walRecord) {
	var commit uint64

	o.mu.Lock()
	for _, rec := range records {
		delete(o.inflight, rec.Offset)
		o.acked[rec.Offset] = struct{}{}
	}
	o.delivered.Add(uint64(len(records)))
	for {
		next := o.nextAck + 1
		if _, ok := o.acked[next]; !ok {
			break
		}
		delete(o.acked, next)
		o.nextAck = next
		commit = next
	}
	o.mu.Unlock()

	if commit > 0 {
		o.wal.mu.Lock()
		if err := o.wal.commitLocked(commit); err != nil {
			o.logger.WithError(err).Error("failed to commit outbox checkpoint")
		}
		o.wal.mu.Unlock()
	}
}

func (o *Outbox) scheduleRetry(rec *walRecord) {
	o.mu.Lock()
	if o.closing {
		// The WAL keeps the record; the next Open redelivers it.
		o.mu.Unlock()
		return
	}
	o.retryWG.Add(1)
	o.mu.Unlock()

	delay := backoff(rec.Attempt, o.cfg.RetryInitial, o.cfg.RetryMax)
	timer := time.NewTimer(delay)
	go func() {
		defer o.retryWG.Done()
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case o.workCh <- rec:
			case <-o.stopCh:
			}
		case <-o.stopCh:
		}
	}()
}

func backoff(attempt int, initial, max time.Duration) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	if attempt <= 0 {
		return initial
	}
	if max <= 0 {
		max = 10 * time.Second
	}
	d := float64(initial) * math.Pow(2, float64(attempt-1))
	if d > float64(max) {
		d = float64(max)
	}
	jitter := 0.2 * d
	return time.Duration(d + (rand.Float64()-0.5)*2*jitter)
}

// Stats is a point-in-time snapshot of the export pipeline.
type Stats struct {
	QueueDepth int           `json:"queueDepth"`
	Buffered   int           `json:"buffered"`
	OldestAge  time.Duration `json:"oldestAge"`
	Delivered  uint64        `json:"delivered"`
	StartedAt  time.Time     `json:"startedAt"`
	DrainRate  float64       `json:"drainRatePerSecond"`
}

func (o *Outbox) Stats() Stats {
	o.mu.Lock()
	depth := len(o.inflight)
	var oldest time.Duration
	now := time.Now()
	for _, rec := range o.inflight {
		if age := now.Sub(rec.Timestamp); age > oldest {
			oldest = age
		}
	}
	o.mu.Unlock()

	delivered := o.delivered.Load()
	var rate float64
	if elapsed := time.Since(o.started); elapsed > 0 {
		rate = float64(delivered) / elapsed.Seconds()
	}
	return Stats{
		QueueDepth: depth,
		Buffered:   len(o.workCh),
		OldestAge:  oldest,
		Delivered:  delivered,
		StartedAt:  o.started,
		DrainRate:  rate,
	}
}

// Close stops accepting events and shuts the workers down. Undelivered
// records stay in the WAL for the next Open. Idempotent.
func (o *Outbox) Close() {
	o.mu.Lock()
	if o.closing {
		o.mu.Unlock()
		return
	}
	o.closing = true
	close(o.stopCh)
	o.mu.Unlock()

	o.workerWG.Wait()
	o.retryWG.Wait()
	if err := o.wal.close(); err != nil {
		o.logger.WithError(err).Error("outbox wal close failed")
	}
}

func (o *Outbox) syncLoop() {
	ticker := time.NewTicker(o.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			o.wal.mu.Lock()
			err := o.wal.syncNowLocked()
			o.wal.mu.Unlock()
			if err != nil {
				if errors.Is(err, errWALClosed) {
					return
				}
				o.logger.WithError(err).Error("outbox wal sync failed")
			}
		case <-o.stopCh:
			return
		}
	}
}
