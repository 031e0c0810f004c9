package board

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/ilyrer/ImmoNow-sub004/domain"
)

// bg detaches persistence calls from caller contexts: a mutation whose
// caller goes away still settles and reconciles the store.
var bg = context.Background()

// Options configures an engine session.
type Options struct {
	Board   domain.Board
	Service TaskService
	Sink    EventSink
	Policy  TerminalPolicy
	Logger  *log.Logger
	Now     func() time.Time
}

// Engine is the mutation coordinator for one open board: the only
// mutator of the task store and the only caller of the task service.
// Mutations are optimistic: the store changes first, the persistence
// call settles outside the lock, and a failure restores the affected
// record exactly as it was.
type Engine struct {
	board  domain.Board
	rules  Rules
	svc    TaskService
	sink   EventSink
	broker *Broker
	logger *log.Logger
	now    func() time.Time

	mu     sync.Mutex
	store  *Store
	lanes  map[string]*lane
	closed bool

	wg sync.WaitGroup
}

// lane serializes mutations on a single task id. A second mutation on
// the same id queues behind the first's resolution; mutations on
// different ids are concurrent.
type lane struct {
	mu   sync.Mutex
	refs int
}

// Open hydrates an engine from the task service and returns it ready
// for commands. The caller's context governs only the initial fetch.
func Open(ctx context.Context, opts Options) (*Engine, error) {
	if err := opts.Board.Validate(); err != nil {
		return nil, err
	}
	if opts.Service == nil {
		return nil, fmt.Errorf("board %s: task service is required", opts.Board.ID)
	}
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Policy == "" {
		opts.Policy = BlockOnTerminal
	}

	tasks, err := opts.Service.ListTasks(ctx, opts.Board.ID, ListOptions{})
	if err != nil {
		return nil, &domain.PersistenceError{Op: "list", Err: err}
	}

	return &Engine{
		board:  opts.Board,
		rules:  Rules{Board: opts.Board, Policy: opts.Policy},
		svc:    opts.Service,
		sink:   opts.Sink,
		broker: NewBroker(),
		logger: opts.Logger,
		now:    opts.Now,
		store:  NewStore(tasks),
		lanes:  make(map[string]*lane),
	}, nil
}

// Board returns the board definition the engine was opened with.
func (e *Engine) Board() domain.Board { return e.board }

// Snapshot returns copies of all tasks in store order.
func (e *Engine) Snapshot() []domain.Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.List()
}

// Task returns a copy of one task.
func (e *Engine) Task(id string) (domain.Task, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.store.Get(id)
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, nil
}

// View returns the filtered, ordered task view.
func (e *Engine) View(c domain.Criteria, key domain.SortKey, order domain.SortOrder) []domain.Task {
	return ApplyView(e.board, e.Snapshot(), c, key, order, e.now())
}

// WIP returns the per-column load for the current store.
func (e *Engine) WIP() map[domain.Status]ColumnLoad {
	return EvaluateWIP(e.board, e.Snapshot())
}

// Statistics returns the derived summary for the current store.
func (e *Engine) Statistics() Statistics {
	return ComputeStatistics(e.board, e.Snapshot(), e.now())
}

// Subscribe registers a change-event subscriber.
func (e *Engine) Subscribe() chan domain.ChangeEvent { return e.broker.Subscribe() }

// Unsubscribe removes a subscriber registered with Subscribe.
func (e *Engine) Unsubscribe(ch chan domain.ChangeEvent) { e.broker.Unsubscribe(ch) }

// Close stops new mutations, waits for in-flight ones to settle and
// closes all subscriptions. Idempotent.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
	e.broker.Close()
}

// Create inserts an optimistic record under a temporary id, persists
// the draft, and replaces the record with the server-confirmed task at
// the same position. On failure the optimistic record is removed.
func (e *Engine) Create(ctx context.Context, actor string, draft domain.TaskDraft) (domain.Task, error) {
	task, err := e.newTask(draft, actor)
	if err != nil {
		return domain.Task{}, err
	}
	draft.Priority = task.Priority
	draft.Status = task.Status

	l, err := e.acquireLane(task.ID)
	if err != nil {
		return domain.Task{}, err
	}
	defer e.releaseLane(task.ID, l)

	e.mu.Lock()
	e.store.Insert(task)
	e.mu.Unlock()

	settled, svcErr := e.svc.CreateTask(bg, e.board.ID, draft)

	e.mu.Lock()
	if svcErr != nil {
		e.store.Remove(task.ID)
		e.mu.Unlock()
		e.logFailure(ctx, "create", task.ID, svcErr)
		return domain.Task{}, &domain.PersistenceError{Op: "create", TaskID: task.ID, Err: svcErr}
	}
	e.store.Rename(task.ID, settled)
	e.mu.Unlock()

	e.publish(domain.OpCreated, settled.ID, actor, nextTimestamp(), settled)
	return settled, nil
}

// Update snapshots the record, applies the patch optimistically and
// persists it. Success replaces the record with the server response in
// full; failure restores the snapshot verbatim.
func (e *Engine) Update(ctx context.Context, actor, id string, patch domain.TaskPatch) (domain.Task, error) {
	if err := patch.Validate(); err != nil {
		return domain.Task{}, err
	}
	if patch.IsZero() {
		return e.Task(id)
	}

	l, err := e.acquireLane(id)
	if err != nil {
		return domain.Task{}, err
	}
	defer e.releaseLane(id, l)

	e.mu.Lock()
	before, ok := e.store.Get(id)
	if !ok {
		e.mu.Unlock()
		return domain.Task{}, domain.ErrNotFound
	}
	if patch.Status != nil && *patch.Status != before.Status {
		if d := e.rules.CanTransition(before, *patch.Status, false, e.store.List()); !d.Allowed {
			e.mu.Unlock()
			return domain.Task{}, d.Err()
		}
	}
	after := e.applyPatch(before, patch, actor)
	e.store.Replace(after)
	e.mu.Unlock()

	settled, svcErr := e.svc.UpdateTask(bg, e.board.ID, id, patch)

	e.mu.Lock()
	if svcErr != nil {
		e.store.Replace(before)
		e.mu.Unlock()
		e.logFailure(ctx, "update", id, svcErr)
		return domain.Task{}, &domain.PersistenceError{Op: "update", TaskID: id, Err: svcErr}
	}
	e.store.Replace(settled)
	e.mu.Unlock()

	e.publish(domain.OpUpdated, id, actor, nextTimestamp(), patch)
	return settled, nil
}

// Move runs the transition validator before anything else: a denied
// move fails synchronously with the validator's reason, touching
// neither the store nor the network. force bypasses the WIP check
// only.
func (e *Engine) Move(ctx context.Context, actor, id string, to domain.Status, force bool) (domain.Task, error) {
	l, err := e.acquireLane(id)
	if err != nil {
		return domain.Task{}, err
	}
	defer e.releaseLane(id, l)

	e.mu.Lock()
	before, ok := e.store.Get(id)
	if !ok {
		e.mu.Unlock()
		return domain.Task{}, domain.ErrNotFound
	}
	decision := e.rules.CanTransition(before, to, force, e.store.List())
	if !decision.Allowed {
		e.mu.Unlock()
		return domain.Task{}, decision.Err()
	}
	if decision.Warning != "" {
		e.logger.WithFields(log.Fields{"board": e.board.ID, "task": id}).Warn(decision.Warning)
	}
	status := to
	after := e.applyPatch(before, domain.TaskPatch{Status: &status}, actor)
	e.store.Replace(after)
	e.mu.Unlock()

	settled, svcErr := e.svc.MoveTask(bg, e.board.ID, id, to)

	e.mu.Lock()
	if svcErr != nil {
		e.store.Replace(before)
		e.mu.Unlock()
		e.logFailure(ctx, "move", id, svcErr)
		return domain.Task{}, &domain.PersistenceError{Op: "move", TaskID: id, Err: svcErr}
	}
	e.store.Replace(settled)
	e.mu.Unlock()

	e.publish(domain.OpMoved, id, actor, nextTimestamp(), moveDetail{From: before.Status, To: to})
	return settled, nil
}

// Delete removes the record optimistically, remembering its position;
// a persistence failure re-inserts it exactly where it was.
func (e *Engine) Delete(ctx context.Context, actor, id string) error {
	l, err := e.acquireLane(id)
	if err != nil {
		return err
	}
	defer e.releaseLane(id, l)

	e.mu.Lock()
	removed, pos, ok := e.store.Remove(id)
	if !ok {
		e.mu.Unlock()
		return domain.ErrNotFound
	}
	e.mu.Unlock()

	svcErr := e.svc.DeleteTask(bg, e.board.ID, id)

	if svcErr != nil {
		e.mu.Lock()
		e.store.InsertAt(removed, pos)
		e.mu.Unlock()
		e.logFailure(ctx, "delete", id, svcErr)
		return &domain.PersistenceError{Op: "delete", TaskID: id, Err: svcErr}
	}

	e.publish(domain.OpDeleted, id, actor, nextTimestamp(), removed)
	return nil
}

// BulkUpdate applies one patch across many ids with per-task
// validation and reporting. Tasks that fail locally or server-side are
// rolled back individually; partial failure is a structured result,
// never an error. Only a whole-call transport failure returns an
// error, after rolling back every applied record.
func (e *Engine) BulkUpdate(ctx context.Context, actor string, ids []string, patch domain.TaskPatch) (domain.BulkResult, error) {
	var res domain.BulkResult
	if err := patch.Validate(); err != nil {
		return res, err
	}
	if patch.IsZero() {
		return res, fmt.Errorf("bulk update with empty patch: %w", domain.ErrInvalidTask)
	}

	unique := uniqueSorted(ids)
	lanes, err := e.acquireLanes(unique)
	if err != nil {
		return res, err
	}
	defer e.releaseLanes(unique, lanes)

	before := make(map[string]domain.Task, len(unique))
	var applied []string

	e.mu.Lock()
	for _, id := range unique {
		prev, ok := e.store.Get(id)
		if !ok {
			res.Failed = append(res.Failed, id)
			res.Errors = append(res.Errors, domain.BulkError{TaskID: id, Err: domain.ErrNotFound, Detail: "task not found"})
			continue
		}
		if patch.Status != nil && *patch.Status != prev.Status {
			if d := e.rules.CanTransition(prev, *patch.Status, false, e.store.List()); !d.Allowed {
				res.Failed = append(res.Failed, id)
				res.Errors = append(res.Errors, domain.BulkError{TaskID: id, Err: d.Err(), Detail: d.Detail})
				continue
			}
		}
		e.store.Replace(e.applyPatch(prev, patch, actor))
		before[id] = prev
		applied = append(applied, id)
	}
	e.mu.Unlock()

	if len(applied) == 0 {
		return res, nil
	}

	svcRes, svcErr := e.svc.BulkUpdateTasks(bg, e.board.ID, applied, patch)

	e.mu.Lock()
	if svcErr != nil {
		for _, id := range applied {
			e.store.Replace(before[id])
		}
		e.mu.Unlock()
		e.logFailure(ctx, "bulk_update", "", svcErr)
		return res, &domain.PersistenceError{Op: "bulk_update", Err: svcErr}
	}
	rejected := make(map[string]string, len(svcRes.Failed))
	for _, id := range svcRes.Failed {
		rejected[id] = "rejected by persistence"
	}
	for _, be := range svcRes.Errors {
		if be.Detail != "" {
			rejected[be.TaskID] = be.Detail
		}
	}
	for _, id := range applied {
		if detail, failed := rejected[id]; failed {
			e.store.Replace(before[id])
			res.Failed = append(res.Failed, id)
			res.Errors = append(res.Errors, domain.BulkError{
				TaskID: id,
				Err:    &domain.PersistenceError{Op: "bulk_update", TaskID: id, Err: fmt.Errorf("%s", detail)},
				Detail: detail,
			})
			continue
		}
		res.Updated = append(res.Updated, id)
	}
	e.mu.Unlock()

	if len(res.Updated) > 0 {
		start := nextTimestampRange(len(res.Updated))
		for i, id := range res.Updated {
			e.publish(domain.OpBulkUpdated, id, actor, start+int64(i), patch)
		}
	}
	return res, nil
}

func (e *Engine) newTask(draft domain.TaskDraft, actor string) (domain.Task, error) {
	now := e.now()
	t := domain.Task{
		ID:             "local-" + uuid.NewString(),
		Title:          draft.Title,
		Description:    draft.Description,
		Priority:       draft.Priority,
		Status:         draft.Status,
		Assignee:       draft.Assignee,
		EstimatedHours: draft.EstimatedHours,
		ImpactScore:    draft.ImpactScore,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if draft.DueDate != nil {
		due := *draft.DueDate
		t.DueDate = &due
	}
	if draft.Tags != nil {
		t.Tags = append([]string(nil), draft.Tags...)
	}
	if draft.Labels != nil {
		t.Labels = append([]domain.Label(nil), draft.Labels...)
	}
	if draft.Subtasks != nil {
		t.Subtasks = append([]domain.Subtask(nil), draft.Subtasks...)
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityMedium
	}
	if t.Status == "" {
		t.Status = e.board.Columns[0].ID
	}
	if !e.board.Accepts(t.Status) {
		return domain.Task{}, fmt.Errorf("status %q does not resolve to a column on board %s: %w", t.Status, e.board.ID, domain.ErrInvalidTask)
	}
	if err := t.Validate(); err != nil {
		return domain.Task{}, err
	}
	t.Activity = []domain.ActivityEntry{domain.NewActivityEntry(domain.ActivityCreated, actor, "task created", now)}
	return t, nil
}

// applyPatch produces the optimistic successor record: patch applied,
// UpdatedAt bumped, activity entry appended.
func (e *Engine) applyPatch(before domain.Task, patch domain.TaskPatch, actor string) domain.Task {
	now := e.now()
	after := before.Clone()
	patch.Apply(&after)
	after.UpdatedAt = now
	kind := domain.ClassifyChange(before, after)
	after.Activity = append(after.Activity, domain.NewActivityEntry(kind, actor, "", now))
	return after
}

type moveDetail struct {
	From domain.Status `json:"from"`
	To   domain.Status `json:"to"`
}

// publish hands the committed change to in-process subscribers and,
// when configured, the durable event sink.
func (e *Engine) publish(op domain.ChangeOperation, taskID, actor string, ts int64, detail any) {
	evt := domain.ChangeEvent{
		ID:        uuid.NewString(),
		BoardID:   e.board.ID,
		TaskID:    taskID,
		Op:        op,
		Actor:     actor,
		Timestamp: ts,
	}
	if detail != nil {
		if data, err := sonic.Marshal(detail); err == nil {
			evt.Detail = data
		}
	}
	e.broker.Publish(evt)
	if e.sink != nil {
		if err := e.sink.Enqueue(evt); err != nil {
			e.logger.WithError(err).WithFields(log.Fields{
				"board": e.board.ID,
				"task":  taskID,
				"op":    op,
			}).Warn("event sink enqueue failed")
		}
	}
}

func (e *Engine) logFailure(ctx context.Context, op, taskID string, err error) {
	entry := e.logger.WithError(err).WithFields(log.Fields{
		"board": e.board.ID,
		"task":  taskID,
		"op":    op,
	})
	if ctx.Err() != nil {
		entry.Error("mutation failed after caller went away; store reconciled")
		return
	}
	entry.Warn("mutation rolled back")
}

func (e *Engine) acquireLane(id string) (*lane, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	l := e.lanes[id]
	if l == nil {
		l = &lane{}
		e.lanes[id] = l
	}
	l.refs++
	e.wg.Add(1)
	e.mu.Unlock()
	l.mu.Lock()
	return l, nil
}

func (e *Engine) releaseLane(id string, l *lane) {
	l.mu.Unlock()
	e.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(e.lanes, id)
	}
	e.mu.Unlock()
	e.wg.Done()
}

// acquireLanes takes every lane in sorted id order so overlapping bulk
// updates cannot deadlock.
func (e *Engine) acquireLanes(ids []string) ([]*lane, error) {
	lanes := make([]*lane, 0, len(ids))
	for _, id := range ids {
		l, err := e.acquireLane(id)
		if err != nil {
			for i := len(lanes) - 1; i >= 0; i-- {
				e.releaseLane(ids[i], lanes[i])
			}
			return nil, err
		}
		lanes = append(lanes, l)
	}
	return lanes, nil
}

func (e *Engine) releaseLanes(ids []string, lanes []*lane) {
	for i := len(lanes) - 1; i >= 0; i-- {
		e.releaseLane(ids[i], lanes[i])
	}
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
