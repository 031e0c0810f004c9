package storage

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"

	"github.com/ilyrer/ImmoNow-sub004/board"
	"github.com/ilyrer/ImmoNow-sub004/domain"
)

// Bulk updates fan out over the table client. The width scales with
// the machine but stays inside the table account's tolerance.
const (
	queuePerCPU             = 10
	defaultQueueConcurrency = 8
	maxQueueConcurrency     = 64
)

func queueConcurrency() int {
	return queueConcurrencyForCPU(runtime.NumCPU())
}

func queueConcurrencyForCPU(cpu int) int {
	if cpu <= 0 {
		return defaultQueueConcurrency
	}
	n := cpu * queuePerCPU
	if n > maxQueueConcurrency {
		return maxQueueConcurrency
	}
	return n
}

// queueClient is the slice of azqueue.QueueClient the store uses.
// Tests substitute a fake.
type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// Azure persists tasks in an Azure Storage table, partitioned by board
// id with the task id as row key. Committed change envelopes go out
// through a Storage queue, which makes the store double as the event
// publisher for downstream consumers.
type Azure struct {
	tasks      *aztables.Client
	eventQueue queueClient
	now        func() time.Time
}

// NewAzure builds clients from the given connection string. Table
// reads retry conservatively; the event queue retries harder because
// losing an envelope costs more than a late one.
func NewAzure(connStr, tasksTable, eventQueue string) (*Azure, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	tt := svc.NewClient(tasksTable)
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	eq, err := azqueue.NewQueueClientFromConnectionString(connStr, eventQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Azure{tasks: tt, eventQueue: eq, now: time.Now}, nil
}

// taskEntity is the table row shape. The scalar columns exist so
// server-side filters can reach them; Payload carries the complete
// task and is the source of truth on read.
type taskEntity struct {
	aztables.Entity
	Title    string `json:"Title"`
	Priority string `json:"Priority"`
	Status   string `json:"Status"`
	Assignee string `json:"Assignee"`
	Progress int32  `json:"Progress"`
	Payload  string `json:"Payload"`
}

func encodeTaskEntity(boardID string, t domain.Task) ([]byte, error) {
	payload, err := sonic.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("encode task payload: %w", err)
	}
	ent := taskEntity{
		Entity: aztables.Entity{
			PartitionKey: boardID,
			RowKey:       t.ID,
		},
		Title:    t.Title,
		Priority: string(t.Priority),
		Status:   string(t.Status),
		Assignee: t.Assignee,
		Progress: int32(t.Progress),
		Payload:  string(payload),
	}
	data, err := sonic.Marshal(ent)
	if err != nil {
		return nil, fmt.Errorf("encode task entity: %w", err)
	}
	return data, nil
}

func decodeTaskEntity(data []byte) (domain.Task, error) {
	var ent taskEntity
	if err := sonic.Unmarshal(data, &ent); err != nil {
		return domain.Task{}, fmt.Errorf("decode task entity: %w", err)
	}
	var t domain.Task
	if err := sonic.Unmarshal([]byte(ent.Payload), &t); err != nil {
		return domain.Task{}, fmt.Errorf("decode task payload: %w", err)
	}
	return t, nil
}

// isNotFound unwraps the table service's 404 into the domain error the
// coordinator understands.
func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func (a *Azure) ListTasks(ctx context.Context, boardID string, opts board.ListOptions) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + boardID + "'"
	if len(opts.Statuses) > 0 {
		parts := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			parts[i] = "Status eq '" + string(st) + "'"
		}
		filter += " and (" + strings.Join(parts, " or ") + ")"
	}
	listOpts := &aztables.ListEntitiesOptions{Filter: &filter}
	if opts.Limit > 0 {
		top := int32(opts.Limit)
		listOpts.Top = &top
	}
	pager := a.tasks.NewListEntitiesPager(listOpts)
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list tasks: %w", err)
		}
		for _, e := range resp.Entities {
			t, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
			if opts.Limit > 0 && len(tasks) >= opts.Limit {
				return tasks, nil
			}
		}
	}
	return tasks, nil
}

func (a *Azure) getTask(ctx context.Context, boardID, taskID string) (domain.Task, error) {
	resp, err := a.tasks.GetEntity(ctx, boardID, taskID, nil)
	if isNotFound(err) {
		return domain.Task{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Task{}, fmt.Errorf("get task: %w", err)
	}
	return decodeTaskEntity(resp.Value)
}

func (a *Azure) putTask(ctx context.Context, boardID string, t domain.Task) error {
	data, err := encodeTaskEntity(boardID, t)
	if err != nil {
		return err
	}
	opts := &aztables.UpsertEntityOptions{UpdateMode: aztables.UpdateModeReplace}
	if _, err := a.tasks.UpsertEntity(ctx, data, opts); err != nil {
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

func (a *Azure) CreateTask(ctx context.Context, boardID string, draft domain.TaskDraft) (domain.Task, error) {
	t := newTask(draft, a.now().UTC())
	if err := a.putTask(ctx, boardID, t); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (a *Azure) UpdateTask(ctx context.Context, boardID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	cur, err := a.getTask(ctx, boardID, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	next := patched(cur, patch, a.now().UTC())
	if err := a.putTask(ctx, boardID, next); err != nil {
		return domain.Task{}, err
	}
	return next, nil
}

func (a *Azure) MoveTask(ctx context.Context, boardID, taskID string, status domain.Status) (domain.Task, error) {
	return a.UpdateTask(ctx, boardID, taskID, domain.TaskPatch{Status: &status})
}

func (a *Azure) DeleteTask(ctx context.Context, boardID, taskID string) error {
	_, err := a.tasks.DeleteEntity(ctx, boardID, taskID, nil)
	if isNotFound(err) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

func (a *Azure) BulkUpdateTasks(ctx context.Context, boardID string, taskIDs []string, patch domain.TaskPatch) (domain.BulkResult, error) {
	type outcome struct {
		id  string
		err error
	}
	outcomes := make([]outcome, len(taskIDs))
	runBounded(len(taskIDs), queueConcurrency(), func(i int) {
		_, err := a.UpdateTask(ctx, boardID, taskIDs[i], patch)
		outcomes[i] = outcome{id: taskIDs[i], err: err}
	})

	var res domain.BulkResult
	for _, o := range outcomes {
		if o.err != nil {
			res.Failed = append(res.Failed, o.id)
			res.Errors = append(res.Errors, domain.BulkError{
				TaskID: o.id,
				Err:    o.err,
				Detail: o.err.Error(),
			})
			continue
		}
		res.Updated = append(res.Updated, o.id)
	}
	return res, nil
}

// PublishEvent sends a committed change envelope to the event queue.
// It satisfies the outbox publisher contract, so an Azure-backed
// deployment exports events without a separate broker.
func (a *Azure) PublishEvent(ctx context.Context, env domain.ChangeEnvelope) error {
	data, err := sonic.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode event envelope: %w", err)
	}
	if _, err := a.eventQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
		return fmt.Errorf("enqueue event %s: %w", env.Event.ID, err)
	}
	return nil
}

// runBounded invokes fn(0..count-1) on goroutines, at most width at a
// time. A slot is claimed before each launch, so width 1 degrades to
// strictly sequential calls.
func runBounded(count, width int, fn func(int)) {
	if width < 1 {
		width = 1
	}
	sem := make(chan struct{}, width)
	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}
