package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/ilyrer/ImmoNow-sub004/board"
	"github.com/ilyrer/ImmoNow-sub004/domain"
)

const defaultCacheTTL = 5 * time.Minute

// Cache is a read-through Redis layer over any TaskService. Only
// whole-board lists are cached; filtered or limited lists always go to
// the backing store. Mutations evict and leave a baseline digest of
// the evicted payload behind, so the cache is not repopulated with
// data the backing store has not actually changed yet. Redis being
// unreachable degrades to pass-through, never to an error.
type Cache struct {
	base  board.TaskService
	redis *redis.Client
	ttl   time.Duration
}

// NewCache wraps base. A non-positive ttl falls back to the default.
func NewCache(base board.TaskService, client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

func cacheKey(boardID string) string    { return "board:tasks:" + boardID }
func baselineKey(boardID string) string { return cacheKey(boardID) + ":baseline" }

func digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func (c *Cache) ListTasks(ctx context.Context, boardID string, opts board.ListOptions) ([]domain.Task, error) {
	if len(opts.Statuses) > 0 || opts.Limit > 0 {
		return c.base.ListTasks(ctx, boardID, opts)
	}
	key := cacheKey(boardID)
	if cached, err := c.redis.Get(ctx, key).Bytes(); err == nil {
		var tasks []domain.Task
		if uerr := sonic.Unmarshal(cached, &tasks); uerr == nil {
			return tasks, nil
		}
		// poisoned entry, drop it and reload
		c.redis.Del(ctx, key)
	}
	tasks, err := c.base.ListTasks(ctx, boardID, opts)
	if err != nil {
		return nil, err
	}
	c.store(ctx, boardID, tasks)
	return tasks, nil
}

// store caches a freshly loaded board unless a pending baseline says
// the backing store still returns pre-eviction data. An empty baseline
// marks an eviction that found nothing cached; the first load after it
// records what it saw and stays uncached until the payload moves.
func (c *Cache) store(ctx context.Context, boardID string, tasks []domain.Task) {
	payload, err := sonic.Marshal(tasks)
	if err != nil {
		return
	}
	bKey := baselineKey(boardID)
	baseline, err := c.redis.Get(ctx, bKey).Result()
	switch {
	case err == nil:
		d := digest(payload)
		if baseline == "" {
			c.redis.Set(ctx, bKey, d, c.ttl)
			return
		}
		if baseline == d {
			return
		}
		c.redis.Del(ctx, bKey)
	case errors.Is(err, redis.Nil):
		// no pending eviction
	default:
		return
	}
	c.redis.Set(ctx, cacheKey(boardID), payload, c.ttl)
}

// evict drops the cached board and records a digest of what was
// cached, so later loads can tell "still the old data" from "changed".
func (c *Cache) evict(ctx context.Context, boardID string) {
	key := cacheKey(boardID)
	baseline := ""
	prev, err := c.redis.Get(ctx, key).Result()
	switch {
	case err == nil:
		baseline = digest([]byte(prev))
	case errors.Is(err, redis.Nil):
	default:
		return
	}
	c.redis.Del(ctx, key)
	c.redis.Set(ctx, baselineKey(boardID), baseline, c.ttl)
}

func (c *Cache) CreateTask(ctx context.Context, boardID string, draft domain.TaskDraft) (domain.Task, error) {
	t, err := c.base.CreateTask(ctx, boardID, draft)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, boardID)
	return t, nil
}

func (c *Cache) UpdateTask(ctx context.Context, boardID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	t, err := c.base.UpdateTask(ctx, boardID, taskID, patch)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, boardID)
	return t, nil
}

func (c *Cache) MoveTask(ctx context.Context, boardID, taskID string, status domain.Status) (domain.Task, error) {
	t, err := c.base.MoveTask(ctx, boardID, taskID, status)
	if err != nil {
		return domain.Task{}, err
	}
	c.evict(ctx, boardID)
	return t, nil
}

func (c *Cache) DeleteTask(ctx context.Context, boardID, taskID string) error {
	if err := c.base.DeleteTask(ctx, boardID, taskID); err != nil {
		return err
	}
	c.evict(ctx, boardID)
	return nil
}

func (c *Cache) BulkUpdateTasks(ctx context.Context, boardID string, taskIDs []string, patch domain.TaskPatch) (domain.BulkResult, error) {
	res, err := c.base.BulkUpdateTasks(ctx, boardID, taskIDs, patch)
	if err != nil {
		return domain.BulkResult{}, err
	}
	c.evict(ctx, boardID)
	return res, nil
}
