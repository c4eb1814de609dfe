package ci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	itemTTL        = 24 * time.Hour
	keyPrefix      = "buildercloud"
	globalQueueKey = keyPrefix + ":queue"
)

func itemKey(id string) string     { return fmt.Sprintf("%s:item:%s", keyPrefix, id) }
func labelKey(label string) string { return fmt.Sprintf("%s:queue:%s", keyPrefix, label) }

func runningKey(label string) string {
	return fmt.Sprintf("%s:running:%s", keyPrefix, label)
}

// RedisQueue keeps pending CI items in Redis lists, one per label plus a
// global list in arrival order. Started items are tracked in a set per label.
type RedisQueue struct {
	redis *redis.Client
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue connects to redisURL and verifies the connection.
func NewRedisQueue(ctx context.Context, redisURL string) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisQueue{redis: client}, nil
}

// Enqueue records a pending item for label.
func (q *RedisQueue) Enqueue(ctx context.Context, label string) (QueueItem, error) {
	item := QueueItem{
		ID:        uuid.NewString(),
		Label:     label,
		Status:    ItemPending,
		CreatedAt: time.Now().Unix(),
	}
	data, err := json.Marshal(item)
	if err != nil {
		return QueueItem{}, err
	}

	pipe := q.redis.TxPipeline()
	pipe.Set(ctx, itemKey(item.ID), data, itemTTL)
	pipe.RPush(ctx, labelKey(label), item.ID)
	pipe.RPush(ctx, globalQueueKey, item.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return QueueItem{}, fmt.Errorf("enqueue %s: %w", label, err)
	}
	return item, nil
}

func (q *RedisQueue) Pending(ctx context.Context, label string) (bool, error) {
	n, err := q.redis.LLen(ctx, labelKey(label)).Result()
	if err != nil {
		return false, fmt.Errorf("queue length for %s: %w", label, err)
	}
	return n > 0, nil
}

func (q *RedisQueue) Running(ctx context.Context, label string) (bool, error) {
	n, err := q.redis.SCard(ctx, runningKey(label)).Result()
	if err != nil {
		return false, fmt.Errorf("running items for %s: %w", label, err)
	}
	return n > 0, nil
}

// Finish marks a started item as done.
func (q *RedisQueue) Finish(ctx context.Context, id string) (QueueItem, error) {
	data, err := q.redis.Get(ctx, itemKey(id)).Bytes()
	if err == redis.Nil {
		return QueueItem{}, ErrItemNotFound
	}
	if err != nil {
		return QueueItem{}, err
	}
	var item QueueItem
	if err := json.Unmarshal(data, &item); err != nil {
		return QueueItem{}, err
	}
	if item.Status != ItemStarted {
		return QueueItem{}, ErrItemNotFound
	}
	item.Status = ItemFinished
	updated, err := json.Marshal(item)
	if err != nil {
		return QueueItem{}, err
	}

	pipe := q.redis.TxPipeline()
	pipe.SRem(ctx, runningKey(item.Label), id)
	pipe.Set(ctx, itemKey(id), updated, itemTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return QueueItem{}, fmt.Errorf("finish %s: %w", id, err)
	}
	return item, nil
}

func (q *RedisQueue) Cancel(ctx context.Context, label string) (bool, error) {
	_, err := q.take(ctx, labelKey(label), ItemCancelled)
	if errors.Is(err, ErrItemNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (q *RedisQueue) CancelFirst(ctx context.Context) (bool, error) {
	_, err := q.take(ctx, globalQueueKey, ItemCancelled)
	if errors.Is(err, ErrItemNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Start takes the oldest pending item for label for execution.
func (q *RedisQueue) Start(ctx context.Context, label string) (QueueItem, error) {
	return q.take(ctx, labelKey(label), ItemStarted)
}

// take pops item ids from list until one with a live record is found, removes
// it from the other list and stores its new status.
func (q *RedisQueue) take(ctx context.Context, list string, status ItemStatus) (QueueItem, error) {
	for {
		id, err := q.redis.LPop(ctx, list).Result()
		if err == redis.Nil {
			return QueueItem{}, ErrItemNotFound
		}
		if err != nil {
			return QueueItem{}, err
		}

		data, err := q.redis.Get(ctx, itemKey(id)).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return QueueItem{}, err
		}

		var item QueueItem
		if err := json.Unmarshal(data, &item); err != nil {
			return QueueItem{}, err
		}

		other := globalQueueKey
		if list == globalQueueKey {
			other = labelKey(item.Label)
		}
		item.Status = status
		updated, _ := json.Marshal(item)

		pipe := q.redis.TxPipeline()
		pipe.LRem(ctx, other, 1, id)
		pipe.Set(ctx, itemKey(id), updated, itemTTL)
		if status == ItemStarted {
			pipe.SAdd(ctx, runningKey(item.Label), id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return QueueItem{}, err
		}
		return item, nil
	}
}

func (q *RedisQueue) Close() error {
	return q.redis.Close()
}
