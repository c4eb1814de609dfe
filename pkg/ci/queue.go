package ci

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ItemStatus is the state of a queued CI work item.
type ItemStatus string

const (
	ItemPending   ItemStatus = "pending"
	ItemCancelled ItemStatus = "cancelled"
	ItemStarted   ItemStatus = "started"
	ItemFinished  ItemStatus = "finished"
)

// ErrItemNotFound is returned for unknown queue items.
var ErrItemNotFound = errors.New("queue item not found")

// QueueItem is a unit of pending CI work keyed by label.
type QueueItem struct {
	ID        string     `json:"id"`
	Label     string     `json:"label"`
	Status    ItemStatus `json:"status"`
	CreatedAt int64      `json:"created_at"`
}

// Queue is the CI queue as seen by the builder cloud. Cancel removes the
// oldest pending item for a label and reports whether one existed.
// CancelFirst does the same across all labels. Running reports items a
// builder has started and not yet finished.
type Queue interface {
	Pending(ctx context.Context, label string) (bool, error)
	Running(ctx context.Context, label string) (bool, error)
	Cancel(ctx context.Context, label string) (bool, error)
	CancelFirst(ctx context.Context) (bool, error)
}

// MemQueue is an in-memory Queue used by single-process deployments and tests.
type MemQueue struct {
	mu    sync.Mutex
	items []*QueueItem
}

var _ Queue = (*MemQueue)(nil)

func NewMemQueue() *MemQueue {
	return &MemQueue{}
}

// Enqueue appends a pending item for label.
func (q *MemQueue) Enqueue(ctx context.Context, label string) (QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item := &QueueItem{
		ID:        uuid.NewString(),
		Label:     label,
		Status:    ItemPending,
		CreatedAt: time.Now().Unix(),
	}
	q.items = append(q.items, item)
	return *item, nil
}

// Start marks the oldest pending item for label as taken by a builder.
func (q *MemQueue) Start(ctx context.Context, label string) (QueueItem, error) {
	return q.take(label, ItemStarted)
}

func (q *MemQueue) take(label string, status ItemStatus) (QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.Status == ItemPending && (label == "" || item.Label == label) {
			item.Status = status
			return *item, nil
		}
	}
	return QueueItem{}, ErrItemNotFound
}

func (q *MemQueue) Pending(ctx context.Context, label string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.Status == ItemPending && item.Label == label {
			return true, nil
		}
	}
	return false, nil
}

func (q *MemQueue) Running(ctx context.Context, label string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.Status == ItemStarted && item.Label == label {
			return true, nil
		}
	}
	return false, nil
}

// Finish marks a started item as done.
func (q *MemQueue) Finish(ctx context.Context, id string) (QueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, item := range q.items {
		if item.ID == id && item.Status == ItemStarted {
			item.Status = ItemFinished
			return *item, nil
		}
	}
	return QueueItem{}, ErrItemNotFound
}

func (q *MemQueue) Cancel(ctx context.Context, label string) (bool, error) {
	if _, err := q.take(label, ItemCancelled); err != nil {
		if errors.Is(err, ErrItemNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (q *MemQueue) CancelFirst(ctx context.Context) (bool, error) {
	return q.Cancel(ctx, "")
}

// Items returns a snapshot of every item, oldest first.
func (q *MemQueue) Items() []QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QueueItem, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, *item)
	}
	return out
}
