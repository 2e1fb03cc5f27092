package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("queue is closed")

type Kind string

const (
	KindNewMessage    Kind = "new_message"
	KindUpdateMessage Kind = "update_message"
	KindDeleteMessage Kind = "delete_message"
	KindTitleUpdated  Kind = "title_updated"
	KindPhotoUpdated  Kind = "photo_updated"
)

// Item is a unit of delivery work. ID is used for deduplication by the broker.
type Item struct {
	ID        string `json:"id"`
	Kind      Kind   `json:"kind"`
	ChatID    int64  `json:"cid"`
	MessageID int64  `json:"mid,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
}

// NewItem returns item with a fresh id
func NewItem(kind Kind, cid, mid int64) Item {
	return Item{ID: uuid.New().String(), Kind: kind, ChatID: cid, MessageID: mid}
}

// Handler processes one item. A returned error makes the item redelivered.
type Handler func(ctx context.Context, item Item) error

// Queue is an at-least-once work queue
type Queue interface {
	Enqueue(ctx context.Context, item Item) error
	// Consume runs handler in concurrency goroutines until ctx is done
	Consume(ctx context.Context, concurrency int, h Handler) error
	Close() error
}

// MemoryQueue is an in-process Queue. Failed items are retried up to maxDeliver times.
type MemoryQueue struct {
	logger     *zap.SugaredLogger
	maxDeliver int

	mu     sync.Mutex
	items  []Item
	closed bool
	signal chan struct{}
}

func NewMemoryQueue(logger *zap.SugaredLogger, maxDeliver int) *MemoryQueue {
	if maxDeliver < 1 {
		maxDeliver = 1
	}
	return &MemoryQueue{logger: logger, maxDeliver: maxDeliver, signal: make(chan struct{}, 1)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, item Item) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	q.items = append(q.items, item)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of pending items
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *MemoryQueue) pop() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Item{}, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

func (q *MemoryQueue) handle(ctx context.Context, item Item, h Handler) {
	item.Attempt++
	err := h(ctx, item)
	if err == nil {
		return
	}
	if item.Attempt >= q.maxDeliver {
		q.logger.Errorf("Dropping %s item %s after %d attempts: %v", item.Kind, item.ID, item.Attempt, err)
		return
	}
	q.logger.Warnf("Retrying %s item %s: %v", item.Kind, item.ID, err)
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
}

// RunPending processes items synchronously until the queue is empty
func (q *MemoryQueue) RunPending(ctx context.Context, h Handler) {
	for {
		item, ok := q.pop()
		if !ok {
			return
		}
		q.handle(ctx, item, h)
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, concurrency int, h Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if item, ok := q.pop(); ok {
					q.handle(ctx, item, h)
					continue
				}
				select {
				case <-ctx.Done():
					return
				case <-q.signal:
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}
