package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemoryQueueRetries(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(zap.NewNop().Sugar(), 3)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, NewItem(KindNewMessage, 1, 10)))
	require.NoError(t, q.Enqueue(ctx, NewItem(KindDeleteMessage, 1, 11)))

	attempts := map[int64]int{}
	q.RunPending(ctx, func(ctx context.Context, item Item) error {
		attempts[item.MessageID] = item.Attempt
		if item.MessageID == 11 {
			return errors.New("boom")
		}
		return nil
	})

	require.Equal(t, map[int64]int{10: 1, 11: 3}, attempts)
	require.Equal(t, 0, q.Len())

	require.NoError(t, q.Close())
	require.Equal(t, ErrClosed, q.Enqueue(ctx, NewItem(KindNewMessage, 1, 1)))
}

func TestMemoryQueueConsume(t *testing.T) {
	t.Parallel()

	q := NewMemoryQueue(zap.NewNop().Sugar(), 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	seen := map[string]bool{}
	done := make(chan struct{})

	go func() {
		_ = q.Consume(ctx, 4, func(ctx context.Context, item Item) error {
			mu.Lock()
			seen[item.ID] = true
			if len(seen) == 10 {
				close(done)
			}
			mu.Unlock()
			return nil
		})
	}()

	for i := 0; i < 10; i++ {
		require.NoError(t, q.Enqueue(ctx, NewItem(KindNewMessage, 1, int64(i))))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("items were not consumed")
	}
}
