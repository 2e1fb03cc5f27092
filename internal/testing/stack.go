package testing

import (
	"context"

	"teamchat-core/internal/app"
	"teamchat-core/internal/notify"
	"teamchat-core/internal/queue"
	"teamchat-core/internal/storage"
	"teamchat-core/internal/watch"

	"go.uber.org/zap"
)

// Stack is the full component graph over in-memory backends
type Stack struct {
	*app.Components

	Logger   *zap.SugaredLogger
	Store    *storage.MemoryStore
	Queue    *queue.MemoryQueue
	Notifier *watch.MemoryNotifier
	Sink     *notify.MemorySink
}

// NewStack builds a Stack with the handled-message guard on
func NewStack() *Stack {
	s := &Stack{
		Logger:   zap.NewNop().Sugar(),
		Store:    storage.NewMemoryStore(),
		Notifier: watch.NewMemoryNotifier(),
		Sink:     notify.NewMemorySink(),
	}
	s.Queue = queue.NewMemoryQueue(s.Logger, 3)
	s.Components = app.Build(s.Logger, s.Store, s.Queue, s.Sink, s.Notifier, app.EnvConfig{
		FanOutConcurrency:   4,
		FixerConcurrency:    4,
		HandledMessageGuard: true,
	})
	return s
}

// Deliver drains the delivery queue synchronously
func (s *Stack) Deliver(ctx context.Context) {
	s.Queue.RunPending(ctx, s.Delivery.Handle)
}

// Room creates a public room owned by owner with members joined
func (s *Stack) Room(ctx context.Context, owner int64, members ...int64) (int64, error) {
	room, err := s.RoomMediator.CreateRoom(ctx, owner, RandString(10), true)
	if err != nil {
		return 0, err
	}
	if len(members) > 0 {
		if err := s.RoomMediator.Invite(ctx, owner, room.ID, members); err != nil {
			return 0, err
		}
	}
	return room.ID, nil
}

// Send sends n random messages from uid to cid and delivers them
func (s *Stack) Send(ctx context.Context, uid, cid int64, n int) ([]int64, error) {
	ids := make([]int64, 0, n)
	for i := 0; i < n; i++ {
		msg, err := s.Messaging.SendMessage(ctx, uid, cid, RandMessage())
		if err != nil {
			return nil, err
		}
		ids = append(ids, msg.ID)
	}
	s.Deliver(ctx)
	return ids, nil
}
