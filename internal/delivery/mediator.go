package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"teamchat-core/internal/counters"
	"teamchat-core/internal/messages"
	"teamchat-core/internal/metrics"
	"teamchat-core/internal/model"
	"teamchat-core/internal/queue"
	"teamchat-core/internal/rooms"
	"teamchat-core/internal/storage"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrUnknownItem = errors.New("unknown delivery item kind")

// Option configures Mediator
type Option interface {
	apply(*Mediator)
}

type optionFunc func(*Mediator)

func (f optionFunc) apply(m *Mediator) { f(m) }

// Concurrency limits the number of recipients handled in parallel for one item
func Concurrency(n int) Option {
	return optionFunc(func(m *Mediator) {
		if n > 0 {
			m.concurrency = n
		}
	})
}

// Mediator fans chat changes out to recipients. Every recipient is handled in its own transaction,
// so a failure for one of them neither rolls back nor blocks the others.
type Mediator struct {
	logger      *zap.SugaredLogger
	store       storage.Transactor
	repo        *Repository
	counters    *counters.Mediator
	metrics     *metrics.Repository
	rooms       *rooms.Repository
	messages    *messages.Repository
	queue       queue.Queue
	concurrency int
}

// NewMediator returns new Mediator
func NewMediator(
	logger *zap.SugaredLogger,
	store storage.Transactor,
	repo *Repository,
	cm *counters.Mediator,
	mr *metrics.Repository,
	rr *rooms.Repository,
	msgs *messages.Repository,
	q queue.Queue,
	opts ...Option,
) *Mediator {
	m := &Mediator{
		logger:      logger,
		store:       store,
		repo:        repo,
		counters:    cm,
		metrics:     mr,
		rooms:       rr,
		messages:    msgs,
		queue:       q,
		concurrency: 16,
	}
	for _, opt := range opts {
		opt.apply(m)
	}
	return m
}

// OnNewMessage schedules fan-out of a new message once the current transaction commits
func (m *Mediator) OnNewMessage(ctx context.Context, msg *model.Message) {
	m.enqueue(ctx, queue.NewItem(queue.KindNewMessage, msg.ChatID, msg.ID))
}

func (m *Mediator) OnUpdateMessage(ctx context.Context, msg *model.Message) {
	m.enqueue(ctx, queue.NewItem(queue.KindUpdateMessage, msg.ChatID, msg.ID))
}

func (m *Mediator) OnDeleteMessage(ctx context.Context, msg *model.Message) {
	m.enqueue(ctx, queue.NewItem(queue.KindDeleteMessage, msg.ChatID, msg.ID))
}

func (m *Mediator) OnTitleUpdated(ctx context.Context, cid int64) {
	m.enqueue(ctx, queue.NewItem(queue.KindTitleUpdated, cid, 0))
}

func (m *Mediator) OnPhotoUpdated(ctx context.Context, cid int64) {
	m.enqueue(ctx, queue.NewItem(queue.KindPhotoUpdated, cid, 0))
}

func (m *Mediator) enqueue(ctx context.Context, item queue.Item) {
	storage.AfterCommit(ctx, func() {
		if err := m.queue.Enqueue(ctx, item); err != nil {
			m.logger.Errorf("Failed to enqueue %s of chat (id: %d): %v", item.Kind, item.ChatID, err)
		}
	})
}

// Handle processes one queued item by delivering it to every recipient
func (m *Mediator) Handle(ctx context.Context, item queue.Item) error {
	var deliver func(ctx context.Context, uid int64) error

	switch item.Kind {
	case queue.KindNewMessage, queue.KindUpdateMessage, queue.KindDeleteMessage:
		msg, err := m.messages.FindMessage(ctx, item.MessageID)
		if err != nil {
			return err
		}
		switch item.Kind {
		case queue.KindNewMessage:
			deliver = func(ctx context.Context, uid int64) error { return m.deliverNewMessage(ctx, uid, msg) }
		case queue.KindUpdateMessage:
			deliver = func(ctx context.Context, uid int64) error { return m.deliverUpdateMessage(ctx, uid, msg) }
		default:
			deliver = func(ctx context.Context, uid int64) error { return m.deliverDeleteMessage(ctx, uid, msg) }
		}
	case queue.KindTitleUpdated, queue.KindPhotoUpdated:
		chat, err := m.rooms.FindChat(ctx, item.ChatID)
		if err != nil {
			return err
		}
		deliver = func(ctx context.Context, uid int64) error { return m.deliverChatUpdate(ctx, uid, chat, item.Kind) }
	default:
		return fmt.Errorf("%w: %s", ErrUnknownItem, item.Kind)
	}

	recipients, err := m.recipients(ctx, item.ChatID)
	if err != nil {
		return err
	}
	return m.fanOut(ctx, recipients, deliver)
}

// fanOut calls deliver for each recipient in parallel and returns all of their errors combined
func (m *Mediator) fanOut(ctx context.Context, recipients []int64, deliver func(ctx context.Context, uid int64) error) error {
	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	g.SetLimit(m.concurrency)
	for _, uid := range recipients {
		uid := uid
		g.Go(func() error {
			if err := deliver(ctx, uid); err != nil {
				m.logger.Warnf("Delivery to user (id: %d) failed: %v", uid, err)
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("user %d: %w", uid, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

func (m *Mediator) recipients(ctx context.Context, cid int64) ([]int64, error) {
	chat, err := m.rooms.FindChat(ctx, cid)
	if err != nil {
		return nil, err
	}
	if chat.Kind == model.ChatPrivate {
		return chat.Members, nil
	}
	return m.rooms.JoinedMembers(ctx, cid)
}

// deliverNewMessage rereads msg in the recipient's transaction. A message deleted since Handle loaded it
// is left to its delete item.
func (m *Mediator) deliverNewMessage(ctx context.Context, uid int64, msg *model.Message) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		msg, err := m.messages.FindMessage(ctx, msg.ID)
		if err != nil {
			return err
		}
		if msg.Deleted {
			return nil
		}
		snap, err := m.counters.OnMessageReceived(ctx, uid, msg)
		if err != nil {
			return err
		}
		if snap.Delta > 0 {
			if err := m.metrics.OnMessageReceived(ctx, uid); err != nil {
				return err
			}
		}
		return m.repo.Deliver(ctx, messageEvent(uid, msg, model.EventMessageReceived, snap))
	})
}

func (m *Mediator) deliverUpdateMessage(ctx context.Context, uid int64, msg *model.Message) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		snap, err := m.counters.Snapshot(ctx, uid, msg.ChatID)
		if err != nil {
			return err
		}
		return m.repo.Deliver(ctx, messageEvent(uid, msg, model.EventMessageUpdated, snap))
	})
}

func (m *Mediator) deliverDeleteMessage(ctx context.Context, uid int64, msg *model.Message) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		snap, err := m.counters.OnMessageDeleted(ctx, uid, msg)
		if err != nil {
			return err
		}
		return m.repo.Deliver(ctx, messageEvent(uid, msg, model.EventMessageDeleted, snap))
	})
}

func (m *Mediator) deliverChatUpdate(ctx context.Context, uid int64, chat *model.Chat, kind queue.Kind) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		snap, err := m.counters.Snapshot(ctx, uid, chat.ID)
		if err != nil {
			return err
		}
		ev := dialogEvent(uid, chat.ID, model.EventTitleUpdated, snap)
		ev.Title = chat.Title
		if kind == queue.KindPhotoUpdated {
			ev.Kind = model.EventPhotoUpdated
			ev.Title = ""
			ev.Photo = chat.Photo
		}
		return m.repo.Deliver(ctx, ev)
	})
}

// OnMessageRead delivers the read to its reader only
func (m *Mediator) OnMessageRead(ctx context.Context, uid, cid, mid int64) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		snap, err := m.counters.OnMessageRead(ctx, uid, cid, mid)
		if err != nil {
			return err
		}
		ev := dialogEvent(uid, cid, model.EventMessageRead, snap)
		ev.MessageID = &mid
		return m.repo.Deliver(ctx, ev)
	})
}

func (m *Mediator) OnDialogDeleted(ctx context.Context, uid, cid int64) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		snap, err := m.counters.OnDialogDeleted(ctx, uid, cid)
		if err != nil {
			return err
		}
		return m.repo.Deliver(ctx, dialogEvent(uid, cid, model.EventDialogDeleted, snap))
	})
}

func (m *Mediator) OnDialogMuteChange(ctx context.Context, uid, cid int64, mute bool) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		snap, err := m.counters.OnDialogMuteChange(ctx, uid, cid, mute)
		if err != nil {
			return err
		}
		ev := dialogEvent(uid, cid, model.EventDialogMuteChanged, snap)
		ev.Mute = mute
		return m.repo.Deliver(ctx, ev)
	})
}

// OnDialogBump moves the dialog up in the list of uid
func (m *Mediator) OnDialogBump(ctx context.Context, uid, cid int64) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		snap, err := m.counters.Snapshot(ctx, uid, cid)
		if err != nil {
			return err
		}
		return m.repo.Deliver(ctx, dialogEvent(uid, cid, model.EventDialogBump, snap))
	})
}

func dialogEvent(uid, cid int64, kind model.DialogEventKind, snap *counters.Snapshot) *model.UserDialogEvent {
	return &model.UserDialogEvent{
		UserID:      uid,
		ChatID:      cid,
		Kind:        kind,
		Unread:      snap.Unread,
		AllUnread:   snap.AllUnread,
		HaveMention: snap.HaveMention,
	}
}

func messageEvent(uid int64, msg *model.Message, kind model.DialogEventKind, snap *counters.Snapshot) *model.UserDialogEvent {
	ev := dialogEvent(uid, msg.ChatID, kind, snap)
	mid := msg.ID
	ev.MessageID = &mid
	return ev
}
