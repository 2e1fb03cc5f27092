package counters

import (
	"context"

	"teamchat-core/internal/model"
	"teamchat-core/internal/notify"
	"teamchat-core/internal/storage"
	"teamchat-core/internal/userstate"

	"go.uber.org/zap"
)

// Snapshot is a state of counters of one dialog right after a change
type Snapshot struct {
	Delta       int64
	Unread      int64
	AllUnread   int64
	HaveMention bool
}

// Mediator wraps every counter change together with its push trigger into one transaction
type Mediator struct {
	logger *zap.SugaredLogger
	store  storage.Transactor
	repo   *Repository
	users  *userstate.Repository
	sink   notify.Sink
}

// NewMediator returns new Mediator. A nil sink disables push triggers.
func NewMediator(logger *zap.SugaredLogger, store storage.Transactor, repo *Repository, users *userstate.Repository, sink notify.Sink) *Mediator {
	return &Mediator{logger: logger, store: store, repo: repo, users: users, sink: sink}
}

func (m *Mediator) OnMessageReceived(ctx context.Context, uid int64, msg *model.Message) (*Snapshot, error) {
	var snap *Snapshot
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		res, err := m.repo.OnMessageReceived(ctx, uid, msg)
		if err != nil {
			return err
		}
		snap, err = m.snapshot(ctx, uid, msg.ChatID, res.Delta)
		if err != nil {
			return err
		}
		if res.Delta > 0 {
			kind := notify.KindNewMessage
			if res.SetMention {
				kind = notify.KindMention
			}
			m.trigger(ctx, kind, uid, msg.ChatID, msg.ID, snap)
		}
		return nil
	})
	return snap, err
}

func (m *Mediator) OnMessageRead(ctx context.Context, uid, cid, mid int64) (*Snapshot, error) {
	var snap *Snapshot
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		res, err := m.repo.OnMessageRead(ctx, uid, cid, mid)
		if err != nil {
			return err
		}
		snap, err = m.snapshot(ctx, uid, cid, res.Delta)
		if err != nil {
			return err
		}
		if res.Delta != 0 || res.MentionReset {
			m.trigger(ctx, notify.KindCounterChanged, uid, cid, mid, snap)
		}
		return nil
	})
	return snap, err
}

func (m *Mediator) OnMessageDeleted(ctx context.Context, uid int64, msg *model.Message) (*Snapshot, error) {
	var snap *Snapshot
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		delta, err := m.repo.OnMessageDeleted(ctx, uid, msg)
		if err != nil {
			return err
		}
		snap, err = m.snapshot(ctx, uid, msg.ChatID, delta)
		if err != nil {
			return err
		}
		if delta != 0 {
			m.trigger(ctx, notify.KindCounterChanged, uid, msg.ChatID, msg.ID, snap)
		}
		return nil
	})
	return snap, err
}

func (m *Mediator) OnDialogDeleted(ctx context.Context, uid, cid int64) (*Snapshot, error) {
	var snap *Snapshot
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		delta, err := m.repo.OnDialogDeleted(ctx, uid, cid)
		if err != nil {
			return err
		}
		snap, err = m.snapshot(ctx, uid, cid, delta)
		if err != nil {
			return err
		}
		if delta != 0 {
			m.trigger(ctx, notify.KindCounterChanged, uid, cid, 0, snap)
		}
		return nil
	})
	return snap, err
}

func (m *Mediator) OnDialogMuteChange(ctx context.Context, uid, cid int64, mute bool) (*Snapshot, error) {
	var snap *Snapshot
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		delta, err := m.repo.OnDialogMuteChange(ctx, uid, cid, mute)
		if err != nil {
			return err
		}
		snap, err = m.snapshot(ctx, uid, cid, delta)
		if err != nil {
			return err
		}
		if delta != 0 {
			m.trigger(ctx, notify.KindCounterChanged, uid, cid, 0, snap)
		}
		return nil
	})
	return snap, err
}

// Snapshot returns current counters of dialog cid for uid
func (m *Mediator) Snapshot(ctx context.Context, uid, cid int64) (*Snapshot, error) {
	var snap *Snapshot
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		snap, err = m.snapshot(ctx, uid, cid, 0)
		return err
	})
	return snap, err
}

func (m *Mediator) snapshot(ctx context.Context, uid, cid, delta int64) (*Snapshot, error) {
	local, err := m.users.DialogState(ctx, uid, cid)
	if err != nil {
		return nil, err
	}
	global, err := m.users.MessagingState(ctx, uid)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Delta:       delta,
		Unread:      local.Unread,
		AllUnread:   global.Unread,
		HaveMention: local.HaveMention,
	}, nil
}

func (m *Mediator) trigger(ctx context.Context, kind notify.Kind, uid, cid, mid int64, snap *Snapshot) {
	notify.Schedule(ctx, m.logger, m.sink, notify.Trigger{
		Kind:      kind,
		UserID:    uid,
		ChatID:    cid,
		MessageID: mid,
		Unread:    snap.Unread,
		AllUnread: snap.AllUnread,
	})
}
