package counters

import (
	"context"

	"teamchat-core/internal/messages"
	"teamchat-core/internal/model"
	"teamchat-core/internal/storage"
	"teamchat-core/internal/userstate"

	"go.uber.org/zap"
)

// HandledMessages marks messages already counted for a user, keyed by (uid, cid, mid)
var HandledMessages = storage.NewCollection[model.HandledMessage]("user_dialog_handled")

// ReceiveResult is an outcome of OnMessageReceived
type ReceiveResult struct {
	Delta      int64
	SetMention bool
}

// ReadResult is an outcome of OnMessageRead
type ReadResult struct {
	Delta        int64
	MentionReset bool
}

// Option configures Repository
type Option interface {
	apply(*Repository)
}

type optionFunc func(*Repository)

func (f optionFunc) apply(r *Repository) { f(r) }

// WithHandledMessageGuard switches the handled message guard. With the guard enabled a message is counted
// for a user at most once no matter how many times it is delivered. Without it only the read position
// protects against double counting. Enabled by default.
func WithHandledMessageGuard(enabled bool) Option {
	return optionFunc(func(r *Repository) {
		r.guard = enabled
	})
}

// Repository computes unread and mention deltas for a single event and applies them to
// the local (dialog) and global (user) counters. Muted dialogs do not contribute to the global counter.
type Repository struct {
	logger   *zap.SugaredLogger
	store    storage.Transactor
	users    *userstate.Repository
	messages *messages.Repository
	guard    bool
}

// NewRepository returns new Repository
func NewRepository(logger *zap.SugaredLogger, store storage.Transactor, users *userstate.Repository, msgs *messages.Repository, opts ...Option) *Repository {
	r := &Repository{
		logger:   logger,
		store:    store,
		users:    users,
		messages: msgs,
		guard:    true,
	}
	for _, opt := range opts {
		opt.apply(r)
	}
	return r
}

// OnMessageReceived counts msg as unread for uid unless it is deleted, authored by uid,
// already read or (with the guard) already counted. The stored message wins over msg,
// so a delivery racing with a delete never counts the deleted message.
func (r *Repository) OnMessageReceived(ctx context.Context, uid int64, msg *model.Message) (*ReceiveResult, error) {
	res := &ReceiveResult{}
	if msg.Deleted || msg.UserID == uid {
		return res, nil
	}

	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		res = &ReceiveResult{}

		msg, err := r.messages.FindMessage(ctx, msg.ID)
		if err != nil {
			return err
		}
		if msg.Deleted {
			return nil
		}

		local, err := r.users.DialogState(ctx, uid, msg.ChatID)
		if err != nil {
			return err
		}
		if !local.IsUnread(msg.ID) {
			return nil
		}

		if r.guard {
			counted, err := r.markHandled(ctx, tx, uid, msg.ChatID, msg.ID)
			if err != nil || !counted {
				return err
			}
		}

		local.Unread++
		res.Delta = 1
		if !local.HaveMention && msg.HasMention(uid) {
			local.HaveMention = true
			res.SetMention = true
		}
		if err := r.users.SaveDialogState(ctx, local); err != nil {
			return err
		}
		return r.addGlobal(ctx, uid, msg.ChatID, res.Delta)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debugf("Message (id: %d) received by user (id: %d): delta %d, mention %t", msg.ID, uid, res.Delta, res.SetMention)

	return res, nil
}

// OnMessageRead advances the read position of uid in cid to mid and recounts messages left after it
func (r *Repository) OnMessageRead(ctx context.Context, uid, cid, mid int64) (*ReadResult, error) {
	res := &ReadResult{}
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		res = &ReadResult{}

		local, err := r.users.DialogState(ctx, uid, cid)
		if err != nil {
			return err
		}
		if !local.IsUnread(mid) {
			return nil
		}
		local.ReadMessageID = &mid

		remaining, mention, err := r.countRemaining(ctx, tx, uid, cid, mid, 0, r.guard)
		if err != nil {
			return err
		}

		res.Delta = remaining - local.Unread
		local.Unread = remaining
		res.MentionReset = local.HaveMention && !mention
		local.HaveMention = mention
		if err := r.users.SaveDialogState(ctx, local); err != nil {
			return err
		}
		return r.addGlobal(ctx, uid, cid, res.Delta)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debugf("Chat (id: %d) read by user (id: %d) up to message (id: %d): delta %d", cid, uid, mid, res.Delta)

	return res, nil
}

// OnMessageDeleted discounts msg if it was unread for uid and returns the delta
func (r *Repository) OnMessageDeleted(ctx context.Context, uid int64, msg *model.Message) (int64, error) {
	if msg.UserID == uid {
		return 0, nil
	}

	var delta int64
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		delta = 0

		local, err := r.users.DialogState(ctx, uid, msg.ChatID)
		if err != nil {
			return err
		}
		if !local.IsUnread(msg.ID) {
			return nil
		}

		if r.guard {
			key := HandledMessages.Key(uid, msg.ChatID, msg.ID)
			h, err := HandledMessages.Get(ctx, tx, key)
			if err != nil {
				return err
			}
			if h == nil {
				return nil
			}
			if err := HandledMessages.Clear(ctx, tx, key); err != nil {
				return err
			}
		}

		if local.Unread > 0 {
			local.Unread--
			delta = -1
		}
		if local.HaveMention {
			var after int64
			if local.ReadMessageID != nil {
				after = *local.ReadMessageID
			}
			_, mention, err := r.countRemaining(ctx, tx, uid, msg.ChatID, after, msg.ID, false)
			if err != nil {
				return err
			}
			local.HaveMention = mention
		}
		if err := r.users.SaveDialogState(ctx, local); err != nil {
			return err
		}
		return r.addGlobal(ctx, uid, msg.ChatID, delta)
	})
	if err != nil {
		return 0, err
	}

	r.logger.Debugf("Message (id: %d) deleted for user (id: %d): delta %d", msg.ID, uid, delta)

	return delta, nil
}

// OnDialogDeleted zeroes the dialog counters and moves the read position to the latest message
func (r *Repository) OnDialogDeleted(ctx context.Context, uid, cid int64) (int64, error) {
	var delta int64
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		local, err := r.users.DialogState(ctx, uid, cid)
		if err != nil {
			return err
		}

		latest, err := r.messages.LatestMessage(ctx, cid)
		if err != nil {
			return err
		}
		if latest != nil && local.IsUnread(latest.ID) {
			id := latest.ID
			local.ReadMessageID = &id
		}

		delta = -local.Unread
		local.Unread = 0
		local.HaveMention = false
		if err := r.users.SaveDialogState(ctx, local); err != nil {
			return err
		}
		return r.addGlobal(ctx, uid, cid, delta)
	})
	if err != nil {
		return 0, err
	}

	r.logger.Debugf("Dialog (id: %d) deleted for user (id: %d): delta %d", cid, uid, delta)

	return delta, nil
}

// OnDialogMuteChange stores mute flag and moves the dialog's unread count out of or back into the global counter.
// It returns the change of the global counter.
func (r *Repository) OnDialogMuteChange(ctx context.Context, uid, cid int64, mute bool) (int64, error) {
	var delta int64
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		delta = 0

		changed, err := r.users.SetMute(ctx, uid, cid, mute)
		if err != nil || !changed {
			return err
		}
		local, err := r.users.DialogState(ctx, uid, cid)
		if err != nil {
			return err
		}
		delta = local.Unread
		if mute {
			delta = -delta
		}
		return r.addGlobalUnchecked(ctx, uid, delta)
	})
	if err != nil {
		return 0, err
	}

	r.logger.Debugf("Dialog (id: %d) mute set to %t for user (id: %d): global delta %d", cid, mute, uid, delta)

	return delta, nil
}

// markHandled records that mid was counted for uid. It returns false if it already was.
func (r *Repository) markHandled(ctx context.Context, tx storage.Tx, uid, cid, mid int64) (bool, error) {
	key := HandledMessages.Key(uid, cid, mid)
	h, err := HandledMessages.Get(ctx, tx, key)
	if err != nil || h != nil {
		return false, err
	}
	return true, HandledMessages.Set(ctx, tx, key, &model.HandledMessage{UserID: uid, ChatID: cid, MessageID: mid})
}

// countRemaining counts messages of cid after the given id which are unread for uid and reports
// whether any of them mentions uid. Message skip is left out of both.
// With mark set every counted message is marked handled, so its later delivery is not counted twice.
func (r *Repository) countRemaining(ctx context.Context, tx storage.Tx, uid, cid, after, skip int64, mark bool) (int64, bool, error) {
	msgs, err := r.messages.MessagesAfter(ctx, cid, after, 0)
	if err != nil {
		return 0, false, err
	}

	var count int64
	var mention bool
	for i := range msgs {
		m := &msgs[i]
		if m.ID == skip || m.Deleted || m.UserID == uid {
			continue
		}
		count++
		if m.HasMention(uid) {
			mention = true
		}
		if mark {
			if _, err := r.markHandled(ctx, tx, uid, cid, m.ID); err != nil {
				return 0, false, err
			}
		}
	}
	return count, mention, nil
}

func (r *Repository) addGlobal(ctx context.Context, uid, cid, delta int64) error {
	if delta == 0 {
		return nil
	}
	muted, err := r.users.IsMuted(ctx, uid, cid)
	if err != nil || muted {
		return err
	}
	return r.addGlobalUnchecked(ctx, uid, delta)
}

func (r *Repository) addGlobalUnchecked(ctx context.Context, uid, delta int64) error {
	if delta == 0 {
		return nil
	}
	global, err := r.users.MessagingState(ctx, uid)
	if err != nil {
		return err
	}
	global.Unread += delta
	if global.Unread < 0 {
		global.Unread = 0
	}
	return r.users.SaveMessagingState(ctx, global)
}
