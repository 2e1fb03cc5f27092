package messaging

import (
	"context"
	"errors"

	"teamchat-core/internal/delivery"
	"teamchat-core/internal/fastcounters"
	"teamchat-core/internal/messages"
	"teamchat-core/internal/metrics"
	"teamchat-core/internal/model"
	"teamchat-core/internal/rooms"
	"teamchat-core/internal/storage"

	"go.uber.org/zap"
)

var (
	ErrNotMember    = errors.New("user is not a member of the chat")
	ErrAccessDenied = errors.New("access denied")
)

// MessagingMediator sends, edits and reads messages. Every operation runs in one transaction
// and leaves the fan-out to the delivery queue.
type MessagingMediator struct {
	logger   *zap.SugaredLogger
	store    storage.Transactor
	messages *messages.Repository
	rooms    *rooms.Repository
	fast     *fastcounters.Repository
	delivery *delivery.Mediator
	metrics  *metrics.Repository
}

func NewMessagingMediator(
	logger *zap.SugaredLogger,
	store storage.Transactor,
	msgs *messages.Repository,
	rr *rooms.Repository,
	fast *fastcounters.Repository,
	dm *delivery.Mediator,
	mr *metrics.Repository,
) *MessagingMediator {
	return &MessagingMediator{logger: logger, store: store, messages: msgs, rooms: rr, fast: fast, delivery: dm, metrics: mr}
}

// SendMessage stores a message from uid and schedules its delivery. The sender reads the chat up to the new message.
func (m *MessagingMediator) SendMessage(ctx context.Context, uid, cid int64, in model.MessageInput) (*model.Message, error) {
	var msg *model.Message
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := m.checkMember(ctx, uid, cid); err != nil {
			return err
		}

		var err error
		msg, err = m.messages.CreateMessage(ctx, cid, uid, in)
		if err != nil {
			return err
		}
		if err := m.fast.OnMessageCreated(ctx, cid, msg.Seq, uid, msg.MentionedUsers(), msg.MentionsAll()); err != nil {
			return err
		}
		if err := m.metrics.OnMessageSent(ctx, uid); err != nil {
			return err
		}
		if err := m.delivery.OnMessageRead(ctx, uid, cid, msg.ID); err != nil {
			return err
		}
		m.delivery.OnNewMessage(ctx, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Debugf("User (id: %d) sent message (id: %d) to chat (id: %d)", uid, msg.ID, cid)

	return msg, nil
}

// EditMessage replaces content of a message. Only its author may edit it.
func (m *MessagingMediator) EditMessage(ctx context.Context, uid, mid int64, in model.MessageInput) (*model.Message, error) {
	var msg *model.Message
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		old, err := m.messages.FindMessage(ctx, mid)
		if err != nil {
			return err
		}
		if old.UserID != uid {
			return ErrAccessDenied
		}
		if err := m.checkMember(ctx, uid, old.ChatID); err != nil {
			return err
		}

		msg, err = m.messages.EditMessage(ctx, mid, in, true)
		if err != nil {
			return err
		}
		if err := m.fast.OnMessageEdited(ctx, msg.ChatID, msg.Seq, uid, msg.MentionedUsers(), msg.MentionsAll()); err != nil {
			return err
		}
		m.delivery.OnUpdateMessage(ctx, msg)
		return nil
	})
	return msg, err
}

// DeleteMessage removes a message. Authors delete their own messages, room admins any message.
func (m *MessagingMediator) DeleteMessage(ctx context.Context, uid, mid int64) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		old, err := m.messages.FindMessage(ctx, mid)
		if err != nil {
			return err
		}
		if old.UserID != uid {
			p, err := m.rooms.Participant(ctx, old.ChatID, uid)
			if err != nil {
				return err
			}
			if !p.CanManage() {
				return ErrAccessDenied
			}
		}

		msg, err := m.messages.DeleteMessage(ctx, mid)
		if err != nil {
			return err
		}
		if err := m.fast.OnMessageDeleted(ctx, msg.ChatID, msg.Seq); err != nil {
			return err
		}
		m.delivery.OnDeleteMessage(ctx, msg)
		return nil
	})
}

// SetReaction adds or, with reset, removes reaction of uid
func (m *MessagingMediator) SetReaction(ctx context.Context, uid, mid int64, reaction string, reset bool) (*model.Message, error) {
	var msg *model.Message
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		old, err := m.messages.FindMessage(ctx, mid)
		if err != nil {
			return err
		}
		if err := m.checkMember(ctx, uid, old.ChatID); err != nil {
			return err
		}
		msg, err = m.messages.SetReaction(ctx, mid, uid, reaction, reset)
		if err != nil {
			return err
		}
		m.delivery.OnUpdateMessage(ctx, msg)
		return nil
	})
	return msg, err
}

// ReadMessage moves the read position of uid in cid to mid
func (m *MessagingMediator) ReadMessage(ctx context.Context, uid, cid, mid int64) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := m.checkMember(ctx, uid, cid); err != nil {
			return err
		}
		msg, err := m.messages.FindMessage(ctx, mid)
		if err != nil {
			return err
		}
		if msg.ChatID != cid {
			return messages.ErrMessageNotFound
		}
		if err := m.delivery.OnMessageRead(ctx, uid, cid, mid); err != nil {
			return err
		}
		return m.fast.OnMessageRead(ctx, uid, cid, msg.Seq)
	})
}

// DeleteDialog hides the chat from the dialog list of uid and reads it through
func (m *MessagingMediator) DeleteDialog(ctx context.Context, uid, cid int64) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := m.checkMember(ctx, uid, cid); err != nil {
			return err
		}
		if err := m.delivery.OnDialogDeleted(ctx, uid, cid); err != nil {
			return err
		}
		seq, err := m.messages.LastSeq(ctx, cid)
		if err != nil {
			return err
		}
		return m.fast.OnMessageRead(ctx, uid, cid, seq)
	})
}

func (m *MessagingMediator) SetMute(ctx context.Context, uid, cid int64, mute bool) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := m.checkMember(ctx, uid, cid); err != nil {
			return err
		}
		return m.delivery.OnDialogMuteChange(ctx, uid, cid, mute)
	})
}

func (m *MessagingMediator) BumpDialog(ctx context.Context, uid, cid int64) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := m.checkMember(ctx, uid, cid); err != nil {
			return err
		}
		return m.delivery.OnDialogBump(ctx, uid, cid)
	})
}

func (m *MessagingMediator) checkMember(ctx context.Context, uid, cid int64) error {
	chat, err := m.rooms.FindChat(ctx, cid)
	if err != nil {
		return err
	}
	ok, err := isMember(ctx, m.rooms, chat, uid)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}

func isMember(ctx context.Context, rr *rooms.Repository, chat *model.Chat, uid int64) (bool, error) {
	if chat.Kind == model.ChatPrivate {
		for _, id := range chat.Members {
			if id == uid {
				return true, nil
			}
		}
		return false, nil
	}
	return rr.IsJoined(ctx, chat.ID, uid)
}
