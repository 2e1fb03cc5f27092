package messages

import (
	"context"
	"errors"
	"time"

	"teamchat-core/internal/model"
	"teamchat-core/internal/storage"

	"go.uber.org/zap"
)

var (
	ErrMessageNotFound = errors.New("message not found")
	ErrMessageDeleted  = errors.New("message is deleted")
	ErrEmptyMessage    = errors.New("message has no text and no service metadata")
)

var (
	messages           = storage.NewCollection[model.Message]("message")
	messageChats       = storage.NewCollection[messageChat]("message_chat")
	conversationEvents = storage.NewCollection[model.ConversationEvent]("conversation_event")

	messageSequence = storage.Tuple("sequence", "message")
)

// messageChat resolves global message id to its chat
type messageChat struct {
	ChatID int64 `json:"cid"`
}

func chatMessageSeqKey(cid int64) storage.Key {
	return storage.Tuple("sequence", "chat_message", cid)
}

func conversationSeqKey(cid int64) storage.Key {
	return storage.Tuple("sequence", "conversation", cid)
}

// Repository persists messages and per-chat conversation events
type Repository struct {
	logger *zap.SugaredLogger
	store  storage.Transactor
}

// New returns new Repository
func New(logger *zap.SugaredLogger, store storage.Transactor) *Repository {
	return &Repository{logger: logger, store: store}
}

// CreateMessage allocates global id and per-chat seq, stores message and appends message_received conversation event
func (r *Repository) CreateMessage(ctx context.Context, cid, uid int64, in model.MessageInput) (*model.Message, error) {
	if in.Text == "" && len(in.ServiceMetadata) == 0 {
		return nil, ErrEmptyMessage
	}

	var msg *model.Message
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		id, err := storage.Next(ctx, tx, messageSequence)
		if err != nil {
			return err
		}
		seq, err := storage.Next(ctx, tx, chatMessageSeqKey(cid))
		if err != nil {
			return err
		}

		msg = &model.Message{
			ID:              id,
			ChatID:          cid,
			UserID:          uid,
			Seq:             seq,
			Text:            in.Text,
			Spans:           in.Spans,
			Mentions:        in.Mentions,
			ServiceMetadata: in.ServiceMetadata,
			CreatedAt:       time.Now(),
		}
		if err := messages.Set(ctx, tx, messages.Key(cid, id), msg); err != nil {
			return err
		}
		if err := messageChats.Set(ctx, tx, messageChats.Key(id), &messageChat{ChatID: cid}); err != nil {
			return err
		}
		return r.appendEvent(ctx, tx, cid, model.ConversationMessageReceived, id)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debugf("Created message (id: %d, seq: %d) from user (id: %d) in chat (id: %d)", msg.ID, msg.Seq, uid, cid)

	return msg, nil
}

// EditMessage replaces content of a message
func (r *Repository) EditMessage(ctx context.Context, mid int64, in model.MessageInput, markAsEdited bool) (*model.Message, error) {
	return r.update(ctx, mid, func(m *model.Message) error {
		if m.Deleted {
			return ErrMessageDeleted
		}
		m.Text = in.Text
		m.Spans = in.Spans
		m.Mentions = in.Mentions
		if in.ServiceMetadata != nil {
			m.ServiceMetadata = in.ServiceMetadata
		}
		if markAsEdited {
			m.Edited = true
		}
		return nil
	}, model.ConversationMessageUpdated)
}

// DeleteMessage marks message as deleted. Messages are never removed physically.
func (r *Repository) DeleteMessage(ctx context.Context, mid int64) (*model.Message, error) {
	return r.update(ctx, mid, func(m *model.Message) error {
		if m.Deleted {
			return ErrMessageDeleted
		}
		m.Deleted = true
		return nil
	}, model.ConversationMessageDeleted)
}

// SetReaction adds reaction of uid, or removes it when reset is set
func (r *Repository) SetReaction(ctx context.Context, mid, uid int64, reaction string, reset bool) (*model.Message, error) {
	return r.update(ctx, mid, func(m *model.Message) error {
		if m.Deleted {
			return ErrMessageDeleted
		}
		kept := m.Reactions[:0]
		for _, rc := range m.Reactions {
			if rc.UserID == uid && rc.Reaction == reaction {
				continue
			}
			kept = append(kept, rc)
		}
		m.Reactions = kept
		if !reset {
			m.Reactions = append(m.Reactions, model.Reaction{UserID: uid, Reaction: reaction})
		}
		return nil
	}, model.ConversationMessageUpdated)
}

func (r *Repository) update(ctx context.Context, mid int64, mutate func(m *model.Message) error, kind model.ConversationEventKind) (*model.Message, error) {
	var msg *model.Message
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		msg, err = r.findMessage(ctx, tx, mid)
		if err != nil {
			return err
		}
		if err := mutate(msg); err != nil {
			return err
		}
		now := time.Now()
		msg.UpdatedAt = &now
		if err := messages.Set(ctx, tx, messages.Key(msg.ChatID, msg.ID), msg); err != nil {
			return err
		}
		return r.appendEvent(ctx, tx, msg.ChatID, kind, msg.ID)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debugf("Updated message (id: %d) with %s", mid, kind)

	return msg, nil
}

// FindMessage returns message by its global id
func (r *Repository) FindMessage(ctx context.Context, mid int64) (*model.Message, error) {
	var msg *model.Message
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		msg, err = r.findMessage(ctx, tx, mid)
		return err
	})
	return msg, err
}

func (r *Repository) findMessage(ctx context.Context, tx storage.Tx, mid int64) (*model.Message, error) {
	ref, err := messageChats.Get(ctx, tx, messageChats.Key(mid))
	if err != nil {
		return nil, err
	}
	if ref == nil {
		return nil, ErrMessageNotFound
	}
	msg, err := messages.Get(ctx, tx, messages.Key(ref.ChatID, mid))
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, ErrMessageNotFound
	}
	return msg, nil
}

// MessagesAfter returns messages of chat with id greater than after, ordered by id. Zero limit means no limit.
func (r *Repository) MessagesAfter(ctx context.Context, cid, after int64, limit int) ([]model.Message, error) {
	var out []model.Message
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		opts := storage.RangeOptions{Limit: limit}
		if after > 0 {
			opts.After = messages.Key(cid, after)
		}
		entries, err := messages.Range(ctx, tx, messages.Key(cid), opts)
		if err != nil {
			return err
		}
		out = make([]model.Message, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.Value)
		}
		return nil
	})
	return out, err
}

// LatestMessage returns the latest not deleted message of chat or nil
func (r *Repository) LatestMessage(ctx context.Context, cid int64) (*model.Message, error) {
	var latest *model.Message
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var after storage.Key
		for {
			entries, err := messages.Range(ctx, tx, messages.Key(cid), storage.RangeOptions{After: after, Limit: 20, Reverse: true})
			if err != nil {
				return err
			}
			for i := range entries {
				if !entries[i].Value.Deleted {
					latest = &entries[i].Value
					return nil
				}
			}
			if len(entries) < 20 {
				return nil
			}
			after = entries[len(entries)-1].Key
		}
	})
	return latest, err
}

// LastSeq returns the latest per-chat message seq
func (r *Repository) LastSeq(ctx context.Context, cid int64) (int64, error) {
	var seq int64
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		seq, err = storage.Current(ctx, tx, chatMessageSeqKey(cid))
		return err
	})
	return seq, err
}

// ChatUpdated appends chat_updated conversation event
func (r *Repository) ChatUpdated(ctx context.Context, cid int64) error {
	return r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return r.appendEvent(ctx, tx, cid, model.ConversationChatUpdated, 0)
	})
}

// EventsAfter returns conversation events with seq greater than after
func (r *Repository) EventsAfter(ctx context.Context, cid, after int64, limit int) ([]model.ConversationEvent, error) {
	var out []model.ConversationEvent
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		opts := storage.RangeOptions{Limit: limit}
		if after > 0 {
			opts.After = conversationEvents.Key(cid, after)
		}
		entries, err := conversationEvents.Range(ctx, tx, conversationEvents.Key(cid), opts)
		if err != nil {
			return err
		}
		for _, e := range entries {
			out = append(out, e.Value)
		}
		return nil
	})
	return out, err
}

func (r *Repository) appendEvent(ctx context.Context, tx storage.Tx, cid int64, kind model.ConversationEventKind, mid int64) error {
	seq, err := storage.Next(ctx, tx, conversationSeqKey(cid))
	if err != nil {
		return err
	}
	return conversationEvents.Set(ctx, tx, conversationEvents.Key(cid, seq), &model.ConversationEvent{
		ChatID:    cid,
		Seq:       seq,
		Kind:      kind,
		MessageID: mid,
		Date:      time.Now(),
	})
}
