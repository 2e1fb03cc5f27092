package rooms

import (
	"context"
	"errors"
	"time"

	"teamchat-core/internal/model"
	"teamchat-core/internal/storage"

	"go.uber.org/zap"
)

var (
	ErrChatNotExist   = errors.New("chat does not exist")
	ErrNotRoom        = errors.New("chat is not a room")
	ErrChatBadUsers   = errors.New("bad users list")
	ErrNotParticipant = errors.New("user is not a participant")
)

var (
	chats        = storage.NewCollection[model.Chat]("chat")
	participants = storage.NewCollection[model.RoomParticipant]("room_participant")
	privateChats = storage.NewCollection[privateChat]("private_chat")

	chatSequence = storage.Tuple("sequence", "chat")
)

type privateChat struct {
	ChatID int64 `json:"cid"`
}

// Repository persists chats and room participants
type Repository struct {
	logger *zap.SugaredLogger
	store  storage.Transactor
}

// New returns new Repository
func New(logger *zap.SugaredLogger, store storage.Transactor) *Repository {
	return &Repository{logger: logger, store: store}
}

// CreateRoom creates room chat owned by owner
func (r *Repository) CreateRoom(ctx context.Context, owner int64, title string, public bool) (*model.Chat, error) {
	var chat *model.Chat
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		id, err := storage.Next(ctx, tx, chatSequence)
		if err != nil {
			return err
		}
		chat = &model.Chat{
			ID:        id,
			Kind:      model.ChatRoom,
			OwnerID:   owner,
			Title:     title,
			Public:    public,
			CreatedAt: time.Now(),
		}
		return chats.Set(ctx, tx, chats.Key(id), chat)
	})
	if err != nil {
		return nil, err
	}

	r.logger.Debugf("Created room (%s) with id %d", title, chat.ID)

	return chat, nil
}

// FindOrCreatePrivateChat returns the private chat of two users, creating it when absent.
// The second return value reports whether the chat was created.
func (r *Repository) FindOrCreatePrivateChat(ctx context.Context, uid1, uid2 int64) (*model.Chat, bool, error) {
	if uid1 == uid2 || uid1 < 1 || uid2 < 1 {
		return nil, false, ErrChatBadUsers
	}
	if uid1 > uid2 {
		uid1, uid2 = uid2, uid1
	}

	var chat *model.Chat
	var created bool
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ref, err := privateChats.Get(ctx, tx, privateChats.Key(uid1, uid2))
		if err != nil {
			return err
		}
		if ref != nil {
			chat, err = chats.Get(ctx, tx, chats.Key(ref.ChatID))
			return err
		}

		id, err := storage.Next(ctx, tx, chatSequence)
		if err != nil {
			return err
		}
		chat = &model.Chat{
			ID:        id,
			Kind:      model.ChatPrivate,
			OwnerID:   uid1,
			Members:   []int64{uid1, uid2},
			CreatedAt: time.Now(),
		}
		created = true
		if err := chats.Set(ctx, tx, chats.Key(id), chat); err != nil {
			return err
		}
		return privateChats.Set(ctx, tx, privateChats.Key(uid1, uid2), &privateChat{ChatID: id})
	})
	if err != nil {
		return nil, false, err
	}

	return chat, created, nil
}

// FindChat returns chat by id
func (r *Repository) FindChat(ctx context.Context, cid int64) (*model.Chat, error) {
	var chat *model.Chat
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		chat, err = chats.Get(ctx, tx, chats.Key(cid))
		if err != nil {
			return err
		}
		if chat == nil {
			return ErrChatNotExist
		}
		return nil
	})
	return chat, err
}

// UpdateChat applies mutate to the room and stores it
func (r *Repository) UpdateChat(ctx context.Context, cid int64, mutate func(c *model.Chat)) (*model.Chat, error) {
	var chat *model.Chat
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		chat, err = r.FindChat(ctx, cid)
		if err != nil {
			return err
		}
		if chat.Kind != model.ChatRoom {
			return ErrNotRoom
		}
		mutate(chat)
		return chats.Set(ctx, tx, chats.Key(cid), chat)
	})
	return chat, err
}

// Participant returns membership record or nil
func (r *Repository) Participant(ctx context.Context, cid, uid int64) (*model.RoomParticipant, error) {
	var p *model.RoomParticipant
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		p, err = participants.Get(ctx, tx, participants.Key(cid, uid))
		return err
	})
	return p, err
}

// SetParticipant creates or updates membership record and returns the previous status ("" when absent)
func (r *Repository) SetParticipant(ctx context.Context, cid, uid int64, status model.ParticipantStatus, role model.ParticipantRole, invitedBy int64) (model.ParticipantStatus, error) {
	var prev model.ParticipantStatus
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		key := participants.Key(cid, uid)
		p, err := participants.Get(ctx, tx, key)
		if err != nil {
			return err
		}
		if p == nil {
			p = &model.RoomParticipant{ChatID: cid, UserID: uid}
		} else {
			prev = p.Status
		}
		p.Status = status
		if role != "" {
			p.Role = role
		}
		if p.Role == "" {
			p.Role = model.RoleMember
		}
		if invitedBy != 0 {
			p.InvitedBy = invitedBy
		}
		p.UpdatedAt = time.Now()
		return participants.Set(ctx, tx, key, p)
	})
	if err != nil {
		return "", err
	}

	r.logger.Debugf("User (id: %d) is %s in chat (id: %d), was %q", uid, status, cid, prev)

	return prev, nil
}

// Participants returns every membership record of chat
func (r *Repository) Participants(ctx context.Context, cid int64) ([]model.RoomParticipant, error) {
	var out []model.RoomParticipant
	err := r.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		entries, err := participants.Range(ctx, tx, participants.Key(cid), storage.RangeOptions{})
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

// JoinedMembers returns ids of users who receive deliveries of chat
func (r *Repository) JoinedMembers(ctx context.Context, cid int64) ([]int64, error) {
	all, err := r.Participants(ctx, cid)
	if err != nil {
		return nil, err
	}
	var out []int64
	for _, p := range all {
		if p.Status == model.StatusJoined {
			out = append(out, p.UserID)
		}
	}
	return out, nil
}

// IsJoined reports whether uid is a joined member of cid
func (r *Repository) IsJoined(ctx context.Context, cid, uid int64) (bool, error) {
	p, err := r.Participant(ctx, cid, uid)
	if err != nil {
		return false, err
	}
	return p != nil && p.Status == model.StatusJoined, nil
}
