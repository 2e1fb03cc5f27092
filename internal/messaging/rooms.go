package messaging

import (
	"context"

	"teamchat-core/internal/delivery"
	"teamchat-core/internal/fastcounters"
	"teamchat-core/internal/messages"
	"teamchat-core/internal/metrics"
	"teamchat-core/internal/model"
	"teamchat-core/internal/rooms"
	"teamchat-core/internal/storage"

	"go.uber.org/zap"
)

// RoomMediator manages chats and room membership
type RoomMediator struct {
	logger   *zap.SugaredLogger
	store    storage.Transactor
	rooms    *rooms.Repository
	messages *messages.Repository
	fast     *fastcounters.Repository
	delivery *delivery.Mediator
	metrics  *metrics.Repository
}

func NewRoomMediator(
	logger *zap.SugaredLogger,
	store storage.Transactor,
	rr *rooms.Repository,
	msgs *messages.Repository,
	fast *fastcounters.Repository,
	dm *delivery.Mediator,
	mr *metrics.Repository,
) *RoomMediator {
	return &RoomMediator{logger: logger, store: store, rooms: rr, messages: msgs, fast: fast, delivery: dm, metrics: mr}
}

// CreateRoom creates a room with owner as its only member
func (m *RoomMediator) CreateRoom(ctx context.Context, owner int64, title string, public bool) (*model.Chat, error) {
	var chat *model.Chat
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		chat, err = m.rooms.CreateRoom(ctx, owner, title, public)
		if err != nil {
			return err
		}
		if _, err := m.rooms.SetParticipant(ctx, chat.ID, owner, model.StatusJoined, model.RoleOwner, 0); err != nil {
			return err
		}
		return m.onJoined(ctx, owner, chat.ID)
	})
	return chat, err
}

// PrivateChat returns the private chat of two users, creating it and both dialogs when absent
func (m *RoomMediator) PrivateChat(ctx context.Context, uid1, uid2 int64) (*model.Chat, error) {
	var chat *model.Chat
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var (
			created bool
			err     error
		)
		chat, created, err = m.rooms.FindOrCreatePrivateChat(ctx, uid1, uid2)
		if err != nil || !created {
			return err
		}
		for _, uid := range chat.Members {
			if err := m.fast.OnAddDialog(ctx, uid, chat.ID); err != nil {
				return err
			}
		}
		return m.metrics.OnDirectChatCreated(ctx, uid1, uid2)
	})
	return chat, err
}

// JoinRoom joins a public room or requests access to a private one. It returns the resulting status.
func (m *RoomMediator) JoinRoom(ctx context.Context, uid, cid int64) (model.ParticipantStatus, error) {
	var status model.ParticipantStatus
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		chat, err := m.room(ctx, cid)
		if err != nil {
			return err
		}
		p, err := m.rooms.Participant(ctx, cid, uid)
		if err != nil {
			return err
		}
		switch {
		case p != nil && p.Status == model.StatusJoined:
			status = model.StatusJoined
			return nil
		case p != nil && p.Status == model.StatusKicked:
			return ErrAccessDenied
		}

		status = model.StatusRequested
		if chat.Public {
			status = model.StatusJoined
		}
		if _, err := m.rooms.SetParticipant(ctx, cid, uid, status, "", 0); err != nil {
			return err
		}
		if status == model.StatusJoined {
			return m.onJoined(ctx, uid, cid)
		}
		return nil
	})
	return status, err
}

// Invite adds users to the room on behalf of a joined member. Kicked users may only be invited back by admins.
func (m *RoomMediator) Invite(ctx context.Context, by, cid int64, uids []int64) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := m.room(ctx, cid); err != nil {
			return err
		}
		inviter, err := m.rooms.Participant(ctx, cid, by)
		if err != nil {
			return err
		}
		if inviter == nil || inviter.Status != model.StatusJoined {
			return ErrAccessDenied
		}

		for _, uid := range uids {
			p, err := m.rooms.Participant(ctx, cid, uid)
			if err != nil {
				return err
			}
			if p != nil && p.Status == model.StatusJoined {
				continue
			}
			if p != nil && p.Status == model.StatusKicked && !inviter.CanManage() {
				return ErrAccessDenied
			}
			if _, err := m.rooms.SetParticipant(ctx, cid, uid, model.StatusJoined, "", by); err != nil {
				return err
			}
			if err := m.onJoined(ctx, uid, cid); err != nil {
				return err
			}
		}
		return nil
	})
}

// ApproveRequest lets a user who requested access into the room
func (m *RoomMediator) ApproveRequest(ctx context.Context, by, cid, uid int64) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := m.checkManager(ctx, by, cid); err != nil {
			return err
		}
		p, err := m.rooms.Participant(ctx, cid, uid)
		if err != nil {
			return err
		}
		if p == nil || p.Status != model.StatusRequested {
			return rooms.ErrNotParticipant
		}
		if _, err := m.rooms.SetParticipant(ctx, cid, uid, model.StatusJoined, "", by); err != nil {
			return err
		}
		return m.onJoined(ctx, uid, cid)
	})
}

func (m *RoomMediator) LeaveRoom(ctx context.Context, uid, cid int64) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := m.checkJoined(ctx, uid, cid); err != nil {
			return err
		}
		if _, err := m.rooms.SetParticipant(ctx, cid, uid, model.StatusLeft, "", 0); err != nil {
			return err
		}
		return m.onRemoved(ctx, uid, cid)
	})
}

// Kick removes uid from the room. The owner can not be kicked.
func (m *RoomMediator) Kick(ctx context.Context, by, cid, uid int64) error {
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := m.checkManager(ctx, by, cid); err != nil {
			return err
		}
		p, err := m.rooms.Participant(ctx, cid, uid)
		if err != nil {
			return err
		}
		if p == nil || p.Status != model.StatusJoined {
			return rooms.ErrNotParticipant
		}
		if p.Role == model.RoleOwner {
			return ErrAccessDenied
		}
		if _, err := m.rooms.SetParticipant(ctx, cid, uid, model.StatusKicked, "", 0); err != nil {
			return err
		}
		return m.onRemoved(ctx, uid, cid)
	})
}

// ChangeRole makes uid an admin or a plain member. Only the owner changes roles.
func (m *RoomMediator) ChangeRole(ctx context.Context, by, cid, uid int64, role model.ParticipantRole) error {
	if role != model.RoleAdmin && role != model.RoleMember {
		return ErrAccessDenied
	}
	return m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		owner, err := m.rooms.Participant(ctx, cid, by)
		if err != nil {
			return err
		}
		if owner == nil || owner.Role != model.RoleOwner || by == uid {
			return ErrAccessDenied
		}
		if err := m.checkJoined(ctx, uid, cid); err != nil {
			return err
		}
		_, err = m.rooms.SetParticipant(ctx, cid, uid, model.StatusJoined, role, 0)
		return err
	})
}

func (m *RoomMediator) UpdateTitle(ctx context.Context, by, cid int64, title string) (*model.Chat, error) {
	return m.updateChat(ctx, by, cid, func(c *model.Chat) { c.Title = title }, m.delivery.OnTitleUpdated)
}

func (m *RoomMediator) UpdatePhoto(ctx context.Context, by, cid int64, photo string) (*model.Chat, error) {
	return m.updateChat(ctx, by, cid, func(c *model.Chat) { c.Photo = photo }, m.delivery.OnPhotoUpdated)
}

func (m *RoomMediator) updateChat(ctx context.Context, by, cid int64, mutate func(c *model.Chat), fanOut func(ctx context.Context, cid int64)) (*model.Chat, error) {
	var chat *model.Chat
	err := m.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := m.checkManager(ctx, by, cid); err != nil {
			return err
		}
		var err error
		chat, err = m.rooms.UpdateChat(ctx, cid, mutate)
		if err != nil {
			return err
		}
		if err := m.messages.ChatUpdated(ctx, cid); err != nil {
			return err
		}
		fanOut(ctx, cid)
		return nil
	})
	return chat, err
}

// onJoined subscribes the new member to counters and shows the dialog.
// History sent before joining is read.
func (m *RoomMediator) onJoined(ctx context.Context, uid, cid int64) error {
	if err := m.fast.OnAddDialog(ctx, uid, cid); err != nil {
		return err
	}
	if err := m.metrics.OnChatCreated(ctx, uid); err != nil {
		return err
	}
	latest, err := m.messages.LatestMessage(ctx, cid)
	if err != nil {
		return err
	}
	if latest != nil {
		return m.delivery.OnMessageRead(ctx, uid, cid, latest.ID)
	}
	return m.delivery.OnDialogBump(ctx, uid, cid)
}

func (m *RoomMediator) onRemoved(ctx context.Context, uid, cid int64) error {
	if err := m.delivery.OnDialogDeleted(ctx, uid, cid); err != nil {
		return err
	}
	return m.fast.OnRemoveDialog(ctx, uid, cid)
}

func (m *RoomMediator) room(ctx context.Context, cid int64) (*model.Chat, error) {
	chat, err := m.rooms.FindChat(ctx, cid)
	if err != nil {
		return nil, err
	}
	if chat.Kind != model.ChatRoom {
		return nil, rooms.ErrNotRoom
	}
	return chat, nil
}

func (m *RoomMediator) checkJoined(ctx context.Context, uid, cid int64) error {
	ok, err := m.rooms.IsJoined(ctx, cid, uid)
	if err != nil {
		return err
	}
	if !ok {
		return rooms.ErrNotParticipant
	}
	return nil
}

func (m *RoomMediator) checkManager(ctx context.Context, uid, cid int64) error {
	if _, err := m.room(ctx, cid); err != nil {
		return err
	}
	p, err := m.rooms.Participant(ctx, cid, uid)
	if err != nil {
		return err
	}
	if !p.CanManage() {
		return ErrAccessDenied
	}
	return nil
}
