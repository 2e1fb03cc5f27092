package model

import "time"

type ChatKind string

const (
	ChatPrivate ChatKind = "private"
	ChatRoom    ChatKind = "room"
)

type Chat struct {
	ID        int64     `json:"id"`
	Kind      ChatKind  `json:"kind"`
	OwnerID   int64     `json:"ownerId"`
	Title     string    `json:"title,omitempty"`
	Photo     string    `json:"photo,omitempty"`
	Public    bool      `json:"public,omitempty"`
	Members   []int64   `json:"members,omitempty"` // private chats only
	CreatedAt time.Time `json:"createdAt"`
}

type ParticipantStatus string

const (
	StatusJoined    ParticipantStatus = "joined"
	StatusRequested ParticipantStatus = "requested"
	StatusLeft      ParticipantStatus = "left"
	StatusKicked    ParticipantStatus = "kicked"
)

type ParticipantRole string

const (
	RoleOwner  ParticipantRole = "owner"
	RoleAdmin  ParticipantRole = "admin"
	RoleMember ParticipantRole = "member"
)

type RoomParticipant struct {
	ChatID    int64             `json:"cid"`
	UserID    int64             `json:"uid"`
	Status    ParticipantStatus `json:"status"`
	Role      ParticipantRole   `json:"role"`
	InvitedBy int64             `json:"invitedBy,omitempty"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// CanManage reports whether participant may moderate the room
func (p *RoomParticipant) CanManage() bool {
	return p != nil && p.Status == StatusJoined && (p.Role == RoleOwner || p.Role == RoleAdmin)
}

// UserDialogState is a read state of a single chat for a single user
type UserDialogState struct {
	UserID        int64      `json:"uid"`
	ChatID        int64      `json:"cid"`
	Unread        int64      `json:"unread"`
	ReadMessageID *int64     `json:"readMessageId,omitempty"`
	HaveMention   bool       `json:"haveMention"`
	Date          *time.Time `json:"date,omitempty"`
}

// IsUnread reports whether message with id mid lies after the read position
func (s *UserDialogState) IsUnread(mid int64) bool {
	return s.ReadMessageID == nil || mid > *s.ReadMessageID
}

// UserMessagingState is a global per-user record. Seq is the sync cursor of the user's event log.
type UserMessagingState struct {
	UserID           int64 `json:"uid"`
	Unread           int64 `json:"unread"`
	Seq              int64 `json:"seq"`
	MessagesReceived int64 `json:"messagesReceived"`
	MessagesSent     int64 `json:"messagesSent"`
	ChatsCount       int64 `json:"chatsCount"`
	DirectChatsCount int64 `json:"directChatsCount"`
}

type UserDialogSettings struct {
	UserID int64 `json:"uid"`
	ChatID int64 `json:"cid"`
	Mute   bool  `json:"mute"`
}

type GlobalCounterType string

const (
	CounterUnreadMessages        GlobalCounterType = "unread_messages"
	CounterUnreadChats           GlobalCounterType = "unread_chats"
	CounterUnreadMessagesNoMuted GlobalCounterType = "unread_messages_no_muted"
	CounterUnreadChatsNoMuted    GlobalCounterType = "unread_chats_no_muted"
)

// Valid reports whether t is a known counter type
func (t GlobalCounterType) Valid() bool {
	switch t {
	case CounterUnreadMessages, CounterUnreadChats, CounterUnreadMessagesNoMuted, CounterUnreadChatsNoMuted:
		return true
	}
	return false
}

type UserCounterSettings struct {
	UserID            int64             `json:"uid"`
	GlobalCounterType GlobalCounterType `json:"globalCounterType"`
}

// HandledMessage marks a message already counted for a user
type HandledMessage struct {
	UserID    int64 `json:"uid"`
	ChatID    int64 `json:"cid"`
	MessageID int64 `json:"mid"`
}

type EntityCleanerState struct {
	Name         string `json:"name"`
	Cursor       []byte `json:"cursor,omitempty"`
	DeletedCount int64  `json:"deletedCount"`
	Version      int64  `json:"version"`
}
