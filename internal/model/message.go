package model

import "time"

type SpanType string

const (
	SpanUserMention SpanType = "user_mention"
	SpanAllMention  SpanType = "all_mention"
	SpanBold        SpanType = "bold"
	SpanLink        SpanType = "link"
)

type Span struct {
	Type   SpanType `json:"type"`
	Offset int      `json:"offset"`
	Length int      `json:"length"`
	UserID int64    `json:"uid,omitempty"`
	URL    string   `json:"url,omitempty"`
}

type Reaction struct {
	UserID   int64  `json:"uid"`
	Reaction string `json:"reaction"`
}

// Message is a canonical chat message. ID is global and monotonic, Seq is monotonic per chat.
type Message struct {
	ID              int64             `json:"id"`
	ChatID          int64             `json:"cid"`
	UserID          int64             `json:"uid"`
	Seq             int64             `json:"seq"`
	Text            string            `json:"text"`
	Spans           []Span            `json:"spans,omitempty"`
	Mentions        []int64           `json:"mentions,omitempty"`
	ServiceMetadata map[string]string `json:"serviceMetadata,omitempty"`
	Reactions       []Reaction        `json:"reactions,omitempty"`
	Edited          bool              `json:"edited,omitempty"`
	Deleted         bool              `json:"deleted,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       *time.Time        `json:"updatedAt,omitempty"`
}

// MessageInput is a user supplied content of a new or edited message
type MessageInput struct {
	Text            string
	Spans           []Span
	Mentions        []int64
	ServiceMetadata map[string]string
}

// MentionsAll reports whether message mentions every chat member
func (m *Message) MentionsAll() bool {
	for _, s := range m.Spans {
		if s.Type == SpanAllMention {
			return true
		}
	}
	return false
}

// MentionedUsers returns distinct ids of users mentioned explicitly
func (m *Message) MentionedUsers() []int64 {
	seen := make(map[int64]struct{})
	var out []int64
	add := func(uid int64) {
		if _, ok := seen[uid]; ok {
			return
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	for _, uid := range m.Mentions {
		add(uid)
	}
	for _, s := range m.Spans {
		if s.Type == SpanUserMention && s.UserID != 0 {
			add(s.UserID)
		}
	}
	return out
}

// HasMention reports whether message mentions uid. Authors never mention themselves.
func (m *Message) HasMention(uid int64) bool {
	if m.UserID == uid {
		return false
	}
	if m.MentionsAll() {
		return true
	}
	for _, id := range m.MentionedUsers() {
		if id == uid {
			return true
		}
	}
	return false
}

type ConversationEventKind string

const (
	ConversationMessageReceived ConversationEventKind = "message_received"
	ConversationMessageUpdated  ConversationEventKind = "message_updated"
	ConversationMessageDeleted  ConversationEventKind = "message_deleted"
	ConversationChatUpdated     ConversationEventKind = "chat_updated"
)

// ConversationEvent is an entry of a per-chat event log
type ConversationEvent struct {
	ChatID    int64                 `json:"cid"`
	Seq       int64                 `json:"seq"`
	Kind      ConversationEventKind `json:"kind"`
	MessageID int64                 `json:"mid,omitempty"`
	Date      time.Time             `json:"date"`
}

type DialogEventKind string

const (
	EventMessageReceived   DialogEventKind = "message_received"
	EventMessageUpdated    DialogEventKind = "message_updated"
	EventMessageDeleted    DialogEventKind = "message_deleted"
	EventMessageRead       DialogEventKind = "message_read"
	EventDialogDeleted     DialogEventKind = "dialog_deleted"
	EventTitleUpdated      DialogEventKind = "title_updated"
	EventPhotoUpdated      DialogEventKind = "photo_updated"
	EventDialogMuteChanged DialogEventKind = "dialog_mute_changed"
	EventDialogBump        DialogEventKind = "dialog_bump"
)

// UserDialogEvent is an immutable entry of a per-user event log consumed by client sync
type UserDialogEvent struct {
	UserID      int64           `json:"uid"`
	Seq         int64           `json:"seq"`
	ChatID      int64           `json:"cid"`
	Kind        DialogEventKind `json:"kind"`
	MessageID   *int64          `json:"mid,omitempty"`
	Unread      int64           `json:"unread"`
	AllUnread   int64           `json:"allUnread"`
	HaveMention bool            `json:"haveMention,omitempty"`
	Title       string          `json:"title,omitempty"`
	Photo       string          `json:"photo,omitempty"`
	Mute        bool            `json:"mute,omitempty"`
	Date        time.Time       `json:"date"`
}
