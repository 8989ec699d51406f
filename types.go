package echoroom

import "encoding/json"

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an API error.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// Result is the generic API response envelope.
type Result struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *Result) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Conversation Model
// ============================================================================

// Kind distinguishes direct conversations from group rooms.
type Kind string

const (
	KindDirect Kind = "direct"
	KindGroup  Kind = "group"
)

// ActivityType tags the variant of a conversation's most recent activity.
type ActivityType string

const (
	ActivityMessage    ActivityType = "message"
	ActivityReaction   ActivityType = "reaction"
	ActivityTheme      ActivityType = "theme-change"
	ActivityMembership ActivityType = "membership-change"
)

// Activity is a non-message event worth previewing in the inbox
// (a reaction, a theme change, a member joining or leaving). The
// Summary string is pre-rendered by the server.
type Activity struct {
	Type    ActivityType `json:"type"`
	Summary string       `json:"summary"`
	ActorID string       `json:"actorId,omitempty"`
	At      string       `json:"at,omitempty"`
}

// LastMessage is the inline preview of a conversation's newest message.
type LastMessage struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
	Type       string `json:"type"`
	SentAt     string `json:"sentAt"`
	Read       bool   `json:"read"`
}

// Conversation is one direct-message thread as the server reports it.
type Conversation struct {
	ID           string       `json:"id"`
	Kind         Kind         `json:"kind"`
	PeerID       string       `json:"peerId,omitempty"`
	DisplayName  string       `json:"displayName"`
	AvatarURL    string       `json:"avatarUrl,omitempty"`
	LastMessage  *LastMessage `json:"lastMessage,omitempty"`
	LastActivity *Activity    `json:"lastActivity,omitempty"`
	IsPinned     bool         `json:"isPinned"`
	IsArchived   bool         `json:"isArchived"`
	IsMuted      bool         `json:"isMuted"`
	IsRequest    bool         `json:"isRequest"`
	UnreadCount  int          `json:"unreadCount"`
}

// RoomSummary is one joined group room as the server reports it.
type RoomSummary struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	AvatarURL      string    `json:"avatarUrl,omitempty"`
	Theme          string    `json:"theme,omitempty"`
	AdminID        string    `json:"adminId,omitempty"`
	MemberCount    int       `json:"memberCount"`
	LastActivity   *Activity `json:"lastActivity,omitempty"`
	LastActivityAt string    `json:"lastActivityAt,omitempty"`
	IsPinned       bool      `json:"isPinned"`
	IsMuted        bool      `json:"isMuted"`
	UnreadCount    int       `json:"unreadCount"`
}

// DirectUser identifies the counterpart of a direct conversation.
type DirectUser struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// DirectConversation is the response to get-or-create direct.
type DirectConversation struct {
	ID        string     `json:"id"`
	OtherUser DirectUser `json:"otherUser"`
}

// ============================================================================
// Message Model
// ============================================================================

// MessageStatus marks whether a message has been confirmed by the server.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusConfirmed MessageStatus = "confirmed"
)

// LocalIDPrefix marks client-generated ids of messages that have not
// been confirmed by the server yet.
const LocalIDPrefix = "local-"

// Reaction is one emoji reaction on a message.
type Reaction struct {
	UserID string `json:"userId"`
	Emoji  string `json:"emoji"`
}

// Message is one message in a conversation or room.
type Message struct {
	ID        string        `json:"id"`
	SenderID  string        `json:"senderId"`
	Content   string        `json:"content"`
	Type      string        `json:"type"` // text|image|voice|file|system
	CreatedAt string        `json:"createdAt"`
	Reactions []Reaction    `json:"reactions,omitempty"`
	ReplyTo   *string       `json:"replyTo,omitempty"`
	Status    MessageStatus `json:"status,omitempty"`
}

// Pending reports whether this message is a not-yet-confirmed local write.
func (m *Message) Pending() bool {
	return m.Status == StatusPending
}

// SendOptions carries optional fields for sending a message.
type SendOptions struct {
	Type    string  `json:"type,omitempty"`
	ReplyTo *string `json:"replyTo,omitempty"`
}

// Scope addresses one synchronization unit: a direct conversation or a room.
type Scope struct {
	ID   string
	Kind Kind
}

// ============================================================================
// Realtime Event Payloads
// ============================================================================

// Direct-channel events.
const (
	EventMessageNew          = "message:new"
	EventMessageReaction     = "message:reaction"
	EventTypingStart         = "typing:start"
	EventTypingStop          = "typing:stop"
	EventConversationUpdated = "conversation:updated"
)

// Room-channel events. All payloads carry the room id; handlers must
// ignore events whose room id does not match their active scope.
const (
	EventMessageNewRoom   = "message:new_room"
	EventTypingStartRoom  = "typing:start_room"
	EventTypingStopRoom   = "typing:stop_room"
	EventThemeChangedRoom = "theme:changed_room"
	EventRoomUpdated      = "room:updated"
	EventRoomDeleted      = "room:deleted"
	EventMemberLeftRoom   = "member:left_room"
	EventAdminChangedRoom = "admin:changed_room"
)

// MessageEventPayload is sent for message:new and message:new_room.
type MessageEventPayload struct {
	ConversationID string  `json:"conversationId,omitempty"`
	RoomID         string  `json:"roomId,omitempty"`
	Message        Message `json:"message"`
}

// ReactionEventPayload carries the fully updated message after a reaction.
type ReactionEventPayload struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// TypingEventPayload is sent for typing:start/stop on both channels.
type TypingEventPayload struct {
	ConversationID string `json:"conversationId,omitempty"`
	RoomID         string `json:"roomId,omitempty"`
	UserID         string `json:"userId"`
}

// ConversationEventPayload is sent for conversation:updated.
type ConversationEventPayload struct {
	Conversation Conversation `json:"conversation"`
}

// ThemeEventPayload is sent for theme:changed_room.
type ThemeEventPayload struct {
	RoomID  string `json:"roomId"`
	Theme   string `json:"theme"`
	Summary string `json:"summary,omitempty"`
	ActorID string `json:"actorId,omitempty"`
}

// RoomEventPayload is sent for room:updated.
type RoomEventPayload struct {
	Room RoomSummary `json:"room"`
}

// RoomDeletedPayload is sent for room:deleted.
type RoomDeletedPayload struct {
	RoomID string `json:"roomId"`
}

// MemberLeftPayload is sent for member:left_room.
type MemberLeftPayload struct {
	RoomID  string `json:"roomId"`
	UserID  string `json:"userId"`
	Summary string `json:"summary,omitempty"`
}

// AdminChangedPayload is sent for admin:changed_room.
type AdminChangedPayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}
