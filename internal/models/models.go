package models

import "time"

const (
	RoomTypeDirect = "DIRECT"
	RoomTypeGroup  = "GROUP"

	RoleOwner  = "OWNER"
	RoleMember = "MEMBER"

	FriendPending  = "PENDING"
	FriendAccepted = "ACCEPTED"
	FriendBlocked  = "BLOCKED"
)

type User struct {
	ID          int64     `json:"id"`
	Email       string    `json:"email"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	AvatarURL   *string   `json:"avatar_url,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Profile is the public slice of a user embedded in messages and
// room summaries.
type Profile struct {
	ID          int64   `json:"id"`
	DisplayName string  `json:"display_name"`
	AvatarURL   *string `json:"avatar_url,omitempty"`
}

type Room struct {
	ID            int64        `json:"id"`
	Type          string       `json:"type"`
	Name          *string      `json:"name,omitempty"`
	DirectKey     *string      `json:"direct_key,omitempty"`
	CreatedBy     int64        `json:"created_by"`
	LastMessageAt *time.Time   `json:"last_message_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
	Members       []RoomMember `json:"members,omitempty"`
}

type RoomMember struct {
	RoomID     int64      `json:"room_id"`
	UserID     int64      `json:"user_id"`
	Role       string     `json:"role"`
	LastReadAt *time.Time `json:"last_read_at,omitempty"`
	User       Profile    `json:"user"`
}

type Message struct {
	ID        int64      `json:"id"`
	RoomID    int64      `json:"room_id"`
	SenderID  int64      `json:"sender_id"`
	Content   string     `json:"content"`
	ReplyToID *int64     `json:"reply_to_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	EditedAt  *time.Time `json:"edited_at,omitempty"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type MessageWithSender struct {
	Message
	Sender Profile `json:"sender"`
}

// RoomSummary is one entry of the room list: membership, latest
// activity and the caller's unread watermark state.
type RoomSummary struct {
	Room
	LastMessage *MessageWithSender `json:"last_message,omitempty"`
	UnreadCount int                `json:"unread_count"`
	OtherUser   *Profile           `json:"other_user,omitempty"`
}
