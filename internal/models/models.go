package models

import (
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	PresenceOnline  = "online"
	PresenceOffline = "offline"

	KindDirect = "direct"
	KindGroup  = "group"

	RoleAdmin  = "admin"
	RoleMember = "member"

	ContentText   = "text"
	ContentFile   = "file"
	ContentSystem = "system"

	DeliveryQueued    = "queued"
	DeliveryDelivered = "delivered"
)

type User struct {
	ID          string `gorm:"primaryKey;size:64"`
	DisplayName string `gorm:"size:128;not null"`
	Status      string `gorm:"size:16;not null;default:offline"`
	LastSeenAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Conversation struct {
	ID          string `gorm:"primaryKey;size:36"`
	Kind        string `gorm:"size:16;not null"`
	Name        string `gorm:"size:128"`
	Description string `gorm:"type:text"`
	CreatorID   string `gorm:"size:64;not null"`
	// DirectKey is "lo:hi" for direct conversations and NULL for groups.
	DirectKey *string `gorm:"uniqueIndex;size:160"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt gorm.DeletedAt `gorm:"index"`
}

type Participant struct {
	ConversationID string    `gorm:"primaryKey;size:36"`
	UserID         string    `gorm:"primaryKey;size:64;index:idx_participant_user"`
	Role           string    `gorm:"size:16;not null"`
	JoinedAt       time.Time `gorm:"not null"`
	LastReadAt     time.Time `gorm:"not null"`
}

// FileMeta is the payload of a file-typed message.
type FileMeta struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	MIME string `json:"mime,omitempty"`
	Size int64  `json:"size,omitempty"`
}

type Message struct {
	ID             string         `gorm:"primaryKey;size:20"`
	ConversationID string         `gorm:"size:36;not null;index:idx_msg_conv_created,priority:1"`
	SenderID       string         `gorm:"size:64;not null;index"`
	Content        string         `gorm:"type:text;not null"`
	ContentType    string         `gorm:"size:16;not null"`
	File           datatypes.JSON `gorm:"type:jsonb"`
	ReplyToID      *string        `gorm:"size:20"`
	CreatedAt      time.Time      `gorm:"not null;index:idx_msg_conv_created,priority:2"`
	EditedAt       *time.Time
	DeletedAt      *time.Time
}

// Deleted reports whether the message carries a soft-delete tombstone.
func (m Message) Deleted() bool { return m.DeletedAt != nil }

type DeliveryStatus struct {
	MessageID   string `gorm:"primaryKey;size:20"`
	RecipientID string `gorm:"primaryKey;size:64;index:idx_delivery_recipient_state,priority:1"`
	State       string `gorm:"size:16;not null;index:idx_delivery_recipient_state,priority:2"`
	DeliveredAt *time.Time
	CreatedAt   time.Time
}

func (DeliveryStatus) TableName() string { return "delivery_statuses" }
