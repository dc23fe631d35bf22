package service

import (
	"encoding/json"
	"time"

	"chatcore/internal/models"

	"github.com/rs/zerolog/log"
)

// Outbound frame types.
const (
	EventNewMessage     = "new_message"
	EventMessageAck     = "message_ack"
	EventDeliveryStatus = "delivery_status_updated"
	EventTyping         = "typing"
	EventPresence       = "presence_changed"
	EventMessageUpdated = "message_updated"
	EventMessageDeleted = "message_deleted"
	EventJoined         = "joined"
	EventError          = "error"
)

type UserSummary struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// MessageDTO is the wire form of a message.
type MessageDTO struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversation_id"`
	SenderID       string           `json:"sender_id"`
	Sender         *UserSummary     `json:"sender,omitempty"`
	Content        string           `json:"content"`
	ContentType    string           `json:"content_type"`
	File           *models.FileMeta `json:"file,omitempty"`
	ReplyToID      *string          `json:"reply_to_id,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	EditedAt       *time.Time       `json:"edited_at,omitempty"`
	DeletedAt      *time.Time       `json:"deleted_at,omitempty"`
}

func toMessageDTO(m models.Message, sender *UserSummary) MessageDTO {
	dto := MessageDTO{
		ID: m.ID, ConversationID: m.ConversationID, SenderID: m.SenderID, Sender: sender,
		Content: m.Content, ContentType: m.ContentType, ReplyToID: m.ReplyToID,
		CreatedAt: m.CreatedAt, EditedAt: m.EditedAt, DeletedAt: m.DeletedAt,
	}
	if len(m.File) > 0 {
		var fm models.FileMeta
		if err := json.Unmarshal(m.File, &fm); err == nil {
			dto.File = &fm
		}
	}
	return dto
}

type NewMessageEvent struct {
	Type    string     `json:"type"`
	Message MessageDTO `json:"message"`
}

// AckEvent confirms a send to the sender's own connections.
type AckEvent struct {
	Type           string    `json:"type"`
	ClientID       string    `json:"client_id,omitempty"`
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	CreatedAt      time.Time `json:"created_at"`
}

type DeliveryStatusEvent struct {
	Type           string     `json:"type"`
	MessageID      string     `json:"message_id"`
	ConversationID string     `json:"conversation_id"`
	RecipientID    string     `json:"recipient_id"`
	State          string     `json:"state"`
	DeliveredAt    *time.Time `json:"delivered_at,omitempty"`
}

type TypingEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	IsTyping       bool   `json:"is_typing"`
}

type PresenceEvent struct {
	Type     string     `json:"type"`
	UserID   string     `json:"user_id"`
	Status   string     `json:"status"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// MessageChangedEvent is sent for both message_updated and message_deleted.
type MessageChangedEvent struct {
	Type    string     `json:"type"`
	Message MessageDTO `json:"message"`
}

type JoinedEvent struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}

type ErrorEvent struct {
	Type     string `json:"type"`
	Code     string `json:"code"`
	Message  string `json:"message"`
	ClientID string `json:"client_id,omitempty"`
}

// ErrorFrame renders err for the connection that caused it.
func ErrorFrame(err error, clientID string) []byte {
	return encode(ErrorEvent{Type: EventError, Code: CodeOf(err), Message: PublicMessage(err), ClientID: clientID})
}

func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Msg("encode event")
		return nil
	}
	return b
}
