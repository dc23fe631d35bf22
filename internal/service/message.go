package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"chatcore/internal/metrics"
	"chatcore/internal/models"
	"chatcore/internal/store"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
	"gorm.io/datatypes"
)

const DefaultMaxMessageLength = 4000

// MessageService validates, persists and routes messages, and serves the
// paginated history.
type MessageService struct {
	store  store.Store
	guard  *Guard
	router *Router
	maxLen int
	now    func() time.Time
}

func NewMessageService(guard *Guard, router *Router, maxLen int) *MessageService {
	if maxLen <= 0 {
		maxLen = DefaultMaxMessageLength
	}
	return &MessageService{store: guard.store, guard: guard, router: router, maxLen: maxLen, now: func() time.Time { return time.Now().UTC() }}
}

// SendInput is one send request. ClientID is an optional correlation id
// echoed back in the ack; it is never stored.
type SendInput struct {
	ConversationID string           `json:"conversation_id"`
	Content        string           `json:"content"`
	ContentType    string           `json:"content_type"`
	File           *models.FileMeta `json:"file,omitempty"`
	ReplyToID      string           `json:"reply_to_id,omitempty"`
	ClientID       string           `json:"client_id,omitempty"`
}

// Send persists a message and fans it out. Nothing is broadcast unless the
// message and its delivery rows were written.
func (s *MessageService) Send(ctx context.Context, senderID string, in SendInput) (MessageDTO, error) {
	msg, err := s.build(senderID, in)
	if err != nil {
		return MessageDTO{}, err
	}
	if err := s.guard.Require(ctx, in.ConversationID, senderID); err != nil {
		return MessageDTO{}, err
	}
	if msg.ReplyToID != nil {
		if err := s.checkReply(ctx, in.ConversationID, *msg.ReplyToID); err != nil {
			return MessageDTO{}, err
		}
	}

	recipients, err := s.store.CreateMessage(ctx, &msg)
	if err != nil {
		return MessageDTO{}, translate(err, "persist message", "conversation")
	}
	metrics.MessagesTotal.Inc()
	log.Debug().Str("message_id", msg.ID).Str("conversation_id", msg.ConversationID).Int("recipients", len(recipients)).Msg("message persisted")
	return s.router.Route(ctx, msg, recipients, in.ClientID), nil
}

// build validates the request shape before anything touches the store.
func (s *MessageService) build(senderID string, in SendInput) (models.Message, error) {
	if err := validConversationID(in.ConversationID); err != nil {
		return models.Message{}, err
	}
	ct := in.ContentType
	if ct == "" {
		ct = models.ContentText
	}
	msg := models.Message{ConversationID: in.ConversationID, SenderID: senderID, ContentType: ct}
	switch ct {
	case models.ContentText:
		if strings.TrimSpace(in.Content) == "" {
			return models.Message{}, validationf("content is empty")
		}
	case models.ContentFile:
		if in.File == nil || strings.TrimSpace(in.File.Name) == "" || strings.TrimSpace(in.File.URL) == "" {
			return models.Message{}, validationf("file messages need file.name and file.url")
		}
		if in.File.Size < 0 {
			return models.Message{}, validationf("file.size is negative")
		}
		raw, err := json.Marshal(in.File)
		if err != nil {
			return models.Message{}, validationf("file metadata: %v", err)
		}
		msg.File = datatypes.JSON(raw)
	case models.ContentSystem:
		return models.Message{}, validationf("system messages cannot be sent by clients")
	default:
		return models.Message{}, validationf("unknown content_type %q", ct)
	}
	if err := s.checkLength(in.Content); err != nil {
		return models.Message{}, err
	}
	msg.Content = in.Content
	if in.ReplyToID != "" {
		if err := validMessageID(in.ReplyToID); err != nil {
			return models.Message{}, err
		}
		r := in.ReplyToID
		msg.ReplyToID = &r
	}
	return msg, nil
}

func (s *MessageService) checkLength(content string) error {
	if utf8.RuneCountInString(content) > s.maxLen {
		return validationf("content exceeds %d characters", s.maxLen)
	}
	return nil
}

func (s *MessageService) checkReply(ctx context.Context, conversationID, replyToID string) error {
	parent, err := s.store.GetMessage(ctx, replyToID)
	if err != nil {
		return translate(err, "get reply target", "reply_to message")
	}
	if parent.Deleted() {
		return translate(store.ErrNotFound, "get reply target", "reply_to message")
	}
	if parent.ConversationID != conversationID {
		return validationf("reply_to message belongs to another conversation")
	}
	return nil
}

// Edit replaces the content of the caller's own message.
func (s *MessageService) Edit(ctx context.Context, callerID, messageID, content string) (MessageDTO, error) {
	m, err := s.ownMessage(ctx, callerID, messageID)
	if err != nil {
		return MessageDTO{}, err
	}
	if m.ContentType == models.ContentText && strings.TrimSpace(content) == "" {
		return MessageDTO{}, validationf("content is empty")
	}
	if err := s.checkLength(content); err != nil {
		return MessageDTO{}, err
	}
	updated, err := s.store.EditMessage(ctx, messageID, content, s.now())
	if err != nil {
		return MessageDTO{}, translate(err, "edit message", "message")
	}
	dto := toMessageDTO(updated, s.router.senderSummary(ctx, updated.SenderID))
	s.router.Broadcast(ctx, updated.ConversationID, encode(MessageChangedEvent{Type: EventMessageUpdated, Message: dto}))
	return dto, nil
}

// Delete tombstones the caller's own message.
func (s *MessageService) Delete(ctx context.Context, callerID, messageID string) error {
	if _, err := s.ownMessage(ctx, callerID, messageID); err != nil {
		return err
	}
	deleted, err := s.store.SoftDeleteMessage(ctx, messageID, s.now())
	if err != nil {
		return translate(err, "delete message", "message")
	}
	dto := toMessageDTO(deleted, nil)
	dto.Content = ""
	dto.File = nil
	s.router.Broadcast(ctx, deleted.ConversationID, encode(MessageChangedEvent{Type: EventMessageDeleted, Message: dto}))
	return nil
}

// ownMessage loads a live message the caller sent in a conversation they
// still belong to.
func (s *MessageService) ownMessage(ctx context.Context, callerID, messageID string) (models.Message, error) {
	if err := validMessageID(messageID); err != nil {
		return models.Message{}, err
	}
	m, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return models.Message{}, translate(err, "get message", "message")
	}
	if m.Deleted() {
		return models.Message{}, translate(store.ErrNotFound, "get message", "message")
	}
	if err := s.guard.Require(ctx, m.ConversationID, callerID); err != nil {
		return models.Message{}, err
	}
	if m.SenderID != callerID {
		return models.Message{}, ErrForbidden
	}
	return m, nil
}

// List returns a page of history newest first. beforeID, when set, must be a
// message of the same conversation; the page holds strictly older messages.
func (s *MessageService) List(ctx context.Context, callerID, conversationID string, limit int, beforeID string) ([]MessageDTO, error) {
	if err := s.guard.Require(ctx, conversationID, callerID); err != nil {
		return nil, err
	}
	if beforeID != "" {
		if err := validMessageID(beforeID); err != nil {
			return nil, err
		}
	}
	msgs, err := s.store.ListMessages(ctx, conversationID, limit, beforeID)
	if err != nil {
		return nil, translate(err, "list messages", "before_id message")
	}
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.SenderID)
	}
	users, err := s.store.GetUsers(ctx, ids)
	if err != nil {
		return nil, translate(err, "get users", "user")
	}
	out := make([]MessageDTO, 0, len(msgs))
	for _, m := range msgs {
		var sender *UserSummary
		if u, ok := users[m.SenderID]; ok {
			sender = &UserSummary{ID: u.ID, DisplayName: u.DisplayName}
		}
		out = append(out, toMessageDTO(m, sender))
	}
	return out, nil
}

func validMessageID(id string) error {
	if _, err := xid.FromString(id); err != nil {
		return validationf("malformed message id")
	}
	return nil
}
