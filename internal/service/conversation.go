package service

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"chatcore/internal/models"
	"chatcore/internal/realtime"
	"chatcore/internal/store"
)

// ConversationService covers conversation bootstrap, membership changes,
// topic joins and the read-only queries around conversations.
type ConversationService struct {
	store store.Store
	guard *Guard
	reg   Registry
	now   func() time.Time
}

func NewConversationService(guard *Guard, reg Registry) *ConversationService {
	return &ConversationService{store: guard.store, guard: guard, reg: reg, now: func() time.Time { return time.Now().UTC() }}
}

type ConversationDTO struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatorID   string    `json:"creator_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ConversationSummaryDTO is one inbox entry.
type ConversationSummaryDTO struct {
	ConversationDTO
	LastMessage *MessageDTO `json:"last_message,omitempty"`
	UnreadCount int64       `json:"unread_count"`
}

type ParticipantDTO struct {
	UserID      string     `json:"user_id"`
	DisplayName string     `json:"display_name"`
	Role        string     `json:"role"`
	Status      string     `json:"status"`
	LastSeenAt  *time.Time `json:"last_seen_at,omitempty"`
	JoinedAt    time.Time  `json:"joined_at"`
	LastReadAt  time.Time  `json:"last_read_at"`
}

// GroupInput is the payload for creating a group conversation.
type GroupInput struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	MemberIDs   []string `json:"member_ids"`
}

func toConversationDTO(c models.Conversation) ConversationDTO {
	return ConversationDTO{
		ID: c.ID, Kind: c.Kind, Name: c.Name, Description: c.Description,
		CreatorID: c.CreatorID, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt,
	}
}

// CreateDirect returns the direct conversation between callerID and otherID,
// creating it on first use. created is false when it already existed.
func (s *ConversationService) CreateDirect(ctx context.Context, callerID, otherID string) (ConversationDTO, bool, error) {
	otherID = strings.TrimSpace(otherID)
	if otherID == "" {
		return ConversationDTO{}, false, validationf("user_id is required")
	}
	if otherID == callerID {
		return ConversationDTO{}, false, validationf("cannot open a direct conversation with yourself")
	}
	if _, err := s.store.GetUser(ctx, otherID); err != nil {
		return ConversationDTO{}, false, translate(err, "get user", "user")
	}
	conv, created, err := s.store.CreateDirectConversation(ctx, callerID, otherID)
	if err != nil {
		return ConversationDTO{}, false, translate(err, "create direct", "conversation")
	}
	return toConversationDTO(conv), created, nil
}

func (s *ConversationService) CreateGroup(ctx context.Context, callerID string, in GroupInput) (ConversationDTO, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return ConversationDTO{}, validationf("name is required")
	}
	if utf8.RuneCountInString(name) > 128 {
		return ConversationDTO{}, validationf("name is too long")
	}
	members := make([]string, 0, len(in.MemberIDs))
	for _, id := range in.MemberIDs {
		id = strings.TrimSpace(id)
		if id == "" || id == callerID {
			continue
		}
		members = append(members, id)
	}
	if len(members) > 0 {
		found, err := s.store.GetUsers(ctx, members)
		if err != nil {
			return ConversationDTO{}, translate(err, "get users", "user")
		}
		for _, id := range members {
			if _, ok := found[id]; !ok {
				return ConversationDTO{}, translate(store.ErrNotFound, "get users", "user "+id)
			}
		}
	}
	conv, err := s.store.CreateGroupConversation(ctx, callerID, name, strings.TrimSpace(in.Description), members)
	if err != nil {
		return ConversationDTO{}, translate(err, "create group", "conversation")
	}
	return toConversationDTO(conv), nil
}

// AddParticipant invites userID into a group. Only admins may invite.
func (s *ConversationService) AddParticipant(ctx context.Context, callerID, conversationID, userID string) error {
	if err := s.guard.Require(ctx, conversationID, callerID); err != nil {
		return err
	}
	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		return translate(err, "get conversation", "conversation")
	}
	if conv.Kind != models.KindGroup {
		return validationf("direct conversations have fixed participants")
	}
	caller, err := s.store.GetParticipant(ctx, conversationID, callerID)
	if err != nil {
		return translate(err, "get participant", "conversation")
	}
	if caller.Role != models.RoleAdmin {
		return ErrForbidden
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return validationf("user_id is required")
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return translate(err, "get user", "user")
	}
	return translate(s.store.AddParticipant(ctx, conversationID, userID, models.RoleMember), "add participant", "conversation")
}

// Leave removes callerID from the conversation and drops the caller's live
// connections from its topic so nothing more reaches them.
func (s *ConversationService) Leave(ctx context.Context, callerID, conversationID string) error {
	if err := validConversationID(conversationID); err != nil {
		return err
	}
	if err := s.store.RemoveParticipant(ctx, conversationID, callerID); err != nil {
		return translate(err, "remove participant", "conversation")
	}
	s.reg.UnsubscribeUser(conversationID, callerID)
	return nil
}

// Join subscribes one connection to the conversation topic.
func (s *ConversationService) Join(ctx context.Context, userID, conversationID string, c realtime.Conn) error {
	if err := s.guard.Require(ctx, conversationID, userID); err != nil {
		return err
	}
	s.reg.Subscribe(conversationID, c)
	return nil
}

// Unjoin drops one connection from the topic; membership is untouched.
func (s *ConversationService) Unjoin(conversationID string, c realtime.Conn) {
	s.reg.Unsubscribe(conversationID, c)
}

func (s *ConversationService) MarkRead(ctx context.Context, userID, conversationID string) error {
	if err := s.guard.Require(ctx, conversationID, userID); err != nil {
		return err
	}
	return translate(s.store.MarkRead(ctx, conversationID, userID, s.now()), "mark read", "conversation")
}

// List returns the caller's inbox, most recently active first.
func (s *ConversationService) List(ctx context.Context, userID string) ([]ConversationSummaryDTO, error) {
	sums, err := s.store.ListConversations(ctx, userID)
	if err != nil {
		return nil, translate(err, "list conversations", "user")
	}
	senderIDs := make([]string, 0, len(sums))
	for _, sum := range sums {
		if sum.LastMessage != nil {
			senderIDs = append(senderIDs, sum.LastMessage.SenderID)
		}
	}
	users, err := s.store.GetUsers(ctx, senderIDs)
	if err != nil {
		return nil, translate(err, "get users", "user")
	}
	out := make([]ConversationSummaryDTO, 0, len(sums))
	for _, sum := range sums {
		dto := ConversationSummaryDTO{ConversationDTO: toConversationDTO(sum.Conversation), UnreadCount: sum.UnreadCount}
		if m := sum.LastMessage; m != nil {
			var sender *UserSummary
			if u, ok := users[m.SenderID]; ok {
				sender = &UserSummary{ID: u.ID, DisplayName: u.DisplayName}
			}
			md := toMessageDTO(*m, sender)
			dto.LastMessage = &md
		}
		out = append(out, dto)
	}
	return out, nil
}

// Participants lists the members of a conversation the caller belongs to.
func (s *ConversationService) Participants(ctx context.Context, callerID, conversationID string) ([]ParticipantDTO, error) {
	if err := s.guard.Require(ctx, conversationID, callerID); err != nil {
		return nil, err
	}
	parts, err := s.store.ListParticipants(ctx, conversationID)
	if err != nil {
		return nil, translate(err, "list participants", "conversation")
	}
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		ids = append(ids, p.UserID)
	}
	users, err := s.store.GetUsers(ctx, ids)
	if err != nil {
		return nil, translate(err, "get users", "user")
	}
	out := make([]ParticipantDTO, 0, len(parts))
	for _, p := range parts {
		u := users[p.UserID]
		status := u.Status
		if status == "" {
			status = models.PresenceOffline
		}
		out = append(out, ParticipantDTO{
			UserID: p.UserID, DisplayName: u.DisplayName, Role: p.Role, Status: status,
			LastSeenAt: u.LastSeenAt, JoinedAt: p.JoinedAt, LastReadAt: p.LastReadAt,
		})
	}
	return out, nil
}
