package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatcore/internal/models"

	"github.com/google/uuid"
	"github.com/rs/xid"
)

type deliveryKey struct{ messageID, recipientID string }

type memberKey struct{ conversationID, userID string }

// MemoryStore keeps everything in process memory behind one lock. It backs
// DATABASE_DSN=memory and the tests.
type MemoryStore struct {
	mu            sync.RWMutex
	users         map[string]models.User
	conversations map[string]models.Conversation
	direct        map[string]string // direct key -> conversation id
	participants  map[memberKey]models.Participant
	messages      map[string]models.Message
	byConv        map[string][]string // conversation id -> message ids in creation order
	deliveries    map[deliveryKey]models.DeliveryStatus
	last          time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[string]models.User),
		conversations: make(map[string]models.Conversation),
		direct:        make(map[string]string),
		participants:  make(map[memberKey]models.Participant),
		messages:      make(map[string]models.Message),
		byConv:        make(map[string][]string),
		deliveries:    make(map[deliveryKey]models.DeliveryStatus),
	}
}

// now returns a strictly increasing timestamp; callers hold mu.
func (s *MemoryStore) now() time.Time {
	t := time.Now().UTC().Truncate(time.Microsecond)
	if !t.After(s.last) {
		t = s.last.Add(time.Microsecond)
	}
	s.last = t
	return t
}

func (s *MemoryStore) UpsertUser(_ context.Context, id, displayName string) (models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	u, ok := s.users[id]
	if !ok {
		u = models.User{ID: id, Status: models.PresenceOffline, CreatedAt: now}
	}
	u.DisplayName = displayName
	u.UpdatedAt = now
	s.users[id] = u
	return u, nil
}

func (s *MemoryStore) GetUser(_ context.Context, id string) (models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return models.User{}, ErrNotFound
	}
	return u, nil
}

func (s *MemoryStore) GetUsers(_ context.Context, ids []string) (map[string]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]models.User, len(ids))
	for _, id := range ids {
		if u, ok := s.users[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (s *MemoryStore) SetPresence(_ context.Context, userID, status string, lastSeen *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.Status = status
	if lastSeen != nil {
		t := *lastSeen
		u.LastSeenAt = &t
	}
	u.UpdatedAt = s.now()
	s.users[userID] = u
	return nil
}

func (s *MemoryStore) CreateDirectConversation(_ context.Context, a, b string) (models.Conversation, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := DirectKey(a, b)
	now := s.now()
	if id, ok := s.direct[key]; ok {
		for _, uid := range []string{a, b} {
			mk := memberKey{id, uid}
			if _, in := s.participants[mk]; !in {
				s.participants[mk] = models.Participant{ConversationID: id, UserID: uid, Role: models.RoleMember, JoinedAt: now, LastReadAt: now}
			}
		}
		return s.conversations[id], false, nil
	}
	conv := models.Conversation{
		ID: uuid.NewString(), Kind: models.KindDirect, CreatorID: a, DirectKey: &key,
		CreatedAt: now, UpdatedAt: now,
	}
	s.conversations[conv.ID] = conv
	s.direct[key] = conv.ID
	for _, uid := range []string{a, b} {
		s.participants[memberKey{conv.ID, uid}] = models.Participant{ConversationID: conv.ID, UserID: uid, Role: models.RoleMember, JoinedAt: now, LastReadAt: now}
	}
	return conv, true, nil
}

func (s *MemoryStore) CreateGroupConversation(_ context.Context, creatorID, name, description string, memberIDs []string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	conv := models.Conversation{
		ID: uuid.NewString(), Kind: models.KindGroup, Name: name, Description: description,
		CreatorID: creatorID, CreatedAt: now, UpdatedAt: now,
	}
	s.conversations[conv.ID] = conv
	s.participants[memberKey{conv.ID, creatorID}] = models.Participant{ConversationID: conv.ID, UserID: creatorID, Role: models.RoleAdmin, JoinedAt: now, LastReadAt: now}
	for _, id := range memberIDs {
		mk := memberKey{conv.ID, id}
		if _, ok := s.participants[mk]; ok {
			continue
		}
		s.participants[mk] = models.Participant{ConversationID: conv.ID, UserID: id, Role: models.RoleMember, JoinedAt: now, LastReadAt: now}
	}
	return conv, nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.liveConversation(id)
}

func (s *MemoryStore) liveConversation(id string) (models.Conversation, error) {
	c, ok := s.conversations[id]
	if !ok || c.DeletedAt.Valid {
		return models.Conversation{}, ErrNotFound
	}
	return c, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID string) ([]ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []ConversationSummary{}
	for mk, p := range s.participants {
		if mk.userID != userID {
			continue
		}
		c, err := s.liveConversation(mk.conversationID)
		if err != nil {
			continue
		}
		sum := ConversationSummary{Conversation: c}
		ids := s.byConv[c.ID]
		for i := len(ids) - 1; i >= 0; i-- {
			m := s.messages[ids[i]]
			if m.Deleted() {
				continue
			}
			if sum.LastMessage == nil {
				mc := m
				sum.LastMessage = &mc
			}
			if m.SenderID != userID && m.CreatedAt.After(p.LastReadAt) {
				sum.UnreadCount++
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Conversation, out[j].Conversation
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	return out, nil
}

func (s *MemoryStore) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.participants[memberKey{conversationID, userID}]
	return ok, nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, conversationID, userID string) (models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[memberKey{conversationID, userID}]
	if !ok {
		return models.Participant{}, ErrNotParticipant
	}
	return p, nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, conversationID, userID, role string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.liveConversation(conversationID); err != nil {
		return err
	}
	mk := memberKey{conversationID, userID}
	if _, ok := s.participants[mk]; ok {
		return nil
	}
	now := s.now()
	s.participants[mk] = models.Participant{ConversationID: conversationID, UserID: userID, Role: role, JoinedAt: now, LastReadAt: now}
	return nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mk := memberKey{conversationID, userID}
	if _, ok := s.participants[mk]; !ok {
		return ErrNotParticipant
	}
	delete(s.participants, mk)
	for k := range s.participants {
		if k.conversationID == conversationID {
			return nil
		}
	}
	c, ok := s.conversations[conversationID]
	if !ok {
		return nil
	}
	if c.DirectKey != nil {
		delete(s.direct, *c.DirectKey)
		c.DirectKey = nil
	}
	c.DeletedAt.Time = s.now()
	c.DeletedAt.Valid = true
	s.conversations[conversationID] = c
	return nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, conversationID string) ([]models.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Participant
	for k, p := range s.participants {
		if k.conversationID == conversationID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *MemoryStore) ConversationIDsOf(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []string
	for k := range s.participants {
		if k.userID == userID {
			ids = append(ids, k.conversationID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) MarkRead(_ context.Context, conversationID, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mk := memberKey{conversationID, userID}
	p, ok := s.participants[mk]
	if !ok {
		return ErrNotParticipant
	}
	if at.After(p.LastReadAt) {
		p.LastReadAt = at
		s.participants[mk] = p
	}
	return nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, msg *models.Message) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, err := s.liveConversation(msg.ConversationID)
	if err != nil {
		return nil, err
	}
	if _, ok := s.participants[memberKey{c.ID, msg.SenderID}]; !ok {
		return nil, ErrNotParticipant
	}
	recipients := []string{}
	for k := range s.participants {
		if k.conversationID == c.ID && k.userID != msg.SenderID {
			recipients = append(recipients, k.userID)
		}
	}
	sort.Strings(recipients)

	if msg.ID == "" {
		msg.ID = xid.New().String()
	}
	msg.CreatedAt = s.now()
	s.messages[msg.ID] = *msg
	s.byConv[c.ID] = append(s.byConv[c.ID], msg.ID)
	for _, r := range recipients {
		s.deliveries[deliveryKey{msg.ID, r}] = models.DeliveryStatus{
			MessageID: msg.ID, RecipientID: r, State: models.DeliveryQueued, CreatedAt: msg.CreatedAt,
		}
	}
	c.UpdatedAt = msg.CreatedAt
	s.conversations[c.ID] = c
	return recipients, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return models.Message{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int, beforeID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byConv[conversationID]
	end := len(ids)
	if beforeID != "" {
		end = -1
		for i, id := range ids {
			if id == beforeID {
				end = i
				break
			}
		}
		if end < 0 {
			return nil, ErrNotFound
		}
	}
	limit = normalizeLimit(limit)
	out := make([]models.Message, 0, limit)
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[ids[i]]
		if m.Deleted() {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *MemoryStore) EditMessage(_ context.Context, id, content string, at time.Time) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Deleted() {
		return models.Message{}, ErrNotFound
	}
	m.Content = content
	m.EditedAt = &at
	s.messages[id] = m
	return m, nil
}

func (s *MemoryStore) SoftDeleteMessage(_ context.Context, id string, at time.Time) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.Deleted() {
		return models.Message{}, ErrNotFound
	}
	m.DeletedAt = &at
	s.messages[id] = m
	return m, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, messageID, recipientID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := deliveryKey{messageID, recipientID}
	ds, ok := s.deliveries[k]
	if !ok || ds.State != models.DeliveryQueued {
		return false, nil
	}
	ds.State = models.DeliveryDelivered
	ds.DeliveredAt = &at
	s.deliveries[k] = ds
	return true, nil
}

func (s *MemoryStore) GetDeliveryStatus(_ context.Context, messageID, recipientID string) (models.DeliveryStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.deliveries[deliveryKey{messageID, recipientID}]
	if !ok {
		return models.DeliveryStatus{}, ErrNotFound
	}
	return ds, nil
}

func (s *MemoryStore) ListQueued(_ context.Context, userID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Message
	for k, ds := range s.deliveries {
		if k.recipientID != userID || ds.State != models.DeliveryQueued {
			continue
		}
		m, ok := s.messages[k.messageID]
		if !ok || m.Deleted() {
			continue
		}
		if _, in := s.participants[memberKey{m.ConversationID, userID}]; !in {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*GormStore)(nil)
)
