package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"chatcore/internal/models"

	"github.com/google/uuid"
	"github.com/rs/xid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is the postgres-backed Store.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }}
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

func (s *GormStore) UpsertUser(ctx context.Context, id, displayName string) (models.User, error) {
	now := s.now()
	u := models.User{ID: id, DisplayName: displayName, Status: models.PresenceOffline, CreatedAt: now, UpdatedAt: now}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "updated_at"}),
	}).Create(&u).Error
	if err != nil {
		return models.User{}, err
	}
	return s.GetUser(ctx, id)
}

func (s *GormStore) GetUser(ctx context.Context, id string) (models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return models.User{}, notFound(err)
	}
	return u, nil
}

func (s *GormStore) GetUsers(ctx context.Context, ids []string) (map[string]models.User, error) {
	out := make(map[string]models.User, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var users []models.User
	if err := s.db.WithContext(ctx).Where("id IN ?", ids).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		out[u.ID] = u
	}
	return out, nil
}

func (s *GormStore) SetPresence(ctx context.Context, userID, status string, lastSeen *time.Time) error {
	updates := map[string]any{"status": status, "updated_at": s.now()}
	if lastSeen != nil {
		updates["last_seen_at"] = *lastSeen
	}
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormStore) CreateDirectConversation(ctx context.Context, a, b string) (models.Conversation, bool, error) {
	key := DirectKey(a, b)
	conv, err := s.directByKey(ctx, key)
	if err == nil {
		return conv, false, s.restoreDirect(ctx, conv.ID, a, b)
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Conversation{}, false, err
	}

	now := s.now()
	conv = models.Conversation{
		ID: uuid.NewString(), Kind: models.KindDirect, CreatorID: a, DirectKey: &key,
		CreatedAt: now, UpdatedAt: now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		parts := []models.Participant{
			{ConversationID: conv.ID, UserID: a, Role: models.RoleMember, JoinedAt: now, LastReadAt: now},
			{ConversationID: conv.ID, UserID: b, Role: models.RoleMember, JoinedAt: now, LastReadAt: now},
		}
		return tx.Create(&parts).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// lost a concurrent create for the same pair
		existing, err := s.directByKey(ctx, key)
		return existing, false, err
	}
	if err != nil {
		return models.Conversation{}, false, err
	}
	return conv, true, nil
}

func (s *GormStore) directByKey(ctx context.Context, key string) (models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "direct_key = ?", key).Error; err != nil {
		return models.Conversation{}, notFound(err)
	}
	return conv, nil
}

// restoreDirect re-adds a member who left a direct conversation the pair
// is now reopening.
func (s *GormStore) restoreDirect(ctx context.Context, convID, a, b string) error {
	now := s.now()
	parts := []models.Participant{
		{ConversationID: convID, UserID: a, Role: models.RoleMember, JoinedAt: now, LastReadAt: now},
		{ConversationID: convID, UserID: b, Role: models.RoleMember, JoinedAt: now, LastReadAt: now},
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&parts).Error
}

func (s *GormStore) CreateGroupConversation(ctx context.Context, creatorID, name, description string, memberIDs []string) (models.Conversation, error) {
	now := s.now()
	conv := models.Conversation{
		ID: uuid.NewString(), Kind: models.KindGroup, Name: name, Description: description,
		CreatorID: creatorID, CreatedAt: now, UpdatedAt: now,
	}
	parts := []models.Participant{{ConversationID: conv.ID, UserID: creatorID, Role: models.RoleAdmin, JoinedAt: now, LastReadAt: now}}
	seen := map[string]bool{creatorID: true}
	for _, id := range memberIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		parts = append(parts, models.Participant{ConversationID: conv.ID, UserID: id, Role: models.RoleMember, JoinedAt: now, LastReadAt: now})
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&conv).Error; err != nil {
			return err
		}
		return tx.Create(&parts).Error
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

func (s *GormStore) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return models.Conversation{}, notFound(err)
	}
	return conv, nil
}

func (s *GormStore) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	db := s.db.WithContext(ctx)
	var parts []models.Participant
	if err := db.Where("user_id = ?", userID).Find(&parts).Error; err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return []ConversationSummary{}, nil
	}
	lastRead := make(map[string]time.Time, len(parts))
	ids := make([]string, 0, len(parts))
	for _, p := range parts {
		lastRead[p.ConversationID] = p.LastReadAt
		ids = append(ids, p.ConversationID)
	}
	var convs []models.Conversation
	if err := db.Where("id IN ?", ids).Order("updated_at desc, id").Find(&convs).Error; err != nil {
		return nil, err
	}
	out := make([]ConversationSummary, 0, len(convs))
	for _, c := range convs {
		sum := ConversationSummary{Conversation: c}
		var last []models.Message
		if err := db.Where("conversation_id = ? AND deleted_at IS NULL", c.ID).
			Order("created_at desc, id desc").Limit(1).Find(&last).Error; err != nil {
			return nil, err
		}
		if len(last) == 1 {
			sum.LastMessage = &last[0]
		}
		if err := db.Model(&models.Message{}).
			Where("conversation_id = ? AND deleted_at IS NULL AND sender_id <> ? AND created_at > ?", c.ID, userID, lastRead[c.ID]).
			Count(&sum.UnreadCount).Error; err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *GormStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).Count(&n).Error
	return n > 0, err
}

func (s *GormStore) GetParticipant(ctx context.Context, conversationID, userID string) (models.Participant, error) {
	var p models.Participant
	err := s.db.WithContext(ctx).First(&p, "conversation_id = ? AND user_id = ?", conversationID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Participant{}, ErrNotParticipant
	}
	return p, err
}

func (s *GormStore) AddParticipant(ctx context.Context, conversationID, userID, role string) error {
	if _, err := s.GetConversation(ctx, conversationID); err != nil {
		return err
	}
	now := s.now()
	p := models.Participant{ConversationID: conversationID, UserID: userID, Role: role, JoinedAt: now, LastReadAt: now}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&p).Error
}

func (s *GormStore) RemoveParticipant(ctx context.Context, conversationID, userID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("conversation_id = ? AND user_id = ?", conversationID, userID).Delete(&models.Participant{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotParticipant
		}
		var remaining int64
		if err := tx.Model(&models.Participant{}).Where("conversation_id = ?", conversationID).Count(&remaining).Error; err != nil {
			return err
		}
		if remaining > 0 {
			return nil
		}
		// release the pair key so the same two users can start over
		if err := tx.Model(&models.Conversation{}).Where("id = ?", conversationID).Update("direct_key", nil).Error; err != nil {
			return err
		}
		return tx.Delete(&models.Conversation{}, "id = ?", conversationID).Error
	})
}

func (s *GormStore) ListParticipants(ctx context.Context, conversationID string) ([]models.Participant, error) {
	var parts []models.Participant
	err := s.db.WithContext(ctx).Where("conversation_id = ?", conversationID).Order("joined_at, user_id").Find(&parts).Error
	return parts, err
}

func (s *GormStore) ConversationIDsOf(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Participant{}).Where("user_id = ?", userID).Pluck("conversation_id", &ids).Error
	return ids, err
}

func (s *GormStore) MarkRead(ctx context.Context, conversationID, userID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Participant{}).
		Where("conversation_id = ? AND user_id = ? AND last_read_at < ?", conversationID, userID, at).
		Update("last_read_at", at)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// either not a member or the cursor is already past at
		ok, err := s.IsParticipant(ctx, conversationID, userID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotParticipant
		}
	}
	return nil
}

func (s *GormStore) CreateMessage(ctx context.Context, msg *models.Message) ([]string, error) {
	var recipients []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Select("id").First(&conv, "id = ?", msg.ConversationID).Error; err != nil {
			return notFound(err)
		}
		var members []string
		if err := tx.Model(&models.Participant{}).Where("conversation_id = ?", msg.ConversationID).
			Pluck("user_id", &members).Error; err != nil {
			return err
		}
		isMember := false
		recipients = recipients[:0]
		for _, id := range members {
			if id == msg.SenderID {
				isMember = true
				continue
			}
			recipients = append(recipients, id)
		}
		if !isMember {
			return ErrNotParticipant
		}
		sort.Strings(recipients)

		if msg.ID == "" {
			msg.ID = xid.New().String()
		}
		msg.CreatedAt = s.now()
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		if len(recipients) > 0 {
			rows := make([]models.DeliveryStatus, 0, len(recipients))
			for _, r := range recipients {
				rows = append(rows, models.DeliveryStatus{MessageID: msg.ID, RecipientID: r, State: models.DeliveryQueued, CreatedAt: msg.CreatedAt})
			}
			if err := tx.Create(&rows).Error; err != nil {
				return err
			}
		}
		return tx.Model(&models.Conversation{}).Where("id = ?", msg.ConversationID).Update("updated_at", msg.CreatedAt).Error
	})
	if err != nil {
		return nil, err
	}
	return recipients, nil
}

func (s *GormStore) GetMessage(ctx context.Context, id string) (models.Message, error) {
	var m models.Message
	if err := s.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		return models.Message{}, notFound(err)
	}
	return m, nil
}

func (s *GormStore) ListMessages(ctx context.Context, conversationID string, limit int, beforeID string) ([]models.Message, error) {
	db := s.db.WithContext(ctx)
	q := db.Where("conversation_id = ? AND deleted_at IS NULL", conversationID)
	if beforeID != "" {
		var cur models.Message
		if err := db.First(&cur, "id = ? AND conversation_id = ?", beforeID, conversationID).Error; err != nil {
			return nil, notFound(err)
		}
		q = q.Where("(created_at < ? OR (created_at = ? AND id < ?))", cur.CreatedAt, cur.CreatedAt, cur.ID)
	}
	var msgs []models.Message
	err := q.Order("created_at desc, id desc").Limit(normalizeLimit(limit)).Find(&msgs).Error
	return msgs, err
}

func (s *GormStore) EditMessage(ctx context.Context, id, content string, at time.Time) (models.Message, error) {
	var m models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&m, "id = ? AND deleted_at IS NULL", id).Error; err != nil {
			return notFound(err)
		}
		m.Content = content
		m.EditedAt = &at
		return tx.Model(&models.Message{}).Where("id = ?", id).
			Updates(map[string]any{"content": content, "edited_at": at}).Error
	})
	return m, err
}

func (s *GormStore) SoftDeleteMessage(ctx context.Context, id string, at time.Time) (models.Message, error) {
	var m models.Message
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&m, "id = ? AND deleted_at IS NULL", id).Error; err != nil {
			return notFound(err)
		}
		m.DeletedAt = &at
		return tx.Model(&models.Message{}).Where("id = ?", id).Update("deleted_at", at).Error
	})
	return m, err
}

func (s *GormStore) MarkDelivered(ctx context.Context, messageID, recipientID string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.DeliveryStatus{}).
		Where("message_id = ? AND recipient_id = ? AND state = ?", messageID, recipientID, models.DeliveryQueued).
		Updates(map[string]any{"state": models.DeliveryDelivered, "delivered_at": at})
	return res.RowsAffected == 1, res.Error
}

func (s *GormStore) GetDeliveryStatus(ctx context.Context, messageID, recipientID string) (models.DeliveryStatus, error) {
	var ds models.DeliveryStatus
	if err := s.db.WithContext(ctx).First(&ds, "message_id = ? AND recipient_id = ?", messageID, recipientID).Error; err != nil {
		return models.DeliveryStatus{}, notFound(err)
	}
	return ds, nil
}

func (s *GormStore) ListQueued(ctx context.Context, userID string) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.WithContext(ctx).Model(&models.Message{}).
		Select("messages.*").
		Joins("JOIN delivery_statuses ds ON ds.message_id = messages.id").
		Joins("JOIN participants p ON p.conversation_id = messages.conversation_id AND p.user_id = ds.recipient_id").
		Where("ds.recipient_id = ? AND ds.state = ? AND messages.deleted_at IS NULL", userID, models.DeliveryQueued).
		Order("messages.created_at asc, messages.id asc").
		Find(&msgs).Error
	return msgs, err
}
