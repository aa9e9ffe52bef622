// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Conversation aggregate and its Messages.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. The state-machine rules (who may
// transition where) live in services.ConversationService; the conditional
// WHERE clauses here are the persistence half of those rules.
//
// Error semantics:
//   - When a conversation is not found, functions return
//     gorm.ErrRecordNotFound (also exported as ErrNotFound).
//   - Lifecycle updates that match zero rows (already terminal, already
//     escalated) report gorm.ErrRecordNotFound so services can translate.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/campushub/go-comms-backend/internal/domain"
)

// CreateConversation inserts a new active conversation. The conversation ID
// is a randomly generated UUID, and StartedAt/LastActivityAt are set to UTC now.
func CreateConversation(ctx context.Context, db *gorm.DB, userID string, role domain.Role, context_, lang string) (*domain.Conversation, error) {
	now := time.Now().UTC()
	c := &domain.Conversation{
		ID:             uuid.NewString(),
		UserID:         userID,
		Role:           role,
		Status:         domain.ConversationActive,
		Context:        context_,
		Language:       lang,
		StartedAt:      now,
		LastActivityAt: now,
		CreatedAt:      now,
	}
	if err := db.WithContext(ctx).Create(c).Error; err != nil {
		return nil, err
	}
	return c, nil
}

// GetConversation fetches a conversation by ID, or ErrNotFound.
func GetConversation(ctx context.Context, db *gorm.DB, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := db.WithContext(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// AppendMessage inserts a message row and bumps the parent conversation's
// message_count and last_activity_at in the same transaction. Messages are
// append-only; nothing here ever updates an existing row.
func AppendMessage(ctx context.Context, db *gorm.DB, m *domain.Message) (*domain.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Model(&domain.Conversation{}).
			Where("id = ?", m.ConversationID).
			Updates(map[string]any{
				"message_count":    gorm.Expr("message_count + 1"),
				"last_activity_at": m.CreatedAt,
			}).Error
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SetEscalated records the escalation exactly once: the conditional on
// escalated_at IS NULL means a second escalation matches zero rows and the
// original reason/timestamp survive. alreadyEscalated is reported so callers
// can treat the repeat as an idempotent no-op rather than an error.
func SetEscalated(ctx context.Context, db *gorm.DB, id, reason string) (alreadyEscalated bool, err error) {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND escalated_at IS NULL AND status = ?", id, domain.ConversationActive).
		Updates(map[string]any{
			"status":            domain.ConversationEscalated,
			"escalated_at":      now,
			"escalation_reason": reason,
			"last_activity_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		// Distinguish "already escalated" from "missing".
		var c domain.Conversation
		if gerr := db.WithContext(ctx).Select("id", "escalated_at").Where("id = ?", id).First(&c).Error; gerr != nil {
			return false, gerr
		}
		if c.EscalatedAt != nil {
			return true, nil
		}
		return false, gorm.ErrRecordNotFound
	}
	return false, nil
}

// AssignAgent records the human agent handling an escalated conversation.
func AssignAgent(ctx context.Context, db *gorm.DB, id, agentID string) error {
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND status = ?", id, domain.ConversationEscalated).
		Update("assigned_agent_id", agentID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetTerminal moves a conversation into resolved or abandoned and stamps
// ended_at. The conditional WHERE refuses the update when the conversation is
// already terminal, keeping ended_at immutable once set.
func SetTerminal(ctx context.Context, db *gorm.DB, id string, status domain.ConversationStatus) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ? AND status IN ?", id, []domain.ConversationStatus{domain.ConversationActive, domain.ConversationEscalated}).
		Updates(map[string]any{
			"status":   status,
			"ended_at": now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// SetFallbackStreak stores the running count of consecutive fallback
// answers, used by the escalation threshold.
func SetFallbackStreak(ctx context.Context, db *gorm.DB, id string, streak int) error {
	return db.WithContext(ctx).
		Model(&domain.Conversation{}).
		Where("id = ?", id).
		Update("fallback_streak", streak).Error
}

// ListStaleActive returns conversations still active or escalated whose last
// activity precedes cutoff. Used by the inactivity sweep; escalated sessions
// are included only when includeEscalated is set (a waiting human queue
// usually should not be auto-abandoned).
func ListStaleActive(ctx context.Context, db *gorm.DB, cutoff time.Time, includeEscalated bool) ([]domain.Conversation, error) {
	statuses := []domain.ConversationStatus{domain.ConversationActive}
	if includeEscalated {
		statuses = append(statuses, domain.ConversationEscalated)
	}
	var out []domain.Conversation
	err := db.WithContext(ctx).
		Where("status IN ? AND last_activity_at < ?", statuses, cutoff).
		Order("last_activity_at ASC").
		Find(&out).Error
	return out, err
}

// GetMessage fetches a message by ID.
func GetMessage(ctx context.Context, db *gorm.DB, id string) (*domain.Message, error) {
	var m domain.Message
	if err := db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// SetMessageFeedback stores the single mutable bit on a message: the
// helpful/not-helpful rating. Content and metadata are never touched.
func SetMessageFeedback(ctx context.Context, db *gorm.DB, id string, helpful bool) error {
	res := db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("id = ?", id).
		Update("helpful", helpful)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// CountMessages uses a raw COUNT so a missing table surfaces as an error.
func CountMessages(ctx context.Context, db *gorm.DB, conversationID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM messages WHERE conversation_id = ?", conversationID).
		Scan(&total).Error
	return total, err
}

// ListMessagesPage returns a paginated slice ordered (CreatedAt ASC, ID ASC)
// so ordering stays deterministic when two messages share a timestamp.
func ListMessagesPage(ctx context.Context, db *gorm.DB, conversationID string, offset, limit int) ([]domain.Message, error) {
	var out []domain.Message
	err := db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC, id ASC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
