// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// Suggestion model.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/campushub/go-comms-backend/internal/domain"
)

// CreateSuggestion inserts a contextual prompt definition.
func CreateSuggestion(ctx context.Context, db *gorm.DB, s *domain.Suggestion) (*domain.Suggestion, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

// ListSuggestions returns active prompts for a role, highest weight first.
// Context-scoped prompts for the given context are included alongside global
// ones (empty context).
func ListSuggestions(ctx context.Context, db *gorm.DB, role domain.Role, context_ string, limit int) ([]domain.Suggestion, error) {
	if limit <= 0 {
		limit = 5
	}
	q := db.WithContext(ctx).
		Where("role = ? AND active = ?", role, true)
	if context_ != "" {
		q = q.Where("context = ? OR context = ''", context_)
	} else {
		q = q.Where("context = ''")
	}
	var out []domain.Suggestion
	err := q.Order("weight DESC, created_at ASC").Limit(limit).Find(&out).Error
	return out, err
}
