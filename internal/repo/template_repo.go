// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// NotificationTemplate model.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/campushub/go-comms-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// CreateTemplate inserts a new template definition. The (name, channel) pair
// must be unique.
func CreateTemplate(ctx context.Context, db *gorm.DB, t *domain.NotificationTemplate) (*domain.NotificationTemplate, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(t).Error; err != nil {
		return nil, err
	}
	return t, nil
}

// GetActiveTemplate fetches the active template for (name, channel), or
// ErrNotFound. Inactive templates are never selected for new enqueues.
func GetActiveTemplate(ctx context.Context, db *gorm.DB, name string, channel domain.Channel) (*domain.NotificationTemplate, error) {
	var t domain.NotificationTemplate
	err := db.WithContext(ctx).
		Where("name = ? AND channel = ? AND active = ?", name, channel, true).
		First(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetTemplate fetches a template by ID regardless of its active flag, so
// historical queue items stay renderable after deactivation.
func GetTemplate(ctx context.Context, db *gorm.DB, id string) (*domain.NotificationTemplate, error) {
	var t domain.NotificationTemplate
	if err := db.WithContext(ctx).Where("id = ?", id).First(&t).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTemplates returns all templates ordered by name then channel.
func ListTemplates(ctx context.Context, db *gorm.DB) ([]domain.NotificationTemplate, error) {
	var out []domain.NotificationTemplate
	err := db.WithContext(ctx).
		Order("name ASC, channel ASC").
		Find(&out).Error
	return out, err
}

// SetTemplateActive toggles a template's active flag. Returns ErrNotFound
// when the template does not exist.
func SetTemplateActive(ctx context.Context, db *gorm.DB, id string, active bool) error {
	res := db.WithContext(ctx).
		Model(&domain.NotificationTemplate{}).
		Where("id = ?", id).
		Update("active", active)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
