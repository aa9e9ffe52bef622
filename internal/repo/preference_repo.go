// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// UserNotificationPreference model.
package repo

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/campushub/go-comms-backend/internal/domain"
)

// GetOrCreatePreference returns the stored preferences for userID, creating
// a row with all channels enabled and no quiet hours on first reference.
func GetOrCreatePreference(ctx context.Context, db *gorm.DB, userID string) (*domain.UserNotificationPreference, error) {
	var p domain.UserNotificationPreference
	err := db.WithContext(ctx).Where("user_id = ?", userID).First(&p).Error
	if err == nil {
		return &p, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	p = domain.UserNotificationPreference{
		ID:           uuid.NewString(),
		UserID:       userID,
		EmailEnabled: true,
		PushEnabled:  true,
		InAppEnabled: true,
		SMSEnabled:   true,
		Timezone:     "UTC",
		CreatedAt:    time.Now().UTC(),
	}
	if cerr := db.WithContext(ctx).Create(&p).Error; cerr != nil {
		// A concurrent first reference may have won the insert; re-read.
		var again domain.UserNotificationPreference
		if rerr := db.WithContext(ctx).Where("user_id = ?", userID).First(&again).Error; rerr == nil {
			return &again, nil
		}
		return nil, cerr
	}
	return &p, nil
}

// UpdatePreference persists explicit user changes to channel flags, quiet
// hours, and timezone. The row must already exist.
func UpdatePreference(ctx context.Context, db *gorm.DB, p *domain.UserNotificationPreference) error {
	res := db.WithContext(ctx).
		Model(&domain.UserNotificationPreference{}).
		Where("user_id = ?", p.UserID).
		Updates(map[string]any{
			"email_enabled":     p.EmailEnabled,
			"push_enabled":      p.PushEnabled,
			"in_app_enabled":    p.InAppEnabled,
			"sms_enabled":       p.SMSEnabled,
			"quiet_hours_start": p.QuietHoursStart,
			"quiet_hours_end":   p.QuietHoursEnd,
			"timezone":          p.Timezone,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
