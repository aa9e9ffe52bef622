// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the
// NotificationItem queue.
//
// The claim operation is the one place in the system requiring a true mutual
// exclusion guarantee. It is implemented as a conditional UPDATE that flips
// the claim lease on rows still unclaimed (or whose lease has expired), so
// two concurrent workers can never hold the same item: whichever UPDATE runs
// second matches zero rows for the contested item.
//
// Error semantics:
//   - Missing items surface as ErrNotFound (gorm.ErrRecordNotFound).
//   - Invalid lifecycle transitions surface as zero affected rows and are
//     translated by callers into service-level errors.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/campushub/go-comms-backend/internal/domain"
)

// CreateItem inserts a new queue item with status=pending. Subject and
// content must already be rendered; they are immutable from here on.
func CreateItem(ctx context.Context, db *gorm.DB, item *domain.NotificationItem) (*domain.NotificationItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = domain.NotificationPending
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if err := db.WithContext(ctx).Create(item).Error; err != nil {
		return nil, err
	}
	return item, nil
}

// GetItem fetches a queue item by ID, or ErrNotFound.
func GetItem(ctx context.Context, db *gorm.DB, id string) (*domain.NotificationItem, error) {
	var it domain.NotificationItem
	if err := db.WithContext(ctx).Where("id = ?", id).First(&it).Error; err != nil {
		return nil, err
	}
	return &it, nil
}

// ClaimBatch atomically claims up to limit pending items for the given
// channel whose scheduled_for is not in the future, ordered by priority
// ascending (1 is highest) then scheduled_for ascending. Rows already under a
// live lease are skipped; leases older than claimTimeout are treated as
// abandoned and reclaimable.
//
// The two-step select-then-conditional-update keeps ordering under control
// while the UPDATE's WHERE clause guarantees at-most-one in-flight claim per
// item: a row whose lease was taken between the SELECT and the UPDATE simply
// fails the condition and is dropped from the returned batch.
func ClaimBatch(ctx context.Context, db *gorm.DB, channel domain.Channel, limit int, claimTimeout time.Duration) ([]domain.NotificationItem, error) {
	if limit <= 0 {
		limit = 10
	}
	now := time.Now().UTC()
	staleBefore := now.Add(-claimTimeout)

	var candidates []domain.NotificationItem
	err := db.WithContext(ctx).
		Where("channel = ? AND status = ? AND scheduled_for <= ?", channel, domain.NotificationPending, now).
		Where("claimed_at IS NULL OR claimed_at < ?", staleBefore).
		Order("priority ASC, scheduled_for ASC, id ASC").
		Limit(limit).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	claimed := make([]domain.NotificationItem, 0, len(candidates))
	for _, it := range candidates {
		res := db.WithContext(ctx).
			Model(&domain.NotificationItem{}).
			Where("id = ? AND status = ?", it.ID, domain.NotificationPending).
			Where("claimed_at IS NULL OR claimed_at < ?", staleBefore).
			Update("claimed_at", now)
		if res.Error != nil {
			return claimed, res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to another worker.
			continue
		}
		it.ClaimedAt = &now
		claimed = append(claimed, it)
	}
	return claimed, nil
}

// MarkSent records successful delivery: status=sent, sent_at=now, lease
// cleared. Conditional on the item still being claimed and pending.
func MarkSent(ctx context.Context, db *gorm.DB, id string) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.NotificationItem{}).
		Where("id = ? AND status = ?", id, domain.NotificationPending).
		Updates(map[string]any{
			"status":     domain.NotificationSent,
			"sent_at":    now,
			"claimed_at": nil,
			"last_error": "",
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// RescheduleRetry returns a claimed item to pending after a transient
// failure: increments retry_count, records the error, clears the lease, and
// pushes scheduled_for to the provided next attempt time. The caller computes
// nextAttempt from the backoff policy.
func RescheduleRetry(ctx context.Context, db *gorm.DB, id, reason string, nextAttempt time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.NotificationItem{}).
		Where("id = ? AND status = ?", id, domain.NotificationPending).
		Updates(map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_error":    reason,
			"claimed_at":    nil,
			"scheduled_for": nextAttempt.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkFailed terminates an item after a permanent failure or exhausted
// retries. The transition is sticky: a failed item is never claimed again.
// countRetry controls whether the terminal transient failure still bumps
// retry_count (it does when retries ran out; a permanent failure does not).
func MarkFailed(ctx context.Context, db *gorm.DB, id, reason string, countRetry bool) error {
	updates := map[string]any{
		"status":     domain.NotificationFailed,
		"last_error": reason,
		"claimed_at": nil,
	}
	if countRetry {
		updates["retry_count"] = gorm.Expr("retry_count + 1")
	}
	res := db.WithContext(ctx).
		Model(&domain.NotificationItem{}).
		Where("id = ? AND status = ?", id, domain.NotificationPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkSuppressed terminates an item skipped by the preference gate. The item
// never reached a sender, so it carries no error and is not retried.
func MarkSuppressed(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).
		Model(&domain.NotificationItem{}).
		Where("id = ? AND status = ?", id, domain.NotificationPending).
		Updates(map[string]any{
			"status":     domain.NotificationSuppressed,
			"claimed_at": nil,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Defer releases an item's claim and reschedules it to a later eligible
// time without counting a retry. Used when a send falls inside the user's
// quiet-hours window.
func Defer(ctx context.Context, db *gorm.DB, id string, until time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.NotificationItem{}).
		Where("id = ? AND status = ?", id, domain.NotificationPending).
		Updates(map[string]any{
			"claimed_at":    nil,
			"scheduled_for": until.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkItemRead flips a sent item to read. Calling it on an already-read item
// is a documented no-op (alreadyRead=true, no timestamp update). Any other
// status is an invalid transition and reported via the sentinel zero-row
// result so the service can reject it.
func MarkItemRead(ctx context.Context, db *gorm.DB, id string) (alreadyRead bool, err error) {
	var it domain.NotificationItem
	if err := db.WithContext(ctx).Where("id = ?", id).First(&it).Error; err != nil {
		return false, err
	}
	if it.Status == domain.NotificationRead {
		return true, nil
	}
	now := time.Now().UTC()
	res := db.WithContext(ctx).
		Model(&domain.NotificationItem{}).
		Where("id = ? AND status = ?", id, domain.NotificationSent).
		Updates(map[string]any{
			"status":  domain.NotificationRead,
			"read_at": now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, gorm.ErrRecordNotFound
	}
	return false, nil
}

// ReleaseExpiredClaims clears leases older than claimTimeout so items
// stranded by a crashed worker become claimable again. Returns the number of
// released items.
func ReleaseExpiredClaims(ctx context.Context, db *gorm.DB, claimTimeout time.Duration) (int64, error) {
	staleBefore := time.Now().UTC().Add(-claimTimeout)
	res := db.WithContext(ctx).
		Model(&domain.NotificationItem{}).
		Where("status = ? AND claimed_at IS NOT NULL AND claimed_at < ?", domain.NotificationPending, staleBefore).
		Update("claimed_at", nil)
	return res.RowsAffected, res.Error
}

// ListItemsByUser returns a page of a user's queue items, newest first.
func ListItemsByUser(ctx context.Context, db *gorm.DB, userID string, offset, limit int) ([]domain.NotificationItem, error) {
	var out []domain.NotificationItem
	err := db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC, id DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// CountItemsByUser returns the total number of queue items for a user.
func CountItemsByUser(ctx context.Context, db *gorm.DB, userID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.NotificationItem{}).
		Where("user_id = ?", userID).
		Count(&total).Error
	return total, err
}

// CountItemsByStatus returns per-status item counts for the given channel,
// used by the dispatch gauges.
func CountItemsByStatus(ctx context.Context, db *gorm.DB, channel domain.Channel) (map[domain.NotificationStatus]int64, error) {
	type row struct {
		Status domain.NotificationStatus
		N      int64
	}
	var rows []row
	err := db.WithContext(ctx).
		Model(&domain.NotificationItem{}).
		Select("status, COUNT(*) AS n").
		Where("channel = ?", channel).
		Group("status").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[domain.NotificationStatus]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}
