package repo

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/campushub/go-comms-backend/internal/domain"
)

func newQueueDB(t *testing.T, migrate ...any) *gorm.DB {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("queue_repo_test_%d.db", time.Now().UnixNano()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// Ensure the file handle is released before TempDir cleanup (Windows needs this).
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	if len(migrate) > 0 {
		if err := db.AutoMigrate(migrate...); err != nil {
			t.Fatalf("automigrate: %v", err)
		}
	}
	return db
}

func seedItem(t *testing.T, db *gorm.DB, mut func(*domain.NotificationItem)) *domain.NotificationItem {
	t.Helper()
	it := &domain.NotificationItem{
		UserID:       "u1",
		TemplateID:   "tpl-1",
		TemplateName: "welcome",
		Channel:      domain.ChannelEmail,
		Content:      "hello",
		Priority:     3,
		ScheduledFor: time.Now().UTC().Add(-time.Minute),
		MaxRetries:   3,
	}
	if mut != nil {
		mut(it)
	}
	out, err := CreateItem(context.Background(), db, it)
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	return out
}

func TestCreateItem_SetsDefaults(t *testing.T) {
	db := newQueueDB(t, &domain.NotificationItem{})
	it := seedItem(t, db, nil)
	if it.ID == "" || it.Status != domain.NotificationPending || it.CreatedAt.IsZero() {
		t.Fatalf("unexpected item defaults: %+v", it)
	}
	got, err := GetItem(context.Background(), db, it.ID)
	if err != nil || got.ID != it.ID {
		t.Fatalf("GetItem: %v / %+v", err, got)
	}
}

func TestGetItem_NotFound(t *testing.T) {
	db := newQueueDB(t, &domain.NotificationItem{})
	if _, err := GetItem(context.Background(), db, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimBatch_OrderAndEligibility(t *testing.T) {
	db := newQueueDB(t, &domain.NotificationItem{})
	now := time.Now().UTC()

	low := seedItem(t, db, func(it *domain.NotificationItem) { it.Priority = 5; it.ScheduledFor = now.Add(-3 * time.Minute) })
	high := seedItem(t, db, func(it *domain.NotificationItem) { it.Priority = 1; it.ScheduledFor = now.Add(-time.Minute) })
	mid := seedItem(t, db, func(it *domain.NotificationItem) { it.Priority = 3; it.ScheduledFor = now.Add(-2 * time.Minute) })
	// Future-dated and wrong-channel items must never be claimed.
	seedItem(t, db, func(it *domain.NotificationItem) { it.ScheduledFor = now.Add(time.Hour) })
	seedItem(t, db, func(it *domain.NotificationItem) { it.Channel = domain.ChannelPush })

	batch, err := ClaimBatch(context.Background(), db, domain.ChannelEmail, 10, 5*time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(batch) != 3 {
		t.Fatalf("expected 3 claimed, got %d", len(batch))
	}
	if batch[0].ID != high.ID || batch[1].ID != mid.ID || batch[2].ID != low.ID {
		t.Fatalf("claim order wrong: %s %s %s", batch[0].ID, batch[1].ID, batch[2].ID)
	}
	for _, it := range batch {
		if it.ClaimedAt == nil {
			t.Fatalf("claimed item missing lease: %+v", it)
		}
	}

	// A second claim sees nothing: every eligible item holds a live lease.
	again, err := ClaimBatch(context.Background(), db, domain.ChannelEmail, 10, 5*time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch again: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected empty second batch, got %d", len(again))
	}
}

func TestClaimBatch_ReclaimsExpiredLease(t *testing.T) {
	db := newQueueDB(t, &domain.NotificationItem{})
	it := seedItem(t, db, nil)

	stale := time.Now().UTC().Add(-time.Hour)
	if err := db.Model(&domain.NotificationItem{}).Where("id = ?", it.ID).Update("claimed_at", stale).Error; err != nil {
		t.Fatalf("set stale lease: %v", err)
	}

	batch, err := ClaimBatch(context.Background(), db, domain.ChannelEmail, 10, 5*time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}
	if len(batch) != 1 || batch[0].ID != it.ID {
		t.Fatalf("expected stale lease to be reclaimed, got %d items", len(batch))
	}
}

// Concurrent workers must never claim the same item twice.
func TestClaimBatch_ConcurrentNoDuplicates(t *testing.T) {
	db := newQueueDB(t, &domain.NotificationItem{})
	const items = 30
	for i := 0; i < items; i++ {
		seedItem(t, db, nil)
	}

	const workers = 6
	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				batch, err := ClaimBatch(context.Background(), db, domain.ChannelEmail, 5, 5*time.Minute)
				if err != nil {
					// SQLite may report busy under write contention; back off and retry.
					time.Sleep(5 * time.Millisecond)
					continue
				}
				if len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, it := range batch {
					seen[it.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != items {
		t.Fatalf("expected all %d items claimed, got %d", items, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("item %s claimed %d times", id, n)
		}
	}
}

func TestMarkSent_AndInvalidSecondTransition(t *testing.T) {
	db := newQueueDB(t, &domain.NotificationItem{})
	it := seedItem(t, db, nil)

	if err := MarkSent(context.Background(), db, it.ID); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	got, _ := GetItem(context.Background(), db, it.ID)
	if got.Status != domain.NotificationSent || got.SentAt == nil || got.ClaimedAt != nil {
		t.Fatalf("unexpected item after MarkSent: %+v", got)
	}

	// No longer pending: every terminal-ward mutation refuses.
	if err := MarkSent(context.Background(), db, it.ID); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for second MarkSent, got %v", err)
	}
	if err := MarkFailed(context.Background(), db, it.ID, "x", false); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for MarkFailed on sent item, got %v", err)
	}
}

func TestRescheduleRetry_BumpsCountAndReleasesLease(t *testing.T) {
	db := newQueueDB(t, &domain.NotificationItem{})
	it := seedItem(t, db, nil)
	if _, err := ClaimBatch(context.Background(), db, domain.ChannelEmail, 1, 5*time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	next := time.Now().UTC().Add(time.Minute)
	if err := RescheduleRetry(context.Background(), db, it.ID, "smtp timeout", next); err != nil {
		t.Fatalf("RescheduleRetry: %v", err)
	}
	got, _ := GetItem(context.Background(), db, it.ID)
	if got.RetryCount != 1 || got.LastError != "smtp timeout" || got.ClaimedAt != nil {
		t.Fatalf("unexpected item after reschedule: %+v", got)
	}
	if got.ScheduledFor.Unix() != next.Unix() {
		t.Fatalf("scheduled_for not pushed: %v vs %v", got.ScheduledFor, next)
	}
	if got.Status != domain.NotificationPending {
		t.Fatalf("item should remain pending after reschedule")
	}
}

func TestMarkFailed_CountRetryFlag(t *testing.T) {
	db := newQueueDB(t, &domain.NotificationItem{})

	exhausted := seedItem(t, db, nil)
	if err := MarkFailed(context.Background(), db, exhausted.ID, "retries exhausted", true); err != nil {
		t.Fatalf("MarkFailed(count): %v", err)
	}
	got, _ := GetItem(context.Background(), db, exhausted.ID)
	if got.Status != domain.NotificationFailed || got.RetryCount != 1 {
		t.Fatalf("unexpected after counted failure: %+v", got)
	}

	permanent := seedItem(t, db, nil)
	if err := MarkFailed(context.Background(), db, permanent.ID, "no such address", false); err != nil {
		t.Fatalf("MarkFailed(permanent): %v", err)
	}
	got, _ = GetItem(context.Background(), db, permanent.ID)
	if got.Status != domain.NotificationFailed || got.RetryCount != 0 {
		t.Fatalf("permanent failure should not bump retry_count: %+v", got)
	}
}

func TestMarkSuppressed_TerminalWithoutError(t *testing.T) {
	db := newQueueDB(t, &domain.NotificationItem{})
	it := seedItem(t, db, nil)

	if err := MarkSuppressed(context.Background(), db, it.ID); err != nil {
		t.Fatalf("MarkSuppressed: %v", err)
	}
	got, _ := GetItem(context.Background(), db, it.ID)
	if got.Status != domain.NotificationSuppressed || got.LastError != "" || got.RetryCount != 0 {
		t.Fatalf("unexpected after suppress: %+v", got)
	}
	// Suppressed items never re-enter the queue.
	batch, err := ClaimBatch(context.Background(), db, domain.ChannelEmail, 10, 5*time.Minute)
	if err != nil || len(batch) != 0 {
		t.Fatalf("suppressed item must not be claimable: %v / %d", err, len(batch))
	}
}

func TestDefer_NoRetryConsumed(t *testing.T) {
	db := newQueueDB(t, &domain.NotificationItem{})
	it := seedItem(t, db, nil)
	if _, err := ClaimBatch(context.Background(), db, domain.ChannelEmail, 1, 5*time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	until := time.Now().UTC().Add(8 * time.Hour)
	if err := Defer(context.Background(), db, it.ID, until); err != nil {
		t.Fatalf("Defer: %v", err)
	}
	got, _ := GetItem(context.Background(), db, it.ID)
	if got.RetryCount != 0 || got.ClaimedAt != nil || got.Status != domain.NotificationPending {
		t.Fatalf("defer must not count a retry or hold the lease: %+v", got)
	}
	if got.ScheduledFor.Unix() != until.Unix() {
		t.Fatalf("scheduled_for not deferred: %v", got.ScheduledFor)
	}
}

func TestMarkItemRead_Transitions(t *testing.T) {
	db := newQueueDB(t, &domain.NotificationItem{})
	it := seedItem(t, db, func(i *domain.NotificationItem) { i.Channel = domain.ChannelInApp })

	// pending → read is invalid
	if _, err := MarkItemRead(context.Background(), db, it.ID); err != ErrNotFound {
		t.Fatalf("expected invalid transition from pending, got %v", err)
	}

	if err := MarkSent(context.Background(), db, it.ID); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	already, err := MarkItemRead(context.Background(), db, it.ID)
	if err != nil || already {
		t.Fatalf("first read: already=%v err=%v", already, err)
	}
	got, _ := GetItem(context.Background(), db, it.ID)
	if got.Status != domain.NotificationRead || got.ReadAt == nil {
		t.Fatalf("unexpected after read: %+v", got)
	}
	firstReadAt := *got.ReadAt

	// Second read is an idempotent no-op: timestamp survives.
	already, err = MarkItemRead(context.Background(), db, it.ID)
	if err != nil || !already {
		t.Fatalf("second read: already=%v err=%v", already, err)
	}
	got, _ = GetItem(context.Background(), db, it.ID)
	if !got.ReadAt.Equal(firstReadAt) {
		t.Fatalf("read_at mutated on repeat read: %v vs %v", got.ReadAt, firstReadAt)
	}
}

func TestReleaseExpiredClaims(t *testing.T) {
	db := newQueueDB(t, &domain.NotificationItem{})
	stale := seedItem(t, db, nil)
	fresh := seedItem(t, db, nil)

	old := time.Now().UTC().Add(-time.Hour)
	now := time.Now().UTC()
	db.Model(&domain.NotificationItem{}).Where("id = ?", stale.ID).Update("claimed_at", old)
	db.Model(&domain.NotificationItem{}).Where("id = ?", fresh.ID).Update("claimed_at", now)

	n, err := ReleaseExpiredClaims(context.Background(), db, 5*time.Minute)
	if err != nil {
		t.Fatalf("ReleaseExpiredClaims: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 released, got %d", n)
	}
	got, _ := GetItem(context.Background(), db, fresh.ID)
	if got.ClaimedAt == nil {
		t.Fatalf("live lease should survive the sweep")
	}
}

func TestListAndCountItemsByUser(t *testing.T) {
	db := newQueueDB(t, &domain.NotificationItem{})
	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		created := base.Add(time.Duration(i) * time.Minute)
		seedItem(t, db, func(it *domain.NotificationItem) { it.CreatedAt = created })
	}
	seedItem(t, db, func(it *domain.NotificationItem) { it.UserID = "someone-else" })

	total, err := CountItemsByUser(context.Background(), db, "u1")
	if err != nil || total != 5 {
		t.Fatalf("CountItemsByUser: %v / %d", err, total)
	}

	page, err := ListItemsByUser(context.Background(), db, "u1", 0, 3)
	if err != nil {
		t.Fatalf("ListItemsByUser: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("expected 3 items, got %d", len(page))
	}
	// Newest first.
	if page[0].CreatedAt.Before(page[1].CreatedAt) || page[1].CreatedAt.Before(page[2].CreatedAt) {
		t.Fatalf("expected newest-first ordering")
	}
}

func TestCountItemsByStatus(t *testing.T) {
	db := newQueueDB(t, &domain.NotificationItem{})
	a := seedItem(t, db, nil)
	seedItem(t, db, nil)
	if err := MarkSent(context.Background(), db, a.ID); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	counts, err := CountItemsByStatus(context.Background(), db, domain.ChannelEmail)
	if err != nil {
		t.Fatalf("CountItemsByStatus: %v", err)
	}
	if counts[domain.NotificationPending] != 1 || counts[domain.NotificationSent] != 1 {
		t.Fatalf("unexpected status counts: %+v", counts)
	}
}
