// Notification HTTP handlers.
//
// This file exposes REST endpoints for the dispatch queue and delivery
// preferences:
//   - POST /notifications                 (enqueue, idempotent via header)
//   - GET  /notifications                 (list caller's items, ETag support)
//   - GET  /notifications/{id}            (queue status)
//   - POST /notifications/{id}/read       (read receipt)
//   - GET  /preferences                   (caller's delivery preferences)
//   - PUT  /preferences                   (update preferences)
//
// Idempotency:
// If the client supplies an Idempotency-Key header and a previous successful
// enqueue exists for (user, "notifications", key), the handler returns the
// recorded item and sets `Idempotency-Replayed: true`. Retrying producers
// (the course-completion worker, the payment webhook) therefore never
// double-notify.
package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/campushub/go-comms-backend/internal/domain"
	"github.com/campushub/go-comms-backend/internal/http/middleware"
	"github.com/campushub/go-comms-backend/internal/repo"
	"github.com/campushub/go-comms-backend/internal/services"
)

// idempotencyScopeNotify is the scope recorded for enqueue operations.
const idempotencyScopeNotify = "notifications"

//
// DTOs
//

// NotifyRequest is the JSON payload for enqueuing a notification.
//
// When Channel is set, exactly one item is created on that channel; when
// empty, the event fans out to every channel that has an active template
// under Template.
type NotifyRequest struct {
	// UserID is the recipient.
	UserID string `json:"user_id" binding:"required" example:"user123"`
	// Template is the template name to render.
	Template string `json:"template" binding:"required" example:"course_completed"`
	// Channel optionally pins the delivery channel.
	Channel string `json:"channel" example:"email"`
	// Variables bind the template's declared placeholders.
	Variables map[string]string `json:"variables"`
	// Priority is 1 (highest) to 5; defaults to 3.
	Priority int `json:"priority" example:"2"`
	// ScheduledFor delays delivery; zero means now.
	ScheduledFor time.Time `json:"scheduled_for"`
}

// NotifyResponse is the JSON envelope for created queue items.
type NotifyResponse struct {
	Items []domain.NotificationItem `json:"items"`
}

// ListNotificationsResponse contains a page of the caller's queue items.
type ListNotificationsResponse struct {
	Notifications []domain.NotificationItem `json:"notifications"`
	Pagination    Pagination                `json:"pagination"`
}

// UpdatePreferencesRequest is the JSON payload for preference changes.
// Pointer fields distinguish "leave unchanged" from explicit false/empty.
type UpdatePreferencesRequest struct {
	EmailEnabled    *bool   `json:"email_enabled"`
	PushEnabled     *bool   `json:"push_enabled"`
	InAppEnabled    *bool   `json:"in_app_enabled"`
	SMSEnabled      *bool   `json:"sms_enabled"`
	QuietHoursStart *string `json:"quiet_hours_start" example:"22:00"`
	QuietHoursEnd   *string `json:"quiet_hours_end"   example:"07:00"`
	Timezone        *string `json:"timezone"          example:"Europe/Madrid"`
}

//
// Handlers
//

// Notify enqueues a notification for delivery.
func (h *Handlers) Notify(c *gin.Context) {
	ctx := c.Request.Context()

	var req NotifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "user_id and template required")
		return
	}

	// Idempotency (replay path) – read validated key if present.
	idemKey, _ := middleware.GetIdempotencyKey(c)
	db := h.notifDB()
	if idemKey != "" && db != nil {
		if rec, err := repo.GetIdempotency(ctx, db, req.UserID, idempotencyScopeNotify, idemKey, time.Now().UTC()); err == nil && rec != nil {
			if prev, err2 := repo.GetItem(ctx, db, rec.ItemID); err2 == nil {
				c.Header("Idempotency-Replayed", "true")
				ok(c, http.StatusOK, NotifyResponse{Items: []domain.NotificationItem{*prev}})
				return
			}
		}
	}

	var items []domain.NotificationItem
	var err error
	if req.Channel != "" {
		var item *domain.NotificationItem
		item, err = h.notifSvc.Enqueue(ctx, req.UserID, req.Template, domain.Channel(req.Channel), req.Variables, req.Priority, req.ScheduledFor)
		if item != nil {
			items = []domain.NotificationItem{*item}
		}
	} else {
		items, err = h.notifSvc.Notify(ctx, req.UserID, req.Template, req.Variables, req.Priority, req.ScheduledFor)
	}
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUnknownTemplate):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown or inactive template")
		case errors.Is(err, services.ErrInvalidVariables):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "template variable unbound")
		case errors.Is(err, services.ErrInvalidChannel):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid channel")
		case errors.Is(err, services.ErrInvalidPriority):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "priority must be between 1 and 5")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}

	// Idempotency (store path) – best effort.
	if idemKey != "" && db != nil && len(items) > 0 {
		_, _ = repo.CreateIdempotency(ctx, db, req.UserID, idempotencyScopeNotify, idemKey, items[0].ID, http.StatusCreated, 24*time.Hour)
	}

	ok(c, http.StatusCreated, NotifyResponse{Items: items})
}

// GetNotification returns the queue status of one item.
func (h *Handlers) GetNotification(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "notification id must be a UUID")
		return
	}
	item, err := h.notifSvc.GetStatus(ctx, id)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrItemNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "notification not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, item)
}

// MarkNotificationRead records a read receipt. Marking an already-read item
// again succeeds without changing the original timestamp.
func (h *Handlers) MarkNotificationRead(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "notification id must be a UUID")
		return
	}
	if err := h.notifSvc.MarkRead(ctx, id); err != nil {
		switch {
		case errors.Is(err, services.ErrItemNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "notification not found")
		case errors.Is(err, services.ErrInvalidTransition):
			fail(c, http.StatusConflict, ErrCodeConflict, "notification is not in a readable state")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	noContent(c)
}

// ListNotifications returns a page of the caller's queue items, newest
// first. Supports conditional responses via ETag.
func (h *Handlers) ListNotifications(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	// ETag pre-check (best effort).
	if db := h.notifDB(); db != nil {
		count, maxTS, err := repo.ItemsStats(ctx, db, uid)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"notifications:%s:%d:%d"`, uid, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	page, pageSize := clampPagination(c)
	items, total, err := h.notifSvc.ListForUser(ctx, uid, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, ListNotificationsResponse{
		Notifications: items,
		Pagination:    paginationFor(page, pageSize, total),
	})
}

// GetPreferences returns the caller's delivery preferences, creating the
// all-enabled default row on first reference.
func (h *Handlers) GetPreferences(c *gin.Context) {
	ctx := c.Request.Context()
	pref, err := h.prefSvc.Get(ctx, userID(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, pref)
}

// UpdatePreferences applies partial preference changes for the caller.
func (h *Handlers) UpdatePreferences(c *gin.Context) {
	ctx := c.Request.Context()
	uid := userID(c)

	var req UpdatePreferencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid preference payload")
		return
	}

	current, err := h.prefSvc.Get(ctx, uid)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	applyPrefPatch(current, req)

	if err := h.prefSvc.Update(ctx, current); err != nil {
		switch {
		case errors.Is(err, services.ErrInvalidPreference):
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, current)
}

func applyPrefPatch(p *domain.UserNotificationPreference, req UpdatePreferencesRequest) {
	if req.EmailEnabled != nil {
		p.EmailEnabled = *req.EmailEnabled
	}
	if req.PushEnabled != nil {
		p.PushEnabled = *req.PushEnabled
	}
	if req.InAppEnabled != nil {
		p.InAppEnabled = *req.InAppEnabled
	}
	if req.SMSEnabled != nil {
		p.SMSEnabled = *req.SMSEnabled
	}
	if req.QuietHoursStart != nil {
		p.QuietHoursStart = *req.QuietHoursStart
	}
	if req.QuietHoursEnd != nil {
		p.QuietHoursEnd = *req.QuietHoursEnd
	}
	if req.Timezone != nil {
		p.Timezone = *req.Timezone
	}
}

// notifDB exposes the concrete queue service's handle for best-effort
// aggregate reads and idempotency records. Nil when wired with a fake.
func (h *Handlers) notifDB() *gorm.DB {
	if svc, ok := h.notifSvc.(*services.NotificationService); ok {
		return svc.DB
	}
	return nil
}
