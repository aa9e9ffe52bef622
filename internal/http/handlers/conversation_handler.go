// Conversation HTTP handlers.
//
// This file exposes REST endpoints for assistant sessions:
//   - POST /conversations                    (start a session)
//   - GET  /conversations/{id}               (fetch session state)
//   - POST /conversations/{id}/messages      (post a user message, get reply)
//   - GET  /conversations/{id}/messages      (list paginated, ETag support)
//   - POST /conversations/{id}/escalate      (hand off to a human agent)
//   - POST /conversations/{id}/resolve       (close as answered)
//   - POST /messages/{id}/feedback           (rate an assistant reply)
package handlers

import (
	"fmt"
	"net/http"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/campushub/go-comms-backend/internal/domain"
	"github.com/campushub/go-comms-backend/internal/repo"
	"github.com/campushub/go-comms-backend/internal/services"
)

//
// DTOs
//

// StartConversationRequest is the JSON payload for opening a session.
type StartConversationRequest struct {
	// Context optionally scopes the session to a page or course.
	Context string `json:"context" example:"course:intro-to-go"`
	// Language is a BCP 47 tag; the server default applies when empty.
	Language string `json:"language" example:"es"`
}

// PostMessageRequest is the JSON payload for sending a user message.
type PostMessageRequest struct {
	// Content is the user's message. It must be non-empty.
	Content string `json:"content" binding:"required,min=1" example:"How do I get my course certificate?"`
}

// EscalateRequest optionally carries the operator's escalation reason.
type EscalateRequest struct {
	Reason string `json:"reason" example:"billing dispute"`
}

// FeedbackRequest is the JSON payload for rating an assistant reply.
type FeedbackRequest struct {
	Helpful *bool `json:"helpful" binding:"required" example:"true"`
}

// ListMessagesResponse contains a page of messages and pagination metadata.
type ListMessagesResponse struct {
	Messages   []domain.Message `json:"messages"`
	Pagination Pagination       `json:"pagination"`
}

//
// Handlers
//

// StartConversation opens a new assistant session for the caller.
func (h *Handlers) StartConversation(c *gin.Context) {
	ctx := c.Request.Context()

	var req StartConversationRequest
	// Body is optional; an empty POST starts a default session.
	_ = c.ShouldBindJSON(&req)

	role := userRole(c)
	uid := userID(c)
	if role == domain.RoleAnonymous {
		uid = ""
	}

	conv, err := h.convSvc.Start(ctx, uid, role, req.Context, req.Language)
	if err != nil {
		switch err {
		case services.ErrInvalidRole:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid role")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeCreateFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusCreated, conv)
}

// GetConversation returns the current state of a session.
func (h *Handlers) GetConversation(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return
	}
	conv, err := h.convSvc.Get(ctx, id)
	if err != nil {
		switch err {
		case services.ErrConversationNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, conv)
}

// PostConversationMessage appends a user message and returns the assistant's
// decision: an answer, a fallback, or a human handoff.
func (h *Handlers) PostConversationMessage(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return
	}

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}
	content := sanitizeContent(req.Content)
	if content == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		return
	}

	res, err := h.convSvc.PostMessage(ctx, id, content)
	if err != nil {
		switch err {
		case services.ErrConversationNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case services.ErrConversationClosed:
			fail(c, http.StatusConflict, ErrCodeConflict, "conversation is closed")
		case services.ErrEmptyMessage:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content required")
		case services.ErrTooLong:
			fail(c, http.StatusBadRequest, ErrCodeBadRequest, "content too long")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeAnswerFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, res)
}

// ListConversationMessages returns a paginated, chronologically ordered page
// of a conversation's messages. Supports conditional responses via ETag.
func (h *Handlers) ListConversationMessages(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return
	}

	// ETag pre-check (best effort).
	if db := h.db(); db != nil {
		count, maxTS, err := repo.MessagesStats(ctx, db, id)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"messages:%s:%d:%d"`, id, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	page, pageSize := clampPagination(c)
	items, total, err := h.convSvc.ListMessages(ctx, id, page, pageSize)
	if err != nil {
		switch err {
		case services.ErrConversationNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, ListMessagesResponse{
		Messages:   items,
		Pagination: paginationFor(page, pageSize, total),
	})
}

// EscalateConversation hands the session to a human agent. Repeated calls
// are safe: the first escalation's record is preserved.
func (h *Handlers) EscalateConversation(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return
	}

	var req EscalateRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason != "" && utf8.RuneCountInString(req.Reason) > 255 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "reason too long")
		return
	}

	conv, err := h.convSvc.Escalate(ctx, id, req.Reason)
	if err != nil {
		switch err {
		case services.ErrConversationNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case services.ErrConversationClosed:
			fail(c, http.StatusConflict, ErrCodeConflict, "conversation is closed")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, conv)
}

// ResolveConversation closes a session as answered.
func (h *Handlers) ResolveConversation(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "conversation id must be a UUID")
		return
	}
	if err := h.convSvc.Resolve(ctx, id); err != nil {
		switch err {
		case services.ErrConversationNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "conversation not found")
		case services.ErrConversationClosed:
			fail(c, http.StatusConflict, ErrCodeConflict, "conversation is closed")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	noContent(c)
}

// LeaveMessageFeedback rates an assistant reply as helpful or not.
func (h *Handlers) LeaveMessageFeedback(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "message id must be a UUID")
		return
	}

	var req FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Helpful == nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "helpful (true/false) required")
		return
	}

	if err := h.convSvc.RateMessage(ctx, id, *req.Helpful); err != nil {
		switch err {
		case services.ErrMessageNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "message not found")
		case services.ErrFeedbackNotAllowed:
			fail(c, http.StatusConflict, ErrCodeConflict, "feedback is only accepted on assistant messages")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	noContent(c)
}

// db exposes the concrete service's handle for best-effort aggregate reads
// (ETag). Returns nil when the handler is wired with a fake in tests.
func (h *Handlers) db() *gorm.DB {
	if svc, ok := h.convSvc.(*services.ConversationService); ok {
		return svc.DB
	}
	return nil
}
