// Shared handler wiring.
//
// This file defines the service contracts consumed by HTTP handlers, the
// Handlers aggregate, and the small helpers used across endpoints (identity
// extraction, pagination clamping, input sanitization). Handlers are
// transport-thin: they validate input, call application services, and
// translate results into HTTP responses.
package handlers

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/campushub/go-comms-backend/internal/domain"
	"github.com/campushub/go-comms-backend/internal/services"
	"github.com/campushub/go-comms-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ConversationService defines assistant session operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ConversationService interface {
	// Start opens a new active conversation.
	Start(ctx context.Context, userID string, role domain.Role, context_, lang string) (*domain.Conversation, error)
	// Get returns a conversation by ID.
	Get(ctx context.Context, id string) (*domain.Conversation, error)
	// PostMessage appends a user message and produces the assistant's reply.
	PostMessage(ctx context.Context, conversationID, content string) (*services.PostResult, error)
	// ListMessages returns a page of a conversation's messages and the total.
	ListMessages(ctx context.Context, conversationID string, page, pageSize int) ([]domain.Message, int64, error)
	// Escalate hands the conversation to a human agent.
	Escalate(ctx context.Context, conversationID, reason string) (*domain.Conversation, error)
	// Resolve closes a conversation as answered.
	Resolve(ctx context.Context, conversationID string) error
	// RateMessage records a helpful/not-helpful rating on a bot message.
	RateMessage(ctx context.Context, messageID string, helpful bool) error
}

// NotificationService defines queue operations consumed by HTTP handlers.
type NotificationService interface {
	// Enqueue creates one pending item on a specific channel.
	Enqueue(ctx context.Context, userID, templateName string, channel domain.Channel, vars map[string]string, priority int, scheduledFor time.Time) (*domain.NotificationItem, error)
	// Notify fans an event out to every channel with an active template.
	Notify(ctx context.Context, userID, templateName string, vars map[string]string, priority int, scheduledFor time.Time) ([]domain.NotificationItem, error)
	// GetStatus returns the current state of an item.
	GetStatus(ctx context.Context, itemID string) (*domain.NotificationItem, error)
	// MarkRead records a read receipt on a sent item.
	MarkRead(ctx context.Context, itemID string) error
	// ListForUser returns a page of a user's items and the total count.
	ListForUser(ctx context.Context, userID string, page, pageSize int) ([]domain.NotificationItem, int64, error)
}

// PreferenceService defines preference read/write operations.
type PreferenceService interface {
	Get(ctx context.Context, userID string) (*domain.UserNotificationPreference, error)
	Update(ctx context.Context, p *domain.UserNotificationPreference) error
}

// KnowledgeService defines knowledge-base retrieval operations.
type KnowledgeService interface {
	Search(ctx context.Context, query string, role domain.Role, lang string, k int) ([]services.SearchHit, error)
	GetBySlug(ctx context.Context, slug string) (*domain.KnowledgeArticle, error)
}

// SuggestionService defines contextual prompt retrieval.
type SuggestionService interface {
	List(ctx context.Context, role domain.Role, context_ string, limit int) ([]domain.Suggestion, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints for conversations, notifications,
// preferences, and knowledge retrieval. It depends on abstract service
// interfaces to keep transport concerns separate from business logic.
type Handlers struct {
	convSvc  ConversationService
	notifSvc NotificationService
	prefSvc  PreferenceService
	kbSvc    KnowledgeService
	sugSvc   SuggestionService
}

// New constructs a Handlers instance bound to the given services.
func New(conv ConversationService, notif NotificationService, pref PreferenceService, kb KnowledgeService, sug SuggestionService) *Handlers {
	return &Handlers{convSvc: conv, notifSvc: notif, prefSvc: pref, kbSvc: kb, sugSvc: sug}
}

// userID extracts the authenticated user id from Gin context (set by upstream
// middleware). If absent, it falls back to "X-User-ID" header (tests use it),
// and finally to "demo-user". It never touches c.Request if it's nil.
func userID(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	if c != nil && c.Request != nil {
		if h := strings.TrimSpace(c.GetHeader("X-User-ID")); h != "" {
			return h
		}
	}
	return "demo-user"
}

// userRole extracts the caller's platform role from the "X-User-Role" header.
// Unknown or missing roles resolve to anonymous; the gateway in front of this
// service is the authority on identity, not this API.
func userRole(c *gin.Context) domain.Role {
	if c != nil && c.Request != nil {
		r := domain.Role(strings.ToLower(strings.TrimSpace(c.GetHeader("X-User-Role"))))
		if r.Valid() {
			return r
		}
	}
	return domain.RoleAnonymous
}

//
// Shared DTOs and helpers
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// clampPagination parses page/page_size from query parameters, applies sane
// defaults and caps, and returns the validated (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

func paginationFor(page, pageSize int, total int64) Pagination {
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	return Pagination{
		Page:       page,
		PageSize:   pageSize,
		Total:      total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// nlCollapseRE collapses runs of 3+ newlines to two, preserving paragraphs.
var nlCollapseRE = regexp.MustCompile(`\n{3,}`)

// sanitizeContent normalizes user text for consistent downstream behavior:
//   - converts CRLF/CR to LF,
//   - collapses runs of 3+ LFs to exactly two (paragraph separation),
//   - trims surrounding whitespace.
func sanitizeContent(raw string) string {
	s := strings.ReplaceAll(raw, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = nlCollapseRE.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
