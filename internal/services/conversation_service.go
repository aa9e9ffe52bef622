// Package services – ConversationService
//
// This file implements ConversationService, the application-level component
// that owns assistant sessions end to end: starting conversations, running
// the reply decision pipeline on each user message, escalating to human
// agents, and closing sessions out. It validates inputs, serializes message
// processing per conversation, and persists the user/assistant message pair
// atomically.
//
// The decision pipeline per user message: classify intent first; an explicit
// human-handoff intent escalates immediately, whatever its confidence, and a
// classified intent below the confidence threshold escalates too rather than
// risk a wrong answer. A confidently classified intent resolves through
// article triggers; unclassified text falls through to free-text retrieval.
// When neither path produces an answer the assistant replies with a
// fallback, and a run of consecutive fallbacks escalates on the caller's
// behalf. Every first escalation enqueues a notification for the human agent
// queue. Classifier or retrieval errors degrade to a fallback reply without
// counting toward escalation.
//
// Observability: all public methods are OpenTelemetry-instrumented; spans
// include conversation/user identifiers and the pipeline's decision.

package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/campushub/go-comms-backend/internal/classify"
	"github.com/campushub/go-comms-backend/internal/config"
	"github.com/campushub/go-comms-backend/internal/domain"
	"github.com/campushub/go-comms-backend/internal/repo"

	// OpenTelemetry
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Escalation reasons recorded on the conversation. Set once; later
// escalation attempts are no-ops.
const (
	EscalationUserRequested    = "user_requested"
	EscalationRepeatedFallback = "repeated_fallback"
	EscalationLowConfidence    = "low_confidence"
	EscalationManual           = "manual"
)

// AgentEscalationTemplate is the notification template used to route an
// escalated conversation to the human agent queue.
const AgentEscalationTemplate = "agent_escalation"

// replyKind is the pipeline's decision for one user message.
type replyKind int

const (
	replyAnswer replyKind = iota
	replyFallback
	replyHandoff
	// replyDegraded is a fallback-shaped reply caused by a failing
	// dependency, not by a miss; it leaves the fallback streak untouched.
	replyDegraded
)

// PostResult is the outcome of posting one user message: the stored user
// message, the assistant's reply (nil when the conversation is already with
// a human agent), and whether this message caused an escalation.
type PostResult struct {
	UserMessage *domain.Message `json:"user_message"`
	Reply       *domain.Message `json:"reply,omitempty"`
	Escalated   bool            `json:"escalated"`
}

// ConversationService coordinates the assistant's session lifecycle.
type ConversationService struct {
	DB         *gorm.DB
	Cfg        config.ConversationConfig
	Classifier classify.Classifier
	Knowledge  *KnowledgeService

	// Notify, when set, enqueues the agent-queue notification on the first
	// escalation of a conversation. Wired to NotificationService.Notify;
	// enqueue failures are logged, never surfaced — a down queue must not
	// block the handoff.
	Notify func(ctx context.Context, userID, templateName string, vars map[string]string, priority int, scheduledFor time.Time) ([]domain.NotificationItem, error)

	// per-conversation serialization; messages within one conversation are
	// processed strictly in arrival order
	locks sync.Map // conversationID -> *sync.Mutex
}

// NewConversationService constructs a ConversationService.
func NewConversationService(db *gorm.DB, cfg config.ConversationConfig, cl classify.Classifier, kb *KnowledgeService) *ConversationService {
	return &ConversationService{DB: db, Cfg: cfg, Classifier: cl, Knowledge: kb}
}

// Start opens a new active conversation for the given user and role.
// Anonymous sessions pass an empty userID. Language falls back to the
// configured default when the client sends none.
func (s *ConversationService) Start(ctx context.Context, userID string, role domain.Role, context_, lang string) (*domain.Conversation, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Start",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("role", string(role)),
		),
	)
	defer span.End()

	if role == "" {
		role = domain.RoleAnonymous
	}
	if !role.Valid() {
		return nil, ErrInvalidRole
	}
	if strings.TrimSpace(lang) == "" {
		lang = s.Cfg.FallbackLanguage
	}
	return repo.CreateConversation(ctx, s.DB, userID, role, context_, strings.ToLower(lang))
}

// Get returns a conversation by ID.
func (s *ConversationService) Get(ctx context.Context, id string) (*domain.Conversation, error) {
	c, err := repo.GetConversation(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	return c, nil
}

// PostMessage appends a user message and runs the reply pipeline. Messages
// within one conversation are processed serially; concurrent posts to the
// same conversation queue behind each other. Terminal conversations reject
// new messages with ErrConversationClosed; escalated conversations accept
// them but the assistant stays silent (a human agent owns the thread).
func (s *ConversationService) PostMessage(ctx context.Context, conversationID, content string) (*PostResult, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "PostMessage",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if s.Cfg.MaxPromptRunes > 0 && utf8.RuneCountInString(content) > s.Cfg.MaxPromptRunes {
		return nil, ErrTooLong
	}

	unlock := s.lock(conversationID)
	defer unlock()

	conv, err := repo.GetConversation(ctx, s.DB, conversationID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, err
	}
	if conv.Status.Terminal() {
		return nil, ErrConversationClosed
	}

	userMsg, err := repo.AppendMessage(ctx, s.DB, &domain.Message{
		ConversationID: conv.ID,
		Sender:         domain.SenderUser,
		Content:        content,
	})
	if err != nil {
		return nil, err
	}

	if conv.Status == domain.ConversationEscalated {
		span.SetAttributes(attribute.String("decision", "agent_owned"))
		return &PostResult{UserMessage: userMsg}, nil
	}

	kind, reason, reply := s.decide(ctx, conv, content)
	span.SetAttributes(attribute.String("decision", decisionName(kind)))

	escalated := false
	switch kind {
	case replyAnswer:
		if conv.FallbackStreak != 0 {
			if err := repo.SetFallbackStreak(ctx, s.DB, conv.ID, 0); err != nil {
				return nil, err
			}
		}
		if reply.ArticleID != "" {
			s.Knowledge.RecordView(reply.ArticleID)
		}

	case replyFallback:
		streak := conv.FallbackStreak + 1
		if streak > s.Cfg.FallbackEscalateAfter {
			escalated = true
			kind = replyHandoff
			reply = s.handoffMessage(conv)
			if err := s.escalate(ctx, conv.ID, EscalationRepeatedFallback); err != nil {
				return nil, err
			}
		} else if err := repo.SetFallbackStreak(ctx, s.DB, conv.ID, streak); err != nil {
			return nil, err
		}

	case replyHandoff:
		escalated = true
		if err := s.escalate(ctx, conv.ID, reason); err != nil {
			return nil, err
		}

	case replyDegraded:
		// dependency failure: reply apologetically, leave the streak alone
	}

	botMsg, err := repo.AppendMessage(ctx, s.DB, reply)
	if err != nil {
		return nil, err
	}
	return &PostResult{UserMessage: userMsg, Reply: botMsg, Escalated: escalated}, nil
}

// decide runs classification and retrieval for one user message and builds
// the assistant's reply, plus the escalation reason when the decision is a
// handoff. It never fails: degraded dependencies produce a fallback-shaped
// answer whose streak handling the caller skips.
func (s *ConversationService) decide(ctx context.Context, conv *domain.Conversation, content string) (replyKind, string, *domain.Message) {
	intent, confidence, err := s.Classifier.Classify(ctx, content, conv.Context)
	if err != nil {
		intent, confidence = "", 0
	}

	// An explicit handoff request escalates no matter how weak the signal.
	if intent == classify.IntentRequestHuman {
		return replyHandoff, EscalationUserRequested, s.handoffMessage(conv)
	}
	// A classified intent the classifier itself doubts goes to a human
	// rather than risk answering the wrong question. Unclassified text
	// (intent == "") is not doubt, it is absence: that resolves through
	// free-text search and the fallback streak instead.
	if intent != "" && confidence < s.Cfg.ConfidenceThreshold {
		return replyHandoff, EscalationLowConfidence, s.handoffMessage(conv)
	}

	if intent != "" {
		article, lerr := s.Knowledge.LookupByIntent(ctx, intent, conv.Role, conv.Language)
		if lerr == nil && article != nil {
			return replyAnswer, "", s.articleMessage(conv, article, intent, confidence)
		}
	}

	hits, serr := s.Knowledge.Search(ctx, content, conv.Role, conv.Language, 1)
	if serr != nil {
		return replyDegraded, "", s.fallbackMessage(conv)
	}
	if len(hits) > 0 && hits[0].Score >= s.Cfg.ConfidenceThreshold {
		score := hits[0].Score
		m := s.articleMessage(conv, &hits[0].Article, intent, score)
		return replyAnswer, "", m
	}

	return replyFallback, "", s.fallbackMessage(conv)
}

// escalate flips the conversation to escalated and, on the first flip only,
// routes it to the human agent queue. Repeated calls keep the original
// record and enqueue nothing.
func (s *ConversationService) escalate(ctx context.Context, conversationID, reason string) error {
	already, err := repo.SetEscalated(ctx, s.DB, conversationID, reason)
	if err != nil {
		return err
	}
	if !already {
		s.notifyAgents(ctx, conversationID, reason)
	}
	return nil
}

// notifyAgents enqueues the agent-queue notification for a freshly escalated
// conversation. Best effort: the escalation record is already committed, so
// an enqueue failure is logged and swallowed.
func (s *ConversationService) notifyAgents(ctx context.Context, conversationID, reason string) {
	if s.Notify == nil {
		return
	}
	queue := strings.TrimSpace(s.Cfg.AgentQueueID)
	if queue == "" {
		queue = "support-queue"
	}
	vars := map[string]string{
		"conversation_id": conversationID,
		"reason":          reason,
	}
	if _, err := s.Notify(ctx, queue, AgentEscalationTemplate, vars, 1, time.Time{}); err != nil {
		log.Warn().
			Err(err).
			Str("conversation_id", conversationID).
			Str("reason", reason).
			Msg("agent notification enqueue failed")
	}
}

// Escalate hands the conversation to a human agent on the operator's
// initiative. Escalation is one-shot: the first call sets the record, later
// calls return the conversation unchanged.
func (s *ConversationService) Escalate(ctx context.Context, conversationID, reason string) (*domain.Conversation, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Escalate",
		trace.WithAttributes(attribute.String("conversation.id", conversationID)),
	)
	defer span.End()

	if strings.TrimSpace(reason) == "" {
		reason = EscalationManual
	}
	conv, err := s.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status.Terminal() {
		return nil, ErrConversationClosed
	}
	if err := s.escalate(ctx, conversationID, reason); err != nil {
		return nil, err
	}
	return s.Get(ctx, conversationID)
}

// AssignAgent attaches a human agent to an escalated conversation.
func (s *ConversationService) AssignAgent(ctx context.Context, conversationID, agentID string) error {
	if strings.TrimSpace(agentID) == "" {
		return ErrInvalidRole
	}
	err := repo.AssignAgent(ctx, s.DB, conversationID, agentID)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrConversationNotFound
	}
	return err
}

// Resolve closes a conversation as answered. Valid from active or escalated;
// terminal conversations reject the transition.
func (s *ConversationService) Resolve(ctx context.Context, conversationID string) error {
	return s.close(ctx, conversationID, domain.ConversationResolved)
}

// Abandon closes a conversation as walked-away-from. The inactivity sweep is
// the usual caller; operators may also abandon explicitly.
func (s *ConversationService) Abandon(ctx context.Context, conversationID string) error {
	return s.close(ctx, conversationID, domain.ConversationAbandoned)
}

func (s *ConversationService) close(ctx context.Context, conversationID string, status domain.ConversationStatus) error {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "Close",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.String("status", string(status)),
		),
	)
	defer span.End()

	err := repo.SetTerminal(ctx, s.DB, conversationID, status)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return err
	}
	// zero rows: either missing or already terminal
	if _, gerr := repo.GetConversation(ctx, s.DB, conversationID); gerr != nil {
		return ErrConversationNotFound
	}
	return ErrConversationClosed
}

// ListMessages returns a page of a conversation's messages in chronological
// order, plus the total count.
func (s *ConversationService) ListMessages(ctx context.Context, conversationID string, page, pageSize int) ([]domain.Message, int64, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "ListMessages",
		trace.WithAttributes(
			attribute.String("conversation.id", conversationID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	if _, err := repo.GetConversation(ctx, s.DB, conversationID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, 0, ErrConversationNotFound
		}
		return nil, 0, err
	}
	total, err := repo.CountMessages(ctx, s.DB, conversationID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Message{}, 0, nil
	}
	items, err := repo.ListMessagesPage(ctx, s.DB, conversationID, (page-1)*pageSize, pageSize)
	return items, total, err
}

// RateMessage attaches a helpful/not-helpful rating to an assistant message
// and forwards it to the cited article's counters when one is linked.
// Ratings apply to bot messages only and are overwrite-on-repeat.
func (s *ConversationService) RateMessage(ctx context.Context, messageID string, helpful bool) error {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "RateMessage",
		trace.WithAttributes(
			attribute.String("message.id", messageID),
			attribute.Bool("helpful", helpful),
		),
	)
	defer span.End()

	msg, err := repo.GetMessage(ctx, s.DB, messageID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrMessageNotFound
		}
		return err
	}
	if msg.Sender != domain.SenderBot {
		return ErrFeedbackNotAllowed
	}
	prev := msg.Helpful
	if err := repo.SetMessageFeedback(ctx, s.DB, messageID, helpful); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrMessageNotFound
		}
		return err
	}
	// Only the first rating (or a changed one) moves the article counters;
	// repeating the same rating is idempotent for the aggregate.
	if msg.ArticleID != "" && (prev == nil || *prev != helpful) {
		s.Knowledge.RecordFeedback(msg.ArticleID, helpful)
	}
	return nil
}

// SweepAbandoned closes active conversations idle past the configured
// window. Escalated conversations are exempt: a human agent owns their
// pacing. Returns how many were abandoned.
func (s *ConversationService) SweepAbandoned(ctx context.Context) (int, error) {
	tr := otel.Tracer("services/ConversationService")
	ctx, span := tr.Start(ctx, "SweepAbandoned")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.Cfg.AbandonAfter)
	stale, err := repo.ListStaleActive(ctx, s.DB, cutoff, false)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, c := range stale {
		if err := repo.SetTerminal(ctx, s.DB, c.ID, domain.ConversationAbandoned); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue // raced with a resolve; fine
			}
			return n, err
		}
		n++
	}
	span.SetAttributes(attribute.Int("abandoned", n))
	return n, nil
}

// lock serializes message processing for one conversation.
func (s *ConversationService) lock(conversationID string) func() {
	v, _ := s.locks.LoadOrStore(conversationID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// --- Reply construction ---

func (s *ConversationService) articleMessage(conv *domain.Conversation, a *domain.KnowledgeArticle, intent string, confidence float64) *domain.Message {
	body := a.Summary
	if strings.TrimSpace(body) == "" {
		body = a.Body
	}
	conf := confidence
	return &domain.Message{
		ConversationID: conv.ID,
		Sender:         domain.SenderBot,
		Content:        a.Title + "\n\n" + body,
		Intent:         intent,
		Confidence:     &conf,
		ArticleID:      a.ID,
	}
}

func (s *ConversationService) fallbackMessage(conv *domain.Conversation) *domain.Message {
	return &domain.Message{
		ConversationID: conv.ID,
		Sender:         domain.SenderBot,
		Content:        localized(conv.Language, fallbackTexts),
	}
}

func (s *ConversationService) handoffMessage(conv *domain.Conversation) *domain.Message {
	return &domain.Message{
		ConversationID: conv.ID,
		Sender:         domain.SenderSystem,
		Content:        localized(conv.Language, handoffTexts),
	}
}

var fallbackTexts = map[string]string{
	"en": "I couldn't find an answer for that. Could you rephrase your question, or pick one of the suggestions below?",
	"es": "No encontré una respuesta para eso. ¿Podrías reformular tu pregunta o elegir una de las sugerencias?",
}

var handoffTexts = map[string]string{
	"en": "I'm connecting you with a member of our support team. They'll pick up this conversation shortly.",
	"es": "Te estoy conectando con una persona de nuestro equipo de soporte. Continuará esta conversación en breve.",
}

// localized picks the text for a language tag, falling back through the
// base language ("es-MX" -> "es") to English.
func localized(lang string, texts map[string]string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if t, ok := texts[lang]; ok {
		return t
	}
	if base, _, found := strings.Cut(lang, "-"); found {
		if t, ok := texts[base]; ok {
			return t
		}
	}
	return texts["en"]
}

func decisionName(k replyKind) string {
	switch k {
	case replyAnswer:
		return "answer"
	case replyFallback:
		return "fallback"
	case replyHandoff:
		return "handoff"
	case replyDegraded:
		return "degraded"
	}
	return "unknown"
}
