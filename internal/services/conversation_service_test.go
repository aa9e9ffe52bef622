package services

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/campushub/go-comms-backend/internal/classify"
	"github.com/campushub/go-comms-backend/internal/config"
	"github.com/campushub/go-comms-backend/internal/domain"
	"github.com/campushub/go-comms-backend/internal/repo"
)

func testConversationConfig() config.ConversationConfig {
	return config.ConversationConfig{
		ConfidenceThreshold:   0.45,
		FallbackEscalateAfter: 2,
		AbandonAfter:          30 * time.Minute,
		FallbackLanguage:      "en",
		MaxPromptRunes:        2000,
		AgentQueueID:          "support-queue",
	}
}

// classifierStub pins the classification result for a test.
type classifierStub struct {
	fn func(ctx context.Context, text, convContext string) (string, float64, error)
}

func (c classifierStub) Classify(ctx context.Context, text, convContext string) (string, float64, error) {
	return c.fn(ctx, text, convContext)
}

func newConversationService(t *testing.T) *ConversationService {
	t.Helper()
	db := newServiceDB(t)
	kb := NewKnowledgeService(db, "en")
	cl := classify.NewKeywordClassifier(classify.DefaultRules())
	return NewConversationService(db, testConversationConfig(), cl, kb)
}

func startConversation(t *testing.T, s *ConversationService, role domain.Role, lang string) *domain.Conversation {
	t.Helper()
	conv, err := s.Start(context.Background(), "u1", role, "", lang)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	return conv
}

func TestConversationStart_Defaults(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()

	conv, err := s.Start(ctx, "", "", "course:go-101", "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if conv.Role != domain.RoleAnonymous || conv.Language != "en" || conv.Status != domain.ConversationActive {
		t.Fatalf("defaults wrong: %+v", conv)
	}
	if conv.Context != "course:go-101" {
		t.Fatalf("context not stored: %q", conv.Context)
	}

	conv, err = s.Start(ctx, "u1", domain.RoleStudent, "", "ES-mx")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if conv.Language != "es-mx" {
		t.Fatalf("language should be lowercased: %q", conv.Language)
	}

	if _, err := s.Start(ctx, "u1", "wizard", "", ""); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("invalid role: %v", err)
	}
}

func TestPostMessage_Validation(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()
	conv := startConversation(t, s, domain.RoleStudent, "en")

	if _, err := s.PostMessage(ctx, conv.ID, "   "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("blank message: %v", err)
	}
	s.Cfg.MaxPromptRunes = 10
	if _, err := s.PostMessage(ctx, conv.ID, strings.Repeat("α", 11)); !errors.Is(err, ErrTooLong) {
		t.Fatalf("overlong message: %v", err)
	}
	s.Cfg.MaxPromptRunes = 2000
	if _, err := s.PostMessage(ctx, "missing", "hello"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("missing conversation: %v", err)
	}
}

func TestPostMessage_AnswersFromIntentInSpanish(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()

	seedArticle(t, s.DB, func(a *domain.KnowledgeArticle) {
		a.Slug = "obtener-certificado"
		a.Title = "Cómo obtener tu certificado"
		a.Summary = "Pasos para descargar el certificado del curso."
		a.Language = "es"
		a.Keywords = "certificado,diploma,descargar"
		a.IntentTriggers = "get_certificate"
	})

	conv := startConversation(t, s, domain.RoleStudent, "es")
	res, err := s.PostMessage(ctx, conv.ID, "¿Cómo obtengo mi certificado?")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if res.Escalated {
		t.Fatalf("answer should not escalate")
	}
	if res.Reply == nil || res.Reply.Sender != domain.SenderBot {
		t.Fatalf("expected bot reply, got %+v", res.Reply)
	}
	if !strings.Contains(res.Reply.Content, "Cómo obtener tu certificado") {
		t.Fatalf("reply missing article title: %q", res.Reply.Content)
	}
	if res.Reply.ArticleID == "" || res.Reply.Intent != "get_certificate" {
		t.Fatalf("reply not linked to the triggered article: %+v", res.Reply)
	}

	// The cited article picked up a buffered view.
	if flushed, err := s.Knowledge.FlushCounters(ctx); err != nil || flushed != 1 {
		t.Fatalf("flush: flushed=%d err=%v", flushed, err)
	}
	a, _ := repo.GetArticleBySlug(ctx, s.DB, "obtener-certificado")
	if a.ViewCount != 1 {
		t.Fatalf("view count = %d", a.ViewCount)
	}
}

func TestPostMessage_UserRequestedHandoff(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()
	conv := startConversation(t, s, domain.RoleStudent, "en")

	res, err := s.PostMessage(ctx, conv.ID, "I want to talk to a human please")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if !res.Escalated || res.Reply == nil || res.Reply.Sender != domain.SenderSystem {
		t.Fatalf("expected system handoff: %+v", res)
	}
	got, _ := s.Get(ctx, conv.ID)
	if got.Status != domain.ConversationEscalated || got.EscalationReason != EscalationUserRequested {
		t.Fatalf("conversation not escalated: %+v", got)
	}

	// Once a human owns the thread the assistant stays silent.
	res, err = s.PostMessage(ctx, conv.ID, "are you still there?")
	if err != nil {
		t.Fatalf("post after escalation: %v", err)
	}
	if res.Reply != nil || res.Escalated {
		t.Fatalf("escalated conversation should accept silently: %+v", res)
	}
}

func TestPostMessage_LowConfidenceEscalates(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()
	s.Classifier = classifierStub{fn: func(context.Context, string, string) (string, float64, error) {
		return "billing", 0.10, nil
	}}
	conv := startConversation(t, s, domain.RoleStudent, "en")

	res, err := s.PostMessage(ctx, conv.ID, "something about money maybe")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if !res.Escalated || res.Reply == nil || res.Reply.Sender != domain.SenderSystem {
		t.Fatalf("weak classification should hand off: %+v", res)
	}
	got, _ := s.Get(ctx, conv.ID)
	if got.Status != domain.ConversationEscalated || got.EscalationReason != EscalationLowConfidence {
		t.Fatalf("conversation state: %+v", got)
	}
}

func TestPostMessage_WeakHandoffRequestStillEscalates(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()
	s.Classifier = classifierStub{fn: func(context.Context, string, string) (string, float64, error) {
		return "request_human", 0.10, nil
	}}
	conv := startConversation(t, s, domain.RoleStudent, "en")

	res, err := s.PostMessage(ctx, conv.ID, "person?")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if !res.Escalated {
		t.Fatalf("handoff request must escalate at any confidence: %+v", res)
	}
	got, _ := s.Get(ctx, conv.ID)
	if got.EscalationReason != EscalationUserRequested {
		t.Fatalf("reason = %q; want %q", got.EscalationReason, EscalationUserRequested)
	}
}

func TestPostMessage_RepeatedFallbackEscalates(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()
	conv := startConversation(t, s, domain.RoleStudent, "en")

	// No articles and no matching intent: every message falls back.
	for i := 1; i <= 2; i++ {
		res, err := s.PostMessage(ctx, conv.ID, fmt.Sprintf("xylophone marmalade %d", i))
		if err != nil {
			t.Fatalf("fallback %d: %v", i, err)
		}
		if res.Escalated || res.Reply.Sender != domain.SenderBot {
			t.Fatalf("fallback %d escalated early: %+v", i, res)
		}
		got, _ := s.Get(ctx, conv.ID)
		if got.FallbackStreak != i {
			t.Fatalf("fallback %d: streak = %d", i, got.FallbackStreak)
		}
	}

	// Third consecutive miss crosses the threshold.
	res, err := s.PostMessage(ctx, conv.ID, "xylophone marmalade 3")
	if err != nil {
		t.Fatalf("third fallback: %v", err)
	}
	if !res.Escalated || res.Reply.Sender != domain.SenderSystem {
		t.Fatalf("expected escalation on third miss: %+v", res)
	}
	got, _ := s.Get(ctx, conv.ID)
	if got.Status != domain.ConversationEscalated || got.EscalationReason != EscalationRepeatedFallback {
		t.Fatalf("unexpected conversation state: %+v", got)
	}
}

func TestPostMessage_AnswerResetsStreak(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()
	seedArticle(t, s.DB, func(a *domain.KnowledgeArticle) {
		a.Slug = "get-certificate"
		a.IntentTriggers = "get_certificate"
	})
	conv := startConversation(t, s, domain.RoleStudent, "en")

	if _, err := s.PostMessage(ctx, conv.ID, "xylophone marmalade"); err != nil {
		t.Fatalf("fallback: %v", err)
	}
	if got, _ := s.Get(ctx, conv.ID); got.FallbackStreak != 1 {
		t.Fatalf("streak = %d", got.FallbackStreak)
	}
	if _, err := s.PostMessage(ctx, conv.ID, "where is my certificate"); err != nil {
		t.Fatalf("answer: %v", err)
	}
	if got, _ := s.Get(ctx, conv.ID); got.FallbackStreak != 0 {
		t.Fatalf("answer should reset streak, got %d", got.FallbackStreak)
	}
}

func TestPostMessage_DegradedRetrievalLeavesStreak(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()
	conv := startConversation(t, s, domain.RoleStudent, "en")

	// Point retrieval at a database with no schema so Search fails.
	dsn := filepath.Join(t.TempDir(), fmt.Sprintf("broken_%d.db", time.Now().UnixNano()))
	brokenDB, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := brokenDB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	s.Knowledge = NewKnowledgeService(brokenDB, "en")

	res, err := s.PostMessage(ctx, conv.ID, "xylophone marmalade")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if res.Escalated || res.Reply == nil || res.Reply.Sender != domain.SenderBot {
		t.Fatalf("degraded reply wrong: %+v", res)
	}
	got, _ := s.Get(ctx, conv.ID)
	if got.FallbackStreak != 0 || got.Status != domain.ConversationActive {
		t.Fatalf("degraded reply must not advance the streak: %+v", got)
	}
}

func TestEscalation_RoutesToAgentQueue(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()
	notif := &NotificationService{DB: s.DB, Dispatch: testDispatchConfig()}
	s.Notify = notif.Notify
	seedTemplate(t, s.DB, AgentEscalationTemplate, domain.ChannelInApp,
		"Conversation needs a human",
		"Conversation {{conversation_id}} was escalated ({{reason}}).",
		"conversation_id,reason")
	conv := startConversation(t, s, domain.RoleStudent, "en")

	res, err := s.PostMessage(ctx, conv.ID, "I want to talk to a real person")
	if err != nil || !res.Escalated {
		t.Fatalf("handoff: res=%+v err=%v", res, err)
	}

	items, err := repo.ListItemsByUser(ctx, s.DB, "support-queue", 0, 10)
	if err != nil || len(items) != 1 {
		t.Fatalf("agent queue items = %d, err=%v", len(items), err)
	}
	item := items[0]
	if item.Channel != domain.ChannelInApp || item.Priority != 1 {
		t.Fatalf("agent notification shape: %+v", item)
	}
	if !strings.Contains(item.Content, conv.ID) || !strings.Contains(item.Content, EscalationUserRequested) {
		t.Fatalf("agent notification content: %q", item.Content)
	}

	// Escalation is one-shot: repeating it enqueues nothing new.
	if _, err := s.Escalate(ctx, conv.ID, EscalationManual); err != nil {
		t.Fatalf("repeat Escalate: %v", err)
	}
	if n, _ := repo.CountItemsByUser(ctx, s.DB, "support-queue"); n != 1 {
		t.Fatalf("repeat escalation enqueued again: %d items", n)
	}
}

func TestEscalation_EnqueueFailureDoesNotBlockHandoff(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()
	s.Notify = func(context.Context, string, string, map[string]string, int, time.Time) ([]domain.NotificationItem, error) {
		return nil, errors.New("queue down")
	}
	conv := startConversation(t, s, domain.RoleStudent, "en")

	res, err := s.PostMessage(ctx, conv.ID, "let me speak to a human")
	if err != nil {
		t.Fatalf("PostMessage: %v", err)
	}
	if !res.Escalated {
		t.Fatalf("escalation must not depend on the queue: %+v", res)
	}
	got, _ := s.Get(ctx, conv.ID)
	if got.Status != domain.ConversationEscalated {
		t.Fatalf("conversation state: %+v", got)
	}
}

func TestPostMessage_ConcurrentPostsSerialize(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()
	seedArticle(t, s.DB, func(a *domain.KnowledgeArticle) {
		a.Slug = "get-certificate"
		a.IntentTriggers = "get_certificate"
	})
	conv := startConversation(t, s, domain.RoleStudent, "en")

	const posts = 8
	var wg sync.WaitGroup
	errs := make(chan error, posts)
	for i := 0; i < posts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.PostMessage(ctx, conv.ID, fmt.Sprintf("where is my certificate %d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent post: %v", err)
		}
	}

	// Every post stored exactly its user message and one reply; nothing
	// lost, nothing duplicated, timestamps never move backwards.
	msgs, total, err := s.ListMessages(ctx, conv.ID, 1, posts*2+10)
	if err != nil || total != posts*2 || len(msgs) != posts*2 {
		t.Fatalf("ListMessages: total=%d len=%d err=%v", total, len(msgs), err)
	}
	seen := make(map[string]bool, len(msgs))
	users, bots := 0, 0
	for i, m := range msgs {
		if seen[m.ID] {
			t.Fatalf("duplicate message id %s", m.ID)
		}
		seen[m.ID] = true
		switch m.Sender {
		case domain.SenderUser:
			users++
		case domain.SenderBot:
			bots++
		}
		if i > 0 && m.CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Fatalf("timestamps regressed at %d: %v < %v", i, m.CreatedAt, msgs[i-1].CreatedAt)
		}
	}
	if users != posts || bots != posts {
		t.Fatalf("senders = %d user / %d bot; want %d each", users, bots, posts)
	}
	got, _ := s.Get(ctx, conv.ID)
	if got.Status != domain.ConversationActive || got.FallbackStreak != 0 {
		t.Fatalf("conversation state after answers: %+v", got)
	}
}

func TestEscalate_OneShot(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()
	conv := startConversation(t, s, domain.RoleStudent, "en")

	got, err := s.Escalate(ctx, conv.ID, "")
	if err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if got.Status != domain.ConversationEscalated || got.EscalationReason != EscalationManual {
		t.Fatalf("unexpected: %+v", got)
	}
	first := got.EscalatedAt

	// Repeat escalation keeps the original record.
	got, err = s.Escalate(ctx, conv.ID, EscalationLowConfidence)
	if err != nil {
		t.Fatalf("repeat Escalate: %v", err)
	}
	if got.EscalationReason != EscalationManual || !got.EscalatedAt.Equal(*first) {
		t.Fatalf("escalation record mutated: %+v", got)
	}

	if _, err := s.Escalate(ctx, "missing", ""); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("missing conversation: %v", err)
	}
}

func TestAssignAgent(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()
	conv := startConversation(t, s, domain.RoleStudent, "en")

	if err := s.AssignAgent(ctx, conv.ID, " "); !errors.Is(err, ErrInvalidRole) {
		t.Fatalf("blank agent: %v", err)
	}
	// Assignment requires a prior escalation.
	if err := s.AssignAgent(ctx, conv.ID, "agent-7"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("active conversation: %v", err)
	}
	if _, err := s.Escalate(ctx, conv.ID, ""); err != nil {
		t.Fatalf("Escalate: %v", err)
	}
	if err := s.AssignAgent(ctx, conv.ID, "agent-7"); err != nil {
		t.Fatalf("AssignAgent: %v", err)
	}
	got, _ := s.Get(ctx, conv.ID)
	if got.AssignedAgentID != "agent-7" {
		t.Fatalf("agent not recorded: %+v", got)
	}
}

func TestResolveAndClosedBehavior(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()
	conv := startConversation(t, s, domain.RoleStudent, "en")

	if err := s.Resolve(ctx, conv.ID); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, _ := s.Get(ctx, conv.ID)
	if got.Status != domain.ConversationResolved || got.EndedAt == nil {
		t.Fatalf("unexpected after resolve: %+v", got)
	}

	if _, err := s.PostMessage(ctx, conv.ID, "hello again"); !errors.Is(err, ErrConversationClosed) {
		t.Fatalf("post to resolved: %v", err)
	}
	if err := s.Abandon(ctx, conv.ID); !errors.Is(err, ErrConversationClosed) {
		t.Fatalf("abandon resolved: %v", err)
	}
	if err := s.Resolve(ctx, "missing"); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("resolve missing: %v", err)
	}
}

func TestListMessages(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()
	conv := startConversation(t, s, domain.RoleStudent, "en")

	for i := 0; i < 2; i++ {
		if _, err := s.PostMessage(ctx, conv.ID, fmt.Sprintf("xylophone %d", i)); err != nil {
			t.Fatalf("post %d: %v", i, err)
		}
	}
	// Each post stores the user message and the assistant's reply.
	msgs, total, err := s.ListMessages(ctx, conv.ID, 1, 10)
	if err != nil || total != 4 || len(msgs) != 4 {
		t.Fatalf("ListMessages: total=%d len=%d err=%v", total, len(msgs), err)
	}
	if msgs[0].Sender != domain.SenderUser || msgs[1].Sender != domain.SenderBot {
		t.Fatalf("order wrong: %v %v", msgs[0].Sender, msgs[1].Sender)
	}

	msgs, total, err = s.ListMessages(ctx, conv.ID, 2, 3)
	if err != nil || total != 4 || len(msgs) != 1 {
		t.Fatalf("page 2: total=%d len=%d err=%v", total, len(msgs), err)
	}

	if _, _, err := s.ListMessages(ctx, "missing", 1, 10); !errors.Is(err, ErrConversationNotFound) {
		t.Fatalf("missing conversation: %v", err)
	}
}

func TestRateMessage(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()
	seedArticle(t, s.DB, func(a *domain.KnowledgeArticle) {
		a.Slug = "get-certificate"
		a.IntentTriggers = "get_certificate"
	})
	conv := startConversation(t, s, domain.RoleStudent, "en")

	res, err := s.PostMessage(ctx, conv.ID, "how do I get my certificate")
	if err != nil || res.Reply == nil || res.Reply.ArticleID == "" {
		t.Fatalf("seed answer: res=%+v err=%v", res, err)
	}
	// Drain the view recorded by the answer so feedback counts are isolated.
	if _, err := s.Knowledge.FlushCounters(ctx); err != nil {
		t.Fatalf("flush views: %v", err)
	}

	if err := s.RateMessage(ctx, res.UserMessage.ID, true); !errors.Is(err, ErrFeedbackNotAllowed) {
		t.Fatalf("rating a user message: %v", err)
	}
	if err := s.RateMessage(ctx, "missing", true); !errors.Is(err, ErrMessageNotFound) {
		t.Fatalf("rating a missing message: %v", err)
	}

	if err := s.RateMessage(ctx, res.Reply.ID, true); err != nil {
		t.Fatalf("RateMessage: %v", err)
	}
	// Repeating the same rating does not double-count.
	if err := s.RateMessage(ctx, res.Reply.ID, true); err != nil {
		t.Fatalf("repeat RateMessage: %v", err)
	}
	if _, err := s.Knowledge.FlushCounters(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	a, _ := repo.GetArticleBySlug(ctx, s.DB, "get-certificate")
	if a.HelpfulCount != 1 || a.NotHelpfulCount != 0 {
		t.Fatalf("counters = %d/%d", a.HelpfulCount, a.NotHelpfulCount)
	}

	// A revised rating forwards the new signal.
	if err := s.RateMessage(ctx, res.Reply.ID, false); err != nil {
		t.Fatalf("revise RateMessage: %v", err)
	}
	if _, err := s.Knowledge.FlushCounters(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	a, _ = repo.GetArticleBySlug(ctx, s.DB, "get-certificate")
	if a.NotHelpfulCount != 1 {
		t.Fatalf("revised counters = %d/%d", a.HelpfulCount, a.NotHelpfulCount)
	}
}

func TestSweepAbandoned(t *testing.T) {
	s := newConversationService(t)
	ctx := context.Background()

	stale := startConversation(t, s, domain.RoleStudent, "en")
	fresh := startConversation(t, s, domain.RoleStudent, "en")
	escalated := startConversation(t, s, domain.RoleStudent, "en")
	if _, err := s.Escalate(ctx, escalated.ID, ""); err != nil {
		t.Fatalf("Escalate: %v", err)
	}

	old := time.Now().UTC().Add(-2 * time.Hour)
	for _, id := range []string{stale.ID, escalated.ID} {
		if err := s.DB.Model(&domain.Conversation{}).Where("id = ?", id).
			Update("last_activity_at", old).Error; err != nil {
			t.Fatalf("backdate %s: %v", id, err)
		}
	}

	n, err := s.SweepAbandoned(ctx)
	if err != nil || n != 1 {
		t.Fatalf("SweepAbandoned: n=%d err=%v", n, err)
	}
	if got, _ := s.Get(ctx, stale.ID); got.Status != domain.ConversationAbandoned {
		t.Fatalf("stale conversation not abandoned: %+v", got)
	}
	if got, _ := s.Get(ctx, fresh.ID); got.Status != domain.ConversationActive {
		t.Fatalf("fresh conversation touched: %+v", got)
	}
	if got, _ := s.Get(ctx, escalated.ID); got.Status != domain.ConversationEscalated {
		t.Fatalf("escalated conversation touched: %+v", got)
	}
}
