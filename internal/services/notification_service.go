// Package services – NotificationService
//
// This file implements NotificationService, the application-level component
// that owns the notification queue: template-validated enqueue with
// render-once semantics, outcome resolution with capped exponential backoff,
// and read tracking. Claim mechanics live in the repo layer; retry decisions
// live here — the queue is the component boundary that owns them, so
// transient sender failures never surface to callers.
//
// Observability: public methods are OpenTelemetry-instrumented; spans include
// item/user identifiers and outcome categories.
package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/campushub/go-comms-backend/internal/config"
	"github.com/campushub/go-comms-backend/internal/domain"
	"github.com/campushub/go-comms-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// OutcomeKind categorizes a delivery attempt's result.
type OutcomeKind int

const (
	// OutcomeDelivered means the sender accepted the message.
	OutcomeDelivered OutcomeKind = iota
	// OutcomeTransient means the attempt failed in a retryable way
	// (timeout, rate limit, temporary provider outage).
	OutcomeTransient
	// OutcomePermanent means retrying cannot help (invalid recipient, hard
	// bounce, revoked push token).
	OutcomePermanent
)

// Outcome is the result of one delivery attempt reported by a worker.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

// Delivered constructs a success outcome.
func Delivered() Outcome { return Outcome{Kind: OutcomeDelivered} }

// TransientFailure constructs a retryable failure outcome.
func TransientFailure(reason string) Outcome {
	return Outcome{Kind: OutcomeTransient, Reason: reason}
}

// PermanentFailure constructs a terminal failure outcome.
func PermanentFailure(reason string) Outcome {
	return Outcome{Kind: OutcomePermanent, Reason: reason}
}

// NotificationService coordinates the queue's lifecycle operations.
type NotificationService struct {
	DB       *gorm.DB
	Dispatch config.DispatchConfig

	// OnPermanentFailure, when set, receives every terminally failed item.
	// Wired to the dispatch metrics so operators see hard failures without
	// the failure ever reaching an end user.
	OnPermanentFailure func(item *domain.NotificationItem, reason string)
}

// varRE matches {{variable}} placeholders in template bodies.
var varRE = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Enqueue validates the template, renders subject/content once, and stores a
// pending item. Rendered content is immutable from here on: a retry reuses
// it verbatim even if upstream variable data has changed since.
//
// Fails with ErrUnknownTemplate when the template is missing or inactive and
// ErrInvalidVariables when a declared variable is unbound. Validation
// failures leave no partial state behind.
func (s *NotificationService) Enqueue(ctx context.Context, userID, templateName string, channel domain.Channel, vars map[string]string, priority int, scheduledFor time.Time) (*domain.NotificationItem, error) {
	tr := otel.Tracer("services/NotificationService")
	ctx, span := tr.Start(ctx, "Enqueue",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("template", templateName),
			attribute.String("channel", string(channel)),
		),
	)
	defer span.End()

	if !channel.Valid() {
		return nil, ErrInvalidChannel
	}
	if priority == 0 {
		priority = 3
	}
	if priority < 1 || priority > 5 {
		return nil, ErrInvalidPriority
	}

	tmpl, err := repo.GetActiveTemplate(ctx, s.DB, templateName, channel)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrUnknownTemplate
		}
		return nil, err
	}

	subject, content, err := renderTemplate(tmpl, vars)
	if err != nil {
		return nil, err
	}

	if scheduledFor.IsZero() {
		scheduledFor = time.Now().UTC()
	}
	item := &domain.NotificationItem{
		UserID:       userID,
		TemplateID:   tmpl.ID,
		TemplateName: tmpl.Name,
		Channel:      channel,
		Subject:      subject,
		Content:      content,
		Status:       domain.NotificationPending,
		Priority:     priority,
		ScheduledFor: scheduledFor.UTC(),
		MaxRetries:   s.Dispatch.ChannelFor(string(channel)).MaxRetries,
	}
	return repo.CreateItem(ctx, s.DB, item)
}

// Notify is the fire-and-forget entry point used by domain services (course
// completion, payment, reminders). It fans the event out to every channel
// that has an active template under templateName and returns the created
// items. ErrUnknownTemplate is returned only when no channel matched.
func (s *NotificationService) Notify(ctx context.Context, userID, templateName string, vars map[string]string, priority int, scheduledFor time.Time) ([]domain.NotificationItem, error) {
	tr := otel.Tracer("services/NotificationService")
	ctx, span := tr.Start(ctx, "Notify",
		trace.WithAttributes(
			attribute.String("user.id", userID),
			attribute.String("template", templateName),
		),
	)
	defer span.End()

	var items []domain.NotificationItem
	for _, ch := range domain.AllChannels {
		item, err := s.Enqueue(ctx, userID, templateName, ch, vars, priority, scheduledFor)
		if err != nil {
			if errors.Is(err, ErrUnknownTemplate) {
				continue
			}
			return items, err
		}
		items = append(items, *item)
	}
	if len(items) == 0 {
		return nil, ErrUnknownTemplate
	}
	return items, nil
}

// ReportOutcome resolves a delivery attempt on a claimed item.
//
//   - delivered: status=sent, sent_at=now.
//   - transient-failure: retry_count+1; while retries remain, the item
//     returns to pending with scheduled_for pushed out by the backoff
//     policy; once exhausted, it fails terminally.
//   - permanent-failure: fails terminally immediately, regardless of
//     retry_count.
func (s *NotificationService) ReportOutcome(ctx context.Context, itemID string, outcome Outcome) error {
	tr := otel.Tracer("services/NotificationService")
	ctx, span := tr.Start(ctx, "ReportOutcome",
		trace.WithAttributes(
			attribute.String("item.id", itemID),
			attribute.Int("outcome.kind", int(outcome.Kind)),
		),
	)
	defer span.End()

	item, err := repo.GetItem(ctx, s.DB, itemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrItemNotFound
		}
		return err
	}

	switch outcome.Kind {
	case OutcomeDelivered:
		return s.translateRepoErr(repo.MarkSent(ctx, s.DB, itemID))

	case OutcomeTransient:
		if item.RetryCount < item.MaxRetries {
			next := time.Now().UTC().Add(s.backoff(item.RetryCount))
			return s.translateRepoErr(repo.RescheduleRetry(ctx, s.DB, itemID, outcome.Reason, next))
		}
		if err := s.translateRepoErr(repo.MarkFailed(ctx, s.DB, itemID, outcome.Reason, true)); err != nil {
			return err
		}
		s.notifyPermanent(item, outcome.Reason)
		return nil

	case OutcomePermanent:
		if err := s.translateRepoErr(repo.MarkFailed(ctx, s.DB, itemID, outcome.Reason, false)); err != nil {
			return err
		}
		s.notifyPermanent(item, outcome.Reason)
		return nil
	}
	return ErrInvalidTransition
}

// Suppress terminates an item the preference gate rejected. The item never
// reached a sender and is not counted as a failure.
func (s *NotificationService) Suppress(ctx context.Context, itemID string) error {
	return s.translateRepoErr(repo.MarkSuppressed(ctx, s.DB, itemID))
}

// DeferUntil releases an item's claim and reschedules it to the end of the
// user's quiet-hours window. No retry is consumed.
func (s *NotificationService) DeferUntil(ctx context.Context, itemID string, until time.Time) error {
	return s.translateRepoErr(repo.Defer(ctx, s.DB, itemID, until))
}

// MarkRead records a read receipt on a sent item. Only in-app and push
// items track reads. A second call on an already-read item is a documented
// no-op: read_at keeps its original value and no error is returned. Any
// other state yields ErrInvalidTransition.
func (s *NotificationService) MarkRead(ctx context.Context, itemID string) error {
	tr := otel.Tracer("services/NotificationService")
	ctx, span := tr.Start(ctx, "MarkRead",
		trace.WithAttributes(attribute.String("item.id", itemID)),
	)
	defer span.End()

	item, err := repo.GetItem(ctx, s.DB, itemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrItemNotFound
		}
		return err
	}
	if !item.Channel.SupportsReadTracking() {
		return ErrInvalidTransition
	}
	already, err := repo.MarkItemRead(ctx, s.DB, itemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrInvalidTransition
		}
		return err
	}
	if already {
		log.Debug().Str("item_id", itemID).Msg("repeated read receipt, keeping original read_at")
	}
	return nil
}

// GetStatus returns the current state of a queue item.
func (s *NotificationService) GetStatus(ctx context.Context, itemID string) (*domain.NotificationItem, error) {
	item, err := repo.GetItem(ctx, s.DB, itemID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrItemNotFound
		}
		return nil, err
	}
	return item, nil
}

// ListForUser returns a page of a user's items plus the total count.
func (s *NotificationService) ListForUser(ctx context.Context, userID string, page, pageSize int) ([]domain.NotificationItem, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	total, err := repo.CountItemsByUser(ctx, s.DB, userID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.NotificationItem{}, 0, nil
	}
	items, err := repo.ListItemsByUser(ctx, s.DB, userID, (page-1)*pageSize, pageSize)
	return items, total, err
}

// backoff computes the delay before retry n (0-based): base·2^n capped at
// the configured ceiling. Strictly increasing until the cap, so each
// transient failure pushes scheduled_for further out.
func (s *NotificationService) backoff(retryCount int) time.Duration {
	base := s.Dispatch.BackoffBase
	if base <= 0 {
		base = 30 * time.Second
	}
	cap_ := s.Dispatch.BackoffCap
	if cap_ < base {
		cap_ = 30 * time.Minute
	}
	d := base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= cap_ {
			return cap_
		}
	}
	if d > cap_ {
		return cap_
	}
	return d
}

func (s *NotificationService) notifyPermanent(item *domain.NotificationItem, reason string) {
	if s.OnPermanentFailure != nil {
		s.OnPermanentFailure(item, reason)
	}
}

func (s *NotificationService) translateRepoErr(err error) error {
	if errors.Is(err, repo.ErrNotFound) {
		return ErrItemNotFound
	}
	return err
}

// renderTemplate substitutes bound variables into the template's subject and
// body. Every variable the template declares must be bound; unknown extra
// bindings are ignored. Placeholders use {{name}} syntax.
func renderTemplate(t *domain.NotificationTemplate, vars map[string]string) (subject, content string, err error) {
	for _, name := range splitVars(t.Variables) {
		if _, ok := vars[name]; !ok {
			return "", "", ErrInvalidVariables
		}
	}
	sub := func(in string) string {
		return varRE.ReplaceAllStringFunc(in, func(m string) string {
			name := strings.TrimSpace(strings.Trim(m, "{}"))
			if v, ok := vars[name]; ok {
				return v
			}
			return m
		})
	}
	return sub(t.Subject), sub(t.Body), nil
}

// splitVars parses the comma-separated declared variable list.
func splitVars(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
