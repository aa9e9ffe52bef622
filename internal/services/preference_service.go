// Package services – PreferenceService
//
// PreferenceService owns the delivery gate: per-user per-channel opt-in and
// quiet hours evaluated in the user's stored timezone. Dispatch workers
// consult Evaluate on every claimed item before it reaches a sender, so a
// disabled channel suppresses delivery and a quiet-hours window defers it.
// In-app notifications bypass quiet hours: they sit in the bell icon rather
// than interrupting anyone.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/campushub/go-comms-backend/internal/domain"
	"github.com/campushub/go-comms-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// GateDecision is the outcome of the pre-send preference check.
type GateDecision int

const (
	// GateDeliver means the item may proceed to the sender now.
	GateDeliver GateDecision = iota
	// GateSuppress means the channel is disabled; the item terminates
	// without ever reaching a sender.
	GateSuppress
	// GateDefer means quiet hours are in effect; the item reschedules to
	// the window's end without consuming a retry.
	GateDefer
)

// PreferenceService reads and mutates user notification preferences.
type PreferenceService struct {
	DB *gorm.DB
}

// Get returns the user's preferences, creating the all-enabled default row
// on first reference.
func (s *PreferenceService) Get(ctx context.Context, userID string) (*domain.UserNotificationPreference, error) {
	tr := otel.Tracer("services/PreferenceService")
	ctx, span := tr.Start(ctx, "Get",
		trace.WithAttributes(attribute.String("user.id", userID)),
	)
	defer span.End()

	return repo.GetOrCreatePreference(ctx, s.DB, userID)
}

// Update validates and persists explicit preference changes. Quiet-hours
// bounds must both be present or both absent; the timezone must resolve.
func (s *PreferenceService) Update(ctx context.Context, p *domain.UserNotificationPreference) error {
	tr := otel.Tracer("services/PreferenceService")
	ctx, span := tr.Start(ctx, "Update",
		trace.WithAttributes(attribute.String("user.id", p.UserID)),
	)
	defer span.End()

	if err := validateQuietHours(p.QuietHoursStart, p.QuietHoursEnd); err != nil {
		return err
	}
	if strings.TrimSpace(p.Timezone) == "" {
		p.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(p.Timezone); err != nil {
		return fmt.Errorf("%w: unknown timezone %q", ErrInvalidPreference, p.Timezone)
	}

	// Ensure the row exists so updates on a never-seen user still stick.
	if _, err := repo.GetOrCreatePreference(ctx, s.DB, p.UserID); err != nil {
		return err
	}
	err := repo.UpdatePreference(ctx, s.DB, p)
	if errors.Is(err, repo.ErrNotFound) {
		return ErrItemNotFound
	}
	return err
}

// Evaluate runs the delivery gate for one claimed item at the given instant.
// For GateDefer, deferUntil is the end of the user's quiet-hours window
// converted back to UTC.
func (s *PreferenceService) Evaluate(ctx context.Context, item *domain.NotificationItem, at time.Time) (GateDecision, time.Time, error) {
	pref, err := repo.GetOrCreatePreference(ctx, s.DB, item.UserID)
	if err != nil {
		return GateDeliver, time.Time{}, err
	}
	if !pref.ChannelEnabled(item.Channel) {
		return GateSuppress, time.Time{}, nil
	}
	if item.Channel == domain.ChannelInApp {
		return GateDeliver, time.Time{}, nil
	}
	inQuiet, end := quietWindow(pref, at)
	if inQuiet {
		return GateDefer, end, nil
	}
	return GateDeliver, time.Time{}, nil
}

// quietWindow reports whether at falls inside the user's quiet hours and,
// if so, when the window ends (in UTC). Windows may wrap midnight: a
// 22:00–07:00 window covers late evening and early morning. A malformed or
// unresolvable configuration fails open: better a nighttime notification
// than none at all.
func quietWindow(pref *domain.UserNotificationPreference, at time.Time) (bool, time.Time) {
	if pref.QuietHoursStart == "" || pref.QuietHoursEnd == "" {
		return false, time.Time{}
	}
	loc, err := time.LoadLocation(pref.Timezone)
	if err != nil {
		return false, time.Time{}
	}
	startH, startM, ok1 := parseClock(pref.QuietHoursStart)
	endH, endM, ok2 := parseClock(pref.QuietHoursEnd)
	if !ok1 || !ok2 {
		return false, time.Time{}
	}

	local := at.In(loc)
	y, mo, d := local.Date()
	start := time.Date(y, mo, d, startH, startM, 0, 0, loc)
	end := time.Date(y, mo, d, endH, endM, 0, 0, loc)

	if start.Equal(end) {
		return false, time.Time{}
	}
	if start.Before(end) {
		// same-day window, e.g. 13:00–15:00
		if !local.Before(start) && local.Before(end) {
			return true, end.UTC()
		}
		return false, time.Time{}
	}
	// wrapping window, e.g. 22:00–07:00
	if !local.Before(start) {
		return true, end.Add(24 * time.Hour).UTC()
	}
	if local.Before(end) {
		return true, end.UTC()
	}
	return false, time.Time{}
}

// parseClock parses "HH:MM" (24-hour).
func parseClock(s string) (hour, minute int, ok bool) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, false
	}
	return t.Hour(), t.Minute(), true
}

func validateQuietHours(start, end string) error {
	start, end = strings.TrimSpace(start), strings.TrimSpace(end)
	if start == "" && end == "" {
		return nil
	}
	if start == "" || end == "" {
		return fmt.Errorf("%w: quiet hours need both start and end", ErrInvalidPreference)
	}
	if _, _, ok := parseClock(start); !ok {
		return fmt.Errorf("%w: bad quiet_hours_start %q", ErrInvalidPreference, start)
	}
	if _, _, ok := parseClock(end); !ok {
		return fmt.Errorf("%w: bad quiet_hours_end %q", ErrInvalidPreference, end)
	}
	return nil
}
