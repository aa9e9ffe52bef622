// Package services – SuggestionService
//
// SuggestionService serves the contextual prompts shown before and during a
// conversation ("How do I get my certificate?"), filtered to the caller's
// role and current page or course context and ordered by editorial weight.
package services

import (
	"context"
	"strings"

	"gorm.io/gorm"

	"github.com/campushub/go-comms-backend/internal/domain"
	"github.com/campushub/go-comms-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SuggestionService reads and manages contextual prompts.
type SuggestionService struct {
	DB *gorm.DB

	// MaxSuggestions caps one response. Defaults to 5.
	MaxSuggestions int
}

// List returns the active prompts for a role and context, highest weight
// first. Unknown roles fall back to the anonymous set rather than erroring:
// a prompt list is decoration, not a contract.
func (s *SuggestionService) List(ctx context.Context, role domain.Role, context_ string, limit int) ([]domain.Suggestion, error) {
	tr := otel.Tracer("services/SuggestionService")
	ctx, span := tr.Start(ctx, "List",
		trace.WithAttributes(
			attribute.String("role", string(role)),
			attribute.String("context", context_),
		),
	)
	defer span.End()

	if !role.Valid() {
		role = domain.RoleAnonymous
	}
	if limit <= 0 || (s.MaxSuggestions > 0 && limit > s.MaxSuggestions) {
		limit = s.MaxSuggestions
	}
	if limit <= 0 {
		limit = 5
	}
	return repo.ListSuggestions(ctx, s.DB, role, strings.TrimSpace(context_), limit)
}

// Create registers a new prompt definition.
func (s *SuggestionService) Create(ctx context.Context, sg *domain.Suggestion) (*domain.Suggestion, error) {
	sg.Text = strings.TrimSpace(sg.Text)
	if sg.Text == "" {
		return nil, ErrEmptyMessage
	}
	if !sg.Role.Valid() {
		return nil, ErrInvalidRole
	}
	sg.Active = true
	return repo.CreateSuggestion(ctx, s.DB, sg)
}
