// Knowledge-base HTTP handlers.
//
// This file exposes REST endpoints for article retrieval and contextual
// prompts:
//   - GET /kb/search             (ranked free-text search)
//   - GET /kb/articles/{slug}    (published article by slug)
//   - GET /suggestions           (role/context-scoped prompts)
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/campushub/go-comms-backend/internal/domain"
	"github.com/campushub/go-comms-backend/internal/repo"
	"github.com/campushub/go-comms-backend/internal/services"
	"github.com/campushub/go-comms-backend/internal/utils"
)

// SearchHitDTO is one ranked search result. The article body is omitted
// from search listings; clients fetch the full article by slug.
type SearchHitDTO struct {
	ID       string  `json:"id"`
	Slug     string  `json:"slug"`
	Title    string  `json:"title"`
	Summary  string  `json:"summary"`
	Category string  `json:"category"`
	Language string  `json:"language"`
	Score    float64 `json:"score"`
}

// SearchResponse is the JSON envelope for KB search results.
type SearchResponse struct {
	Query   string         `json:"query"`
	Results []SearchHitDTO `json:"results"`
}

// SuggestionsResponse is the JSON envelope for contextual prompts.
type SuggestionsResponse struct {
	Suggestions []domain.Suggestion `json:"suggestions"`
}

// SearchKnowledge ranks published articles against a free-text query,
// restricted to the caller's role and requested language.
func (h *Handlers) SearchKnowledge(c *gin.Context) {
	ctx := c.Request.Context()

	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "query parameter q required")
		return
	}
	lang := strings.TrimSpace(c.Query("lang"))
	k := utils.AtoiDefault(c.Query("limit"), 3)
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}

	hits, err := h.kbSvc.Search(ctx, q, userRole(c), lang, k)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	out := make([]SearchHitDTO, 0, len(hits))
	for _, hit := range hits {
		out = append(out, SearchHitDTO{
			ID:       hit.Article.ID,
			Slug:     hit.Article.Slug,
			Title:    hit.Article.Title,
			Summary:  hit.Article.Summary,
			Category: hit.Article.Category,
			Language: hit.Article.Language,
			Score:    hit.Score,
		})
	}
	ok(c, http.StatusOK, SearchResponse{Query: q, Results: out})
}

// GetArticle returns a published article by its slug.
func (h *Handlers) GetArticle(c *gin.Context) {
	ctx := c.Request.Context()
	slug := strings.TrimSpace(c.Param("slug"))
	if slug == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "slug required")
		return
	}
	a, err := h.kbSvc.GetBySlug(ctx, slug)
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "article not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	// Direct reads count as views too; buffered like conversational ones.
	if svc, isConcrete := h.kbSvc.(*services.KnowledgeService); isConcrete {
		svc.RecordView(a.ID)
	}
	ok(c, http.StatusOK, a)
}

// ListSuggestions returns the contextual prompts for the caller's role and
// current page or course context, highest weight first.
func (h *Handlers) ListSuggestions(c *gin.Context) {
	ctx := c.Request.Context()
	limit := utils.AtoiDefault(c.Query("limit"), 5)
	sugs, err := h.sugSvc.List(ctx, userRole(c), c.Query("context"), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}
	ok(c, http.StatusOK, SuggestionsResponse{Suggestions: sugs})
}
