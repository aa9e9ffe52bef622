// Package services – KnowledgeService
//
// KnowledgeService is the retrieval layer over the knowledge base: it
// pre-filters published articles by audience role and language, ranks the
// survivors with the in-memory search index, and resolves intents to their
// triggered articles. It also owns the counter buffer: view and
// helpful/not-helpful increments accumulate in memory and are flushed to the
// store by the maintenance sweep, so the hot read path never writes.
package services

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"gorm.io/gorm"

	"golang.org/x/text/language"

	"github.com/campushub/go-comms-backend/internal/domain"
	"github.com/campushub/go-comms-backend/internal/repo"
	"github.com/campushub/go-comms-backend/internal/search"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// SearchHit pairs a ranked article with its blended relevance score.
type SearchHit struct {
	Article domain.KnowledgeArticle
	Score   float64
}

// counterDelta is the buffered, not-yet-flushed increment for one article.
type counterDelta struct {
	views      int64
	helpful    int64
	notHelpful int64
}

// KnowledgeService ranks and retrieves knowledge articles.
type KnowledgeService struct {
	DB *gorm.DB

	// FallbackLanguage is the BCP 47 tag used when no article matches the
	// requested language. Defaults to "en".
	FallbackLanguage string

	// TopK caps how many hits Search returns. Defaults to 3.
	TopK int

	mu      sync.Mutex
	pending map[string]*counterDelta
}

// NewKnowledgeService constructs a KnowledgeService with defaults.
func NewKnowledgeService(db *gorm.DB, fallbackLang string) *KnowledgeService {
	if strings.TrimSpace(fallbackLang) == "" {
		fallbackLang = "en"
	}
	return &KnowledgeService{
		DB:               db,
		FallbackLanguage: fallbackLang,
		TopK:             3,
		pending:          make(map[string]*counterDelta),
	}
}

// Search ranks published articles against a free-text query, restricted to
// the caller's role and language. When the requested language has no
// candidate articles at all, the fallback language's articles are ranked
// instead, so a user on a sparsely-translated locale still gets an answer.
func (s *KnowledgeService) Search(ctx context.Context, query string, role domain.Role, lang string, k int) ([]SearchHit, error) {
	tr := otel.Tracer("services/KnowledgeService")
	ctx, span := tr.Start(ctx, "Search",
		trace.WithAttributes(
			attribute.String("role", string(role)),
			attribute.String("lang", lang),
		),
	)
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = s.TopK
	}
	if k <= 0 {
		k = 3
	}

	candidates, err := s.candidates(ctx, role, lang)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	byID := make(map[string]domain.KnowledgeArticle, len(candidates))
	docs := make([]search.Document, 0, len(candidates))
	for _, a := range candidates {
		byID[a.ID] = a
		docs = append(docs, search.Document{
			ID:           a.ID,
			Title:        a.Title,
			Summary:      a.Summary,
			Body:         a.Body,
			Keywords:     search.SplitSet(a.Keywords),
			Tags:         search.SplitSet(a.Tags),
			HelpfulRatio: a.HelpfulRatio(),
			UpdatedAt:    a.UpdatedAt,
		})
	}

	results := search.NewIndex(docs).TopK(query, k)
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{Article: byID[r.ID], Score: r.Score})
	}
	span.SetAttributes(attribute.Int("hits", len(hits)))
	return hits, nil
}

// LookupByIntent resolves a classified intent to the best article that
// declares it as a trigger, for the caller's role and language. Among
// multiple triggered articles the most helpful wins, then the most recently
// updated. Returns (nil, nil) when no article triggers on the intent.
func (s *KnowledgeService) LookupByIntent(ctx context.Context, intent string, role domain.Role, lang string) (*domain.KnowledgeArticle, error) {
	intent = strings.ToLower(strings.TrimSpace(intent))
	if intent == "" {
		return nil, nil
	}

	candidates, err := s.candidates(ctx, role, lang)
	if err != nil {
		return nil, err
	}
	var triggered []domain.KnowledgeArticle
	for _, a := range candidates {
		if search.ContainsFold(search.SplitSet(a.IntentTriggers), intent) {
			triggered = append(triggered, a)
		}
	}
	if len(triggered) == 0 {
		return nil, nil
	}
	sort.SliceStable(triggered, func(i, j int) bool {
		ri, rj := triggered[i].HelpfulRatio(), triggered[j].HelpfulRatio()
		if ri != rj {
			return ri > rj
		}
		if !triggered[i].UpdatedAt.Equal(triggered[j].UpdatedAt) {
			return triggered[i].UpdatedAt.After(triggered[j].UpdatedAt)
		}
		return triggered[i].ID < triggered[j].ID
	})
	best := triggered[0]
	return &best, nil
}

// GetBySlug fetches a published article by its slug.
func (s *KnowledgeService) GetBySlug(ctx context.Context, slug string) (*domain.KnowledgeArticle, error) {
	a, err := repo.GetArticleBySlug(ctx, s.DB, slug)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, repo.ErrNotFound
		}
		return nil, err
	}
	if a.Status != domain.ArticlePublished {
		return nil, repo.ErrNotFound
	}
	return a, nil
}

// RecordView buffers a view increment for an article.
func (s *KnowledgeService) RecordView(articleID string) {
	s.add(articleID, 1, 0, 0)
}

// RecordFeedback buffers a helpful/not-helpful increment for an article.
func (s *KnowledgeService) RecordFeedback(articleID string, helpful bool) {
	if helpful {
		s.add(articleID, 0, 1, 0)
		return
	}
	s.add(articleID, 0, 0, 1)
}

// FlushCounters drains the buffer into the store. Articles whose write fails
// keep their deltas buffered for the next flush, so increments are never
// lost, only delayed. Returns how many articles were updated.
func (s *KnowledgeService) FlushCounters(ctx context.Context) (int, error) {
	s.mu.Lock()
	drained := s.pending
	s.pending = make(map[string]*counterDelta)
	s.mu.Unlock()

	var firstErr error
	flushed := 0
	for id, d := range drained {
		if err := repo.AddArticleCounters(ctx, s.DB, id, d.views, d.helpful, d.notHelpful); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			s.add(id, d.views, d.helpful, d.notHelpful)
			continue
		}
		flushed++
	}
	return flushed, firstErr
}

func (s *KnowledgeService) add(articleID string, views, helpful, notHelpful int64) {
	if articleID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		s.pending = make(map[string]*counterDelta)
	}
	d, ok := s.pending[articleID]
	if !ok {
		d = &counterDelta{}
		s.pending[articleID] = d
	}
	d.views += views
	d.helpful += helpful
	d.notHelpful += notHelpful
}

// candidates loads published articles visible to the role in the resolved
// language. Language resolution uses x/text matching over the languages
// actually present, so "es-MX" finds "es" articles; when nothing matches the
// requested language the fallback language's pool is used.
func (s *KnowledgeService) candidates(ctx context.Context, role domain.Role, lang string) ([]domain.KnowledgeArticle, error) {
	all, err := repo.ListPublished(ctx, s.DB)
	if err != nil {
		return nil, err
	}

	visible := all[:0:0]
	for _, a := range all {
		if roleAllowed(a.TargetRoles, role) {
			visible = append(visible, a)
		}
	}
	if len(visible) == 0 {
		return nil, nil
	}

	resolved := s.resolveLanguage(visible, lang)
	out := make([]domain.KnowledgeArticle, 0, len(visible))
	for _, a := range visible {
		if strings.EqualFold(a.Language, resolved) {
			out = append(out, a)
		}
	}
	return out, nil
}

// resolveLanguage picks which article language to serve for the requested
// tag. Preference order: best x/text match among present languages, then the
// fallback language, then whatever language the pool actually has.
func (s *KnowledgeService) resolveLanguage(pool []domain.KnowledgeArticle, requested string) string {
	present := make([]string, 0, 2)
	seen := make(map[string]struct{}, 2)
	for _, a := range pool {
		l := strings.ToLower(strings.TrimSpace(a.Language))
		if l == "" {
			continue
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		present = append(present, l)
	}
	if len(present) == 0 {
		return s.FallbackLanguage
	}
	sort.Strings(present)

	if strings.TrimSpace(requested) != "" {
		tags := make([]language.Tag, 0, len(present))
		for _, l := range present {
			if t, err := language.Parse(l); err == nil {
				tags = append(tags, t)
			}
		}
		if len(tags) > 0 {
			matcher := language.NewMatcher(tags)
			if _, idx := language.MatchStrings(matcher, requested); idx >= 0 && idx < len(present) {
				if conf := matchConfidence(tags, requested); conf > language.No {
					return present[idx]
				}
			}
		}
	}

	if _, ok := seen[strings.ToLower(s.FallbackLanguage)]; ok {
		return strings.ToLower(s.FallbackLanguage)
	}
	return present[0]
}

// matchConfidence reports how well requested matches any of tags.
func matchConfidence(tags []language.Tag, requested string) language.Confidence {
	desired, err := language.Parse(requested)
	if err != nil {
		return language.No
	}
	_, _, conf := language.NewMatcher(tags).Match(desired)
	return conf
}

// roleAllowed applies the audience gate. An empty target set means every
// role, and so does a set that names "anonymous": content open to visitors
// is open to signed-in roles too.
func roleAllowed(targetRoles string, role domain.Role) bool {
	set := search.SplitSet(targetRoles)
	if len(set) == 0 {
		return true
	}
	if search.ContainsFold(set, string(domain.RoleAnonymous)) {
		return true
	}
	return search.ContainsFold(set, string(role))
}
