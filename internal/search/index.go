// Package search provides a simple, deterministic, concurrency-safe in-memory
// ranking index over knowledge-base documents. It is intentionally small and
// dependency-free, but engineered with production-grade ergonomics:
//
//   - No logging in the library (callers decide how/what to log)
//   - Clear, documented types and functional options (Option pattern)
//   - Unicode-aware tokenization with optional stop-word removal
//   - Immutable, read-only index after construction (safe for concurrent use)
//   - Deterministic scoring and sorting (stable order for ties)
//
// Scoring blends free-text relevance with curated-term matches: the
// free-text part is Jaccard similarity between the query token set and the
// document's text tokens, and the curated part is the fraction of query
// tokens that hit the document's keyword/tag set. Curated hits dominate
// (editors tag articles precisely; prose wording varies), and ties break by
// helpful ratio, then recency, then ID.
package search

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// Document is the indexable projection of a knowledge article. The caller
// pre-filters documents (publication status, audience role, language) before
// building an index; the index only ranks.
type Document struct {
	ID           string
	Title        string
	Summary      string
	Body         string
	Keywords     []string
	Tags         []string
	HelpfulRatio float64
	UpdatedAt    time.Time
}

// Result is a ranked document reference with its blended score.
type Result struct {
	ID    string
	Score float64
}

// Index is the minimal interface implemented by all ranking indices.
type Index interface {
	TopK(query string, k int) []Result
}

// Option configures index construction.
type Option func(*config)

type config struct {
	stopwords     map[string]struct{}
	textWeight    float64
	curatedWeight float64
}

func defaultConfig() config {
	return config{
		stopwords:     defaultStopwords,
		textWeight:    0.4,
		curatedWeight: 0.6,
	}
}

// WithStopwords replaces the default stop-word set.
func WithStopwords(words []string) Option {
	return func(c *config) {
		m := make(map[string]struct{}, len(words))
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w != "" {
				m[w] = struct{}{}
			}
		}
		if len(m) > 0 {
			c.stopwords = m
		}
	}
}

// WithWeights adjusts how the free-text and curated-term components blend.
// Non-positive values keep the defaults.
func WithWeights(text, curated float64) Option {
	return func(c *config) {
		if text > 0 && curated > 0 {
			c.textWeight = text
			c.curatedWeight = curated
		}
	}
}

// ----------------------------------------------------------------------------
// Implementation

type doc struct {
	id           string
	textTokens   map[string]struct{}
	curatedSet   map[string]struct{}
	helpfulRatio float64
	updatedAt    time.Time
}

type index struct {
	cfg  config
	docs []doc
}

// NewIndex builds a ranking index over the given documents.
func NewIndex(documents []Document, opts ...Option) Index {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	docs := make([]doc, 0, len(documents))
	for _, d := range documents {
		text := d.Title + " " + d.Summary + " " + d.Body
		toks := Tokenize(text, cfg.stopwords)
		curated := make(map[string]struct{}, len(d.Keywords)+len(d.Tags))
		for _, k := range d.Keywords {
			for t := range Tokenize(k, nil) {
				curated[t] = struct{}{}
			}
		}
		for _, t := range d.Tags {
			for tok := range Tokenize(t, nil) {
				curated[tok] = struct{}{}
			}
		}
		if len(toks) == 0 && len(curated) == 0 {
			continue
		}
		docs = append(docs, doc{
			id:           d.ID,
			textTokens:   toks,
			curatedSet:   curated,
			helpfulRatio: d.HelpfulRatio,
			updatedAt:    d.UpdatedAt,
		})
	}
	return &index{cfg: cfg, docs: docs}
}

// TopK returns up to k best-matching documents. Documents with no overlap at
// all are excluded; an empty query yields nil.
func (i *index) TopK(q string, k int) []Result {
	if len(i.docs) == 0 || strings.TrimSpace(q) == "" {
		return nil
	}
	if k <= 0 {
		k = 3
	}
	qTokens := Tokenize(q, i.cfg.stopwords)
	if len(qTokens) == 0 {
		// Query was all stop words; fall back to raw tokens so short
		// queries like "how to" still match something.
		qTokens = Tokenize(q, nil)
	}
	if len(qTokens) == 0 {
		return nil
	}
	qLen := len(qTokens)

	type scored struct {
		d     doc
		score float64
	}
	buf := make([]scored, 0, len(i.docs))
	for _, d := range i.docs {
		textOver := overlap(qTokens, d.textTokens)
		curatedOver := overlap(qTokens, d.curatedSet)
		if textOver == 0 && curatedOver == 0 {
			continue
		}

		var textScore float64
		if union := qLen + len(d.textTokens) - textOver; union > 0 {
			textScore = float64(textOver) / float64(union)
		}
		var curatedScore float64
		if qLen > 0 {
			curatedScore = float64(curatedOver) / float64(qLen)
		}
		score := i.cfg.textWeight*textScore + i.cfg.curatedWeight*curatedScore
		if score <= 0 {
			continue
		}
		buf = append(buf, scored{d: d, score: score})
	}
	if len(buf) == 0 {
		return nil
	}

	sort.SliceStable(buf, func(a, b int) bool {
		if buf[a].score != buf[b].score {
			return buf[a].score > buf[b].score
		}
		if buf[a].d.helpfulRatio != buf[b].d.helpfulRatio {
			return buf[a].d.helpfulRatio > buf[b].d.helpfulRatio
		}
		if !buf[a].d.updatedAt.Equal(buf[b].d.updatedAt) {
			return buf[a].d.updatedAt.After(buf[b].d.updatedAt)
		}
		return buf[a].d.id < buf[b].d.id
	})

	if k > len(buf) {
		k = len(buf)
	}
	out := make([]Result, k)
	for n := 0; n < k; n++ {
		out[n] = Result{ID: buf[n].d.id, Score: buf[n].score}
	}
	return out
}

// ----------------------------------------------------------------------------
// Helpers

var wordRE = regexp.MustCompile(`\p{L}+\p{N}*`)

// Tokenize lowercases s and returns its unique word tokens, dropping any in
// stop (which may be nil).
func Tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	s = strings.ToLower(s)
	words := wordRE.FindAllString(s, -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if w == "" {
			continue
		}
		if stop != nil {
			if _, skip := stop[w]; skip {
				continue
			}
		}
		out[w] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := 0
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}
