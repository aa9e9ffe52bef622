// Package classify defines the intent-classification contract consumed by
// the conversation engine, plus a deterministic keyword-rule implementation
// suitable for self-hosted deployments and tests. A managed NLU provider can
// be swapped in behind the same interface; the conversation engine treats a
// classifier failure as a degraded (fallback) path, never a hard error.
package classify

import (
	"context"
	"sort"
	"strings"

	"github.com/campushub/go-comms-backend/internal/search"
)

// IntentRequestHuman is the intent name that always escalates, regardless of
// confidence.
const IntentRequestHuman = "request_human"

// Classifier maps free text to a normalized intent label with a confidence
// score in [0,1].
type Classifier interface {
	Classify(ctx context.Context, text, conversationContext string) (intent string, confidence float64, err error)
}

// Rule binds an intent name to its trigger phrases. A phrase with multiple
// words matches as a substring; single words match as whole tokens.
type Rule struct {
	Intent  string
	Phrases []string
}

// KeywordClassifier is a rule-table classifier. Confidence is the fraction
// of the best rule's phrases found in the input, boosted when a multi-word
// phrase matches exactly. It is stateless and safe for concurrent use.
type KeywordClassifier struct {
	rules []compiledRule
}

type compiledRule struct {
	intent  string
	phrases []string // lowercased; multi-word entries substring-match
	words   map[string]struct{}
}

// NewKeywordClassifier compiles the given rules. Rule order is preserved for
// deterministic tie-breaking.
func NewKeywordClassifier(rules []Rule) *KeywordClassifier {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		cr := compiledRule{intent: r.Intent, words: make(map[string]struct{})}
		for _, p := range r.Phrases {
			p = strings.ToLower(strings.TrimSpace(p))
			if p == "" {
				continue
			}
			if strings.ContainsRune(p, ' ') {
				cr.phrases = append(cr.phrases, p)
			} else {
				cr.words[p] = struct{}{}
			}
		}
		if len(cr.phrases) > 0 || len(cr.words) > 0 {
			compiled = append(compiled, cr)
		}
	}
	return &KeywordClassifier{rules: compiled}
}

// DefaultRules covers the platform's common support intents. Deployments
// extend or replace this table via configuration.
func DefaultRules() []Rule {
	return []Rule{
		{Intent: IntentRequestHuman, Phrases: []string{
			"human", "agent", "person", "representative", "talk to someone",
			"speak to a human", "real person",
		}},
		{Intent: "get_certificate", Phrases: []string{
			"certificate", "certificado", "diploma", "credential",
		}},
		{Intent: "course_access", Phrases: []string{
			"enroll", "enrollment", "access course", "join course", "locked",
		}},
		{Intent: "billing", Phrases: []string{
			"payment", "refund", "invoice", "charge", "billing", "pago",
		}},
		{Intent: "technical_issue", Phrases: []string{
			"error", "bug", "broken", "crash", "not working", "video won't play",
		}},
		{Intent: "account", Phrases: []string{
			"password", "login", "sign in", "email change", "account",
		}},
	}
}

// Classify scores every rule against the text and returns the best match.
// When nothing matches it returns ("", 0, nil): an unknown intent with zero
// confidence, which the conversation engine resolves through free-text
// search and the fallback path.
func (k *KeywordClassifier) Classify(_ context.Context, text, _ string) (string, float64, error) {
	lower := strings.ToLower(text)
	tokens := search.Tokenize(lower, nil)
	if len(tokens) == 0 {
		return "", 0, nil
	}

	type match struct {
		intent string
		score  float64
		order  int
	}
	var matches []match
	for i, r := range k.rules {
		hits := 0
		total := len(r.phrases) + len(r.words)
		phraseHit := false
		for _, p := range r.phrases {
			if strings.Contains(lower, p) {
				hits++
				phraseHit = true
			}
		}
		for w := range r.words {
			if _, ok := tokens[w]; ok {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		score := float64(hits) / float64(total)
		// An exact multi-word phrase is a stronger signal than scattered
		// word hits.
		if phraseHit {
			score += 0.4
		}
		// A single word hit is already meaningful for tightly-scoped rules.
		if score < 0.6 && hits >= 1 {
			score = 0.6
		}
		if score > 1 {
			score = 1
		}
		matches = append(matches, match{intent: r.intent, score: score, order: i})
	}
	if len(matches) == 0 {
		return "", 0, nil
	}
	sort.SliceStable(matches, func(a, b int) bool {
		if matches[a].score != matches[b].score {
			return matches[a].score > matches[b].score
		}
		return matches[a].order < matches[b].order
	})
	return matches[0].intent, matches[0].score, nil
}
