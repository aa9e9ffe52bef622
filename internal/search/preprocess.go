package search

import "strings"

// defaultStopwords covers the high-frequency function words of the
// platform's two supported UI languages. Dropping them keeps Jaccard scores
// focused on content-bearing tokens; queries that consist entirely of stop
// words fall back to raw tokens in TopK.
var defaultStopwords = buildStopwords(
	// English
	"the", "a", "an", "and", "or", "of", "to", "in", "is", "are", "for",
	"on", "with", "by", "from", "at", "as", "that", "this", "it", "be",
	"was", "were", "how", "do", "does", "what", "which", "can", "i", "my",
	"me", "you", "your",
	// Spanish
	"el", "la", "los", "las", "un", "una", "unos", "unas", "y", "o", "de",
	"del", "al", "en", "es", "son", "para", "por", "con", "que", "como",
	"cómo", "qué", "mi", "mis", "tu", "tus", "se", "lo", "su", "sus",
)

func buildStopwords(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[strings.ToLower(w)] = struct{}{}
	}
	return m
}

// SplitSet parses a comma-separated set column (tags, keywords, intent
// triggers, target roles) into trimmed, lowercased, de-duplicated members.
// Empty input yields nil.
func SplitSet(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.ToLower(strings.TrimSpace(p))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// ContainsFold reports whether set (already lowercased, as produced by
// SplitSet) contains member, case-insensitively.
func ContainsFold(set []string, member string) bool {
	member = strings.ToLower(strings.TrimSpace(member))
	for _, s := range set {
		if s == member {
			return true
		}
	}
	return false
}
