package bearmemori

import "strings"

// stopWords are common English words stripped from search queries.
// Matching any of these would flood the result set with noise.
var stopWords = map[string]struct{}{}

func init() {
	for _, w := range []string{
		"a", "about", "all", "am", "an", "and", "any", "are", "as", "at",
		"be", "been", "but", "by", "can", "did", "do", "for", "from",
		"had", "has", "have", "he", "her", "his", "how", "i", "if", "in",
		"is", "it", "its", "me", "my", "no", "not", "of", "on", "or",
		"our", "she", "so", "that", "the", "their", "them", "then",
		"there", "they", "this", "to", "was", "we", "were", "what",
		"when", "which", "who", "will", "with", "would", "you", "your",
	} {
		stopWords[w] = struct{}{}
	}
}

// BuildMatchQuery turns raw user input into an FTS5 MATCH expression:
// tokens split on whitespace, stop words dropped, each survivor quoted,
// joined with OR. Returns "" when nothing searchable remains; callers
// must not run an empty match against the index.
func BuildMatchQuery(raw string) string {
	var quoted []string
	for _, tok := range strings.Fields(raw) {
		tok = strings.ToLower(tok)
		if _, skip := stopWords[tok]; skip {
			continue
		}
		// Embedded quotes double inside an FTS5 string literal.
		tok = strings.ReplaceAll(tok, `"`, `""`)
		quoted = append(quoted, `"`+tok+`"`)
	}
	return strings.Join(quoted, " OR ")
}
