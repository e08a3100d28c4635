package worker

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

var fold = cases.Fold()

// stopwords are dropped from keyword extraction.
var stopwords = map[string]bool{
	"about": true, "after": true, "also": true, "and": true, "that": true,
	"their": true, "them": true, "then": true, "there": true, "these": true,
	"they": true, "this": true, "with": true, "from": true, "have": true,
	"into": true, "need": true, "needs": true, "please": true, "should": true,
	"some": true, "what": true, "when": true, "which": true, "will": true,
	"would": true, "write": true, "draft": true, "include": true, "for": true,
	"the": true, "our": true, "your": true, "make": true, "must": true,
}

// keywords returns the case-folded content words of s in first-seen order.
func keywords(s string) []string {
	words := strings.FieldsFunc(fold.String(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	seen := make(map[string]bool, len(words))
	out := []string{}
	for _, w := range words {
		w = strings.Trim(w, "-")
		if len(w) < 4 || stopwords[w] || seen[w] {
			continue
		}
		seen[w] = true
		out = append(out, w)
	}
	return out
}

// mentions reports whether text contains any keyword of phrase.
func mentions(text, phrase string) bool {
	folded := fold.String(text)
	for _, kw := range keywords(phrase) {
		if strings.Contains(folded, kw) {
			return true
		}
	}
	return false
}
