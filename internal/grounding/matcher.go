package grounding

import (
	"regexp"
	"strings"

	"github.com/vantico/deskpilot/api/schemas"
)

// MatchStrategy names which matching rule produced a result, for logging and
// cache diagnostics.
type MatchStrategy string

const (
	StrategySemantic   MatchStrategy = "semantic"
	StrategyText       MatchStrategy = "text"
	StrategySimilarity MatchStrategy = "similarity"
	StrategyOverlap    MatchStrategy = "overlap"
)

// semanticRule pairs a query pattern with an element predicate. Rules fire
// only for interactive elements and never for debug/log-like content; they
// exist so that "the search box" finds an input even when its label text
// shares no characters with the query.
type semanticRule struct {
	name    string
	query   *regexp.Regexp
	element func(schemas.ResolvedElement) bool
}

var debugLikeText = regexp.MustCompile(`(?i)\b(debug|log|console|trace|stack|stdout|stderr)\b|error:`)

var semanticRules = []semanticRule{
	{
		name:  "search-input",
		query: regexp.MustCompile(`(?i)\b(search|find|query)\b`),
		element: func(el schemas.ResolvedElement) bool {
			return el.Type == schemas.ElementInput || containsFold(el.Text, "search")
		},
	},
	{
		name:  "text-input",
		query: regexp.MustCompile(`(?i)\b(input|text ?box|text ?field|field|form|address bar|url bar)\b`),
		element: func(el schemas.ResolvedElement) bool {
			return el.Type == schemas.ElementInput
		},
	},
}

// Match finds the cached element best matching a description. Strategies are
// tried in fixed precedence; the first one yielding at least one candidate
// wins outright. Among candidates interactive elements are preferred, and the
// first remaining candidate (provider order) is chosen deterministically.
func Match(description string, elements []schemas.ResolvedElement, similarityCutoff float64) (schemas.ResolvedElement, MatchStrategy, bool) {
	desc := strings.ToLower(strings.TrimSpace(description))
	if desc == "" || len(elements) == 0 {
		return schemas.ResolvedElement{}, "", false
	}

	for _, strat := range []struct {
		name MatchStrategy
		pick func() []schemas.ResolvedElement
	}{
		{StrategySemantic, func() []schemas.ResolvedElement { return semanticCandidates(desc, elements) }},
		{StrategyText, func() []schemas.ResolvedElement { return textCandidates(desc, elements) }},
		{StrategySimilarity, func() []schemas.ResolvedElement { return similarityCandidates(desc, elements, similarityCutoff) }},
		{StrategyOverlap, func() []schemas.ResolvedElement { return overlapCandidates(desc, elements) }},
	} {
		if candidates := strat.pick(); len(candidates) > 0 {
			return preferInteractive(candidates), strat.name, true
		}
	}
	return schemas.ResolvedElement{}, "", false
}

func semanticCandidates(desc string, elements []schemas.ResolvedElement) []schemas.ResolvedElement {
	var out []schemas.ResolvedElement
	for _, rule := range semanticRules {
		if !rule.query.MatchString(desc) {
			continue
		}
		for _, el := range elements {
			if !el.Interactive || debugLikeText.MatchString(el.Text) {
				continue
			}
			if rule.element(el) {
				out = append(out, el)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

func textCandidates(desc string, elements []schemas.ResolvedElement) []schemas.ResolvedElement {
	var exact, partial []schemas.ResolvedElement
	for _, el := range elements {
		text := strings.ToLower(strings.TrimSpace(el.Text))
		if text == "" {
			continue
		}
		switch {
		case text == desc:
			exact = append(exact, el)
		case strings.Contains(desc, text) || strings.Contains(text, desc):
			partial = append(partial, el)
		}
	}
	if len(exact) > 0 {
		return exact
	}
	return partial
}

func similarityCandidates(desc string, elements []schemas.ResolvedElement, cutoff float64) []schemas.ResolvedElement {
	var out []schemas.ResolvedElement
	for _, el := range elements {
		text := strings.ToLower(strings.TrimSpace(el.Text))
		if text == "" {
			continue
		}
		if similarity(desc, text) >= cutoff {
			out = append(out, el)
		}
	}
	return out
}

func overlapCandidates(desc string, elements []schemas.ResolvedElement) []schemas.ResolvedElement {
	queryWords := longWords(desc)
	if len(queryWords) == 0 {
		return nil
	}
	var out []schemas.ResolvedElement
	for _, el := range elements {
		elementWords := longWords(strings.ToLower(el.Text))
		for w := range queryWords {
			if elementWords[w] {
				out = append(out, el)
				break
			}
		}
	}
	return out
}

func preferInteractive(candidates []schemas.ResolvedElement) schemas.ResolvedElement {
	for _, el := range candidates {
		if el.Interactive {
			return el
		}
	}
	return candidates[0]
}

// longWords returns the set of words longer than three characters.
func longWords(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z' || 'A' <= r && r <= 'Z' || '0' <= r && r <= '9')
	}) {
		if len(w) > 3 {
			out[strings.ToLower(w)] = true
		}
	}
	return out
}

// similarity is a normalized edit-distance score in [0,1]: 1 means equal.
func similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	longest := len(a)
	if len(b) > longest {
		longest = len(b)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(a, b))/float64(longest)
}

// levenshtein computes edit distance with the two-row dynamic program.
func levenshtein(a, b string) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		cur[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(b)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
