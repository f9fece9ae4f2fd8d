package protocol

import (
	"regexp"

	"github.com/vantico/deskpilot/api/schemas"
)

// clarifyRule detects an under-specified goal that no amount of screen
// parsing can repair. Each rule maps to exactly one canonical question so a
// given goal never produces more than one round trip.
type clarifyRule struct {
	name     string
	pattern  *regexp.Regexp
	applies  func(*schemas.SessionContext) bool
	question string
}

// pronounGoal matches imperative goals whose only object is a pronoun, such
// as "click it" or "open that". Without an active application to anchor the
// referent, the pronoun is unresolvable.
var pronounGoal = regexp.MustCompile(`(?i)^\s*(click|press|tap|open|close|select|go to|goto|go)\s+(on\s+)?(it|that|this|there|them|those)\s*[.!?]?\s*$`)

var clarifyRules = []clarifyRule{
	{
		name:    "pronoun_without_context",
		pattern: pronounGoal,
		applies: func(c *schemas.SessionContext) bool {
			return c == nil || c.ActiveApp == ""
		},
		question: "The goal refers to something by pronoun only, and no active application was reported. What exactly should I interact with?",
	},
}

// ClarifyGoal returns the single clarification question for a goal, if one is
// needed. The first matching rule wins.
func ClarifyGoal(goal string, sctx *schemas.SessionContext) (string, bool) {
	for _, rule := range clarifyRules {
		if rule.pattern.MatchString(goal) && rule.applies(sctx) {
			return rule.question, true
		}
	}
	return "", false
}
