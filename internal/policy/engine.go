// Package policy vets every proposed action against the session history
// before dispatch. It never decides what to do next; it only blocks, rewrites
// or terminates proposals that the history shows cannot work.
package policy

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/vantico/deskpilot/api/schemas"
	"github.com/vantico/deskpilot/internal/config"
	"github.com/vantico/deskpilot/internal/session"
)

// VerdictKind classifies the outcome of a policy check.
type VerdictKind string

const (
	// Allowed passes the proposed action through unchanged.
	Allowed VerdictKind = "allowed"
	// Rejected blocks the proposal; Reason is fed back to the decision model.
	Rejected VerdictKind = "rejected"
	// Substituted replaces the proposal with a corrective action.
	Substituted VerdictKind = "substituted"
	// ForceEnd terminates the session with a failure outcome.
	ForceEnd VerdictKind = "force_end"
)

// Verdict is the result of evaluating one proposed action.
type Verdict struct {
	Kind   VerdictKind
	Action schemas.Action // the action to dispatch (original, substitute, or end)
	Rule   string
	Reason string
}

// inputLikeTarget matches click targets that describe a text-entry control.
// Clicks on these are handled by the post-resolution review instead of the
// repeat rule, since a stuck input click usually means an overlay is in the
// way and dismissing it beats refusing the click.
var inputLikeTarget = regexp.MustCompile(`(?i)\b(search|input|box|field|bar|form|text ?area|type|enter)\b`)

// Engine applies the action rules. All thresholds come from configuration.
type Engine struct {
	cfg    config.PolicyConfig
	logger *zap.Logger
}

// NewEngine builds the policy engine.
func NewEngine(cfg config.PolicyConfig, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, logger: logger.Named("policy")}
}

// Evaluate vets a proposed action before grounding resolution. Rules fire in
// order; the first one to fire decides the verdict.
func (e *Engine) Evaluate(s *session.Session, a schemas.Action) Verdict {
	if v, fired := e.checkAppSwitchLoop(s, a); fired {
		return v
	}

	switch act := a.(type) {
	case schemas.TypeText:
		if v, fired := e.checkTypingWithoutFocus(s); fired {
			return v
		}
		if v, fired := e.checkRepeatedText(s, act); fired {
			return v
		}
	case schemas.ClickDescription:
		if inputLikeTarget.MatchString(act.Target) {
			// Deferred to ReviewResolved once coordinates are known.
			return Verdict{Kind: Allowed, Action: a}
		}
	}

	if v, fired := e.checkRepeatLoop(s, a); fired {
		return v
	}

	return Verdict{Kind: Allowed, Action: a}
}

// checkAppSwitchLoop terminates the session when two consecutive proposals
// both transfer focus between applications. Bouncing between apps without
// doing anything in either is unrecoverable by more retries.
func (e *Engine) checkAppSwitchLoop(s *session.Session, a schemas.Action) (Verdict, bool) {
	if !schemas.IsAppSwitch(a) || !s.LastAppSwitch {
		return Verdict{}, false
	}
	reason := "consecutive application switches with no intervening work; the agent is bouncing between apps"
	e.logger.Warn("Forcing session end on app-switch loop",
		zap.String("session", s.Key.String()),
		zap.Int("iteration", s.Iteration))
	return Verdict{
		Kind: ForceEnd,
		Action: schemas.End{
			Success:   false,
			Summary:   "Stopped: " + reason + ".",
			Reasoning: reason,
		},
		Rule:   "app_switch_loop",
		Reason: reason,
	}, true
}

// checkTypingWithoutFocus rejects typing unless a resolved click has landed
// since the last navigation. Text sent without a focused target goes nowhere,
// so an empty history rejects too.
func (e *Engine) checkTypingWithoutFocus(s *session.Session) (Verdict, bool) {
	for i := len(s.History) - 1; i >= 0; i-- {
		entry := s.History[i]
		switch entry.Kind {
		case string(schemas.KindNavigate):
			return typeWithoutFocusVerdict(), true
		case string(schemas.KindClickCoordinates), string(schemas.KindClickDescription):
			if entry.X != 0 || entry.Y != 0 {
				return Verdict{}, false
			}
		}
	}
	return typeWithoutFocusVerdict(), true
}

func typeWithoutFocusVerdict() Verdict {
	return Verdict{
		Kind:   Rejected,
		Rule:   "type_without_focus",
		Reason: "no input has been clicked yet; click the target field before typing",
	}
}

// checkRepeatedText rejects re-sending text that was already typed within the
// repeat window.
func (e *Engine) checkRepeatedText(s *session.Session, act schemas.TypeText) (Verdict, bool) {
	for _, entry := range s.RecentActions(e.cfg.RepeatWindow) {
		if entry.Kind == string(schemas.KindTypeText) && entry.Text == act.Text {
			return Verdict{
				Kind:   Rejected,
				Rule:   "repeated_text",
				Reason: "this exact text was already typed recently; do not send it again, verify the field content instead",
			}, true
		}
	}
	return Verdict{}, false
}

// checkRepeatLoop rejects an action that has already been dispatched at least
// the threshold number of times within the window while the screen stayed
// still. A static screen under repetition means something is absorbing the
// input, usually a dialog or overlay.
func (e *Engine) checkRepeatLoop(s *session.Session, a schemas.Action) (Verdict, bool) {
	if s.UnchangedCount < e.cfg.UnchangedThreshold {
		return Verdict{}, false
	}
	sig := actionSignature(session.EntryFor(a, "", s.LastActive))
	count := 0
	for _, entry := range s.RecentActions(e.cfg.RepeatWindow) {
		if actionSignature(entry) == sig {
			count++
		}
	}
	if count < e.cfg.RepeatThreshold {
		return Verdict{}, false
	}
	e.logger.Warn("Rejecting repeated action on unchanged screen",
		zap.String("session", s.Key.String()),
		zap.String("action", sig),
		zap.Int("repeats", count),
		zap.Int("unchanged", s.UnchangedCount))
	return Verdict{
		Kind: Rejected,
		Rule: "repeat_loop",
		Reason: fmt.Sprintf(
			"the action %q was repeated %d times while the screen did not change; a dialog or overlay may be blocking it, dismiss it or take a different approach",
			sig, count),
	}, true
}

// ReviewResolved re-checks a description click after grounding has pinned it
// to coordinates. When the same target keeps resolving to the same point on a
// frozen screen, the click is landing on something that swallows it; a
// dismiss keystroke is substituted instead of clicking again.
func (e *Engine) ReviewResolved(s *session.Session, act schemas.ClickDescription, x, y int) (schemas.Action, bool) {
	if s.UnchangedCount < e.cfg.UnchangedThreshold || !inputLikeTarget.MatchString(act.Target) {
		return nil, false
	}
	prior := 0
	for _, entry := range s.RecentActions(e.cfg.RepeatWindow) {
		if entry.Kind == string(schemas.KindClickDescription) &&
			strings.EqualFold(entry.Target, act.Target) &&
			entry.X == x && entry.Y == y {
			prior++
		}
	}
	if prior+1 < e.cfg.StuckClickCount {
		return nil, false
	}
	e.logger.Info("Substituting dismiss keystroke for stuck input click",
		zap.String("session", s.Key.String()),
		zap.String("target", act.Target),
		zap.Int("prior_clicks", prior))
	return schemas.PressKey{
		Key:       "escape",
		Reasoning: fmt.Sprintf("clicking %q repeatedly had no effect; dismissing a likely overlay first", act.Target),
	}, true
}

// actionSignature flattens a history row into an identity string so that two
// proposals of the same concrete action compare equal. Coordinates count only
// for coordinate clicks: a description click is re-grounded on every turn, so
// its recorded coordinates are resolution output, not part of the proposal.
func actionSignature(e session.HistoryEntry) string {
	parts := []string{e.Kind, e.Target, e.Text, e.Key, e.URL}
	if e.Kind == string(schemas.KindClickCoordinates) {
		parts = append(parts, fmt.Sprintf("%d,%d", e.X, e.Y))
	}
	return strings.Join(parts, "|")
}
