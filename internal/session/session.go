// Package session holds the durable per-session state of the agent and the
// keyed store it lives in. Sessions survive channel disconnects: the key is
// always derived from user and session identifiers carried in the message
// context, never from channel identity.
package session

import (
	"fmt"
	"time"

	"github.com/vantico/deskpilot/api/schemas"
)

// Key identifies a session across reconnects.
type Key struct {
	UserID    string
	SessionID string
}

// KeyFrom derives the session key from a message context.
func KeyFrom(ctx *schemas.SessionContext) Key {
	return Key{UserID: ctx.UserID, SessionID: ctx.SessionID}
}

func (k Key) String() string {
	return k.UserID + ":" + k.SessionID
}

// Pseudo-kinds of history entries that are not dispatched actions. They feed
// decision prompts but are invisible to repeat-detection scans.
const (
	EntryGoal = "goal"
	EntryNote = "note"
)

// HistoryEntry is one row of a session's ordered action history, flattened so
// the policy engine can match on identity without decoding payloads.
type HistoryEntry struct {
	Kind     string    `json:"kind"`
	Summary  string    `json:"summary,omitempty"`
	Target   string    `json:"target,omitempty"`
	Text     string    `json:"text,omitempty"`
	Key      string    `json:"key,omitempty"`
	URL      string    `json:"url,omitempty"`
	X        int       `json:"x,omitempty"`
	Y        int       `json:"y,omitempty"`
	Provider string    `json:"provider,omitempty"`
	At       time.Time `json:"at"`
}

// EntryFor flattens a dispatched action into its history row.
func EntryFor(a schemas.Action, provider string, at time.Time) HistoryEntry {
	e := HistoryEntry{Kind: string(a.Kind()), Provider: provider, At: at}
	switch v := a.(type) {
	case schemas.Navigate:
		e.URL = v.URL
		e.Summary = "navigate " + v.URL
	case schemas.ClickCoordinates:
		e.X, e.Y = v.X, v.Y
		e.Summary = fmt.Sprintf("click (%d,%d)", v.X, v.Y)
	case schemas.ClickDescription:
		e.Target = v.Target
		e.X, e.Y = v.X, v.Y
		e.Summary = "click " + v.Target
	case schemas.TypeText:
		e.Text = v.Text
		e.Summary = "type text"
	case schemas.PressKey:
		e.Key = v.Key
		e.Summary = "press " + v.Key
	case schemas.Drag:
		e.Summary = fmt.Sprintf("drag (%d,%d)->(%d,%d)", v.FromX, v.FromY, v.ToX, v.ToY)
	case schemas.Wait:
		e.Summary = fmt.Sprintf("wait %dms", v.DurationMS)
	case schemas.Capture:
		e.Summary = "capture"
	case schemas.Log:
		e.Summary = "log: " + v.Message
	case schemas.End:
		e.Summary = "end"
	}
	return e
}

// Session is the mutable state of one automation session. It is mutated only
// by the protocol handler and the policy engine; per-session processing is
// single-threaded so no internal locking is needed.
type Session struct {
	Key                   Key                       `json:"key"`
	Goal                  string                    `json:"goal"`
	Iteration             int                       `json:"iteration"`
	MaxIterations         int                       `json:"max_iterations"`
	ProviderOrder         []string                  `json:"provider_order,omitempty"`
	History               []HistoryEntry            `json:"history"`
	ClarificationAnswers  map[string]string         `json:"clarification_answers,omitempty"`
	Milestones            map[string]bool           `json:"milestones,omitempty"`
	Plan                  *schemas.Plan             `json:"plan,omitempty"`
	LastFingerprint       string                    `json:"last_fingerprint,omitempty"`
	UnchangedCount        int                       `json:"unchanged_count"`
	CachedElements        []schemas.ResolvedElement `json:"-"`
	AwaitingClarification bool                      `json:"awaiting_clarification"`
	PendingQuestion       string                    `json:"pending_question,omitempty"`
	Canceled              bool                      `json:"canceled"`
	LastAppSwitch         bool                      `json:"last_app_switch"`
	CreatedAt             time.Time                 `json:"created_at"`
	LastActive            time.Time                 `json:"last_active"`
}

// New creates a fresh session.
func New(key Key, goal string, maxIterations int, now time.Time) *Session {
	return &Session{
		Key:                  key,
		Goal:                 goal,
		MaxIterations:        maxIterations,
		ClarificationAnswers: make(map[string]string),
		Milestones:           make(map[string]bool),
		CreatedAt:            now,
		LastActive:           now,
	}
}

// RecordGoal appends a goal statement to the history.
func (s *Session) RecordGoal(goal string, now time.Time) {
	s.Goal = goal
	s.History = append(s.History, HistoryEntry{Kind: EntryGoal, Summary: goal, At: now})
}

// RecordNote appends an observation (an actuator failure, a policy rejection)
// to the history without counting as a dispatched action.
func (s *Session) RecordNote(text string, now time.Time) {
	s.History = append(s.History, HistoryEntry{Kind: EntryNote, Summary: text, At: now})
}

// RecordAction appends a dispatched action to the history, trimming the
// oldest rows beyond limit. Limit zero means unbounded.
func (s *Session) RecordAction(a schemas.Action, provider string, now time.Time, limit int) {
	s.History = append(s.History, EntryFor(a, provider, now))
	if limit > 0 && len(s.History) > limit {
		s.History = s.History[len(s.History)-limit:]
	}
	s.LastAppSwitch = schemas.IsAppSwitch(a)
}

// RecentActions returns up to n most recent action rows, newest last. Goal
// rows are skipped.
func (s *Session) RecentActions(n int) []HistoryEntry {
	out := make([]HistoryEntry, 0, n)
	for i := len(s.History) - 1; i >= 0 && len(out) < n; i-- {
		if s.History[i].Kind == EntryGoal || s.History[i].Kind == EntryNote {
			continue
		}
		out = append(out, s.History[i])
	}
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// HistoryLines renders the last n history rows, notes included, as prompt
// lines, oldest first.
func (s *Session) HistoryLines(n int) []string {
	start := len(s.History) - n
	if start < 0 {
		start = 0
	}
	lines := make([]string, 0, len(s.History)-start)
	for _, entry := range s.History[start:] {
		lines = append(lines, entry.Summary)
	}
	return lines
}

// ObserveFingerprint compares a fresh capture fingerprint against the
// previous one, maintaining the unchanged counter. Returns whether the UI
// changed. The cached element list is dropped when the screen moved on.
func (s *Session) ObserveFingerprint(fp string) bool {
	changed := fp != s.LastFingerprint
	if changed {
		s.UnchangedCount = 0
		s.CachedElements = nil
	} else {
		s.UnchangedCount++
	}
	s.LastFingerprint = fp
	return changed
}

// Touch bumps the idle-expiry clock.
func (s *Session) Touch(now time.Time) {
	s.LastActive = now
}
