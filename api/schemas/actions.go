package schemas

import (
	"fmt"
	"strings"

	json "github.com/json-iterator/go"
)

// ActionKind enumerates every action the decision model may propose. The set
// is closed: DecodeAction rejects anything outside it.
type ActionKind string

const (
	KindNavigate         ActionKind = "navigate"
	KindClickCoordinates ActionKind = "click_coordinates"
	KindClickDescription ActionKind = "click_description"
	KindTypeText         ActionKind = "type_text"
	KindPressKey         ActionKind = "press_key"
	KindDrag             ActionKind = "drag"
	KindWait             ActionKind = "wait"
	KindCapture          ActionKind = "capture"
	KindLog              ActionKind = "log"
	KindEnd              ActionKind = "end"
)

// Action is the closed union over everything the agent can dispatch. Consumers
// type-switch on the concrete types; Kind exists for logging and wire tagging.
type Action interface {
	Kind() ActionKind
	Reason() string
}

// Navigate opens a URL or application URI in the controlled environment.
type Navigate struct {
	URL       string `json:"url"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ClickCoordinates clicks an absolute screen position.
type ClickCoordinates struct {
	X         int    `json:"x"`
	Y         int    `json:"y"`
	Reasoning string `json:"reasoning,omitempty"`
}

// ClickDescription clicks an element identified by a natural-language
// description. X, Y and Confidence are zero until the grounding layer has
// resolved the target.
type ClickDescription struct {
	Target     string  `json:"target"`
	X          int     `json:"x,omitempty"`
	Y          int     `json:"y,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// TypeText types a string into the currently focused element.
type TypeText struct {
	Text      string `json:"text"`
	Reasoning string `json:"reasoning,omitempty"`
}

// PressKey presses a single key or chord, e.g. "enter" or "alt+tab".
type PressKey struct {
	Key       string `json:"key"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Drag performs a press-move-release between two absolute positions.
type Drag struct {
	FromX     int    `json:"from_x"`
	FromY     int    `json:"from_y"`
	ToX       int    `json:"to_x"`
	ToY       int    `json:"to_y"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Wait pauses for a bounded duration before the next capture.
type Wait struct {
	DurationMS int    `json:"duration_ms"`
	Reasoning  string `json:"reasoning,omitempty"`
}

// Capture requests a fresh screenshot without interacting.
type Capture struct {
	Reasoning string `json:"reasoning,omitempty"`
}

// Log records a diagnostic message without touching the desktop. The policy
// engine also uses it as the degraded form of an unresolvable click.
type Log struct {
	Message   string `json:"message"`
	Reasoning string `json:"reasoning,omitempty"`
}

// End terminates the session.
type End struct {
	Success   bool   `json:"success"`
	Summary   string `json:"summary,omitempty"`
	Reasoning string `json:"reasoning,omitempty"`
}

func (a Navigate) Kind() ActionKind         { return KindNavigate }
func (a ClickCoordinates) Kind() ActionKind { return KindClickCoordinates }
func (a ClickDescription) Kind() ActionKind { return KindClickDescription }
func (a TypeText) Kind() ActionKind         { return KindTypeText }
func (a PressKey) Kind() ActionKind         { return KindPressKey }
func (a Drag) Kind() ActionKind             { return KindDrag }
func (a Wait) Kind() ActionKind             { return KindWait }
func (a Capture) Kind() ActionKind          { return KindCapture }
func (a Log) Kind() ActionKind              { return KindLog }
func (a End) Kind() ActionKind              { return KindEnd }

func (a Navigate) Reason() string         { return a.Reasoning }
func (a ClickCoordinates) Reason() string { return a.Reasoning }
func (a ClickDescription) Reason() string { return a.Reasoning }
func (a TypeText) Reason() string         { return a.Reasoning }
func (a PressKey) Reason() string         { return a.Reasoning }
func (a Drag) Reason() string             { return a.Reasoning }
func (a Wait) Reason() string             { return a.Reasoning }
func (a Capture) Reason() string          { return a.Reasoning }
func (a Log) Reason() string              { return a.Reasoning }
func (a End) Reason() string              { return a.Reasoning }

// wireAction is the flat tagged form actions take on the wire and in
// model responses. It is the single place optional-field probing happens.
type wireAction struct {
	Kind       ActionKind `json:"kind"`
	URL        string     `json:"url,omitempty"`
	X          *int       `json:"x,omitempty"`
	Y          *int       `json:"y,omitempty"`
	Target     string     `json:"target,omitempty"`
	Confidence float64    `json:"confidence,omitempty"`
	Text       string     `json:"text,omitempty"`
	Key        string     `json:"key,omitempty"`
	FromX      int        `json:"from_x,omitempty"`
	FromY      int        `json:"from_y,omitempty"`
	ToX        int        `json:"to_x,omitempty"`
	ToY        int        `json:"to_y,omitempty"`
	DurationMS int        `json:"duration_ms,omitempty"`
	Message    string     `json:"message,omitempty"`
	Success    bool       `json:"success,omitempty"`
	Summary    string     `json:"summary,omitempty"`
	Reasoning  string     `json:"reasoning,omitempty"`
}

// EncodeAction marshals an action into its tagged wire form.
func EncodeAction(a Action) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("cannot encode nil action")
	}
	w := wireAction{Kind: a.Kind(), Reasoning: a.Reason()}
	switch v := a.(type) {
	case Navigate:
		w.URL = v.URL
	case ClickCoordinates:
		w.X, w.Y = &v.X, &v.Y
	case ClickDescription:
		w.Target = v.Target
		w.Confidence = v.Confidence
		if v.X != 0 || v.Y != 0 {
			w.X, w.Y = &v.X, &v.Y
		}
	case TypeText:
		w.Text = v.Text
	case PressKey:
		w.Key = v.Key
	case Drag:
		w.FromX, w.FromY, w.ToX, w.ToY = v.FromX, v.FromY, v.ToX, v.ToY
	case Wait:
		w.DurationMS = v.DurationMS
	case Capture:
	case Log:
		w.Message = v.Message
	case End:
		w.Success = v.Success
		w.Summary = v.Summary
	default:
		return nil, fmt.Errorf("unknown action type %T", a)
	}
	return json.Marshal(w)
}

// DecodeAction parses the tagged wire form back into a concrete action.
// Unknown kinds and kind-specific missing fields are errors; the decision
// path never silently accepts a malformed action.
func DecodeAction(data []byte) (Action, error) {
	var w wireAction
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("malformed action payload: %w", err)
	}
	switch w.Kind {
	case KindNavigate:
		if w.URL == "" {
			return nil, fmt.Errorf("navigate action requires a url")
		}
		return Navigate{URL: w.URL, Reasoning: w.Reasoning}, nil
	case KindClickCoordinates:
		if w.X == nil || w.Y == nil {
			return nil, fmt.Errorf("click_coordinates action requires x and y")
		}
		return ClickCoordinates{X: *w.X, Y: *w.Y, Reasoning: w.Reasoning}, nil
	case KindClickDescription:
		if w.Target == "" {
			return nil, fmt.Errorf("click_description action requires a target")
		}
		a := ClickDescription{Target: w.Target, Confidence: w.Confidence, Reasoning: w.Reasoning}
		if w.X != nil && w.Y != nil {
			a.X, a.Y = *w.X, *w.Y
		}
		return a, nil
	case KindTypeText:
		if w.Text == "" {
			return nil, fmt.Errorf("type_text action requires text")
		}
		return TypeText{Text: w.Text, Reasoning: w.Reasoning}, nil
	case KindPressKey:
		if w.Key == "" {
			return nil, fmt.Errorf("press_key action requires a key")
		}
		return PressKey{Key: w.Key, Reasoning: w.Reasoning}, nil
	case KindDrag:
		return Drag{FromX: w.FromX, FromY: w.FromY, ToX: w.ToX, ToY: w.ToY, Reasoning: w.Reasoning}, nil
	case KindWait:
		if w.DurationMS <= 0 {
			return nil, fmt.Errorf("wait action requires a positive duration_ms")
		}
		return Wait{DurationMS: w.DurationMS, Reasoning: w.Reasoning}, nil
	case KindCapture:
		return Capture{Reasoning: w.Reasoning}, nil
	case KindLog:
		return Log{Message: w.Message, Reasoning: w.Reasoning}, nil
	case KindEnd:
		return End{Success: w.Success, Summary: w.Summary, Reasoning: w.Reasoning}, nil
	case "":
		return nil, fmt.Errorf("action payload missing required 'kind' field")
	default:
		return nil, fmt.Errorf("unknown action kind %q", w.Kind)
	}
}

// appSwitchChords are the key chords that move focus between applications.
var appSwitchChords = map[string]bool{
	"alt+tab":   true,
	"cmd+tab":   true,
	"super+tab": true,
}

// IsAppSwitch reports whether the action transfers focus to another
// application: an app-switch key chord, or navigation to an app:// URI.
func IsAppSwitch(a Action) bool {
	switch v := a.(type) {
	case PressKey:
		return appSwitchChords[strings.ToLower(strings.ReplaceAll(v.Key, " ", ""))]
	case Navigate:
		return strings.HasPrefix(strings.ToLower(v.URL), "app://")
	default:
		return false
	}
}
