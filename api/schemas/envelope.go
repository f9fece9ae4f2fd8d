package schemas

import (
	"encoding/json"
	"fmt"
)

// InboundType tags messages arriving on the session channel.
type InboundType string

const (
	InboundStart               InboundType = "start"
	InboundStartWithPlan       InboundType = "start_with_plan"
	InboundScreenshot          InboundType = "screenshot"
	InboundActionComplete      InboundType = "action_complete"
	InboundClarificationAnswer InboundType = "clarification_answer"
	InboundCancel              InboundType = "cancel"
)

// OutboundType tags messages the handler emits back to the client.
type OutboundType string

const (
	OutboundStatus              OutboundType = "status"
	OutboundAction              OutboundType = "action"
	OutboundClarificationNeeded OutboundType = "clarification_needed"
	OutboundClarification       OutboundType = "clarification"
	OutboundComplete            OutboundType = "complete"
	OutboundError               OutboundType = "error"
)

// SessionContext carries the environment facts the client attaches to every
// message. UserID and SessionID together identify the session; channel
// identity never does.
type SessionContext struct {
	UserID       string `json:"user_id"`
	SessionID    string `json:"session_id"`
	ActiveApp    string `json:"active_app,omitempty"`
	URL          string `json:"url,omitempty"`
	ScreenWidth  int    `json:"screen_width,omitempty"`
	ScreenHeight int    `json:"screen_height,omitempty"`
	WindowX      int    `json:"window_x,omitempty"`
	WindowY      int    `json:"window_y,omitempty"`
}

// Validate checks that the context can derive a session key.
func (c *SessionContext) Validate() error {
	if c == nil {
		return fmt.Errorf("message context is required")
	}
	if c.UserID == "" || c.SessionID == "" {
		return fmt.Errorf("context requires user_id and session_id")
	}
	return nil
}

// ActionResult reports the actuator's outcome for a dispatched action.
type ActionResult struct {
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	StepCompleted bool   `json:"step_completed,omitempty"`
}

// Inbound is the envelope for every message a client sends. The Type field
// selects which of the optional payload fields are meaningful.
type Inbound struct {
	Type          InboundType       `json:"type"`
	Context       *SessionContext   `json:"context,omitempty"`
	Goal          string            `json:"goal,omitempty"`
	MaxIterations int               `json:"max_iterations,omitempty"`
	ProviderOrder []string          `json:"provider_preference,omitempty"`
	Plan          *Plan             `json:"plan,omitempty"`
	Image         []byte            `json:"image,omitempty"`
	ActionResult  *ActionResult     `json:"action_result,omitempty"`
	Answers       map[string]string `json:"answers,omitempty"`
}

// PlanProgress summarizes plan execution inside a complete event.
type PlanProgress struct {
	StepsDone  int `json:"steps_done"`
	StepsTotal int `json:"steps_total"`
}

// ErrorPayload is the structured body of an error event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Outbound is the envelope for every message the handler emits.
type Outbound struct {
	Type         OutboundType    `json:"type"`
	Message      string          `json:"message,omitempty"`
	Action       json.RawMessage `json:"action,omitempty"`
	Provider     string          `json:"provider,omitempty"`
	Question     string          `json:"question,omitempty"`
	Success      *bool           `json:"success,omitempty"`
	Summary      string          `json:"summary,omitempty"`
	Iteration    int             `json:"iteration,omitempty"`
	PlanProgress *PlanProgress   `json:"plan_progress,omitempty"`
	Error        *ErrorPayload   `json:"error,omitempty"`
}
