// Package decision turns session context plus a screenshot into exactly one
// proposed action, querying interchangeable vision-capable model providers in
// a caller-specified preference order with automatic failover.
package decision

import (
	"context"
	"errors"

	"github.com/vantico/deskpilot/api/schemas"
)

// ErrExhausted is returned when every provider in the preference order has
// failed. The wrapped chain always contains the last provider's failure.
var ErrExhausted = errors.New("all decision providers failed")

// GenerationRequest is the provider-neutral form of one model call.
type GenerationRequest struct {
	SystemPrompt string
	UserPrompt   string
	// Image is an optional PNG screenshot attached to the user turn.
	Image       []byte
	ForceJSON   bool
	Temperature float32
}

// Provider is one decision-model backend. Implementations must honor context
// cancellation; a timeout is indistinguishable from any other error for
// failover purposes.
type Provider interface {
	Name() string
	Generate(ctx context.Context, req GenerationRequest) (string, error)
}

// Request carries everything the model needs to decide the next action.
type Request struct {
	Goal           string
	Plan           *schemas.Plan
	History        []string
	Environment    map[string]string
	Answers        map[string]string
	Milestones     []string
	Screenshot     []byte
	UIChanged      bool
	UnchangedCount int
	Iteration      int
	MaxIterations  int
}

// Result is a successful decision: one action and the provider that made it.
// When the model asked for clarification instead, Clarification is set and
// Action is nil.
type Result struct {
	Action        schemas.Action
	Provider      string
	Clarification string
}
