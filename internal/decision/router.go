package decision

import (
	"context"
	"fmt"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/vantico/deskpilot/api/schemas"
)

// Router queries an ordered list of providers, failing over to the next on
// any error or timeout. A timeout is treated identically to a provider error.
type Router struct {
	providers    map[string]Provider
	defaultOrder []string
	callTimeout  time.Duration
	logger       *zap.Logger
}

// NewRouter builds a router over the registered providers. defaultOrder is
// used when a session expresses no preference; every name in it must be
// registered.
func NewRouter(providers map[string]Provider, defaultOrder []string, callTimeout time.Duration, logger *zap.Logger) (*Router, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one decision provider is required")
	}
	if len(defaultOrder) == 0 {
		return nil, fmt.Errorf("a default provider order is required")
	}
	for _, name := range defaultOrder {
		if _, ok := providers[name]; !ok {
			return nil, fmt.Errorf("default order references unknown provider %q", name)
		}
	}
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &Router{
		providers:    providers,
		defaultOrder: defaultOrder,
		callTimeout:  callTimeout,
		logger:       logger.Named("decision_router"),
	}, nil
}

// Decide asks providers in preference order for the next action. Unknown
// names in the order are skipped with a warning; a model response that fails
// to parse counts as a provider failure and triggers failover like any other.
func (r *Router) Decide(ctx context.Context, order []string, req Request) (Result, error) {
	gen := GenerationRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   buildUserPrompt(req),
		Image:        req.Screenshot,
		ForceJSON:    true,
		Temperature:  0.2,
	}

	var lastErr error
	lastName := ""
	attempted := 0
	for _, name := range r.resolveOrder(order) {
		provider, ok := r.providers[name]
		if !ok {
			r.logger.Warn("Session prefers unknown decision provider, skipping", zap.String("provider", name))
			continue
		}
		attempted++
		r.logger.Info("Querying decision provider", zap.String("provider", name))

		response, err := r.generate(ctx, provider, gen)
		if err == nil {
			var result Result
			result, err = parseDecision(response)
			if err == nil {
				result.Provider = name
				return result, nil
			}
		}

		r.logger.Warn("Decision provider failed, failing over",
			zap.String("provider", name),
			zap.Error(err),
		)
		lastErr, lastName = err, name
	}

	if attempted == 0 {
		return Result{}, fmt.Errorf("%w: no usable provider in preference order", ErrExhausted)
	}
	return Result{}, fmt.Errorf("%w: %d attempted, last failure from %s: %w", ErrExhausted, attempted, lastName, lastErr)
}

// CheckAlignment asks the first responsive provider whether the screen state
// is consistent with the goal. Provider errors are returned to the caller,
// which treats an unavailable check as a skipped one.
func (r *Router) CheckAlignment(ctx context.Context, order []string, req Request) (bool, string, error) {
	gen := GenerationRequest{
		SystemPrompt: alignmentSystemPrompt,
		UserPrompt:   buildUserPrompt(req),
		Image:        req.Screenshot,
		ForceJSON:    true,
		Temperature:  0,
	}

	var lastErr error
	for _, name := range r.resolveOrder(order) {
		provider, ok := r.providers[name]
		if !ok {
			continue
		}
		response, err := r.generate(ctx, provider, gen)
		if err != nil {
			lastErr = err
			continue
		}
		jsonText, err := extractJSON(response)
		if err != nil {
			lastErr = err
			continue
		}
		var verdict struct {
			Aligned  bool   `json:"aligned"`
			Question string `json:"question"`
		}
		if err := json.Unmarshal([]byte(jsonText), &verdict); err != nil {
			lastErr = err
			continue
		}
		return verdict.Aligned, verdict.Question, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no usable provider")
	}
	return false, "", fmt.Errorf("alignment check failed: %w", lastErr)
}

func (r *Router) resolveOrder(order []string) []string {
	if len(order) == 0 {
		return r.defaultOrder
	}
	return order
}

func (r *Router) generate(ctx context.Context, provider Provider, gen GenerationRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()
	return provider.Generate(callCtx, gen)
}

// parseDecision converts a raw model response into a Result. The model may
// answer with the clarification form instead of an action.
func parseDecision(response string) (Result, error) {
	jsonText, err := extractJSON(response)
	if err != nil {
		return Result{}, err
	}

	var probe struct {
		Kind     string `json:"kind"`
		Question string `json:"question"`
	}
	if err := json.Unmarshal([]byte(jsonText), &probe); err != nil {
		return Result{}, fmt.Errorf("model response is not a JSON object: %w", err)
	}
	if probe.Kind == "clarification" {
		if probe.Question == "" {
			return Result{}, fmt.Errorf("clarification response missing question")
		}
		return Result{Clarification: probe.Question}, nil
	}

	action, err := schemas.DecodeAction([]byte(jsonText))
	if err != nil {
		return Result{}, err
	}
	return Result{Action: action}, nil
}
