// Package protocol implements the session message protocol: the duplex
// channel loop that receives client events, runs the perceive-decide-vet
// cycle, and emits exactly one reply stream per inbound message.
package protocol

import (
	"context"
	"fmt"
	"sort"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/vantico/deskpilot/api/schemas"
	"github.com/vantico/deskpilot/internal/config"
	"github.com/vantico/deskpilot/internal/decision"
	"github.com/vantico/deskpilot/internal/grounding"
	"github.com/vantico/deskpilot/internal/policy"
	"github.com/vantico/deskpilot/internal/session"
)

// Error codes carried in error events. Clients branch on the code, never the
// message text.
const (
	CodeProtocolViolation = "protocol_violation"
	CodePerceptionFailure = "perception_failure"
	CodeDecisionFailure   = "decision_failure"
	CodeSessionNotFound   = "session_not_found"
	CodeStructuralLoop    = "structural_loop"
)

// promptHistoryLines bounds how much history is rendered into a decision
// prompt. The stored history is longer; the model only needs the recent tail.
const promptHistoryLines = 20

// Sender delivers outbound events to the client. Implementations must be
// safe to call from the handler goroutine only; the handler never sends
// concurrently.
type Sender interface {
	Send(out schemas.Outbound) error
}

// Handler processes inbound session messages. It is stateless itself; all
// per-session state lives in the store, keyed by (user, session) identifiers
// so processing survives channel reconnects.
type Handler struct {
	cfg       *config.Config
	store     session.Store
	grounding *grounding.Cache
	router    *decision.Router
	policy    *policy.Engine
	clock     clock.Clock
	logger    *zap.Logger
}

// NewHandler wires the handler to its collaborators.
func NewHandler(cfg *config.Config, store session.Store, g *grounding.Cache, r *decision.Router, p *policy.Engine, clk clock.Clock, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		store:     store,
		grounding: g,
		router:    r,
		policy:    p,
		clock:     clk,
		logger:    logger.Named("protocol"),
	}
}

// Handle processes one inbound message, emitting replies through send.
// Messages for one channel are processed sequentially by the caller.
func (h *Handler) Handle(ctx context.Context, msg schemas.Inbound, send Sender) {
	if err := msg.Context.Validate(); err != nil {
		h.sendError(send, CodeProtocolViolation, err.Error())
		return
	}

	switch msg.Type {
	case schemas.InboundStart:
		h.handleStart(ctx, msg, send, false)
	case schemas.InboundStartWithPlan:
		h.handleStart(ctx, msg, send, true)
	case schemas.InboundScreenshot:
		h.handleScreenshot(ctx, msg, send)
	case schemas.InboundActionComplete:
		h.handleActionComplete(ctx, msg, send)
	case schemas.InboundClarificationAnswer:
		h.handleClarificationAnswer(ctx, msg, send)
	case schemas.InboundCancel:
		h.handleCancel(ctx, msg, send)
	default:
		h.sendError(send, CodeProtocolViolation, fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// handleStart loads the session for the key, or creates one on a miss, and
// records the goal. History, milestones and the iteration count of a live
// session survive; only a canceled session is replaced outright.
func (h *Handler) handleStart(ctx context.Context, msg schemas.Inbound, send Sender, withPlan bool) {
	if msg.Goal == "" {
		h.sendError(send, CodeProtocolViolation, "start requires a goal")
		return
	}
	if withPlan && (msg.Plan == nil || len(msg.Plan.Steps) == 0) {
		h.sendError(send, CodeProtocolViolation, "start_with_plan requires a non-empty plan")
		return
	}

	now := h.clock.Now()
	key := session.KeyFrom(msg.Context)
	s, err := h.store.Get(ctx, key)
	resumed := err == nil && !s.Canceled
	if resumed {
		s.Goal = msg.Goal
		s.AwaitingClarification = false
		s.PendingQuestion = ""
		s.Touch(now)
		if msg.MaxIterations > 0 {
			s.MaxIterations = msg.MaxIterations
		}
	} else {
		maxIter := msg.MaxIterations
		if maxIter <= 0 {
			if withPlan {
				maxIter = h.cfg.Session.PlanMaxIterations
			} else {
				maxIter = h.cfg.Session.DefaultMaxIterations
			}
		}
		s = session.New(key, msg.Goal, maxIter, now)
	}
	if len(msg.ProviderOrder) > 0 {
		s.ProviderOrder = msg.ProviderOrder
	}
	if withPlan {
		s.Plan = msg.Plan
	}
	s.RecordGoal(msg.Goal, now)

	if question, needed := ClarifyGoal(msg.Goal, msg.Context); needed {
		s.AwaitingClarification = true
		s.PendingQuestion = question
		if err := h.store.Put(ctx, s); err != nil {
			h.sendError(send, CodeProtocolViolation, err.Error())
			return
		}
		h.logger.Info("Session needs clarification before starting",
			zap.String("session", s.Key.String()))
		h.send(send, schemas.Outbound{Type: schemas.OutboundClarificationNeeded, Question: question})
		return
	}

	if err := h.store.Put(ctx, s); err != nil {
		h.sendError(send, CodeProtocolViolation, err.Error())
		return
	}
	h.logger.Info("Session started",
		zap.String("session", s.Key.String()),
		zap.Int("max_iterations", s.MaxIterations),
		zap.Bool("resumed", resumed),
		zap.Bool("with_plan", withPlan))
	h.send(send, schemas.Outbound{Type: schemas.OutboundStatus, Message: "session started; send a screenshot to begin"})
}

// handleScreenshot runs one full iteration: perceive, decide, vet, dispatch.
func (h *Handler) handleScreenshot(ctx context.Context, msg schemas.Inbound, send Sender) {
	s, ok := h.load(ctx, msg, send)
	if !ok {
		return
	}
	if s.AwaitingClarification {
		h.send(send, schemas.Outbound{Type: schemas.OutboundClarificationNeeded, Question: s.PendingQuestion})
		return
	}
	if len(msg.Image) == 0 {
		h.sendError(send, CodeProtocolViolation, "screenshot requires image data")
		return
	}

	now := h.clock.Now()
	s.Touch(now)
	s.Iteration++
	if s.Iteration > s.MaxIterations {
		h.logger.Warn("Iteration limit reached", zap.String("session", s.Key.String()))
		h.complete(ctx, s, send, false, "iteration limit reached before the goal completed")
		return
	}

	changed := s.ObserveFingerprint(grounding.Fingerprint(msg.Image, grounding.ContextID(msg.Context)))

	if h.alignmentDue(s.Iteration) {
		if done := h.checkAlignment(ctx, s, msg, changed, send); done {
			return
		}
	}

	act, provider, ok := h.decide(ctx, s, msg, changed, send)
	if !ok {
		return
	}

	if cd, isDesc := act.(schemas.ClickDescription); isDesc {
		act, ok = h.ground(ctx, s, msg, cd, send)
		if !ok {
			return
		}
	}

	h.dispatch(ctx, s, act, provider, send)
}

// decide queries the router and vets the proposal, feeding one rejection back
// to the model before falling back to a corrective log action.
func (h *Handler) decide(ctx context.Context, s *session.Session, msg schemas.Inbound, changed bool, send Sender) (schemas.Action, string, bool) {
	req := h.decisionRequest(s, msg, changed)
	lastReason := ""

	for attempt := 0; attempt < 2; attempt++ {
		result, err := h.router.Decide(ctx, s.ProviderOrder, req)
		if err != nil {
			h.logger.Error("Decision failed", zap.String("session", s.Key.String()), zap.Error(err))
			h.sendError(send, CodeDecisionFailure, err.Error())
			h.put(ctx, s)
			return nil, "", false
		}
		if result.Clarification != "" {
			s.AwaitingClarification = true
			s.PendingQuestion = result.Clarification
			h.put(ctx, s)
			h.send(send, schemas.Outbound{Type: schemas.OutboundClarificationNeeded, Question: result.Clarification})
			return nil, "", false
		}

		verdict := h.policy.Evaluate(s, result.Action)
		switch verdict.Kind {
		case policy.ForceEnd:
			h.sendError(send, CodeStructuralLoop, verdict.Reason)
			h.dispatch(ctx, s, verdict.Action, result.Provider, send)
			return nil, "", false
		case policy.Rejected:
			lastReason = verdict.Reason
			s.RecordNote("proposal rejected: "+verdict.Reason, h.clock.Now())
			req.History = append(req.History, "previous proposal rejected: "+verdict.Reason)
			continue
		default:
			return verdict.Action, result.Provider, true
		}
	}

	// Two rejected proposals in a row: dispatch an observable no-op so the
	// client sees why nothing is happening.
	return schemas.Log{
		Message:   "No viable action: " + lastReason,
		Reasoning: lastReason,
	}, "policy", true
}

// ground resolves a description click to coordinates. A missing element
// becomes a corrective log action; only provider failures become errors.
func (h *Handler) ground(ctx context.Context, s *session.Session, msg schemas.Inbound, cd schemas.ClickDescription, send Sender) (schemas.Action, bool) {
	res, found, err := h.grounding.Resolve(ctx, msg.Image, cd.Target, msg.Context)
	if err != nil {
		h.logger.Error("Grounding failed", zap.String("session", s.Key.String()), zap.Error(err))
		h.sendError(send, CodePerceptionFailure, err.Error())
		h.put(ctx, s)
		return nil, false
	}
	s.CachedElements = res.Elements

	if !found {
		return schemas.Log{
			Message:   fmt.Sprintf("Could not locate %q on the current screen.", cd.Target),
			Reasoning: "no on-screen element matched the description",
		}, true
	}

	if substitute, ok := h.policy.ReviewResolved(s, cd, res.X, res.Y); ok {
		return substitute, true
	}

	cd.X, cd.Y = res.X, res.Y
	cd.Confidence = res.Confidence
	return cd, true
}

// dispatch records and emits the action. An end action also finalizes the
// session with a complete event.
func (h *Handler) dispatch(ctx context.Context, s *session.Session, act schemas.Action, provider string, send Sender) {
	raw, err := schemas.EncodeAction(act)
	if err != nil {
		h.sendError(send, CodeDecisionFailure, err.Error())
		h.put(ctx, s)
		return
	}

	s.RecordAction(act, provider, h.clock.Now(), h.cfg.Session.HistoryLimit)
	policy.RecordMilestones(s, act)

	h.send(send, schemas.Outbound{
		Type:      schemas.OutboundAction,
		Action:    raw,
		Provider:  provider,
		Iteration: s.Iteration,
	})

	if end, isEnd := act.(schemas.End); isEnd {
		h.complete(ctx, s, send, end.Success, end.Summary)
		return
	}
	h.put(ctx, s)
}

func (h *Handler) handleActionComplete(ctx context.Context, msg schemas.Inbound, send Sender) {
	s, ok := h.load(ctx, msg, send)
	if !ok {
		return
	}
	if msg.ActionResult == nil {
		h.sendError(send, CodeProtocolViolation, "action_complete requires an action_result")
		return
	}

	now := h.clock.Now()
	s.Touch(now)
	s.Iteration++
	if s.Iteration > s.MaxIterations {
		h.logger.Warn("Iteration limit reached", zap.String("session", s.Key.String()))
		h.complete(ctx, s, send, false, "iteration limit reached before the goal completed")
		return
	}
	if !msg.ActionResult.Success {
		s.RecordNote("action failed: "+msg.ActionResult.Error, now)
	} else if msg.ActionResult.StepCompleted && s.Plan != nil {
		s.Plan.Advance()
	}
	h.put(ctx, s)
	h.send(send, schemas.Outbound{Type: schemas.OutboundStatus, Message: "acknowledged; send a fresh screenshot"})
}

func (h *Handler) handleClarificationAnswer(ctx context.Context, msg schemas.Inbound, send Sender) {
	s, ok := h.load(ctx, msg, send)
	if !ok {
		return
	}
	if len(msg.Answers) == 0 {
		h.sendError(send, CodeProtocolViolation, "clarification_answer requires answers")
		return
	}

	if s.ClarificationAnswers == nil {
		s.ClarificationAnswers = make(map[string]string)
	}
	for k, v := range msg.Answers {
		s.ClarificationAnswers[k] = v
	}
	s.AwaitingClarification = false
	s.PendingQuestion = ""
	s.Touch(h.clock.Now())
	h.put(ctx, s)
	h.send(send, schemas.Outbound{Type: schemas.OutboundClarification, Message: "clarification received; send a screenshot to continue"})
}

// handleCancel stops further intake for the session but keeps it stored: the
// client may restart it, and idle expiry reaps it otherwise. An in-flight
// decision on another message is never interrupted.
func (h *Handler) handleCancel(ctx context.Context, msg schemas.Inbound, send Sender) {
	s, ok := h.load(ctx, msg, send)
	if !ok {
		return
	}
	s.Canceled = true
	s.Touch(h.clock.Now())
	h.put(ctx, s)
	h.logger.Info("Session canceled", zap.String("session", s.Key.String()))
	h.send(send, schemas.Outbound{Type: schemas.OutboundStatus, Message: "session canceled"})
}

// load fetches the session for a message, translating misses and canceled
// sessions into protocol errors.
func (h *Handler) load(ctx context.Context, msg schemas.Inbound, send Sender) (*session.Session, bool) {
	s, err := h.store.Get(ctx, session.KeyFrom(msg.Context))
	if err != nil {
		h.sendError(send, CodeSessionNotFound, fmt.Sprintf("no session for %s", session.KeyFrom(msg.Context)))
		return nil, false
	}
	if s.Canceled && msg.Type != schemas.InboundCancel {
		h.sendError(send, CodeProtocolViolation, "session was canceled; start a new one")
		return nil, false
	}
	return s, true
}

func (h *Handler) decisionRequest(s *session.Session, msg schemas.Inbound, changed bool) decision.Request {
	env := make(map[string]string)
	if c := msg.Context; c != nil {
		if c.ActiveApp != "" {
			env["active_app"] = c.ActiveApp
		}
		if c.URL != "" {
			env["url"] = c.URL
		}
		if c.ScreenWidth > 0 && c.ScreenHeight > 0 {
			env["screen"] = fmt.Sprintf("%dx%d", c.ScreenWidth, c.ScreenHeight)
		}
	}

	milestones := make([]string, 0, len(s.Milestones))
	for name, reached := range s.Milestones {
		if reached {
			milestones = append(milestones, name)
		}
	}
	sort.Strings(milestones)

	return decision.Request{
		Goal:           s.Goal,
		Plan:           s.Plan,
		History:        s.HistoryLines(promptHistoryLines),
		Environment:    env,
		Answers:        s.ClarificationAnswers,
		Milestones:     milestones,
		Screenshot:     msg.Image,
		UIChanged:      changed,
		UnchangedCount: s.UnchangedCount,
		Iteration:      s.Iteration,
		MaxIterations:  s.MaxIterations,
	}
}

func (h *Handler) alignmentDue(iteration int) bool {
	a := h.cfg.Alignment
	if !a.Enabled || a.Interval <= 0 || iteration <= a.WarmupIterations {
		return false
	}
	return (iteration-a.WarmupIterations)%a.Interval == 0
}

// checkAlignment asks the model whether the screen still serves the goal. An
// unavailable check is a skipped one; a misaligned verdict with a question
// pauses the session for clarification. Returns true when handling is done.
func (h *Handler) checkAlignment(ctx context.Context, s *session.Session, msg schemas.Inbound, changed bool, send Sender) bool {
	aligned, question, err := h.router.CheckAlignment(ctx, s.ProviderOrder, h.decisionRequest(s, msg, changed))
	if err != nil {
		h.logger.Warn("Alignment check unavailable, skipping", zap.Error(err))
		return false
	}
	if aligned || question == "" {
		return false
	}
	s.AwaitingClarification = true
	s.PendingQuestion = question
	h.put(ctx, s)
	h.send(send, schemas.Outbound{Type: schemas.OutboundClarificationNeeded, Question: question})
	return true
}

// complete emits the terminal event and removes the session.
func (h *Handler) complete(ctx context.Context, s *session.Session, send Sender, success bool, summary string) {
	out := schemas.Outbound{
		Type:      schemas.OutboundComplete,
		Success:   &success,
		Summary:   summary,
		Iteration: s.Iteration,
	}
	if s.Plan != nil {
		out.PlanProgress = &schemas.PlanProgress{
			StepsDone:  s.Plan.CurrentStep,
			StepsTotal: len(s.Plan.Steps),
		}
	}
	h.send(send, out)
	if err := h.store.Delete(ctx, s.Key); err != nil {
		h.logger.Warn("Failed to delete completed session", zap.Error(err))
	}
}

func (h *Handler) put(ctx context.Context, s *session.Session) {
	if err := h.store.Put(ctx, s); err != nil {
		h.logger.Error("Failed to persist session", zap.String("session", s.Key.String()), zap.Error(err))
	}
}

func (h *Handler) send(send Sender, out schemas.Outbound) {
	if err := send.Send(out); err != nil {
		h.logger.Warn("Failed to send outbound event", zap.String("type", string(out.Type)), zap.Error(err))
	}
}

func (h *Handler) sendError(send Sender, code, message string) {
	h.send(send, schemas.Outbound{
		Type:  schemas.OutboundError,
		Error: &schemas.ErrorPayload{Code: code, Message: message},
	})
}
