package protocol

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/vantico/deskpilot/api/schemas"
	"github.com/vantico/deskpilot/internal/config"
	"github.com/vantico/deskpilot/internal/decision"
	"github.com/vantico/deskpilot/internal/grounding"
	"github.com/vantico/deskpilot/internal/kvcache"
	"github.com/vantico/deskpilot/internal/policy"
	"github.com/vantico/deskpilot/internal/session"
)

// scriptedModel replays canned responses in order, repeating the last one.
type scriptedModel struct {
	name      string
	responses []string
	calls     int
}

func (s *scriptedModel) Name() string { return s.name }

func (s *scriptedModel) Generate(_ context.Context, _ decision.GenerationRequest) (string, error) {
	i := s.calls
	s.calls++
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

// recorder captures every outbound event.
type recorder struct {
	events []schemas.Outbound
}

func (r *recorder) Send(out schemas.Outbound) error {
	r.events = append(r.events, out)
	return nil
}

func (r *recorder) last(t *testing.T) schemas.Outbound {
	t.Helper()
	require.NotEmpty(t, r.events)
	return r.events[len(r.events)-1]
}

type fixture struct {
	handler *Handler
	store   *session.MemoryStore
	model   *scriptedModel
	clock   *clock.Mock
}

// newFixture wires a handler with a scripted decision model and a stub screen
// parser that reports one search input and one compose button.
func newFixture(t *testing.T, responses ...string) *fixture {
	t.Helper()

	parser := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(
			"element 0: {'type': 'input', 'bbox': [0.0, 0.0, 0.1, 0.05], 'interactivity': True, 'content': 'Search mail'}\n" +
				"element 1: {'type': 'button', 'bbox': [0.5, 0.5, 0.6, 0.6], 'interactivity': True, 'content': 'Compose'}\n"))
	}))
	t.Cleanup(parser.Close)

	logger := zaptest.NewLogger(t)
	cfg := config.NewDefaultConfig()
	cfg.Alignment.Enabled = false

	visionProvider, err := grounding.NewHTTPProvider(parser.URL, "", time.Second, 100, 100, logger)
	require.NoError(t, err)
	groundingCache := grounding.NewCache(kvcache.NewMemory(), visionProvider, grounding.Options{}, logger)

	model := &scriptedModel{name: "fake", responses: responses}
	router, err := decision.NewRouter(map[string]decision.Provider{"fake": model}, []string{"fake"}, time.Second, logger)
	require.NoError(t, err)

	mock := clock.NewMock()
	store := session.NewMemoryStore(mock, time.Hour, 0, logger)
	t.Cleanup(store.Close)

	handler := NewHandler(cfg, store, groundingCache, router, policy.NewEngine(cfg.Policy, logger), mock, logger)
	return &fixture{handler: handler, store: store, model: model, clock: mock}
}

func testCtx() *schemas.SessionContext {
	return &schemas.SessionContext{
		UserID:       "user-1",
		SessionID:    "sess-1",
		ActiveApp:    "browser",
		URL:          "https://mail.example.com/inbox",
		ScreenWidth:  1000,
		ScreenHeight: 1000,
	}
}

func start(t *testing.T, f *fixture, goal string) *recorder {
	t.Helper()
	rec := &recorder{}
	f.handler.Handle(context.Background(), schemas.Inbound{
		Type: schemas.InboundStart, Context: testCtx(), Goal: goal,
	}, rec)
	return rec
}

func screenshot(f *fixture, rec *recorder, image string) {
	f.handler.Handle(context.Background(), schemas.Inbound{
		Type: schemas.InboundScreenshot, Context: testCtx(), Image: []byte(image),
	}, rec)
}

func TestHandleStart(t *testing.T) {
	t.Run("Valid Start", func(t *testing.T) {
		f := newFixture(t, `{"kind":"capture"}`)
		rec := start(t, f, "archive all newsletters")

		require.Len(t, rec.events, 1)
		assert.Equal(t, schemas.OutboundStatus, rec.events[0].Type)

		s, err := f.store.Get(context.Background(), session.Key{UserID: "user-1", SessionID: "sess-1"})
		require.NoError(t, err)
		assert.Equal(t, "archive all newsletters", s.Goal)
		assert.Equal(t, 30, s.MaxIterations)
	})

	t.Run("Missing Goal", func(t *testing.T) {
		f := newFixture(t, `{"kind":"capture"}`)
		rec := &recorder{}
		f.handler.Handle(context.Background(), schemas.Inbound{Type: schemas.InboundStart, Context: testCtx()}, rec)
		require.Equal(t, schemas.OutboundError, rec.last(t).Type)
		assert.Equal(t, CodeProtocolViolation, rec.last(t).Error.Code)
	})

	t.Run("Missing Context", func(t *testing.T) {
		f := newFixture(t, `{"kind":"capture"}`)
		rec := &recorder{}
		f.handler.Handle(context.Background(), schemas.Inbound{Type: schemas.InboundStart, Goal: "g"}, rec)
		require.Equal(t, schemas.OutboundError, rec.last(t).Type)
		assert.Equal(t, CodeProtocolViolation, rec.last(t).Error.Code)
	})

	t.Run("Start With Plan Requires Steps", func(t *testing.T) {
		f := newFixture(t, `{"kind":"capture"}`)
		rec := &recorder{}
		f.handler.Handle(context.Background(), schemas.Inbound{
			Type: schemas.InboundStartWithPlan, Context: testCtx(), Goal: "g", Plan: &schemas.Plan{},
		}, rec)
		assert.Equal(t, CodeProtocolViolation, rec.last(t).Error.Code)
	})
}

func TestAmbiguousGoalAsksOnce(t *testing.T) {
	f := newFixture(t, `{"kind":"capture"}`)
	rec := &recorder{}
	ctx := testCtx()
	ctx.ActiveApp = ""
	ctx.URL = ""

	f.handler.Handle(context.Background(), schemas.Inbound{
		Type: schemas.InboundStart, Context: ctx, Goal: "click it",
	}, rec)

	// Exactly one clarification question, no actions.
	require.Len(t, rec.events, 1)
	require.Equal(t, schemas.OutboundClarificationNeeded, rec.events[0].Type)
	question := rec.events[0].Question
	assert.NotEmpty(t, question)

	// A screenshot before an answer re-asks the same question instead of acting.
	f.handler.Handle(context.Background(), schemas.Inbound{
		Type: schemas.InboundScreenshot, Context: ctx, Image: []byte("img"),
	}, rec)
	require.Equal(t, schemas.OutboundClarificationNeeded, rec.last(t).Type)
	assert.Equal(t, question, rec.last(t).Question)
	assert.Zero(t, f.model.calls, "no decision happens while awaiting clarification")

	// The answer unblocks the session.
	f.handler.Handle(context.Background(), schemas.Inbound{
		Type: schemas.InboundClarificationAnswer, Context: ctx, Answers: map[string]string{"target": "the calculator equals button"},
	}, rec)
	require.Equal(t, schemas.OutboundClarification, rec.last(t).Type)

	f.handler.Handle(context.Background(), schemas.Inbound{
		Type: schemas.InboundScreenshot, Context: ctx, Image: []byte("img"),
	}, rec)
	assert.Equal(t, schemas.OutboundAction, rec.last(t).Type)
	assert.Equal(t, 1, f.model.calls)
}

func TestScreenshotDispatchesAction(t *testing.T) {
	f := newFixture(t, `{"kind":"click_coordinates","x":300,"y":140,"reasoning":"open settings"}`)
	rec := start(t, f, "open the settings page")
	screenshot(f, rec, "screen-1")

	out := rec.last(t)
	require.Equal(t, schemas.OutboundAction, out.Type)
	assert.Equal(t, "fake", out.Provider)
	assert.Equal(t, 1, out.Iteration)

	act, err := schemas.DecodeAction(out.Action)
	require.NoError(t, err)
	assert.Equal(t, schemas.ClickCoordinates{X: 300, Y: 140, Reasoning: "open settings"}, act)
}

func TestDescriptionClickIsGrounded(t *testing.T) {
	f := newFixture(t, `{"kind":"click_description","target":"the search box"}`)
	rec := start(t, f, "search for invoices")
	screenshot(f, rec, "screen-1")

	out := rec.last(t)
	require.Equal(t, schemas.OutboundAction, out.Type)
	act, err := schemas.DecodeAction(out.Action)
	require.NoError(t, err)

	click, ok := act.(schemas.ClickDescription)
	require.True(t, ok)
	assert.Equal(t, 50, click.X, "bbox [0,0,0.1,0.05] on a 1000x1000 capture centers at (50,25)")
	assert.Equal(t, 25, click.Y)
	assert.InDelta(t, 0.9, click.Confidence, 0.001)
}

func TestUnresolvableDescriptionBecomesLog(t *testing.T) {
	f := newFixture(t, `{"kind":"click_description","target":"the quarterly revenue chart"}`)
	rec := start(t, f, "inspect the chart")
	screenshot(f, rec, "screen-1")

	out := rec.last(t)
	require.Equal(t, schemas.OutboundAction, out.Type)
	act, err := schemas.DecodeAction(out.Action)
	require.NoError(t, err)
	logAct, ok := act.(schemas.Log)
	require.True(t, ok, "an unmatched description degrades to a log action, not an error")
	assert.Contains(t, logAct.Message, "quarterly revenue chart")
}

func TestEndActionCompletesSession(t *testing.T) {
	f := newFixture(t, `{"kind":"end","success":true,"summary":"archived 12 newsletters"}`)
	rec := start(t, f, "archive all newsletters")
	screenshot(f, rec, "screen-1")

	require.GreaterOrEqual(t, len(rec.events), 2)
	action := rec.events[len(rec.events)-2]
	complete := rec.events[len(rec.events)-1]
	assert.Equal(t, schemas.OutboundAction, action.Type)
	require.Equal(t, schemas.OutboundComplete, complete.Type)
	require.NotNil(t, complete.Success)
	assert.True(t, *complete.Success)
	assert.Equal(t, "archived 12 newsletters", complete.Summary)

	_, err := f.store.Get(context.Background(), session.Key{UserID: "user-1", SessionID: "sess-1"})
	assert.ErrorIs(t, err, session.ErrNotFound, "a completed session is removed")
}

func TestIterationCap(t *testing.T) {
	f := newFixture(t, `{"kind":"capture"}`)
	rec := &recorder{}
	f.handler.Handle(context.Background(), schemas.Inbound{
		Type: schemas.InboundStart, Context: testCtx(), Goal: "g", MaxIterations: 1,
	}, rec)

	screenshot(f, rec, "screen-1")
	require.Equal(t, schemas.OutboundAction, rec.last(t).Type)

	screenshot(f, rec, "screen-2")
	out := rec.last(t)
	require.Equal(t, schemas.OutboundComplete, out.Type)
	require.NotNil(t, out.Success)
	assert.False(t, *out.Success)
}

func TestSessionNotFound(t *testing.T) {
	f := newFixture(t, `{"kind":"capture"}`)
	rec := &recorder{}
	screenshot(f, rec, "screen-1")
	require.Equal(t, schemas.OutboundError, rec.last(t).Type)
	assert.Equal(t, CodeSessionNotFound, rec.last(t).Error.Code)
}

func TestReconnectResumesSession(t *testing.T) {
	f := newFixture(t, `{"kind":"click_coordinates","x":1,"y":2}`)
	rec := start(t, f, "goal")
	screenshot(f, rec, "screen-1")
	require.Equal(t, schemas.OutboundAction, rec.last(t).Type)

	// A brand-new channel with the same identifiers carries on mid-flight.
	fresh := &recorder{}
	f.handler.Handle(context.Background(), schemas.Inbound{
		Type: schemas.InboundActionComplete, Context: testCtx(),
		ActionResult: &schemas.ActionResult{Success: true},
	}, fresh)
	require.Equal(t, schemas.OutboundStatus, fresh.last(t).Type)

	screenshot(f, fresh, "screen-2")
	out := fresh.last(t)
	require.Equal(t, schemas.OutboundAction, out.Type)
	assert.Equal(t, 3, out.Iteration, "both the acknowledgement and the new capture advance the surviving count")
}

func TestActionCompleteCountsAgainstIterationCap(t *testing.T) {
	f := newFixture(t, `{"kind":"capture"}`)
	rec := &recorder{}
	f.handler.Handle(context.Background(), schemas.Inbound{
		Type: schemas.InboundStart, Context: testCtx(), Goal: "g", MaxIterations: 1,
	}, rec)

	screenshot(f, rec, "screen-1")
	require.Equal(t, schemas.OutboundAction, rec.last(t).Type)

	f.handler.Handle(context.Background(), schemas.Inbound{
		Type: schemas.InboundActionComplete, Context: testCtx(),
		ActionResult: &schemas.ActionResult{Success: true},
	}, rec)
	out := rec.last(t)
	require.Equal(t, schemas.OutboundComplete, out.Type)
	require.NotNil(t, out.Success)
	assert.False(t, *out.Success)
}

func TestStartOnExistingKeyResumesSession(t *testing.T) {
	f := newFixture(t, `{"kind":"click_coordinates","x":1,"y":2}`)
	rec := start(t, f, "first goal")
	screenshot(f, rec, "screen-1")
	require.Equal(t, schemas.OutboundAction, rec.last(t).Type)

	rec2 := start(t, f, "refined goal")
	require.Equal(t, schemas.OutboundStatus, rec2.last(t).Type)

	s, err := f.store.Get(context.Background(), session.Key{UserID: "user-1", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Equal(t, "refined goal", s.Goal)
	assert.Equal(t, 1, s.Iteration, "prior progress survives a restart on the same key")

	kinds := make([]string, 0, len(s.History))
	for _, e := range s.History {
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []string{session.EntryGoal, string(schemas.KindClickCoordinates), session.EntryGoal}, kinds,
		"both goals and the dispatched action stay in history")
}

func TestStartAfterCancelBuildsFreshSession(t *testing.T) {
	f := newFixture(t, `{"kind":"click_coordinates","x":1,"y":2}`)
	rec := start(t, f, "first goal")
	screenshot(f, rec, "screen-1")
	f.handler.Handle(context.Background(), schemas.Inbound{Type: schemas.InboundCancel, Context: testCtx()}, rec)

	rec2 := start(t, f, "second attempt")
	require.Equal(t, schemas.OutboundStatus, rec2.last(t).Type)

	s, err := f.store.Get(context.Background(), session.Key{UserID: "user-1", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.False(t, s.Canceled)
	assert.Equal(t, 0, s.Iteration, "a canceled session is replaced, not resumed")
}

func TestCancelStopsIntake(t *testing.T) {
	f := newFixture(t, `{"kind":"capture"}`)
	rec := start(t, f, "goal")

	f.handler.Handle(context.Background(), schemas.Inbound{Type: schemas.InboundCancel, Context: testCtx()}, rec)
	require.Equal(t, schemas.OutboundStatus, rec.last(t).Type)

	screenshot(f, rec, "screen-1")
	require.Equal(t, schemas.OutboundError, rec.last(t).Type)
	assert.Equal(t, CodeProtocolViolation, rec.last(t).Error.Code)

	// The canceled session is retained for idle expiry, not deleted.
	s, err := f.store.Get(context.Background(), session.Key{UserID: "user-1", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.True(t, s.Canceled)
}

func TestActionCompleteFailureIsRecorded(t *testing.T) {
	f := newFixture(t, `{"kind":"capture"}`)
	rec := start(t, f, "goal")

	f.handler.Handle(context.Background(), schemas.Inbound{
		Type: schemas.InboundActionComplete, Context: testCtx(),
		ActionResult: &schemas.ActionResult{Success: false, Error: "element not clickable"},
	}, rec)
	require.Equal(t, schemas.OutboundStatus, rec.last(t).Type)

	s, err := f.store.Get(context.Background(), session.Key{UserID: "user-1", SessionID: "sess-1"})
	require.NoError(t, err)
	assert.Contains(t, s.HistoryLines(5), "action failed: element not clickable")
}

func TestPlanAdvancesOnStepCompletion(t *testing.T) {
	f := newFixture(t, `{"kind":"capture"}`)
	rec := &recorder{}
	f.handler.Handle(context.Background(), schemas.Inbound{
		Type: schemas.InboundStartWithPlan, Context: testCtx(), Goal: "g",
		Plan: &schemas.Plan{Steps: []schemas.PlanStep{
			{ID: "a", Description: "step one"},
			{ID: "b", Description: "step two"},
		}},
	}, rec)
	require.Equal(t, schemas.OutboundStatus, rec.last(t).Type)

	key := session.Key{UserID: "user-1", SessionID: "sess-1"}
	s, err := f.store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 60, s.MaxIterations, "plan sessions get the larger default budget")

	f.handler.Handle(context.Background(), schemas.Inbound{
		Type: schemas.InboundActionComplete, Context: testCtx(),
		ActionResult: &schemas.ActionResult{Success: true, StepCompleted: true},
	}, rec)

	s, err = f.store.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Plan.CurrentStep)
}

func TestStructuralLoopForcesEnd(t *testing.T) {
	f := newFixture(t, `{"kind":"press_key","key":"alt+tab"}`)
	rec := start(t, f, "move the file")

	screenshot(f, rec, "screen-1")
	require.Equal(t, schemas.OutboundAction, rec.last(t).Type)

	screenshot(f, rec, "screen-2")

	n := len(rec.events)
	require.GreaterOrEqual(t, n, 3)
	diag := rec.events[n-3]
	action := rec.events[n-2]
	complete := rec.events[n-1]

	require.Equal(t, schemas.OutboundError, diag.Type)
	assert.Equal(t, CodeStructuralLoop, diag.Error.Code)

	act, err := schemas.DecodeAction(action.Action)
	require.NoError(t, err)
	end, ok := act.(schemas.End)
	require.True(t, ok)
	assert.False(t, end.Success)

	require.Equal(t, schemas.OutboundComplete, complete.Type)
	require.NotNil(t, complete.Success)
	assert.False(t, *complete.Success)
}

func TestRejectedProposalIsRetriedOnce(t *testing.T) {
	// The model proposes typing with no focused input, then corrects itself.
	f := newFixture(t,
		`{"kind":"navigate","url":"https://mail.example.com"}`,
		`{"kind":"type_text","text":"hello"}`,
		`{"kind":"click_coordinates","x":10,"y":20}`,
	)
	rec := start(t, f, "write a mail")

	screenshot(f, rec, "screen-1")
	act, err := schemas.DecodeAction(rec.last(t).Action)
	require.NoError(t, err)
	require.IsType(t, schemas.Navigate{}, act)

	screenshot(f, rec, "screen-2")
	out := rec.last(t)
	require.Equal(t, schemas.OutboundAction, out.Type)
	act, err = schemas.DecodeAction(out.Action)
	require.NoError(t, err)
	assert.IsType(t, schemas.ClickCoordinates{}, act, "the rejected typing proposal is replaced by the retry's answer")
	assert.Equal(t, 3, f.model.calls)
}
