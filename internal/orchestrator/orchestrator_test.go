// internal/orchestrator/orchestrator_test.go
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/eventstream"
	"github.com/xkilldash9x/pilot-cli/internal/intent"
	"github.com/xkilldash9x/pilot-cli/internal/mocks"
	"github.com/xkilldash9x/pilot-cli/internal/perception"
	"github.com/xkilldash9x/pilot-cli/internal/resolver"
)

// -- Test Doubles --

// stubResolver finds every goal by its description unless told otherwise.
type stubResolver struct {
	mu          sync.Mutex
	missing     map[string]bool
	invalidated []string
}

func (s *stubResolver) Resolve(ctx context.Context, goal schemas.ElementIntent, page schemas.CandidateSet) (resolver.Resolution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.missing[goal.Description] {
		return resolver.Resolution{DeepSearch: true}, nil
	}
	el := schemas.ResolvedElement{Handle: goal.Description, Confidence: 0.9, Text: "text of " + goal.Description}
	return resolver.Resolution{Found: true, Element: &el, Best: &el, BestScore: 0.9}, nil
}

func (s *stubResolver) InvalidatePage(fp string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invalidated = append(s.invalidated, fp)
	return 1
}

func (s *stubResolver) invalidations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invalidated)
}

func missing(descriptions ...string) *stubResolver {
	s := &stubResolver{missing: make(map[string]bool)}
	for _, d := range descriptions {
		s.missing[d] = true
	}
	return s
}

// -- Fixtures --

var stubPage = schemas.CandidateSet{Fingerprint: "fp-1", Candidates: []schemas.Candidate{{ID: "x", Visible: true}}}

func testConfig() config.OrchestratorConfig {
	return config.OrchestratorConfig{
		TaskTimeout:    5 * time.Second,
		AttemptTimeout: time.Second,
		MaxAttempts:    3,
		RetryBase:      time.Millisecond,
		RetryMax:       5 * time.Millisecond,
		MaxConcurrency: 4,
		VerifyTimeout:  100 * time.Millisecond,
	}
}

func setupOrchestrator(t *testing.T, surface schemas.SurfaceController, res ElementResolver, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithBackOff(func() backoff.BackOff { return &backoff.ZeroBackOff{} })}, opts...)
	o, err := New(testConfig(), surface, res, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	return o
}

func newSurface() *mocks.MockSurfaceController {
	s := new(mocks.MockSurfaceController)
	s.On("QueryElements", mock.Anything).Return(stubPage, nil).Maybe()
	return s
}

func handle(h string) any {
	return mock.MatchedBy(func(el schemas.ResolvedElement) bool { return el.Handle == h })
}

func execute(t *testing.T, o *Orchestrator, in *schemas.Intent) *schemas.ExecutionResult {
	t.Helper()
	result, err := o.CompileAndExecute(context.Background(), in)
	require.NoError(t, err)
	return result
}

func outcome(t *testing.T, r *schemas.ExecutionResult, id string) schemas.SubIntentOutcome {
	t.Helper()
	o, ok := r.Outcome(id)
	require.True(t, ok, "no outcome for %s", id)
	return o
}

// -- End to End --

func TestExecute_TypeThenPressEnter(t *testing.T) {
	logger := zaptest.NewLogger(t)
	manager := intent.NewManager(config.IntentConfig{HistorySize: 10}, nil, logger)
	in, err := manager.Decompose(context.Background(), "type 'hello' into the search field and press Enter", nil)
	require.NoError(t, err)

	cands := []schemas.Candidate{
		{ID: "logo", Tag: "img", Bounds: schemas.BoundingBox{X: 10, Y: 10, Width: 80, Height: 40}, Visible: true, Enabled: true, Attributes: map[string]string{"alt": "Shop"}},
		{ID: "search-input", Tag: "input", Bounds: schemas.BoundingBox{X: 120, Y: 15, Width: 400, Height: 32}, Visible: true, Enabled: true, Interactive: true,
			Attributes: map[string]string{"type": "search", "placeholder": "Search"}},
		{ID: "go", Tag: "button", Text: "Go", Bounds: schemas.BoundingBox{X: 530, Y: 15, Width: 60, Height: 32}, Visible: true, Enabled: true, Interactive: true},
	}
	page := schemas.CandidateSet{Fingerprint: perception.Fingerprint(cands), Candidates: cands}

	res := resolver.New(config.ResolverConfig{
		ConfidenceThreshold: 0.7,
		DeepSearchThreshold: 0.3,
		CacheTTL:            time.Minute,
		StrategyTimeout:     time.Second,
		ProximityPx:         200,
	}, logger, resolver.DefaultStrategies(resolver.Dependencies{}, 200)...)
	t.Cleanup(res.Close)

	surface := new(mocks.MockSurfaceController)
	surface.On("QueryElements", mock.Anything).Return(page, nil)
	surface.On("Type", mock.Anything, handle("search-input"), "hello").
		Run(func(mock.Arguments) { time.Sleep(20 * time.Millisecond) }).
		Return(nil)
	surface.On("PressKey", mock.Anything, "Enter").Return(nil)

	o := setupOrchestrator(t, surface, res)
	result := execute(t, o, in)

	require.True(t, result.Success, "errors: %v", result.Errors)
	journal := surface.Journal()
	require.Len(t, journal, 2)
	assert.Equal(t, "Type", journal[0].Method)
	assert.Equal(t, "PressKey", journal[1].Method)
	assert.False(t, journal[0].End.After(journal[1].Start), "the key press waits for typing to finish")

	typed, ok := result.Result("sub_1_type_1")
	require.True(t, ok)
	pressed, ok := result.Result("sub_2_keyboard_1")
	require.True(t, ok)
	assert.False(t, typed.FinishedAt.After(pressed.StartedAt))
	assert.Equal(t, "search-input", typed.Target.Handle)
	assert.GreaterOrEqual(t, typed.Target.Confidence, 0.7)
	assert.False(t, typed.Idempotent)
	surface.AssertExpectations(t)
}

func TestExecute_ConcurrentExtraction(t *testing.T) {
	manager := intent.NewManager(config.IntentConfig{HistorySize: 10}, nil, zaptest.NewLogger(t))
	in, err := manager.Decompose(context.Background(), "extract all product names and prices", nil)
	require.NoError(t, err)

	// Each call waits for the other: they only both return promptly when
	// they run at the same time.
	var arrived sync.WaitGroup
	arrived.Add(2)
	surface := newSurface()
	surface.On("Evaluate", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) {
			arrived.Done()
			both := make(chan struct{})
			go func() {
				arrived.Wait()
				close(both)
			}()
			select {
			case <-both:
			case <-time.After(2 * time.Second):
			}
		}).
		Return([]any{"Widget", "$10"}, nil)

	o := setupOrchestrator(t, surface, &stubResolver{})
	result := execute(t, o, in)

	require.True(t, result.Success, "errors: %v", result.Errors)
	assert.Equal(t, [][]string{{"sub_1_extract_1", "sub_2_extract_1"}}, result.Waves)

	journal := surface.Journal()
	require.Len(t, journal, 2)
	assert.True(t, journal[0].End.After(journal[1].Start), "extractions overlapped")
	assert.Less(t, result.Elapsed, 2*time.Second)

	scripts := journal[0].Arg + journal[1].Arg
	assert.Contains(t, scripts, `["name","product"]`)
	assert.Contains(t, scripts, `["price","product"]`)
	for _, a := range result.Actions {
		assert.True(t, a.Idempotent)
		assert.Equal(t, []any{"Widget", "$10"}, a.Payload)
	}
}

// -- Dependencies and Failures --

func TestExecute_CycleIsConfigurationError(t *testing.T) {
	g := &ActionGraph{Actions: []schemas.Action{
		{ID: "a", Type: schemas.ActionClick, DependsOn: []string{"b"}},
		{ID: "b", Type: schemas.ActionClick, DependsOn: []string{"a"}},
	}}
	o := setupOrchestrator(t, newSurface(), &stubResolver{})
	result, err := o.Execute(context.Background(), g)
	assert.ErrorIs(t, err, schemas.ErrConfiguration)
	assert.Nil(t, result)
}

func TestExecute_OptionalFailureDoesNotBlockDependents(t *testing.T) {
	banner := clickSub("banner", "cookie banner close")
	banner.Optional = true

	surface := newSurface()
	surface.On("Click", mock.Anything, handle("next")).Return(nil)

	o := setupOrchestrator(t, surface, missing("cookie banner close"))
	result := execute(t, o, intentOf(banner, clickSub("next", "next", "banner")))

	assert.True(t, result.Success, "errors: %v", result.Errors)
	assert.Equal(t, schemas.SubIntentFailed, outcome(t, result, "banner").Status)
	assert.Equal(t, schemas.SubIntentSucceeded, outcome(t, result, "next").Status)

	failed, _ := result.Result("banner_click_1")
	assert.Equal(t, schemas.CodeNotFound, failed.Code)
	assert.Equal(t, 1, failed.Attempts, "not found after deep search is final")
}

func TestExecute_RequiredFailureSkipsDependents(t *testing.T) {
	surface := newSurface()
	surface.On("Navigate", mock.Anything, "https://example.com").Return(nil)
	surface.On("Click", mock.Anything, handle("other")).Return(nil)

	o := setupOrchestrator(t, surface, missing("missing"))
	result := execute(t, o, intentOf(
		navSub("a", "example.com"),
		clickSub("b", "missing", "a"),
		clickSub("c", "next", "b"),
		clickSub("d", "other", "a"),
	))

	assert.False(t, result.Success)
	assert.Equal(t, schemas.SubIntentSucceeded, outcome(t, result, "a").Status)
	assert.Equal(t, schemas.SubIntentFailed, outcome(t, result, "b").Status)
	assert.Equal(t, schemas.SubIntentSkipped, outcome(t, result, "c").Status)
	assert.Equal(t, schemas.SubIntentSucceeded, outcome(t, result, "d").Status)

	skipped, ok := result.Result("c_click_1")
	require.True(t, ok)
	assert.Equal(t, schemas.CodeSkipped, skipped.Code)
	assert.Equal(t, 0, skipped.Attempts)
	surface.AssertNotCalled(t, "Click", mock.Anything, handle("next"))
}

func TestExecute_UnresolvedSubIntentFails(t *testing.T) {
	surface := newSurface()
	o := setupOrchestrator(t, surface, &stubResolver{})
	result := execute(t, o, intentOf(describedSub("a", "hmm"), clickSub("b", "next", "a")))

	assert.False(t, result.Success)
	a := outcome(t, result, "a")
	assert.Equal(t, schemas.SubIntentFailed, a.Status)
	require.NotEmpty(t, a.Errors)
	assert.Equal(t, schemas.SubIntentSkipped, outcome(t, result, "b").Status)
}

// -- Retries --

func TestExecute_RetriesTransientFailures(t *testing.T) {
	surface := newSurface()
	surface.On("Click", mock.Anything, handle("buy")).Return(schemas.ErrStaleTarget).Once()
	surface.On("Click", mock.Anything, handle("buy")).Return(nil)

	res := &stubResolver{}
	o := setupOrchestrator(t, surface, res)
	result := execute(t, o, intentOf(clickSub("a", "buy")))

	require.True(t, result.Success)
	r, _ := result.Result("a_click_1")
	assert.Equal(t, 2, r.Attempts)
	surface.AssertNumberOfCalls(t, "QueryElements", 2)
	assert.Equal(t, 2, res.invalidations(), "each mutating attempt invalidates the snapshot")
}

func TestExecute_RetryLimit(t *testing.T) {
	surface := newSurface()
	surface.On("Click", mock.Anything, mock.Anything).Return(fmt.Errorf("click: %w", schemas.ErrTimeout))

	o := setupOrchestrator(t, surface, &stubResolver{})
	result := execute(t, o, intentOf(clickSub("a", "buy")))

	assert.False(t, result.Success)
	r, _ := result.Result("a_click_1")
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, schemas.CodeTimeout, r.Code)
	assert.False(t, result.TimedOut, "an attempt timeout is not the execution deadline")
}

func TestExecute_PermanentFailureIsNotRetried(t *testing.T) {
	surface := newSurface()
	surface.On("Type", mock.Anything, mock.Anything, "x").Return(fmt.Errorf("%w: field is read-only", schemas.ErrValidation))

	o := setupOrchestrator(t, surface, &stubResolver{})
	result := execute(t, o, intentOf(typeSub("a", "name", "x")))

	r, _ := result.Result("a_type_1")
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, schemas.CodeValidation, r.Code)
}

// -- Deadlines and Aborts --

func TestExecute_DeadlineReturnsPartialResults(t *testing.T) {
	defer goleak.VerifyNone(t)

	surface := newSurface()
	surface.On("Navigate", mock.Anything, "https://example.com").Return(nil)

	in := intentOf(
		navSub("a", "example.com"),
		withDeps(describedSub("b", "wait 10 seconds"), "a"),
		clickSub("c", "next", "b"),
	)
	in.Constraints = []schemas.Constraint{{Type: schemas.ConstraintTimeLimit, Value: "100ms"}}

	o := setupOrchestrator(t, surface, &stubResolver{})
	result := execute(t, o, in)

	assert.True(t, result.TimedOut)
	assert.False(t, result.Success)
	assert.Less(t, result.Elapsed, 5*time.Second)

	nav, ok := result.Result("a_navigate_1")
	require.True(t, ok)
	assert.True(t, nav.Success)
	wait, ok := result.Result("b_wait_1")
	require.True(t, ok)
	assert.Equal(t, schemas.CodeTimeout, wait.Code)
	_, ok = result.Result("c_click_1")
	assert.False(t, ok, "actions after the deadline never start")
	assert.Equal(t, schemas.SubIntentPending, outcome(t, result, "c").Status)
	assert.NotEmpty(t, result.Errors)
}

func TestExecute_SessionLostAborts(t *testing.T) {
	surface := newSurface()
	surface.On("Navigate", mock.Anything, mock.Anything).Return(fmt.Errorf("browser crashed: %w", schemas.ErrSessionLost))

	o := setupOrchestrator(t, surface, &stubResolver{})
	result := execute(t, o, intentOf(navSub("a", "example.com"), clickSub("b", "next", "a")))

	assert.True(t, result.Aborted)
	assert.False(t, result.Success)
	r, _ := result.Result("a_navigate_1")
	assert.Equal(t, schemas.CodeSessionLost, r.Code)
	assert.Equal(t, 1, r.Attempts)
	_, ran := result.Result("b_click_1")
	assert.False(t, ran)
}

func TestExecute_CallerCancellation(t *testing.T) {
	surface := newSurface()
	ctx, cancel := context.WithCancel(context.Background())
	surface.On("Navigate", mock.Anything, mock.Anything).Run(func(mock.Arguments) { cancel() }).Return(nil)

	o := setupOrchestrator(t, surface, &stubResolver{})
	result, err := o.CompileAndExecute(ctx, intentOf(navSub("a", "example.com"), clickSub("b", "next", "a")))
	require.NoError(t, err)
	assert.True(t, result.Aborted)
	assert.False(t, result.Success)
}

// -- Custom Actions, Verification, Secrets --

func TestExecute_CustomAction(t *testing.T) {
	surface := newSurface()
	o := setupOrchestrator(t, surface, &stubResolver{})

	assert.ErrorIs(t, o.RegisterCustomAction("", nil), schemas.ErrConfiguration)
	require.NoError(t, o.RegisterCustomAction("dismiss_cookies", func(ctx context.Context, s schemas.SurfaceController, a schemas.Action, target *schemas.ResolvedElement) (any, error) {
		assert.NotNil(t, s)
		return "dismissed " + a.Param("mode"), nil
	}))

	custom := func(id, name string) schemas.SubIntent {
		return schemas.SubIntent{ID: id, Type: schemas.IntentInteraction, Parameters: []schemas.Parameter{
			param("custom_action", name), param("mode", "all"),
		}}
	}
	result := execute(t, o, intentOf(custom("a", "dismiss_cookies"), custom("b", "unknown")))

	ok, _ := result.Result("a_custom_1")
	assert.True(t, ok.Success)
	assert.Equal(t, "dismissed all", ok.Payload)

	unknown, _ := result.Result("b_custom_1")
	assert.Equal(t, schemas.CodeValidation, unknown.Code)
}

func TestExecute_Verification(t *testing.T) {
	surface := newSurface()
	surface.On("Navigate", mock.Anything, mock.Anything).Return(nil)
	surface.On("WaitForCondition", mock.Anything, schemas.Condition{Kind: schemas.ConditionTextPresent, Value: "Welcome"}, 100*time.Millisecond).Return(nil)
	surface.On("WaitForCondition", mock.Anything, schemas.Condition{Kind: schemas.ConditionURLMatches, Value: "/done"}, time.Second).
		Return(fmt.Errorf("%w: url never matched", schemas.ErrTimeout))
	surface.On("CurrentURL", mock.Anything).Return("https://example.com/home", nil)

	in := intentOf(navSub("a", "example.com"))
	in.SuccessCriteria = []schemas.SuccessCriterion{
		{Type: schemas.CriterionTextPresent, Expected: "Welcome"},
		{Type: schemas.CriterionURLMatches, Expected: "/done", Timeout: time.Second},
	}

	o := setupOrchestrator(t, surface, &stubResolver{})
	result := execute(t, o, in)

	assert.False(t, result.Success, "every sub-intent succeeded but a criterion failed")
	assert.Equal(t, schemas.SubIntentSucceeded, outcome(t, result, "a").Status)
	require.Len(t, result.Verification, 2)
	assert.True(t, result.Verification[0].Passed)
	assert.False(t, result.Verification[1].Passed)
	assert.Contains(t, result.Verification[1].Detail, "current url https://example.com/home")
}

func TestExecute_ScrubsSecrets(t *testing.T) {
	stream := eventstream.New(zaptest.NewLogger(t), eventstream.DefaultConfig())
	t.Cleanup(stream.Close)

	surface := newSurface()
	surface.On("Type", mock.Anything, mock.Anything, "hunter2").Return(fmt.Errorf("%w: refused to type hunter2", schemas.ErrValidation))

	fill := schemas.SubIntent{ID: "a", Type: schemas.IntentFormFill, Parameters: []schemas.Parameter{
		{Name: "password", Value: "hunter2", Type: schemas.ParamPassword, Sensitive: true},
	}}
	o := setupOrchestrator(t, surface, &stubResolver{}, WithEvents(stream))
	result := execute(t, o, intentOf(fill))

	r, _ := result.Result("a_type_1")
	assert.NotContains(t, r.Error, "hunter2")
	assert.Contains(t, r.Error, schemas.RedactedValue)
	for _, s := range outcome(t, result, "a").Errors {
		assert.NotContains(t, s, "hunter2")
	}

	events := stream.Recent(eventstream.CategoryState, 0)
	require.NotEmpty(t, events)
	for _, e := range events {
		assert.False(t, strings.Contains(fmt.Sprint(e.Data), "hunter2"), "event %s leaked a secret", e.Message)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(testConfig(), nil, &stubResolver{}, nil)
	assert.ErrorIs(t, err, schemas.ErrConfiguration)
}
