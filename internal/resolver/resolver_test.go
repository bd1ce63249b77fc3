package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/cache"
	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/mocks"
	"github.com/xkilldash9x/pilot-cli/internal/perception"
)

// -- Fixtures --

func testConfig() config.ResolverConfig {
	return config.ResolverConfig{
		ConfidenceThreshold: 0.7,
		DeepSearchThreshold: 0.3,
		CacheTTL:            time.Minute,
		StrategyTimeout:     time.Second,
		ProximityPx:         200,
	}
}

func box(x, y, w, h float64) schemas.BoundingBox {
	return schemas.BoundingBox{X: x, Y: y, Width: w, Height: h}
}

// element builds a visible, enabled candidate. attrs are key/value pairs.
func element(id, tag, text string, b schemas.BoundingBox, attrs ...string) schemas.Candidate {
	c := schemas.Candidate{
		ID:          id,
		Tag:         tag,
		Text:        text,
		Bounds:      b,
		Visible:     true,
		Enabled:     true,
		Interactive: tag == "button" || tag == "input" || tag == "a",
		Attributes:  map[string]string{},
	}
	for i := 0; i+1 < len(attrs); i += 2 {
		c.Attributes[attrs[i]] = attrs[i+1]
	}
	return c
}

func pageOf(cands ...schemas.Candidate) schemas.CandidateSet {
	return schemas.CandidateSet{Fingerprint: perception.Fingerprint(cands), Candidates: cands}
}

func setupResolver(t *testing.T, cfg config.ResolverConfig, strategies ...Strategy) *Resolver {
	t.Helper()
	r := New(cfg, zaptest.NewLogger(t), strategies...)
	t.Cleanup(r.Close)
	return r
}

// countingStrategy returns a fixed outcome and counts invocations.
type countingStrategy struct {
	name    string
	outcome func(page *Page) Outcome
	calls   atomic.Int32
}

func (s *countingStrategy) Name() string { return s.name }

func (s *countingStrategy) Resolve(ctx context.Context, goal schemas.ElementIntent, page *Page) Outcome {
	s.calls.Add(1)
	return s.outcome(page)
}

type panicStrategy struct{}

func (panicStrategy) Name() string { return "panicky" }
func (panicStrategy) Resolve(context.Context, schemas.ElementIntent, *Page) Outcome {
	panic("boom")
}

// -- Resolution --

func TestResolve_DirectTestID(t *testing.T) {
	page := pageOf(
		element("c1", "button", "Go", box(10, 10, 80, 30), "data-testid", "submit-btn"),
		element("c2", "button", "Cancel", box(100, 10, 80, 30)),
	)
	r := setupResolver(t, testConfig(), DefaultStrategies(Dependencies{}, 200)...)

	res, err := r.Resolve(context.Background(), schemas.ElementIntent{TestID: "submit-btn"}, page)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "c1", res.Element.Handle)
	assert.Equal(t, 1.0, res.Element.Confidence)
	assert.False(t, res.DeepSearch)
	assert.Equal(t, []string{StrategyDirect}, res.Element.Strategies())
	require.NotNil(t, res.Element.Bounds)
	assert.NoError(t, res.Err(schemas.ElementIntent{TestID: "submit-btn"}))
}

func TestResolve_MergesEvidenceAcrossStrategies(t *testing.T) {
	page := pageOf(element("c1", "button", "Search", box(10, 10, 80, 30), "data-testid", "search"))
	r := setupResolver(t, testConfig(), DefaultStrategies(Dependencies{}, 200)...)

	res, err := r.Resolve(context.Background(), schemas.ElementIntent{TestID: "search", Text: "Search"}, page)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, []string{StrategyDirect, StrategyFuzzy}, res.Element.Strategies(),
		"reasoning trails are concatenated in priority order")
}

func TestResolve_MergesOverlappingCandidatesByIoU(t *testing.T) {
	domCand := element("dom-1", "button", "Pay", box(100, 100, 100, 40))
	visCand := element("vis-1", "button", "", box(102, 101, 100, 40))
	first := &countingStrategy{name: "first", outcome: func(*Page) Outcome {
		return Found(Match{Candidate: domCand, Evidence: 0.5, Detail: "a"})
	}}
	second := &countingStrategy{name: "second", outcome: func(*Page) Outcome {
		return Found(Match{Candidate: visCand, Evidence: 0.9, Detail: "b"})
	}}
	r := setupResolver(t, testConfig(), first, second)

	res, err := r.Resolve(context.Background(), schemas.ElementIntent{Description: "pay"}, pageOf(domCand, visCand))
	require.NoError(t, err)
	require.NotNil(t, res.Best)
	assert.Equal(t, "dom-1", res.Best.Handle, "the first seen identity is kept")
	assert.Equal(t, []string{"first", "second"}, res.Best.Strategies())
}

func TestResolve_NotFoundWhenNothingMatches(t *testing.T) {
	empty := &countingStrategy{name: "empty", outcome: func(*Page) Outcome { return NotFound() }}
	r := setupResolver(t, testConfig(), empty)

	goal := schemas.ElementIntent{Description: "launch button"}
	res, err := r.Resolve(context.Background(), goal, pageOf(element("c1", "div", "hello", box(0, 0, 50, 50))))
	require.NoError(t, err, "a missing element is data, not an error")
	assert.False(t, res.Found)
	assert.Nil(t, res.Element)
	assert.Nil(t, res.Best)
	assert.True(t, res.DeepSearch)
	assert.Equal(t, "not found", res.Outcomes["empty"])
	assert.Equal(t, "not found", res.Outcomes["empty (relaxed)"])
	assert.Equal(t, int32(2), empty.calls.Load(), "normal and relaxed passes")
	assert.ErrorIs(t, res.Err(goal), schemas.ErrNotFound)
}

func TestResolve_LowConfidenceDiagnostic(t *testing.T) {
	page := pageOf(element("c1", "a", "billing address", box(0, 0, 120, 20)))
	goal := schemas.ElementIntent{Text: "shipping address"}

	r := setupResolver(t, testConfig(), FuzzyStrategy{})
	res, err := r.Resolve(context.Background(), goal, page)
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.True(t, res.DeepSearch)
	require.NotNil(t, res.Best, "best candidate is attached as a diagnostic")
	assert.Equal(t, "c1", res.Best.Handle)
	assert.InDelta(t, 0.41, res.BestScore, 1e-9)

	lenient := testConfig()
	lenient.AcceptLowConfidence = true
	r = setupResolver(t, lenient, FuzzyStrategy{})
	res, err = r.Resolve(context.Background(), goal, page)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "c1", res.Element.Handle)
	assert.Contains(t, res.Element.Strategies(), "policy")
}

func TestResolve_DeepSearchIncludesHidden(t *testing.T) {
	hidden := element("c1", "button", "Submit", box(0, 0, 80, 30))
	hidden.Visible = false
	r := setupResolver(t, testConfig(), DefaultStrategies(Dependencies{}, 200)...)

	res, err := r.Resolve(context.Background(), schemas.ElementIntent{Text: "Submit"}, pageOf(hidden))
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.True(t, res.DeepSearch)
	assert.Equal(t, "c1", res.Element.Handle)

	res, err = r.Resolve(context.Background(), schemas.ElementIntent{Text: "Submit", VisibleOnly: true}, pageOf(hidden))
	require.NoError(t, err)
	assert.False(t, res.Found, "VisibleOnly holds even in deep search")
}

func TestResolve_DisabledOnlyWhenRequested(t *testing.T) {
	disabled := element("c1", "button", "Next", box(0, 0, 80, 30))
	disabled.Enabled = false
	r := setupResolver(t, testConfig(), FuzzyStrategy{})

	res, err := r.Resolve(context.Background(), schemas.ElementIntent{Text: "Next", IncludeDisabled: true}, pageOf(disabled))
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.False(t, res.DeepSearch)
}

func TestResolve_CachedByFingerprint(t *testing.T) {
	target := element("c1", "button", "OK", box(0, 0, 80, 30))
	s := &countingStrategy{name: "direct-attribute", outcome: func(*Page) Outcome {
		return Found(Match{Candidate: target, Evidence: 1})
	}}
	r := setupResolver(t, testConfig(), s)
	page := pageOf(target)
	goal := schemas.ElementIntent{Description: "ok button"}

	first, err := r.Resolve(context.Background(), goal, page)
	require.NoError(t, err)
	second, err := r.Resolve(context.Background(), goal, page)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), s.calls.Load(), "second resolution is served from cache")
	assert.Equal(t, int64(1), r.CacheStats().Hits)

	assert.Equal(t, 1, r.InvalidatePage(page.Fingerprint))
	_, err = r.Resolve(context.Background(), goal, page)
	require.NoError(t, err)
	assert.Equal(t, int32(2), s.calls.Load(), "invalidation forces recomputation")

	mutated := pageOf(target, element("c2", "div", "toast", box(0, 100, 10, 10)))
	require.NotEqual(t, page.Fingerprint, mutated.Fingerprint)
	_, err = r.Resolve(context.Background(), goal, mutated)
	require.NoError(t, err)
	assert.Equal(t, int32(3), s.calls.Load(), "a changed page is a cache miss")
}

func TestResolve_ConcurrentCallersShareOneComputation(t *testing.T) {
	defer goleak.VerifyNone(t)

	target := element("c1", "button", "OK", box(0, 0, 80, 30))
	release := make(chan struct{})
	s := &countingStrategy{name: "slow", outcome: func(*Page) Outcome {
		<-release
		return Found(Match{Candidate: target, Evidence: 1})
	}}
	r := New(testConfig(), zaptest.NewLogger(t), s)
	defer r.Close()

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Resolution, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Resolve(context.Background(), schemas.ElementIntent{Description: "ok"}, pageOf(target))
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), s.calls.Load())
	for _, res := range results {
		assert.True(t, res.Found)
	}
}

func TestResolve_FailingStrategiesAreIgnored(t *testing.T) {
	target := element("c1", "button", "Save", box(0, 0, 80, 30), "data-testid", "save")
	failing := &countingStrategy{name: "flaky", outcome: func(*Page) Outcome { return StrategyError("upstream 503") }}
	r := setupResolver(t, testConfig(), DirectStrategy{}, failing, panicStrategy{})

	goal := schemas.ElementIntent{TestID: "save"}
	res, err := r.Resolve(context.Background(), goal, pageOf(target))
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.True(t, res.Degraded)
	assert.Equal(t, "error: upstream 503", res.Outcomes["flaky"])
	assert.Contains(t, res.Outcomes["panicky"], "panic: boom")

	_, err = r.Resolve(context.Background(), goal, pageOf(target))
	require.NoError(t, err)
	assert.Equal(t, int32(2), failing.calls.Load(), "degraded resolutions are not cached")
}

func TestResolve_ContextCancelled(t *testing.T) {
	r := setupResolver(t, testConfig(), FuzzyStrategy{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Resolve(ctx, schemas.ElementIntent{Text: "x"}, pageOf())
	assert.ErrorIs(t, err, context.Canceled)
}

// -- Scoring behaviour --

func TestResolve_Ordinal(t *testing.T) {
	page := pageOf(
		element("c1", "button", "Add to cart", box(0, 100, 120, 30), "data-order", "0"),
		element("c2", "button", "Add to cart", box(0, 300, 120, 30), "data-order", "1"),
		element("c3", "button", "Add to cart", box(0, 200, 120, 30), "data-order", "2"),
	)
	r := setupResolver(t, testConfig(), FuzzyStrategy{})

	tests := []struct {
		ordinal schemas.Ordinal
		index   int
		want    string
	}{
		{schemas.OrdinalFirst, 0, "c1"},
		{schemas.OrdinalLast, 0, "c2"},
		{schemas.OrdinalNth, 2, "c3"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s-%d", tt.ordinal, tt.index), func(t *testing.T) {
			res, err := r.Resolve(context.Background(), schemas.ElementIntent{Text: "Add to cart", Ordinal: tt.ordinal, Index: tt.index}, page)
			require.NoError(t, err)
			require.True(t, res.Found)
			assert.Equal(t, tt.want, res.Element.Handle)
		})
	}
}

func TestResolve_AdsArePenalized(t *testing.T) {
	page := pageOf(
		element("ad", "button", "Buy now", box(0, 0, 120, 30), "class", "sponsored-listing"),
		element("real", "button", "Buy now", box(0, 100, 120, 30)),
	)
	r := setupResolver(t, testConfig(), FuzzyStrategy{})

	res, err := r.Resolve(context.Background(), schemas.ElementIntent{Text: "Buy now"}, page)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "real", res.Element.Handle)
}

func TestScore(t *testing.T) {
	ext := extent{w: 1200, h: 900}
	tests := []struct {
		name string
		goal schemas.ElementIntent
		cand schemas.Candidate
		want float64
	}{
		{"interactive only", schemas.ElementIntent{}, element("c", "button", "", box(500, 400, 50, 20)), 0.2},
		{"exact text", schemas.ElementIntent{Text: "Login"}, element("c", "div", "login", box(500, 400, 50, 20)), 0.5},
		{"substring text", schemas.ElementIntent{Text: "Login"}, element("c", "div", "login now", box(500, 400, 50, 20)), 0.3},
		{"role", schemas.ElementIntent{Description: "the submit button"}, element("c", "button", "Send", box(500, 400, 50, 20)), 0.6},
		{"search role", schemas.ElementIntent{Description: "search field"}, element("c", "input", "", box(500, 400, 50, 20), "type", "search"), 0.2 + 0.4 + 0.2},
		{"location exact", schemas.ElementIntent{Location: "header"}, element("c", "nav", "", box(0, 0, 50, 20)), 0.2},
		{"location partial", schemas.ElementIntent{Location: "header"}, element("c", "div", "", box(500, 10, 50, 20)), 0.1},
		{"prominent", schemas.ElementIntent{}, element("c", "div", "", box(0, 400, 400, 40)), 0.1},
		{"ad", schemas.ElementIntent{}, element("c", "div", "Sponsored", box(500, 400, 50, 20)), -0.3},
		{"decorative", schemas.ElementIntent{}, element("c", "div", "", box(500, 400, 5, 5)), -0.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, score(tt.goal, tt.cand, ext), 1e-9)
		})
	}
	assert.Equal(t, 1.0, clamp(1.7))
	assert.Equal(t, 0.0, clamp(-0.3))
}

func TestTextSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, TextSimilarity("sign in", "sign in"))
	assert.Equal(t, 0.8, TextSimilarity("search", "search products"))
	assert.Equal(t, 0.8, TextSimilarity("search products", "search"))
	assert.InDelta(t, 0.3, TextSimilarity("shipping address", "billing address"), 1e-9)
	assert.Equal(t, 0.0, TextSimilarity("", "x"))
	assert.Equal(t, 0.0, TextSimilarity("ab", "xyz"))
}

func TestQueryAndRole(t *testing.T) {
	assert.Equal(t, "search", Query(schemas.ElementIntent{Description: "click the search button"}))
	assert.Equal(t, "button", WantedRole(schemas.ElementIntent{Description: "click the search button"}))
	assert.Equal(t, "textbox", WantedRole(schemas.ElementIntent{Description: "the email field"}))
	assert.Equal(t, "exact", Query(schemas.ElementIntent{Text: "Exact", Description: "ignored"}))
	assert.Equal(t, "combobox", WantedRole(schemas.ElementIntent{Role: "dropdown"}))
}

func TestParseSelector(t *testing.T) {
	sel, err := parseSelector(`button#go.primary.large[type="submit"]`)
	require.NoError(t, err)
	assert.Equal(t, "button", sel.tag)
	assert.Equal(t, "go", sel.id)
	assert.Equal(t, []string{"primary", "large"}, sel.classes)
	assert.Equal(t, map[string]string{"type": "submit"}, sel.attrs)

	c := element("x", "button", "Go", box(0, 0, 10, 10), "id", "go", "class", "large primary", "type", "submit")
	assert.True(t, sel.matches(c))
	c.Attributes["class"] = "primary"
	assert.False(t, sel.matches(c))

	for _, bad := range []string{"", "div > span", "a:hover", "[unterminated"} {
		_, err := parseSelector(bad)
		assert.Error(t, err, bad)
	}
}

// -- Strategies --

func TestDirectStrategy_SelectorAndAttributes(t *testing.T) {
	page := &Page{Set: pageOf(
		element("c1", "input", "", box(0, 0, 100, 20), "name", "q", "id", "query"),
		element("c2", "input", "", box(0, 40, 100, 20), "name", "email"),
	)}
	out := DirectStrategy{}.Resolve(context.Background(), schemas.ElementIntent{Selector: "#query"}, page)
	require.Equal(t, OutcomeFound, out.Kind)
	assert.Equal(t, "c1", out.Matches[0].Candidate.ID)

	out = DirectStrategy{}.Resolve(context.Background(), schemas.ElementIntent{Attributes: map[string]string{"name": "email"}}, page)
	require.Equal(t, OutcomeFound, out.Kind)
	assert.Equal(t, "c2", out.Matches[0].Candidate.ID)

	out = DirectStrategy{}.Resolve(context.Background(), schemas.ElementIntent{Selector: "div > a"}, page)
	assert.Equal(t, OutcomeError, out.Kind)

	out = DirectStrategy{}.Resolve(context.Background(), schemas.ElementIntent{Description: "anything"}, page)
	assert.Equal(t, OutcomeNotFound, out.Kind)
}

func TestSpatialStrategy_NearAnchor(t *testing.T) {
	page := pageOf(
		element("label", "label", "Email", box(0, 0, 50, 20)),
		element("near", "input", "", box(60, 0, 200, 20)),
		element("far", "input", "", box(60, 500, 200, 20)),
	)
	r := setupResolver(t, testConfig(), DefaultStrategies(Dependencies{}, 200)...)

	res, err := r.Resolve(context.Background(), schemas.ElementIntent{Role: "textbox", NearText: "Email"}, page)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "near", res.Element.Handle)
	assert.InDelta(t, 0.6*(1-135.0/200)+0.2+0.4, res.Element.Confidence, 1e-9)
}

func TestSemanticStrategy_RanksThroughGate(t *testing.T) {
	page := pageOf(
		element("c1", "button", "Learn more", box(0, 0, 120, 30)),
		element("c2", "button", "Start free trial", box(0, 100, 120, 30)),
	)
	oracle := new(mocks.MockSemanticOracle)
	oracle.On("RankCandidates", mock.Anything, "the primary call to action", mock.Anything).
		Return([]schemas.Ranking{{CandidateID: "c2", Score: 0.9, Reason: "primary CTA"}, {CandidateID: "ghost", Score: 1}}, nil).Once()

	gates := cache.NewGates(time.Minute, time.Hour, zaptest.NewLogger(t))
	r := setupResolver(t, testConfig(), DefaultStrategies(Dependencies{Semantic: oracle, Gates: gates}, 200)...)

	res, err := r.Resolve(context.Background(), schemas.ElementIntent{Description: "the primary call to action"}, page)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "c2", res.Element.Handle)
	assert.Equal(t, "primary CTA", res.Element.Reasoning[0].Detail)
	oracle.AssertExpectations(t)
}

func TestSemanticStrategy_RateLimitedIsTransient(t *testing.T) {
	page := pageOf(element("c1", "button", "Go", box(0, 0, 120, 30)))
	oracle := new(mocks.MockSemanticOracle)
	oracle.On("RankCandidates", mock.Anything, mock.Anything, mock.Anything).
		Return(nil, fmt.Errorf("quota: %w", schemas.ErrRateLimited)).Once()

	gates := cache.NewGates(time.Minute, time.Hour, zaptest.NewLogger(t))
	r := setupResolver(t, testConfig(), DefaultStrategies(Dependencies{Semantic: oracle, Gates: gates}, 200)...)

	goal := schemas.ElementIntent{Description: "the primary call to action"}
	res, err := r.Resolve(context.Background(), goal, page)
	require.NoError(t, err)
	assert.False(t, res.Found)
	assert.True(t, res.Degraded)
	assert.True(t, schemas.IsTransient(res.Err(goal)))
	assert.Equal(t, 1, gates.Gate(GateSemantic).State().ConsecutiveFailures)
	assert.Contains(t, res.Outcomes[StrategySemantic+" (relaxed)"], "gate closed", "the closed gate fails fast")
	oracle.AssertNumberOfCalls(t, "RankCandidates", 1)
}

func TestVisionStrategy_MapsRegionsByIoU(t *testing.T) {
	page := pageOf(
		element("banner", "a", "", box(0, 0, 600, 100)),
		element("other", "a", "", box(0, 400, 100, 40)),
	)
	surface := new(mocks.MockSurfaceController)
	surface.On("Screenshot", mock.Anything).Return([]byte("png"), nil)
	vision := new(mocks.MockVisionOracle)
	vision.On("Ground", mock.Anything, []byte("png"), "the red promo banner").
		Return([]schemas.Region{{Bounds: box(5, 5, 590, 95), Confidence: 0.9, Label: "banner"}, {Bounds: box(900, 900, 10, 10)}}, nil)

	r := setupResolver(t, testConfig(), DefaultStrategies(Dependencies{Vision: vision, Surface: surface}, 200)...)
	res, err := r.Resolve(context.Background(), schemas.ElementIntent{Description: "the red promo banner"}, page)
	require.NoError(t, err)
	require.True(t, res.Found)
	assert.Equal(t, "banner", res.Element.Handle)
	assert.Contains(t, res.Element.Strategies(), StrategyVision)
}

func TestVisionStrategy_ScreenshotFailure(t *testing.T) {
	surface := new(mocks.MockSurfaceController)
	surface.On("Screenshot", mock.Anything).Return(nil, errors.New("target closed"))
	vision := new(mocks.MockVisionOracle)

	out := VisionStrategy{Oracle: vision, Surface: surface}.Resolve(context.Background(), schemas.ElementIntent{Description: "logo"}, &Page{})
	assert.Equal(t, OutcomeError, out.Kind)
	assert.Contains(t, out.Reason, "target closed")
	vision.AssertNotCalled(t, "Ground", mock.Anything, mock.Anything, mock.Anything)
}

func TestOutcomeConstructors(t *testing.T) {
	assert.Equal(t, OutcomeNotFound, Found().Kind, "an empty match set is not found")
	assert.Equal(t, "found 1", Found(Match{}).String())
	assert.Equal(t, "error: x", StrategyError("x").String())
	assert.Equal(t, "found", OutcomeFound.String())
}
