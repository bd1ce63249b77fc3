package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/cache"
)

// maxOracleCandidates bounds the snapshot sent to the semantic oracle.
const maxOracleCandidates = 60

// -- direct-attribute --

// DirectStrategy matches stable attributes: test ids, aria-labels, simple
// selectors, names and explicit attribute sets.
type DirectStrategy struct{}

func (DirectStrategy) Name() string { return StrategyDirect }

func (DirectStrategy) Resolve(ctx context.Context, goal schemas.ElementIntent, page *Page) Outcome {
	if goal.TestID == "" && goal.AriaLabel == "" && goal.Selector == "" && len(goal.Attributes) == 0 {
		return NotFound()
	}
	var sel *selector
	if goal.Selector != "" {
		parsed, err := parseSelector(goal.Selector)
		if err != nil {
			return StrategyError(err.Error())
		}
		sel = parsed
	}

	var matches []Match
	for _, c := range page.Eligible(goal) {
		switch {
		case goal.TestID != "" && testID(c) == goal.TestID:
			matches = append(matches, Match{Candidate: c, Evidence: 1, Detail: "test id " + goal.TestID})
		case sel != nil && (c.ID == goal.Selector || sel.matches(c)):
			matches = append(matches, Match{Candidate: c, Evidence: 0.95, Detail: "selector " + goal.Selector})
		case goal.AriaLabel != "" && schemas.Normalize(c.Attr("aria-label")) == schemas.Normalize(goal.AriaLabel):
			matches = append(matches, Match{Candidate: c, Evidence: 0.9, Detail: "aria-label"})
		case goal.AriaLabel != "" && strings.Contains(schemas.Normalize(c.Attr("aria-label")), schemas.Normalize(goal.AriaLabel)):
			matches = append(matches, Match{Candidate: c, Evidence: 0.7, Detail: "aria-label contains"})
		case len(goal.Attributes) > 0 && attributesMatch(c, goal.Attributes):
			matches = append(matches, Match{Candidate: c, Evidence: 0.9, Detail: "attributes"})
		}
	}
	return Found(matches...)
}

func testID(c schemas.Candidate) string {
	for _, k := range []string{"data-testid", "data-test-id", "data-test", "data-qa"} {
		if v := c.Attr(k); v != "" {
			return v
		}
	}
	return ""
}

func attributesMatch(c schemas.Candidate, want map[string]string) bool {
	for k, v := range want {
		if c.Attr(k) != v {
			return false
		}
	}
	return true
}

// selector is the subset of CSS the direct strategy understands:
// tag, #id, .class and [attr=value] compounds.
type selector struct {
	tag     string
	id      string
	classes []string
	attrs   map[string]string
}

func parseSelector(s string) (*selector, error) {
	sel := &selector{attrs: make(map[string]string)}
	s = strings.TrimSpace(s)
	if s == "" || strings.ContainsAny(s, " >+~,:") {
		return nil, fmt.Errorf("unsupported selector %q", s)
	}
	for len(s) > 0 {
		switch s[0] {
		case '#', '.':
			end := strings.IndexAny(s[1:], "#.[")
			if end == -1 {
				end = len(s) - 1
			}
			name := s[1 : end+1]
			if s[0] == '#' {
				sel.id = name
			} else {
				sel.classes = append(sel.classes, name)
			}
			s = s[end+1:]
		case '[':
			end := strings.IndexByte(s, ']')
			if end == -1 {
				return nil, fmt.Errorf("unterminated attribute in selector %q", s)
			}
			k, v, _ := strings.Cut(s[1:end], "=")
			sel.attrs[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"'`)
			s = s[end+1:]
		default:
			end := strings.IndexAny(s, "#.[")
			if end == -1 {
				end = len(s)
			}
			sel.tag = strings.ToLower(s[:end])
			s = s[end:]
		}
	}
	return sel, nil
}

func (s *selector) matches(c schemas.Candidate) bool {
	if s.tag != "" && !strings.EqualFold(c.Tag, s.tag) {
		return false
	}
	if s.id != "" && c.Attr("id") != s.id {
		return false
	}
	classes := strings.Fields(c.Attr("class"))
	for _, want := range s.classes {
		found := false
		for _, have := range classes {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, v := range s.attrs {
		got, ok := c.Attributes[k]
		if !ok || (v != "" && got != v) {
			return false
		}
	}
	return true
}

// -- semantic-oracle --

// SemanticStrategy asks the semantic oracle to rank snapshot candidates.
type SemanticStrategy struct {
	Oracle schemas.SemanticOracle
	Gate   *cache.Gate
}

func (SemanticStrategy) Name() string { return StrategySemantic }

func (s SemanticStrategy) Resolve(ctx context.Context, goal schemas.ElementIntent, page *Page) Outcome {
	if s.Oracle == nil {
		return NotFound()
	}
	description := goal.Description
	if description == "" {
		description = goal.Text
	}
	if description == "" {
		return NotFound()
	}

	eligible := page.Eligible(goal)
	if len(eligible) == 0 {
		return NotFound()
	}
	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].Confidence > eligible[j].Confidence })
	if len(eligible) > maxOracleCandidates {
		eligible = eligible[:maxOracleCandidates]
	}

	rank := func(ctx context.Context) ([]schemas.Ranking, error) {
		return s.Oracle.RankCandidates(ctx, description, eligible)
	}
	var rankings []schemas.Ranking
	var err error
	if s.Gate != nil {
		rankings, err = cache.Call(ctx, s.Gate, rank)
	} else {
		rankings, err = rank(ctx)
	}
	if err != nil {
		return StrategyError(err.Error())
	}

	byID := make(map[string]schemas.Candidate, len(eligible))
	for _, c := range eligible {
		byID[c.ID] = c
	}
	var matches []Match
	for _, r := range rankings {
		c, ok := byID[r.CandidateID]
		if !ok || r.Score <= 0 {
			continue
		}
		detail := "ranked by oracle"
		if r.Reason != "" {
			detail = r.Reason
		}
		matches = append(matches, Match{Candidate: c, Evidence: clamp(r.Score), Detail: detail})
	}
	return Found(matches...)
}

// -- vision-oracle --

// Screenshotter captures the current surface.
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// VisionStrategy grounds the description in a screenshot and maps the
// returned regions onto candidates by overlap.
type VisionStrategy struct {
	Oracle  schemas.VisionOracle
	Surface Screenshotter
	Gate    *cache.Gate
	// MinIoU is the overlap a region needs with a candidate to count.
	MinIoU float64
}

func (VisionStrategy) Name() string { return StrategyVision }

func (s VisionStrategy) Resolve(ctx context.Context, goal schemas.ElementIntent, page *Page) Outcome {
	if s.Oracle == nil || s.Surface == nil || goal.Description == "" {
		return NotFound()
	}
	img, err := s.Surface.Screenshot(ctx)
	if err != nil {
		return StrategyError(fmt.Sprintf("screenshot: %v", err))
	}

	ground := func(ctx context.Context) ([]schemas.Region, error) {
		return s.Oracle.Ground(ctx, img, goal.Description)
	}
	var found []schemas.Region
	if s.Gate != nil {
		found, err = cache.Call(ctx, s.Gate, ground)
	} else {
		found, err = ground(ctx)
	}
	if err != nil {
		return StrategyError(err.Error())
	}

	minIoU := s.MinIoU
	if minIoU <= 0 {
		minIoU = 0.5
	}
	eligible := page.Eligible(goal)
	var matches []Match
	for _, r := range found {
		best, bestIoU := -1, 0.0
		for i, c := range eligible {
			if iou := r.Bounds.IoU(c.Bounds); iou > bestIoU {
				best, bestIoU = i, iou
			}
		}
		if best == -1 || bestIoU < minIoU {
			continue
		}
		conf := r.Confidence
		if conf <= 0 {
			conf = 1
		}
		matches = append(matches, Match{
			Candidate: eligible[best],
			Evidence:  clamp(conf),
			Detail:    fmt.Sprintf("region %q IoU %.2f", r.Label, bestIoU),
		})
	}
	return Found(matches...)
}

// -- fuzzy-text --

// FuzzyStrategy compares the goal's expected text with candidate labels.
type FuzzyStrategy struct{}

func (FuzzyStrategy) Name() string { return StrategyFuzzy }

func (FuzzyStrategy) Resolve(ctx context.Context, goal schemas.ElementIntent, page *Page) Outcome {
	q := Query(goal)
	if q == "" {
		return NotFound()
	}
	threshold := page.FuzzyThreshold
	if threshold <= 0 {
		threshold = 0.5
	}
	var matches []Match
	for _, c := range page.Eligible(goal) {
		if sim := bestSimilarity(q, c); sim >= threshold {
			matches = append(matches, Match{Candidate: c, Evidence: sim, Detail: fmt.Sprintf("text similarity %.2f to %q", sim, q)})
		}
	}
	return Found(matches...)
}

// -- spatial-proximity --

// SpatialStrategy finds candidates near an anchor text.
type SpatialStrategy struct {
	// DefaultRadius applies when the goal carries no ProximityPx.
	DefaultRadius float64
}

func (SpatialStrategy) Name() string { return StrategySpatial }

func (s SpatialStrategy) Resolve(ctx context.Context, goal schemas.ElementIntent, page *Page) Outcome {
	near := schemas.Normalize(goal.NearText)
	if near == "" {
		return NotFound()
	}
	radius := goal.ProximityPx
	if radius <= 0 {
		radius = s.DefaultRadius
	}
	if radius <= 0 {
		radius = 200
	}

	eligible := page.Eligible(goal)
	var anchors []schemas.Candidate
	for _, c := range page.Set.Candidates {
		if bestSimilarity(near, c) >= 0.8 && !c.Bounds.IsZero() {
			anchors = append(anchors, c)
		}
	}
	if len(anchors) == 0 {
		return NotFound()
	}

	var matches []Match
	for _, c := range eligible {
		if c.Bounds.IsZero() {
			continue
		}
		best := -1.0
		for _, a := range anchors {
			if a.ID == c.ID {
				best = -1
				break
			}
			if d := a.Bounds.Distance(c.Bounds); d <= radius && (best < 0 || d < best) {
				best = d
			}
		}
		if best < 0 {
			continue
		}
		matches = append(matches, Match{
			Candidate: c,
			Evidence:  1 - best/radius,
			Detail:    fmt.Sprintf("%.0fpx from %q", best, goal.NearText),
		})
	}
	return Found(matches...)
}

// Dependencies are the collaborators the default strategy set consults.
type Dependencies struct {
	Semantic schemas.SemanticOracle
	Vision   schemas.VisionOracle
	Surface  Screenshotter
	Gates    *cache.Gates
}

// Gate names for the oracle collaborators.
const (
	GateSemantic = "semantic-oracle"
	GateVision   = "vision-oracle"
)

// DefaultStrategies returns the full strategy set in priority order.
func DefaultStrategies(deps Dependencies, proximityPx float64) []Strategy {
	var semGate, visGate *cache.Gate
	if deps.Gates != nil {
		semGate = deps.Gates.Gate(GateSemantic)
		visGate = deps.Gates.Gate(GateVision)
	}
	return []Strategy{
		DirectStrategy{},
		SemanticStrategy{Oracle: deps.Semantic, Gate: semGate},
		VisionStrategy{Oracle: deps.Vision, Surface: deps.Surface, Gate: visGate},
		FuzzyStrategy{},
		SpatialStrategy{DefaultRadius: proximityPx},
	}
}
