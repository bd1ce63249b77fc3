// Package resolver locates the page element a goal describes by running
// several independent evidence strategies concurrently and merging their
// scored candidates.
package resolver

import (
	"context"
	"fmt"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// Strategy names, in priority order.
const (
	StrategyDirect   = "direct-attribute"
	StrategySemantic = "semantic-oracle"
	StrategyVision   = "vision-oracle"
	StrategyFuzzy    = "fuzzy-text"
	StrategySpatial  = "spatial-proximity"
)

// Weights scale each strategy's evidence before it is combined with the
// candidate score.
var Weights = map[string]float64{
	StrategyDirect:   1.0,
	StrategySemantic: 0.9,
	StrategyVision:   0.8,
	StrategyFuzzy:    0.7,
	StrategySpatial:  0.6,
}

// OutcomeKind discriminates a strategy outcome.
type OutcomeKind int

const (
	OutcomeNotFound OutcomeKind = iota
	OutcomeFound
	OutcomeError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeFound:
		return "found"
	case OutcomeError:
		return "error"
	default:
		return "not found"
	}
}

// Match is one candidate a strategy vouches for. Evidence is the strategy's
// own confidence in [0,1], before weighting.
type Match struct {
	Candidate schemas.Candidate
	Evidence  float64
	Detail    string
}

// Outcome is the explicit result of running one strategy.
type Outcome struct {
	Kind    OutcomeKind
	Matches []Match
	Reason  string
}

// Found reports matches. An empty match list is NotFound.
func Found(matches ...Match) Outcome {
	if len(matches) == 0 {
		return NotFound()
	}
	return Outcome{Kind: OutcomeFound, Matches: matches}
}

// NotFound reports that the strategy saw nothing matching the goal.
func NotFound() Outcome { return Outcome{Kind: OutcomeNotFound} }

// StrategyError reports that the strategy could not run.
func StrategyError(reason string) Outcome {
	return Outcome{Kind: OutcomeError, Reason: reason}
}

func (o Outcome) String() string {
	switch o.Kind {
	case OutcomeFound:
		return fmt.Sprintf("found %d", len(o.Matches))
	case OutcomeError:
		return "error: " + o.Reason
	default:
		return "not found"
	}
}

// Page is the snapshot a strategy searches, plus the search mode.
type Page struct {
	Set schemas.CandidateSet
	// Relaxed includes hidden and disabled candidates and loosens text
	// matching. Used by deep search.
	Relaxed bool
	// FuzzyThreshold is the minimum text similarity the fuzzy strategy
	// accepts.
	FuzzyThreshold float64
}

// Eligible returns the candidates a strategy may consider for the goal.
func (p *Page) Eligible(goal schemas.ElementIntent) []schemas.Candidate {
	out := make([]schemas.Candidate, 0, len(p.Set.Candidates))
	for _, c := range p.Set.Candidates {
		if !p.Relaxed || goal.VisibleOnly {
			if !c.Visible {
				continue
			}
		}
		if !p.Relaxed && !goal.IncludeDisabled && !c.Enabled {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Strategy is one independent way of locating a goal on a page.
// Implementations must be safe for concurrent use.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, goal schemas.ElementIntent, page *Page) Outcome
}
