package intent

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// PatternKind selects how a registered pattern is matched against a task.
type PatternKind string

const (
	PatternExact    PatternKind = "exact"
	PatternContains PatternKind = "contains"
	PatternRegex    PatternKind = "regex"
	// PatternSemantic matches when at least 60% of the pattern's words
	// appear in the task.
	PatternSemantic PatternKind = "semantic"
)

const semanticOverlap = 0.6

// Generator builds an intent for a task matched by a pattern. Returning a
// nil intent passes the task on to the next pattern.
type Generator func(ctx context.Context, task string, taskContext map[string]string) (*schemas.Intent, error)

// Pattern is a registered task shortcut.
type Pattern struct {
	Pattern   string
	Kind      PatternKind
	Generator Generator
	Priority  int

	re    *regexp.Regexp
	words []string
	seq   int
}

// Matches reports whether the task matches the pattern.
func (p *Pattern) Matches(task string) bool {
	lower := strings.ToLower(strings.TrimSpace(task))
	switch p.Kind {
	case PatternExact:
		return lower == strings.ToLower(strings.TrimSpace(p.Pattern))
	case PatternContains:
		return strings.Contains(lower, strings.ToLower(p.Pattern))
	case PatternRegex:
		return p.re.MatchString(task)
	case PatternSemantic:
		if len(p.words) == 0 {
			return false
		}
		have := make(map[string]bool)
		for _, w := range strings.Fields(lower) {
			have[w] = true
		}
		hits := 0
		for _, w := range p.words {
			if have[w] {
				hits++
			}
		}
		return float64(hits) >= float64(len(p.words))*semanticOverlap
	}
	return false
}

// registry keeps patterns sorted by descending priority, ties in
// registration order.
type registry struct {
	mu       sync.RWMutex
	patterns []*Pattern
	seq      int
}

func (r *registry) register(pattern string, kind PatternKind, gen Generator, priority int) error {
	if gen == nil {
		return fmt.Errorf("%w: pattern %q has no generator", schemas.ErrConfiguration, pattern)
	}
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("%w: empty pattern", schemas.ErrConfiguration)
	}
	p := &Pattern{Pattern: pattern, Kind: kind, Generator: gen, Priority: priority}
	switch kind {
	case PatternExact, PatternContains:
	case PatternRegex:
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return fmt.Errorf("%w: invalid pattern regex %q: %v", schemas.ErrConfiguration, pattern, err)
		}
		p.re = re
	case PatternSemantic:
		p.words = strings.Fields(strings.ToLower(pattern))
	default:
		return fmt.Errorf("%w: unknown pattern kind %q", schemas.ErrConfiguration, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	p.seq = r.seq
	r.patterns = append(r.patterns, p)
	sort.SliceStable(r.patterns, func(i, j int) bool {
		if r.patterns[i].Priority != r.patterns[j].Priority {
			return r.patterns[i].Priority > r.patterns[j].Priority
		}
		return r.patterns[i].seq < r.patterns[j].seq
	})
	return nil
}

// snapshot returns the patterns in match order.
func (r *registry) snapshot() []*Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Pattern(nil), r.patterns...)
}
