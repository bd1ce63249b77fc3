package resolver

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/cache"
	"github.com/xkilldash9x/pilot-cli/internal/config"
)

// mergeIoU is the overlap above which candidates from different strategies
// are treated as the same element.
const mergeIoU = 0.5

// Resolution is the answer for one goal on one page. When Found is false,
// Best carries the highest scoring candidate (if any) as a diagnostic.
type Resolution struct {
	Found      bool                     `json:"found"`
	Element    *schemas.ResolvedElement `json:"element,omitempty"`
	Best       *schemas.ResolvedElement `json:"best,omitempty"`
	BestScore  float64                  `json:"best_score"`
	DeepSearch bool                     `json:"deep_search"`
	// Degraded is set when at least one strategy failed, so a negative
	// answer may change once the collaborator recovers.
	Degraded bool              `json:"degraded,omitempty"`
	Outcomes map[string]string `json:"outcomes,omitempty"`
}

// Err converts a negative resolution into an error classifying whether it is
// worth retrying.
func (r Resolution) Err(goal schemas.ElementIntent) error {
	if r.Found {
		return nil
	}
	desc := goal.Description
	if desc == "" {
		desc = goal.FieldKey()
	}
	if r.Degraded {
		return fmt.Errorf("%w: %q not resolved while strategies were failing (best %.2f)", schemas.ErrTransient, desc, r.BestScore)
	}
	return fmt.Errorf("%w: %q (best %.2f)", schemas.ErrNotFound, desc, r.BestScore)
}

// Resolver runs the strategy set and decides on a single element.
type Resolver struct {
	cfg        config.ResolverConfig
	strategies []Strategy
	cache      *cache.Cache[Resolution]
	logger     *zap.Logger
}

// New builds a resolver over the given strategies, which are consulted in
// the order given when breaking ties.
func New(cfg config.ResolverConfig, logger *zap.Logger, strategies ...Strategy) *Resolver {
	return NewWithCache(cfg, config.CacheConfig{Capacity: 512}, logger, strategies...)
}

// NewWithCache is New with an explicitly sized resolution cache.
func NewWithCache(cfg config.ResolverConfig, cacheCfg config.CacheConfig, logger *zap.Logger, strategies ...Strategy) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = 0.7
	}
	if cfg.DeepSearchThreshold <= 0 {
		cfg.DeepSearchThreshold = 0.3
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Second
	}
	if cfg.StrategyTimeout <= 0 {
		cfg.StrategyTimeout = 10 * time.Second
	}
	logger = logger.Named("resolver")
	return &Resolver{
		cfg:        cfg,
		strategies: strategies,
		cache:      cache.New[Resolution](cache.WithCapacity(cacheCfg.Capacity), cache.WithDefaultTTL(cfg.CacheTTL), cache.WithLogger(logger)),
		logger:     logger,
	}
}

// Resolve locates the goal on the page. The error is reserved for context
// cancellation; a missing element is a Resolution with Found false.
func (r *Resolver) Resolve(ctx context.Context, goal schemas.ElementIntent, page schemas.CandidateSet) (Resolution, error) {
	if err := ctx.Err(); err != nil {
		return Resolution{}, err
	}
	if page.Fingerprint == "" {
		return r.resolve(ctx, goal, page)
	}

	key := goal.Fingerprint() + ":" + page.Fingerprint
	res, err := r.cache.GetOrCompute(ctx, key, r.cfg.CacheTTL, []string{page.Fingerprint}, func(ctx context.Context) (Resolution, error) {
		return r.resolve(ctx, goal, page)
	})
	if err != nil {
		return Resolution{}, err
	}
	if res.Degraded {
		r.cache.Delete(key)
	}
	return res, nil
}

// InvalidatePage drops every cached resolution for a page fingerprint.
func (r *Resolver) InvalidatePage(fingerprint string) int {
	if fingerprint == "" {
		return 0
	}
	n := r.cache.Invalidate(fingerprint)
	if n > 0 {
		r.logger.Debug("Invalidated cached resolutions.", zap.String("page", fingerprint), zap.Int("count", n))
	}
	return n
}

// CacheStats exposes the resolution cache counters.
func (r *Resolver) CacheStats() cache.Stats { return r.cache.Stats() }

// Close releases the cache.
func (r *Resolver) Close() { r.cache.Close() }

func (r *Resolver) resolve(ctx context.Context, goal schemas.ElementIntent, set schemas.CandidateSet) (Resolution, error) {
	start := time.Now()
	outcomes := make(map[string]string, len(r.strategies))

	page := &Page{Set: set, FuzzyThreshold: 0.5}
	merged, degraded, err := r.runAll(ctx, goal, page, outcomes)
	if err != nil {
		return Resolution{}, err
	}
	best := r.pick(goal, merged)

	deep := false
	if best == nil || best.score < r.cfg.ConfidenceThreshold {
		deep = true
		relaxed := &Page{Set: set, Relaxed: true, FuzzyThreshold: r.cfg.DeepSearchThreshold}
		more, relaxedDegraded, err := r.runAll(ctx, goal, relaxed, outcomes)
		if err != nil {
			return Resolution{}, err
		}
		degraded = degraded || relaxedDegraded
		merged = mergeInto(merged, more)
		best = r.pick(goal, merged)
	}

	res := Resolution{DeepSearch: deep, Degraded: degraded, Outcomes: outcomes}
	if best != nil {
		el := best.element()
		res.Best = &el
		res.BestScore = best.score
		switch {
		case best.score >= r.cfg.ConfidenceThreshold:
			res.Found = true
		case r.cfg.AcceptLowConfidence && best.score >= r.cfg.DeepSearchThreshold:
			res.Found = true
			el.Reasoning = append(el.Reasoning, schemas.Evidence{Strategy: "policy", Detail: "accepted below confidence threshold", Score: best.score})
		}
		if res.Found {
			res.Element = &el
		}
	}

	r.logger.Debug("Resolution complete.",
		zap.String("goal", goal.Description),
		zap.Bool("found", res.Found),
		zap.Float64("score", res.BestScore),
		zap.Bool("deep_search", deep),
		zap.Any("outcomes", outcomes),
		zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

// scored is a candidate with merged evidence from one or more strategies.
type scored struct {
	cand      schemas.Candidate
	score     float64
	raw       float64
	priority  int
	order     int
	reasoning []schemas.Evidence
}

func (s *scored) element() schemas.ResolvedElement {
	el := schemas.ResolvedElement{
		Handle:     s.cand.ID,
		Confidence: s.score,
		Reasoning:  append([]schemas.Evidence(nil), s.reasoning...),
		Signals:    s.cand.Sources,
		Text:       s.cand.Text,
		Tag:        s.cand.Tag,
	}
	if !s.cand.Bounds.IsZero() {
		b := s.cand.Bounds
		el.Bounds = &b
	}
	return el
}

// runAll executes every strategy concurrently. Failing strategies are logged
// and ignored. The returned list is in strategy priority order.
func (r *Resolver) runAll(ctx context.Context, goal schemas.ElementIntent, page *Page, outcomes map[string]string) ([]*scored, bool, error) {
	results := make([]Outcome, len(r.strategies))
	var g errgroup.Group
	for i, s := range r.strategies {
		i, s := i, s
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, r.cfg.StrategyTimeout)
			defer cancel()
			results[i] = r.runOne(sctx, s, goal, page)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	ext := pageExtent(page.Set.Candidates)
	var all []*scored
	degraded := false
	mode := ""
	if page.Relaxed {
		mode = " (relaxed)"
	}
	for i, o := range results {
		name := r.strategies[i].Name()
		outcomes[name+mode] = o.String()
		switch o.Kind {
		case OutcomeError:
			degraded = true
			r.logger.Warn("Resolution strategy failed.", zap.String("strategy", name), zap.String("reason", o.Reason))
			continue
		case OutcomeNotFound:
			continue
		}
		weight, ok := Weights[name]
		if !ok {
			weight = 0.5
		}
		for _, m := range o.Matches {
			raw := weight*m.Evidence + score(goal, m.Candidate, ext)
			all = mergeInto(all, []*scored{{
				cand:      m.Candidate,
				raw:       raw,
				score:     clamp(raw),
				priority:  i,
				order:     documentOrder(m.Candidate, len(all)),
				reasoning: []schemas.Evidence{{Strategy: name, Detail: m.Detail, Score: clamp(raw)}},
			}})
		}
	}
	return all, degraded, nil
}

func (r *Resolver) runOne(ctx context.Context, s Strategy, goal schemas.ElementIntent, page *Page) (out Outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = StrategyError(fmt.Sprintf("panic: %v", p))
		}
	}()
	return s.Resolve(ctx, goal, page)
}

// mergeInto folds src into dst: same id or IoU >= mergeIoU is one element,
// keeping the max score and concatenating reasoning.
func mergeInto(dst, src []*scored) []*scored {
	for _, s := range src {
		var target *scored
		for _, d := range dst {
			if d.cand.ID == s.cand.ID || (!d.cand.Bounds.IsZero() && d.cand.Bounds.IoU(s.cand.Bounds) >= mergeIoU) {
				target = d
				break
			}
		}
		if target == nil {
			cp := *s
			cp.reasoning = append([]schemas.Evidence(nil), s.reasoning...)
			dst = append(dst, &cp)
			continue
		}
		if s.raw > target.raw {
			target.raw = s.raw
			target.score = s.score
		}
		if s.priority < target.priority {
			target.priority = s.priority
		}
		target.reasoning = append(target.reasoning, s.reasoning...)
	}
	return dst
}

// pick applies the ordinal bonus and returns the winner.
func (r *Resolver) pick(goal schemas.ElementIntent, merged []*scored) *scored {
	if len(merged) == 0 {
		return nil
	}
	ranked := make([]*scored, len(merged))
	for i, m := range merged {
		cp := *m
		cp.reasoning = append([]schemas.Evidence(nil), m.reasoning...)
		ranked[i] = &cp
	}

	if goal.Ordinal != schemas.OrdinalNone {
		cands := make([]schemas.Candidate, len(ranked))
		for i, s := range ranked {
			cands[i] = s.cand
		}
		if winner := ordinalWinner(goal, cands); winner != "" {
			for _, s := range ranked {
				if s.cand.ID == winner {
					s.raw += bonusOrdinal
					s.score = clamp(s.raw)
					s.reasoning = append(s.reasoning, schemas.Evidence{Strategy: "ordinal", Detail: string(goal.Ordinal), Score: bonusOrdinal})
				}
			}
		}
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.raw != b.raw {
			return a.raw > b.raw
		}
		if a.cand.Visible != b.cand.Visible {
			return a.cand.Visible
		}
		if a.priority != b.priority {
			return a.priority < b.priority
		}
		return a.order < b.order
	})
	return ranked[0]
}
