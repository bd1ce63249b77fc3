package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// maxShift caps the exponent so base<<k never overflows.
const maxShift = 30

// RateState is the backoff bookkeeping for one collaborator.
type RateState struct {
	Collaborator        string    `json:"collaborator"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	NextAllowed         time.Time `json:"next_allowed"`
}

// Gate is a per-collaborator rate gate. After k consecutive rate-limit
// signals the gate stays closed for min(max, base*2^k). One success resets k.
type Gate struct {
	name   string
	base   time.Duration
	max    time.Duration
	now    func() time.Time
	logger *zap.Logger

	mu          sync.Mutex
	failures    int
	nextAllowed time.Time
}

// NewGate creates an open gate.
func NewGate(name string, base, max time.Duration, logger *zap.Logger) *Gate {
	if logger == nil {
		logger = zap.NewNop()
	}
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	if max < base {
		max = base
	}
	return &Gate{
		name:   name,
		base:   base,
		max:    max,
		now:    time.Now,
		logger: logger.With(zap.String("collaborator", name)),
	}
}

// Name returns the collaborator this gate guards.
func (g *Gate) Name() string { return g.name }

// Allow fails fast with ErrRateLimited while the gate is closed.
func (g *Gate) Allow() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if wait := g.nextAllowed.Sub(g.now()); wait > 0 {
		return fmt.Errorf("%w: %s gate closed for another %s", schemas.ErrRateLimited, g.name, wait.Round(time.Millisecond))
	}
	return nil
}

// RecordRateLimit registers a rate-limit signal, closes the gate and returns
// the imposed delay.
func (g *Gate) RecordRateLimit() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures++
	delay := g.delayLocked()
	g.nextAllowed = g.now().Add(delay)
	g.logger.Warn("Collaborator rate limited; backing off.",
		zap.Int("consecutive_failures", g.failures),
		zap.Duration("delay", delay))
	return delay
}

// RecordSuccess resets the consecutive failure counter.
func (g *Gate) RecordSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
}

// Delay is the current backoff level: min(max, base*2^k).
func (g *Gate) Delay() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delayLocked()
}

func (g *Gate) delayLocked() time.Duration {
	shift := g.failures
	if shift > maxShift {
		shift = maxShift
	}
	d := g.base << uint(shift)
	if d > g.max || d <= 0 {
		return g.max
	}
	return d
}

// State returns a snapshot of the gate.
func (g *Gate) State() RateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return RateState{Collaborator: g.name, ConsecutiveFailures: g.failures, NextAllowed: g.nextAllowed}
}

// Observe updates the gate from a call outcome. Only rate-limit errors count
// as failures; other errors leave the counter unchanged.
func (g *Gate) Observe(err error) {
	switch {
	case err == nil:
		g.RecordSuccess()
	case errors.Is(err, schemas.ErrRateLimited):
		g.RecordRateLimit()
	}
}

// Do consults the gate, runs fn, and records the outcome.
func (g *Gate) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	g.Observe(err)
	return err
}

// Gates holds one Gate per collaborator name, created lazily.
type Gates struct {
	base   time.Duration
	max    time.Duration
	logger *zap.Logger

	mu    sync.Mutex
	gates map[string]*Gate
}

// NewGates creates an empty registry sharing one base/max policy.
func NewGates(base, max time.Duration, logger *zap.Logger) *Gates {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gates{base: base, max: max, logger: logger.Named("backoff"), gates: make(map[string]*Gate)}
}

// Gate returns the gate for a collaborator.
func (r *Gates) Gate(name string) *Gate {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[name]
	if !ok {
		g = NewGate(name, r.base, r.max, r.logger)
		r.gates[name] = g
	}
	return g
}

// States snapshots every known gate.
func (r *Gates) States() []RateState {
	r.mu.Lock()
	gates := make([]*Gate, 0, len(r.gates))
	for _, g := range r.gates {
		gates = append(gates, g)
	}
	r.mu.Unlock()

	out := make([]RateState, 0, len(gates))
	for _, g := range gates {
		out = append(out, g.State())
	}
	return out
}

// Call is a typed helper around Gate.Do for calls returning a value.
func Call[T any](ctx context.Context, g *Gate, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}
