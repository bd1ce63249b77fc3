// internal/service/agent.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/cache"
	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/eventstream"
	"github.com/xkilldash9x/pilot-cli/internal/intent"
	"github.com/xkilldash9x/pilot-cli/internal/orchestrator"
	"github.com/xkilldash9x/pilot-cli/internal/resolver"
)

// startNavigationID names the SubIntent prepended by ExecuteTask when a
// starting URL is given.
const startNavigationID = "sub_start"

// Collaborators are the external systems the agent drives. Semantic, Vision
// and Archive may be nil; Surface is required.
type Collaborators struct {
	Surface  schemas.SurfaceController
	Semantic schemas.SemanticOracle
	Vision   schemas.VisionOracle
	Archive  schemas.IntentArchive
}

// Stats is a point-in-time view of the agent's shared state.
type Stats struct {
	Resolutions cache.Stats       `json:"resolutions"`
	Gates       []cache.RateState `json:"gates"`
	Events      eventstream.Stats `json:"events"`
}

// Agent wires the intent manager, resolver and orchestrator around one
// browser surface. It is safe for concurrent use.
type Agent struct {
	logger   *zap.Logger
	events   *eventstream.Stream
	gates    *cache.Gates
	resolver *resolver.Resolver
	intents  *intent.Manager
	orch     *orchestrator.Orchestrator

	closeOnce sync.Once
	closers   []func()
}

// Option configures an Agent.
type Option func(*options)

type options struct {
	events *eventstream.Stream
}

// WithEventStream makes the agent publish into an existing stream, typically
// one the surface already reports to. The agent takes ownership of it.
func WithEventStream(s *eventstream.Stream) Option {
	return func(o *options) { o.events = s }
}

// NewEventStream builds a stream bounded by the events configuration.
func NewEventStream(cfg config.EventsConfig, logger *zap.Logger) *eventstream.Stream {
	return eventstream.New(logger, eventstream.Config{
		MaxPerCategory:     cfg.MaxPerCategory,
		RatePerSecond:      cfg.RatePerSecond,
		Burst:              cfg.Burst,
		RelevanceThreshold: cfg.RelevanceThreshold,
		SubscriberBuffer:   cfg.SubscriberBuffer,
	})
}

// New assembles an agent from already constructed collaborators.
func New(cfg config.Interface, c Collaborators, logger *zap.Logger, opts ...Option) (*Agent, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration is required", schemas.ErrConfiguration)
	}
	if c.Surface == nil {
		return nil, fmt.Errorf("%w: a surface controller is required", schemas.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("agent")

	var o options
	for _, opt := range opts {
		opt(&o)
	}
	events := o.events
	if events == nil {
		events = NewEventStream(cfg.Events(), logger)
	}

	gates := cache.NewGates(cfg.Backoff().Base, cfg.Backoff().Max, logger)
	res := resolver.NewWithCache(cfg.Resolver(), cfg.Cache(), logger,
		resolver.DefaultStrategies(resolver.Dependencies{
			Semantic: c.Semantic,
			Vision:   c.Vision,
			Surface:  c.Surface,
			Gates:    gates,
		}, cfg.Resolver().ProximityPx)...)

	intentOpts := []intent.Option{intent.WithGate(gates.Gate(resolver.GateSemantic))}
	if c.Archive != nil {
		intentOpts = append(intentOpts, intent.WithArchive(c.Archive))
	}
	intents := intent.NewManager(cfg.Intent(), c.Semantic, logger, intentOpts...)

	orch, err := orchestrator.New(cfg.Orchestrator(), c.Surface, res, logger, orchestrator.WithEvents(events))
	if err != nil {
		res.Close()
		events.Close()
		return nil, err
	}

	return &Agent{
		logger:   logger,
		events:   events,
		gates:    gates,
		resolver: res,
		intents:  intents,
		orch:     orch,
	}, nil
}

// ExecuteTask decomposes a natural language task and executes it. A non-empty
// url becomes a navigation step every root SubIntent depends on. The result
// is always non-nil; the error is reserved for problems found before
// execution starts.
func (a *Agent) ExecuteTask(ctx context.Context, description, url string, taskContext map[string]string) (*schemas.ExecutionResult, error) {
	in, err := a.intents.Decompose(ctx, description, taskContext)
	if err != nil {
		a.logger.Warn("Task decomposition failed.", zap.Error(err))
		return failedResult("", err), err
	}
	if strings.TrimSpace(url) != "" {
		if err := a.prependNavigation(in, intent.NormalizeURL(url)); err != nil {
			a.intents.SetStatus(in.ID, schemas.StatusFailed)
			return failedResult(in.ID, err), err
		}
	}
	return a.execute(ctx, in)
}

// ExecuteIntent registers and executes a prebuilt intent.
func (a *Agent) ExecuteIntent(ctx context.Context, in *schemas.Intent) (*schemas.ExecutionResult, error) {
	if err := a.intents.Register(ctx, in); err != nil {
		id := ""
		if in != nil {
			id = in.ID
		}
		return failedResult(id, err), err
	}
	return a.execute(ctx, in)
}

func (a *Agent) execute(ctx context.Context, in *schemas.Intent) (*schemas.ExecutionResult, error) {
	logger := a.logger.With(zap.String("intent_id", in.ID))
	a.intents.SetStatus(in.ID, schemas.StatusRunning)

	result, err := a.orch.CompileAndExecute(ctx, in)
	if err != nil {
		logger.Error("Intent could not be compiled.", zap.Error(err))
		a.events.Emit(eventstream.Event{
			Category: eventstream.CategoryState,
			Kind:     eventstream.KindError,
			Source:   "agent",
			IntentID: in.ID,
			Message:  "Intent rejected before execution.",
			Data:     map[string]any{"error": err.Error()},
		})
		result = failedResult(in.ID, err)
	}

	// Archive failures never change the outcome of the run.
	archiveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()
	if rerr := a.intents.RecordResult(archiveCtx, in.ID, result); rerr != nil {
		logger.Warn("Failed to record intent result.", zap.Error(rerr))
	}
	return result, err
}

const archiveTimeout = 10 * time.Second

// prependNavigation makes url the first step of the intent unless the first
// step already goes there.
func (a *Agent) prependNavigation(in *schemas.Intent, url string) error {
	for _, sub := range in.SubIntents {
		if sub.Type != schemas.IntentNavigation || len(sub.Dependencies) > 0 {
			continue
		}
		if p, ok := sub.Param(schemas.ParamKeyURL); ok && p.StringValue() == url {
			return nil
		}
	}

	id := startNavigationID
	for n := 1; ; n++ {
		if _, exists := in.SubIntent(id); !exists {
			break
		}
		id = fmt.Sprintf("%s_%d", startNavigationID, n)
	}

	subs := make([]schemas.SubIntent, 0, len(in.SubIntents)+1)
	subs = append(subs, schemas.SubIntent{
		ID:          id,
		Description: "open " + url,
		Type:        schemas.IntentNavigation,
		Parameters:  []schemas.Parameter{{Name: schemas.ParamKeyURL, Value: url}},
	})
	for _, sub := range in.SubIntents {
		if len(sub.Dependencies) == 0 {
			sub.Dependencies = []string{id}
		}
		subs = append(subs, sub)
	}
	in.SubIntents = subs
	return intent.Validate(in)
}

// RegisterCustomAction adds a handler for CUSTOM actions with the given name.
func (a *Agent) RegisterCustomAction(name string, h orchestrator.CustomHandler) error {
	return a.orch.RegisterCustomAction(name, h)
}

// RegisterIntentPattern adds a decomposition shortcut.
func (a *Agent) RegisterIntentPattern(pattern string, kind intent.PatternKind, gen intent.Generator, priority int) error {
	return a.intents.RegisterPattern(pattern, kind, gen, priority)
}

// Subscribe streams live events of the given categories, or all of them.
// The returned function unsubscribes.
func (a *Agent) Subscribe(categories ...eventstream.Category) (<-chan eventstream.Event, func()) {
	return a.events.Subscribe(categories...)
}

// History returns redacted copies of recent intents, newest first.
func (a *Agent) History(limit int) []*schemas.Intent {
	return a.intents.History(limit)
}

// Stats snapshots cache, gate and event counters.
func (a *Agent) Stats() Stats {
	return Stats{
		Resolutions: a.resolver.CacheStats(),
		Gates:       a.gates.States(),
		Events:      a.events.Stats(),
	}
}

// Close releases the agent and everything the factory opened for it. It is
// safe to call more than once.
func (a *Agent) Close() {
	a.closeOnce.Do(func() {
		a.logger.Debug("Beginning agent shutdown sequence.")
		for i := len(a.closers) - 1; i >= 0; i-- {
			a.closers[i]()
		}
		a.resolver.Close()
		a.events.Close()
		a.logger.Info("Agent shut down.")
	})
}

// failedResult reports an error that stopped an intent before it ran.
func failedResult(intentID string, err error) *schemas.ExecutionResult {
	res := &schemas.ExecutionResult{IntentID: intentID}
	if err != nil {
		res.Errors = []string{err.Error()}
		res.Aborted = errors.Is(err, context.Canceled)
	}
	return res
}
