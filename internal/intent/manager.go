// Package intent turns task descriptions into validated intent trees and
// keeps a bounded history of them.
package intent

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/cache"
	"github.com/xkilldash9x/pilot-cli/internal/config"
)

const (
	defaultHistorySize = 100
	// anaphoraWindow is how many recent tasks are offered as antecedents.
	anaphoraWindow = 5
)

var pronounRe = regexp.MustCompile(`(?i)\b(it|that|this|them|there)\b`)

// Option configures a Manager.
type Option func(*Manager)

// WithArchive persists intents once recorded or evicted from history.
func WithArchive(a schemas.IntentArchive) Option {
	return func(m *Manager) { m.archive = a }
}

// WithGate routes oracle calls through a backoff gate.
func WithGate(g *cache.Gate) Option {
	return func(m *Manager) { m.gate = g }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// Manager owns every intent it produced or admitted.
type Manager struct {
	cfg     config.IntentConfig
	oracle  schemas.SemanticOracle
	gate    *cache.Gate
	archive schemas.IntentArchive
	logger  *zap.Logger
	now     func() time.Time

	patterns registry

	mu       sync.RWMutex
	intents  map[string]*schemas.Intent
	order    []string // Oldest first.
	archived map[string]bool
}

// NewManager creates a manager. The oracle may be nil, in which case only
// patterns and quick decomposition are used.
func NewManager(cfg config.IntentConfig, oracle schemas.SemanticOracle, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	m := &Manager{
		cfg:      cfg,
		oracle:   oracle,
		logger:   logger.Named("intent"),
		now:      time.Now,
		intents:  make(map[string]*schemas.Intent),
		archived: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RegisterPattern adds a task shortcut. Higher priorities are tried first.
func (m *Manager) RegisterPattern(pattern string, kind PatternKind, gen Generator, priority int) error {
	if err := m.patterns.register(pattern, kind, gen, priority); err != nil {
		return err
	}
	m.logger.Debug("Registered intent pattern.", zap.String("pattern", pattern), zap.String("kind", string(kind)), zap.Int("priority", priority))
	return nil
}

// Decompose turns a task into a validated intent and records it in the
// history. Patterns come first, then the semantic oracle, then keyword rules.
func (m *Manager) Decompose(ctx context.Context, task string, taskContext map[string]string) (*schemas.Intent, error) {
	task = strings.TrimSpace(task)
	if task == "" {
		return nil, fmt.Errorf("%w: empty task", schemas.ErrValidation)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	resolved := m.resolveReferences(ctx, task)
	in, source, err := m.build(ctx, resolved, taskContext)
	if err != nil {
		return nil, err
	}

	in.Description = resolved
	if in.Context == nil && len(taskContext) > 0 {
		in.Context = make(map[string]string, len(taskContext))
		for k, v := range taskContext {
			in.Context[k] = v
		}
	}
	if err := m.Register(ctx, in); err != nil {
		return nil, err
	}
	m.logger.Info("Task decomposed.",
		zap.String("intent_id", in.ID),
		zap.String("source", source),
		zap.String("type", string(in.Type)),
		zap.Int("sub_intents", len(in.SubIntents)))
	return in, nil
}

func (m *Manager) build(ctx context.Context, task string, taskContext map[string]string) (*schemas.Intent, string, error) {
	for _, p := range m.patterns.snapshot() {
		if !p.Matches(task) {
			continue
		}
		in, err := p.Generator(ctx, task, taskContext)
		if err != nil {
			return nil, "", fmt.Errorf("pattern %q: %w", p.Pattern, err)
		}
		if in != nil {
			return in, "pattern", nil
		}
	}

	quick := quickDecompose(task, taskContext)
	if m.oracle != nil {
		in, err := m.fromOracle(ctx, task, taskContext)
		switch {
		case err == nil:
			if _, ok := in.TimeLimit(); !ok {
				in.Constraints = append(in.Constraints, quick.Constraints...)
			}
			return in, "oracle", nil
		case ctx.Err() != nil:
			return nil, "", ctx.Err()
		default:
			m.logger.Warn("Oracle decomposition unusable, falling back to keyword rules.", zap.Error(err))
		}
	}

	if len(quick.SubIntents) == 0 {
		return nil, "", fmt.Errorf("%w: could not decompose task %q", schemas.ErrValidation, task)
	}
	return &schemas.Intent{
		Type:        typeOf(quick.SubIntents),
		SubIntents:  quick.SubIntents,
		Constraints: quick.Constraints,
	}, "keywords", nil
}

func (m *Manager) fromOracle(ctx context.Context, task string, taskContext map[string]string) (*schemas.Intent, error) {
	call := func(ctx context.Context) (string, error) {
		return m.oracle.Decompose(ctx, task, taskContext)
	}
	var raw string
	var err error
	if m.gate != nil {
		raw, err = cache.Call(ctx, m.gate, call)
	} else {
		raw, err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	return decodeOracle(raw)
}

// resolveReferences replaces pronouns outside quoted text with what the
// oracle says they refer to. Failures leave the task unchanged.
func (m *Manager) resolveReferences(ctx context.Context, task string) string {
	if m.oracle == nil {
		return task
	}
	masked := maskQuotes(task)
	locs := pronounRe.FindAllIndex(masked, -1)
	if len(locs) == 0 {
		return task
	}
	history := m.recentTasks(anaphoraWindow)
	if len(history) == 0 {
		return task
	}

	answers := make(map[string]string)
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		pronoun := strings.ToLower(task[loc[0]:loc[1]])
		answer, seen := answers[pronoun]
		if !seen {
			answer = m.analyze(ctx, pronoun, history)
			answers[pronoun] = answer
		}
		if answer == "" {
			continue
		}
		b.WriteString(task[last:loc[0]])
		b.WriteString(answer)
		last = loc[1]
	}
	b.WriteString(task[last:])
	return b.String()
}

func (m *Manager) analyze(ctx context.Context, pronoun string, history []string) string {
	call := func(ctx context.Context) (string, error) {
		return m.oracle.AnalyzeReference(ctx, pronoun, history)
	}
	var answer string
	var err error
	if m.gate != nil {
		answer, err = cache.Call(ctx, m.gate, call)
	} else {
		answer, err = call(ctx)
	}
	if err != nil {
		m.logger.Debug("Reference left unresolved.", zap.String("pronoun", pronoun), zap.Error(err))
		return ""
	}
	return strings.Trim(strings.TrimSpace(answer), `"'`)
}

// Register validates an externally built intent and admits it into the
// history, assigning an id and timestamps where missing.
func (m *Manager) Register(ctx context.Context, in *schemas.Intent) error {
	if in == nil {
		return fmt.Errorf("%w: nil intent", schemas.ErrConfiguration)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.Type == "" {
		in.Type = typeOf(in.SubIntents)
	}
	if in.Status == "" {
		in.Status = schemas.StatusPending
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = m.now()
	}
	if err := Validate(in); err != nil {
		return err
	}

	m.mu.Lock()
	if _, exists := m.intents[in.ID]; !exists {
		m.order = append(m.order, in.ID)
	}
	m.intents[in.ID] = in
	var evicted []*schemas.Intent
	for len(m.order) > m.cfg.HistorySize {
		id := m.order[0]
		m.order = m.order[1:]
		if old, ok := m.intents[id]; ok && !m.archived[id] {
			evicted = append(evicted, old.Redacted())
		}
		delete(m.intents, id)
		delete(m.archived, id)
	}
	m.mu.Unlock()

	for _, old := range evicted {
		m.store(ctx, old, nil)
	}
	return nil
}

// Get returns the live intent.
func (m *Manager) Get(id string) (*schemas.Intent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.intents[id]
	return in, ok
}

// SetStatus moves an intent through its lifecycle.
func (m *Manager) SetStatus(id string, status schemas.IntentStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.intents[id]
	if ok {
		in.Status = status
	}
	return ok
}

// RecordResult stores the outcome of an execution and archives a redacted
// copy of the intent.
func (m *Manager) RecordResult(ctx context.Context, id string, result *schemas.ExecutionResult) error {
	m.mu.Lock()
	in, ok := m.intents[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: unknown intent %q", schemas.ErrValidation, id)
	}
	if result != nil && result.Success {
		in.Status = schemas.StatusSucceeded
	} else {
		in.Status = schemas.StatusFailed
	}
	m.archived[id] = true
	redacted := in.Redacted()
	m.mu.Unlock()

	return m.store(ctx, redacted, result)
}

func (m *Manager) store(ctx context.Context, in *schemas.Intent, result *schemas.ExecutionResult) error {
	if m.archive == nil {
		return nil
	}
	if err := m.archive.ArchiveIntent(ctx, in, result); err != nil {
		m.logger.Error("Failed to archive intent.", zap.String("intent_id", in.ID), zap.Error(err))
		return fmt.Errorf("archive intent %s: %w", in.ID, err)
	}
	return nil
}

// History returns redacted copies of the most recent intents, newest first.
// A limit of zero or less returns the whole window.
func (m *Manager) History(limit int) []*schemas.Intent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.order) {
		limit = len(m.order)
	}
	out := make([]*schemas.Intent, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.intents[m.order[i]].Redacted())
	}
	return out
}

func (m *Manager) recentTasks(n int) []string {
	var out []string
	for _, in := range m.History(n) {
		out = append(out, in.Description)
	}
	return out
}

// typeOf picks the common sub-intent type, or COMPOSITE.
func typeOf(subs []schemas.SubIntent) schemas.IntentType {
	if len(subs) == 0 {
		return schemas.IntentComposite
	}
	t := subs[0].Type
	for _, s := range subs[1:] {
		if s.Type != t {
			return schemas.IntentComposite
		}
	}
	if !t.Valid() {
		return schemas.IntentComposite
	}
	return t
}
