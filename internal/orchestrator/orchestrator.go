// File: internal/orchestrator/orchestrator.go
// Description: Executes compiled action graphs wave by wave against a surface
// controller, resolving targets lazily and retrying transient failures.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/config"
	"github.com/xkilldash9x/pilot-cli/internal/eventstream"
	"github.com/xkilldash9x/pilot-cli/internal/resolver"
)

// ElementResolver is the part of the resolver the orchestrator needs.
type ElementResolver interface {
	Resolve(ctx context.Context, goal schemas.ElementIntent, page schemas.CandidateSet) (resolver.Resolution, error)
	InvalidatePage(fingerprint string) int
}

// ActionHandler performs one attempt of a built-in action. target is nil for
// actions that do not resolve an element.
type ActionHandler func(ctx context.Context, action schemas.Action, target *schemas.ResolvedElement) (any, error)

// CustomHandler performs one attempt of a CUSTOM action.
type CustomHandler func(ctx context.Context, surface schemas.SurfaceController, action schemas.Action, target *schemas.ResolvedElement) (any, error)

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEvents records execution progress on a stream.
func WithEvents(s *eventstream.Stream) Option {
	return func(o *Orchestrator) { o.events = s }
}

// WithBackOff replaces the retry policy between attempts.
func WithBackOff(factory func() backoff.BackOff) Option {
	return func(o *Orchestrator) { o.backoffFactory = factory }
}

// Orchestrator runs action graphs for one surface session.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	surface  schemas.SurfaceController
	resolver ElementResolver
	events   *eventstream.Stream
	logger   *zap.Logger
	handlers map[schemas.ActionType]ActionHandler

	backoffFactory func() backoff.BackOff

	customMu sync.RWMutex
	custom   map[string]CustomHandler

	// surfaceMu is held exclusively by mutating actions and shared by
	// read-only ones for the duration of an attempt.
	surfaceMu sync.RWMutex

	pageMu   sync.Mutex
	lastPage string
}

// New creates an orchestrator bound to a surface and resolver.
func New(cfg config.OrchestratorConfig, surface schemas.SurfaceController, res ElementResolver, logger *zap.Logger, opts ...Option) (*Orchestrator, error) {
	if surface == nil || res == nil {
		return nil, fmt.Errorf("%w: orchestrator requires a surface and a resolver", schemas.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 5 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 250 * time.Millisecond
	}
	if cfg.RetryMax < cfg.RetryBase {
		cfg.RetryMax = cfg.RetryBase
	}
	o := &Orchestrator{
		cfg:      cfg,
		surface:  surface,
		resolver: res,
		logger:   logger.Named("orchestrator"),
		custom:   make(map[string]CustomHandler),
	}
	o.backoffFactory = o.defaultBackOff
	o.registerHandlers()
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func (o *Orchestrator) defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.cfg.RetryBase
	b.MaxInterval = o.cfg.RetryMax
	b.MaxElapsedTime = 0 // The execution deadline bounds retries.
	return b
}

// RegisterCustomAction makes name available to CUSTOM actions.
func (o *Orchestrator) RegisterCustomAction(name string, h CustomHandler) error {
	if name == "" || h == nil {
		return fmt.Errorf("%w: custom action needs a name and a handler", schemas.ErrConfiguration)
	}
	o.customMu.Lock()
	defer o.customMu.Unlock()
	o.custom[name] = h
	return nil
}

// CompileAndExecute is Compile followed by Execute.
func (o *Orchestrator) CompileAndExecute(ctx context.Context, in *schemas.Intent) (*schemas.ExecutionResult, error) {
	g, err := Compile(in)
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, g)
}

// Execute runs the graph. The error is reserved for configuration problems
// found before anything runs; every other outcome is in the result.
func (o *Orchestrator) Execute(ctx context.Context, g *ActionGraph) (*schemas.ExecutionResult, error) {
	start := time.Now()
	waves, err := g.Waves()
	if err != nil {
		return nil, err
	}

	timeout := o.cfg.TaskTimeout
	if g.TimeLimit > 0 && (timeout <= 0 || g.TimeLimit < timeout) {
		timeout = g.TimeLimit
	}
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if o.events != nil {
		defer o.events.RegisterSecrets(g.Secrets...)()
	}

	r := newRun(o, g)
	result := &schemas.ExecutionResult{IntentID: g.IntentID, Waves: waves}
	r.logger.Info("Executing action graph.", zap.Int("actions", len(g.Actions)), zap.Int("waves", len(waves)), zap.Duration("timeout", timeout))
	r.emit(eventstream.KindIntent, "", "Execution started.", map[string]any{"actions": len(g.Actions), "waves": len(waves)})

	for i, wave := range waves {
		if runCtx.Err() != nil {
			break
		}
		r.logger.Debug("Starting wave.", zap.Int("wave", i), zap.Strings("actions", wave))
		if err := r.runWave(runCtx, wave); err != nil {
			result.Aborted = true
			r.addError(fmt.Sprintf("execution aborted: %v", err))
			r.logger.Error("Execution aborted.", zap.Error(err))
			break
		}
	}

	switch {
	case result.Aborted:
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && r.incomplete():
		result.TimedOut = true
		r.addError(fmt.Sprintf("execution deadline of %s exceeded", timeout))
	case errors.Is(runCtx.Err(), context.Canceled) && r.incomplete():
		result.Aborted = true
		r.addError("execution canceled")
	}

	r.finish(result)
	if !result.TimedOut && !result.Aborted {
		result.Verification = o.verify(ctx, g, result)
	}
	result.Success = !result.TimedOut && !result.Aborted && r.requiredSucceeded(result)
	for _, v := range result.Verification {
		if !v.Passed {
			result.Success = false
		}
	}
	result.Elapsed = time.Since(start)

	r.logger.Info("Execution finished.",
		zap.Bool("success", result.Success),
		zap.Bool("timed_out", result.TimedOut),
		zap.Bool("aborted", result.Aborted),
		zap.Duration("elapsed", result.Elapsed))
	kind := eventstream.KindIntent
	if !result.Success {
		kind = eventstream.KindError
	}
	r.emit(kind, "", "Execution finished.", map[string]any{"success": result.Success, "timed_out": result.TimedOut, "aborted": result.Aborted})
	return result, nil
}

// run is the mutable state of one Execute call.
type run struct {
	o      *Orchestrator
	g      *ActionGraph
	logger *zap.Logger

	mu        sync.Mutex
	results   map[string]schemas.ActionResult
	subStatus map[string]schemas.SubIntentStatus
	subErrors map[string][]string
	errors    []string
}

func newRun(o *Orchestrator, g *ActionGraph) *run {
	r := &run{
		o:         o,
		g:         g,
		logger:    o.logger.With(zap.String("intent_id", g.IntentID)),
		results:   make(map[string]schemas.ActionResult, len(g.Actions)),
		subStatus: make(map[string]schemas.SubIntentStatus, len(g.SubIntents)),
		subErrors: make(map[string][]string),
	}
	for _, s := range g.SubIntents {
		if s.Unresolved != "" {
			r.subStatus[s.ID] = schemas.SubIntentFailed
			r.subErrors[s.ID] = append(r.subErrors[s.ID], r.scrub(s.Unresolved))
		}
	}
	return r
}

// runWave launches every action of the wave and waits for all of them.
// Mutating actions run one at a time in declaration order; read-only ones
// run alongside them. Only a lost session stops the wave early.
func (r *run) runWave(ctx context.Context, wave []string) error {
	eg, egctx := errgroup.WithContext(ctx)
	if r.o.cfg.MaxConcurrency > 0 {
		eg.SetLimit(r.o.cfg.MaxConcurrency)
	}
	var prev chan struct{}
	for _, id := range wave {
		a, _ := r.g.Action(id)
		var wait, done chan struct{}
		if a.Type.Mutating() {
			wait, done = prev, make(chan struct{})
			prev = done
		}
		eg.Go(func() error {
			if done != nil {
				defer close(done)
			}
			if wait != nil {
				select {
				case <-wait:
				case <-egctx.Done():
					return nil
				}
			}
			return r.runAction(egctx, a)
		})
	}
	return eg.Wait()
}

func (r *run) runAction(ctx context.Context, a schemas.Action) error {
	if ctx.Err() != nil {
		return nil
	}
	if reason := r.blocked(a); reason != "" {
		r.skip(a, reason)
		return nil
	}

	logger := r.logger.With(zap.String("action_id", a.ID), zap.String("type", string(a.Type)))
	logger.Debug("Running action.", zap.Any("params", a.RedactedParams()))
	res, err := r.o.perform(ctx, a, logger)
	r.record(a, res, err)
	if errors.Is(err, schemas.ErrSessionLost) {
		return err
	}
	return nil
}

// blocked explains why an action must not run, or returns "".
func (r *run) blocked(a schemas.Action) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.subStatus[a.SubIntentID] {
	case schemas.SubIntentFailed:
		return fmt.Sprintf("sub-intent %s already failed", a.SubIntentID)
	case schemas.SubIntentSkipped:
		return fmt.Sprintf("sub-intent %s was skipped", a.SubIntentID)
	}
	for _, up := range r.g.upstream(a.SubIntentID) {
		node, _ := r.g.SubIntent(up)
		if r.subStatus[up] == schemas.SubIntentFailed && !node.Optional {
			return fmt.Sprintf("dependency %s failed", up)
		}
	}
	return ""
}

func (r *run) skip(a schemas.Action, reason string) {
	now := time.Now()
	r.mu.Lock()
	r.results[a.ID] = schemas.ActionResult{
		ActionID:    a.ID,
		ActionType:  a.Type,
		SubIntentID: a.SubIntentID,
		Error:       reason,
		Code:        schemas.CodeSkipped,
		StartedAt:   now,
		FinishedAt:  now,
		Idempotent:  a.Type.Idempotent(),
	}
	if r.subStatus[a.SubIntentID] != schemas.SubIntentFailed {
		r.subStatus[a.SubIntentID] = schemas.SubIntentSkipped
	}
	r.mu.Unlock()
	r.logger.Info("Skipping action.", zap.String("action_id", a.ID), zap.String("reason", reason))
	r.emit(eventstream.KindLog, a.SubIntentID, "Action skipped.", map[string]any{"action_id": a.ID, "reason": reason})
}

func (r *run) record(a schemas.Action, res schemas.ActionResult, err error) {
	data := map[string]any{
		"action_id": a.ID,
		"type":      string(a.Type),
		"params":    a.RedactedParams(),
		"attempts":  res.Attempts,
	}
	if res.Target != nil {
		data["handle"] = res.Target.Handle
		data["confidence"] = res.Target.Confidence
	}

	r.mu.Lock()
	if err != nil {
		res.Error = r.scrub(err.Error())
		res.Code = schemas.CodeOf(err)
		r.subStatus[a.SubIntentID] = schemas.SubIntentFailed
		r.subErrors[a.SubIntentID] = append(r.subErrors[a.SubIntentID], fmt.Sprintf("%s: %s", a.ID, res.Error))
	} else {
		res.Success = true
	}
	r.results[a.ID] = res
	r.mu.Unlock()

	if err != nil {
		data["code"] = string(res.Code)
		data["error"] = res.Error
		r.emit(eventstream.KindError, a.SubIntentID, "Action failed.", data)
		return
	}
	kind := eventstream.KindInteraction
	switch a.Type {
	case schemas.ActionNavigate:
		kind = eventstream.KindNavigation
	case schemas.ActionExtract:
		kind = eventstream.KindDOM
	}
	r.emit(kind, a.SubIntentID, "Action succeeded.", data)
}

func (r *run) addError(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, r.scrub(msg))
}

func (r *run) scrub(s string) string { return schemas.Scrub(s, r.g.Secrets) }

func (r *run) incomplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.g.Actions {
		if _, ok := r.results[a.ID]; !ok {
			return true
		}
		if r.results[a.ID].Code == schemas.CodeTimeout {
			return true
		}
	}
	return false
}

// finish aggregates action results into sub-intent outcomes.
func (r *run) finish(result *schemas.ExecutionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.g.Actions {
		if res, ok := r.results[a.ID]; ok {
			result.Actions = append(result.Actions, res)
		}
	}
	result.SortActionsByStart()

	for _, node := range r.g.SubIntents {
		out := schemas.SubIntentOutcome{
			ID:       node.ID,
			Optional: node.Optional,
			Actions:  append([]string(nil), node.Actions...),
			Errors:   r.subErrors[node.ID],
			Status:   r.subStatus[node.ID],
		}
		if out.Status == "" {
			out.Status = schemas.SubIntentSucceeded
			for _, id := range node.Actions {
				if res, ok := r.results[id]; !ok || !res.Success {
					out.Status = schemas.SubIntentPending
					break
				}
			}
		}
		result.SubIntents = append(result.SubIntents, out)
	}
	result.Errors = append(result.Errors, r.errors...)
}

// requiredSucceeded reports whether every non-optional sub-intent succeeded.
func (r *run) requiredSucceeded(result *schemas.ExecutionResult) bool {
	for _, s := range result.SubIntents {
		if !s.Optional && s.Status != schemas.SubIntentSucceeded {
			return false
		}
	}
	return true
}

func (r *run) emit(kind eventstream.Kind, subID, msg string, data map[string]any) {
	if r.o.events == nil {
		return
	}
	e := eventstream.Event{
		Category:    eventstream.CategoryState,
		Kind:        kind,
		Source:      "orchestrator",
		IntentID:    r.g.IntentID,
		SubIntentID: subID,
		Message:     msg,
		Data:        data,
	}
	if id, ok := data["action_id"].(string); ok {
		e.ActionID = id
	}
	r.o.events.Emit(e)
}

// perform runs an action with retries. Transient failures are retried with
// exponential backoff up to MaxAttempts; the target is re-resolved on every
// attempt.
func (o *Orchestrator) perform(ctx context.Context, a schemas.Action, logger *zap.Logger) (schemas.ActionResult, error) {
	res := schemas.ActionResult{
		ActionID:    a.ID,
		ActionType:  a.Type,
		SubIntentID: a.SubIntentID,
		Idempotent:  a.Type.Idempotent(),
		StartedAt:   time.Now(),
	}

	var lastErr error
	operation := func() error {
		res.Attempts++
		payload, target, err := o.attempt(ctx, a)
		if target != nil {
			res.Target = target
		}
		if err == nil {
			res.Payload = payload
			return nil
		}
		lastErr = err
		if errors.Is(err, schemas.ErrSessionLost) || !schemas.IsTransient(err) {
			return backoff.Permanent(err)
		}
		logger.Warn("Action attempt failed.", zap.Int("attempt", res.Attempts), zap.Error(err))
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(o.backoffFactory(), uint64(o.cfg.MaxAttempts-1)), ctx)
	err := backoff.Retry(operation, b)
	if err != nil && lastErr != nil && ctx.Err() != nil {
		err = lastErr
	}
	res.FinishedAt = time.Now()
	res.Duration = res.FinishedAt.Sub(res.StartedAt)
	if err != nil {
		logger.Warn("Action failed.", zap.Int("attempts", res.Attempts), zap.String("code", string(schemas.CodeOf(err))), zap.Error(err))
	} else {
		logger.Debug("Action succeeded.", zap.Int("attempts", res.Attempts), zap.Duration("duration", res.Duration))
	}
	return res, err
}

// attempt is one try: take the surface lock, resolve the target if needed
// and dispatch to the handler, all under the attempt deadline.
func (o *Orchestrator) attempt(ctx context.Context, a schemas.Action) (any, *schemas.ResolvedElement, error) {
	actx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	defer cancel()

	if a.Type.Mutating() {
		o.surfaceMu.Lock()
		defer o.surfaceMu.Unlock()
	} else {
		o.surfaceMu.RLock()
		defer o.surfaceMu.RUnlock()
	}
	if err := actx.Err(); err != nil {
		return nil, nil, timeoutErr(err)
	}

	var target *schemas.ResolvedElement
	if a.Target != nil && wantsTarget(a.Type) {
		el, err := o.resolveTarget(actx, *a.Target)
		if err != nil {
			return nil, nil, err
		}
		target = el
	} else if a.Type.NeedsTarget() {
		return nil, nil, fmt.Errorf("%w: %s requires a target", schemas.ErrValidation, a.Type)
	}

	handler, err := o.handlerFor(a)
	if err != nil {
		return nil, target, err
	}
	payload, err := handler(actx, a, target)
	if a.Type.Mutating() {
		o.invalidateLastPage()
	}
	if err != nil {
		if ctxErr := actx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			err = timeoutErr(err)
		}
		return nil, target, err
	}
	return payload, target, nil
}

func wantsTarget(t schemas.ActionType) bool {
	return t.NeedsTarget() || t == schemas.ActionExtract || t == schemas.ActionCustom
}

func timeoutErr(err error) error {
	if errors.Is(err, schemas.ErrTimeout) {
		return err
	}
	return fmt.Errorf("%w: %v", schemas.ErrTimeout, err)
}

func (o *Orchestrator) resolveTarget(ctx context.Context, goal schemas.ElementIntent) (*schemas.ResolvedElement, error) {
	page, err := o.surface.QueryElements(ctx)
	if err != nil {
		return nil, fmt.Errorf("query elements: %w", err)
	}
	o.pageMu.Lock()
	o.lastPage = page.Fingerprint
	o.pageMu.Unlock()
	if len(page.Candidates) == 0 {
		return nil, fmt.Errorf("%w: page has no candidates yet", schemas.ErrTransient)
	}

	res, err := o.resolver.Resolve(ctx, goal, page)
	if err != nil {
		return nil, timeoutErr(err)
	}
	if !res.Found {
		return nil, res.Err(goal)
	}
	return res.Element, nil
}

func (o *Orchestrator) invalidateLastPage() {
	o.pageMu.Lock()
	fp := o.lastPage
	o.lastPage = ""
	o.pageMu.Unlock()
	if fp != "" {
		o.resolver.InvalidatePage(fp)
	}
}

func (o *Orchestrator) handlerFor(a schemas.Action) (ActionHandler, error) {
	if a.Type == schemas.ActionCustom {
		o.customMu.RLock()
		h, ok := o.custom[a.CustomName]
		o.customMu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: unknown custom action %q", schemas.ErrValidation, a.CustomName)
		}
		return func(ctx context.Context, a schemas.Action, target *schemas.ResolvedElement) (any, error) {
			return h(ctx, o.surface, a, target)
		}, nil
	}
	h, ok := o.handlers[a.Type]
	if !ok {
		return nil, fmt.Errorf("%w: no handler for action type %s", schemas.ErrValidation, a.Type)
	}
	return h, nil
}
