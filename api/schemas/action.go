// File: api/schemas/action.go
package schemas

import (
	"sort"
	"time"
)

// ActionType defines the kind of atomic operation performed on the surface.
type ActionType string

const (
	ActionClick         ActionType = "CLICK"
	ActionTypeText      ActionType = "TYPE"
	ActionSelect        ActionType = "SELECT"
	ActionHover         ActionType = "HOVER"
	ActionScroll        ActionType = "SCROLL"
	ActionNavigate      ActionType = "NAVIGATE"
	ActionWait          ActionType = "WAIT"
	ActionKeyboard      ActionType = "KEYBOARD"
	ActionExtract       ActionType = "EXTRACT"
	ActionExecuteScript ActionType = "EXECUTE_SCRIPT"
	ActionCustom        ActionType = "CUSTOM"
)

// Mutating reports whether the action changes surface state. Mutating actions
// never run concurrently with each other.
func (t ActionType) Mutating() bool {
	switch t {
	case ActionExtract, ActionWait:
		return false
	}
	return true
}

// Idempotent is true only for read-only actions.
func (t ActionType) Idempotent() bool { return !t.Mutating() }

// NeedsTarget reports whether the action must resolve an element first.
func (t ActionType) NeedsTarget() bool {
	switch t {
	case ActionClick, ActionTypeText, ActionSelect, ActionHover:
		return true
	}
	return false
}

// Well-known parameter keys.
const (
	ParamKeyURL       = "url"
	ParamKeyText      = "text"
	ParamKeyKey       = "key"
	ParamKeyScript    = "script"
	ParamKeyValue     = "value"
	ParamKeyDirection = "direction"
	ParamKeyAmount    = "amount"
	ParamKeyQuery     = "query"
	ParamKeyDuration  = "duration"
	ParamKeyCondition = "condition"
)

// Action is a single atomic operation. Value object: created once per
// compilation pass and never mutated afterwards.
type Action struct {
	ID          string            `json:"id"`
	Type        ActionType        `json:"type"`
	Params      map[string]string `json:"params,omitempty"`
	Target      *ElementIntent    `json:"target,omitempty"` // Resolved lazily at execution time.
	DependsOn   []string          `json:"depends_on,omitempty"`
	SubIntentID string            `json:"sub_intent_id"`
	CustomName  string            `json:"custom_name,omitempty"`
	Sensitive   []string          `json:"sensitive,omitempty"` // Param keys holding secrets.
}

// Param returns a parameter value or "".
func (a Action) Param(key string) string {
	if a.Params == nil {
		return ""
	}
	return a.Params[key]
}

// RedactedParams returns a copy of Params with sensitive keys replaced.
func (a Action) RedactedParams() map[string]string {
	if a.Params == nil {
		return nil
	}
	out := make(map[string]string, len(a.Params))
	for k, v := range a.Params {
		out[k] = v
	}
	for _, k := range a.Sensitive {
		if _, ok := out[k]; ok {
			out[k] = RedactedValue
		}
	}
	return out
}

// ActionResult records the outcome of one action.
type ActionResult struct {
	ActionID    string           `json:"action_id"`
	ActionType  ActionType       `json:"action_type"`
	SubIntentID string           `json:"sub_intent_id"`
	Success     bool             `json:"success"`
	Payload     any              `json:"payload,omitempty"`
	Error       string           `json:"error,omitempty"`
	Code        ErrorCode        `json:"code,omitempty"`
	Duration    time.Duration    `json:"duration"`
	StartedAt   time.Time        `json:"started_at"`
	FinishedAt  time.Time        `json:"finished_at"`
	Attempts    int              `json:"attempts"`
	Idempotent  bool             `json:"idempotent"`
	Target      *ResolvedElement `json:"target,omitempty"`
}

// SubIntentStatus is the outcome of one SubIntent within an execution.
type SubIntentStatus string

const (
	SubIntentPending   SubIntentStatus = "PENDING"
	SubIntentSucceeded SubIntentStatus = "SUCCEEDED"
	SubIntentFailed    SubIntentStatus = "FAILED"
	SubIntentSkipped   SubIntentStatus = "SKIPPED"
)

// SubIntentOutcome aggregates the actions belonging to one SubIntent.
type SubIntentOutcome struct {
	ID       string          `json:"id"`
	Status   SubIntentStatus `json:"status"`
	Optional bool            `json:"optional,omitempty"`
	Actions  []string        `json:"actions,omitempty"`
	Errors   []string        `json:"errors,omitempty"`
}

// CriterionResult is the verification outcome of one SuccessCriterion.
type CriterionResult struct {
	Criterion SuccessCriterion `json:"criterion"`
	Passed    bool             `json:"passed"`
	Detail    string           `json:"detail,omitempty"`
}

// ExecutionResult is returned to every top-level caller.
type ExecutionResult struct {
	IntentID     string             `json:"intent_id"`
	Success      bool               `json:"success"`
	TimedOut     bool               `json:"timed_out,omitempty"`
	Aborted      bool               `json:"aborted,omitempty"`
	SubIntents   []SubIntentOutcome `json:"sub_intents"`
	Actions      []ActionResult     `json:"actions"`
	Waves        [][]string         `json:"waves,omitempty"`
	Elapsed      time.Duration      `json:"elapsed"`
	Errors       []string           `json:"errors,omitempty"`
	Verification []CriterionResult  `json:"verification,omitempty"`
}

// Outcome finds the SubIntent outcome by id.
func (r *ExecutionResult) Outcome(id string) (SubIntentOutcome, bool) {
	for _, o := range r.SubIntents {
		if o.ID == id {
			return o, true
		}
	}
	return SubIntentOutcome{}, false
}

// Result finds an action result by id.
func (r *ExecutionResult) Result(actionID string) (ActionResult, bool) {
	for _, a := range r.Actions {
		if a.ActionID == actionID {
			return a, true
		}
	}
	return ActionResult{}, false
}

// SortActionsByStart orders Actions by their start time, ties broken by id.
func (r *ExecutionResult) SortActionsByStart() {
	sort.SliceStable(r.Actions, func(i, j int) bool {
		if r.Actions[i].StartedAt.Equal(r.Actions[j].StartedAt) {
			return r.Actions[i].ActionID < r.Actions[j].ActionID
		}
		return r.Actions[i].StartedAt.Before(r.Actions[j].StartedAt)
	})
}
