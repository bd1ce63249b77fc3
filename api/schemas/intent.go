// File: api/schemas/intent.go
package schemas

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// RedactedValue replaces the value of any sensitive parameter before it leaves
// the process boundary (events, logs, archives, cache keys).
const RedactedValue = "[REDACTED]"

// IntentType categorizes the goal of an Intent or SubIntent.
type IntentType string

const (
	IntentNavigation  IntentType = "NAVIGATION"
	IntentFormFill    IntentType = "FORM_FILL"
	IntentInteraction IntentType = "INTERACTION"
	IntentExtraction  IntentType = "EXTRACTION"
	IntentSearch      IntentType = "SEARCH"
	IntentComposite   IntentType = "COMPOSITE"
)

// Valid reports whether the type is one of the known goal types.
func (t IntentType) Valid() bool {
	switch t {
	case IntentNavigation, IntentFormFill, IntentInteraction, IntentExtraction, IntentSearch, IntentComposite:
		return true
	}
	return false
}

// IntentStatus is the lifecycle state of an Intent.
type IntentStatus string

const (
	StatusPending   IntentStatus = "PENDING"
	StatusRunning   IntentStatus = "RUNNING"
	StatusSucceeded IntentStatus = "SUCCEEDED"
	StatusFailed    IntentStatus = "FAILED"
)

// ParameterType is the declared type of a Parameter value.
type ParameterType string

const (
	ParamString   ParameterType = "string"
	ParamNumber   ParameterType = "number"
	ParamBoolean  ParameterType = "boolean"
	ParamURL      ParameterType = "url"
	ParamEmail    ParameterType = "email"
	ParamPassword ParameterType = "password"
)

// Parameter is a named input extracted from a task description.
type Parameter struct {
	Name      string        `json:"name"`
	Value     any           `json:"value"`
	Type      ParameterType `json:"type,omitempty"`
	Required  bool          `json:"required,omitempty"`
	Sensitive bool          `json:"sensitive,omitempty"` // Never written anywhere in cleartext.
}

// StringValue renders the parameter value as text.
func (p Parameter) StringValue() string {
	switch v := p.Value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Redacted returns a copy safe to record. Password-typed parameters are
// always treated as sensitive.
func (p Parameter) Redacted() Parameter {
	if p.Sensitive || p.Type == ParamPassword {
		p.Value = RedactedValue
		p.Sensitive = true
	}
	return p
}

// String never exposes a sensitive value.
func (p Parameter) String() string {
	r := p.Redacted()
	return fmt.Sprintf("%s=%s", r.Name, r.StringValue())
}

// ConstraintType enumerates restrictions that apply to a whole Intent.
type ConstraintType string

const (
	ConstraintTimeLimit   ConstraintType = "time_limit"
	ConstraintMustInclude ConstraintType = "must_include"
	ConstraintMustAvoid   ConstraintType = "must_avoid"
)

// Constraint restricts how an Intent may be carried out.
type Constraint struct {
	Type  ConstraintType `json:"type"`
	Value string         `json:"value"`
}

// CriterionType enumerates supported success checks.
type CriterionType string

const (
	CriterionURLMatches     CriterionType = "url_matches"
	CriterionElementVisible CriterionType = "element_visible"
	CriterionTextPresent    CriterionType = "text_present"
)

// SuccessCriterion describes an observable post-condition.
type SuccessCriterion struct {
	Type     CriterionType `json:"type"`
	Expected string        `json:"expected"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}

// SubIntent is one node of the decomposed goal tree.
type SubIntent struct {
	ID              string             `json:"id"`
	Description     string             `json:"description"`
	Type            IntentType         `json:"type"`
	Parameters      []Parameter        `json:"parameters,omitempty"`
	Dependencies    []string           `json:"dependencies,omitempty"` // IDs that must complete first.
	Optional        bool               `json:"optional,omitempty"`
	SuccessCriteria []SuccessCriterion `json:"success_criteria,omitempty"`
	Target          *ElementIntent     `json:"target,omitempty"` // Optional explicit target hint.
}

// Param looks up a parameter by name, case-insensitively.
func (s SubIntent) Param(name string) (Parameter, bool) {
	for _, p := range s.Parameters {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return Parameter{}, false
}

// Intent is the structured representation of a user's task.
type Intent struct {
	ID              string             `json:"id"`
	Description     string             `json:"description"`
	Type            IntentType         `json:"type"`
	SubIntents      []SubIntent        `json:"sub_intents"`
	Parameters      []Parameter        `json:"parameters,omitempty"`
	Constraints     []Constraint       `json:"constraints,omitempty"`
	SuccessCriteria []SuccessCriterion `json:"success_criteria,omitempty"`
	Status          IntentStatus       `json:"status"`
	Context         map[string]string  `json:"context,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
}

// SubIntent returns the sub-intent with the given id.
func (i *Intent) SubIntent(id string) (*SubIntent, bool) {
	for idx := range i.SubIntents {
		if i.SubIntents[idx].ID == id {
			return &i.SubIntents[idx], true
		}
	}
	return nil, false
}

// TimeLimit returns the time_limit constraint, if any parses.
func (i *Intent) TimeLimit() (time.Duration, bool) {
	for _, c := range i.Constraints {
		if c.Type != ConstraintTimeLimit {
			continue
		}
		if d, err := time.ParseDuration(c.Value); err == nil && d > 0 {
			return d, true
		}
	}
	return 0, false
}

// SensitiveValues collects every cleartext value that must be scrubbed.
func (i *Intent) SensitiveValues() []string {
	var out []string
	collect := func(params []Parameter) {
		for _, p := range params {
			if (p.Sensitive || p.Type == ParamPassword) && p.StringValue() != "" {
				out = append(out, p.StringValue())
			}
		}
	}
	collect(i.Parameters)
	for _, s := range i.SubIntents {
		collect(s.Parameters)
	}
	return out
}

// Redacted returns a deep copy of the intent with every sensitive parameter
// value replaced. The receiver is left untouched.
func (i *Intent) Redacted() *Intent {
	out := *i
	out.Parameters = redactParams(i.Parameters)
	out.SubIntents = make([]SubIntent, len(i.SubIntents))
	secrets := i.SensitiveValues()
	for idx, s := range i.SubIntents {
		s.Parameters = redactParams(s.Parameters)
		s.Dependencies = append([]string(nil), s.Dependencies...)
		s.Description = Scrub(s.Description, secrets)
		out.SubIntents[idx] = s
	}
	out.Description = Scrub(i.Description, secrets)
	if i.Context != nil {
		out.Context = make(map[string]string, len(i.Context))
		for k, v := range i.Context {
			out.Context[k] = Scrub(v, secrets)
		}
	}
	return &out
}

func redactParams(in []Parameter) []Parameter {
	if in == nil {
		return nil
	}
	out := make([]Parameter, len(in))
	for idx, p := range in {
		out[idx] = p.Redacted()
	}
	return out
}

// Scrub replaces every occurrence of each secret in s.
func Scrub(s string, secrets []string) string {
	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, RedactedValue)
	}
	return s
}
