package intent

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/llmutil"
)

// oracleDoc is the loosely typed decomposition the semantic oracle returns.
// Parameters may arrive as a list of objects or as a name to value map.
type oracleDoc struct {
	Type            string            `json:"type"`
	Description     string            `json:"description"`
	SubIntents      []oracleSub       `json:"sub_intents"`
	Parameters      any               `json:"parameters"`
	Constraints     []oracleKV        `json:"constraints"`
	SuccessCriteria []oracleCriterion `json:"success_criteria"`
}

type oracleSub struct {
	ID              string                 `json:"id"`
	Description     string                 `json:"description"`
	Type            string                 `json:"type"`
	Parameters      any                    `json:"parameters"`
	Dependencies    []string               `json:"dependencies"`
	Optional        bool                   `json:"optional"`
	SuccessCriteria []oracleCriterion      `json:"success_criteria"`
	Target          *schemas.ElementIntent `json:"target"`
}

type oracleKV struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

type oracleCriterion struct {
	Type     string `json:"type"`
	Expected string `json:"expected"`
	Timeout  any    `json:"timeout"`
}

// decodeOracle turns raw oracle output into an intent skeleton. It returns
// an error wrapping schemas.ErrMalformedResponse when nothing usable could
// be extracted, including a decomposition with no sub-intents.
func decodeOracle(raw string) (*schemas.Intent, error) {
	doc, err := llmutil.ParseJSONResponse[oracleDoc](raw)
	if err != nil {
		return nil, err
	}
	if len(doc.SubIntents) == 0 {
		return nil, fmt.Errorf("%w: decomposition has no sub-intents", schemas.ErrMalformedResponse)
	}

	in := &schemas.Intent{
		Description:     doc.Description,
		Type:            intentType(doc.Type),
		Parameters:      parameters(doc.Parameters),
		SuccessCriteria: criteria(doc.SuccessCriteria),
	}
	for _, c := range doc.Constraints {
		in.Constraints = append(in.Constraints, schemas.Constraint{
			Type:  schemas.ConstraintType(strings.ToLower(c.Type)),
			Value: constraintValue(schemas.ConstraintType(strings.ToLower(c.Type)), c.Value),
		})
	}
	for i, s := range doc.SubIntents {
		id := strings.TrimSpace(s.ID)
		if id == "" {
			id = fmt.Sprintf("sub_%d", i+1)
		}
		in.SubIntents = append(in.SubIntents, schemas.SubIntent{
			ID:              id,
			Description:     s.Description,
			Type:            intentType(s.Type),
			Parameters:      parameters(s.Parameters),
			Dependencies:    s.Dependencies,
			Optional:        s.Optional,
			SuccessCriteria: criteria(s.SuccessCriteria),
			Target:          s.Target,
		})
	}
	return in, nil
}

func intentType(s string) schemas.IntentType {
	t := schemas.IntentType(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return schemas.IntentComposite
	}
	return t
}

func parameters(raw any) []schemas.Parameter {
	var out []schemas.Parameter
	switch v := raw.(type) {
	case []any:
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["name"].(string)
			if name == "" {
				continue
			}
			p := schemas.Parameter{Name: name, Value: m["value"]}
			if t, ok := m["type"].(string); ok {
				p.Type = schemas.ParameterType(strings.ToLower(t))
			}
			p.Required, _ = m["required"].(bool)
			p.Sensitive, _ = m["sensitive"].(bool)
			out = append(out, finishParam(p))
		}
	case map[string]any:
		names := make([]string, 0, len(v))
		for k := range v {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			out = append(out, finishParam(schemas.Parameter{Name: k, Value: v[k]}))
		}
	}
	return out
}

// finishParam infers a missing type and forces secrets to be sensitive.
func finishParam(p schemas.Parameter) schemas.Parameter {
	if p.Type == "" {
		switch p.Value.(type) {
		case float64:
			p.Type = schemas.ParamNumber
		case bool:
			p.Type = schemas.ParamBoolean
		default:
			p.Type = schemas.ParamString
		}
	}
	if isSecretName(p.Name) {
		p.Type = schemas.ParamPassword
	}
	if p.Type == schemas.ParamPassword {
		p.Sensitive = true
	}
	return p
}

func criteria(in []oracleCriterion) []schemas.SuccessCriterion {
	var out []schemas.SuccessCriterion
	for _, c := range in {
		out = append(out, schemas.SuccessCriterion{
			Type:     schemas.CriterionType(strings.ToLower(c.Type)),
			Expected: c.Expected,
			Timeout:  duration(c.Timeout),
		})
	}
	return out
}

// duration reads "5s" style strings or plain seconds.
func duration(v any) time.Duration {
	switch t := v.(type) {
	case float64:
		return time.Duration(t * float64(time.Second))
	case string:
		if d, err := time.ParseDuration(t); err == nil {
			return d
		}
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return time.Duration(f * float64(time.Second))
		}
	}
	return 0
}

func constraintValue(t schemas.ConstraintType, v any) string {
	if t == schemas.ConstraintTimeLimit {
		if d := duration(v); d > 0 {
			return d.String()
		}
	}
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
