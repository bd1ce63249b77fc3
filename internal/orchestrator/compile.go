// File: internal/orchestrator/compile.go
package orchestrator

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/intent"
)

const (
	defaultScrollAmount = 600
	defaultWait         = "1s"
)

// Parameter names with a fixed meaning; everything else on a FORM_FILL
// sub-intent is a field to type into.
var reservedParams = map[string]bool{
	"submit": true, "text": true, "form_data": true, "fields": true, "url": true,
	"key": true, "query": true, "custom_action": true, "script": true,
}

// Keyword inference for sub-intents whose type does not determine the action.
var (
	inferNavigate = regexp.MustCompile(`(?i)^(?:go to|navigate to|open|visit|browse to|load)\s+(?:the\s+)?(\S+)$`)
	inferKey      = regexp.MustCompile(`(?i)^(?:press|hit)\s+(?:the\s+)?([a-z ]+?)(?:\s+key)?$`)
	inferType     = regexp.MustCompile(`(?i)^(?:type|enter|fill(?:\s+in)?|input|write)\s+["']([^"']*)["'](?:\s+(?:in|into|on)\s+(.+))?$`)
	inferSelect   = regexp.MustCompile(`(?i)^(?:select|choose|pick)\s+["']([^"']+)["']\s+(?:from|in)\s+(.+)$`)
	inferScroll   = regexp.MustCompile(`(?i)^scroll(?:\s+(up|down|left|right))?(?:\s+(?:by\s+)?(\d+))?`)
	inferWaitFor  = regexp.MustCompile(`(?i)^wait\s+(?:for|until)\s+["']([^"']+)["']`)
	inferWait     = regexp.MustCompile(`(?i)^wait(?:\s+for)?(?:\s+(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|secs?|seconds?|m|mins?|minutes?))?`)
	inferHover    = regexp.MustCompile(`(?i)^(?:hover|mouse)\s+(?:over\s+|on\s+)?(.+)$`)
	inferExtract  = regexp.MustCompile(`(?i)^(?:extract|get|scrape|read|collect|grab)\s+(.+)$`)
	inferClick    = regexp.MustCompile(`(?i)^(?:click|tap|press|select|choose|check|open|submit)\s*(?:on\s+)?(.*)$`)
)

var keyAliases = map[string]string{
	"enter": "Enter", "return": "Enter", "tab": "Tab", "escape": "Escape", "esc": "Escape",
	"space": "Space", "backspace": "Backspace", "delete": "Delete",
	"arrowup": "ArrowUp", "arrowdown": "ArrowDown", "arrowleft": "ArrowLeft", "arrowright": "ArrowRight",
	"up": "ArrowUp", "down": "ArrowDown", "left": "ArrowLeft", "right": "ArrowRight",
	"pageup": "PageUp", "pagedown": "PageDown", "home": "Home", "end": "End",
}

// draft is an action before ids and edges are assigned.
type draft struct {
	typ       schemas.ActionType
	params    map[string]string
	target    *schemas.ElementIntent
	custom    string
	sensitive []string
}

// Compile turns a validated intent into an action graph. Declared
// sub-intent dependencies become action edges, actions within a sub-intent
// are chained, and mutating actions on the same field from different
// sub-intents are ordered by declaration.
func Compile(in *schemas.Intent) (*ActionGraph, error) {
	if err := intent.Validate(in); err != nil {
		return nil, err
	}
	g := &ActionGraph{
		IntentID:   in.ID,
		IntentType: in.Type,
		Criteria:   in.SuccessCriteria,
		Secrets:    in.SensitiveValues(),
	}
	if d, ok := in.TimeLimit(); ok {
		g.TimeLimit = d
	}

	first := make(map[string]string)
	last := make(map[string]string)
	for _, sub := range in.SubIntents {
		node := SubIntentNode{
			ID:           sub.ID,
			Type:         sub.Type,
			Optional:     sub.Optional,
			Dependencies: append([]string(nil), sub.Dependencies...),
			Criteria:     sub.SuccessCriteria,
		}
		drafts, err := compileSub(sub)
		if err != nil {
			node.Unresolved = err.Error()
		}
		prev := ""
		for i, d := range drafts {
			a := schemas.Action{
				ID:          fmt.Sprintf("%s_%s_%d", sub.ID, strings.ToLower(string(d.typ)), i+1),
				Type:        d.typ,
				Params:      d.params,
				Target:      d.target,
				SubIntentID: sub.ID,
				CustomName:  d.custom,
				Sensitive:   d.sensitive,
			}
			if prev != "" {
				a.DependsOn = append(a.DependsOn, prev)
			}
			prev = a.ID
			node.Actions = append(node.Actions, a.ID)
			g.Actions = append(g.Actions, a)
		}
		if len(node.Actions) > 0 {
			first[sub.ID] = node.Actions[0]
			last[sub.ID] = node.Actions[len(node.Actions)-1]
		}
		g.SubIntents = append(g.SubIntents, node)
	}
	g.reindex()

	// Declared dependencies: the first action of a sub-intent waits on the
	// terminal action of each dependency. Sub-intents without actions pass
	// their own dependencies through.
	var terminals func(id string, seen map[string]bool) []string
	terminals = func(id string, seen map[string]bool) []string {
		if t, ok := last[id]; ok {
			return []string{t}
		}
		if seen[id] {
			return nil
		}
		seen[id] = true
		node, _ := g.SubIntent(id)
		var out []string
		for _, d := range node.Dependencies {
			out = append(out, terminals(d, seen)...)
		}
		return out
	}
	for _, node := range g.SubIntents {
		head, ok := first[node.ID]
		if !ok {
			continue
		}
		a := &g.Actions[g.index[head]]
		for _, dep := range node.Dependencies {
			for _, t := range terminals(dep, make(map[string]bool)) {
				addEdge(a, t)
			}
		}
	}

	addImplicitEdges(g)

	if _, err := g.Waves(); err != nil {
		return nil, err
	}
	return g, nil
}

// addImplicitEdges orders mutating actions from different sub-intents that
// touch the same field. A KEYBOARD action with no target inherits the field
// of the nearest preceding TYPE. An edge that would close a cycle with the
// declared dependencies is not added.
func addImplicitEdges(g *ActionGraph) {
	lastByField := make(map[string]int)
	lastType := -1
	for i := range g.Actions {
		a := &g.Actions[i]
		if !a.Type.Mutating() {
			continue
		}
		field := ""
		if a.Target != nil {
			field = a.Target.FieldKey()
		}
		if field == "" && a.Type == schemas.ActionKeyboard && lastType >= 0 {
			typed := g.Actions[lastType]
			field = typed.Target.FieldKey()
			if typed.SubIntentID != a.SubIntentID && !g.dependsOn(typed.ID, a.ID) {
				addEdge(a, typed.ID)
			}
		}
		if field == "" {
			continue
		}
		if j, ok := lastByField[field]; ok {
			earlier := g.Actions[j]
			if earlier.SubIntentID != a.SubIntentID && !g.dependsOn(earlier.ID, a.ID) {
				addEdge(a, earlier.ID)
			}
		}
		lastByField[field] = i
		if a.Type == schemas.ActionTypeText && a.Target != nil {
			lastType = i
		}
	}
}

func addEdge(a *schemas.Action, dep string) {
	if dep == a.ID {
		return
	}
	for _, d := range a.DependsOn {
		if d == dep {
			return
		}
	}
	a.DependsOn = append(a.DependsOn, dep)
}

// compileSub maps one sub-intent onto its actions.
func compileSub(sub schemas.SubIntent) ([]draft, error) {
	if name, ok := sub.Param("custom_action"); ok && name.StringValue() != "" {
		d := draft{typ: schemas.ActionCustom, custom: name.StringValue(), target: sub.Target, params: map[string]string{}}
		for _, p := range sub.Parameters {
			if !strings.EqualFold(p.Name, "custom_action") {
				setParam(&d, p.Name, p)
			}
		}
		return []draft{d}, nil
	}
	if script, ok := sub.Param(schemas.ParamKeyScript); ok {
		return []draft{{typ: schemas.ActionExecuteScript, params: map[string]string{schemas.ParamKeyScript: script.StringValue()}}}, nil
	}

	switch sub.Type {
	case schemas.IntentNavigation:
		if u, ok := sub.Param(schemas.ParamKeyURL); ok && u.StringValue() != "" {
			return []draft{navigate(u.StringValue())}, nil
		}
	case schemas.IntentInteraction:
		if k, ok := sub.Param(schemas.ParamKeyKey); ok && k.StringValue() != "" {
			return []draft{keyboard(k.StringValue(), sub.Target)}, nil
		}
		if sub.Target != nil {
			return []draft{{typ: schemas.ActionClick, target: sub.Target}}, nil
		}
	case schemas.IntentFormFill:
		if drafts := formFill(sub); len(drafts) > 0 {
			return drafts, nil
		}
	case schemas.IntentSearch:
		q, ok := sub.Param(schemas.ParamKeyQuery)
		if !ok {
			q, ok = sub.Param(schemas.ParamKeyText)
		}
		if ok && q.StringValue() != "" {
			target := sub.Target
			if target == nil {
				target = &schemas.ElementIntent{Description: "search", Role: "searchbox"}
			}
			typeText := draft{typ: schemas.ActionTypeText, target: target, params: map[string]string{schemas.ParamKeyText: q.StringValue()}}
			return []draft{typeText, keyboard("Enter", nil)}, nil
		}
	case schemas.IntentExtraction:
		d := draft{typ: schemas.ActionExtract, target: sub.Target, params: map[string]string{}}
		if q, ok := sub.Param(schemas.ParamKeyQuery); ok {
			d.params[schemas.ParamKeyQuery] = q.StringValue()
		} else if m := inferExtract.FindStringSubmatch(strings.TrimSpace(sub.Description)); m != nil {
			d.params[schemas.ParamKeyQuery] = m[1]
		} else {
			d.params[schemas.ParamKeyQuery] = sub.Description
		}
		return []draft{d}, nil
	}

	if d, ok := infer(sub); ok {
		return []draft{d}, nil
	}
	return nil, fmt.Errorf("%w: no action could be inferred for sub-intent %q", schemas.ErrValidation, sub.ID)
}

func navigate(url string) draft {
	return draft{typ: schemas.ActionNavigate, params: map[string]string{schemas.ParamKeyURL: intent.NormalizeURL(url)}}
}

func keyboard(key string, target *schemas.ElementIntent) draft {
	if canonical, ok := keyAliases[strings.ToLower(strings.ReplaceAll(key, " ", ""))]; ok {
		key = canonical
	}
	return draft{typ: schemas.ActionKeyboard, target: target, params: map[string]string{schemas.ParamKeyKey: key}}
}

// formFill types each field then optionally clicks submit.
func formFill(sub schemas.SubIntent) []draft {
	var drafts []draft
	if text, ok := sub.Param(schemas.ParamKeyText); ok && sub.Target != nil {
		d := draft{typ: schemas.ActionTypeText, target: sub.Target, params: map[string]string{}}
		setParam(&d, schemas.ParamKeyText, text)
		drafts = append(drafts, d)
	} else {
		fields := make(map[string]schemas.Parameter)
		for _, key := range []string{"form_data", "fields"} {
			p, ok := sub.Param(key)
			if !ok {
				continue
			}
			if m, ok := p.Value.(map[string]any); ok {
				for name, v := range m {
					fields[name] = schemas.Parameter{Name: name, Value: v, Sensitive: p.Sensitive || isSecretField(name)}
				}
			}
		}
		for _, p := range sub.Parameters {
			if !reservedParams[strings.ToLower(p.Name)] {
				fields[p.Name] = p
			}
		}
		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)
		// Keep the declared parameter order where there is one.
		order := make(map[string]int)
		for i, p := range sub.Parameters {
			order[p.Name] = i + 1
		}
		sort.SliceStable(names, func(i, j int) bool {
			oi, oj := order[names[i]], order[names[j]]
			if oi == 0 || oj == 0 {
				return oi != 0 && oj == 0
			}
			return oi < oj
		})
		for _, name := range names {
			d := draft{
				typ:    schemas.ActionTypeText,
				target: &schemas.ElementIntent{Description: strings.ReplaceAll(name, "_", " ")},
				params: map[string]string{},
			}
			setParam(&d, schemas.ParamKeyText, fields[name])
			drafts = append(drafts, d)
		}
	}

	if submit, ok := sub.Param("submit"); ok {
		label := submit.StringValue()
		switch strings.ToLower(label) {
		case "", "true", "yes", "1":
			label = "submit"
		case "false", "no", "0":
			return drafts
		}
		drafts = append(drafts, draft{typ: schemas.ActionClick, target: &schemas.ElementIntent{Description: label, Role: "button"}})
	}
	return drafts
}

func isSecretField(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "password") || strings.Contains(n, "secret") || strings.Contains(n, "token")
}

func setParam(d *draft, key string, p schemas.Parameter) {
	d.params[key] = p.StringValue()
	if p.Sensitive || p.Type == schemas.ParamPassword {
		d.sensitive = append(d.sensitive, key)
	}
}

// infer maps a free-form description onto a single action.
func infer(sub schemas.SubIntent) (draft, bool) {
	desc := strings.TrimSpace(sub.Description)
	if desc == "" && sub.Target != nil {
		return draft{typ: schemas.ActionClick, target: sub.Target}, true
	}
	targetOr := func(phrase string) *schemas.ElementIntent {
		if sub.Target != nil {
			return sub.Target
		}
		if strings.TrimSpace(phrase) == "" {
			return nil
		}
		return intent.ParseTarget(phrase)
	}

	if m := inferNavigate.FindStringSubmatch(desc); m != nil && strings.Contains(m[1], ".") {
		return navigate(m[1]), true
	}
	if m := inferKey.FindStringSubmatch(desc); m != nil {
		if key, ok := keyAliases[strings.ReplaceAll(strings.ToLower(m[1]), " ", "")]; ok {
			return keyboard(key, sub.Target), true
		}
	}
	if m := inferType.FindStringSubmatch(desc); m != nil {
		target := targetOr(m[2])
		if target == nil {
			target = &schemas.ElementIntent{Description: "text input", Role: "textbox"}
		}
		return draft{typ: schemas.ActionTypeText, target: target, params: map[string]string{schemas.ParamKeyText: m[1]}}, true
	}
	if m := inferSelect.FindStringSubmatch(desc); m != nil {
		return draft{typ: schemas.ActionSelect, target: targetOr(m[2]), params: map[string]string{schemas.ParamKeyValue: m[1]}}, true
	}
	if m := inferScroll.FindStringSubmatch(desc); m != nil {
		dir := strings.ToLower(m[1])
		if dir == "" {
			dir = "down"
		}
		amount := strconv.Itoa(defaultScrollAmount)
		if m[2] != "" {
			amount = m[2]
		}
		return draft{typ: schemas.ActionScroll, params: map[string]string{schemas.ParamKeyDirection: dir, schemas.ParamKeyAmount: amount}}, true
	}
	if m := inferWaitFor.FindStringSubmatch(desc); m != nil {
		return draft{typ: schemas.ActionWait, params: map[string]string{
			schemas.ParamKeyCondition: string(schemas.ConditionTextPresent),
			schemas.ParamKeyValue:     m[1],
			schemas.ParamKeyDuration:  "10s",
		}}, true
	}
	if m := inferWait.FindStringSubmatch(desc); m != nil {
		return draft{typ: schemas.ActionWait, params: map[string]string{schemas.ParamKeyDuration: waitDuration(m[1], m[2])}}, true
	}
	if m := inferHover.FindStringSubmatch(desc); m != nil {
		return draft{typ: schemas.ActionHover, target: targetOr(m[1])}, true
	}
	if m := inferExtract.FindStringSubmatch(desc); m != nil {
		return draft{typ: schemas.ActionExtract, target: sub.Target, params: map[string]string{schemas.ParamKeyQuery: m[1]}}, true
	}
	if m := inferClick.FindStringSubmatch(desc); m != nil {
		if target := targetOr(m[1]); target != nil {
			return draft{typ: schemas.ActionClick, target: target}, true
		}
	}
	if sub.Target != nil {
		return draft{typ: schemas.ActionClick, target: sub.Target}, true
	}
	return draft{}, false
}

func waitDuration(n, unit string) string {
	if n == "" {
		return defaultWait
	}
	switch u := strings.ToLower(unit); {
	case strings.HasPrefix(u, "ms"), strings.HasPrefix(u, "milli"):
		return n + "ms"
	case strings.HasPrefix(u, "m"):
		return n + "m"
	default:
		return n + "s"
	}
}
