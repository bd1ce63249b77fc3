// File: internal/orchestrator/handlers.go
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// registerHandlers populates the map of built-in action handlers.
func (o *Orchestrator) registerHandlers() {
	o.handlers = map[schemas.ActionType]ActionHandler{
		schemas.ActionNavigate:      o.handleNavigate,
		schemas.ActionClick:         o.handleClick,
		schemas.ActionTypeText:      o.handleType,
		schemas.ActionSelect:        o.handleSelect,
		schemas.ActionHover:         o.handleHover,
		schemas.ActionScroll:        o.handleScroll,
		schemas.ActionWait:          o.handleWait,
		schemas.ActionKeyboard:      o.handleKeyboard,
		schemas.ActionExtract:       o.handleExtract,
		schemas.ActionExecuteScript: o.handleScript,
	}
}

func (o *Orchestrator) handleNavigate(ctx context.Context, a schemas.Action, _ *schemas.ResolvedElement) (any, error) {
	url := a.Param(schemas.ParamKeyURL)
	if url == "" {
		return nil, fmt.Errorf("%w: NAVIGATE requires a url", schemas.ErrValidation)
	}
	return nil, o.surface.Navigate(ctx, url)
}

func (o *Orchestrator) handleClick(ctx context.Context, _ schemas.Action, target *schemas.ResolvedElement) (any, error) {
	return nil, o.surface.Click(ctx, *target)
}

func (o *Orchestrator) handleType(ctx context.Context, a schemas.Action, target *schemas.ResolvedElement) (any, error) {
	if _, ok := a.Params[schemas.ParamKeyText]; !ok {
		return nil, fmt.Errorf("%w: TYPE requires text", schemas.ErrValidation)
	}
	return nil, o.surface.Type(ctx, *target, a.Param(schemas.ParamKeyText))
}

func (o *Orchestrator) handleSelect(ctx context.Context, a schemas.Action, target *schemas.ResolvedElement) (any, error) {
	value := a.Param(schemas.ParamKeyValue)
	if value == "" {
		return nil, fmt.Errorf("%w: SELECT requires a value", schemas.ErrValidation)
	}
	return nil, o.surface.Select(ctx, *target, value)
}

func (o *Orchestrator) handleHover(ctx context.Context, _ schemas.Action, target *schemas.ResolvedElement) (any, error) {
	return nil, o.surface.Hover(ctx, *target)
}

func (o *Orchestrator) handleScroll(ctx context.Context, a schemas.Action, _ *schemas.ResolvedElement) (any, error) {
	dir := strings.ToLower(a.Param(schemas.ParamKeyDirection))
	if dir == "" {
		dir = "down"
	}
	switch dir {
	case "up", "down", "left", "right":
	default:
		return nil, fmt.Errorf("%w: invalid scroll direction %q", schemas.ErrValidation, dir)
	}
	amount := defaultScrollAmount
	if raw := a.Param(schemas.ParamKeyAmount); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: invalid scroll amount %q", schemas.ErrValidation, raw)
		}
		amount = n
	}
	return nil, o.surface.Scroll(ctx, dir, amount)
}

func (o *Orchestrator) handleWait(ctx context.Context, a schemas.Action, _ *schemas.ResolvedElement) (any, error) {
	d := time.Second
	if raw := a.Param(schemas.ParamKeyDuration); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("%w: invalid wait duration %q", schemas.ErrValidation, raw)
		}
		d = parsed
	}
	if kind := a.Param(schemas.ParamKeyCondition); kind != "" {
		cond := schemas.Condition{Kind: schemas.ConditionKind(kind), Value: a.Param(schemas.ParamKeyValue)}
		return nil, o.surface.WaitForCondition(ctx, cond, d)
	}

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) handleKeyboard(ctx context.Context, a schemas.Action, _ *schemas.ResolvedElement) (any, error) {
	key := a.Param(schemas.ParamKeyKey)
	if key == "" {
		return nil, fmt.Errorf("%w: KEYBOARD requires a key", schemas.ErrValidation)
	}
	return nil, o.surface.PressKey(ctx, key)
}

// handleExtract returns the target's text when one was resolved, otherwise
// evaluates a page-wide extraction for the query.
func (o *Orchestrator) handleExtract(ctx context.Context, a schemas.Action, target *schemas.ResolvedElement) (any, error) {
	if target != nil {
		return target.Text, nil
	}
	query := a.Param(schemas.ParamKeyQuery)
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: EXTRACT requires a target or a query", schemas.ErrValidation)
	}
	return o.surface.Evaluate(ctx, extractScript(query))
}

func (o *Orchestrator) handleScript(ctx context.Context, a schemas.Action, _ *schemas.ResolvedElement) (any, error) {
	script := a.Param(schemas.ParamKeyScript)
	if strings.TrimSpace(script) == "" {
		return nil, fmt.Errorf("%w: EXECUTE_SCRIPT requires a script", schemas.ErrValidation)
	}
	return o.surface.Evaluate(ctx, script)
}

var extractStopWords = map[string]bool{
	"all": true, "the": true, "a": true, "an": true, "of": true, "every": true,
	"each": true, "list": true, "from": true, "on": true, "page": true, "text": true,
}

// extractTerms returns the head noun of the query first, then the other
// content words, each singularized.
func extractTerms(query string) []string {
	var words []string
	for _, w := range strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-')
	}) {
		if !extractStopWords[w] {
			words = append(words, singular(w))
		}
	}
	if len(words) < 2 {
		return words
	}
	head := words[len(words)-1]
	return append([]string{head}, words[:len(words)-1]...)
}

func singular(w string) string {
	switch {
	case strings.HasSuffix(w, "ies") && len(w) > 4:
		return w[:len(w)-3] + "y"
	case strings.HasSuffix(w, "ss"):
		return w
	case strings.HasSuffix(w, "s") && len(w) > 3:
		return w[:len(w)-1]
	}
	return w
}

// extractTemplate collects the text of elements whose naming attributes
// mention the head term, falling back to any term.
const extractTemplate = `(() => {
  const terms = %s;
  const attrs = ["class", "id", "itemprop", "name", "aria-label", "data-testid"];
  const hay = (el) => attrs.map((a) => el.getAttribute(a) || "").join(" ").toLowerCase();
  const collect = (match) => {
    const seen = new Set();
    const out = [];
    for (const el of document.querySelectorAll("body *")) {
      if (!match(hay(el))) continue;
      const text = (el.innerText || el.textContent || "").trim();
      if (!text || seen.has(text)) continue;
      seen.add(text);
      out.push(text);
      if (out.length >= 200) break;
    }
    return out;
  };
  if (terms.length === 0) return [];
  const primary = collect((h) => h.includes(terms[0]));
  if (primary.length > 0) return primary;
  return collect((h) => terms.some((t) => h.includes(t)));
})()`

func extractScript(query string) string {
	terms := extractTerms(query)
	if terms == nil {
		terms = []string{}
	}
	raw, _ := json.Marshal(terms)
	return fmt.Sprintf(extractTemplate, raw)
}
