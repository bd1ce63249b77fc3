// File: internal/orchestrator/verify.go
package orchestrator

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// verify checks the intent-level criteria plus those of every sub-intent
// that succeeded.
func (o *Orchestrator) verify(ctx context.Context, g *ActionGraph, result *schemas.ExecutionResult) []schemas.CriterionResult {
	criteria := append([]schemas.SuccessCriterion(nil), g.Criteria...)
	for _, node := range g.SubIntents {
		if out, ok := result.Outcome(node.ID); ok && out.Status == schemas.SubIntentSucceeded {
			criteria = append(criteria, node.Criteria...)
		}
	}
	if len(criteria) == 0 {
		return nil
	}

	o.surfaceMu.RLock()
	defer o.surfaceMu.RUnlock()

	out := make([]schemas.CriterionResult, 0, len(criteria))
	for _, c := range criteria {
		res := schemas.CriterionResult{Criterion: c}
		kind, ok := conditionFor(c.Type)
		if !ok {
			res.Detail = fmt.Sprintf("unsupported criterion %q", c.Type)
			out = append(out, res)
			continue
		}
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = o.cfg.VerifyTimeout
		}
		err := o.surface.WaitForCondition(ctx, schemas.Condition{Kind: kind, Value: c.Expected}, timeout)
		res.Passed = err == nil
		if err != nil {
			res.Detail = schemas.Scrub(err.Error(), g.Secrets)
			if kind == schemas.ConditionURLMatches {
				if url, uerr := o.surface.CurrentURL(ctx); uerr == nil {
					res.Detail += fmt.Sprintf(" (current url %s)", url)
				}
			}
			o.logger.Info("Success criterion not met.", zap.String("type", string(c.Type)), zap.String("detail", res.Detail))
		}
		out = append(out, res)
	}
	return out
}

func conditionFor(t schemas.CriterionType) (schemas.ConditionKind, bool) {
	switch t {
	case schemas.CriterionURLMatches:
		return schemas.ConditionURLMatches, true
	case schemas.CriterionElementVisible:
		return schemas.ConditionElementVisible, true
	case schemas.CriterionTextPresent:
		return schemas.ConditionTextPresent, true
	}
	return "", false
}
