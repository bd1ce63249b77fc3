package intent

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// Validate checks the structural invariants of a sub-intent tree: unique
// non-empty ids, dependencies that name existing siblings, and no cycles.
// Violations wrap schemas.ErrConfiguration.
func Validate(in *schemas.Intent) error {
	if in == nil {
		return fmt.Errorf("%w: nil intent", schemas.ErrConfiguration)
	}
	ids := make(map[string]bool, len(in.SubIntents))
	for _, s := range in.SubIntents {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("%w: sub-intent %q has no id", schemas.ErrConfiguration, s.Description)
		}
		if ids[s.ID] {
			return fmt.Errorf("%w: duplicate sub-intent id %q", schemas.ErrConfiguration, s.ID)
		}
		ids[s.ID] = true
	}
	for _, s := range in.SubIntents {
		for _, d := range s.Dependencies {
			if !ids[d] {
				return fmt.Errorf("%w: sub-intent %q depends on unknown %q", schemas.ErrConfiguration, s.ID, d)
			}
			if d == s.ID {
				return fmt.Errorf("%w: sub-intent %q depends on itself", schemas.ErrConfiguration, s.ID)
			}
		}
	}
	_, err := TopoOrder(in.SubIntents)
	return err
}

// TopoOrder returns sub-intent ids in dependency order, ties kept in
// declaration order. A cycle yields schemas.ErrConfiguration naming the
// members still blocked.
func TopoOrder(subs []schemas.SubIntent) ([]string, error) {
	indegree := make(map[string]int, len(subs))
	dependents := make(map[string][]string, len(subs))
	for _, s := range subs {
		for _, d := range s.Dependencies {
			indegree[s.ID]++
			dependents[d] = append(dependents[d], s.ID)
		}
	}

	done := make(map[string]bool, len(subs))
	var order []string
	for len(order) < len(subs) {
		progressed := false
		for _, s := range subs {
			if done[s.ID] || indegree[s.ID] > 0 {
				continue
			}
			done[s.ID] = true
			order = append(order, s.ID)
			for _, dep := range dependents[s.ID] {
				indegree[dep]--
			}
			progressed = true
		}
		if !progressed {
			var blocked []string
			for _, s := range subs {
				if !done[s.ID] {
					blocked = append(blocked, s.ID)
				}
			}
			return nil, fmt.Errorf("%w: dependency cycle among %s", schemas.ErrConfiguration, strings.Join(blocked, ", "))
		}
	}
	return order, nil
}
