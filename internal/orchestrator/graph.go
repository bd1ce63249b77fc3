// File: internal/orchestrator/graph.go
package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// SubIntentNode is the per sub-intent bookkeeping carried by a graph.
type SubIntentNode struct {
	ID           string
	Type         schemas.IntentType
	Optional     bool
	Dependencies []string
	Actions      []string
	Criteria     []schemas.SuccessCriterion
	// Unresolved explains why no action could be compiled, if none was.
	Unresolved string
}

// ActionGraph is a compiled intent: actions in declaration order plus the
// edges that constrain their execution.
type ActionGraph struct {
	IntentID   string
	IntentType schemas.IntentType
	Actions    []schemas.Action
	SubIntents []SubIntentNode
	Criteria   []schemas.SuccessCriterion
	TimeLimit  time.Duration
	// Secrets are cleartext sensitive values to scrub from every output.
	Secrets []string

	index map[string]int
	subs  map[string]int
}

func (g *ActionGraph) reindex() {
	g.index = make(map[string]int, len(g.Actions))
	for i, a := range g.Actions {
		g.index[a.ID] = i
	}
	g.subs = make(map[string]int, len(g.SubIntents))
	for i, s := range g.SubIntents {
		g.subs[s.ID] = i
	}
}

// Action looks up an action by id.
func (g *ActionGraph) Action(id string) (schemas.Action, bool) {
	if g.index == nil {
		g.reindex()
	}
	i, ok := g.index[id]
	if !ok {
		return schemas.Action{}, false
	}
	return g.Actions[i], true
}

// SubIntent looks up a sub-intent node by id.
func (g *ActionGraph) SubIntent(id string) (SubIntentNode, bool) {
	if g.subs == nil {
		g.reindex()
	}
	i, ok := g.subs[id]
	if !ok {
		return SubIntentNode{}, false
	}
	return g.SubIntents[i], true
}

// Waves layers the actions topologically. Every action lands in the first
// wave after all of its dependencies; within a wave, declaration order is
// kept. A cycle or an unknown dependency yields schemas.ErrConfiguration.
func (g *ActionGraph) Waves() ([][]string, error) {
	g.reindex()
	level := make(map[string]int, len(g.Actions))
	state := make(map[string]int, len(g.Actions)) // 1 visiting, 2 done

	var visit func(id string, path []string) (int, error)
	visit = func(id string, path []string) (int, error) {
		switch state[id] {
		case 1:
			return 0, fmt.Errorf("%w: action dependency cycle %s -> %s", schemas.ErrConfiguration, strings.Join(path, " -> "), id)
		case 2:
			return level[id], nil
		}
		i, ok := g.index[id]
		if !ok {
			return 0, fmt.Errorf("%w: unknown action %q", schemas.ErrConfiguration, id)
		}
		state[id] = 1
		lvl := 0
		for _, dep := range g.Actions[i].DependsOn {
			if _, ok := g.index[dep]; !ok {
				return 0, fmt.Errorf("%w: action %q depends on unknown %q", schemas.ErrConfiguration, id, dep)
			}
			d, err := visit(dep, append(path, id))
			if err != nil {
				return 0, err
			}
			if d+1 > lvl {
				lvl = d + 1
			}
		}
		state[id] = 2
		level[id] = lvl
		return lvl, nil
	}

	var waves [][]string
	for _, a := range g.Actions {
		lvl, err := visit(a.ID, nil)
		if err != nil {
			return nil, err
		}
		for len(waves) <= lvl {
			waves = append(waves, nil)
		}
	}
	for _, a := range g.Actions {
		waves[level[a.ID]] = append(waves[level[a.ID]], a.ID)
	}
	return waves, nil
}

// dependsOn reports whether action from (transitively) depends on to.
func (g *ActionGraph) dependsOn(from, to string) bool {
	seen := make(map[string]bool)
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		if i, ok := g.index[id]; ok {
			stack = append(stack, g.Actions[i].DependsOn...)
		}
	}
	return false
}

// upstream returns the transitive declared dependencies of a sub-intent.
func (g *ActionGraph) upstream(subID string) []string {
	if g.subs == nil {
		g.reindex()
	}
	seen := make(map[string]bool)
	var out []string
	var walk func(id string)
	walk = func(id string) {
		i, ok := g.subs[id]
		if !ok {
			return
		}
		for _, d := range g.SubIntents[i].Dependencies {
			if !seen[d] {
				seen[d] = true
				out = append(out, d)
				walk(d)
			}
		}
	}
	walk(subID)
	return out
}
