package orchestrator

import (
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// -- Fixtures --

func param(name string, value any) schemas.Parameter {
	return schemas.Parameter{Name: name, Value: value}
}

func navSub(id, url string, deps ...string) schemas.SubIntent {
	return schemas.SubIntent{ID: id, Type: schemas.IntentNavigation, Dependencies: deps, Parameters: []schemas.Parameter{param("url", url)}}
}

func clickSub(id, target string, deps ...string) schemas.SubIntent {
	return schemas.SubIntent{ID: id, Type: schemas.IntentInteraction, Target: &schemas.ElementIntent{Description: target}, Dependencies: deps}
}

func typeSub(id, field, text string, deps ...string) schemas.SubIntent {
	return schemas.SubIntent{
		ID:           id,
		Type:         schemas.IntentFormFill,
		Target:       &schemas.ElementIntent{Description: field},
		Dependencies: deps,
		Parameters:   []schemas.Parameter{param("text", text)},
	}
}

func keySub(id, key string, deps ...string) schemas.SubIntent {
	return schemas.SubIntent{ID: id, Type: schemas.IntentInteraction, Dependencies: deps, Parameters: []schemas.Parameter{param("key", key)}}
}

func describedSub(id, desc string) schemas.SubIntent {
	return schemas.SubIntent{ID: id, Type: schemas.IntentComposite, Description: desc}
}

func intentOf(subs ...schemas.SubIntent) *schemas.Intent {
	return &schemas.Intent{ID: "intent-1", Type: schemas.IntentComposite, SubIntents: subs}
}

func compile(t *testing.T, in *schemas.Intent) *ActionGraph {
	t.Helper()
	g, err := Compile(in)
	require.NoError(t, err)
	return g
}

func actionTypes(g *ActionGraph) []schemas.ActionType {
	out := make([]schemas.ActionType, len(g.Actions))
	for i, a := range g.Actions {
		out[i] = a.Type
	}
	return out
}

// -- Tests --

func TestCompile_FormFill(t *testing.T) {
	fill := schemas.SubIntent{
		ID:   "login",
		Type: schemas.IntentFormFill,
		Parameters: []schemas.Parameter{
			param("username", "bob"),
			{Name: "password", Value: "s3cret", Type: schemas.ParamPassword, Sensitive: true},
			param("submit", "Sign in"),
		},
	}
	g := compile(t, intentOf(navSub("open", "example.com/login"), withDeps(fill, "open")))

	require.Equal(t, []schemas.ActionType{
		schemas.ActionNavigate, schemas.ActionTypeText, schemas.ActionTypeText, schemas.ActionClick,
	}, actionTypes(g))

	assert.Equal(t, "https://example.com/login", g.Actions[0].Param(schemas.ParamKeyURL))

	user, pass, submit := g.Actions[1], g.Actions[2], g.Actions[3]
	assert.Equal(t, "login_type_1", user.ID)
	assert.Equal(t, "username", user.Target.Description)
	assert.Equal(t, []string{"open_navigate_1"}, user.DependsOn)

	assert.Equal(t, "password", pass.Target.Description)
	assert.Equal(t, []string{"text"}, pass.Sensitive)
	assert.Equal(t, schemas.RedactedValue, pass.RedactedParams()[schemas.ParamKeyText])
	assert.Equal(t, []string{user.ID}, pass.DependsOn)

	assert.Equal(t, "Sign in", submit.Target.Description)
	assert.Equal(t, "button", submit.Target.Role)
	assert.Equal(t, []string{pass.ID}, submit.DependsOn)

	assert.Equal(t, []string{"s3cret"}, g.Secrets)
}

func TestCompile_FormFillFieldMap(t *testing.T) {
	fill := schemas.SubIntent{
		ID:   "f",
		Type: schemas.IntentFormFill,
		Parameters: []schemas.Parameter{
			param("form_data", map[string]any{"zip_code": "12345", "city": "Oslo"}),
			param("submit", "false"),
		},
	}
	g := compile(t, intentOf(fill))
	require.Len(t, g.Actions, 2, "submit=false suppresses the click")
	assert.Equal(t, "city", g.Actions[0].Target.Description)
	assert.Equal(t, "zip code", g.Actions[1].Target.Description)
}

func TestCompile_Search(t *testing.T) {
	search := schemas.SubIntent{ID: "s", Type: schemas.IntentSearch, Parameters: []schemas.Parameter{param("query", "shoes")}}
	g := compile(t, intentOf(search))

	require.Equal(t, []schemas.ActionType{schemas.ActionTypeText, schemas.ActionKeyboard}, actionTypes(g))
	assert.Equal(t, "searchbox", g.Actions[0].Target.Role)
	assert.Equal(t, "shoes", g.Actions[0].Param(schemas.ParamKeyText))
	assert.Equal(t, "Enter", g.Actions[1].Param(schemas.ParamKeyKey))
	assert.Equal(t, []string{g.Actions[0].ID}, g.Actions[1].DependsOn)
}

func TestCompile_InfersFromDescription(t *testing.T) {
	tests := []struct {
		desc   string
		typ    schemas.ActionType
		params map[string]string
	}{
		{"go to example.com", schemas.ActionNavigate, map[string]string{"url": "https://example.com"}},
		{"press escape", schemas.ActionKeyboard, map[string]string{"key": "Escape"}},
		{"scroll down 300", schemas.ActionScroll, map[string]string{"direction": "down", "amount": "300"}},
		{"scroll", schemas.ActionScroll, map[string]string{"direction": "down", "amount": "600"}},
		{"wait 2 seconds", schemas.ActionWait, map[string]string{"duration": "2s"}},
		{"wait 500 ms", schemas.ActionWait, map[string]string{"duration": "500ms"}},
		{"wait for 'Order placed'", schemas.ActionWait, map[string]string{"condition": "text_present", "value": "Order placed", "duration": "10s"}},
		{"select 'Large' from the size dropdown", schemas.ActionSelect, map[string]string{"value": "Large"}},
		{"type 'abc' into the coupon box", schemas.ActionTypeText, map[string]string{"text": "abc"}},
		{"hover over the profile menu", schemas.ActionHover, nil},
		{"extract the page title", schemas.ActionExtract, map[string]string{"query": "the page title"}},
		{"click the checkout button", schemas.ActionClick, nil},
	}
	for _, tt := range tests {
		t.Run(tt.desc, func(t *testing.T) {
			g := compile(t, intentOf(describedSub("x", tt.desc)))
			require.Len(t, g.Actions, 1)
			a := g.Actions[0]
			assert.Equal(t, tt.typ, a.Type)
			for k, v := range tt.params {
				assert.Equal(t, v, a.Param(k), k)
			}
			if a.Type.NeedsTarget() {
				assert.NotNil(t, a.Target)
			}
		})
	}
}

func TestCompile_CustomAndScript(t *testing.T) {
	custom := schemas.SubIntent{ID: "c", Type: schemas.IntentInteraction, Parameters: []schemas.Parameter{
		param("custom_action", "dismiss_cookies"), param("mode", "all"),
	}}
	script := schemas.SubIntent{ID: "s", Type: schemas.IntentExtraction, Parameters: []schemas.Parameter{param("script", "document.title")}}
	g := compile(t, intentOf(custom, script))

	require.Len(t, g.Actions, 2)
	assert.Equal(t, schemas.ActionCustom, g.Actions[0].Type)
	assert.Equal(t, "dismiss_cookies", g.Actions[0].CustomName)
	assert.Equal(t, "all", g.Actions[0].Param("mode"))
	assert.Equal(t, schemas.ActionExecuteScript, g.Actions[1].Type)
}

func TestCompile_UnresolvedSubPassesDependenciesThrough(t *testing.T) {
	g := compile(t, intentOf(
		navSub("a", "example.com"),
		withDeps(describedSub("b", "hmm"), "a"),
		clickSub("c", "next", "b"),
	))

	b, ok := g.SubIntent("b")
	require.True(t, ok)
	assert.Empty(t, b.Actions)
	assert.Contains(t, b.Unresolved, "no action could be inferred")

	c, _ := g.Action("c_click_1")
	assert.Equal(t, []string{"a_navigate_1"}, c.DependsOn)
}

func TestCompile_ImplicitFieldOrdering(t *testing.T) {
	// No declared dependencies: ordering comes from the shared field.
	g := compile(t, intentOf(
		typeSub("a", "email", "x@example.com"),
		keySub("b", "Enter"),
		typeSub("c", "Email", "y@example.com"),
		clickSub("d", "unrelated"),
	))

	waves, err := g.Waves()
	require.NoError(t, err)
	want := [][]string{
		{"a_type_1", "d_click_1"},
		{"b_keyboard_1"},
		{"c_type_1"},
	}
	if diff := cmp.Diff(want, waves); diff != "" {
		t.Errorf("waves mismatch (-want +got):\n%s", diff)
	}
}

func TestCompile_ImplicitEdgeNeverClosesCycle(t *testing.T) {
	// c is declared before a but depends on it; the shared field must not
	// add the reverse edge.
	g := compile(t, intentOf(
		typeSub("c", "email", "second", "a"),
		typeSub("a", "email", "first"),
	))
	waves, err := g.Waves()
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a_type_1"}, {"c_type_1"}}, waves)
}

func TestCompile_RejectsCycles(t *testing.T) {
	_, err := Compile(intentOf(clickSub("a", "x", "b"), clickSub("b", "y", "a")))
	assert.ErrorIs(t, err, schemas.ErrConfiguration)
}

func TestCompile_TimeLimit(t *testing.T) {
	in := intentOf(navSub("a", "example.com"))
	in.Constraints = []schemas.Constraint{{Type: schemas.ConstraintTimeLimit, Value: "90s"}}
	g := compile(t, in)
	assert.Equal(t, "1m30s", g.TimeLimit.String())
}

func TestGraph_WavesDetectCycles(t *testing.T) {
	g := &ActionGraph{Actions: []schemas.Action{
		{ID: "a", Type: schemas.ActionClick, DependsOn: []string{"b"}},
		{ID: "b", Type: schemas.ActionClick, DependsOn: []string{"a"}},
	}}
	_, err := g.Waves()
	assert.ErrorIs(t, err, schemas.ErrConfiguration)

	g = &ActionGraph{Actions: []schemas.Action{{ID: "a", Type: schemas.ActionClick, DependsOn: []string{"ghost"}}}}
	_, err = g.Waves()
	assert.ErrorIs(t, err, schemas.ErrConfiguration)
}

func TestExtractTerms(t *testing.T) {
	assert.Equal(t, []string{"name", "product"}, extractTerms("all product names"))
	assert.Equal(t, []string{"price", "product"}, extractTerms("product prices"))
	assert.Equal(t, []string{"category"}, extractTerms("categories"))
	assert.Empty(t, extractTerms("all of the"))
	assert.Contains(t, extractScript("product prices"), `["price","product"]`)
}

func withDeps(s schemas.SubIntent, deps ...string) schemas.SubIntent {
	s.Dependencies = deps
	return s
}

var fuzzIntentTypes = []schemas.IntentType{
	schemas.IntentNavigation, schemas.IntentInteraction, schemas.IntentFormFill,
	schemas.IntentSearch, schemas.IntentExtraction, schemas.IntentComposite,
}

var fuzzParamNames = []string{"url", "text", "key", "query", "submit", "password", "script", "custom_action", "email"}

// FuzzCompile builds acyclic intents from fuzz data. Compilation must never
// fail on them and every action must land in exactly one wave.
func FuzzCompile(f *testing.F) {
	f.Add([]byte("type hello into search and press enter"))
	f.Add([]byte{3, 1, 0, 2, 4, 5, 1, 1, 0})
	f.Fuzz(func(t *testing.T, data []byte) {
		c := fuzz.NewConsumer(data)
		n, err := c.GetInt()
		if err != nil {
			return
		}
		n = pick(n, 6) + 1

		in := &schemas.Intent{ID: "fuzz"}
		for i := 0; i < n; i++ {
			sub := schemas.SubIntent{ID: string(rune('a' + i))}
			if k, err := c.GetInt(); err == nil {
				sub.Type = fuzzIntentTypes[pick(k, len(fuzzIntentTypes))]
			} else {
				sub.Type = schemas.IntentComposite
			}
			sub.Description, _ = c.GetString()
			if withTarget, err := c.GetBool(); err == nil && withTarget {
				desc, _ := c.GetString()
				sub.Target = &schemas.ElementIntent{Description: desc}
			}
			if k, err := c.GetInt(); err == nil {
				value, _ := c.GetString()
				sub.Parameters = append(sub.Parameters, param(fuzzParamNames[pick(k, len(fuzzParamNames))], value))
			}
			if i > 0 {
				if k, err := c.GetInt(); err == nil && k%2 == 0 {
					sub.Dependencies = []string{string(rune('a' + pick(k, i)))}
				}
			}
			in.SubIntents = append(in.SubIntents, sub)
		}

		g, err := Compile(in)
		require.NoError(t, err)
		waves, err := g.Waves()
		require.NoError(t, err)

		seen := make(map[string]int)
		for _, w := range waves {
			for _, id := range w {
				seen[id]++
			}
		}
		require.Len(t, seen, len(g.Actions))
		for id, count := range seen {
			require.Equal(t, 1, count, id)
		}
	})
}

func pick(n, size int) int { return int(uint(n) % uint(size)) }
