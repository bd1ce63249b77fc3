// internal/oracle/prompts.go
package oracle

import (
	"fmt"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const decomposeSystem = `You turn a browser automation task into a structured plan.
Reply with a single JSON object and nothing else:
{
  "type": "NAVIGATION|INTERACTION|EXTRACTION|FORM_FILL|SEARCH|COMPOSITE",
  "description": "<the task>",
  "sub_intents": [
    {
      "id": "sub_1",
      "type": "NAVIGATION|INTERACTION|EXTRACTION|FORM_FILL|SEARCH|COMPOSITE",
      "description": "<one concrete step>",
      "parameters": {"url": "...", "text": "...", "key": "...", "query": "...", "submit": "..."},
      "target": {"description": "...", "text": "...", "role": "button|link|textbox|searchbox|...", "ordinal": "first|last|nth", "index": 0, "near_text": "..."},
      "dependencies": ["<ids of steps that must finish first>"],
      "optional": false,
      "success_criteria": [{"type": "url_matches|element_visible|text_present", "expected": "...", "timeout": "5s"}]
    }
  ],
  "constraints": [{"type": "time_limit|must_include|must_avoid", "value": "..."}],
  "success_criteria": []
}
Rules:
- One sub-intent per atomic step. Steps that can run independently have no dependency on each other.
- Every step after a navigation depends on it.
- Never invent values the task does not give. Put passwords under a parameter named "password".
- Omit fields you have no value for.`

const referenceSystem = `You resolve a pronoun in a browser automation task to the thing it refers to.
Answer with the referent as a short noun phrase taken from the recent tasks, for example "the login button".
Answer "unknown" if the recent tasks do not make it clear. Do not explain.`

const rankSystem = `You match a description of a page element against candidate elements.
Reply with a JSON array only: [{"id": "<candidate id>", "score": <0.0-1.0>, "reason": "<few words>"}].
Include only candidates with a plausible match, best first. Score 1.0 means certainly the described element.`

const groundSystem = `You locate page elements in screenshots.
Reply with a JSON array only: [{"box_2d": [ymin, xmin, ymax, xmax], "confidence": <0.0-1.0>, "label": "<visible text>"}].
Coordinates are normalized to 0-1000. Return an empty array when nothing matches.`

const (
	maxRankCandidates = 60
	maxLabelLength    = 80
)

func decomposePrompt(task string, taskContext map[string]string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task: %s\n", task)
	if len(taskContext) > 0 {
		keys := make([]string, 0, len(taskContext))
		for k := range taskContext {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("Context:\n")
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %s\n", k, taskContext[k])
		}
	}
	return sb.String()
}

func referencePrompt(pronoun string, history []string) string {
	var sb strings.Builder
	sb.WriteString("Recent tasks, most recent first:\n")
	for i, h := range history {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, h)
	}
	fmt.Fprintf(&sb, "What does %q refer to?", pronoun)
	return sb.String()
}

// candidateDoc is the compact form a candidate takes in a ranking prompt.
type candidateDoc struct {
	ID     string            `json:"id"`
	Tag    string            `json:"tag,omitempty"`
	Role   string            `json:"role,omitempty"`
	Text   string            `json:"text,omitempty"`
	Attrs  map[string]string `json:"attrs,omitempty"`
	Bounds [4]int            `json:"bounds"`
}

var promptAttrs = []string{"aria-label", "placeholder", "title", "alt", "name", "type", "href", "data-testid"}

func rankPrompt(description string, candidates []schemas.Candidate) (string, error) {
	docs := make([]candidateDoc, 0, len(candidates))
	for _, c := range candidates {
		if len(docs) == maxRankCandidates {
			break
		}
		d := candidateDoc{
			ID:     c.ID,
			Tag:    c.Tag,
			Role:   c.Role,
			Text:   truncate(c.Text, maxLabelLength),
			Bounds: [4]int{int(c.Bounds.X), int(c.Bounds.Y), int(c.Bounds.Width), int(c.Bounds.Height)},
		}
		for _, a := range promptAttrs {
			if v := c.Attr(a); v != "" {
				if d.Attrs == nil {
					d.Attrs = make(map[string]string)
				}
				d.Attrs[a] = truncate(v, maxLabelLength)
			}
		}
		docs = append(docs, d)
	}
	raw, err := json.Marshal(docs)
	if err != nil {
		return "", fmt.Errorf("failed to encode candidates: %w", err)
	}
	return fmt.Sprintf("Described element: %s\nCandidates:\n%s", description, raw), nil
}

func groundPrompt(description string) string {
	return fmt.Sprintf("Find: %s", description)
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
