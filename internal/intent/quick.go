package intent

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// Keyword rules used when no pattern matches and the semantic oracle is
// unavailable or unhelpful.
var (
	stepSeparator = regexp.MustCompile(`(?i)\s*(?:,\s*)?\b(?:and then|then|after that|afterwards)\b\s*,?\s*|\s*;\s*`)
	conjunction   = regexp.MustCompile(`(?i)\s*,?\s+and\s+|\s*,\s+`)
	timeLimitRe   = regexp.MustCompile(`(?i)\s*\b(?:within|in under|in less than)\s+(\d+)\s*(seconds?|secs?|s|minutes?|mins?|m)\b`)

	navigateRe = regexp.MustCompile(`(?i)^(?:go to|navigate to|open|visit|browse to|load)\s+(?:the\s+)?(\S+)$`)
	loginRe    = regexp.MustCompile(`(?i)^(?:log ?in|sign ?in|authenticate)\b(.*)$`)
	loginUser  = regexp.MustCompile(`(?i)\b(?:as|username|user|email)\s+["']?([^\s"']+)["']?`)
	loginPass  = regexp.MustCompile(`(?i)\bpassword\s+["']?([^\s"']+)["']?`)
	searchRe   = regexp.MustCompile(`(?i)^(?:search|look up|look for)\s+(?:for\s+)?(.+)$`)
	typeRe     = regexp.MustCompile(`(?i)^(?:type|enter|input|write)\s+["']([^"']*)["'](?:\s+(?:in|into|in to|on)\s+(.+))?$`)
	fillWithRe = regexp.MustCompile(`(?i)^fill(?:\s+in|\s+out)?\s+(.+?)\s+with\s+["']([^"']*)["']$`)
	fillFormRe = regexp.MustCompile(`(?i)^fill(?:\s+in|\s+out)?\s+(?:the\s+)?(.*\bform\b.*)$`)
	pressKeyRe = regexp.MustCompile(`(?i)^(?:press|hit|tap)\s+(?:the\s+)?(enter|return|tab|escape|esc|space|backspace|delete|arrow ?up|arrow ?down|arrow ?left|arrow ?right|page ?up|page ?down|home|end)(?:\s+key)?$`)
	clickRe    = regexp.MustCompile(`(?i)^(?:click|tap|press|hit|select|choose|check)\s+(?:on\s+)?(.+)$`)
	extractRe  = regexp.MustCompile(`(?i)^(?:extract|get|scrape|collect|read|list|grab)\s+(.+)$`)
	miscRe     = regexp.MustCompile(`(?i)^(?:scroll|wait|hover|submit)\b`)
	openRe     = regexp.MustCompile(`(?i)^(?:open|expand)\s+(.+)$`)
	quotedRe   = regexp.MustCompile(`["']([^"']+)["']`)
)

// clauseVerbs are the words that start an actionable clause. A conjunct
// without one inherits the verb of the clause before it.
var clauseVerbs = map[string]bool{
	"go": true, "navigate": true, "open": true, "visit": true, "browse": true, "load": true,
	"log": true, "login": true, "sign": true, "signin": true, "authenticate": true,
	"search": true, "look": true, "type": true, "enter": true, "input": true, "write": true,
	"fill": true, "press": true, "hit": true, "tap": true, "click": true, "select": true,
	"choose": true, "check": true, "extract": true, "get": true, "scrape": true,
	"collect": true, "read": true, "list": true, "grab": true, "scroll": true, "wait": true,
	"hover": true, "submit": true,
}

var keyNames = map[string]string{
	"enter": "Enter", "return": "Enter", "tab": "Tab", "escape": "Escape", "esc": "Escape",
	"space": "Space", "backspace": "Backspace", "delete": "Delete",
	"arrowup": "ArrowUp", "arrowdown": "ArrowDown", "arrowleft": "ArrowLeft", "arrowright": "ArrowRight",
	"pageup": "PageUp", "pagedown": "PageDown", "home": "Home", "end": "End",
}

var ordinalWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
}

// quickPlan is the output of keyword decomposition.
type quickPlan struct {
	SubIntents  []schemas.SubIntent
	Constraints []schemas.Constraint
}

// quickDecompose turns a task into sub-intents using keyword rules only.
// Steps separated by "then" depend on the step before; conjuncts joined by
// "and" are siblings. Everything declared after a navigation depends on it.
// Fields found in taskContext feed "fill the form" clauses.
func quickDecompose(task string, taskContext map[string]string) quickPlan {
	var plan quickPlan
	if m := timeLimitRe.FindStringSubmatch(task); m != nil {
		n, _ := strconv.Atoi(m[1])
		unit := time.Second
		if strings.HasPrefix(strings.ToLower(m[2]), "m") {
			unit = time.Minute
		}
		plan.Constraints = append(plan.Constraints, schemas.Constraint{
			Type:  schemas.ConstraintTimeLimit,
			Value: (time.Duration(n) * unit).String(),
		})
		task = timeLimitRe.ReplaceAllString(task, "")
	}

	var previous []string
	var barrier string
	seq := 0
	for _, step := range splitOutsideQuotes(strings.TrimSpace(task), stepSeparator) {
		var current []string
		lastVerb, lastObject := "", ""
		for _, clause := range splitOutsideQuotes(step, conjunction) {
			clause = strings.TrimSpace(strings.Trim(strings.TrimSpace(clause), ".!"))
			words := strings.Fields(clause)
			if len(words) == 0 {
				continue
			}
			verb := strings.ToLower(words[0])
			if !clauseVerbs[verb] && lastVerb != "" {
				clause = inherit(lastVerb, lastObject, clause)
			}
			sub, ok := classify(clause, taskContext)
			if !ok {
				continue
			}
			lastVerb, lastObject = splitVerb(clause)

			seq++
			sub.ID = fmt.Sprintf("sub_%d", seq)
			sub.Dependencies = append(sub.Dependencies, previous...)
			if barrier != "" && !contains(sub.Dependencies, barrier) {
				sub.Dependencies = append(sub.Dependencies, barrier)
			}
			plan.SubIntents = append(plan.SubIntents, sub)
			current = append(current, sub.ID)
			if sub.Type == schemas.IntentNavigation {
				barrier = sub.ID
			}
		}
		if len(current) > 0 {
			previous = current
		}
	}
	return plan
}

// inherit rewrites a verbless conjunct using the previous clause's verb.
// "extract product names and prices" yields "extract product prices".
func inherit(verb, object, clause string) string {
	words := strings.Fields(stripDeterminers(object))
	if len(strings.Fields(clause)) == 1 && len(words) > 1 {
		clause = strings.Join(words[:len(words)-1], " ") + " " + clause
	}
	return verb + " " + clause
}

// splitVerb separates the leading verb phrase from its object.
func splitVerb(clause string) (string, string) {
	lower := strings.ToLower(clause)
	for _, phrase := range []string{"go to", "navigate to", "browse to", "look for", "look up", "log in", "sign in", "search for"} {
		if strings.HasPrefix(lower, phrase+" ") {
			return clause[:len(phrase)], strings.TrimSpace(clause[len(phrase):])
		}
	}
	verb, rest, _ := strings.Cut(clause, " ")
	return verb, strings.TrimSpace(rest)
}

func classify(clause string, taskContext map[string]string) (schemas.SubIntent, bool) {
	sub := schemas.SubIntent{Description: clause}
	nav := navigateRe.FindStringSubmatch(clause)
	switch {
	case nav != nil && looksLikeURL(nav[1]):
		sub.Type = schemas.IntentNavigation
		sub.Parameters = []schemas.Parameter{{Name: "url", Value: NormalizeURL(nav[1]), Type: schemas.ParamURL, Required: true}}

	case loginRe.MatchString(clause):
		rest := loginRe.FindStringSubmatch(clause)[1]
		sub.Type = schemas.IntentFormFill
		if m := loginUser.FindStringSubmatch(rest); m != nil && !strings.EqualFold(m[1], "password") {
			sub.Parameters = append(sub.Parameters, schemas.Parameter{Name: "username", Value: m[1], Type: schemas.ParamString, Required: true})
		}
		if m := loginPass.FindStringSubmatch(rest); m != nil {
			sub.Parameters = append(sub.Parameters, schemas.Parameter{Name: "password", Value: m[1], Type: schemas.ParamPassword, Required: true, Sensitive: true})
		}
		sub.Parameters = append(sub.Parameters, schemas.Parameter{Name: "submit", Value: "Log in", Type: schemas.ParamString})

	case searchRe.MatchString(clause):
		sub.Type = schemas.IntentSearch
		sub.Parameters = []schemas.Parameter{{Name: "query", Value: unquote(searchRe.FindStringSubmatch(clause)[1]), Type: schemas.ParamString, Required: true}}

	case typeRe.MatchString(clause):
		m := typeRe.FindStringSubmatch(clause)
		sub.Type = schemas.IntentFormFill
		sub.Parameters = []schemas.Parameter{{Name: "text", Value: m[1], Type: schemas.ParamString, Required: true}}
		sub.Target = fieldTarget(m[2])

	case fillWithRe.MatchString(clause):
		m := fillWithRe.FindStringSubmatch(clause)
		sub.Type = schemas.IntentFormFill
		sub.Parameters = []schemas.Parameter{{Name: "text", Value: m[2], Type: schemas.ParamString, Required: true}}
		sub.Target = fieldTarget(m[1])

	case fillFormRe.MatchString(clause):
		sub.Type = schemas.IntentFormFill
		for _, k := range sortedKeys(taskContext) {
			if reservedContextKeys[k] {
				continue
			}
			p := schemas.Parameter{Name: k, Value: taskContext[k], Type: schemas.ParamString}
			if isSecretName(k) {
				p.Type, p.Sensitive = schemas.ParamPassword, true
			}
			sub.Parameters = append(sub.Parameters, p)
		}
		if strings.Contains(strings.ToLower(clause), "submit") {
			sub.Parameters = append(sub.Parameters, schemas.Parameter{Name: "submit", Value: "Submit", Type: schemas.ParamString})
		}

	case pressKeyRe.MatchString(clause):
		key := strings.ReplaceAll(strings.ToLower(pressKeyRe.FindStringSubmatch(clause)[1]), " ", "")
		sub.Type = schemas.IntentInteraction
		sub.Parameters = []schemas.Parameter{{Name: "key", Value: keyNames[key], Type: schemas.ParamString, Required: true}}

	case miscRe.MatchString(clause):
		sub.Type = schemas.IntentComposite

	case clickRe.MatchString(clause):
		sub.Type = schemas.IntentInteraction
		sub.Target = ParseTarget(clickRe.FindStringSubmatch(clause)[1])

	case extractRe.MatchString(clause):
		sub.Type = schemas.IntentExtraction
		sub.Parameters = []schemas.Parameter{{Name: "query", Value: stripDeterminers(extractRe.FindStringSubmatch(clause)[1]), Type: schemas.ParamString, Required: true}}

	case openRe.MatchString(clause):
		// "open the menu" is a click, not a navigation.
		sub.Type = schemas.IntentInteraction
		sub.Target = ParseTarget(openRe.FindStringSubmatch(clause)[1])

	default:
		return sub, false
	}
	return sub, true
}

var reservedContextKeys = map[string]bool{"url": true, "start_url": true, "tab": true}

func isSecretName(name string) bool {
	n := strings.ToLower(name)
	for _, s := range []string{"password", "passwd", "secret", "token", "pin", "cvv"} {
		if strings.Contains(n, s) {
			return true
		}
	}
	return false
}

func fieldTarget(desc string) *schemas.ElementIntent {
	desc = strings.TrimSpace(desc)
	if desc == "" {
		return &schemas.ElementIntent{Description: "text input", Role: "textbox"}
	}
	return &schemas.ElementIntent{Description: stripDeterminers(desc)}
}

// ParseTarget builds an element goal from a phrase such as
// "the second 'Add to cart' button": quoted text, a leading ordinal and
// determiners are recognized.
func ParseTarget(desc string) *schemas.ElementIntent {
	t := &schemas.ElementIntent{}
	if m := quotedRe.FindStringSubmatch(desc); m != nil {
		t.Text = m[1]
	}
	words := strings.Fields(stripDeterminers(desc))
	if len(words) > 1 {
		w := strings.ToLower(words[0])
		switch {
		case w == "last":
			t.Ordinal = schemas.OrdinalLast
			words = words[1:]
		case ordinalWords[w] == 1:
			t.Ordinal = schemas.OrdinalFirst
			words = words[1:]
		case ordinalWords[w] > 1:
			t.Ordinal, t.Index = schemas.OrdinalNth, ordinalWords[w]
			words = words[1:]
		}
	}
	t.Description = strings.Join(words, " ")
	return t
}

func stripDeterminers(s string) string {
	words := strings.Fields(s)
	for len(words) > 1 {
		switch strings.ToLower(words[0]) {
		case "the", "a", "an", "all", "every", "each", "of":
			words = words[1:]
			continue
		}
		break
	}
	return strings.Join(words, " ")
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"'`)
}

func looksLikeURL(s string) bool {
	s = strings.ToLower(s)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") ||
		strings.HasPrefix(s, "file://") || (strings.Contains(s, ".") && !strings.HasSuffix(s, "."))
}

// NormalizeURL adds a scheme to bare hosts.
func NormalizeURL(raw string) string {
	raw = strings.Trim(strings.TrimSpace(raw), `"'`)
	lower := strings.ToLower(raw)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "file://") || strings.HasPrefix(lower, "about:") {
		return raw
	}
	return "https://" + raw
}

// maskQuotes returns a copy of s with the contents of quoted spans replaced,
// so patterns never match inside literal text. Byte offsets are preserved.
func maskQuotes(s string) []byte {
	masked := []byte(s)
	var quote byte
	for i := 0; i < len(masked); i++ {
		c := masked[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				masked[i] = 'x'
			}
		case c == '"':
			quote = c
		case c == '\'' && (i == 0 || masked[i-1] == ' '):
			quote = c
		}
	}
	return masked
}

// splitOutsideQuotes splits s on re, ignoring matches inside quoted text.
func splitOutsideQuotes(s string, re *regexp.Regexp) []string {
	var out []string
	last := 0
	for _, loc := range re.FindAllIndex(maskQuotes(s), -1) {
		if loc[0] == loc[1] {
			continue
		}
		out = append(out, s[last:loc[0]])
		last = loc[1]
	}
	out = append(out, s[last:])
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
