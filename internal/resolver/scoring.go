package resolver

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// Score terms for a candidate against a goal.
const (
	bonusInteractive   = 0.2
	bonusTextExact     = 0.5
	bonusTextSubstring = 0.3
	bonusRole          = 0.4
	bonusSearchRole    = 0.2
	bonusLocationExact = 0.2
	bonusLocationNear  = 0.1
	bonusProminent     = 0.1
	bonusOrdinal       = 0.2
	penaltyAd          = -0.3
	penaltyDecorative  = -0.2

	prominentWidth  = 300
	prominentHeight = 30
	decorativeSize  = 10
)

var adMarkers = []string{"sponsored", "promotion", "promoted", "advertisement"}

// labelAttrs are attributes that carry human-readable names.
var labelAttrs = []string{"aria-label", "placeholder", "title", "alt", "value", "name"}

var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "on": true, "in": true, "into": true,
	"to": true, "of": true, "for": true, "with": true, "at": true, "and": true,
	"click": true, "press": true, "tap": true, "select": true, "type": true,
	"enter": true, "fill": true, "find": true, "this": true, "that": true,
}

// roleWords map goal vocabulary onto ARIA roles.
var roleWords = map[string]string{
	"button":    "button",
	"link":      "link",
	"field":     "textbox",
	"input":     "textbox",
	"textbox":   "textbox",
	"box":       "textbox",
	"bar":       "textbox",
	"searchbox": "searchbox",
	"checkbox":  "checkbox",
	"dropdown":  "combobox",
	"select":    "combobox",
	"combobox":  "combobox",
	"tab":       "tab",
	"image":     "img",
	"icon":      "img",
	"heading":   "heading",
	"menu":      "menu",
}

// Labels returns the normalized human-readable strings of a candidate.
func Labels(c schemas.Candidate) []string {
	var out []string
	if t := schemas.Normalize(c.Text); t != "" {
		out = append(out, t)
	}
	for _, a := range labelAttrs {
		if v := schemas.Normalize(c.Attr(a)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Query derives the text the goal expects to see on the element. Explicit
// text wins; otherwise the description minus filler and role vocabulary.
func Query(goal schemas.ElementIntent) string {
	if t := schemas.Normalize(goal.Text); t != "" {
		return t
	}
	if t := schemas.Normalize(goal.AriaLabel); t != "" {
		return t
	}
	var kept []string
	for _, w := range strings.Fields(schemas.Normalize(goal.Description)) {
		w = strings.Trim(w, `"'.,:;!?`)
		if w == "" || stopWords[w] {
			continue
		}
		if _, ok := roleWords[w]; ok {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// WantedRole returns the role the goal asks for, explicit or inferred from
// the description.
func WantedRole(goal schemas.ElementIntent) string {
	if r := schemas.Normalize(goal.Role); r != "" {
		if mapped, ok := roleWords[r]; ok {
			return mapped
		}
		return r
	}
	words := strings.Fields(schemas.Normalize(goal.Description))
	for i := len(words) - 1; i >= 0; i-- {
		if r, ok := roleWords[strings.Trim(words[i], `"'.,`)]; ok {
			return r
		}
	}
	return ""
}

func candidateRole(c schemas.Candidate) string {
	if c.Role != "" {
		return strings.ToLower(c.Role)
	}
	switch strings.ToLower(c.Tag) {
	case "button":
		return "button"
	case "a":
		return "link"
	case "input", "textarea":
		return "textbox"
	case "select":
		return "combobox"
	case "img":
		return "img"
	}
	return ""
}

func roleMatches(want, have string) bool {
	if want == "" || have == "" {
		return false
	}
	if want == have {
		return true
	}
	textual := map[string]bool{"textbox": true, "searchbox": true, "combobox": true}
	return textual[want] && textual[have]
}

func wantsSearch(goal schemas.ElementIntent) bool {
	return strings.Contains(schemas.Normalize(goal.Description), "search") ||
		strings.Contains(schemas.Normalize(goal.Role), "search")
}

func isSearchField(c schemas.Candidate) bool {
	if candidateRole(c) == "searchbox" || strings.EqualFold(c.Attr("type"), "search") {
		return true
	}
	for _, l := range Labels(c) {
		if strings.Contains(l, "search") {
			return true
		}
	}
	return false
}

// TextSimilarity compares a query with a label: 1 for equality, 0.8 for
// containment, otherwise 0.6 scaled by the share of query tokens present.
func TextSimilarity(query, label string) float64 {
	if query == "" || label == "" {
		return 0
	}
	if query == label {
		return 1
	}
	shorter := query
	if len(label) < len(shorter) {
		shorter = label
	}
	if len(shorter) >= 3 && (strings.Contains(label, query) || strings.Contains(query, label)) {
		return 0.8
	}
	qt := strings.Fields(query)
	lt := make(map[string]bool)
	for _, w := range strings.Fields(label) {
		lt[w] = true
	}
	hits := 0
	for _, w := range qt {
		if lt[w] {
			hits++
		}
	}
	return 0.6 * float64(hits) / float64(len(qt))
}

// bestSimilarity is the highest similarity of the query across the labels.
func bestSimilarity(query string, c schemas.Candidate) float64 {
	best := 0.0
	for _, l := range Labels(c) {
		best = math.Max(best, TextSimilarity(query, l))
	}
	return best
}

// extent approximates the page size from the candidate geometry.
type extent struct{ w, h float64 }

func pageExtent(cands []schemas.Candidate) extent {
	var e extent
	for _, c := range cands {
		e.w = math.Max(e.w, c.Bounds.Right())
		e.h = math.Max(e.h, c.Bounds.Bottom())
	}
	return e
}

// regions lists the coarse page regions a candidate occupies.
func regions(c schemas.Candidate, e extent) map[string]bool {
	out := make(map[string]bool)
	switch strings.ToLower(c.Tag) {
	case "header", "nav":
		out["header"] = true
	case "footer":
		out["footer"] = true
	case "aside":
		out["sidebar"] = true
	}
	switch strings.ToLower(c.Role) {
	case "banner", "navigation":
		out["header"] = true
	case "contentinfo":
		out["footer"] = true
	case "complementary":
		out["sidebar"] = true
	}
	if c.Bounds.IsZero() || e.w <= 0 || e.h <= 0 {
		return out
	}
	cx, cy := c.Bounds.Center()
	switch {
	case cy < e.h/3:
		out["top"] = true
	case cy > 2*e.h/3:
		out["bottom"] = true
	}
	switch {
	case cx < e.w/3:
		out["left"] = true
	case cx > 2*e.w/3:
		out["right"] = true
	}
	if !out["top"] && !out["bottom"] && !out["left"] && !out["right"] {
		out["center"] = true
	}
	return out
}

// nearRegions relate semantic regions to geometric ones for partial credit.
var nearRegions = map[string][]string{
	"header":  {"top"},
	"top":     {"header"},
	"footer":  {"bottom"},
	"bottom":  {"footer"},
	"sidebar": {"left", "right"},
	"left":    {"sidebar"},
	"right":   {"sidebar"},
}

func locationScore(goal schemas.ElementIntent, c schemas.Candidate, e extent) float64 {
	want := schemas.Normalize(goal.Location)
	if want == "" {
		return 0
	}
	have := regions(c, e)
	if have[want] {
		return bonusLocationExact
	}
	for _, r := range nearRegions[want] {
		if have[r] {
			return bonusLocationNear
		}
	}
	return 0
}

func isAd(c schemas.Candidate) bool {
	fields := []string{c.Text, c.Attr("class"), c.Attr("id"), c.Attr("aria-label"), c.Attr("data-ad")}
	for _, f := range fields {
		f = strings.ToLower(f)
		if f == "" {
			continue
		}
		for _, m := range adMarkers {
			if strings.Contains(f, m) {
				return true
			}
		}
		for _, tok := range strings.FieldsFunc(f, func(r rune) bool {
			return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
		}) {
			if tok == "ad" || tok == "ads" {
				return true
			}
		}
	}
	return c.Attr("data-ad") != ""
}

// score evaluates a candidate against the goal without ordinal context. The
// result is unclamped so callers can break ties between saturated scores.
func score(goal schemas.ElementIntent, c schemas.Candidate, e extent) float64 {
	s := 0.0
	if c.Interactive {
		s += bonusInteractive
	}
	if q := Query(goal); q != "" {
		switch sim := bestSimilarity(q, c); {
		case sim >= 1:
			s += bonusTextExact
		case sim >= 0.8:
			s += bonusTextSubstring
		}
	}
	if roleMatches(WantedRole(goal), candidateRole(c)) {
		s += bonusRole
	}
	if wantsSearch(goal) && isSearchField(c) {
		s += bonusSearchRole
	}
	s += locationScore(goal, c, e)
	if c.Bounds.Width > prominentWidth && c.Bounds.Height > prominentHeight {
		s += bonusProminent
	}
	if isAd(c) {
		s += penaltyAd
	}
	if !c.Bounds.IsZero() && (c.Bounds.Width < decorativeSize || c.Bounds.Height < decorativeSize) {
		s += penaltyDecorative
	}
	return s
}

// clamp bounds a score to [0,1].
func clamp(s float64) float64 { return math.Max(0, math.Min(1, s)) }

// documentOrder reads the snapshot order recorded by the surface.
func documentOrder(c schemas.Candidate, fallback int) int {
	if v, err := strconv.Atoi(c.Attr("data-order")); err == nil {
		return v
	}
	return fallback
}

// ordinalWinner picks the candidate the goal's ordinal designates among the
// given ids, ordering top to bottom then by document order.
func ordinalWinner(goal schemas.ElementIntent, cands []schemas.Candidate) string {
	if goal.Ordinal == schemas.OrdinalNone || len(cands) == 0 {
		return ""
	}
	type ranked struct {
		id    string
		y     float64
		order int
	}
	rs := make([]ranked, len(cands))
	for i, c := range cands {
		rs[i] = ranked{id: c.ID, y: c.Bounds.Y, order: documentOrder(c, i)}
	}
	sort.SliceStable(rs, func(i, j int) bool {
		if rs[i].y != rs[j].y {
			return rs[i].y < rs[j].y
		}
		return rs[i].order < rs[j].order
	})
	switch goal.Ordinal {
	case schemas.OrdinalFirst:
		return rs[0].id
	case schemas.OrdinalLast:
		return rs[len(rs)-1].id
	case schemas.OrdinalNth:
		if goal.Index >= 1 && goal.Index <= len(rs) {
			return rs[goal.Index-1].id
		}
	}
	return ""
}
