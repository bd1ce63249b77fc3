// File: api/schemas/element.go
package schemas

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"math"
	"strings"
	"time"
)

// -- Geometry --

// BoundingBox is an axis-aligned rectangle in CSS pixels.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (b BoundingBox) IsZero() bool { return b.Width <= 0 || b.Height <= 0 }
func (b BoundingBox) Area() float64 {
	if b.IsZero() {
		return 0
	}
	return b.Width * b.Height
}
func (b BoundingBox) Right() float64  { return b.X + b.Width }
func (b BoundingBox) Bottom() float64 { return b.Y + b.Height }

// Center returns the midpoint of the box.
func (b BoundingBox) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Intersection returns the overlapping area of two boxes.
func (b BoundingBox) Intersection(o BoundingBox) float64 {
	w := math.Min(b.Right(), o.Right()) - math.Max(b.X, o.X)
	h := math.Min(b.Bottom(), o.Bottom()) - math.Max(b.Y, o.Y)
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// IoU is the intersection-over-union ratio in [0,1].
func (b BoundingBox) IoU(o BoundingBox) float64 {
	inter := b.Intersection(o)
	if inter == 0 {
		return 0
	}
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Distance between box centers.
func (b BoundingBox) Distance(o BoundingBox) float64 {
	bx, by := b.Center()
	ox, oy := o.Center()
	return math.Hypot(bx-ox, by-oy)
}

// -- Targets --

// Ordinal hints which of several matching elements is wanted.
type Ordinal string

const (
	OrdinalNone  Ordinal = ""
	OrdinalFirst Ordinal = "first"
	OrdinalLast  Ordinal = "last"
	OrdinalNth   Ordinal = "nth" // Uses ElementIntent.Index (1-based).
)

// ElementIntent is a semantic description of a target element.
type ElementIntent struct {
	Description     string            `json:"description"`
	Text            string            `json:"text,omitempty"`
	Role            string            `json:"role,omitempty"` // button, link, input, searchbox...
	TestID          string            `json:"test_id,omitempty"`
	AriaLabel       string            `json:"aria_label,omitempty"`
	Selector        string            `json:"selector,omitempty"`
	Location        string            `json:"location,omitempty"` // header, footer, top, left...
	Ordinal         Ordinal           `json:"ordinal,omitempty"`
	Index           int               `json:"index,omitempty"`
	NearText        string            `json:"near_text,omitempty"`
	ProximityPx     float64           `json:"proximity_px,omitempty"`
	VisibleOnly     bool              `json:"visible_only,omitempty"`
	IncludeDisabled bool              `json:"include_disabled,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
}

// Fingerprint is a stable digest of the goal, used as a cache key component.
// json.Marshal sorts map keys so equal intents always hash the same.
func (e ElementIntent) Fingerprint() string {
	e.Description = Normalize(e.Description)
	e.Text = Normalize(e.Text)
	e.Role = Normalize(e.Role)
	raw, _ := json.Marshal(e)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:12])
}

// FieldKey identifies the logical field an element intent addresses. Two
// intents with the same key refer to the same field for ordering purposes.
func (e ElementIntent) FieldKey() string {
	switch {
	case e.TestID != "":
		return "testid:" + strings.ToLower(e.TestID)
	case e.Selector != "":
		return "sel:" + e.Selector
	case e.AriaLabel != "":
		return "label:" + Normalize(e.AriaLabel)
	}
	key := Normalize(e.Description)
	if key == "" {
		key = Normalize(e.Text)
	}
	if key == "" {
		return ""
	}
	return "desc:" + key
}

// Normalize lowercases and collapses whitespace.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// -- Perception --

// PerceptionSource names an independent evidence source.
type PerceptionSource string

const (
	SourceDOM           PerceptionSource = "dom"
	SourceVision        PerceptionSource = "vision"
	SourceAccessibility PerceptionSource = "accessibility"
)

// Candidate is one element of a page snapshot.
type Candidate struct {
	ID          string                       `json:"id"` // Stable handle assigned by the surface.
	Tag         string                       `json:"tag,omitempty"`
	Role        string                       `json:"role,omitempty"`
	Text        string                       `json:"text,omitempty"`
	Attributes  map[string]string            `json:"attributes,omitempty"`
	Bounds      BoundingBox                  `json:"bounds"`
	Interactive bool                         `json:"interactive,omitempty"`
	Visible     bool                         `json:"visible,omitempty"`
	Enabled     bool                         `json:"enabled,omitempty"`
	Sources     map[PerceptionSource]float64 `json:"sources,omitempty"`
	Confidence  float64                      `json:"confidence,omitempty"` // Fused, for ranking only.
}

// Attr returns an attribute value or "".
func (c Candidate) Attr(name string) string {
	if c.Attributes == nil {
		return ""
	}
	return c.Attributes[name]
}

// CandidateSet is a fused snapshot of a page.
type CandidateSet struct {
	Fingerprint string      `json:"fingerprint"`
	URL         string      `json:"url,omitempty"`
	Candidates  []Candidate `json:"candidates"`
	CapturedAt  time.Time   `json:"captured_at"`
}

// ByID finds a candidate by its handle.
func (s CandidateSet) ByID(id string) (Candidate, bool) {
	for _, c := range s.Candidates {
		if c.ID == id {
			return c, true
		}
	}
	return Candidate{}, false
}

// -- Resolution --

// Evidence is one step of a reasoning trail.
type Evidence struct {
	Strategy string  `json:"strategy"`
	Detail   string  `json:"detail"`
	Score    float64 `json:"score"`
}

// ResolvedElement is a located target.
type ResolvedElement struct {
	Handle     string                       `json:"handle"`
	Confidence float64                      `json:"confidence"`
	Reasoning  []Evidence                   `json:"reasoning,omitempty"`
	Bounds     *BoundingBox                 `json:"bounds,omitempty"`
	Signals    map[PerceptionSource]float64 `json:"signals,omitempty"`
	Text       string                       `json:"text,omitempty"`
	Tag        string                       `json:"tag,omitempty"`
}

// Strategies lists the distinct strategies present in the reasoning trail.
func (r ResolvedElement) Strategies() []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range r.Reasoning {
		if !seen[e.Strategy] {
			seen[e.Strategy] = true
			out = append(out, e.Strategy)
		}
	}
	return out
}

// Region is a vision oracle grounding result.
type Region struct {
	Bounds     BoundingBox `json:"bounds"`
	Confidence float64     `json:"confidence"`
	Label      string      `json:"label,omitempty"`
}

// Ranking is a semantic oracle's judgement of a candidate.
type Ranking struct {
	CandidateID string  `json:"id"`
	Score       float64 `json:"score"`
	Reason      string  `json:"reason,omitempty"`
}
