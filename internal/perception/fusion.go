// Package perception fuses candidate-element reports from independent
// perception sources into one deduplicated, ranked candidate set.
package perception

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// DefaultIoUThreshold is the overlap above which two boxes are one element.
const DefaultIoUThreshold = 0.5

// DefaultWeights are the per-source weights used for the ranking confidence.
var DefaultWeights = map[schemas.PerceptionSource]float64{
	schemas.SourceVision:        0.4,
	schemas.SourceDOM:           0.35,
	schemas.SourceAccessibility: 0.25,
}

// Report is one source's view of the page. Candidate.Confidence carries the
// source specific confidence.
type Report struct {
	Source     schemas.PerceptionSource
	Candidates []schemas.Candidate
}

// Fuser clusters overlapping candidates across reports.
type Fuser struct {
	iouThreshold float64
	weights      map[schemas.PerceptionSource]float64
	logger       *zap.Logger
}

// NewFuser creates a fuser with the default weights and threshold.
func NewFuser(logger *zap.Logger) *Fuser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fuser{
		iouThreshold: DefaultIoUThreshold,
		weights:      DefaultWeights,
		logger:       logger.Named("fusion"),
	}
}

type cluster struct {
	cand  schemas.Candidate
	order int
}

// Fuse merges reports into a single CandidateSet. Candidates are clustered
// when their stable ids match or their boxes overlap with IoU at or above the
// threshold. Per-source confidences are kept as separate signals; the fused
// Confidence is only used for ranking.
func (f *Fuser) Fuse(url string, reports ...Report) schemas.CandidateSet {
	var clusters []*cluster
	byID := make(map[string]*cluster)
	anon := 0

	for _, report := range reports {
		for _, c := range report.Candidates {
			target := f.match(c, byID, clusters)
			if target == nil {
				target = &cluster{cand: newCluster(c), order: len(clusters)}
				if target.cand.ID == "" {
					anon++
					target.cand.ID = fmt.Sprintf("%s-%d", report.Source, anon)
				}
				clusters = append(clusters, target)
			} else {
				merge(&target.cand, c, report.Source)
			}
			setSignal(&target.cand, report.Source, c.Confidence)
			byID[target.cand.ID] = target
			if c.ID != "" {
				byID[c.ID] = target
			}
		}
	}

	out := make([]schemas.Candidate, 0, len(clusters))
	for _, cl := range clusters {
		cl.cand.Confidence = f.confidence(cl.cand.Sources)
		out = append(out, cl.cand)
	}
	orderOf := make(map[string]int, len(clusters))
	for _, cl := range clusters {
		orderOf[cl.cand.ID] = cl.order
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return orderOf[out[i].ID] < orderOf[out[j].ID]
	})

	f.logger.Debug("Fused perception reports.",
		zap.Int("reports", len(reports)),
		zap.Int("candidates", len(out)))

	return schemas.CandidateSet{
		Fingerprint: Fingerprint(out),
		URL:         url,
		Candidates:  out,
		CapturedAt:  time.Now(),
	}
}

func (f *Fuser) match(c schemas.Candidate, byID map[string]*cluster, clusters []*cluster) *cluster {
	if c.ID != "" {
		if cl, ok := byID[c.ID]; ok {
			return cl
		}
	}
	if c.Bounds.IsZero() {
		return nil
	}
	var best *cluster
	bestIoU := 0.0
	for _, cl := range clusters {
		if cl.cand.Bounds.IsZero() {
			continue
		}
		if iou := cl.cand.Bounds.IoU(c.Bounds); iou >= f.iouThreshold && iou > bestIoU {
			best, bestIoU = cl, iou
		}
	}
	return best
}

func (f *Fuser) confidence(sources map[schemas.PerceptionSource]float64) float64 {
	var sum, weights float64
	for src, conf := range sources {
		w, ok := f.weights[src]
		if !ok {
			w = 0.1
		}
		sum += w * conf
		weights += w
	}
	if weights == 0 {
		return 0
	}
	// Agreement between independent sources is worth a small bonus.
	agreement := 0.05 * float64(len(sources)-1)
	return math.Min(1, sum/weights+agreement)
}

func newCluster(c schemas.Candidate) schemas.Candidate {
	out := c
	out.Sources = make(map[schemas.PerceptionSource]float64, 3)
	if c.Attributes != nil {
		out.Attributes = make(map[string]string, len(c.Attributes))
		for k, v := range c.Attributes {
			out.Attributes[k] = v
		}
	}
	return out
}

// merge folds a new observation into an existing cluster. DOM geometry and
// text win over other sources because they are exact.
func merge(dst *schemas.Candidate, src schemas.Candidate, source schemas.PerceptionSource) {
	if dst.Tag == "" {
		dst.Tag = src.Tag
	}
	if dst.Role == "" {
		dst.Role = src.Role
	}
	if len(strings.TrimSpace(src.Text)) > len(strings.TrimSpace(dst.Text)) && (dst.Text == "" || source == schemas.SourceDOM) {
		dst.Text = src.Text
	}
	if dst.Bounds.IsZero() || (source == schemas.SourceDOM && !src.Bounds.IsZero()) {
		dst.Bounds = src.Bounds
	}
	for k, v := range src.Attributes {
		if dst.Attributes == nil {
			dst.Attributes = make(map[string]string)
		}
		if _, exists := dst.Attributes[k]; !exists {
			dst.Attributes[k] = v
		}
	}
	dst.Interactive = dst.Interactive || src.Interactive
	dst.Visible = dst.Visible || src.Visible
	dst.Enabled = dst.Enabled || src.Enabled
}

func setSignal(c *schemas.Candidate, source schemas.PerceptionSource, conf float64) {
	if conf <= 0 {
		conf = 1
	}
	if c.Sources[source] < conf {
		c.Sources[source] = conf
	}
}

// Fingerprint digests the identity, text and geometry of a snapshot. Any
// structural mutation of the page changes it.
func Fingerprint(candidates []schemas.Candidate) string {
	h := sha256.New()
	ids := make([]string, 0, len(candidates))
	for _, c := range candidates {
		ids = append(ids, fmt.Sprintf("%s|%s|%s|%.0f,%.0f,%.0f,%.0f|%t",
			c.ID, c.Tag, strings.TrimSpace(c.Text),
			c.Bounds.X, c.Bounds.Y, c.Bounds.Width, c.Bounds.Height, c.Visible))
	}
	sort.Strings(ids)
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:24]
}
