// internal/surface/snapshot.go
package surface

import (
	"context"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
	"github.com/xkilldash9x/pilot-cli/internal/perception"
)

// HandleAttribute is stamped on every snapshot element. A candidate's ID is
// the attribute's value, so later actions can find the same node again.
const HandleAttribute = "data-pilot-id"

// snapshotScript walks the document and returns one entry per interactive or
// text-bearing element. Handles already stamped are kept so the page's
// fingerprint stays stable while nothing changes. Bounds are viewport
// relative to line up with screenshots.
const snapshotScript = `(() => {
  const ATTR = '` + HandleAttribute + `';
  const KEEP = ['id','name','type','placeholder','aria-label','data-testid','data-test-id','title','alt','href','value','class','for','role','itemprop'];
  const INTERACTIVE = new Set(['A','BUTTON','INPUT','SELECT','TEXTAREA','OPTION','SUMMARY']);
  const CONTENT = new Set(['H1','H2','H3','H4','H5','H6','LABEL','LI','P','TD','TH','SPAN']);
  const ROLES = new Set(['button','link','textbox','searchbox','combobox','checkbox','radio','menuitem','tab','option','switch']);
  window.__pilotSeq = window.__pilotSeq || 0;
  const used = new Set();
  const nodes = [];
  for (const el of document.querySelectorAll('body *')) {
    const tag = el.tagName;
    if (tag === 'SCRIPT' || tag === 'STYLE' || tag === 'NOSCRIPT') continue;
    const role = (el.getAttribute('role') || '').toLowerCase();
    const interactive = (INTERACTIVE.has(tag) && !(tag === 'INPUT' && el.type === 'hidden')) ||
      ROLES.has(role) || el.hasAttribute('onclick') || el.getAttribute('tabindex') === '0' || el.isContentEditable;
    const text = (el.innerText || el.textContent || '').replace(/\s+/g, ' ').trim().slice(0, 200);
    if (!interactive && !(CONTENT.has(tag) && text)) continue;
    let id = el.getAttribute(ATTR);
    if (!id || used.has(id)) {
      const tid = el.getAttribute('data-testid');
      if (el.id && !used.has('id:' + el.id)) id = 'id:' + el.id;
      else if (tid && !used.has('testid:' + tid)) id = 'testid:' + tid;
      else id = 'node:' + (++window.__pilotSeq);
      el.setAttribute(ATTR, id);
    }
    used.add(id);
    const attrs = {};
    for (const k of KEEP) { const v = el.getAttribute(k); if (v) attrs[k] = v; }
    if (!attrs['aria-label'] && el.labels && el.labels.length) {
      attrs['aria-label'] = (el.labels[0].innerText || '').trim();
    }
    const r = el.getBoundingClientRect();
    const s = window.getComputedStyle(el);
    nodes.push({
      id: id, tag: tag.toLowerCase(), role: role, text: text, attrs: attrs,
      x: r.left, y: r.top, w: r.width, h: r.height,
      visible: r.width > 0 && r.height > 0 && s.display !== 'none' && s.visibility !== 'hidden' && s.opacity !== '0',
      enabled: !el.disabled && el.getAttribute('aria-disabled') !== 'true',
      interactive: interactive
    });
  }
  return {url: location.href, nodes: nodes};
})()`

type domNode struct {
	ID          string            `json:"id"`
	Tag         string            `json:"tag"`
	Role        string            `json:"role"`
	Text        string            `json:"text"`
	Attrs       map[string]string `json:"attrs"`
	X           float64           `json:"x"`
	Y           float64           `json:"y"`
	W           float64           `json:"w"`
	H           float64           `json:"h"`
	Visible     bool              `json:"visible"`
	Enabled     bool              `json:"enabled"`
	Interactive bool              `json:"interactive"`
}

type snapshot struct {
	URL   string    `json:"url"`
	Nodes []domNode `json:"nodes"`
}

// QueryElements snapshots the page and fuses the DOM and accessibility views
// into one candidate set.
func (c *Chrome) QueryElements(ctx context.Context) (schemas.CandidateSet, error) {
	var snap snapshot
	if err := c.run(ctx, chromedp.Evaluate(snapshotScript, &snap)); err != nil {
		return schemas.CandidateSet{}, fmt.Errorf("failed to snapshot page: %w", err)
	}
	set := c.fuser.Fuse(snap.URL, reports(snap.Nodes)...)
	c.logger.Debug("Page snapshot captured.",
		zap.String("url", snap.URL),
		zap.Int("nodes", len(snap.Nodes)),
		zap.String("fingerprint", set.Fingerprint))
	return set, nil
}

// reports splits raw snapshot nodes into a DOM report and an accessibility
// report. The accessibility view only covers nodes with a role or a name and
// carries the accessible name as text.
func reports(nodes []domNode) []perception.Report {
	dom := perception.Report{Source: schemas.SourceDOM}
	ax := perception.Report{Source: schemas.SourceAccessibility}
	for _, n := range nodes {
		attrs := n.Attrs
		if attrs == nil {
			attrs = map[string]string{}
		}
		role := perception.ImplicitRole(n.Tag, attrs)
		cand := schemas.Candidate{
			ID:          n.ID,
			Tag:         n.Tag,
			Role:        role,
			Text:        n.Text,
			Attributes:  attrs,
			Bounds:      schemas.BoundingBox{X: n.X, Y: n.Y, Width: n.W, Height: n.H},
			Interactive: n.Interactive || perception.IsInteractive(n.Tag, role, attrs),
			Visible:     n.Visible,
			Enabled:     n.Enabled,
			Confidence:  1.0,
		}
		dom.Candidates = append(dom.Candidates, cand)

		name := accessibleName(attrs, n.Text)
		if role == "" && attrs["aria-label"] == "" {
			continue
		}
		axCand := cand
		axCand.Text = name
		axCand.Confidence = 0.9
		ax.Candidates = append(ax.Candidates, axCand)
	}
	return []perception.Report{dom, ax}
}

func accessibleName(attrs map[string]string, text string) string {
	for _, k := range []string{"aria-label", "title", "alt", "placeholder"} {
		if v := strings.TrimSpace(attrs[k]); v != "" {
			return v
		}
	}
	return text
}

// selectorFor builds the CSS selector of a handle stamped by the snapshot.
func selectorFor(handle string) string {
	r := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	return fmt.Sprintf(`[%s="%s"]`, HandleAttribute, r.Replace(handle))
}
