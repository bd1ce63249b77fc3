package perception

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/xkilldash9x/pilot-cli/api/schemas"
)

// maxTextLen bounds the text captured per element.
const maxTextLen = 200

var interactiveTags = map[atom.Atom]bool{
	atom.A:        true,
	atom.Button:   true,
	atom.Input:    true,
	atom.Select:   true,
	atom.Textarea: true,
	atom.Option:   true,
	atom.Summary:  true,
}

var interactiveRoles = map[string]bool{
	"button": true, "link": true, "textbox": true, "searchbox": true, "combobox": true,
	"checkbox": true, "radio": true, "menuitem": true, "tab": true, "option": true, "switch": true,
}

// contentTags are non-interactive elements worth offering as extraction or
// anchor candidates.
var contentTags = map[atom.Atom]bool{
	atom.H1: true, atom.H2: true, atom.H3: true, atom.H4: true, atom.H5: true, atom.H6: true,
	atom.Label: true, atom.Li: true, atom.P: true, atom.Td: true, atom.Th: true, atom.Span: true,
}

var keptAttributes = []string{
	"id", "name", "type", "placeholder", "aria-label", "data-testid", "data-test-id",
	"title", "alt", "href", "value", "class", "for", "role", "itemprop",
}

// IsInteractive decides interactivity from tag, role and attributes.
func IsInteractive(tag, role string, attrs map[string]string) bool {
	if a := atom.Lookup([]byte(strings.ToLower(tag))); a != 0 && interactiveTags[a] {
		if a == atom.Input && strings.EqualFold(attrs["type"], "hidden") {
			return false
		}
		return true
	}
	if interactiveRoles[strings.ToLower(role)] {
		return true
	}
	_, hasClick := attrs["onclick"]
	return hasClick || attrs["tabindex"] == "0" || attrs["contenteditable"] == "true"
}

// ImplicitRole returns the ARIA role an element carries without an explicit
// role attribute.
func ImplicitRole(tag string, attrs map[string]string) string {
	if r := attrs["role"]; r != "" {
		return strings.ToLower(r)
	}
	switch strings.ToLower(tag) {
	case "a":
		if attrs["href"] != "" {
			return "link"
		}
	case "button", "summary":
		return "button"
	case "select":
		return "combobox"
	case "textarea":
		return "textbox"
	case "option":
		return "option"
	case "input":
		switch strings.ToLower(attrs["type"]) {
		case "search":
			return "searchbox"
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "submit", "button", "reset", "image":
			return "button"
		case "hidden":
			return ""
		default:
			return "textbox"
		}
	case "h1", "h2", "h3", "h4", "h5", "h6":
		return "heading"
	case "li":
		return "listitem"
	}
	return ""
}

// ParseHTML builds DOM and accessibility reports from raw markup. Raw markup
// carries no geometry, so candidates are matched by id during fusion and keep
// their document order in the "data-order" attribute.
func ParseHTML(r io.Reader) ([]Report, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse html snapshot: %w", err)
	}

	dom := Report{Source: schemas.SourceDOM}
	ax := Report{Source: schemas.SourceAccessibility}
	labels := collectLabels(doc)
	order := 0

	var walk func(n *html.Node, hidden bool)
	walk = func(n *html.Node, hidden bool) {
		if n.Type == html.ElementNode {
			if n.DataAtom == atom.Script || n.DataAtom == atom.Style || n.DataAtom == atom.Head {
				return
			}
			attrs := attrMap(n)
			hidden = hidden || isHidden(attrs)
			role := ImplicitRole(n.Data, attrs)
			interactive := IsInteractive(n.Data, role, attrs)
			text := nodeText(n)
			if attrs["aria-label"] == "" && attrs["id"] != "" && labels[attrs["id"]] != "" {
				attrs["aria-label"] = labels[attrs["id"]]
			}

			if interactive || (contentTags[n.DataAtom] && text != "") {
				order++
				id := stableID(attrs, order)
				attrs["data-order"] = fmt.Sprint(order)
				cand := schemas.Candidate{
					ID:          id,
					Tag:         n.Data,
					Role:        role,
					Text:        text,
					Attributes:  keep(attrs),
					Interactive: interactive,
					Visible:     !hidden,
					Enabled:     !hasAttr(n, "disabled"),
					Confidence:  1.0,
				}
				dom.Candidates = append(dom.Candidates, cand)

				if role != "" || attrs["aria-label"] != "" {
					axCand := cand
					axCand.Text = accessibleName(attrs, text)
					axCand.Confidence = 0.9
					ax.Candidates = append(ax.Candidates, axCand)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c, hidden)
		}
	}
	walk(doc, false)

	return []Report{dom, ax}, nil
}

func collectLabels(doc *html.Node) map[string]string {
	labels := make(map[string]string)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.Label {
			for _, a := range n.Attr {
				if a.Key == "for" && a.Val != "" {
					labels[a.Val] = nodeText(n)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return labels
}

func attrMap(n *html.Node) map[string]string {
	m := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		m[strings.ToLower(a.Key)] = a.Val
	}
	return m
}

func keep(attrs map[string]string) map[string]string {
	out := make(map[string]string)
	for _, k := range keptAttributes {
		if v, ok := attrs[k]; ok && v != "" {
			out[k] = v
		}
	}
	out["data-order"] = attrs["data-order"]
	return out
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func isHidden(attrs map[string]string) bool {
	if _, ok := attrs["hidden"]; ok {
		return true
	}
	if attrs["aria-hidden"] == "true" {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(attrs["style"]), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

func stableID(attrs map[string]string, order int) string {
	switch {
	case attrs["id"] != "":
		return "id:" + attrs["id"]
	case attrs["data-testid"] != "":
		return "testid:" + attrs["data-testid"]
	case attrs["name"] != "":
		return fmt.Sprintf("name:%s:%d", attrs["name"], order)
	}
	return fmt.Sprintf("node:%d", order)
}

func accessibleName(attrs map[string]string, text string) string {
	for _, k := range []string{"aria-label", "title", "alt", "placeholder"} {
		if v := strings.TrimSpace(attrs[k]); v != "" {
			return v
		}
	}
	return text
}

// nodeText concatenates descendant text, collapsing whitespace.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if sb.Len() > maxTextLen*2 {
			return
		}
		switch n.Type {
		case html.TextNode:
			sb.WriteString(n.Data)
			sb.WriteByte(' ')
		case html.ElementNode:
			if n.DataAtom == atom.Script || n.DataAtom == atom.Style {
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	text := strings.Join(strings.Fields(sb.String()), " ")
	if len(text) > maxTextLen {
		text = text[:maxTextLen]
	}
	return text
}
