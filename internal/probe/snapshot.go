package probe

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/auxothq/uiaudit/pkg/protocol"
)

// Viewport describes the window the snapshot is reported as rendered in.
type Viewport struct {
	Width      int
	Height     int
	PixelRatio float64
	Theme      string
}

// Snapshot answers DOM queries against a parsed HTML document. It has no
// layout engine, so operations that need rendered geometry are refused.
type Snapshot struct {
	doc      *html.Node
	viewport Viewport
}

// LoadSnapshot parses the HTML file at path.
func LoadSnapshot(path string, vp Viewport) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot: %w", err)
	}
	defer f.Close()
	return ParseSnapshot(f, vp)
}

// ParseSnapshot parses an HTML document from r.
func ParseSnapshot(r io.Reader, vp Viewport) (*Snapshot, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	return &Snapshot{doc: doc, viewport: vp}, nil
}

// Execute runs one operation. A returned error is sent to the bridge as the
// reply's error; "not found" outcomes are results, not errors.
func (s *Snapshot) Execute(op string, params json.RawMessage) (any, error) {
	switch op {
	case protocol.OpQuerySelector:
		var p struct {
			Selector string `json:"selector"`
			Limit    int    `json:"limit"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.querySelector(p.Selector, p.Limit)

	case protocol.OpGetElement:
		var p struct {
			Selector string `json:"selector"`
			Index    int    `json:"index"`
		}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.getElement(p.Selector, p.Index)

	case protocol.OpAuditUI:
		p := struct {
			IncludeStyles  bool    `json:"includeStyles"`
			MinTouchTarget float64 `json:"minTouchTarget"`
		}{IncludeStyles: true, MinTouchTarget: 44}
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return s.audit(p.IncludeStyles, p.MinTouchTarget)

	case protocol.OpGetViewportInfo:
		return map[string]any{
			"width":            s.viewport.Width,
			"height":           s.viewport.Height,
			"devicePixelRatio": s.viewport.PixelRatio,
			"scrollX":          0,
			"scrollY":          0,
			"theme":            s.viewport.Theme,
		}, nil

	case protocol.OpCheckTouchTargets, protocol.OpCheckEdgeProximity:
		return nil, fmt.Errorf("%s needs rendered layout, which a static snapshot does not have", op)

	default:
		return nil, fmt.Errorf("Unknown command: %s", op)
	}
}

func decodeParams(params json.RawMessage, v any) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("invalid params: %v", err)
	}
	return nil
}

func (s *Snapshot) match(selector string) ([]*html.Node, error) {
	if strings.TrimSpace(selector) == "" {
		return nil, fmt.Errorf("selector is required")
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("Invalid selector %q: %v", selector, err)
	}
	return sel.MatchAll(s.doc), nil
}

// elementSummary is one entry of a query_selector result.
type elementSummary struct {
	Path  string `json:"path"`
	Tag   string `json:"tag"`
	ID    string `json:"id,omitempty"`
	Class string `json:"class,omitempty"`
	Role  string `json:"role,omitempty"`
	Name  string `json:"name,omitempty"`
	Text  string `json:"text,omitempty"`
}

func (s *Snapshot) querySelector(selector string, limit int) (any, error) {
	nodes, err := s.match(selector)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	out := make([]elementSummary, 0, min(len(nodes), limit))
	for _, n := range nodes {
		if len(out) == limit {
			break
		}
		out = append(out, s.summarize(n))
	}
	return map[string]any{
		"selector":  selector,
		"count":     len(nodes),
		"returned":  len(out),
		"truncated": len(nodes) > len(out),
		"elements":  out,
	}, nil
}

func (s *Snapshot) getElement(selector string, index int) (any, error) {
	nodes, err := s.match(selector)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return map[string]string{
			"error": fmt.Sprintf("No elements found matching %q", selector),
		}, nil
	}
	if index < 0 || index >= len(nodes) {
		return nil, fmt.Errorf("Index %d out of range (%d matches for %q)", index, len(nodes), selector)
	}

	n := nodes[index]
	attrs := make(map[string]string, len(n.Attr))
	for _, a := range n.Attr {
		attrs[a.Key] = a.Val
	}
	return map[string]any{
		"selector":   selector,
		"index":      index,
		"matches":    len(nodes),
		"path":       cssPath(n),
		"tag":        n.Data,
		"attributes": attrs,
		"role":       role(n),
		"name":       s.accessibleName(n),
		"text":       textContent(n),
		"children":   childElementCount(n),
	}, nil
}

// auditEntry is one interactive element in an audit_ui result.
type auditEntry struct {
	elementSummary
	Issues []string `json:"issues,omitempty"`
	Style  string   `json:"style,omitempty"`
}

func (s *Snapshot) audit(includeStyles bool, minTouchTarget float64) (any, error) {
	nodes, err := s.match(protocol.InteractiveSelector)
	if err != nil {
		return nil, err
	}

	entries := make([]auditEntry, 0, len(nodes))
	issueCounts := map[string]int{}
	for _, n := range nodes {
		e := auditEntry{elementSummary: s.summarize(n)}
		if e.Name == "" {
			e.Issues = append(e.Issues, "missing-accessible-name")
		}
		if n.Data == "a" && isPlaceholderHref(attr(n, "href")) {
			e.Issues = append(e.Issues, "placeholder-link-target")
		}
		if hasAttr(n, "disabled") && hasAttr(n, "tabindex") && attr(n, "tabindex") != "-1" {
			e.Issues = append(e.Issues, "focusable-disabled-element")
		}
		if includeStyles {
			e.Style = attr(n, "style")
		}
		for _, issue := range e.Issues {
			issueCounts[issue]++
		}
		entries = append(entries, e)
	}

	var missingAlt []string
	if imgs, err := s.match("img"); err == nil {
		for _, img := range imgs {
			if !hasAttr(img, "alt") {
				missingAlt = append(missingAlt, cssPath(img))
			}
		}
	}
	if len(missingAlt) > 0 {
		issueCounts["img-missing-alt"] = len(missingAlt)
	}

	return map[string]any{
		"summary": map[string]any{
			"total":          len(entries),
			"issues":         issueCounts,
			"minTouchTarget": minTouchTarget,
			"layoutChecks":   false,
		},
		"viewport": map[string]any{
			"width":  s.viewport.Width,
			"height": s.viewport.Height,
		},
		"elements":         entries,
		"imagesMissingAlt": missingAlt,
	}, nil
}

func (s *Snapshot) summarize(n *html.Node) elementSummary {
	return elementSummary{
		Path:  cssPath(n),
		Tag:   n.Data,
		ID:    attr(n, "id"),
		Class: attr(n, "class"),
		Role:  role(n),
		Name:  s.accessibleName(n),
		Text:  truncate(textContent(n), 80),
	}
}

// accessibleName approximates the accessible-name computation: aria-label,
// aria-labelledby, an associated <label>, content text, image alt, then
// title and placeholder.
func (s *Snapshot) accessibleName(n *html.Node) string {
	if v := strings.TrimSpace(attr(n, "aria-label")); v != "" {
		return v
	}
	if ids := strings.Fields(attr(n, "aria-labelledby")); len(ids) > 0 {
		var parts []string
		for _, id := range ids {
			if ref := s.byID(id); ref != nil {
				if t := textContent(ref); t != "" {
					parts = append(parts, t)
				}
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, " ")
		}
	}
	if id := attr(n, "id"); id != "" {
		if labels, err := s.match(fmt.Sprintf("label[for=%q]", id)); err == nil && len(labels) > 0 {
			if t := textContent(labels[0]); t != "" {
				return t
			}
		}
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "label" {
			if t := textContent(p); t != "" {
				return t
			}
			break
		}
	}
	if n.Data == "input" {
		switch strings.ToLower(attr(n, "type")) {
		case "submit", "button", "reset":
			if v := strings.TrimSpace(attr(n, "value")); v != "" {
				return v
			}
		case "image":
			if v := strings.TrimSpace(attr(n, "alt")); v != "" {
				return v
			}
		}
	} else if t := textContent(n); t != "" {
		return t
	}
	if alt := imageAlt(n); alt != "" {
		return alt
	}
	if v := strings.TrimSpace(attr(n, "title")); v != "" {
		return v
	}
	return strings.TrimSpace(attr(n, "placeholder"))
}

func (s *Snapshot) byID(id string) *html.Node {
	var found *html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if found != nil {
			return
		}
		if n.Type == html.ElementNode && attr(n, "id") == id {
			found = n
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(s.doc)
	return found
}

// cssPath builds a selector that identifies n: tag names joined by " > ",
// anchored at the nearest ancestor with an id, with :nth-of-type where
// siblings share a tag.
func cssPath(n *html.Node) string {
	var parts []string
	for cur := n; cur != nil && cur.Type == html.ElementNode; cur = cur.Parent {
		if id := attr(cur, "id"); id != "" {
			parts = append(parts, cur.Data+"#"+id)
			break
		}
		part := cur.Data
		if idx, total := nthOfType(cur); total > 1 {
			part += ":nth-of-type(" + strconv.Itoa(idx) + ")"
		}
		parts = append(parts, part)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, " > ")
}

func nthOfType(n *html.Node) (idx, total int) {
	if n.Parent == nil {
		return 1, 1
	}
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != n.Data {
			continue
		}
		total++
		if c == n {
			idx = total
		}
	}
	return idx, total
}

func role(n *html.Node) string {
	if r := attr(n, "role"); r != "" {
		return r
	}
	switch n.Data {
	case "a":
		if hasAttr(n, "href") {
			return "link"
		}
	case "button", "summary":
		return "button"
	case "select":
		return "combobox"
	case "textarea":
		return "textbox"
	case "input":
		switch strings.ToLower(attr(n, "type")) {
		case "checkbox":
			return "checkbox"
		case "radio":
			return "radio"
		case "submit", "button", "reset", "image":
			return "button"
		case "range":
			return "slider"
		default:
			return "textbox"
		}
	}
	return ""
}

func isPlaceholderHref(href string) bool {
	h := strings.TrimSpace(strings.ToLower(href))
	return h == "" || h == "#" || strings.HasPrefix(h, "javascript:")
}

func imageAlt(n *html.Node) string {
	var alt string
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if alt != "" {
			return
		}
		if c.Type == html.ElementNode && c.Data == "img" {
			alt = strings.TrimSpace(attr(c, "alt"))
		}
		for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
			walk(cc)
		}
	}
	walk(n)
	return alt
}

// textContent returns n's descendant text with whitespace collapsed.
func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
			sb.WriteByte(' ')
		}
		if c.Type == html.ElementNode && (c.Data == "script" || c.Data == "style") {
			return
		}
		for cc := c.FirstChild; cc != nil; cc = cc.NextSibling {
			walk(cc)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(sb.String()), " ")
}

func childElementCount(n *html.Node) int {
	count := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			count++
		}
	}
	return count
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
