package dom

import (
	"strings"

	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"
	"golang.org/x/net/html"
)

// Compile parses a selector, caching the result. Invalid selectors yield nil.
func (d *Document) Compile(sel string) cascadia.Selector {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return nil
	}
	if s, ok := d.selectors[sel]; ok {
		return s
	}
	s, err := cascadia.Compile(sel)
	if err != nil {
		d.logger.Warn("invalid selector", zap.String("selector", sel), zap.Error(err))
		s = nil
	}
	d.selectors[sel] = s
	return s
}

// QuerySelector returns the first element in document order matching sel.
func (d *Document) QuerySelector(sel string) *html.Node {
	s := d.Compile(sel)
	if s == nil {
		return nil
	}
	return s.MatchFirst(d.root)
}

// QuerySelectorAll returns every element matching sel in document order.
func (d *Document) QuerySelectorAll(sel string) []*html.Node {
	s := d.Compile(sel)
	if s == nil {
		return nil
	}
	return s.MatchAll(d.root)
}

// Matches reports whether n matches any of the selectors.
func (d *Document) Matches(n *html.Node, selectors ...string) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	for _, sel := range selectors {
		if s := d.Compile(sel); s != nil && s.Match(n) {
			return true
		}
	}
	return false
}

// IsConnected reports whether n is attached to the document tree.
func (d *Document) IsConnected(n *html.Node) bool {
	return Contains(d.root, n)
}

// Attr returns the value of attribute key, or "".
func Attr(n *html.Node, key string) string {
	v, _ := LookupAttr(n, key)
	return v
}

// LookupAttr returns the attribute value and whether it is present.
func LookupAttr(n *html.Node, key string) (string, bool) {
	if n == nil {
		return "", false
	}
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.EqualFold(a.Key, key) {
			return a.Val, true
		}
	}
	return "", false
}

// HasClass reports whether the class attribute of n contains cls.
func HasClass(n *html.Node, cls string) bool {
	for _, c := range strings.Fields(Attr(n, "class")) {
		if c == cls {
			return true
		}
	}
	return false
}

// IsElement reports whether n is an element with the given tag name.
func IsElement(n *html.Node, tag string) bool {
	return n != nil && n.Type == html.ElementNode && strings.EqualFold(n.Data, tag)
}

// TextContent concatenates the text of every descendant text node.
func TextContent(n *html.Node) string {
	if n == nil {
		return ""
	}
	if n.Type == html.TextNode {
		return n.Data
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(c *html.Node) {
		for ; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				b.WriteString(c.Data)
			}
			walk(c.FirstChild)
		}
	}
	walk(n.FirstChild)
	return b.String()
}

// Walk visits n and its descendants depth first, in document order.
func Walk(n *html.Node, fn func(*html.Node)) {
	if n == nil {
		return
	}
	fn(n)
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		Walk(c, fn)
	}
}
