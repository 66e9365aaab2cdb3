// Package inline overrides colours set directly on elements, through the
// style attribute or presentational attributes such as bgcolor.
//
// An overridden element gets a data-darkreader-inline-* marker attribute and
// a matching --darkreader-inline-* custom property appended to its style;
// the inline sentinel sheet turns the pair into an !important declaration.
package inline

import (
	"strings"

	"github.com/aymerick/douceur/parser"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"nocturne/internal/dom"
	"nocturne/internal/filter"
	"nocturne/internal/sheet"
)

const (
	ownPrefix = "--darkreader-inline-"
	// originalAttr keeps the style text the page wrote while ours is applied.
	originalAttr = "data-darkreader-original-style"
)

var watchedAttrs = []string{"style", "bgcolor", "color", "fill", "stroke"}

// Options configure an Overrider.
type Options struct {
	Modifier *filter.Modifier
	Fix      *filter.Fix
	Logger   *zap.Logger
}

// Overrider rewrites inline colours across one document. It must be used
// on the document's event loop.
type Overrider struct {
	doc      *dom.Document
	opts     Options
	logger   *zap.Logger
	cfg      filter.ThemeConfig
	observer *dom.Observer
	onRoot   func()
	rootKey  string
}

type decl struct {
	property  string
	value     string
	important bool
}

func (d decl) String() string {
	if d.important {
		return d.property + ": " + d.value + " !important"
	}
	return d.property + ": " + d.value
}

// New returns an Overrider for doc.
func New(doc *dom.Document, opts Options) *Overrider {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Modifier == nil {
		opts.Modifier = filter.NewModifier()
	}
	return &Overrider{doc: doc, opts: opts, logger: opts.Logger.Named("inline")}
}

// Override applies cfg to every element currently in the document.
func (o *Overrider) Override(cfg filter.ThemeConfig) {
	o.cfg = cfg
	dom.Walk(o.doc.DocumentElement(), o.visit)
	o.rootKey = variablesKey(o.RootVariables())
}

// Watch keeps overriding elements as they are added or their inline colours
// change. onRoot runs when the custom properties on the root element change.
func (o *Overrider) Watch(cfg filter.ThemeConfig, onRoot func()) {
	o.cfg = cfg
	o.onRoot = onRoot
	if o.observer != nil {
		return
	}
	opts := dom.ObserveOptions{
		ChildList:       true,
		Attributes:      true,
		Subtree:         true,
		AttributeFilter: watchedAttrs,
	}
	o.observer = o.doc.Observe(o.doc.Node(), opts, o.handle)
}

// Stop disconnects the watcher. Overrides already applied stay.
func (o *Overrider) Stop() {
	o.observer.Disconnect()
	o.observer = nil
	o.onRoot = nil
}

// Clear removes every marker and custom property added by Override and puts
// back the style text the page wrote.
func (o *Overrider) Clear() {
	dom.Walk(o.doc.DocumentElement(), func(n *html.Node) {
		if n.Type != html.ElementNode {
			return
		}
		for _, ov := range filter.InlineOverrides {
			o.doc.RemoveAttribute(n, ov.DataAttr)
		}
		o.restore(n)
	})
}

// RootVariables returns the custom properties declared in the root element's
// style attribute, in declaration order.
func (o *Overrider) RootVariables() []sheet.Variable {
	root := o.doc.DocumentElement()
	style, ok := dom.LookupAttr(root, "style")
	if !ok {
		return nil
	}
	var vars []sheet.Variable
	for _, d := range o.parse(style) {
		if strings.HasPrefix(d.property, "--") && !strings.HasPrefix(d.property, "--darkreader") {
			vars = append(vars, sheet.Variable{Name: d.property, Value: d.value})
		}
	}
	return vars
}

func variablesKey(vars []sheet.Variable) string {
	var b strings.Builder
	for _, v := range vars {
		b.WriteString(v.Name)
		b.WriteByte(':')
		b.WriteString(v.Value)
		b.WriteByte(';')
	}
	return b.String()
}

func (o *Overrider) handle(recs []dom.MutationRecord) {
	seen := make(map[*html.Node]bool)
	visit := func(n *html.Node) {
		if !seen[n] {
			seen[n] = true
			o.visit(n)
		}
	}
	rootTouched := false
	root := o.doc.DocumentElement()
	for _, rec := range recs {
		switch rec.Kind {
		case dom.Attributes:
			visit(rec.Target)
			if rec.Target == root && rec.AttributeName == "style" {
				rootTouched = true
			}
		case dom.ChildList:
			for _, n := range rec.Added {
				dom.Walk(n, visit)
			}
		}
	}
	// Our own attribute writes come back as records; drop them.
	o.observer.TakeRecords()

	if !rootTouched || o.onRoot == nil {
		return
	}
	key := variablesKey(o.RootVariables())
	if key == o.rootKey {
		return
	}
	o.rootKey = key
	o.onRoot()
}

func (o *Overrider) visit(n *html.Node) {
	if n == nil || n.Type != html.ElementNode || dom.HasClass(n, "darkreader") {
		return
	}
	if !hasInlineColors(n) {
		return
	}
	if o.opts.Fix != nil && len(o.opts.Fix.IgnoreInlineStyle) > 0 &&
		o.doc.Matches(n, o.opts.Fix.IgnoreInlineStyle...) {
		return
	}
	o.override(n)
}

func hasInlineColors(n *html.Node) bool {
	for _, key := range watchedAttrs {
		if _, ok := dom.LookupAttr(n, key); ok {
			return true
		}
	}
	return false
}

func (o *Overrider) override(n *html.Node) {
	original, hasStyle := o.pageStyle(n)
	var page []decl
	if hasStyle {
		page = o.parse(original)
	}

	values := make(map[string]string, len(page))
	for _, d := range page {
		values[d.property] = d.value
	}
	if v, ok := values["background"]; ok {
		if _, isColor := filter.ParseColor(v); isColor {
			setDefault(values, "background-color", v)
		} else if !strings.Contains(strings.ToLower(v), "url(") {
			setDefault(values, "background-image", v)
		}
	}
	if v := dom.Attr(n, "bgcolor"); v != "" {
		setDefault(values, "background-color", v)
	}
	if v := dom.Attr(n, "color"); v != "" {
		setDefault(values, "color", v)
	}
	for _, key := range []string{"fill", "stroke"} {
		if v := dom.Attr(n, key); v != "" {
			setDefault(values, key, v)
		}
	}

	var own []string
	for _, ov := range filter.InlineOverrides {
		v, ok := values[ov.CSSProp]
		var modified string
		if ok {
			modified, ok = o.modify(ov.CSSProp, v)
		}
		if !ok {
			o.doc.RemoveAttribute(n, ov.DataAttr)
			continue
		}
		o.doc.SetAttribute(n, ov.DataAttr, "")
		own = append(own, ov.CustomProp+": "+modified)
	}

	if len(own) == 0 {
		o.restore(n)
		return
	}
	if hasStyle {
		o.doc.SetAttribute(n, originalAttr, original)
	}
	o.doc.SetAttribute(n, "style", joinStyle(original, own))
}

// pageStyle returns the style text the page wrote for n, without our
// custom properties.
func (o *Overrider) pageStyle(n *html.Node) (string, bool) {
	style, ok := dom.LookupAttr(n, "style")
	if !ok || !strings.Contains(style, ownPrefix) {
		// The page replaced the style; any saved copy is stale.
		o.doc.RemoveAttribute(n, originalAttr)
		return style, ok
	}
	if original, ok := dom.LookupAttr(n, originalAttr); ok {
		return original, true
	}
	var parts []string
	for _, d := range o.parse(style) {
		if !strings.HasPrefix(d.property, ownPrefix) {
			parts = append(parts, d.String())
		}
	}
	if len(parts) == 0 {
		return "", false
	}
	return strings.Join(parts, "; "), true
}

// restore puts back the page's own style on n.
func (o *Overrider) restore(n *html.Node) {
	original, ok := o.pageStyle(n)
	o.doc.RemoveAttribute(n, originalAttr)
	if !ok {
		o.doc.RemoveAttribute(n, "style")
		return
	}
	o.doc.SetAttribute(n, "style", original)
}

func joinStyle(original string, own []string) string {
	base := strings.TrimRight(strings.TrimSpace(original), "; \t\n")
	if base == "" {
		return strings.Join(own, "; ")
	}
	return base + "; " + strings.Join(own, "; ")
}

func setDefault(m map[string]string, key, value string) {
	if _, ok := m[key]; !ok {
		m[key] = value
	}
}

func (o *Overrider) modify(property, value string) (string, bool) {
	if filter.HasVars(value) {
		return "", false
	}
	mod := o.opts.Modifier
	switch property {
	case "background-color":
		return mod.Background(value, o.cfg)
	case "background-image":
		if strings.Contains(strings.ToLower(value), "url(") {
			return "", false
		}
		return mod.Gradient(value, o.cfg)
	case "box-shadow":
		return mod.Shadow(value, o.cfg)
	case "color", "fill", "stroke":
		return mod.Foreground(value, o.cfg)
	default:
		return mod.Border(value, o.cfg)
	}
}

// parse reads a style attribute. The text is wrapped in a block so the last
// declaration terminates without a trailing semicolon. When the whole text
// does not parse, each declaration is tried on its own and the broken ones
// are skipped.
func (o *Overrider) parse(style string) []decl {
	text := strings.TrimRight(strings.TrimSpace(style), "; \t\n")
	if text == "" {
		return nil
	}
	out, err := parseBlock(text)
	if err == nil {
		return out
	}
	o.logger.Debug("unparseable inline style", zap.String("style", style), zap.Error(err))
	out = nil
	for _, part := range strings.Split(text, ";") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		if list, err := parseBlock(part); err == nil {
			out = append(out, list...)
		}
	}
	return out
}

func parseBlock(text string) ([]decl, error) {
	list, err := parser.ParseDeclarations("{" + text + "}")
	if err != nil {
		return nil, err
	}
	out := make([]decl, 0, len(list))
	for _, d := range list {
		prop := strings.TrimSpace(d.Property)
		if !strings.HasPrefix(prop, "--") {
			prop = strings.ToLower(prop)
		}
		val := strings.TrimSpace(d.Value)
		if prop == "" || val == "" {
			continue
		}
		out = append(out, decl{property: prop, value: val, important: d.Important})
	}
	return out, nil
}
