package theme

import (
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"nocturne/internal/dom"
	"nocturne/internal/filter"
	"nocturne/internal/watch"
)

// Sentinel aliases in their required order under <head>.
const (
	SentinelFallback  = "fallback"
	SentinelUserAgent = "user-agent"
	SentinelText      = "text"
	SentinelInvert    = "invert"
	SentinelInline    = "inline"
	SentinelOverride  = "override"
)

// Sentinels lists every sentinel alias in document order.
var Sentinels = []string{
	SentinelFallback,
	SentinelUserAgent,
	SentinelText,
	SentinelInvert,
	SentinelInline,
	SentinelOverride,
}

const (
	engineClass     = "darkreader"
	instanceMeta    = "darkreader"
	themeColorMeta  = `meta[name="theme-color"]`
	engineSelector  = "." + engineClass
	sentinelPrefix  = engineClass + "--"
	originalContent = "data-darkreader-original-content"
)

func sentinelClass(alias string) string { return sentinelPrefix + alias }

func (e *Engine) sentinel(alias string) *html.Node {
	return e.doc.QuerySelector("style." + sentinelClass(alias))
}

func (e *Engine) createOrReuseStyle(alias string) *html.Node {
	if n := e.sentinel(alias); n != nil {
		return n
	}
	n := dom.CreateElement("style")
	n.Attr = []html.Attribute{
		{Key: "class", Val: engineClass + " " + sentinelClass(alias)},
		{Key: "media", Val: "screen"},
	}
	return n
}

func (e *Engine) sentinelCSS(alias string) string {
	switch alias {
	case SentinelFallback:
		return filter.FallbackCSS(e.modifier, e.cfg, true)
	case SentinelUserAgent:
		return filter.UserAgentCSS(e.modifier, e.cfg, e.isIframe)
	case SentinelText:
		return filter.TextCSS(e.cfg)
	case SentinelInvert:
		return filter.InvertCSS(e.cfg, e.fix)
	case SentinelInline:
		return filter.InlineOverrideCSS()
	case SentinelOverride:
		return filter.OverrideCSS(e.modifier, e.cfg, e.fix)
	}
	return ""
}

// createStaticOverrides creates or reuses every sentinel, puts them in order
// under <head> and pins each with a position watcher.
func (e *Engine) createStaticOverrides() {
	head := e.doc.Head()
	if head == nil {
		return
	}
	var prev *html.Node
	for _, alias := range Sentinels {
		node := e.createOrReuseStyle(alias)
		e.doc.SetTextContent(node, e.sentinelCSS(alias))
		mode := watch.ModeSibling
		switch alias {
		case SentinelFallback:
			e.doc.InsertBefore(head, node, head.FirstChild)
		case SentinelOverride:
			// The page may keep appending after the override, so it is
			// only pinned to <head>.
			e.doc.AppendChild(head, node)
			mode = watch.ModeParent
		default:
			e.doc.InsertBefore(head, node, prev.NextSibling)
		}
		e.watchPosition(alias, node, mode)
		prev = node
	}
}

func (e *Engine) watchPosition(alias string, node *html.Node, mode watch.Mode) {
	if old, ok := e.positions[alias]; ok {
		old.Stop()
	}
	e.positions[alias] = watch.NodePosition(e.doc, node, mode, e.logger, nil)
}

func (e *Engine) stopPositionWatchers() {
	for alias, p := range e.positions {
		p.Stop()
		delete(e.positions, alias)
	}
}

// createEarlyFallback covers the page before <head> exists by hanging the
// strict fallback under the root element.
func (e *Engine) createEarlyFallback() {
	root := e.doc.DocumentElement()
	if root == nil {
		return
	}
	node := e.createOrReuseStyle(SentinelFallback)
	e.doc.SetTextContent(node, filter.FallbackCSS(e.modifier, e.cfg, true))
	if node.Parent == nil {
		e.doc.AppendChild(root, node)
	}
}

func (e *Engine) fallbackNode() *html.Node { return e.sentinel(SentinelFallback) }

func (e *Engine) loadingFallbackCSS() string {
	return filter.FallbackCSS(e.modifier, e.cfg, false)
}

func (e *Engine) removeEngineElements() {
	for _, alias := range Sentinels {
		if n := e.sentinel(alias); n != nil {
			e.doc.RemoveChild(n)
		}
	}
	for _, n := range e.doc.QuerySelectorAll(engineSelector) {
		e.doc.RemoveChild(n)
	}
	if n := e.instanceMarker(); n != nil && dom.Attr(n, "content") == e.id.String() {
		e.doc.RemoveChild(n)
	}
}

func (e *Engine) instanceMarker() *html.Node {
	return e.doc.QuerySelector(`meta[name="` + instanceMeta + `"]`)
}

// anotherInstanceActive reports whether some other engine already themes
// this document.
func (e *Engine) anotherInstanceActive() bool {
	n := e.instanceMarker()
	return n != nil && dom.Attr(n, "content") != e.id.String()
}

func (e *Engine) markInstance() {
	head := e.doc.Head()
	if head == nil || e.instanceMarker() != nil {
		return
	}
	meta := dom.CreateElement("meta")
	meta.Attr = []html.Attribute{
		{Key: "name", Val: instanceMeta},
		{Key: "content", Val: e.id.String()},
	}
	e.doc.AppendChild(head, meta)
}

// modifyThemeColor rewrites <meta name="theme-color"> keeping the page's
// value so it can be restored.
func (e *Engine) modifyThemeColor() {
	meta := e.doc.QuerySelector(themeColorMeta)
	if meta == nil {
		return
	}
	original, ok := dom.LookupAttr(meta, originalContent)
	if !ok {
		original = dom.Attr(meta, "content")
	}
	modified, changed := e.modifier.Background(original, e.cfg)
	if !changed {
		return
	}
	e.doc.SetAttribute(meta, originalContent, original)
	e.doc.SetAttribute(meta, "content", modified)
	e.logger.Debug("theme color modified", zap.String("from", original), zap.String("to", modified))
}

func (e *Engine) restoreThemeColor() {
	meta := e.doc.QuerySelector(themeColorMeta)
	if meta == nil {
		return
	}
	original, ok := dom.LookupAttr(meta, originalContent)
	if !ok {
		return
	}
	e.doc.SetAttribute(meta, "content", original)
	e.doc.RemoveAttribute(meta, originalContent)
}
