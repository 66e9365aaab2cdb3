// Package sheet manages the themed copy of one page stylesheet: it parses
// the source, loads linked and imported sheets off the event loop, rewrites
// colour declarations and keeps a sync <style> right after the source.
package sheet

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"nocturne/internal/dom"
	"nocturne/internal/filter"
	"nocturne/internal/imagery"
	"nocturne/internal/metrics"
	"nocturne/internal/watch"
)

// Variable is a custom property declared by a stylesheet.
type Variable struct {
	Name  string
	Value string
}

// Details is what a manager reports once its rules are available.
type Details struct {
	Variables []Variable
}

// Callbacks connect a manager to whoever owns it.
type Callbacks struct {
	// Update asks the owner to re-read Details and render again.
	Update       func()
	LoadingStart func()
	LoadingEnd   func()
}

// Options are shared by every manager of one document.
type Options struct {
	Fetcher  Fetcher
	Cache    *Cache
	Modifier *filter.Modifier
	Fix      *filter.Fix
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Timeout  time.Duration
}

// Manager owns the override for one <style> or <link rel=stylesheet>.
// All methods must be called on the document's event loop.
type Manager struct {
	doc    *dom.Document
	node   *html.Node
	cb     Callbacks
	opts   Options
	logger *zap.Logger

	isLink bool
	text   string
	href   string
	sheet  *parsedSheet

	inflight   bool
	failed     bool
	importsDue bool
	generation int
	cancel     context.CancelFunc

	sync        *html.Node
	syncWatcher *watch.Position
	observer    *dom.Observer
	watching    bool
	destroyed   bool

	cfg           filter.ThemeConfig
	pendingImages map[string]bool
}

// ShouldManage reports whether node is a stylesheet worth theming.
func ShouldManage(node *html.Node) bool {
	if node == nil || node.Type != html.ElementNode {
		return false
	}
	if dom.HasClass(node, "darkreader") || dom.HasClass(node, "stylus") {
		return false
	}
	if _, disabled := dom.LookupAttr(node, "disabled"); disabled {
		return false
	}
	if strings.Contains(strings.ToLower(dom.Attr(node, "media")), "print") {
		return false
	}
	switch {
	case dom.IsElement(node, "style"):
		return true
	case dom.IsElement(node, "link"):
		if strings.TrimSpace(dom.Attr(node, "href")) == "" {
			return false
		}
		for _, rel := range strings.Fields(strings.ToLower(dom.Attr(node, "rel"))) {
			if rel == "stylesheet" {
				return true
			}
		}
	}
	return false
}

// New creates a manager for node. Inline sheets are parsed right away;
// linked sheets load on the first call to Details.
func New(doc *dom.Document, node *html.Node, cb Callbacks, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Cache == nil {
		opts.Cache = NewCache()
	}
	if opts.Modifier == nil {
		opts.Modifier = filter.NewModifier()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultFetchTimeout
	}
	m := &Manager{
		doc:           doc,
		node:          node,
		cb:            cb,
		opts:          opts,
		logger:        opts.Logger.Named("sheet"),
		isLink:        dom.IsElement(node, "link"),
		pendingImages: make(map[string]bool),
	}
	if m.isLink {
		m.setHref(doc.ResolveURL(dom.Attr(node, "href")))
	} else {
		m.setText(dom.TextContent(node))
	}
	return m
}

// Node returns the managed source node.
func (m *Manager) Node() *html.Node { return m.node }

// SyncNode returns the generated override <style>, or nil before the first
// render.
func (m *Manager) SyncNode() *html.Node { return m.sync }

func (m *Manager) base() string {
	if m.isLink {
		return m.href
	}
	if u := m.doc.URL(); u != nil {
		return u.String()
	}
	return ""
}

func (m *Manager) setText(text string) {
	m.text = text
	m.sheet = parseSheet(text, m.base(), m.logger)
	m.importsDue = len(m.sheet.imports) > 0
}

func (m *Manager) setHref(href string) {
	m.href = href
	m.failed = false
	m.sheet = nil
	if cached, ok := m.opts.Cache.sheet(href); ok {
		m.sheet = cached
	}
}

// Details returns the sheet's variables, or nil while its rules are not
// available yet. Calling it on an unloaded link starts the load.
func (m *Manager) Details() *Details {
	if m.destroyed {
		return nil
	}
	if m.sheet == nil {
		if m.isLink {
			m.startLoad()
		}
		return nil
	}
	if m.importsDue {
		m.startImports()
	}
	vars := make([]Variable, len(m.sheet.variables))
	copy(vars, m.sheet.variables)
	return &Details{Variables: vars}
}

func (m *Manager) canFetch() bool {
	if m.opts.Fetcher != nil {
		return true
	}
	if !m.failed {
		m.logger.Warn("cannot load stylesheet", zap.String("href", m.base()), zap.Error(ErrNoFetcher))
	}
	m.failed = true
	return false
}

func (m *Manager) beginLoad() (context.Context, int) {
	m.inflight = true
	m.generation++
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.Timeout)
	m.cancel = cancel
	m.cb.LoadingStart()
	return ctx, m.generation
}

// endLoad settles the in-flight load, if any, and reports whether the
// continuation for gen is still current.
func (m *Manager) endLoad(gen int) bool {
	if gen != m.generation || !m.inflight {
		return false
	}
	m.inflight = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.cb.LoadingEnd()
	return true
}

func (m *Manager) abortLoad() {
	if m.inflight {
		m.endLoad(m.generation)
	}
	m.generation++
}

func (m *Manager) startLoad() {
	if m.inflight || m.failed || m.href == "" || !m.canFetch() {
		return
	}
	href := m.href
	ctx, gen := m.beginLoad()
	loader := newImportLoader(m.opts.Fetcher, m.logger, href)
	m.logger.Debug("loading stylesheet", zap.String("href", href))
	m.doc.Loop().Go(func() func() {
		sheet, err := loader.load(ctx, href, 0)
		return func() {
			if !m.endLoad(gen) {
				return
			}
			if err != nil {
				m.failed = true
				m.opts.Metrics.SheetLoaded("error")
				m.logger.Warn("stylesheet load failed", zap.String("href", href), zap.Error(err))
				return
			}
			m.opts.Metrics.SheetLoaded("ok")
			m.opts.Cache.putSheet(href, sheet)
			m.sheet = sheet
			if !m.destroyed {
				m.cb.Update()
			}
		}
	})
}

func (m *Manager) startImports() {
	m.importsDue = false
	if m.inflight || !m.canFetch() {
		return
	}
	pending := *m.sheet
	ctx, gen := m.beginLoad()
	loader := newImportLoader(m.opts.Fetcher, m.logger, m.base())
	m.doc.Loop().Go(func() func() {
		loader.expand(ctx, &pending, 0)
		return func() {
			if !m.endLoad(gen) {
				return
			}
			m.opts.Metrics.SheetLoaded("ok")
			m.sheet = &pending
			if !m.destroyed {
				m.cb.Update()
			}
		}
	})
}

// Render writes the themed rules into the sync style. It does nothing until
// rules are available or once the source has left the document.
func (m *Manager) Render(cfg filter.ThemeConfig, vars map[string]string) {
	if m.destroyed || m.sheet == nil {
		return
	}
	m.cfg = cfg
	rw := &rewriter{
		cfg:  cfg,
		mod:  m.opts.Modifier,
		vars: vars,
		base: m.base(),
	}
	if m.opts.Fetcher != nil {
		rw.images = m.lookupImage
	}
	if m.opts.Fix != nil {
		rw.ignoreImages = m.opts.Fix.IgnoreImageAnalysis
	}
	css := rw.render(m.sheet.rules)
	if !m.ensureSync() {
		return
	}
	m.doc.SetTextContent(m.sync, css)
	m.loadImages(rw.missing)
}

func (m *Manager) ensureSync() bool {
	parent := m.node.Parent
	if parent == nil {
		return false
	}
	if m.sync == nil {
		m.sync = dom.CreateElement("style")
		m.sync.Attr = []html.Attribute{
			{Key: "class", Val: "darkreader darkreader--sync"},
			{Key: "media", Val: "screen"},
		}
	}
	if m.sync.Parent != parent || m.sync.PrevSibling != m.node {
		m.syncWatcher.Stop()
		m.syncWatcher = nil
		m.doc.InsertBefore(parent, m.sync, m.node.NextSibling)
	}
	if m.syncWatcher == nil {
		m.syncWatcher = watch.NodePosition(m.doc, m.sync, watch.ModeSibling, m.opts.Logger, nil)
	}
	return true
}

func (m *Manager) lookupImage(abs string) (string, bool) {
	e, ok := m.opts.Cache.image(abs)
	if !ok {
		return "", false
	}
	if e.failed {
		return "", true
	}
	key := m.cfg.Key()
	if v, ok := m.opts.Cache.renderedImage(abs, key); ok {
		return v, true
	}
	v, changed, err := imagery.Rewrite(e.img, e.analysis, m.cfg)
	if err != nil {
		m.logger.Debug("image rewrite failed", zap.String("url", abs), zap.Error(err))
	}
	if !changed {
		v = ""
	}
	m.opts.Cache.putRendered(abs, key, v)
	return v, true
}

func (m *Manager) loadImages(urls []string) {
	fetcher := m.opts.Fetcher
	cache := m.opts.Cache
	for _, u := range urls {
		if m.pendingImages[u] {
			continue
		}
		m.pendingImages[u] = true
		target := u
		timeout := m.opts.Timeout
		m.doc.Loop().Go(func() func() {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			entry := &imageEntry{}
			res, err := fetcher.Fetch(ctx, target, "image/*")
			if err == nil {
				entry.img, _, err = imagery.Decode(res.Data)
			}
			if err != nil {
				entry.failed = true
			} else {
				entry.analysis = imagery.Analyze(entry.img)
			}
			cache.putImage(target, entry)
			return func() {
				delete(m.pendingImages, target)
				if err != nil {
					m.logger.Debug("image analysis skipped", zap.String("url", target), zap.Error(err))
				}
				if !m.destroyed && len(m.pendingImages) == 0 {
					m.cb.Update()
				}
			}
		})
	}
}

// Watch reacts to edits of the source: new style text or a new href.
func (m *Manager) Watch() {
	if m.destroyed || m.watching {
		return
	}
	m.watching = true
	if m.isLink {
		m.observer = m.doc.Observe(m.node, dom.ObserveOptions{Attributes: true, AttributeFilter: []string{"href"}}, func([]dom.MutationRecord) {
			href := m.doc.ResolveURL(dom.Attr(m.node, "href"))
			if href == m.href {
				return
			}
			m.abortLoad()
			m.setHref(href)
			m.cb.Update()
		})
	} else {
		opts := dom.ObserveOptions{ChildList: true, CharacterData: true, Subtree: true}
		m.observer = m.doc.Observe(m.node, opts, func([]dom.MutationRecord) {
			text := dom.TextContent(m.node)
			if text == m.text {
				return
			}
			m.abortLoad()
			m.setText(text)
			m.cb.Update()
		})
	}
	if m.sync != nil && m.sync.Parent != nil && m.syncWatcher == nil && m.sync.PrevSibling == m.node {
		m.syncWatcher = watch.NodePosition(m.doc, m.sync, watch.ModeSibling, m.opts.Logger, nil)
	}
}

// Pause stops reacting to the document but keeps the sync style.
func (m *Manager) Pause() {
	m.watching = false
	m.observer.Disconnect()
	m.observer = nil
	m.syncWatcher.Stop()
	m.syncWatcher = nil
}

// Restore puts the sync style back after its source when the source moved.
func (m *Manager) Restore() {
	if m.destroyed || m.sync == nil {
		return
	}
	m.syncWatcher.Stop()
	m.syncWatcher = nil
	if m.node.Parent == nil {
		return
	}
	m.ensureSync()
}

// Destroy removes the sync style and abandons in-flight loads.
func (m *Manager) Destroy() {
	if m.destroyed {
		return
	}
	m.Pause()
	m.abortLoad()
	m.destroyed = true
	if m.sync != nil {
		m.doc.RemoveChild(m.sync)
		m.sync = nil
	}
}
