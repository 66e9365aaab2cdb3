package theme

import (
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"nocturne/internal/dom"
	"nocturne/internal/filter"
	"nocturne/internal/sheet"
	"nocturne/internal/watch"
)

// Manager overrides one stylesheet node. Details returns nil while the
// sheet's rules are not available yet.
type Manager interface {
	Details() *sheet.Details
	Render(cfg filter.ThemeConfig, vars map[string]string)
	Watch()
	Pause()
	Destroy()
}

// Restorer is implemented by managers that own nodes placed relative to
// their stylesheet and can put them back after the stylesheet moved.
type Restorer interface {
	Restore()
}

// ManagerFactory builds the manager for node, reporting through cb.
type ManagerFactory func(doc *dom.Document, node *html.Node, cb sheet.Callbacks) Manager

// SheetFactory builds sheet managers sharing opts.
func SheetFactory(opts sheet.Options) ManagerFactory {
	return func(doc *dom.Document, node *html.Node, cb sheet.Callbacks) Manager {
		return sheet.New(doc, node, cb, opts)
	}
}

type managed struct {
	node    *html.Node
	manager Manager
	token   LoadingToken
}

// registry holds at most one manager per node, iterated in creation order.
type registry struct {
	entries map[*html.Node]*managed
	order   []*html.Node
}

func newRegistry() *registry {
	return &registry{entries: make(map[*html.Node]*managed)}
}

func (r *registry) get(node *html.Node) (*managed, bool) {
	m, ok := r.entries[node]
	return m, ok
}

func (r *registry) add(m *managed) {
	if _, dup := r.entries[m.node]; dup {
		panic(fmt.Sprintf("theme: duplicate manager for <%s>", m.node.Data))
	}
	r.entries[m.node] = m
	r.order = append(r.order, m.node)
}

func (r *registry) remove(node *html.Node) (*managed, bool) {
	m, ok := r.entries[node]
	if !ok {
		return nil, false
	}
	delete(r.entries, node)
	for i, n := range r.order {
		if n == node {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			break
		}
	}
	return m, true
}

// each visits managers in creation order. fn may not add or remove entries.
func (r *registry) each(fn func(*managed)) {
	for _, n := range r.order {
		fn(r.entries[n])
	}
}

func (r *registry) len() int { return len(r.order) }

func (r *registry) clear() []*managed {
	out := make([]*managed, 0, len(r.order))
	r.each(func(m *managed) { out = append(out, m) })
	r.entries = make(map[*html.Node]*managed)
	r.order = nil
	return out
}

// createManager returns the manager for node, creating it on first sight.
func (e *Engine) createManager(node *html.Node) Manager {
	if m, ok := e.managers.get(node); ok {
		return m.manager
	}
	token := newLoadingToken()
	cb := sheet.Callbacks{
		Update:       func() { e.update(node) },
		LoadingStart: func() { e.loading.start(token) },
		LoadingEnd:   func() { e.loading.end(token) },
	}
	m := &managed{node: node, token: token}
	m.manager = e.factory(e.doc, node, cb)
	e.managers.add(m)
	e.opts.Metrics.Managers(e.managers.len())
	return m.manager
}

func (e *Engine) removeManager(node *html.Node) {
	m, ok := e.managers.remove(node)
	if !ok {
		return
	}
	m.manager.Destroy()
	e.loading.end(m.token)
	e.opts.Metrics.Managers(e.managers.len())
}

// update is the change callback of one manager.
func (e *Engine) update(node *html.Node) {
	if e.state != Active {
		return
	}
	m, ok := e.managers.get(node)
	if !ok {
		return
	}
	details := m.manager.Details()
	if details == nil {
		return
	}
	if len(details.Variables) == 0 {
		m.manager.Render(e.cfg, e.vars.Map())
		return
	}
	e.vars.Update(details.Variables)
	e.scheduleRenderAll()
}

func (e *Engine) renderAll() {
	vars := e.vars.Map()
	e.managers.each(func(m *managed) {
		m.manager.Render(e.cfg, vars)
	})
	e.opts.Metrics.RenderPass()
}

func (e *Engine) scheduleRenderAll() {
	e.scheduler.Schedule(func() {
		e.renderAll()
		e.loading.check()
	})
}

// foldNew merges the variables of fresh managers. Without new variables the
// fresh managers render right away (all of them when renderAll is set);
// otherwise one batched pass renders everything.
func (e *Engine) foldNew(fresh []Manager, extra []sheet.Variable, renderAll bool) {
	found := false
	if len(extra) > 0 {
		e.vars.Update(extra)
		found = true
	}
	for _, m := range fresh {
		if d := m.Details(); d != nil && len(d.Variables) > 0 {
			e.vars.Update(d.Variables)
			found = true
		}
	}
	switch {
	case found:
		e.scheduleRenderAll()
	case renderAll:
		e.renderAll()
		e.loading.check()
	default:
		vars := e.vars.Map()
		for _, m := range fresh {
			m.Render(e.cfg, vars)
		}
	}
}

// createDynamicOverrides is the full sweep: overlays, a manager for every
// eligible stylesheet, variables, render, then self watching and inline
// overrides.
func (e *Engine) createDynamicOverrides() {
	e.scheduler.Cancel()
	e.createStaticOverrides()
	var fresh []Manager
	for _, n := range e.doc.QuerySelectorAll("style, link") {
		if _, ok := e.managers.get(n); ok || !sheet.ShouldManage(n) {
			continue
		}
		fresh = append(fresh, e.createManager(n))
	}
	e.logger.Debug("stylesheet sweep", zap.Int("new", len(fresh)), zap.Int("managed", e.managers.len()))
	e.foldNew(fresh, e.inline.RootVariables(), true)
	e.managers.each(func(m *managed) { m.manager.Watch() })
	e.inline.Override(e.cfg)
}

func (e *Engine) onStyleChanges(c watch.Changes) {
	for _, n := range c.Removed {
		e.removeManager(n)
	}
	var fresh []Manager
	for _, list := range [][]*html.Node{c.Created, c.Updated} {
		for _, n := range list {
			if _, ok := e.managers.get(n); ok {
				continue
			}
			fresh = append(fresh, e.createManager(n))
		}
	}
	e.foldNew(fresh, nil, false)
	for _, m := range fresh {
		m.Watch()
	}
	for _, n := range c.Moved {
		if m, ok := e.managers.get(n); ok {
			if r, ok := m.manager.(Restorer); ok {
				r.Restore()
			}
		}
	}
}

func (e *Engine) onRootVariables() {
	vars := e.inline.RootVariables()
	if len(vars) == 0 {
		return
	}
	e.vars.Update(vars)
	e.scheduleRenderAll()
}
