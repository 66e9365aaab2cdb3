package theme

import (
	"go.uber.org/zap"

	"nocturne/internal/dom"
	"nocturne/internal/filter"
	"nocturne/internal/inline"
	"nocturne/internal/sheet"
	"nocturne/internal/watch"
)

// State is the engine lifecycle position.
type State int

const (
	Uninitialized State = iota
	AwaitingHead
	AwaitingVisibility
	Active
	Stopped
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case AwaitingHead:
		return "awaiting-head"
	case AwaitingVisibility:
		return "awaiting-visibility"
	case Active:
		return "active"
	case Stopped:
		return "stopped"
	}
	return "unknown"
}

func (e *Engine) setState(s State) {
	if s == e.state {
		return
	}
	e.logger.Debug("state", zap.Stringer("from", e.state), zap.Stringer("to", s))
	e.state = s
}

// Establish themes the document with cfg and fix, or re-themes it when it is
// already active. fix may be nil.
func (e *Engine) Establish(cfg filter.ThemeConfig, fix *filter.Fix, isIframe bool) {
	e.opts.Metrics.Operation("establish")
	e.cfg, e.fix, e.isIframe = cfg, fix, isIframe
	switch e.state {
	case AwaitingHead:
		if !e.opts.Gecko {
			e.createEarlyFallback()
		}
		return
	case AwaitingVisibility:
		return
	case Active:
		e.stop()
	}
	if e.doc.Head() != nil {
		e.headReady()
		return
	}
	e.setState(AwaitingHead)
	if !e.opts.Gecko {
		e.createEarlyFallback()
	}
	e.headObserver = e.doc.Observe(e.doc.Node(), dom.ObserveOptions{ChildList: true, Subtree: true}, func([]dom.MutationRecord) {
		if e.doc.Head() != nil {
			e.headReady()
		}
	})
}

func (e *Engine) headReady() {
	e.disconnectHead()
	if e.anotherInstanceActive() {
		e.logger.Warn("document is themed by another instance")
		e.setState(Stopped)
		return
	}
	e.markInstance()
	if !e.doc.Hidden() {
		e.activate()
		return
	}
	e.setState(AwaitingVisibility)
	e.stopVisibility = e.doc.AddEventListener(dom.EventVisibilityChange, func() {
		if e.doc.Hidden() {
			return
		}
		e.removeVisibilityListener()
		e.activate()
	})
}

func (e *Engine) activate() {
	e.setState(Active)
	e.inline = inline.New(e.doc, inline.Options{Modifier: e.modifier, Fix: e.fix, Logger: e.opts.Logger})
	e.createDynamicOverrides()
	e.structure = watch.Stylesheets(e.doc, e.opts.Logger, sheet.ShouldManage, e.onStyleChanges)
	e.inline.Watch(e.cfg, e.onRootVariables)
	e.stopReadiness = e.doc.AddEventListener(dom.EventReadyStateChange, e.loading.check)
	e.modifyThemeColor()
}

// stop pauses managers and disconnects every watcher but keeps what is
// already in the document.
func (e *Engine) stop() {
	e.managers.each(func(m *managed) { m.manager.Pause() })
	e.stopPositionWatchers()
	e.structure.Stop()
	e.structure = nil
	e.inline.Stop()
	if e.stopReadiness != nil {
		e.stopReadiness()
		e.stopReadiness = nil
	}
	e.setState(Stopped)
}

func (e *Engine) disconnectHead() {
	e.headObserver.Disconnect()
	e.headObserver = nil
}

func (e *Engine) removeVisibilityListener() {
	if e.stopVisibility != nil {
		e.stopVisibility()
		e.stopVisibility = nil
	}
}

// CleanCache stops watching and drops cached computations but leaves the
// inserted styles in place, for a caller that establishes again right away.
func (e *Engine) CleanCache() {
	e.opts.Metrics.Operation("clean_cache")
	e.clean()
}

func (e *Engine) clean() {
	e.vars.Reset()
	e.disconnectHead()
	e.removeVisibilityListener()
	e.scheduler.Cancel()
	if e.state != Uninitialized {
		e.stop()
	}
	e.modifier.Reset()
	for _, c := range e.opts.Caches {
		c.Reset()
	}
}

// Remove takes the theme out of the document entirely. It is safe to call
// in any state.
func (e *Engine) Remove() {
	e.opts.Metrics.Operation("remove")
	e.clean()
	e.restoreThemeColor()
	e.inline.Clear()
	for _, m := range e.managers.clear() {
		m.manager.Destroy()
	}
	e.loading.reset()
	e.removeEngineElements()
	e.opts.Metrics.Managers(0)
	e.setState(Uninitialized)
}
