// Package theme keeps a document themed while it changes: it owns the
// sentinel styles, one override manager per stylesheet, the shared custom
// property table, the batched render scheduler and the fallback gating.
//
// An Engine is bound to one document and must only be used on that
// document's event loop.
package theme

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nocturne/internal/dom"
	"nocturne/internal/filter"
	"nocturne/internal/inline"
	"nocturne/internal/metrics"
	"nocturne/internal/sheet"
	"nocturne/internal/watch"
)

// Resetter is a cache dropped by CleanCache and Remove.
type Resetter interface {
	Reset()
}

// Options configure an Engine.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	// Factory builds stylesheet managers. Nil uses sheet managers without a
	// fetcher, so only inline <style> sheets are themed.
	Factory ManagerFactory
	// Modifier is shared with Factory's managers when both are set.
	Modifier *filter.Modifier
	// Gecko engines get no early fallback under the root element.
	Gecko         bool
	Caches        []Resetter
	FrameInterval time.Duration
}

// Engine themes one document.
type Engine struct {
	doc      *dom.Document
	opts     Options
	logger   *zap.Logger
	id       uuid.UUID
	factory  ManagerFactory
	modifier *filter.Modifier

	cfg      filter.ThemeConfig
	fix      *filter.Fix
	isIframe bool
	state    State

	vars      *Variables
	scheduler *Scheduler
	loading   *loadingTracker
	managers  *registry
	positions map[string]*watch.Position
	structure *watch.StyleWatcher
	inline    *inline.Overrider

	headObserver   *dom.Observer
	stopVisibility func()
	stopReadiness  func()
}

// New returns an idle engine for doc.
func New(doc *dom.Document, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Modifier == nil {
		opts.Modifier = filter.NewModifier()
	}
	e := &Engine{
		doc:       doc,
		opts:      opts,
		logger:    opts.Logger.Named("theme"),
		id:        uuid.New(),
		factory:   opts.Factory,
		modifier:  opts.Modifier,
		vars:      NewVariables(),
		scheduler: NewScheduler(doc.Loop(), opts.FrameInterval),
		managers:  newRegistry(),
		positions: make(map[string]*watch.Position),
	}
	if e.factory == nil {
		e.factory = SheetFactory(sheet.Options{
			Modifier: opts.Modifier,
			Logger:   opts.Logger,
			Metrics:  opts.Metrics,
		})
	}
	e.loading = newLoadingTracker(doc, e.logger, e.fallbackNode, e.loadingFallbackCSS)
	e.inline = inline.New(doc, inline.Options{Modifier: opts.Modifier, Logger: opts.Logger})
	return e
}

// ID is the value of this engine's instance marker.
func (e *Engine) ID() string { return e.id.String() }

// State returns the lifecycle state.
func (e *Engine) State() State { return e.state }

// Managers reports how many stylesheets are managed.
func (e *Engine) Managers() int { return e.managers.len() }

// Variables returns a copy of the custom property table.
func (e *Engine) Variables() map[string]string { return e.vars.Map() }

// CancelRendering drops a pending batched render.
func (e *Engine) CancelRendering() { e.scheduler.Cancel() }
