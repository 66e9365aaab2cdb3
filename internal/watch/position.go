package watch

import (
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"nocturne/internal/dom"
	"nocturne/internal/eventloop"
)

// Mode selects what a Position watcher considers displacement.
type Mode int

const (
	// ModeParent keeps the node somewhere inside its original parent.
	ModeParent Mode = iota
	// ModeSibling keeps the node directly after its original previous
	// sibling, or first in its parent when it had none.
	ModeSibling
)

const (
	maxRestoreAttempts = 10
	attemptsInterval   = 10 * time.Second
	retryTimeout       = 2 * time.Second
)

// Position puts a node back where it was whenever something else moves or
// removes it. Restores are rate limited: after maxRestoreAttempts within
// attemptsInterval the watcher pauses for retryTimeout.
type Position struct {
	doc       *dom.Document
	node      *html.Node
	prev      *html.Node
	parent    *html.Node
	mode      Mode
	onRestore func()
	logger    *zap.Logger

	observer *dom.Observer
	attempts int
	start    time.Time
	retry    *eventloop.Timer
	stopped  bool
}

// NodePosition starts watching node at its current place. It returns nil
// when node is detached.
func NodePosition(doc *dom.Document, node *html.Node, mode Mode, logger *zap.Logger, onRestore func()) *Position {
	if node == nil || node.Parent == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Position{
		doc:       doc,
		node:      node,
		prev:      node.PrevSibling,
		parent:    node.Parent,
		mode:      mode,
		onRestore: onRestore,
		logger:    logger.Named("position"),
	}
	p.run()
	return p
}

func (p *Position) run() {
	p.observer = p.doc.Observe(p.parent, dom.ObserveOptions{ChildList: true}, func([]dom.MutationRecord) {
		if p.displaced() {
			p.restore()
		}
	})
}

// Stop ends the watch and cancels a paused retry.
func (p *Position) Stop() {
	if p == nil || p.stopped {
		return
	}
	p.stopped = true
	p.observer.Disconnect()
	p.retry.Stop()
	p.retry = nil
}

// Skip drops records produced by the caller's own intentional moves.
func (p *Position) Skip() {
	if p == nil {
		return
	}
	p.observer.TakeRecords()
}

func (p *Position) displaced() bool {
	if p.node.Parent != p.parent {
		return true
	}
	return p.mode == ModeSibling && p.node.PrevSibling != p.prev
}

func (p *Position) restore() {
	if p.stopped || p.retry != nil {
		return
	}
	now := p.doc.Loop().Clock().Now()
	p.attempts++
	if p.start.IsZero() {
		p.start = now
	} else if p.attempts >= maxRestoreAttempts {
		if now.Sub(p.start) < attemptsInterval {
			p.logger.Warn("node position watcher paused", zap.Duration("retry_in", retryTimeout), zap.String("node", describe(p.node)))
			p.retry = p.doc.Loop().AfterFunc(retryTimeout, func() {
				p.retry = nil
				p.start = time.Time{}
				p.attempts = 0
				if p.displaced() {
					p.restore()
				}
			})
			return
		}
		p.start = now
		p.attempts = 1
	}

	switch p.mode {
	case ModeParent:
		if p.prev != nil && p.prev.Parent != p.parent {
			p.logger.Warn("unable to restore node position: sibling parent changed", zap.String("node", describe(p.node)))
			p.Stop()
			return
		}
	case ModeSibling:
		if p.prev != nil {
			if p.prev.Parent == nil {
				p.logger.Debug("unable to restore node position: sibling was removed", zap.String("node", describe(p.node)))
				p.Stop()
				return
			}
			if p.prev.Parent != p.parent {
				p.logger.Debug("sibling moved to another parent", zap.String("node", describe(p.node)))
				p.observer.Disconnect()
				p.parent = p.prev.Parent
				p.run()
			}
		}
	}

	p.logger.Debug("restoring node position", zap.String("node", describe(p.node)))
	ref := p.parent.FirstChild
	if p.prev != nil {
		ref = p.prev.NextSibling
	}
	p.doc.InsertBefore(p.parent, p.node, ref)
	p.observer.TakeRecords()
	if p.onRestore != nil {
		p.onRestore()
	}
}

func describe(n *html.Node) string {
	if n == nil {
		return ""
	}
	if cls := dom.Attr(n, "class"); cls != "" {
		return n.Data + "." + cls
	}
	return n.Data
}
