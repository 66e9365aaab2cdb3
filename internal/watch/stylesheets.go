// Package watch turns raw document mutation batches into the two signals the
// theme engine reacts to: stylesheet lifecycle changes and displaced nodes.
package watch

import (
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"nocturne/internal/dom"
)

// Changes is one batch of stylesheet lifecycle events. A node removed and
// inserted again within the same batch is reported as Moved only.
type Changes struct {
	Created []*html.Node
	Updated []*html.Node
	Removed []*html.Node
	Moved   []*html.Node
}

// Empty reports whether the batch carries no events.
func (c Changes) Empty() bool {
	return len(c.Created)+len(c.Updated)+len(c.Removed)+len(c.Moved) == 0
}

// StyleWatcher reports stylesheet nodes appearing, changing and leaving.
type StyleWatcher struct {
	observer *dom.Observer
}

var styleAttributes = []string{"rel", "media", "href", "disabled", "class", "type"}

// Stylesheets watches the whole document. eligible decides which created or
// updated nodes are worth managing; any removed <style> or <link> is reported
// so callers can release what they hold for it.
func Stylesheets(doc *dom.Document, logger *zap.Logger, eligible func(*html.Node) bool, onChange func(Changes)) *StyleWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("watch")
	opts := dom.ObserveOptions{
		ChildList:       true,
		Attributes:      true,
		Subtree:         true,
		AttributeFilter: styleAttributes,
	}
	w := &StyleWatcher{}
	w.observer = doc.Observe(doc.Node(), opts, func(recs []dom.MutationRecord) {
		changes := collectChanges(doc, recs, eligible)
		if changes.Empty() {
			return
		}
		logger.Debug("stylesheet changes",
			zap.Int("created", len(changes.Created)),
			zap.Int("updated", len(changes.Updated)),
			zap.Int("removed", len(changes.Removed)),
			zap.Int("moved", len(changes.Moved)))
		onChange(changes)
	})
	return w
}

// Stop disconnects the watcher.
func (w *StyleWatcher) Stop() {
	if w == nil {
		return
	}
	w.observer.Disconnect()
}

func isStyleNode(n *html.Node) bool {
	return dom.IsElement(n, "style") || dom.IsElement(n, "link")
}

func collectChanges(doc *dom.Document, recs []dom.MutationRecord, eligible func(*html.Node) bool) Changes {
	created := newNodeSet()
	updated := newNodeSet()
	removed := newNodeSet()

	for _, rec := range recs {
		switch rec.Kind {
		case dom.ChildList:
			for _, n := range rec.Added {
				dom.Walk(n, func(c *html.Node) {
					if eligible(c) {
						created.add(c)
					}
				})
			}
			for _, n := range rec.Removed {
				dom.Walk(n, func(c *html.Node) {
					if isStyleNode(c) {
						removed.add(c)
					}
				})
			}
		case dom.Attributes:
			n := rec.Target
			if !isStyleNode(n) {
				continue
			}
			if eligible(n) {
				updated.add(n)
			} else {
				removed.add(n)
			}
		}
	}

	var out Changes
	for _, n := range removed.items {
		if !created.has(n) {
			continue
		}
		created.delete(n)
		if doc.IsConnected(n) {
			removed.delete(n)
			out.Moved = append(out.Moved, n)
		}
	}
	for _, n := range updated.items {
		if created.has(n) || removed.has(n) {
			updated.delete(n)
		}
	}
	out.Created = created.list()
	out.Updated = updated.list()
	out.Removed = removed.list()
	return out
}

type nodeSet struct {
	items []*html.Node
	index map[*html.Node]bool
}

func newNodeSet() *nodeSet {
	return &nodeSet{index: make(map[*html.Node]bool)}
}

func (s *nodeSet) add(n *html.Node) {
	if s.index[n] {
		return
	}
	s.index[n] = true
	s.items = append(s.items, n)
}

func (s *nodeSet) has(n *html.Node) bool { return s.index[n] }

func (s *nodeSet) delete(n *html.Node) { delete(s.index, n) }

func (s *nodeSet) list() []*html.Node {
	var out []*html.Node
	for _, n := range s.items {
		if s.index[n] {
			out = append(out, n)
		}
	}
	return out
}
