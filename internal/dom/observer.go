package dom

import (
	"golang.org/x/net/html"
)

// MutationKind classifies a MutationRecord.
type MutationKind int

const (
	ChildList MutationKind = iota
	Attributes
	CharacterData
)

// MutationRecord describes one change to the tree.
type MutationRecord struct {
	Kind          MutationKind
	Target        *html.Node
	Added         []*html.Node
	Removed       []*html.Node
	AttributeName string
	OldValue      string
}

// ObserveOptions selects which records an Observer receives.
type ObserveOptions struct {
	ChildList       bool
	Attributes      bool
	CharacterData   bool
	Subtree         bool
	AttributeFilter []string
}

// Observer batches matching mutation records and delivers them in one
// callback on the event loop, like MutationObserver.
type Observer struct {
	doc       *Document
	target    *html.Node
	opts      ObserveOptions
	callback  func([]MutationRecord)
	queue     []MutationRecord
	scheduled bool
	connected bool
}

// Observe subscribes cb to mutations of target (and its descendants with
// Subtree). Records produced by one synchronous burst of changes arrive in a
// single batch.
func (d *Document) Observe(target *html.Node, opts ObserveOptions, cb func([]MutationRecord)) *Observer {
	o := &Observer{
		doc:       d,
		target:    target,
		opts:      opts,
		callback:  cb,
		connected: true,
	}
	d.observers = append(d.observers, o)
	return o
}

// Disconnect stops delivery, including any batch already queued.
func (o *Observer) Disconnect() {
	if o == nil || !o.connected {
		return
	}
	o.connected = false
	o.queue = nil
	list := o.doc.observers
	for i, other := range list {
		if other == o {
			o.doc.observers = append(list[:i:i], list[i+1:]...)
			break
		}
	}
}

// TakeRecords empties the pending queue and returns its contents.
func (o *Observer) TakeRecords() []MutationRecord {
	if o == nil {
		return nil
	}
	recs := o.queue
	o.queue = nil
	return recs
}

func (o *Observer) wants(rec MutationRecord) bool {
	switch rec.Kind {
	case ChildList:
		if !o.opts.ChildList {
			return false
		}
	case Attributes:
		if !o.opts.Attributes {
			return false
		}
		if len(o.opts.AttributeFilter) > 0 {
			found := false
			for _, name := range o.opts.AttributeFilter {
				if name == rec.AttributeName {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	case CharacterData:
		if !o.opts.CharacterData {
			return false
		}
	}
	if rec.Target == o.target {
		return true
	}
	return o.opts.Subtree && Contains(o.target, rec.Target)
}

func (o *Observer) enqueue(rec MutationRecord) {
	o.queue = append(o.queue, rec)
	if o.scheduled {
		return
	}
	o.scheduled = true
	o.doc.loop.Post(o.deliver)
}

func (o *Observer) deliver() {
	o.scheduled = false
	if !o.connected || len(o.queue) == 0 {
		return
	}
	recs := o.queue
	o.queue = nil
	o.callback(recs)
}

func (d *Document) notify(rec MutationRecord) {
	if len(d.observers) == 0 {
		return
	}
	for _, o := range append([]*Observer(nil), d.observers...) {
		if o.connected && o.wants(rec) {
			o.enqueue(rec)
		}
	}
}

// Contains reports whether n is ancestor or equal to other.
func Contains(n, other *html.Node) bool {
	for p := other; p != nil; p = p.Parent {
		if p == n {
			return true
		}
	}
	return false
}
