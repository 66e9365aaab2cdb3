// Package dom wraps an x/net/html tree in a live document: every structural
// change goes through the Document so observers, readiness and visibility
// listeners are notified on the event loop, the way a browser would.
package dom

import (
	"io"
	"net/url"
	"strings"

	"github.com/andybalholm/cascadia"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"nocturne/internal/eventloop"
)

// ReadyState mirrors document.readyState.
type ReadyState int

const (
	Loading ReadyState = iota
	Interactive
	Complete
)

func (r ReadyState) String() string {
	switch r {
	case Interactive:
		return "interactive"
	case Complete:
		return "complete"
	default:
		return "loading"
	}
}

// EventType names a document-level event.
type EventType string

const (
	EventReadyStateChange EventType = "readystatechange"
	EventVisibilityChange EventType = "visibilitychange"
)

type listener struct {
	fn      func()
	removed bool
}

// Document is a mutable HTML document bound to an event loop. It is not
// safe for concurrent use; all calls must come from the loop goroutine.
type Document struct {
	loop   *eventloop.Loop
	logger *zap.Logger
	root   *html.Node
	url    *url.URL

	readyState ReadyState
	hidden     bool

	observers []*Observer
	listeners map[EventType][]*listener
	selectors map[string]cascadia.Selector
}

// Options configures a Document.
type Options struct {
	URL    string
	Logger *zap.Logger
}

// New creates a document with only a root <html> element and no <head>,
// in the loading state.
func New(loop *eventloop.Loop, opts Options) *Document {
	root := &html.Node{Type: html.DocumentNode}
	root.AppendChild(&html.Node{Type: html.ElementNode, Data: "html", DataAtom: atom.Html})
	return newDocument(loop, root, opts)
}

// Parse builds a document from HTML markup. The parser always synthesises
// <head> and <body>.
func Parse(r io.Reader, loop *eventloop.Loop, opts Options) (*Document, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, err
	}
	return newDocument(loop, root, opts), nil
}

func newDocument(loop *eventloop.Loop, root *html.Node, opts Options) *Document {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Document{
		loop:      loop,
		logger:    logger.Named("dom"),
		root:      root,
		listeners: make(map[EventType][]*listener),
		selectors: make(map[string]cascadia.Selector),
	}
	if opts.URL != "" {
		if u, err := url.Parse(opts.URL); err == nil {
			d.url = u
		}
	}
	return d
}

// Loop returns the event loop the document reports on.
func (d *Document) Loop() *eventloop.Loop { return d.loop }

// Node returns the document node itself.
func (d *Document) Node() *html.Node { return d.root }

// URL returns the document address, or nil when unknown.
func (d *Document) URL() *url.URL { return d.url }

// Host returns the hostname of the document address.
func (d *Document) Host() string {
	if d.url == nil {
		return ""
	}
	return d.url.Hostname()
}

// ResolveURL resolves href against the document address.
func (d *Document) ResolveURL(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if d.url == nil {
		if ref.IsAbs() {
			return ref.String()
		}
		return ""
	}
	return d.url.ResolveReference(ref).String()
}

// DocumentElement returns the root <html> element.
func (d *Document) DocumentElement() *html.Node {
	for c := d.root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			return c
		}
	}
	return nil
}

// Head returns the <head> element, or nil when it does not exist yet.
func (d *Document) Head() *html.Node {
	return d.childElement(atom.Head)
}

// Body returns the <body> element, or nil.
func (d *Document) Body() *html.Node {
	return d.childElement(atom.Body)
}

func (d *Document) childElement(a atom.Atom) *html.Node {
	docEl := d.DocumentElement()
	if docEl == nil {
		return nil
	}
	for c := docEl.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.DataAtom == a {
			return c
		}
	}
	return nil
}

// ReadyState returns the current readiness.
func (d *Document) ReadyState() ReadyState { return d.readyState }

// IsReady reports whether the document is interactive or complete.
func (d *Document) IsReady() bool { return d.readyState >= Interactive }

// SetReadyState advances readiness and fires readystatechange.
func (d *Document) SetReadyState(s ReadyState) {
	if s == d.readyState {
		return
	}
	d.readyState = s
	d.logger.Debug("ready state", zap.Stringer("state", s))
	d.dispatch(EventReadyStateChange)
}

// Hidden reports document.hidden.
func (d *Document) Hidden() bool { return d.hidden }

// SetHidden changes visibility and fires visibilitychange.
func (d *Document) SetHidden(hidden bool) {
	if hidden == d.hidden {
		return
	}
	d.hidden = hidden
	d.dispatch(EventVisibilityChange)
}

// AddEventListener registers fn for events of type t and returns a function
// removing it. Removal takes effect immediately, even for an event whose
// dispatch is already queued.
func (d *Document) AddEventListener(t EventType, fn func()) func() {
	l := &listener{fn: fn}
	d.listeners[t] = append(d.listeners[t], l)
	return func() {
		if l.removed {
			return
		}
		l.removed = true
		list := d.listeners[t]
		for i, other := range list {
			if other == l {
				d.listeners[t] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
	}
}

func (d *Document) dispatch(t EventType) {
	snapshot := append([]*listener(nil), d.listeners[t]...)
	if len(snapshot) == 0 {
		return
	}
	d.loop.Post(func() {
		for _, l := range snapshot {
			if !l.removed {
				l.fn()
			}
		}
	})
}

// Render serialises the document.
func (d *Document) Render(w io.Writer) error {
	return html.Render(w, d.root)
}

// String serialises the document, ignoring write errors.
func (d *Document) String() string {
	var b strings.Builder
	_ = d.Render(&b)
	return b.String()
}
