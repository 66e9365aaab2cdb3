package watch

import (
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"nocturne/internal/dom"
	"nocturne/internal/eventloop"
)

func newDoc(t *testing.T, markup string) (*dom.Document, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	doc, err := dom.Parse(strings.NewReader(markup), eventloop.New(clock, nil), dom.Options{})
	require.NoError(t, err)
	return doc, clock
}

func eligible(n *html.Node) bool {
	if dom.HasClass(n, "darkreader") {
		return false
	}
	if dom.IsElement(n, "style") {
		return true
	}
	return dom.IsElement(n, "link") && strings.Contains(dom.Attr(n, "rel"), "stylesheet")
}

func TestStylesheetsReportsCreatedAndRemoved(t *testing.T) {
	doc, _ := newDoc(t, `<html><head><style id="old"></style></head><body></body></html>`)
	var got []Changes
	w := Stylesheets(doc, nil, eligible, func(c Changes) { got = append(got, c) })
	defer w.Stop()

	wrapper := dom.CreateElement("div")
	style := dom.CreateElement("style")
	wrapper.AppendChild(style)
	doc.AppendChild(doc.Body(), wrapper)
	doc.RemoveChild(doc.QuerySelector("#old"))
	doc.AppendChild(doc.Head(), dom.CreateElement("meta"))
	doc.Loop().RunPending()

	require.Len(t, got, 1)
	assert.Equal(t, []*html.Node{style}, got[0].Created)
	require.Len(t, got[0].Removed, 1)
	assert.Equal(t, "old", dom.Attr(got[0].Removed[0], "id"))
	assert.Empty(t, got[0].Moved)
}

func TestStylesheetsTreatsReinsertionAsMove(t *testing.T) {
	doc, _ := newDoc(t, `<html><head><style id="a"></style></head><body></body></html>`)
	var got []Changes
	Stylesheets(doc, nil, eligible, func(c Changes) { got = append(got, c) })

	a := doc.QuerySelector("#a")
	doc.AppendChild(doc.Body(), a)
	doc.Loop().RunPending()

	require.Len(t, got, 1)
	assert.Empty(t, got[0].Created)
	assert.Empty(t, got[0].Removed)
	assert.Equal(t, []*html.Node{a}, got[0].Moved)
}

func TestStylesheetsTransientNodeIsRemovedNotMoved(t *testing.T) {
	doc, _ := newDoc(t, `<html><head></head><body></body></html>`)
	var got []Changes
	Stylesheets(doc, nil, eligible, func(c Changes) { got = append(got, c) })

	s := dom.CreateElement("style")
	doc.AppendChild(doc.Head(), s)
	doc.RemoveChild(s)
	doc.Loop().RunPending()

	require.Len(t, got, 1)
	assert.Empty(t, got[0].Created)
	assert.Empty(t, got[0].Moved)
	assert.Equal(t, []*html.Node{s}, got[0].Removed)
}

func TestStylesheetsAttributeChanges(t *testing.T) {
	doc, _ := newDoc(t, `<html><head><link id="l" rel="preload" href="a.css"></head></html>`)
	var got []Changes
	Stylesheets(doc, nil, eligible, func(c Changes) { got = append(got, c) })
	link := doc.QuerySelector("#l")

	doc.SetAttribute(link, "rel", "stylesheet")
	doc.Loop().RunPending()
	require.Len(t, got, 1)
	assert.Equal(t, []*html.Node{link}, got[0].Updated)

	doc.SetAttribute(link, "rel", "icon")
	doc.Loop().RunPending()
	require.Len(t, got, 2)
	assert.Equal(t, []*html.Node{link}, got[1].Removed)
}

func TestStylesheetsIgnoresOwnedNodes(t *testing.T) {
	doc, _ := newDoc(t, `<html><head></head></html>`)
	calls := 0
	Stylesheets(doc, nil, eligible, func(Changes) { calls++ })

	s := dom.CreateElement("style")
	s.Attr = append(s.Attr, html.Attribute{Key: "class", Val: "darkreader darkreader--sync"})
	doc.AppendChild(doc.Head(), s)
	doc.Loop().RunPending()
	assert.Zero(t, calls)
}

func TestPositionSiblingModeRestoresOrder(t *testing.T) {
	doc, _ := newDoc(t, `<html><head><style id="a"></style><style id="b"></style><title>x</title></head><body></body></html>`)
	a, b := doc.QuerySelector("#a"), doc.QuerySelector("#b")
	restored := 0
	p := NodePosition(doc, b, ModeSibling, nil, func() { restored++ })
	require.NotNil(t, p)
	defer p.Stop()

	doc.AppendChild(doc.Body(), b)
	doc.Loop().RunPending()
	assert.Equal(t, 1, restored)
	assert.Equal(t, a, b.PrevSibling)
	assert.Equal(t, doc.Head(), b.Parent)

	doc.AppendChild(doc.Head(), b)
	doc.Loop().RunPending()
	assert.Equal(t, 2, restored)
	assert.Equal(t, a, b.PrevSibling)
}

func TestPositionFirstChild(t *testing.T) {
	doc, _ := newDoc(t, `<html><head><style id="first"></style><meta></head></html>`)
	first := doc.QuerySelector("#first")
	p := NodePosition(doc, first, ModeSibling, nil, nil)
	defer p.Stop()

	doc.InsertBefore(doc.Head(), dom.CreateElement("script"), doc.Head().FirstChild)
	doc.Loop().RunPending()
	assert.Equal(t, first, doc.Head().FirstChild)
}

func TestPositionParentModeIgnoresReorder(t *testing.T) {
	doc, _ := newDoc(t, `<html><head><meta><style id="o"></style></head><body></body></html>`)
	o := doc.QuerySelector("#o")
	restored := 0
	p := NodePosition(doc, o, ModeParent, nil, func() { restored++ })
	defer p.Stop()

	doc.AppendChild(doc.Head(), dom.CreateElement("style"))
	doc.Loop().RunPending()
	assert.Zero(t, restored)

	doc.RemoveChild(o)
	doc.Loop().RunPending()
	assert.Equal(t, 1, restored)
	assert.Equal(t, doc.Head(), o.Parent)
}

func TestPositionStopsWhenSiblingRemoved(t *testing.T) {
	doc, _ := newDoc(t, `<html><head><style id="src"></style><style id="sync"></style></head></html>`)
	src, sync := doc.QuerySelector("#src"), doc.QuerySelector("#sync")
	restored := 0
	NodePosition(doc, sync, ModeSibling, nil, func() { restored++ })

	doc.RemoveChild(src)
	doc.Loop().RunPending()
	assert.Zero(t, restored)
}

func TestPositionStopPreventsRestore(t *testing.T) {
	doc, _ := newDoc(t, `<html><head><style id="a"></style></head><body></body></html>`)
	a := doc.QuerySelector("#a")
	p := NodePosition(doc, a, ModeParent, nil, nil)
	p.Stop()
	p.Stop()

	doc.AppendChild(doc.Body(), a)
	doc.Loop().RunPending()
	assert.Equal(t, doc.Body(), a.Parent)
}

func TestPositionPausesWhenFought(t *testing.T) {
	doc, clock := newDoc(t, `<html><head><style id="a"></style></head><body></body></html>`)
	a := doc.QuerySelector("#a")
	restored := 0
	p := NodePosition(doc, a, ModeParent, nil, func() { restored++ })
	defer p.Stop()

	for i := 0; i < maxRestoreAttempts+2; i++ {
		doc.AppendChild(doc.Body(), a)
		doc.Loop().RunPending()
	}
	assert.Equal(t, maxRestoreAttempts-1, restored)
	assert.Equal(t, doc.Body(), a.Parent)

	clock.Advance(retryTimeout)
	doc.Loop().RunPending()
	assert.Equal(t, maxRestoreAttempts, restored)
	assert.Equal(t, doc.Head(), a.Parent)
}
