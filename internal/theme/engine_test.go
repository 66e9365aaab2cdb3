package theme

import (
	"strconv"
	"strings"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/net/html"

	"nocturne/internal/dom"
	"nocturne/internal/eventloop"
	"nocturne/internal/filter"
	"nocturne/internal/sheet"
)

const basicPage = `<html><head><title>t</title>` +
	`<style id="s1">a{color:red}</style>` +
	`<link id="l1" rel="stylesheet" href="x.css">` +
	`</head><body><p id="p" style="color: #000">x</p></body></html>`

type fakeManager struct {
	node      *html.Node
	cb        sheet.Callbacks
	details   *sheet.Details
	renders   int
	cfg       filter.ThemeConfig
	vars      map[string]string
	watching  bool
	paused    int
	destroyed bool
	restored  int
}

func (m *fakeManager) Details() *sheet.Details { return m.details }

func (m *fakeManager) Render(cfg filter.ThemeConfig, vars map[string]string) {
	m.renders++
	m.cfg = cfg
	m.vars = vars
}

func (m *fakeManager) Watch() { m.watching = true }

func (m *fakeManager) Pause() {
	m.watching = false
	m.paused++
}

func (m *fakeManager) Destroy() { m.destroyed = true }

func (m *fakeManager) Restore() { m.restored++ }

type fakes struct {
	created []*fakeManager
	byID    map[string]*fakeManager
	details map[string]*sheet.Details
}

func (f *fakes) factory(_ *dom.Document, node *html.Node, cb sheet.Callbacks) Manager {
	id := dom.Attr(node, "id")
	m := &fakeManager{node: node, cb: cb, details: &sheet.Details{}}
	if d, ok := f.details[id]; ok {
		m.details = d
	}
	f.created = append(f.created, m)
	f.byID[id] = m
	return m
}

type counter struct{ n int }

func (c *counter) Reset() { c.n++ }

type harness struct {
	clock  *clockwork.FakeClock
	doc    *dom.Document
	engine *Engine
	fakes  *fakes
	cache  *counter
	mod    *filter.Modifier
}

func newHarness(t *testing.T, markup string, sheets bool) *harness {
	t.Helper()
	clock := clockwork.NewFakeClock()
	loop := eventloop.New(clock, nil)
	doc, err := dom.Parse(strings.NewReader(markup), loop, dom.Options{URL: "https://example.com/"})
	require.NoError(t, err)
	h := &harness{
		clock: clock,
		doc:   doc,
		fakes: &fakes{byID: make(map[string]*fakeManager), details: make(map[string]*sheet.Details)},
		cache: &counter{},
		mod:   filter.NewModifier(),
	}
	opts := Options{
		Logger:   zaptest.NewLogger(t),
		Modifier: h.mod,
		Caches:   []Resetter{h.cache},
	}
	if !sheets {
		opts.Factory = h.fakes.factory
	}
	h.engine = New(doc, opts)
	return h
}

// flush delivers pending records and lets one render interval pass.
func (h *harness) flush() {
	h.doc.Loop().RunPending()
	h.clock.Advance(DefaultFrameInterval)
	h.doc.Loop().RunPending()
}

func (h *harness) sentinelOrder() []string {
	var out []string
	for c := h.doc.Head().FirstChild; c != nil; c = c.NextSibling {
		for _, alias := range Sentinels {
			if dom.HasClass(c, sentinelClass(alias)) {
				out = append(out, alias)
			}
		}
	}
	return out
}

func TestEstablishTwiceKeepsCounts(t *testing.T) {
	h := newHarness(t, basicPage, false)
	cfg := filter.DefaultThemeConfig()

	h.engine.Establish(cfg, nil, false)
	h.flush()
	require.Equal(t, Active, h.engine.State())
	assert.Len(t, h.doc.QuerySelectorAll("style.darkreader"), len(Sentinels))
	assert.Equal(t, 2, h.engine.Managers())

	h.engine.Establish(cfg, nil, false)
	h.flush()
	assert.Len(t, h.doc.QuerySelectorAll("style.darkreader"), len(Sentinels))
	assert.Equal(t, 2, h.engine.Managers())
	assert.Len(t, h.fakes.created, 2)
	assert.Len(t, h.doc.QuerySelectorAll(`meta[name="darkreader"]`), 1)
	for _, m := range h.fakes.created {
		assert.True(t, m.watching)
		assert.Equal(t, 2, m.renders)
	}
}

func TestEstablishTwiceWithSheetManagers(t *testing.T) {
	h := newHarness(t, basicPage, true)
	cfg := filter.DefaultThemeConfig()
	h.engine.Establish(cfg, nil, false)
	h.flush()
	h.engine.Establish(cfg, nil, false)
	h.flush()

	assert.Len(t, h.doc.QuerySelectorAll(".darkreader--sync"), 1)
	assert.Len(t, h.doc.QuerySelectorAll("style.darkreader"), len(Sentinels)+1)
	assert.Equal(t, 2, h.engine.Managers())
}

func TestSentinelOrder(t *testing.T) {
	h := newHarness(t, basicPage, false)
	h.engine.Establish(filter.DefaultThemeConfig(), nil, false)
	h.flush()

	require.Equal(t, Sentinels, h.sentinelOrder())
	assert.Equal(t, h.engine.sentinel(SentinelFallback), h.doc.Head().FirstChild)

	moves := []struct {
		alias string
		move  func(n *html.Node)
	}{
		{SentinelText, func(n *html.Node) { h.doc.AppendChild(h.doc.Body(), n) }},
		{SentinelFallback, func(n *html.Node) { h.doc.AppendChild(h.doc.Head(), n) }},
		{SentinelInvert, func(n *html.Node) { h.doc.RemoveChild(n) }},
		{SentinelUserAgent, func(n *html.Node) { h.doc.InsertBefore(h.doc.Head(), n, h.engine.sentinel(SentinelOverride)) }},
		{SentinelOverride, func(n *html.Node) { h.doc.InsertBefore(h.doc.Body(), n, h.doc.Body().FirstChild) }},
	}
	for _, tc := range moves {
		tc.move(h.engine.sentinel(tc.alias))
		h.doc.Loop().RunPending()
		assert.Equal(t, Sentinels, h.sentinelOrder(), "after moving %s", tc.alias)
		for _, alias := range Sentinels {
			assert.Equal(t, h.doc.Head(), h.engine.sentinel(alias).Parent, alias)
		}
	}
}

func TestMovedStylesheetIsRestoredNotRecreated(t *testing.T) {
	h := newHarness(t, basicPage, false)
	h.engine.Establish(filter.DefaultThemeConfig(), nil, false)
	h.flush()

	s1 := h.fakes.byID["s1"]
	h.doc.AppendChild(h.doc.Body(), s1.node)
	h.flush()

	assert.Len(t, h.fakes.created, 2)
	assert.False(t, s1.destroyed)
	assert.Equal(t, 1, s1.restored)
	assert.Equal(t, 2, h.engine.Managers())
}

func TestStructuralChanges(t *testing.T) {
	h := newHarness(t, basicPage, false)
	h.fakes.details["s2"] = &sheet.Details{Variables: vars("--x", "1")}
	h.engine.Establish(filter.DefaultThemeConfig(), nil, false)
	h.flush()
	s1, l1 := h.fakes.byID["s1"], h.fakes.byID["l1"]
	require.Equal(t, 1, s1.renders)

	s2 := dom.CreateElement("style")
	s2.Attr = []html.Attribute{{Key: "id", Val: "s2"}}
	h.doc.AppendChild(h.doc.Head(), s2)
	h.doc.Loop().RunPending()
	require.Equal(t, 3, h.engine.Managers())
	fresh := h.fakes.byID["s2"]
	assert.True(t, fresh.watching)
	assert.Equal(t, 1, s1.renders, "variables defer rendering to the batch")
	assert.Equal(t, 0, fresh.renders)

	h.flush()
	assert.Equal(t, 2, s1.renders)
	assert.Equal(t, 2, l1.renders)
	assert.Equal(t, 1, fresh.renders)
	assert.Equal(t, "1", fresh.vars["--x"])

	s3 := dom.CreateElement("style")
	s3.Attr = []html.Attribute{{Key: "id", Val: "s3"}}
	h.doc.AppendChild(h.doc.Head(), s3)
	h.doc.Loop().RunPending()
	assert.Equal(t, 1, h.fakes.byID["s3"].renders, "no variables renders the new manager alone")
	assert.Equal(t, 2, s1.renders)

	h.doc.RemoveChild(s1.node)
	h.doc.Loop().RunPending()
	assert.True(t, s1.destroyed)
	assert.Equal(t, 3, h.engine.Managers())
	_, ok := h.engine.managers.get(s1.node)
	assert.False(t, ok)

	h.doc.SetAttribute(l1.node, "rel", "icon")
	h.doc.Loop().RunPending()
	assert.True(t, l1.destroyed)
	assert.Equal(t, 2, h.engine.Managers())
}

func TestUpdateCallback(t *testing.T) {
	h := newHarness(t, basicPage, false)
	h.engine.Establish(filter.DefaultThemeConfig(), nil, false)
	h.flush()
	s1, l1 := h.fakes.byID["s1"], h.fakes.byID["l1"]

	s1.cb.Update()
	assert.Equal(t, 2, s1.renders)
	assert.False(t, h.engine.scheduler.Pending())

	s1.details = nil
	s1.cb.Update()
	assert.Equal(t, 2, s1.renders)
	assert.False(t, h.engine.scheduler.Pending())

	for i := 1; i <= 5; i++ {
		s1.details = &sheet.Details{Variables: vars("--x", strconv.Itoa(i))}
		s1.cb.Update()
	}
	assert.Equal(t, 2, s1.renders)
	assert.Equal(t, 1, l1.renders)
	h.flush()
	assert.Equal(t, 3, s1.renders)
	assert.Equal(t, 2, l1.renders)
	assert.Equal(t, "5", l1.vars["--x"])
	assert.Equal(t, "5", h.engine.Variables()["--x"])
}

func TestCancelRendering(t *testing.T) {
	h := newHarness(t, basicPage, false)
	h.engine.Establish(filter.DefaultThemeConfig(), nil, false)
	h.flush()
	s1 := h.fakes.byID["s1"]

	s1.details = &sheet.Details{Variables: vars("--x", "1")}
	s1.cb.Update()
	h.engine.CancelRendering()
	h.flush()
	assert.Equal(t, 1, s1.renders)
}

func TestRemoveLeavesNothing(t *testing.T) {
	page := `<html><head><meta name="theme-color" content="#ffffff">` +
		`<style>:root{--bg:#fff} body{background-color:var(--bg)}</style>` +
		`</head><body><div style="background-color: white" bgcolor="white"></div></body></html>`
	h := newHarness(t, page, true)
	cfg := filter.DefaultThemeConfig()
	h.engine.Establish(cfg, nil, false)
	h.doc.Loop().RunPending()

	assert.Nil(t, h.doc.QuerySelector(".darkreader--sync"), "variables defer the first render")
	h.flush()
	sync := h.doc.QuerySelector(".darkreader--sync")
	require.NotNil(t, sync)
	bg, _ := h.mod.Background("#fff", cfg)
	assert.Contains(t, dom.TextContent(sync), "background-color: "+bg)
	meta := h.doc.QuerySelector(`meta[name="theme-color"]`)
	assert.NotEqual(t, "#ffffff", dom.Attr(meta, "content"))
	assert.NotNil(t, h.doc.QuerySelector("[data-darkreader-inline-bgcolor]"))

	h.engine.Remove()
	h.doc.Loop().RunPending()
	assert.Empty(t, h.doc.QuerySelectorAll(".darkreader"))
	assert.Zero(t, h.engine.Managers())
	assert.Equal(t, "#ffffff", dom.Attr(meta, "content"))
	assert.NotContains(t, h.doc.String(), "darkreader")
	assert.Equal(t, Uninitialized, h.engine.State())
	assert.Empty(t, h.engine.Variables())
	assert.Equal(t, 1, h.cache.n)
}

func TestRemoveWhenInactive(t *testing.T) {
	h := newHarness(t, basicPage, false)
	assert.NotPanics(t, h.engine.Remove)
	assert.NotPanics(t, h.engine.CleanCache)
	assert.Equal(t, Uninitialized, h.engine.State())
}

func TestFallbackGating(t *testing.T) {
	h := newHarness(t, basicPage, false)
	cfg := filter.DefaultThemeConfig()
	h.engine.Establish(cfg, nil, false)
	h.flush()
	fb := h.engine.sentinel(SentinelFallback)
	require.NotEmpty(t, dom.TextContent(fb), "loading documents keep the fallback")

	s1, l1 := h.fakes.byID["s1"], h.fakes.byID["l1"]
	h.doc.SetTextContent(fb, "")
	s1.cb.LoadingStart()
	assert.Equal(t, filter.FallbackCSS(h.mod, cfg, false), dom.TextContent(fb))
	l1.cb.LoadingStart()
	assert.Equal(t, 2, h.engine.loading.size())

	s1.cb.LoadingEnd()
	assert.NotEmpty(t, dom.TextContent(fb))

	h.doc.SetReadyState(dom.Interactive)
	h.doc.Loop().RunPending()
	assert.NotEmpty(t, dom.TextContent(fb), "a load is still outstanding")

	l1.cb.LoadingEnd()
	assert.Empty(t, dom.TextContent(fb))

	l1.cb.LoadingStart()
	assert.Zero(t, h.engine.loading.size(), "ready documents do not track loads")
	assert.Empty(t, dom.TextContent(fb))
}

func TestFallbackClearsOnReadiness(t *testing.T) {
	h := newHarness(t, basicPage, false)
	h.engine.Establish(filter.DefaultThemeConfig(), nil, false)
	h.flush()
	fb := h.engine.sentinel(SentinelFallback)
	s1 := h.fakes.byID["s1"]

	s1.cb.LoadingStart()
	s1.cb.LoadingEnd()
	assert.NotEmpty(t, dom.TextContent(fb))

	h.doc.SetReadyState(dom.Complete)
	h.doc.Loop().RunPending()
	assert.Empty(t, dom.TextContent(fb))
}

func TestRemovedManagerReleasesToken(t *testing.T) {
	h := newHarness(t, basicPage, false)
	h.engine.Establish(filter.DefaultThemeConfig(), nil, false)
	h.flush()
	s1 := h.fakes.byID["s1"]
	s1.cb.LoadingStart()
	require.Equal(t, 1, h.engine.loading.size())

	h.doc.RemoveChild(s1.node)
	h.doc.Loop().RunPending()
	assert.Zero(t, h.engine.loading.size())
}

func TestAwaitHead(t *testing.T) {
	for _, gecko := range []bool{false, true} {
		t.Run("gecko="+strconv.FormatBool(gecko), func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			doc := dom.New(eventloop.New(clock, nil), dom.Options{})
			f := &fakes{byID: make(map[string]*fakeManager), details: make(map[string]*sheet.Details)}
			e := New(doc, Options{Factory: f.factory, Gecko: gecko, Logger: zaptest.NewLogger(t)})

			e.Establish(filter.DefaultThemeConfig(), nil, false)
			assert.Equal(t, AwaitingHead, e.State())
			early := e.sentinel(SentinelFallback)
			if gecko {
				assert.Nil(t, early)
			} else {
				require.NotNil(t, early)
				assert.Equal(t, doc.DocumentElement(), early.Parent)
			}

			head := dom.CreateElement("head")
			doc.AppendChild(doc.DocumentElement(), head)
			doc.Loop().RunPending()
			assert.Equal(t, Active, e.State())
			assert.Len(t, doc.QuerySelectorAll(".darkreader--fallback"), 1)
			assert.Equal(t, head, e.sentinel(SentinelFallback).Parent)
			assert.Equal(t, e.sentinel(SentinelFallback), head.FirstChild)
		})
	}
}

func TestAwaitVisibility(t *testing.T) {
	h := newHarness(t, basicPage, false)
	h.doc.SetHidden(true)
	h.engine.Establish(filter.DefaultThemeConfig(), nil, false)
	h.flush()
	assert.Equal(t, AwaitingVisibility, h.engine.State())
	assert.Zero(t, h.engine.Managers())

	h.engine.Establish(filter.DefaultThemeConfig(), nil, false)
	h.doc.SetHidden(false)
	h.flush()
	assert.Equal(t, Active, h.engine.State())
	assert.Equal(t, 2, h.engine.Managers())

	h.doc.SetHidden(true)
	h.doc.SetHidden(false)
	h.flush()
	assert.Len(t, h.fakes.created, 2)
	assert.Equal(t, 1, h.fakes.byID["s1"].renders)
}

func TestAnotherInstance(t *testing.T) {
	page := `<html><head><meta name="darkreader" content="someone-else"></head><body></body></html>`
	h := newHarness(t, page, false)
	h.engine.Establish(filter.DefaultThemeConfig(), nil, false)
	h.flush()
	assert.Equal(t, Stopped, h.engine.State())
	assert.Empty(t, h.doc.QuerySelectorAll("style.darkreader"))

	h.engine.Remove()
	assert.NotNil(t, h.doc.QuerySelector(`meta[name="darkreader"]`))
}

func TestCleanCacheKeepsSentinels(t *testing.T) {
	h := newHarness(t, basicPage, false)
	h.engine.Establish(filter.DefaultThemeConfig(), nil, false)
	h.flush()
	s1 := h.fakes.byID["s1"]
	s1.details = &sheet.Details{Variables: vars("--x", "1")}
	s1.cb.Update()

	h.engine.CleanCache()
	assert.Equal(t, Stopped, h.engine.State())
	assert.Len(t, h.doc.QuerySelectorAll("style.darkreader"), len(Sentinels))
	assert.Empty(t, h.engine.Variables())
	assert.Equal(t, 1, h.cache.n)
	assert.False(t, s1.watching)
	assert.False(t, h.engine.scheduler.Pending())

	s2 := dom.CreateElement("style")
	h.doc.AppendChild(h.doc.Head(), s2)
	h.flush()
	assert.Equal(t, 2, h.engine.Managers(), "stopped engines ignore the document")
	s1.cb.Update()
	h.flush()
	assert.Equal(t, 1, s1.renders)

	light := filter.DefaultThemeConfig()
	light.Mode = filter.Light
	h.engine.Establish(light, nil, false)
	h.flush()
	assert.Equal(t, Active, h.engine.State())
	assert.Equal(t, 3, h.engine.Managers())
	assert.Len(t, h.doc.QuerySelectorAll("style.darkreader"), len(Sentinels))
	for _, m := range h.fakes.created {
		assert.True(t, m.watching)
		assert.Equal(t, filter.Light, m.cfg.Mode)
	}
	assert.Equal(t, filter.FallbackCSS(h.mod, light, true), dom.TextContent(h.engine.sentinel(SentinelFallback)))
}

func TestFixStyles(t *testing.T) {
	h := newHarness(t, basicPage, false)
	cfg := filter.DefaultThemeConfig()
	fix := &filter.Fix{Invert: []string{".logo"}, CSS: "p { color: ${black}; }"}
	h.engine.Establish(cfg, fix, false)
	h.flush()

	assert.Equal(t, filter.InvertCSS(cfg, fix), dom.TextContent(h.engine.sentinel(SentinelInvert)))
	assert.Equal(t, filter.OverrideCSS(h.mod, cfg, fix), dom.TextContent(h.engine.sentinel(SentinelOverride)))
	assert.NotContains(t, dom.TextContent(h.engine.sentinel(SentinelOverride)), "${")
	assert.Equal(t, filter.InlineOverrideCSS(), dom.TextContent(h.engine.sentinel(SentinelInline)))
	_, ok := dom.LookupAttr(h.doc.QuerySelector("#p"), "data-darkreader-inline-color")
	assert.True(t, ok)
}

func TestRootVariablesFeedTable(t *testing.T) {
	page := `<html style="--accent: #fff"><head><style id="s1"></style></head><body></body></html>`
	h := newHarness(t, page, false)
	h.engine.Establish(filter.DefaultThemeConfig(), nil, false)
	h.flush()
	assert.Equal(t, "#fff", h.engine.Variables()["--accent"])
	s1 := h.fakes.byID["s1"]
	require.Equal(t, 1, s1.renders)

	h.doc.SetAttribute(h.doc.DocumentElement(), "style", "--accent: #000")
	h.flush()
	assert.Equal(t, "#000", h.engine.Variables()["--accent"])
	assert.Equal(t, 2, s1.renders)
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := newRegistry()
	n := dom.CreateElement("style")
	r.add(&managed{node: n, manager: &fakeManager{}})
	assert.Panics(t, func() { r.add(&managed{node: n, manager: &fakeManager{}}) })
	_, ok := r.remove(n)
	assert.True(t, ok)
	_, ok = r.remove(n)
	assert.False(t, ok)
	assert.Zero(t, r.len())
}
