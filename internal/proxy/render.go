package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"nocturne/internal/dom"
	"nocturne/internal/eventloop"
	"nocturne/internal/filter"
	"nocturne/internal/sheet"
	"nocturne/internal/theme"
)

// themePage runs an engine over the fetched page until its stylesheets and
// images have loaded or the settle time runs out, then serialises it.
func (s *Server) themePage(ctx context.Context, res *sheet.Resource, hdr http.Header, jar http.CookieJar, base string) ([]byte, error) {
	logger := s.logger.With(zap.String("url", res.URL))
	loop := eventloop.New(clockwork.NewRealClock(), logger)
	doc, err := dom.Parse(bytes.NewReader(res.Data), loop, dom.Options{URL: res.URL, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("proxy: parse %s: %w", res.URL, err)
	}
	fix, _ := s.fixes.Find(res.URL)

	injectBase(doc, res.URL)
	if s.cfg.RewriteLinks {
		rewriteLinks(doc, base)
	}

	mod := filter.NewModifier()
	engine := theme.New(doc, theme.Options{
		Logger:   logger,
		Metrics:  s.metrics,
		Modifier: mod,
		Factory: theme.SheetFactory(sheet.Options{
			Fetcher:  upstreamFetcher(s.cfg.Settle, hdr, jar),
			Cache:    s.sheets,
			Modifier: mod,
			Fix:      fix,
			Logger:   logger,
			Metrics:  s.metrics,
		}),
	})
	engine.Establish(s.theme, fix, false)
	doc.SetReadyState(dom.Complete)

	settle, cancel := context.WithTimeout(ctx, s.cfg.Settle)
	defer cancel()
	if err := loop.RunUntilIdle(settle); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Info("page did not settle", zap.Duration("settle", s.cfg.Settle), zap.Int("managers", engine.Managers()))
	}
	engine.CancelRendering()

	var buf bytes.Buffer
	if err := doc.Render(&buf); err != nil {
		return nil, fmt.Errorf("proxy: render %s: %w", res.URL, err)
	}
	logger.Debug("themed", zap.Int("managers", engine.Managers()), zap.String("size", humanize.Bytes(uint64(buf.Len()))))
	return buf.Bytes(), nil
}

// injectBase makes relative addresses in the served page point at the
// origin. A page that declares its own <base> keeps it.
func injectBase(doc *dom.Document, pageURL string) {
	head := doc.Head()
	if head == nil || doc.QuerySelector("base[href]") != nil {
		return
	}
	b := dom.CreateElement("base")
	b.Attr = append(b.Attr, html.Attribute{Key: "href", Val: pageURL})
	doc.InsertBefore(head, b, head.FirstChild)
}

// rewriteLinks routes anchors and GET forms back through the proxy so
// navigation stays themed.
func rewriteLinks(doc *dom.Document, serverBase string) {
	for _, a := range doc.QuerySelectorAll("a[href]") {
		abs := navigable(doc, dom.Attr(a, "href"))
		if abs == "" {
			continue
		}
		doc.SetAttribute(a, "href", proxied(serverBase, abs))
	}
	for _, f := range doc.QuerySelectorAll("form") {
		method := strings.ToLower(strings.TrimSpace(dom.Attr(f, "method")))
		if method != "" && method != "get" {
			continue
		}
		action := dom.Attr(f, "action")
		if strings.TrimSpace(action) == "" && doc.URL() != nil {
			action = doc.URL().String()
		}
		abs := navigable(doc, action)
		if abs == "" {
			continue
		}
		doc.SetAttribute(f, "action", serverBase+"/fetch")
		hidden := dom.CreateElement("input")
		hidden.Attr = append(hidden.Attr,
			html.Attribute{Key: "type", Val: "hidden"},
			html.Attribute{Key: "name", Val: "url"},
			html.Attribute{Key: "value", Val: abs},
		)
		doc.InsertBefore(f, hidden, f.FirstChild)
	}
}

// navigable resolves href against the page and reports it only for http(s)
// targets outside the current page.
func navigable(doc *dom.Document, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") {
		return ""
	}
	abs := doc.ResolveURL(href)
	u, err := url.Parse(abs)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	u.Fragment = ""
	return u.String()
}
