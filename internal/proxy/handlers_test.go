package proxy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"nocturne/internal/sheet"
)

const serverHost = "nocturne.test"

const originPage = `<!DOCTYPE html>
<html><head>
<title>Origin</title>
<link rel="stylesheet" href="/style.css">
<style>p { color: #000 }</style>
</head><body>
<p class="logo">hello</p>
<a id="next" href="/next#top">next</a>
<a id="local" href="#local">local</a>
<a id="mail" href="mailto:someone@example.com">mail</a>
<form id="search" action="/search"><input name="q"></form>
<form id="login" method="post" action="/login"></form>
</body></html>`

type origin struct {
	*httptest.Server
	pages atomic.Int32
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		o.pages.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.WriteString(w, originPage)
	})
	mux.HandleFunc("/style.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		io.WriteString(w, "body { background-color: #fff; }")
	})
	mux.HandleFunc("/plain.txt", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "hello")
	})
	mux.HandleFunc("/latin1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=iso-8859-1")
		w.Write([]byte("<html><body><p id=\"l\">caf\xe9</p></body></html>"))
	})
	mux.HandleFunc("/broken", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	mux.HandleFunc("/search", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><body><p id=\"q\">"+r.URL.RawQuery+"</p></body></html>")
	})
	mux.HandleFunc("/cookie/set", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc", Path: "/"})
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><body>set</body></html>")
	})
	mux.HandleFunc("/cookie/echo", func(w http.ResponseWriter, r *http.Request) {
		value := "none"
		if c, err := r.Cookie("session"); err == nil {
			value = "session=" + c.Value
		}
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><body><p>"+value+"</p></body></html>")
	})
	o.Server = httptest.NewServer(mux)
	t.Cleanup(o.Close)
	return o
}

type stubRenderer struct {
	mu    sync.Mutex
	calls []string
}

func (s *stubRenderer) Load(_ context.Context, target string, _ http.Header, _ http.CookieJar) (*sheet.Resource, error) {
	s.mu.Lock()
	s.calls = append(s.calls, target)
	s.mu.Unlock()
	return &sheet.Resource{
		URL:         target,
		ContentType: "text/html; charset=utf-8",
		Data:        []byte(`<html><head></head><body><div id="rendered" style="background-color: #fff">js</div></body></html>`),
	}, nil
}

func (s *stubRenderer) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type fixture struct {
	srv      *Server
	clock    *clockwork.FakeClock
	origin   *origin
	renderer *stubRenderer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	o := newOrigin(t)
	dir := t.TempDir()
	host := strings.Split(strings.TrimPrefix(o.URL, "http://"), ":")[0]
	fix := "invert:\n  - .logo\ncss: |\n  .banner { color: red; }\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, host+".yaml"), []byte(fix), 0o644))

	clock := clockwork.NewFakeClock()
	renderer := &stubRenderer{}
	srv, err := New(Config{
		CORSOrigins:  []string{"https://reader.example"},
		FixesDir:     dir,
		Settle:       2 * time.Second,
		CacheTTL:     time.Minute,
		RewriteLinks: true,
		Logger:       zaptest.NewLogger(t),
		Clock:        clock,
		Renderer:     renderer,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	return &fixture{srv: srv, clock: clock, origin: o, renderer: renderer}
}

func (f *fixture) do(method, target string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, "http://"+serverHost+target, nil)
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, r)
	return w
}

func (f *fixture) fetch(path string, extra string) *httptest.ResponseRecorder {
	return f.do(http.MethodGet, "/fetch?url="+url.QueryEscape(f.origin.URL+path)+extra)
}

func (f *fixture) fetchFrom(remote, path string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(http.MethodGet, "http://"+serverHost+"/fetch?url="+url.QueryEscape(f.origin.URL+path), nil)
	r.RemoteAddr = remote
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, r)
	return w
}

func TestFetchThemesPage(t *testing.T) {
	f := newFixture(t)
	w := f.fetch("/page", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	body := w.Body.String()

	assert.Contains(t, body, `<base href="`+f.origin.URL+`/page"/>`)
	assert.Contains(t, body, `<meta name="darkreader" content="`)
	for _, alias := range []string{"fallback", "user-agent", "text", "invert", "inline", "override"} {
		assert.Contains(t, body, `class="darkreader darkreader--`+alias+`"`)
	}
	assert.Contains(t, body, ".logo {\n    filter:")
	assert.Contains(t, body, ".banner { color: red; }")

	assert.Equal(t, 2, strings.Count(body, "darkreader--sync"))
	assert.Contains(t, body, "p {\n    color: ")
	assert.Contains(t, body, "body {\n    background-color: ")

	assert.Contains(t, body, `href="http://`+serverHost+`/fetch?url=`+url.QueryEscape(f.origin.URL+"/next")+`"`)
	assert.Contains(t, body, `href="#local"`)
	assert.Contains(t, body, `href="mailto:someone@example.com"`)
	assert.Contains(t, body, `<form id="search" action="http://`+serverHost+`/fetch"><input type="hidden" name="url" value="`+f.origin.URL+`/search"/>`)
	assert.Contains(t, body, `<form id="login" method="post" action="/login">`)
}

func TestFetchUsesPageCache(t *testing.T) {
	f := newFixture(t)
	first := f.fetch("/page", "")
	require.Equal(t, http.StatusOK, first.Code)
	second := f.fetch("/page", "")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, int32(1), f.origin.pages.Load())
	assert.Equal(t, first.Body.String(), second.Body.String())

	f.clock.Advance(2 * time.Minute)
	third := f.fetch("/page", "")
	require.Equal(t, http.StatusOK, third.Code)
	assert.Equal(t, int32(2), f.origin.pages.Load())

	metrics := f.do(http.MethodGet, "/metrics").Body.String()
	assert.Contains(t, metrics, `nocturne_proxy_pages_total{status="cached"} 1`)
	assert.Contains(t, metrics, `nocturne_proxy_pages_total{status="themed"} 2`)
	assert.Contains(t, metrics, `nocturne_proxy_page_cache_total{result="hit"} 1`)
}

func TestFetchPassesThroughNonHTML(t *testing.T) {
	f := newFixture(t)
	w := f.fetch("/plain.txt", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
}

func TestFetchErrors(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/fetch").Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/fetch?url=ftp%3A%2F%2Fexample.com%2F").Code)
	assert.Equal(t, http.StatusBadGateway, f.fetch("/broken", "").Code)
}

func TestFetchForwardsFormFields(t *testing.T) {
	f := newFixture(t)
	w := f.fetch("/search", "&q=night")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `<p id="q">q=night</p>`)
}

func TestFetchKeepsCookiesPerClient(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.fetch("/cookie/set", "").Code)
	w := f.fetch("/cookie/echo", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "session=abc")
}

func TestFetchCachesPagesPerClient(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.fetchFrom("10.0.0.1:5000", "/cookie/set").Code)
	first := f.fetchFrom("10.0.0.1:5000", "/cookie/echo")
	require.Equal(t, http.StatusOK, first.Code)
	assert.Contains(t, first.Body.String(), "session=abc")

	other := f.fetchFrom("10.0.0.2:5000", "/cookie/echo")
	require.Equal(t, http.StatusOK, other.Code)
	assert.NotContains(t, other.Body.String(), "session=abc")
	assert.Contains(t, other.Body.String(), "<p>none</p>")

	again := f.fetchFrom("10.0.0.1:6000", "/cookie/echo")
	assert.Equal(t, first.Body.String(), again.Body.String())
	assert.Equal(t, 3, f.srv.cache.Len())
}

func TestFetchSurvivesCancelledRequest(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := httptest.NewRequest(http.MethodGet, "http://"+serverHost+"/fetch?url="+url.QueryEscape(f.origin.URL+"/page"), nil)
	r = r.WithContext(ctx)
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, r)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `class="darkreader darkreader--fallback"`)
	assert.Equal(t, 1, f.srv.cache.Len())
}

func TestFetchWithScripts(t *testing.T) {
	f := newFixture(t)
	w := f.fetch("/page", "&js=1")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{f.origin.URL + "/page"}, f.renderer.Calls())
	assert.Equal(t, int32(0), f.origin.pages.Load())
	body := w.Body.String()
	assert.Contains(t, body, `data-darkreader-inline-bgcolor=""`)
	assert.Contains(t, body, "--darkreader-inline-bgcolor: ")
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusOK, f.fetch("/page", "").Code)
	assert.Equal(t, 1, f.srv.cache.Len())

	assert.Equal(t, http.StatusMethodNotAllowed, f.do(http.MethodGet, "/reset").Code)
	assert.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/reset").Code)
	assert.Equal(t, 0, f.srv.cache.Len())
	assert.Equal(t, 0, f.srv.sheets.Len())
}

func TestRootAndPing(t *testing.T) {
	f := newFixture(t)
	root := f.do(http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, root.Code)
	assert.Contains(t, root.Body.String(), "<h1>Nocturne</h1>")
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/missing").Code)
	assert.Equal(t, "pong\n", f.do(http.MethodGet, "/ping").Body.String())
}

func TestPageCacheExpiry(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	c := newPageCache(clock, time.Minute)
	c.Store("a", []byte("x"), "text/plain")
	c.Store("empty", nil, "text/plain")
	_, ok := c.Select("empty")
	assert.False(t, ok)

	got, ok := c.Select("a")
	require.True(t, ok)
	assert.Equal(t, "x", string(got.body))

	clock.Advance(time.Minute)
	_, ok = c.Select("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())

	off := newPageCache(clock, 0)
	off.Store("a", []byte("x"), "text/plain")
	assert.Equal(t, 0, off.Len())
}

func TestDefaultConfigFromEnv(t *testing.T) {
	t.Setenv("NOCTURNE_THEME", "/etc/nocturne/theme.yaml")
	t.Setenv("NOCTURNE_FIXES_DIR", "")
	t.Setenv("NOCTURNE_JS", "true")
	t.Setenv("NOCTURNE_SETTLE_MS", "750")
	t.Setenv("NOCTURNE_CACHE_TTL", "30")
	t.Setenv("NOCTURNE_REWRITE_LINKS", "0")
	cfg := DefaultConfig()
	assert.Equal(t, "/etc/nocturne/theme.yaml", cfg.ThemePath)
	assert.Equal(t, defaultFixesDir, cfg.FixesDir)
	assert.True(t, cfg.EnableJS)
	assert.Equal(t, 750*time.Millisecond, cfg.Settle)
	assert.Equal(t, 30*time.Second, cfg.CacheTTL)
	assert.False(t, cfg.RewriteLinks)
}

func TestFetchTranscodesToUTF8(t *testing.T) {
	f := newFixture(t)
	w := f.fetch("/latin1", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `<p id="l">café</p>`)
}

func TestCORS(t *testing.T) {
	f := newFixture(t)
	r := httptest.NewRequest(http.MethodGet, "http://"+serverHost+"/ping", nil)
	r.Header.Set("Origin", "https://reader.example")
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, r)
	assert.Equal(t, "https://reader.example", w.Header().Get("Access-Control-Allow-Origin"))

	r = httptest.NewRequest(http.MethodGet, "http://"+serverHost+"/ping", nil)
	r.Header.Set("Origin", "https://elsewhere.example")
	w = httptest.NewRecorder()
	f.srv.ServeHTTP(w, r)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
