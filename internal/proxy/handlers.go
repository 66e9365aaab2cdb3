package proxy

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(s.cfg.IndexHTML)))
	io.WriteString(w, s.cfg.IndexHTML)
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	start := s.clock.Now()
	q := r.URL.Query()
	raw := q.Get("url")
	if raw == "" {
		http.Error(w, "missing url", http.StatusBadRequest)
		return
	}
	get := q.Get("get")
	if extra := extraQuery(q); extra != "" {
		if get != "" {
			get += "&"
		}
		get += extra
	}
	target, err := buildURL(raw, q.Get("action"), get)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	useJS := s.cfg.EnableJS || q.Get("js") == "1"
	client := clientKey(r)
	key := pageKey(client, target, s.theme, useJS)
	if page, ok := s.cache.Select(key); ok {
		s.metrics.CacheLookup(true)
		s.writePage(w, page.body, page.contentType)
		s.metrics.Page("cached", s.clock.Since(start))
		return
	}
	s.metrics.CacheLookup(false)

	v, err, _ := s.loads.Do(key, func() (any, error) {
		// Requests joining this flight must not fail because the first
		// client went away.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.loadTimeout())
		defer cancel()
		return s.load(ctx, r, client, target, useJS)
	})
	if err != nil {
		var le *loadError
		status := http.StatusBadGateway
		outcome := "upstream_error"
		if errors.As(err, &le) {
			status, outcome = le.status, le.outcome
		}
		s.logger.Warn("fetch failed", zap.String("url", target), zap.String("outcome", outcome), zap.Error(err))
		http.Error(w, err.Error(), status)
		s.metrics.Page(outcome, s.clock.Since(start))
		return
	}
	res := v.(*loaded)
	if res.themed {
		s.cache.Store(key, res.body, res.contentType)
	}
	s.writePage(w, res.body, res.contentType)
	outcome := "passthrough"
	if res.themed {
		outcome = "themed"
	}
	s.metrics.Page(outcome, s.clock.Since(start))
}

type loaded struct {
	body        []byte
	contentType string
	themed      bool
}

type loadError struct {
	status  int
	outcome string
	err     error
}

func (e *loadError) Error() string { return e.err.Error() }
func (e *loadError) Unwrap() error { return e.err }

// load fetches target and themes it when it is a page. Concurrent requests
// from one client for the same page share a single load.
func (s *Server) load(ctx context.Context, r *http.Request, client, target string, useJS bool) (*loaded, error) {
	hdr := forwardHeaders(r)
	jar := s.cookieJars.Get(client)
	upstream := s.upstream
	if useJS {
		upstream = s.renderer
	}
	res, err := upstream.Load(ctx, target, hdr, jar)
	if err != nil {
		return nil, &loadError{status: http.StatusBadGateway, outcome: "upstream_error", err: err}
	}
	if !isHTML(res.ContentType) {
		return &loaded{body: res.Data, contentType: res.ContentType}, nil
	}
	body, err := s.themePage(ctx, res, hdr, jar, serverBase(r))
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		return nil, &loadError{status: status, outcome: "theme_error", err: err}
	}
	return &loaded{body: body, contentType: "text/html; charset=utf-8", themed: true}, nil
}

// loadTimeout bounds one shared page load: the upstream fetch plus the
// settle window.
func (s *Server) loadTimeout() time.Duration {
	return s.cfg.Settle * 4
}

// handleReset drops every cache so edited themes and fixes apply.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.fixes.Reset()
	s.sheets.Reset()
	s.cache.Reset()
	s.cookieJars.Reset()
	s.metrics.Operation("clean_cache")
	s.logger.Info("caches reset")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, "pong\n")
}

func (s *Server) writePage(w http.ResponseWriter, body []byte, contentType string) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(body)
}

func serverBase(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}
