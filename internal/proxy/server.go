// Package proxy serves upstream pages re-themed by the engine. Each request
// fetches the page, runs a theme.Engine over it until the document settles
// and returns the resulting markup.
package proxy

import (
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"nocturne/internal/filter"
	"nocturne/internal/fixes"
	"nocturne/internal/metrics"
	"nocturne/internal/sheet"
)

const defaultIndexHTML = `<!DOCTYPE html>
<html><body>
<h1>Nocturne</h1>
<form action="/fetch" method="get">
URL: <input name="url" size="60"><br>
<label><input type="checkbox" name="js" value="1"> Render scripts</label><br>
<button type="submit">Open</button>
</form>
</body></html>`

const (
	defaultFixesDir = "config/fixes"
	defaultSettle   = 3 * time.Second
	defaultCacheTTL = 5 * time.Minute
)

// Config describes server wiring and runtime behaviour.
type Config struct {
	IndexHTML string
	// ThemePath is a YAML theme file. Theme, when set, takes precedence.
	ThemePath string
	Theme     *filter.ThemeConfig
	FixesDir  string
	// EnableJS renders every page in headless Chrome. Without it a request
	// can still ask for rendering with js=1.
	EnableJS     bool
	Settle       time.Duration
	CacheTTL     time.Duration
	RewriteLinks bool
	// CORSOrigins lists origins allowed to load proxied pages from scripts.
	CORSOrigins  []string
	Logger       *zap.Logger
	Clock        clockwork.Clock
	Registry     *prometheus.Registry
	// Upstream loads plain pages; nil uses HTTP. Renderer loads pages that
	// need scripts; nil uses headless Chrome, launched on first use.
	Upstream Upstream
	Renderer Upstream
}

// DefaultConfig populates configuration from environment variables.
func DefaultConfig() Config {
	cfg := Config{
		IndexHTML:    defaultIndexHTML,
		ThemePath:    strings.TrimSpace(os.Getenv("NOCTURNE_THEME")),
		FixesDir:     strings.TrimSpace(os.Getenv("NOCTURNE_FIXES_DIR")),
		Settle:       defaultSettle,
		CacheTTL:     defaultCacheTTL,
		RewriteLinks: true,
	}
	if cfg.FixesDir == "" {
		cfg.FixesDir = defaultFixesDir
	}
	switch strings.ToLower(strings.TrimSpace(os.Getenv("NOCTURNE_JS"))) {
	case "1", "true", "on", "yes":
		cfg.EnableJS = true
	}
	if raw := strings.TrimSpace(os.Getenv("NOCTURNE_SETTLE_MS")); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			cfg.Settle = time.Duration(n) * time.Millisecond
		}
	}
	if raw := strings.TrimSpace(os.Getenv("NOCTURNE_CACHE_TTL")); raw != "" {
		// "0" disables the page cache.
		if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
			cfg.CacheTTL = d
		} else if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			cfg.CacheTTL = time.Duration(n) * time.Second
		}
	}
	if raw := strings.TrimSpace(os.Getenv("NOCTURNE_CORS_ORIGINS")); raw != "" {
		for _, origin := range strings.Split(raw, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, origin)
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("NOCTURNE_REWRITE_LINKS")); v == "0" || strings.EqualFold(v, "false") {
		cfg.RewriteLinks = false
	}
	return cfg
}

// Server exposes the HTTP handlers implementing the proxy behaviour.
type Server struct {
	cfg        Config
	mux        *http.ServeMux
	handler    http.Handler
	logger     *zap.Logger
	theme      filter.ThemeConfig
	fixes      *fixes.Store
	sheets     *sheet.Cache
	cookieJars *cookieJarStore
	cache      *pageCache
	loads      singleflight.Group
	metrics    *metrics.Metrics
	registry   *prometheus.Registry
	upstream   Upstream
	renderer   Upstream
	clock      clockwork.Clock
}

// New wires a new proxy server with the provided configuration. It fails
// only when the theme file cannot be read.
func New(cfg Config) (*Server, error) {
	if cfg.IndexHTML == "" {
		cfg.IndexHTML = defaultIndexHTML
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Settle <= 0 {
		cfg.Settle = defaultSettle
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
	}
	theme := filter.DefaultThemeConfig()
	if cfg.Theme != nil {
		theme = *cfg.Theme
	} else if cfg.ThemePath != "" {
		loaded, err := filter.LoadThemeConfig(cfg.ThemePath)
		if err != nil {
			return nil, err
		}
		theme = loaded
	}
	logger := cfg.Logger.Named("proxy")
	s := &Server{
		cfg:        cfg,
		mux:        http.NewServeMux(),
		logger:     logger,
		theme:      theme,
		fixes:      fixes.NewStore(cfg.FixesDir, cfg.Logger),
		sheets:     sheet.NewCache(),
		cookieJars: newCookieJarStore(),
		cache:      newPageCache(cfg.Clock, cfg.CacheTTL),
		metrics:    metrics.New(cfg.Registry),
		registry:   cfg.Registry,
		upstream:   cfg.Upstream,
		renderer:   cfg.Renderer,
		clock:      cfg.Clock,
	}
	if s.upstream == nil {
		s.upstream = httpUpstream{timeout: cfg.Settle * 3}
	}
	if s.renderer == nil {
		s.renderer = newChromeUpstream(logger, cfg.Settle)
	}
	s.registerRoutes()
	var h http.Handler = s.mux
	if len(cfg.CORSOrigins) > 0 {
		h = cors.New(cors.Options{
			AllowedOrigins: cfg.CORSOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
		}).Handler(h)
	}
	s.handler = withLogging(logger, h)
	return s, nil
}

// Handler exposes the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler { return s }

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close shuts down the headless browser if one was started.
func (s *Server) Close() error {
	if c, ok := s.renderer.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/", s.handleRoot)
	s.mux.HandleFunc("/fetch", s.handleFetch)
	s.mux.HandleFunc("/reset", s.handleReset)
	s.mux.HandleFunc("/ping", s.handlePing)
	s.mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
}
