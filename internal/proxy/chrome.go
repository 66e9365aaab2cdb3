package proxy

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"nocturne/internal/sheet"
)

const (
	chromeTimeout = 25 * time.Second
	networkQuiet  = 500 * time.Millisecond
)

// chromeUpstream renders pages in headless Chrome and returns the DOM as it
// stands once the network has been quiet for a while. The browser process
// starts with the first Load.
type chromeUpstream struct {
	allocator context.Context
	cancel    context.CancelFunc
	logger    *zap.Logger
	quiet     time.Duration
	timeout   time.Duration
}

func newChromeUpstream(logger *zap.Logger, settle time.Duration) *chromeUpstream {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("mute-audio", true),
		chromedp.Flag("disable-background-networking", true),
		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-renderer-backgrounding", true),
		chromedp.Flag("disable-sync", true),
		chromedp.Flag("disable-extensions", true),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(context.Background(), opts...)
	quiet := networkQuiet
	if settle > 0 && settle < quiet {
		quiet = settle
	}
	return &chromeUpstream{
		allocator: allocCtx,
		cancel:    cancel,
		logger:    logger.Named("chrome"),
		quiet:     quiet,
		timeout:   chromeTimeout,
	}
}

func (c *chromeUpstream) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

// networkTracker counts requests in flight for one tab.
type networkTracker struct {
	mu     sync.Mutex
	active int
	last   time.Time
}

func (t *networkTracker) observe(ev interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch ev.(type) {
	case *network.EventRequestWillBeSent:
		t.active++
		t.last = time.Now()
	case *network.EventLoadingFinished:
		if t.active > 0 {
			t.active--
		}
		t.last = time.Now()
	case *network.EventLoadingFailed:
		if t.active > 0 {
			t.active--
		}
		t.last = time.Now()
	}
}

func (t *networkTracker) waitQuiet(quiet time.Duration) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			t.mu.Lock()
			done := t.active == 0 && time.Since(t.last) >= quiet
			t.mu.Unlock()
			if done {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
}

func (c *chromeUpstream) Load(ctx context.Context, target string, hdr http.Header, jar http.CookieJar) (*sheet.Resource, error) {
	if strings.TrimSpace(target) == "" {
		return nil, fmt.Errorf("proxy: chrome load: empty target url")
	}
	tabCtx, closeTab := chromedp.NewContext(c.allocator)
	defer closeTab()
	tabCtx, cancel := context.WithTimeout(tabCtx, c.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	tracker := &networkTracker{last: time.Now()}
	chromedp.ListenTarget(tabCtx, tracker.observe)

	var finalURL, markup string
	var browserCookies []*network.Cookie
	actions := []chromedp.Action{network.Enable()}
	actions = append(actions, headerActions(hdr)...)
	if a := cookieAction(jar, target); a != nil {
		actions = append(actions, a)
	}
	actions = append(actions,
		chromedp.Navigate(target),
		chromedp.WaitReady("body", chromedp.ByQuery),
		tracker.waitQuiet(c.quiet),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &markup, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			browserCookies, err = network.GetCookies().WithURLs([]string{target}).Do(ctx)
			return err
		}),
	)
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return nil, fmt.Errorf("proxy: chrome load %s: %w", target, err)
	}
	if finalURL == "" {
		finalURL = target
	}
	storeCookies(jar, finalURL, browserCookies)

	c.logger.Debug("rendered", zap.String("url", finalURL), zap.String("size", humanize.Bytes(uint64(len(markup)))))
	return &sheet.Resource{
		URL:         finalURL,
		ContentType: "text/html; charset=utf-8",
		Data:        []byte("<!DOCTYPE html>\n" + markup),
	}, nil
}

func headerActions(hdr http.Header) []chromedp.Action {
	var actions []chromedp.Action
	extra := network.Headers{}
	for k, vs := range hdr {
		if len(vs) == 0 {
			continue
		}
		name := http.CanonicalHeaderKey(k)
		switch name {
		case "User-Agent":
			ua := vs[0]
			actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
				return emulation.SetUserAgentOverride(ua).Do(ctx)
			}))
		case "Content-Length", "Cookie":
		default:
			extra[name] = strings.Join(vs, ", ")
		}
	}
	if len(extra) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(extra))
	}
	return actions
}

func cookieAction(jar http.CookieJar, target string) chromedp.Action {
	if jar == nil {
		return nil
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil
	}
	params := cookieParams(jar.Cookies(u), u)
	if len(params) == 0 {
		return nil
	}
	return network.SetCookies(params)
}

func cookieParams(cookies []*http.Cookie, u *url.URL) []*network.CookieParam {
	params := make([]*network.CookieParam, 0, len(cookies))
	for _, c := range cookies {
		p := &network.CookieParam{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if p.Domain == "" {
			p.Domain = u.Hostname()
		}
		if p.Path == "" {
			p.Path = "/"
		}
		if !c.Expires.IsZero() {
			exp := cdp.TimeSinceEpoch(c.Expires.UTC())
			p.Expires = &exp
		}
		params = append(params, p)
	}
	return params
}

func storeCookies(jar http.CookieJar, pageURL string, cookies []*network.Cookie) {
	if jar == nil || len(cookies) == 0 {
		return
	}
	u, err := url.Parse(pageURL)
	if err != nil {
		return
	}
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		if hc := cookieFromNetwork(c); hc != nil {
			out = append(out, hc)
		}
	}
	jar.SetCookies(u, out)
}

func cookieFromNetwork(c *network.Cookie) *http.Cookie {
	if c == nil {
		return nil
	}
	hc := &http.Cookie{
		Name:     c.Name,
		Value:    c.Value,
		Path:     c.Path,
		Domain:   c.Domain,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
	}
	if !c.Session && c.Expires > 0 {
		sec, frac := math.Modf(c.Expires)
		hc.Expires = time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	switch c.SameSite {
	case network.CookieSameSiteLax:
		hc.SameSite = http.SameSiteLaxMode
	case network.CookieSameSiteStrict:
		hc.SameSite = http.SameSiteStrictMode
	case network.CookieSameSiteNone:
		hc.SameSite = http.SameSiteNoneMode
	}
	return hc
}
