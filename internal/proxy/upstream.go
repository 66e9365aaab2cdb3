package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html/charset"

	"nocturne/internal/sheet"
)

const acceptHTML = "text/html,application/xhtml+xml,*/*;q=0.8"

// Upstream loads the page a client asked for. Implementations must be safe
// for concurrent use.
type Upstream interface {
	Load(ctx context.Context, target string, hdr http.Header, jar http.CookieJar) (*sheet.Resource, error)
}

// httpUpstream loads pages with a plain HTTP client sharing the client's
// cookie jar.
type httpUpstream struct {
	timeout time.Duration
}

func (u httpUpstream) Load(ctx context.Context, target string, hdr http.Header, jar http.CookieJar) (*sheet.Resource, error) {
	res, err := upstreamFetcher(u.timeout, hdr, jar).Fetch(ctx, target, acceptHTML)
	if err != nil {
		return nil, fmt.Errorf("proxy: load %s: %w", target, err)
	}
	if isHTML(res.ContentType) {
		if err := toUTF8(res); err != nil {
			return nil, fmt.Errorf("proxy: decode %s: %w", target, err)
		}
	}
	return res, nil
}

// toUTF8 transcodes a page declared or sniffed as another charset. The
// served page is always UTF-8.
func toUTF8(res *sheet.Resource) error {
	_, name, _ := charset.DetermineEncoding(res.Data, res.ContentType)
	if name == "utf-8" {
		return nil
	}
	r, err := charset.NewReader(bytes.NewReader(res.Data), res.ContentType)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	res.Data = data
	res.ContentType = "text/html; charset=utf-8"
	return nil
}

func upstreamFetcher(timeout time.Duration, hdr http.Header, jar http.CookieJar) *sheet.HTTPFetcher {
	client := &http.Client{Timeout: timeout, Jar: jar}
	return sheet.NewHTTPFetcher(client, hdr)
}

// forwardHeaders copies the client headers that shape the upstream
// response. Cookies travel through the per-client jar instead.
func forwardHeaders(r *http.Request) http.Header {
	hdr := http.Header{}
	if ua := firstNonEmpty(r.URL.Query().Get("ua"), r.UserAgent()); ua != "" {
		hdr.Set("User-Agent", ua)
	}
	if lang := firstNonEmpty(r.URL.Query().Get("lang"), r.Header.Get("Accept-Language")); lang != "" {
		hdr.Set("Accept-Language", lang)
	}
	return hdr
}

func isHTML(contentType string) bool {
	if strings.TrimSpace(contentType) == "" {
		return true
	}
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mt == "text/html" || mt == "application/xhtml+xml"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
