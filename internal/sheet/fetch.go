package sheet

import (
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrNoFetcher is reported when a linked resource needs loading but the
// manager was built without a Fetcher.
var ErrNoFetcher = errors.New("sheet: no fetcher configured")

const (
	defaultFetchTimeout = 8 * time.Second
	defaultMaxBytes     = 4 << 20
)

// Resource is a fetched stylesheet or image.
type Resource struct {
	URL         string
	ContentType string
	Data        []byte
}

// Fetcher loads linked resources. Implementations must be safe for
// concurrent use; Fetch runs off the event loop.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, accept string) (*Resource, error)
}

// HTTPFetcher fetches over HTTP(S) and decodes data: URLs in place.
type HTTPFetcher struct {
	Client   *http.Client
	Header   http.Header
	MaxBytes int64
}

// NewHTTPFetcher returns a fetcher forwarding hdr on every request. A nil
// client gets the default timeout.
func NewHTTPFetcher(client *http.Client, hdr http.Header) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	return &HTTPFetcher{Client: client, Header: hdr, MaxBytes: defaultMaxBytes}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string, accept string) (*Resource, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return decodeDataURL(rawURL)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("sheet: build request: %w", err)
	}
	if accept == "" {
		accept = "text/*"
	}
	req.Header.Set("Accept", accept)
	for k, vals := range f.Header {
		if strings.EqualFold(k, "accept") {
			continue
		}
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: defaultFetchTimeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sheet: fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("sheet: fetch %s: status %d", rawURL, resp.StatusCode)
	}

	rc := io.ReadCloser(resp.Body)
	switch strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))) {
	case "gzip":
		if gr, err := gzip.NewReader(resp.Body); err == nil {
			rc = gr
			defer gr.Close()
		}
	case "deflate":
		if zr, err := zlib.NewReader(resp.Body); err == nil {
			rc = zr
			defer zr.Close()
		} else {
			fr := flate.NewReader(resp.Body)
			rc = fr
			defer fr.Close()
		}
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = defaultMaxBytes
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	if err != nil {
		return nil, fmt.Errorf("sheet: read %s: %w", rawURL, err)
	}
	final := rawURL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}
	return &Resource{URL: final, ContentType: resp.Header.Get("Content-Type"), Data: body}, nil
}

func decodeDataURL(raw string) (*Resource, error) {
	comma := strings.IndexByte(raw, ',')
	if comma < 0 {
		return nil, fmt.Errorf("sheet: malformed data url")
	}
	meta := raw[len("data:"):comma]
	payload := raw[comma+1:]
	var data []byte
	if strings.HasSuffix(meta, ";base64") {
		meta = strings.TrimSuffix(meta, ";base64")
		b, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, fmt.Errorf("sheet: data url: %w", err)
		}
		data = b
	} else {
		s, err := url.PathUnescape(payload)
		if err != nil {
			return nil, fmt.Errorf("sheet: data url: %w", err)
		}
		data = []byte(s)
	}
	return &Resource{URL: raw, ContentType: meta, Data: data}, nil
}
