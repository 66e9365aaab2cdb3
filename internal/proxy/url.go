package proxy

import (
	"errors"
	"net/url"
	"strings"
)

var errBadTarget = errors.New("proxy: target must be an http or https url")

// reservedParams are /fetch parameters that never belong to the target.
var reservedParams = map[string]bool{"url": true, "action": true, "get": true, "js": true, "ua": true, "lang": true}

// normalizeTarget turns a url parameter into an absolute http(s) address.
// Addresses that arrive percent-encoded once more than needed are unwrapped,
// and a missing scheme means http.
func normalizeTarget(raw string) (*url.URL, error) {
	s := strings.TrimSpace(raw)
	for i := 0; i < 2 && !hasScheme(s) && strings.Contains(s, "%"); i++ {
		dec, err := url.QueryUnescape(s)
		if err != nil {
			break
		}
		s = dec
	}
	if s == "" {
		return nil, errBadTarget
	}
	if !hasScheme(s) {
		s = "http://" + strings.TrimPrefix(s, "//")
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return nil, errBadTarget
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errBadTarget
	}
	return u, nil
}

func hasScheme(s string) bool {
	i := strings.Index(s, "://")
	if i <= 0 {
		return false
	}
	for _, c := range s[:i] {
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '+' || c == '-' || c == '.') {
			return false
		}
	}
	return true
}

// buildURL resolves a form action against the page it came from and
// appends a query string, the way a browser submits a GET form.
func buildURL(base, action, get string) (string, error) {
	u, err := normalizeTarget(base)
	if err != nil {
		return "", err
	}
	if action = strings.TrimSpace(action); action != "" {
		ref, err := url.Parse(action)
		if err != nil {
			return "", errBadTarget
		}
		u = u.ResolveReference(ref)
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", errBadTarget
		}
	}
	if get != "" {
		if u.RawQuery != "" {
			u.RawQuery += "&" + get
		} else {
			u.RawQuery = get
		}
	}
	return u.String(), nil
}

// extraQuery collects the parameters a rewritten GET form added to /fetch.
func extraQuery(q url.Values) string {
	extra := url.Values{}
	for k, vs := range q {
		if reservedParams[k] {
			continue
		}
		extra[k] = vs
	}
	return extra.Encode()
}

// proxied returns the /fetch address serving target.
func proxied(serverBase, target string) string {
	return serverBase + "/fetch?url=" + url.QueryEscape(target)
}
