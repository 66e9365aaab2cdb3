package proxy

import (
	"net"
	"net/http"
	"net/http/cookiejar"
	"sync"
)

// cookieJarStore keeps one upstream cookie jar per client so sessions
// survive between proxied pages and their stylesheet loads.
type cookieJarStore struct {
	mu   sync.Mutex
	jars map[string]http.CookieJar
}

func newCookieJarStore() *cookieJarStore {
	return &cookieJarStore{jars: make(map[string]http.CookieJar)}
}

func (s *cookieJarStore) Get(key string) http.CookieJar {
	s.mu.Lock()
	defer s.mu.Unlock()
	if jar, ok := s.jars[key]; ok {
		return jar
	}
	jar, _ := cookiejar.New(nil)
	s.jars[key] = jar
	return jar
}

func (s *cookieJarStore) Reset() {
	s.mu.Lock()
	s.jars = make(map[string]http.CookieJar)
	s.mu.Unlock()
}

// clientKey identifies a browser by address and user agent.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		host = r.RemoteAddr
	}
	return host + "|" + r.UserAgent()
}
