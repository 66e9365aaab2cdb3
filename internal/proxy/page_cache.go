package proxy

import (
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"nocturne/internal/filter"
)

type cachedPage struct {
	body        []byte
	contentType string
	created     time.Time
}

// pageCache keeps themed pages for a fixed time. A ttl of zero disables it.
type pageCache struct {
	mu    sync.RWMutex
	clock clockwork.Clock
	ttl   time.Duration
	data  map[string]cachedPage
}

func newPageCache(clock clockwork.Clock, ttl time.Duration) *pageCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &pageCache{
		clock: clock,
		ttl:   ttl,
		data:  make(map[string]cachedPage),
	}
}

// pageKey includes the client because pages are loaded with its cookies.
func pageKey(client, target string, cfg filter.ThemeConfig, js bool) string {
	return client + "|" + target + "|" + cfg.Key() + "|js=" + strconv.FormatBool(js)
}

func (c *pageCache) Store(key string, body []byte, contentType string) {
	if c.ttl <= 0 || len(body) == 0 {
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.data {
		if now.Sub(e.created) >= c.ttl {
			delete(c.data, k)
		}
	}
	c.data[key] = cachedPage{
		body:        append([]byte(nil), body...),
		contentType: contentType,
		created:     now,
	}
}

func (c *pageCache) Select(key string) (cachedPage, bool) {
	if c.ttl <= 0 {
		return cachedPage{}, false
	}
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()
	if !ok {
		return cachedPage{}, false
	}
	if c.clock.Now().Sub(e.created) >= c.ttl {
		c.mu.Lock()
		delete(c.data, key)
		c.mu.Unlock()
		return cachedPage{}, false
	}
	return e, true
}

func (c *pageCache) Reset() {
	c.mu.Lock()
	c.data = make(map[string]cachedPage)
	c.mu.Unlock()
}

func (c *pageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
