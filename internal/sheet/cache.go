package sheet

import (
	"image"
	"sync"

	"nocturne/internal/imagery"
)

type imageEntry struct {
	img      image.Image
	analysis imagery.Analysis
	failed   bool
}

type renderedKey struct {
	url string
	cfg string
}

// Cache shares loaded stylesheets and analysed images between managers.
// It is safe for concurrent use so one cache can serve many documents.
type Cache struct {
	mu       sync.RWMutex
	sheets   map[string]*parsedSheet
	images   map[string]*imageEntry
	rendered map[renderedKey]string
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	c := &Cache{}
	c.Reset()
	return c
}

// Reset drops everything cached.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.sheets = make(map[string]*parsedSheet)
	c.images = make(map[string]*imageEntry)
	c.rendered = make(map[renderedKey]string)
	c.mu.Unlock()
}

// Len reports how many sheets and images are cached.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sheets) + len(c.images)
}

func (c *Cache) sheet(url string) (*parsedSheet, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sheets[url]
	return s, ok
}

func (c *Cache) putSheet(url string, s *parsedSheet) {
	c.mu.Lock()
	c.sheets[url] = s
	c.mu.Unlock()
}

func (c *Cache) image(url string) (*imageEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.images[url]
	return e, ok
}

func (c *Cache) putImage(url string, e *imageEntry) {
	c.mu.Lock()
	c.images[url] = e
	c.mu.Unlock()
}

func (c *Cache) renderedImage(url, cfg string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.rendered[renderedKey{url, cfg}]
	return v, ok
}

func (c *Cache) putRendered(url, cfg, value string) {
	c.mu.Lock()
	c.rendered[renderedKey{url, cfg}] = value
	c.mu.Unlock()
}
