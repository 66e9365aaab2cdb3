// Package fixes loads per-site theme adjustments from a directory of YAML
// (or JSON) files named after the host they apply to.
package fixes

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"nocturne/internal/filter"
)

// ErrNotFound is returned when neither a host fix nor a default exists.
var ErrNotFound = errors.New("fixes: no fix for host")

// DefaultName is the file stem of the fix merged under every host fix.
const DefaultName = "default"

var extensions = []string{".yaml", ".yml", ".json"}

// Store resolves a page URL to its fix, trying the host and then each parent
// domain. Results, including misses, are cached until Reset.
type Store struct {
	dir    string
	logger *zap.Logger

	mu      sync.RWMutex
	cache   map[string]*filter.Fix
	generic *filter.Fix
	loaded  bool
}

// NewStore reads fixes from dir. An empty dir disables lookups.
func NewStore(dir string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		dir:    dir,
		logger: logger.Named("fixes"),
		cache:  make(map[string]*filter.Fix),
	}
}

// Find returns the merged fix for target.
func (s *Store) Find(target string) (*filter.Fix, error) {
	u, err := url.Parse(target)
	if err != nil || u.Hostname() == "" {
		return nil, ErrNotFound
	}
	host := strings.ToLower(u.Hostname())
	s.mu.RLock()
	fix, ok := s.cache[host]
	s.mu.RUnlock()
	if ok {
		if fix == nil {
			return nil, ErrNotFound
		}
		return fix, nil
	}

	var specific *filter.Fix
	labels := strings.Split(host, ".")
	for i := 0; i < len(labels); i++ {
		if specific = s.load(strings.Join(labels[i:], ".")); specific != nil {
			break
		}
	}
	fix = filter.MergeFixes(s.defaultFix(), specific)

	s.mu.Lock()
	s.cache[host] = fix
	s.mu.Unlock()
	if fix == nil {
		return nil, ErrNotFound
	}
	s.logger.Debug("fix resolved", zap.String("host", host), zap.Bool("specific", specific != nil))
	return fix, nil
}

// Reset forgets cached lookups so edited files are read again.
func (s *Store) Reset() {
	s.mu.Lock()
	s.cache = make(map[string]*filter.Fix)
	s.generic = nil
	s.loaded = false
	s.mu.Unlock()
}

func (s *Store) defaultFix() *filter.Fix {
	s.mu.RLock()
	if s.loaded {
		g := s.generic
		s.mu.RUnlock()
		return g
	}
	s.mu.RUnlock()
	g := s.load(DefaultName)
	s.mu.Lock()
	s.generic, s.loaded = g, true
	s.mu.Unlock()
	return g
}

func (s *Store) load(name string) *filter.Fix {
	if s.dir == "" || name == "" {
		return nil
	}
	for _, ext := range extensions {
		path := filepath.Join(s.dir, name+ext)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var fix filter.Fix
		if err := yaml.Unmarshal(data, &fix); err != nil {
			s.logger.Warn("invalid fix file", zap.String("path", path), zap.Error(err))
			return nil
		}
		fix.CSS = strings.TrimSpace(fix.CSS)
		return &fix
	}
	return nil
}
