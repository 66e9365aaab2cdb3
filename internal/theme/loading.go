package theme

import (
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"nocturne/internal/dom"
)

// LoadingToken identifies one manager in the loading set.
type LoadingToken uuid.UUID

func newLoadingToken() LoadingToken { return LoadingToken(uuid.New()) }

func (t LoadingToken) String() string { return uuid.UUID(t).String() }

// loadingTracker gates the fallback sentinel on outstanding loads. The
// fallback is cleared only when nothing is loading and the document is
// interactive or complete.
type loadingTracker struct {
	doc      *dom.Document
	logger   *zap.Logger
	loading  map[LoadingToken]struct{}
	fallback func() *html.Node
	css      func() string
}

func newLoadingTracker(doc *dom.Document, logger *zap.Logger, fallback func() *html.Node, css func() string) *loadingTracker {
	return &loadingTracker{
		doc:      doc,
		logger:   logger,
		loading:  make(map[LoadingToken]struct{}),
		fallback: fallback,
		css:      css,
	}
}

func (l *loadingTracker) start(token LoadingToken) {
	if l.doc.IsReady() {
		return
	}
	l.loading[token] = struct{}{}
	fb := l.fallback()
	if fb != nil && dom.TextContent(fb) == "" {
		l.logger.Debug("filling fallback while loading", zap.Stringer("token", token))
		l.doc.SetTextContent(fb, l.css())
	}
}

func (l *loadingTracker) end(token LoadingToken) {
	delete(l.loading, token)
	l.check()
}

// check clears the fallback once loading is over and the document is ready.
func (l *loadingTracker) check() {
	if len(l.loading) > 0 || !l.doc.IsReady() {
		return
	}
	if fb := l.fallback(); fb != nil && dom.TextContent(fb) != "" {
		l.logger.Debug("clearing fallback")
		l.doc.SetTextContent(fb, "")
	}
}

func (l *loadingTracker) size() int { return len(l.loading) }

func (l *loadingTracker) reset() {
	l.loading = make(map[LoadingToken]struct{})
}
