package sheet

import (
	"context"
	"net/url"
	"strings"

	cssast "github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
	"go.uber.org/zap"
)

const (
	maxImportDepth  = 16
	maxImportBudget = 16
)

type declaration struct {
	property  string
	value     string
	important bool
}

type styleRule struct {
	// wrappers are the enclosing conditional group preludes, outermost
	// first, e.g. "@media screen and (max-width: 600px)".
	wrappers     []string
	selector     string
	declarations []declaration
}

type importRef struct {
	url   string
	media string
}

type parsedSheet struct {
	rules     []styleRule
	variables []Variable
	imports   []importRef
}

// parseSheet parses CSS text whose relative URLs resolve against base.
// Unparseable input yields an empty sheet.
func parseSheet(text, base string, logger *zap.Logger) *parsedSheet {
	out := &parsedSheet{}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return out
	}
	ss, err := parser.Parse(trimmed)
	if err != nil {
		logger.Debug("css parse failed", zap.String("base", base), zap.Error(err))
		return out
	}

	var walk func(list []*cssast.Rule, wrappers []string)
	walk = func(list []*cssast.Rule, wrappers []string) {
		for _, rule := range list {
			if rule == nil {
				continue
			}
			switch rule.Kind {
			case cssast.AtRule:
				name := strings.ToLower(strings.TrimSpace(rule.Name))
				switch name {
				case "@media", "@supports", "@document":
					if name == "@media" && !mediaApplies(rule.Prelude) {
						continue
					}
					next := append(append([]string(nil), wrappers...), name+" "+strings.TrimSpace(rule.Prelude))
					walk(rule.Rules, next)
				case "@import":
					target, media := extractImportTarget(rule.Prelude)
					if target == "" {
						continue
					}
					if media != "" && !mediaApplies(media) {
						continue
					}
					out.imports = append(out.imports, importRef{url: resolveURL(base, target), media: media})
				}
			case cssast.QualifiedRule:
				decls := convertDeclarations(rule.Declarations)
				if len(decls) == 0 || len(rule.Selectors) == 0 {
					continue
				}
				for _, d := range decls {
					if strings.HasPrefix(d.property, "--") {
						out.variables = append(out.variables, Variable{Name: d.property, Value: d.value})
					}
				}
				out.rules = append(out.rules, styleRule{
					wrappers:     wrappers,
					selector:     strings.Join(rule.Selectors, ", "),
					declarations: decls,
				})
			}
		}
	}
	walk(ss.Rules, nil)
	return out
}

func convertDeclarations(list []*cssast.Declaration) []declaration {
	if len(list) == 0 {
		return nil
	}
	out := make([]declaration, 0, len(list))
	for _, decl := range list {
		if decl == nil {
			continue
		}
		prop := strings.TrimSpace(decl.Property)
		if !strings.HasPrefix(prop, "--") {
			prop = strings.ToLower(prop)
		}
		if prop == "" {
			continue
		}
		val := strings.TrimSpace(decl.Value)
		if val == "" {
			continue
		}
		out = append(out, declaration{property: prop, value: val, important: decl.Important})
	}
	return out
}

// mediaApplies drops print-only and speech-only groups; everything else may
// match on screen.
func mediaApplies(prelude string) bool {
	p := strings.ToLower(strings.TrimSpace(prelude))
	if p == "" {
		return true
	}
	for _, q := range strings.Split(p, ",") {
		q = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(q), "only "))
		if strings.HasPrefix(q, "not print") || (!strings.HasPrefix(q, "print") && !strings.HasPrefix(q, "speech")) {
			return true
		}
	}
	return false
}

func extractImportTarget(prelude string) (string, string) {
	s := strings.TrimSpace(prelude)
	if s == "" {
		return "", ""
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "url(") {
		end := strings.Index(s, ")")
		if end == -1 {
			return "", ""
		}
		return trimCSSString(s[4:end]), strings.TrimSpace(s[end+1:])
	}
	if (s[0] == '"' || s[0] == '\'') && len(s) > 1 {
		if idx := strings.IndexByte(s[1:], s[0]); idx != -1 {
			return s[1 : idx+1], strings.TrimSpace(s[idx+2:])
		}
	}
	fields := strings.Fields(s)
	return trimCSSString(fields[0]), strings.TrimSpace(strings.TrimPrefix(s, fields[0]))
}

func trimCSSString(v string) string {
	vv := strings.TrimSpace(v)
	if len(vv) >= 2 {
		if (vv[0] == '"' && vv[len(vv)-1] == '"') || (vv[0] == '\'' && vv[len(vv)-1] == '\'') {
			return vv[1 : len(vv)-1]
		}
	}
	return vv
}

func resolveURL(base, href string) string {
	hu, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return ""
	}
	if base == "" || hu.IsAbs() {
		return hu.String()
	}
	bu, err := url.Parse(base)
	if err != nil {
		return hu.String()
	}
	return bu.ResolveReference(hu).String()
}

// importLoader follows @import chains with a shared fetch budget and a
// visited set, so cycles and fan-out stay bounded.
type importLoader struct {
	fetcher Fetcher
	logger  *zap.Logger
	visited map[string]struct{}
	budget  int
}

func newImportLoader(fetcher Fetcher, logger *zap.Logger, seen ...string) *importLoader {
	l := &importLoader{
		fetcher: fetcher,
		logger:  logger,
		visited: make(map[string]struct{}),
		budget:  maxImportBudget,
	}
	for _, s := range seen {
		if s != "" {
			l.visited[s] = struct{}{}
		}
	}
	return l
}

// load fetches and parses url and everything it imports.
func (l *importLoader) load(ctx context.Context, rawURL string, depth int) (*parsedSheet, error) {
	res, err := l.fetcher.Fetch(ctx, rawURL, "text/css")
	if err != nil {
		return nil, err
	}
	base := res.URL
	if base == "" {
		base = rawURL
	}
	sheet := parseSheet(string(res.Data), base, l.logger)
	l.expand(ctx, sheet, depth)
	return sheet, nil
}

// expand inlines the sheet's imports ahead of its own rules.
func (l *importLoader) expand(ctx context.Context, sheet *parsedSheet, depth int) {
	if len(sheet.imports) == 0 {
		return
	}
	imports := sheet.imports
	sheet.imports = nil
	if depth >= maxImportDepth {
		return
	}
	var rules []styleRule
	var vars []Variable
	for _, imp := range imports {
		if imp.url == "" {
			continue
		}
		if _, seen := l.visited[imp.url]; seen {
			continue
		}
		l.visited[imp.url] = struct{}{}
		if l.budget <= 0 {
			l.logger.Debug("import budget exhausted", zap.String("url", imp.url))
			break
		}
		l.budget--
		child, err := l.load(ctx, imp.url, depth+1)
		if err != nil {
			l.logger.Debug("import failed", zap.String("url", imp.url), zap.Error(err))
			continue
		}
		for _, r := range child.rules {
			if imp.media != "" {
				r.wrappers = append([]string{"@media " + imp.media}, r.wrappers...)
			}
			rules = append(rules, r)
		}
		vars = append(vars, child.variables...)
	}
	sheet.rules = append(rules, sheet.rules...)
	sheet.variables = append(vars, sheet.variables...)
}
