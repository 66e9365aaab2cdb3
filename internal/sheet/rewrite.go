package sheet

import (
	"regexp"
	"strings"

	"nocturne/internal/filter"
)

// imageLookup resolves an absolute image URL to its themed replacement.
// known is false until the image has been analysed; an empty replacement
// keeps the original.
type imageLookup func(absURL string) (replacement string, known bool)

type rewriter struct {
	cfg    filter.ThemeConfig
	mod    *filter.Modifier
	vars   map[string]string
	base   string
	images imageLookup
	// ignoreImages lists selectors whose images are never analysed.
	ignoreImages []string
	skipImages   bool
	// missing collects image URLs seen but not yet analysed.
	missing []string
}

var urlToken = regexp.MustCompile(`(?i)url\((?:[^()"']|"[^"]*"|'[^']*')*\)`)

func (rw *rewriter) lookupVar(name string) (string, bool) {
	v, ok := rw.vars[name]
	return v, ok
}

// render produces the override sheet for rules.
func (rw *rewriter) render(rules []styleRule) string {
	var b strings.Builder
	for _, r := range rules {
		rw.skipImages = rw.ignored(r.selector)
		var body []string
		for _, d := range r.declarations {
			if strings.HasPrefix(d.property, "--") {
				continue
			}
			value, ok := rw.declaration(d.property, d.value)
			if !ok {
				continue
			}
			if d.important {
				value += " !important"
			}
			body = append(body, "    "+d.property+": "+value+";")
		}
		if len(body) == 0 {
			continue
		}
		for _, w := range r.wrappers {
			b.WriteString(w)
			b.WriteString(" {\n")
		}
		b.WriteString(r.selector)
		b.WriteString(" {\n")
		b.WriteString(strings.Join(body, "\n"))
		b.WriteString("\n}\n")
		for range r.wrappers {
			b.WriteString("}\n")
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (rw *rewriter) ignored(selector string) bool {
	if len(rw.ignoreImages) == 0 {
		return false
	}
	for _, part := range strings.Split(selector, ",") {
		part = strings.TrimSpace(part)
		for _, ig := range rw.ignoreImages {
			if part == strings.TrimSpace(ig) {
				return true
			}
		}
	}
	return false
}

// declaration returns the themed value of one declaration and whether it
// needs overriding at all.
func (rw *rewriter) declaration(property, value string) (string, bool) {
	if filter.HasVars(value) {
		value = filter.ReplaceVars(value, rw.lookupVar)
		if filter.HasVars(value) {
			return "", false
		}
	}
	switch property {
	case "color", "caret-color", "text-decoration-color", "fill", "stroke", "stop-color",
		"-webkit-text-fill-color", "-webkit-text-stroke-color":
		return rw.mod.Foreground(value, rw.cfg)
	case "background-color":
		return rw.mod.Background(value, rw.cfg)
	case "border-color", "border-top-color", "border-right-color", "border-bottom-color",
		"border-left-color", "outline-color", "column-rule-color",
		"border-block-start-color", "border-block-end-color",
		"border-inline-start-color", "border-inline-end-color":
		return rw.mod.Border(value, rw.cfg)
	case "border", "border-top", "border-right", "border-bottom", "border-left",
		"outline", "column-rule", "border-block", "border-inline":
		return rw.mod.Borders(value, rw.cfg)
	case "box-shadow", "text-shadow":
		return rw.mod.Shadow(value, rw.cfg)
	case "background", "background-image":
		return rw.background(value)
	}
	return "", false
}

// background rewrites images and colours in a background value, leaving the
// inside of url() untouched by colour replacement.
func (rw *rewriter) background(value string) (string, bool) {
	var b strings.Builder
	changed := false
	rest := value
	for {
		loc := urlToken.FindStringIndex(rest)
		if loc == nil {
			out, ok := rw.mod.Gradient(rest, rw.cfg)
			b.WriteString(out)
			changed = changed || ok
			break
		}
		out, ok := rw.mod.Gradient(rest[:loc[0]], rw.cfg)
		b.WriteString(out)
		changed = changed || ok

		token := rest[loc[0]:loc[1]]
		if repl, ok := rw.image(token); ok {
			b.WriteString(repl)
			changed = true
		} else {
			b.WriteString(token)
		}
		rest = rest[loc[1]:]
	}
	return b.String(), changed
}

func (rw *rewriter) image(token string) (string, bool) {
	inner := trimCSSString(token[4 : len(token)-1])
	if inner == "" || rw.images == nil || rw.skipImages {
		return "", false
	}
	abs := inner
	if !strings.HasPrefix(inner, "data:") {
		abs = resolveURL(rw.base, inner)
	}
	if abs == "" {
		return "", false
	}
	repl, known := rw.images(abs)
	if !known {
		rw.missing = append(rw.missing, abs)
		return "", false
	}
	return repl, repl != ""
}
