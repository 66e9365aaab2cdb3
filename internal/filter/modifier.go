package filter

import (
	"regexp"
	"strings"
)

type colorKind int

const (
	kindBackground colorKind = iota
	kindForeground
	kindBorder
)

type cacheKey struct {
	kind  colorKind
	color RGBA
	cfg   string
}

// Modifier maps page colours onto the theme. Results are cached per colour
// and config until Reset. It is not safe for concurrent use.
type Modifier struct {
	cache map[cacheKey]RGBA
}

// NewModifier returns a Modifier with an empty cache.
func NewModifier() *Modifier {
	return &Modifier{cache: make(map[cacheKey]RGBA)}
}

// Reset drops every cached result.
func (m *Modifier) Reset() {
	m.cache = make(map[cacheKey]RGBA)
}

// Len reports the number of cached results.
func (m *Modifier) Len() int {
	return len(m.cache)
}

// BackgroundColor modifies a background colour.
func (m *Modifier) BackgroundColor(c RGBA, cfg ThemeConfig) RGBA {
	return m.modify(kindBackground, c, cfg)
}

// ForegroundColor modifies a text colour.
func (m *Modifier) ForegroundColor(c RGBA, cfg ThemeConfig) RGBA {
	return m.modify(kindForeground, c, cfg)
}

// BorderColor modifies a border or outline colour.
func (m *Modifier) BorderColor(c RGBA, cfg ThemeConfig) RGBA {
	return m.modify(kindBorder, c, cfg)
}

// Background parses and modifies a CSS background colour value.
func (m *Modifier) Background(value string, cfg ThemeConfig) (string, bool) {
	return m.modifyValue(kindBackground, value, cfg)
}

// Foreground parses and modifies a CSS text colour value.
func (m *Modifier) Foreground(value string, cfg ThemeConfig) (string, bool) {
	return m.modifyValue(kindForeground, value, cfg)
}

// Border parses and modifies a CSS border colour value.
func (m *Modifier) Border(value string, cfg ThemeConfig) (string, bool) {
	return m.modifyValue(kindBorder, value, cfg)
}

func (m *Modifier) modifyValue(kind colorKind, value string, cfg ThemeConfig) (string, bool) {
	c, ok := ParseColor(value)
	if !ok {
		return "", false
	}
	if c.A == 0 {
		return "transparent", true
	}
	return m.modify(kind, c, cfg).String(), true
}

var colorToken = regexp.MustCompile(`(?i)#[0-9a-f]{3,8}\b|(?:rgba?|hsla?)\([^)]*\)|\b[a-z]+\b`)

// Shadow rewrites every colour inside a shadow value. It reports false when
// no colour was found.
func (m *Modifier) Shadow(value string, cfg ThemeConfig) (string, bool) {
	return m.replaceColors(kindBackground, value, cfg)
}

// Borders rewrites the colours inside a border or outline shorthand.
func (m *Modifier) Borders(value string, cfg ThemeConfig) (string, bool) {
	return m.replaceColors(kindBorder, value, cfg)
}

// Gradient rewrites the colour stops of a gradient value.
func (m *Modifier) Gradient(value string, cfg ThemeConfig) (string, bool) {
	return m.replaceColors(kindBackground, value, cfg)
}

func (m *Modifier) replaceColors(kind colorKind, value string, cfg ThemeConfig) (string, bool) {
	changed := false
	out := colorToken.ReplaceAllStringFunc(value, func(tok string) string {
		c, ok := ParseColor(tok)
		if !ok || c.A == 0 {
			return tok
		}
		changed = true
		return m.modify(kind, c, cfg).String()
	})
	return out, changed
}

func (m *Modifier) modify(kind colorKind, c RGBA, cfg ThemeConfig) RGBA {
	key := cacheKey{kind: kind, color: c, cfg: cfg.Key()}
	if out, ok := m.cache[key]; ok {
		return out
	}
	out := c
	if cfg.Mode == Dark {
		h := c.toHSL()
		switch kind {
		case kindBackground:
			h = modifyBackground(h, pole(cfg.DarkSchemeBackgroundColor, "#181a1b"))
		case kindForeground:
			h = modifyForeground(h, pole(cfg.DarkSchemeTextColor, "#e8e6e3"))
		case kindBorder:
			h = modifyBorder(h, pole(cfg.DarkSchemeTextColor, "#e8e6e3"), pole(cfg.DarkSchemeBackgroundColor, "#181a1b"))
		}
		out = h.toRGB()
	}
	if mx := FilterMatrix(cfg, false); !mx.IsIdentity() {
		out.R, out.G, out.B = mx.Apply(out.R, out.G, out.B)
	}
	out.A = c.A
	m.cache[key] = out
	return out
}

func pole(value, fallback string) hsla {
	c, ok := ParseColor(value)
	if !ok {
		c, _ = ParseColor(fallback)
	}
	return c.toHSL()
}

func modifyBackground(c, pole hsla) hsla {
	isBlue := c.H > 200 && c.H < 280
	isNeutral := c.S < 0.12 || (c.L > 0.8 && isBlue)
	if c.L < 0.5 {
		l := scale(c.L, 0, 0.5, 0, 0.4)
		if isNeutral {
			return hsla{H: pole.H, S: pole.S, L: l, A: c.A}
		}
		return hsla{H: c.H, S: c.S, L: l, A: c.A}
	}
	l := scale(c.L, 0.5, 1, 0.4, pole.L)
	if isNeutral {
		return hsla{H: pole.H, S: pole.S, L: l, A: c.A}
	}
	h := c.H
	if h > 60 && h < 180 {
		if h > 120 {
			h = scale(h, 120, 180, 135, 180)
		} else {
			h = scale(h, 60, 120, 60, 105)
		}
	}
	return hsla{H: h, S: c.S, L: l, A: c.A}
}

func modifyForeground(c, pole hsla) hsla {
	isNeutral := c.L < 0.2 || c.S < 0.24
	if c.L > 0.5 {
		l := scale(c.L, 0.5, 1, 0.55, pole.L)
		if isNeutral {
			return hsla{H: pole.H, S: pole.S, L: l, A: c.A}
		}
		return hsla{H: c.H, S: c.S, L: l, A: c.A}
	}
	if isNeutral {
		return hsla{H: pole.H, S: pole.S, L: scale(c.L, 0, 0.5, pole.L, 0.5), A: c.A}
	}
	h := c.H
	var l float64
	if h > 205 && h < 245 {
		h = scale(h, 205, 245, 205, 220)
		l = scale(c.L, 0, 0.5, pole.L, 0.7)
	} else {
		l = scale(c.L, 0, 0.5, pole.L, 0.55)
	}
	return hsla{H: h, S: c.S, L: l, A: c.A}
}

func modifyBorder(c, fgPole, bgPole hsla) hsla {
	isNeutral := c.L < 0.2 || c.S < 0.24
	h, s := c.H, c.S
	if isNeutral {
		if c.L < 0.5 {
			h, s = fgPole.H, fgPole.S
		} else {
			h, s = bgPole.H, bgPole.S
		}
	}
	return hsla{H: h, S: s, L: scale(c.L, 0, 1, 0.5, 0.2), A: c.A}
}

// ReplaceTemplates expands ${colour} placeholders in site CSS into modified
// background colours. Unparseable placeholders are left as they are.
func (m *Modifier) ReplaceTemplates(css string, cfg ThemeConfig) string {
	var b strings.Builder
	for {
		start := strings.Index(css, "${")
		if start < 0 {
			b.WriteString(css)
			return b.String()
		}
		end := strings.IndexByte(css[start:], '}')
		if end < 0 {
			b.WriteString(css)
			return b.String()
		}
		end += start
		b.WriteString(css[:start])
		raw := css[start+2 : end]
		if c, ok := ParseColor(raw); ok {
			b.WriteString(m.BackgroundColor(c, cfg).String())
		} else {
			b.WriteString(css[start : end+1])
		}
		css = css[end+1:]
	}
}
