package filter

import (
	"fmt"
	"strconv"
	"strings"
)

var (
	white = RGBA{255, 255, 255, 1}
	black = RGBA{0, 0, 0, 1}
)

// FallbackCSS paints a neutral dark layer before the page's own sheets are
// themed. Strict mode reaches every descendant of body, otherwise only its
// direct children.
func FallbackCSS(m *Modifier, cfg ThemeConfig, strict bool) string {
	body := "body > :not(iframe)"
	if strict {
		body = "body :not(iframe)"
	}
	lines := []string{
		fmt.Sprintf("html, body, %s {", body),
		fmt.Sprintf("    background-color: %s !important;", m.BackgroundColor(white, cfg)),
		fmt.Sprintf("    border-color: %s !important;", m.BorderColor(RGBA{64, 64, 64, 1}, cfg)),
		fmt.Sprintf("    color: %s !important;", m.ForegroundColor(black, cfg)),
		"}",
	}
	return strings.Join(lines, "\n")
}

func joinSelectors(selectors ...string) string {
	var out []string
	for _, s := range selectors {
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, ", ")
}

// UserAgentCSS restyles what the browser's own stylesheet would paint.
func UserAgentCSS(m *Modifier, cfg ThemeConfig, isIframe bool) string {
	controls := ""
	if cfg.StyleSystemControls {
		controls = "input, textarea, select, button, dialog"
	}
	scheme := "dark light"
	if cfg.Mode == Dark {
		scheme = "dark"
	}
	lines := []string{
		"html {",
		fmt.Sprintf("    background-color: %s !important;", m.BackgroundColor(white, cfg)),
		"}",
		"html {",
		fmt.Sprintf("    color-scheme: %s !important;", scheme),
		"}",
	}
	rootSelectors := "html, body"
	if isIframe {
		rootSelectors = ""
	}
	if sel := joinSelectors(rootSelectors, controls); sel != "" {
		lines = append(lines,
			sel+" {",
			fmt.Sprintf("    background-color: %s;", m.BackgroundColor(white, cfg)),
			"}")
	}
	lines = append(lines,
		joinSelectors("html, body", controls)+" {",
		fmt.Sprintf("    border-color: %s;", m.BorderColor(RGBA{76, 76, 76, 1}, cfg)),
		fmt.Sprintf("    color: %s;", m.ForegroundColor(black, cfg)),
		"}",
		"a {",
		fmt.Sprintf("    color: %s;", m.ForegroundColor(RGBA{0, 64, 255, 1}, cfg)),
		"}",
		"table {",
		fmt.Sprintf("    border-color: %s;", m.BorderColor(RGBA{128, 128, 128, 1}, cfg)),
		"}",
		"mark {",
		fmt.Sprintf("    color: %s;", m.ForegroundColor(black, cfg)),
		"}",
		"::placeholder {",
		fmt.Sprintf("    color: %s;", m.ForegroundColor(RGBA{169, 169, 169, 1}, cfg)),
		"}",
		"input:-webkit-autofill,",
		"textarea:-webkit-autofill,",
		"select:-webkit-autofill {",
		fmt.Sprintf("    background-color: %s !important;", m.BackgroundColor(RGBA{250, 255, 189, 1}, cfg)),
		fmt.Sprintf("    color: %s !important;", m.ForegroundColor(black, cfg)),
		"}",
	)
	if s := scrollbarCSS(m, cfg); s != "" {
		lines = append(lines, s)
	}
	if s := selectionCSS(m, cfg); s != "" {
		lines = append(lines, s)
	}
	return strings.Join(lines, "\n")
}

func scrollbarCSS(m *Modifier, cfg ThemeConfig) string {
	var track, icons, thumb, thumbHover, thumbActive, corner RGBA
	switch cfg.ScrollbarColor {
	case "":
		return ""
	case "auto":
		track = m.BackgroundColor(RGBA{241, 241, 241, 1}, cfg)
		icons = m.ForegroundColor(RGBA{96, 96, 96, 1}, cfg)
		thumb = m.BackgroundColor(RGBA{176, 176, 176, 1}, cfg)
		thumbHover = m.BackgroundColor(RGBA{144, 144, 144, 1}, cfg)
		thumbActive = m.BackgroundColor(RGBA{96, 96, 96, 1}, cfg)
		corner = m.BackgroundColor(white, cfg)
	default:
		c, ok := ParseColor(cfg.ScrollbarColor)
		if !ok {
			return ""
		}
		c.A = 1
		if IsDark(c) {
			track = c.darken(30)
			icons = c.lighten(60)
			thumb = c
			thumbHover = c.lighten(10)
			thumbActive = c.lighten(20)
			corner = c.darken(50)
		} else {
			track = c.lighten(30)
			icons = c.darken(60)
			thumb = c
			thumbHover = c.darken(10)
			thumbActive = c.darken(20)
			corner = c.lighten(50)
		}
	}
	lines := []string{
		"::-webkit-scrollbar {",
		fmt.Sprintf("    background-color: %s;", track),
		fmt.Sprintf("    color: %s;", icons),
		"}",
		"::-webkit-scrollbar-thumb {",
		fmt.Sprintf("    background-color: %s;", thumb),
		"}",
		"::-webkit-scrollbar-thumb:hover {",
		fmt.Sprintf("    background-color: %s;", thumbHover),
		"}",
		"::-webkit-scrollbar-thumb:active {",
		fmt.Sprintf("    background-color: %s;", thumbActive),
		"}",
		"::-webkit-scrollbar-corner {",
		fmt.Sprintf("    background-color: %s;", corner),
		"}",
		"* {",
		fmt.Sprintf("    scrollbar-color: %s %s;", thumb, track),
		"}",
	}
	return strings.Join(lines, "\n")
}

func selectionCSS(m *Modifier, cfg ThemeConfig) string {
	var bg, fg RGBA
	switch cfg.SelectionColor {
	case "":
		return ""
	case "auto":
		bg = m.BackgroundColor(RGBA{0, 96, 212, 1}, cfg)
		fg = m.ForegroundColor(white, cfg)
	default:
		c, ok := ParseColor(cfg.SelectionColor)
		if !ok {
			return ""
		}
		bg = c
		if IsDark(c) {
			fg = RGBA{255, 255, 255, 1}
		} else {
			fg = RGBA{0, 0, 0, 1}
		}
	}
	var lines []string
	for _, sel := range []string{"::selection", "::-moz-selection"} {
		lines = append(lines,
			sel+" {",
			fmt.Sprintf("    background-color: %s !important;", bg),
			fmt.Sprintf("    color: %s !important;", fg),
			"}")
	}
	return strings.Join(lines, "\n")
}

// TextCSS applies the configured font and text stroke. It returns "" when
// neither is enabled.
func TextCSS(cfg ThemeConfig) string {
	useFont := cfg.UseFont && strings.TrimSpace(cfg.FontFamily) != ""
	if !useFont && cfg.TextStroke <= 0 {
		return ""
	}
	lines := []string{
		`*:not(pre, pre *, code, .far, .fa, .glyphicon, [class*="vjs-"], .fab, .fa-github, .fas, .material-icons, .icofont, .typcn, mu, [class*="mu-"], .icon) {`,
	}
	if useFont {
		lines = append(lines, fmt.Sprintf("  font-family: %s !important;", cfg.FontFamily))
	}
	if cfg.TextStroke > 0 {
		stroke := strconv.FormatFloat(cfg.TextStroke, 'f', -1, 64)
		lines = append(lines,
			fmt.Sprintf("  -webkit-text-stroke: %spx !important;", stroke),
			fmt.Sprintf("  text-stroke: %spx !important;", stroke))
	}
	lines = append(lines, "}")
	return strings.Join(lines, "\n")
}

// FilterValue renders cfg as a CSS filter value, or "" when it is a no-op.
func FilterValue(cfg ThemeConfig) string {
	var parts []string
	if cfg.Mode == Dark {
		parts = append(parts, "invert(100%) hue-rotate(180deg)")
	}
	if cfg.Brightness != 100 {
		parts = append(parts, fmt.Sprintf("brightness(%d%%)", cfg.Brightness))
	}
	if cfg.Contrast != 100 {
		parts = append(parts, fmt.Sprintf("contrast(%d%%)", cfg.Contrast))
	}
	if cfg.Grayscale != 0 {
		parts = append(parts, fmt.Sprintf("grayscale(%d%%)", cfg.Grayscale))
	}
	if cfg.Sepia != 0 {
		parts = append(parts, fmt.Sprintf("sepia(%d%%)", cfg.Sepia))
	}
	return strings.Join(parts, " ")
}

// InvertCSS inverts the fix's selectors back so images and widgets that
// are already dark are not themed twice.
func InvertCSS(cfg ThemeConfig, fix *Fix) string {
	if fix == nil || len(fix.Invert) == 0 {
		return ""
	}
	adjusted := cfg
	if cfg.Mode == Dark {
		adjusted.Contrast = int(clamp(float64(cfg.Contrast-10), 0, 100))
	}
	value := FilterValue(adjusted)
	if value == "" {
		return ""
	}
	return fmt.Sprintf("%s {\n    filter: %s !important;\n}", strings.Join(fix.Invert, ", "), value)
}

// InlineOverride ties a CSS property to the data attribute and custom
// property used to override it on elements with inline styles.
type InlineOverride struct {
	CSSProp    string
	CustomProp string
	DataAttr   string
}

// InlineOverrides lists the properties rewritten in style attributes.
var InlineOverrides = []InlineOverride{
	{"background-color", "--darkreader-inline-bgcolor", "data-darkreader-inline-bgcolor"},
	{"background-image", "--darkreader-inline-bgimage", "data-darkreader-inline-bgimage"},
	{"border-color", "--darkreader-inline-border", "data-darkreader-inline-border"},
	{"border-bottom-color", "--darkreader-inline-border-bottom", "data-darkreader-inline-border-bottom"},
	{"border-left-color", "--darkreader-inline-border-left", "data-darkreader-inline-border-left"},
	{"border-right-color", "--darkreader-inline-border-right", "data-darkreader-inline-border-right"},
	{"border-top-color", "--darkreader-inline-border-top", "data-darkreader-inline-border-top"},
	{"box-shadow", "--darkreader-inline-boxshadow", "data-darkreader-inline-boxshadow"},
	{"color", "--darkreader-inline-color", "data-darkreader-inline-color"},
	{"fill", "--darkreader-inline-fill", "data-darkreader-inline-fill"},
	{"stroke", "--darkreader-inline-stroke", "data-darkreader-inline-stroke"},
	{"outline-color", "--darkreader-inline-outline", "data-darkreader-inline-outline"},
	{"stop-color", "--darkreader-inline-stopcolor", "data-darkreader-inline-stopcolor"},
}

// InlineOverrideCSS makes the inline custom properties win over the page.
func InlineOverrideCSS() string {
	blocks := make([]string, 0, len(InlineOverrides))
	for _, o := range InlineOverrides {
		blocks = append(blocks, fmt.Sprintf("[%s] {\n  %s: var(%s) !important;\n}", o.DataAttr, o.CSSProp, o.CustomProp))
	}
	return strings.Join(blocks, "\n")
}

// OverrideCSS expands the fix's own CSS. It returns "" without a fix.
func OverrideCSS(m *Modifier, cfg ThemeConfig, fix *Fix) string {
	if fix == nil || strings.TrimSpace(fix.CSS) == "" {
		return ""
	}
	return m.ReplaceTemplates(fix.CSS, cfg)
}
