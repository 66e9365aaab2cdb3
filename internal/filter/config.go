// Package filter holds the theme configuration and every pure function that
// turns it into CSS: colour modification, filter values and the literal
// fallback, user-agent, text, invert, inline and site override styles.
package filter

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects the colour scheme produced.
type Mode int

const (
	Light Mode = iota
	Dark
)

func (m Mode) String() string {
	if m == Dark {
		return "dark"
	}
	return "light"
}

// UnmarshalYAML accepts "dark"/"light" as well as 1/0.
func (m *Mode) UnmarshalYAML(value *yaml.Node) error {
	switch strings.ToLower(strings.TrimSpace(value.Value)) {
	case "dark", "1":
		*m = Dark
	case "light", "0":
		*m = Light
	default:
		return fmt.Errorf("filter: unknown mode %q", value.Value)
	}
	return nil
}

// ThemeConfig is the user's theme. It is treated as immutable once handed
// to the engine; a new activation replaces it wholesale.
type ThemeConfig struct {
	Mode       Mode    `yaml:"mode"`
	Brightness int     `yaml:"brightness"`
	Contrast   int     `yaml:"contrast"`
	Grayscale  int     `yaml:"grayscale"`
	Sepia      int     `yaml:"sepia"`
	UseFont    bool    `yaml:"use_font"`
	FontFamily string  `yaml:"font_family"`
	TextStroke float64 `yaml:"text_stroke"`

	DarkSchemeBackgroundColor  string `yaml:"dark_scheme_background_color"`
	DarkSchemeTextColor        string `yaml:"dark_scheme_text_color"`
	LightSchemeBackgroundColor string `yaml:"light_scheme_background_color"`
	LightSchemeTextColor       string `yaml:"light_scheme_text_color"`

	// ScrollbarColor and SelectionColor accept "auto", a CSS colour, or ""
	// to leave the page's own styling alone.
	ScrollbarColor      string `yaml:"scrollbar_color"`
	SelectionColor      string `yaml:"selection_color"`
	StyleSystemControls bool   `yaml:"style_system_controls"`
}

// DefaultThemeConfig returns the stock dark theme.
func DefaultThemeConfig() ThemeConfig {
	return ThemeConfig{
		Mode:                       Dark,
		Brightness:                 100,
		Contrast:                   100,
		DarkSchemeBackgroundColor:  "#181a1b",
		DarkSchemeTextColor:        "#e8e6e3",
		LightSchemeBackgroundColor: "#dcdad7",
		LightSchemeTextColor:       "#181a1b",
		ScrollbarColor:             "auto",
		SelectionColor:             "auto",
		StyleSystemControls:        true,
	}
}

// ParseThemeConfig decodes YAML on top of DefaultThemeConfig.
func ParseThemeConfig(data []byte) (ThemeConfig, error) {
	cfg := DefaultThemeConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultThemeConfig(), fmt.Errorf("filter: parse theme config: %w", err)
	}
	return cfg, nil
}

// LoadThemeConfig reads a YAML theme file. An empty path yields defaults.
func LoadThemeConfig(path string) (ThemeConfig, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultThemeConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultThemeConfig(), fmt.Errorf("filter: read theme config: %w", err)
	}
	return ParseThemeConfig(data)
}

// Key identifies the colour-relevant part of the config for caching.
func (c ThemeConfig) Key() string {
	return fmt.Sprintf("%d;%d;%d;%d;%d;%s;%s;%s;%s",
		c.Mode, c.Brightness, c.Contrast, c.Grayscale, c.Sepia,
		c.DarkSchemeBackgroundColor, c.DarkSchemeTextColor,
		c.LightSchemeBackgroundColor, c.LightSchemeTextColor)
}

// Fix carries the host-specific adjustments for one site.
type Fix struct {
	URL                 []string `yaml:"url"`
	Invert              []string `yaml:"invert"`
	CSS                 string   `yaml:"css"`
	IgnoreInlineStyle   []string `yaml:"ignore_inline_style"`
	IgnoreImageAnalysis []string `yaml:"ignore_image_analysis"`
}

// MergeFixes layers specific on top of generic. Either may be nil.
func MergeFixes(generic, specific *Fix) *Fix {
	if generic == nil && specific == nil {
		return nil
	}
	if generic == nil {
		out := *specific
		return &out
	}
	if specific == nil {
		out := *generic
		return &out
	}
	out := &Fix{URL: append([]string(nil), specific.URL...)}
	out.Invert = append(append(out.Invert, generic.Invert...), specific.Invert...)
	out.IgnoreInlineStyle = append(append(out.IgnoreInlineStyle, generic.IgnoreInlineStyle...), specific.IgnoreInlineStyle...)
	out.IgnoreImageAnalysis = append(append(out.IgnoreImageAnalysis, generic.IgnoreImageAnalysis...), specific.IgnoreImageAnalysis...)
	switch {
	case generic.CSS != "" && specific.CSS != "":
		out.CSS = generic.CSS + "\n" + specific.CSS
	case specific.CSS != "":
		out.CSS = specific.CSS
	default:
		out.CSS = generic.CSS
	}
	return out
}
