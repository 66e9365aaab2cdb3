package filter

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// RGBA is a parsed CSS colour. A is in [0,1].
type RGBA struct {
	R uint8
	G uint8
	B uint8
	A float64
}

type hsla struct {
	H float64
	S float64
	L float64
	A float64
}

func (c RGBA) hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// String renders the colour as #rrggbb, or rgba() when translucent.
func (c RGBA) String() string {
	if c.A >= 1 {
		return c.hex()
	}
	return fmt.Sprintf("rgba(%d, %d, %d, %s)", c.R, c.G, c.B, strconv.FormatFloat(round(c.A, 2), 'f', -1, 64))
}

func (c RGBA) brightness() int {
	return int(0.299*float64(c.R) + 0.587*float64(c.G) + 0.114*float64(c.B))
}

// Luminance is the WCAG relative luminance.
func (c RGBA) Luminance() float64 {
	toLinear := func(channel uint8) float64 {
		v := float64(channel) / 255.0
		if v <= 0.03928 {
			return v / 12.92
		}
		return math.Pow((v+0.055)/1.055, 2.4)
	}
	return 0.2126*toLinear(c.R) + 0.7152*toLinear(c.G) + 0.0722*toLinear(c.B)
}

func (c RGBA) contrastRatio(other RGBA) float64 {
	la := c.Luminance()
	lb := other.Luminance()
	if la < lb {
		la, lb = lb, la
	}
	return (la + 0.05) / (lb + 0.05)
}

func (c RGBA) lighten(percent int) RGBA {
	if percent <= 0 {
		return c
	}
	if percent >= 100 {
		return RGBA{R: 255, G: 255, B: 255, A: c.A}
	}
	scale := func(channel uint8) uint8 {
		value := int(channel) + (255-int(channel))*percent/100
		if value > 255 {
			value = 255
		}
		return uint8(value)
	}
	return RGBA{R: scale(c.R), G: scale(c.G), B: scale(c.B), A: c.A}
}

func (c RGBA) darken(percent int) RGBA {
	if percent <= 0 {
		return c
	}
	if percent >= 100 {
		return RGBA{A: c.A}
	}
	scale := func(channel uint8) uint8 {
		return uint8(int(channel) * (100 - percent) / 100)
	}
	return RGBA{R: scale(c.R), G: scale(c.G), B: scale(c.B), A: c.A}
}

func (c RGBA) toHSL() hsla {
	r := float64(c.R) / 255
	g := float64(c.G) / 255
	b := float64(c.B) / 255
	maxC := math.Max(r, math.Max(g, b))
	minC := math.Min(r, math.Min(g, b))
	l := (maxC + minC) / 2
	if maxC == minC {
		return hsla{L: l, A: c.A}
	}
	d := maxC - minC
	s := d / (1 - math.Abs(2*l-1))
	var h float64
	switch maxC {
	case r:
		h = math.Mod((g-b)/d, 6)
	case g:
		h = (b-r)/d + 2
	default:
		h = (r-g)/d + 4
	}
	h *= 60
	if h < 0 {
		h += 360
	}
	return hsla{H: h, S: s, L: l, A: c.A}
}

func (h hsla) toRGB() RGBA {
	c := (1 - math.Abs(2*h.L-1)) * h.S
	x := c * (1 - math.Abs(math.Mod(h.H/60, 2)-1))
	m := h.L - c/2
	var r, g, b float64
	switch {
	case h.H < 60:
		r, g, b = c, x, 0
	case h.H < 120:
		r, g, b = x, c, 0
	case h.H < 180:
		r, g, b = 0, c, x
	case h.H < 240:
		r, g, b = 0, x, c
	case h.H < 300:
		r, g, b = x, 0, c
	default:
		r, g, b = c, 0, x
	}
	return RGBA{R: toByte((r + m) * 255), G: toByte((g + m) * 255), B: toByte((b + m) * 255), A: h.A}
}

func toByte(v float64) uint8 {
	v = math.Round(v)
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// scale maps x from [inLow,inHigh] onto [outLow,outHigh].
func scale(x, inLow, inHigh, outLow, outHigh float64) float64 {
	return (x-inLow)*(outHigh-outLow)/(inHigh-inLow) + outLow
}

var namedColors = map[string]RGBA{
	"black":   {0, 0, 0, 1},
	"white":   {255, 255, 255, 1},
	"red":     {255, 0, 0, 1},
	"green":   {0, 128, 0, 1},
	"blue":    {0, 0, 255, 1},
	"yellow":  {255, 255, 0, 1},
	"orange":  {255, 165, 0, 1},
	"purple":  {128, 0, 128, 1},
	"gray":    {128, 128, 128, 1},
	"grey":    {128, 128, 128, 1},
	"silver":  {192, 192, 192, 1},
	"maroon":  {128, 0, 0, 1},
	"navy":    {0, 0, 128, 1},
	"teal":    {0, 128, 128, 1},
	"olive":   {128, 128, 0, 1},
	"lime":    {0, 255, 0, 1},
	"aqua":    {0, 255, 255, 1},
	"cyan":    {0, 255, 255, 1},
	"fuchsia": {255, 0, 255, 1},
	"magenta": {255, 0, 255, 1},

	"whitesmoke":  {245, 245, 245, 1},
	"gainsboro":   {220, 220, 220, 1},
	"lightgray":   {211, 211, 211, 1},
	"lightgrey":   {211, 211, 211, 1},
	"darkgray":    {169, 169, 169, 1},
	"darkgrey":    {169, 169, 169, 1},
	"dimgray":     {105, 105, 105, 1},
	"dimgrey":     {105, 105, 105, 1},
	"ghostwhite":  {248, 248, 255, 1},
	"ivory":       {255, 255, 240, 1},
	"beige":       {245, 245, 220, 1},
	"linen":       {250, 240, 230, 1},
	"snow":        {255, 250, 250, 1},
	"aliceblue":   {240, 248, 255, 1},
	"lightyellow": {255, 255, 224, 1},
	"darkblue":    {0, 0, 139, 1},
	"darkred":     {139, 0, 0, 1},
	"darkgreen":   {0, 100, 0, 1},
	"steelblue":   {70, 130, 180, 1},
	"royalblue":   {65, 105, 225, 1},
	"dodgerblue":  {30, 144, 255, 1},
	"crimson":     {220, 20, 60, 1},
	"gold":        {255, 215, 0, 1},
	"pink":        {255, 192, 203, 1},
	"brown":       {165, 42, 42, 1},
	"transparent": {0, 0, 0, 0},
}

// ParseColor parses hex, rgb(), rgba(), hsl(), hsla() and common named
// colours. Keywords such as currentcolor, inherit and var() do not parse.
func ParseColor(input string) (RGBA, bool) {
	s := strings.TrimSpace(strings.ToLower(input))
	if s == "" {
		return RGBA{}, false
	}
	if c, ok := namedColors[s]; ok {
		return c, true
	}
	if strings.HasPrefix(s, "#") {
		return parseHex(s)
	}
	switch {
	case strings.HasPrefix(s, "rgb(") || strings.HasPrefix(s, "rgba("):
		return parseRGBFunctional(s)
	case strings.HasPrefix(s, "hsl(") || strings.HasPrefix(s, "hsla("):
		return parseHSLFunctional(s)
	}
	return RGBA{}, false
}

func parseHex(value string) (RGBA, bool) {
	hex := strings.TrimPrefix(value, "#")
	switch len(hex) {
	case 3, 4:
		exp := make([]byte, 0, 8)
		for i := 0; i < len(hex); i++ {
			exp = append(exp, hex[i], hex[i])
		}
		hex = string(exp)
	case 6, 8:
	default:
		return RGBA{}, false
	}
	n, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return RGBA{}, false
	}
	if len(hex) == 6 {
		return RGBA{R: uint8(n >> 16), G: uint8(n >> 8), B: uint8(n), A: 1}, true
	}
	return RGBA{R: uint8(n >> 24), G: uint8(n >> 16), B: uint8(n >> 8), A: round(float64(uint8(n))/255, 2)}, true
}

// functionalArgs splits "fn(a, b, c / d)" or "fn(a b c / d)" into its
// components.
func functionalArgs(expr string) ([]string, bool) {
	open := strings.IndexByte(expr, '(')
	end := strings.LastIndexByte(expr, ')')
	if open < 0 || end <= open+1 {
		return nil, false
	}
	body := strings.ReplaceAll(expr[open+1:end], "/", " ")
	body = strings.ReplaceAll(body, ",", " ")
	parts := strings.Fields(body)
	if len(parts) < 3 || len(parts) > 4 {
		return nil, false
	}
	return parts, true
}

func parseRGBFunctional(expr string) (RGBA, bool) {
	parts, ok := functionalArgs(expr)
	if !ok {
		return RGBA{}, false
	}
	var ch [3]uint8
	for i := 0; i < 3; i++ {
		v, ok := parseNumber(parts[i], 255)
		if !ok {
			return RGBA{}, false
		}
		ch[i] = toByte(v)
	}
	alpha := 1.0
	if len(parts) == 4 {
		a, ok := parseNumber(parts[3], 1)
		if !ok {
			return RGBA{}, false
		}
		alpha = clamp(a, 0, 1)
	}
	return RGBA{R: ch[0], G: ch[1], B: ch[2], A: alpha}, true
}

func parseHSLFunctional(expr string) (RGBA, bool) {
	parts, ok := functionalArgs(expr)
	if !ok {
		return RGBA{}, false
	}
	h, err := strconv.ParseFloat(strings.TrimSuffix(parts[0], "deg"), 64)
	if err != nil {
		return RGBA{}, false
	}
	s, okS := parseNumber(parts[1], 1)
	l, okL := parseNumber(parts[2], 1)
	if !okS || !okL {
		return RGBA{}, false
	}
	alpha := 1.0
	if len(parts) == 4 {
		a, ok := parseNumber(parts[3], 1)
		if !ok {
			return RGBA{}, false
		}
		alpha = clamp(a, 0, 1)
	}
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return hsla{H: h, S: clamp(s, 0, 1), L: clamp(l, 0, 1), A: alpha}.toRGB(), true
}

// parseNumber reads a plain number or a percentage of max.
func parseNumber(component string, max float64) (float64, bool) {
	component = strings.TrimSpace(component)
	if strings.HasSuffix(component, "%") {
		v, err := strconv.ParseFloat(strings.TrimSuffix(component, "%"), 64)
		if err != nil {
			return 0, false
		}
		return clamp(v, 0, 100) * max / 100, true
	}
	v, err := strconv.ParseFloat(component, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// CSSToHex normalises any parseable opaque colour to #rrggbb. Transparent
// and unparseable input yields "".
func CSSToHex(v string) string {
	c, ok := ParseColor(v)
	if !ok || c.A == 0 {
		return ""
	}
	return c.hex()
}

// IsDark reports whether a colour reads as dark.
func IsDark(c RGBA) bool {
	return c.brightness() < 128
}

// ContrastRatio returns the WCAG contrast ratio of two colours.
func ContrastRatio(a, b RGBA) float64 {
	return a.contrastRatio(b)
}
