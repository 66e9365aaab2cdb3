// Package imagery decodes background images and decides how they should look
// under a theme: kept, inverted, dimmed or dropped.
package imagery

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"math"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"nocturne/internal/filter"
)

const (
	analysisSize = 32

	darkLightness     = 0.4
	lightLightness    = 0.7
	transparentAlpha  = 0.05
	dominantShare     = 0.7
	transparentShare  = 0.1
	largeImagePixels  = 800 * 600
	maxDecodedPixels  = 4096 * 4096
	maxRewrittenPixel = 1024 * 1024
)

// ErrTooLarge is returned for images whose header promises more pixels than
// we are willing to decode.
var ErrTooLarge = errors.New("imagery: image too large")

// Analysis summarises how an image reads.
type Analysis struct {
	Width       int
	Height      int
	Dark        bool
	Light       bool
	Transparent bool
	Large       bool
}

// Decode reads a PNG, JPEG, GIF, WebP or BMP image.
func Decode(data []byte) (image.Image, string, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("imagery: decode config: %w", err)
	}
	if cfg.Width*cfg.Height > maxDecodedPixels {
		return nil, format, ErrTooLarge
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, format, fmt.Errorf("imagery: decode %s: %w", format, err)
	}
	return img, format, nil
}

// Analyze samples img on a small canvas.
func Analyze(img image.Image) Analysis {
	b := img.Bounds()
	a := Analysis{Width: b.Dx(), Height: b.Dy()}
	a.Large = a.Width*a.Height >= largeImagePixels
	if a.Width == 0 || a.Height == 0 {
		return a
	}

	w, h := a.Width, a.Height
	if w*h > analysisSize*analysisSize {
		ratio := math.Sqrt(float64(analysisSize*analysisSize) / float64(w*h))
		w = max(1, int(math.Ceil(float64(w)*ratio)))
		h = max(1, int(math.Ceil(float64(h)*ratio)))
	}
	canvas := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(canvas, canvas.Bounds(), img, b, draw.Src, nil)

	var transparent, dark, light, opaque int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := canvas.NRGBAAt(x, y)
			if float64(c.A)/255 < transparentAlpha {
				transparent++
				continue
			}
			opaque++
			l := lightness(c)
			if l < darkLightness {
				dark++
			}
			if l > lightLightness {
				light++
			}
		}
	}
	total := w * h
	a.Transparent = float64(transparent)/float64(total) >= transparentShare
	if opaque > 0 {
		a.Dark = float64(dark)/float64(opaque) >= dominantShare
		a.Light = float64(light)/float64(opaque) >= dominantShare
	}
	return a
}

func lightness(c color.NRGBA) float64 {
	maxC := max(c.R, c.G, c.B)
	minC := min(c.R, c.G, c.B)
	return (float64(maxC) + float64(minC)) / 2 / 255
}

// Action is what a theme does with an image.
type Action int

const (
	Keep Action = iota
	Invert
	Dim
	Remove
)

func (a Action) String() string {
	switch a {
	case Invert:
		return "invert"
	case Dim:
		return "dim"
	case Remove:
		return "remove"
	default:
		return "keep"
	}
}

// Decide picks the action for an analysed image under cfg.
func Decide(a Analysis, cfg filter.ThemeConfig) Action {
	switch {
	case cfg.Mode == filter.Dark && a.Dark && a.Transparent && !a.Large && a.Width > 2:
		return Invert
	case cfg.Mode == filter.Dark && a.Light && !a.Transparent:
		if a.Large {
			return Remove
		}
		return Dim
	case cfg.Mode == filter.Light && a.Light && !a.Large:
		return Dim
	default:
		return Keep
	}
}

// Apply renders img through the colour matrix for action. Keep and Remove
// return nil.
func Apply(img image.Image, action Action, cfg filter.ThemeConfig) *image.NRGBA {
	var m filter.Matrix
	switch action {
	case Invert:
		m = filter.FilterMatrix(cfg, true)
	case Dim:
		dim := cfg
		dim.Brightness = cfg.Brightness * 6 / 10
		dim.Mode = filter.Light
		m = filter.FilterMatrix(dim, false)
	default:
		return nil
	}
	b := img.Bounds()
	out := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			c := color.NRGBAModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.NRGBA)
			c.R, c.G, c.B = m.Apply(c.R, c.G, c.B)
			out.SetNRGBA(x, y, c)
		}
	}
	return out
}

// Rewrite decides and renders in one step. It returns the CSS value that
// should replace url(...) and whether anything changes.
func Rewrite(img image.Image, a Analysis, cfg filter.ThemeConfig) (string, bool, error) {
	action := Decide(a, cfg)
	switch action {
	case Keep:
		return "", false, nil
	case Remove:
		return "none", true, nil
	}
	if a.Width*a.Height > maxRewrittenPixel {
		return "", false, nil
	}
	uri, err := DataURL(Apply(img, action, cfg))
	if err != nil {
		return "", false, err
	}
	return fmt.Sprintf("url(%q)", uri), true, nil
}

// DataURL encodes img as a base64 PNG data URL.
func DataURL(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("imagery: encode png: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
