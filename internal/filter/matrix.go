package filter

// Matrix is a 5x5 colour matrix applied to [r g b a 1] column vectors with
// channels in [0,1].
type Matrix [5][5]float64

func identity() Matrix {
	return Matrix{
		{1, 0, 0, 0, 0},
		{0, 1, 0, 0, 0},
		{0, 0, 1, 0, 0},
		{0, 0, 0, 1, 0},
		{0, 0, 0, 0, 1},
	}
}

func (m Matrix) multiply(o Matrix) Matrix {
	var out Matrix
	for i := 0; i < 5; i++ {
		for j := 0; j < 5; j++ {
			var sum float64
			for k := 0; k < 5; k++ {
				sum += m[i][k] * o[k][j]
			}
			out[i][j] = sum
		}
	}
	return out
}

func brightnessMatrix(v float64) Matrix {
	return Matrix{
		{v, 0, 0, 0, 0},
		{0, v, 0, 0, 0},
		{0, 0, v, 0, 0},
		{0, 0, 0, 1, 0},
		{0, 0, 0, 0, 1},
	}
}

func contrastMatrix(v float64) Matrix {
	t := (1 - v) / 2
	return Matrix{
		{v, 0, 0, 0, t},
		{0, v, 0, 0, t},
		{0, 0, v, 0, t},
		{0, 0, 0, 1, 0},
		{0, 0, 0, 0, 1},
	}
}

func sepiaMatrix(v float64) Matrix {
	r := 1 - v
	return Matrix{
		{0.393 + 0.607*r, 0.769 - 0.769*r, 0.189 - 0.189*r, 0, 0},
		{0.349 - 0.349*r, 0.686 + 0.314*r, 0.168 - 0.168*r, 0, 0},
		{0.272 - 0.272*r, 0.534 - 0.534*r, 0.131 + 0.869*r, 0, 0},
		{0, 0, 0, 1, 0},
		{0, 0, 0, 0, 1},
	}
}

func grayscaleMatrix(v float64) Matrix {
	r := 1 - v
	return Matrix{
		{0.2126 + 0.7874*r, 0.7152 - 0.7152*r, 0.0722 - 0.0722*r, 0, 0},
		{0.2126 - 0.2126*r, 0.7152 + 0.2848*r, 0.0722 - 0.0722*r, 0, 0},
		{0.2126 - 0.2126*r, 0.7152 - 0.7152*r, 0.0722 + 0.9278*r, 0, 0},
		{0, 0, 0, 1, 0},
		{0, 0, 0, 0, 1},
	}
}

// invertNHue inverts lightness while keeping hue, the matrix equivalent of
// invert(100%) hue-rotate(180deg).
func invertNHue() Matrix {
	return Matrix{
		{0.333, -0.667, -0.667, 0, 1},
		{-0.667, 0.333, -0.667, 0, 1},
		{-0.667, -0.667, 0.333, 0, 1},
		{0, 0, 0, 1, 0},
		{0, 0, 0, 0, 1},
	}
}

// FilterMatrix builds the matrix for cfg's brightness, contrast, sepia and
// grayscale. With invert set, dark mode also inverts.
func FilterMatrix(cfg ThemeConfig, invert bool) Matrix {
	m := identity()
	if cfg.Sepia != 0 {
		m = m.multiply(sepiaMatrix(float64(cfg.Sepia) / 100))
	}
	if cfg.Grayscale != 0 {
		m = m.multiply(grayscaleMatrix(float64(cfg.Grayscale) / 100))
	}
	if cfg.Contrast != 100 {
		m = m.multiply(contrastMatrix(float64(cfg.Contrast) / 100))
	}
	if cfg.Brightness != 100 {
		m = m.multiply(brightnessMatrix(float64(cfg.Brightness) / 100))
	}
	if invert && cfg.Mode == Dark {
		m = m.multiply(invertNHue())
	}
	return m
}

// Apply runs an 8-bit colour through the matrix. Alpha passes through.
func (m Matrix) Apply(r, g, b uint8) (uint8, uint8, uint8) {
	in := [5]float64{float64(r) / 255, float64(g) / 255, float64(b) / 255, 1, 1}
	var out [3]float64
	for i := 0; i < 3; i++ {
		var sum float64
		for k := 0; k < 5; k++ {
			sum += m[i][k] * in[k]
		}
		out[i] = clamp(sum, 0, 1) * 255
	}
	return toByte(out[0]), toByte(out[1]), toByte(out[2])
}

// IsIdentity reports whether the matrix leaves colours unchanged.
func (m Matrix) IsIdentity() bool {
	return m == identity()
}
