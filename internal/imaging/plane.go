package imaging

import (
	"image"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Plane is a single-channel image of float samples in row-major order.
type Plane struct {
	W, H int
	Pix  []float64
}

// NewPlane allocates a zeroed w×h plane.
func NewPlane(w, h int) *Plane {
	return &Plane{W: w, H: h, Pix: make([]float64, w*h)}
}

// PlaneFromGray converts an 8-bit gray image into a plane.
func PlaneFromGray(g *image.Gray) *Plane {
	b := g.Bounds()
	p := NewPlane(b.Dx(), b.Dy())
	for y := 0; y < p.H; y++ {
		row := g.Pix[y*g.Stride:]
		for x := 0; x < p.W; x++ {
			p.Pix[y*p.W+x] = float64(row[x])
		}
	}
	return p
}

// ToGray rounds and clamps the plane into an 8-bit gray image.
func (p *Plane) ToGray() *image.Gray {
	g := image.NewGray(image.Rect(0, 0, p.W, p.H))
	for i, v := range p.Pix {
		g.Pix[i] = clamp8(v)
	}
	return g
}

// Clone returns a deep copy.
func (p *Plane) Clone() *Plane {
	out := NewPlane(p.W, p.H)
	copy(out.Pix, p.Pix)
	return out
}

// At returns the sample at (x, y).
func (p *Plane) At(x, y int) float64 { return p.Pix[y*p.W+x] }

// MeanStd returns the population mean and standard deviation of all samples.
func (p *Plane) MeanStd() (mean, std float64) {
	return stat.PopMeanStdDev(p.Pix, nil)
}

// Variance returns the population variance of all samples.
func (p *Plane) Variance() float64 {
	_, v := stat.PopMeanVariance(p.Pix, nil)
	return v
}

// Max returns the largest sample.
func (p *Plane) Max() float64 {
	if len(p.Pix) == 0 {
		return 0
	}
	return floats.Max(p.Pix)
}

// Sub returns p - q sample-wise. Both planes must share dimensions.
func (p *Plane) Sub(q *Plane) *Plane {
	out := NewPlane(p.W, p.H)
	floats.SubTo(out.Pix, p.Pix, q.Pix)
	return out
}

// AbsDiff returns |p - q| sample-wise.
func (p *Plane) AbsDiff(q *Plane) *Plane {
	out := p.Sub(q)
	for i, v := range out.Pix {
		out.Pix[i] = math.Abs(v)
	}
	return out
}

// Block copies the samples inside r, which must lie within the plane.
func (p *Plane) Block(r image.Rectangle) []float64 {
	out := make([]float64, 0, r.Dx()*r.Dy())
	for y := r.Min.Y; y < r.Max.Y; y++ {
		out = append(out, p.Pix[y*p.W+r.Min.X:y*p.W+r.Max.X]...)
	}
	return out
}

// Laplacian applies the 4-neighbour second-derivative kernel with reflected borders.
func (p *Plane) Laplacian() *Plane {
	out := NewPlane(p.W, p.H)
	for y := 0; y < p.H; y++ {
		up, down := reflect101(y-1, p.H), reflect101(y+1, p.H)
		for x := 0; x < p.W; x++ {
			left, right := reflect101(x-1, p.W), reflect101(x+1, p.W)
			out.Pix[y*p.W+x] = p.Pix[up*p.W+x] + p.Pix[down*p.W+x] +
				p.Pix[y*p.W+left] + p.Pix[y*p.W+right] - 4*p.Pix[y*p.W+x]
		}
	}
	return out
}

// GaussianBlur applies a separable ksize×ksize Gaussian. A non-positive sigma is derived
// from the kernel size.
func (p *Plane) GaussianBlur(ksize int, sigma float64) *Plane {
	if ksize < 1 {
		ksize = 1
	}
	if ksize%2 == 0 {
		ksize++
	}
	if sigma <= 0 {
		sigma = 0.3*((float64(ksize)-1)*0.5-1) + 0.8
	}
	kernel := make([]float64, ksize)
	half := ksize / 2
	var sum float64
	for i := range kernel {
		d := float64(i - half)
		kernel[i] = math.Exp(-(d * d) / (2 * sigma * sigma))
		sum += kernel[i]
	}
	floats.Scale(1/sum, kernel)

	tmp := NewPlane(p.W, p.H)
	for y := 0; y < p.H; y++ {
		for x := 0; x < p.W; x++ {
			var acc float64
			for k, w := range kernel {
				acc += w * p.Pix[y*p.W+reflect101(x+k-half, p.W)]
			}
			tmp.Pix[y*p.W+x] = acc
		}
	}
	out := NewPlane(p.W, p.H)
	for y := 0; y < p.H; y++ {
		for x := 0; x < p.W; x++ {
			var acc float64
			for k, w := range kernel {
				acc += w * tmp.Pix[reflect101(y+k-half, p.H)*p.W+x]
			}
			out.Pix[y*p.W+x] = acc
		}
	}
	return out
}

// Sobel returns the horizontal and vertical 3×3 Sobel derivatives with replicated borders.
func (p *Plane) Sobel() (gx, gy *Plane) {
	gx, gy = NewPlane(p.W, p.H), NewPlane(p.W, p.H)
	at := func(x, y int) float64 {
		return p.Pix[clampIndex(y, p.H)*p.W+clampIndex(x, p.W)]
	}
	for y := 0; y < p.H; y++ {
		for x := 0; x < p.W; x++ {
			tl, tc, tr := at(x-1, y-1), at(x, y-1), at(x+1, y-1)
			ml, mr := at(x-1, y), at(x+1, y)
			bl, bc, br := at(x-1, y+1), at(x, y+1), at(x+1, y+1)
			gx.Pix[y*p.W+x] = (tr + 2*mr + br) - (tl + 2*ml + bl)
			gy.Pix[y*p.W+x] = (bl + 2*bc + br) - (tl + 2*tc + tr)
		}
	}
	return gx, gy
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func clamp8(v float64) uint8 {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	default:
		return uint8(v + 0.5)
	}
}
