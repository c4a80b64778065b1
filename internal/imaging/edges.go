package imaging

import (
	"image"
	"math"
)

// EdgeMap marks the pixels an edge detector kept.
type EdgeMap struct {
	W, H  int
	Edges []bool
}

// Density returns the fraction of edge pixels in the whole map.
func (m *EdgeMap) Density() float64 {
	return m.DensityIn(image.Rect(0, 0, m.W, m.H))
}

// DensityIn returns the fraction of edge pixels inside r, clipped to the map.
func (m *EdgeMap) DensityIn(r image.Rectangle) float64 {
	r = r.Intersect(image.Rect(0, 0, m.W, m.H))
	if r.Empty() {
		return 0
	}
	var n int
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			if m.Edges[y*m.W+x] {
				n++
			}
		}
	}
	return float64(n) / float64(r.Dx()*r.Dy())
}

// tan(22.5°) and tan(67.5°) bound the horizontal and vertical gradient sectors.
const (
	tan22 = 0.41421356237
	tan67 = 2.41421356237
)

// Canny runs Sobel gradients (L1 magnitude), non-maximum suppression and hysteresis
// thresholding with 8-connectivity.
func (p *Plane) Canny(low, high float64) *EdgeMap {
	if low > high {
		low, high = high, low
	}
	w, h := p.W, p.H
	gx, gy := p.Sobel()
	mag := make([]float64, w*h)
	for i := range mag {
		mag[i] = math.Abs(gx.Pix[i]) + math.Abs(gy.Pix[i])
	}

	const (
		none = iota
		weak
		strong
	)
	state := make([]uint8, w*h)
	stack := make([]int, 0, w)
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			m := mag[i]
			if m <= low {
				continue
			}
			ax, ay := math.Abs(gx.Pix[i]), math.Abs(gy.Pix[i])
			var n1, n2 float64
			switch {
			case ay <= ax*tan22:
				n1, n2 = mag[i-1], mag[i+1]
			case ay > ax*tan67:
				n1, n2 = mag[i-w], mag[i+w]
			case gx.Pix[i]*gy.Pix[i] > 0:
				n1, n2 = mag[i-w-1], mag[i+w+1]
			default:
				n1, n2 = mag[i-w+1], mag[i+w-1]
			}
			if m <= n1 || m < n2 {
				continue
			}
			if m > high {
				state[i] = strong
				stack = append(stack, i)
			} else {
				state[i] = weak
			}
		}
	}

	edges := &EdgeMap{W: w, H: h, Edges: make([]bool, w*h)}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if edges.Edges[i] {
			continue
		}
		edges.Edges[i] = true
		x, y := i%w, i/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if nx < 0 || ny < 0 || nx >= w || ny >= h {
					continue
				}
				j := ny*w + nx
				if state[j] != none && !edges.Edges[j] {
					stack = append(stack, j)
				}
			}
		}
	}
	return edges
}
