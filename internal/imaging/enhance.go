package imaging

import (
	"image"
	"math"

	xdraw "golang.org/x/image/draw"
)

// UpscaleToMin enlarges the plane with a cubic filter when it is smaller than minW×minH,
// preserving aspect ratio. The output never exceeds maxPixels samples (0 disables the cap), so
// a thin strip is enlarged only as far as the area budget allows. Planes that are already
// large enough are returned unchanged.
func (p *Plane) UpscaleToMin(minW, minH, maxPixels int) *Plane {
	if p.W >= minW && p.H >= minH {
		return p
	}
	scale := math.Max(float64(minW)/float64(p.W), float64(minH)/float64(p.H))
	if limit := areaScale(p.W, p.H, maxPixels); limit < scale {
		scale = limit
	}
	if scale <= 1 {
		return p
	}
	return p.resample(scale)
}

// LimitArea shrinks the plane with a cubic filter so that it holds at most maxPixels samples.
func (p *Plane) LimitArea(maxPixels int) *Plane {
	if maxPixels <= 0 || p.W*p.H <= maxPixels {
		return p
	}
	return p.resample(areaScale(p.W, p.H, maxPixels))
}

// areaScale is the largest factor that keeps w×h within maxPixels.
func areaScale(w, h, maxPixels int) float64 {
	if maxPixels <= 0 {
		return math.Inf(1)
	}
	return math.Sqrt(float64(maxPixels) / (float64(w) * float64(h)))
}

func (p *Plane) resample(scale float64) *Plane {
	// Floor keeps the result inside an area budget; each side keeps at least one sample.
	w := max(int(math.Floor(float64(p.W)*scale+1e-9)), 1)
	h := max(int(math.Floor(float64(p.H)*scale+1e-9)), 1)
	if w == p.W && h == p.H {
		return p
	}
	dst := image.NewGray(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), p.ToGray(), image.Rect(0, 0, p.W, p.H), xdraw.Src, nil)
	return PlaneFromGray(dst)
}

// Bilateral smooths the plane while keeping edges: each output sample is a mean of its
// neighbours inside a disc of the given diameter, weighted by distance and intensity difference.
func (p *Plane) Bilateral(diameter int, sigmaColor, sigmaSpace float64) *Plane {
	radius := diameter / 2
	if radius < 1 {
		return p.Clone()
	}
	type tap struct {
		dx, dy int
		w      float64
	}
	var taps []tap
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			d2 := float64(dx*dx + dy*dy)
			if d2 > float64(radius*radius) {
				continue
			}
			taps = append(taps, tap{dx: dx, dy: dy, w: math.Exp(-d2 / (2 * sigmaSpace * sigmaSpace))})
		}
	}
	var colorWeight [256]float64
	for i := range colorWeight {
		d := float64(i)
		colorWeight[i] = math.Exp(-(d * d) / (2 * sigmaColor * sigmaColor))
	}

	out := NewPlane(p.W, p.H)
	for y := 0; y < p.H; y++ {
		for x := 0; x < p.W; x++ {
			center := p.Pix[y*p.W+x]
			var acc, norm float64
			for _, t := range taps {
				v := p.Pix[reflect101(y+t.dy, p.H)*p.W+reflect101(x+t.dx, p.W)]
				diff := int(math.Abs(v-center) + 0.5)
				if diff > 255 {
					diff = 255
				}
				w := t.w * colorWeight[diff]
				acc += w * v
				norm += w
			}
			out.Pix[y*p.W+x] = acc / norm
		}
	}
	return out
}

// CLAHE equalises contrast locally over a tiles×tiles grid, clipping each tile histogram at
// clipLimit times its mean bin height and blending neighbouring tiles bilinearly.
func (p *Plane) CLAHE(clipLimit float64, tiles int) *Plane {
	tx, ty := min(tiles, p.W), min(tiles, p.H)
	if tx < 1 || ty < 1 {
		return p.Clone()
	}
	src := p.ToGray()
	tileW := float64(p.W) / float64(tx)
	tileH := float64(p.H) / float64(ty)

	luts := make([][256]float64, tx*ty)
	for j := 0; j < ty; j++ {
		for i := 0; i < tx; i++ {
			x0, x1 := int(float64(i)*tileW), int(float64(i+1)*tileW)
			y0, y1 := int(float64(j)*tileH), int(float64(j+1)*tileH)
			luts[j*tx+i] = tileLUT(src, image.Rect(x0, y0, x1, y1), clipLimit)
		}
	}

	out := NewPlane(p.W, p.H)
	for y := 0; y < p.H; y++ {
		fy := (float64(y)+0.5)/tileH - 0.5
		j0 := int(math.Floor(fy))
		wy := fy - float64(j0)
		j1 := min(j0+1, ty-1)
		j0 = max(j0, 0)
		for x := 0; x < p.W; x++ {
			fx := (float64(x)+0.5)/tileW - 0.5
			i0 := int(math.Floor(fx))
			wx := fx - float64(i0)
			i1 := min(i0+1, tx-1)
			i0 = max(i0, 0)
			v := src.Pix[y*src.Stride+x]
			top := (1-wx)*luts[j0*tx+i0][v] + wx*luts[j0*tx+i1][v]
			bottom := (1-wx)*luts[j1*tx+i0][v] + wx*luts[j1*tx+i1][v]
			out.Pix[y*p.W+x] = math.Round((1-wy)*top + wy*bottom)
		}
	}
	return out
}

func tileLUT(src *image.Gray, r image.Rectangle, clipLimit float64) [256]float64 {
	var hist [256]float64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			hist[src.Pix[y*src.Stride+x]]++
		}
	}
	area := float64(r.Dx() * r.Dy())
	var lut [256]float64
	if area == 0 {
		for i := range lut {
			lut[i] = float64(i)
		}
		return lut
	}
	if clipLimit > 0 {
		limit := math.Max(clipLimit*area/256, 1)
		var excess float64
		for i, c := range hist {
			if c > limit {
				excess += c - limit
				hist[i] = limit
			}
		}
		bonus := excess / 256
		for i := range hist {
			hist[i] += bonus
		}
	}
	var cdf float64
	for i, c := range hist {
		cdf += c
		lut[i] = math.Min(math.Round(cdf*255/area), 255)
	}
	return lut
}

// OtsuThreshold returns the gray level that maximises between-class variance.
func (p *Plane) OtsuThreshold() float64 {
	var hist [256]float64
	for _, v := range p.Pix {
		hist[clamp8(v)]++
	}
	total := float64(len(p.Pix))
	var sumAll float64
	for i, c := range hist {
		sumAll += float64(i) * c
	}
	var (
		best, threshold float64
		wB, sumB        float64
	)
	for t, c := range hist {
		wB += c
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t) * c
		mB := sumB / wB
		mF := (sumAll - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			threshold = float64(t)
		}
	}
	return threshold
}

// Binarize maps samples above t to 255 and the rest to 0.
func (p *Plane) Binarize(t float64) *Plane {
	out := NewPlane(p.W, p.H)
	for i, v := range p.Pix {
		if v > t {
			out.Pix[i] = 255
		}
	}
	return out
}

// Close applies a 3×3 dilation followed by a 3×3 erosion, filling dark specks
// narrower than the kernel.
func (p *Plane) Close() *Plane {
	return p.rankFilter(math.Max).rankFilter(math.Min)
}

func (p *Plane) rankFilter(pick func(a, b float64) float64) *Plane {
	out := NewPlane(p.W, p.H)
	for y := 0; y < p.H; y++ {
		for x := 0; x < p.W; x++ {
			v := p.Pix[y*p.W+x]
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					v = pick(v, p.Pix[clampIndex(y+dy, p.H)*p.W+clampIndex(x+dx, p.W)])
				}
			}
			out.Pix[y*p.W+x] = v
		}
	}
	return out
}
