package forgery

import (
	"fmt"
	"image"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/stat"

	"github.com/example/docverify/internal/config"
	"github.com/example/docverify/internal/imaging"
)

// compressionScore re-encodes the image through JPEG and measures how much it moves.
// Regions pasted from a differently compressed source stand out in the residual. Images wider
// or taller than the codec allows are compared at the largest encodable size.
func compressionScore(img *imaging.Image, p config.ForgeryPolicy) (float64, error) {
	img = img.FitWithin(imaging.MaxJPEGSide)
	re, err := img.Recompress(p.JPEGQuality)
	if err != nil {
		return 0, fmt.Errorf("recompress: %w", err)
	}
	w, h := img.Width(), img.Height()
	diff := imaging.NewPlane(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r1, g1, b1 := img.RGB(x, y)
			r2, g2, b2 := re.RGB(x, y)
			diff.Pix[y*w+x] = 0.299*absDiff(r1, r2) + 0.587*absDiff(g1, g2) + 0.114*absDiff(b1, b2)
		}
	}
	_, std := diff.MeanStd()
	return clamp01(std/30 + diff.Max()/255*0.3), nil
}

func absDiff(a, b uint8) float64 {
	return math.Abs(float64(a) - float64(b))
}

// noiseScore isolates high-frequency noise and measures how evenly it is spread across
// fixed blocks. Camera noise varies from block to block; synthetic images are too uniform.
// The second return value is false when the image holds fewer than 2×2 blocks.
func noiseScore(gray *imaging.Plane, p config.ForgeryPolicy) (float64, bool) {
	size := p.NoiseBlockSize
	bw, bh := gray.W/size, gray.H/size
	if bw < 2 || bh < 2 {
		return p.NoiseFallbackScore, false
	}
	noise := gray.Sub(gray.GaussianBlur(5, 0))
	stds := make([]float64, 0, bw*bh)
	for j := 0; j < bh; j++ {
		for i := 0; i < bw; i++ {
			block := noise.Block(image.Rect(i*size, j*size, (i+1)*size, (j+1)*size))
			_, s := stat.PopMeanStdDev(block, nil)
			stds = append(stds, s)
		}
	}
	_, spread := stat.PopMeanStdDev(stds, nil)
	return clamp01(1 - spread/p.NoiseSpreadScale), true
}

func edgeScore(gray *imaging.Plane, p config.ForgeryPolicy) float64 {
	density := gray.Canny(p.CannyLow, p.CannyHigh).Density()
	return clamp01(math.Abs(density-p.ExpectedEdgeDensity) * p.EdgeScale)
}

// frequencyScore compares mean log-magnitude near the centre of the shifted spectrum with
// the mean along its outer band.
func frequencyScore(gray *imaging.Plane, p config.ForgeryPolicy) float64 {
	mag := logMagnitudeSpectrum(gray)
	w, h := gray.W, gray.H
	band := min(p.FrequencyBand, w/2, h/2)
	if band < 1 {
		band = 1
	}

	var lowSum float64
	var lowN int
	cy, cx := h/2, w/2
	for y := max(cy-band, 0); y < min(cy+band, h); y++ {
		for x := max(cx-band, 0); x < min(cx+band, w); x++ {
			lowSum += mag[y*w+x]
			lowN++
		}
	}

	var highSum float64
	var highN int
	addRow := func(y int) {
		for x := 0; x < w; x++ {
			highSum += mag[y*w+x]
			highN++
		}
	}
	addCol := func(x int) {
		for y := 0; y < h; y++ {
			highSum += mag[y*w+x]
			highN++
		}
	}
	for i := 0; i < band; i++ {
		addRow(i)
		addRow(h - band + i)
		addCol(i)
		addCol(w - band + i)
	}

	ratio := (lowSum / float64(lowN)) / (highSum/float64(highN) + 1e-10)
	return clamp01(math.Abs(ratio-p.ExpectedFrequencyRatio) / p.FrequencyScale)
}

// logMagnitudeSpectrum returns log(|F|+1) of the 2-D DFT with the zero frequency moved
// to the centre.
func logMagnitudeSpectrum(gray *imaging.Plane) []float64 {
	w, h := gray.W, gray.H
	coeffs := make([]complex128, w*h)

	rowFFT := fourier.NewCmplxFFT(w)
	row := make([]complex128, w)
	out := make([]complex128, w)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			row[x] = complex(gray.Pix[y*w+x], 0)
		}
		out = rowFFT.Coefficients(out, row)
		copy(coeffs[y*w:], out)
	}

	colFFT := fourier.NewCmplxFFT(h)
	col := make([]complex128, h)
	colOut := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = coeffs[y*w+x]
		}
		colOut = colFFT.Coefficients(colOut, col)
		for y := 0; y < h; y++ {
			coeffs[y*w+x] = colOut[y]
		}
	}

	mag := make([]float64, w*h)
	for y := 0; y < h; y++ {
		sy := (y + h/2) % h
		for x := 0; x < w; x++ {
			sx := (x + w/2) % w
			mag[sy*w+sx] = math.Log(cmplx.Abs(coeffs[y*w+x]) + 1)
		}
	}
	return mag
}

// deepFeatureScore compares the statistics of a feature vector with those observed on
// genuine documents.
func deepFeatureScore(features []float64, p config.ForgeryPolicy) float64 {
	mean, std := stat.PopMeanStdDev(features, nil)
	return clamp01((math.Abs(mean-p.ExpectedFeatureMean) + math.Abs(std-p.ExpectedFeatureStd)) / 2)
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
