// Package quality scores whether a document photo is usable before any authenticity checks.
package quality

import (
	"image"
	"math"

	"go.uber.org/zap"

	"github.com/example/docverify/internal/config"
	"github.com/example/docverify/internal/imaging"
)

// Check is the outcome of one quality sub-check.
type Check struct {
	Score   float64 `json:"score"`
	Passed  bool    `json:"passed"`
	Message string  `json:"message"`
}

// Report is the immutable quality assessment of one image.
type Report struct {
	Blur          Check   `json:"blur"`
	Resolution    Check   `json:"resolution"`
	Brightness    Check   `json:"brightness"`
	Border        Check   `json:"border"`
	Contrast      Check   `json:"contrast"`
	QualityScore  float64 `json:"quality_score"`
	PassesMinimum bool    `json:"passes_minimum"`
}

// Assessor runs the deterministic quality checks.
type Assessor struct {
	policy config.QualityPolicy
	logger *zap.Logger
}

// NewAssessor builds an assessor from the quality section of the policy.
func NewAssessor(policy config.QualityPolicy, logger *zap.Logger) *Assessor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Assessor{policy: policy, logger: logger.Named("quality")}
}

// Assess scores img. It cannot fail: decoding errors are reported before an Image exists.
func (a *Assessor) Assess(img *imaging.Image) *Report {
	gray := img.Gray()
	mean, std := gray.MeanStd()

	r := &Report{
		Blur:       a.blur(gray),
		Resolution: a.resolution(img.Width(), img.Height()),
		Brightness: a.brightness(mean),
		Border:     a.border(gray),
		Contrast:   a.contrast(std),
	}
	w := a.policy.Weights
	r.QualityScore = clamp01(w.Blur*r.Blur.Score +
		w.Resolution*r.Resolution.Score +
		w.Brightness*r.Brightness.Score +
		w.Border*r.Border.Score +
		w.Contrast*r.Contrast.Score)
	r.PassesMinimum = r.QualityScore > a.policy.PassThreshold

	a.logger.Debug("quality assessed",
		zap.Float64("blur", r.Blur.Score),
		zap.Float64("resolution", r.Resolution.Score),
		zap.Float64("brightness", r.Brightness.Score),
		zap.Float64("border", r.Border.Score),
		zap.Float64("contrast", r.Contrast.Score),
		zap.Float64("quality_score", r.QualityScore),
	)
	return r
}

func (a *Assessor) blur(gray *imaging.Plane) Check {
	variance := gray.Laplacian().Variance()
	sharp := variance >= a.policy.BlurVarianceThreshold
	c := Check{Score: clamp01(variance / a.policy.BlurVarianceThreshold), Passed: sharp, Message: "Image is sharp"}
	if !sharp {
		c.Message = "Image is too blurry"
	}
	return c
}

func (a *Assessor) resolution(width, height int) Check {
	ratio := (float64(width)/float64(a.policy.MinWidth) + float64(height)/float64(a.policy.MinHeight)) / 2
	ok := width >= a.policy.MinWidth && height >= a.policy.MinHeight
	c := Check{Score: clamp01(ratio), Passed: ok, Message: "Resolution OK"}
	if !ok {
		c.Message = "Resolution too low"
	}
	return c
}

func (a *Assessor) brightness(mean float64) Check {
	ideal := (a.policy.MinBrightness + a.policy.MaxBrightness) / 2
	ok := mean >= a.policy.MinBrightness && mean <= a.policy.MaxBrightness
	c := Check{Score: clamp01(1 - math.Abs(mean-ideal)/ideal), Passed: ok, Message: "Brightness OK"}
	if !ok {
		c.Message = "Poor lighting"
	}
	return c
}

// border measures edge density inside the outer margin on each side. Content running into
// the frame edge suggests the document was cropped.
func (a *Assessor) border(gray *imaging.Plane) Check {
	mx := int(float64(gray.W) * a.policy.BorderMargin)
	my := int(float64(gray.H) * a.policy.BorderMargin)
	if mx == 0 || my == 0 {
		return Check{Score: 1, Passed: true, Message: "Margins OK"}
	}
	edges := gray.Canny(a.policy.CannyLow, a.policy.CannyHigh)
	sides := []float64{
		edges.DensityIn(image.Rect(0, 0, gray.W, my)),
		edges.DensityIn(image.Rect(0, gray.H-my, gray.W, gray.H)),
		edges.DensityIn(image.Rect(0, 0, mx, gray.H)),
		edges.DensityIn(image.Rect(gray.W-mx, 0, gray.W, gray.H)),
	}
	limit := a.policy.BorderDensityLimit
	var sum float64
	ok := true
	for _, d := range sides {
		sum += d
		if d >= limit {
			ok = false
		}
	}
	density := sum / float64(len(sides))

	score := 1.0
	if density > limit {
		score = clamp01(1 - (density-limit)/(1-limit))
	}
	c := Check{Score: score, Passed: ok, Message: "Margins OK"}
	if !ok {
		c.Message = "Document may be cropped"
	}
	return c
}

func (a *Assessor) contrast(std float64) Check {
	ok := std >= a.policy.ContrastFloor
	c := Check{Score: clamp01(std / a.policy.ContrastFloor), Passed: ok, Message: "Contrast OK"}
	if !ok {
		c.Message = "Low contrast"
	}
	return c
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
