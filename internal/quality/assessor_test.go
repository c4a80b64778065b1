package quality

import (
	"image"
	"image/color"
	"testing"

	"github.com/example/docverify/internal/config"
	"github.com/example/docverify/internal/imaging"
)

// documentLikeImage returns a 640×480 mid-gray card: a flat 5% frame around a sharp 80/180
// checkerboard, giving mean 130 and standard deviation 45.
func documentLikeImage() *imaging.Image {
	const w, h = 640, 480
	img := image.NewGray(image.Rect(0, 0, w, h))
	fx, fy := w/20, h/20
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(130)
			if x >= fx && x < w-fx && y >= fy && y < h-fy {
				if ((x-fx)/8+(y-fy)/8)%2 == 0 {
					v = 80
				} else {
					v = 180
				}
			}
			img.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return imaging.FromImage(img)
}

func uniformImage(w, h int, v uint8) *imaging.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = v
	}
	return imaging.FromImage(img)
}

func newTestAssessor() *Assessor {
	return NewAssessor(config.DefaultPolicy().Quality, nil)
}

func TestAssessNearIdealDocument(t *testing.T) {
	img := documentLikeImage()
	_, std := img.Gray().MeanStd()
	if std < 40 {
		t.Fatalf("fixture std %v below 40", std)
	}

	report := newTestAssessor().Assess(img)
	if report.QualityScore < 0.85 {
		t.Fatalf("expected quality >= 0.85, got %v (%+v)", report.QualityScore, report)
	}
	if !report.PassesMinimum {
		t.Fatal("expected image to pass the minimum")
	}
	for name, c := range map[string]Check{
		"blur": report.Blur, "resolution": report.Resolution, "brightness": report.Brightness,
		"border": report.Border, "contrast": report.Contrast,
	} {
		if !c.Passed {
			t.Fatalf("%s check failed: %+v", name, c)
		}
	}
}

func TestAssessSmallDarkFlatImage(t *testing.T) {
	report := newTestAssessor().Assess(uniformImage(100, 80, 10))

	if report.PassesMinimum {
		t.Fatalf("expected failure, got score %v", report.QualityScore)
	}
	if report.QualityScore >= 0.30 {
		t.Fatalf("expected very low quality, got %v", report.QualityScore)
	}
	want := map[string]string{
		"blur":       "Image is too blurry",
		"resolution": "Resolution too low",
		"brightness": "Poor lighting",
		"contrast":   "Low contrast",
	}
	got := map[string]string{
		"blur":       report.Blur.Message,
		"resolution": report.Resolution.Message,
		"brightness": report.Brightness.Message,
		"contrast":   report.Contrast.Message,
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s message = %q, want %q", k, got[k], v)
		}
	}
}

func TestAssessFlagsContentTouchingTheFrame(t *testing.T) {
	const w, h = 640, 480
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if x%6 >= 3 {
				img.SetGray(x, y, color.Gray{Y: 255})
			}
		}
	}
	report := newTestAssessor().Assess(imaging.FromImage(img))
	if report.Border.Passed {
		t.Fatalf("expected border check to fail, got %+v", report.Border)
	}
	if report.Border.Score >= 1 {
		t.Fatalf("expected a border penalty, got %v", report.Border.Score)
	}
}

func TestScoresStayInUnitInterval(t *testing.T) {
	for _, img := range []*imaging.Image{documentLikeImage(), uniformImage(3, 3, 255), uniformImage(2000, 10, 0)} {
		r := newTestAssessor().Assess(img)
		for _, s := range []float64{r.Blur.Score, r.Resolution.Score, r.Brightness.Score, r.Border.Score, r.Contrast.Score, r.QualityScore} {
			if s < 0 || s > 1 {
				t.Fatalf("score out of range: %v in %+v", s, r)
			}
		}
	}
}
