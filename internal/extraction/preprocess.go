package extraction

import (
	"context"
	"image"

	"github.com/example/docverify/internal/config"
	"github.com/example/docverify/internal/imaging"
)

// Preprocess prepares a document image for OCR: grayscale, resampling into the OCR area budget
// (small captures are enlarged, oversized ones reduced), edge-preserving smoothing, local
// contrast normalisation, Otsu binarisation and an optional morphological close. ctx is checked
// between stages. The source image is not modified.
func Preprocess(ctx context.Context, img *imaging.Image, p config.ExtractionPolicy) (*image.Gray, error) {
	plane := img.Gray().
		LimitArea(p.MaxOCRPixels).
		UpscaleToMin(p.UpscaleMinWidth, p.UpscaleMinHeight, p.MaxOCRPixels)

	stages := []func(*imaging.Plane) *imaging.Plane{
		func(pl *imaging.Plane) *imaging.Plane {
			return pl.Bilateral(p.BilateralDiameter, p.BilateralSigmaColor, p.BilateralSigmaSpace)
		},
		func(pl *imaging.Plane) *imaging.Plane { return pl.CLAHE(p.CLAHEClipLimit, p.CLAHETiles) },
		func(pl *imaging.Plane) *imaging.Plane { return pl.Binarize(pl.OtsuThreshold()) },
	}
	if p.Morphology {
		stages = append(stages, (*imaging.Plane).Close)
	}
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		plane = stage(plane)
	}
	return plane.ToGray(), nil
}
