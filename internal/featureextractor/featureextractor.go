// Package featureextractor describes the pretrained convolutional feature service used by
// the forgery ensemble.
package featureextractor

import (
	"context"
	"image"
)

// Client returns a fixed-length feature vector for an image already normalised to the
// network input size. Implementations must honour ctx cancellation.
type Client interface {
	Extract(ctx context.Context, img image.Image) ([]float64, error)
}

// Func adapts a plain function to Client.
type Func func(ctx context.Context, img image.Image) ([]float64, error)

// Extract calls f.
func (f Func) Extract(ctx context.Context, img image.Image) ([]float64, error) {
	return f(ctx, img)
}
