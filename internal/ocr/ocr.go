// Package ocr defines the optical character recognition capability consumed by field
// extraction. Engines are black boxes: given an image and a layout assumption, return text.
package ocr

import (
	"context"
	"fmt"
	"image"
)

// Layout is the page layout the engine should assume while segmenting text.
type Layout string

const (
	// LayoutSingleBlock treats the image as one uniform block of text.
	LayoutSingleBlock Layout = "single_block"
	// LayoutAuto lets the engine detect the page layout.
	LayoutAuto Layout = "auto"
	// LayoutAutoOSD detects layout together with orientation and script.
	LayoutAutoOSD Layout = "auto_osd"
)

// ParseLayout validates a layout name from configuration.
func ParseLayout(name string) (Layout, error) {
	switch l := Layout(name); l {
	case LayoutSingleBlock, LayoutAuto, LayoutAutoOSD:
		return l, nil
	default:
		return "", fmt.Errorf("unknown ocr layout %q", name)
	}
}

// ParseLayouts validates an ordered list of layout names.
func ParseLayouts(names []string) ([]Layout, error) {
	layouts := make([]Layout, 0, len(names))
	for _, n := range names {
		l, err := ParseLayout(n)
		if err != nil {
			return nil, err
		}
		layouts = append(layouts, l)
	}
	return layouts, nil
}

// Engine recognises text in an image. Implementations must honour ctx cancellation.
type Engine interface {
	Recognize(ctx context.Context, img image.Image, layout Layout) (string, error)
}

// EngineFunc adapts a plain function to Engine.
type EngineFunc func(ctx context.Context, img image.Image, layout Layout) (string, error)

// Recognize calls f.
func (f EngineFunc) Recognize(ctx context.Context, img image.Image, layout Layout) (string, error) {
	return f(ctx, img, layout)
}
