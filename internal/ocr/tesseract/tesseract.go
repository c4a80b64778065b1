// Package tesseract implements ocr.Engine with the gosseract client.
package tesseract

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"strings"

	"github.com/otiai10/gosseract/v2"
	"go.uber.org/zap"

	"github.com/example/docverify/internal/ocr"
)

var pageSegModes = map[ocr.Layout]gosseract.PageSegMode{
	ocr.LayoutSingleBlock: gosseract.PSM_SINGLE_BLOCK,
	ocr.LayoutAuto:        gosseract.PSM_AUTO,
	ocr.LayoutAutoOSD:     gosseract.PSM_AUTO_OSD,
}

// Engine runs Tesseract in-process. A fresh client is used per call, so Engine is safe for
// concurrent use.
type Engine struct {
	languages     []string
	clientFactory func() *gosseract.Client
	logger        *zap.Logger
}

// NewEngine constructs a Tesseract-backed engine for the given trained-data languages.
func NewEngine(languages []string, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{languages: languages, clientFactory: gosseract.NewClient, logger: logger.Named("tesseract")}
}

type recognition struct {
	text string
	err  error
}

// Recognize encodes img as PNG and runs Tesseract with the page segmentation mode of layout.
// The native call cannot be interrupted; on cancellation Recognize returns immediately and
// the client is released once Tesseract finishes.
func (e *Engine) Recognize(ctx context.Context, img image.Image, layout ocr.Layout) (string, error) {
	mode, ok := pageSegModes[layout]
	if !ok {
		return "", fmt.Errorf("unsupported layout %q", layout)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return "", fmt.Errorf("encode image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	done := make(chan recognition, 1)
	go func() {
		c := e.clientFactory()
		defer c.Close()
		text, err := e.recognizeWithClient(c, buf.Bytes(), mode)
		done <- recognition{text: text, err: err}
	}()

	select {
	case <-ctx.Done():
		e.logger.Warn("tesseract call abandoned", zap.String("layout", string(layout)), zap.Error(ctx.Err()))
		return "", ctx.Err()
	case r := <-done:
		return r.text, r.err
	}
}

func (e *Engine) recognizeWithClient(c *gosseract.Client, data []byte, mode gosseract.PageSegMode) (string, error) {
	if len(e.languages) > 0 {
		if err := c.SetLanguage(e.languages...); err != nil {
			return "", fmt.Errorf("set languages: %w", err)
		}
	}
	if err := c.SetPageSegMode(mode); err != nil {
		return "", fmt.Errorf("set page segmentation mode: %w", err)
	}
	if err := c.SetImageFromBytes(data); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := c.Text()
	if err != nil {
		return "", fmt.Errorf("recognize text: %w", err)
	}
	return strings.TrimSpace(text), nil
}
