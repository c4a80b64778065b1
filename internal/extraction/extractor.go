// Package extraction recognises document text and parses it into identity fields.
package extraction

import (
	"context"
	"errors"
	"image"
	"time"

	"go.uber.org/zap"

	"github.com/example/docverify/internal/apperrors"
	"github.com/example/docverify/internal/config"
	"github.com/example/docverify/internal/imaging"
	"github.com/example/docverify/internal/ocr"
)

// Flags recorded on Fields.
const (
	FlagOCRUnavailable = "ocr_unavailable"
	FlagNoText         = "ocr_no_text"
)

// IDMatch is one document number found in the text.
type IDMatch struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

// Fields holds what could be read from the document. Absent fields are nil.
type Fields struct {
	Name        *string    `json:"name"`
	DateOfBirth *string    `json:"date_of_birth"`
	IDNumber    *string    `json:"id_number"`
	IDType      *string    `json:"id_type"`
	AllIDs      []IDMatch  `json:"all_ids,omitempty"`
	RawText     string     `json:"raw_text"`
	Layout      ocr.Layout `json:"layout,omitempty"`
	Confidence  float64    `json:"extraction_confidence"`
	Flags       []string   `json:"flags,omitempty"`
}

// Found returns how many of name, date of birth and id number are present.
func (f *Fields) Found() int {
	n := 0
	for _, v := range []*string{f.Name, f.DateOfBirth, f.IDNumber} {
		if v != nil {
			n++
		}
	}
	return n
}

const allFields = 3

// Extractor runs OCR under the configured layout attempts and keeps the best parse.
type Extractor struct {
	policy  config.ExtractionPolicy
	layouts []ocr.Layout
	parser  *parser
	engine  ocr.Engine
	timeout time.Duration
	logger  *zap.Logger
}

// NewExtractor builds an extractor. engine may be nil, in which case every result is empty
// and flagged as unavailable.
func NewExtractor(policy *config.Policy, engine ocr.Engine, timeout time.Duration, logger *zap.Logger) (*Extractor, error) {
	layouts, err := ocr.ParseLayouts(policy.Extraction.Layouts)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		policy:  policy.Extraction,
		layouts: layouts,
		parser:  newParser(policy),
		engine:  engine,
		timeout: timeout,
		logger:  logger.Named("extraction"),
	}, nil
}

// Extract preprocesses img and tries each layout in order until one yields every field.
// The attempt with the most fields wins; ties keep the earlier attempt unless the earlier one
// recognised no text at all. Preprocessing runs under the OCR timeout. OCR failures and
// timeouts are absorbed into an empty result; only caller cancellation is returned.
func (e *Extractor) Extract(ctx context.Context, img *imaging.Image) (*Fields, error) {
	if e.engine == nil {
		return e.unavailable(apperrors.Unavailable("ocr", errors.New("not configured"))), nil
	}
	prepared, err := e.preprocess(ctx, img)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return e.unavailable(err), nil
	}

	var best *Fields
	var lastErr error
	for _, layout := range e.layouts {
		if best != nil && best.Found() == allFields {
			break
		}
		text, err := e.recognize(ctx, prepared, layout)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			lastErr = err
			e.logger.Warn("ocr attempt failed", zap.String("layout", string(layout)), zap.Error(err))
			continue
		}
		f := e.parser.parse(text)
		f.Layout = layout
		if best == nil || f.Found() > best.Found() ||
			(f.Found() == best.Found() && best.RawText == "" && f.RawText != "") {
			best = f
		}
	}

	if best == nil {
		return e.unavailable(lastErr), nil
	}
	// With the tie rule above the winner has empty text only if every attempt did.
	if best.RawText == "" {
		best.Flags = append(best.Flags, FlagNoText)
	}
	e.logger.Debug("fields extracted",
		zap.String("layout", string(best.Layout)),
		zap.Int("found", best.Found()),
		zap.Float64("confidence", best.Confidence),
	)
	return best, nil
}

func (e *Extractor) preprocess(ctx context.Context, img *imaging.Image) (image.Image, error) {
	prepCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		prepCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	prepared, err := Preprocess(prepCtx, img, e.policy)
	if err != nil {
		return nil, apperrors.Unavailable("ocr preprocessing", err)
	}
	return prepared, nil
}

func (e *Extractor) recognize(ctx context.Context, img image.Image, layout ocr.Layout) (string, error) {
	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	text, err := e.engine.Recognize(callCtx, img, layout)
	if err != nil {
		return "", apperrors.Unavailable("ocr", err)
	}
	return text, nil
}

func (e *Extractor) unavailable(err error) *Fields {
	e.logger.Warn("ocr unavailable, returning empty fields", zap.Error(err))
	return &Fields{Flags: []string{FlagOCRUnavailable}}
}

// ParseText parses already recognised text. It is exposed for callers that run OCR elsewhere.
func (e *Extractor) ParseText(text string) *Fields {
	return e.parser.parse(text)
}
