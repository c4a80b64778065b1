// Package pipeline wires the verification components into the single Verify entry point.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/docverify/internal/apperrors"
	"github.com/example/docverify/internal/config"
	"github.com/example/docverify/internal/consistency"
	"github.com/example/docverify/internal/decision"
	"github.com/example/docverify/internal/extraction"
	"github.com/example/docverify/internal/featureextractor"
	"github.com/example/docverify/internal/forgery"
	"github.com/example/docverify/internal/imaging"
	"github.com/example/docverify/internal/ocr"
	"github.com/example/docverify/internal/quality"
)

// Result is what callers outside the pipeline see of one verification attempt.
type Result struct {
	QualityScore    float64              `json:"quality_score"`
	ForgeryScore    float64              `json:"forgery_score"`
	MismatchScore   *float64             `json:"mismatch_score"`
	RiskScore       float64              `json:"risk_score"`
	ExtractedFields *extraction.Fields   `json:"extracted_fields,omitempty"`
	Disposition     decision.Disposition `json:"disposition"`
	Reasons         []string             `json:"reasons"`
	Flags           []string             `json:"flags,omitempty"`
	Quality         *quality.Report      `json:"quality,omitempty"`
	Forgery         *forgery.Report      `json:"forgery,omitempty"`
	Consistency     *consistency.Report  `json:"consistency,omitempty"`
}

// Options carries the external collaborators. Nil engines select the degradation paths.
type Options struct {
	OCR              ocr.Engine
	FeatureExtractor featureextractor.Client
	OCRTimeout       time.Duration
	FeatureTimeout   time.Duration
	Now              func() time.Time
	Logger           *zap.Logger
}

// Verifier is request-scoped stateless glue over immutable components; it is safe for
// concurrent use.
type Verifier struct {
	quality     *quality.Assessor
	forgery     *forgery.Ensemble
	extractor   *extraction.Extractor
	consistency *consistency.Engine
	decision    *decision.Engine
	logger      *zap.Logger
}

// New builds a verifier for policy.
func New(policy *config.Policy, opts Options) (*Verifier, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	extractor, err := extraction.NewExtractor(policy, opts.OCR, opts.OCRTimeout, logger)
	if err != nil {
		return nil, fmt.Errorf("build extractor: %w", err)
	}
	var consistencyOpts []consistency.Option
	if opts.Now != nil {
		consistencyOpts = append(consistencyOpts, consistency.WithClock(opts.Now))
	}
	return &Verifier{
		quality:     quality.NewAssessor(policy.Quality, logger),
		forgery:     forgery.NewEnsemble(policy.Forgery, opts.FeatureExtractor, opts.FeatureTimeout, logger),
		extractor:   extractor,
		consistency: consistency.NewEngine(policy, logger, consistencyOpts...),
		decision:    decision.NewEngine(policy.Decision),
		logger:      logger.Named("pipeline"),
	}, nil
}

// Verify decodes data and runs the full pipeline. An undecodable upload returns a
// REQUEST_NEW_IMAGE result together with the *apperrors.DecodeError so callers can explain
// the outcome without persisting it. Caller cancellation returns ctx's error and no result.
func (v *Verifier) Verify(ctx context.Context, data []byte, claimant *consistency.Claimant) (*Result, error) {
	img, err := imaging.Decode(data)
	if err != nil {
		v.logger.Error("image decode failed", zap.Error(err))
		return &Result{
			Disposition: decision.RequestNewImage,
			Reasons:     []string{"image could not be decoded; please upload a clear photo of the document"},
		}, err
	}
	return v.VerifyImage(ctx, img, claimant)
}

// VerifyImage runs the pipeline on an already decoded image.
func (v *Verifier) VerifyImage(ctx context.Context, img *imaging.Image, claimant *consistency.Claimant) (*Result, error) {
	var (
		qr *quality.Report
		fr *forgery.Report
		ef *extraction.Fields
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		qr = v.quality.Assess(img)
		return nil
	})
	g.Go(func() error {
		var err error
		fr, err = v.forgery.Assess(gctx, img)
		return err
	})
	g.Go(func() error {
		var err error
		ef, err = v.extractor.Extract(gctx, img)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cr := v.consistency.Assess(ef, claimant)
	var mismatch *float64
	if cr != nil {
		m := cr.MismatchScore
		mismatch = &m
	}
	d := v.decision.Decide(qr.QualityScore, fr.ForgeryScore, mismatch)

	res := &Result{
		QualityScore:    qr.QualityScore,
		ForgeryScore:    fr.ForgeryScore,
		MismatchScore:   mismatch,
		RiskScore:       d.RiskScore,
		ExtractedFields: ef,
		Disposition:     d.Disposition,
		Reasons:         d.Reasons,
		Quality:         qr,
		Forgery:         fr,
		Consistency:     cr,
	}
	res.Flags = append(res.Flags, fr.Flags...)
	res.Flags = append(res.Flags, ef.Flags...)
	if cr != nil {
		res.Flags = append(res.Flags, cr.Flags...)
	}

	v.logger.Info("verification completed",
		zap.String("disposition", string(res.Disposition)),
		zap.Float64("risk_score", res.RiskScore),
		zap.Float64("quality_score", res.QualityScore),
		zap.Float64("forgery_score", res.ForgeryScore),
		zap.Bool("claimant_supplied", claimant != nil),
	)
	return res, nil
}

// IsDecodeError reports whether err came from an unusable upload.
func IsDecodeError(err error) bool {
	var decodeErr *apperrors.DecodeError
	return errors.As(err, &decodeErr)
}
