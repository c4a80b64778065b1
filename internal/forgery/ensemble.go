// Package forgery estimates the risk that a document image was edited or synthesised.
package forgery

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/docverify/internal/apperrors"
	"github.com/example/docverify/internal/config"
	"github.com/example/docverify/internal/featureextractor"
	"github.com/example/docverify/internal/imaging"
)

// Tier is the human-readable bucket of a forgery score.
type Tier string

const (
	TierLow    Tier = "low"
	TierMedium Tier = "medium"
	TierHigh   Tier = "high"
)

// Degradation flags recorded on the report.
const (
	FlagDeepFeatureUnavailable = "deep_feature_unavailable"
	FlagNoiseImageTooSmall     = "noise_image_too_small"
	FlagCompressionUnavailable = "compression_check_failed"
)

// Report is the immutable result of the forgery ensemble. DeepFeatureAnomaly is nil when the
// feature extractor could not be reached; ForgeryScore is then fused from the other four.
type Report struct {
	CompressionArtifact float64  `json:"compression_artifact"`
	NoiseUniformity     float64  `json:"noise_uniformity"`
	EdgeConsistency     float64  `json:"edge_consistency"`
	FrequencyAnomaly    float64  `json:"frequency_anomaly"`
	DeepFeatureAnomaly  *float64 `json:"deep_feature_anomaly,omitempty"`
	ForgeryScore        float64  `json:"forgery_score"`
	RiskTier            Tier     `json:"risk_tier"`
	IsSuspicious        bool     `json:"is_suspicious"`
	Degraded            bool     `json:"degraded"`
	Flags               []string `json:"flags,omitempty"`
}

// Ensemble runs the forgery analyses over one image.
type Ensemble struct {
	policy         config.ForgeryPolicy
	extractor      featureextractor.Client
	featureTimeout time.Duration
	logger         *zap.Logger
}

// NewEnsemble builds an ensemble. extractor may be nil, in which case every report is degraded.
func NewEnsemble(policy config.ForgeryPolicy, extractor featureextractor.Client, featureTimeout time.Duration, logger *zap.Logger) *Ensemble {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ensemble{
		policy:         policy,
		extractor:      extractor,
		featureTimeout: featureTimeout,
		logger:         logger.Named("forgery"),
	}
}

// Assess runs the five analyses concurrently. It returns an error only when ctx is cancelled
// by the caller; an unreachable or slow feature extractor degrades the report instead.
func (e *Ensemble) Assess(ctx context.Context, img *imaging.Image) (*Report, error) {
	var (
		compression, noise, edge, frequency float64
		noiseOK                             bool
		compressionErr                      error
		features                            []float64
		featureErr                          error
	)
	gray := img.Gray()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		compression, compressionErr = compressionScore(img, e.policy)
		return nil
	})
	g.Go(func() error {
		noise, noiseOK = noiseScore(gray, e.policy)
		return nil
	})
	g.Go(func() error {
		edge = edgeScore(gray, e.policy)
		return nil
	})
	g.Go(func() error {
		frequency = frequencyScore(gray, e.policy)
		return nil
	})
	g.Go(func() error {
		features, featureErr = e.extractFeatures(gctx, img)
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r := &Report{
		CompressionArtifact: compression,
		NoiseUniformity:     noise,
		EdgeConsistency:     edge,
		FrequencyAnomaly:    frequency,
	}
	if compressionErr != nil {
		r.CompressionArtifact = e.policy.CompressionFallback
		r.Flags = append(r.Flags, FlagCompressionUnavailable)
		e.logger.Warn("recompression failed, using fallback score", zap.Error(compressionErr))
	}
	if !noiseOK {
		r.Flags = append(r.Flags, FlagNoiseImageTooSmall)
	}

	w := e.policy.Weights
	weighted := w.Compression*r.CompressionArtifact + w.Noise*noise + w.Edge*edge + w.Frequency*frequency
	total := w.Compression + w.Noise + w.Edge + w.Frequency
	if featureErr == nil {
		deep := deepFeatureScore(features, e.policy)
		r.DeepFeatureAnomaly = &deep
		weighted += w.DeepFeature * deep
		total += w.DeepFeature
	} else {
		r.Degraded = true
		r.Flags = append(r.Flags, FlagDeepFeatureUnavailable)
		e.logger.Warn("feature extractor unavailable, fusing classical analyses only", zap.Error(featureErr))
	}
	if total > 0 {
		r.ForgeryScore = clamp01(weighted / total)
	}
	r.RiskTier = e.tier(r.ForgeryScore)
	r.IsSuspicious = r.RiskTier != TierLow

	e.logger.Debug("forgery assessed",
		zap.Float64("compression", r.CompressionArtifact),
		zap.Float64("noise", noise),
		zap.Float64("edge", edge),
		zap.Float64("frequency", frequency),
		zap.Float64("forgery_score", r.ForgeryScore),
		zap.Bool("degraded", r.Degraded),
	)
	return r, nil
}

func (e *Ensemble) extractFeatures(ctx context.Context, img *imaging.Image) ([]float64, error) {
	if e.extractor == nil {
		return nil, apperrors.Unavailable("feature extractor", errors.New("not configured"))
	}
	callCtx := ctx
	if e.featureTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.featureTimeout)
		defer cancel()
	}
	size := e.policy.FeatureInputSize
	features, err := e.extractor.Extract(callCtx, img.Resize(size, size))
	if err != nil {
		return nil, apperrors.Unavailable("feature extractor", err)
	}
	if len(features) == 0 {
		return nil, apperrors.Unavailable("feature extractor", errors.New("empty feature vector"))
	}
	return features, nil
}

func (e *Ensemble) tier(score float64) Tier {
	switch {
	case score > e.policy.HighRisk:
		return TierHigh
	case score >= e.policy.MediumRisk:
		return TierMedium
	default:
		return TierLow
	}
}
