package config

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

//go:embed default_policy.yaml
var defaultPolicyYAML []byte

// Policy is the scoring configuration shared by every verification component.
// It is loaded once at startup and must not be modified afterwards.
type Policy struct {
	Quality     QualityPolicy     `yaml:"quality"`
	Forgery     ForgeryPolicy     `yaml:"forgery"`
	Extraction  ExtractionPolicy  `yaml:"extraction"`
	Consistency ConsistencyPolicy `yaml:"consistency"`
	Decision    DecisionPolicy    `yaml:"decision"`
	IDPatterns  []IDPattern       `yaml:"id_patterns"`
	DateFormats []DateFormat      `yaml:"date_formats"`
}

// QualityPolicy configures the image quality assessor.
type QualityPolicy struct {
	MinWidth              int            `yaml:"min_width"`
	MinHeight             int            `yaml:"min_height"`
	BlurVarianceThreshold float64        `yaml:"blur_variance_threshold"`
	MinBrightness         float64        `yaml:"min_brightness"`
	MaxBrightness         float64        `yaml:"max_brightness"`
	BorderMargin          float64        `yaml:"border_margin"`
	BorderDensityLimit    float64        `yaml:"border_density_limit"`
	ContrastFloor         float64        `yaml:"contrast_floor"`
	PassThreshold         float64        `yaml:"pass_threshold"`
	CannyLow              float64        `yaml:"canny_low"`
	CannyHigh             float64        `yaml:"canny_high"`
	Weights               QualityWeights `yaml:"weights"`
}

// QualityWeights are the fusion weights of the quality sub-scores.
type QualityWeights struct {
	Blur       float64 `yaml:"blur"`
	Resolution float64 `yaml:"resolution"`
	Brightness float64 `yaml:"brightness"`
	Border     float64 `yaml:"border"`
	Contrast   float64 `yaml:"contrast"`
}

// ForgeryPolicy configures the forgery ensemble.
type ForgeryPolicy struct {
	JPEGQuality            int            `yaml:"jpeg_quality"`
	NoiseBlockSize         int            `yaml:"noise_block_size"`
	NoiseSpreadScale       float64        `yaml:"noise_spread_scale"`
	NoiseFallbackScore     float64        `yaml:"noise_fallback_score"`
	CompressionFallback    float64        `yaml:"compression_fallback_score"`
	CannyLow               float64        `yaml:"canny_low"`
	CannyHigh              float64        `yaml:"canny_high"`
	ExpectedEdgeDensity    float64        `yaml:"expected_edge_density"`
	EdgeScale              float64        `yaml:"edge_scale"`
	FrequencyBand          int            `yaml:"frequency_band"`
	ExpectedFrequencyRatio float64        `yaml:"expected_frequency_ratio"`
	FrequencyScale         float64        `yaml:"frequency_scale"`
	FeatureInputSize       int            `yaml:"feature_input_size"`
	ExpectedFeatureMean    float64        `yaml:"expected_feature_mean"`
	ExpectedFeatureStd     float64        `yaml:"expected_feature_std"`
	MediumRisk             float64        `yaml:"medium_risk"`
	HighRisk               float64        `yaml:"high_risk"`
	Weights                ForgeryWeights `yaml:"weights"`
}

// ForgeryWeights are the fusion weights of the forgery sub-scores.
type ForgeryWeights struct {
	Compression float64 `yaml:"compression"`
	Noise       float64 `yaml:"noise"`
	Edge        float64 `yaml:"edge"`
	Frequency   float64 `yaml:"frequency"`
	DeepFeature float64 `yaml:"deep_feature"`
}

// ExtractionPolicy configures OCR preprocessing and field parsing.
type ExtractionPolicy struct {
	Layouts             []string          `yaml:"layouts"`
	UpscaleMinWidth     int               `yaml:"upscale_min_width"`
	UpscaleMinHeight    int               `yaml:"upscale_min_height"`
	MaxOCRPixels        int               `yaml:"max_ocr_pixels"`
	BilateralDiameter   int               `yaml:"bilateral_diameter"`
	BilateralSigmaColor float64           `yaml:"bilateral_sigma_color"`
	BilateralSigmaSpace float64           `yaml:"bilateral_sigma_space"`
	CLAHEClipLimit      float64           `yaml:"clahe_clip_limit"`
	CLAHETiles          int               `yaml:"clahe_tiles"`
	Morphology          bool              `yaml:"morphology"`
	NameLabels          []string          `yaml:"name_labels"`
	DOBLabels           []string          `yaml:"dob_labels"`
	NameFilterWords     []string          `yaml:"name_filter_words"`
	NameFuzzyThreshold  float64           `yaml:"name_fuzzy_threshold"`
	Weights             ExtractionWeights `yaml:"weights"`
}

// ExtractionWeights define extraction confidence per recognised field.
type ExtractionWeights struct {
	Name float64 `yaml:"name"`
	DOB  float64 `yaml:"dob"`
	ID   float64 `yaml:"id"`
}

// ConsistencyPolicy configures claimant comparison.
type ConsistencyPolicy struct {
	NameMatchRatio   float64            `yaml:"name_match_ratio"`
	NameReviewRatio  float64            `yaml:"name_review_ratio"`
	NameMinorRisk    float64            `yaml:"name_minor_risk"`
	NameMajorRisk    float64            `yaml:"name_major_risk"`
	DOBMinorRisk     float64            `yaml:"dob_minor_risk"`
	DOBMajorRisk     float64            `yaml:"dob_major_risk"`
	AgeGapYears      int                `yaml:"age_gap_years"`
	MinAge           int                `yaml:"min_age"`
	MaxAge           int                `yaml:"max_age"`
	IDPrefixLength   int                `yaml:"id_prefix_length"`
	IDPartialRisk    float64            `yaml:"id_partial_risk"`
	IDMismatchRisk   float64            `yaml:"id_mismatch_risk"`
	MatchesWellBelow float64            `yaml:"matches_well_below"`
	SignificantAbove float64            `yaml:"significant_above"`
	Weights          ConsistencyWeights `yaml:"weights"`
}

// ConsistencyWeights are the fusion weights of the field mismatch scores.
type ConsistencyWeights struct {
	Name float64 `yaml:"name"`
	DOB  float64 `yaml:"dob"`
	ID   float64 `yaml:"id"`
}

// DecisionPolicy holds the final fusion weights, thresholds and override limits.
type DecisionPolicy struct {
	ReviewAbove      float64         `yaml:"review_above"`
	RejectAbove      float64         `yaml:"reject_above"`
	ForgeryOverride  float64         `yaml:"forgery_override"`
	QualityOverride  float64         `yaml:"quality_override"`
	MismatchOverride float64         `yaml:"mismatch_override"`
	Weights          DecisionWeights `yaml:"weights"`
}

// DecisionWeights are the fusion weights of the risk score.
type DecisionWeights struct {
	Quality  float64 `yaml:"quality"`
	Forgery  float64 `yaml:"forgery"`
	Mismatch float64 `yaml:"mismatch"`
}

// IDPattern maps a document type to the regular expression of its number.
type IDPattern struct {
	Type    string `yaml:"type"`
	Pattern string `yaml:"pattern"`
	re      *regexp.Regexp
}

// Regexp returns the compiled pattern.
func (p IDPattern) Regexp() *regexp.Regexp { return p.re }

// DateFormat is a date shape searched for in text and the layouts that parse it.
type DateFormat struct {
	Name    string   `yaml:"name"`
	Pattern string   `yaml:"pattern"`
	Layouts []string `yaml:"layouts"`
	re      *regexp.Regexp
}

// Regexp returns the compiled pattern.
func (f DateFormat) Regexp() *regexp.Regexp { return f.re }

// DefaultPolicy returns the embedded policy. The embedded document is validated by tests,
// so a failure here is a build defect and panics.
func DefaultPolicy() *Policy {
	p, err := ParsePolicy(defaultPolicyYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded policy: %v", err))
	}
	return p
}

// LoadPolicy reads a policy file. An empty path selects the embedded default.
func LoadPolicy(path string) (*Policy, error) {
	if path == "" {
		return ParsePolicy(defaultPolicyYAML)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates a YAML policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	if err := p.validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Policy) compile() error {
	for i := range p.IDPatterns {
		re, err := regexp.Compile(p.IDPatterns[i].Pattern)
		if err != nil {
			return fmt.Errorf("id pattern %s: %w", p.IDPatterns[i].Type, err)
		}
		p.IDPatterns[i].re = re
	}
	for i := range p.DateFormats {
		re, err := regexp.Compile(p.DateFormats[i].Pattern)
		if err != nil {
			return fmt.Errorf("date format %s: %w", p.DateFormats[i].Name, err)
		}
		p.DateFormats[i].re = re
	}
	return nil
}

func (p *Policy) validate() error {
	groups := []struct {
		name    string
		weights []float64
	}{
		{"quality", []float64{p.Quality.Weights.Blur, p.Quality.Weights.Resolution, p.Quality.Weights.Brightness, p.Quality.Weights.Border, p.Quality.Weights.Contrast}},
		{"forgery", []float64{p.Forgery.Weights.Compression, p.Forgery.Weights.Noise, p.Forgery.Weights.Edge, p.Forgery.Weights.Frequency, p.Forgery.Weights.DeepFeature}},
		{"extraction", []float64{p.Extraction.Weights.Name, p.Extraction.Weights.DOB, p.Extraction.Weights.ID}},
		{"consistency", []float64{p.Consistency.Weights.Name, p.Consistency.Weights.DOB, p.Consistency.Weights.ID}},
		{"decision", []float64{p.Decision.Weights.Quality, p.Decision.Weights.Forgery, p.Decision.Weights.Mismatch}},
	}
	for _, g := range groups {
		var sum float64
		for _, w := range g.weights {
			if w < 0 {
				return fmt.Errorf("%s weights: negative weight %v", g.name, w)
			}
			sum += w
		}
		if math.Abs(sum-1) > 1e-6 {
			return fmt.Errorf("%s weights sum to %v, want 1.0", g.name, sum)
		}
	}
	if p.Decision.ReviewAbove >= p.Decision.RejectAbove {
		return fmt.Errorf("decision thresholds: review_above %v must be below reject_above %v", p.Decision.ReviewAbove, p.Decision.RejectAbove)
	}
	if p.Forgery.MediumRisk >= p.Forgery.HighRisk {
		return fmt.Errorf("forgery tiers: medium_risk %v must be below high_risk %v", p.Forgery.MediumRisk, p.Forgery.HighRisk)
	}
	if len(p.Extraction.Layouts) == 0 {
		return fmt.Errorf("extraction: at least one OCR layout is required")
	}
	if p.Extraction.MaxOCRPixels < p.Extraction.UpscaleMinWidth*p.Extraction.UpscaleMinHeight {
		return fmt.Errorf("extraction: max_ocr_pixels %d must cover upscale_min_width x upscale_min_height", p.Extraction.MaxOCRPixels)
	}
	if len(p.DateFormats) == 0 {
		return fmt.Errorf("date_formats: at least one format is required")
	}
	for _, f := range p.DateFormats {
		if len(f.Layouts) == 0 {
			return fmt.Errorf("date format %s: no layouts", f.Name)
		}
	}
	if p.Forgery.NoiseBlockSize <= 0 || p.Forgery.FeatureInputSize <= 0 {
		return fmt.Errorf("forgery: block and feature sizes must be positive")
	}
	return nil
}
