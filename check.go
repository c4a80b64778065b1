package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/example/docverify/internal/config"
	"github.com/example/docverify/internal/consistency"
	"github.com/example/docverify/internal/logging"
	"github.com/example/docverify/internal/ocr/tesseract"
	"github.com/example/docverify/internal/pipeline"
)

type checkOptions struct {
	imagePath        string
	name             string
	dateOfBirth      string
	idNumber         string
	featureExtractor string
	policyFile       string
	languages        string
	ocrTimeout       time.Duration
	featureTimeout   time.Duration
	logLevel         string
}

func newCheckCommand() *cobra.Command {
	cfg := config.Load()
	opts := checkOptions{
		featureExtractor: cfg.FeatureExtractorAddr,
		policyFile:       cfg.PolicyFile,
		languages:        strings.Join(cfg.OCRLanguages, "+"),
		ocrTimeout:       cfg.OCRTimeout,
		featureTimeout:   cfg.FeatureTimeout,
		logLevel:         "warn",
	}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Verify one document image locally and print the result as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runCheck(cmd, opts)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.imagePath, "image", "", "path to the document image")
	flags.StringVar(&opts.name, "name", "", "claimed full name")
	flags.StringVar(&opts.dateOfBirth, "dob", "", "claimed date of birth (YYYY-MM-DD)")
	flags.StringVar(&opts.idNumber, "id-number", "", "claimed document number")
	flags.StringVar(&opts.featureExtractor, "feature-extractor", opts.featureExtractor, "gRPC address of the feature extractor")
	flags.StringVar(&opts.policyFile, "policy", opts.policyFile, "YAML policy overriding the embedded default")
	flags.StringVar(&opts.languages, "lang", opts.languages, "tesseract languages joined with +")
	flags.DurationVar(&opts.ocrTimeout, "ocr-timeout", opts.ocrTimeout, "timeout per OCR attempt")
	flags.DurationVar(&opts.featureTimeout, "feature-timeout", opts.featureTimeout, "timeout for the feature extractor call")
	flags.StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func runCheck(cmd *cobra.Command, opts checkOptions) error {
	logger, err := logging.NewLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	policy, err := config.LoadPolicy(opts.policyFile)
	if err != nil {
		return err
	}

	data, err := os.ReadFile(opts.imagePath)
	if err != nil {
		return fmt.Errorf("read image: %w", err)
	}

	ctx := cmd.Context()
	extractor, closeExtractor := dialFeatureExtractor(ctx, opts.featureExtractor, logger)
	defer closeExtractor()

	verifier, err := pipeline.New(policy, pipeline.Options{
		OCR:              tesseract.NewEngine(strings.Split(opts.languages, "+"), logger),
		FeatureExtractor: extractor,
		OCRTimeout:       opts.ocrTimeout,
		FeatureTimeout:   opts.featureTimeout,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	result, verifyErr := verifier.Verify(ctx, data, claimantFromFlags(opts))
	if result == nil {
		return verifyErr
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if verifyErr != nil {
		logger.Warn("verification incomplete", zap.Error(verifyErr))
	}
	return verifyErr
}

func claimantFromFlags(opts checkOptions) *consistency.Claimant {
	if opts.name == "" && opts.dateOfBirth == "" && opts.idNumber == "" {
		return nil
	}
	return &consistency.Claimant{Name: opts.name, DateOfBirth: opts.dateOfBirth, IDNumber: opts.idNumber}
}
