package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/docverify/internal/consistency"
	"github.com/example/docverify/internal/logging"
	"github.com/example/docverify/internal/pipeline"
	"github.com/example/docverify/internal/repository"
)

// VerificationRepository defines the persistence operations needed by the use case.
type VerificationRepository interface {
	SaveRecord(ctx context.Context, record *repository.VerificationRecord) error
	FindByRequestIDAndUser(ctx context.Context, requestID, accountID string) (*repository.VerificationRecord, error)
	FindDuplicatesByHash(ctx context.Context, accountID, hash, excludeRequestID string) ([]*repository.VerificationRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Verifier runs the document verification pipeline.
type Verifier interface {
	Verify(ctx context.Context, data []byte, claimant *consistency.Claimant) (*pipeline.Result, error)
}

// VerificationUseCase encapsulates business logic for the verification flow.
type VerificationUseCase struct {
	repo           VerificationRepository
	cache          Cache
	verifier       Verifier
	logger         *zap.Logger
	now            func() time.Time
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// DuplicateReport represents earlier attempts that submitted the same image.
type DuplicateReport struct {
	Request    *repository.VerificationRecord   `json:"request"`
	Duplicates []*repository.VerificationRecord `json:"duplicates"`
}

// NewVerificationUseCase constructs a new use case instance.
func NewVerificationUseCase(repo VerificationRepository, cache Cache, verifier Verifier, logger *zap.Logger) *VerificationUseCase {
	return &VerificationUseCase{
		repo:           repo,
		cache:          cache,
		verifier:       verifier,
		logger:         logger.Named("verification_usecase"),
		now:            time.Now,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Verify runs one verification attempt for accountID and persists the outcome. An
// undecodable image yields the pipeline's REQUEST_NEW_IMAGE result together with the decode
// error; neither that nor a cancelled attempt is stored.
func (uc *VerificationUseCase) Verify(ctx context.Context, accountID string, imageBytes []byte, claimant *consistency.Claimant) (string, *pipeline.Result, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID)
	key := resultKey(requestID)

	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, key, processingMarker, processingTTL)
	}); err != nil {
		opLogger.Error("failed to set processing flag", zap.Error(err))
		return "", nil, err
	}

	started := uc.now()
	result, err := uc.verifier.Verify(ctx, imageBytes, claimant)
	if err != nil {
		if pipeline.IsDecodeError(err) {
			opLogger.Warn("rejected undecodable upload", zap.Error(err))
			return requestID, result, logging.NewOperationError("usecase.decode_image", requestID, err)
		}
		wrapped := logging.NewOperationError("usecase.verify_document", requestID, err)
		opLogger.Error("verification failed", zap.Error(wrapped))
		return "", nil, wrapped
	}
	latency := uc.now().Sub(started)

	hash := sha1.Sum(imageBytes)
	record := newRecord(requestID, accountID, hex.EncodeToString(hash[:]), result, latency, uc.now().UTC())
	if err := uc.repo.SaveRecord(ctx, record); err != nil {
		wrapped := logging.NewOperationError("usecase.save_record", requestID, err)
		opLogger.Error("failed to persist verification record", zap.Error(wrapped))
		return "", nil, wrapped
	}

	serialized, err := json.Marshal(record)
	if err != nil {
		opLogger.Error("failed to serialize verification record", zap.Error(err))
		return "", nil, err
	}
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, key, string(serialized), resultTTL)
	}); err != nil {
		opLogger.Error("failed to cache verification record", zap.Error(err))
		return "", nil, err
	}

	opLogger.Info("verification stored",
		zap.String("disposition", string(result.Disposition)),
		zap.Duration("latency", latency),
	)
	return requestID, result, nil
}

func newRecord(requestID, accountID, hash string, result *pipeline.Result, latency time.Duration, createdAt time.Time) *repository.VerificationRecord {
	reasons, _ := json.Marshal(result.Reasons)
	record := &repository.VerificationRecord{
		RequestID:           requestID,
		AccountID:           accountID,
		ImageSHA1:           hash,
		QualityScore:        result.QualityScore,
		ForgeryScore:        result.ForgeryScore,
		MismatchScore:       result.MismatchScore,
		RiskScore:           result.RiskScore,
		Disposition:         string(result.Disposition),
		Reasons:             string(reasons),
		Flags:               strings.Join(result.Flags, ","),
		ProcessingLatencyMs: latency.Milliseconds(),
		CreatedAt:           createdAt,
	}
	if result.Forgery != nil {
		record.Degraded = result.Forgery.Degraded
	}
	if f := result.ExtractedFields; f != nil {
		record.ExtractionConfidence = f.Confidence
		if f.IDType != nil {
			record.IDType = *f.IDType
		}
	}
	return record
}

// GetResult retrieves a cached verification record or loads it from persistence.
func (uc *VerificationUseCase) GetResult(ctx context.Context, accountID, requestID string) (*repository.VerificationRecord, error) {
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", resultKey(requestID)); err == nil {
		var record repository.VerificationRecord
		switch {
		case cached == processingMarker:
			opLogger.Debug("verification still processing, checking repository")
		case json.Unmarshal([]byte(cached), &record) != nil:
			opLogger.Warn("failed to decode cached result")
		case record.AccountID == accountID:
			return &record, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	return uc.repo.FindByRequestIDAndUser(ctx, requestID, accountID)
}

// GetDuplicateReport builds a duplicate detection report for a verification request.
func (uc *VerificationUseCase) GetDuplicateReport(ctx context.Context, accountID, requestID string) (*DuplicateReport, error) {
	record, err := uc.repo.FindByRequestIDAndUser(ctx, requestID, accountID)
	if err != nil {
		return nil, err
	}

	duplicates, err := uc.repo.FindDuplicatesByHash(ctx, accountID, record.ImageSHA1, record.RequestID)
	if err != nil {
		return nil, err
	}

	return &DuplicateReport{
		Request:    record,
		Duplicates: duplicates,
	}, nil
}

func (uc *VerificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *VerificationUseCase) withRedisGet(ctx context.Context, requestID, operation, key string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
