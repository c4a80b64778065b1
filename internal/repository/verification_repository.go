package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/docverify/internal/logging"
)

// VerificationRecord is the persisted outcome of one completed verification attempt.
// Cancelled or undecodable attempts are never stored.
type VerificationRecord struct {
	ID                   uint      `gorm:"primaryKey" json:"-"`
	RequestID            string    `gorm:"column:request_id;uniqueIndex;size:64" json:"request_id"`
	AccountID            string    `gorm:"column:account_id;index:idx_account_hash;size:64" json:"account_id"`
	ImageSHA1            string    `gorm:"column:image_sha1;index:idx_account_hash;size:40" json:"image_sha1"`
	QualityScore         float64   `gorm:"column:quality_score" json:"quality_score"`
	ForgeryScore         float64   `gorm:"column:forgery_score" json:"forgery_score"`
	MismatchScore        *float64  `gorm:"column:mismatch_score" json:"mismatch_score"`
	RiskScore            float64   `gorm:"column:risk_score" json:"risk_score"`
	Disposition          string    `gorm:"column:disposition;size:32;index" json:"disposition"`
	Reasons              string    `gorm:"column:reasons;type:text" json:"reasons"`
	Flags                string    `gorm:"column:flags;type:text" json:"flags"`
	IDType               string    `gorm:"column:id_type;size:32" json:"id_type,omitempty"`
	ExtractionConfidence float64   `gorm:"column:extraction_confidence" json:"extraction_confidence"`
	Degraded             bool      `gorm:"column:degraded" json:"degraded"`
	ProcessingLatencyMs  int64     `gorm:"column:processing_latency_ms" json:"processing_latency_ms"`
	CreatedAt            time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (VerificationRecord) TableName() string {
	return "verification_records"
}

// MetricsAggregation is the raw aggregate over all stored records.
type MetricsAggregation struct {
	TotalCount                 int64
	ApprovedCount              int64
	AverageRiskScore           float64
	AverageProcessingLatencyMs float64
	Dispositions               map[string]int64
}

// VerificationRepository provides persistence APIs for verification records.
type VerificationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewVerificationRepository creates a new repository instance.
func NewVerificationRepository(db *gorm.DB, logger *zap.Logger) *VerificationRepository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VerificationRepository{
		db:             db,
		logger:         logger.Named("verification_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *VerificationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&VerificationRecord{})
}

// SaveRecord persists a verification record, retrying transient database errors.
func (r *VerificationRepository) SaveRecord(ctx context.Context, record *VerificationRecord) error {
	return r.executeWithRetry(ctx, "repository.save_record", record.RequestID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindByRequestIDAndUser retrieves a record matching the request and owning account.
func (r *VerificationRepository) FindByRequestIDAndUser(ctx context.Context, requestID, accountID string) (*VerificationRecord, error) {
	var record VerificationRecord
	err := r.executeWithRetry(ctx, "repository.find_record", requestID, func() error {
		return r.db.WithContext(ctx).First(&record, "request_id = ? AND account_id = ?", requestID, accountID).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// FindDuplicatesByHash lists earlier attempts by the same account with an identical image.
func (r *VerificationRepository) FindDuplicatesByHash(ctx context.Context, accountID, hash, excludeRequestID string) ([]*VerificationRecord, error) {
	var records []*VerificationRecord
	err := r.executeWithRetry(ctx, "repository.find_duplicates", excludeRequestID, func() error {
		return duplicatesQuery(r.db.WithContext(ctx), accountID, hash, excludeRequestID).Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func duplicatesQuery(db *gorm.DB, accountID, hash, excludeRequestID string) *gorm.DB {
	return db.Model(&VerificationRecord{}).
		Where("account_id = ? AND image_sha1 = ? AND request_id <> ?", accountID, hash, excludeRequestID).
		Order("created_at DESC")
}

// AggregateMetrics summarises every stored record.
func (r *VerificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	agg := &MetricsAggregation{Dispositions: map[string]int64{}}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		var summary struct {
			TotalCount                 int64
			ApprovedCount              int64
			AverageRiskScore           float64
			AverageProcessingLatencyMs float64
		}
		if err := summaryQuery(r.db.WithContext(ctx)).Scan(&summary).Error; err != nil {
			return err
		}
		agg.TotalCount = summary.TotalCount
		agg.ApprovedCount = summary.ApprovedCount
		agg.AverageRiskScore = summary.AverageRiskScore
		agg.AverageProcessingLatencyMs = summary.AverageProcessingLatencyMs

		var rows []struct {
			Disposition string
			Count       int64
		}
		if err := dispositionQuery(r.db.WithContext(ctx)).Scan(&rows).Error; err != nil {
			return err
		}
		for _, row := range rows {
			agg.Dispositions[row.Disposition] = row.Count
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return agg, nil
}

func summaryQuery(db *gorm.DB) *gorm.DB {
	return db.Model(&VerificationRecord{}).Select(
		"COUNT(*) AS total_count, "+
			"COALESCE(SUM(CASE WHEN disposition = ? THEN 1 ELSE 0 END), 0) AS approved_count, "+
			"COALESCE(AVG(risk_score), 0) AS average_risk_score, "+
			"COALESCE(AVG(processing_latency_ms), 0) AS average_processing_latency_ms",
		"APPROVE",
	)
}

func dispositionQuery(db *gorm.DB) *gorm.DB {
	return db.Model(&VerificationRecord{}).Select("disposition, COUNT(*) AS count").Group("disposition")
}

func (r *VerificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < max(r.retryAttempts, 1); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
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
	return errors.As(err, &temporary) && temporary.Temporary()
}
