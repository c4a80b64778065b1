// Package handlers exposes the verification use case over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/docverify/internal/auth"
	"github.com/example/docverify/internal/consistency"
	"github.com/example/docverify/internal/logging"
	"github.com/example/docverify/internal/pipeline"
	"github.com/example/docverify/internal/repository"
	"github.com/example/docverify/internal/usecase"
)

// MaxUploadSize bounds the accepted document image size.
const MaxUploadSize = 16 << 20

// multipartOverhead leaves room for boundaries and the claimant form fields.
const multipartOverhead = 1 << 20

var allowedContentTypes = map[string]struct{}{
	"image/png":  {},
	"image/jpeg": {},
	"image/gif":  {},
	"image/bmp":  {},
	"image/tiff": {},
	"image/webp": {},
}

// Service is the subset of the use case served over HTTP.
type Service interface {
	Verify(ctx context.Context, accountID string, imageBytes []byte, claimant *consistency.Claimant) (string, *pipeline.Result, error)
	GetResult(ctx context.Context, accountID, requestID string) (*repository.VerificationRecord, error)
	GetDuplicateReport(ctx context.Context, accountID, requestID string) (*usecase.DuplicateReport, error)
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

type verifyResponse struct {
	RequestID string `json:"request_id,omitempty"`
	*pipeline.Result
}

type recordResponse struct {
	RequestID            string    `json:"request_id"`
	AccountID            string    `json:"account_id"`
	QualityScore         float64   `json:"quality_score"`
	ForgeryScore         float64   `json:"forgery_score"`
	MismatchScore        *float64  `json:"mismatch_score"`
	RiskScore            float64   `json:"risk_score"`
	Disposition          string    `json:"disposition"`
	Reasons              []string  `json:"reasons"`
	Flags                []string  `json:"flags,omitempty"`
	IDType               string    `json:"id_type,omitempty"`
	ExtractionConfidence float64   `json:"extraction_confidence"`
	Degraded             bool      `json:"degraded"`
	ProcessingLatencyMs  int64     `json:"processing_latency_ms"`
	CreatedAt            time.Time `json:"created_at"`
}

func newRecordResponse(record *repository.VerificationRecord) recordResponse {
	resp := recordResponse{
		RequestID:            record.RequestID,
		AccountID:            record.AccountID,
		QualityScore:         record.QualityScore,
		ForgeryScore:         record.ForgeryScore,
		MismatchScore:        record.MismatchScore,
		RiskScore:            record.RiskScore,
		Disposition:          record.Disposition,
		IDType:               record.IDType,
		ExtractionConfidence: record.ExtractionConfidence,
		Degraded:             record.Degraded,
		ProcessingLatencyMs:  record.ProcessingLatencyMs,
		CreatedAt:            record.CreatedAt,
	}
	if record.Reasons != "" {
		_ = json.Unmarshal([]byte(record.Reasons), &resp.Reasons)
	}
	if record.Flags != "" {
		resp.Flags = strings.Split(record.Flags, ",")
	}
	return resp
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, svc Service, authMiddleware gin.HandlerFunc) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/", authMiddleware)

	api.POST("/verify", func(c *gin.Context) {
		accountID, ok := auth.AccountID(c.Request.Context())
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxUploadSize+multipartOverhead)
		file, err := c.FormFile("image")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
				return
			}
			c.JSON(http.StatusBadRequest, gin.H{"error": "image file is required"})
			return
		}
		if file.Size > MaxUploadSize {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image exceeds upload limit"})
			return
		}

		mediaType, _, err := mime.ParseMediaType(file.Header.Get("Content-Type"))
		if err != nil {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "missing image content type"})
			return
		}
		if _, ok := allowedContentTypes[mediaType]; !ok {
			c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "unsupported image type " + mediaType})
			return
		}

		src, err := file.Open()
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unable to open image"})
			return
		}
		defer src.Close()

		data, err := io.ReadAll(src)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read image"})
			return
		}

		requestID, result, err := svc.Verify(c.Request.Context(), accountID, data, claimantFromForm(c))
		switch {
		case err == nil:
			c.JSON(http.StatusOK, verifyResponse{RequestID: requestID, Result: result})
		case pipeline.IsDecodeError(err) && result != nil:
			c.JSON(http.StatusUnprocessableEntity, verifyResponse{RequestID: requestID, Result: result})
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "verification cancelled"})
		default:
			body := gin.H{"error": "verification failed"}
			if op, ok := logging.OperationOf(err); ok {
				body["operation"] = op
			}
			c.JSON(http.StatusInternalServerError, body)
		}
	})

	api.GET("/result/:id", func(c *gin.Context) {
		accountID, requestID, ok := lookupParams(c)
		if !ok {
			return
		}

		record, err := svc.GetResult(c.Request.Context(), accountID, requestID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}

		c.JSON(http.StatusOK, newRecordResponse(record))
	})

	api.GET("/duplicates/:id", func(c *gin.Context) {
		accountID, requestID, ok := lookupParams(c)
		if !ok {
			return
		}

		report, err := svc.GetDuplicateReport(c.Request.Context(), accountID, requestID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "result not found"})
			return
		}

		duplicates := make([]recordResponse, 0, len(report.Duplicates))
		for _, d := range report.Duplicates {
			duplicates = append(duplicates, newRecordResponse(d))
		}
		c.JSON(http.StatusOK, gin.H{
			"request":         newRecordResponse(report.Request),
			"duplicates":      duplicates,
			"duplicate_count": len(duplicates),
		})
	})

	api.GET("/metrics", func(c *gin.Context) {
		summary, err := svc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

// claimantFromForm returns nil when no claimant field was submitted.
func claimantFromForm(c *gin.Context) *consistency.Claimant {
	claimant := &consistency.Claimant{
		Name:        strings.TrimSpace(c.PostForm("name")),
		DateOfBirth: strings.TrimSpace(c.PostForm("date_of_birth")),
		IDNumber:    strings.TrimSpace(c.PostForm("id_number")),
	}
	if claimant.Name == "" && claimant.DateOfBirth == "" && claimant.IDNumber == "" {
		return nil
	}
	return claimant
}

func lookupParams(c *gin.Context) (string, string, bool) {
	accountID, ok := auth.AccountID(c.Request.Context())
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
		return "", "", false
	}
	requestID := c.Param("id")
	if requestID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return "", "", false
	}
	return accountID, requestID, true
}
