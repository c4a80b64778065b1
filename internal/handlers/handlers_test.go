package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/example/docverify/internal/apperrors"
	"github.com/example/docverify/internal/auth"
	"github.com/example/docverify/internal/consistency"
	"github.com/example/docverify/internal/decision"
	"github.com/example/docverify/internal/logging"
	"github.com/example/docverify/internal/pipeline"
	"github.com/example/docverify/internal/repository"
	"github.com/example/docverify/internal/usecase"
)

const testJWTSecret = "test-secret"

type stubService struct {
	requestID string
	result    *pipeline.Result
	err       error
	accountID string
	claimant  *consistency.Claimant
	image     []byte
	record    *repository.VerificationRecord
	report    *usecase.DuplicateReport
	summary   *usecase.MetricsSummary
}

func (s *stubService) Verify(ctx context.Context, accountID string, imageBytes []byte, claimant *consistency.Claimant) (string, *pipeline.Result, error) {
	s.accountID = accountID
	s.claimant = claimant
	s.image = imageBytes
	return s.requestID, s.result, s.err
}

func (s *stubService) GetResult(ctx context.Context, accountID, requestID string) (*repository.VerificationRecord, error) {
	s.accountID = accountID
	if s.record == nil || s.record.RequestID != requestID {
		return nil, errors.New("not found")
	}
	return s.record, nil
}

func (s *stubService) GetDuplicateReport(ctx context.Context, accountID, requestID string) (*usecase.DuplicateReport, error) {
	if s.report == nil {
		return nil, errors.New("not found")
	}
	return s.report, nil
}

func (s *stubService) GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error) {
	if s.summary == nil {
		return nil, errors.New("db down")
	}
	return s.summary, nil
}

func newTestRouter(svc Service) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	RegisterRoutes(router, svc, auth.JWTMiddleware(auth.Config{Secret: testJWTSecret}))
	return router
}

func TestVerifyRejectsLargeUpload(t *testing.T) {
	router := newTestRouter(&stubService{})

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "image/png", bytes.Repeat([]byte("a"), MaxUploadSize+1), nil)

	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestVerifyRejectsUnsupportedContentType(t *testing.T) {
	router := newTestRouter(&stubService{})

	token := buildTestToken(t, "user-123")
	body, contentType := buildMultipartBody(t, "text/plain", []byte("hello"), nil)

	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+token)

	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
}

func TestVerifyRequiresToken(t *testing.T) {
	router := newTestRouter(&stubService{})
	body, contentType := buildMultipartBody(t, "image/png", []byte("png"), nil)

	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", contentType)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestVerifyPassesClaimantAndReturnsResult(t *testing.T) {
	mismatch := 0.0
	svc := &stubService{
		requestID: "req-1",
		result: &pipeline.Result{
			QualityScore:  0.9,
			ForgeryScore:  0.2,
			MismatchScore: &mismatch,
			RiskScore:     0.14,
			Disposition:   decision.Approve,
			Reasons:       []string{"low risk"},
		},
	}
	router := newTestRouter(svc)

	fields := map[string]string{"name": " John Doe ", "date_of_birth": "1990-01-15", "id_number": ""}
	body, contentType := buildMultipartBody(t, "image/jpeg", []byte("jpeg-bytes"), fields)
	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "acct-7"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if svc.accountID != "acct-7" || string(svc.image) != "jpeg-bytes" {
		t.Fatalf("unexpected call %q %q", svc.accountID, svc.image)
	}
	if diff := cmp.Diff(&consistency.Claimant{Name: "John Doe", DateOfBirth: "1990-01-15"}, svc.claimant); diff != "" {
		t.Fatalf("claimant mismatch (-want +got):\n%s", diff)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got["request_id"] != "req-1" || got["disposition"] != "APPROVE" || got["risk_score"] != 0.14 {
		t.Fatalf("unexpected body %v", got)
	}
}

func TestVerifyWithoutClaimantFields(t *testing.T) {
	svc := &stubService{requestID: "req-2", result: &pipeline.Result{Disposition: decision.ManualReview}}
	router := newTestRouter(svc)

	body, contentType := buildMultipartBody(t, "image/png", []byte("png"), nil)
	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "acct-7"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if svc.claimant != nil {
		t.Fatalf("expected nil claimant, got %+v", svc.claimant)
	}
}

func TestVerifyUndecodableImage(t *testing.T) {
	svc := &stubService{
		requestID: "req-3",
		result:    &pipeline.Result{Disposition: decision.RequestNewImage, Reasons: []string{"image could not be decoded"}},
		err:       &apperrors.DecodeError{Err: errors.New("unknown format")},
	}
	router := newTestRouter(svc)

	body, contentType := buildMultipartBody(t, "image/png", []byte("not an image"), nil)
	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "acct-7"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.Code)
	}
	var got map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got["disposition"] != "REQUEST_NEW_IMAGE" {
		t.Fatalf("unexpected body %v", got)
	}
}

func TestGetResultDecodesStoredReasons(t *testing.T) {
	svc := &stubService{record: &repository.VerificationRecord{
		RequestID:   "req-1",
		AccountID:   "acct-7",
		Disposition: "MANUAL_REVIEW",
		Reasons:     `["risk score 0.40 in review band"]`,
		Flags:       "deep_feature_unavailable,ocr_no_text",
	}}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/result/req-1", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "acct-7"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var got recordResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if diff := cmp.Diff([]string{"risk score 0.40 in review band"}, got.Reasons); diff != "" {
		t.Fatalf("reasons mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"deep_feature_unavailable", "ocr_no_text"}, got.Flags); diff != "" {
		t.Fatalf("flags mismatch (-want +got):\n%s", diff)
	}

	req = httptest.NewRequest(http.MethodGet, "/result/missing", nil)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "acct-7"))
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestDuplicatesAndMetrics(t *testing.T) {
	svc := &stubService{
		report: &usecase.DuplicateReport{
			Request:    &repository.VerificationRecord{RequestID: "req-2", ImageSHA1: "abc"},
			Duplicates: []*repository.VerificationRecord{{RequestID: "req-1", ImageSHA1: "abc"}},
		},
		summary: &usecase.MetricsSummary{TotalRequests: 2, ApprovedRequests: 1, ApprovalRate: 0.5},
	}
	router := newTestRouter(svc)
	token := buildTestToken(t, "acct-7")

	req := httptest.NewRequest(http.MethodGet, "/duplicates/req-2", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var dup map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &dup); err != nil {
		t.Fatalf("decode duplicates: %v", err)
	}
	if dup["duplicate_count"] != float64(1) {
		t.Fatalf("unexpected duplicates body %v", dup)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp = httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var summary usecase.MetricsSummary
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil {
		t.Fatalf("decode metrics: %v", err)
	}
	if summary.ApprovalRate != 0.5 {
		t.Fatalf("unexpected metrics %+v", summary)
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			t.Fatalf("failed to write field %s: %v", name, err)
		}
	}

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="image"; filename="upload"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}

func buildTestToken(t *testing.T, subject string) string {
	t.Helper()

	claims := jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestVerifyHidesInternalErrors(t *testing.T) {
	svc := &stubService{err: logging.NewOperationError("usecase.save_record", "req-9", errors.New("pq: connection refused"))}
	router := newTestRouter(svc)

	body, contentType := buildMultipartBody(t, "image/png", []byte("png"), nil)
	req := httptest.NewRequest(http.MethodPost, "/verify", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", "Bearer "+buildTestToken(t, "acct-7"))
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
	var got map[string]string
	if err := json.Unmarshal(resp.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if diff := cmp.Diff(map[string]string{"error": "verification failed", "operation": "usecase.save_record"}, got); diff != "" {
		t.Fatalf("body mismatch (-want +got):\n%s", diff)
	}
}
