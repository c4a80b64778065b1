package usecase

import "context"

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	TotalRequests              int64            `json:"total_requests"`
	ApprovedRequests           int64            `json:"approved_requests"`
	ApprovalRate               float64          `json:"approval_rate"`
	AverageRiskScore           float64          `json:"average_risk_score"`
	AverageProcessingLatencyMs float64          `json:"average_processing_latency_ms"`
	Dispositions               map[string]int64 `json:"dispositions"`
}

// GetMetricsSummary aggregates verification metrics from persisted records.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:              aggregation.TotalCount,
		ApprovedRequests:           aggregation.ApprovedCount,
		AverageRiskScore:           aggregation.AverageRiskScore,
		AverageProcessingLatencyMs: aggregation.AverageProcessingLatencyMs,
		Dispositions:               aggregation.Dispositions,
	}

	if aggregation.TotalCount > 0 {
		summary.ApprovalRate = float64(aggregation.ApprovedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
