package usecase

import "github.com/example/shyguy/internal/repository"

// MetricsSummary represents aggregated submission insights.
type MetricsSummary struct {
	TotalRequests         int64   `json:"total_requests"`
	SuccessfulRequests    int64   `json:"successful_requests"`
	RejectedOversize      int64   `json:"rejected_oversize"`
	SuccessRate           float64 `json:"success_rate"`
	TotalFacesDetected    int64   `json:"total_faces_detected"`
	AverageFacesPerImage  float64 `json:"average_faces_per_image"`
	AverageLatencyMs      float64 `json:"average_latency_ms"`
	AverageInputSizeBytes float64 `json:"average_input_size_bytes"`
}

// SummarizeMetrics derives rates from a raw aggregation.
func SummarizeMetrics(aggregation *repository.MetricsAggregation) *MetricsSummary {
	summary := &MetricsSummary{
		TotalRequests:         aggregation.TotalCount,
		SuccessfulRequests:    aggregation.SuccessCount,
		RejectedOversize:      aggregation.ValidationFailCount,
		TotalFacesDetected:    aggregation.TotalFaces,
		AverageLatencyMs:      aggregation.AverageLatencyMs,
		AverageInputSizeBytes: aggregation.AverageInputBytes,
	}

	if aggregation.TotalCount > 0 {
		summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
	}
	if aggregation.SuccessCount > 0 {
		summary.AverageFacesPerImage = float64(aggregation.TotalFaces) / float64(aggregation.SuccessCount)
	}
	return summary
}
