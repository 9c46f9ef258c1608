package usecase

import (
	"testing"

	"github.com/example/shyguy/internal/repository"
)

func TestSummarizeMetrics(t *testing.T) {
	summary := SummarizeMetrics(&repository.MetricsAggregation{
		TotalCount:          8,
		SuccessCount:        4,
		TotalFaces:          10,
		AverageLatencyMs:    120,
		ValidationFailCount: 1,
	})
	if summary.SuccessRate != 0.5 {
		t.Fatalf("unexpected success rate %f", summary.SuccessRate)
	}
	if summary.AverageFacesPerImage != 2.5 {
		t.Fatalf("unexpected faces per image %f", summary.AverageFacesPerImage)
	}
	if summary.RejectedOversize != 1 {
		t.Fatalf("unexpected rejected count %d", summary.RejectedOversize)
	}
}

func TestSummarizeMetricsEmpty(t *testing.T) {
	summary := SummarizeMetrics(&repository.MetricsAggregation{})
	if summary.SuccessRate != 0 || summary.AverageFacesPerImage != 0 {
		t.Fatalf("expected zero rates, got %+v", summary)
	}
}
