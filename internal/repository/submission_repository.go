package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/shyguy/internal/logging"
)

// SubmissionLog is the persisted outcome of one mosaic submission.
type SubmissionLog struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	AttemptID      string    `gorm:"column:attempt_id;uniqueIndex;size:64" json:"attempt_id"`
	SessionID      string    `gorm:"column:session_id;index;size:128" json:"session_id"`
	Status         string    `gorm:"column:status;size:16" json:"status"`
	FailureKind    string    `gorm:"column:failure_kind;size:16" json:"failure_kind,omitempty"`
	Message        string    `gorm:"column:message;type:text" json:"message,omitempty"`
	FacesDetected  int       `gorm:"column:faces_detected" json:"faces_detected"`
	MediaType      string    `gorm:"column:media_type;size:64" json:"media_type,omitempty"`
	PixelSize      int       `gorm:"column:pixel_size" json:"pixel_size"`
	ScoreThreshold float64   `gorm:"column:score_threshold" json:"score_threshold"`
	InputBytes     int64     `gorm:"column:input_bytes" json:"input_bytes"`
	LatencyMs      int64     `gorm:"column:latency_ms" json:"latency_ms"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (SubmissionLog) TableName() string {
	return "submission_logs"
}

// MetricsAggregation is the raw roll-up of persisted submissions.
type MetricsAggregation struct {
	TotalCount          int64   `gorm:"column:total_count"`
	SuccessCount        int64   `gorm:"column:success_count"`
	TotalFaces          int64   `gorm:"column:total_faces"`
	AverageLatencyMs    float64 `gorm:"column:average_latency_ms"`
	AverageInputBytes   float64 `gorm:"column:average_input_bytes"`
	ValidationFailCount int64   `gorm:"column:validation_fail_count"`
}

// SubmissionRepository provides persistence APIs for submission logs.
type SubmissionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewSubmissionRepository creates a new repository instance.
func NewSubmissionRepository(db *gorm.DB, logger *zap.Logger) *SubmissionRepository {
	return &SubmissionRepository{
		db:             db,
		logger:         logger.Named("submission_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *SubmissionRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&SubmissionLog{})
	})
}

// Record persists a submission log entry.
func (r *SubmissionRepository) Record(ctx context.Context, log *SubmissionLog) error {
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	return r.executeWithRetry(ctx, "repository.record", log.AttemptID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// ListRecent returns the newest entries for a session, newest first.
func (r *SubmissionRepository) ListRecent(ctx context.Context, sessionID string, limit int) ([]*SubmissionLog, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	var logs []*SubmissionLog
	err := r.executeWithRetry(ctx, "repository.list_recent", "", func() error {
		return r.db.WithContext(ctx).
			Where("session_id = ?", sessionID).
			Order("created_at DESC").
			Limit(limit).
			Find(&logs).Error
	})
	if err != nil {
		return nil, err
	}
	return logs, nil
}

// AggregateMetrics rolls up every persisted submission.
func (r *SubmissionRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var aggregation MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&SubmissionLog{}).
			Select(`COUNT(*) AS total_count,
				COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0) AS success_count,
				COALESCE(SUM(faces_detected), 0) AS total_faces,
				COALESCE(AVG(CASE WHEN failure_kind = 'validation' THEN NULL ELSE latency_ms END), 0) AS average_latency_ms,
				COALESCE(AVG(input_bytes), 0) AS average_input_bytes,
				COALESCE(SUM(CASE WHEN failure_kind = 'validation' THEN 1 ELSE 0 END), 0) AS validation_fail_count`).
			Scan(&aggregation).Error
	})
	if err != nil {
		return nil, err
	}
	return &aggregation, nil
}

func (r *SubmissionRepository) executeWithRetry(ctx context.Context, operation, attemptID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, attemptID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, attemptID, ctx.Err())
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

		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, attemptID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, attemptID, err)
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
