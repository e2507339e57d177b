package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/id-verify/internal/logging"
)

// VerificationRecord is one finished verification attempt: an identity
// confirmation or a liveness face-match outcome. Only attempt-level results
// are recorded here; session images and OCR text never leave the session.
type VerificationRecord struct {
	ID        uint      `gorm:"primaryKey"`
	SessionID string    `gorm:"column:session_id;index;size:64"`
	UserID    string    `gorm:"column:user_id;size:64"`
	Stage     string    `gorm:"column:stage;size:32"`
	Success   bool      `gorm:"column:success"`
	Distance  float64   `gorm:"column:distance"`
	Details   string    `gorm:"column:details;type:text"`
	CreatedAt time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (VerificationRecord) TableName() string {
	return "verification_records"
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

// SaveRecord persists a verification attempt outcome.
func (r *VerificationRepository) SaveRecord(ctx context.Context, record *VerificationRecord) error {
	return r.executeWithRetry(ctx, "repository.save_record", record.SessionID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindBySessionID retrieves the attempt history of one session, newest
// first.
func (r *VerificationRepository) FindBySessionID(ctx context.Context, sessionID string) ([]*VerificationRecord, error) {
	var records []*VerificationRecord
	err := r.executeWithRetry(ctx, "repository.find_by_session", sessionID, func() error {
		return r.db.WithContext(ctx).
			Where("session_id = ?", sessionID).
			Order("created_at DESC").
			Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// MetricsAggregation holds aggregate counters over all recorded attempts.
type MetricsAggregation struct {
	TotalCount      int64   `gorm:"column:total_count"`
	SuccessCount    int64   `gorm:"column:success_count"`
	AverageDistance float64 `gorm:"column:average_distance"`
}

// AggregateMetrics computes attempt totals and the average face-match
// distance over liveness attempts.
func (r *VerificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var aggregation MetricsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&VerificationRecord{}).
			Select(
				"COUNT(*) AS total_count, " +
					"COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0) AS success_count, " +
					"COALESCE(AVG(CASE WHEN stage = 'liveness' THEN distance END), 0) AS average_distance",
			).
			Scan(&aggregation).Error
	})
	if err != nil {
		return nil, err
	}
	return &aggregation, nil
}

// executeWithRetry runs a database operation, retrying transient failures
// with exponential backoff.
func (r *VerificationRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	backoff := r.initialBackoff
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				r.logger.Info("database operation succeeded after retry",
					zap.String("operation", operation), zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			r.logger.Error("database operation failed",
				zap.String("operation", operation), zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}

		r.logger.Warn("transient database error",
			zap.String("operation", operation), zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
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
