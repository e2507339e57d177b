package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/id-verify/internal/repository"
)

// AuditStore exposes the read side of the attempt history.
type AuditStore interface {
	FindBySessionID(ctx context.Context, sessionID string) ([]*repository.VerificationRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	TotalAttempts      int64   `json:"total_attempts"`
	SuccessfulAttempts int64   `json:"successful_attempts"`
	SuccessRate        float64 `json:"success_rate"`
	AverageDistance    float64 `json:"average_distance"`
}

// RegisterAuditRoutes wires the read-only attempt history endpoints.
func RegisterAuditRoutes(router *gin.Engine, audit AuditStore, authMiddleware gin.HandlerFunc) {
	protected := router.Group("/", authMiddleware)

	protected.GET("/sessions/:id/records", func(c *gin.Context) {
		records, err := audit.FindBySessionID(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	protected.GET("/metrics", func(c *gin.Context) {
		aggregation, err := audit.AggregateMetrics(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		summary := MetricsSummary{
			TotalAttempts:      aggregation.TotalCount,
			SuccessfulAttempts: aggregation.SuccessCount,
			AverageDistance:    aggregation.AverageDistance,
		}
		if aggregation.TotalCount > 0 {
			summary.SuccessRate = float64(aggregation.SuccessCount) / float64(aggregation.TotalCount)
		}
		c.JSON(http.StatusOK, summary)
	})
}
