package ops

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/soknadhub/applyd/internal/domain"
)

// Store is the read-only persistence surface the status endpoints use.
type Store interface {
	CountApplicationsByStatus(ctx context.Context) (map[string]int, error)
	LatestHeartbeat(ctx context.Context, workerID string) (*domain.Heartbeat, error)
}

// Database verifies the connection can serve a query.
type Database interface {
	HealthCheck(ctx context.Context) error
}

// EngineHealth reports automation engine liveness.
type EngineHealth interface {
	Health(ctx context.Context) error
}

// Queue reports message-queue connectivity.
type Queue interface {
	IsConnected() bool
}

// Dependencies holds everything the ops handlers need
type Dependencies struct {
	Logger   *slog.Logger
	DB       Database
	Engine   EngineHealth
	Queue    Queue // nil when the queue is disabled
	Store    Store
	WorkerID string
	AppName  string
	Version  string
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	// Health check endpoint. The database is load-bearing; the
	// automation engine and message queue are advisory and only
	// degrade the report.
	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if err := deps.DB.HealthCheck(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unhealthy",
				"service": deps.AppName,
				"error":   "database unreachable",
			})
			return
		}

		status := "healthy"
		automationHealthy := true
		if err := deps.Engine.Health(ctx); err != nil {
			status = "degraded"
			automationHealthy = false
		}

		resp := gin.H{
			"status":             status,
			"service":            deps.AppName,
			"version":            deps.Version,
			"automation_healthy": automationHealthy,
		}
		if deps.Queue != nil {
			connected := deps.Queue.IsConnected()
			if !connected {
				resp["status"] = "degraded"
			}
			resp["queue_connected"] = connected
		}

		c.JSON(http.StatusOK, resp)
	})

	// Status endpoint: application counts plus the dispatcher's last
	// heartbeat.
	r.GET("/status", func(c *gin.Context) {
		ctx := c.Request.Context()

		counts, err := deps.Store.CountApplicationsByStatus(ctx)
		if err != nil {
			deps.Logger.Error("failed to count applications", slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read application counts"})
			return
		}

		resp := gin.H{"applications": counts}

		hb, err := deps.Store.LatestHeartbeat(ctx, deps.WorkerID)
		if err == nil {
			resp["dispatcher"] = gin.H{
				"worker_id":          hb.WorkerID,
				"automation_healthy": hb.AutomationHealthy,
				"cycles":             hb.Cycles,
				"processed":          hb.Processed,
				"failed":             hb.Failed,
				"beat_at":            hb.BeatAt,
			}
		}

		c.JSON(http.StatusOK, resp)
	})

	return r
}
