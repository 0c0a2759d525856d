package web

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"greenhouse/internal/engine"
	"greenhouse/internal/models"
	"greenhouse/internal/web/middleware"
)

// EngineService is what the status API needs from the engine.
type EngineService interface {
	Status() models.EngineStatus
	TriggerRule(ctx context.Context, ruleID string) (*models.RuleExecution, error)
}

// ExecutionReader serves the audit trail.
type ExecutionReader interface {
	ListRecentExecutions(ctx context.Context, limit int) ([]*models.RuleExecution, error)
}

// WebServer exposes engine observability over HTTP.
type WebServer struct {
	router *gin.Engine
}

// NewWebServer builds the router.
func NewWebServer(eng EngineService, executions ExecutionReader, jwtSecret string) *WebServer {
	router := gin.Default()

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api/engine", middleware.RequireAuth(jwtSecret))

	api.GET("/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, eng.Status())
	})

	api.GET("/executions", func(c *gin.Context) {
		limit := 50
		if raw := c.Query("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 || parsed > 500 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
				return
			}
			limit = parsed
		}
		execs, err := executions.ListRecentExecutions(c.Request.Context(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load executions"})
			return
		}
		c.JSON(http.StatusOK, execs)
	})

	api.POST("/rules/:id/evaluate", func(c *gin.Context) {
		exec, err := eng.TriggerRule(c.Request.Context(), c.Param("id"))
		switch {
		case errors.Is(err, models.ErrRuleNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "rule not found"})
		case errors.Is(err, engine.ErrRuleDisabled):
			c.JSON(http.StatusConflict, gin.H{"error": "rule is disabled"})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		case exec == nil:
			c.JSON(http.StatusOK, gin.H{"triggered": false})
		default:
			c.JSON(http.StatusOK, gin.H{"triggered": true, "execution": exec})
		}
	})

	return &WebServer{router: router}
}

// Start runs the HTTP server on addr.
func (ws *WebServer) Start(addr string) error {
	return ws.router.Run(addr)
}
