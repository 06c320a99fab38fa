package server

import (
	"time"

	"github.com/gin-contrib/requestid"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// installGinMiddlewares installs the request id, access log, and recovery middlewares
func installGinMiddlewares(router *gin.Engine, logger *zap.Logger) {
	router.Use(requestid.New())
	router.ContextWithFallback = true

	// Add a ginzap middleware, which:
	//   - Logs all requests, like a combined access and error log.
	//   - RFC3339 with UTC time format.
	// Scrapes are frequent, so /metrics and /healthz are not logged.
	router.Use(ginzap.GinzapWithConfig(logger, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{URLPathMetrics, URLPathHealthz},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	router.Use(ginzap.RecoveryWithZap(logger, true))
}
