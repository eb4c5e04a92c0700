package handlers

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HTTPRecorder receives per-request measurements.
type HTTPRecorder interface {
	ObserveHTTPRequest(method, route string, code int, elapsed time.Duration)
}

// Metrics records method, matched route, status and latency of every request.
// Unmatched paths share one label so arbitrary URLs cannot grow cardinality.
func Metrics(recorder HTTPRecorder) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		recorder.ObserveHTTPRequest(c.Request.Method, route, c.Writer.Status(), time.Since(start))
	}
}

// RequestLogger logs every request at Debug and server errors at Error.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if c.Writer.Status() >= 500 {
			logger.Error("Request failed", fields...)
			return
		}
		logger.Debug("Request handled", fields...)
	}
}

// NewRouter builds a gin engine with recovery, logging and metrics installed.
func NewRouter(logger *zap.Logger, recorder HTTPRecorder) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(RequestLogger(logger))
	if recorder != nil {
		router.Use(Metrics(recorder))
	}
	return router
}
