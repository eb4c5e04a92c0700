package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aegisshield/compliance-audit/internal/cache"
	"github.com/aegisshield/compliance-audit/internal/compliance"
	"github.com/aegisshield/compliance-audit/internal/regulatory"
	"github.com/aegisshield/compliance-audit/internal/reporting"
)

// CheckService runs and queries compliance checks.
type CheckService interface {
	RunCheck(ctx context.Context, req compliance.CheckRequest) (*compliance.Check, error)
	GetCheck(ctx context.Context, id string) (*compliance.Check, error)
	GetCheckByIdempotencyKey(ctx context.Context, key string) (*compliance.Check, error)
	ListChecks(ctx context.Context, q compliance.EntityQuery) (*compliance.CheckPage, error)
}

// ReportService generates reports and drives their lifecycle.
type ReportService interface {
	GenerateReport(ctx context.Context, req reporting.GenerateRequest) (*reporting.Report, error)
	GetReport(ctx context.Context, id string) (*reporting.Report, error)
	ListReports(ctx context.Context, q reporting.ListQuery) ([]*reporting.Report, error)
	Transition(ctx context.Context, id string, target reporting.Status) (*reporting.Report, error)
}

// VerdictReader serves the latest-verdict projection.
type VerdictReader interface {
	Latest(ctx context.Context, entityType compliance.EntityType, entityID string) (*cache.Verdict, error)
}

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

// ComplianceHandler handles compliance-related HTTP requests
type ComplianceHandler struct {
	checks   CheckService
	rules    regulatory.Store
	reports  ReportService
	verdicts VerdictReader
	health   map[string]HealthCheck
	logger   *zap.Logger
}

// Option customizes a ComplianceHandler.
type Option func(*ComplianceHandler)

// WithVerdicts serves the latest-verdict projection. Without it the verdict
// route answers 503.
func WithVerdicts(v VerdictReader) Option {
	return func(h *ComplianceHandler) { h.verdicts = v }
}

// WithHealthCheck adds a named dependency to the health report.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(h *ComplianceHandler) { h.health[name] = check }
}

// NewComplianceHandler creates a new compliance handler
func NewComplianceHandler(
	checks CheckService,
	rules regulatory.Store,
	reports ReportService,
	logger *zap.Logger,
	opts ...Option,
) *ComplianceHandler {
	h := &ComplianceHandler{
		checks:  checks,
		rules:   rules,
		reports: reports,
		health:  make(map[string]HealthCheck),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers all compliance-related routes
func (h *ComplianceHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")

	// Check endpoints
	api.POST("/checks", h.RunCheck)
	api.GET("/checks", h.GetCheckByIdempotencyKey)
	api.GET("/checks/:id", h.GetCheck)
	api.GET("/entities/:type/:id/checks", h.ListEntityChecks)
	api.GET("/entities/:type/:id/verdict", h.GetLatestVerdict)

	// Rule management endpoints
	api.GET("/rules", h.GetRules)
	api.POST("/rules", h.CreateRule)
	api.GET("/rules/:rule_id", h.GetRule)
	api.PUT("/rules/:rule_id", h.UpdateRule)
	api.DELETE("/rules/:rule_id", h.DeactivateRule)
	api.GET("/rules/:rule_id/versions", h.GetRuleVersions)

	// Report endpoints
	api.POST("/reports", h.GenerateReport)
	api.GET("/reports", h.ListReports)
	api.GET("/reports/:id", h.GetReport)
	api.POST("/reports/:id/transitions", h.TransitionReport)

	// Health check
	api.GET("/health", h.HealthCheck)
}

// HealthCheck reports the state of every registered dependency.
func (h *ComplianceHandler) HealthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	components := make(map[string]string, len(h.health))
	for name, check := range h.health {
		if err := check(ctx); err != nil {
			h.logger.Warn("Health check failed", zap.String("component", name), zap.Error(err))
			components[name] = "unhealthy: " + err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		components[name] = "healthy"
	}

	overall := "healthy"
	if status != http.StatusOK {
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":     overall,
		"components": components,
		"timestamp":  time.Now().UTC(),
	})
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, compliance.ErrInvalidInput),
		errors.Is(err, regulatory.ErrInvalidRule),
		errors.Is(err, regulatory.ErrImmutableField):
		return http.StatusBadRequest
	case errors.Is(err, compliance.ErrNotFound),
		errors.Is(err, regulatory.ErrRuleNotFound):
		return http.StatusNotFound
	case errors.Is(err, reporting.ErrInvalidTransition),
		errors.Is(err, reporting.ErrApprovalBlocked),
		errors.Is(err, reporting.ErrRevisionConflict),
		errors.Is(err, regulatory.ErrRuleExists),
		errors.Is(err, regulatory.ErrVersionConflict),
		errors.Is(err, compliance.ErrConflictAlreadyFinalized):
		return http.StatusConflict
	case errors.Is(err, compliance.ErrUnavailable),
		errors.Is(err, regulatory.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *ComplianceHandler) respondError(c *gin.Context, msg string, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, zap.String("route", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
