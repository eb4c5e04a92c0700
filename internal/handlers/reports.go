package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aegisshield/compliance-audit/internal/compliance"
	"github.com/aegisshield/compliance-audit/internal/reporting"
)

func (h *ComplianceHandler) GenerateReport(c *gin.Context) {
	var request reporting.GenerateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	report, err := h.reports.GenerateReport(c.Request.Context(), request)
	if err != nil {
		h.respondError(c, "Failed to generate report", err)
		return
	}
	c.JSON(http.StatusCreated, report)
}

func (h *ComplianceHandler) GetReport(c *gin.Context) {
	report, err := h.reports.GetReport(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to get report", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *ComplianceHandler) ListReports(c *gin.Context) {
	reports, err := h.reports.ListReports(c.Request.Context(), reporting.ListQuery{
		EntityID:   c.Query("entity_id"),
		EntityType: compliance.EntityType(strings.ToUpper(c.Query("entity_type"))),
		Status:     reporting.Status(strings.ToUpper(c.Query("status"))),
	})
	if err != nil {
		h.respondError(c, "Failed to list reports", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"reports": reports,
		"total":   len(reports),
	})
}

// TransitionReport moves a report to the requested lifecycle status.
func (h *ComplianceHandler) TransitionReport(c *gin.Context) {
	var request struct {
		Target string `json:"target" binding:"required"`
	}
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	target := reporting.Status(strings.ToUpper(request.Target))
	report, err := h.reports.Transition(c.Request.Context(), c.Param("id"), target)
	if err != nil {
		h.respondError(c, "Failed to transition report", err)
		return
	}

	h.logger.Info("Report transitioned",
		zap.String("report_id", report.ID),
		zap.String("status", string(report.Status)),
	)
	c.JSON(http.StatusOK, report)
}
