package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aegisshield/compliance-audit/internal/regulatory"
)

// GetRules lists the rules in force at as_of (default now).
func (h *ComplianceHandler) GetRules(c *gin.Context) {
	asOf, err := parseTimeParam(c, "as_of")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}

	rules, err := h.rules.GetActiveRules(c.Request.Context(), asOf)
	if err != nil {
		h.respondError(c, "Failed to get rules", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rules": rules,
		"total": len(rules),
		"as_of": asOf,
	})
}

func (h *ComplianceHandler) GetRule(c *gin.Context) {
	rule, err := h.rules.GetRule(c.Request.Context(), c.Param("rule_id"))
	if err != nil {
		h.respondError(c, "Failed to get rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

func (h *ComplianceHandler) GetRuleVersions(c *gin.Context) {
	versions, err := h.rules.ListVersions(c.Request.Context(), c.Param("rule_id"))
	if err != nil {
		h.respondError(c, "Failed to list rule versions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rule_id":  c.Param("rule_id"),
		"versions": versions,
	})
}

func (h *ComplianceHandler) CreateRule(c *gin.Context) {
	var spec regulatory.RuleSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rule, err := h.rules.CreateRule(c.Request.Context(), spec.ToRule())
	if err != nil {
		h.respondError(c, "Failed to create rule", err)
		return
	}

	h.logger.Info("Rule created", zap.String("rule_id", rule.RuleID), zap.Int64("version", rule.Version))
	c.JSON(http.StatusCreated, rule)
}

// UpdateRule appends a new version. The body may omit rule_id; when present
// it must match the path.
func (h *ComplianceHandler) UpdateRule(c *gin.Context) {
	ruleID := c.Param("rule_id")
	spec := regulatory.RuleSpec{RuleID: ruleID}
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if spec.RuleID != ruleID {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rule_id in body does not match path"})
		return
	}

	rule, err := h.rules.UpdateRule(c.Request.Context(), spec.ToRule())
	if err != nil {
		h.respondError(c, "Failed to update rule", err)
		return
	}

	h.logger.Info("Rule updated", zap.String("rule_id", rule.RuleID), zap.Int64("version", rule.Version))
	c.JSON(http.StatusOK, rule)
}

// DeactivateRule soft-deletes a rule by appending an inactive version.
func (h *ComplianceHandler) DeactivateRule(c *gin.Context) {
	rule, err := h.rules.DeactivateRule(c.Request.Context(), c.Param("rule_id"))
	if err != nil {
		h.respondError(c, "Failed to deactivate rule", err)
		return
	}

	h.logger.Info("Rule deactivated", zap.String("rule_id", rule.RuleID), zap.Int64("version", rule.Version))
	c.JSON(http.StatusOK, rule)
}
