package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aegisshield/compliance-audit/internal/compliance"
)

type runCheckRequest struct {
	EntityID           string                 `json:"entity_id" binding:"required"`
	EntityType         string                 `json:"entity_type" binding:"required"`
	CheckCategory      string                 `json:"check_category" binding:"required"`
	CallerRequestID    string                 `json:"caller_request_id" binding:"required"`
	Attributes         map[string]interface{} `json:"attributes"`
	ScreeningTimeoutMs int64                  `json:"screening_timeout_ms"`
	SupersedesCheckID  string                 `json:"supersedes_check_id"`
}

// checkResponse is a check plus the failure description for ERROR verdicts.
type checkResponse struct {
	*compliance.Check
	Error string `json:"error,omitempty"`
}

// RunCheck evaluates an entity. A check that finalized as ERROR is still a
// recorded verdict and is returned with 200 and an error field.
func (h *ComplianceHandler) RunCheck(c *gin.Context) {
	var request runCheckRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if request.ScreeningTimeoutMs < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "screening_timeout_ms must not be negative"})
		return
	}

	check, err := h.checks.RunCheck(c.Request.Context(), compliance.CheckRequest{
		EntityID:          request.EntityID,
		EntityType:        compliance.EntityType(request.EntityType),
		Category:          request.CheckCategory,
		CallerRequestID:   request.CallerRequestID,
		Attributes:        request.Attributes,
		ScreeningTimeout:  time.Duration(request.ScreeningTimeoutMs) * time.Millisecond,
		SupersedesCheckID: request.SupersedesCheckID,
	})

	var checkErr *compliance.CheckError
	if errors.As(err, &checkErr) && checkErr.Check != nil {
		h.logger.Warn("Check finalized as ERROR",
			zap.String("check_id", checkErr.Check.ID),
			zap.String("stage", string(checkErr.Stage)),
		)
		c.JSON(http.StatusOK, checkResponse{Check: checkErr.Check, Error: checkErr.Error()})
		return
	}
	if err != nil {
		h.respondError(c, "Failed to run compliance check", err)
		return
	}

	c.JSON(http.StatusOK, checkResponse{Check: check})
}

func (h *ComplianceHandler) GetCheck(c *gin.Context) {
	check, err := h.checks.GetCheck(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, "Failed to get check", err)
		return
	}
	c.JSON(http.StatusOK, check)
}

func (h *ComplianceHandler) GetCheckByIdempotencyKey(c *gin.Context) {
	key := c.Query("idempotency_key")
	if key == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idempotency_key query parameter is required"})
		return
	}
	check, err := h.checks.GetCheckByIdempotencyKey(c.Request.Context(), key)
	if err != nil {
		h.respondError(c, "Failed to get check", err)
		return
	}
	c.JSON(http.StatusOK, check)
}

// ListEntityChecks pages through an entity's checks. The response cursor
// resumes after the last returned check.
func (h *ComplianceHandler) ListEntityChecks(c *gin.Context) {
	query := compliance.EntityQuery{
		EntityID:   c.Param("id"),
		EntityType: compliance.EntityType(strings.ToUpper(c.Param("type"))),
		Cursor:     c.Query("cursor"),
	}

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		query.Limit = limit
	}

	var err error
	if query.From, err = parseTimeParam(c, "from"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if query.To, err = parseTimeParam(c, "to"); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	page, err := h.checks.ListChecks(c.Request.Context(), query)
	if err != nil {
		h.respondError(c, "Failed to list checks", err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func (h *ComplianceHandler) GetLatestVerdict(c *gin.Context) {
	if h.verdicts == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "verdict projection is not enabled"})
		return
	}

	entityType := compliance.EntityType(strings.ToUpper(c.Param("type")))
	verdict, err := h.verdicts.Latest(c.Request.Context(), entityType, c.Param("id"))
	if err != nil {
		h.logger.Error("Failed to read verdict projection", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "verdict projection unavailable"})
		return
	}
	if verdict == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no verdict recorded for entity"})
		return
	}
	c.JSON(http.StatusOK, verdict)
}

func parseTimeParam(c *gin.Context, name string) (time.Time, error) {
	raw := c.Query(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be an RFC 3339 timestamp", name)
	}
	return t.UTC(), nil
}
