package evaluation

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/ecomsec/sentinel/internal/logging"
	"github.com/ecomsec/sentinel/internal/validation"
)

// Handler exposes the evaluation HTTP API.
type Handler struct {
	orch  *Orchestrator
	store Store
}

// NewHandler creates the evaluation API handler.
func NewHandler(orch *Orchestrator, store Store) *Handler {
	return &Handler{orch: orch, store: store}
}

// Evaluate handles POST /v1/evaluate. A malformed request is the only way
// to get a non-200 response: once a transaction passes validation, the
// orchestrator always produces a decision.
func (h *Handler) Evaluate(c *gin.Context) {
	var tx Transaction
	if err := c.ShouldBindJSON(&tx); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body must be valid JSON",
		})
		return
	}

	tx.CustomerID = validation.SanitizeString(tx.CustomerID, 64)
	tx.TransactionID = validation.SanitizeString(tx.TransactionID, 64)

	if errs := validation.Validate(
		validation.Required("transaction_id", tx.TransactionID),
		validation.Required("customer_id", tx.CustomerID),
		validation.Required("currency", tx.Currency),
		validation.PositiveAmount("amount", tx.Amount),
		validation.ValidCurrency("currency", tx.Currency),
		validation.ValidIP("ip_address", tx.IPAddress),
		validation.ValidBIN("card_bin", tx.CardBIN),
		validation.MaxLength("device_fingerprint", tx.DeviceFingerprint, 128),
		validation.MaxLength("email", tx.Email, 254),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"details": errs,
		})
		return
	}

	result := h.orch.Evaluate(c.Request.Context(), &tx)

	logging.L(c.Request.Context()).Info("transaction evaluated",
		"transaction_id", tx.TransactionID,
		"evaluation_id", result.ID,
		"risk_score", result.RiskScore,
		"decision", result.Decision,
		"duration_ms", result.DurationMillis)

	c.JSON(http.StatusOK, result)
}

// GetByTransaction handles GET /v1/evaluations/:transactionID.
func (h *Handler) GetByTransaction(c *gin.Context) {
	transactionID := c.Param("transactionID")

	result, err := h.store.GetByTransaction(c.Request.Context(), transactionID)
	if err == ErrNotFound {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "no evaluation recorded for this transaction",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("evaluation lookup failed",
			"transaction_id", transactionID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// List handles GET /v1/evaluations with optional customer_id, decision,
// min_score, and limit query parameters.
func (h *Handler) List(c *gin.Context) {
	filter := ListFilter{
		CustomerID: c.Query("customer_id"),
	}

	if d := c.Query("decision"); d != "" {
		switch Decision(d) {
		case DecisionApprove, DecisionRequireAuth, DecisionBlock:
			filter.Decision = Decision(d)
		default:
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "decision must be approve, require_auth, or block",
			})
			return
		}
	}
	if v := c.Query("min_score"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "min_score must be an integer in [0,100]",
			})
			return
		}
		filter.MinScore = n
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "limit must be a positive integer",
			})
			return
		}
		filter.Limit = n
	}

	results, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		logging.L(c.Request.Context()).Error("evaluation list failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}
	if results == nil {
		results = []*EvaluationResult{}
	}

	c.JSON(http.StatusOK, gin.H{
		"evaluations": results,
		"count":       len(results),
	})
}
