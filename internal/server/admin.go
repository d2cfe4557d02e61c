package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ecomsec/sentinel/internal/abtest"
	"github.com/ecomsec/sentinel/internal/logging"
	"github.com/ecomsec/sentinel/internal/ml"
	"github.com/ecomsec/sentinel/internal/rules"
)

// Rule administration. Mutations take effect on the next snapshot reload;
// callers that need the change live immediately follow up with a reload.

func (s *Server) handleListRules(c *gin.Context) {
	ruleList, err := s.ruleStore.List(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("listing rules failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	snap := s.ruleLoader.Snapshot()
	resp := gin.H{"rules": ruleList, "count": len(ruleList)}
	if snap != nil {
		resp["active_version"] = snap.Version
		resp["active_rules"] = snap.Len()
		resp["skipped"] = snap.Skipped()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleUpsertRule(c *gin.Context) {
	var rule rules.DetectionRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body must be a valid rule",
		})
		return
	}
	rule.ID = c.Param("id")

	if err := s.ruleStore.Upsert(c.Request.Context(), &rule); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_rule",
			"message": err.Error(),
		})
		return
	}

	logging.L(c.Request.Context()).Info("rule upserted",
		"rule_id", rule.ID, "version", rule.Version)
	c.JSON(http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(c *gin.Context) {
	id := c.Param("id")
	if err := s.ruleStore.Delete(c.Request.Context(), id); err != nil {
		if err == rules.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		logging.L(c.Request.Context()).Error("deleting rule failed", "rule_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	logging.L(c.Request.Context()).Info("rule deleted", "rule_id", id)
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (s *Server) handleReloadRules(c *gin.Context) {
	if err := s.ruleLoader.Reload(c.Request.Context()); err != nil {
		logging.L(c.Request.Context()).Error("rule reload failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reload_failed",
			"message": err.Error(),
		})
		return
	}

	snap := s.ruleLoader.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"version": snap.Version,
		"rules":   snap.Len(),
		"skipped": snap.Skipped(),
	})
}

// Model administration.

func (s *Server) handleListModels(c *gin.Context) {
	versions, err := s.modelStore.List(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("listing models failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	resp := gin.H{"models": versions, "count": len(versions)}
	if mv := s.registry.Active(); mv != nil {
		resp["serving"] = mv.ID
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePutModel(c *gin.Context) {
	var mv ml.ModelVersion
	if err := c.ShouldBindJSON(&mv); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body must be a valid model version",
		})
		return
	}
	mv.ID = c.Param("id")

	if err := s.modelStore.Put(c.Request.Context(), &mv); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_model",
			"message": err.Error(),
		})
		return
	}

	logging.L(c.Request.Context()).Info("model version stored", "model_version", mv.ID)
	c.JSON(http.StatusOK, mv)
}

func (s *Server) handleActivateModel(c *gin.Context) {
	id := c.Param("id")
	if err := s.modelStore.SetActive(c.Request.Context(), id); err != nil {
		if err == ml.ErrNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
			return
		}
		logging.L(c.Request.Context()).Error("activating model failed", "model_version", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	// Make the swap visible without waiting for the next refresh tick.
	if err := s.registry.Reload(c.Request.Context()); err != nil {
		logging.L(c.Request.Context()).Error("model reload after activation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reload_failed",
			"message": err.Error(),
		})
		return
	}

	logging.L(c.Request.Context()).Info("model activated", "model_version", id)
	c.JSON(http.StatusOK, gin.H{"serving": id})
}

func (s *Server) handleReloadModels(c *gin.Context) {
	if err := s.registry.Reload(c.Request.Context()); err != nil {
		logging.L(c.Request.Context()).Error("model reload failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "reload_failed",
			"message": err.Error(),
		})
		return
	}

	resp := gin.H{}
	if mv := s.registry.Active(); mv != nil {
		resp["serving"] = mv.ID
	}
	c.JSON(http.StatusOK, resp)
}

// Experiment administration.

func (s *Server) handleGetExperiment(c *gin.Context) {
	exp := s.abRouter.Experiment()
	if exp == nil {
		c.JSON(http.StatusOK, gin.H{"running": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"running": true, "experiment": exp})
}

func (s *Server) handleSetExperiment(c *gin.Context) {
	var exp abtest.Experiment
	if err := c.ShouldBindJSON(&exp); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "request body must be a valid experiment",
		})
		return
	}

	if exp.Name == "" || exp.VariantModelID == "" || exp.SplitPercent < 0 || exp.SplitPercent > 100 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_experiment",
			"message": "name and variant_model_id are required, split_percent must be in [0,100]",
		})
		return
	}
	if _, ok := s.registry.Get(exp.VariantModelID); !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_experiment",
			"message": "variant model version is not loaded",
		})
		return
	}

	s.abRouter.SetExperiment(&exp)
	logging.L(c.Request.Context()).Info("experiment started",
		"experiment", exp.Name,
		"split_percent", exp.SplitPercent,
		"variant_model", exp.VariantModelID)
	c.JSON(http.StatusOK, gin.H{"running": true, "experiment": exp})
}

func (s *Server) handleStopExperiment(c *gin.Context) {
	s.abRouter.SetExperiment(nil)
	logging.L(c.Request.Context()).Info("experiment stopped")
	c.JSON(http.StatusOK, gin.H{"running": false})
}
