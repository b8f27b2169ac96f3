package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/creditrisk/internal/audit"
	"go.uber.org/zap"
)

const (
	defaultDecisionLimit = 50
	maxDecisionLimit     = 500
)

// DecisionHandler exposes read-only HTTP endpoints for the decision log.
type DecisionHandler struct {
	log    audit.Log
	logger *zap.Logger
}

// NewDecisionHandler creates a new DecisionHandler.
func NewDecisionHandler(log audit.Log, logger *zap.Logger) *DecisionHandler {
	return &DecisionHandler{log: log, logger: logger}
}

// Register mounts the decision routes on the given router group.
func (h *DecisionHandler) Register(rg *gin.RouterGroup) {
	d := rg.Group("/decisions")
	{
		d.GET("", h.List)
		d.GET("/verify", h.Verify)
		d.GET("/:idx", h.Get)
	}
}

// List handles GET /decisions?limit= and returns the newest decisions first
// together with the chain length and root hash.
func (h *DecisionHandler) List(c *gin.Context) {
	ctx := c.Request.Context()

	limit := defaultDecisionLimit
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer", "code": "invalid_request"})
			return
		}
		limit = min(n, maxDecisionLimit)
	}

	decisions, err := h.log.Recent(ctx, limit)
	if err != nil {
		h.logger.Error("decision log Recent", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query decision log", "code": "internal"})
		return
	}
	count, err := h.log.Len(ctx)
	if err != nil {
		h.logger.Error("decision log Len", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query decision log", "code": "internal"})
		return
	}
	root, err := h.log.Root(ctx)
	if err != nil {
		h.logger.Error("decision log Root", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query decision log root", "code": "internal"})
		return
	}

	if decisions == nil {
		decisions = []*audit.Decision{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":   count,
		"root":      root,
		"decisions": decisions,
	})
}

// Verify handles GET /decisions/verify and walks the retained chain.
func (h *DecisionHandler) Verify(c *gin.Context) {
	if err := h.log.Verify(c.Request.Context()); err != nil {
		h.logger.Warn("decision log integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// Get handles GET /decisions/:idx.
func (h *DecisionHandler) Get(c *gin.Context) {
	idx, err := strconv.Atoi(c.Param("idx"))
	if err != nil || idx < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "idx must be a non-negative integer", "code": "invalid_request"})
		return
	}

	d, err := h.log.Get(c.Request.Context(), idx)
	if errors.Is(err, audit.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "decision not found", "code": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("decision log Get", zap.Int("idx", idx), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query decision log", "code": "internal"})
		return
	}
	c.JSON(http.StatusOK, d)
}
