package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/creditrisk/internal/resolver"
	"github.com/jmerrifield20/creditrisk/internal/schema"
	"github.com/jmerrifield20/creditrisk/internal/scoring"
	"go.uber.org/zap"
)

// Scorer is the scoring operation the handler serves. *scoring.Service
// satisfies it.
type Scorer interface {
	Score(ctx context.Context, payload map[string]any) (*scoring.Result, error)
}

// ScoreHandler serves the scoring endpoint and its legacy alias.
type ScoreHandler struct {
	scorer Scorer
	logger *zap.Logger
}

// NewScoreHandler creates a new ScoreHandler.
func NewScoreHandler(scorer Scorer, logger *zap.Logger) *ScoreHandler {
	return &ScoreHandler{scorer: scorer, logger: logger}
}

// Register mounts POST /score on the given router group.
func (h *ScoreHandler) Register(rg gin.IRoutes) {
	rg.POST("/score", h.Score)
}

// Score handles POST /api/v1/score.
func (h *ScoreHandler) Score(c *gin.Context) {
	res, ok := h.score(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, res)
}

// legacyResult adds the field name older clients read the probability from.
type legacyResult struct {
	*scoring.Result
	RiskProbability float64 `json:"risk_probability"`
}

// Predict handles POST /predict, the pre-v1 path of the scoring endpoint.
func (h *ScoreHandler) Predict(c *gin.Context) {
	res, ok := h.score(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, legacyResult{Result: res, RiskProbability: res.Probability})
}

func (h *ScoreHandler) score(c *gin.Context) (*scoring.Result, bool) {
	payload, err := decodeRecord(c.Request.Body)
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		recordScoreError("invalid_request")
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "request body too large", "code": "invalid_request"})
		return nil, false
	}
	if err != nil {
		recordScoreError("invalid_request")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "invalid_request"})
		return nil, false
	}

	res, err := h.scorer.Score(c.Request.Context(), payload)
	if err != nil {
		h.writeScoreError(c, err)
		return nil, false
	}
	recordScore(res)
	return res, true
}

// writeScoreError maps the scoring error taxonomy onto HTTP. Internal causes
// are logged, never returned.
func (h *ScoreHandler) writeScoreError(c *gin.Context, err error) {
	var (
		invalid *schema.InvalidFeatureError
		serr    *scoring.ScoringError
	)
	switch {
	case errors.As(err, &invalid):
		recordScoreError("invalid_features")
		c.JSON(http.StatusBadRequest, gin.H{
			"error":  "request does not match the feature schema",
			"code":   "invalid_features",
			"fields": invalid.Fields,
		})
	case resolver.IsModelUnavailable(err):
		recordScoreError("model_unavailable")
		h.logger.Error("no model available", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "no model is available",
			"code":  "model_unavailable",
		})
	case errors.As(err, &serr):
		recordScoreError("scoring_failed")
		h.logger.Error("model invocation failed",
			zap.String("identifier", serr.Identifier),
			zap.Error(serr.Err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "model invocation failed",
			"code":  "scoring_failed",
		})
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		recordScoreError("cancelled")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "request cancelled while waiting for the model",
			"code":  "model_unavailable",
		})
	default:
		recordScoreError("internal")
		h.logger.Error("score", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "internal error",
			"code":  "internal",
		})
	}
}

var errNotObject = errors.New("request body must be a single JSON object")

// decodeRecord reads one JSON object, keeping numbers as json.Number so
// integers survive without float rounding.
func decodeRecord(body io.Reader) (map[string]any, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return nil, errNotObject
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return nil, errors.New("invalid JSON: " + err.Error())
	}
	if dec.More() {
		return nil, errNotObject
	}
	return payload, nil
}
