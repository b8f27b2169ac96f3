package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/creditrisk/internal/adminauth"
	"github.com/jmerrifield20/creditrisk/internal/resolver"
	"go.uber.org/zap"
)

// ModelCache is the part of *modelcache.Cache the model routes need.
type ModelCache interface {
	Current() *resolver.ResolvedModel
	Reload(ctx context.Context) (*resolver.ResolvedModel, error)
}

// ModelInfo describes the model currently being served.
type ModelInfo struct {
	ID          uuid.UUID           `json:"id"`
	ModelSource string              `json:"model_source"`
	SourceKind  resolver.SourceKind `json:"source_kind"`
	Version     string              `json:"version,omitempty"`
	LoadedAt    time.Time           `json:"loaded_at"`
	Features    []string            `json:"features"`
}

func modelInfoOf(m *resolver.ResolvedModel) ModelInfo {
	names := make([]string, len(m.Features))
	for i, f := range m.Features {
		names[i] = f.Name
	}
	return ModelInfo{
		ID:          m.ID,
		ModelSource: m.Identifier,
		SourceKind:  m.Source,
		Version:     m.Version,
		LoadedAt:    m.LoadedAt,
		Features:    names,
	}
}

// ModelHandler serves model introspection and the admin reload.
type ModelHandler struct {
	cache  ModelCache
	admin  *adminauth.Issuer // nil disables reload
	logger *zap.Logger
}

// NewModelHandler creates a new ModelHandler. A nil admin issuer leaves the
// reload route unregistered.
func NewModelHandler(cache ModelCache, admin *adminauth.Issuer, logger *zap.Logger) *ModelHandler {
	return &ModelHandler{cache: cache, admin: admin, logger: logger}
}

// Register mounts the model routes on the given router group.
func (h *ModelHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/model-info", h.Info)
	if h.admin != nil {
		rg.POST("/model/reload", adminauth.RequireScope(h.admin, adminauth.ScopeReload), h.Reload)
	}
}

// Info handles GET /model-info. It never triggers a resolution.
func (h *ModelHandler) Info(c *gin.Context) {
	m := h.cache.Current()
	if m == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "no model is loaded",
			"code":  "model_unavailable",
		})
		return
	}
	c.JSON(http.StatusOK, modelInfoOf(m))
}

// Reload handles POST /model/reload. The previous model keeps serving when
// the new resolution fails.
func (h *ModelHandler) Reload(c *gin.Context) {
	subject := ""
	if claims := adminauth.ClaimsFromCtx(c); claims != nil {
		subject = claims.Subject
	}

	prev := h.cache.Current()
	m, err := h.cache.Reload(c.Request.Context())
	if err != nil {
		h.logger.Warn("admin reload failed", zap.String("subject", subject), zap.Error(err))
		status, code := http.StatusServiceUnavailable, "model_unavailable"
		if !resolver.IsModelUnavailable(err) && !errors.Is(err, context.Canceled) {
			status, code = http.StatusInternalServerError, "reload_failed"
		}
		body := gin.H{"error": "reload failed; the previous model is still serving", "code": code}
		if prev == nil {
			body["error"] = "reload failed; no model is loaded"
		}
		c.JSON(status, body)
		return
	}

	h.logger.Info("admin reload",
		zap.String("subject", subject),
		zap.String("identifier", m.Identifier),
		zap.String("version", m.Version),
	)
	c.JSON(http.StatusOK, modelInfoOf(m))
}
