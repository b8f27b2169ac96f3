// Package api is the HTTP surface of the scoring service: the scoring
// endpoint, model introspection and reload, the decision log, health and
// metrics.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/creditrisk/internal/adminauth"
	"github.com/jmerrifield20/creditrisk/internal/audit"
	"go.uber.org/zap"
)

// Options assembles the router. Scorer and Models are required.
type Options struct {
	Scorer    Scorer
	Models    ModelCache
	Decisions audit.Log         // nil: decision routes are not mounted
	Admin     *adminauth.Issuer // nil: reload route is not mounted

	CORSOrigins  []string
	RateLimitRPS int   // 0 disables rate limiting
	MaxBodyBytes int64 // 0 means 1 MiB
}

// NewRouter builds the gin engine. ctx bounds background work started by
// middleware (the rate limiter sweep).
func NewRouter(ctx context.Context, opts Options, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	if len(opts.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     opts.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
			ExposeHeaders:    []string{"Content-Length"},
			AllowCredentials: !containsWildcard(opts.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	// Security headers
	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)
		c.Next()
	})

	router.Use(PrometheusMiddleware())
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/readyz", func(c *gin.Context) {
		if opts.Models.Current() == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "no model loaded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	router.GET("/metrics", MetricsHandler())

	scoreHandler := NewScoreHandler(opts.Scorer, logger)
	modelHandler := NewModelHandler(opts.Models, opts.Admin, logger)

	// Scoring routes share one per-IP limiter.
	var limited []gin.HandlerFunc
	if opts.RateLimitRPS > 0 {
		limited = append(limited, RateLimiter(ctx, opts.RateLimitRPS, opts.RateLimitRPS*2))
	}
	router.POST("/predict", append(limited, scoreHandler.Predict)...)
	router.GET("/model-info", modelHandler.Info)

	v1 := router.Group("/api/v1")
	{
		scoreHandler.Register(v1.Group("", limited...))
		modelHandler.Register(v1)
		if opts.Decisions != nil {
			NewDecisionHandler(opts.Decisions, logger).Register(v1)
		}
	}

	return router
}

// containsWildcard returns true if origins includes "*".
func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			return true
		}
	}
	return false
}

// requestLogger returns a Gin middleware that logs each request with zap.
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
