// Package api is the HTTP binding of the ledger engine. It adds no ledger
// semantics of its own.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/auditledger/internal/backup"
	"github.com/jmerrifield20/auditledger/internal/health"
	"github.com/jmerrifield20/auditledger/internal/keyring"
	"github.com/jmerrifield20/auditledger/internal/ledger"
)

var _ health.Ledger = (*ledger.Sink)(nil)

// RouterConfig holds the HTTP-level settings.
type RouterConfig struct {
	CORSOrigins  []string
	RateLimitRPS int
}

// NewRouter wires every ledger route, the JWKS endpoints, health and metrics.
// ctx bounds background work started by middleware.
func NewRouter(ctx context.Context, cfg RouterConfig, sink *ledger.Sink, keys *keyring.Publisher,
	checker *health.Checker, store backup.Store, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	if len(cfg.CORSOrigins) > 0 {
		router.Use(cors.New(cors.Config{
			AllowOrigins:     cfg.CORSOrigins,
			AllowMethods:     []string{"GET", "POST", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept"},
			ExposeHeaders:    []string{"Content-Length", "Retry-After"},
			AllowCredentials: !containsWildcard(cfg.CORSOrigins),
			MaxAge:           12 * time.Hour,
		}))
	}

	router.Use(func(c *gin.Context) {
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	})

	// Request body size limit (1 MB)
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, 1<<20)
		c.Next()
	})

	router.Use(instrument())
	if cfg.RateLimitRPS > 0 {
		limiter := NewWriteLimiter(cfg.RateLimitRPS, cfg.RateLimitRPS*2)
		go limiter.Run(ctx)
		router.Use(limiter.Middleware())
	}
	router.Use(requestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		r := checker.Check(c.Request.Context())
		code := http.StatusOK
		if r.Status == health.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, r)
	})
	router.GET("/metrics", metricsHandler())

	NewWellKnownHandler(keys).RegisterWellKnown(router)

	v1 := router.Group("/api/v1")
	NewLedgerHandler(sink, store, logger).Register(v1)
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
