package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RouterConfig configures the HTTP middleware stack.
type RouterConfig struct {
	CORSOrigins  []string
	RateLimitRPS float64
	// Health reports readiness for /healthz; nil means always healthy.
	Health func() (ok bool, detail gin.H)
}

// Registrar is implemented by every route group handler.
type Registrar interface {
	Register(rg *gin.RouterGroup)
}

// NewRouter builds the gin engine: recovery, CORS, security headers, rate
// limiting, metrics and request logging, then /healthz, /metrics and every
// handler under /api. ctx bounds background middleware goroutines.
func NewRouter(ctx context.Context, cfg RouterConfig, logger *zap.Logger, handlers ...Registrar) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(CORS(cfg.CORSOrigins))
	router.Use(SecurityHeaders())
	if cfg.RateLimitRPS > 0 {
		burst := int(cfg.RateLimitRPS * 2)
		if burst < 1 {
			burst = 1
		}
		router.Use(RateLimiter(ctx, cfg.RateLimitRPS, burst))
	}
	router.Use(PrometheusMiddleware())
	router.Use(RequestLogger(logger))

	router.GET("/healthz", func(c *gin.Context) {
		if cfg.Health == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		ok, detail := cfg.Health()
		if detail == nil {
			detail = gin.H{}
		}
		if ok {
			detail["status"] = "ok"
			c.JSON(http.StatusOK, detail)
			return
		}
		detail["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, detail)
	})
	router.GET("/metrics", MetricsHandler())

	api := router.Group("/api")
	for _, h := range handlers {
		h.Register(api)
	}
	return router
}
