// Package server mounts the HTTP surface: one-shot generation, WebSocket
// streaming, file search, provider diagnostics and admin endpoints.
package server

import (
	"context"
	"net/http"
	"time"

	"contractai-go/internal/config"
	apperrors "contractai-go/internal/errors"
	"contractai-go/internal/events"
	mw "contractai-go/internal/middleware"
	"contractai-go/internal/provider"
	"contractai-go/internal/runtime"
	"contractai-go/internal/usage"

	"github.com/gin-gonic/gin"
)

// Providers is the provider surface the handlers call.
type Providers interface {
	provider.Selector
	// DryRun resolves without bumping usage counters or rotating keys.
	DryRun(ctx context.Context, clientID, consultantID string) (*provider.Result, error)
	FileSearch(ctx context.Context, req provider.FileSearchRequest) (*provider.FileSearchResult, error)
	ClearCaches()
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Dependencies encapsulates runtime services required to build the engine.
type Dependencies struct {
	Providers Providers
	Store     Pinger
	Usage     *usage.Tracker
	Events    events.Publisher
	// Journal backs GET /admin/events; nil disables the route.
	Journal *events.Journal
	// Tasks lists background tasks for /healthz; nil omits them.
	Tasks func() []runtime.TaskInfo
	// Config returns the live configuration; it is consulted per request
	// for hot-reloadable values such as the management key.
	Config func() *config.Config
}

// BuildEngine constructs the gin engine.
func BuildEngine(deps Dependencies) *gin.Engine {
	if deps.Config == nil {
		cfg := config.Default()
		deps.Config = func() *config.Config { return cfg }
	}
	cfg := deps.Config()

	engine := gin.New()
	applyStandardEngineSettings(engine, cfg)

	h := &handlers{deps: deps, upgrader: newUpgrader(deps.Config)}

	engine.GET("/healthz", h.healthz)
	engine.GET("/metrics", mw.MetricsHandler())

	api := engine.Group("/v1")
	api.Use(mw.RateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst))
	api.POST("/generate", h.generate)
	api.GET("/stream", h.stream)
	api.POST("/file-search", h.fileSearch)
	api.GET("/providers/resolve", h.resolve)

	admin := engine.Group("/admin")
	admin.Use(mw.ManagementAuth(func() string { return deps.Config().Server.ManagementKey }))
	admin.POST("/caches/clear", h.clearCaches)
	admin.GET("/usage", h.usageStats)
	admin.GET("/events", h.recentEvents)

	return engine
}

// applyStandardEngineSettings applies common gin settings and middlewares.
func applyStandardEngineSettings(engine *gin.Engine, cfg *config.Config) {
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	_ = engine.SetTrustedProxies(nil)
	engine.Use(mw.Recovery(), mw.RequestID(), mw.Metrics(), mw.CORS(), mw.RequestLogger())
}

type handlers struct {
	deps     Dependencies
	upgrader upgrader
}

func (h *handlers) healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if h.deps.Tasks != nil {
		body["tasks"] = h.deps.Tasks()
	}
	if h.deps.Store != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.deps.Store.Ping(ctx); err != nil {
			body["status"] = "degraded"
			body["storage"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}

// respondError writes the error envelope and records err on the context.
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	ae := apperrors.ToAPIError(err)
	c.AbortWithStatusJSON(ae.HTTPStatus, ae.Body())
}
