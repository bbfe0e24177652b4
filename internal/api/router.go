package api

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"lab-usage-backend/internal/logging"
	"lab-usage-backend/internal/metrics"
	"lab-usage-backend/internal/mw"
)

const defaultCacheTTL = 5 * time.Second

// RouterConfig tunes the middleware stack. Zero values take defaults.
type RouterConfig struct {
	RateLimit rate.Limit
	Burst     int
	CacheTTL  time.Duration
	// Gatherer backs GET /metrics; nil leaves the route out.
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	// Cache holds cached listings; nil creates a private one. Share it to
	// flush listings after writes made outside HTTP, such as the expiry sweep.
	Cache *cache.Cache
}

// NewResponseCache creates a listing cache for RouterConfig.Cache.
func NewResponseCache(ttl time.Duration) *cache.Cache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return cache.New(ttl, 2*ttl)
}

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg RouterConfig) *gin.Engine {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = defaultCacheTTL
	}

	r := gin.New()
	r.Use(gin.Recovery(), mw.RequestID(), mw.AccessLog(logging.OrDiscard(cfg.Logger)))

	// Listings are cached briefly and flushed by any successful mutation.
	cacheStore := cfg.Cache
	if cacheStore == nil {
		cacheStore = NewResponseCache(cfg.CacheTTL)
	}
	caching := mw.Cache(cacheStore, cfg.CacheTTL)
	authed := mw.RequireUser()

	r.GET("/healthz", h.Healthz)
	if cfg.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(metrics.Handler(cfg.Gatherer)))
	}

	api := r.Group("/api")
	api.Use(mw.Identity(), mw.RateLimiter(mw.NewKeyedLimiter(cfg.RateLimit, cfg.Burst)), mw.Invalidate(cacheStore))
	{
		api.POST("/sessions/start", authed, h.StartSession)
		api.PUT("/sessions/:id/end", authed, h.EndSession)
		api.POST("/sessions/past", authed, h.LogPastUsage)
		api.POST("/sessions/check-conflict", h.CheckConflict)
		api.GET("/sessions", caching, h.ListSessions)
		api.GET("/sessions/active", authed, h.ActiveSession)

		api.GET("/equipment", caching, h.ListEquipment)
		api.GET("/equipment/:id", caching, h.GetEquipment)
		api.PUT("/equipment/:id/maintenance", authed, h.SetMaintenance)

		api.GET("/descriptions/suggestions", caching, h.Suggestions)
		api.GET("/analytics/utilization", caching, h.Utilization)
		api.GET("/analytics/users", caching, h.UserActivity)
		api.GET("/analytics/dashboard", caching, h.Dashboard)

		api.GET("/subscriptions", h.GetSubscription)
		api.PUT("/subscriptions", h.PutSubscription)
		api.DELETE("/subscriptions", h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	return r
}
