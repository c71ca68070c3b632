// Package httpapi wires the HTTP transport (Gin) to application services,
// middleware, and route handlers. It centralizes cross-cutting concerns such
// as tracing, correlation IDs, logging/redaction, panic recovery, metrics,
// compression, CORS, security headers, authentication, idempotency, and rate
// limiting.
//
// Design goals:
//   - Put observability first (OTel + Prometheus)
//   - Safe-by-default middleware ordering (RequestID → logging → recovery)
//   - Deterministic, minimal router setup; all dependencies injected
//   - Production-ready CORS and security header posture
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"gorm.io/gorm"

	"github.com/tbourn/go-chatroom-backend/internal/cache"
	"github.com/tbourn/go-chatroom-backend/internal/config"
	"github.com/tbourn/go-chatroom-backend/internal/domain"
	"github.com/tbourn/go-chatroom-backend/internal/http/handlers"
	"github.com/tbourn/go-chatroom-backend/internal/http/middleware"
	"github.com/tbourn/go-chatroom-backend/internal/identity"
	"github.com/tbourn/go-chatroom-backend/internal/queue"
	"github.com/tbourn/go-chatroom-backend/internal/repo"
	"github.com/tbourn/go-chatroom-backend/internal/services"
)

// HeaderInternalToken carries the shared secret for /internal routes.
const HeaderInternalToken = "X-Internal-Token"

// chatroomRepoShim adapts the repository free functions to the
// services.ChatroomRepo interface expected by the ChatroomService. This keeps
// services decoupled from the concrete repo package while reusing existing
// functions.
type chatroomRepoShim struct{}

// CreateChatroom proxies repo.CreateChatroom.
func (chatroomRepoShim) CreateChatroom(ctx context.Context, db *gorm.DB, userID, name string) (*domain.Chatroom, error) {
	return repo.CreateChatroom(ctx, db, userID, name)
}

// ListChatrooms proxies repo.ListChatrooms.
func (chatroomRepoShim) ListChatrooms(ctx context.Context, db *gorm.DB, userID string) ([]domain.Chatroom, error) {
	return repo.ListChatrooms(ctx, db, userID)
}

// GetChatroom proxies repo.GetChatroom.
func (chatroomRepoShim) GetChatroom(ctx context.Context, db *gorm.DB, id, userID string) (*domain.Chatroom, error) {
	return repo.GetChatroom(ctx, db, id, userID)
}

// DeleteChatroom proxies repo.DeleteChatroom.
func (chatroomRepoShim) DeleteChatroom(ctx context.Context, db *gorm.DB, id, userID string) error {
	return repo.DeleteChatroom(ctx, db, id, userID)
}

// Deps are the long-lived handles the HTTP layer needs. They are created once
// in main and shared with the worker.
type Deps struct {
	DB       *gorm.DB
	Queue    queue.Queue
	Cache    cache.ListingCache // nil disables listing caching
	Identity identity.Provider
	Log      zerolog.Logger
}

// RegisterRoutes attaches all middleware and HTTP endpoints to the given Gin
// engine. It configures observability (tracing, metrics), compression, CORS
// and security headers, health and metrics endpoints, and then mounts the
// versioned public API under cfg.APIBasePath and the operator API under
// /internal.
//
// Middleware order matters:
//  1. OpenTelemetry: trace everything
//  2. RequestID: generate/propagate correlation id
//  3. RedactingLogger: structured logs with PII scrubbing
//  4. Recovery: capture panics after logger
//  5. Body size limiter
//  6. Metrics
//  7. Gzip, CORS and Security headers
//
// On the public API group:
//  8. Authenticate: resolve the caller (everything below keys on it)
//  9. Idempotency validator (before rate limiter to allow bypass on replay)
//  10. Rate limiter (per user and tier, bypass on replay)
func RegisterRoutes(r *gin.Engine, deps Deps, cfg config.Config) *handlers.Handlers {
	r.HandleMethodNotAllowed = true
	db := deps.DB

	// 1) Trace all HTTP requests
	r.Use(otelgin.Middleware(cfg.OTEL.ServiceName))

	// 2) Correlate requests and logs
	r.Use(middleware.RequestID())

	// 3) Structured logging with redaction
	base := deps.Log
	r.Use(middleware.RedactingLogger(middleware.RedactOptions{
		MaskHeaders: []string{middleware.HeaderUserID},
		Logger:      &base,
	}))

	// 4) Panic recovery to JSON 500 (with request id)
	r.Use(middleware.Recovery())

	// 5) Global body size limit (1 MiB)
	r.Use(limitBody(1 << 20))

	// 6) Prometheus metrics and /metrics endpoint
	r.Use(middleware.Metrics())
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// 7) Compression, CORS posture and security headers
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins)...)
	r.Use(middleware.SecurityHeaders(middleware.SecurityOptions{
		EnableHSTS:   cfg.Security.EnableHSTS,
		HSTSMaxAge:   cfg.Security.HSTSMaxAge,
		NoStore:      false,
		EnablePolicy: true,
	}))

	// Fallbacks
	r.NoRoute(func(c *gin.Context) {
		handlers.Fail(c, http.StatusNotFound, handlers.ErrCodeNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		handlers.Fail(c, http.StatusMethodNotAllowed, handlers.ErrCodeMethodNotAllowed, "method not allowed")
	})

	// Liveness/health
	r.GET("/health", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })

	// Dependency injection: services ← repo/db/cache/queue
	roomSvc := services.NewChatroomService(db, chatroomRepoShim{}, deps.Cache, deps.Log.With().Str("component", "chatrooms").Logger())
	if cfg.Cache.TTL > 0 {
		roomSvc.CacheTTL = cfg.Cache.TTL
	}
	quotaSvc := services.NewQuotaService(db, cfg.BasicDailyLimit)
	msgSvc := &services.MessageService{
		DB:             db,
		Queue:          deps.Queue,
		Quota:          quotaSvc,
		MaxPromptRunes: cfg.MaxPromptRunes,
		IdempotencyTTL: cfg.IdempotencyTTL,
		Log:            deps.Log.With().Str("component", "admission").Logger(),
	}
	subSvc := &services.SubscriptionService{DB: db, Log: deps.Log.With().Str("component", "billing").Logger()}

	h := handlers.New(roomSvc, msgSvc, quotaSvc, subSvc, deps.Queue)
	h.MessageStats = func(ctx context.Context, chatroomID string) (int64, *time.Time, error) {
		return repo.MessagesStats(ctx, db, chatroomID)
	}

	// Public API
	api := groupWithPrefix(r, cfg.APIBasePath) // e.g. "/api/v1"
	api.Use(middleware.Authenticate(deps.Identity))
	api.Use(middleware.IdempotencyValidator(
		middleware.IdempotencyOptions{},
		func(ctx context.Context, userID, chatroomID, key string, now time.Time) (bool, error) {
			rec, err := repo.GetIdempotency(ctx, db, userID, chatroomID, key, now)
			if err != nil || rec == nil {
				return false, nil
			}
			return true, nil
		},
	))
	rl := middleware.NewRateLimiter(cfg.RateRPS, cfg.RateBurst, middleware.KeyByUserOrIP(),
		middleware.WithTierBudget(string(domain.TierPro), middleware.Budget{RPS: cfg.RateProRPS, Burst: cfg.RateProBurst}),
	)
	api.Use(rl.Handler())
	{
		// Chatrooms
		api.POST("/chatrooms", h.CreateChatroom)
		api.GET("/chatrooms", h.ListChatrooms)
		api.GET("/chatrooms/:id", h.GetChatroom)
		api.DELETE("/chatrooms/:id", h.DeleteChatroom)

		// Messages
		api.POST("/chatrooms/:id/messages", h.PostMessage)
		api.GET("/chatrooms/:id/messages", h.ListMessages)

		// Subscription
		api.GET("/subscription/status", h.SubscriptionStatus)
	}

	// Operator API
	internal := r.Group("/internal", middleware.RequireToken(HeaderInternalToken, cfg.InternalToken))
	{
		internal.POST("/billing/events", h.ApplyBillingEvent)
		internal.GET("/dead-letters", h.ListDeadLetters)
	}
	return h
}

// corsMiddleware returns the CORS chain. Without an allowlist every origin is
// allowed and credentials are not; with one, the request Origin is echoed
// when listed.
func corsMiddleware(origins []string) []gin.HandlerFunc {
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization", middleware.HeaderUserID, middleware.HeaderIdempotencyKey}
	methods := []string{"GET", "POST", "DELETE", "OPTIONS"}

	if len(origins) == 0 {
		return []gin.HandlerFunc{
			// Force ACAO: * even for requests without an Origin header (helps simple health checks).
			func(c *gin.Context) {
				c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
				c.Next()
			},
			cors.New(cors.Config{
				AllowAllOrigins:  true,
				AllowMethods:     methods,
				AllowHeaders:     allowHeaders,
				ExposeHeaders:    middleware.DefaultExposeHeaders,
				AllowCredentials: false, // must remain false with AllowAllOrigins
				MaxAge:           12 * time.Hour,
			}),
		}
	}

	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}
	return []gin.HandlerFunc{
		func(c *gin.Context) {
			if origin := c.GetHeader("Origin"); origin != "" {
				if _, ok := allowed[origin]; ok {
					h := c.Writer.Header()
					h.Set("Access-Control-Allow-Origin", origin)
					h.Add("Vary", "Origin")
				}
			}
			c.Next()
		},
		cors.New(cors.Config{
			AllowOrigins:     origins,
			AllowMethods:     methods,
			AllowHeaders:     allowHeaders,
			ExposeHeaders:    middleware.DefaultExposeHeaders,
			AllowCredentials: false,
			MaxAge:           12 * time.Hour,
		}),
	}
}

// limitBody returns a Gin middleware that caps the request body size for all
// endpoints to maxBytes using http.MaxBytesReader. Requests exceeding the cap
// will cause downstream body reads to error.
func limitBody(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// groupWithPrefix mounts a group at prefix, treating "/" (or empty) as root.
func groupWithPrefix(r *gin.Engine, prefix string) *gin.RouterGroup {
	if prefix == "" || prefix == "/" {
		return r.Group("")
	}
	return r.Group(prefix)
}
