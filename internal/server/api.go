package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vividon/backend/internal/apikey"
	"github.com/vividon/backend/internal/billing"
	"github.com/vividon/backend/internal/cache"
	"github.com/vividon/backend/internal/config"
	"github.com/vividon/backend/internal/email"
	"github.com/vividon/backend/internal/entitlement"
	"github.com/vividon/backend/internal/gemini"
	"github.com/vividon/backend/internal/generation"
	"github.com/vividon/backend/internal/invite"
	"github.com/vividon/backend/internal/ledger"
	"github.com/vividon/backend/internal/logging"
	"github.com/vividon/backend/internal/middleware"
	"github.com/vividon/backend/internal/monitoring"
	"github.com/vividon/backend/internal/pluginauth"
	"github.com/vividon/backend/internal/prompts"
	"github.com/vividon/backend/internal/ratelimit"
)

// APIServer wires the service layer behind the HTTP surface.
type APIServer struct {
	config      *config.Config
	router      *gin.Engine
	db          *pgxpool.Pool
	ledger      *ledger.Service
	keys        *apikey.Service
	invites     *invite.Service
	pairing     *pluginauth.Service
	generations *generation.Service
	provider    *gemini.Client
	prompts     *prompts.Service
	billing     *billing.Service
	email       *email.Sender
	guard       *entitlement.Guard
	limiter     *ratelimit.Limiter
	auth        *middleware.Authenticator
}

// NewAPIServer creates a new API server instance
func NewAPIServer(cfg *config.Config, db *pgxpool.Pool, rds *cache.Redis) *APIServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.CORS.AllowedOrigins))
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	ledgerSvc := ledger.NewService(db)
	keys := apikey.NewService(db)
	guard := entitlement.NewGuard(cfg.Auth.AdminEmails)

	srv := &APIServer{
		config:      cfg,
		router:      router,
		db:          db,
		ledger:      ledgerSvc,
		keys:        keys,
		invites:     invite.NewService(db),
		pairing:     pluginauth.NewService(db, keys, cfg.Server.AppURL),
		generations: generation.NewService(db, ledgerSvc, func() bool { return cfg.Generation.Enabled }),
		provider:    gemini.NewClient(cfg.Gemini.APIKey, "", cfg.Gemini.Timeout),
		prompts:     prompts.NewService(db),
		billing:     billing.NewService(&cfg.Stripe, ledgerSvc, cfg.Server.AppURL),
		email:       email.NewSender(&cfg.Email),
		guard:       guard,
		limiter: ratelimit.NewLimiter(rds, map[ratelimit.Scope]int{
			ratelimit.ScopeGenerate:    cfg.RateLimit.GeneratePerMinute,
			ratelimit.ScopePluginStart: cfg.RateLimit.PluginStartPerMinute,
			ratelimit.ScopeInviteClaim: cfg.RateLimit.InviteClaimPerMinute,
		}),
		auth: middleware.NewAuthenticator(keys, ledgerSvc, cfg.Auth.JWTSecret),
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *APIServer) Router() http.Handler {
	return s.router
}

// Generations exposes the generation service for background workers.
func (s *APIServer) Generations() *generation.Service {
	return s.generations
}

// Pairing exposes the pairing service for background workers.
func (s *APIServer) Pairing() *pluginauth.Service {
	return s.pairing
}

// setupRoutes configures all API routes
func (s *APIServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)

	if s.config.Monitoring.PrometheusEnabled {
		s.router.GET("/metrics", monitoring.GinHandler())
	}

	v1 := s.router.Group("/api/v1")
	{
		// Plugin pairing (the plugin side is unauthenticated; the session
		// token is the capability)
		plugin := v1.Group("/plugin/auth")
		{
			plugin.POST("/start", middleware.RateLimit(s.limiter, ratelimit.ScopePluginStart), s.handlePairingStart)
			plugin.GET("/poll/:token", s.handlePairingPoll)
			plugin.POST("/complete", s.auth.Auth(), s.handlePairingComplete)
		}

		// Invite validation and claim
		invites := v1.Group("/invites")
		{
			invites.GET("/:code", s.handleInviteValidate)
			invites.POST("/:code/accept",
				s.auth.Auth(),
				middleware.RateLimit(s.limiter, ratelimit.ScopeInviteClaim),
				s.handleInviteAccept)
		}

		// Credential management (browser session)
		keys := v1.Group("/keys", s.auth.Auth())
		{
			keys.GET("", s.handleListKeys)
			keys.POST("", s.handleCreateKey)
			keys.DELETE("/:id", s.handleRevokeKey)
		}

		// Prompt catalog (public; the plugin fetches its presets here)
		v1.GET("/prompts", s.handleListPrompts)

		// Metered generation
		v1.POST("/generate",
			s.auth.Auth(),
			middleware.RequireEntitled(s.guard),
			middleware.RateLimit(s.limiter, ratelimit.ScopeGenerate),
			s.handleGenerate)

		// Account surface
		account := v1.Group("", s.auth.Auth())
		{
			account.GET("/me", s.handleGetMe)
			account.GET("/usage", s.handleGetUsage)
			account.GET("/generations/:id", s.handleGetGeneration)
		}

		// Billing
		billingGroup := v1.Group("/billing")
		{
			billingGroup.GET("/packages", s.handleListPackages)
			billingGroup.POST("/checkout", s.auth.Auth(), s.handleCheckout)
			billingGroup.POST("/portal", s.auth.Auth(), s.handlePortal)
		}
		v1.POST("/webhooks/stripe", s.handleStripeWebhook)

		// Admin console
		admin := v1.Group("/admin", s.auth.Auth(), middleware.RequireAdmin(s.guard))
		{
			admin.GET("/users", s.handleAdminListUsers)
			admin.PATCH("/users/:id", s.handleAdminUpdateUser)
			admin.POST("/users/:id/credits", s.handleAdminGrantCredits)
			admin.GET("/invites", s.handleAdminListInvites)
			admin.POST("/invites", s.handleAdminCreateInvite)
			admin.DELETE("/invites/:id", s.handleAdminRevokeInvite)
			admin.GET("/prompts", s.handleAdminListPrompts)
			admin.POST("/prompts", s.handleAdminCreatePrompt)
			admin.DELETE("/prompts/:id", s.handleAdminDeletePrompt)
		}
	}
}

// healthCheck reports liveness plus dependency state.
func (s *APIServer) healthCheck(c *gin.Context) {
	dbStatus := "healthy"
	if err := s.db.Ping(c.Request.Context()); err != nil {
		dbStatus = "unhealthy"
	}

	status := http.StatusOK
	if dbStatus != "healthy" {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{
		"status":             dbStatus,
		"service":            "api",
		"generation_enabled": s.config.Generation.Enabled,
		"provider_breaker":   s.provider.State(),
	})
}
