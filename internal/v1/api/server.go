package api

import (
	"net/http"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/health"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/middleware"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/ratelimit"
	"github.com/artifactor-dev/artifactor/backend/go/internal/v1/types"
)

// Server owns the HTTP handlers. Route wiring happens in Router so tests can
// build an engine around fakes.
type Server struct {
	deps Deps
}

// NewServer builds a Server over the given dependencies.
func NewServer(deps Deps) *Server {
	return &Server{deps: deps}
}

// RouterOptions carries the cross-cutting pieces the engine needs beyond the
// handler dependencies. Nil fields disable the corresponding middleware or
// route.
type RouterOptions struct {
	Validator      types.TokenValidator
	SkipAuth       bool
	AllowedOrigins []string
	RateLimiter    *ratelimit.RateLimiter
	Health         *health.Handler
	ServeWs        gin.HandlerFunc
	TracingEnabled bool
	ServiceName    string
	// MaxBodyBytes caps request bodies; zero disables the cap.
	MaxBodyBytes int64
}

// Router assembles the gin engine: recovery, correlation IDs, CORS, tracing,
// rate limiting, then auth-protected API routes plus the unauthenticated
// operational endpoints.
func (s *Server) Router(opts RouterOptions) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	if opts.MaxBodyBytes > 0 {
		router.Use(func(c *gin.Context) {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxBodyBytes)
			c.Next()
		})
	}

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = opts.AllowedOrigins
	if len(corsConfig.AllowOrigins) == 0 {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "Authorization", middleware.HeaderXCorrelationID)
	router.Use(cors.New(corsConfig))

	if opts.TracingEnabled {
		name := opts.ServiceName
		if name == "" {
			name = "artifactor-backend"
		}
		router.Use(otelgin.Middleware(name))
	}

	if opts.RateLimiter != nil {
		router.Use(opts.RateLimiter.GlobalMiddleware())
	}

	// Operational endpoints stay outside auth.
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if opts.Health != nil {
		router.GET("/health/live", opts.Health.Liveness)
		router.GET("/health/ready", opts.Health.Readiness)
	}

	// WebSocket entry authenticates itself from the query token.
	if opts.ServeWs != nil {
		router.GET("/ws/artifacts/:artifactId", opts.ServeWs)
	}

	authed := router.Group("/", AuthMiddleware(opts.Validator, opts.SkipAuth))

	artifacts := authed.Group("/artifacts/:artifactId")
	{
		artifacts.POST("/comments", s.CreateComment)
		artifacts.GET("/comments", s.ListComments)
		artifacts.PUT("/comments/:commentId", s.UpdateComment)
		artifacts.DELETE("/comments/:commentId", s.DeleteComment)
		artifacts.POST("/comments/:commentId/resolve", s.ResolveComment)
		artifacts.POST("/comments/:commentId/reactions", s.ToggleReaction)
		artifacts.GET("/activity", s.ListActivity)
		artifacts.GET("/presence", s.ArtifactPresence)
	}

	notifications := authed.Group("/notifications")
	{
		notifications.GET("", s.ListNotifications)
		notifications.POST("/mark-read", s.MarkNotificationsRead)
		notifications.POST("/mark-all-read", s.MarkAllNotificationsRead)
		notifications.GET("/counts", s.NotificationCounts)
	}

	ml := authed.Group("/ml")
	{
		ml.POST("/classify", s.Classify)
		ml.GET("/classify/:requestId", s.ClassificationResult)
		ml.POST("/classify/batch", s.ClassifyBatch)
		ml.POST("/tags/generate", s.GenerateTags)
		ml.POST("/projects/analyze", s.AnalyzeProject)
		ml.POST("/search", s.Search)
		ml.POST("/related", s.Related)
	}

	agentsGroup := authed.Group("/agents")
	{
		agentsGroup.GET("", s.ListAgents)
		agentsGroup.POST("/invoke", s.InvokeAgent)
	}

	authed.GET("/internal/query-metrics", s.QueryMetrics)

	return router
}
