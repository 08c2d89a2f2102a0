package main

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ronvwieringen/AIbookReview/config"
	"github.com/ronvwieringen/AIbookReview/handler"
	"github.com/ronvwieringen/AIbookReview/middleware"
)

// multipart framing on top of the file itself
const uploadOverhead = 1 << 20

func newRouter(a *app) *gin.Engine {
	cfg := a.cfg

	authHandler := handler.NewAuthHandler(cfg)
	manuscriptHandler := handler.NewManuscriptHandler(a.store, a.files, a.review, cfg)
	watchHandler := handler.NewWatchHandler(a.store, a.hub)
	adminHandler := handler.NewAdminHandler(a.review)
	healthHandler := handler.NewHealthHandler(a.store, a.oracle)

	router := gin.New()
	router.MaxMultipartMemory = 8 << 20

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(corsMiddleware())
	router.Use(cacheMiddleware())
	router.Use(middleware.RateLimit(cfg.Server.RateLimit, time.Minute))

	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)

	api := router.Group("/api")
	{
		api.POST("/auth/login", authHandler.Login)

		api.POST("/manuscripts",
			middleware.MaxBodySize(cfg.Upload.MaxBytes()+uploadOverhead),
			manuscriptHandler.Upload)
		api.POST("/manuscripts/:id/analyze", manuscriptHandler.Analyze)
		api.GET("/manuscripts/:id", manuscriptHandler.Get)
		api.GET("/manuscripts/:id/status", manuscriptHandler.Status)
		api.GET("/manuscripts/:id/results", manuscriptHandler.Results)
		api.GET("/manuscripts/:id/reviews", manuscriptHandler.Reviews)
		api.GET("/manuscripts/:id/report", manuscriptHandler.Report)
		api.GET("/manuscripts/:id/watch", watchHandler.Watch)
	}

	protected := api.Group("/")
	protected.Use(middleware.AuthMiddleware(&cfg.Auth))
	{
		protected.GET("/auth/me", authHandler.GetCurrentUser)
		protected.GET("/manuscripts", manuscriptHandler.List)
	}

	admin := api.Group("/admin")
	admin.Use(middleware.AuthMiddleware(&cfg.Auth), middleware.RequireRole(config.RoleAdmin))
	{
		admin.POST("/reclaim", adminHandler.Reclaim)
	}

	return router
}

// corsMiddleware handles CORS headers
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Content-Disposition, Retry-After")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// cacheMiddleware keeps API responses out of caches; a finished report
// never changes and may be cached privately.
func cacheMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		switch {
		case strings.HasPrefix(path, "/api/manuscripts/") && strings.HasSuffix(path, "/report"):
			c.Header("Cache-Control", "private, max-age=3600")
		case strings.HasPrefix(path, "/api"), path == "/health", path == "/ready":
			c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
			c.Header("Pragma", "no-cache")
			c.Header("Expires", "0")
		}
		c.Next()
	}
}
