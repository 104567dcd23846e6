// Package api provides the REST control surface and WebSocket push channel
// for the agent. It exposes scan management, sync control, artifact
// downloads, connectivity status, and notification configuration.
package api

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/skavis/scansync/internal/connectivity"
	"github.com/skavis/scansync/internal/crypto"
	"github.com/skavis/scansync/internal/eventbus"
	"github.com/skavis/scansync/internal/logger"
	"github.com/skavis/scansync/internal/metrics"
	"github.com/skavis/scansync/internal/notifier"
	"github.com/skavis/scansync/internal/services"
	"github.com/skavis/scansync/internal/store"
)

type RESTServer struct {
	router     *gin.Engine
	httpServer *http.Server
	db         *sql.DB
	eventBus   eventbus.Publisher
	store      *store.Store
	syncer     *services.Syncer
	dispatcher *services.Dispatcher
	downloader *services.Downloader
	monitor    *connectivity.Monitor
	reconciler *services.Reconciler
	notifier   *notifier.Notifier
	metrics    *metrics.MetricsService
	hub        *WebSocketHub
	startTime  time.Time
}

// ServerDeps contains all dependencies required for the REST server
type ServerDeps struct {
	DB         *sql.DB
	EventBus   eventbus.Publisher
	Store      *store.Store
	Syncer     *services.Syncer
	Dispatcher *services.Dispatcher
	Downloader *services.Downloader
	Monitor    *connectivity.Monitor
	Reconciler *services.Reconciler
	Notifier   *notifier.Notifier
	Metrics    *metrics.MetricsService
}

func NewRESTServer(deps ServerDeps) *RESTServer {
	// Release mode suppresses gin's debug warnings
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	// Request ID middleware for correlation/tracing
	r.Use(func(c *gin.Context) {
		reqID := c.GetHeader("X-Request-ID")
		if reqID == "" {
			reqID = fmt.Sprintf("%d-%d", time.Now().UnixNano(), c.Request.ContentLength)
		}
		c.Set("request_id", reqID)
		c.Header("X-Request-ID", reqID)
		c.Next()
	})

	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		reqID := c.GetString("request_id")
		logger.Errorf("[PANIC RECOVERY] request_id=%s path=%s method=%s error=%v",
			reqID, c.Request.URL.Path, c.Request.Method, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"error":      "Internal server error",
			"request_id": reqID,
		})
	}))

	// CORS middleware - configurable via SCANSYNC_CORS_ORIGIN env var.
	// If not set, no CORS header is emitted and the browser enforces
	// same-origin. Set to "*" only for development.
	corsOrigins := os.Getenv("SCANSYNC_CORS_ORIGIN")
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	r.Use(func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		if corsOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else if origin != "" && allowedOrigins[origin] {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Vary", "Origin")
		}

		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	s := &RESTServer{
		router:     r,
		db:         deps.DB,
		eventBus:   deps.EventBus,
		store:      deps.Store,
		syncer:     deps.Syncer,
		dispatcher: deps.Dispatcher,
		downloader: deps.Downloader,
		monitor:    deps.Monitor,
		reconciler: deps.Reconciler,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		hub:        NewWebSocketHub(deps.EventBus, deps.Store),
		startTime:  time.Now(),
	}

	s.setupRoutes()

	return s
}

func (s *RESTServer) setupRoutes() {
	// Root-level metrics endpoint so Prometheus can scrape without auth
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := s.router.Group("/api")
	{
		// Health check endpoint (no authentication required)
		api.GET("/health", s.handleHealth)

		// System info endpoint (no authentication required - useful for debugging)
		api.GET("/system/info", s.handleSystemInfo)

		// Public auth endpoints with rate limiting
		api.POST("/auth/setup", SetupLimiter.Middleware(), s.handleAuthSetup)
		api.POST("/auth/login", LoginLimiter.Middleware(), s.handleLogin)
		api.GET("/auth/status", s.handleAuthStatus)

		// Protected endpoints (require the API key)
		protected := api.Group("")
		protected.Use(s.authMiddleware(), APILimiter.Middleware())
		{
			// Auth management
			protected.GET("/auth/key", s.getAPIKey)
			protected.POST("/auth/regenerate", s.regenerateAPIKey)
			protected.POST("/auth/password", s.changePassword)

			// Scans
			protected.GET("/scans", s.listScans)
			protected.GET("/scans/:scan_id", s.getScan)
			protected.GET("/scans/:scan_id/events", s.getScanEvents)
			protected.POST("/scans/:scan_id/retry", s.retryScan)
			protected.POST("/scans/:scan_id/sync", s.syncScan)
			protected.POST("/scans/:scan_id/download", s.startDownload)

			// Sync control
			protected.POST("/sync", s.triggerSync)
			protected.GET("/sync/state", s.getSyncState)
			protected.PUT("/sync/auto", s.setAutoSync)
			protected.POST("/reconcile", s.triggerReconcile)

			// Connectivity
			protected.GET("/connectivity", s.getConnectivity)
			protected.POST("/connectivity/check", s.checkConnectivity)

			// Downloads
			protected.GET("/downloads", s.listDownloads)
			protected.GET("/downloads/:session_id", s.getDownload)
			protected.DELETE("/downloads/:session_id", s.cancelDownload)

			// Notification channels
			protected.GET("/config/notifications", s.getNotificationChannels)
			protected.PUT("/config/notifications", s.updateNotificationChannels)
			protected.POST("/config/notifications/test", s.testNotification)
			protected.GET("/config/notifications/events", s.getNotificationEvents)

			// Logs
			protected.GET("/logs/recent", s.handleRecentLogs)
			protected.GET("/logs/download", s.handleDownloadLogs)

			// System
			protected.POST("/system/restart", s.restartServer)

			protected.GET("/ws", func(c *gin.Context) {
				s.hub.HandleConnection(c)
			})
		}
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
	})
}

func (s *RESTServer) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *RESTServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *RESTServer) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("X-API-Key")
		if token == "" {
			token = c.GetHeader("Authorization")
			if len(token) > 7 && token[:7] == "Bearer " {
				token = token[7:]
			}
		}

		// Also check query parameter (for WebSocket connections)
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "No authentication token provided"})
			c.Abort()
			return
		}

		var encryptedKey string
		err := s.db.QueryRow("SELECT value FROM settings WHERE key = 'api_key'").Scan(&encryptedKey)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": ErrMsgAuthenticationError})
			c.Abort()
			return
		}

		storedKey, err := crypto.Decrypt(encryptedKey)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": ErrMsgAuthenticationError})
			c.Abort()
			return
		}

		// Constant-time comparison to prevent timing attacks
		if subtle.ConstantTimeCompare([]byte(token), []byte(storedKey)) != 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
			c.Abort()
			return
		}

		c.Next()
	}
}
