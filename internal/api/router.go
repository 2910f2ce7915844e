package api

import (
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/backtesting-org/pikerd/internal/api/handlers"
	"github.com/backtesting-org/pikerd/internal/api/websocket"
	"github.com/backtesting-org/pikerd/pkg/temporal"
)

// Version is reported by /health.
const Version = "0.1.0"

// SetupRouter sets up the API router
func SetupRouter(
	marketHandler *handlers.MarketHandler,
	wsHandler *websocket.Handler,
	logger *zap.Logger,
	corsAllowOrigin string,
	timeProvider temporal.TimeProvider,
	registry *prometheus.Registry,
) *gin.Engine {
	// Set Gin mode
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()

	// Middleware
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(logger, timeProvider))
	router.Use(cors.New(corsConfig(corsAllowOrigin)))

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "ok",
			"service": "pikerd",
			"version": Version,
		})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	// WebSocket streams
	ws := router.Group("/ws")
	{
		ws.GET("/feed", wsHandler.HandleFeed)
		ws.GET("/index", wsHandler.HandleIndex)
		ws.GET("/trades/:broker", wsHandler.HandleTrades)
	}

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		v1.GET("/brokers", marketHandler.ListBrokers)
		v1.GET("/feeds", marketHandler.ListFeeds)
		v1.GET("/search/:broker", marketHandler.Search)
		v1.GET("/bars/:broker/:symbol", marketHandler.GetBars)
	}

	return router
}

func corsConfig(allowOrigin string) cors.Config {
	config := cors.Config{
		AllowMethods:     []string{"GET", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowOrigin == "" || allowOrigin == "*" {
		config.AllowAllOrigins = true
		config.AllowCredentials = false
	} else {
		config.AllowOrigins = []string{allowOrigin}
	}
	return config
}

// LoggerMiddleware creates a Gin middleware for logging
func LoggerMiddleware(logger *zap.Logger, timeProvider temporal.TimeProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := timeProvider.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		latency := timeProvider.Since(start)

		if len(c.Errors) > 0 {
			for _, e := range c.Errors.Errors() {
				logger.Error("Request error", zap.String("error", e))
			}
			return
		}
		logger.Info("Request",
			zap.Int("status", c.Writer.Status()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.String("ip", c.ClientIP()),
			zap.Duration("latency", latency),
		)
	}
}
