package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/backtesting-org/pikerd/internal/config"
)

// NewHTTPServer creates the daemon's http server. A zero write timeout
// keeps long lived websocket streams open.
func NewHTTPServer(cfg *config.Config, router *gin.Engine) *http.Server {
	return &http.Server{
		Addr:              cfg.Server.Addr(),
		Handler:           router,
		ReadHeaderTimeout: time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:      time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}
}
