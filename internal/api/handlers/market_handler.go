package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/backtesting-org/pikerd/pkg/brokers"
	"github.com/backtesting-org/pikerd/pkg/feed"
	"github.com/backtesting-org/pikerd/pkg/ohlc"
)

// MarketHandler serves broker, feed, search and bar queries against the
// feed service.
type MarketHandler struct {
	svc    *feed.Service
	logger *zap.Logger
}

// NewMarketHandler creates a new market handler
func NewMarketHandler(svc *feed.Service, logger *zap.Logger) *MarketHandler {
	return &MarketHandler{
		svc:    svc,
		logger: logger,
	}
}

// ListBrokers lists the enabled brokers
// GET /api/v1/brokers
func (h *MarketHandler) ListBrokers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"brokers": h.svc.Brokers().Names()})
}

// ListFeeds lists the allocated real-time feeds and their subscriber counts
// GET /api/v1/feeds
func (h *MarketHandler) ListFeeds(c *gin.Context) {
	feeds := h.svc.Feeds()
	if feeds == nil {
		feeds = []feed.FeedInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"feeds": feeds})
}

// Search runs a symbol search on one broker, or every enabled broker when
// broker is "all"
// GET /api/v1/search/:broker?pattern=
func (h *MarketHandler) Search(c *gin.Context) {
	broker := c.Param("broker")
	pattern := c.Query("pattern")
	if pattern == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pattern is required"})
		return
	}

	var names []string
	if broker == "all" {
		names = h.svc.Brokers().Names()
	} else {
		names = []string{broker}
	}
	for _, name := range names {
		if err := h.svc.InstallSearch(name); err != nil {
			h.logger.Warn("Search unavailable", zap.String("broker", name), zap.Error(err))
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
	}

	results, err := h.svc.Search().Search(c.Request.Context(), pattern, names...)
	if err != nil {
		h.logger.Error("Symbol search failed", zap.String("pattern", pattern), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// GetBars returns the newest bars of a live feed's buffer
// GET /api/v1/bars/:broker/:symbol?count=
func (h *MarketHandler) GetBars(c *gin.Context) {
	broker, symbol := c.Param("broker"), c.Param("symbol")
	count := 0
	if v := c.Query("count"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid count"})
			return
		}
		count = n
	}

	bars, err := h.svc.Bars(broker, symbol, count)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"bars": bars})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, brokers.ErrUnknownBroker), errors.Is(err, ohlc.ErrUnknownToken):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
