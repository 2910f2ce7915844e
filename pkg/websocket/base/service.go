package base

import (
	"context"
	"time"

	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/websocket/performance"
	"github.com/backtesting-org/pikerd/pkg/websocket/security"
)

type Config struct {
	MaxMessageSize    int
	RateLimitCapacity int
	RateLimitRefill   time.Duration
	// SlowThreshold logs frames whose handling takes longer. Zero disables.
	SlowThreshold time.Duration
	// Metrics is usually shared with the stream's connection, which counts
	// received frames. The pipeline records processed and dropped ones.
	Metrics performance.Metrics
}

// DefaultConfig suits a single broker quote stream.
func DefaultConfig() Config {
	return Config{
		MaxMessageSize:    2 * 1024 * 1024,
		RateLimitCapacity: 2000,
		RateLimitRefill:   time.Second,
		SlowThreshold:     10 * time.Millisecond,
	}
}

// Pipeline guards a frame handler with rate limiting and validation and
// records processing metrics.
type Pipeline struct {
	config      Config
	logger      logging.ApplicationLogger
	rateLimiter security.RateLimiter
	validator   security.MessageValidator
	metrics     performance.Metrics
	registry    *HandlerRegistry
}

func NewPipeline(config Config, registry *HandlerRegistry, logger logging.ApplicationLogger) *Pipeline {
	if config.Metrics == nil {
		config.Metrics = performance.NewMetrics("", nil)
	}
	return &Pipeline{
		config:      config,
		logger:      logger,
		rateLimiter: security.NewRateLimiter(config.RateLimitCapacity, config.RateLimitRefill),
		validator: security.NewMessageValidator(security.ValidationConfig{
			MaxMessageSize: config.MaxMessageSize,
		}),
		metrics:  config.Metrics,
		registry: registry,
	}
}

// ProcessMessage drops frames over the rate limit or failing validation
// and routes the rest.
func (p *Pipeline) ProcessMessage(ctx context.Context, message []byte) error {
	start := time.Now()

	if !p.rateLimiter.Allow() {
		p.metrics.IncrementDropped()
		p.logger.Warn("Message rate limit exceeded, dropping message")
		return nil
	}

	if err := p.validator.ValidateMessage(message); err != nil {
		p.metrics.IncrementDropped()
		p.logger.Warn("Message validation failed: %v", err)
		return nil
	}

	err := p.registry.RouteMessage(ctx, message)

	latency := time.Since(start)
	p.metrics.IncrementProcessed(latency)
	if p.config.SlowThreshold > 0 && latency > p.config.SlowThreshold {
		p.logger.Debug("Slow message processing: %v", latency)
	}
	return err
}

// Handler returns ProcessMessage bound to ctx, in the shape a
// connection.Session expects.
func (p *Pipeline) Handler(ctx context.Context) func([]byte) error {
	return func(message []byte) error {
		return p.ProcessMessage(ctx, message)
	}
}

func (p *Pipeline) GetMetrics() map[string]interface{} {
	return p.metrics.GetStats()
}
