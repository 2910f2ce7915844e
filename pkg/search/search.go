package search

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/backtesting-org/pikerd/pkg/logging"
)

// DefaultPausePeriod spaces consecutive queries to one provider.
const DefaultPausePeriod = 61600 * time.Microsecond

// Results maps a symbol key to whatever the provider knows about it.
type Results map[string]map[string]interface{}

// Routine runs one symbol search against a provider.
type Routine func(ctx context.Context, pattern string) (Results, error)

type provider struct {
	routine Routine
	limiter *rate.Limiter
}

// Registry is the set of providers a pattern search fans out to.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*provider
	logger    logging.ApplicationLogger
}

// NewRegistry creates a new search registry
func NewRegistry(logger logging.ApplicationLogger) *Registry {
	return &Registry{
		providers: make(map[string]*provider),
		logger:    logger,
	}
}

// Register installs a provider. A zero pause uses DefaultPausePeriod. The
// returned func removes it again.
func (r *Registry) Register(name string, routine Routine, pause time.Duration) func() {
	if pause <= 0 {
		pause = DefaultPausePeriod
	}
	p := &provider{
		routine: routine,
		limiter: rate.NewLimiter(rate.Every(pause), 1),
	}

	r.mu.Lock()
	r.providers[name] = p
	r.mu.Unlock()
	r.logger.Debug("Registered search provider %s (pause %s)", name, pause)

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.providers[name] == p {
			delete(r.providers, name)
		}
	}
}

// Providers lists registered provider names.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for n := range r.providers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Search queries the named providers, or all of them, concurrently.
// A provider that fails is logged and left out of the results.
func (r *Registry) Search(ctx context.Context, pattern string, names ...string) (map[string]Results, error) {
	if len(names) == 0 {
		names = r.Providers()
	}

	r.mu.RLock()
	targets := make(map[string]*provider, len(names))
	for _, n := range names {
		p, ok := r.providers[n]
		if !ok {
			r.mu.RUnlock()
			return nil, fmt.Errorf("no search provider registered for %s", n)
		}
		targets[n] = p
	}
	r.mu.RUnlock()

	var (
		mu  sync.Mutex
		out = make(map[string]Results, len(targets))
	)
	g, gctx := errgroup.WithContext(ctx)
	for name, p := range targets {
		name, p := name, p
		g.Go(func() error {
			if err := p.limiter.Wait(gctx); err != nil {
				return err
			}
			res, err := p.routine(gctx, pattern)
			if err != nil {
				r.logger.Warn("Search provider %s failed for %q: %v", name, pattern, err)
				return nil
			}
			mu.Lock()
			out[name] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
