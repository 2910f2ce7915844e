package brokers

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/backtesting-org/pikerd/pkg/logging"
	"github.com/backtesting-org/pikerd/pkg/metrics"
	"github.com/backtesting-org/pikerd/pkg/pp"
	"github.com/backtesting-org/pikerd/pkg/temporal"
)

// ConfigStore is the per-broker section view of the user's broker config
// file.
type ConfigStore interface {
	Section(name string) map[string]string
	Write(name string, values map[string]string) error
	Reload() error
}

// Deps is everything a backend factory may need.
type Deps struct {
	Config     ConfigStore
	Ledger     pp.LedgerStore
	Logger     logging.ApplicationLogger
	Time       temporal.TimeProvider
	Metrics    *metrics.Metrics
	HTTPClient *http.Client

	// Prompt asks the user for a value on the terminal.
	Prompt func(msg string) (string, error)
}

// Factory builds a backend from its dependencies.
type Factory func(deps Deps) (Backend, error)

// Registry maps broker names to lazily constructed backends.
type Registry struct {
	mu        sync.Mutex
	factories map[string]Factory
	backends  map[string]Backend
	deps      Deps
}

// NewRegistry creates a new broker registry
func NewRegistry(deps Deps) *Registry {
	if deps.Logger == nil {
		deps.Logger = logging.NewNoOpLogger()
	}
	if deps.Time == nil {
		deps.Time = temporal.NewLiveTimeProvider()
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if deps.Ledger == nil {
		deps.Ledger = pp.NewMemoryLedger()
	}
	if deps.Config == nil {
		deps.Config = NewStaticConfig(nil)
	}
	if deps.Prompt == nil {
		deps.Prompt = StdinPrompt
	}
	return &Registry{
		factories: make(map[string]Factory),
		backends:  make(map[string]Backend),
		deps:      deps,
	}
}

// Register adds a backend factory under name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get returns the backend for name, building it on first use.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.backends[name]; ok {
		return b, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBroker, name)
	}
	b, err := f(r.deps)
	if err != nil {
		return nil, fmt.Errorf("init %s backend: %w", name, err)
	}
	r.backends[name] = b
	return b, nil
}

// Names lists every registered broker.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// StdinPrompt prints msg and reads one line from standard input.
func StdinPrompt(msg string) (string, error) {
	fmt.Fprint(os.Stderr, msg)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// StaticConfig is an in-memory ConfigStore.
type StaticConfig struct {
	mu       sync.RWMutex
	sections map[string]map[string]string
}

// NewStaticConfig creates a new in-memory config store
func NewStaticConfig(sections map[string]map[string]string) *StaticConfig {
	if sections == nil {
		sections = make(map[string]map[string]string)
	}
	return &StaticConfig{sections: sections}
}

func (c *StaticConfig) Section(name string) map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.sections[name]))
	for k, v := range c.sections[name] {
		out[k] = v
	}
	return out
}

func (c *StaticConfig) Write(name string, values map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	section := make(map[string]string, len(values))
	for k, v := range values {
		section[k] = v
	}
	c.sections[name] = section
	return nil
}

func (c *StaticConfig) Reload() error {
	return nil
}
