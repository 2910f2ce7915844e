package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

const (
	appName         = "piker"
	brokersFileName = "brokers.toml"
	watchlistsFile  = "watchlists.json"
)

// DefaultConfigDir is the per user piker config directory.
func DefaultConfigDir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate user config dir: %w", err)
	}
	return filepath.Join(dir, appName), nil
}

// ResolveConfigDir returns dir or the default when dir is empty.
func ResolveConfigDir(dir string) (string, error) {
	if dir != "" {
		return dir, nil
	}
	return DefaultConfigDir()
}

// WatchlistsPath is where the watchlists file lives inside dir.
func WatchlistsPath(dir string) string {
	return filepath.Join(dir, watchlistsFile)
}

// BrokerConfig is the brokers.toml credentials file, one table per
// broker. Backends may write their section back, e.g. refreshed oauth
// tokens.
type BrokerConfig struct {
	mu   sync.RWMutex
	path string
	v    *viper.Viper
}

// NewBrokerConfig creates a new broker config over dir/brokers.toml,
// creating an empty file if none exists
func NewBrokerConfig(dir string) (*BrokerConfig, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	path := filepath.Join(dir, brokersFileName)
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(path, nil, 0o600); err != nil {
			return nil, fmt.Errorf("create %s: %w", path, err)
		}
	}

	bc := &BrokerConfig{path: path}
	if err := bc.Reload(); err != nil {
		return nil, err
	}
	return bc, nil
}

// Path is the backing file.
func (bc *BrokerConfig) Path() string {
	return bc.path
}

func (bc *BrokerConfig) load() (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(bc.path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read %s: %w", bc.path, err)
	}
	return v, nil
}

// Reload rereads the file, picking up writes from other processes.
func (bc *BrokerConfig) Reload() error {
	v, err := bc.load()
	if err != nil {
		return err
	}
	bc.mu.Lock()
	bc.v = v
	bc.mu.Unlock()
	return nil
}

// Section returns a copy of the broker's table. Keys are lower cased.
func (bc *BrokerConfig) Section(name string) map[string]string {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	return bc.v.GetStringMapString(name)
}

// Sections lists the brokers with a table in the file.
func (bc *BrokerConfig) Sections() []string {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	var out []string
	for key, val := range bc.v.AllSettings() {
		if _, ok := val.(map[string]interface{}); ok {
			out = append(out, key)
		}
	}
	return out
}

// Write merges values into the broker's table and saves the file.
func (bc *BrokerConfig) Write(name string, values map[string]string) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	// start from disk so a stale in-memory copy can't clobber other tables
	v, err := bc.load()
	if err != nil {
		return err
	}
	section := make(map[string]interface{}, len(values))
	for k, val := range values {
		section[k] = val
	}
	v.Set(name, section)
	if err := v.WriteConfigAs(bc.path); err != nil {
		return fmt.Errorf("write %s: %w", bc.path, err)
	}

	fresh, err := bc.load()
	if err != nil {
		return err
	}
	bc.v = fresh
	return nil
}
