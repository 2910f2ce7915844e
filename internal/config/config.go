package config

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config represents the daemon and CLI configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Brokers  BrokersConfig  `mapstructure:"brokers"`
}

// ServerConfig represents the pikerd API server configuration
type ServerConfig struct {
	Host            string `mapstructure:"host" validate:"required"`
	Port            int    `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     int    `mapstructure:"read_timeout" validate:"min=0"`  // seconds
	WriteTimeout    int    `mapstructure:"write_timeout" validate:"min=0"` // seconds, 0 for streaming
	CORSAllowOrigin string `mapstructure:"cors_allow_origin"`
}

// Addr is the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// URL is the base http url clients use to reach the daemon.
func (s ServerConfig) URL() string {
	host := s.Host
	if host == "0.0.0.0" || host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("http://%s:%d", host, s.Port)
}

// DatabaseConfig represents bar history and ledger storage. An empty
// connection string keeps everything in memory.
type DatabaseConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
	MaxOpenConns     int    `mapstructure:"max_open_conns" validate:"min=1"`
	MaxIdleConns     int    `mapstructure:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime  int    `mapstructure:"conn_max_lifetime" validate:"min=0"` // in minutes
}

// Enabled reports whether a database is configured.
func (d DatabaseConfig) Enabled() bool {
	return d.ConnectionString != ""
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=json console"`
	OutputPath string `mapstructure:"output_path" validate:"required"`
}

// FeedConfig holds feed bus defaults.
type FeedConfig struct {
	DefaultBroker string  `mapstructure:"default_broker" validate:"required"`
	TickThrottle  float64 `mapstructure:"tick_throttle" validate:"min=0"`
	BufferSize    int     `mapstructure:"buffer_size" validate:"min=2"`
}

// BrokersConfig locates broker credentials and the watchlists file.
type BrokersConfig struct {
	ConfigDir string   `mapstructure:"config_dir"`
	Enabled   []string `mapstructure:"enabled" validate:"dive,oneof=kraken deribit questrade"`
}

// LoadConfig loads configuration from the environment and an optional
// .env file
func LoadConfig() (*Config, error) {
	// Load .env file if it exists (ignore errors if file doesn't exist)
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PIKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 6116)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.cors_allow_origin", "*")

	v.SetDefault("database.connection_string", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", 5)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.output_path", "stderr")

	v.SetDefault("feed.default_broker", "kraken")
	v.SetDefault("feed.tick_throttle", 0)
	v.SetDefault("feed.buffer_size", 4096)

	v.SetDefault("brokers.config_dir", "")
	v.SetDefault("brokers.enabled", []string{"kraken", "deribit", "questrade"})
}

var validate = validator.New()

func validateConfig(config *Config) error {
	if err := validate.Struct(config); err != nil {
		return err
	}
	if config.Database.MaxIdleConns > config.Database.MaxOpenConns {
		return fmt.Errorf("max_idle_conns (%d) exceeds max_open_conns (%d)",
			config.Database.MaxIdleConns, config.Database.MaxOpenConns)
	}
	return nil
}
