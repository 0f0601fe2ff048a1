package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds application-wide configuration
type Config struct {
	REST    RESTConfig    `mapstructure:"rest"`
	Session SessionConfig `mapstructure:"session"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type RESTConfig struct {
	PG         PGConfig  `mapstructure:"pg"`
	TLS        TLSConfig `mapstructure:"tls"`
	ListenAddr string    `mapstructure:"listenAddr"`
	BaseURL    string    `mapstructure:"baseURL"`
}

// TLSConfig enables HTTPS for the REST listener. A self-signed pair is
// generated at the given paths when the files do not exist.
type TLSConfig struct {
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
	Enabled  bool   `mapstructure:"enabled"`
}

// PGConfig configures the persistence backend. When ConnString is empty
// kafdeck falls back to in-memory stores, which do not survive restarts.
type PGConfig struct {
	ConnString string `mapstructure:"connString"`
}

type SessionConfig struct {
	// DefaultPollTimeout bounds each consumer fetch when a session does
	// not specify its own.
	DefaultPollTimeout time.Duration `mapstructure:"defaultPollTimeout"`
	// HeartbeatWindow is how long a stream subscriber may go silent
	// before its channel is evicted.
	HeartbeatWindow time.Duration `mapstructure:"heartbeatWindow"`
	// SweepInterval is how often the liveness monitor scans for stale
	// subscribers.
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

type MetricsConfig struct {
	ListenAddr string `mapstructure:"listenAddr"`
	Enabled    bool   `mapstructure:"enabled"`
}

func DefaultConfig() *Config {
	return &Config{
		REST: RESTConfig{
			ListenAddr: ":8080",
		},
		Session: SessionConfig{
			DefaultPollTimeout: time.Second,
			HeartbeatWindow:    90 * time.Second,
			SweepInterval:      15 * time.Second,
		},
		Metrics: MetricsConfig{
			ListenAddr: ":9100",
			Enabled:    true,
		},
	}
}

// Load reads config from file or environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("kafdeck")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("KAFDECK")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		fmt.Println("Using config file:", v.ConfigFileUsed())
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	applyDefaults(cfg)

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.REST.ListenAddr == "" {
		cfg.REST.ListenAddr = def.REST.ListenAddr
	}
	if cfg.Session.DefaultPollTimeout <= 0 {
		cfg.Session.DefaultPollTimeout = def.Session.DefaultPollTimeout
	}
	if cfg.Session.HeartbeatWindow <= 0 {
		cfg.Session.HeartbeatWindow = def.Session.HeartbeatWindow
	}
	if cfg.Session.SweepInterval <= 0 {
		cfg.Session.SweepInterval = def.Session.SweepInterval
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = def.Metrics.ListenAddr
	}
}
