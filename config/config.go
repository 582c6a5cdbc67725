package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvListenAddress = "MARKETD_LISTEN_ADDRESS"
	EnvDataDir       = "MARKETD_DATA_DIR"
	EnvHMACSecret    = "MARKETD_HMAC_SECRET"
)

type TokenConfig struct {
	Address  string `toml:"Address" yaml:"address"`
	Name     string `toml:"Name" yaml:"name"`
	Symbol   string `toml:"Symbol" yaml:"symbol"`
	Decimals uint8  `toml:"Decimals" yaml:"decimals"`
}

type AuthConfig struct {
	Enabled          bool   `toml:"Enabled" yaml:"enabled"`
	HMACSecret       string `toml:"HMACSecret" yaml:"hmacSecret"`
	Issuer           string `toml:"Issuer" yaml:"issuer"`
	Audience         string `toml:"Audience" yaml:"audience"`
	ClockSkewSeconds int    `toml:"ClockSkewSeconds" yaml:"clockSkewSeconds"`
}

// ClockSkew returns the tolerated token clock drift.
func (a AuthConfig) ClockSkew() time.Duration {
	return time.Duration(a.ClockSkewSeconds) * time.Second
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `toml:"RequestsPerMinute" yaml:"requestsPerMinute"`
	Burst             int     `toml:"Burst" yaml:"burst"`
}

type ObservabilityConfig struct {
	ServiceName  string `toml:"ServiceName" yaml:"serviceName"`
	LogLevel     string `toml:"LogLevel" yaml:"logLevel"`
	Metrics      bool   `toml:"Metrics" yaml:"metrics"`
	Tracing      bool   `toml:"Tracing" yaml:"tracing"`
	LogRequests  bool   `toml:"LogRequests" yaml:"logRequests"`
	OTLPEndpoint string `toml:"OTLPEndpoint" yaml:"otlpEndpoint"`
	OTLPInsecure bool   `toml:"OTLPInsecure" yaml:"otlpInsecure"`
	OTLPHeaders  string `toml:"OTLPHeaders" yaml:"otlpHeaders"`
}

// Config is the marketd daemon configuration.
type Config struct {
	ListenAddress          string              `toml:"ListenAddress" yaml:"listenAddress"`
	Environment            string              `toml:"Environment" yaml:"environment"`
	DataDir                string              `toml:"DataDir" yaml:"dataDir"`
	JournalPath            string              `toml:"JournalPath" yaml:"journalPath"`
	ShutdownTimeoutSeconds int                 `toml:"ShutdownTimeoutSeconds" yaml:"shutdownTimeoutSeconds"`
	CustodyAddress         string              `toml:"CustodyAddress" yaml:"custodyAddress"`
	Admins                 []string            `toml:"Admins" yaml:"admins"`
	DisputeResolvers       []string            `toml:"DisputeResolvers" yaml:"disputeResolvers"`
	Tokens                 []TokenConfig       `toml:"Tokens" yaml:"tokens"`
	PausedModules          []string            `toml:"PausedModules" yaml:"pausedModules"`
	Auth                   AuthConfig          `toml:"Auth" yaml:"auth"`
	RateLimit              RateLimitConfig     `toml:"RateLimit" yaml:"rateLimit"`
	Observability          ObservabilityConfig `toml:"Observability" yaml:"observability"`
}

// ShutdownTimeout returns how long in-flight requests may drain on shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// Default returns the configuration written when no file exists.
func Default() *Config {
	return &Config{
		ListenAddress:          ":8080",
		Environment:            "local",
		DataDir:                "./market-data",
		JournalPath:            "./market-data/journal.db",
		ShutdownTimeoutSeconds: 10,
		CustodyAddress:         "0x000000000000000000000000000000000000e5c0",
		Admins:                 []string{},
		DisputeResolvers:       []string{},
		Tokens: []TokenConfig{{
			Address:  "0x0000000000000000000000000000000000000a11",
			Name:     "Market Token",
			Symbol:   "MKT",
			Decimals: 18,
		}},
		PausedModules: []string{},
		Auth: AuthConfig{
			Enabled:          false,
			ClockSkewSeconds: 120,
		},
		RateLimit: RateLimitConfig{RequestsPerMinute: 600, Burst: 50},
		Observability: ObservabilityConfig{
			ServiceName: "marketd",
			LogLevel:    "info",
			Metrics:     true,
			LogRequests: true,
		},
	}
}

// Load reads the configuration at path. YAML is selected by a .yaml or .yml
// extension, TOML otherwise. A missing file is created with defaults; an
// empty path yields the defaults without touching disk. Environment
// overrides are applied before validation.
func Load(path string) (*Config, error) {
	return load(path, os.LookupEnv)
}

func load(path string, lookup func(string) (string, bool)) (*Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path != "" {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if err := persist(path, cfg); err != nil {
				return nil, fmt.Errorf("write default config: %w", err)
			}
		} else if err != nil {
			return nil, err
		} else if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv(lookup)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	default:
		return false
	}
}

func decodeFile(path string, cfg *Config) error {
	if isYAML(path) {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("decode config %s: %w", path, err)
		}
		return nil
	}
	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config %s: unknown field %s", path, undecoded[0])
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if lookup == nil {
		return
	}
	if v, ok := lookup(EnvListenAddress); ok && strings.TrimSpace(v) != "" {
		c.ListenAddress = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvDataDir); ok {
		c.DataDir = strings.TrimSpace(v)
	}
	if v, ok := lookup(EnvHMACSecret); ok && v != "" {
		c.Auth.HMACSecret = v
	}
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Observability.ServiceName) == "" {
		c.Observability.ServiceName = "marketd"
	}
	if c.Auth.ClockSkewSeconds <= 0 {
		c.Auth.ClockSkewSeconds = 120
	}
	if c.ShutdownTimeoutSeconds <= 0 {
		c.ShutdownTimeoutSeconds = 10
	}
	if c.Admins == nil {
		c.Admins = []string{}
	}
	if c.DisputeResolvers == nil {
		c.DisputeResolvers = []string{}
	}
	if c.PausedModules == nil {
		c.PausedModules = []string{}
	}
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if isYAML(path) {
		enc := yaml.NewEncoder(f)
		defer enc.Close()
		return enc.Encode(cfg)
	}
	return toml.NewEncoder(f).Encode(cfg)
}
