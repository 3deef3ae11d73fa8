package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
)

// Provider identifiers known to the engine.
const (
	ProviderOpenAI      = "openai"
	ProviderOpenRouter  = "openrouter"
	ProviderHuggingFace = "huggingface"
	ProviderClaudeAI    = "claudeai"
	ProviderClaudeCode  = "claude-code"
)

// Default polling intervals.
const (
	DefaultRemoteInterval = 5 * time.Minute
	DefaultLocalInterval  = 30 * time.Second
)

// Config holds all spendwatch configuration.
type Config struct {
	General   GeneralConfig             `mapstructure:"general" toml:"general"`
	Providers map[string]ProviderConfig `mapstructure:"providers" toml:"providers"`
	Budget    BudgetConfig              `mapstructure:"budget" toml:"budget"`
	Dedup     DedupConfig               `mapstructure:"dedup" toml:"dedup"`
	Redis     RedisConfig               `mapstructure:"redis" toml:"redis"`
	Daemon    DaemonConfig              `mapstructure:"daemon" toml:"daemon"`
	Logging   LoggingConfig             `mapstructure:"logging" toml:"logging"`
	Pricing   PricingConfig             `mapstructure:"pricing" toml:"pricing"`
}

// GeneralConfig holds filesystem locations.
type GeneralConfig struct {
	DataDir   string `mapstructure:"data_dir" toml:"data_dir,omitempty"`
	ClaudeDir string `mapstructure:"claude_dir" toml:"claude_dir,omitempty"`
	EnvFile   string `mapstructure:"env_file" toml:"env_file,omitempty"`
}

// ProviderConfig holds per-provider polling settings.
type ProviderConfig struct {
	Enabled      bool   `mapstructure:"enabled" toml:"enabled"`
	Interval     string `mapstructure:"interval" toml:"interval,omitempty"`
	BaseURL      string `mapstructure:"base_url" toml:"base_url,omitempty"`
	BackfillDays int    `mapstructure:"backfill_days" toml:"backfill_days,omitempty"`
}

// BudgetConfig holds the subscription plan used for predictions.
type BudgetConfig struct {
	Plan              string  `mapstructure:"plan" toml:"plan"`
	SessionTokenLimit int64   `mapstructure:"session_token_limit" toml:"session_token_limit,omitempty"`
	MonthlyUSD        float64 `mapstructure:"monthly_usd" toml:"monthly_usd,omitempty"`
}

// DedupConfig controls identity retention and the accept backend.
type DedupConfig struct {
	Retention     string `mapstructure:"retention" toml:"retention"`
	RestoreWindow string `mapstructure:"restore_window" toml:"restore_window"`
	Backend       string `mapstructure:"backend" toml:"backend"`
}

// RedisConfig configures the optional Redis dedup backend.
type RedisConfig struct {
	Addr        string `mapstructure:"addr" toml:"addr,omitempty"`
	Password    string `mapstructure:"password" toml:"password,omitempty"`
	DB          int    `mapstructure:"db" toml:"db,omitempty"`
	KeyPrefix   string `mapstructure:"key_prefix" toml:"key_prefix,omitempty"`
	DialTimeout string `mapstructure:"dial_timeout" toml:"dial_timeout,omitempty"`
}

// DaemonConfig controls the HTTP surface of the daemon.
type DaemonConfig struct {
	Addr          string `mapstructure:"addr" toml:"addr"`
	EventsBuffer  int    `mapstructure:"events_buffer" toml:"events_buffer"`
	PruneInterval string `mapstructure:"prune_interval" toml:"prune_interval"`
}

// LoggingConfig controls the zerolog output.
type LoggingConfig struct {
	Level      string `mapstructure:"level" toml:"level"`
	Format     string `mapstructure:"format" toml:"format"`
	File       string `mapstructure:"file" toml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" toml:"max_size_mb,omitempty"`
	MaxBackups int    `mapstructure:"max_backups" toml:"max_backups,omitempty"`
	MaxAgeDays int    `mapstructure:"max_age_days" toml:"max_age_days,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Providers: map[string]ProviderConfig{
			ProviderOpenAI:      {Enabled: true, Interval: "5m", BackfillDays: 7},
			ProviderOpenRouter:  {Enabled: true, Interval: "5m"},
			ProviderHuggingFace: {Enabled: true, Interval: "5m"},
			ProviderClaudeAI:    {Enabled: true, Interval: "5m"},
			ProviderClaudeCode:  {Enabled: true, Interval: "30s"},
		},
		Budget: BudgetConfig{Plan: "auto"},
		Dedup: DedupConfig{
			Retention:     "720h",
			RestoreWindow: "24h",
			Backend:       "memory",
		},
		Redis: RedisConfig{
			Addr:        "127.0.0.1:6379",
			KeyPrefix:   "spendwatch",
			DialTimeout: "5s",
		},
		Daemon: DaemonConfig{
			Addr:          "127.0.0.1:8787",
			EventsBuffer:  200,
			PruneInterval: "1h",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func setDefaults(v *viper.Viper) {
	def := DefaultConfig()

	for id, p := range def.Providers {
		v.SetDefault("providers."+id+".enabled", p.Enabled)
		v.SetDefault("providers."+id+".interval", p.Interval)
		v.SetDefault("providers."+id+".backfill_days", p.BackfillDays)
	}

	v.SetDefault("budget.plan", def.Budget.Plan)

	v.SetDefault("dedup.retention", def.Dedup.Retention)
	v.SetDefault("dedup.restore_window", def.Dedup.RestoreWindow)
	v.SetDefault("dedup.backend", def.Dedup.Backend)

	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.key_prefix", def.Redis.KeyPrefix)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)

	v.SetDefault("daemon.addr", def.Daemon.Addr)
	v.SetDefault("daemon.events_buffer", def.Daemon.EventsBuffer)
	v.SetDefault("daemon.prune_interval", def.Daemon.PruneInterval)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.max_size_mb", def.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", def.Logging.MaxBackups)
	v.SetDefault("logging.max_age_days", def.Logging.MaxAgeDays)
}

// ConfigDir returns the XDG-compliant config directory.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "spendwatch")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "spendwatch")
}

// ConfigPath returns the full path to the config file.
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.toml")
}

// Load reads the config file at path (ConfigPath when empty) and overlays
// SPENDWATCH_* environment variables. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigType("toml")
	v.SetEnvPrefix("SPENDWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	for id, p := range cfg.Providers {
		if p.Interval == "" {
			continue
		}
		d, err := time.ParseDuration(p.Interval)
		if err != nil {
			return fmt.Errorf("providers.%s.interval: %w", id, err)
		}
		if d < time.Second {
			return fmt.Errorf("providers.%s.interval must be at least 1s", id)
		}
	}
	switch cfg.Dedup.Backend {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("dedup.backend %q: want memory or redis", cfg.Dedup.Backend)
	}
	for name, s := range map[string]string{
		"dedup.retention":      cfg.Dedup.Retention,
		"dedup.restore_window": cfg.Dedup.RestoreWindow,
	} {
		if s == "" {
			continue
		}
		if _, err := time.ParseDuration(s); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if _, ok := planLimits[cfg.Budget.Plan]; !ok && cfg.Budget.Plan != "" && cfg.Budget.Plan != PlanAuto && cfg.Budget.Plan != PlanCustom {
		return fmt.Errorf("budget.plan %q is not a known plan", cfg.Budget.Plan)
	}
	if cfg.Budget.Plan == PlanCustom && cfg.Budget.SessionTokenLimit <= 0 {
		return errors.New("budget.session_token_limit must be set for the custom plan")
	}
	return nil
}

// Save writes the config to disk.
func Save(cfg Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	f, err := os.OpenFile(ConfigPath(), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// Exists returns true if a config file exists on disk.
func Exists() bool {
	_, err := os.Stat(ConfigPath())
	return err == nil
}

// ParseDuration parses s, returning fallback when s is empty or invalid.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// IntervalFor returns the polling interval of a provider, falling back to the
// remote or local default.
func (c *Config) IntervalFor(id string) time.Duration {
	fallback := DefaultRemoteInterval
	if id == ProviderClaudeCode {
		fallback = DefaultLocalInterval
	}
	return ParseDuration(c.Providers[id].Interval, fallback)
}

// ProviderEnabled reports whether a provider should be scheduled at all.
func (c *Config) ProviderEnabled(id string) bool {
	p, ok := c.Providers[id]
	return !ok || p.Enabled
}

// DataDir returns the directory holding the database and daemon state.
func (c *Config) DataDir() string {
	if c.General.DataDir != "" {
		return c.General.DataDir
	}
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "spendwatch")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cache", "spendwatch")
}

// DBPath returns the SQLite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir(), "spendwatch.db")
}

// ClaudeDir returns the Claude Code data directory.
func (c *Config) ClaudeDir() string {
	if c.General.ClaudeDir != "" {
		return c.General.ClaudeDir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".claude")
}

// EnvFile returns the optional credentials file.
func (c *Config) EnvFile() string {
	if c.General.EnvFile != "" {
		return c.General.EnvFile
	}
	return filepath.Join(ConfigDir(), ".env")
}
