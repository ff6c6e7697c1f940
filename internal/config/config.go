package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "medchat"

// knownProviders get MEDCHAT_PROVIDERS_<NAME>_* variables even when the
// config file does not mention them.
var knownProviders = []string{"openai", "claude", "gemini"}

// Config represents runtime configuration for the client.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Gateway     GatewayConfig             `mapstructure:"gateway"`
	Attachments AttachmentConfig          `mapstructure:"attachments"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Databases   map[string]DatabaseConfig `mapstructure:"databases"`
	Redis       RedisConfig               `mapstructure:"redis"`
}

type BasicConfig struct {
	ServerAddress    string `mapstructure:"server_address"`
	DatabaseType     string `mapstructure:"database_type"`
	SignalDurationMS int    `mapstructure:"signal_duration_ms"`
}

// GatewayConfig selects how outgoing messages reach the assistant. Mode
// "http" posts to Endpoint; mode "provider" talks to an LLM provider directly.
type GatewayConfig struct {
	Mode           string `mapstructure:"mode"`
	Endpoint       string `mapstructure:"endpoint"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Provider       string `mapstructure:"provider"`
	Model          string `mapstructure:"model"`
	SystemPrompt   string `mapstructure:"system_prompt"`
}

type AttachmentConfig struct {
	BaseDir              string `mapstructure:"base_dir"`
	MaxBytes             int64  `mapstructure:"max_bytes"`
	TTLMinutes           int    `mapstructure:"ttl_minutes"`
	SweepIntervalMinutes int    `mapstructure:"sweep_interval_minutes"`
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"db_name"`
	Params   string `mapstructure:"params"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("basic_config.server_address", "127.0.0.1:8090")
	v.SetDefault("basic_config.database_type", "sqlite3")
	v.SetDefault("basic_config.signal_duration_ms", 1500)

	v.SetDefault("gateway.mode", "http")
	v.SetDefault("gateway.endpoint", "http://localhost:8000/chat")
	v.SetDefault("gateway.timeout_seconds", 30)
	v.SetDefault("gateway.provider", "openai")

	v.SetDefault("attachments.base_dir", filepath.Join(os.TempDir(), "medchat", "attachments"))
	v.SetDefault("attachments.max_bytes", 10<<20)
	v.SetDefault("attachments.ttl_minutes", 0)
	v.SetDefault("attachments.sweep_interval_minutes", 1)

	v.SetDefault("databases.sqlite3.dsn", "file:medchat_attachments?mode=memory&cache=shared")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)
}

// bindEnv registers keys without defaults; AutomaticEnv alone only
// overrides keys viper already knows about.
func bindEnv(v *viper.Viper) error {
	keys := []string{
		"gateway.model",
		"gateway.system_prompt",
		"redis.username",
		"redis.password",
		"redis.db",
	}
	for _, field := range []string{"dsn", "host", "port", "username", "password", "db_name", "params"} {
		keys = append(keys, "databases.mysql."+field)
	}
	for _, name := range knownProviders {
		for _, field := range []string{"base_url", "model", "api_key"} {
			keys = append(keys, "providers."+name+"."+field)
		}
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Load reads configuration from the provided path. An empty path falls back
// to config.json in the working directory when present, otherwise only
// defaults and MEDCHAT_* environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("json")
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}

	var cfgDir string
	if path != "" {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		v.SetConfigFile(absPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
		cfgDir = filepath.Dir(absPath)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfgDir != "" && !filepath.IsAbs(cfg.Attachments.BaseDir) {
		cfg.Attachments.BaseDir = filepath.Join(cfgDir, cfg.Attachments.BaseDir)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch strings.ToLower(c.Gateway.Mode) {
	case "http":
		if strings.TrimSpace(c.Gateway.Endpoint) == "" {
			return errors.New("gateway.endpoint must be configured")
		}
	case "provider":
		if _, ok := c.Providers[c.Gateway.Provider]; !ok {
			return fmt.Errorf("provider %q not configured", c.Gateway.Provider)
		}
	default:
		return fmt.Errorf("unsupported gateway mode: %s", c.Gateway.Mode)
	}
	if c.BasicConfig.SignalDurationMS <= 0 {
		return errors.New("basic_config.signal_duration_ms must be positive")
	}
	if c.Attachments.MaxBytes <= 0 {
		return errors.New("attachments.max_bytes must be positive")
	}
	return nil
}

// SignalDuration is how long the assistant activity signal stays raised.
func (c *Config) SignalDuration() time.Duration {
	return time.Duration(c.BasicConfig.SignalDurationMS) * time.Millisecond
}

// GatewayTimeout bounds a single assistant request; zero means no bound.
func (c *Config) GatewayTimeout() time.Duration {
	return time.Duration(c.Gateway.TimeoutSeconds) * time.Second
}

func (c *Config) AttachmentTTL() time.Duration {
	return time.Duration(c.Attachments.TTLMinutes) * time.Minute
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Attachments.SweepIntervalMinutes) * time.Minute
}

// Database returns the settings for the configured driver.
func (c *Config) Database() (string, DatabaseConfig, error) {
	driver := strings.ToLower(c.BasicConfig.DatabaseType)
	dbCfg, ok := c.Databases[driver]
	if !ok {
		return "", DatabaseConfig{}, fmt.Errorf("database config for %s not found", driver)
	}
	return driver, dbCfg, nil
}
