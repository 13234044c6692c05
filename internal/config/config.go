package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
// Values are read by viper from a config file or environment variables
// prefixed with KVCHAIN_, e.g. KVCHAIN_WEB_PORT.
type Config struct {
	LogLevel         string `mapstructure:"log_level"`
	BadgerDBPath     string `mapstructure:"badgerdb_path"`
	TelegramBotToken string `mapstructure:"telegram_bot_token"`

	Web          WebConfig          `mapstructure:"web"`
	ProofService ProofServiceConfig `mapstructure:"proof_service"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Chain        ChainConfig        `mapstructure:"chain"`
	Storage      StorageConfig      `mapstructure:"storage"`
}

type WebConfig struct {
	Listen string `mapstructure:"listen"`
	Port   int    `mapstructure:"port"`

	// RateLimit caps requests per second; 0 disables it.
	RateLimit float64 `mapstructure:"rate_limit"`

	// WriteTimeout bounds a whole request. 0 derives it from the proof
	// service and archive timeouts, see HTTPWriteTimeout.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr is the listen address in host:port form.
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Listen, w.Port)
}

// ProofServiceConfig points at the proof service. An empty URL authorizes
// every binding.
type ProofServiceConfig struct {
	URL       string        `mapstructure:"url"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	RateLimit float64       `mapstructure:"rate_limit"`
}

// ArchiveConfig points at the archive gateway. An empty URL disables
// archiving.
type ArchiveConfig struct {
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type ChainConfig struct {
	SerializeAppends bool `mapstructure:"serialize_appends"`
}

type StorageConfig struct {
	UniquePredecessor bool `mapstructure:"unique_predecessor"`
}

// writeTimeoutSlack is the share of an upload's time budget left for
// storage and response writing.
const writeTimeoutSlack = 10 * time.Second

// HTTPWriteTimeout is web.write_timeout when set. Otherwise it covers an
// upload that waits out both the proof service and the archive timeouts.
func (c Config) HTTPWriteTimeout() time.Duration {
	if c.Web.WriteTimeout > 0 {
		return c.Web.WriteTimeout
	}
	return c.ProofService.Timeout + c.Archive.Timeout + writeTimeoutSlack
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("badgerdb_path", "./badger_data")
	v.SetDefault("telegram_bot_token", "")
	v.SetDefault("web.listen", "0.0.0.0")
	v.SetDefault("web.port", 8000)
	v.SetDefault("web.rate_limit", 0)
	v.SetDefault("web.write_timeout", 0)
	v.SetDefault("proof_service.url", "")
	v.SetDefault("proof_service.timeout", 10*time.Second)
	v.SetDefault("proof_service.cache_ttl", 5*time.Minute)
	v.SetDefault("proof_service.rate_limit", 10)
	v.SetDefault("archive.url", "")
	v.SetDefault("archive.timeout", 30*time.Second)
	v.SetDefault("chain.serialize_appends", false)
	v.SetDefault("storage.unique_predecessor", false)
}

// LoadConfig reads config.yaml from path, then environment overrides.
// A missing file is not an error.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix("KVCHAIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err = v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err = v.Unmarshal(&config); err != nil {
		return Config{}, fmt.Errorf("unable to decode into struct: %w", err)
	}

	if config.BadgerDBPath == "" {
		return Config{}, fmt.Errorf("badgerdb_path must not be empty")
	}
	if config.Web.Port <= 0 || config.Web.Port > 65535 {
		return Config{}, fmt.Errorf("web.port out of range: %d", config.Web.Port)
	}
	if config.Web.WriteTimeout > 0 && config.Web.WriteTimeout <= config.Archive.Timeout {
		return Config{}, fmt.Errorf("web.write_timeout (%s) must exceed archive.timeout (%s)", config.Web.WriteTimeout, config.Archive.Timeout)
	}
	return config, nil
}
