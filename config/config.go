// Package config loads service configuration and sets up logging.
//
// Sources, lowest precedence first: defaults, config.yaml in the working
// directory, a .env file, then NYLTA_* environment variables
// (NYLTA_PAYMENT_API_KEY sets payment.api_key).
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Pricing   PricingConfig   `yaml:"pricing" mapstructure:"pricing"`
	Payment   PaymentConfig   `yaml:"payment" mapstructure:"payment"`
	CRM       CRMConfig       `yaml:"crm" mapstructure:"crm"`
	Redis     RedisConfig     `yaml:"redis" mapstructure:"redis"`
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
	AllowedOrigins     []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	// AdminToken guards /api/admin. Empty disables the admin routes.
	AdminToken string `yaml:"admin_token" mapstructure:"admin_token"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver" mapstructure:"driver"` // sqlite | memory
	Path   string `yaml:"path" mapstructure:"path"`
}

// PricingConfig configures the remote pricing source.
type PricingConfig struct {
	SourceURL          string `yaml:"source_url" mapstructure:"source_url"`
	ReloadIntervalSecs int    `yaml:"reload_interval_secs" mapstructure:"reload_interval_secs"`
	TimeoutSecs        int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// PaymentConfig configures the payment gateway.
type PaymentConfig struct {
	Mode        string `yaml:"mode" mapstructure:"mode"` // fake | http
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	APIKey      string `yaml:"api_key" mapstructure:"api_key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// CRMConfig configures GoHighLevel. An empty APIKey disables sync.
type CRMConfig struct {
	APIKey      string  `yaml:"api_key" mapstructure:"api_key"`
	LocationID  string  `yaml:"location_id" mapstructure:"location_id"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// RedisConfig configures the checkout lock. An empty Addr uses an
// in-process lock.
type RedisConfig struct {
	Addr        string `yaml:"addr" mapstructure:"addr"`
	Password    string `yaml:"password" mapstructure:"password"`
	DB          int    `yaml:"db" mapstructure:"db"`
	LockTTLSecs int    `yaml:"lock_ttl_secs" mapstructure:"lock_ttl_secs"`
}

// ReconcileConfig configures the intent reconciler.
type ReconcileConfig struct {
	IntervalSecs   int `yaml:"interval_secs" mapstructure:"interval_secs"`
	StaleAfterSecs int `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Seconds converts a *_secs field.
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, eris.Wrap(err, "config: read .env")
	}

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("NYLTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_secs", 60)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.admin_token", "")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "./data/nylta.db")
	v.SetDefault("pricing.source_url", "")
	v.SetDefault("pricing.reload_interval_secs", 300)
	v.SetDefault("pricing.timeout_secs", 10)
	v.SetDefault("payment.mode", "fake")
	v.SetDefault("payment.base_url", "")
	v.SetDefault("payment.api_key", "")
	v.SetDefault("payment.timeout_secs", 30)
	v.SetDefault("crm.api_key", "")
	v.SetDefault("crm.location_id", "")
	v.SetDefault("crm.base_url", "https://services.leadconnectorhq.com")
	v.SetDefault("crm.rate_per_sec", 5.0)
	v.SetDefault("crm.timeout_secs", 15)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.lock_ttl_secs", 120)
	v.SetDefault("reconcile.interval_secs", 60)
	v.SetDefault("reconcile.stale_after_secs", 1800)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects combinations that cannot start.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return eris.New("config: store.path required for sqlite")
		}
	case "memory":
	default:
		return eris.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	switch c.Payment.Mode {
	case "fake":
	case "http":
		if c.Payment.BaseURL == "" || c.Payment.APIKey == "" {
			return eris.New("config: payment.base_url and payment.api_key required for http mode")
		}
	default:
		return eris.Errorf("config: unknown payment.mode %q", c.Payment.Mode)
	}
	if c.CRM.APIKey != "" && c.CRM.LocationID == "" {
		return eris.New("config: crm.location_id required when crm.api_key is set")
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
