// Package config loads application configuration from file and environment
// and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Redis    RedisConfig    `yaml:"redis" mapstructure:"redis"`
	Geocoder GeocoderConfig `yaml:"geocoder" mapstructure:"geocoder"`
	Engine   EngineConfig   `yaml:"engine" mapstructure:"engine"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the pub/sub transport and the shared geocode
// cache. An empty URL disables both; the engine then runs purely on its
// periodic passes.
type RedisConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// GeocoderConfig configures the location-resolution client.
type GeocoderConfig struct {
	BaseURL       string  `yaml:"base_url" mapstructure:"base_url"`
	UserAgent     string  `yaml:"user_agent" mapstructure:"user_agent"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	CacheTTLHours int     `yaml:"cache_ttl_hours" mapstructure:"cache_ttl_hours"`
}

// EngineConfig configures matching and the periodic passes.
type EngineConfig struct {
	Tenants            []string `yaml:"tenants" mapstructure:"tenants"`
	VehicleTypesPath   string   `yaml:"vehicle_types_path" mapstructure:"vehicle_types_path"`
	SweepIntervalSec   int      `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	RematchIntervalSec int      `yaml:"rematch_interval_secs" mapstructure:"rematch_interval_secs"`
}

// SweepInterval returns the sweep cadence as a duration.
func (c EngineConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSec) * time.Second
}

// RematchInterval returns the backup rematch cadence as a duration.
func (c EngineConfig) RematchInterval() time.Duration {
	return time.Duration(c.RematchIntervalSec) * time.Second
}

// ServerConfig configures the operator API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LOADHUNT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("geocoder.base_url", "https://nominatim.openstreetmap.org")
	v.SetDefault("geocoder.user_agent", "loadhunt/1.0")
	v.SetDefault("geocoder.rate_per_second", 1)
	v.SetDefault("geocoder.cache_ttl_hours", 720)
	v.SetDefault("engine.tenants", []string{"default"})
	v.SetDefault("engine.vehicle_types_path", "vehicle_types.yaml")
	v.SetDefault("engine.sweep_interval_secs", 30)
	v.SetDefault("engine.rematch_interval_secs", 60)
	v.SetDefault("server.port", 8080)
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

	return &cfg, nil
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
