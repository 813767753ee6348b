/*
Package config loads server settings.

SOURCES (later wins):
  1. Defaults below
  2. YAML file passed with -config (optional)
  3. Environment, prefix COMMISSION_, dots become underscores:
       COMMISSION_STORE_DRIVER=postgres
       COMMISSION_STORE_POSTGRES_DSN=postgres://...
  A .env file in the working directory is loaded into the environment
  first, without overriding variables that are already set.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

type Config struct {
	App struct {
		Env string
	} `mapstructure:"app"`

	HTTP struct {
		Addr        string
		CORSOrigins []string `mapstructure:"cors_origins"`
	} `mapstructure:"http"`

	Store struct {
		Driver      string // memory | sqlite | postgres
		SQLitePath  string `mapstructure:"sqlite_path"`
		PostgresDSN string `mapstructure:"postgres_dsn"`
	} `mapstructure:"store"`

	Metrics struct {
		Enabled bool
	} `mapstructure:"metrics"`

	CashDrawer struct {
		WebhookURL    string        `mapstructure:"webhook_url"`
		Timeout       time.Duration `mapstructure:"timeout"`
		RatePerSecond int           `mapstructure:"rate_per_second"`
	} `mapstructure:"cash_drawer"`

	Subscriptions struct {
		LookbackDays int    `mapstructure:"lookback_days"`
		Timezone     string `mapstructure:"timezone"`
	} `mapstructure:"subscriptions"`
}

// Location resolves Subscriptions.Timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Subscriptions.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(c.Subscriptions.Timezone)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.cors_origins", []string{"*"})
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "./data/commission.db")
	v.SetDefault("store.postgres_dsn", "")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("cash_drawer.webhook_url", "")
	v.SetDefault("cash_drawer.timeout", 5*time.Second)
	v.SetDefault("cash_drawer.rate_per_second", 5)
	v.SetDefault("subscriptions.lookback_days", 30)
	v.SetDefault("subscriptions.timezone", "UTC")
}

// Load reads the optional file at path and the environment.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("COMMISSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return c, fmt.Errorf("decode config: %w", err)
	}
	return c, c.Validate()
}

// Validate rejects settings the server cannot start with.
func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory", "sqlite":
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return errors.New("config: store.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}
	if c.Subscriptions.LookbackDays <= 0 {
		return errors.New("config: subscriptions.lookback_days must be positive")
	}
	if _, err := c.Location(); err != nil {
		return fmt.Errorf("config: subscriptions.timezone: %w", err)
	}
	return nil
}

func loadDotEnv(name string) error {
	if _, err := os.Stat(name); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := gotenv.Load(name); err != nil {
		return fmt.Errorf("load %s: %w", name, err)
	}
	return nil
}
