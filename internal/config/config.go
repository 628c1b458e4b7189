// Package config reads the server configuration from flags and the
// environment.
//
// Every flag has an environment twin named by upper-casing it and replacing
// dashes with underscores: --redis-url is REDIS_URL, --port is PORT.
package config

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/ochmanski/tenmillioncheckboxes/internal/relay"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Store backends.
const (
	StoreRedis    = "redis"
	StorePostgres = "postgres"
	StoreBolt     = "bolt"
	StoreMemory   = "memory"
)

// Config is the server configuration.
type Config struct {
	Host          string
	Port          int
	Store         string
	RedisURL      string
	DatabaseURL   string
	BoltPath      string
	RelayCapacity int
	StoreTimeout  time.Duration
	LogLevel      string
	MDNS          bool
}

// BindFlags declares the server flags on cmd and binds them, and their
// environment twins, into v.
func BindFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.Flags()
	flags.String("host", "0.0.0.0", "interface to listen on")
	flags.Int("port", 8080, "port to listen on")
	flags.String("store", StoreRedis, "grid store: redis, postgres, bolt or memory")
	flags.String("redis-url", "", "redis url, required for the redis store")
	flags.String("database-url", "", "postgres url, required for the postgres store")
	flags.String("bolt-path", "", "database file, required for the bolt store")
	flags.Int("relay-capacity", relay.DefaultCapacity, "changes buffered per session before the oldest is dropped")
	flags.Duration("store-timeout", 5*time.Second, "bound on each store call, 0 for none")
	flags.String("log-level", "info", "trace, debug, info, warn or error")
	flags.Bool("mdns", false, "advertise the server over mDNS")

	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = errors.Wrapf(v.BindPFlag(f.Name, f), "bind flag %s failed", f.Name)
	})
	if err != nil {
		return err
	}
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return nil
}

// Load reads and validates the configuration bound into v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Host:          v.GetString("host"),
		Port:          v.GetInt("port"),
		Store:         strings.ToLower(strings.TrimSpace(v.GetString("store"))),
		RedisURL:      v.GetString("redis-url"),
		DatabaseURL:   v.GetString("database-url"),
		BoltPath:      v.GetString("bolt-path"),
		RelayCapacity: v.GetInt("relay-capacity"),
		StoreTimeout:  v.GetDuration("store-timeout"),
		LogLevel:      v.GetString("log-level"),
		MDNS:          v.GetBool("mdns"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrap(err, "validate config failed")
	}
	return cfg, nil
}

// Validate checks that the selected store has an address and that the
// numeric settings are usable.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.Errorf("port %d out of range", c.Port)
	}
	if c.RelayCapacity < 1 {
		return errors.Errorf("relay capacity must be positive, got %d", c.RelayCapacity)
	}
	if c.StoreTimeout < 0 {
		return errors.Errorf("store timeout must not be negative, got %s", c.StoreTimeout)
	}
	switch c.Store {
	case StoreRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL must be set")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL must be set")
		}
	case StoreBolt:
		if c.BoltPath == "" {
			return errors.New("BOLT_PATH must be set")
		}
	case StoreMemory:
	default:
		return errors.Errorf("unknown store %q", c.Store)
	}
	return nil
}

// Addr is the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
