package pool

import (
	"errors"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	// Unbounded disables the lease bound when used as Config.MaxTotal
	Unbounded = -1

	defaultPort         = "6379"
	defaultMaxTotal     = 8
	defaultMaxIdle      = 8
	defaultMaxWait      = 3 * time.Second
	defaultDialTimeout  = 10 * time.Second
	defaultFailureLimit = 3

	envPrefix = "REDIS_POOL_"
)

// Config describes the two candidate endpoints and how leases are pooled.
type Config struct {
	Primary           string        `env:"PRIMARY" envDefault:"127.0.0.1:6379"` // e.g. "10.0.0.1:6379", port defaults to 6379
	Secondary         string        `env:"SECONDARY"`                           // fallback address, may be empty
	Password          string        `env:"PASSWORD"`                            // password sent at connect time
	SecondaryPassword string        `env:"SECONDARY_PASSWORD"`                  // use Password if not set
	DB                int           `env:"DB"`
	DialTimeout       time.Duration `env:"DIAL_TIMEOUT" envDefault:"10s"`

	MaxTotal     int           `env:"MAX_TOTAL" envDefault:"8"` // max leased conns, `Unbounded` for no limit
	MaxIdle      int           `env:"MAX_IDLE" envDefault:"8"`  // max idle conns kept for reuse, 0 keeps none
	MaxWait      time.Duration `env:"MAX_WAIT" envDefault:"3s"` // max time to wait for a lease, negative waits forever
	TestOnBorrow bool          `env:"TEST_ON_BORROW"`           // ping idle conns before handing them out

	AutoRebuild  bool  `env:"AUTO_REBUILD"`                 // re-run failover after repeated failures
	FailureLimit int32 `env:"FAILURE_LIMIT" envDefault:"3"` // consecutive network failures before rebuild
}

// Endpoint is a candidate server the manager may connect to.
type Endpoint struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// DefaultConfig returns a config for primary with every pool setting at its
// default value.
func DefaultConfig(primary string) *Config {
	return &Config{
		Primary:      primary,
		DialTimeout:  defaultDialTimeout,
		MaxTotal:     defaultMaxTotal,
		MaxIdle:      defaultMaxIdle,
		MaxWait:      defaultMaxWait,
		FailureLimit: defaultFailureLimit,
	}
}

// LoadConfigFromEnv reads the config from REDIS_POOL_* environment variables.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) init() error {
	if cfg.Primary == "" {
		return errors.New("the primary address shouldn't be empty")
	}
	// "primary,secondary" in a single address list
	if primary, secondary, found := strings.Cut(cfg.Primary, ","); found {
		if cfg.Secondary != "" {
			return errors.New("the secondary address was set twice")
		}
		cfg.Primary, cfg.Secondary = strings.TrimSpace(primary), strings.TrimSpace(secondary)
		if cfg.Primary == "" {
			return errors.New("the primary address shouldn't be empty")
		}
	}
	cfg.Primary = normalizeAddr(cfg.Primary)
	if cfg.Secondary != "" {
		cfg.Secondary = normalizeAddr(cfg.Secondary)
	}
	if cfg.Secondary == cfg.Primary {
		cfg.Secondary = ""
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.MaxTotal == 0 {
		cfg.MaxTotal = defaultMaxTotal
	}
	if cfg.MaxTotal < 0 {
		cfg.MaxTotal = Unbounded
	}
	if cfg.MaxIdle < 0 {
		return errors.New("the max idle count shouldn't be negative")
	}
	if cfg.MaxTotal > 0 && cfg.MaxIdle > cfg.MaxTotal {
		cfg.MaxIdle = cfg.MaxTotal
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = defaultMaxWait
	}
	if cfg.FailureLimit <= 0 {
		cfg.FailureLimit = defaultFailureLimit
	}
	return nil
}

// endpoints returns the primary followed by the secondary, if any.
func (cfg *Config) endpoints() []Endpoint {
	eps := []Endpoint{{
		Addr:        cfg.Primary,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	}}
	if cfg.Secondary == "" {
		return eps
	}
	password := cfg.Password
	if cfg.SecondaryPassword != "" {
		password = cfg.SecondaryPassword
	}
	return append(eps, Endpoint{
		Addr:        cfg.Secondary,
		Password:    password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
}
