// Package config loads server and simulation settings from an optional YAML
// file and the environment. Environment variables override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/paper-options/internal/engine"
	"github.com/atmx/paper-options/internal/model"
)

var ErrInvalid = errors.New("config: invalid setting")

// Config is the resolved process configuration.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	// Session defaults for create requests that do not override them.
	Engine engine.Config
	Env    model.Env
}

// File is the on-disk configuration shape (YAML). Amounts are strings so
// they decode exactly.
type File struct {
	Server struct {
		Port        string `yaml:"port"`
		DatabaseURL string `yaml:"database_url"`
		RedisURL    string `yaml:"redis_url"`
		CacheTTL    string `yaml:"cache_ttl"`
	} `yaml:"server"`
	Simulation struct {
		Symbol      string  `yaml:"symbol"`
		Currency    string  `yaml:"currency"`
		InitialCash string  `yaml:"initial_cash"`
		CashSecured *bool   `yaml:"cash_secured"`
		Multiplier  int     `yaml:"multiplier"`
		ExpiryDays  float64 `yaml:"expiry_days"`
	} `yaml:"simulation"`
	Market     *model.Env `yaml:"market"`
	MonteCarlo struct {
		Seed    uint64 `yaml:"seed"`
		Samples int    `yaml:"samples"`
	} `yaml:"monte_carlo"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Port:     "8080",
		CacheTTL: 30 * time.Second,
		Engine:   engine.DefaultConfig(),
		Env:      model.Env{R: 0.03, Q: 0, Sigma: 0.25},
	}
}

// Load resolves the configuration: defaults, then the YAML file named by
// CONFIG_FILE if set, then environment variables. The result is validated.
func Load() (*Config, error) {
	c := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		f, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := c.apply(f); err != nil {
			return nil, err
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// ReadFile parses a YAML configuration file.
func ReadFile(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &f, nil
}

// apply overlays the non-zero fields of f.
func (c *Config) apply(f *File) error {
	setString(&c.Port, f.Server.Port)
	setString(&c.DatabaseURL, f.Server.DatabaseURL)
	setString(&c.RedisURL, f.Server.RedisURL)
	if f.Server.CacheTTL != "" {
		ttl, err := time.ParseDuration(f.Server.CacheTTL)
		if err != nil {
			return fmt.Errorf("%w: cache_ttl %q: %v", ErrInvalid, f.Server.CacheTTL, err)
		}
		c.CacheTTL = ttl
	}

	sim := f.Simulation
	setString(&c.Engine.Symbol, sim.Symbol)
	setString(&c.Engine.Currency, sim.Currency)
	if sim.InitialCash != "" {
		v, err := decimal.NewFromString(sim.InitialCash)
		if err != nil {
			return fmt.Errorf("%w: initial_cash %q", ErrInvalid, sim.InitialCash)
		}
		c.Engine.InitialCash = v
	}
	if sim.CashSecured != nil {
		c.Engine.CashSecured = *sim.CashSecured
	}
	if sim.Multiplier != 0 {
		c.Engine.Multiplier = sim.Multiplier
	}
	if sim.ExpiryDays != 0 {
		c.Engine.ExpiryDays = sim.ExpiryDays
	}
	if f.Market != nil {
		c.Env = *f.Market
	}
	if f.MonteCarlo.Seed != 0 {
		c.Engine.Seed = f.MonteCarlo.Seed
	}
	if f.MonteCarlo.Samples != 0 {
		c.Engine.Samples = f.MonteCarlo.Samples
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, os.Getenv("PORT"))
	setString(&c.DatabaseURL, os.Getenv("DATABASE_URL"))
	setString(&c.RedisURL, os.Getenv("REDIS_URL"))
	setString(&c.Engine.Symbol, os.Getenv("SIM_SYMBOL"))
	setString(&c.Engine.Currency, os.Getenv("SIM_CURRENCY"))

	var errs []error
	env := func(key string, parse func(string) error) {
		if v := os.Getenv(key); v != "" {
			if err := parse(v); err != nil {
				errs = append(errs, fmt.Errorf("%w: %s=%q: %v", ErrInvalid, key, v, err))
			}
		}
	}
	env("CACHE_TTL", func(v string) (err error) {
		c.CacheTTL, err = time.ParseDuration(v)
		return err
	})
	env("SIM_INITIAL_CASH", func(v string) (err error) {
		c.Engine.InitialCash, err = decimal.NewFromString(v)
		return err
	})
	env("SIM_CASH_SECURED", func(v string) (err error) {
		c.Engine.CashSecured, err = strconv.ParseBool(v)
		return err
	})
	env("SIM_MULTIPLIER", func(v string) (err error) {
		c.Engine.Multiplier, err = strconv.Atoi(v)
		return err
	})
	env("SIM_EXPIRY_DAYS", func(v string) (err error) {
		c.Engine.ExpiryDays, err = strconv.ParseFloat(v, 64)
		return err
	})
	env("SIM_RATE", func(v string) (err error) {
		c.Env.R, err = strconv.ParseFloat(v, 64)
		return err
	})
	env("SIM_DIVIDEND_YIELD", func(v string) (err error) {
		c.Env.Q, err = strconv.ParseFloat(v, 64)
		return err
	})
	env("SIM_VOLATILITY", func(v string) (err error) {
		c.Env.Sigma, err = strconv.ParseFloat(v, 64)
		return err
	})
	env("MC_SEED", func(v string) (err error) {
		c.Engine.Seed, err = strconv.ParseUint(v, 10, 64)
		return err
	})
	env("MC_SAMPLES", func(v string) (err error) {
		c.Engine.Samples, err = strconv.Atoi(v)
		return err
	})
	return errors.Join(errs...)
}

// Validate checks server and simulation settings.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if c.Port == "" {
		return fmt.Errorf("%w: port is required", ErrInvalid)
	}
	if c.CacheTTL <= 0 {
		return fmt.Errorf("%w: cache ttl %s must be positive", ErrInvalid, c.CacheTTL)
	}
	if err := engine.ValidateEnv(c.Env); err != nil {
		return fmt.Errorf("market config invalid: %w", err)
	}
	if c.Engine.ExpiryDays <= 0 {
		return fmt.Errorf("%w: expiry days %v must be positive", ErrInvalid, c.Engine.ExpiryDays)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("simulation config invalid: %w", err)
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
