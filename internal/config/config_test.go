package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-options/internal/engine"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != "8080" || c.CacheTTL != 30*time.Second {
		t.Errorf("server defaults = %q %s", c.Port, c.CacheTTL)
	}
	if def := engine.DefaultConfig(); c.Engine.Symbol != def.Symbol || !c.Engine.InitialCash.Equal(def.InitialCash) {
		t.Errorf("engine defaults = %+v", c.Engine)
	}
	if c.Env.Sigma != 0.25 || c.Env.R != 0.03 {
		t.Errorf("env defaults = %+v", c.Env)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeFile(t, `
server:
  port: "9000"
  cache_ttl: 1m
simulation:
  symbol: QQQ
  initial_cash: "25000.50"
  cash_secured: false
market:
  r: 0.05
  q: 0.01
  sigma: 0.3
monte_carlo:
  seed: 42
  samples: 500
`)
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "9100")
	t.Setenv("MC_SAMPLES", "800")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Port != "9100" {
		t.Errorf("env should override file port, got %q", c.Port)
	}
	if c.CacheTTL != time.Minute {
		t.Errorf("cache ttl = %s", c.CacheTTL)
	}
	if c.Engine.Symbol != "QQQ" || c.Engine.CashSecured {
		t.Errorf("simulation = %+v", c.Engine)
	}
	if !c.Engine.InitialCash.Equal(decimal.RequireFromString("25000.50")) {
		t.Errorf("initial cash = %s", c.Engine.InitialCash)
	}
	if c.Env.R != 0.05 || c.Env.Q != 0.01 || c.Env.Sigma != 0.3 {
		t.Errorf("env = %+v", c.Env)
	}
	if c.Engine.Seed != 42 || c.Engine.Samples != 800 {
		t.Errorf("monte carlo = seed %d samples %d", c.Engine.Seed, c.Engine.Samples)
	}
}

func TestLoad_EnvOnly(t *testing.T) {
	t.Setenv("SIM_SYMBOL", "IWM")
	t.Setenv("SIM_INITIAL_CASH", "5000")
	t.Setenv("SIM_MULTIPLIER", "10")
	t.Setenv("SIM_VOLATILITY", "0.4")
	t.Setenv("CACHE_TTL", "5s")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Engine.Symbol != "IWM" || c.Engine.Multiplier != 10 || c.Env.Sigma != 0.4 {
		t.Errorf("config = %+v", c)
	}
	if !c.Engine.InitialCash.Equal(decimal.NewFromInt(5000)) || c.CacheTTL != 5*time.Second {
		t.Errorf("cash %s ttl %s", c.Engine.InitialCash, c.CacheTTL)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unparseable cash", "SIM_INITIAL_CASH", "lots"},
		{"bad bool", "SIM_CASH_SECURED", "maybe"},
		{"bad ttl", "CACHE_TTL", "soon"},
		{"negative vol", "SIM_VOLATILITY", "-0.1"},
		{"zero multiplier", "SIM_MULTIPLIER", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalid) && !errors.Is(err, engine.ErrInvalidConfig) {
				t.Errorf("unexpected error type: %v", err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "absent.yaml"))
	if _, err := Load(); err == nil {
		t.Error("expected error for missing config file")
	}
}
