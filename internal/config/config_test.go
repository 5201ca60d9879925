package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/risk-engine/internal/curve"
	"github.com/atmx/risk-engine/internal/scenario"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 150*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)

	assert.Equal(t, 0.975, cfg.Engine.Confidence)
	assert.Equal(t, []int{10, 20, 60}, cfg.Engine.Horizons)
	assert.Equal(t, 1, cfg.Engine.BaseHorizonDays)
	assert.True(t, cfg.Engine.Parallel)
	assert.Equal(t, 0, cfg.Engine.MaxWorkers)
	assert.Equal(t, 2*time.Minute, cfg.Engine.RunTimeout)

	assert.Equal(t, scenario.MethodRelative, cfg.Scenario.DefaultMethod)
	assert.False(t, cfg.Scenario.HoldMissingFactors)

	dc, comp := cfg.Curve.Conventions()
	assert.Equal(t, curve.ACT365F, dc)
	assert.Equal(t, curve.Annual, comp)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	body := `
server:
  addr: ":9999"
  read_timeout: 5s
engine:
  confidence: 0.99
  horizons: [5, 10]
  parallel: false
scenario:
  default_method: absolute
  class_methods:
    ZERO: absolute
    FX: log_return
  hold_missing_factors: true
curve:
  day_count: "30/360"
  compounding: continuous
log:
  level: debug
  format: console
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 150*time.Second, cfg.Server.WriteTimeout)

	assert.Equal(t, 0.99, cfg.Engine.Confidence)
	assert.Equal(t, []int{5, 10}, cfg.Engine.Horizons)
	assert.False(t, cfg.Engine.Parallel)

	assert.Equal(t, scenario.MethodAbsolute, cfg.Scenario.DefaultMethod)
	assert.Equal(t, scenario.MethodAbsolute, cfg.Scenario.ClassMethods["ZERO"])
	assert.Equal(t, scenario.MethodLogReturn, cfg.Scenario.ClassMethods["FX"])
	assert.True(t, cfg.Scenario.HoldMissingFactors)

	dc, comp := cfg.Curve.Conventions()
	assert.Equal(t, curve.Thirty360, dc)
	assert.Equal(t, curve.Continuous, comp)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "risk.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  confidence: 0.95\n"), 0o600))

	t.Setenv("RISK_ENGINE_CONFIDENCE", "0.99")
	t.Setenv("RISK_SERVER_ADDR", ":7777")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 0.99, cfg.Engine.Confidence)
	assert.Equal(t, ":7777", cfg.Server.Addr)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty addr", func(c *Config) { c.Server.Addr = "" }},
		{"confidence at one", func(c *Config) { c.Engine.Confidence = 1 }},
		{"confidence zero", func(c *Config) { c.Engine.Confidence = 0 }},
		{"no horizons", func(c *Config) { c.Engine.Horizons = nil }},
		{"unsorted horizons", func(c *Config) { c.Engine.Horizons = []int{20, 10} }},
		{"duplicate horizons", func(c *Config) { c.Engine.Horizons = []int{10, 10} }},
		{"zero horizon", func(c *Config) { c.Engine.Horizons = []int{0, 10} }},
		{"negative base horizon", func(c *Config) { c.Engine.BaseHorizonDays = -1 }},
		{"negative workers", func(c *Config) { c.Engine.MaxWorkers = -2 }},
		{"zero run timeout", func(c *Config) { c.Engine.RunTimeout = 0 }},
		{"bad day count", func(c *Config) { c.Curve.DayCount = "ACT/ACT" }},
		{"bad compounding", func(c *Config) { c.Curve.Compounding = "quarterly" }},
		{"bad default method", func(c *Config) { c.Scenario.DefaultMethod = "proportional" }},
		{"bad class method", func(c *Config) { c.Scenario.ClassMethods = map[string]scenario.Method{"FX": "wild"} }},
		{"bad log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Log.Format = "text" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	t.Run("defaults pass", func(t *testing.T) {
		require.NoError(t, base().Validate())
	})
	t.Run("empty default method allowed", func(t *testing.T) {
		cfg := base()
		cfg.Scenario.DefaultMethod = ""
		require.NoError(t, cfg.Validate())
	})
}

func TestLog_Build(t *testing.T) {
	log, err := Log{Level: "warn", Format: "json"}.Build()
	require.NoError(t, err)
	assert.NotNil(t, log)

	log, err = Log{Level: "debug", Format: "console"}.Build()
	require.NoError(t, err)
	assert.NotNil(t, log)

	_, err = Log{Level: "noise", Format: "json"}.Build()
	require.Error(t, err)
}
