// Package config loads engine configuration from defaults, an
// optional YAML file and RISK_-prefixed environment variables, in
// that order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atmx/risk-engine/internal/curve"
	"github.com/atmx/risk-engine/internal/scenario"
)

// ErrInvalid marks a configuration that parsed but cannot run.
var ErrInvalid = errors.New("config: invalid")

// Server holds the HTTP listener settings.
type Server struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Engine holds the default risk-run parameters. Requests may override
// confidence and horizons per run.
type Engine struct {
	Confidence      float64       `mapstructure:"confidence"`
	Horizons        []int         `mapstructure:"horizons"`
	BaseHorizonDays int           `mapstructure:"base_horizon_days"`
	Parallel        bool          `mapstructure:"parallel"`
	MaxWorkers      int           `mapstructure:"max_workers"`
	RunTimeout      time.Duration `mapstructure:"run_timeout"`
}

// Curve holds the discounting conventions applied to every snapshot
// curve.
type Curve struct {
	DayCount    string `mapstructure:"day_count"`
	Compounding string `mapstructure:"compounding"`
}

// Log holds the logger settings.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or console
}

// Config is the full engine configuration.
type Config struct {
	Server   Server          `mapstructure:"server"`
	Engine   Engine          `mapstructure:"engine"`
	Scenario scenario.Config `mapstructure:"scenario"`
	Curve    Curve           `mapstructure:"curve"`
	Log      Log             `mapstructure:"log"`
}

// Load reads the configuration. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	// Write timeout must outlast engine.run_timeout: risk runs respond
	// synchronously.
	v.SetDefault("server.write_timeout", "150s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("engine.confidence", 0.975)
	v.SetDefault("engine.horizons", []int{10, 20, 60})
	v.SetDefault("engine.base_horizon_days", 1)
	v.SetDefault("engine.parallel", true)
	v.SetDefault("engine.max_workers", 0)
	v.SetDefault("engine.run_timeout", "120s")
	v.SetDefault("scenario.default_method", "relative")
	v.SetDefault("scenario.hold_missing_factors", false)
	v.SetDefault("curve.day_count", string(curve.ACT365F))
	v.SetDefault("curve.compounding", string(curve.Annual))
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("RISK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every section. It reports the first violation.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("%w: server.addr empty", ErrInvalid)
	}
	if c.Engine.Confidence <= 0 || c.Engine.Confidence >= 1 {
		return fmt.Errorf("%w: engine.confidence %v outside (0,1)", ErrInvalid, c.Engine.Confidence)
	}
	if len(c.Engine.Horizons) == 0 {
		return fmt.Errorf("%w: engine.horizons empty", ErrInvalid)
	}
	prev := 0
	for _, h := range c.Engine.Horizons {
		if h <= prev {
			return fmt.Errorf("%w: engine.horizons %v must be positive and strictly ascending", ErrInvalid, c.Engine.Horizons)
		}
		prev = h
	}
	if c.Engine.BaseHorizonDays < 0 {
		return fmt.Errorf("%w: engine.base_horizon_days %d", ErrInvalid, c.Engine.BaseHorizonDays)
	}
	if c.Engine.MaxWorkers < 0 {
		return fmt.Errorf("%w: engine.max_workers %d", ErrInvalid, c.Engine.MaxWorkers)
	}
	if c.Engine.RunTimeout <= 0 {
		return fmt.Errorf("%w: engine.run_timeout %v", ErrInvalid, c.Engine.RunTimeout)
	}
	if _, err := curve.ParseDayCount(c.Curve.DayCount); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := curve.ParseCompounding(c.Curve.Compounding); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.Scenario.DefaultMethod != "" {
		if _, err := scenario.ParseMethod(string(c.Scenario.DefaultMethod)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	for class, m := range c.Scenario.ClassMethods {
		if _, err := scenario.ParseMethod(string(m)); err != nil {
			return fmt.Errorf("%w: scenario.class_methods[%s]: %v", ErrInvalid, class, err)
		}
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("%w: log.format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// Conventions returns the parsed curve conventions. Call after
// Validate.
func (c *Curve) Conventions() (curve.DayCount, curve.Compounding) {
	dc, _ := curve.ParseDayCount(c.DayCount)
	comp, _ := curve.ParseCompounding(c.Compounding)
	return dc, comp
}

// Build constructs the zap logger for the configured level and format.
func (l Log) Build() (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("%w: log.level %q", ErrInvalid, l.Level)
	}
	var zcfg zap.Config
	if l.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	return zcfg.Build()
}
