// Package config loads the fabric runner configuration from YAML.
package config

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"

	"github.com/wippyai/fabric/engine"
	"github.com/wippyai/fabric/errors"
)

var defaults = []byte(`
engine:
  backend: compiler
  memory_limit_pages: 256
log:
  level: info
  format: console
run:
  interactive: false
`)

// Config is the runner configuration.
type Config struct {
	Engine Engine `koanf:"engine"`
	Log    Log    `koanf:"log"`
	Run    Run    `koanf:"run"`
}

// Engine configures module loading.
type Engine struct {
	Backend          string `koanf:"backend"`
	CacheDir         string `koanf:"cache_dir"`
	MemoryLimitPages uint32 `koanf:"memory_limit_pages"`
	Interruptible    bool   `koanf:"interruptible"`
}

// Log configures the zap logger.
type Log struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // console or json
}

// Run configures what the runner does after loading a module.
type Run struct {
	Events      []Event `koanf:"events"`
	Interactive bool    `koanf:"interactive"`
}

// Event is a game event fired at the loaded module.
type Event struct {
	Ints  map[string]int32 `koanf:"ints"`
	Bools map[string]bool  `koanf:"bools"`
	Name  string           `koanf:"name"`
}

// Load reads the defaults and then the YAML file at path. An empty path
// yields the defaults.
func Load(path string) (*Config, error) {
	k, err := base()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err,
				fmt.Sprintf("load config file %s", path))
		}
	}
	return decode(k)
}

// LoadBytes reads the defaults and then YAML data.
func LoadBytes(data []byte) (*Config, error) {
	k, err := base()
	if err != nil {
		return nil, err
	}
	if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "load config data")
	}
	return decode(k)
}

func base() (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "load defaults")
	}
	return k, nil
}

func decode(k *koanf.Koanf) (*Config, error) {
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks option values.
func (c *Config) Validate() error {
	switch engine.Backend(c.Engine.Backend) {
	case engine.BackendAuto, engine.BackendCompiler, engine.BackendInterpreter:
	default:
		return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("engine.backend: unknown backend %q", c.Engine.Backend))
	}
	if _, err := zap.ParseAtomicLevel(c.Log.Level); err != nil {
		return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("log.level: %v", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("log.format: unknown format %q", c.Log.Format))
	}
	for i, ev := range c.Run.Events {
		if ev.Name == "" {
			return errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("run.events[%d]: name is required", i))
		}
	}
	return nil
}

// EngineOptions returns the load options for engine.Load.
func (c *Config) EngineOptions(logger *zap.Logger) []engine.Option {
	return []engine.Option{
		engine.WithBackend(engine.Backend(c.Engine.Backend)),
		engine.WithCacheDir(c.Engine.CacheDir),
		engine.WithMemoryLimitPages(c.Engine.MemoryLimitPages),
		engine.WithInterruptible(c.Engine.Interruptible),
		engine.WithLogger(logger),
	}
}

// Logger builds the zap logger described by the log section.
func (c *Config) Logger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("log.level: %v", err))
	}
	zc := zap.NewDevelopmentConfig()
	if strings.EqualFold(c.Log.Format, "json") {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	return zc.Build()
}
