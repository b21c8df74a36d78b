package config

import (
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigtoml"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// FileName is the optional per-project configuration file
const FileName = "hawtio-build.toml"

// Config describes all configuration options
type Config struct {
	Log struct {
		Level string `toml:"level" default:"info"`
		JSON  bool   `toml:"json" default:"false" usage:"Output JSONND instead of pretty console messages"`
	} `toml:"log"`
	Server struct {
		Address     string `toml:"address" default:"0.0.0.0:2772" usage:"Address the development server listens on"`
		LiveReload  string `toml:"livereload" usage:"Separate address for the live reload endpoint (i.e. 0.0.0.0:35729)"`
		Fallback    string `toml:"fallback" default:"index.html" usage:"Document served for unknown paths"`
		ProxyPath   string `toml:"proxypath" default:"/jolokia" usage:"Path prefix forwarded to ProxyTarget"`
		ProxyTarget string `toml:"proxytarget" default:"http://localhost:8282/hawtio/jolokia" usage:"Backend for ProxyPath"`
	} `toml:"server"`
	Tools struct {
		Tsc   string `toml:"tsc" default:"tsc" usage:"TypeScript compiler"`
		Lessc string `toml:"lessc" default:"lessc" usage:"Less compiler"`
	} `toml:"tools"`
	Watch struct {
		Lull time.Duration `toml:"lull" default:"100ms" usage:"Quiet period before changes are processed"`
	} `toml:"watch"`
}

var logLevels = map[string]zerolog.Level{
	"trace":   zerolog.TraceLevel,
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
}

// Loader initializes an empty config object and returns a new Loader for this object. Values are read
// from hawtio-build.toml inside projectRoot (if present) and HAWTIO_BUILD_* environment variables.
func Loader(projectRoot string) (*Config, *aconfig.Loader) {
	cfg := Config{}
	return &cfg, aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "HAWTIO_BUILD",
		SkipFlags: true,
		Files:     []string{filepath.Join(projectRoot, FileName)},
		FileDecoders: map[string]aconfig.FileDecoder{
			".toml": aconfigtoml.New(),
		},
	})
}

// Load is a shorthand for Loader() followed by Load() and Validate()
func Load(projectRoot string) (*Config, error) {
	cfg, loader := Loader(projectRoot)
	if err := loader.Load(); err != nil {
		return nil, eris.Wrap(err, "failed to load configuration")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifies that all config fields have valid values
func (cfg *Config) Validate() error {
	_, ok := logLevels[cfg.Log.Level]
	if !ok {
		return eris.Errorf(`Invalid value for log.level: %s`, cfg.Log.Level)
	}

	if cfg.Server.Address == "" {
		return eris.New(`server.address must not be empty`)
	}

	if cfg.Server.ProxyPath != "" {
		if !strings.HasPrefix(cfg.Server.ProxyPath, "/") {
			return eris.Errorf(`Invalid value for server.proxypath: %s (must start with /)`, cfg.Server.ProxyPath)
		}

		target, err := url.Parse(cfg.Server.ProxyTarget)
		if err != nil {
			return eris.Wrap(err, `Invalid value for server.proxytarget`)
		}

		if target.Scheme == "" || target.Host == "" {
			return eris.Errorf(`Invalid value for server.proxytarget: %s (must be an absolute URL)`, cfg.Server.ProxyTarget)
		}
	}

	if cfg.Watch.Lull < 0 {
		return eris.Errorf(`Invalid value for watch.lull: %s`, cfg.Watch.Lull)
	}

	return nil
}

// LogLevel converts the .Log.Level field to a zerolog.Level
func (cfg *Config) LogLevel() zerolog.Level {
	return logLevels[cfg.Log.Level]
}
