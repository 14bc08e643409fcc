// Package config reads the callm configuration file.
//
// The file may be YAML (~/.config/callm/config.yaml) or TOML
// (~/.config/callm/config.toml). All tunables are pointers so "not set" can
// be told apart from a zero value; the command line applies a setting only
// when the matching flag was not given explicitly.
package config

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/MistApproach/callm/internal/errs"
)

type Config struct {
	Model string `yaml:"model" toml:"model"`

	// Backend
	Device    string `yaml:"device" toml:"device"`
	Precision string `yaml:"precision" toml:"precision"`
	Threads   *int   `yaml:"threads" toml:"threads"`

	// Sampling defaults
	Temperature  *float64 `yaml:"temperature" toml:"temperature"`
	TopK         *int     `yaml:"top_k" toml:"top_k"`
	TopP         *float64 `yaml:"top_p" toml:"top_p"`
	Seed         *int64   `yaml:"seed" toml:"seed"`
	MaxNewTokens *int     `yaml:"max_new_tokens" toml:"max_new_tokens"`
	MaxContext   *int     `yaml:"max_context" toml:"max_context"`

	// TemplateFallback is one of "concat", "first", "error".
	TemplateFallback string `yaml:"template_fallback" toml:"template_fallback"`

	// Output
	LogLevel    string `yaml:"log_level" toml:"log_level"`
	LogFormat   string `yaml:"log_format" toml:"log_format"`
	MetricsFile string `yaml:"metrics_file" toml:"metrics_file"`
}

// DefaultPath returns the first existing config file under the user config
// directory, preferring YAML. It returns the YAML path when neither exists
// and "" when the config directory is unknown.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	base := filepath.Join(dir, "callm")
	for _, name := range []string{"config.yaml", "config.yml", "config.toml"} {
		p := filepath.Join(base, name)
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return filepath.Join(base, "config.yaml")
}

// Load reads and validates the config file at path. The format follows the
// extension; anything other than .toml is parsed as YAML.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errs.E(errs.KindInvalidConfig, "config", fmt.Errorf("read %s: %w", path, err))
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return Config{}, errs.E(errs.KindInvalidConfig, "config", fmt.Errorf("%s: %w", path, err))
	}
	return cfg, nil
}

// LoadDefault reads the default config file. A missing file yields a zero
// Config and no error.
func LoadDefault() (Config, error) {
	path := DefaultPath()
	if path == "" {
		return Config{}, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Config{}, nil
	}
	return Load(path)
}

// Parse decodes data in the format named by ext (".yaml", ".yml" or ".toml").
func Parse(data []byte, ext string) (Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("parse toml: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks ranges of every field that is set.
func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return errs.Errorf(errs.KindInvalidConfig, "config", format, args...)
	}
	if c.Threads != nil && *c.Threads < 0 {
		return fail("threads must be >= 0, got %d", *c.Threads)
	}
	if c.Temperature != nil && (math.IsNaN(*c.Temperature) || *c.Temperature < 0) {
		return fail("temperature must be >= 0, got %v", *c.Temperature)
	}
	if c.TopK != nil && *c.TopK < 0 {
		return fail("top_k must be >= 0, got %d", *c.TopK)
	}
	if c.TopP != nil && !(*c.TopP > 0 && *c.TopP <= 1) {
		return fail("top_p must be in (0,1], got %v", *c.TopP)
	}
	if c.MaxNewTokens != nil && *c.MaxNewTokens <= 0 {
		return fail("max_new_tokens must be > 0, got %d", *c.MaxNewTokens)
	}
	if c.MaxContext != nil && *c.MaxContext < 0 {
		return fail("max_context must be >= 0, got %d", *c.MaxContext)
	}
	switch strings.ToLower(c.TemplateFallback) {
	case "", "concat", "first", "error":
	default:
		return fail("template_fallback must be concat, first or error, got %q", c.TemplateFallback)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "pretty", "console", "json":
	default:
		return fail("log_format must be pretty or json, got %q", c.LogFormat)
	}
	return nil
}
