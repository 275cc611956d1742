package config

import (
	"fmt"
	"os"
	"strings"

	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
	"gopkg.in/yaml.v3"
)

// DefaultEnvPrefix is the environment prefix read by Load.
const DefaultEnvPrefix = "VDL"

// Loader assembles a Config from defaults, an optional YAML file, environment
// variables and a flat override map, in increasing order of precedence.
type Loader struct {
	envPrefix string
	path      string
	overrides map[string]any
}

// NewLoader prepares a loader. An empty path skips the file layer and an
// empty envPrefix skips the environment layer.
func NewLoader(envPrefix, path string) *Loader {
	return &Loader{envPrefix: envPrefix, path: path}
}

// WithOverrides sets flat dotted keys ("blob_cache.bucket") applied last.
func (l *Loader) WithOverrides(m map[string]any) *Loader {
	l.overrides = m
	return l
}

// Load reads every layer and validates the result.
func (l *Loader) Load() (*Config, error) {
	k := koanf.New(".")

	defaults, err := toMap(Default())
	if err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		fileMap, err := kyaml.Parser().Unmarshal([]byte(os.ExpandEnv(string(data))))
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if err := k.Load(confmap.Provider(fileMap, "."), nil); err != nil {
			return nil, fmt.Errorf("load config file: %w", err)
		}
	}

	if l.envPrefix != "" {
		prefix := l.envPrefix + "_"
		transform := func(s string) string {
			// VDL_BLOB_CACHE__BUCKET -> blob_cache.bucket
			key := strings.TrimPrefix(s, prefix)
			return strings.ToLower(strings.ReplaceAll(key, "__", "."))
		}
		if err := k.Load(env.Provider(prefix, ".", transform), nil); err != nil {
			return nil, fmt.Errorf("load env: %w", err)
		}
	}

	if len(l.overrides) > 0 {
		if err := k.Load(confmap.Provider(l.overrides, "."), nil); err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Load reads a YAML config file, expands ${VAR} references, and applies
// VDL_-prefixed environment overrides.
func Load(path string) (*Config, error) {
	return NewLoader(DefaultEnvPrefix, path).Load()
}

// FromMap builds a Config from defaults plus a flat key/value mapping, the
// form in which embedding applications usually hand over settings.
func FromMap(m map[string]any) (*Config, error) {
	return NewLoader("", "").WithOverrides(m).Load()
}

// YAML renders the configuration, for display.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}

// toMap converts a Config into the nested map form koanf merges, using the
// yaml tags which match the koanf keys.
func toMap(c *Config) (map[string]any, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, err
	}
	return kyaml.Parser().Unmarshal(data)
}
