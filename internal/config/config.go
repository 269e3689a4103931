// Package config loads nlpipe settings from nlpipe.yml and NLPIPE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dusk-indust/nlpipe/internal/stagetask"
)

// EnvPrefix prefixes every environment override. NLPIPE_BACKEND_URL sets
// backend.url; NLPIPE_PARSE_DESC_AGE sets parse.desc.age.
const EnvPrefix = "NLPIPE_"

// descEnvPrefix prefixes field description overrides. The rest of the
// variable name, lowercased, is the field key, underscores included.
const descEnvPrefix = EnvPrefix + "PARSE_DESC_"

// Config holds all nlpipe settings.
type Config struct {
	Backend BackendConfig `yaml:"backend" mapstructure:"backend"`
	Parse   ParseConfig   `yaml:"parse" mapstructure:"parse"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
	Metrics MetricsConfig `yaml:"metrics" mapstructure:"metrics"`
}

// BackendConfig locates the stage backend and configures the reference
// backend served by serve-backend.
type BackendConfig struct {
	URL          string        `yaml:"url" mapstructure:"url"`
	ParsePath    string        `yaml:"parsePath,omitempty" mapstructure:"parsePath"`
	PlanPath     string        `yaml:"planPath,omitempty" mapstructure:"planPath"`
	ExecutePath  string        `yaml:"executePath,omitempty" mapstructure:"executePath"`
	EventsPath   string        `yaml:"eventsPath,omitempty" mapstructure:"eventsPath"`
	StartTimeout time.Duration `yaml:"startTimeout,omitempty" mapstructure:"startTimeout"`
	Listen       string        `yaml:"listen,omitempty" mapstructure:"listen"`
	DemoDelay    time.Duration `yaml:"demoDelay,omitempty" mapstructure:"demoDelay"`
}

// ParseConfig holds the fixed fields of every parse request.
type ParseConfig struct {
	Model string            `yaml:"model,omitempty" mapstructure:"model"`
	Index []string          `yaml:"index,omitempty" mapstructure:"index"`
	Desc  map[string]string `yaml:"desc,omitempty" mapstructure:"desc"`
}

// LogConfig selects log level and format.
type LogConfig struct {
	Level  string `yaml:"level,omitempty" mapstructure:"level"`
	Format string `yaml:"format,omitempty" mapstructure:"format"`
}

// MetricsConfig configures the Prometheus endpoint. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty" mapstructure:"addr"`
}

// Default returns the built-in settings.
func Default() *Config {
	e := stagetask.DefaultEndpoints("http://localhost:5000")
	return &Config{
		Backend: BackendConfig{
			URL:          e.BaseURL,
			ParsePath:    e.Parse,
			PlanPath:     e.Plan,
			ExecutePath:  e.Execute,
			EventsPath:   e.Events,
			StartTimeout: 30 * time.Second,
			Listen:       ":5000",
			DemoDelay:    300 * time.Millisecond,
		},
		Parse: ParseConfig{
			Model: "gpt-4o",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads nlpipe.yml or nlpipe.yaml from dir over the defaults, then
// applies environment overrides. A missing file is not an error.
func Load(dir string) (*Config, error) {
	cfg := Default()
	for _, name := range []string{"nlpipe.yml", "nlpipe.yaml"} {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		break
	}

	if err := ApplyEnv(cfg, os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the EnvPrefix variables in environ onto cfg. Underscores
// after the prefix separate nested keys, except under NLPIPE_PARSE_DESC_
// where the remainder is a single description key: NLPIPE_PARSE_DESC_FIRST_NAME
// sets parse.desc["first_name"].
func ApplyEnv(cfg *Config, environ []string) error {
	v := viper.New()
	found := false
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		if field, isDesc := strings.CutPrefix(key, descEnvPrefix); isDesc {
			if field == "" {
				continue
			}
			if cfg.Parse.Desc == nil {
				cfg.Parse.Desc = make(map[string]string)
			}
			cfg.Parse.Desc[strings.ToLower(field)] = value
			continue
		}
		prop := strings.ToLower(strings.ReplaceAll(strings.TrimPrefix(key, EnvPrefix), "_", "."))
		prop = strings.Trim(prop, ".")
		if prop == "" {
			continue
		}
		v.Set(prop, value)
		found = true
	}
	if !found {
		return nil
	}

	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("config: apply environment: %w", err)
	}
	return nil
}

// Validate checks the settings that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Backend.URL == "" {
		return errors.New("config: backend.url is required")
	}
	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return fmt.Errorf("config: backend.url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("config: backend.url: unsupported scheme %q", u.Scheme)
	}
	if c.Backend.StartTimeout < 0 {
		return errors.New("config: backend.startTimeout must not be negative")
	}
	return nil
}

// Endpoints returns the stage endpoints described by the backend settings.
func (c *Config) Endpoints() stagetask.Endpoints {
	e := stagetask.DefaultEndpoints(c.Backend.URL)
	if c.Backend.ParsePath != "" {
		e.Parse = c.Backend.ParsePath
	}
	if c.Backend.PlanPath != "" {
		e.Plan = c.Backend.PlanPath
	}
	if c.Backend.ExecutePath != "" {
		e.Execute = c.Backend.ExecutePath
	}
	if c.Backend.EventsPath != "" {
		e.Events = c.Backend.EventsPath
	}
	return e
}
