// Package config loads genie's configuration from a JSON file backend with
// GENIE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Config struct {
	Server  ServerConfig
	Ollama  OllamaConfig
	Storage StorageConfig
	Cache   CacheConfig
	Jobs    JobsConfig
	Events  EventsConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port    int
	MCPPort int
	// APIToken authenticates REST, websocket and MCP clients. When unset it
	// is read from, or generated into, the api_token file in the data dir.
	APIToken string
}

type OllamaConfig struct {
	BaseURL    string
	ChatModel  string
	EmbedModel string
}

type StorageConfig struct {
	DataDir string
}

type CacheConfig struct {
	// Threshold is the cosine similarity a vector match needs to count as a
	// hit for submitted requests.
	Threshold float64
	// AdminThreshold is the looser similarity used by snapshot search.
	AdminThreshold  float64
	EnsureTopResult bool
	// MinGistWords is the shortest gist accepted from the model; shorter
	// ones fall back to the normalized text.
	MinGistWords int
}

type JobsConfig struct {
	Workers        int
	QueueSize      int
	Retention      int
	DefaultTimeout string
	// AgentTimeouts overrides DefaultTimeout per agent kind, written as
	// "kind=duration,kind=duration".
	AgentTimeouts string
}

type EventsConfig struct {
	DeliveryAttempts int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:    4000,
			MCPPort: 4001,
		},
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			ChatModel:  "phi3.5",
			EmbedModel: "nomic-embed-text",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Cache: CacheConfig{
			Threshold:       0.90,
			AdminThreshold:  0.80,
			EnsureTopResult: true,
			MinGistWords:    2,
		},
		Jobs: JobsConfig{
			Workers:        4,
			QueueSize:      256,
			Retention:      1000,
			DefaultTimeout: "30s",
		},
		Events: EventsConfig{
			DeliveryAttempts: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file at
// $XDG_CONFIG_HOME/genie/config.json, then applies GENIE_* environment
// variables on top. The API token is resolved last.
func Load() (Config, error) {
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if cfg.Server.APIToken == "" {
		token, err := EnsureAPIToken(cfg.Storage.DataDir)
		if err != nil {
			return Config{}, err
		}
		cfg.Server.APIToken = token
	}
	return cfg, nil
}

// Validate reports every invalid value at once.
func (c Config) Validate() error {
	var errs []error
	for _, f := range []struct {
		key string
		v   float64
	}{
		{"cache.threshold", c.Cache.Threshold},
		{"cache.admin_threshold", c.Cache.AdminThreshold},
	} {
		if f.v < 0 || f.v > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0, 1], got %v", f.key, f.v))
		}
	}
	if c.Jobs.Workers < 1 {
		errs = append(errs, fmt.Errorf("jobs.workers must be at least 1, got %d", c.Jobs.Workers))
	}
	if c.Jobs.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("jobs.queue_size must be at least 1, got %d", c.Jobs.QueueSize))
	}
	if _, _, err := c.Jobs.Timeouts(); err != nil {
		errs = append(errs, err)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Timeouts parses the default timeout and the per-kind overrides.
func (j JobsConfig) Timeouts() (time.Duration, map[string]time.Duration, error) {
	def, err := time.ParseDuration(j.DefaultTimeout)
	if err != nil || def <= 0 {
		return 0, nil, fmt.Errorf("jobs.default_timeout: invalid duration %q", j.DefaultTimeout)
	}
	perKind := make(map[string]time.Duration)
	for _, part := range strings.Split(j.AgentTimeouts, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kind, raw, ok := strings.Cut(part, "=")
		kind = strings.TrimSpace(kind)
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if !ok || kind == "" || err != nil || d <= 0 {
			return 0, nil, fmt.Errorf("jobs.agent_timeouts: invalid entry %q, want kind=duration", part)
		}
		perKind[kind] = d
	}
	return def, perKind, nil
}
