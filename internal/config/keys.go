package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "GENIE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.mcp_port", typ: kInt, env: "GENIE_SERVER_MCP_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.MCPPort = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MCPPort },
	},
	{
		key: "server.api_token", typ: kString, env: "GENIE_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "ollama.base_url", typ: kString, env: "GENIE_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.chat_model", typ: kString, env: "GENIE_OLLAMA_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.ChatModel },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "GENIE_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "storage.data_dir", typ: kString, env: "GENIE_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "cache.threshold", typ: kFloat, env: "GENIE_CACHE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Cache.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Cache.Threshold },
	},
	{
		key: "cache.admin_threshold", typ: kFloat, env: "GENIE_CACHE_ADMIN_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Cache.AdminThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Cache.AdminThreshold },
	},
	{
		key: "cache.ensure_top_result", typ: kBool, env: "GENIE_CACHE_ENSURE_TOP_RESULT",
		apply:   func(cfg *Config, v any) { cfg.Cache.EnsureTopResult = v.(bool) },
		extract: func(cfg Config) any { return cfg.Cache.EnsureTopResult },
	},
	{
		key: "cache.min_gist_words", typ: kInt, env: "GENIE_CACHE_MIN_GIST_WORDS",
		apply:   func(cfg *Config, v any) { cfg.Cache.MinGistWords = v.(int) },
		extract: func(cfg Config) any { return cfg.Cache.MinGistWords },
	},
	{
		key: "jobs.workers", typ: kInt, env: "GENIE_JOBS_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.Workers },
	},
	{
		key: "jobs.queue_size", typ: kInt, env: "GENIE_JOBS_QUEUE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Jobs.QueueSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.QueueSize },
	},
	{
		key: "jobs.retention", typ: kInt, env: "GENIE_JOBS_RETENTION",
		apply:   func(cfg *Config, v any) { cfg.Jobs.Retention = v.(int) },
		extract: func(cfg Config) any { return cfg.Jobs.Retention },
	},
	{
		key: "jobs.default_timeout", typ: kString, env: "GENIE_JOBS_DEFAULT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Jobs.DefaultTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Jobs.DefaultTimeout },
	},
	{
		key: "jobs.agent_timeouts", typ: kString, env: "GENIE_JOBS_AGENT_TIMEOUTS",
		apply:   func(cfg *Config, v any) { cfg.Jobs.AgentTimeouts = v.(string) },
		extract: func(cfg Config) any { return cfg.Jobs.AgentTimeouts },
	},
	{
		key: "events.delivery_attempts", typ: kInt, env: "GENIE_EVENTS_DELIVERY_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Events.DeliveryAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Events.DeliveryAttempts },
	},
	{
		key: "log.level", typ: kString, env: "GENIE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}
		v, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok {
			continue
		}
		if parsed, err := parseValue(s.typ, v); err == nil {
			s.apply(cfg, parsed)
		} else {
			slog.Warn("ignoring invalid config value", "key", s.key, "value", v, "error", err)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if s.env == "" || raw == "" {
			continue
		}
		if v, err := parseValue(s.typ, raw); err == nil {
			s.apply(cfg, v)
		} else {
			slog.Warn("ignoring invalid environment override", "env", s.env, "value", raw, "error", err)
		}
	}
}

func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	default:
		return raw, nil
	}
}
