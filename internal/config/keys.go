package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
	kDuration
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
		key: "server.port", typ: kInt, env: "CARLLM_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "CARLLM_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "openrouter.base_url", typ: kString, env: "CARLLM_OPENROUTER_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.BaseURL },
	},
	{
		key: "openrouter.api_key", typ: kString, env: "CARLLM_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenRouter.APIKey },
	},
	{
		key: "openrouter.request_timeout", typ: kDuration, env: "CARLLM_OPENROUTER_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.OpenRouter.RequestTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.OpenRouter.RequestTimeout },
	},
	{
		key: "models.intake", typ: kString, env: "CARLLM_MODELS_INTAKE",
		apply:   func(cfg *Config, v any) { cfg.Models.Intake = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Intake },
	},
	{
		key: "models.chat", typ: kString, env: "CARLLM_MODELS_CHAT",
		apply:   func(cfg *Config, v any) { cfg.Models.Chat = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Chat },
	},
	{
		key: "models.judge", typ: kString, env: "CARLLM_MODELS_JUDGE",
		apply:   func(cfg *Config, v any) { cfg.Models.Judge = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Judge },
	},
	{
		key: "models.extraction", typ: kString, env: "CARLLM_MODELS_EXTRACTION",
		apply:   func(cfg *Config, v any) { cfg.Models.Extraction = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Extraction },
	},
	{
		key: "models.fanout", typ: kString, env: "CARLLM_MODELS_FANOUT",
		apply:   func(cfg *Config, v any) { cfg.Models.FanOut = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.FanOut },
	},
	{
		key: "pipeline.sufficiency_threshold", typ: kFloat, env: "CARLLM_PIPELINE_SUFFICIENCY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.SufficiencyThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.SufficiencyThreshold },
	},
	{
		key: "pipeline.progress_interval", typ: kDuration, env: "CARLLM_PIPELINE_PROGRESS_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.ProgressInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.ProgressInterval },
	},
	{
		key: "extraction.confidence_threshold", typ: kFloat, env: "CARLLM_EXTRACTION_CONFIDENCE_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Extraction.ConfidenceThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Extraction.ConfidenceThreshold },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "CARLLM_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "mcp.user_id", typ: kString, env: "CARLLM_MCP_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.MCP.UserID = v.(string) },
		extract: func(cfg Config) any { return cfg.MCP.UserID },
	},
	{
		key: "log.level", typ: kString, env: "CARLLM_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parseValue converts raw text to the Go type of a key.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kInt:
		return strconv.Atoi(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, err
		}
		if d <= 0 {
			return nil, fmt.Errorf("duration must be positive")
		}
		return d, nil
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat, kDuration:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || v == "" {
				continue
			}
			if parsed, err := parseValue(s.typ, v); err == nil {
				s.apply(cfg, parsed)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, v, err)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
