package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "storage.data_dir", typ: kString, env: "BOTWATCH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.database_name", typ: kString, env: "BOTWATCH_STORAGE_DATABASE_NAME",
		apply:   func(cfg *Config, v any) { cfg.Storage.DatabaseName = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DatabaseName },
	},
	{
		key: "stream.base_url", typ: kString, env: "BOTWATCH_STREAM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Stream.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Stream.BaseURL },
	},
	{
		key: "stream.rest_base_url", typ: kString, env: "BOTWATCH_STREAM_REST_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Stream.RESTBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Stream.RESTBaseURL },
	},
	{
		key: "stream.stall_timeout", typ: kString, env: "BOTWATCH_STREAM_STALL_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Stream.StallTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Stream.StallTimeout },
	},
	{
		key: "scoring.base_url", typ: kString, env: "BOTWATCH_SCORING_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Scoring.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Scoring.BaseURL },
	},
	{
		key: "scoring.rapidapi_host", typ: kString, env: "BOTWATCH_SCORING_RAPIDAPI_HOST",
		apply:   func(cfg *Config, v any) { cfg.Scoring.Host = v.(string) },
		extract: func(cfg Config) any { return cfg.Scoring.Host },
	},
	{
		key: "scoring.timeout", typ: kString, env: "BOTWATCH_SCORING_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Scoring.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Scoring.Timeout },
	},
	{
		key: "scoring.max_retries", typ: kInt, env: "BOTWATCH_SCORING_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Scoring.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Scoring.MaxRetries },
	},
	{
		key: "scoring.retry_delay", typ: kString, env: "BOTWATCH_SCORING_RETRY_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Scoring.RetryDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Scoring.RetryDelay },
	},
	{
		key: "log.level", typ: kString, env: "BOTWATCH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "metrics.addr", typ: kString, env: "BOTWATCH_METRICS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Metrics.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Metrics.Addr },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
