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
		key: "server.port", typ: kInt, env: "MEDIDASH_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "MEDIDASH_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "llm.provider", typ: kString, env: "MEDIDASH_LLM_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.LLM.Provider = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Provider },
	},
	{
		key: "llm.report_model", typ: kString, env: "MEDIDASH_LLM_REPORT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.ReportModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.ReportModel },
	},
	{
		key: "llm.prescription_model", typ: kString, env: "MEDIDASH_LLM_PRESCRIPTION_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.PrescriptionModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.PrescriptionModel },
	},
	{
		key: "llm.chat_model", typ: kString, env: "MEDIDASH_LLM_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.ChatModel = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.ChatModel },
	},
	{
		key: "llm.ollama_base_url", typ: kString, env: "MEDIDASH_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.OllamaBaseURL },
	},
	{
		key: "llm.gemini_api_key", typ: kString, env: "MEDIDASH_GEMINI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.GeminiAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.GeminiAPIKey },
	},
	{
		key: "llm.gemini_api_key_reports", typ: kString, env: "MEDIDASH_GEMINI_API_KEY_REPORTS",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.GeminiReportsAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.GeminiReportsAPIKey },
	},
	{
		key: "llm.gemini_api_key_prescriptions", typ: kString, env: "MEDIDASH_GEMINI_API_KEY_PRESCRIPTIONS",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.GeminiPrescriptionsAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.GeminiPrescriptionsAPIKey },
	},
	{
		key: "llm.openrouter_api_key", typ: kString, env: "MEDIDASH_OPENROUTER_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.OpenRouterAPIKey },
	},
	{
		key: "places.client_id", typ: kString, env: "MEDIDASH_MAPPLS_CLIENT_ID",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Places.ClientID = v.(string) },
		extract: func(cfg Config) any { return cfg.Places.ClientID },
	},
	{
		key: "places.client_secret", typ: kString, env: "MEDIDASH_MAPPLS_CLIENT_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Places.ClientSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Places.ClientSecret },
	},
	{
		key: "storage.driver", typ: kString, env: "MEDIDASH_STORAGE_DRIVER",
		apply:   func(cfg *Config, v any) { cfg.Storage.Driver = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Driver },
	},
	{
		key: "storage.data_dir", typ: kString, env: "MEDIDASH_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.url", typ: kString, env: "MEDIDASH_STORAGE_URL",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Storage.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.URL },
	},
	{
		key: "storage.firestore_project", typ: kString, env: "MEDIDASH_FIRESTORE_PROJECT",
		apply:   func(cfg *Config, v any) { cfg.Storage.FirestoreProject = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.FirestoreProject },
	},
	{
		key: "retry.max_attempts", typ: kInt, env: "MEDIDASH_RETRY_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Retry.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Retry.MaxAttempts },
	},
	{
		key: "retry.base_delay", typ: kString, env: "MEDIDASH_RETRY_BASE_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Retry.BaseDelay = v.(string) },
		extract: func(cfg Config) any { return cfg.Retry.BaseDelay },
	},
	{
		key: "retry.multiplier", typ: kFloat, env: "MEDIDASH_RETRY_MULTIPLIER",
		apply:   func(cfg *Config, v any) { cfg.Retry.Multiplier = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retry.Multiplier },
	},
	{
		key: "notify.webhook_url", typ: kString, env: "MEDIDASH_NOTIFY_WEBHOOK_URL",
		apply:   func(cfg *Config, v any) { cfg.Notify.WebhookURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.WebhookURL },
	},
	{
		key: "notify.webhook_token", typ: kString, env: "MEDIDASH_NOTIFY_WEBHOOK_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Notify.WebhookToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.WebhookToken },
	},
	{
		key: "notify.poll_interval", typ: kString, env: "MEDIDASH_NOTIFY_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Notify.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Notify.PollInterval },
	},
	{
		key: "telemetry.enabled", typ: kBool, env: "MEDIDASH_TELEMETRY_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Telemetry.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Telemetry.Enabled },
	},
	{
		key: "chat.context_tokens", typ: kInt, env: "MEDIDASH_CHAT_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Chat.ContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.ContextTokens },
	},
	{
		key: "mcp.owner", typ: kString, env: "MEDIDASH_MCP_OWNER",
		apply:   func(cfg *Config, v any) { cfg.MCP.Owner = v.(string) },
		extract: func(cfg Config) any { return cfg.MCP.Owner },
	},
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
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		case kFloat:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if f, err := strconv.ParseFloat(v, 64); err == nil {
					s.apply(cfg, f)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse float from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
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
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

// applySecrets fills secret keys left empty by the environment from the
// secret store, keyed by config key.
func applySecrets(cfg *Config, store SecretStore) {
	if store == nil {
		return
	}
	for _, s := range specs {
		if !s.secret || s.extract(*cfg) != "" {
			continue
		}
		if v, err := store.Get(s.key); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
