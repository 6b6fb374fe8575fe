package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	LLM       LLMConfig
	Places    PlacesConfig
	Storage   StorageConfig
	Retry     RetryConfig
	Notify    NotifyConfig
	Telemetry TelemetryConfig
	Chat      ChatConfig
	MCP       MCPConfig
}

type ServerConfig struct {
	Port int
}

type LogConfig struct {
	Level string
}

// LLM providers.
const (
	ProviderGemini     = "gemini"
	ProviderOpenRouter = "openrouter"
	ProviderOllama     = "ollama"
)

type LLMConfig struct {
	Provider          string
	ReportModel       string
	PrescriptionModel string
	ChatModel         string

	// GeminiAPIKey is the fallback for the per-client keys.
	GeminiAPIKey              string
	GeminiReportsAPIKey       string
	GeminiPrescriptionsAPIKey string

	OpenRouterAPIKey string
	OllamaBaseURL    string
}

type PlacesConfig struct {
	ClientID     string
	ClientSecret string
}

// Storage drivers.
const (
	DriverSQLite    = "sqlite"
	DriverPostgres  = "postgres"
	DriverFirestore = "firestore"
)

type StorageConfig struct {
	Driver           string
	DataDir          string
	URL              string
	FirestoreProject string
}

type RetryConfig struct {
	MaxAttempts int
	BaseDelay   string
	Multiplier  float64
}

type NotifyConfig struct {
	WebhookURL   string
	WebhookToken string
	PollInterval string
}

type TelemetryConfig struct {
	Enabled bool
}

type ChatConfig struct {
	ContextTokens int
}

type MCPConfig struct {
	Owner string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{Port: 4100},
		Log:    LogConfig{Level: "info"},
		LLM: LLMConfig{
			Provider:          ProviderGemini,
			ReportModel:       "gemini-2.0-flash",
			PrescriptionModel: "gemini-2.0-flash",
			ChatModel:         "gemini-2.0-flash",
			OllamaBaseURL:     "http://localhost:11434",
		},
		Storage: StorageConfig{
			Driver:  DriverSQLite,
			DataDir: dataHome(),
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   "1s",
			Multiplier:  2,
		},
		Notify: NotifyConfig{PollInterval: "500ms"},
		Chat:   ChatConfig{ContextTokens: 4096},
		MCP:    MCPConfig{Owner: "default"},
	}
}

// Load reads configuration, lowest precedence first: defaults, the config
// file at $XDG_CONFIG_HOME/medidash/config.{yaml,json}, a .env file in the
// working directory, MEDIDASH_* environment variables, and finally the
// secrets file for credentials still unset.
func Load() (Config, error) {
	loadDotEnv()
	return loadWith(newPlatformBackend(), NewSecretStore())
}

// LoadClient is Load without validation, for commands that only talk to a
// running server and need the port and data dir.
func LoadClient() (Config, error) {
	loadDotEnv()
	return resolve(newPlatformBackend(), NewSecretStore())
}

// loadDotEnv copies .env entries into the environment without overriding
// variables that are already set.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "[WARN] could not load .env: %v\n", err)
	}
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg, err := resolve(b, secrets)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func resolve(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, secrets)
	return cfg, nil
}

// Validate checks that the selected provider and driver have what they need.
func (c Config) Validate() error {
	switch c.LLM.Provider {
	case ProviderGemini:
		// The shared key serves chat and any client without its own key.
		if c.LLM.GeminiAPIKey == "" {
			return fmt.Errorf("missing required config: Gemini API key. Set MEDIDASH_GEMINI_API_KEY")
		}
	case ProviderOpenRouter:
		if c.LLM.OpenRouterAPIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key. Set MEDIDASH_OPENROUTER_API_KEY")
		}
	case ProviderOllama:
	default:
		return fmt.Errorf("unknown llm.provider %q (valid: gemini, openrouter, ollama)", c.LLM.Provider)
	}

	switch c.Storage.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Storage.URL == "" {
			return fmt.Errorf("storage.driver=postgres requires MEDIDASH_STORAGE_URL")
		}
	case DriverFirestore:
		if c.Storage.FirestoreProject == "" {
			return fmt.Errorf("storage.driver=firestore requires storage.firestore_project")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q (valid: sqlite, postgres, firestore)", c.Storage.Driver)
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be at least 1, got %v", c.Retry.Multiplier)
	}
	return nil
}

// GeminiKey returns the key for a client, falling back to the shared key.
func (c LLMConfig) GeminiKey(specific string) string {
	if specific != "" {
		return specific
	}
	return c.GeminiAPIKey
}

// Debug reports whether debug logging is on.
func (c LogConfig) Debug() bool {
	return strings.EqualFold(c.Level, "debug")
}

// Delay parses retry.base_delay, falling back to one second.
func (c RetryConfig) Delay() time.Duration {
	return parseDuration(c.BaseDelay, time.Second)
}

// Poll parses notify.poll_interval, falling back to 500ms.
func (c NotifyConfig) Poll() time.Duration {
	return parseDuration(c.PollInterval, 500*time.Millisecond)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		if s != "" {
			fmt.Fprintf(os.Stderr, "[WARN] invalid duration %q, using %s\n", s, fallback)
		}
		return fallback
	}
	return d
}
