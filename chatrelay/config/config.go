package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

type Config struct {
	Port   string
	AppEnv string
	LogDir string

	LLMProvider       string
	AnthropicAPIKey   string
	OpenAIAPIKey      string
	LLMBaseURL        string
	LLMModel          string
	LLMMaxTokens      int
	EnableMocking     bool
	GenerationTimeout time.Duration

	ElevenLabsAPIKey  string
	ElevenLabsVoiceID string
	ElevenLabsBaseURL string

	RetentionWindow  time.Duration
	SweepInterval    time.Duration
	MaxContentLength int
	SanitizePatterns []string

	MinIOEndpoint  string
	MinIOAccessKey string
	MinIOSecretKey string
	MinIOBucket    string
	MinIOSecure    bool
}

// overlay is the optional YAML file named by CHATRELAY_CONFIG. Only the
// knobs that are awkward to express as env vars live here.
type overlay struct {
	Sanitize struct {
		Patterns  []string `yaml:"patterns"`
		MaxLength int      `yaml:"max_length"`
	} `yaml:"sanitize"`
	Retention     string `yaml:"retention"`
	SweepInterval string `yaml:"sweep_interval"`
}

func LoadConfig() (Config, error) {
	// a missing .env is fine; real deployments use the environment
	_ = godotenv.Load()

	cfg := Config{
		Port:   getEnv("PORT", "8000"),
		AppEnv: getEnv("APP_ENV", "development"),
		LogDir: getEnv("LOG_DIR", "./logs"),

		LLMProvider:       strings.ToLower(getEnv("LLM_PROVIDER", ProviderAnthropic)),
		AnthropicAPIKey:   getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:      getEnv("OPENAI_API_KEY", ""),
		LLMBaseURL:        getEnv("LLM_BASE_URL", ""),
		LLMModel:          getEnv("LLM_MODEL", "claude-3-5-sonnet-20241022"),
		LLMMaxTokens:      getEnvInt("LLM_MAX_TOKENS", 4096),
		EnableMocking:     getEnvBool("ENABLE_MOCKING", false),
		GenerationTimeout: getEnvDuration("GENERATION_TIMEOUT", 60*time.Second),

		ElevenLabsAPIKey:  getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID: getEnv("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsBaseURL: getEnv("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io/v1"),

		RetentionWindow:  getEnvDuration("RETENTION_WINDOW", 24*time.Hour),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", time.Hour),
		MaxContentLength: getEnvInt("MAX_CONTENT_LENGTH", 10000),

		MinIOEndpoint:  getEnv("MINIO_ENDPOINT", ""),
		MinIOAccessKey: getEnv("MINIO_ACCESS_KEY", ""),
		MinIOSecretKey: getEnv("MINIO_SECRET_KEY", ""),
		MinIOBucket:    getEnv("MINIO_BUCKET", "chatrelay"),
		MinIOSecure:    getEnvBool("MINIO_SECURE", false),
	}

	if path := getEnv("CHATRELAY_CONFIG", ""); path != "" {
		if err := cfg.applyOverlay(path); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func (c *Config) applyOverlay(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config overlay %s", path)
	}
	var o overlay
	if err := yaml.Unmarshal(data, &o); err != nil {
		return errors.Wrapf(err, "parse config overlay %s", path)
	}

	c.SanitizePatterns = append(c.SanitizePatterns, o.Sanitize.Patterns...)
	if o.Sanitize.MaxLength > 0 {
		c.MaxContentLength = o.Sanitize.MaxLength
	}
	if o.Retention != "" {
		d, err := time.ParseDuration(o.Retention)
		if err != nil {
			return errors.Wrap(err, "overlay retention")
		}
		c.RetentionWindow = d
	}
	if o.SweepInterval != "" {
		d, err := time.ParseDuration(o.SweepInterval)
		if err != nil {
			return errors.Wrap(err, "overlay sweep_interval")
		}
		c.SweepInterval = d
	}
	return nil
}

// LLMKey is the credential for the selected provider.
func (c Config) LLMKey() string {
	if c.LLMProvider == ProviderOpenAI {
		return c.OpenAIAPIKey
	}
	return c.AnthropicAPIKey
}

// MockMode reports whether generation is answered locally.
func (c Config) MockMode() bool {
	return c.EnableMocking || c.LLMKey() == ""
}

func (c Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func (c Config) ArchiveEnabled() bool {
	return c.MinIOEndpoint != ""
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

// getEnvDuration accepts Go durations ("90s") or bare milliseconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
