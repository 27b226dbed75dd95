package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
)

type Config struct {
	LogLevel  string
	LogFormat string

	WatchDir        string
	WatchExtensions []string
	PollInterval    time.Duration
	SettleDuration  time.Duration
	OutputDir       string

	IndexDriver string
	IndexPath   string
	PostgresDSN string
	LeaseTTL    time.Duration

	PaperlessURL      string
	PaperlessToken    string
	PaperlessInsecure bool
	HTTPTimeout       time.Duration
	DMSRateLimit      float64
	TaskPollTimeout   time.Duration
	TaskPollInterval  time.Duration

	LLMProvider       string
	OllamaURL         string
	OllamaVisionModel string
	OllamaJSONModel   string
	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIModel       string

	OverlayURL string

	TagMapPath          string
	MerchantRulesPath   string
	TagPolicy           string
	MinConfidence       float64
	ExtractionStages    []string
	DefaultDocumentType string
	ResyncOnStart       string

	NATSURL     string
	NATSSubject string

	StatusPort string

	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	BreakerEnabled      bool
	BreakerMinRequests  int
}

func Load() Config {
	return Config{
		LogLevel:  mustEnv("LOG_LEVEL", "info"),
		LogFormat: mustEnv("LOG_FORMAT", "json"),

		WatchDir:        mustEnv("WATCH_DIR", "./data/inbox"),
		WatchExtensions: mustEnvList("WATCH_EXTENSIONS", []string{".jpg", ".jpeg", ".png", ".tif", ".tiff", ".pdf"}),
		PollInterval:    mustEnvDuration("POLL_INTERVAL", 10*time.Second),
		SettleDuration:  mustEnvDuration("SETTLE_DURATION", 2*time.Second),
		OutputDir:       mustEnv("OUTPUT_DIR", "./data/output"),

		IndexDriver: mustEnv("INDEX_DRIVER", "sqlite"),
		IndexPath:   mustEnv("INDEX_PATH", "./data/processed_index.db"),
		PostgresDSN: mustEnv("POSTGRES_DSN", ""),
		LeaseTTL:    mustEnvDuration("INDEX_LEASE_TTL", 15*time.Minute),

		PaperlessURL:      mustEnv("PAPERLESS_URL", "http://localhost:8000"),
		PaperlessToken:    mustEnv("PAPERLESS_TOKEN", ""),
		PaperlessInsecure: mustEnvBool("PAPERLESS_INSECURE", false),
		HTTPTimeout:       mustEnvDuration("HTTP_TIMEOUT", 30*time.Second),
		DMSRateLimit:      mustEnvFloat("DMS_RATE_LIMIT", 5),
		TaskPollTimeout:   mustEnvDuration("TASK_POLL_TIMEOUT", 60*time.Second),
		TaskPollInterval:  mustEnvDuration("TASK_POLL_INTERVAL", 2*time.Second),

		LLMProvider:       mustEnv("LLM_PROVIDER", "ollama"),
		OllamaURL:         mustEnv("OLLAMA_URL", "http://localhost:11434"),
		OllamaVisionModel: mustEnv("OLLAMA_VISION_MODEL", "qwen2.5vl:7b"),
		OllamaJSONModel:   mustEnv("OLLAMA_JSON_MODEL", "qwen2.5vl:7b"),
		OpenAIAPIKey:      mustEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     mustEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:       mustEnv("OPENAI_MODEL", "gpt-4o-mini"),

		OverlayURL: mustEnv("OVERLAY_URL", ""),

		TagMapPath:          mustEnv("TAG_MAP_PATH", ""),
		MerchantRulesPath:   mustEnv("MERCHANT_RULES_PATH", ""),
		TagPolicy:           mustEnv("TAG_POLICY", string(domain.TagPolicyOverwrite)),
		MinConfidence:       mustEnvFloat("MIN_CONFIDENCE", 0.7),
		ExtractionStages:    mustEnvList("EXTRACTION_STAGES", []string{"transcript", "pdf-rules", "llm"}),
		DefaultDocumentType: mustEnv("DEFAULT_DOCUMENT_TYPE", domain.DefaultDocumentType),
		ResyncOnStart:       mustEnv("RESYNC_ON_START", "auto"),

		NATSURL:     mustEnv("NATS_URL", ""),
		NATSSubject: mustEnv("NATS_SUBJECT", "receipts.synced"),

		StatusPort: mustEnv("STATUS_PORT", "9090"),

		RetryMaxAttempts:    mustEnvInt("RETRY_MAX_ATTEMPTS", 3),
		RetryInitialBackoff: mustEnvDuration("RETRY_INITIAL_BACKOFF", 200*time.Millisecond),
		RetryMaxBackoff:     mustEnvDuration("RETRY_MAX_BACKOFF", 2*time.Second),
		BreakerEnabled:      mustEnvBool("BREAKER_ENABLED", true),
		BreakerMinRequests:  mustEnvInt("BREAKER_MIN_REQUESTS", 10),
	}
}

// Validate reports every invalid setting at once, wrapped in domain.ErrConfig.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.WatchDir) == "" {
		errs = append(errs, errors.New("WATCH_DIR is required"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("POLL_INTERVAL must be positive"))
	}
	switch c.IndexDriver {
	case "sqlite":
		if strings.TrimSpace(c.IndexPath) == "" {
			errs = append(errs, errors.New("INDEX_PATH is required for the sqlite index"))
		}
	case "postgres":
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("POSTGRES_DSN is required for the postgres index"))
		}
	default:
		errs = append(errs, fmt.Errorf("INDEX_DRIVER %q is not one of sqlite, postgres", c.IndexDriver))
	}
	if strings.TrimSpace(c.PaperlessURL) == "" {
		errs = append(errs, errors.New("PAPERLESS_URL is required"))
	}
	if strings.TrimSpace(c.PaperlessToken) == "" {
		errs = append(errs, errors.New("PAPERLESS_TOKEN is required"))
	}
	switch domain.TagPolicy(c.TagPolicy) {
	case domain.TagPolicyOverwrite, domain.TagPolicyMerge:
	default:
		errs = append(errs, fmt.Errorf("TAG_POLICY %q is not one of overwrite, merge", c.TagPolicy))
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("MIN_CONFIDENCE %.2f is outside [0,1]", c.MinConfidence))
	}
	for _, stage := range c.ExtractionStages {
		switch stage {
		case "transcript", "pdf-rules", "llm":
		default:
			errs = append(errs, fmt.Errorf("unknown extraction stage %q", stage))
		}
	}
	switch c.LLMProvider {
	case "ollama":
	case "openai":
		if strings.TrimSpace(c.OpenAIAPIKey) == "" {
			errs = append(errs, errors.New("OPENAI_API_KEY is required for the openai provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("LLM_PROVIDER %q is not one of ollama, openai", c.LLMProvider))
	}
	switch c.ResyncOnStart {
	case "auto", "always", "never":
	default:
		errs = append(errs, fmt.Errorf("RESYNC_ON_START %q is not one of auto, always, never", c.ResyncOnStart))
	}
	if c.TaskPollTimeout < 0 || c.TaskPollInterval <= 0 {
		errs = append(errs, errors.New("TASK_POLL_TIMEOUT must be >= 0 and TASK_POLL_INTERVAL > 0"))
	}
	if len(errs) == 0 {
		return nil
	}
	return domain.WrapError(domain.ErrConfig, "validate config", errors.Join(errs...))
}

func mustEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func mustEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func mustEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func mustEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func mustEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func mustEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.ToLower(strings.TrimSpace(item)); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
