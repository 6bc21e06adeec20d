package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ErrMissingCredential is returned by Validate when a required API key or
// connection string is absent. It is a deployment error and is never retried.
var ErrMissingCredential = eris.New("config: missing credential")

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OCR        OCRConfig        `yaml:"ocr" mapstructure:"ocr"`
	Browser    BrowserConfig    `yaml:"browser" mapstructure:"browser"`
	Ingest     IngestConfig     `yaml:"ingest" mapstructure:"ingest"`
	Dedupe     DedupeConfig     `yaml:"dedupe" mapstructure:"dedupe"`
	Links      LinksConfig      `yaml:"links" mapstructure:"links"`
	Classify   ClassifyConfig   `yaml:"classify" mapstructure:"classify"`
	Blob       BlobConfig       `yaml:"blob" mapstructure:"blob"`
	Notify     NotifyConfig     `yaml:"notify" mapstructure:"notify"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Model       string `yaml:"model" mapstructure:"model"`
	SenderModel string `yaml:"sender_model" mapstructure:"sender_model"`
	MaxTokens   int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// OCRConfig configures image and PDF text extraction.
type OCRConfig struct {
	Provider         string `yaml:"provider" mapstructure:"provider"`
	MistralKey       string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel     string `yaml:"mistral_ocr_model" mapstructure:"mistral_ocr_model"`
	MistralBaseURL   string `yaml:"mistral_base_url" mapstructure:"mistral_base_url"`
	PdfToTextPath    string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	TimeoutSecs      int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RetryTimeoutSecs int    `yaml:"retry_timeout_secs" mapstructure:"retry_timeout_secs"`
	MaxPages         int    `yaml:"max_pages" mapstructure:"max_pages"`
	MaxWidth         int    `yaml:"max_width" mapstructure:"max_width"`
}

// BrowserConfig configures headless landing-page capture.
type BrowserConfig struct {
	AllowedDomains []string `yaml:"allowed_domains" mapstructure:"allowed_domains"`
	TimeoutSecs    int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	ViewportWidth  int      `yaml:"viewport_width" mapstructure:"viewport_width"`
	ViewportHeight int      `yaml:"viewport_height" mapstructure:"viewport_height"`
	ExecPath       string   `yaml:"exec_path" mapstructure:"exec_path"`
	LoadingMarkers []string `yaml:"loading_markers" mapstructure:"loading_markers"`
}

// IngestConfig is injected into the heuristic and channel adapters so tests
// can substitute fixtures.
type IngestConfig struct {
	Keywords          []string `yaml:"keywords" mapstructure:"keywords"`
	BrandNames        []string `yaml:"brand_names" mapstructure:"brand_names"`
	HoneytrapPatterns []string `yaml:"honeytrap_patterns" mapstructure:"honeytrap_patterns"`
	RedactionToken    string   `yaml:"redaction_token" mapstructure:"redaction_token"`
	// MediaUsername and MediaPassword authenticate MMS media downloads.
	MediaUsername string `yaml:"media_username" mapstructure:"media_username"`
	MediaPassword string `yaml:"media_password" mapstructure:"media_password"`
}

// DedupeConfig tunes near-duplicate detection.
type DedupeConfig struct {
	Threshold      int   `yaml:"threshold" mapstructure:"threshold"`
	Window         int64 `yaml:"window" mapstructure:"window"`
	CandidateLimit int   `yaml:"candidate_limit" mapstructure:"candidate_limit"`
}

// LinksConfig configures landing URL extraction and redirect resolution.
type LinksConfig struct {
	PlatformDomains  []string `yaml:"platform_domains" mapstructure:"platform_domains"`
	TrackingPatterns []string `yaml:"tracking_patterns" mapstructure:"tracking_patterns"`
	ExcludeKeywords  []string `yaml:"exclude_keywords" mapstructure:"exclude_keywords"`
	MaxHops          int      `yaml:"max_hops" mapstructure:"max_hops"`
	HopTimeoutSecs   int      `yaml:"hop_timeout_secs" mapstructure:"hop_timeout_secs"`
	RatePerSec       float64  `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst            int      `yaml:"burst" mapstructure:"burst"`
}

// ClassifyConfig configures the classification stage.
type ClassifyConfig struct {
	MaxChars   int             `yaml:"max_chars" mapstructure:"max_chars"`
	Exemptions []ExemptionRule `yaml:"exemptions" mapstructure:"exemptions"`
}

// ExemptionRule marks violations with the given codes as exempt when the
// submission's sender matches SenderPattern (case-insensitive substring).
type ExemptionRule struct {
	SenderPattern string   `yaml:"sender_pattern" mapstructure:"sender_pattern"`
	Codes         []string `yaml:"codes" mapstructure:"codes"`
	Reason        string   `yaml:"reason" mapstructure:"reason"`
}

// BlobConfig configures evidence image storage.
type BlobConfig struct {
	Dir           string `yaml:"dir" mapstructure:"dir"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SigningKey    string `yaml:"signing_key" mapstructure:"signing_key"`
	URLTTLMinutes int    `yaml:"url_ttl_minutes" mapstructure:"url_ttl_minutes"`
}

// NotifyConfig configures outbound report delivery.
type NotifyConfig struct {
	WebhookURL string   `yaml:"webhook_url" mapstructure:"webhook_url"`
	ReportTo   string   `yaml:"report_to" mapstructure:"report_to"`
	ReportCC   []string `yaml:"report_cc" mapstructure:"report_cc"`
	From       string   `yaml:"from" mapstructure:"from"`
}

// ResilienceConfig tunes retries and circuit breakers for upstream calls.
type ResilienceConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// ServerConfig configures the webhook server.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins     []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	TriggerTimeoutSecs int      `yaml:"trigger_timeout_secs" mapstructure:"trigger_timeout_secs"`
	MaxUploadMB        int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("SOLWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.trigger_timeout_secs", 300)
	v.SetDefault("server.max_upload_mb", 20)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.sender_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4096)
	v.SetDefault("ocr.provider", "mistral")
	v.SetDefault("ocr.mistral_ocr_model", "mistral-ocr-latest")
	v.SetDefault("ocr.mistral_base_url", "https://api.mistral.ai")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.timeout_secs", 30)
	v.SetDefault("ocr.retry_timeout_secs", 60)
	v.SetDefault("ocr.max_pages", 3)
	v.SetDefault("ocr.max_width", 2000)
	v.SetDefault("browser.allowed_domains", []string{"actblue.com", "winred.com"})
	v.SetDefault("browser.timeout_secs", 15)
	v.SetDefault("browser.viewport_width", 1280)
	v.SetDefault("browser.viewport_height", 1600)
	v.SetDefault("browser.loading_markers", []string{"Loading...", "Please wait"})
	v.SetDefault("ingest.keywords", []string{
		"donate", "contribute", "contribution", "chip in", "pitch in", "match",
		"matched", "deadline", "give", "goal", "fundraising", "donation",
	})
	v.SetDefault("ingest.brand_names", []string{"actblue", "winred"})
	v.SetDefault("ingest.redaction_token", "[redacted]")
	v.SetDefault("dedupe.threshold", 4)
	v.SetDefault("dedupe.window", 1<<24)
	v.SetDefault("dedupe.candidate_limit", 500)
	v.SetDefault("links.platform_domains", []string{"actblue.com"})
	v.SetDefault("links.tracking_patterns", []string{
		"links.", "click.", "track.", "redirect.", "/l/",
		"list-manage.com", "sendgrid.net", "mailchi.mp", "ctrk.", "bit.ly",
	})
	v.SetDefault("links.exclude_keywords", []string{"unsubscribe", "manage", "optout", "opt-out", "preferences"})
	v.SetDefault("links.max_hops", 5)
	v.SetDefault("links.hop_timeout_secs", 3)
	v.SetDefault("links.rate_per_sec", 20)
	v.SetDefault("links.burst", 5)
	v.SetDefault("classify.max_chars", 20000)
	v.SetDefault("blob.dir", "./data/blobs")
	v.SetDefault("blob.base_url", "http://localhost:8080/blobs")
	v.SetDefault("blob.url_ttl_minutes", 60)
	v.SetDefault("resilience.max_attempts", 3)
	v.SetDefault("resilience.initial_backoff_ms", 500)
	v.SetDefault("resilience.max_backoff_ms", 30000)
	v.SetDefault("resilience.failure_threshold", 5)
	v.SetDefault("resilience.reset_timeout_secs", 30)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the settings required by mode are present and in
// range. Missing credentials wrap ErrMissingCredential.
func (c *Config) Validate(mode string) error {
	var missing, invalid []string
	required := func(ok bool, key string) {
		if !ok {
			missing = append(missing, key+" is required")
		}
	}

	// SQLite falls back to a local file.
	hasDB := c.Store.DatabaseURL != "" || c.Store.Driver == "sqlite"

	switch mode {
	case "serve":
		required(hasDB, "store.database_url")
		required(c.Anthropic.Key != "", "anthropic.key")
		required(c.OCR.Provider != "mistral" || c.OCR.MistralKey != "", "ocr.mistral_api_key")
		required(c.Blob.SigningKey != "", "blob.signing_key")
		if c.Server.Port <= 0 {
			invalid = append(invalid, "server.port must be > 0")
		}
	case "ingest", "migrate":
		required(hasDB, "store.database_url")
	case "classify":
		required(hasDB, "store.database_url")
		required(c.Anthropic.Key != "", "anthropic.key")
	case "capture":
		required(hasDB, "store.database_url")
		required(c.Blob.SigningKey != "", "blob.signing_key")
		required(len(c.Browser.AllowedDomains) > 0, "browser.allowed_domains")
	case "report":
		required(hasDB, "store.database_url")
		required(c.Notify.WebhookURL != "", "notify.webhook_url")
		required(c.Notify.ReportTo != "", "notify.report_to")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Dedupe.Threshold < 0 || c.Dedupe.Threshold > 64 {
		invalid = append(invalid, "dedupe.threshold must be between 0 and 64")
	}
	if c.OCR.MaxPages < 0 {
		invalid = append(invalid, "ocr.max_pages must be >= 0")
	}
	if c.Links.MaxHops < 0 {
		invalid = append(invalid, "links.max_hops must be >= 0")
	}

	if len(missing) > 0 {
		return eris.Wrapf(ErrMissingCredential, "%s: %s", mode, strings.Join(missing, "; "))
	}
	if len(invalid) > 0 {
		return eris.Errorf("config: %s: %s", mode, strings.Join(invalid, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
