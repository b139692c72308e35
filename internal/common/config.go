package common

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/retriever/internal/interfaces"
)

// Config represents the Batcher's application configuration.
type Config struct {
	Environment string        `toml:"environment"` // "development" or "production" - controls test URL validation
	Server      ServerConfig  `toml:"server"`
	Broker      BrokerConfig  `toml:"broker"`
	Storage     StorageConfig `toml:"storage"`
	Logging     LoggingConfig `toml:"logging"`
	Docs        DocsConfig    `toml:"docs"` // Operator runbook directory (./docs/*.md)
	Variables   KeysDirConfig `toml:"variables"`
	Crawler     CrawlerConfig `toml:"crawler"` // Thin HTML-to-text collaborator used for demonstration
	Search      SearchConfig  `toml:"search"`  // Thin search-engine adapter collaborator
	WebSocket   WebSocketConfig `toml:"websocket"`
	Gemini      GeminiConfig  `toml:"gemini"`
	Claude      ClaudeConfig  `toml:"claude"`
	LLM         LLMConfig     `toml:"llm"`
	Batcher     BatcherConfig `toml:"batcher"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// BrokerConfig configures the five named work queues (search, crawl,
// analyze, poll, telegram) backing internal/broker.
type BrokerConfig struct {
	PollInterval      string `toml:"poll_interval"`      // e.g., "1s" - how often consumers poll for messages
	Concurrency       int    `toml:"concurrency"`        // Number of concurrent consumers per queue
	VisibilityTimeout string `toml:"visibility_timeout"` // e.g., "5m" - message visibility timeout for redelivery
	MaxReceive        int    `toml:"max_receive"`        // Max times a message can be received before dead-letter
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup for clean test runs
}

type LoggingConfig struct {
	Level         string   `toml:"level"`           // "debug", "info", "warn", "error"
	Format        string   `toml:"format"`          // "json" or "text"
	Output        []string `toml:"output"`          // "stdout", "file"
	TimeFormat    string   `toml:"time_format"`     // Time format for logs (default: "15:04:05.000")
	MinEventLevel string   `toml:"min_event_level"` // Minimum log level published as events to the admin stream
}

// DocsConfig contains configuration for the goldmark-rendered operator runbook
type DocsConfig struct {
	Dir        string   `toml:"dir"`        // Directory containing documentation files (default: "./docs")
	Extensions []string `toml:"extensions"` // File extensions to scan (default: [".md"])
}

// KeysDirConfig contains configuration for key/value file loading (API keys, secrets)
type KeysDirConfig struct {
	Dir string `toml:"dir"` // Directory containing variable files (TOML)
}

// CrawlerConfig configures the thin HTML-to-text extraction collaborator
// (goquery/html-to-markdown, optionally chromedp) that turns a crawled page
// into Item.Text. The Batcher itself never fetches pages; this stand-in
// exists so the pipeline can be demonstrated end to end.
type CrawlerConfig struct {
	UserAgent      string        `toml:"user_agent"`
	RequestTimeout time.Duration `toml:"request_timeout"`
	MaxBodySize    int           `toml:"max_body_size"`
	EnableJavaScript bool        `toml:"enable_javascript"` // Render with chromedp for JS-heavy pages
}

// SearchConfig configures the thin search-engine adapter collaborator that
// surfaces candidate Items for a SourceQuery.
type SearchConfig struct {
	Mode      string `toml:"mode"`       // "live" or "disabled"
	RateLimit string `toml:"rate_limit"` // Minimum time between search requests
}

// WebSocketConfig configures the admin live-status stream (/api/jobs/stream).
type WebSocketConfig struct {
	MinLevel        string   `toml:"min_level"`
	ExcludePatterns []string `toml:"exclude_patterns"`
}

// GeminiConfig contains Google Gemini batch-inference provider configuration.
type GeminiConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	Timeout     string  `toml:"timeout"`     // Operation timeout as duration string (default: "5m")
	RateLimit   string  `toml:"rate_limit"`  // Rate limit duration string (default: "4s")
	Temperature float32 `toml:"temperature"`
}

// ClaudeConfig contains Anthropic Claude configuration for the ad-hoc
// single-item probe endpoint.
type ClaudeConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	MaxTokens   int     `toml:"max_tokens"`
	Timeout     string  `toml:"timeout"`
	RateLimit   string  `toml:"rate_limit"`
	Temperature float32 `toml:"temperature"`
}

// LLMProvider represents the AI provider type
type LLMProvider string

const (
	LLMProviderGemini LLMProvider = "gemini"
	LLMProviderClaude LLMProvider = "claude"
)

// LLMConfig contains unified configuration for provider selection.
type LLMConfig struct {
	DefaultProvider LLMProvider `toml:"default_provider"` // "gemini" or "claude"
}

// BatcherConfig is the core Batcher configuration (spec.md §6.5).
type BatcherConfig struct {
	MaxBatchBytes   int64  `toml:"max_batch_bytes"`   // Size cap per Job. Default 1 GiB.
	IdleSeconds     int    `toml:"idle_seconds"`      // Quiescence before forced rollover. Default 120.
	TickSeconds     int    `toml:"tick_seconds"`      // Scheduler period. Default 60.
	ProviderModel   string `toml:"provider_model"`    // Fixed model identifier in every batch.
	ProviderTimeout string `toml:"provider_timeout"`  // Per-call deadline for provider ops. Default "60s".
	StoreTimeout    string `toml:"store_timeout"`     // Per-call deadline for store ops. Default "10s".
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in retriever.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Broker: BrokerConfig{
			PollInterval:      "1s",
			Concurrency:       4,
			VisibilityTimeout: "5m",
			MaxReceive:        3,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Logging: LoggingConfig{
			Level:         "info",
			Format:        "text",
			Output:        []string{"stdout", "file"},
			MinEventLevel: "info",
		},
		Docs: DocsConfig{
			Dir:        "./docs",
			Extensions: []string{".md"},
		},
		Variables: KeysDirConfig{
			Dir: "./",
		},
		Crawler: CrawlerConfig{
			UserAgent:        "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			RequestTimeout:   30 * time.Second,
			MaxBodySize:      10 * 1024 * 1024,
			EnableJavaScript: false,
		},
		Search: SearchConfig{
			Mode:      "live",
			RateLimit: "1s",
		},
		WebSocket: WebSocketConfig{
			MinLevel: "info",
			ExcludePatterns: []string{
				"WebSocket client connected",
				"WebSocket client disconnected",
			},
		},
		Gemini: GeminiConfig{
			APIKey:      "",
			Model:       "gemini-3-flash-preview",
			Timeout:     "5m",
			RateLimit:   "4s",
			Temperature: 0.1,
		},
		Claude: ClaudeConfig{
			APIKey:      "",
			Model:       "claude-haiku-3-5-20241022",
			MaxTokens:   8192,
			Timeout:     "1m",
			RateLimit:   "1s",
			Temperature: 0.1,
		},
		LLM: LLMConfig{
			DefaultProvider: LLMProviderGemini,
		},
		Batcher: BatcherConfig{
			MaxBatchBytes:   1 << 30, // 1 GiB
			IdleSeconds:     120,
			TickSeconds:     60,
			ProviderModel:   "gemini-3-flash-preview",
			ProviderTimeout: "60s",
			StoreTimeout:    "10s",
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env -> CLI
// kvStorage can be nil (replacement will be skipped)
func LoadFromFile(kvStorage interfaces.KeyValueStorage, path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles(kvStorage)
	}
	return LoadFromFiles(kvStorage, path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env -> CLI. Later files override
// earlier files. kvStorage can be nil (replacement will be skipped).
func LoadFromFiles(kvStorage interfaces.KeyValueStorage, paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	if kvStorage != nil {
		ctx := context.Background()
		kvMap, err := kvStorage.GetAll(ctx)
		if err != nil {
			logger := arbor.NewLogger()
			logger.Warn().Err(err).Msg("Failed to fetch KV map for config replacement, skipping replacement")
		} else {
			logger := arbor.NewLogger()
			if err := ReplaceInStruct(config, kvMap, logger); err != nil {
				logger.Warn().Err(err).Msg("Failed to replace key references in config")
			} else {
				logger.Info().Int("keys", len(kvMap)).Msg("Applied key/value replacements to config")
			}
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("RETRIEVER_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if port := os.Getenv("RETRIEVER_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("RETRIEVER_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	if pollInterval := os.Getenv("RETRIEVER_BROKER_POLL_INTERVAL"); pollInterval != "" {
		config.Broker.PollInterval = pollInterval
	}
	if concurrency := os.Getenv("RETRIEVER_BROKER_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil {
			config.Broker.Concurrency = c
		}
	}
	if visibilityTimeout := os.Getenv("RETRIEVER_BROKER_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Broker.VisibilityTimeout = visibilityTimeout
	}
	if maxReceive := os.Getenv("RETRIEVER_BROKER_MAX_RECEIVE"); maxReceive != "" {
		if mr, err := strconv.Atoi(maxReceive); err == nil {
			config.Broker.MaxReceive = mr
		}
	}

	if badgerPath := os.Getenv("RETRIEVER_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	if level := os.Getenv("RETRIEVER_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("RETRIEVER_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("RETRIEVER_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range splitString(output, ",") {
			trimmed := trimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}
	if minEventLevel := os.Getenv("RETRIEVER_LOG_MIN_EVENT_LEVEL"); minEventLevel != "" {
		config.Logging.MinEventLevel = minEventLevel
	}

	if docsDir := os.Getenv("RETRIEVER_DOCS_DIR"); docsDir != "" {
		config.Docs.Dir = docsDir
	}
	if variablesDir := os.Getenv("RETRIEVER_VARIABLES_DIR"); variablesDir != "" {
		config.Variables.Dir = variablesDir
	}

	if userAgent := os.Getenv("RETRIEVER_CRAWLER_USER_AGENT"); userAgent != "" {
		config.Crawler.UserAgent = userAgent
	}
	if requestTimeout := os.Getenv("RETRIEVER_CRAWLER_REQUEST_TIMEOUT"); requestTimeout != "" {
		if rt, err := time.ParseDuration(requestTimeout); err == nil {
			config.Crawler.RequestTimeout = rt
		}
	}
	if enableJS := os.Getenv("RETRIEVER_CRAWLER_ENABLE_JAVASCRIPT"); enableJS != "" {
		if ejs, err := strconv.ParseBool(enableJS); err == nil {
			config.Crawler.EnableJavaScript = ejs
		}
	}

	if searchMode := os.Getenv("RETRIEVER_SEARCH_MODE"); searchMode != "" {
		config.Search.Mode = searchMode
	}

	if minLevel := os.Getenv("RETRIEVER_WEBSOCKET_MIN_LEVEL"); minLevel != "" {
		config.WebSocket.MinLevel = minLevel
	}

	// Gemini configuration
	if apiKey := os.Getenv("RETRIEVER_GEMINI_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	} else if apiKey := os.Getenv("GOOGLE_API_KEY"); apiKey != "" {
		config.Gemini.APIKey = apiKey
	}
	if model := os.Getenv("RETRIEVER_GEMINI_MODEL"); model != "" {
		config.Gemini.Model = model
	}
	if timeout := os.Getenv("RETRIEVER_GEMINI_TIMEOUT"); timeout != "" {
		config.Gemini.Timeout = timeout
	}
	if rateLimit := os.Getenv("RETRIEVER_GEMINI_RATE_LIMIT"); rateLimit != "" {
		config.Gemini.RateLimit = rateLimit
	}
	if temperature := os.Getenv("RETRIEVER_GEMINI_TEMPERATURE"); temperature != "" {
		if t, err := strconv.ParseFloat(temperature, 32); err == nil {
			config.Gemini.Temperature = float32(t)
		}
	}

	// Claude configuration
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey
	}
	if apiKey := os.Getenv("RETRIEVER_CLAUDE_API_KEY"); apiKey != "" {
		config.Claude.APIKey = apiKey // RETRIEVER_ prefix takes priority
	}
	if model := os.Getenv("RETRIEVER_CLAUDE_MODEL"); model != "" {
		config.Claude.Model = model
	}
	if maxTokens := os.Getenv("RETRIEVER_CLAUDE_MAX_TOKENS"); maxTokens != "" {
		if mt, err := strconv.Atoi(maxTokens); err == nil {
			config.Claude.MaxTokens = mt
		}
	}
	if timeout := os.Getenv("RETRIEVER_CLAUDE_TIMEOUT"); timeout != "" {
		config.Claude.Timeout = timeout
	}
	if rateLimit := os.Getenv("RETRIEVER_CLAUDE_RATE_LIMIT"); rateLimit != "" {
		config.Claude.RateLimit = rateLimit
	}
	if temperature := os.Getenv("RETRIEVER_CLAUDE_TEMPERATURE"); temperature != "" {
		if t, err := strconv.ParseFloat(temperature, 32); err == nil {
			config.Claude.Temperature = float32(t)
		}
	}

	if provider := os.Getenv("RETRIEVER_LLM_DEFAULT_PROVIDER"); provider != "" {
		config.LLM.DefaultProvider = LLMProvider(provider)
	}

	// Batcher configuration
	if maxBatchBytes := os.Getenv("RETRIEVER_BATCHER_MAX_BATCH_BYTES"); maxBatchBytes != "" {
		if mbb, err := strconv.ParseInt(maxBatchBytes, 10, 64); err == nil {
			config.Batcher.MaxBatchBytes = mbb
		}
	}
	if idleSeconds := os.Getenv("RETRIEVER_BATCHER_IDLE_SECONDS"); idleSeconds != "" {
		if is, err := strconv.Atoi(idleSeconds); err == nil {
			config.Batcher.IdleSeconds = is
		}
	}
	if tickSeconds := os.Getenv("RETRIEVER_BATCHER_TICK_SECONDS"); tickSeconds != "" {
		if ts, err := strconv.Atoi(tickSeconds); err == nil {
			config.Batcher.TickSeconds = ts
		}
	}
	if providerModel := os.Getenv("RETRIEVER_BATCHER_PROVIDER_MODEL"); providerModel != "" {
		config.Batcher.ProviderModel = providerModel
	}
	if providerTimeout := os.Getenv("RETRIEVER_BATCHER_PROVIDER_TIMEOUT"); providerTimeout != "" {
		config.Batcher.ProviderTimeout = providerTimeout
	}
	if storeTimeout := os.Getenv("RETRIEVER_BATCHER_STORE_TIMEOUT"); storeTimeout != "" {
		config.Batcher.StoreTimeout = storeTimeout
	}
}

// ApplyFlagOverrides applies command-line flag overrides to config
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port > 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ResolveAPIKey resolves an API key by name with environment variable priority.
// Resolution order: environment variables -> KV store -> config fallback -> error.
func ResolveAPIKey(ctx context.Context, kvStorage interfaces.KeyValueStorage, name string, configFallback string) (string, error) {
	keyToEnvMapping := map[string][]string{
		"gemini_api_key":    {"RETRIEVER_GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"google_api_key":    {"RETRIEVER_GEMINI_API_KEY", "GOOGLE_API_KEY"},
		"anthropic_api_key": {"RETRIEVER_CLAUDE_API_KEY"},
		"claude_api_key":    {"RETRIEVER_CLAUDE_API_KEY"},
	}

	if name == "anthropic_api_key" || name == "claude_api_key" {
		if envValue := os.Getenv("ANTHROPIC_API_KEY"); envValue != "" {
			return envValue, nil
		}
	}

	if envVarNames, hasMappedEnv := keyToEnvMapping[name]; hasMappedEnv {
		for _, envVarName := range envVarNames {
			if envValue := os.Getenv(envVarName); envValue != "" {
				return envValue, nil
			}
		}
	}

	if kvStorage != nil {
		apiKey, err := kvStorage.Get(ctx, name)
		if err == nil && apiKey != "" {
			return apiKey, nil
		}
	}

	if configFallback != "" {
		return configFallback, nil
	}

	return "", fmt.Errorf("API key '%s' not found in environment, KV store, or config", name)
}

// Helper functions for string manipulation
func splitString(s, sep string) []string {
	result := []string{}
	start := 0
	for i := 0; i < len(s); i++ {
		if i+len(sep) <= len(s) && s[i:i+len(sep)] == sep {
			result = append(result, s[start:i])
			start = i + len(sep)
			i = start - 1
		}
	}
	result = append(result, s[start:])
	return result
}

func trimSpace(s string) string {
	start := 0
	end := len(s)
	for start < end && (s[start] == ' ' || s[start] == '\t' || s[start] == '\n' || s[start] == '\r') {
		start++
	}
	for end > start && (s[end-1] == ' ' || s[end-1] == '\t' || s[end-1] == '\n' || s[end-1] == '\r') {
		end--
	}
	return s[start:end]
}

// ValidateJobSchedule validates a cron schedule expression and ensures a
// minimum 5-minute interval, reused for any operator-configured cron outside
// the Scheduler Loop's own fixed tick.
func ValidateJobSchedule(schedule string) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	parts := strings.Fields(schedule)
	if len(parts) < 5 {
		return fmt.Errorf("invalid cron format: expected 5 fields")
	}

	minuteField := parts[0]

	if minuteField == "*" {
		return fmt.Errorf("schedule must have minimum 5-minute interval (every minute is not allowed)")
	}

	if strings.HasPrefix(minuteField, "*/") {
		intervalStr := strings.TrimPrefix(minuteField, "*/")
		interval, err := strconv.Atoi(intervalStr)
		if err == nil && interval < 5 {
			return fmt.Errorf("schedule interval must be at least 5 minutes, got %d", interval)
		}
	}

	return nil
}

// IsProduction returns true if the environment is set to production
func (c *Config) IsProduction() bool {
	env := strings.ToLower(strings.TrimSpace(c.Environment))
	return env == "production" || env == "prod"
}

// AllowTestURLs returns true if test URLs (localhost, 127.0.0.1, etc.) are
// allowed. Test URLs are only allowed in development mode.
func (c *Config) AllowTestURLs() bool {
	return !c.IsProduction()
}

// DeepCloneConfig creates a deep copy of the Config struct, used so callers
// can hand out a snapshot without risking mutation of the shared original.
func DeepCloneConfig(c *Config) *Config {
	if c == nil {
		return nil
	}

	clone := *c

	if len(c.Logging.Output) > 0 {
		clone.Logging.Output = make([]string, len(c.Logging.Output))
		copy(clone.Logging.Output, c.Logging.Output)
	}

	if len(c.WebSocket.ExcludePatterns) > 0 {
		clone.WebSocket.ExcludePatterns = make([]string, len(c.WebSocket.ExcludePatterns))
		copy(clone.WebSocket.ExcludePatterns, c.WebSocket.ExcludePatterns)
	}

	return &clone
}
