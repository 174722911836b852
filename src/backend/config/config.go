package config

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hannes/piibridge/src/backend/pii"
	"github.com/hannes/piibridge/src/backend/translation"
)

// LanguagesConfig holds the supported language set
type LanguagesConfig struct {
	Supported   []string // Closed set of languages requests may use
	Pivot       string   // Language used to analyse text lacking native coverage
	ForceBridge []string // Languages always analysed through the pivot
}

// AnalysisConfig holds recognizer execution options
type AnalysisConfig struct {
	RecognizerTimeoutMS int  // Per recognizer deadline in milliseconds
	RejectDuplicates    bool // Refuse a second recognizer with the same entity types, language and strategy
}

// ModelConfig holds named-entity model configuration
type ModelConfig struct {
	Enabled            bool              // Whether to load the ONNX model
	Directory          string            // Directory holding model_quantized.onnx, tokenizer.json and label_mappings.json
	Languages          []string          // Languages the model recognizer is registered for
	Labels             map[string]string // Model label to entity type; empty uses the built-in mapping
	RemoteNERURL       string            // Optional NER sidecar base URL
	RemoteNERLanguages []string          // Languages the sidecar recognizer is registered for
	RemoteTimeoutSecs  int               // Timeout of one sidecar call in seconds
}

// TranslationConfig holds machine translation configuration
type TranslationConfig struct {
	BaseURL           string  // LibreTranslate compatible endpoint; empty disables bridging
	APIKey            string  // Optional API key
	TimeoutSeconds    int     // Timeout of one translation call
	RequestsPerSecond float64 // Outgoing rate limit; zero disables it
	Burst             int     // Rate limiter burst
}

// CacheConfig holds translation cache configuration
type CacheConfig struct {
	Backend    string // none, memory, bbolt or redis
	Path       string // bbolt database file
	RedisURL   string // redis://host:port/db
	TTLMinutes int    // Redis and memory entry lifetime; zero keeps entries
	MaxEntries int    // memory backend bound
}

// DatabaseConfig holds audit database configuration
type DatabaseConfig struct {
	Enabled      bool   // Whether to store the audit trail in PostgreSQL
	Host         string // Database host
	Port         int    // Database port
	Database     string // Database name
	Username     string // Database username
	Password     string // Database password
	SSLMode      string // SSL mode (disable, require, etc.)
	MaxOpenConns int    // Maximum open connections
	MaxIdleConns int    // Maximum idle connections
	MaxLifetime  int    // Connection max lifetime in seconds
	CleanupHours int    // Hours after which audit entries are removed
}

// LoggingConfig holds logging configuration options
type LoggingConfig struct {
	Level      string // debug, info, warn or error
	JSON       bool   // Emit JSON instead of text
	LogVerbose bool   // Log every resolved span at debug level
}

// SentryConfig holds error reporting configuration
type SentryConfig struct {
	DSN         string // Empty disables reporting
	Environment string
}

// Config holds all configuration for the redaction service
type Config struct {
	ServerPort        string
	Languages         LanguagesConfig
	Analysis          AnalysisConfig
	Model             ModelConfig
	Translation       TranslationConfig
	Cache             CacheConfig
	Database          DatabaseConfig
	Logging           LoggingConfig
	Sentry            SentryConfig
	CustomRecognizers []pii.RecognizerConfig
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		ServerPort: ":8080",
		Languages: LanguagesConfig{
			Supported: []string{"en", "el"},
			Pivot:     "en",
		},
		Analysis: AnalysisConfig{
			RecognizerTimeoutMS: int(pii.DefaultRecognizerTimeout / time.Millisecond),
		},
		Model: ModelConfig{
			Enabled:            false,
			Directory:          "model/quantized",
			Languages:          []string{"en"},
			RemoteNERLanguages: []string{"en"},
			RemoteTimeoutSecs:  10,
		},
		Translation: TranslationConfig{
			BaseURL:        "",
			TimeoutSeconds: int(translation.DefaultTimeout / time.Second),
			Burst:          1,
		},
		Cache: CacheConfig{
			Backend:    translation.BackendMemory,
			Path:       "translations.db",
			MaxEntries: translation.DefaultMemoryCacheEntries,
		},
		Database: DatabaseConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         5432,
			Database:     "piibridge",
			Username:     "postgres",
			Password:     "",
			SSLMode:      "disable",
			MaxOpenConns: 25,
			MaxIdleConns: 25,
			MaxLifetime:  300,
			CleanupHours: 24 * 30,
		},
		Logging: LoggingConfig{
			Level:      "info",
			LogVerbose: false,
		},
		CustomRecognizers: pii.DefaultCustomRecognizers(),
	}
}

// RecognizerTimeout returns the per recognizer deadline
func (c AnalysisConfig) RecognizerTimeout() time.Duration {
	return time.Duration(c.RecognizerTimeoutMS) * time.Millisecond
}

// Timeout returns the translation call timeout
func (c TranslationConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// TTL returns the cache entry lifetime
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLMinutes) * time.Minute
}

// ValidateConfig checks every section and joins all problems found
func (c *Config) ValidateConfig() error {
	var errs []error

	if err := validatePort(c.ServerPort, "ServerPort"); err != nil {
		errs = append(errs, err)
	}
	if err := validateLanguages(c.Languages); err != nil {
		errs = append(errs, err)
	}
	if c.Analysis.RecognizerTimeoutMS <= 0 {
		errs = append(errs, fmt.Errorf("Analysis.RecognizerTimeoutMS: must be positive (current value: %d)", c.Analysis.RecognizerTimeoutMS))
	}
	if c.Translation.BaseURL != "" {
		if err := validateURL(c.Translation.BaseURL, "Translation.BaseURL"); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Model.RemoteNERURL != "" {
		if err := validateURL(c.Model.RemoteNERURL, "Model.RemoteNERURL"); err != nil {
			errs = append(errs, err)
		}
	}
	if err := validateCache(c.Cache); err != nil {
		errs = append(errs, err)
	}
	if c.Database.Enabled && (c.Database.Port < 1 || c.Database.Port > 65535) {
		errs = append(errs, fmt.Errorf("Database.Port: port must be between 1 and 65535 (current value: %d)", c.Database.Port))
	}
	for i, rc := range c.CustomRecognizers {
		if err := validateRecognizer(rc, fmt.Sprintf("CustomRecognizers[%d]", i)); err != nil {
			errs = append(errs, err)
		}
	}

	return joinErrors(errs)
}

// joinErrors renders errs on one line separated by "; "
func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return errors.New(strings.Join(msgs, "; "))
}

func validatePort(port, fieldName string) error {
	if port == "" {
		return fmt.Errorf("%s: port cannot be empty", fieldName)
	}
	if !strings.HasPrefix(port, ":") {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}
	n, err := strconv.Atoi(port[1:])
	if err != nil {
		return fmt.Errorf("%s: port must be in format ':PORT' where PORT is numeric (current value: %s)", fieldName, port)
	}
	if n < 1 || n > 65535 {
		return fmt.Errorf("%s: port must be between 1 and 65535 (current value: %d)", fieldName, n)
	}
	return nil
}

func validateURL(raw, fieldName string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("%s: invalid URL (current value: %s)", fieldName, raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https (current value: %s)", fieldName, raw)
	}
	return nil
}

func validateLanguages(lc LanguagesConfig) error {
	if len(lc.Supported) == 0 {
		return errors.New("Languages.Supported: at least one language is required")
	}
	if !slices.Contains(lc.Supported, lc.Pivot) {
		return fmt.Errorf("Languages.Pivot: %q is not a supported language", lc.Pivot)
	}
	for _, l := range lc.ForceBridge {
		if !slices.Contains(lc.Supported, l) {
			return fmt.Errorf("Languages.ForceBridge: %q is not a supported language", l)
		}
	}
	return nil
}

func validateCache(cc CacheConfig) error {
	switch cc.Backend {
	case "", translation.BackendNone, translation.BackendMemory:
		return nil
	case translation.BackendBolt:
		if cc.Path == "" {
			return errors.New("Cache.Path: required for the bbolt backend")
		}
		return nil
	case translation.BackendRedis:
		if cc.RedisURL == "" {
			return errors.New("Cache.RedisURL: required for the redis backend")
		}
		return nil
	default:
		return fmt.Errorf("Cache.Backend: unknown backend %q", cc.Backend)
	}
}

func validateRecognizer(rc pii.RecognizerConfig, fieldName string) error {
	if len(rc.EntityTypes) != 1 {
		return fmt.Errorf("%s: exactly one entity type is required", fieldName)
	}
	switch rc.Strategy {
	case pii.StrategyPattern:
		if len(rc.Patterns) == 0 {
			return fmt.Errorf("%s: pattern recognizer without patterns", fieldName)
		}
	case pii.StrategyDenyList:
		if len(rc.DenyList) == 0 {
			return fmt.Errorf("%s: deny-list recognizer without terms", fieldName)
		}
	default:
		return fmt.Errorf("%s: strategy must be %q or %q (current value: %s)", fieldName, pii.StrategyPattern, pii.StrategyDenyList, rc.Strategy)
	}
	return nil
}
