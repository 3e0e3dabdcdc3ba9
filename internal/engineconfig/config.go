// Package engineconfig loads and validates the upload engine's typed
// configuration: YAML file, layered with defaults via mergo, and overridden
// by command-line flags.
package engineconfig

import (
	"os"
	"strings"
	"time"

	"github.com/duneflow/uploadengine/internal/obslog"
	"github.com/imdario/mergo"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// RetryConfig is the retry/backoff policy for control-plane operations.
type RetryConfig struct {
	Attempts     int     `yaml:"attempts"`
	DelayMS      int     `yaml:"delayMs"`
	MaxDelayMS   int     `yaml:"maxDelayMs"`
	JitterFactor float64 `yaml:"jitterFactor"`
}

// AccelerationConfig holds the S3 transfer acceleration knobs.
type AccelerationConfig struct {
	Enabled         bool  `yaml:"enabled"`
	MinSizeBytes    int64 `yaml:"minSizeBytes"`
	DefaultEndpoint string `yaml:"defaultEndpoint"`
}

// Config is the upload engine's full recognized configuration.
type Config struct {
	PartSize             int64    `yaml:"partSize"`
	MaxConcurrentUploads int      `yaml:"maxConcurrentUploads"`
	APIBaseURL           string   `yaml:"apiBaseUrl"`
	APITimeout           int      `yaml:"apiTimeoutSeconds"`
	MaxFileSize          int64    `yaml:"maxFileSize"`
	AllowedFileTypes     []string `yaml:"allowedFileTypes"`

	Retry         RetryConfig        `yaml:"retry"`
	Acceleration  AccelerationConfig `yaml:"s3TransferAcceleration"`

	LogLevel   string `yaml:"logLevel"`
	LogOutput  string `yaml:"logOutput"`
	DBPath     string `yaml:"dbPath"`
	ListenAddr string `yaml:"listenAddr"`
}

// APITimeoutDuration returns APITimeout as a time.Duration.
func (c Config) APITimeoutDuration() time.Duration {
	return time.Duration(c.APITimeout) * time.Second
}

// RetryDelay returns the base retry delay as a time.Duration.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.Retry.DelayMS) * time.Millisecond
}

// RetryMaxDelay returns the capped backoff delay as a time.Duration.
func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
}

// defaults returns the built-in default configuration.
func defaults() Config {
	return Config{
		PartSize:             10 * 1024 * 1024,
		MaxConcurrentUploads: 5,
		APIBaseURL:           "/api",
		APITimeout:           180,
		MaxFileSize:          10 * 1024 * 1024 * 1024,
		AllowedFileTypes:     []string{"video/mp4", "video/quicktime", "video/x-msvideo"},
		Retry: RetryConfig{
			Attempts:     3,
			DelayMS:      1000,
			MaxDelayMS:   30000,
			JitterFactor: 0.2,
		},
		Acceleration: AccelerationConfig{
			Enabled:         true,
			MinSizeBytes:    512 * 1024 * 1024,
			DefaultEndpoint: "s3-accelerate.amazonaws.com",
		},
		LogLevel:   "info",
		LogOutput:  "console",
		DBPath:     "upload-engine.db",
		ListenAddr: ":8088",
	}
}

func readConfigFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func parseConfig(data []byte) (*Config, error) {
	config := &Config{}
	err := yaml.Unmarshal(data, config)
	return config, err
}

func mergeWithDefaults(config *Config, def Config) error {
	return mergo.Merge(config, def)
}

// validate warns and falls back to defaults on invalid values.
func validate(config *Config, def Config) {
	if config.PartSize <= 0 {
		obslog.Warn().Int64("partSize", config.PartSize).Msg("Part size must be positive, using default.")
		config.PartSize = def.PartSize
	}
	if config.MaxConcurrentUploads <= 0 {
		obslog.Warn().Int("maxConcurrentUploads", config.MaxConcurrentUploads).Msg("Max concurrent uploads must be positive, using default.")
		config.MaxConcurrentUploads = def.MaxConcurrentUploads
	}
	if config.APITimeout <= 0 {
		obslog.Warn().Int("apiTimeout", config.APITimeout).Msg("API timeout must be positive, using default.")
		config.APITimeout = def.APITimeout
	}
	if config.Retry.Attempts <= 0 {
		obslog.Warn().Int("retryAttempts", config.Retry.Attempts).Msg("Retry attempts must be positive, using default.")
		config.Retry.Attempts = def.Retry.Attempts
	}
	if config.Retry.DelayMS <= 0 {
		obslog.Warn().Int("retryDelayMs", config.Retry.DelayMS).Msg("Retry delay must be positive, using default.")
		config.Retry.DelayMS = def.Retry.DelayMS
	}
	if config.Retry.MaxDelayMS < config.Retry.DelayMS {
		obslog.Warn().Int("retryMaxDelayMs", config.Retry.MaxDelayMS).Msg("Retry max delay must be at least the base delay, using default.")
		config.Retry.MaxDelayMS = def.Retry.MaxDelayMS
	}
	if _, err := obslog.ParseLevel(config.LogLevel); err != nil {
		obslog.Warn().Str("logLevel", config.LogLevel).Msg("Invalid log level, using default.")
		config.LogLevel = def.LogLevel
	}
	if config.DBPath == "" {
		obslog.Warn().Msg("DB path cannot be empty, using default.")
		config.DBPath = def.DBPath
	}
	if config.APIBaseURL == "" {
		obslog.Warn().Msg("API base URL cannot be empty, using default.")
		config.APIBaseURL = def.APIBaseURL
	}
}

// Load reads the YAML config at path, merges it with defaults, and
// validates it. A missing or unparsable file falls back to pure defaults.
func Load(path string) *Config {
	def := defaults()

	data, err := readConfigFile(path)
	if err != nil {
		obslog.Warn().Err(err).Str("path", path).Msg("Configuration file not found, using defaults.")
		return &def
	}

	config, err := parseConfig(data)
	if err != nil {
		obslog.Error().Err(err).Str("path", path).Msg("Could not parse configuration file, using defaults.")
		return &def
	}

	if err := mergeWithDefaults(config, def); err != nil {
		obslog.Error().Err(err).Str("path", path).Msg("Could not merge configuration file with defaults, using defaults only.")
		return &def
	}

	validate(config, def)
	return config
}

// BindFlags registers pflag overrides for the recognized configuration keys
// on fs and applies them to config after Parse has been called, completing
// the file -> defaults -> flags precedence chain.
func BindFlags(fs *pflag.FlagSet, config *Config) func() {
	partSize := fs.Int64("part-size", config.PartSize, "multipart upload part size in bytes")
	maxConcurrent := fs.Int("max-concurrent-uploads", config.MaxConcurrentUploads, "max in-flight part PUTs per upload")
	apiBase := fs.String("api-base-url", config.APIBaseURL, "control-plane API base URL")
	apiTimeout := fs.Int("api-timeout", config.APITimeout, "control-plane request timeout in seconds")
	logLevel := fs.String("log-level", config.LogLevel, "log level (debug, info, warn, error)")
	dbPath := fs.String("db-path", config.DBPath, "bbolt database file path")
	listenAddr := fs.String("listen-addr", config.ListenAddr, "websocket listen address")

	return func() {
		config.PartSize = *partSize
		config.MaxConcurrentUploads = *maxConcurrent
		config.APIBaseURL = strings.TrimRight(*apiBase, "/")
		config.APITimeout = *apiTimeout
		config.LogLevel = *logLevel
		config.DBPath = *dbPath
		config.ListenAddr = *listenAddr
	}
}
