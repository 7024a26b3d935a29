package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/ligustah/gulp/internal/progress"
	"gopkg.in/yaml.v3"
)

// Config defines configuration for the gulp daemon and CLI.
type Config struct {
	// Store selects the record store: sqlite://<path> or a gocloud blob
	// URL (file://, mem://, s3://, gs://).
	Store         string         `yaml:"store"`
	DownloadDirs  []string       `yaml:"download_dirs"`
	MaxConcurrent int            `yaml:"max_concurrent"`
	MaxRetained   int            `yaml:"max_retained"`
	MaxRedirects  int            `yaml:"max_redirects"`
	BufferSize    int64          `yaml:"buffer_size"`
	UserAgent     string         `yaml:"user_agent"`
	SweepSpurious bool           `yaml:"sweep_spurious"`
	MetricsAddr   string         `yaml:"metrics_addr"`
	Progress      ProgressConfig `yaml:"progress"`
	Retry         RetryConfig    `yaml:"retry"`
	Network       NetworkConfig  `yaml:"network"`
	HTTP          HTTPConfig     `yaml:"http"`
	Log           LogConfig      `yaml:"log"`
}

// ProgressConfig bounds how often progress is persisted.
type ProgressConfig struct {
	MinBytes    int64         `yaml:"min_bytes"`
	MinInterval time.Duration `yaml:"min_interval"`
}

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	MinRetryAfter time.Duration `yaml:"min_retry_after"`
	MaxRetryAfter time.Duration `yaml:"max_retry_after"`
	FirstDelay    time.Duration `yaml:"first_delay"`
}

// NetworkConfig describes the network the daemon runs on and the limits for
// metered networks.
type NetworkConfig struct {
	Type                       string `yaml:"type"`
	Roaming                    bool   `yaml:"roaming"`
	MaxBytesOverMobile         int64  `yaml:"max_bytes_over_mobile"`
	RecommendedBytesOverMobile int64  `yaml:"recommended_bytes_over_mobile"`
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	HeaderTimeout       time.Duration `yaml:"header_timeout"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	dataDir := DataDir()
	return Config{
		Store:         "sqlite://" + filepath.Join(dataDir, "gulp.db"),
		DownloadDirs:  []string{defaultDownloadDir()},
		MaxConcurrent: 3,
		MaxRetained:   1000,
		MaxRedirects:  5,
		BufferSize:    4096,
		UserAgent:     "gulp/1.0",
		Progress: ProgressConfig{
			MinBytes:    4096,
			MinInterval: 1500 * time.Millisecond,
		},
		Retry: RetryConfig{
			MaxRetries:    5,
			MinRetryAfter: 30 * time.Second,
			MaxRetryAfter: 24 * time.Hour,
			FirstDelay:    30 * time.Second,
		},
		Network: NetworkConfig{
			Type: "wifi",
		},
		HTTP: HTTPConfig{
			HeaderTimeout:       30 * time.Second,
			MaxIdleConnsPerHost: 16,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// DataDir returns the directory gulp keeps its state in by default.
func DataDir() string {
	if v := os.Getenv("XDG_DATA_HOME"); v != "" {
		return filepath.Join(v, "gulp")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".gulp"
	}
	return filepath.Join(home, ".local", "share", "gulp")
}

func defaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "downloads"
	}
	return filepath.Join(home, "Downloads")
}

// yamlConfig is used for YAML unmarshaling with string sizes and durations.
type yamlConfig struct {
	Store         string             `yaml:"store"`
	DownloadDirs  []string           `yaml:"download_dirs"`
	MaxConcurrent int                `yaml:"max_concurrent"`
	MaxRetained   int                `yaml:"max_retained"`
	MaxRedirects  int                `yaml:"max_redirects"`
	BufferSize    string             `yaml:"buffer_size"`
	UserAgent     string             `yaml:"user_agent"`
	SweepSpurious bool               `yaml:"sweep_spurious"`
	MetricsAddr   string             `yaml:"metrics_addr"`
	Progress      yamlProgressConfig `yaml:"progress"`
	Retry         yamlRetryConfig    `yaml:"retry"`
	Network       yamlNetworkConfig  `yaml:"network"`
	HTTP          yamlHTTPConfig     `yaml:"http"`
	Log           LogConfig          `yaml:"log"`
}

type yamlProgressConfig struct {
	MinBytes    string `yaml:"min_bytes"`
	MinInterval string `yaml:"min_interval"`
}

type yamlRetryConfig struct {
	MaxRetries    *int   `yaml:"max_retries"`
	MinRetryAfter string `yaml:"min_retry_after"`
	MaxRetryAfter string `yaml:"max_retry_after"`
	FirstDelay    string `yaml:"first_delay"`
}

type yamlNetworkConfig struct {
	Type                       string `yaml:"type"`
	Roaming                    bool   `yaml:"roaming"`
	MaxBytesOverMobile         string `yaml:"max_bytes_over_mobile"`
	RecommendedBytesOverMobile string `yaml:"recommended_bytes_over_mobile"`
}

type yamlHTTPConfig struct {
	HeaderTimeout       string `yaml:"header_timeout"`
	MaxIdleConnsPerHost int    `yaml:"max_idle_conns_per_host"`
}

// LoadFromFile loads configuration from a YAML file on top of Default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	if yc.Store != "" {
		cfg.Store = yc.Store
	}
	if len(yc.DownloadDirs) > 0 {
		cfg.DownloadDirs = yc.DownloadDirs
	}
	if yc.MaxConcurrent != 0 {
		cfg.MaxConcurrent = yc.MaxConcurrent
	}
	if yc.MaxRetained != 0 {
		cfg.MaxRetained = yc.MaxRetained
	}
	if yc.MaxRedirects != 0 {
		cfg.MaxRedirects = yc.MaxRedirects
	}
	if yc.UserAgent != "" {
		cfg.UserAgent = yc.UserAgent
	}
	if yc.MetricsAddr != "" {
		cfg.MetricsAddr = yc.MetricsAddr
	}
	cfg.SweepSpurious = yc.SweepSpurious
	cfg.Network.Roaming = yc.Network.Roaming
	if yc.Network.Type != "" {
		cfg.Network.Type = yc.Network.Type
	}
	if yc.Retry.MaxRetries != nil {
		cfg.Retry.MaxRetries = *yc.Retry.MaxRetries
	}
	if yc.HTTP.MaxIdleConnsPerHost != 0 {
		cfg.HTTP.MaxIdleConnsPerHost = yc.HTTP.MaxIdleConnsPerHost
	}
	if yc.Log.Level != "" {
		cfg.Log.Level = yc.Log.Level
	}
	if yc.Log.Format != "" {
		cfg.Log.Format = yc.Log.Format
	}

	sizes := []struct {
		name string
		in   string
		out  *int64
	}{
		{"buffer_size", yc.BufferSize, &cfg.BufferSize},
		{"progress.min_bytes", yc.Progress.MinBytes, &cfg.Progress.MinBytes},
		{"network.max_bytes_over_mobile", yc.Network.MaxBytesOverMobile, &cfg.Network.MaxBytesOverMobile},
		{"network.recommended_bytes_over_mobile", yc.Network.RecommendedBytesOverMobile, &cfg.Network.RecommendedBytesOverMobile},
	}
	for _, s := range sizes {
		if s.in == "" {
			continue
		}
		size, err := progress.ParseBytes(s.in)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", s.name, err)
		}
		*s.out = size
	}

	durations := []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"progress.min_interval", yc.Progress.MinInterval, &cfg.Progress.MinInterval},
		{"retry.min_retry_after", yc.Retry.MinRetryAfter, &cfg.Retry.MinRetryAfter},
		{"retry.max_retry_after", yc.Retry.MaxRetryAfter, &cfg.Retry.MaxRetryAfter},
		{"retry.first_delay", yc.Retry.FirstDelay, &cfg.Retry.FirstDelay},
		{"http.header_timeout", yc.HTTP.HeaderTimeout, &cfg.HTTP.HeaderTimeout},
	}
	for _, d := range durations {
		if d.in == "" {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.out = v
	}

	return cfg, nil
}

// LoadDotEnv loads variables from .env files into the process environment.
// Variables already set are kept and missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the GULP_ prefix.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("GULP_STORE"); v != "" {
		c.Store = v
	}
	if v := os.Getenv("GULP_DOWNLOAD_DIRS"); v != "" {
		c.DownloadDirs = splitList(v)
	}
	if v := os.Getenv("GULP_USER_AGENT"); v != "" {
		c.UserAgent = v
	}
	if v := os.Getenv("GULP_METRICS_ADDR"); v != "" {
		c.MetricsAddr = v
	}
	if v := os.Getenv("GULP_NETWORK_TYPE"); v != "" {
		c.Network.Type = v
	}
	if v := os.Getenv("GULP_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("GULP_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv("GULP_SWEEP_SPURIOUS"); v != "" {
		c.SweepSpurious = parseBool(v)
	}
	if v := os.Getenv("GULP_NETWORK_ROAMING"); v != "" {
		c.Network.Roaming = parseBool(v)
	}

	ints := []struct {
		name string
		out  *int
	}{
		{"GULP_MAX_CONCURRENT", &c.MaxConcurrent},
		{"GULP_MAX_RETAINED", &c.MaxRetained},
		{"GULP_MAX_REDIRECTS", &c.MaxRedirects},
		{"GULP_RETRY_MAX_RETRIES", &c.Retry.MaxRetries},
	}
	for _, i := range ints {
		v := os.Getenv(i.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", i.name, err)
		}
		*i.out = n
	}

	sizes := []struct {
		name string
		out  *int64
	}{
		{"GULP_BUFFER_SIZE", &c.BufferSize},
		{"GULP_PROGRESS_MIN_BYTES", &c.Progress.MinBytes},
		{"GULP_NETWORK_MAX_BYTES_OVER_MOBILE", &c.Network.MaxBytesOverMobile},
		{"GULP_NETWORK_RECOMMENDED_BYTES_OVER_MOBILE", &c.Network.RecommendedBytesOverMobile},
	}
	for _, s := range sizes {
		v := os.Getenv(s.name)
		if v == "" {
			continue
		}
		size, err := progress.ParseBytes(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", s.name, err)
		}
		*s.out = size
	}

	durations := []struct {
		name string
		out  *time.Duration
	}{
		{"GULP_PROGRESS_MIN_INTERVAL", &c.Progress.MinInterval},
		{"GULP_RETRY_MIN_RETRY_AFTER", &c.Retry.MinRetryAfter},
		{"GULP_RETRY_MAX_RETRY_AFTER", &c.Retry.MaxRetryAfter},
		{"GULP_RETRY_FIRST_DELAY", &c.Retry.FirstDelay},
		{"GULP_HTTP_HEADER_TIMEOUT", &c.HTTP.HeaderTimeout},
	}
	for _, d := range durations {
		v := os.Getenv(d.name)
		if v == "" {
			continue
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.out = dur
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Store == "" {
		return errors.New("config: store is required")
	}
	if len(c.DownloadDirs) == 0 {
		return errors.New("config: at least one download dir is required")
	}
	if c.MaxConcurrent <= 0 {
		return errors.New("config: max_concurrent must be positive")
	}
	if c.MaxRetained <= 0 {
		return errors.New("config: max_retained must be positive")
	}
	if c.MaxRedirects < 0 {
		return errors.New("config: max_redirects must not be negative")
	}
	if c.BufferSize <= 0 {
		return errors.New("config: buffer_size must be positive")
	}
	if c.Retry.MaxRetries < 0 {
		return errors.New("config: retry.max_retries must not be negative")
	}
	if c.Retry.MinRetryAfter <= 0 || c.Retry.MaxRetryAfter < c.Retry.MinRetryAfter {
		return errors.New("config: retry.min_retry_after must be positive and not above retry.max_retry_after")
	}
	if c.Retry.FirstDelay <= 0 {
		return errors.New("config: retry.first_delay must be positive")
	}
	switch c.Network.Type {
	case "none", "mobile", "wifi", "ethernet":
	default:
		return fmt.Errorf("config: unknown network.type %q", c.Network.Type)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored.
func (c Config) Merge(override Config) Config {
	if override.Store != "" {
		c.Store = override.Store
	}
	if len(override.DownloadDirs) > 0 {
		c.DownloadDirs = override.DownloadDirs
	}
	if override.MaxConcurrent != 0 {
		c.MaxConcurrent = override.MaxConcurrent
	}
	if override.MaxRetained != 0 {
		c.MaxRetained = override.MaxRetained
	}
	if override.MaxRedirects != 0 {
		c.MaxRedirects = override.MaxRedirects
	}
	if override.BufferSize != 0 {
		c.BufferSize = override.BufferSize
	}
	if override.UserAgent != "" {
		c.UserAgent = override.UserAgent
	}
	if override.SweepSpurious {
		c.SweepSpurious = true
	}
	if override.MetricsAddr != "" {
		c.MetricsAddr = override.MetricsAddr
	}
	if override.Network.Type != "" {
		c.Network.Type = override.Network.Type
	}
	if override.Network.Roaming {
		c.Network.Roaming = true
	}
	if override.Log.Level != "" {
		c.Log.Level = override.Log.Level
	}
	if override.Log.Format != "" {
		c.Log.Format = override.Log.Format
	}
	if override.Retry.MaxRetries != 0 {
		c.Retry.MaxRetries = override.Retry.MaxRetries
	}
	return c
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseBool(v string) bool {
	return v == "true" || v == "1"
}
