// Package config loads service configuration in three layers: built-in
// defaults, an optional YAML file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/AngelCh415/campaign-etl/internal/jobpoll"
)

const ConfigPathEnvVar = "CONFIG_PATH"

var DefaultConfigPaths = []string{"config.yaml", "config.yml"}

type Config struct {
	Port        string        `koanf:"port"`
	LogLevel    string        `koanf:"log_level"`
	LogFormat   string        `koanf:"log_format"`
	HTTPTimeout time.Duration `koanf:"http_timeout"`

	// StoreBackend is memory, file or badger.
	StoreBackend    string `koanf:"store_backend"`
	DataDir         string `koanf:"data_dir"`
	ArtifactDir     string `koanf:"artifact_dir"`
	OutputDir       string `koanf:"output_dir"`
	DuplicatePolicy string `koanf:"duplicate_policy"`
	RunOnStart      bool   `koanf:"run_on_start"`

	PerformanceURL string  `koanf:"performance_url"`
	AnalyticsURL   string  `koanf:"analytics_url"`
	JobsURL        string  `koanf:"jobs_url"`
	JobsRateLimit  float64 `koanf:"jobs_rate_limit"`

	Poller    PollerConfig `koanf:"poller"`
	Campaigns []Campaign   `koanf:"campaigns"`
}

type PollerConfig struct {
	MinInterval        time.Duration `koanf:"min_interval"`
	MaxInterval        time.Duration `koanf:"max_interval"`
	ElapsedBudget      time.Duration `koanf:"elapsed_budget"`
	ChunkSize          int64         `koanf:"chunk_size"`
	ChunkRetries       int           `koanf:"chunk_retries"`
	ChunkRetryInterval time.Duration `koanf:"chunk_retry_interval"`
}

func (p PollerConfig) JobPoll() jobpoll.Config {
	return jobpoll.Config{
		MinInterval:        p.MinInterval,
		MaxInterval:        p.MaxInterval,
		ElapsedBudget:      p.ElapsedBudget,
		ChunkSize:          p.ChunkSize,
		ChunkRetries:       p.ChunkRetries,
		ChunkRetryInterval: p.ChunkRetryInterval,
	}
}

// Campaign is the raw YAML form of a campaign. Dates are YYYY-MM-DD.
type Campaign struct {
	Name            string   `koanf:"name"`
	Start           string   `koanf:"start"`
	End             string   `koanf:"end"`
	ViewID          string   `koanf:"view_id"`
	Parametrization string   `koanf:"parametrization"`
	Sources         []Source `koanf:"sources"`
}

// Source lists either ad accounts or campaign names, depending on platform.
type Source struct {
	Platform  string   `koanf:"platform"`
	Accounts  []string `koanf:"accounts"`
	Campaigns []string `koanf:"campaigns"`
}

func defaultConfig() *Config {
	pc := jobpoll.DefaultConfig()
	return &Config{
		Port:            "8080",
		LogLevel:        "info",
		LogFormat:       "json",
		HTTPTimeout:     15 * time.Second,
		StoreBackend:    "file",
		DataDir:         "data",
		ArtifactDir:     "data/errors",
		OutputDir:       "data/output",
		DuplicatePolicy: "keep_first",
		JobsRateLimit:   5,
		Poller: PollerConfig{
			MinInterval:        pc.MinInterval,
			MaxInterval:        pc.MaxInterval,
			ElapsedBudget:      pc.ElapsedBudget,
			ChunkSize:          pc.ChunkSize,
			ChunkRetries:       pc.ChunkRetries,
			ChunkRetryInterval: pc.ChunkRetryInterval,
		},
	}
}

// Load reads configuration. path overrides CONFIG_PATH and the default
// search paths; an empty path with no file found is fine.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

var envKeys = map[string]string{
	"PORT":                        "port",
	"LOG_LEVEL":                   "log_level",
	"LOG_FORMAT":                  "log_format",
	"HTTP_TIMEOUT":                "http_timeout",
	"STORE_BACKEND":               "store_backend",
	"DATA_DIR":                    "data_dir",
	"ARTIFACT_DIR":                "artifact_dir",
	"OUTPUT_DIR":                  "output_dir",
	"DUPLICATE_POLICY":            "duplicate_policy",
	"RUN_ON_START":                "run_on_start",
	"PERFORMANCE_API_URL":         "performance_url",
	"ANALYTICS_API_URL":           "analytics_url",
	"JOBS_API_URL":                "jobs_url",
	"JOBS_RATE_LIMIT":             "jobs_rate_limit",
	"POLLER_MIN_INTERVAL":         "poller.min_interval",
	"POLLER_MAX_INTERVAL":         "poller.max_interval",
	"POLLER_ELAPSED_BUDGET":       "poller.elapsed_budget",
	"POLLER_CHUNK_SIZE":           "poller.chunk_size",
	"POLLER_CHUNK_RETRIES":        "poller.chunk_retries",
	"POLLER_CHUNK_RETRY_INTERVAL": "poller.chunk_retry_interval",
}

// envTransform maps known variables to config keys and skips the rest.
// HTTP_TIMEOUT_SECONDS is accepted as a plain number of seconds.
func envTransform(key, value string) (string, any) {
	if key == "HTTP_TIMEOUT_SECONDS" {
		if os.Getenv("HTTP_TIMEOUT") != "" {
			return "", nil
		}
		return "http_timeout", strings.TrimSpace(value) + "s"
	}
	if k, ok := envKeys[key]; ok {
		return k, value
	}
	return "", nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("port is required"))
	}
	switch c.StoreBackend {
	case "memory", "badger", "file":
	default:
		errs = append(errs, fmt.Errorf("store_backend %q: want memory, file or badger", c.StoreBackend))
	}
	switch strings.ToLower(c.DuplicatePolicy) {
	case "", "keep_first", "first", "sum":
	default:
		errs = append(errs, fmt.Errorf("duplicate_policy %q: want keep_first or sum", c.DuplicatePolicy))
	}
	if c.HTTPTimeout <= 0 {
		errs = append(errs, errors.New("http_timeout must be positive"))
	}
	if err := c.Poller.JobPoll().Validate(); err != nil {
		errs = append(errs, err)
	}
	seen := map[string]struct{}{}
	for i, cc := range c.Campaigns {
		if cc.Name == "" {
			errs = append(errs, fmt.Errorf("campaigns[%d]: name is required", i))
			continue
		}
		if _, dup := seen[strings.ToLower(cc.Name)]; dup {
			errs = append(errs, fmt.Errorf("campaigns[%d]: duplicate name %q", i, cc.Name))
		}
		seen[strings.ToLower(cc.Name)] = struct{}{}
		if cc.Start == "" || cc.End == "" {
			errs = append(errs, fmt.Errorf("campaign %s: start and end are required", cc.Name))
		}
	}
	return errors.Join(errs...)
}

// Campaign returns the campaign named name, case-insensitively.
func (c *Config) Campaign(name string) (Campaign, bool) {
	for _, cc := range c.Campaigns {
		if strings.EqualFold(cc.Name, name) {
			return cc, true
		}
	}
	return Campaign{}, false
}
