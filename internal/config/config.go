// Package config loads service settings: defaults, then an optional YAML
// file, then environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

type Config struct {
	Backend     string `yaml:"backend"`
	NATSURL     string `yaml:"natsUrl"`
	LogFormat   string `yaml:"logFormat"`
	LogLevel    string `yaml:"logLevel"`
	MetricsAddr string `yaml:"metricsAddr"`

	Database DatabaseConfig `yaml:"database"`
	Worker   WorkerConfig   `yaml:"worker"`
	Prover   ProverConfig   `yaml:"prover"`
	Pinning  PinningConfig  `yaml:"pinning"`
	Submit   SubmitConfig   `yaml:"submit"`
}

type DatabaseConfig struct {
	Type string `yaml:"type"`
	URL  string `yaml:"url"`
}

type WorkerConfig struct {
	Concurrency      int           `yaml:"concurrency"`
	JobTTL           time.Duration `yaml:"jobTtl"`
	ResultTTL        time.Duration `yaml:"resultTtl"`
	ProgressInterval time.Duration `yaml:"progressInterval"`
	ShutdownTimeout  time.Duration `yaml:"shutdownTimeout"`
}

type ProverConfig struct {
	Mode    string        `yaml:"mode"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

type PinningConfig struct {
	APIURL         string        `yaml:"apiUrl"`
	APIKey         string        `yaml:"apiKey"`
	APISecret      string        `yaml:"apiSecret"`
	Gateways       []string      `yaml:"gateways"`
	WriteAttempts  int           `yaml:"writeAttempts"`
	VerifyAttempts int           `yaml:"verifyAttempts"`
	RetryDelay     time.Duration `yaml:"retryDelay"`
}

type SubmitConfig struct {
	RatePerMinute int `yaml:"ratePerMinute"`
}

func Default() Config {
	return Config{
		Backend:     BackendMemory,
		NATSURL:     "nats://127.0.0.1:4222",
		LogFormat:   "text",
		LogLevel:    "info",
		MetricsAddr: ":9090",
		Database: DatabaseConfig{
			Type: "sqlite",
			URL:  "./data/prover.db",
		},
		Worker: WorkerConfig{
			Concurrency:      3,
			JobTTL:           time.Hour,
			ResultTTL:        time.Hour,
			ProgressInterval: 500 * time.Millisecond,
			ShutdownTimeout:  30 * time.Second,
		},
		Prover: ProverConfig{
			Mode:    "simulated",
			Timeout: 2 * time.Minute,
		},
		Pinning: PinningConfig{
			APIURL:         "https://api.pinata.cloud",
			WriteAttempts:  3,
			VerifyAttempts: 3,
			RetryDelay:     time.Second,
		},
		Submit: SubmitConfig{RatePerMinute: 10},
	}
}

// Load builds the configuration. An empty path skips the file; a named file
// that cannot be read is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []error

	cfg.Backend = getenv("BACKEND", cfg.Backend)
	cfg.NATSURL = getenv("NATS_URL", cfg.NATSURL)
	cfg.LogFormat = getenv("LOG_FORMAT", cfg.LogFormat)
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsAddr = getenv("METRICS_ADDR", cfg.MetricsAddr)

	cfg.Database.Type = getenv("DATABASE_TYPE", cfg.Database.Type)
	cfg.Database.URL = getenv("DATABASE_URL", cfg.Database.URL)

	envInt(&errs, "WORKER_CONCURRENCY", &cfg.Worker.Concurrency)
	envDuration(&errs, "JOB_TTL", &cfg.Worker.JobTTL)
	envDuration(&errs, "RESULT_TTL", &cfg.Worker.ResultTTL)
	envDuration(&errs, "PROGRESS_INTERVAL", &cfg.Worker.ProgressInterval)
	envDuration(&errs, "SHUTDOWN_TIMEOUT", &cfg.Worker.ShutdownTimeout)

	cfg.Prover.Mode = getenv("PROVER_MODE", cfg.Prover.Mode)
	cfg.Prover.URL = getenv("PROVER_URL", cfg.Prover.URL)
	envDuration(&errs, "PROVER_TIMEOUT", &cfg.Prover.Timeout)

	cfg.Pinning.APIURL = getenv("PINATA_API_URL", cfg.Pinning.APIURL)
	cfg.Pinning.APIKey = getenv("PINATA_API_KEY", cfg.Pinning.APIKey)
	cfg.Pinning.APISecret = getenv("PINATA_API_SECRET", cfg.Pinning.APISecret)
	if v := getenv("IPFS_GATEWAYS", ""); v != "" {
		cfg.Pinning.Gateways = splitList(v)
	}
	envInt(&errs, "PIN_WRITE_ATTEMPTS", &cfg.Pinning.WriteAttempts)
	envInt(&errs, "PIN_VERIFY_ATTEMPTS", &cfg.Pinning.VerifyAttempts)
	envDuration(&errs, "PIN_RETRY_DELAY", &cfg.Pinning.RetryDelay)

	envInt(&errs, "SUBMIT_RATE_PER_MINUTE", &cfg.Submit.RatePerMinute)

	return errors.Join(errs...)
}

// Validate checks ranges and enumerations.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory, BackendNATS:
	default:
		errs = append(errs, fmt.Errorf("BACKEND must be %q or %q (got %q)", BackendMemory, BackendNATS, c.Backend))
	}
	switch c.LogFormat {
	case "text", "json", "tint":
	default:
		errs = append(errs, fmt.Errorf("LOG_FORMAT must be text, json or tint (got %q)", c.LogFormat))
	}
	switch c.Prover.Mode {
	case "simulated", "remote":
	default:
		errs = append(errs, fmt.Errorf("PROVER_MODE must be simulated or remote (got %q)", c.Prover.Mode))
	}
	if c.Prover.Mode == "remote" && c.Prover.URL == "" {
		errs = append(errs, errors.New("PROVER_URL is required when PROVER_MODE=remote"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be greater than zero (got %d)", c.Worker.Concurrency))
	}
	if c.Worker.JobTTL <= 0 || c.Worker.ResultTTL <= 0 {
		errs = append(errs, errors.New("JOB_TTL and RESULT_TTL must be positive"))
	}
	if c.Worker.ProgressInterval < 0 {
		errs = append(errs, errors.New("PROGRESS_INTERVAL must not be negative"))
	}
	if c.Pinning.WriteAttempts <= 0 || c.Pinning.VerifyAttempts <= 0 {
		errs = append(errs, errors.New("PIN_WRITE_ATTEMPTS and PIN_VERIFY_ATTEMPTS must be greater than zero"))
	}
	if c.Submit.RatePerMinute < 0 {
		errs = append(errs, errors.New("SUBMIT_RATE_PER_MINUTE must not be negative"))
	}
	if c.Database.URL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}
	return errors.Join(errs...)
}

// PinningEnabled reports whether remote pin credentials are configured.
func (c Config) PinningEnabled() bool {
	return c.Pinning.APIKey != "" && c.Pinning.APISecret != ""
}

func getenv(k, d string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return d
}

func envInt(errs *[]error, key string, dst *int) {
	raw := getenv(key, "")
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = v
}

func envDuration(errs *[]error, key string, dst *time.Duration) {
	raw := getenv(key, "")
	if raw == "" {
		return
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*dst = v
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
