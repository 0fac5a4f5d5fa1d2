// Package config loads worker configuration from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config holds all configuration values for the worker.
type Config struct {
	// Database connection string. Optional; without it build records and
	// logs are not persisted and the build endpoints are disabled.
	DatabaseURL string

	// HTTP port for health, build and metrics endpoints.
	HTTPPort int

	// Requests per second allowed per client on the HTTP API; 0 disables limiting.
	APIRateLimit float64
	APIRateBurst int

	WorkerID          string
	WorkerConcurrency int

	// Builds accepted per second; 0 disables pacing.
	WorkerIntakeRate  float64
	WorkerIntakeBurst int

	// Container runtime; only "docker" is supported.
	Runtime     string
	DockerHost  string
	StopTimeout time.Duration

	ScratchDir     string
	KeepScratch    bool
	CheckoutRoot   string
	DefaultTimeout time.Duration
	ColorOutput    bool

	BuildSubscriptionURL string
	ResultTopicURL       string
	ReportTopicURL       string
	ArtifactBucketURL    string

	OTELEndpoint string
	LogLevel     string
}

// DefaultConfigName is the file looked up in the working directory when no
// explicit path is given.
const DefaultConfigName = "buildrunner"

var envBindings = map[string][]string{
	"database_url":           {"DATABASE_URL"},
	"http_port":              {"PORT", "HTTP_PORT"},
	"api_rate_limit":         {"API_RATE_LIMIT"},
	"api_rate_burst":         {"API_RATE_BURST"},
	"worker_id":              {"WORKER_ID"},
	"worker_concurrency":     {"WORKER_CONCURRENCY"},
	"worker_intake_rate":     {"WORKER_INTAKE_RATE"},
	"worker_intake_burst":    {"WORKER_INTAKE_BURST"},
	"runtime":                {"RUNTIME"},
	"docker_host":            {"DOCKER_HOST"},
	"stop_timeout":           {"STOP_TIMEOUT"},
	"scratch_dir":            {"SCRATCH_DIR"},
	"keep_scratch":           {"KEEP_SCRATCH"},
	"checkout_root":          {"CHECKOUT_ROOT"},
	"default_timeout":        {"DEFAULT_TIMEOUT"},
	"color_output":           {"COLOR_OUTPUT"},
	"build_subscription_url": {"BUILD_SUBSCRIPTION_URL"},
	"result_topic_url":       {"RESULT_TOPIC_URL"},
	"report_topic_url":       {"REPORT_TOPIC_URL"},
	"artifact_bucket_url":    {"ARTIFACT_BUCKET_URL"},
	"otel_endpoint":          {"OTEL_EXPORTER_OTLP_ENDPOINT"},
	"log_level":              {"LOG_LEVEL"},
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 6162)
	v.SetDefault("api_rate_limit", 0)
	v.SetDefault("api_rate_burst", 20)
	v.SetDefault("worker_concurrency", 1)
	v.SetDefault("worker_intake_rate", 0)
	v.SetDefault("worker_intake_burst", 1)
	v.SetDefault("runtime", "docker")
	v.SetDefault("stop_timeout", 10*time.Second)
	v.SetDefault("checkout_root", "/home")
	v.SetDefault("default_timeout", 30*time.Minute)
	v.SetDefault("color_output", true)
	v.SetDefault("build_subscription_url", "mem://builds")
	v.SetDefault("result_topic_url", "mem://results")
	v.SetDefault("otel_endpoint", "localhost:4317")
	v.SetDefault("log_level", "info")
}

// Load reads configuration from path (or ./buildrunner.yaml when path is
// empty and the file exists), then applies environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, envs := range envBindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	} else {
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	cfg := &Config{
		DatabaseURL:          v.GetString("database_url"),
		HTTPPort:             v.GetInt("http_port"),
		APIRateLimit:         v.GetFloat64("api_rate_limit"),
		APIRateBurst:         v.GetInt("api_rate_burst"),
		WorkerID:             v.GetString("worker_id"),
		WorkerConcurrency:    v.GetInt("worker_concurrency"),
		WorkerIntakeRate:     v.GetFloat64("worker_intake_rate"),
		WorkerIntakeBurst:    v.GetInt("worker_intake_burst"),
		Runtime:              v.GetString("runtime"),
		DockerHost:           v.GetString("docker_host"),
		StopTimeout:          v.GetDuration("stop_timeout"),
		ScratchDir:           v.GetString("scratch_dir"),
		KeepScratch:          v.GetBool("keep_scratch"),
		CheckoutRoot:         v.GetString("checkout_root"),
		DefaultTimeout:       v.GetDuration("default_timeout"),
		ColorOutput:          v.GetBool("color_output"),
		BuildSubscriptionURL: v.GetString("build_subscription_url"),
		ResultTopicURL:       v.GetString("result_topic_url"),
		ReportTopicURL:       v.GetString("report_topic_url"),
		ArtifactBucketURL:    v.GetString("artifact_bucket_url"),
		OTELEndpoint:         v.GetString("otel_endpoint"),
		LogLevel:             v.GetString("log_level"),
	}

	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges and supported options.
func (c *Config) Validate() error {
	if c.Runtime != "docker" {
		return fmt.Errorf("unsupported runtime %q (env: RUNTIME)", c.Runtime)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http_port %d out of range (env: PORT)", c.HTTPPort)
	}
	if c.APIRateLimit < 0 {
		return fmt.Errorf("api_rate_limit must not be negative (env: API_RATE_LIMIT)")
	}
	if c.APIRateLimit > 0 && c.APIRateBurst < 1 {
		return fmt.Errorf("api_rate_burst must be at least 1 (env: API_RATE_BURST)")
	}
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("worker_concurrency must be at least 1 (env: WORKER_CONCURRENCY)")
	}
	if c.WorkerIntakeRate < 0 {
		return fmt.Errorf("worker_intake_rate must not be negative (env: WORKER_INTAKE_RATE)")
	}
	if c.WorkerIntakeBurst < 1 {
		return fmt.Errorf("worker_intake_burst must be at least 1 (env: WORKER_INTAKE_BURST)")
	}
	if c.DefaultTimeout <= 0 {
		return fmt.Errorf("default_timeout must be positive (env: DEFAULT_TIMEOUT)")
	}
	if c.StopTimeout <= 0 {
		return fmt.Errorf("stop_timeout must be positive (env: STOP_TIMEOUT)")
	}
	if c.BuildSubscriptionURL == "" {
		return fmt.Errorf("build_subscription_url is required (env: BUILD_SUBSCRIPTION_URL)")
	}
	if c.ResultTopicURL == "" {
		return fmt.Errorf("result_topic_url is required (env: RESULT_TOPIC_URL)")
	}
	return nil
}

func defaultWorkerID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host + "-" + uuid.NewString()[:8]
	}
	return "worker-" + uuid.NewString()[:8]
}
