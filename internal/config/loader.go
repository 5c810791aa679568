package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the path checked for YAML configuration when
// PIPELINE_CONFIG is not set.
const DefaultConfigFile = "pipeline.yaml"

// Load returns a Config using the hierarchy: defaults < YAML < ENV.
// The YAML path comes from PIPELINE_CONFIG and falls back to
// DefaultConfigFile; a missing file is not an error.
func Load() (*Config, error) {
	path := os.Getenv("PIPELINE_CONFIG")
	if path == "" {
		path = DefaultConfigFile
	}
	return LoadFrom(path)
}

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional.
func LoadFrom(yamlPath string) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// Returns nil if the file does not exist.
func loadYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is validated by caller
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Env, "PIPELINE_ENV")
	setString(&cfg.HTTP.Addr, "PIPELINE_HTTP_ADDR")
	setString(&cfg.HTTP.APIToken, "PIPELINE_API_TOKEN")

	setString(&cfg.Database.URL, "PIPELINE_DB_URL")
	setString(&cfg.Database.Path, "PIPELINE_DB_PATH")
	setInt32(&cfg.Database.MaxConns, "PIPELINE_DB_MAX_CONNS")
	setInt32(&cfg.Database.MinConns, "PIPELINE_DB_MIN_CONNS")
	setDuration(&cfg.Database.MaxConnLifetime, "PIPELINE_DB_MAX_CONN_LIFETIME")
	setDuration(&cfg.Database.MaxConnIdleTime, "PIPELINE_DB_MAX_CONN_IDLE_TIME")

	setString(&cfg.Queue.RedisURL, "PIPELINE_REDIS_URL")
	setString(&cfg.Queue.Name, "PIPELINE_QUEUE_NAME")
	setString(&cfg.NATS.URL, "PIPELINE_NATS_URL")

	setString(&cfg.Log.Level, "PIPELINE_LOG_LEVEL")
	setString(&cfg.Log.Format, "PIPELINE_LOG_FORMAT")
	setBool(&cfg.Log.Async, "PIPELINE_LOG_ASYNC")

	setInt(&cfg.Budget.MaxTokensPerStep, "PIPELINE_MAX_TOKENS_PER_STEP")
	setInt(&cfg.Budget.MaxTokensPerProtocol, "PIPELINE_MAX_TOKENS_PER_PROTOCOL")
	setString(&cfg.Budget.Mode, "PIPELINE_TOKEN_BUDGET_MODE")

	setString(&cfg.Engine.Command, "PIPELINE_ENGINE_BIN")
	setDuration(&cfg.Engine.Timeout, "PIPELINE_ENGINE_TIMEOUT")

	setInt(&cfg.Worker.Count, "PIPELINE_WORKERS")
	setDuration(&cfg.Worker.PollInterval, "PIPELINE_POLL_INTERVAL")
	setBool(&cfg.Worker.AutoQA, "PIPELINE_AUTO_QA")

	setString(&cfg.Planner.TemplatesDir, "PIPELINE_TEMPLATES_DIR")
	setString(&cfg.Workspace.Root, "PIPELINE_WORKSPACE_ROOT")
	setInt64(&cfg.Workspace.GitConcurrency, "PIPELINE_GIT_CONCURRENCY")

	setString(&cfg.Webhook.Token, "PIPELINE_WEBHOOK_TOKEN")
	setString(&cfg.Telemetry.OTLPEndpoint, "PIPELINE_OTLP_ENDPOINT")

	setInt64(&cfg.Cache.MaxSizeMB, "PIPELINE_CACHE_SIZE_MB")
	setDuration(&cfg.Cache.TTL, "PIPELINE_CACHE_TTL")
	setInt(&cfg.Breaker.MaxFailures, "PIPELINE_BREAKER_MAX_FAILURES")
	setDuration(&cfg.Breaker.Timeout, "PIPELINE_BREAKER_TIMEOUT")

	// Per-phase model overrides keep their historical unprefixed names.
	setString(&cfg.Models.Planning, "PROTOCOL_PLANNING_MODEL")
	setString(&cfg.Models.Decompose, "PROTOCOL_DECOMPOSE_MODEL")
	setString(&cfg.Models.Exec, "PROTOCOL_EXEC_MODEL")
	setString(&cfg.Models.QA, "PROTOCOL_QA_MODEL")
}

// validate checks that required fields are set.
func validate(cfg *Config) error {
	if cfg.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if cfg.Database.URL == "" && cfg.Database.Path == "" {
		return errors.New("one of database.url or database.path is required")
	}
	if cfg.Database.MaxConns < 1 {
		return errors.New("database.max_conns must be >= 1")
	}
	switch cfg.Budget.Mode {
	case BudgetModeStrict, BudgetModeWarn, BudgetModeOff:
	default:
		return fmt.Errorf("budget.mode must be one of strict, warn, off (got %q)", cfg.Budget.Mode)
	}
	if cfg.Budget.MaxTokensPerStep < 0 || cfg.Budget.MaxTokensPerProtocol < 0 {
		return errors.New("budget limits must be >= 0")
	}
	if cfg.Worker.Count < 1 {
		return errors.New("worker.count must be >= 1")
	}
	if cfg.Worker.PollInterval <= 0 {
		return errors.New("worker.poll_interval must be > 0")
	}
	if cfg.Workspace.GitConcurrency < 1 {
		return errors.New("workspace.git_concurrency must be >= 1")
	}
	if cfg.Breaker.MaxFailures < 1 {
		return errors.New("breaker.max_failures must be >= 1")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
