package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all karflow configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath   string `json:"db_path"`
	LogLevel string `json:"log_level"`
	KARDir   string `json:"kar_dir"`
	LogDir   string `json:"log_dir"` // raw payload copies; empty disables the file sink

	FHIRBaseURL string `json:"fhir_base_url"`
	FHIRToken   string `json:"fhir_token"`

	RedisAddr string `json:"redis_addr"` // empty uses an in-process version lock

	S3Bucket   string `json:"s3_bucket"` // empty disables the S3 sink
	S3Region   string `json:"s3_region"`
	S3Endpoint string `json:"s3_endpoint"`
	S3Prefix   string `json:"s3_prefix"`

	PollInterval time.Duration `json:"poll_interval"`
	PoolSize     int           `json:"pool_size"`
	MaxAttempts  int           `json:"max_attempts"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       filepath.Join(karflowDir(), "karflow.db"),
		LogLevel:     "info",
		KARDir:       filepath.Join(karflowDir(), "kars"),
		LogDir:       filepath.Join(karflowDir(), "messages"),
		S3Region:     "us-east-1",
		PollInterval: time.Minute,
		PoolSize:     4,
		MaxAttempts:  3,
	}
}

func karflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".karflow"
	}
	return filepath.Join(home, ".karflow")
}

func settingsPath() string {
	return filepath.Join(karflowDir(), "settings.json")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath(), os.Getenv)
}

func loadConfigFrom(path string, getenv func(string) string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	setString := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	setString("KARFLOW_DB_PATH", &cfg.DBPath)
	setString("KARFLOW_LOG_LEVEL", &cfg.LogLevel)
	setString("KARFLOW_KAR_DIR", &cfg.KARDir)
	setString("KARFLOW_LOG_DIR", &cfg.LogDir)
	setString("KARFLOW_FHIR_BASE_URL", &cfg.FHIRBaseURL)
	setString("KARFLOW_FHIR_TOKEN", &cfg.FHIRToken)
	setString("KARFLOW_REDIS_ADDR", &cfg.RedisAddr)
	setString("KARFLOW_S3_BUCKET", &cfg.S3Bucket)
	setString("KARFLOW_S3_REGION", &cfg.S3Region)
	setString("KARFLOW_S3_ENDPOINT", &cfg.S3Endpoint)
	setString("KARFLOW_S3_PREFIX", &cfg.S3Prefix)

	if v := getenv("KARFLOW_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollInterval = d
		}
	}
	if v := getenv("KARFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := getenv("KARFLOW_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxAttempts = n
		}
	}
	return cfg
}

// UnmarshalJSON accepts poll_interval as a duration string ("90s") or
// integer nanoseconds.
func (c *Config) UnmarshalJSON(data []byte) error {
	type plain Config
	aux := struct {
		*plain
		PollInterval json.RawMessage `json:"poll_interval"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.PollInterval) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(aux.PollInterval, &s); err == nil {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		c.PollInterval = d
		return nil
	}
	var n int64
	if err := json.Unmarshal(aux.PollInterval, &n); err != nil {
		return err
	}
	c.PollInterval = time.Duration(n)
	return nil
}
