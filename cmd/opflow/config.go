package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all opflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath    string `json:"db_path"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
	// PoolSize bounds concurrent dispatches fired by the cron scheduler.
	PoolSize          int      `json:"pool_size"`
	SchedulerInterval Duration `json:"scheduler_interval"`
	BehaviorTimeout   Duration `json:"behavior_timeout"`
	BreakerThreshold  int      `json:"breaker_threshold"`
	BreakerCooldown   Duration `json:"breaker_cooldown"`
	Scheduler         bool     `json:"scheduler"`
	// VaultKey unlocks the secret vault: 64 hex characters for a raw key,
	// anything else is a passphrase. Read from OPFLOW_VAULT_KEY only and
	// never written to settings.json.
	VaultKey  string `json:"-"`
	VaultSalt string `json:"vault_salt"`
}

// Duration is a time.Duration that reads and writes "30s" style strings.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(opflowDir(), "opflow.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		PoolSize:          4,
		SchedulerInterval: Duration(time.Minute),
		BehaviorTimeout:   Duration(10 * time.Second),
		BreakerThreshold:  5,
		BreakerCooldown:   Duration(30 * time.Second),
		Scheduler:         true,
		VaultSalt:         "opflow-vault",
	}
}

func opflowDir() string {
	if v := os.Getenv("OPFLOW_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opflow"
	}
	return filepath.Join(home, ".opflow")
}

func settingsPath() string {
	return filepath.Join(opflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// settings.json is optional.
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	if v := os.Getenv("OPFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("OPFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("OPFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("OPFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("OPFLOW_BREAKER_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BreakerThreshold = n
		}
	}
	envDuration("OPFLOW_SCHEDULER_INTERVAL", &cfg.SchedulerInterval)
	envDuration("OPFLOW_BEHAVIOR_TIMEOUT", &cfg.BehaviorTimeout)
	envDuration("OPFLOW_BREAKER_COOLDOWN", &cfg.BreakerCooldown)
	if v := os.Getenv("OPFLOW_VAULT_KEY"); v != "" {
		cfg.VaultKey = v
	}
	if v := os.Getenv("OPFLOW_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}
	if v := os.Getenv("OPFLOW_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}

func envDuration(key string, dst *Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = Duration(d)
	}
}
