package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

func runInit(args []string) {
	def := defaultConfig()
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dbPath := fs.String("db-path", def.DBPath, "database path")
	logLevel := fs.String("log-level", def.LogLevel, "log level: debug, info, warn, error")
	logFormat := fs.String("log-format", def.LogFormat, "log format: text or json")
	poolSize := fs.Int("pool-size", def.PoolSize, "concurrent dispatches per scheduler tick")
	interval := fs.Duration("scheduler-interval", time.Duration(def.SchedulerInterval), "cron poll interval")
	timeout := fs.Duration("behavior-timeout", time.Duration(def.BehaviorTimeout), "per-behavior timeout (0 disables)")
	threshold := fs.Int("breaker-threshold", def.BreakerThreshold, "failures before a behavior type's breaker opens")
	cooldown := fs.Duration("breaker-cooldown", time.Duration(def.BreakerCooldown), "time an open breaker waits before a trial call")
	sched := fs.Bool("scheduler", def.Scheduler, "enable cron-fired triggers")
	salt := fs.String("vault-salt", def.VaultSalt, "PBKDF2 salt used with a vault passphrase (the key itself comes from OPFLOW_VAULT_KEY)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dir := opflowDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	cfg := Config{
		DBPath:            *dbPath,
		LogLevel:          *logLevel,
		LogFormat:         *logFormat,
		PoolSize:          *poolSize,
		SchedulerInterval: Duration(*interval),
		BehaviorTimeout:   Duration(*timeout),
		BreakerThreshold:  *threshold,
		BreakerCooldown:   Duration(*cooldown),
		Scheduler:         *sched,
		VaultSalt:         *salt,
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot write %s: %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", path)
}
