package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds all sigil configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	MetricsAddr  string `json:"metrics_addr"`
	DispatchSize int    `json:"dispatch_size"`
	MaxRounds    int    `json:"max_rounds"`
}

func defaultConfig() Config {
	return Config{
		DBPath:       filepath.Join(sigilDir(), "sigil.db"),
		LogLevel:     "info",
		DispatchSize: 4,
		MaxRounds:    64,
	}
}

func sigilDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sigil"
	}
	return filepath.Join(home, ".sigil")
}

func settingsPath() string {
	return filepath.Join(sigilDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("SIGIL_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("SIGIL_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SIGIL_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("SIGIL_DISPATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DispatchSize = n
		}
	}
	if v := os.Getenv("SIGIL_MAX_ROUNDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRounds = n
		}
	}

	return cfg
}
