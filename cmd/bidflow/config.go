package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"

	"github.com/bidworks/bidflow/pkg/schema"
)

// Config holds all bidflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr     string            `json:"listen_addr"`
	DBPath         string            `json:"db_path"`
	LogLevel       string            `json:"log_level"`
	Workers        int               `json:"workers"`
	SweepSchedule  string            `json:"sweep_schedule"`
	AgentEndpoints map[string]string `json:"agent_endpoints"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:    ":4200",
		DBPath:        filepath.Join(bidflowDir(), "bidflow.db"),
		LogLevel:      "info",
		Workers:       10,
		SweepSchedule: "* * * * *",
	}
}

func bidflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bidflow"
	}
	return filepath.Join(home, ".bidflow")
}

func settingsPath() string {
	return filepath.Join(bidflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("BIDFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("BIDFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BIDFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("BIDFLOW_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
	if v := os.Getenv("BIDFLOW_SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}

	return cfg
}

// stageEndpoints converts the config's endpoint map keys to stage types.
func (c Config) stageEndpoints() map[schema.StageType]string {
	out := make(map[schema.StageType]string, len(c.AgentEndpoints))
	for stage, url := range c.AgentEndpoints {
		out[schema.StageType(stage)] = url
	}
	return out
}
