package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rendis/hrflow/internal/authz"
	"github.com/rendis/hrflow/internal/scheduler"
)

// Config holds all hrflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	ListenAddr     string              `json:"listen_addr"`
	BaseURL        string              `json:"base_url"`
	DBPath         string              `json:"db_path"`
	LogLevel       string              `json:"log_level"`
	LogFormat      string              `json:"log_format"`
	PoolSize       int                 `json:"pool_size"`
	DefinitionsDir string              `json:"definitions_dir"`
	SweepSchedule  string              `json:"sweep_schedule"`
	MCPTransport   string              `json:"mcp_transport"`
	AllowedOrigins []string            `json:"allowed_origins"`
	Policies       map[string][]string `json:"policies"`
	// Projections maps an event kind to a jq filter applied to notification data.
	Projections map[string]string `json:"projections"`
}

func defaultConfig() Config {
	return Config{
		ListenAddr:    ":4200",
		DBPath:        filepath.Join(hrflowDir(), "hrflow.db"),
		LogLevel:      "info",
		LogFormat:     "json",
		PoolSize:      10,
		SweepSchedule: scheduler.DefaultSchedule,
		MCPTransport:  "stdio",
	}
}

func hrflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hrflow"
	}
	return filepath.Join(home, ".hrflow")
}

func settingsPath() string {
	return filepath.Join(hrflowDir(), "settings.json")
}

// loadConfig layers settings.json and HRFLOW_* env vars over the defaults.
// A missing settings file is not an error; a malformed one is.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read %s: %w", path, err)
	}

	applyEnv(&cfg, os.Getenv)

	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config, getenv func(string) string) {
	if v := getenv("HRFLOW_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := getenv("HRFLOW_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := getenv("HRFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := getenv("HRFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := getenv("HRFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := getenv("HRFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := getenv("HRFLOW_DEFINITIONS_DIR"); v != "" {
		cfg.DefinitionsDir = v
	}
	if v := getenv("HRFLOW_SWEEP_SCHEDULE"); v != "" {
		cfg.SweepSchedule = v
	}
	if v := getenv("HRFLOW_MCP_TRANSPORT"); v != "" {
		cfg.MCPTransport = strings.ToLower(v)
	}
	if v := getenv("HRFLOW_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = strings.Split(v, ",")
	}
}

func (c Config) validate() error {
	if c.MCPTransport != "stdio" && c.MCPTransport != "sse" {
		return fmt.Errorf("mcp_transport must be stdio or sse, got %q", c.MCPTransport)
	}
	if c.PoolSize <= 0 {
		return fmt.Errorf("pool_size must be positive, got %d", c.PoolSize)
	}
	if _, err := scheduler.ParseSchedule(c.SweepSchedule); err != nil {
		return fmt.Errorf("sweep_schedule: %w", err)
	}
	return nil
}

// policy builds the authorization policy, falling back to the default table.
func (c Config) policy() (*authz.Policy, error) {
	if len(c.Policies) == 0 {
		return authz.DefaultPolicy(), nil
	}
	return authz.NewPolicy(c.Policies)
}
