package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/hrflow/internal/authz"
	"github.com/rendis/hrflow/pkg/schema"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "missing.json"))
	require.NoError(t, err)
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:4200", cfg.BaseURL)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, "*/5 * * * *", cfg.SweepSchedule)
	assert.Equal(t, "stdio", cfg.MCPTransport)
}

func TestLoadConfig_SettingsAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"listen_addr": ":9000",
		"pool_size": 4,
		"definitions_dir": "/etc/hrflow/defs",
		"policies": {"manager": ["review"]}
	}`), 0o644))
	t.Setenv("HRFLOW_POOL_SIZE", "8")
	t.Setenv("HRFLOW_MCP_TRANSPORT", "SSE")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, "http://localhost:9000", cfg.BaseURL)
	assert.Equal(t, 8, cfg.PoolSize)
	assert.Equal(t, "sse", cfg.MCPTransport)
	assert.Equal(t, "/etc/hrflow/defs", cfg.DefinitionsDir)

	policy, err := cfg.policy()
	require.NoError(t, err)
	assert.True(t, policy.Has(schema.Actor{ID: "m", Roles: []string{"manager"}}, authz.CapReview))
	assert.False(t, policy.KnownRole("hr_admin"))
}

func TestLoadConfig_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{not json`), 0o644))

	_, err := loadConfig(path)
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"HRFLOW_LISTEN_ADDR":     ":1",
		"HRFLOW_DB_PATH":         "/tmp/x.db",
		"HRFLOW_LOG_LEVEL":       "debug",
		"HRFLOW_LOG_FORMAT":      "text",
		"HRFLOW_POOL_SIZE":       "not-a-number",
		"HRFLOW_SWEEP_SCHEDULE":  "@hourly",
		"HRFLOW_DEFINITIONS_DIR": "defs",
		"HRFLOW_ALLOWED_ORIGINS": "https://hr.example.com,https://admin.example.com",
	}
	cfg := defaultConfig()
	applyEnv(&cfg, func(k string) string { return env[k] })

	assert.Equal(t, ":1", cfg.ListenAddr)
	assert.Equal(t, "/tmp/x.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 10, cfg.PoolSize)
	assert.Equal(t, "@hourly", cfg.SweepSchedule)
	assert.Equal(t, "defs", cfg.DefinitionsDir)
	assert.Equal(t, []string{"https://hr.example.com", "https://admin.example.com"}, cfg.AllowedOrigins)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"transport", func(c *Config) { c.MCPTransport = "grpc" }},
		{"pool size", func(c *Config) { c.PoolSize = 0 }},
		{"schedule", func(c *Config) { c.SweepSchedule = "every tuesday" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.validate())
		})
	}
	assert.NoError(t, defaultConfig().validate())
}

func TestConfigPolicy_Default(t *testing.T) {
	policy, err := defaultConfig().policy()
	require.NoError(t, err)
	assert.Equal(t, []string{"hr", "hr_admin"}, policy.Roles())

	cfg := defaultConfig()
	cfg.Policies = map[string][]string{"x": {"fly"}}
	_, err = cfg.policy()
	assert.Error(t, err)
}
