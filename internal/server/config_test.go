package server

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobersik/observer/internal/bus"
)

const validConfig = `
[server]
port = 8089

[log]
path = "logs"
rotation_time = "24h"
max_age = "168h"
default_pattern = "observer-%Y-%m-%d.log"
level = "info"
format = "text"

[graph]
host = "127.0.0.1"
port = 6379
primary_name = "PrimaryMemory"
thoughtlog_name = "ThoughtLog"

[agent]
telegram_id = 8521381973
name = "Бобер Сікфан"

[bus]
backend = "memory"

[providers]
order = ["cli_gemini", "openai_compatible"]
cooldown_seconds = 30

[[providers.cli]]
name = "cli_gemini"
command = "gemini"

[[providers.openai]]
name = "openai_compatible"
api_key = "sk-test"
model = "gpt-4o-mini"

[streams.scribe]
workers = 1
queue_capacity = 256

[streams.gatekeeper]
workers = 2
queue_capacity = 128
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "PrimaryMemory", cfg.Graph.PrimaryName)
	assert.Equal(t, "ThoughtLog", cfg.Graph.ThoughtLogName)
	assert.Equal(t, []string{"cli_gemini", "openai_compatible"}, cfg.Providers.Order)
	assert.Equal(t, 30, cfg.Providers.CooldownSeconds)
	assert.Equal(t, int64(8521381973), cfg.Agent.TelegramID)
	assert.Equal(t, 1, cfg.StreamConfig(StreamScribe).Workers)
	assert.Equal(t, 256, cfg.QueueCapacity(bus.ChannelIngestion))
	assert.Equal(t, 128, cfg.QueueCapacity(bus.ChannelTriage))
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoadConfigRejectsUnknownProviderInOrder(t *testing.T) {
	broken := validConfig + `

[coordinator]
task_timeout_seconds = 30
`
	cfg, err := LoadConfig(writeConfig(t, broken))
	require.NoError(t, err)
	assert.Equal(t, 30, cfg.Coordinator.TaskTimeoutSeconds)

	cfg.Providers.Order = append(cfg.Providers.Order, "ghost")
	assert.ErrorContains(t, cfg.Validate(), "undefined provider")
}

func TestConfigValidateFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"missing graph primary", func(c *Config) { c.Graph.PrimaryName = "" }, "graph"},
		{"missing agent", func(c *Config) { c.Agent.TelegramID = 0 }, "agent"},
		{"empty provider order", func(c *Config) { c.Providers.Order = nil }, "providers"},
		{"bad bus backend", func(c *Config) { c.Bus.Backend = "carrier-pigeon" }, "bus"},
		{"kafka without brokers", func(c *Config) { c.Bus.Backend = "kafka" }, "kafka"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(writeConfig(t, validConfig))
			require.NoError(t, err)
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.wantErr)
		})
	}
}
