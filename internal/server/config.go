package server

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/bobersik/observer/internal/bus"
	"github.com/bobersik/observer/internal/embedding"
	"github.com/bobersik/observer/internal/memory"
	"github.com/bobersik/observer/internal/prompt"
	"github.com/bobersik/observer/internal/provider"
	"github.com/bobersik/observer/internal/streams"
	"github.com/bobersik/observer/pkg/graph"
	"github.com/bobersik/observer/pkg/log"
)

// Stream names used as keys of the [streams.<name>] sections.
const (
	StreamScribe      = "scribe"
	StreamGatekeeper  = "gatekeeper"
	StreamThinker     = "thinker"
	StreamAnalyst     = "analyst"
	StreamCoordinator = "coordinator"
	StreamResponder   = "responder"
)

// channelOwner maps each bus channel to the stream whose config sizes it.
var channelOwner = map[string]string{
	bus.ChannelIngestion:  StreamScribe,
	bus.ChannelTriage:     StreamGatekeeper,
	bus.ChannelAnalysis:   StreamThinker,
	bus.ChannelEnrichment: StreamScribe,
	bus.ChannelPlanning:   StreamAnalyst,
	bus.ChannelExecution:  StreamCoordinator,
	bus.ChannelResponse:   StreamResponder,
	bus.ChannelOutgoing:   StreamResponder,
}

// Config holds all configuration values
type Config struct {
	Server      ServerConfig                     `toml:"server"`
	Log         log.Config                       `toml:"log"`
	Graph       graph.Config                     `toml:"graph"`
	Agent       memory.AgentIdentity             `toml:"agent"`
	Bus         bus.Config                       `toml:"bus"`
	Kafka       bus.KafkaConfig                  `toml:"kafka"`
	Streams     map[string]streams.WorkerConfig  `toml:"streams"`
	Providers   ProvidersConfig                  `toml:"providers"`
	Gatekeeper  streams.GatekeeperConfig         `toml:"gatekeeper"`
	Thinker     streams.ThinkerConfig            `toml:"thinker"`
	Coordinator streams.CoordinatorConfig        `toml:"coordinator"`
	Responder   streams.ResponderConfig          `toml:"responder"`
	Prompt      prompt.Config                    `toml:"prompt"`
	Embedding   embedding.Config                 `toml:"embedding"`
}

// ServerConfig contains the inbound RPC listener configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// Validate checks server configuration
func (s *ServerConfig) Validate() error {
	if s.Host == "" {
		s.Host = "0.0.0.0"
	}
	if s.Port == 0 {
		s.Port = 8089
	}
	if s.Port < 0 || s.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	return nil
}

// ProvidersConfig holds the switchboard routing and the concrete provider
// definitions.
type ProvidersConfig struct {
	Order           []string                `toml:"order"`
	CooldownSeconds int                     `toml:"cooldown_seconds"`
	CLI             []provider.CLIConfig    `toml:"cli"`
	OpenAI          []provider.OpenAIConfig `toml:"openai"`
}

// Validate checks provider configuration
func (p *ProvidersConfig) Validate() error {
	if len(p.Order) == 0 {
		return fmt.Errorf("order is required")
	}
	defined := make(map[string]bool)
	for i := range p.CLI {
		if err := p.CLI[i].Validate(); err != nil {
			return fmt.Errorf("cli[%d]: %w", i, err)
		}
		defined[p.CLI[i].Name] = true
	}
	for i := range p.OpenAI {
		if err := p.OpenAI[i].Validate(); err != nil {
			return fmt.Errorf("openai[%d]: %w", i, err)
		}
		defined[p.OpenAI[i].Name] = true
	}
	for _, name := range p.Order {
		if !defined[name] {
			return fmt.Errorf("order references undefined provider %q", name)
		}
	}
	return nil
}

// Switchboard extracts the routing section.
func (p *ProvidersConfig) Switchboard() provider.SwitchboardConfig {
	return provider.SwitchboardConfig{
		Order:           p.Order,
		CooldownSeconds: p.CooldownSeconds,
	}
}

// StreamConfig returns the worker config for a stream, zero-valued when the
// section is absent.
func (c *Config) StreamConfig(name string) streams.WorkerConfig {
	return c.Streams[name]
}

// QueueCapacity returns the configured capacity of a channel's queue.
func (c *Config) QueueCapacity(channel string) int {
	owner := channelOwner[channel]
	return c.Streams[owner].QueueCapacity
}

// Validate checks all configuration fields
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	if err := c.Graph.Validate(); err != nil {
		return fmt.Errorf("graph: %w", err)
	}

	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	if err := c.Bus.Validate(); err != nil {
		return fmt.Errorf("bus: %w", err)
	}

	if c.Bus.Backend == "kafka" {
		if err := c.Kafka.Validate(); err != nil {
			return fmt.Errorf("kafka: %w", err)
		}
	}

	if err := c.Providers.Validate(); err != nil {
		return fmt.Errorf("providers: %w", err)
	}

	if err := c.Prompt.Validate(); err != nil {
		return fmt.Errorf("prompt: %w", err)
	}

	return nil
}

// LoadConfig reads and parses the configuration file
func LoadConfig(filename string) (Config, error) {
	var cfg Config

	data, err := os.ReadFile(filename)
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}
