// Package config loads partyline's YAML configuration: unmarshal into a
// struct, then fill zero values with hardcoded defaults.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for any partyline process.
type Config struct {
	Broker   BrokerConfig   `yaml:"broker"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Queues   QueuesConfig   `yaml:"queues"`
	Client   ClientConfig   `yaml:"client"`
	Debug    bool           `yaml:"debug"`
}

// BrokerConfig holds the TCP listener settings.
type BrokerConfig struct {
	Port     string `yaml:"port"`
	Protocol string `yaml:"protocol"`
}

// TimeoutsConfig holds the heartbeat/timeout monitor's cadence and the
// yap reorder buffer's flush delay.
type TimeoutsConfig struct {
	HeartbeatMs int `yaml:"heartbeat_ms"`
	ClientMs    int `yaml:"client_ms"`
	YapBufferMs int `yaml:"yap_buffer_ms"`
}

// QueuesConfig holds the router's capacity bounds.
type QueuesConfig struct {
	MaxClarification int `yaml:"max_clarification"`
	MaxYapBuffer     int `yaml:"max_yap_buffer"`
}

// ClientConfig holds the client library's heartbeat cadence and
// reconnect backoff parameters.
type ClientConfig struct {
	HeartbeatMs          int     `yaml:"heartbeat_ms"`
	ReconnectDelayMs     int     `yaml:"reconnect_delay_ms"`
	ReconnectFactor      float64 `yaml:"reconnect_factor"`
	MaxReconnectAttempts int     `yaml:"max_reconnect_attempts"`
}

// Default returns the hardcoded defaults: port 8765, 5s heartbeat / 15s
// client timeout, 200ms yap buffer, queues of 10/50, and a
// 1s/x2/10-attempt reconnect backoff.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Port:     ":8765",
			Protocol: "tcp",
		},
		Timeouts: TimeoutsConfig{
			HeartbeatMs: 5000,
			ClientMs:    15000,
			YapBufferMs: 200,
		},
		Queues: QueuesConfig{
			MaxClarification: 10,
			MaxYapBuffer:     50,
		},
		Client: ClientConfig{
			HeartbeatMs:          5000,
			ReconnectDelayMs:     1000,
			ReconnectFactor:      2,
			MaxReconnectAttempts: 10,
		},
	}
}

// Load reads and parses a YAML config file, filling any zero-valued
// field with its Default() counterpart. An empty filename returns
// Default() directly.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	d := Default()
	if cfg.Broker.Port == "" {
		cfg.Broker.Port = d.Broker.Port
	}
	if cfg.Broker.Protocol == "" {
		cfg.Broker.Protocol = d.Broker.Protocol
	}
	if cfg.Timeouts.HeartbeatMs == 0 {
		cfg.Timeouts.HeartbeatMs = d.Timeouts.HeartbeatMs
	}
	if cfg.Timeouts.ClientMs == 0 {
		cfg.Timeouts.ClientMs = d.Timeouts.ClientMs
	}
	if cfg.Timeouts.YapBufferMs == 0 {
		cfg.Timeouts.YapBufferMs = d.Timeouts.YapBufferMs
	}
	if cfg.Queues.MaxClarification == 0 {
		cfg.Queues.MaxClarification = d.Queues.MaxClarification
	}
	if cfg.Queues.MaxYapBuffer == 0 {
		cfg.Queues.MaxYapBuffer = d.Queues.MaxYapBuffer
	}
	if cfg.Client.HeartbeatMs == 0 {
		cfg.Client.HeartbeatMs = d.Client.HeartbeatMs
	}
	if cfg.Client.ReconnectDelayMs == 0 {
		cfg.Client.ReconnectDelayMs = d.Client.ReconnectDelayMs
	}
	if cfg.Client.ReconnectFactor == 0 {
		cfg.Client.ReconnectFactor = d.Client.ReconnectFactor
	}
	if cfg.Client.MaxReconnectAttempts == 0 {
		cfg.Client.MaxReconnectAttempts = d.Client.MaxReconnectAttempts
	}
}
