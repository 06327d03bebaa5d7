// Package config holds the engine's tunables, loadable from a YAML file
// over sane defaults.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config configures one sync engine instance.
type Config struct {
	// RelayURL is the websocket endpoint, e.g. ws://localhost:8081.
	// The file id is appended as /room/{fileID}.
	RelayURL string `yaml:"relay_url"`

	// AuthToken, when set, skips the host token fetch.
	AuthToken string `yaml:"auth_token"`

	// PresenceInterval is the presence flush tick (one outbound presence
	// message at most per tick).
	PresenceInterval time.Duration `yaml:"presence_interval"`

	// HeartbeatIdle is how long outbound traffic may be absent before a
	// heartbeat is sent.
	HeartbeatIdle time.Duration `yaml:"heartbeat_idle"`

	// ReconnectDelay is the flat delay between reconnect attempts.
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`

	// OutboxPath, when set, persists unacknowledged transactions to a
	// bolt database so they survive a document reload.
	OutboxPath string `yaml:"outbox_path"`

	// BridgeBuffer sizes the cross-context bridge channels.
	BridgeBuffer int `yaml:"bridge_buffer"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		PresenceInterval: 16 * time.Millisecond,
		HeartbeatIdle:    10 * time.Second,
		ReconnectDelay:   5 * time.Second,
		BridgeBuffer:     256,
	}
}

// Load reads a YAML file over Default.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "config: read")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "config: parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// UnmarshalYAML decodes over whatever values the receiver already holds,
// so absent keys keep their defaults. Durations are Go duration strings
// ("16ms", "2s"); yaml.v3 has no native time.Duration support.
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		RelayURL         string `yaml:"relay_url"`
		AuthToken        string `yaml:"auth_token"`
		PresenceInterval string `yaml:"presence_interval"`
		HeartbeatIdle    string `yaml:"heartbeat_idle"`
		ReconnectDelay   string `yaml:"reconnect_delay"`
		OutboxPath       string `yaml:"outbox_path"`
		BridgeBuffer     int    `yaml:"bridge_buffer"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.RelayURL != "" {
		c.RelayURL = raw.RelayURL
	}
	if raw.AuthToken != "" {
		c.AuthToken = raw.AuthToken
	}
	if raw.OutboxPath != "" {
		c.OutboxPath = raw.OutboxPath
	}
	if raw.BridgeBuffer != 0 {
		c.BridgeBuffer = raw.BridgeBuffer
	}
	for _, f := range []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"presence_interval", raw.PresenceInterval, &c.PresenceInterval},
		{"heartbeat_idle", raw.HeartbeatIdle, &c.HeartbeatIdle},
		{"reconnect_delay", raw.ReconnectDelay, &c.ReconnectDelay},
	} {
		if f.in == "" {
			continue
		}
		d, err := time.ParseDuration(f.in)
		if err != nil {
			return errors.Wrapf(err, "config: %s", f.name)
		}
		*f.out = d
	}
	return nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.RelayURL == "" {
		return errors.New("config: relay_url is required")
	}
	if c.PresenceInterval <= 0 {
		return errors.New("config: presence_interval must be positive")
	}
	if c.HeartbeatIdle <= 0 {
		return errors.New("config: heartbeat_idle must be positive")
	}
	if c.ReconnectDelay <= 0 {
		return errors.New("config: reconnect_delay must be positive")
	}
	return nil
}
