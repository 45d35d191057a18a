// Package bridgecfg holds the bridge's configuration surface (§9.3):
// a plain struct populated from CLI flags, validated into a
// section-keyed map of messages rather than returning on first error.
package bridgecfg

import (
	"fmt"
	"time"
)

// SerialConfig configures LineSource.
type SerialConfig struct {
	Enabled   bool
	Port      string
	BaudRate  uint
	Timeout   time.Duration // serial.timeout_s: inter-character read timeout
	Freshness time.Duration // serial.freshness_s: SourceStatus freshness threshold for nmea
}

// UDPConfig configures DatagramSource.
type UDPConfig struct {
	Enabled     bool
	Host        string
	Port        int
	BufferBytes int           // udp.buffer_bytes: per-datagram read buffer size
	Freshness   time.Duration // udp.freshness_s: SourceStatus freshness threshold for kv
}

// WebsocketConfig configures the BroadcastHub. Host/Port are carried
// for parity with §6.4's configuration record; this implementation
// mounts the Hub on the shared HTTP server (server.listen) rather than
// binding its own listener, following the donor's one-process,
// one-router convention, so they are informational only.
type WebsocketConfig struct {
	Enabled           bool
	Host              string
	Port              int
	Path              string
	BroadcastInterval time.Duration
	CompatibilityMode bool
}

// Config is the bridge's full configuration.
type Config struct {
	Serial    SerialConfig
	UDP       UDPConfig
	Websocket WebsocketConfig
}

// Default returns a Config with the defaults spec.md §6.4 calls out.
func Default() Config {
	return Config{
		Serial: SerialConfig{
			Enabled:   true,
			Port:      "/dev/ttyUSB0",
			BaudRate:  4800,
			Timeout:   500 * time.Millisecond,
			Freshness: 5 * time.Second,
		},
		UDP: UDPConfig{
			Enabled:     true,
			Host:        "0.0.0.0",
			Port:        55278,
			BufferBytes: 65535,
			Freshness:   5 * time.Second,
		},
		Websocket: WebsocketConfig{
			Enabled:           true,
			Host:              "0.0.0.0",
			Port:              2992,
			Path:              "/api/v1",
			BroadcastInterval: 250 * time.Millisecond,
			CompatibilityMode: true,
		},
	}
}

// Validate checks the configuration and returns a map from section name
// to the list of problems found in that section; an empty map means the
// configuration is valid.
func (c Config) Validate() map[string][]string {
	problems := map[string][]string{}

	if c.Serial.Enabled {
		var msgs []string
		if c.Serial.Port == "" {
			msgs = append(msgs, "port must not be empty")
		}
		if c.Serial.BaudRate == 0 {
			msgs = append(msgs, "baud rate must be positive")
		}
		if c.Serial.Timeout <= 0 {
			msgs = append(msgs, "timeout_s must be positive")
		}
		if c.Serial.Freshness <= 0 {
			msgs = append(msgs, "freshness_s must be positive")
		}
		if len(msgs) > 0 {
			problems["serial"] = msgs
		}
	}

	if c.UDP.Enabled {
		var msgs []string
		if c.UDP.Port <= 0 || c.UDP.Port > 65535 {
			msgs = append(msgs, fmt.Sprintf("port %d out of range [1,65535]", c.UDP.Port))
		}
		if c.UDP.BufferBytes <= 0 {
			msgs = append(msgs, "buffer_bytes must be positive")
		}
		if c.UDP.Freshness <= 0 {
			msgs = append(msgs, "freshness_s must be positive")
		}
		if len(msgs) > 0 {
			problems["udp"] = msgs
		}
	}

	if c.Websocket.Enabled {
		var msgs []string
		if c.Websocket.Path == "" {
			msgs = append(msgs, "path must not be empty")
		}
		if c.Websocket.BroadcastInterval <= 0 {
			msgs = append(msgs, "broadcast_interval_s must be positive")
		}
		if len(msgs) > 0 {
			problems["websocket"] = msgs
		}
	}

	if !c.Serial.Enabled && !c.UDP.Enabled {
		problems["general"] = append(problems["general"], "at least one of serial or udp must be enabled")
	}

	return problems
}
