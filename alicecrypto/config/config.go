// Package config loads the daemon configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/TheusHen/alicecrypto/alicecrypto/crypto"
	"github.com/TheusHen/alicecrypto/alicecrypto/session"
	"github.com/TheusHen/alicecrypto/alicecrypto/store"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

type Config struct {
	// Listen is the HTTP address serving WebSocket, /metrics and /healthz.
	Listen string `yaml:"listen"`
	// QUICListen enables the QUIC transport when non-empty.
	QUICListen string `yaml:"quic_listen"`

	Session   SessionConfig   `yaml:"session"`
	Crypto    CryptoConfig    `yaml:"crypto"`
	Chat      ChatConfig      `yaml:"chat"`
	Compute   ComputeConfig   `yaml:"compute"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

type SessionConfig struct {
	// Rehandshake is "replace" or "reject".
	Rehandshake string `yaml:"rehandshake"`
	// HandshakeTimeout closes connections that have not established a
	// session in time. Zero disables it.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type CryptoConfig struct {
	Suite string `yaml:"suite"`
}

type ChatConfig struct {
	ClientName   string `yaml:"client_name"`
	ServerName   string `yaml:"server_name"`
	ReplyFormat  string `yaml:"reply_format"`
	ReplyOnError bool   `yaml:"reply_on_error"`
}

type ComputeConfig struct {
	MaxOperands int `yaml:"max_operands"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

type WebSocketConfig struct {
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	WriteWait       time.Duration `yaml:"write_wait"`
	PingPeriod      time.Duration `yaml:"ping_period"`
	// AllowedOrigins restricts browser origins. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: "0.0.0.0:8080",
		Session: SessionConfig{
			Rehandshake: "replace",
		},
		Crypto: CryptoConfig{
			Suite: "aes-256-gcm",
		},
		Chat: ChatConfig{
			ClientName:  "Alice",
			ServerName:  "Bob (Server)",
			ReplyFormat: "Server received: %s",
		},
		Compute: ComputeConfig{
			MaxOperands: 10000,
		},
		Store: StoreConfig{
			Driver: store.DriverSQLite,
			Path:   "crypto_lab.db",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File:   "backend.log",
		},
		WebSocket: WebSocketConfig{
			MaxMessageBytes: 1 << 20,
			WriteWait:       10 * time.Second,
			PingPeriod:      30 * time.Second,
		},
	}
}

// Load reads path over Default. An empty path returns Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(body, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks every field that would otherwise fail at first use.
func (c *Config) Validate() error {
	var errs []string

	if c.Listen == "" {
		errs = append(errs, "listen must be set")
	}
	if _, err := session.ParseRehandshakePolicy(c.Session.Rehandshake); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Session.HandshakeTimeout < 0 {
		errs = append(errs, "session.handshake_timeout must not be negative")
	}
	if _, err := crypto.ParseSuite(c.Crypto.Suite); err != nil {
		errs = append(errs, err.Error())
	}
	if !validReplyFormat(c.Chat.ReplyFormat) {
		errs = append(errs, "chat.reply_format must take exactly one %s and no other verbs")
	}
	if c.Compute.MaxOperands < 0 {
		errs = append(errs, "compute.max_operands must not be negative")
	}
	switch strings.ToLower(c.Store.Driver) {
	case "", store.DriverSQLite, store.DriverLog:
		if c.Store.Path == "" {
			errs = append(errs, "store.path must be set")
		}
	case store.DriverNone:
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not one of sqlite, log, none", c.Store.Driver))
	}
	if c.WebSocket.MaxMessageBytes <= 0 {
		errs = append(errs, "websocket.max_message_bytes must be positive")
	}
	if c.WebSocket.WriteWait <= 0 {
		errs = append(errs, "websocket.write_wait must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// validReplyFormat renders f once. Missing, extra or mismatched arguments all
// show up as "%!" in the output.
func validReplyFormat(f string) bool {
	const marker = "\x00plaintext\x00"
	out := fmt.Sprintf(f, marker)
	return strings.Count(out, marker) == 1 && !strings.Contains(out, "%!")
}

// RehandshakePolicy returns the parsed session policy. Call after Validate.
func (c *Config) RehandshakePolicy() session.RehandshakePolicy {
	p, _ := session.ParseRehandshakePolicy(c.Session.Rehandshake)
	return p
}

// Suite returns the parsed cipher suite. Call after Validate.
func (c *Config) Suite() crypto.Suite {
	s, _ := crypto.ParseSuite(c.Crypto.Suite)
	return s
}
