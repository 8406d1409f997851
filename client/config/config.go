// config.go - wamd client configuration.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the configuration for the wamd client.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/haven-im/wamd/types"
	"github.com/haven-im/wamd/waproto"
)

const (
	defaultLogLevel = "NOTICE"

	defaultWebSocketURL = "wss://web.whatsapp.com/ws/chat"

	defaultConnectTimeoutMs      = 20000
	defaultQueryTimeoutMs        = 60000
	defaultKeepAliveIntervalMs   = 30000
	defaultQRTimeoutMs           = 60000
	defaultQRRotateMs            = 20000
	defaultUserDevicesCacheSecs  = 300
	defaultMediaCacheSecs        = 0 // honor the TTL the server reports
	defaultMaxCommitRetries      = 10
	defaultDelayBetweenTriesMs   = 250
	defaultBrowserOS             = "Ubuntu"
	defaultBrowserName           = "Chrome"
	defaultBrowserVersionPrimary = 2
	defaultBrowserVersionMinor   = 3000
	defaultBrowserVersionPatch   = 1015901307
)

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Browser describes the companion browser identity presented to the
// primary device during pairing.
type Browser struct {
	// OS is the operating system string shown in the paired devices list.
	OS string

	// Name selects the browser platform type: Chrome, Firefox or Desktop.
	Name string
}

// PlatformType maps the browser name onto the pairing enum.
func (b *Browser) PlatformType() uint64 {
	switch strings.ToLower(b.Name) {
	case "chrome":
		return waproto.PlatformTypeChrome
	case "firefox":
		return waproto.PlatformTypeFirefox
	default:
		return waproto.PlatformTypeDesktop
	}
}

// MACVerification selects which app state MAC families are enforced.
// Both default to on; disabling one is a debugging aid, not a supported
// production mode.
type MACVerification struct {
	Patch    bool
	Snapshot bool
}

// Transaction tunes the key store commit retry loop.
type Transaction struct {
	// MaxCommitRetries bounds how often a contended commit is retried.
	MaxCommitRetries int

	// DelayBetweenTriesMs is the pause between retries.
	DelayBetweenTriesMs int
}

func (t *Transaction) fixup() {
	if t.MaxCommitRetries == 0 {
		t.MaxCommitRetries = defaultMaxCommitRetries
	}
	if t.DelayBetweenTriesMs == 0 {
		t.DelayBetweenTriesMs = defaultDelayBetweenTriesMs
	}
}

// Config is the wamd client configuration.
type Config struct {
	// WebSocketURL is the relay endpoint.
	WebSocketURL string

	// ConnectTimeoutMs bounds the dial plus Noise handshake.
	ConnectTimeoutMs int

	// DefaultQueryTimeoutMs bounds every info query without an explicit
	// deadline.
	DefaultQueryTimeoutMs int

	// KeepAliveIntervalMs is the ping cadence. A connection with no
	// inbound traffic for the interval plus the 5s grace is torn down.
	KeepAliveIntervalMs int

	// QRTimeoutMs is the lifetime of the first pairing code; later
	// rotations use the fixed 20s cadence.
	QRTimeoutMs int

	// Version is the advertised client version triple.
	Version []uint32

	Browser *Browser

	// PrintQRInTerminal renders pairing codes on stdout.
	PrintQRInTerminal bool

	// SyncFullHistory requests full instead of recent history at pairing.
	SyncFullHistory bool

	// MarkOnlineOnConnect announces available presence once the
	// connection opens.
	MarkOnlineOnConnect bool

	// FireInitQueries runs the post-login queries (passive/active IQ,
	// blocklist fetch).
	FireInitQueries bool

	// EmitOwnEvents replays locally created app state patches through the
	// event bus.
	EmitOwnEvents bool

	AppStateMacVerification *MACVerification

	// UserDevicesCacheTTL is the device cache lifetime in seconds.
	UserDevicesCacheTTL int

	// MediaCacheTTL overrides the server-reported media connection
	// lifetime, in seconds. Zero keeps the server value.
	MediaCacheTTL int

	Transaction *Transaction

	Logging *Logging

	// ShouldSyncHistoryMessage gates processing of a history sync
	// notification. Nil accepts everything.
	ShouldSyncHistoryMessage func(*waproto.HistorySyncNotification) bool `toml:"-"`

	// ShouldIgnoreJID drops inbound stanzas from matching senders before
	// they are processed. Nil ignores nothing.
	ShouldIgnoreJID func(types.JID) bool `toml:"-"`

	// GetMessage recovers an original message for retry re-encryption.
	// Nil disables retry resends.
	GetMessage func(*waproto.MessageKey) *waproto.Message `toml:"-"`

	// PatchMessageBeforeSending rewrites an outbound message once the
	// recipient device set is known. Nil sends messages unchanged.
	PatchMessageBeforeSending func(*waproto.Message, []types.JID) *waproto.Message `toml:"-"`
}

// Default returns a Config with every field at its default.
func Default() *Config {
	return &Config{
		WebSocketURL:          defaultWebSocketURL,
		ConnectTimeoutMs:      defaultConnectTimeoutMs,
		DefaultQueryTimeoutMs: defaultQueryTimeoutMs,
		KeepAliveIntervalMs:   defaultKeepAliveIntervalMs,
		QRTimeoutMs:           defaultQRTimeoutMs,
		Version:               []uint32{defaultBrowserVersionPrimary, defaultBrowserVersionMinor, defaultBrowserVersionPatch},
		Browser:               &Browser{OS: defaultBrowserOS, Name: defaultBrowserName},
		MarkOnlineOnConnect:   true,
		FireInitQueries:       true,
		EmitOwnEvents:         true,
		AppStateMacVerification: &MACVerification{
			Patch:    true,
			Snapshot: true,
		},
		UserDevicesCacheTTL: defaultUserDevicesCacheSecs,
		MediaCacheTTL:       defaultMediaCacheSecs,
		Transaction: &Transaction{
			MaxCommitRetries:    defaultMaxCommitRetries,
			DelayBetweenTriesMs: defaultDelayBetweenTriesMs,
		},
		Logging: &Logging{Level: defaultLogLevel},
	}
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.WebSocketURL == "" {
		c.WebSocketURL = defaultWebSocketURL
	}
	if c.ConnectTimeoutMs == 0 {
		c.ConnectTimeoutMs = defaultConnectTimeoutMs
	}
	if c.DefaultQueryTimeoutMs == 0 {
		c.DefaultQueryTimeoutMs = defaultQueryTimeoutMs
	}
	if c.KeepAliveIntervalMs == 0 {
		c.KeepAliveIntervalMs = defaultKeepAliveIntervalMs
	}
	if c.QRTimeoutMs == 0 {
		c.QRTimeoutMs = defaultQRTimeoutMs
	}
	if len(c.Version) != 3 {
		if len(c.Version) != 0 {
			return fmt.Errorf("config: Version must be a three-part triple, got %v", c.Version)
		}
		c.Version = []uint32{defaultBrowserVersionPrimary, defaultBrowserVersionMinor, defaultBrowserVersionPatch}
	}
	if c.Browser == nil {
		c.Browser = &Browser{OS: defaultBrowserOS, Name: defaultBrowserName}
	}
	if c.AppStateMacVerification == nil {
		c.AppStateMacVerification = &MACVerification{Patch: true, Snapshot: true}
	}
	if c.UserDevicesCacheTTL == 0 {
		c.UserDevicesCacheTTL = defaultUserDevicesCacheSecs
	}
	if c.Transaction == nil {
		c.Transaction = &Transaction{}
	}
	c.Transaction.fixup()
	if c.Logging == nil {
		c.Logging = &Logging{Level: defaultLogLevel}
	}
	return c.Logging.validate()
}

// ConnectTimeout returns the dial timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMs) * time.Millisecond
}

// QueryTimeout returns the default query timeout as a duration.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.DefaultQueryTimeoutMs) * time.Millisecond
}

// KeepAliveInterval returns the ping cadence as a duration.
func (c *Config) KeepAliveInterval() time.Duration {
	return time.Duration(c.KeepAliveIntervalMs) * time.Millisecond
}

// QRTimeout returns the first pairing code lifetime as a duration.
func (c *Config) QRTimeout() time.Duration {
	return time.Duration(c.QRTimeoutMs) * time.Millisecond
}

// QRRotate returns the lifetime of every pairing code after the first.
func (c *Config) QRRotate() time.Duration {
	return defaultQRRotateMs * time.Millisecond
}

// UserDevicesTTL returns the device cache lifetime as a duration.
func (c *Config) UserDevicesTTL() time.Duration {
	return time.Duration(c.UserDevicesCacheTTL) * time.Second
}

// TransactionRetryDelay returns the pause between commit retries.
func (c *Config) TransactionRetryDelay() time.Duration {
	return time.Duration(c.Transaction.DelayBetweenTriesMs) * time.Millisecond
}

// Load parses and validates the provided buffer b as a Config.
func Load(b []byte) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
