package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/opsdesk/huddle/internal/identity"
	"github.com/opsdesk/huddle/internal/util"
)

type Config struct {
	Identity identity.Identity `json:"identity"`
	Keys     Keys              `json:"keys"`
	P2P      P2P               `json:"p2p"`
	Presence Presence          `json:"presence"`
	HTTP     HTTP              `json:"http"`
	Chat     Chat              `json:"chat"`
	Call     Call              `json:"call"`
}

type Keys struct {
	KeyFile string `json:"key_file"`
}

type P2P struct {
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
}

type Presence struct {
	TTLSec       int `json:"ttl_seconds"`
	HeartbeatSec int `json:"heartbeat_seconds"`

	// Offline peers are kept in the roster (greyed out) for this long
	// before being dropped entirely.
	OfflineGraceSec int `json:"offline_grace_seconds"`
}

type HTTP struct {
	// Bind address for the local API. Default "127.0.0.1": the API is a
	// trust boundary for the intranet UI only, never exposed to the LAN.
	Bind string `json:"bind"`
	Port int    `json:"port"`
}

type Chat struct {
	// Trust-lock window in milliseconds: after a realtime unread increment,
	// lower (non-zero) authoritative recounts are distrusted for this long.
	TrustLockMS int `json:"trust_lock_ms"`

	// Number of recent chat events replayed to a late-joining UI connection.
	EventReplay int `json:"event_replay"`
}

type Call struct {
	STUNServers []string `json:"stun_servers"`

	// ICE timing (seconds). Generous defaults so a brief NAT hiccup does
	// not immediately terminate the call.
	DisconnectedTimeoutSec int `json:"disconnected_timeout_sec"`
	FailedTimeoutSec       int `json:"failed_timeout_sec"`
	KeepaliveIntervalSec   int `json:"keepalive_interval_sec"`
}

func Default() Config {
	return Config{
		Keys: Keys{
			KeyFile: "data/identity.key",
		},
		P2P: P2P{
			ListenPort: 0,
			MdnsTag:    "huddle-mdns",
		},
		Presence: Presence{
			TTLSec:          20,
			HeartbeatSec:    5,
			OfflineGraceSec: 300,
		},
		HTTP: HTTP{
			Bind: "127.0.0.1",
			Port: 8745,
		},
		Chat: Chat{
			TrustLockMS: 3000,
			EventReplay: 200,
		},
		Call: Call{
			STUNServers:            []string{"stun:stun.l.google.com:19302"},
			DisconnectedTimeoutSec: 30,
			FailedTimeoutSec:       120,
			KeepaliveIntervalSec:   2,
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.ID) == "" {
		return errors.New("identity.id is required")
	}
	if strings.TrimSpace(c.Identity.DisplayName) == "" {
		return errors.New("identity.display_name is required")
	}
	if strings.TrimSpace(c.Keys.KeyFile) == "" {
		return errors.New("keys.key_file is required")
	}

	// P2P
	if c.P2P.ListenPort < 0 || c.P2P.ListenPort > 65535 {
		return errors.New("p2p.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.P2P.MdnsTag) == "" {
		return errors.New("p2p.mdns_tag is required")
	}

	// Presence
	if c.Presence.TTLSec <= 0 {
		return errors.New("presence.ttl_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec <= 0 {
		return errors.New("presence.heartbeat_seconds must be > 0")
	}
	if c.Presence.HeartbeatSec >= c.Presence.TTLSec {
		return errors.New("presence.heartbeat_seconds must be < presence.ttl_seconds")
	}
	if c.Presence.OfflineGraceSec < 0 {
		return errors.New("presence.offline_grace_seconds must be >= 0")
	}

	// HTTP
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("http.port must be 1..65535")
	}
	if b := c.HTTP.Bind; b != "" {
		if net.ParseIP(b) == nil {
			return errors.New("http.bind must be a valid IP address")
		}
	}

	// Chat
	if c.Chat.TrustLockMS < 0 {
		return errors.New("chat.trust_lock_ms must be >= 0")
	}
	if c.Chat.EventReplay <= 0 {
		return errors.New("chat.event_replay must be > 0")
	}

	// Call
	if len(c.Call.STUNServers) == 0 {
		return errors.New("call.stun_servers must not be empty")
	}
	if c.Call.DisconnectedTimeoutSec <= 0 || c.Call.FailedTimeoutSec <= 0 || c.Call.KeepaliveIntervalSec <= 0 {
		return errors.New("call ICE timeouts must be > 0")
	}
	if c.Call.DisconnectedTimeoutSec >= c.Call.FailedTimeoutSec {
		return errors.New("call.disconnected_timeout_sec must be < call.failed_timeout_sec")
	}

	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	// Strip UTF-8 BOM if present (common when editing JSON on Windows).
	b = stripBOM(b)

	// Start from defaults so missing JSON fields remain initialized.
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// stripBOM removes a UTF-8 byte order mark if present.
func stripBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// The default config fails Validate (identity is empty), so a freshly created
// file is returned as-is for the operator to fill in.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := util.WriteJSONFile(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
