package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/mqviet/ringlink/internal/util"
)

type Config struct {
	Identity Identity `json:"identity"`
	Store    Store    `json:"store"`
	Relay    Relay    `json:"relay"`
	Call     Call     `json:"call"`
	Control  Control  `json:"control"`
}

type Identity struct {
	// File holding the signed-in identity. Relative to the agent directory.
	File string `json:"file"`
}

type Store struct {
	// RelayURL is the WebSocket endpoint of the signaling relay
	// (ws://host:port/ws). Empty means an in-process store: useful for a
	// single-machine setup where the agent also hosts the relay.
	RelayURL string `json:"relay_url"`
}

type Relay struct {
	// Bind address for relay mode. Default "127.0.0.1:8790"; set the host
	// to "0.0.0.0" to accept agents from other machines.
	Bind string `json:"bind"`

	// Optional SQLite directory for persisting call records across relay
	// restarts. Relative to the relay directory. Empty means in-memory only.
	DBDir string `json:"db_dir"`
}

type Call struct {
	// STUN server URLs used for candidate discovery.
	STUNServers []string `json:"stun_servers"`

	// How long an unanswered outgoing call rings before giving up.
	RingTimeoutSec int `json:"ring_timeout_sec"`

	PreferredCam  string `json:"preferred_cam"`
	PreferredMic  string `json:"preferred_mic"`
	VideoDisabled bool   `json:"video_disabled"` // force audio-only calls
}

type Control struct {
	// HTTPAddr of the local control API. Default loopback only.
	HTTPAddr string `json:"http_addr"`
	Debug    bool   `json:"debug"`
}

func Default() Config {
	return Config{
		Identity: Identity{
			File: "data/identity.json",
		},
		Store: Store{
			RelayURL: "",
		},
		Relay: Relay{
			Bind:  "127.0.0.1:8790",
			DBDir: "",
		},
		Call: Call{
			STUNServers: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			RingTimeoutSec: 30,
		},
		Control: Control{
			HTTPAddr: "127.0.0.1:8791",
		},
	}
}

func (c *Config) Validate() error {
	// Identity
	if strings.TrimSpace(c.Identity.File) == "" {
		return errors.New("identity.file is required")
	}

	// Store
	if ru := strings.TrimSpace(c.Store.RelayURL); ru != "" {
		if err := validateRelayURL(ru); err != nil {
			return fmt.Errorf("store.relay_url: %w", err)
		}
	}

	// Relay
	if strings.TrimSpace(c.Relay.Bind) == "" {
		return errors.New("relay.bind is required")
	}
	if _, _, err := net.SplitHostPort(c.Relay.Bind); err != nil {
		return fmt.Errorf("relay.bind must be host:port: %v", err)
	}

	// Call
	if len(c.Call.STUNServers) == 0 {
		return errors.New("call.stun_servers must not be empty")
	}
	for _, s := range c.Call.STUNServers {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "turn:") {
			return fmt.Errorf("call.stun_servers entry %q must start with stun: or turn:", s)
		}
	}
	if c.Call.RingTimeoutSec <= 0 || c.Call.RingTimeoutSec > 300 {
		return errors.New("call.ring_timeout_sec must be 1..300")
	}

	// Control
	if a := strings.TrimSpace(c.Control.HTTPAddr); a != "" {
		if _, _, err := net.SplitHostPort(a); err != nil {
			return fmt.Errorf("control.http_addr must be host:port: %v", err)
		}
	}

	return nil
}

func validateRelayURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
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
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}
