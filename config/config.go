// Package config loads and validates the taky server configuration from
// a YAML file with three sections: taky (site identity and paths),
// cot_server (the CoT listener), and ssl (TLS material).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Default listening ports for the CoT service.
const (
	DefaultPort    = 8087
	DefaultTLSPort = 8089
)

// DefaultPaths are tried in order when no config file is given on the
// command line.
var DefaultPaths = []string{"taky.conf", "/etc/taky/taky.conf"}

// Config is the full server configuration, built once at startup and
// passed by reference.
type Config struct {
	Taky      Taky      `yaml:"taky"`
	COTServer COTServer `yaml:"cot_server"`
	SSL       SSL       `yaml:"ssl"`
}

// Taky holds site identity and paths.
type Taky struct {
	// BindIP is the address to bind listeners to; empty means any.
	BindIP string `yaml:"bind_ip"`
	// ServerAddress is the FQDN advertised to clients, and the redis
	// keyspace name.
	ServerAddress string `yaml:"server_address"`
	// RootDir holds the management socket and default paths.
	RootDir string `yaml:"root_dir"`
	// Redis selects the external persistence backend: false, true (use
	// the default local instance), or a connect URI.
	Redis Redis `yaml:"redis"`
}

// Redis is a YAML value that may be either a boolean or a connect URI.
type Redis struct {
	Enabled bool
	URL     string
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *Redis) UnmarshalYAML(value *yaml.Node) error {
	var enabled bool
	if err := value.Decode(&enabled); err == nil {
		r.Enabled = enabled
		r.URL = ""
		return nil
	}

	var url string
	if err := value.Decode(&url); err != nil {
		return fmt.Errorf("redis must be a boolean or a connect URI: %w", err)
	}
	r.URL = url
	r.Enabled = url != ""
	return nil
}

// COTServer configures the CoT listener and router.
type COTServer struct {
	// Port defaults to 8087, or 8089 when SSL is enabled.
	Port int `yaml:"port"`
	// MonIP / MonPort configure the optional plaintext monitor
	// listener, available only when the main port speaks TLS. MonPort
	// defaults to 8087 when absent; zero or negative disables it.
	MonIP   string `yaml:"mon_ip"`
	MonPort int    `yaml:"mon_port"`
	// LogCOT is the transcript directory; empty disables transcripts.
	LogCOT string `yaml:"log_cot"`
	// MaxPersistTTL caps each routed event's stale time, in seconds.
	// -1 disables the clamp.
	MaxPersistTTL int `yaml:"max_persist_ttl"`
}

// SSL configures TLS on the CoT listener.
type SSL struct {
	Enabled            bool   `yaml:"enabled"`
	ClientCertRequired bool   `yaml:"client_cert_required"`
	CA                 string `yaml:"ca"`
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	KeyPw              string `yaml:"key_pw"`
	CertDB             string `yaml:"cert_db"`
}

// New returns the built-in defaults.
func New() *Config {
	return &Config{
		Taky: Taky{
			ServerAddress: "taky.local",
			RootDir:       "/var/taky",
		},
		COTServer: COTServer{
			MonPort:       DefaultPort,
			MaxPersistTTL: -1,
		},
		SSL: SSL{
			ClientCertRequired: true,
		},
	}
}

// Load reads the configuration from path. When path is empty, the
// default locations are tried, and all-defaults is returned if none
// exists.
func Load(path string) (*Config, error) {
	cfg := New()

	if path == "" {
		for _, p := range DefaultPaths {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finish applies port defaulting and validation.
func (c *Config) finish() error {
	if c.COTServer.Port == 0 {
		if c.SSL.Enabled {
			c.COTServer.Port = DefaultTLSPort
		} else {
			c.COTServer.Port = DefaultPort
		}
	}
	if c.COTServer.Port < 1 || c.COTServer.Port > 65534 {
		return fmt.Errorf("invalid port: %d", c.COTServer.Port)
	}

	if c.SSL.Enabled {
		if c.SSL.Cert == "" || c.SSL.Key == "" {
			return fmt.Errorf("ssl enabled but cert/key not configured")
		}
	}

	return nil
}

// MgmtSockPath returns the path of the management UNIX socket.
func (c *Config) MgmtSockPath() string {
	return filepath.Join(c.Taky.RootDir, "taky-mgmt.sock")
}
