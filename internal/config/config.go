// Package config loads the daemon's TOML configuration file.
package config

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/fullbrightkay/routeweaver/internal/identity"
	"github.com/fullbrightkay/routeweaver/internal/peer"
)

// Keys holds the node's hex-encoded static keypair as read from disk.
type Keys struct {
	Public  string `toml:"public"`
	Private string `toml:"private"`
}

// Config is the daemon's top-level configuration.
type Config struct {
	RoutingOnly        bool                       `toml:"routing_only"`
	Anonymous          bool                       `toml:"anonymous"`
	Keys               *Keys                      `toml:"keys"`
	InitialPeers       []string                   `toml:"initial_peers"`
	InitialDeniedPeers []string                   `toml:"initial_denied_peers"`
	TransportConfig    map[string]map[string]any  `toml:"transport_config"`
	DiscoveryConfig    map[string]map[string]any  `toml:"discovery_config"`
	AddressBookPath    string                     `toml:"address_book_path"`
	AdminListen        string                     `toml:"admin_listen"`
	LogLevel           string                     `toml:"log_level"`
}

// Default returns a config with sensible defaults; Keys is left nil so
// Load knows to generate a fresh identity.
func Default() *Config {
	return &Config{
		RoutingOnly:     false,
		Anonymous:       false,
		AddressBookPath: "/var/lib/routeweaver/addressbook.db",
		AdminListen:     "127.0.0.1:8787",
		LogLevel:        "info",
		TransportConfig: map[string]map[string]any{
			"tcp": {"port": 9993},
		},
		DiscoveryConfig: map[string]map[string]any{
			"udp": {},
		},
	}
}

// Load reads and parses the TOML config at path, filling in defaults
// for anything left unset.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ResolveIdentity returns the configured identity, generating and
// persisting a fresh one back to path if Keys was omitted.
func (c *Config) ResolveIdentity(path string) (*identity.Identity, error) {
	if c.Keys == nil {
		id, err := identity.Generate()
		if err != nil {
			return nil, fmt.Errorf("config: generate identity: %w", err)
		}
		c.Keys = &Keys{Public: id.Public.String(), Private: hex.EncodeToString(id.Private[:])}
		if path != "" {
			if err := c.persistKeys(path); err != nil {
				return nil, err
			}
		}
		return id, nil
	}

	priv, err := identity.ParsePrivateKey(c.Keys.Private)
	if err != nil {
		return nil, fmt.Errorf("config: invalid private key: %w", err)
	}
	id, err := identity.FromPrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("config: derive identity: %w", err)
	}
	return id, nil
}

func (c *Config) persistKeys(path string) error {
	raw, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal generated keys: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("config: persist generated keys to %s: %w", path, err)
	}
	return nil
}

// ParsedInitialPeers parses InitialPeers into peer.Peer values,
// returning any malformed entries as errors alongside the rest.
func (c *Config) ParsedInitialPeers() ([]peer.Peer, []error) {
	return parsePeerList(c.InitialPeers)
}

// ParsedInitialDeniedPeers parses InitialDeniedPeers the same way as
// ParsedInitialPeers.
func (c *Config) ParsedInitialDeniedPeers() ([]peer.Peer, []error) {
	return parsePeerList(c.InitialDeniedPeers)
}

func parsePeerList(texts []string) ([]peer.Peer, []error) {
	var peers []peer.Peer
	var errs []error
	for _, t := range texts {
		p, err := peer.Parse(t)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: invalid peer %q: %w", t, err))
			continue
		}
		peers = append(peers, p)
	}
	return peers, errs
}
