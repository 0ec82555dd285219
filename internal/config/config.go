// Package config parses the server's TOML configuration file,
// grounded on katalix-go-l2tp/config/config.go's use of
// github.com/pelletier/go-toml to describe named instances (there,
// tunnel/session tables; here, one table per tunnel) as well as
// shared connection-level defaults.
package config

import (
	"fmt"
	"net"
	"time"

	"github.com/pelletier/go-toml"
)

// ConnectionConfig holds settings shared by every tunnel on this
// server, matching spec.md §6's "Globally: connection.buffer_size,
// connection.auth_timeout, connection.session_ttl".
type ConnectionConfig struct {
	BufferSize  int `toml:"buffer_size"`
	AuthTimeout int `toml:"auth_timeout"` // seconds
	SessionTTL  int `toml:"session_ttl"`  // seconds
}

// AuthTimeoutDuration returns the configured auth timeout, defaulting
// to 5 seconds per spec.md §5.
func (c ConnectionConfig) AuthTimeoutDuration() time.Duration {
	if c.AuthTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.AuthTimeout) * time.Second
}

// SessionTTLDuration returns the configured session TTL, defaulting
// to 1 hour per spec.md §5.
func (c ConnectionConfig) SessionTTLDuration() time.Duration {
	if c.SessionTTL <= 0 {
		return time.Hour
	}
	return time.Duration(c.SessionTTL) * time.Second
}

// BufferSizeOrDefault returns the configured TUN write-queue buffer
// size, defaulting to 1024 entries.
func (c ConnectionConfig) BufferSizeOrDefault() int {
	if c.BufferSize <= 0 {
		return 1024
	}
	return c.BufferSize
}

// TunnelConfig describes one tunnel's binding, identity, and address
// pool, matching spec.md §6's per-tunnel configuration surface.
type TunnelConfig struct {
	Name            string   `toml:"-"`
	BindAddr        string   `toml:"bind_addr"`
	Certificate     string   `toml:"certificate"`
	PrivateKey      string   `toml:"private_key"`
	AddressPoolCIDR string   `toml:"address_pool_cidr"`
	GatewayIP       string   `toml:"gateway_ip"`
	MTU             int      `toml:"mtu"`
	AllowedUsers    []string `toml:"allowed_users"`
	CredentialsFile string   `toml:"credentials_file"`
}

// ParsedCIDR returns the tunnel's address pool as a *net.IPNet.
func (t TunnelConfig) ParsedCIDR() (*net.IPNet, error) {
	_, ipnet, err := net.ParseCIDR(t.AddressPoolCIDR)
	if err != nil {
		return nil, fmt.Errorf("config: tunnel %q: invalid address_pool_cidr %q: %w", t.Name, t.AddressPoolCIDR, err)
	}
	return ipnet, nil
}

// ParsedGateway returns the tunnel's gateway address.
func (t TunnelConfig) ParsedGateway() (net.IP, error) {
	ip := net.ParseIP(t.GatewayIP)
	if ip == nil {
		return nil, fmt.Errorf("config: tunnel %q: invalid gateway_ip %q", t.Name, t.GatewayIP)
	}
	return ip, nil
}

// MTUOrDefault returns the tunnel's MTU, defaulting to 1400 (leaving
// headroom below a typical 1500-byte link MTU for the QUIC/UDP/IP
// overhead).
func (t TunnelConfig) MTUOrDefault() int {
	if t.MTU <= 0 {
		return 1400
	}
	return t.MTU
}

// ServerConfig is the top-level server configuration.
type ServerConfig struct {
	Connection ConnectionConfig        `toml:"connection"`
	Tunnels    map[string]TunnelConfig `toml:"tunnel"`

	// AdminListenAddr, if non-empty, serves the operator status feed
	// (internal/admin) on this address.
	AdminListenAddr string `toml:"admin_listen_addr"`
}

// LoadFile parses a ServerConfig from a TOML file at path.
func LoadFile(path string) (*ServerConfig, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}
	return newConfig(tree)
}

// LoadString parses a ServerConfig from TOML content, primarily for
// tests.
func LoadString(content string) (*ServerConfig, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return nil, fmt.Errorf("config: parsing config: %w", err)
	}
	return newConfig(tree)
}

func newConfig(tree *toml.Tree) (*ServerConfig, error) {
	cfg := &ServerConfig{Tunnels: make(map[string]TunnelConfig)}

	if err := tree.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	for name, tunnel := range cfg.Tunnels {
		tunnel.Name = name
		if tunnel.BindAddr == "" {
			return nil, fmt.Errorf("config: tunnel %q: bind_addr is required", name)
		}
		if tunnel.AddressPoolCIDR == "" {
			return nil, fmt.Errorf("config: tunnel %q: address_pool_cidr is required", name)
		}
		if tunnel.GatewayIP == "" {
			return nil, fmt.Errorf("config: tunnel %q: gateway_ip is required", name)
		}
		if tunnel.CredentialsFile == "" {
			return nil, fmt.Errorf("config: tunnel %q: credentials_file is required", name)
		}
		cfg.Tunnels[name] = tunnel
	}

	return cfg, nil
}
