// Package config declares ProxyConfig, the on-disk configuration surface
// for the proxy core, and its validation pass.
package config

import (
	"encoding/hex"
	"strings"

	"github.com/proxycore-io/secureproxy/crypto"
	"github.com/proxycore-io/secureproxy/engine"
	"github.com/proxycore-io/secureproxy/internal/xerrors"
	"github.com/proxycore-io/secureproxy/session"
)

// ProxyConfig is the complete configuration for one proxy core instance,
// covering the secure session (spec.md §3), the packet engine's DNS
// resolvers, and the TUN MTU.
type ProxyConfig struct {
	SNIHost      string `json:"sni_host"`
	RelayAddress string `json:"relay_address"`
	RelayPort    int    `json:"relay_port"`
	WSPath       string `json:"ws_path"`
	PSKHex       string `json:"psk_hex"`
	StrictTLS    bool   `json:"strict_tls"`

	DNSPrimary  string `json:"dns_primary"`
	DNSFallback string `json:"dns_fallback"`
	TunMTU      int    `json:"tun_mtu"`

	PoolSize int `json:"pool_size"`
}

// Default returns a ProxyConfig with the spec.md §6 DNS resolvers and MTU
// defaults filled in; callers still must set the relay fields and PSKHex.
func Default() ProxyConfig {
	eng := engine.DefaultConfig()
	return ProxyConfig{
		WSPath:      "/",
		DNSPrimary:  eng.DNSPrimary,
		DNSFallback: eng.DNSFallback,
		TunMTU:      eng.MTU,
		PoolSize:    5,
	}
}

// Validate checks the fields in a single pass, following the teacher's
// validation style, and returns the first failure as an
// xerrors.ConfigError; fields after the first bad one are not checked.
func (c ProxyConfig) Validate() error {
	if c.SNIHost == "" {
		return xerrors.NewConfigError("sni_host", "must not be empty")
	}
	if c.RelayAddress == "" {
		return xerrors.NewConfigError("relay_address", "must not be empty")
	}
	if c.RelayPort < 1 || c.RelayPort > 65535 {
		return xerrors.NewConfigError("relay_port", "must be between 1 and 65535")
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return xerrors.NewConfigError("ws_path", "must begin with /")
	}
	if len(c.PSKHex) != 2*crypto.KeySize {
		return xerrors.NewConfigError("psk_hex", "must be 64 hex characters")
	}
	if _, err := hex.DecodeString(c.PSKHex); err != nil {
		return xerrors.NewConfigError("psk_hex", "must be valid hex")
	}
	if c.DNSPrimary == "" {
		return xerrors.NewConfigError("dns_primary", "must not be empty")
	}
	if c.DNSFallback == "" {
		return xerrors.NewConfigError("dns_fallback", "must not be empty")
	}
	if c.TunMTU <= 0 {
		return xerrors.NewConfigError("tun_mtu", "must be positive")
	}
	return nil
}

// PSK decodes PSKHex to its raw 32-byte form. Callers should call Validate
// first; PSK does not re-check length or hex validity.
func (c ProxyConfig) PSK() ([]byte, error) {
	psk, err := hex.DecodeString(c.PSKHex)
	if err != nil {
		return nil, xerrors.Trace(err)
	}
	return psk, nil
}

// SessionConfig projects the relay-facing fields into a session.Config.
func (c ProxyConfig) SessionConfig() (session.Config, error) {
	psk, err := c.PSK()
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		SNIHost:      c.SNIHost,
		RelayAddress: c.RelayAddress,
		RelayPort:    c.RelayPort,
		WSPath:       c.WSPath,
		PSK:          psk,
		StrictTLS:    c.StrictTLS,
	}, nil
}

// EngineConfig projects the DNS and MTU fields into an engine.Config.
func (c ProxyConfig) EngineConfig() engine.Config {
	eng := engine.DefaultConfig()
	eng.MTU = c.TunMTU
	eng.DNSPrimary = c.DNSPrimary
	eng.DNSFallback = c.DNSFallback
	return eng
}
