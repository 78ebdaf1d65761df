package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/route-beacon/bgp-beacon/internal/md5sig"
)

// Config is the validated, immutable configuration snapshot. Reload builds a
// fresh one; components never mutate a snapshot they were handed.
type Config struct {
	Global   GlobalConfig   `koanf:"global"`
	Peers    []PeerConfig   `koanf:"peers"`
	Prefixes []PrefixConfig `koanf:"prefixes"`
	Archive  ArchiveConfig  `koanf:"archive"`
}

type GlobalConfig struct {
	ASN           uint32   `koanf:"asn"`
	RouterID      string   `koanf:"router_id"`
	Listen        bool     `koanf:"listen"`
	ListenAddrs   []string `koanf:"listen_addr"`
	ControlSocket string   `koanf:"control_socket"`
	LogLevel      string   `koanf:"log_level"`
}

type PeerConfig struct {
	Name             string `koanf:"name"`
	Address          string `koanf:"address"`
	RemoteAS         uint32 `koanf:"remote_as"`
	LocalAS          uint32 `koanf:"local_as"`
	RemotePort       uint16 `koanf:"remote_port"`
	HoldTimeSecs     int    `koanf:"hold_time_secs"`
	ConnectRetrySecs uint16 `koanf:"connect_retry_secs"`
	Passive          bool   `koanf:"passive"`
	Password         string `koanf:"password"`
	RouteRefresh     bool   `koanf:"route_refresh"`
}

// Addr returns the parsed neighbor address. Validate guarantees it parses.
func (p *PeerConfig) Addr() netip.Addr {
	a, _ := netip.ParseAddr(p.Address)
	return a
}

// EffectiveLocalAS returns the per-peer local ASN override, or the global ASN.
func (p *PeerConfig) EffectiveLocalAS(globalASN uint32) uint32 {
	if p.LocalAS != 0 {
		return p.LocalAS
	}
	return globalASN
}

// SessionAffecting reports whether a change between two generations of the
// same peer requires a session restart on reload.
func (p *PeerConfig) SessionAffecting(o *PeerConfig) bool {
	return p.RemoteAS != o.RemoteAS ||
		p.LocalAS != o.LocalAS ||
		p.RemotePort != o.RemotePort ||
		p.Password != o.Password ||
		p.Passive != o.Passive ||
		p.HoldTimeSecs != o.HoldTimeSecs ||
		p.ConnectRetrySecs != o.ConnectRetrySecs ||
		p.RouteRefresh != o.RouteRefresh
}

type PrefixConfig struct {
	Network string `koanf:"network"`
	NextHop string `koanf:"next_hop"`
}

type ArchiveConfig struct {
	Enabled       bool                `koanf:"enabled"`
	CollectorID   string              `koanf:"collector_id"`
	Profile       string              `koanf:"profile"` // routeviews, ris, custom
	Template      string              `koanf:"template"`
	Path          string              `koanf:"path"`
	TmpPath       string              `koanf:"tmp_path"`
	RotateSeconds int                 `koanf:"rotate_seconds"`
	RotateBytes   int64               `koanf:"rotate_bytes"`
	RotateRecords int64               `koanf:"rotate_records"`
	Codec         string              `koanf:"codec"` // none, gzip, bzip2, zstd
	FsyncOnRotate bool                `koanf:"fsync_on_rotate"`
	Destinations  []DestinationConfig `koanf:"destinations"`
}

type DestinationConfig struct {
	Type             string `koanf:"type"` // local, s3
	Path             string `koanf:"path"`
	Endpoint         string `koanf:"endpoint"`
	Bucket           string `koanf:"bucket"`
	Prefix           string `koanf:"prefix"`
	Region           string `koanf:"region"`
	AccessKeyID      string `koanf:"access_key_id"`
	SecretAccessKey  string `koanf:"secret_access_key"`
	UseSSL           bool   `koanf:"use_ssl"`
	MaxRetries       int    `koanf:"max_retries"`
	RetryBackoffSecs int    `koanf:"retry_backoff_secs"`
}

// Key identifies the destination in the replication queue.
func (d *DestinationConfig) Key() string {
	if d.Type == "s3" {
		return fmt.Sprintf("s3:%s/%s/%s", d.Endpoint, d.Bucket, strings.Trim(d.Prefix, "/"))
	}
	return "local:" + d.Path
}

// Load reads the TOML file at path, overlays BEACON_-prefixed environment
// variables (BEACON_GLOBAL__ASN → global.asn), applies defaults, and
// validates.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("BEACON_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "BEACON_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyListDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns a config populated with every default value.
func Defaults() *Config {
	return &Config{
		Global: GlobalConfig{
			Listen:        true,
			ListenAddrs:   []string{"0.0.0.0:179", "[::]:179"},
			ControlSocket: "/var/run/beacond.sock",
			LogLevel:      "info",
		},
		Archive: ArchiveConfig{
			CollectorID:   "beacon01",
			Profile:       "routeviews",
			Path:          "/var/lib/beacond/archive",
			RotateSeconds: 900,
			RotateBytes:   1 << 30,
			Codec:         "gzip",
			FsyncOnRotate: true,
		},
	}
}

// Koanf unmarshals list elements from zero values, so per-element defaults
// are applied after the fact for any key the file left unset. A negative
// hold_time_secs is how operators request hold time 0 (keepalives off);
// plain absence gets the 90s default.
func applyListDefaults(cfg *Config) {
	for i := range cfg.Peers {
		p := &cfg.Peers[i]
		if p.RemotePort == 0 {
			p.RemotePort = 179
		}
		if p.HoldTimeSecs == 0 {
			p.HoldTimeSecs = 90
		} else if p.HoldTimeSecs < 0 {
			p.HoldTimeSecs = 0
		}
		if p.ConnectRetrySecs == 0 {
			p.ConnectRetrySecs = 5
		}
	}
	for i := range cfg.Archive.Destinations {
		d := &cfg.Archive.Destinations[i]
		if d.RetryBackoffSecs == 0 {
			d.RetryBackoffSecs = 5
		}
		if d.MaxRetries == 0 {
			d.MaxRetries = 8
		}
	}
}

func (c *Config) Validate() error {
	if c.Global.ASN == 0 {
		return fmt.Errorf("config: global.asn must be non-zero")
	}
	rid, err := netip.ParseAddr(c.Global.RouterID)
	if err != nil || !rid.Is4() {
		return fmt.Errorf("config: global.router_id must be a valid IPv4 address")
	}
	if c.Global.ControlSocket == "" {
		return fmt.Errorf("config: global.control_socket is required")
	}
	for _, addr := range c.Global.ListenAddrs {
		if _, err := netip.ParseAddrPort(addr); err != nil {
			return fmt.Errorf("config: invalid listen address %q: %w", addr, err)
		}
	}

	seen := make(map[netip.Addr]bool)
	for i := range c.Peers {
		p := &c.Peers[i]
		addr, err := netip.ParseAddr(p.Address)
		if err != nil {
			return fmt.Errorf("config: peer %q has invalid address: %w", p.Address, err)
		}
		if seen[addr] {
			return fmt.Errorf("config: duplicate peer address %s", p.Address)
		}
		seen[addr] = true
		if p.RemoteAS == 0 {
			return fmt.Errorf("config: peer %s has invalid remote_as 0", p.Address)
		}
		if p.HoldTimeSecs != 0 && p.HoldTimeSecs < 3 {
			return fmt.Errorf("config: peer %s hold_time_secs %d must be 0 or >= 3", p.Address, p.HoldTimeSecs)
		}
		if p.HoldTimeSecs > 65535 {
			return fmt.Errorf("config: peer %s hold_time_secs %d exceeds 65535", p.Address, p.HoldTimeSecs)
		}
		if p.Password != "" && !md5sig.Supported() {
			return fmt.Errorf("config: peer %s sets password but tcp md5 is unsupported on this platform", p.Address)
		}
	}

	for _, pfx := range c.Prefixes {
		network, err := netip.ParsePrefix(pfx.Network)
		if err != nil {
			return fmt.Errorf("config: invalid prefix network %q: %w", pfx.Network, err)
		}
		if pfx.NextHop != "" {
			nh, err := netip.ParseAddr(pfx.NextHop)
			if err != nil {
				return fmt.Errorf("config: invalid next_hop %q: %w", pfx.NextHop, err)
			}
			if nh.Is4() != network.Addr().Is4() {
				return fmt.Errorf("config: next_hop %s family does not match network %s", pfx.NextHop, pfx.Network)
			}
		}
	}

	return c.Archive.validate()
}

func (a *ArchiveConfig) validate() error {
	if !a.Enabled {
		return nil
	}
	switch a.Profile {
	case "routeviews", "ris":
	case "custom":
		if a.Template == "" {
			return fmt.Errorf("config: archive.profile custom requires archive.template")
		}
		for _, token := range []string{"{collector}", "{yyyy}"} {
			if !strings.Contains(a.Template, token) {
				return fmt.Errorf("config: archive.template must contain %s", token)
			}
		}
	default:
		return fmt.Errorf("config: unknown archive.profile %q", a.Profile)
	}
	switch a.Codec {
	case "none", "gzip", "bzip2", "zstd":
	default:
		return fmt.Errorf("config: unknown archive.codec %q", a.Codec)
	}
	if a.Path == "" {
		return fmt.Errorf("config: archive.path is required")
	}
	if a.RotateSeconds <= 0 {
		return fmt.Errorf("config: archive.rotate_seconds must be > 0 (got %d)", a.RotateSeconds)
	}
	for i := range a.Destinations {
		d := &a.Destinations[i]
		switch d.Type {
		case "local":
			if d.Path == "" {
				return fmt.Errorf("config: local destination requires path")
			}
		case "s3":
			if d.Endpoint == "" || d.Bucket == "" {
				return fmt.Errorf("config: s3 destination requires endpoint and bucket")
			}
		default:
			return fmt.Errorf("config: unknown destination type %q", d.Type)
		}
	}
	return nil
}

// RouterID returns the parsed 32-bit BGP identifier address.
func (c *Config) RouterID() netip.Addr {
	a, _ := netip.ParseAddr(c.Global.RouterID)
	return a
}

// FindPeer returns the peer configuration for a neighbor address, or nil.
func (c *Config) FindPeer(addr netip.Addr) *PeerConfig {
	for i := range c.Peers {
		if c.Peers[i].Addr() == addr {
			return &c.Peers[i]
		}
	}
	return nil
}
