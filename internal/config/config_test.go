package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"

	"github.com/route-beacon/bgp-beacon/internal/md5sig"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Global.ASN = 65001
	cfg.Global.RouterID = "192.0.2.1"
	cfg.Peers = []PeerConfig{{
		Address:          "192.0.2.2",
		RemoteAS:         65002,
		RemotePort:       179,
		HoldTimeSecs:     90,
		ConnectRetrySecs: 5,
		RouteRefresh:     true,
	}}
	cfg.Prefixes = []PrefixConfig{{Network: "203.0.113.0/24", NextHop: "192.0.2.1"}}
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("expected valid config, got error: %v", err)
	}
}

func TestValidate_ZeroASN(t *testing.T) {
	cfg := validConfig()
	cfg.Global.ASN = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero asn")
	}
}

func TestValidate_BadRouterID(t *testing.T) {
	for _, rid := range []string{"", "not-an-ip", "2001:db8::1"} {
		cfg := validConfig()
		cfg.Global.RouterID = rid
		if err := cfg.Validate(); err == nil {
			t.Fatalf("expected error for router_id %q", rid)
		}
	}
}

func TestValidate_ZeroRemoteAS(t *testing.T) {
	cfg := validConfig()
	cfg.Peers[0].RemoteAS = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero remote_as")
	}
}

func TestValidate_HoldTimeBounds(t *testing.T) {
	for _, hold := range []int{1, 2} {
		cfg := validConfig()
		cfg.Peers[0].HoldTimeSecs = hold
		if err := cfg.Validate(); err == nil {
			t.Fatalf("expected error for hold_time_secs %d", hold)
		}
	}
	cfg := validConfig()
	cfg.Peers[0].HoldTimeSecs = 0
	if err := cfg.Validate(); err != nil {
		t.Fatalf("hold_time_secs 0 rejected: %v", err)
	}
}

func TestValidate_DuplicatePeer(t *testing.T) {
	cfg := validConfig()
	cfg.Peers = append(cfg.Peers, cfg.Peers[0])
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for duplicate peer")
	}
}

func TestValidate_PrefixFamilyMismatch(t *testing.T) {
	cfg := validConfig()
	cfg.Prefixes = []PrefixConfig{{Network: "203.0.113.0/24", NextHop: "2001:db8::1"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for family mismatch")
	}
}

func TestValidate_PasswordRequiresMD5Support(t *testing.T) {
	cfg := validConfig()
	cfg.Peers[0].Password = "s3cret"
	err := cfg.Validate()
	if md5sig.Supported() && err != nil {
		t.Fatalf("password rejected on supported platform: %v", err)
	}
	if !md5sig.Supported() && err == nil {
		t.Fatal("password accepted on unsupported platform")
	}
}

func TestValidate_ArchiveCodecAndProfile(t *testing.T) {
	cfg := validConfig()
	cfg.Archive.Enabled = true
	cfg.Archive.Codec = "lz77"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown codec")
	}

	cfg = validConfig()
	cfg.Archive.Enabled = true
	cfg.Archive.Profile = "custom"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for custom profile without template")
	}

	cfg.Archive.Template = "{collector}/{yyyy}/{mm}/updates.{yyyy}{mm}{dd}.{hh}{mm2}"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("custom profile with template rejected: %v", err)
	}
}

func TestValidate_S3DestinationCompleteness(t *testing.T) {
	cfg := validConfig()
	cfg.Archive.Enabled = true
	cfg.Archive.Destinations = []DestinationConfig{{Type: "s3", Bucket: "segments"}}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for s3 destination without endpoint")
	}
}

func TestLoad_TOMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beacond.toml")
	raw := `
[global]
asn = 65001
router_id = "192.0.2.1"
control_socket = "/tmp/beacond-test.sock"
log_level = "debug"

[[peers]]
name = "upstream"
address = "192.0.2.2"
remote_as = 65002
hold_time_secs = 90

[[peers]]
address = "2001:db8::2"
remote_as = 65003
passive = true
route_refresh = true

[[prefixes]]
network = "203.0.113.0/24"
next_hop = "192.0.2.1"

[archive]
enabled = true
profile = "routeviews"
path = "` + dir + `"
rotate_seconds = 60
codec = "zstd"

[[archive.destinations]]
type = "local"
path = "` + dir + `"
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Global.ASN != 65001 || cfg.Global.LogLevel != "debug" {
		t.Fatalf("global: %+v", cfg.Global)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("peers: %d", len(cfg.Peers))
	}
	if cfg.Peers[0].RemotePort != 179 || cfg.Peers[0].ConnectRetrySecs != 5 {
		t.Fatalf("peer defaults not applied: %+v", cfg.Peers[0])
	}
	if cfg.Peers[1].Addr() != netip.MustParseAddr("2001:db8::2") {
		t.Fatalf("v6 peer address: %v", cfg.Peers[1].Addr())
	}
	if cfg.Archive.RotateSeconds != 60 || cfg.Archive.Codec != "zstd" {
		t.Fatalf("archive: %+v", cfg.Archive)
	}
	if len(cfg.Archive.Destinations) != 1 || cfg.Archive.Destinations[0].MaxRetries != 8 {
		t.Fatalf("destination defaults: %+v", cfg.Archive.Destinations)
	}
	if cfg.FindPeer(netip.MustParseAddr("192.0.2.2")) == nil {
		t.Fatal("FindPeer missed configured peer")
	}
}

func TestLoad_EnvOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "beacond.toml")
	raw := `
[global]
asn = 65001
router_id = "192.0.2.1"
log_level = "info"
`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BEACON_GLOBAL__LOG_LEVEL", "warn")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Global.LogLevel != "warn" {
		t.Fatalf("env overlay not applied: %q", cfg.Global.LogLevel)
	}
}

func TestLoad_InvalidTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.toml")
	if err := os.WriteFile(path, []byte("[global\nasn=1"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}
