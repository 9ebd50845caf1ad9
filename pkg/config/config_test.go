package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/vegardx/qbouncer/pkg/qerrors"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.validate(); err != nil {
		t.Fatalf("default config should validate, got: %v", err)
	}
}

func TestLoadRefreshIntervalMustBeLessThanLeaseLifetime(t *testing.T) {
	tests := []struct {
		name            string
		refreshInterval int
		leaseLifetime   int
		wantErr         bool
	}{
		{"refresh less than lease", 60, 120, false},
		{"refresh equal to lease", 120, 120, true},
		{"refresh greater than lease", 200, 120, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.NatPMP.RefreshInterval = tt.refreshInterval
			cfg.NatPMP.LeaseLifetime = tt.leaseLifetime

			err := cfg.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestQBittorrentPortBoundaries(t *testing.T) {
	tests := []struct {
		port    int
		wantErr bool
	}{
		{0, true},
		{1, false},
		{65535, false},
		{65536, true},
	}

	for _, tt := range tests {
		cfg := Default()
		cfg.QBittorrent.Port = tt.port
		err := cfg.validate()
		if (err != nil) != tt.wantErr {
			t.Errorf("port %d: validate() error = %v, wantErr %v", tt.port, err, tt.wantErr)
		}
	}
}

func TestInterfaceNameBoundaries(t *testing.T) {
	tests := []struct {
		name    string
		iface   string
		wantErr bool
	}{
		{"empty", "", true},
		{"one char", "a", false},
		{"fifteen chars", "abcdefghijklmno", false},
		{"sixteen chars", "abcdefghijklmnop", true},
		{"leading digit", "2wg", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.WireGuard.InterfaceName = tt.iface
			err := cfg.validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("interface %q: validate() error = %v, wantErr %v", tt.iface, err, tt.wantErr)
			}
		})
	}
}

func TestKillswitchEnabledRequiresExistingUser(t *testing.T) {
	cfg := Default()
	cfg.Killswitch.Enabled = true
	cfg.Killswitch.UserName = "a-user-that-almost-certainly-does-not-exist-xyz123"

	if err := cfg.validate(); err == nil {
		t.Fatal("expected a ConfigError for a nonexistent killswitch user")
	}
}

func TestLoadFromFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qbouncer.yaml")
	contents := `
wireguard:
  interface_name: wg9
natpmp:
  gateway: 10.9.0.1
qbittorrent:
  host: qbt.local
  port: 9090
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.WireGuard.InterfaceName != "wg9" {
		t.Errorf("InterfaceName = %q, want wg9", cfg.WireGuard.InterfaceName)
	}
	if cfg.QBittorrent.Host != "qbt.local" || cfg.QBittorrent.Port != 9090 {
		t.Errorf("QBittorrent = %+v, want host=qbt.local port=9090", cfg.QBittorrent)
	}
	// Unspecified fields keep their defaults.
	if cfg.NatPMP.RefreshInterval != 60 {
		t.Errorf("RefreshInterval = %d, want default 60", cfg.NatPMP.RefreshInterval)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qbouncer.yaml")
	contents := `
wireguard:
  interface_name: wg9
  bogus_field: true
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected Load to reject an unknown configuration key")
	}
}

func TestLoadMissingFileIsConfigError(t *testing.T) {
	_, err := Load("/nonexistent/path/qbouncer.yaml")
	if err == nil {
		t.Fatal("expected Load to error on a missing configuration file")
	}
	var cfgErr *qerrors.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Errorf("Load() error = %T, want *qerrors.ConfigError", err)
	}
}

func TestEnvOverridesBeatFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "qbouncer.yaml")
	contents := `
wireguard:
  interface_name: wgfile
natpmp:
  refresh_interval: 45
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("QBOUNCER_WIREGUARD_INTERFACE_NAME", "wgenv")
	t.Setenv("QBOUNCER_NATPMP_REFRESH_INTERVAL", "30")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.WireGuard.InterfaceName != "wgenv" {
		t.Errorf("InterfaceName = %q, want wgenv", cfg.WireGuard.InterfaceName)
	}
	if cfg.NatPMP.RefreshInterval != 30 {
		t.Errorf("RefreshInterval = %d, want 30", cfg.NatPMP.RefreshInterval)
	}
}

func TestStringMasksPassword(t *testing.T) {
	cfg := Default()
	cfg.QBittorrent.Password = "hunter2"
	if got := cfg.String(); got == "" {
		t.Fatal("String() returned empty")
	} else if strings.Contains(got, "hunter2") {
		t.Errorf("String() leaked password: %s", got)
	}
}
