package vpnmonitor

import (
	"context"
	"errors"
	"os/exec"
	"testing"
)

type fakeRunner struct {
	responses map[string]fakeResponse
}

type fakeResponse struct {
	stdout string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	key := name
	for _, a := range args {
		key += " " + a
	}
	for prefix, resp := range f.responses {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			return resp.stdout, resp.err
		}
	}
	return "", errors.New("unexpected command: " + key)
}

func newTestMonitor(fr *fakeRunner) *Monitor {
	m := New("wg2", "10.2.0.1")
	m.runner = fr
	return m
}

func TestIsHealthyAllProbesPass(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"ip link show wg2":     {stdout: "5: wg2: <POINTOPOINT,NOARP,UP,LOWER_UP> mtu 1420 state UNKNOWN"},
		"ip -4 addr show wg2":  {stdout: "inet 10.2.0.5/32 scope global wg2"},
		"ping -c 1 -W 5 -I wg2": {stdout: "1 packets transmitted, 1 received"},
	}}
	m := newTestMonitor(fr)

	healthy, err := m.IsHealthy(context.Background())
	if err != nil {
		t.Fatalf("IsHealthy() error = %v", err)
	}
	if !healthy {
		t.Fatal("IsHealthy() = false, want true")
	}
}

func TestIsHealthyInterfaceDown(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"ip link show wg2": {stdout: "5: wg2: <POINTOPOINT,NOARP> mtu 1420 state DOWN"},
	}}
	m := newTestMonitor(fr)

	healthy, err := m.IsHealthy(context.Background())
	if err != nil {
		t.Fatalf("IsHealthy() error = %v", err)
	}
	if healthy {
		t.Fatal("IsHealthy() = true, want false for a down interface")
	}
}

func TestIsHealthyNoIPv4Address(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"ip link show wg2":    {stdout: "state UP"},
		"ip -4 addr show wg2": {stdout: ""},
	}}
	m := newTestMonitor(fr)

	healthy, err := m.IsHealthy(context.Background())
	if err != nil {
		t.Fatalf("IsHealthy() error = %v", err)
	}
	if healthy {
		t.Fatal("IsHealthy() = true, want false without an IPv4 address")
	}
}

func TestIsHealthyMissingIPToolIsFatal(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"ip link show wg2": {err: &exec.Error{Name: "ip", Err: exec.ErrNotFound}},
	}}
	m := newTestMonitor(fr)

	_, err := m.IsHealthy(context.Background())
	if err == nil {
		t.Fatal("expected a WireGuardError when 'ip' is missing")
	}
}

func TestLatestHandshakeParsesOutput(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"wg show wg2 latest-handshakes": {stdout: "abcdef1234567890\t1700000000\n"},
	}}
	m := newTestMonitor(fr)

	handshake := m.LatestHandshake(context.Background())
	if handshake.IsZero() {
		t.Fatal("expected a non-zero handshake time")
	}
	if handshake.Unix() != 1700000000 {
		t.Errorf("handshake.Unix() = %d, want 1700000000", handshake.Unix())
	}
}

func TestLatestHandshakeZeroTimestampIsUnavailable(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"wg show wg2 latest-handshakes": {stdout: "abcdef1234567890\t0\n"},
	}}
	m := newTestMonitor(fr)

	if handshake := m.LatestHandshake(context.Background()); !handshake.IsZero() {
		t.Errorf("expected zero time for a never-handshaked peer, got %v", handshake)
	}
}

func TestLatestHandshakeMissingToolIsNotFatal(t *testing.T) {
	fr := &fakeRunner{responses: map[string]fakeResponse{
		"wg show wg2 latest-handshakes": {err: &exec.Error{Name: "wg", Err: exec.ErrNotFound}},
	}}
	m := newTestMonitor(fr)

	if handshake := m.LatestHandshake(context.Background()); !handshake.IsZero() {
		t.Errorf("expected zero time when 'wg' is absent, got %v", handshake)
	}
}
