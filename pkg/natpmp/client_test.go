package natpmp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vegardx/qbouncer/pkg/qerrors"
)

type fakeRunner struct {
	byProtocol map[string]string
	errs       map[string]error
	calls      []string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) (string, error) {
	proto := ""
	for _, a := range args {
		if a == "tcp" || a == "udp" {
			proto = a
		}
	}
	f.calls = append(f.calls, proto)
	if err, ok := f.errs[proto]; ok {
		return "", err
	}
	return f.byProtocol[proto], nil
}

func newTestClient(fr *fakeRunner) *Client {
	c := New("10.2.0.1", 120*time.Second)
	c.runner = fr
	return c
}

func TestParseMappingKnownGoodOutput(t *testing.T) {
	c := newTestClient(&fakeRunner{})
	output := "Mapped public port 51413 protocol TCP to local port 51413 lifetime 120\n"

	mapping, err := c.parseMapping(output)
	if err != nil {
		t.Fatalf("parseMapping() error = %v", err)
	}
	if mapping.PublicPort != 51413 || mapping.PrivatePort != 51413 || mapping.Lifetime != 120 {
		t.Errorf("parseMapping() = %+v, unexpected fields", mapping)
	}
}

func TestParseMappingUnparseableOutputIsError(t *testing.T) {
	c := newTestClient(&fakeRunner{})
	if _, err := c.parseMapping("garbage output from a broken tool"); err == nil {
		t.Fatal("expected a NatPmpError for unparseable output")
	}
}

func TestRefreshReturnsTCPPortOnMismatch(t *testing.T) {
	fr := &fakeRunner{byProtocol: map[string]string{
		"tcp": "Mapped public port 51413 protocol TCP to local port 51413 lifetime 120\n",
		"udp": "Mapped public port 51999 protocol UDP to local port 51413 lifetime 120\n",
	}}
	c := newTestClient(fr)

	port, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if port != 51413 {
		t.Errorf("Refresh() = %d, want TCP port 51413 to be authoritative", port)
	}
	if c.CurrentPort != 51413 {
		t.Errorf("CurrentPort = %d, want 51413", c.CurrentPort)
	}
}

func TestRefreshFailurePropagatesNatPmpError(t *testing.T) {
	fr := &fakeRunner{errs: map[string]error{
		"tcp": errors.New("exit status 1"),
	}}
	c := newTestClient(fr)

	_, err := c.Refresh(context.Background())
	if err == nil {
		t.Fatal("expected a NatPmpError when natpmpc fails")
	}
	var npErr *qerrors.NatPmpError
	if !errors.As(err, &npErr) {
		t.Errorf("Refresh() error = %T, want *qerrors.NatPmpError", err)
	}
}

func TestReleaseSwallowsErrors(t *testing.T) {
	fr := &fakeRunner{errs: map[string]error{"tcp": errors.New("boom")}}
	c := newTestClient(fr)

	if ok := c.Release(context.Background(), 51413, TCP); ok {
		t.Error("Release() = true, want false on natpmpc failure")
	}
}

func TestGetPublicIPParsesAddress(t *testing.T) {
	fr := &fakeRunner{byProtocol: map[string]string{"": "Public IP address : 203.0.113.5\n"}}
	c := newTestClient(fr)

	if ip := c.GetPublicIP(context.Background()); ip != "203.0.113.5" {
		t.Errorf("GetPublicIP() = %q, want 203.0.113.5", ip)
	}
}
