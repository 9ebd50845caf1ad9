// Package vpnmonitor decides whether a named network interface is carrying
// healthy VPN traffic, by shelling out to the host's "ip", "ping", and
// (optionally) "wg" tools.
package vpnmonitor

import (
	"context"
	"errors"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vegardx/qbouncer/pkg/log"
	"github.com/vegardx/qbouncer/pkg/qerrors"
)

// DefaultHandshakeMaxAge is the age beyond which a WireGuard handshake is
// no longer considered fresh.
const DefaultHandshakeMaxAge = 180 * time.Second

var ipv4AddrPattern = regexp.MustCompile(`inet\s+(\d+\.\d+\.\d+\.\d+)`)

// runner abstracts subprocess execution so tests can substitute a fake
// instead of shelling out to the real host tools.
type runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// Monitor checks the health of a single VPN interface.
type Monitor struct {
	Interface       string
	HealthCheckHost string

	runner runner
	logger zerolog.Logger
}

// New builds a Monitor for the given interface and health-check host.
func New(iface, healthCheckHost string) *Monitor {
	return &Monitor{
		Interface:       iface,
		HealthCheckHost: healthCheckHost,
		runner:          execRunner{},
		logger:          log.WithComponent("vpnmonitor"),
	}
}

// IsHealthy runs the three required probes in order, short-circuiting on
// the first failure: interface UP, interface has an IPv4 address, and an
// ICMP echo to the health-check host sourced from the interface.
//
// The returned error is non-nil only when a required host tool ("ip" or
// "ping") is entirely absent — a *qerrors.WireGuardError, which is fatal.
// Any other probe failure reports a plain false with no error.
func (m *Monitor) IsHealthy(ctx context.Context) (bool, error) {
	up, err := m.isInterfaceUp(ctx)
	if err != nil {
		return false, err
	}
	if !up {
		m.logger.Warn().Str("interface", m.Interface).Msg("interface is not up")
		return false, nil
	}

	ip, err := m.interfaceIP(ctx)
	if err != nil || ip == "" {
		m.logger.Warn().Str("interface", m.Interface).Msg("interface has no IPv4 address")
		return false, nil
	}
	m.logger.Debug().Str("interface", m.Interface).Str("ip", ip).Msg("interface has address")

	ok, err := m.checkConnectivity(ctx, 5*time.Second)
	if err != nil {
		return false, err
	}
	if !ok {
		m.logger.Warn().Msg("connectivity check failed")
		return false, nil
	}

	return true, nil
}

func (m *Monitor) isInterfaceUp(ctx context.Context) (bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := m.runner.Run(runCtx, "ip", "link", "show", m.Interface)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return false, qerrors.NewWireGuardError("'ip' command not found", err)
		}
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return false, qerrors.NewWireGuardError("'ip' command not found", err)
		}
		m.logger.Debug().Str("interface", m.Interface).Msg("interface not found")
		return false, nil
	}

	if strings.Contains(out, "state UP") || strings.Contains(out, ",UP,") || strings.Contains(out, "<UP,") {
		return true, nil
	}
	return false, nil
}

func (m *Monitor) interfaceIP(ctx context.Context) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := m.runner.Run(runCtx, "ip", "-4", "addr", "show", m.Interface)
	if err != nil {
		return "", nil
	}

	match := ipv4AddrPattern.FindStringSubmatch(out)
	if match == nil {
		return "", nil
	}
	return match[1], nil
}

func (m *Monitor) checkConnectivity(ctx context.Context, timeout time.Duration) (bool, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout+2*time.Second)
	defer cancel()

	_, err := m.runner.Run(runCtx, "ping",
		"-c", "1",
		"-W", strconv.Itoa(int(timeout.Seconds())),
		"-I", m.Interface,
		m.HealthCheckHost,
	)
	if err != nil {
		var execErr *exec.Error
		if errors.Is(err, exec.ErrNotFound) || errors.As(err, &execErr) {
			return false, qerrors.NewWireGuardError("'ping' command not found", err)
		}
		return false, nil
	}
	return true, nil
}

// LatestHandshake returns the most recent WireGuard handshake time for the
// interface's peer, or the zero time if unavailable. Absence of the "wg"
// tool is not an error — this probe is advisory.
func (m *Monitor) LatestHandshake(ctx context.Context) time.Time {
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := m.runner.Run(runCtx, "wg", "show", m.Interface, "latest-handshakes")
	if err != nil {
		return time.Time{}
	}

	line := strings.SplitN(strings.TrimSpace(out), "\n", 2)[0]
	parts := strings.Split(line, "\t")
	if len(parts) < 2 {
		return time.Time{}
	}

	unix, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0).UTC()
}

// FreshHandshake reports whether the most recent handshake is within
// maxAge. Unavailability of the "wg" tool or the handshake data reports
// false rather than erroring.
func (m *Monitor) FreshHandshake(ctx context.Context, maxAge time.Duration) bool {
	handshake := m.LatestHandshake(ctx)
	if handshake.IsZero() {
		return false
	}
	return time.Since(handshake) < maxAge
}

// WaitUntilHealthy polls IsHealthy until it returns true or timeout
// elapses. Kept for collaborator-level testing and CLI diagnostics; the
// supervisor's own state machine implements the equivalent poll-and-sleep
// loop directly rather than blocking inside this call.
func (m *Monitor) WaitUntilHealthy(ctx context.Context, timeout, poll time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		healthy, err := m.IsHealthy(ctx)
		if err != nil {
			return false, err
		}
		if healthy {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return false, nil
		case <-time.After(poll):
		}
	}
	return false, nil
}
