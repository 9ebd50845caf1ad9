// Package natpmp requests, renews, and releases NAT-PMP port mappings by
// shelling out to natpmpc and parsing its stdout.
package natpmp

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vegardx/qbouncer/pkg/log"
	"github.com/vegardx/qbouncer/pkg/qerrors"
)

// Protocol is the transport protocol a mapping is requested for.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// portPattern and publicIPPattern are pinned to natpmpc's known stdout
// format; any departure is treated as a parse failure rather than a
// best-effort fallback.
var (
	portPattern     = regexp.MustCompile(`Mapped public port (\d+) protocol (TCP|UDP) to local port (\d+) lifetime (\d+)`)
	publicIPPattern = regexp.MustCompile(`Public IP address\s*:\s*(\d+\.\d+\.\d+\.\d+)`)
)

// Mapping is a single port mapping result returned by natpmpc.
type Mapping struct {
	PublicPort  uint16
	PrivatePort uint16
	Protocol    string
	Lifetime    uint32
	Timestamp   time.Time
}

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

// Client manages NAT-PMP mappings against a single gateway. It keeps the
// last successfully leased port and refresh time in memory, mirroring the
// original collaborator's stateless-between-calls contract (persistence
// across restarts is the state store's job, not this client's).
type Client struct {
	Gateway       string
	LeaseLifetime time.Duration

	CurrentPort uint16
	LastRefresh time.Time

	runner runner
	logger zerolog.Logger
}

// New builds a Client for the given gateway and lease lifetime.
func New(gateway string, leaseLifetime time.Duration) *Client {
	return &Client{
		Gateway:       gateway,
		LeaseLifetime: leaseLifetime,
		runner:        execRunner{},
		logger:        log.WithComponent("natpmp"),
	}
}

// Refresh requests a TCP mapping and then a UDP mapping from the gateway
// and returns the TCP public port, which is authoritative. A TCP/UDP port
// mismatch is logged as a warning, never an error.
func (c *Client) Refresh(ctx context.Context) (uint16, error) {
	tcp, err := c.requestMapping(ctx, TCP)
	if err != nil {
		return 0, err
	}
	udp, err := c.requestMapping(ctx, UDP)
	if err != nil {
		return 0, err
	}

	if tcp.PublicPort != udp.PublicPort {
		c.logger.Warn().
			Uint16("tcp_port", tcp.PublicPort).
			Uint16("udp_port", udp.PublicPort).
			Msg("TCP and UDP public ports differ, TCP is authoritative")
	}

	oldPort := c.CurrentPort
	c.CurrentPort = tcp.PublicPort
	c.LastRefresh = time.Now().UTC()

	if oldPort != 0 && oldPort != c.CurrentPort {
		c.logger.Warn().Uint16("old_port", oldPort).Uint16("new_port", c.CurrentPort).Msg("port changed")
	}

	return c.CurrentPort, nil
}

func (c *Client) requestMapping(ctx context.Context, protocol Protocol) (Mapping, error) {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, err := c.runner.Run(runCtx, "natpmpc",
		"-a", "1", "0", string(protocol), strconv.Itoa(int(c.LeaseLifetime.Seconds())),
		"-g", c.Gateway,
	)
	if err != nil {
		if isNotFound(err) {
			return Mapping{}, qerrors.NewNatPmpError("natpmpc not found - install libnatpmp", err)
		}
		c.logger.Error().Str("output", out).Err(err).Msg("natpmpc failed")
		return Mapping{}, qerrors.NewNatPmpError(fmt.Sprintf("natpmpc %s mapping request failed", protocol), err)
	}

	return c.parseMapping(out)
}

func (c *Client) parseMapping(output string) (Mapping, error) {
	match := portPattern.FindStringSubmatch(output)
	if match == nil {
		return Mapping{}, qerrors.NewNatPmpError(fmt.Sprintf("could not parse natpmpc output: %s", output), nil)
	}

	publicPort, _ := strconv.ParseUint(match[1], 10, 16)
	privatePort, _ := strconv.ParseUint(match[3], 10, 16)
	lifetime, _ := strconv.ParseUint(match[4], 10, 32)

	m := Mapping{
		PublicPort:  uint16(publicPort),
		PrivatePort: uint16(privatePort),
		Protocol:    match[2],
		Lifetime:    uint32(lifetime),
		Timestamp:   time.Now().UTC(),
	}
	c.logger.Info().
		Uint16("public_port", m.PublicPort).
		Str("protocol", m.Protocol).
		Uint32("lifetime", m.Lifetime).
		Msg("mapped public port")
	return m, nil
}

// GetPublicIP queries the gateway's current public IP, returning "" if the
// query fails for any reason — this probe is best-effort.
func (c *Client) GetPublicIP(ctx context.Context) string {
	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	out, err := c.runner.Run(runCtx, "natpmpc", "-g", c.Gateway)
	if err != nil {
		return ""
	}

	match := publicIPPattern.FindStringSubmatch(out)
	if match == nil {
		return ""
	}
	return match[1]
}

// Release requests a zero-lifetime mapping for port/protocol, swallowing
// any failure into a boolean.
func (c *Client) Release(ctx context.Context, port uint16, protocol Protocol) bool {
	runCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	_, err := c.runner.Run(runCtx, "natpmpc",
		"-a", strconv.Itoa(int(port)), "0", string(protocol), "0",
		"-g", c.Gateway,
	)
	return err == nil
}

func isNotFound(err error) bool {
	var execErr *exec.Error
	return errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound)
}
