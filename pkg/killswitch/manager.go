// Package killswitch installs, verifies, and removes an iptables-based
// firewall confinement that limits a single local user's outbound traffic
// to a named VPN interface.
package killswitch

import (
	"context"
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vegardx/qbouncer/pkg/log"
	"github.com/vegardx/qbouncer/pkg/qerrors"
)

// ChainName is the fixed private chain qbouncer owns in the filter table.
const ChainName = "QBOUNCER-KS"

const table = "filter"

type runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout string, exitCode int, err error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (string, int, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	if err == nil {
		return out.String(), 0, nil
	}
	var exitErr *exec.ExitError
	if ok := asExitError(err, &exitErr); ok {
		return out.String(), exitErr.ExitCode(), nil
	}
	return out.String(), -1, err
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// Manager owns the killswitch chain for a single VPN interface/user pair.
type Manager struct {
	VPNInterface string
	UserName     string

	runner runner
	logger zerolog.Logger

	uid     int
	haveUID bool
}

// New builds a Manager. The configured user's UID is resolved lazily on
// first use and cached.
func New(vpnInterface, userName string) *Manager {
	return &Manager{
		VPNInterface: vpnInterface,
		UserName:     userName,
		runner:       execRunner{},
		logger:       log.WithComponent("killswitch"),
	}
}

func (m *Manager) getUID() (int, error) {
	if m.haveUID {
		return m.uid, nil
	}
	u, err := user.Lookup(m.UserName)
	if err != nil {
		return 0, qerrors.NewKillswitchError(fmt.Sprintf("user not found: %s", m.UserName), err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, qerrors.NewKillswitchError(fmt.Sprintf("unexpected uid for %s: %s", m.UserName, u.Uid), err)
	}
	m.uid = uid
	m.haveUID = true
	return uid, nil
}

func (m *Manager) runIPTables(ctx context.Context, args ...string) (string, int, error) {
	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	out, code, err := m.runner.Run(runCtx, "iptables", args...)
	if err != nil {
		return out, code, qerrors.NewKillswitchError(fmt.Sprintf("iptables %s failed", strings.Join(args, " ")), err)
	}
	return out, code, nil
}

// runIPTablesMutate runs a mutating iptables invocation (-N/-A/-I/-F/-D/-X)
// and, unlike runIPTables itself, treats a non-zero exit code as a
// KillswitchError rather than leaving it for the caller to inspect. The
// -C/-L existence probes in chainExists/ruleExists still read the code
// directly, since a non-zero exit there just means "not present".
func (m *Manager) runIPTablesMutate(ctx context.Context, args ...string) error {
	out, code, err := m.runIPTables(ctx, args...)
	if err != nil {
		return err
	}
	if code != 0 {
		return qerrors.NewKillswitchError(fmt.Sprintf("iptables %s exited %d: %s", strings.Join(args, " "), code, strings.TrimSpace(out)), nil)
	}
	return nil
}

func (m *Manager) chainExists(ctx context.Context) (bool, error) {
	_, code, err := m.runIPTables(ctx, "-t", table, "-n", "-L", ChainName)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

func (m *Manager) ruleExists(ctx context.Context, chain string, ruleSpec []string) (bool, error) {
	args := append([]string{"-t", table, "-C", chain}, ruleSpec...)
	_, code, err := m.runIPTables(ctx, args...)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

func (m *Manager) jumpSpec(uid int) []string {
	return []string{"-m", "owner", "--uid-owner", strconv.Itoa(uid), "-j", ChainName}
}

func (m *Manager) rules() [][]string {
	return [][]string{
		{"-o", "lo", "-j", "ACCEPT"},
		{"-m", "state", "--state", "ESTABLISHED,RELATED", "-j", "ACCEPT"},
		{"-o", m.VPNInterface, "-j", "ACCEPT"},
		{"-j", "REJECT"},
	}
}

// Setup installs the killswitch. Crash-safe: an existing chain from a
// prior run is fully torn down before the chain, rules, and jump are
// reinstalled, in order: chain created, rules installed, jump inserted.
func (m *Manager) Setup(ctx context.Context) error {
	m.logger.Info().Str("user", m.UserName).Str("interface", m.VPNInterface).Msg("setting up killswitch")

	exists, err := m.chainExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		m.logger.Warn().Msg("found existing killswitch chain, cleaning up first")
		m.Cleanup(ctx)
	}

	if err := m.createChain(ctx); err != nil {
		return err
	}
	if err := m.addChainRules(ctx); err != nil {
		return err
	}
	if err := m.addJumpRule(ctx); err != nil {
		return err
	}

	m.logger.Info().Msg("killswitch active")
	return nil
}

func (m *Manager) createChain(ctx context.Context) error {
	exists, err := m.chainExists(ctx)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	m.logger.Info().Str("chain", ChainName).Msg("creating iptables chain")
	return m.runIPTablesMutate(ctx, "-t", table, "-N", ChainName)
}

func (m *Manager) addChainRules(ctx context.Context) error {
	for _, spec := range m.rules() {
		exists, err := m.ruleExists(ctx, ChainName, spec)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		m.logger.Info().Strs("rule", spec).Msg("adding killswitch rule")
		args := append([]string{"-t", table, "-A", ChainName}, spec...)
		if err := m.runIPTablesMutate(ctx, args...); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) addJumpRule(ctx context.Context) error {
	uid, err := m.getUID()
	if err != nil {
		return err
	}
	spec := m.jumpSpec(uid)

	exists, err := m.ruleExists(ctx, "OUTPUT", spec)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	m.logger.Info().Int("uid", uid).Msg("inserting jump rule into OUTPUT")
	args := append([]string{"-t", table, "-I", "OUTPUT", "1"}, spec...)
	return m.runIPTablesMutate(ctx, args...)
}

// Cleanup removes the killswitch chain and jump rule in the mandatory
// order: flush → remove jump → delete chain. It never returns an error —
// failures are logged rather than returned.
func (m *Manager) Cleanup(ctx context.Context) {
	m.logger.Info().Msg("removing killswitch rules")

	if err := m.flushChain(ctx); err != nil {
		m.logger.Error().Err(err).Msg("failed to flush killswitch chain")
	}
	if err := m.removeJumpRule(ctx); err != nil {
		m.logger.Error().Err(err).Msg("failed to remove killswitch jump rule")
	}
	if err := m.deleteChain(ctx); err != nil {
		m.logger.Error().Err(err).Msg("failed to delete killswitch chain")
		return
	}

	m.logger.Info().Msg("killswitch removed")
}

func (m *Manager) flushChain(ctx context.Context) error {
	exists, err := m.chainExists(ctx)
	if err != nil || !exists {
		return err
	}
	return m.runIPTablesMutate(ctx, "-t", table, "-F", ChainName)
}

func (m *Manager) removeJumpRule(ctx context.Context) error {
	uid, err := m.getUID()
	if err != nil {
		return err
	}
	spec := m.jumpSpec(uid)

	for {
		exists, err := m.ruleExists(ctx, "OUTPUT", spec)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}
		args := append([]string{"-t", table, "-D", "OUTPUT"}, spec...)
		if err := m.runIPTablesMutate(ctx, args...); err != nil {
			return err
		}
	}
}

func (m *Manager) deleteChain(ctx context.Context) error {
	exists, err := m.chainExists(ctx)
	if err != nil || !exists {
		return err
	}
	return m.runIPTablesMutate(ctx, "-t", table, "-X", ChainName)
}

// IsActive reports whether the chain and its jump rule are in place.
func (m *Manager) IsActive(ctx context.Context) bool {
	exists, err := m.chainExists(ctx)
	if err != nil || !exists {
		return false
	}
	uid, err := m.getUID()
	if err != nil {
		return false
	}
	active, err := m.ruleExists(ctx, "OUTPUT", m.jumpSpec(uid))
	return err == nil && active
}

// Verify is the lightweight cross-check used from the monitoring loop:
// chain present, jump rule present, VPN-accept rule present, REJECT rule
// present. Any missing element means the supervisor should reinstall.
func (m *Manager) Verify(ctx context.Context) bool {
	exists, err := m.chainExists(ctx)
	if err != nil || !exists {
		m.logger.Warn().Msg("killswitch chain missing")
		return false
	}

	uid, err := m.getUID()
	if err != nil {
		return false
	}
	if ok, err := m.ruleExists(ctx, "OUTPUT", m.jumpSpec(uid)); err != nil || !ok {
		m.logger.Warn().Msg("killswitch jump rule missing")
		return false
	}
	if ok, err := m.ruleExists(ctx, ChainName, []string{"-o", m.VPNInterface, "-j", "ACCEPT"}); err != nil || !ok {
		m.logger.Warn().Msg("killswitch VPN rule missing")
		return false
	}
	if ok, err := m.ruleExists(ctx, ChainName, []string{"-j", "REJECT"}); err != nil || !ok {
		m.logger.Warn().Msg("killswitch reject rule missing")
		return false
	}

	return true
}
