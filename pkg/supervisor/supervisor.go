// Package supervisor implements qbouncer's core state machine: it drives
// the VPN monitor, the NAT-PMP client, the torrent client adapter, and the
// killswitch manager through a single-threaded tick loop, with failure
// accounting, exponential backoff, persisted state, and service-manager
// notifications.
package supervisor

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vegardx/qbouncer/pkg/config"
	"github.com/vegardx/qbouncer/pkg/killswitch"
	"github.com/vegardx/qbouncer/pkg/log"
	"github.com/vegardx/qbouncer/pkg/metrics"
	"github.com/vegardx/qbouncer/pkg/natpmp"
	"github.com/vegardx/qbouncer/pkg/qbittorrent"
	"github.com/vegardx/qbouncer/pkg/statestore"
	"github.com/vegardx/qbouncer/pkg/vpnmonitor"
)

// State is one node of the supervisor's state machine.
type State string

const (
	StateInitializing State = "INITIALIZING"
	StateWaitingVPN    State = "WAITING_VPN"
	StateWaitingQBT    State = "WAITING_QBT"
	StateMappingPort   State = "MAPPING_PORT"
	StateConfiguring   State = "CONFIGURING"
	StateMonitoring    State = "MONITORING"
	StateRecovering    State = "RECOVERING"
	StateShuttingDown  State = "SHUTTING_DOWN"
)

const qbtAvailabilityPollInterval = 5 * time.Second

// vpnMonitor, portMapper, torrentClient, and killswitchManager narrow the
// concrete collaborator types down to what the state machine needs, so
// tests can substitute fakes without a real network interface, gateway,
// HTTP server, or CAP_NET_ADMIN.
type vpnMonitor interface {
	IsHealthy(ctx context.Context) (bool, error)
}

type portMapper interface {
	Refresh(ctx context.Context) (uint16, error)
}

type torrentClient interface {
	IsReachable(ctx context.Context) bool
	GetVersion(ctx context.Context) string
	GetListeningPort(ctx context.Context) (int, error)
	GetNetworkInterface(ctx context.Context) (string, error)
	UpdatePortAndInterface(ctx context.Context, port int, iface string) error
	VerifyInterfaceBinding(ctx context.Context, expected string) (bool, error)
}

type killswitchManager interface {
	Setup(ctx context.Context) error
	Cleanup(ctx context.Context)
	Verify(ctx context.Context) bool
}

// RuntimeState is the mutable data the Supervisor owns exclusively: the
// current port, failure count, and the two last-checked timestamps.
type RuntimeState struct {
	CurrentPort         uint16
	ConsecutiveFailures uint32
	LastPortRefresh     time.Time
	LastVPNCheck        time.Time
}

// Supervisor coordinates the four collaborators through the tick loop
// described below.
type Supervisor struct {
	cfg *config.Config

	vpn        vpnMonitor
	natpmp     portMapper
	qbt        torrentClient
	killswitch killswitchManager // nil when disabled

	state   State
	runtime RuntimeState

	statePath string
	logger    zerolog.Logger
	runID     string
}

// New builds a Supervisor with real collaborators wired from cfg.
func New(cfg *config.Config) (*Supervisor, error) {
	runID := uuid.NewString()
	logger := log.WithRunID(log.WithComponent("supervisor"), runID)

	qbtClient, err := qbittorrent.New(
		cfg.QBittorrent.Host,
		cfg.QBittorrent.Port,
		cfg.QBittorrent.Username,
		cfg.QBittorrent.Password,
		cfg.QBittorrent.UseHTTPS,
		cfg.QBittorrent.VerifyTLS,
	)
	if err != nil {
		return nil, err
	}

	var ks killswitchManager
	if cfg.Killswitch.Enabled {
		ks = killswitch.New(cfg.WireGuard.InterfaceName, cfg.Killswitch.UserName)
	}

	return newSupervisor(
		cfg,
		vpnmonitor.New(cfg.WireGuard.InterfaceName, cfg.WireGuard.HealthCheckHost),
		natpmp.New(cfg.NatPMP.Gateway, time.Duration(cfg.NatPMP.LeaseLifetime)*time.Second),
		qbtClient,
		ks,
		logger,
		runID,
	), nil
}

// newSupervisor is the collaborator-injecting constructor tests use
// directly with fakes.
func newSupervisor(cfg *config.Config, vpn vpnMonitor, natpmpClient portMapper, qbt torrentClient, ks killswitchManager, logger zerolog.Logger, runID string) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		vpn:        vpn,
		natpmp:     natpmpClient,
		qbt:        qbt,
		killswitch: ks,
		state:      StateInitializing,
		statePath:  cfg.Service.StateFilePath,
		logger:     logger,
		runID:      runID,
	}
}

// State returns the supervisor's current state, for tests and diagnostics.
func (s *Supervisor) State() State { return s.state }

// Runtime returns a copy of the supervisor's runtime state, for tests and
// diagnostics.
func (s *Supervisor) Runtime() RuntimeState { return s.runtime }

// Run executes the tick loop until ctx is cancelled, then runs cleanup.
// It returns a non-nil error only for a fatal collaborator error (a
// required host tool entirely missing).
func (s *Supervisor) Run(ctx context.Context) error {
	doc := statestore.Load(s.statePath)
	if doc.LastPort != nil {
		s.runtime.CurrentPort = *doc.LastPort
	}
	if doc.LastRefresh != nil {
		s.runtime.LastPortRefresh = *doc.LastRefresh
	}
	s.runtime.ConsecutiveFailures = doc.ConsecutiveFailures

	s.logger.Info().
		Str("wireguard_interface", s.cfg.WireGuard.InterfaceName).
		Str("natpmp_gateway", s.cfg.NatPMP.Gateway).
		Str("qbittorrent_host", s.cfg.QBittorrent.Host).
		Int("qbittorrent_port", s.cfg.QBittorrent.Port).
		Bool("killswitch_enabled", s.cfg.Killswitch.Enabled).
		Msg("starting qbouncer supervisor")

	s.state = StateWaitingVPN
	s.notify("READY=1")

	var fatalErr error
	for ctx.Err() == nil && s.state != StateShuttingDown {
		if err := s.tick(ctx); err != nil {
			fatalErr = err
			break
		}
		s.notify("WATCHDOG=1")
	}

	s.cleanup(context.Background())
	return fatalErr
}

// tick runs one iteration: dispatch on the current state, observe and
// record metrics, and return only a fatal error.
func (s *Supervisor) tick(ctx context.Context) error {
	timer := metrics.NewTimer()
	state := s.state
	defer func() {
		timer.ObserveDurationVec(metrics.TickDuration, string(state))
		metrics.TicksTotal.WithLabelValues(string(s.state)).Inc()
		metrics.ConsecutiveFailures.Set(float64(s.runtime.ConsecutiveFailures))
		metrics.CurrentPort.Set(float64(s.runtime.CurrentPort))
	}()

	switch state {
	case StateWaitingVPN:
		return s.waitForVPN(ctx)
	case StateWaitingQBT:
		s.waitForQBT(ctx)
	case StateMappingPort:
		s.requestPortMapping(ctx)
	case StateConfiguring:
		s.configureQBittorrent(ctx)
	case StateMonitoring:
		return s.monitor(ctx)
	case StateRecovering:
		s.recover(ctx)
	}
	return nil
}

func (s *Supervisor) waitForVPN(ctx context.Context) error {
	s.logger.Info().Str("interface", s.cfg.WireGuard.InterfaceName).Msg("waiting for VPN interface")

	healthy, err := s.vpn.IsHealthy(ctx)
	if err != nil {
		return err
	}

	if healthy {
		s.logger.Info().Msg("VPN is healthy")

		if s.killswitch != nil {
			if err := s.killswitch.Setup(ctx); err != nil {
				s.logger.Error().Err(err).Msg("failed to setup killswitch")
				s.handleFailure()
				return nil
			}
			metrics.KillswitchActive.Set(1)
		}

		s.runtime.ConsecutiveFailures = 0
		s.state = StateWaitingQBT
		return nil
	}

	s.sleep(ctx, s.cfg.HealthCheckInterval())
	return nil
}

func (s *Supervisor) waitForQBT(ctx context.Context) {
	s.logger.Info().Str("host", s.cfg.QBittorrent.Host).Int("port", s.cfg.QBittorrent.Port).Msg("waiting for qBittorrent")

	if s.qbt.IsReachable(ctx) {
		version := s.qbt.GetVersion(ctx)
		s.logger.Info().Str("version", version).Msg("qBittorrent is available")
		s.runtime.ConsecutiveFailures = 0
		s.state = StateMappingPort
		return
	}

	s.sleep(ctx, qbtAvailabilityPollInterval)
}

func (s *Supervisor) requestPortMapping(ctx context.Context) {
	s.logger.Debug().Msg("requesting NAT-PMP port mapping")

	oldPort := s.runtime.CurrentPort
	newPort, err := s.natpmp.Refresh(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("NAT-PMP error")
		metrics.PortRefreshesTotal.WithLabelValues("failure").Inc()
		s.handleFailure()
		// NAT-PMP failure might indicate VPN issues; this transition is
		// unconditional, overriding any RECOVERING handleFailure chose.
		s.state = StateWaitingVPN
		return
	}
	metrics.PortRefreshesTotal.WithLabelValues("success").Inc()

	s.runtime.CurrentPort = newPort
	s.runtime.LastPortRefresh = time.Now().UTC()
	s.runtime.ConsecutiveFailures = 0

	if oldPort != newPort {
		s.logger.Info().Uint16("port", newPort).Msg("port mapping obtained")
		s.state = StateConfiguring
	} else {
		qbtPort, err := s.qbt.GetListeningPort(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to verify qBittorrent port")
			s.state = StateConfiguring
		} else if qbtPort != int(newPort) {
			s.logger.Warn().Int("expected", int(newPort)).Int("got", qbtPort).Msg("qBittorrent port drifted")
			s.state = StateConfiguring
		} else {
			s.logger.Debug().Uint16("port", newPort).Msg("port unchanged")
			s.state = StateMonitoring
		}
	}

	s.persistState()
}

func (s *Supervisor) configureQBittorrent(ctx context.Context) {
	if s.runtime.CurrentPort == 0 {
		s.logger.Error().Msg("no port available for configuration")
		s.state = StateMappingPort
		return
	}

	currentPort, err := s.qbt.GetListeningPort(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("qBittorrent configuration error")
		s.handleFailure()
		return
	}
	currentInterface, err := s.qbt.GetNetworkInterface(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("qBittorrent configuration error")
		s.handleFailure()
		return
	}

	needsUpdate := currentPort != int(s.runtime.CurrentPort) || currentInterface != s.cfg.QBittorrent.InterfaceBinding
	if needsUpdate {
		if err := s.qbt.UpdatePortAndInterface(ctx, int(s.runtime.CurrentPort), s.cfg.QBittorrent.InterfaceBinding); err != nil {
			s.logger.Error().Err(err).Msg("qBittorrent configuration error")
			s.handleFailure()
			return
		}
		s.logger.Info().Msg("qBittorrent configuration updated")
	}

	s.runtime.ConsecutiveFailures = 0
	s.state = StateMonitoring
}

func (s *Supervisor) monitor(ctx context.Context) error {
	now := time.Now().UTC()

	if s.runtime.LastVPNCheck.IsZero() || now.Sub(s.runtime.LastVPNCheck) >= s.cfg.HealthCheckInterval() {
		healthy, err := s.vpn.IsHealthy(ctx)
		if err != nil {
			return err
		}
		if !healthy {
			s.logger.Warn().Msg("VPN health check failed")
			s.state = StateWaitingVPN
			return nil
		}
		s.runtime.LastVPNCheck = now
	}

	if s.runtime.LastPortRefresh.IsZero() || now.Sub(s.runtime.LastPortRefresh) >= s.cfg.RefreshInterval() {
		s.state = StateMappingPort
		return nil
	}

	if !s.qbt.IsReachable(ctx) {
		s.logger.Warn().Msg("qBittorrent is no longer reachable")
		s.state = StateWaitingQBT
		return nil
	}

	matches, err := s.qbt.VerifyInterfaceBinding(ctx, s.cfg.QBittorrent.InterfaceBinding)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to verify qBittorrent binding")
		s.state = StateWaitingQBT
		return nil
	}
	if !matches {
		s.logger.Warn().Msg("qBittorrent interface binding changed, reconfiguring")
		s.state = StateConfiguring
		return nil
	}

	if s.killswitch != nil {
		if s.killswitch.Verify(ctx) {
			metrics.KillswitchActive.Set(1)
		} else {
			s.logger.Warn().Msg("killswitch rules missing, re-establishing")
			metrics.KillswitchActive.Set(0)
			if err := s.killswitch.Setup(ctx); err != nil {
				s.logger.Error().Err(err).Msg("failed to re-establish killswitch")
				s.handleFailure()
			} else {
				metrics.KillswitchActive.Set(1)
			}
		}
	}

	s.sleep(ctx, minDuration(s.cfg.HealthCheckInterval(), s.cfg.RefreshInterval()))
	return nil
}

func (s *Supervisor) recover(ctx context.Context) {
	s.logger.Warn().Uint32("consecutive_failures", s.runtime.ConsecutiveFailures).Msg("in recovery mode")

	backoff := s.calculateBackoff()
	s.logger.Info().Dur("backoff", backoff).Msg("backing off")
	s.sleep(ctx, backoff)

	s.state = StateWaitingVPN
}

// handleFailure increments the failure counter and, once the configured
// threshold is reached, transitions to RECOVERING. No component resets
// the counter silently — only a completed legitimate step does.
func (s *Supervisor) handleFailure() {
	s.runtime.ConsecutiveFailures++
	s.logger.Warn().Uint32("consecutive_failures", s.runtime.ConsecutiveFailures).Msg("failure count")

	if s.runtime.ConsecutiveFailures >= uint32(s.cfg.Service.MaxConsecutiveFailures) {
		s.logger.Error().Int("max_consecutive_failures", s.cfg.Service.MaxConsecutiveFailures).Msg("max consecutive failures reached, entering recovery")
		s.state = StateRecovering
	}
}

// calculateBackoff implements delay = min(base*2^failures, max) plus
// uniform jitter in [0, 10% of delay], in whole seconds.
func (s *Supervisor) calculateBackoff() time.Duration {
	base := float64(s.cfg.Service.FailureBackoffBase)
	max := float64(s.cfg.Service.FailureBackoffMax)

	// Cap the exponent: math.Pow saturates to +Inf for a large enough
	// exponent rather than wrapping like an integer shift would, but
	// there's no reason to compute it past the point delay is already
	// clamped to max.
	exponent := s.runtime.ConsecutiveFailures
	if exponent > 32 {
		exponent = 32
	}
	delay := base * math.Pow(2, float64(exponent))
	if delay > max {
		delay = max
	}
	jitter := rand.Float64() * delay * 0.1
	return time.Duration(delay+jitter) * time.Second
}

func (s *Supervisor) persistState() {
	var lastPort *uint16
	if s.runtime.CurrentPort != 0 {
		port := s.runtime.CurrentPort
		lastPort = &port
	}
	var lastRefresh *time.Time
	if !s.runtime.LastPortRefresh.IsZero() {
		refresh := s.runtime.LastPortRefresh
		lastRefresh = &refresh
	}

	doc := statestore.Document{
		Version:             1,
		LastPort:            lastPort,
		LastRefresh:         lastRefresh,
		ConsecutiveFailures: s.runtime.ConsecutiveFailures,
	}
	if err := statestore.Save(s.statePath, doc); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist state")
	}
}

func (s *Supervisor) cleanup(ctx context.Context) {
	s.logger.Info().Msg("shutting down qbouncer service")

	if s.killswitch != nil {
		s.killswitch.Cleanup(ctx)
		metrics.KillswitchActive.Set(0)
	}

	s.persistState()
	s.notify("STOPPING=1")

	s.logger.Info().Msg("shutdown complete")
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
