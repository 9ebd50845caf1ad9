// Package qerrors defines the error kinds the supervisor and its
// collaborators use to classify failures. Each kind wraps an underlying
// cause with %w so callers can still errors.Is/errors.As through to it.
// The supervisor's tick loop decides between a state transition and a
// plain failure count by which collaborator call failed, not by the kind.
package qerrors

import "fmt"

// ConfigError reports an invalid configuration. Fatal at startup; the
// supervisor never sees one at runtime because validation happens once
// during Load.
type ConfigError struct {
	Msg string
	Err error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("config: %s", e.Msg)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// NewConfigError builds a ConfigError with no wrapped cause.
func NewConfigError(msg string) *ConfigError {
	return &ConfigError{Msg: msg}
}

// WireGuardError reports a failure in the VPN monitor. A missing required
// tool (ip, ping) is fatal; anything else the monitor treats as a plain
// "not healthy" result rather than an error.
type WireGuardError struct {
	Msg string
	Err error
}

func (e *WireGuardError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("wireguard: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("wireguard: %s", e.Msg)
}

func (e *WireGuardError) Unwrap() error { return e.Err }

func NewWireGuardError(msg string, cause error) *WireGuardError {
	return &WireGuardError{Msg: msg, Err: cause}
}

// NatPmpError reports a natpmpc invocation or parse failure. Recoverable:
// the supervisor counts it as a failure and falls back to WAITING_VPN.
type NatPmpError struct {
	Msg string
	Err error
}

func (e *NatPmpError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("natpmp: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("natpmp: %s", e.Msg)
}

func (e *NatPmpError) Unwrap() error { return e.Err }

func NewNatPmpError(msg string, cause error) *NatPmpError {
	return &NatPmpError{Msg: msg, Err: cause}
}

// QBittorrentError reports an HTTP, authentication, or JSON failure talking
// to the torrent client's Web API. Recoverable.
type QBittorrentError struct {
	Msg string
	Err error
}

func (e *QBittorrentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("qbittorrent: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("qbittorrent: %s", e.Msg)
}

func (e *QBittorrentError) Unwrap() error { return e.Err }

func NewQBittorrentError(msg string, cause error) *QBittorrentError {
	return &QBittorrentError{Msg: msg, Err: cause}
}

// KillswitchError reports a packet-filter tool failure. Recoverable during
// setup (counts as a failure); cleanup logs it instead of returning it.
type KillswitchError struct {
	Msg string
	Err error
}

func (e *KillswitchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("killswitch: %s: %v", e.Msg, e.Err)
	}
	return fmt.Sprintf("killswitch: %s", e.Msg)
}

func (e *KillswitchError) Unwrap() error { return e.Err }

func NewKillswitchError(msg string, cause error) *KillswitchError {
	return &KillswitchError{Msg: msg, Err: cause}
}
