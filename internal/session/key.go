// Package session implements the session key state machine and the ring of
// keys a VPN session negotiates over its lifetime.
package session

import (
	"time"

	"github.com/6ccg/vpncore/internal/datachannel"
	"github.com/6ccg/vpncore/internal/tlssession"
)

// ControlState is the negotiation state of a [Key].
type ControlState int

const (
	// ControlStateIdle is the state of a key that was not started.
	ControlStateIdle = ControlState(iota)

	// ControlStateHardReset means we sent P_CONTROL_HARD_RESET_CLIENT_V2.
	ControlStateHardReset

	// ControlStateSoftReset means a P_CONTROL_SOFT_RESET_V1 started a
	// renegotiation.
	ControlStateSoftReset

	// ControlStateTLS means the TLS handshake is running.
	ControlStateTLS

	// ControlStatePreAuth means we wrote the auth payload and wait for the
	// server's reply.
	ControlStatePreAuth

	// ControlStatePreIfConfig means we are waiting for PUSH_REPLY.
	ControlStatePreIfConfig

	// ControlStateConnected means the data channel is ready.
	ControlStateConnected
)

// String returns the state name.
func (s ControlState) String() string {
	switch s {
	case ControlStateIdle:
		return "idle"
	case ControlStateHardReset:
		return "hardReset"
	case ControlStateSoftReset:
		return "softReset"
	case ControlStateTLS:
		return "tls"
	case ControlStatePreAuth:
		return "preAuth"
	case ControlStatePreIfConfig:
		return "preIfConfig"
	case ControlStateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Key is one negotiation of key material, identified on the wire by a 3-bit
// id. This mirrors OpenVPN's struct key_state.
type Key struct {
	// ID is the 3-bit key ID (0-7) used in packet headers.
	ID byte

	// State is the negotiation state of this key.
	State ControlState

	// StartTime is when the reset that created this key was issued.
	StartTime time.Time

	// SoftReset is true for keys created by a renegotiation.
	SoftReset bool

	// TLS is the TLS engine for this key, set when the handshake starts.
	TLS tlssession.Engine

	// Data is the data channel codec, set once the key is connected.
	Data *datachannel.Codec

	// BytesRead is the number of plaintext bytes decrypted with this key.
	BytesRead int64

	// BytesWritten is the number of plaintext bytes encrypted with this key.
	BytesWritten int64

	didTLSConnect bool
}

// NewKey creates a key in the given state.
func NewKey(id byte, state ControlState, now time.Time, softReset bool) *Key {
	return &Key{
		ID:        id & 0x07,
		State:     state,
		StartTime: now,
		SoftReset: softReset,
	}
}

// DidHardResetTimeout returns true when the server did not answer our hard
// reset within the given timeout.
func (k *Key) DidHardResetTimeout(now time.Time, timeout time.Duration) bool {
	return k.State == ControlStateHardReset && now.Sub(k.StartTime) > timeout
}

// DidNegotiationTimeout returns true when the key did not reach the
// connected state within the given timeout.
func (k *Key) DidNegotiationTimeout(now time.Time, timeout time.Duration) bool {
	return k.State != ControlStateConnected && now.Sub(k.StartTime) > timeout
}

// ShouldOnTLSConnect returns true exactly once: the first time it is called
// after the TLS engine reports a completed handshake in the tls state.
func (k *Key) ShouldOnTLSConnect() bool {
	if k.didTLSConnect || k.State != ControlStateTLS || k.TLS == nil {
		return false
	}
	if !k.TLS.IsConnected() {
		return false
	}
	k.didTLSConnect = true
	return true
}

// AddBytes increments the byte counters.
func (k *Key) AddBytes(read, written int) {
	k.BytesRead += int64(read)
	k.BytesWritten += int64(written)
}

// Dispose closes the TLS engine and wipes the data channel keys.
func (k *Key) Dispose() {
	if k.TLS != nil {
		_ = k.TLS.Close()
		k.TLS = nil
	}
	if k.Data != nil {
		k.Data.Dispose()
		k.Data = nil
	}
}
