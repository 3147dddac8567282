// Package replay implements replay detection for packet ids carried by
// wrapped control channel packets and by data channel packets.
package replay

import (
	"errors"
	"sync"

	"github.com/6ccg/vpncore/internal/model"
)

// WindowSize is the number of packet ids tracked behind the highest id
// accepted when the filter runs in window mode. It matches OpenVPN's
// DEFAULT_SEQ_BACKTRACK.
const WindowSize = 64

// halfSpace is used to compare packet ids across a counter wraparound.
const halfSpace = uint32(0x80000000)

var (
	// ErrReplayAttack is returned when a packet id was already accepted or
	// is too old to be checked.
	ErrReplayAttack = errors.New("replay attack detected")

	// ErrInvalidPacketID is returned for the packet id zero, which OpenVPN
	// never sends.
	ErrInvalidPacketID = errors.New("invalid packet ID (zero)")

	// ErrTimeBacktrack is returned when the packet timestamp is older than
	// the newest timestamp seen so far.
	ErrTimeBacktrack = errors.New("time backtrack detected")
)

// after returns true if a comes after b in the packet id sequence.
func after(a, b model.PacketID) bool {
	diff := uint32(a - b)
	return diff > 0 && diff < halfSpace
}

// Filter rejects packet ids that were already seen.
//
// In strict mode, only ids greater than the highest accepted id pass. In
// window mode, ids up to [WindowSize] behind the highest are accepted
// once, which tolerates the reordering of a datagram transport.
//
// The zero value is not usable: construct with [NewFilter].
type Filter struct {
	mu          sync.Mutex
	window      bool
	initialized bool
	maxID       model.PacketID
	maxTime     model.PacketTimestamp
	seen        uint64 // bit i set means maxID-i was accepted
}

// FilterOption configures a [Filter].
type FilterOption func(*Filter)

// WithWindow enables window mode.
func WithWindow() FilterOption {
	return func(f *Filter) {
		f.window = true
	}
}

// NewFilter creates a new [Filter]. Without options the filter is strict.
func NewFilter(opts ...FilterOption) *Filter {
	f := &Filter{}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Check tests a packet id and records it when accepted.
func (f *Filter) Check(id model.PacketID) error {
	return f.CheckWithTimestamp(id, 0)
}

// CheckWithTimestamp tests a packet id together with the timestamp that
// tls-auth and tls-crypt carry. A zero timestamp skips the time check.
func (f *Filter) CheckWithTimestamp(id model.PacketID, ts model.PacketTimestamp) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if id == 0 {
		return ErrInvalidPacketID
	}
	if ts != 0 && ts < f.maxTime {
		return ErrTimeBacktrack
	}
	if !f.initialized {
		f.initialized = true
		f.accept(id, ts)
		return nil
	}
	if after(id, f.maxID) {
		shift := uint32(id - f.maxID)
		if shift >= WindowSize {
			f.seen = 0
		} else {
			f.seen <<= shift
		}
		f.accept(id, ts)
		return nil
	}
	if !f.window {
		return ErrReplayAttack
	}
	back := uint32(f.maxID - id)
	if back >= WindowSize {
		return ErrReplayAttack
	}
	mask := uint64(1) << back
	if f.seen&mask != 0 {
		return ErrReplayAttack
	}
	f.seen |= mask
	return nil
}

// accept must be called with f.mu held.
func (f *Filter) accept(id model.PacketID, ts model.PacketTimestamp) {
	f.maxID = id
	f.seen |= 1
	if ts > f.maxTime {
		f.maxTime = ts
	}
}

// Reset forgets every accepted id.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initialized = false
	f.maxID = 0
	f.maxTime = 0
	f.seen = 0
}

// MaxID returns the highest packet id accepted so far.
func (f *Filter) MaxID() model.PacketID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxID
}
