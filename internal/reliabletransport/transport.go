// Package reliabletransport implements the reliable control channel
// transport: fragmentation, ordering, acknowledgements and retransmission
// of control packets.
//
// A Transport is not safe for concurrent use, with the exception of the data
// counters. It is meant to be owned by the session loop.
package reliabletransport

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/atomic"

	"github.com/6ccg/vpncore/internal/bytesx"
	"github.com/6ccg/vpncore/internal/model"
	"github.com/6ccg/vpncore/internal/optional"
	"github.com/6ccg/vpncore/internal/wire"
)

const (
	// RELIABLE_SEND_BUFFER_SIZE is the initial capacity of the outbound queue.
	RELIABLE_SEND_BUFFER_SIZE = 12

	// RELIABLE_RECV_BUFFER_SIZE is how far ahead of the next expected id an
	// incoming packet may be before it gets dropped.
	RELIABLE_RECV_BUFFER_SIZE = 32

	// DefaultRetransmitInterval is how long a sent packet waits for an ACK
	// before it is sent again.
	DefaultRetransmitInterval = 100 * time.Millisecond

	// DefaultMaxFragmentSize is the largest control payload carried by a
	// single packet.
	DefaultMaxFragmentSize = 1000
)

var (
	// ErrMissingSessionID is returned when the local session id is needed
	// before a hard reset generated it.
	ErrMissingSessionID = errors.New("missing session id")

	// ErrSessionMismatch is returned when the peer acknowledges packets for
	// a session id that is not ours.
	ErrSessionMismatch = errors.New("session id mismatch")
)

// DataCount is a snapshot of the data channel byte counters.
type DataCount struct {
	Received uint64
	Sent     uint64
}

// Transport is the control channel state of one VPN session.
type Transport struct {
	logger           model.Logger
	serializer       wire.Serializer
	retransmitAfter  time.Duration
	sessionID        optional.Value[model.SessionID]
	remoteSessionID  optional.Value[model.SessionID]
	sender           *reliableSender
	receiver         *reliableReceiver
	receivedDataSize *atomic.Uint64
	sentDataSize     *atomic.Uint64
}

// Option configures a [Transport].
type Option func(*Transport)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger model.Logger) Option {
	return func(t *Transport) {
		t.logger = logger
	}
}

// WithRetransmitInterval overrides [DefaultRetransmitInterval].
func WithRetransmitInterval(d time.Duration) Option {
	return func(t *Transport) {
		t.retransmitAfter = d
	}
}

// New returns a [Transport] using the given control channel wrapping. The
// local session id is unset until the first Reset(true).
func New(serializer wire.Serializer, opts ...Option) *Transport {
	t := &Transport{
		logger:           model.DiscardLogger{},
		serializer:       serializer,
		retransmitAfter:  DefaultRetransmitInterval,
		sessionID:        optional.None[model.SessionID](),
		remoteSessionID:  optional.None[model.SessionID](),
		receivedDataSize: atomic.NewUint64(0),
		sentDataSize:     atomic.NewUint64(0),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.sender = newReliableSender()
	t.receiver = newReliableReceiver(t.logger)
	return t
}

// Reset clears the queues, the packet ids, the wrapping replay state and
// the data counters. For a new session it also generates a new local session
// id and forgets the remote one.
func (t *Transport) Reset(forNewSession bool) error {
	if forNewSession {
		raw, err := bytesx.GenRandomBytes(8)
		if err != nil {
			return fmt.Errorf("cannot generate session id: %w", err)
		}
		var sid model.SessionID
		copy(sid[:], raw)
		t.sessionID = optional.Some(sid)
		t.remoteSessionID = optional.None[model.SessionID]()
	}
	t.sender.reset()
	t.receiver.reset()
	t.serializer.Reset()
	t.receivedDataSize.Store(0)
	t.sentDataSize.Store(0)
	return nil
}

// SessionID returns the local session id.
func (t *Transport) SessionID() optional.Value[model.SessionID] {
	return t.sessionID
}

// RemoteSessionID returns the session id learned from the server.
func (t *Transport) RemoteSessionID() optional.Value[model.SessionID] {
	return t.remoteSessionID
}

// SetRemoteSessionID records the session id of the server.
func (t *Transport) SetRemoteSessionID(sid model.SessionID) {
	t.remoteSessionID = optional.Some(sid)
}

// EnqueueOutbound splits the payload into packets of at most
// maxFragmentSize bytes and queues them. An empty payload yields exactly one
// packet.
func (t *Transport) EnqueueOutbound(op model.Opcode, keyID byte, payload []byte, maxFragmentSize int) error {
	sid, ok := t.sessionID.Unwrap()
	if !ok {
		return ErrMissingSessionID
	}
	if maxFragmentSize <= 0 {
		maxFragmentSize = DefaultMaxFragmentSize
	}
	offset := 0
	for {
		end := offset + maxFragmentSize
		if end > len(payload) {
			end = len(payload)
		}
		fragment := append([]byte{}, payload[offset:end]...)
		p := model.NewPacket(op, keyID, fragment)
		p.LocalSessionID = sid
		t.sender.enqueue(p)
		offset = end
		if offset >= len(payload) {
			break
		}
	}
	return nil
}

// FlushOutbound serializes every queued packet that was never sent or whose
// retransmission interval has elapsed.
func (t *Transport) FlushOutbound(now time.Time) ([][]byte, error) {
	ready := t.sender.readyToSend(now, t.retransmitAfter)
	raw := make([][]byte, 0, len(ready))
	for _, p := range ready {
		b, err := t.serializer.Serialize(p.packet)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	// nothing counts as sent unless the whole batch serialized
	t.sender.markSent(ready, now)
	for _, p := range ready {
		if p.retries > 1 {
			t.logger.Debugf("reliabletransport: retransmitting id=%d (attempt %d)", p.packet.ID, p.retries)
		}
		p.packet.Log(t.logger, model.DirectionOutgoing)
	}
	return raw, nil
}

// HasPendingACKs returns true while sent packets wait to be acknowledged.
func (t *Transport) HasPendingACKs() bool {
	return t.sender.pendingACKs.Len() > 0
}

// PendingACKs returns the sent and not yet acknowledged ids, sorted.
func (t *Transport) PendingACKs() []model.PacketID {
	return t.sender.pendingACKs.sorted()
}

// EnqueueInbound buffers an incoming packet and returns the packets that
// are now deliverable, in id order. The boolean tells whether the packet
// should be acknowledged: it is false only when the packet was dropped for
// being beyond the receive window.
func (t *Transport) EnqueueInbound(p *model.Packet) ([]*model.Packet, bool) {
	return t.receiver.insert(p)
}

// RecordAck removes the acknowledged ids from the outbound queue. The
// session id the peer acknowledges must be ours.
func (t *Transport) RecordAck(ids []model.PacketID, ackRemoteSessionID model.SessionID) error {
	sid, ok := t.sessionID.Unwrap()
	if !ok {
		return ErrMissingSessionID
	}
	if sid != ackRemoteSessionID {
		return fmt.Errorf("%w: got %s, expected %s", ErrSessionMismatch, ackRemoteSessionID, sid)
	}
	t.sender.onACKs(ids)
	return nil
}

// BuildAck serializes a pure ACK for the given ids, addressed to the peer
// session id.
func (t *Transport) BuildAck(keyID byte, ids []model.PacketID, ackRemoteSessionID model.SessionID) ([]byte, error) {
	sid, ok := t.sessionID.Unwrap()
	if !ok {
		return nil, ErrMissingSessionID
	}
	p := model.NewPacket(model.P_ACK_V1, keyID, nil)
	p.LocalSessionID = sid
	p.ACKs = append([]model.PacketID{}, ids...)
	p.RemoteSessionID = ackRemoteSessionID
	p.Log(t.logger, model.DirectionOutgoing)
	return t.serializer.Serialize(p)
}

// ReadInbound deserializes a raw control packet and processes the ACKs it
// carries.
func (t *Transport) ReadInbound(raw []byte) (*model.Packet, error) {
	p, err := t.serializer.Deserialize(raw)
	if err != nil {
		return nil, err
	}
	p.Log(t.logger, model.DirectionIncoming)
	if len(p.ACKs) > 0 {
		if err := t.RecordAck(p.ACKs, p.RemoteSessionID); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// AddReceivedDataCount adds to the received data counter.
func (t *Transport) AddReceivedDataCount(n int) {
	t.receivedDataSize.Add(uint64(n))
}

// AddSentDataCount adds to the sent data counter.
func (t *Transport) AddSentDataCount(n int) {
	t.sentDataSize.Add(uint64(n))
}

// DataCount returns the data counters. It is safe to call from any
// goroutine.
func (t *Transport) DataCount() DataCount {
	return DataCount{
		Received: t.receivedDataSize.Load(),
		Sent:     t.sentDataSize.Load(),
	}
}
