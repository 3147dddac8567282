package model

import (
	"fmt"
)

// Opcode is the 5-bit packet type carried in the first byte of every
// OpenVPN packet.
type Opcode byte

// The numeric values are the wire numbering of upstream OpenVPN (ssl_pkt.h):
// soft reset 3, control 4, ack 5, data 6 and 9, hard reset 7 (client) and
// 8 (server). Other protocol write-ups number them differently; only these
// interoperate with real servers.
const (
	P_CONTROL_SOFT_RESET_V1        = Opcode(3)
	P_CONTROL_V1                   = Opcode(4)
	P_ACK_V1                       = Opcode(5)
	P_DATA_V1                      = Opcode(6)
	P_CONTROL_HARD_RESET_CLIENT_V2 = Opcode(7)
	P_CONTROL_HARD_RESET_SERVER_V2 = Opcode(8)
	P_DATA_V2                      = Opcode(9)
)

// String returns the opcode string representation
func (op Opcode) String() string {
	switch op {
	case P_CONTROL_HARD_RESET_CLIENT_V2:
		return "P_CONTROL_HARD_RESET_CLIENT_V2"
	case P_CONTROL_HARD_RESET_SERVER_V2:
		return "P_CONTROL_HARD_RESET_SERVER_V2"
	case P_CONTROL_SOFT_RESET_V1:
		return "P_CONTROL_SOFT_RESET_V1"
	case P_CONTROL_V1:
		return "P_CONTROL_V1"
	case P_ACK_V1:
		return "P_ACK_V1"
	case P_DATA_V1:
		return "P_DATA_V1"
	case P_DATA_V2:
		return "P_DATA_V2"
	default:
		return fmt.Sprintf("P_UNKNOWN(%d)", byte(op))
	}
}

// IsKnown returns whether the opcode is one the engine understands.
func (op Opcode) IsKnown() bool {
	return op.IsControl() || op.IsData()
}

// IsControl returns true when the opcode is for a control channel packet.
func (op Opcode) IsControl() bool {
	switch op {
	case P_CONTROL_HARD_RESET_CLIENT_V2,
		P_CONTROL_HARD_RESET_SERVER_V2,
		P_CONTROL_SOFT_RESET_V1,
		P_CONTROL_V1,
		P_ACK_V1:
		return true
	default:
		return false
	}
}

// IsData returns true when the opcode is for a data channel packet.
func (op Opcode) IsData() bool {
	return op == P_DATA_V1 || op == P_DATA_V2
}

// SessionID is the 8-byte session identifier exchanged during the
// control channel handshake.
type SessionID [8]byte

// IsZero returns true for the all-zero session id.
func (s SessionID) IsZero() bool {
	return s == SessionID{}
}

// String returns the hex representation of the session id.
func (s SessionID) String() string {
	return fmt.Sprintf("%x", s[:])
}

// PacketID is a packet identifier.
type PacketID uint32

// PacketTimestamp is the timestamp carried by wrapped control packets.
type PacketTimestamp uint32

// Packet is a control channel packet. Data channel packets never take this
// shape: they are opaque bytes handled by the data channel codec.
type Packet struct {
	// Opcode is the packet message type (a P_* constant).
	Opcode Opcode

	// KeyID is the key ID used to encrypt data packets (3 bits).
	KeyID byte

	// LocalSessionID is the session ID of the sender.
	LocalSessionID SessionID

	// ACKs contains the packet IDs acknowledged by the sender.
	ACKs []PacketID

	// RemoteSessionID is the session ID of the acknowledged peer. It is
	// only meaningful when ACKs is not empty.
	RemoteSessionID SessionID

	// ID is the packet ID. It is not serialized for P_ACK_V1.
	ID PacketID

	// Payload is the packet's payload.
	Payload []byte
}

// NewPacket returns a packet from the passed arguments: opcode, keyID and a raw payload.
func NewPacket(opcode Opcode, keyID uint8, payload []byte) *Packet {
	return &Packet{
		Opcode:  opcode,
		KeyID:   keyID & 0x07,
		Payload: payload,
	}
}

// IsACK returns true if the packet is a pure ACK packet.
func (p *Packet) IsACK() bool {
	return p.Opcode == P_ACK_V1
}

// IsHardResetServer returns true if the packet is the server hard reset.
func (p *Packet) IsHardResetServer() bool {
	return p.Opcode == P_CONTROL_HARD_RESET_SERVER_V2
}

// IsSoftReset returns true if the packet is a soft reset.
func (p *Packet) IsSoftReset() bool {
	return p.Opcode == P_CONTROL_SOFT_RESET_V1
}

const (
	// DirectionIncoming marks packets read from the link.
	DirectionIncoming = "<"

	// DirectionOutgoing marks packets written to the link.
	DirectionOutgoing = ">"
)

// Log writes a one-line summary of the packet using the given logger.
func (p *Packet) Log(logger Logger, direction string) {
	logger.Debugf(
		"%s %s {id=%d, key=%d, acks=%v} localID=%s remoteID=%s [%d bytes]",
		direction,
		p.Opcode,
		p.ID,
		p.KeyID,
		p.ACKs,
		p.LocalSessionID,
		p.RemoteSessionID,
		len(p.Payload),
	)
}
