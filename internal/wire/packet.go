// Package wire implements the OpenVPN control packet codec and the
// control channel wrapping strategies (plain, tls-auth and tls-crypt).
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/6ccg/vpncore/internal/model"
)

// ErrMalformedPacket is returned when a raw packet is too short or carries
// an opcode that the codec does not understand.
var ErrMalformedPacket = errors.New("openvpn: malformed packet")

const (
	// headerLength is the opcode/key byte plus the local session id.
	headerLength = 1 + 8

	// maxACKs is the largest ACK array a packet can carry.
	maxACKs = math.MaxUint8
)

// PeekHeader returns the opcode and key id of a raw packet without parsing
// the rest of it.
func PeekHeader(b []byte) (model.Opcode, byte, error) {
	if len(b) < 1 {
		return 0, 0, fmt.Errorf("%w: empty packet", ErrMalformedPacket)
	}
	op := model.Opcode(b[0] >> 3)
	if !op.IsKnown() {
		return op, 0, fmt.Errorf("%w: unknown opcode %d", ErrMalformedPacket, byte(op))
	}
	return op, b[0] & 0x07, nil
}

// MarshalPacket serializes a control packet with no wrapping.
func MarshalPacket(p *model.Packet) ([]byte, error) {
	if !p.Opcode.IsControl() {
		return nil, fmt.Errorf("%w: cannot marshal %s", ErrMalformedPacket, p.Opcode)
	}
	body, err := marshalControlMessage(p)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, headerLength+len(body))
	out = append(out, marshalHeader(p)...)
	return append(out, body...), nil
}

// UnmarshalPacket parses a control packet with no wrapping. The returned
// packet's payload aliases b.
func UnmarshalPacket(b []byte) (*model.Packet, error) {
	p, rest, err := unmarshalHeader(b)
	if err != nil {
		return nil, err
	}
	if err := unmarshalControlMessage(p, rest); err != nil {
		return nil, err
	}
	return p, nil
}

// marshalHeader returns the opcode/key byte followed by the local session id.
func marshalHeader(p *model.Packet) []byte {
	var buf [headerLength]byte
	buf[0] = byte(p.Opcode)<<3 | (p.KeyID & 0x07)
	copy(buf[1:], p.LocalSessionID[:])
	return buf[:]
}

// unmarshalHeader parses the opcode/key byte and the local session id and
// returns the remaining bytes.
func unmarshalHeader(b []byte) (*model.Packet, []byte, error) {
	op, keyID, err := PeekHeader(b)
	if err != nil {
		return nil, nil, err
	}
	if !op.IsControl() {
		return nil, nil, fmt.Errorf("%w: %s is not a control opcode", ErrMalformedPacket, op)
	}
	if len(b) < headerLength {
		return nil, nil, fmt.Errorf("%w: short header (%d bytes)", ErrMalformedPacket, len(b))
	}
	p := &model.Packet{Opcode: op, KeyID: keyID}
	copy(p.LocalSessionID[:], b[1:headerLength])
	return p, b[headerLength:], nil
}

// marshalControlMessage serializes the part of the packet that follows the
// session id: the ACK array, the remote session id, the packet id and the
// payload. This is the part that tls-crypt encrypts.
func marshalControlMessage(p *model.Packet) ([]byte, error) {
	nACKs := len(p.ACKs)
	if nACKs > maxACKs {
		return nil, fmt.Errorf("%w: too many ACKs (%d)", ErrMalformedPacket, nACKs)
	}
	size := 1 + 4*nACKs
	if nACKs > 0 {
		size += 8
	}
	if p.Opcode != model.P_ACK_V1 {
		size += 4 + len(p.Payload)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, byte(nACKs))
	for _, id := range p.ACKs {
		buf = binary.BigEndian.AppendUint32(buf, uint32(id))
	}
	if nACKs > 0 {
		buf = append(buf, p.RemoteSessionID[:]...)
	}
	if p.Opcode != model.P_ACK_V1 {
		buf = binary.BigEndian.AppendUint32(buf, uint32(p.ID))
		buf = append(buf, p.Payload...)
	}
	return buf, nil
}

func unmarshalControlMessage(p *model.Packet, b []byte) error {
	if len(b) < 1 {
		return fmt.Errorf("%w: missing ACK count", ErrMalformedPacket)
	}
	nACKs := int(b[0])
	b = b[1:]
	if len(b) < 4*nACKs {
		return fmt.Errorf("%w: short ACK array", ErrMalformedPacket)
	}
	p.ACKs = nil
	if nACKs > 0 {
		p.ACKs = make([]model.PacketID, nACKs)
		for i := range p.ACKs {
			p.ACKs[i] = model.PacketID(binary.BigEndian.Uint32(b[4*i:]))
		}
		b = b[4*nACKs:]
		if len(b) < 8 {
			return fmt.Errorf("%w: short remote session id", ErrMalformedPacket)
		}
		copy(p.RemoteSessionID[:], b[:8])
		b = b[8:]
	}
	if p.Opcode == model.P_ACK_V1 {
		return nil
	}
	if len(b) < 4 {
		return fmt.Errorf("%w: short packet id", ErrMalformedPacket)
	}
	p.ID = model.PacketID(binary.BigEndian.Uint32(b[:4]))
	p.Payload = b[4:]
	return nil
}
