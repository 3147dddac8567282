// Package networkio adapts a [net.Conn] to the packet-oriented link used by
// the session controller, implementing OpenVPN's framing for datagram and
// stream sockets.
package networkio

import (
	"encoding/binary"
	"errors"
	"io"
	"math"
	"net"

	"github.com/6ccg/vpncore/internal/bytespool"
)

// ErrPacketTooLarge means that a packet is larger than [math.MaxUint16].
var ErrPacketTooLarge = errors.New("openvpn: packet too large")

// FramingConn is a [net.Conn] that reads and writes whole OpenVPN packets.
type FramingConn interface {
	// ReadRawPacket reads a single packet. The buffer may come from
	// [bytespool.Default] and is owned by the caller.
	ReadRawPacket() ([]byte, error)

	// WriteRawPacket writes a single packet.
	WriteRawPacket(pkt []byte) error

	// Close closes the underlying connection.
	Close() error

	// RemoteAddr returns the address of the server.
	RemoteAddr() net.Addr
}

// newFramingConn wraps conn with the framing required by the transport:
// datagram sockets carry one packet per read, stream sockets prefix each
// packet with its 2-byte length.
func newFramingConn(conn net.Conn, stream bool) FramingConn {
	if stream {
		return &streamConn{Conn: conn}
	}
	return &datagramConn{Conn: conn}
}

func checkSize(pkt []byte) error {
	if len(pkt) > math.MaxUint16 {
		return ErrPacketTooLarge
	}
	return nil
}

// datagramConn reads each datagram into a scratch buffer and copies it to
// a pooled buffer of the right size.
type datagramConn struct {
	net.Conn
	scratch [math.MaxUint16]byte
}

func (c *datagramConn) ReadRawPacket() ([]byte, error) {
	n, err := c.Conn.Read(c.scratch[:])
	if err != nil {
		return nil, err
	}
	pkt := bytespool.Default.Get(n)
	copy(pkt, c.scratch[:n])
	return pkt, nil
}

func (c *datagramConn) WriteRawPacket(pkt []byte) error {
	if err := checkSize(pkt); err != nil {
		return err
	}
	_, err := c.Conn.Write(pkt)
	return err
}

// streamConn prefixes every packet with its big-endian 2-byte length.
type streamConn struct {
	net.Conn
	header [2]byte
	out    net.Buffers
}

func (c *streamConn) ReadRawPacket() ([]byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(c.Conn, header[:]); err != nil {
		return nil, err
	}
	pkt := bytespool.Default.Get(int(binary.BigEndian.Uint16(header[:])))
	if _, err := io.ReadFull(c.Conn, pkt); err != nil {
		bytespool.Default.Put(pkt)
		return nil, err
	}
	return pkt, nil
}

// WriteRawPacket writes the header and the packet with a single writev.
func (c *streamConn) WriteRawPacket(pkt []byte) error {
	if err := checkSize(pkt); err != nil {
		return err
	}
	binary.BigEndian.PutUint16(c.header[:], uint16(len(pkt)))
	c.out = append(c.out[:0], c.header[:], pkt)
	_, err := c.out.WriteTo(c.Conn)
	return err
}
