package datachannel

import "bytes"

// OpenVPN ping packet signature.
// This random string identifies an OpenVPN ping packet.
// It should be of sufficient length and randomness
// so as not to collide with other tunnel data.
var pingString = []byte{
	0x2a, 0x18, 0x7b, 0xf3, 0x64, 0x1e, 0xb4, 0xcb,
	0x07, 0xed, 0x2d, 0x0a, 0x98, 0x1f, 0xc7, 0x48,
}

// occString starts every OCC message.
var occString = []byte{
	0x28, 0x7f, 0x34, 0x6b, 0xd4, 0xef, 0x7a, 0x81,
	0x2d, 0x56, 0xb8, 0xd3, 0xaf, 0xc5, 0x45, 0x9c,
}

// occExit is the OCC opcode telling the peer we are leaving.
const occExit = 0x06

// IsPing checks if the given payload is an OpenVPN ping packet.
func IsPing(payload []byte) bool {
	return bytes.Equal(payload, pingString)
}

// PingPayload returns a copy of the OpenVPN ping packet payload.
// This is used to create keepalive packets to send to the server.
func PingPayload() []byte {
	return append([]byte{}, pingString...)
}

// ExitNotification returns the OCC exit message. Over UDP the server has no
// other way to learn that we left.
func ExitNotification() []byte {
	return append(append([]byte{}, occString...), occExit)
}
