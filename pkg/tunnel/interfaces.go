package tunnel

import (
	"context"

	"github.com/6ccg/vpncore/pkg/config"
)

// Link is the connection to the VPN server.
type Link interface {
	// ReadPackets blocks until packets arrive or ctx is done.
	ReadPackets(ctx context.Context) ([][]byte, error)

	// WritePackets writes raw packets.
	WritePackets(packets [][]byte) error

	// IsReliable is true for stream links, which need no retransmission.
	IsReliable() bool

	// MaxPacketSize is the largest packet the link carries.
	MaxPacketSize() int

	// RemoteAddress is the address of the server, for reporting.
	RemoteAddress() string

	// RemoteProtocol is the protocol and port of the server, for reporting.
	RemoteProtocol() string
}

// Tunnel is the local packet interface, usually a TUN device.
type Tunnel interface {
	ReadPackets(ctx context.Context) ([][]byte, error)
	WritePackets(packets [][]byte) error
}

// Delegate receives the session lifecycle events. Both methods are called
// from the session loop and must not block for long.
type Delegate interface {
	// OnStarted is called when the data channel is ready. The options are
	// the ones pushed by the server.
	OnStarted(remoteAddress, remoteProtocol string, options *config.Configuration)

	// OnStopped is called once per Start, after the session stopped. When
	// shouldReconnect is true the caller may Start the session again.
	OnStopped(err error, shouldReconnect bool)
}

type nullDelegate struct{}

func (nullDelegate) OnStarted(string, string, *config.Configuration) {}
func (nullDelegate) OnStopped(error, bool)                          {}
