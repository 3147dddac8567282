package networkio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/6ccg/vpncore/internal/model"
	"github.com/6ccg/vpncore/internal/workers"
	"github.com/6ccg/vpncore/pkg/config"
)

var (
	serviceName = "networkio"
)

// maxBatchSize is the largest number of packets returned by one
// ReadPackets call.
const maxBatchSize = 64

// isTemporaryError checks if an error is temporary and should be ignored.
// This matches OpenVPN's ignore_sys_error() behavior in error.h.
func isTemporaryError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		// EWOULDBLOCK == EAGAIN on linux
		return syscallErr == syscall.EAGAIN || syscallErr == syscall.EWOULDBLOCK || syscallErr == syscall.EINTR
	}

	return false
}

// isConnectionReset checks if an error indicates a connection reset.
// This matches OpenVPN's socket_connection_reset() behavior in socket.h.
func isConnectionReset(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	if errors.Is(err, net.ErrClosed) {
		return true
	}

	var syscallErr syscall.Errno
	if errors.As(err, &syscallErr) {
		switch syscallErr {
		case syscall.ECONNRESET, syscall.ECONNABORTED, syscall.EPIPE:
			return true
		}
	}

	// a deadline is a timeout, not a reset
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return false
	}

	return false
}

// Option configures a [Link].
type Option func(*Link)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger model.Logger) Option {
	return func(l *Link) {
		l.logger = logger
	}
}

// Link is a packet link over a [net.Conn]. Reads happen in a background
// worker that feeds a channel, so that ReadPackets honors its context.
type Link struct {
	conn    FramingConn
	proto   config.Proto
	logger  model.Logger
	manager *workers.Manager

	networkToSession chan []byte
	readerDone       chan struct{}
	readErr          error

	startOnce sync.Once
	closeOnce sync.Once
	writeMu   sync.Mutex
}

// NewLink wraps conn. TCP protocols get the 2-byte length framing; the
// others send one packet per datagram.
func NewLink(conn net.Conn, proto config.Proto, opts ...Option) *Link {
	l := &Link{
		conn:             newFramingConn(conn, proto.IsTCP()),
		proto:            proto,
		logger:           model.DiscardLogger{},
		networkToSession: make(chan []byte, maxBatchSize),
		readerDone:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.manager = workers.NewManager(l.logger)
	return l
}

// ReadPackets blocks until at least one packet is available and returns
// every packet read so far, up to a batch limit.
func (l *Link) ReadPackets(ctx context.Context) ([][]byte, error) {
	l.startOnce.Do(func() {
		l.manager.StartWorker(l.moveUpWorker)
	})

	select {
	case pkt := <-l.networkToSession:
		return l.batch(pkt), nil

	case <-l.readerDone:
		// deliver what the reader queued before failing
		select {
		case pkt := <-l.networkToSession:
			return l.batch(pkt), nil
		default:
			return nil, l.readErr
		}

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// batch returns pkt followed by the packets already queued.
func (l *Link) batch(pkt []byte) [][]byte {
	batch := [][]byte{pkt}
	for len(batch) < maxBatchSize {
		select {
		case pkt := <-l.networkToSession:
			batch = append(batch, pkt)
		default:
			return batch
		}
	}
	return batch
}

// WritePackets writes each packet with the link framing.
func (l *Link) WritePackets(packets [][]byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	for _, pkt := range packets {
		for {
			err := l.conn.WriteRawPacket(pkt)
			if err == nil {
				break
			}
			// Match OpenVPN's error handling behavior from forward.c:process_outgoing_link()
			if isTemporaryError(err) {
				l.logger.Debugf("%s: WriteRawPacket: temporary error (ignored): %s", serviceName, err.Error())
				continue
			}
			return err
		}
	}
	return nil
}

// IsReliable returns true for stream transports.
func (l *Link) IsReliable() bool {
	return l.proto.IsTCP()
}

// MaxPacketSize returns the largest packet the framing can carry.
func (l *Link) MaxPacketSize() int {
	return math.MaxUint16
}

// RemoteAddress returns the host of the server.
func (l *Link) RemoteAddress() string {
	addr := l.conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// RemoteProtocol returns the transport protocol and the server port, as
// in "UDP:1194".
func (l *Link) RemoteProtocol() string {
	proto := "UDP"
	if l.proto.IsTCP() {
		proto = "TCP"
	}
	addr := l.conn.RemoteAddr()
	if addr == nil {
		return proto
	}
	if _, port, err := net.SplitHostPort(addr.String()); err == nil {
		return proto + ":" + port
	}
	return proto
}

// Close closes the connection and waits for the reader to exit. It is safe
// to call more than once.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.manager.StartShutdown()
		err = l.conn.Close()
		l.manager.WaitWorkersShutdown()
	})
	return err
}

// moveUpWorker moves packets up the stack.
func (l *Link) moveUpWorker() {
	workerName := fmt.Sprintf("%s: moveUpWorker", serviceName)

	defer func() {
		l.manager.OnWorkerDone(workerName)
		close(l.readerDone)
	}()

	l.logger.Debugf("%s: started", workerName)

	for {
		select {
		case <-l.manager.ShouldShutdown():
			l.readErr = net.ErrClosed
			return
		default:
		}

		// POSSIBLY BLOCK on the connection to read a new packet
		pkt, err := l.conn.ReadRawPacket()
		if err != nil {
			// Match OpenVPN's error handling behavior from forward.c:read_incoming_link()
			if isTemporaryError(err) {
				l.logger.Debugf("%s: ReadRawPacket: temporary error (ignored): %s", workerName, err.Error())
				continue
			}
			if isConnectionReset(err) {
				l.logger.Infof("%s: ReadRawPacket: connection reset: %s", workerName, err.Error())
			} else {
				l.logger.Infof("%s: ReadRawPacket: %s", workerName, err.Error())
			}
			l.readErr = err
			return
		}

		// POSSIBLY BLOCK on the channel to deliver the packet
		select {
		case l.networkToSession <- pkt:
		case <-l.manager.ShouldShutdown():
			l.readErr = net.ErrClosed
			return
		}
	}
}
