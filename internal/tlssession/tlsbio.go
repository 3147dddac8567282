package tlssession

import (
	"bytes"
	"net"
	"os"
	"sync"
	"time"

	"github.com/6ccg/vpncore/internal/bytesx"
	"github.com/6ccg/vpncore/internal/model"
)

// tlsBio is an in-memory net.Conn for the TLS client. Ciphertext coming
// from the control channel is fed with feed and read by TLS; what TLS writes
// is buffered until drain collects it. Writes never block.
type tlsBio struct {
	closeOnce sync.Once
	hangup    chan any
	wakeup    chan any
	logger    model.Logger
	notify    func()

	mu           sync.Mutex
	readBuffer   bytes.Buffer
	writeBuffer  [][]byte
	readDeadline time.Time
}

// newTLSBio creates a new tlsBio. The notify callback runs after each write.
func newTLSBio(logger model.Logger, notify func()) *tlsBio {
	return &tlsBio{
		closeOnce: sync.Once{},
		hangup:    make(chan any),
		wakeup:    make(chan any, 1),
		logger:    logger,
		notify:    notify,
	}
}

// feed appends incoming ciphertext.
func (t *tlsBio) feed(data []byte) {
	t.mu.Lock()
	_, _ = t.readBuffer.Write(data)
	t.mu.Unlock()
	t.logger.Debugf("[tlsbio] buffer incoming %d bytes head=%s", len(data), bytesx.HexPrefix(data, 32))
	select {
	case t.wakeup <- true:
	default:
	}
}

// drain returns the ciphertext written since the last call, as one chunk.
func (t *tlsBio) drain() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.writeBuffer) == 0 {
		return nil
	}
	out := bytes.Join(t.writeBuffer, nil)
	t.writeBuffer = nil
	return out
}

func (t *tlsBio) Close() error {
	t.closeOnce.Do(func() {
		close(t.hangup)
	})
	return nil
}

func (t *tlsBio) Read(data []byte) (int, error) {
	for {
		t.mu.Lock()
		count, _ := t.readBuffer.Read(data)
		deadline := t.readDeadline
		t.mu.Unlock()
		if count > 0 {
			t.logger.Debugf("[tlsbio] read %d bytes head=%s", count, bytesx.HexPrefix(data[:count], 32))
			return count, nil
		}

		if err := t.wait(deadline); err != nil {
			return 0, err
		}
	}
}

// wait blocks until more data may be available, the bio is closed or the
// deadline expires.
func (t *tlsBio) wait(deadline time.Time) error {
	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-t.wakeup:
		return nil
	case <-t.hangup:
		return net.ErrClosed
	case <-timeout:
		return os.ErrDeadlineExceeded
	}
}

func (t *tlsBio) Write(data []byte) (int, error) {
	select {
	case <-t.hangup:
		return 0, net.ErrClosed
	default:
	}
	t.logger.Debugf("[tlsbio] write %d bytes head=%s", len(data), bytesx.HexPrefix(data, 32))
	t.mu.Lock()
	t.writeBuffer = append(t.writeBuffer, append([]byte{}, data...))
	t.mu.Unlock()
	if t.notify != nil {
		t.notify()
	}
	return len(data), nil
}

func (t *tlsBio) LocalAddr() net.Addr {
	return &tlsBioAddr{}
}

func (t *tlsBio) RemoteAddr() net.Addr {
	return &tlsBioAddr{}
}

func (t *tlsBio) SetDeadline(tt time.Time) error {
	return t.SetReadDeadline(tt)
}

func (t *tlsBio) SetReadDeadline(tt time.Time) error {
	t.mu.Lock()
	t.readDeadline = tt
	t.mu.Unlock()
	select {
	case t.wakeup <- true:
	default:
	}
	return nil
}

// SetWriteDeadline is a no-op since writes never block.
func (t *tlsBio) SetWriteDeadline(tt time.Time) error {
	return nil
}

// tlsBioAddr is the type of address returned by [tlsBio]
type tlsBioAddr struct{}

var _ net.Addr = &tlsBioAddr{}

// Network implements net.Addr
func (*tlsBioAddr) Network() string {
	return "tlsBioAddr"
}

// String implements net.Addr
func (*tlsBioAddr) String() string {
	return "tlsBioAddr"
}
