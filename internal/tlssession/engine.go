// Package tlssession runs the TLS session of the control channel and the
// exchanges that happen over it: key-method 2 authentication and the
// control messages that follow (PUSH_REQUEST, PUSH_REPLY, AUTH_FAILED).
package tlssession

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	tls "github.com/refraction-networking/utls"
	"go.uber.org/atomic"

	"github.com/6ccg/vpncore/internal/model"
	"github.com/6ccg/vpncore/pkg/config"
)

// ErrTLS wraps every failure of the TLS engine.
var ErrTLS = errors.New("tls error")

// Engine is a TLS client that does no I/O on its own. Ciphertext records go
// in and out through PutCipherText and PullCipherText; application data
// through PutPlainText and PullPlainText.
type Engine interface {
	// Start begins the handshake.
	Start() error

	// PutCipherText feeds records received from the server.
	PutCipherText(data []byte) error

	// PullCipherText returns the records to send to the server, if any.
	PullCipherText() ([]byte, error)

	// PutPlainText writes application data. The handshake must be done.
	PutPlainText(data []byte) error

	// PullPlainText returns the application data received so far, if any.
	PullPlainText() ([]byte, error)

	// IsConnected returns true once the handshake is done.
	IsConnected() bool

	// Close releases the engine.
	Close() error
}

// EngineFactory creates an [Engine]. The notify callback runs, from any
// goroutine, whenever the engine has output ready.
type EngineFactory func(cfg *config.Configuration, logger model.Logger, notify func()) (Engine, error)

var _ EngineFactory = NewEngine

// NewEngine is the default [EngineFactory]. It drives a uTLS client over an
// in-memory connection.
func NewEngine(cfg *config.Configuration, logger model.Logger, notify func()) (Engine, error) {
	certCfg, err := newCertConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTLS, err)
	}
	if notify == nil {
		notify = func() {}
	}
	return &utlsEngine{
		bio:    newTLSBio(logger, notify),
		conf:   initTLS(certCfg),
		logger: logger,
		notify: notify,
	}, nil
}

type utlsEngine struct {
	bio       *tlsBio
	conf      *tls.Config
	logger    model.Logger
	notify    func()
	connected atomic.Bool
	closed    atomic.Bool

	mu      sync.Mutex
	conn    handshaker
	plain   bytes.Buffer
	err     error
	started bool
}

var _ Engine = &utlsEngine{}

func (e *utlsEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}
	conn, err := tlsFactoryFn(e.bio, e.conf)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTLS, err)
	}
	e.conn = conn
	e.started = true
	go e.run(conn)
	return nil
}

// run performs the handshake and then reads application data until the
// engine is closed.
func (e *utlsEngine) run(conn handshaker) {
	e.logger.Debug("tlssession: handshake started")
	if err := conn.Handshake(); err != nil {
		e.fail(err)
		return
	}
	e.logger.Debug("tlssession: handshake done")
	e.connected.Store(true)
	e.notify()

	buf := make([]byte, 1<<14)
	for {
		count, err := conn.Read(buf)
		if count > 0 {
			e.mu.Lock()
			_, _ = e.plain.Write(buf[:count])
			e.mu.Unlock()
			e.notify()
		}
		if err != nil {
			e.fail(err)
			return
		}
	}
}

func (e *utlsEngine) fail(err error) {
	if e.closed.Load() {
		return
	}
	e.logger.Warnf("tlssession: %s", err.Error())
	e.mu.Lock()
	if e.err == nil {
		e.err = fmt.Errorf("%w: %w", ErrTLS, err)
	}
	e.mu.Unlock()
	e.notify()
}

func (e *utlsEngine) failure() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *utlsEngine) PutCipherText(data []byte) error {
	if err := e.failure(); err != nil {
		return err
	}
	e.bio.feed(data)
	return nil
}

func (e *utlsEngine) PullCipherText() ([]byte, error) {
	if out := e.bio.drain(); out != nil {
		return out, nil
	}
	return nil, e.failure()
}

func (e *utlsEngine) PutPlainText(data []byte) error {
	if err := e.failure(); err != nil {
		return err
	}
	if !e.connected.Load() {
		return fmt.Errorf("%w: handshake not done", ErrTLS)
	}
	if _, err := e.conn.Write(data); err != nil {
		return fmt.Errorf("%w: %w", ErrTLS, err)
	}
	return nil
}

func (e *utlsEngine) PullPlainText() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.plain.Len() > 0 {
		out := bytes.Clone(e.plain.Bytes())
		e.plain.Reset()
		return out, nil
	}
	return nil, e.err
}

func (e *utlsEngine) IsConnected() bool {
	return e.connected.Load()
}

func (e *utlsEngine) Close() error {
	if e.closed.Swap(true) {
		return nil
	}
	_ = e.bio.Close()
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	return nil
}
