// Package tunnel implements the OpenVPN client session: the loop that
// drives the control channel negotiation, authenticates, receives the
// pushed settings and then moves packets between a [Link] and a [Tunnel]
// through the data channel.
package tunnel

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/atomic"

	"github.com/6ccg/vpncore/internal/datachannel"
	"github.com/6ccg/vpncore/internal/model"
	"github.com/6ccg/vpncore/internal/obfs"
	"github.com/6ccg/vpncore/internal/reliabletransport"
	"github.com/6ccg/vpncore/internal/session"
	"github.com/6ccg/vpncore/internal/tlssession"
	"github.com/6ccg/vpncore/internal/wire"
	"github.com/6ccg/vpncore/pkg/config"
)

// State is the state of a [Session], as reported by [Session.State].
type State int32

const (
	StateIdle = State(iota)
	StateHardReset
	StateSoftReset
	StateTLS
	StatePreAuth
	StatePreIfConfig
	StateConnected
	StateStopped
)

// String returns the state name.
func (s State) String() string {
	if s == StateStopped {
		return "stopped"
	}
	return session.ControlState(s).String()
}

// DataCount is the number of data channel bytes received and sent since
// the last reset.
type DataCount = reliabletransport.DataCount

// Session is an OpenVPN client session. A session runs on one link at a
// time; after it stopped, Start may run it again on a new link. Some state
// survives across runs: the choice of sending the local options string and
// the auth-token pushed by the server.
type Session struct {
	cfg                *config.Configuration
	logger             model.Logger
	delegate           Delegate
	tlsFactory         tlssession.EngineFactory
	clock              Clock
	timeouts           Timeouts
	maxDecryptFailures int

	transport *reliabletransport.Transport
	obfs      *obfs.Obfuscator

	// withLocalOptions is turned off after the first AUTH_FAILED.
	withLocalOptions *atomic.Bool

	// authToken is only accessed by the running loop.
	authToken string

	state *atomic.Int32

	mu  sync.Mutex
	run *run
}

// NewSession returns a [Session] for the given configuration.
func NewSession(cfg *config.Configuration, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		cfg:                cfg,
		logger:             model.DiscardLogger{},
		delegate:           nullDelegate{},
		tlsFactory:         tlssession.NewEngine,
		clock:              systemClock{},
		timeouts:           DefaultTimeouts(),
		maxDecryptFailures: datachannel.MaxDecryptFailures,
		withLocalOptions:   atomic.NewBool(true),
		state:              atomic.NewInt32(int32(StateIdle)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.delegate == nil {
		s.delegate = nullDelegate{}
	}
	if s.logger == nil {
		s.logger = model.DiscardLogger{}
	}

	serializer, err := newSerializer(cfg)
	if err != nil {
		return nil, err
	}
	s.transport = reliabletransport.New(serializer, reliabletransport.WithLogger(s.logger))

	s.obfs, err = obfs.New(cfg.ScrambleMethod, cfg.ScrambleMask)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrBadConfig, err)
	}
	return s, nil
}

// newSerializer selects the control packet wrapping.
func newSerializer(cfg *config.Configuration) (wire.Serializer, error) {
	if cfg.TLSWrap == nil {
		return wire.NewPlainSerializer(), nil
	}
	switch cfg.TLSWrap.Strategy {
	case config.TLSWrapAuth:
		return wire.NewTLSAuthSerializer(cfg.TLSWrap.Key, cfg.TLSWrap.Direction, cfg.FallbackDigest().Hash())
	case config.TLSWrapCrypt:
		return wire.NewTLSCryptSerializer(cfg.TLSWrap.Key)
	default:
		return nil, fmt.Errorf("%w: unknown tls wrapping %q", config.ErrBadConfig, cfg.TLSWrap.Strategy)
	}
}

// Start runs the session on link. Decrypted packets are written to tun, and
// packets read from tun are sent once connected; tun may be nil. Start
// returns immediately: the outcome is reported to the [Delegate] and by
// [Session.Wait]. Canceling ctx shuts the session down.
func (s *Session) Start(ctx context.Context, link Link, tun Tunnel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run != nil && !s.run.isDone() {
		return ErrAlreadyStarted
	}
	r := newRun(ctx, s, link, tun)
	s.run = r
	s.state.Store(int32(StateIdle))
	go r.loop()
	return nil
}

func (s *Session) current() *run {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.run
}

// Shutdown stops the session for good. Only the first stop request of a
// run has effect.
func (s *Session) Shutdown(err error) {
	if r := s.current(); r != nil {
		r.requestStop(stopShutdown, err)
	}
}

// Reconnect stops the session and reports that it should be started again.
func (s *Session) Reconnect(err error) {
	if r := s.current(); r != nil {
		r.requestStop(stopReconnect, err)
	}
}

// Wait blocks until the current run stopped and returns its error.
func (s *Session) Wait() error {
	r := s.current()
	if r == nil {
		return nil
	}
	<-r.done
	return r.stopErr
}

// DataCount returns the data channel counters. It is safe to call from any
// goroutine.
func (s *Session) DataCount() DataCount {
	return s.transport.DataCount()
}

// State returns the negotiation state of the session.
func (s *Session) State() State {
	return State(s.state.Load())
}
