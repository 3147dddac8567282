package tunnel

import (
	"time"

	"github.com/6ccg/vpncore/internal/model"
	"github.com/6ccg/vpncore/internal/tlssession"
)

const (
	// DefaultHardResetTimeout is how long the server has to answer our
	// hard reset before we reconnect.
	DefaultHardResetTimeout = 27 * time.Second

	// DefaultNegotiationTimeout is how long a key has to reach the
	// connected state before we give up.
	DefaultNegotiationTimeout = 90 * time.Second

	// DefaultTickInterval is the period of the negotiation loop.
	DefaultTickInterval = 200 * time.Millisecond

	// defaultPingInterval is used to check the keepalive timeout when no
	// keepalive interval is set.
	defaultPingInterval = 10 * time.Second

	// defaultKeepAliveTimeout applies when neither the server nor the
	// configuration set one.
	defaultKeepAliveTimeout = 100 * time.Second

	// pushRequestInterval separates PUSH_REQUEST retries.
	pushRequestInterval = 2 * time.Second

	// firstPushRequestRetry is when the first retry is due after the
	// initial PUSH_REQUEST.
	firstPushRequestRetry = 100 * time.Millisecond
)

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

// Timeouts are the timers of the session loop.
type Timeouts struct {
	HardReset   time.Duration
	Negotiation time.Duration
	Tick        time.Duration
}

// DefaultTimeouts returns the default [Timeouts].
func DefaultTimeouts() Timeouts {
	return Timeouts{
		HardReset:   DefaultHardResetTimeout,
		Negotiation: DefaultNegotiationTimeout,
		Tick:        DefaultTickInterval,
	}
}

// Option configures a [Session].
type Option func(*Session)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger model.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithDelegate sets the receiver of the lifecycle events.
func WithDelegate(d Delegate) Option {
	return func(s *Session) {
		s.delegate = d
	}
}

// WithTLSFactory replaces the TLS engine. The default is
// [tlssession.NewEngine].
func WithTLSFactory(factory tlssession.EngineFactory) Option {
	return func(s *Session) {
		s.tlsFactory = factory
	}
}

// WithClock replaces the clock used for timeouts.
func WithClock(clock Clock) Option {
	return func(s *Session) {
		s.clock = clock
	}
}

// WithTimeouts overrides the loop timers. Zero fields keep their default.
func WithTimeouts(t Timeouts) Option {
	return func(s *Session) {
		if t.HardReset > 0 {
			s.timeouts.HardReset = t.HardReset
		}
		if t.Negotiation > 0 {
			s.timeouts.Negotiation = t.Negotiation
		}
		if t.Tick > 0 {
			s.timeouts.Tick = t.Tick
		}
	}
}

// WithMaxDecryptFailures sets how many consecutive data decryption
// failures trigger a reconnect. The default is 10.
func WithMaxDecryptFailures(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.maxDecryptFailures = n
		}
	}
}
