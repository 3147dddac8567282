package tunnel

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"github.com/6ccg/vpncore/internal/datachannel"
	"github.com/6ccg/vpncore/internal/model"
	"github.com/6ccg/vpncore/internal/packetmuxer"
	"github.com/6ccg/vpncore/internal/session"
	"github.com/6ccg/vpncore/internal/tlssession"
	"github.com/6ccg/vpncore/internal/workers"
)

var serviceName = "tunnel"

type stopMethod int

const (
	stopShutdown = stopMethod(iota)
	stopReconnect
)

type stopRequest struct {
	method stopMethod
	err    error
}

// run is one execution of a [Session] on a link. Everything but the
// channels is owned by the loop goroutine.
type run struct {
	s       *Session
	logger  model.Logger
	ctx     context.Context
	cancel  context.CancelFunc
	link    Link
	tun     Tunnel
	muxer   *packetmuxer.Service
	manager *workers.Manager

	tunToSession chan [][]byte
	tunErr       chan error
	notify       chan struct{}
	stopRequests chan stopRequest

	ring                 *session.Ring
	auth                 *tlssession.Authenticator
	authWithLocalOptions bool
	pushReply            *tlssession.PushReply
	continuation         string
	pushLimiter          *rate.Limiter
	pushRequests         int
	lastInbound          time.Time
	nextPing             time.Time
	decryptFailures      int
	tunStarted           bool

	stopping   bool
	stopMethod stopMethod
	stopErr    error
	finished   *atomic.Bool
	done       chan struct{}
}

func newRun(ctx context.Context, s *Session, link Link, tun Tunnel) *run {
	ctx, cancel := context.WithCancel(ctx)
	return &run{
		s:            s,
		logger:       s.logger,
		ctx:          ctx,
		cancel:       cancel,
		link:         link,
		tun:          tun,
		muxer:        packetmuxer.New(link, s.obfs, s.logger),
		manager:      workers.NewManager(s.logger),
		tunToSession: make(chan [][]byte),
		tunErr:       make(chan error, 1),
		notify:       make(chan struct{}, 1),
		stopRequests: make(chan stopRequest, 1),
		ring:         session.NewRing(),
		finished:     atomic.NewBool(false),
		done:         make(chan struct{}),
	}
}

func (r *run) now() time.Time {
	return r.s.clock.Now()
}

func (r *run) isDone() bool {
	return r.finished.Load()
}

// requestStop asks the loop to stop. Only the first request counts.
func (r *run) requestStop(method stopMethod, err error) {
	select {
	case r.stopRequests <- stopRequest{method: method, err: err}:
	default:
	}
}

// wakeup is the notify callback of the TLS engines.
func (r *run) wakeup() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// loop is the session loop. Every state change happens here.
func (r *run) loop() {
	defer r.finish()

	r.logger.Infof("%s: connecting to %s (%s)", serviceName, r.link.RemoteAddress(), r.link.RemoteProtocol())
	r.muxer.StartWorkers(r.ctx)
	r.hardReset()
	r.publishState()

	ticker := time.NewTicker(r.s.timeouts.Tick)
	defer ticker.Stop()

	for !r.stopping {
		select {
		case <-r.ctx.Done():
			r.deferStop(stopShutdown, r.ctx.Err())

		case req := <-r.stopRequests:
			r.deferStop(req.method, req.err)

		case batch := <-r.muxer.Batches():
			r.receiveLink(batch)

		case err := <-r.muxer.Errors():
			r.deferStop(stopShutdown, err)

		case packets := <-r.tunToSession:
			r.sendData(packets)

		case err := <-r.tunErr:
			r.deferStop(stopShutdown, err)

		case <-r.notify:
			r.pumpTLS()

		case <-ticker.C:
			r.loopNegotiation()
			if !r.stopping {
				r.checkPing()
			}
		}
		r.publishState()
	}
}

// finish stops the workers and reports the outcome.
func (r *run) finish() {
	r.cancel()
	r.muxer.Stop()
	r.manager.StartShutdown()
	r.manager.WaitWorkersShutdown()

	r.s.state.Store(int32(StateStopped))
	r.finished.Store(true)
	reconnect := r.stopMethod == stopReconnect
	if r.stopErr != nil {
		r.logger.Infof("%s: stopped (reconnect=%v): %s", serviceName, reconnect, r.stopErr.Error())
	} else {
		r.logger.Infof("%s: stopped (reconnect=%v)", serviceName, reconnect)
	}
	r.s.delegate.OnStopped(r.stopErr, reconnect)
	close(r.done)
}

func (r *run) publishState() {
	if r.stopping {
		return
	}
	if cur := r.ring.Current(); cur != nil && cur.State == session.ControlStateConnected {
		r.s.state.Store(int32(StateConnected))
		return
	}
	if neg := r.ring.Negotiation(); neg != nil {
		r.s.state.Store(int32(neg.State))
	}
}

// deferStop stops the loop after this iteration. It is idempotent.
func (r *run) deferStop(method stopMethod, err error) {
	if r.stopping {
		return
	}
	r.stopping = true
	r.stopMethod = method
	r.stopErr = err

	// tell the server we are leaving, stream links notice by themselves
	if !r.link.IsReliable() {
		if cur := r.ring.Current(); cur != nil && cur.Data != nil {
			if exit, err := cur.Data.Encode([][]byte{datachannel.ExitNotification()}); err == nil {
				if err := r.muxer.WritePackets(exit); err != nil {
					r.logger.Debugf("%s: cannot send exit notification: %s", serviceName, err.Error())
				}
			}
		}
	}
	r.ring.DisposeAll()
	r.resetAuthenticator()
}

func (r *run) resetAuthenticator() {
	if r.auth != nil {
		r.auth.Reset()
		r.auth = nil
	}
}

// loopNegotiation runs on every tick.
func (r *run) loopNegotiation() {
	neg := r.ring.Negotiation()
	if neg == nil {
		return
	}
	now := r.now()
	if neg.DidHardResetTimeout(now, r.s.timeouts.HardReset) {
		r.deferStop(stopReconnect, fmt.Errorf("%w: no reply to hard reset", ErrNegotiationTimeout))
		return
	}
	if neg.DidNegotiationTimeout(now, r.s.timeouts.Negotiation) {
		r.deferStop(stopShutdown, fmt.Errorf("%w: key %d", ErrNegotiationTimeout, neg.ID))
		return
	}
	r.pushRequest()
	if r.stopping {
		return
	}
	if !r.link.IsReliable() {
		r.flush()
		if r.stopping {
			return
		}
	}
	r.maybeRenegotiate()
}

// moveUpTunnel moves packets from the tunnel to the session loop.
func (r *run) moveUpTunnel() {
	workerName := fmt.Sprintf("%s: moveUpTunnel", serviceName)

	defer r.manager.OnWorkerDone(workerName)

	r.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK awaiting packets from the tunnel
		packets, err := r.tun.ReadPackets(r.ctx)
		if err != nil {
			if r.ctx.Err() == nil {
				select {
				case r.tunErr <- err:
				default:
				}
			}
			return
		}

		// POSSIBLY BLOCK on delivering them to the loop
		select {
		case r.tunToSession <- packets:
		case <-r.manager.ShouldShutdown():
			return
		case <-r.ctx.Done():
			return
		}
	}
}
