package tunnel

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/time/rate"

	"github.com/6ccg/vpncore/internal/datachannel"
	"github.com/6ccg/vpncore/internal/model"
	"github.com/6ccg/vpncore/internal/packetmuxer"
	"github.com/6ccg/vpncore/internal/reliabletransport"
	"github.com/6ccg/vpncore/internal/session"
	"github.com/6ccg/vpncore/internal/tlssession"
	"github.com/6ccg/vpncore/pkg/config"
)

const pushRequestMessage = "PUSH_REQUEST\x00"

// hardReset starts a new session with key 0.
func (r *run) hardReset() {
	if err := r.s.transport.Reset(true); err != nil {
		r.deferStop(stopShutdown, err)
		return
	}
	now := r.now()
	key := r.ring.HardReset(now)
	r.resetAuthenticator()
	r.lastInbound = now

	var payload []byte
	if r.s.cfg.UsesPIAPatches {
		p, err := piaHardResetPayload(r.s.cfg)
		if err != nil {
			r.logger.Warnf("%s: no PIA payload: %s", serviceName, err.Error())
		} else {
			payload = p
		}
	}
	r.logger.Debugf("%s: sending hard reset", serviceName)
	r.enqueueControl(model.P_CONTROL_HARD_RESET_CLIENT_V2, key.ID, payload)
}

// softReset starts the negotiation of the next key. The server may
// initiate it, in which case its SOFT_RESET is not echoed.
func (r *run) softReset(serverInitiated bool) {
	if r.ring.IsRenegotiating() {
		return
	}
	if err := r.s.transport.Reset(false); err != nil {
		r.deferStop(stopShutdown, err)
		return
	}
	key := r.ring.SoftReset(r.now())
	r.resetAuthenticator()
	r.logger.Infof("%s: renegotiating key %d (server initiated: %v)", serviceName, key.ID, serverInitiated)
	if !serverInitiated {
		r.enqueueControl(model.P_CONTROL_SOFT_RESET_V1, key.ID, nil)
	}
}

// maybeRenegotiate soft resets once the current key is older than reneg-sec.
func (r *run) maybeRenegotiate() {
	after := r.s.cfg.RenegotiatesAfter
	if r.pushReply != nil && r.pushReply.Options.RenegotiatesAfter > 0 {
		after = r.pushReply.Options.RenegotiatesAfter
	}
	if after <= 0 || r.ring.IsRenegotiating() {
		return
	}
	neg := r.ring.Negotiation()
	if neg == nil || neg.State != session.ControlStateConnected {
		return
	}
	if r.now().Sub(neg.StartTime) > after {
		r.softReset(false)
	}
}

func (r *run) enqueueControl(op model.Opcode, keyID byte, payload []byte) {
	err := r.s.transport.EnqueueOutbound(op, keyID, payload, reliabletransport.DefaultMaxFragmentSize)
	if err != nil {
		r.deferStop(stopShutdown, err)
		return
	}
	r.flush()
}

// flush writes the control packets that are due.
func (r *run) flush() {
	raw, err := r.s.transport.FlushOutbound(r.now())
	if err != nil {
		r.deferStop(stopShutdown, err)
		return
	}
	r.writeLink(raw)
}

func (r *run) writeLink(raw [][]byte) {
	if err := r.muxer.WritePackets(raw); err != nil {
		r.deferStop(stopShutdown, err)
	}
}

// receiveLink handles one batch read from the link: control packets first,
// then data packets.
func (r *run) receiveLink(batch *packetmuxer.Batch) {
	if r.ring.Len() == 0 {
		return
	}
	r.lastInbound = r.now()
	r.maybeRenegotiate()

	for _, raw := range batch.Control {
		if r.stopping {
			return
		}
		r.receiveControl(raw)
	}
	for _, group := range batch.Data {
		if r.stopping {
			return
		}
		key, found := r.ring.Get(group.KeyID)
		if !found {
			r.logger.Debugf("%s: dropping %d data packets for unknown key %d", serviceName, len(group.Packets), group.KeyID)
			continue
		}
		r.receiveData(key, group.Packets)
	}
}

func (r *run) receiveControl(raw []byte) {
	p, err := r.s.transport.ReadInbound(raw)
	if err != nil {
		if errors.Is(err, ErrSessionMismatch) || errors.Is(err, ErrMissingSessionID) {
			r.deferStop(stopShutdown, err)
			return
		}
		r.logger.Warnf("%s: dropping control packet: %s", serviceName, err.Error())
		return
	}
	if p.IsACK() {
		return
	}
	if p.IsHardResetServer() && r.ring.IsRenegotiating() {
		r.deferStop(stopShutdown, ErrStaleSession)
		return
	}
	if p.IsSoftReset() && !r.ring.IsRenegotiating() {
		r.softReset(true)
		if r.stopping {
			return
		}
	}
	ready, ok := r.s.transport.EnqueueInbound(p)
	if !ok {
		// unacknowledged, so the server sends it again
		return
	}
	r.sendAck(p)
	for _, next := range ready {
		if r.stopping {
			return
		}
		r.handleControlPacket(next)
	}
}

func (r *run) sendAck(p *model.Packet) {
	raw, err := r.s.transport.BuildAck(p.KeyID, []model.PacketID{p.ID}, p.LocalSessionID)
	if err != nil {
		r.deferStop(stopShutdown, err)
		return
	}
	r.writeLink([][]byte{raw})
}

// checkRemoteSessionID verifies the sender of p is the server we learned
// from the hard reset.
func (r *run) checkRemoteSessionID(p *model.Packet) error {
	remote, ok := r.s.transport.RemoteSessionID().Unwrap()
	if !ok {
		return ErrMissingSessionID
	}
	if p.LocalSessionID != remote {
		return fmt.Errorf("%w: got %s, expected %s", ErrSessionMismatch, p.LocalSessionID, remote)
	}
	return nil
}

func (r *run) handleControlPacket(p *model.Packet) {
	neg := r.ring.Negotiation()
	if neg == nil || p.KeyID != neg.ID {
		r.logger.Debugf("%s: ignoring %s for key %d", serviceName, p.Opcode, p.KeyID)
		return
	}

	switch {
	case p.Opcode == model.P_CONTROL_HARD_RESET_SERVER_V2 && neg.State == session.ControlStateHardReset,
		p.Opcode == model.P_CONTROL_SOFT_RESET_V1 && neg.State == session.ControlStateSoftReset:
		if neg.State == session.ControlStateHardReset {
			r.s.transport.SetRemoteSessionID(p.LocalSessionID)
		}
		if err := r.checkRemoteSessionID(p); err != nil {
			r.deferStop(stopShutdown, err)
			return
		}
		r.startTLS(neg)

	case p.Opcode == model.P_CONTROL_V1 && neg.State >= session.ControlStateTLS:
		if err := r.checkRemoteSessionID(p); err != nil {
			r.deferStop(stopShutdown, err)
			return
		}
		if neg.TLS == nil {
			return
		}
		if len(p.Payload) > 0 {
			if err := neg.TLS.PutCipherText(p.Payload); err != nil {
				r.deferStop(stopShutdown, err)
				return
			}
		}
		r.pumpTLS()

	default:
		r.logger.Debugf("%s: ignoring %s in state %s", serviceName, p.Opcode, neg.State)
	}
}

func (r *run) startTLS(neg *session.Key) {
	engine, err := r.s.tlsFactory(r.s.cfg, r.logger, r.wakeup)
	if err != nil {
		r.deferStop(stopShutdown, err)
		return
	}
	neg.TLS = engine
	neg.State = session.ControlStateTLS
	r.logger.Debugf("%s: starting TLS for key %d", serviceName, neg.ID)
	if err := engine.Start(); err != nil {
		r.deferStop(stopShutdown, err)
		return
	}
	r.pumpTLS()
}

// pumpTLS moves whatever the TLS engine of the negotiation key produced.
// It runs after every input and whenever the engine wakes the loop.
func (r *run) pumpTLS() {
	neg := r.ring.Negotiation()
	if neg == nil || neg.TLS == nil || neg.State < session.ControlStateTLS {
		return
	}
	if !r.pullCipherText(neg) {
		return
	}
	if neg.ShouldOnTLSConnect() {
		r.onTLSConnect(neg)
	}
	for !r.stopping && neg.State >= session.ControlStatePreAuth {
		plain, err := neg.TLS.PullPlainText()
		if err != nil {
			r.deferStop(stopShutdown, err)
			return
		}
		if len(plain) == 0 {
			return
		}
		r.handleControlData(neg, plain)
	}
}

// pullCipherText sends the pending TLS records. It returns false when the
// session is stopping.
func (r *run) pullCipherText(neg *session.Key) bool {
	out, err := neg.TLS.PullCipherText()
	if err != nil {
		r.deferStop(stopShutdown, err)
		return false
	}
	if len(out) > 0 {
		r.enqueueControl(model.P_CONTROL_V1, neg.ID, out)
	}
	return !r.stopping
}

func (r *run) onTLSConnect(neg *session.Key) {
	r.logger.Infof("%s: TLS handshake done for key %d", serviceName, neg.ID)
	neg.State = session.ControlStatePreAuth

	password := r.s.cfg.Password
	if r.s.authToken != "" {
		password = r.s.authToken
	}
	auth, err := tlssession.NewAuthenticator(r.s.cfg.Username, password)
	if err != nil {
		r.deferStop(stopShutdown, err)
		return
	}
	r.auth = auth
	r.authWithLocalOptions = r.s.withLocalOptions.Load()
	payload, err := auth.BuildAuthPayload(r.s.cfg, r.authWithLocalOptions)
	if err != nil {
		r.deferStop(stopShutdown, err)
		return
	}
	if err := neg.TLS.PutPlainText(payload); err != nil {
		r.deferStop(stopShutdown, err)
		return
	}
	r.pullCipherText(neg)
}

func (r *run) handleControlData(neg *session.Key, data []byte) {
	if r.auth == nil {
		return
	}
	r.auth.AppendControlData(data)

	if neg.State == session.ControlStatePreAuth {
		ok, err := r.auth.ParseAuthReply()
		if err != nil {
			r.deferStop(stopShutdown, err)
			return
		}
		if !ok {
			return
		}
		neg.State = session.ControlStatePreIfConfig
		r.pushLimiter = rate.NewLimiter(rate.Every(firstPushRequestRetry), 1)
		r.pushRequests = 0
		r.pushRequest()
		if r.stopping {
			return
		}
	}

	for _, msg := range r.auth.ParseMessages() {
		r.handleControlMessage(msg)
		if r.stopping {
			return
		}
	}
}

func (r *run) handleControlMessage(msg string) {
	r.logger.Debugf("%s: control message %s", serviceName, strings.SplitN(msg, ",", 2)[0])

	switch {
	case strings.HasPrefix(msg, "AUTH_FAILED"):
		if r.authWithLocalOptions {
			r.logger.Warnf("%s: AUTH_FAILED, retrying without local options", serviceName)
			r.s.withLocalOptions.Store(false)
			r.deferStop(stopReconnect, ErrBadCredentials)
			return
		}
		r.deferStop(stopShutdown, ErrBadCredentials)
		return

	case strings.HasPrefix(msg, "RESTART"):
		r.deferStop(stopShutdown, ErrServerShutdown)
		return
	}

	neg := r.ring.Negotiation()
	if neg == nil || neg.State != session.ControlStatePreIfConfig || !tlssession.IsPushReply(msg) {
		return
	}

	complete := msg
	if r.continuation != "" {
		complete = r.continuation + "," + strings.TrimPrefix(msg, "PUSH_REPLY,")
	}
	reply, err := tlssession.ParsePushReply(complete)
	if errors.Is(err, config.ErrContinuationPushReply) {
		r.continuation = strings.ReplaceAll(complete, ",push-continuation 2", "")
		return
	}
	if err != nil {
		r.deferStop(stopShutdown, err)
		return
	}
	r.continuation = ""
	r.logger.Infof("%s: %s", serviceName, reply.String())

	if reply.Options.CompressionAlgorithm != config.CompressionAlgorithmDisabled {
		r.deferStop(stopShutdown, ErrServerCompression)
		return
	}
	if !reply.Options.HasRouting() {
		r.deferStop(stopShutdown, ErrNoRouting)
		return
	}
	r.pushReply = reply
	if reply.Options.AuthToken != "" {
		r.s.authToken = reply.Options.AuthToken
	}

	r.completeConnection()
	if r.stopping {
		return
	}
	r.s.delegate.OnStarted(r.link.RemoteAddress(), r.link.RemoteProtocol(), reply.Options)
	r.schedulePing()
}

// pushRequest asks for the pushed options when pushLimiter allows it. The
// limiter lets the first retry go out after firstPushRequestRetry and
// spaces the following ones by pushRequestInterval. During a renegotiation
// the options are already known, so the key is completed right away.
func (r *run) pushRequest() {
	neg := r.ring.Negotiation()
	if neg == nil || neg.TLS == nil || neg.State != session.ControlStatePreIfConfig || r.pushLimiter == nil {
		return
	}
	now := r.now()
	if !r.pushLimiter.AllowN(now, 1) {
		return
	}
	r.logger.Debugf("%s: sending PUSH_REQUEST", serviceName)
	if err := neg.TLS.PutPlainText([]byte(pushRequestMessage)); err != nil {
		r.logger.Warnf("%s: cannot send PUSH_REQUEST: %s", serviceName, err.Error())
		return
	}
	if !r.pullCipherText(neg) {
		return
	}
	r.pushRequests++
	if r.pushRequests == 2 {
		r.pushLimiter.SetLimitAt(now, rate.Every(pushRequestInterval))
	}
	if r.ring.IsRenegotiating() {
		r.completeConnection()
	}
}

// completeConnection sets up the data channel of the negotiation key and
// makes it current.
func (r *run) completeConnection() {
	neg := r.ring.Negotiation()
	if neg == nil || r.auth == nil {
		return
	}
	local, ok := r.s.transport.SessionID().Unwrap()
	if !ok {
		r.deferStop(stopShutdown, ErrMissingSessionID)
		return
	}
	remote, ok := r.s.transport.RemoteSessionID().Unwrap()
	if !ok {
		r.deferStop(stopShutdown, ErrMissingSessionID)
		return
	}
	codec, err := datachannel.NewCodec(r.codecOptions(neg.ID), *r.auth.KeySource(), local, remote)
	if err != nil {
		r.deferStop(stopShutdown, fmt.Errorf("%w: %w", ErrBadKey, err))
		return
	}
	neg.Data = codec
	r.auth.Reset()
	neg.State = session.ControlStateConnected
	for _, retired := range r.ring.Transition() {
		r.logger.Debugf("%s: retired key %d", serviceName, retired.ID)
	}
	r.decryptFailures = 0
	r.logger.Infof("%s: key %d connected", serviceName, neg.ID)

	if !r.tunStarted && r.tun != nil {
		r.tunStarted = true
		r.manager.StartWorker(r.moveUpTunnel)
	}
}

// codecOptions prefers the pushed settings over the configured ones.
func (r *run) codecOptions(keyID byte) datachannel.CodecOptions {
	cfg := r.s.cfg
	opts := datachannel.CodecOptions{
		Cipher:             cfg.FallbackCipher(),
		Digest:             cfg.FallbackDigest(),
		CompressionFraming: cfg.CompressionFraming,
		KeyID:              keyID,
		ReplayProtection:   true,
		Logger:             r.logger,
	}
	if r.pushReply != nil {
		pushed := r.pushReply.Options
		if pushed.Cipher != "" {
			opts.Cipher = pushed.Cipher
		}
		if pushed.CompressionFraming != config.CompressionFramingDisabled {
			opts.CompressionFraming = pushed.CompressionFraming
		}
		opts.PeerID = pushed.PeerID
	}
	return opts
}
