package tunnel

import (
	"time"

	"github.com/6ccg/vpncore/internal/datachannel"
	"github.com/6ccg/vpncore/internal/session"
)

func totalLength(packets [][]byte) int {
	n := 0
	for _, p := range packets {
		n += len(p)
	}
	return n
}

// receiveData decrypts data packets of key and writes them to the tunnel.
func (r *run) receiveData(key *session.Key, packets [][]byte) {
	r.s.transport.AddReceivedDataCount(totalLength(packets))
	if key.Data == nil {
		r.logger.Debugf("%s: key %d has no data channel yet", serviceName, key.ID)
		return
	}
	decoded, err := key.Data.Decode(packets)
	if err != nil {
		r.decryptFailures++
		r.logger.Warnf("%s: %s (%d consecutive failures)", serviceName, err.Error(), r.decryptFailures)
		if r.decryptFailures >= r.s.maxDecryptFailures {
			r.deferStop(stopReconnect, err)
		}
		return
	}
	r.decryptFailures = 0
	if len(decoded) == 0 {
		return
	}
	key.AddBytes(totalLength(decoded), 0)
	if r.tun == nil {
		return
	}
	if err := r.tun.WritePackets(decoded); err != nil {
		r.logger.Warnf("%s: cannot write to tunnel: %s", serviceName, err.Error())
	}
}

// sendData encrypts tunnel packets with the current key.
func (r *run) sendData(packets [][]byte) {
	cur := r.ring.Current()
	if cur == nil || cur.Data == nil {
		r.logger.Debugf("%s: dropping %d packets, not connected", serviceName, len(packets))
		return
	}
	encoded, err := cur.Data.Encode(packets)
	if err != nil {
		r.deferStop(stopReconnect, err)
		return
	}
	cur.AddBytes(0, totalLength(packets))
	r.s.transport.AddSentDataCount(totalLength(encoded))
	r.writeLink(encoded)
}

// keepAliveInterval returns the pushed ping interval, or the configured one.
func (r *run) keepAliveInterval() (time.Duration, bool) {
	if r.pushReply != nil && r.pushReply.Options.KeepAliveInterval > 0 {
		return r.pushReply.Options.KeepAliveInterval, true
	}
	if r.s.cfg.KeepAliveInterval > 0 {
		return r.s.cfg.KeepAliveInterval, true
	}
	return 0, false
}

// keepAliveTimeout returns the pushed ping-restart, the configured one, or
// the default.
func (r *run) keepAliveTimeout() time.Duration {
	if r.pushReply != nil && r.pushReply.Options.KeepAliveTimeout > 0 {
		return r.pushReply.Options.KeepAliveTimeout
	}
	if r.s.cfg.KeepAliveTimeout > 0 {
		return r.s.cfg.KeepAliveTimeout
	}
	return defaultKeepAliveTimeout
}

func (r *run) schedulePing() {
	interval, ok := r.keepAliveInterval()
	if !ok {
		interval = defaultPingInterval
	}
	r.nextPing = r.now().Add(interval)
}

// checkPing runs on every tick and calls ping once it is due.
func (r *run) checkPing() {
	if r.nextPing.IsZero() || r.now().Before(r.nextPing) {
		return
	}
	r.nextPing = time.Time{}
	r.ping()
}

// ping checks the keepalive timeout and sends a ping when an interval is
// set.
func (r *run) ping() {
	cur := r.ring.Current()
	if cur == nil || cur.State != session.ControlStateConnected {
		return
	}
	if elapsed := r.now().Sub(r.lastInbound); elapsed > r.keepAliveTimeout() {
		r.deferStop(stopShutdown, ErrPingTimeout)
		return
	}
	if _, ok := r.keepAliveInterval(); ok {
		r.logger.Debugf("%s: sending ping", serviceName)
		r.sendData([][]byte{datachannel.PingPayload()})
		if r.stopping {
			return
		}
	}
	r.schedulePing()
}
