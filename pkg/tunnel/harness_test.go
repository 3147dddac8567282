package tunnel

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/google/go-cmp/cmp"
	"go.uber.org/atomic"

	"github.com/6ccg/vpncore/internal/bytesx"
	"github.com/6ccg/vpncore/internal/datachannel"
	"github.com/6ccg/vpncore/internal/model"
	"github.com/6ccg/vpncore/internal/reliabletransport"
	"github.com/6ccg/vpncore/internal/tlssession"
	"github.com/6ccg/vpncore/internal/wire"
	"github.com/6ccg/vpncore/pkg/config"
)

const (
	clientHello = "CLIENT_HELLO"
	serverHello = "SERVER_HELLO"

	defaultPushReply = "PUSH_REPLY,ifconfig 10.8.0.2 10.8.0.1,peer-id 5,cipher AES-256-GCM"

	testTimeout = 5 * time.Second
)

// fakeEngine is a TLS engine whose records are the plaintext itself. The
// handshake is one hello in each direction.
type fakeEngine struct {
	mu        sync.Mutex
	notify    func()
	connected bool
	out       []byte
	plain     []byte
}

func fakeEngineFactory(cfg *config.Configuration, logger model.Logger, notify func()) (tlssession.Engine, error) {
	return &fakeEngine{notify: notify}, nil
}

func (e *fakeEngine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.out = append(e.out, clientHello...)
	return nil
}

func (e *fakeEngine) PutCipherText(data []byte) error {
	e.mu.Lock()
	if !e.connected {
		e.connected = string(data) == serverHello
	} else {
		e.plain = append(e.plain, data...)
	}
	e.mu.Unlock()
	e.notify()
	return nil
}

func (e *fakeEngine) PullCipherText() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.out
	e.out = nil
	return out, nil
}

func (e *fakeEngine) PutPlainText(data []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.connected {
		return errors.New("handshake not done")
	}
	e.out = append(e.out, data...)
	return nil
}

func (e *fakeEngine) PullPlainText() ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	plain := e.plain
	e.plain = nil
	return plain, nil
}

func (e *fakeEngine) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

func (e *fakeEngine) Close() error {
	return nil
}

// memLink is a lossless datagram link.
type memLink struct {
	toServer chan [][]byte
	toClient chan [][]byte
}

func newMemLink() *memLink {
	return &memLink{
		toServer: make(chan [][]byte, 256),
		toClient: make(chan [][]byte, 256),
	}
}

func (l *memLink) ReadPackets(ctx context.Context) ([][]byte, error) {
	select {
	case b := <-l.toClient:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *memLink) WritePackets(packets [][]byte) error {
	out := make([][]byte, 0, len(packets))
	for _, p := range packets {
		out = append(out, append([]byte{}, p...))
	}
	select {
	case l.toServer <- out:
		return nil
	default:
		return errors.New("memLink: full")
	}
}

func (l *memLink) IsReliable() bool       { return false }
func (l *memLink) MaxPacketSize() int     { return 1500 }
func (l *memLink) RemoteAddress() string  { return "1.2.3.4" }
func (l *memLink) RemoteProtocol() string { return "UDP:1194" }

type memTunnel struct {
	in      chan [][]byte
	written chan [][]byte
}

func newMemTunnel() *memTunnel {
	return &memTunnel{
		in:      make(chan [][]byte),
		written: make(chan [][]byte, 16),
	}
}

func (t *memTunnel) ReadPackets(ctx context.Context) ([][]byte, error) {
	select {
	case b := <-t.in:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *memTunnel) WritePackets(packets [][]byte) error {
	t.written <- packets
	return nil
}

type startedEvent struct {
	remoteAddress  string
	remoteProtocol string
	options        *config.Configuration
}

type stoppedEvent struct {
	err       error
	reconnect bool
}

type recordingDelegate struct {
	started chan startedEvent
	stopped chan stoppedEvent
}

func newRecordingDelegate() *recordingDelegate {
	return &recordingDelegate{
		started: make(chan startedEvent, 4),
		stopped: make(chan stoppedEvent, 4),
	}
}

func (d *recordingDelegate) OnStarted(remoteAddress, remoteProtocol string, options *config.Configuration) {
	d.started <- startedEvent{remoteAddress, remoteProtocol, options}
}

func (d *recordingDelegate) OnStopped(err error, reconnect bool) {
	d.stopped <- stoppedEvent{err, reconnect}
}

func (d *recordingDelegate) waitStarted(t *testing.T) startedEvent {
	t.Helper()
	select {
	case ev := <-d.started:
		return ev
	case ev := <-d.stopped:
		t.Fatalf("stopped before starting: %v", ev.err)
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for OnStarted")
	}
	return startedEvent{}
}

func (d *recordingDelegate) waitStopped(t *testing.T) stoppedEvent {
	t.Helper()
	select {
	case ev := <-d.stopped:
		return ev
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for OnStopped")
	}
	return stoppedEvent{}
}

// fakeClock is the wall clock plus an adjustable offset.
type fakeClock struct {
	offset *atomic.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{offset: atomic.NewDuration(0)}
}

func (c *fakeClock) Now() time.Time {
	return time.Now().Add(c.offset.Load())
}

func (c *fakeClock) Advance(d time.Duration) {
	c.offset.Add(d)
}

// serverScript tells the scripted server how to behave.
type serverScript struct {
	// silent ignores every packet.
	silent bool

	// failAuth appends AUTH_FAILED to the key exchange reply.
	failAuth bool

	// pushReplies are sent, in order, on the first PUSH_REQUEST of key 0.
	pushReplies []string

	// serializer wraps the control packets. It is plain when nil.
	serializer wire.Serializer
}

// serverKey is the negotiation of one key on the server side.
type serverKey struct {
	tlsDone   bool
	authDone  bool
	pushed    bool
	plain     []byte
	keySource datachannel.KeySource
}

// scriptedServer is the server side of a session over a memLink. It uses
// the real control channel transport and data channel codec.
type scriptedServer struct {
	t       *testing.T
	link    *memLink
	script  serverScript
	random1 []byte
	random2 []byte

	// options receives the options string of each key exchange.
	options chan string

	// fromClient receives the decrypted data packets.
	fromClient chan []byte

	// acked receives the packet ids the client acknowledged.
	acked chan model.PacketID

	// pushRequests receives one value per PUSH_REQUEST.
	pushRequests chan struct{}

	// keys receives the id of every key whose data channel is ready.
	keys chan byte

	mu        sync.Mutex
	transport *reliabletransport.Transport
	keyID     byte
	clientSID model.SessionID
	key       serverKey
	codecs    map[byte]*datachannel.Codec
}

func newScriptedServer(t *testing.T, link *memLink, script serverScript) *scriptedServer {
	serializer := script.serializer
	if serializer == nil {
		serializer = wire.NewPlainSerializer()
	}
	srv := &scriptedServer{
		t:            t,
		link:         link,
		script:       script,
		random1:      bytes.Repeat([]byte{0x31}, 32),
		random2:      bytes.Repeat([]byte{0x32}, 32),
		options:      make(chan string, 16),
		fromClient:   make(chan []byte, 64),
		acked:        make(chan model.PacketID, 256),
		pushRequests: make(chan struct{}, 16),
		keys:         make(chan byte, 16),
		transport:    reliabletransport.New(serializer),
		codecs:       make(map[byte]*datachannel.Codec),
	}
	if err := srv.transport.Reset(true); err != nil {
		t.Fatal(err)
	}
	return srv
}

// offer sends v unless ch is full.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// nextKeyID follows the soft reset numbering, which skips key 0.
func nextKeyID(id byte) byte {
	next := (id + 1) % 8
	if next == 0 {
		next = 1
	}
	return next
}

func (srv *scriptedServer) serve(ctx context.Context) {
	for {
		select {
		case batch := <-srv.link.toServer:
			if srv.script.silent {
				continue
			}
			for _, raw := range batch {
				srv.handle(raw)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (srv *scriptedServer) send(raw [][]byte) {
	if len(raw) > 0 {
		srv.link.toClient <- raw
	}
}

func (srv *scriptedServer) enqueue(op model.Opcode, payload []byte) {
	if err := srv.transport.EnqueueOutbound(op, srv.keyID, payload, reliabletransport.DefaultMaxFragmentSize); err != nil {
		srv.t.Errorf("server: %v", err)
		return
	}
	raw, err := srv.transport.FlushOutbound(time.Now())
	if err != nil {
		srv.t.Errorf("server: %v", err)
		return
	}
	srv.send(raw)
}

// beginKey starts the negotiation of a new key.
func (srv *scriptedServer) beginKey(id byte) {
	if err := srv.transport.Reset(false); err != nil {
		srv.t.Errorf("server: %v", err)
	}
	srv.keyID = id
	srv.key = serverKey{}
}

func (srv *scriptedServer) handle(raw []byte) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	op, keyID, err := wire.PeekHeader(raw)
	if err != nil {
		return
	}
	if op.IsData() {
		codec := srv.codecs[keyID]
		if codec == nil {
			return
		}
		decoded, err := codec.Decode([][]byte{raw})
		if err != nil {
			return
		}
		for _, p := range decoded {
			srv.fromClient <- p
		}
		return
	}
	p, err := srv.transport.ReadInbound(raw)
	if err != nil {
		return
	}
	for _, id := range p.ACKs {
		offer(srv.acked, id)
	}
	if p.IsACK() {
		return
	}
	if p.Opcode == model.P_CONTROL_SOFT_RESET_V1 && p.KeyID != srv.keyID {
		srv.beginKey(p.KeyID)
	}
	if p.KeyID != srv.keyID {
		return
	}
	ready, ok := srv.transport.EnqueueInbound(p)
	if !ok {
		return
	}
	ack, err := srv.transport.BuildAck(p.KeyID, []model.PacketID{p.ID}, p.LocalSessionID)
	if err != nil {
		srv.t.Errorf("server: %v", err)
		return
	}
	srv.send([][]byte{ack})
	for _, next := range ready {
		srv.handleControl(next)
	}
}

func (srv *scriptedServer) handleControl(p *model.Packet) {
	switch p.Opcode {
	case model.P_CONTROL_HARD_RESET_CLIENT_V2:
		srv.clientSID = p.LocalSessionID
		srv.transport.SetRemoteSessionID(p.LocalSessionID)
		srv.enqueue(model.P_CONTROL_HARD_RESET_SERVER_V2, nil)

	case model.P_CONTROL_SOFT_RESET_V1:
		srv.enqueue(model.P_CONTROL_SOFT_RESET_V1, nil)

	case model.P_CONTROL_V1:
		if !srv.key.tlsDone {
			if string(p.Payload) == clientHello {
				srv.key.tlsDone = true
				srv.enqueue(model.P_CONTROL_V1, []byte(serverHello))
			}
			return
		}
		srv.key.plain = append(srv.key.plain, p.Payload...)
		srv.processPlain()
	}
}

func (srv *scriptedServer) processPlain() {
	key := &srv.key
	if !key.authDone {
		options, ks, n, ok := parseClientAuth(key.plain)
		if !ok {
			return
		}
		key.plain = key.plain[n:]
		key.authDone = true
		ks.ServerRandom1 = srv.random1
		ks.ServerRandom2 = srv.random2
		key.keySource = ks
		offer(srv.options, options)

		reply := []byte{0x00, 0x00, 0x00, 0x00, 0x02}
		reply = append(reply, srv.random1...)
		reply = append(reply, srv.random2...)
		opts, err := bytesx.EncodeOptionStringToBytes("V4,dev-type tun,key-method 2,tls-server")
		if err != nil {
			srv.t.Errorf("server: %v", err)
			return
		}
		reply = append(reply, opts...)
		if srv.script.failAuth {
			reply = append(reply, "AUTH_FAILED\x00"...)
		}
		srv.enqueue(model.P_CONTROL_V1, reply)
	}

	for {
		idx := bytes.IndexByte(key.plain, 0x00)
		if idx < 0 {
			return
		}
		msg := string(key.plain[:idx])
		key.plain = key.plain[idx+1:]
		if msg != "PUSH_REQUEST" {
			continue
		}
		offer(srv.pushRequests, struct{}{})
		if key.pushed {
			continue
		}
		key.pushed = true
		srv.setupCodec()
		// renegotiated keys reuse the options pushed for key 0
		if srv.keyID != 0 {
			continue
		}
		for _, reply := range srv.script.pushReplies {
			srv.enqueue(model.P_CONTROL_V1, []byte(reply+"\x00"))
		}
	}
}

// setupCodec mirrors the data channel the client derives from
// defaultPushReply.
func (srv *scriptedServer) setupCodec() {
	peerID := uint32(5)
	local, _ := srv.transport.SessionID().Unwrap()
	codec, err := datachannel.NewCodec(datachannel.CodecOptions{
		Cipher:           config.CipherAES256GCM,
		Digest:           config.DigestSHA1,
		PeerID:           &peerID,
		KeyID:            srv.keyID,
		ReplayProtection: true,
		Server:           true,
	}, srv.key.keySource, local, srv.clientSID)
	if err != nil {
		srv.t.Errorf("server: %v", err)
		return
	}
	srv.codecs[srv.keyID] = codec
	offer(srv.keys, srv.keyID)
}

// softReset starts a renegotiation from the server side and returns the
// new key id.
func (srv *scriptedServer) softReset() byte {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	id := nextKeyID(srv.keyID)
	srv.beginKey(id)
	srv.enqueue(model.P_CONTROL_SOFT_RESET_V1, nil)
	return id
}

// encode encrypts packets for the client with the given key.
func (srv *scriptedServer) encode(t *testing.T, keyID byte, packets [][]byte) [][]byte {
	t.Helper()
	srv.mu.Lock()
	defer srv.mu.Unlock()
	codec := srv.codecs[keyID]
	if codec == nil {
		t.Fatalf("server data channel for key %d not ready", keyID)
	}
	out, err := codec.Encode(packets)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

// queueControl queues a control message through the reliable transport and
// returns what is due on the link, without sending it, along with the id
// given to the message.
func (srv *scriptedServer) queueControl(t *testing.T, payload []byte) ([][]byte, model.PacketID) {
	t.Helper()
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if err := srv.transport.EnqueueOutbound(model.P_CONTROL_V1, srv.keyID, payload, reliabletransport.DefaultMaxFragmentSize); err != nil {
		t.Fatal(err)
	}
	raw, err := srv.transport.FlushOutbound(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) == 0 {
		t.Fatal("nothing to send")
	}
	p, err := wire.UnmarshalPacket(raw[len(raw)-1])
	if err != nil {
		t.Fatal(err)
	}
	return raw, p.ID
}

// packet returns an unwrapped control packet from the server session,
// built outside of the reliable transport.
func (srv *scriptedServer) packet(t *testing.T, op model.Opcode, keyID byte, id model.PacketID) *model.Packet {
	t.Helper()
	srv.mu.Lock()
	defer srv.mu.Unlock()
	sid, ok := srv.transport.SessionID().Unwrap()
	if !ok {
		t.Fatal("server without session id")
	}
	p := model.NewPacket(op, keyID, nil)
	p.ID = id
	p.LocalSessionID = sid
	return p
}

func marshal(t *testing.T, p *model.Packet) []byte {
	t.Helper()
	raw, err := wire.MarshalPacket(p)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func (srv *scriptedServer) waitOptions(t *testing.T) string {
	t.Helper()
	select {
	case opts := <-srv.options:
		return opts
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for the key exchange")
	}
	return ""
}

// waitKey returns the id of the next key whose data channel is ready.
func (srv *scriptedServer) waitKey(t *testing.T) byte {
	t.Helper()
	select {
	case id := <-srv.keys:
		return id
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for a data channel")
	}
	return 0
}

func (srv *scriptedServer) waitPushRequest(t *testing.T) {
	t.Helper()
	select {
	case <-srv.pushRequests:
	case <-time.After(testTimeout):
		t.Fatal("timeout waiting for PUSH_REQUEST")
	}
}

// parseClientAuth parses the key-method 2 message of the client. It
// returns the options string, the client key material and the message
// length.
func parseClientAuth(b []byte) (string, datachannel.KeySource, int, bool) {
	const head = 5 + 48 + 32 + 32
	if len(b) < head {
		return "", datachannel.KeySource{}, 0, false
	}
	offset := head
	var fields []string
	// options, username, password, peer info
	for i := 0; i < 4; i++ {
		if len(b) < offset+2 {
			return "", datachannel.KeySource{}, 0, false
		}
		n := int(binary.BigEndian.Uint16(b[offset:]))
		offset += 2
		if len(b) < offset+n {
			return "", datachannel.KeySource{}, 0, false
		}
		fields = append(fields, strings.TrimSuffix(string(b[offset:offset+n]), "\x00"))
		offset += n
	}
	ks := datachannel.KeySource{
		PreMaster: append([]byte{}, b[5:53]...),
		Random1:   append([]byte{}, b[53:85]...),
		Random2:   append([]byte{}, b[85:117]...),
	}
	return fields[0], ks, offset, true
}

func testConfig() *config.Configuration {
	return &config.Configuration{
		CA:     []byte("unused by the fake engine"),
		Cipher: config.CipherAES128CBC,
		Digest: config.DigestSHA1,
	}
}

// harness is a session wired to a scripted server.
type harness struct {
	session  *Session
	delegate *recordingDelegate
	clock    *fakeClock
	link     *memLink
	tun      *memTunnel
	server   *scriptedServer
	ctx      context.Context
}

func newHarness(t *testing.T, script serverScript) *harness {
	t.Helper()
	return newHarnessWithConfig(t, testConfig(), script)
}

func newHarnessWithConfig(t *testing.T, cfg *config.Configuration, script serverScript) *harness {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 4*testTimeout)
	t.Cleanup(cancel)

	h := &harness{
		delegate: newRecordingDelegate(),
		clock:    newFakeClock(),
		tun:      newMemTunnel(),
		ctx:      ctx,
	}
	sess, err := NewSession(cfg,
		WithLogger(log.Log),
		WithDelegate(h.delegate),
		WithTLSFactory(fakeEngineFactory),
		WithClock(h.clock),
		WithTimeouts(Timeouts{Tick: 10 * time.Millisecond}),
	)
	if err != nil {
		t.Fatal(err)
	}
	h.session = sess
	h.link, h.server = h.newServer(t, script)
	t.Cleanup(func() {
		sess.Shutdown(nil)
		_ = sess.Wait()
	})
	return h
}

// newServer returns a fresh link served by a new scripted server.
func (h *harness) newServer(t *testing.T, script serverScript) (*memLink, *scriptedServer) {
	link := newMemLink()
	srv := newScriptedServer(t, link, script)
	go srv.serve(h.ctx)
	return link, srv
}

// connect starts the session and waits until key 0 carries data.
func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.session.Start(h.ctx, h.link, h.tun); err != nil {
		t.Fatal(err)
	}
	h.delegate.waitStarted(t)
	if id := h.server.waitKey(t); id != 0 {
		t.Fatalf("first key is %d", id)
	}
}

// expectTunnel waits for the tunnel to receive exactly packets.
func (h *harness) expectTunnel(t *testing.T, packets [][]byte) {
	t.Helper()
	select {
	case got := <-h.tun.written:
		if diff := cmp.Diff(packets, got); diff != "" {
			t.Fatal(diff)
		}
	case <-time.After(testTimeout):
		t.Fatal("the tunnel did not receive the packets")
	}
}

// expectServer waits for the server to decrypt payload.
func (h *harness) expectServer(t *testing.T, payload []byte) {
	t.Helper()
	select {
	case got := <-h.server.fromClient:
		if diff := cmp.Diff(payload, got); diff != "" {
			t.Fatal(diff)
		}
	case <-time.After(testTimeout):
		t.Fatal("the server did not receive the packet")
	}
}
