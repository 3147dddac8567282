package reliabletransport

import (
	"errors"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/require"

	"github.com/6ccg/vpncore/internal/model"
	"github.com/6ccg/vpncore/internal/wire"
)

var testServerSID = model.SessionID{9, 9, 9, 9, 9, 9, 9, 9}

func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	tr := New(wire.NewPlainSerializer(), WithLogger(log.Log))
	require.NoError(t, tr.Reset(true))
	return tr
}

func localSID(t *testing.T, tr *Transport) model.SessionID {
	t.Helper()
	sid, ok := tr.SessionID().Unwrap()
	require.True(t, ok)
	return sid
}

func inboundPacket(id model.PacketID) *model.Packet {
	p := model.NewPacket(model.P_CONTROL_V1, 0, []byte{byte(id)})
	p.ID = id
	p.LocalSessionID = testServerSID
	return p
}

// enqueue feeds one inbound packet and requires it to be acknowledgeable.
func enqueue(t *testing.T, tr *Transport, id model.PacketID) []*model.Packet {
	t.Helper()
	ready, ok := tr.EnqueueInbound(inboundPacket(id))
	require.True(t, ok, "packet %d should be acknowledged", id)
	return ready
}

func TestEnqueueInbound_Reorders(t *testing.T) {
	tr := newTestTransport(t)
	var delivered []model.PacketID
	for _, id := range []model.PacketID{2, 0, 1} {
		for _, p := range enqueue(t, tr, id) {
			delivered = append(delivered, p.ID)
		}
	}
	require.Equal(t, []model.PacketID{0, 1, 2}, delivered)
}

func TestEnqueueInbound_DropsDuplicates(t *testing.T) {
	tr := newTestTransport(t)

	require.Len(t, enqueue(t, tr, 0), 1)
	require.Empty(t, enqueue(t, tr, 0), "already delivered")

	require.Empty(t, enqueue(t, tr, 2))
	require.Empty(t, enqueue(t, tr, 2), "already buffered")

	got := enqueue(t, tr, 1)
	require.Len(t, got, 2)
	require.Equal(t, model.PacketID(1), got[0].ID)
	require.Equal(t, model.PacketID(2), got[1].ID)
}

func TestEnqueueInbound_DropsOutsideWindow(t *testing.T) {
	tr := newTestTransport(t)
	ready, ok := tr.EnqueueInbound(inboundPacket(RELIABLE_RECV_BUFFER_SIZE))
	require.False(t, ok)
	require.Empty(t, ready)
	require.Empty(t, tr.receiver.incomingPackets)

	// the last id of the window is held
	require.Empty(t, enqueue(t, tr, RELIABLE_RECV_BUFFER_SIZE-1))
}

func TestEnqueueInbound_PacketBeyondWindowIsDeliveredOnceResent(t *testing.T) {
	tr := newTestTransport(t)
	const far = RELIABLE_RECV_BUFFER_SIZE + 8

	_, ok := tr.EnqueueInbound(inboundPacket(far))
	require.False(t, ok)

	var delivered []model.PacketID
	for id := model.PacketID(0); id < far; id++ {
		for _, p := range enqueue(t, tr, id) {
			delivered = append(delivered, p.ID)
		}
	}
	require.Len(t, delivered, far)

	// the peer got no ACK for it, so it comes again
	got := enqueue(t, tr, far)
	require.Len(t, got, 1)
	require.Equal(t, model.PacketID(far), got[0].ID)
}

func TestEnqueueOutbound_Fragments(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantLen []int
	}{
		{"empty payload", 0, []int{0}},
		{"exact fragment", 1000, []int{1000}},
		{"two fragments", 1500, []int{1000, 500}},
		{"three fragments", 2001, []int{1000, 1000, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newTestTransport(t)
			require.NoError(t, tr.EnqueueOutbound(model.P_CONTROL_V1, 0, make([]byte, tt.size), 1000))
			raw, err := tr.FlushOutbound(time.Now())
			require.NoError(t, err)
			require.Len(t, raw, len(tt.wantLen))
			for i, b := range raw {
				p, err := wire.UnmarshalPacket(b)
				require.NoError(t, err)
				require.Equal(t, model.PacketID(i), p.ID)
				require.Len(t, p.Payload, tt.wantLen[i])
				require.Equal(t, localSID(t, tr), p.LocalSessionID)
			}
		})
	}
}

func TestFlushOutbound_RetransmitsUntilACKed(t *testing.T) {
	tr := newTestTransport(t)
	require.NoError(t, tr.EnqueueOutbound(model.P_CONTROL_V1, 0, []byte("hello"), 1000))

	start := time.Now()
	raw, err := tr.FlushOutbound(start)
	require.NoError(t, err)
	require.Len(t, raw, 1)
	require.Equal(t, []model.PacketID{0}, tr.PendingACKs())

	// too early for a retransmission
	raw, err = tr.FlushOutbound(start.Add(50 * time.Millisecond))
	require.NoError(t, err)
	require.Empty(t, raw)

	raw, err = tr.FlushOutbound(start.Add(DefaultRetransmitInterval))
	require.NoError(t, err)
	require.Len(t, raw, 1)

	require.NoError(t, tr.RecordAck([]model.PacketID{0}, localSID(t, tr)))
	require.False(t, tr.HasPendingACKs())

	raw, err = tr.FlushOutbound(start.Add(time.Second))
	require.NoError(t, err)
	require.Empty(t, raw)
}

// flakySerializer fails to serialize while fail is set.
type flakySerializer struct {
	wire.Serializer
	fail bool
}

func (s *flakySerializer) Serialize(p *model.Packet) ([]byte, error) {
	if s.fail {
		return nil, errors.New("serializer failure")
	}
	return s.Serializer.Serialize(p)
}

func TestFlushOutbound_SerializeErrorSendsNothing(t *testing.T) {
	serializer := &flakySerializer{Serializer: wire.NewPlainSerializer(), fail: true}
	tr := New(serializer, WithLogger(log.Log))
	require.NoError(t, tr.Reset(true))
	require.NoError(t, tr.EnqueueOutbound(model.P_CONTROL_V1, 0, []byte("hello"), 1000))
	require.NoError(t, tr.EnqueueOutbound(model.P_CONTROL_V1, 0, []byte("world"), 1000))

	now := time.Now()
	raw, err := tr.FlushOutbound(now)
	require.Error(t, err)
	require.Nil(t, raw)
	require.False(t, tr.HasPendingACKs())

	// still due at the same instant, since nothing was written
	serializer.fail = false
	raw, err = tr.FlushOutbound(now)
	require.NoError(t, err)
	require.Len(t, raw, 2)
	require.Equal(t, []model.PacketID{0, 1}, tr.PendingACKs())
}

func TestRecordAck_Errors(t *testing.T) {
	tr := New(wire.NewPlainSerializer())
	err := tr.RecordAck([]model.PacketID{0}, testServerSID)
	require.True(t, errors.Is(err, ErrMissingSessionID))

	require.NoError(t, tr.Reset(true))
	err = tr.RecordAck([]model.PacketID{0}, testServerSID)
	require.True(t, errors.Is(err, ErrSessionMismatch))
}

func TestReadInbound_ProcessesACKs(t *testing.T) {
	tr := newTestTransport(t)
	require.NoError(t, tr.EnqueueOutbound(model.P_CONTROL_HARD_RESET_CLIENT_V2, 0, nil, 1000))
	_, err := tr.FlushOutbound(time.Now())
	require.NoError(t, err)
	require.True(t, tr.HasPendingACKs())

	reply := model.NewPacket(model.P_CONTROL_HARD_RESET_SERVER_V2, 0, nil)
	reply.LocalSessionID = testServerSID
	reply.ACKs = []model.PacketID{0}
	reply.RemoteSessionID = localSID(t, tr)
	raw, err := wire.MarshalPacket(reply)
	require.NoError(t, err)

	p, err := tr.ReadInbound(raw)
	require.NoError(t, err)
	require.Equal(t, model.P_CONTROL_HARD_RESET_SERVER_V2, p.Opcode)
	require.False(t, tr.HasPendingACKs())

	// the same ACK for another session is fatal
	reply.RemoteSessionID = testServerSID
	raw, err = wire.MarshalPacket(reply)
	require.NoError(t, err)
	_, err = tr.ReadInbound(raw)
	require.True(t, errors.Is(err, ErrSessionMismatch))
}

func TestBuildAck(t *testing.T) {
	tr := newTestTransport(t)
	raw, err := tr.BuildAck(2, []model.PacketID{4, 5}, testServerSID)
	require.NoError(t, err)
	p, err := wire.UnmarshalPacket(raw)
	require.NoError(t, err)
	require.Equal(t, model.P_ACK_V1, p.Opcode)
	require.Equal(t, byte(2), p.KeyID)
	require.Equal(t, []model.PacketID{4, 5}, p.ACKs)
	require.Equal(t, testServerSID, p.RemoteSessionID)
	require.Equal(t, localSID(t, tr), p.LocalSessionID)
}

func TestReset(t *testing.T) {
	tr := newTestTransport(t)
	first := localSID(t, tr)
	tr.SetRemoteSessionID(testServerSID)
	tr.AddReceivedDataCount(10)
	tr.AddSentDataCount(20)
	require.Equal(t, DataCount{Received: 10, Sent: 20}, tr.DataCount())
	require.NoError(t, tr.EnqueueOutbound(model.P_CONTROL_V1, 0, []byte("x"), 1000))
	require.Len(t, enqueue(t, tr, 0), 1)

	// a soft reset keeps the session ids
	require.NoError(t, tr.Reset(false))
	require.Equal(t, first, localSID(t, tr))
	remote, ok := tr.RemoteSessionID().Unwrap()
	require.True(t, ok)
	require.Equal(t, testServerSID, remote)
	require.Equal(t, DataCount{}, tr.DataCount())
	raw, err := tr.FlushOutbound(time.Now())
	require.NoError(t, err)
	require.Empty(t, raw)
	require.Len(t, enqueue(t, tr, 0), 1, "ids restart from zero")

	// a hard reset starts a new session
	require.NoError(t, tr.Reset(true))
	require.NotEqual(t, first, localSID(t, tr))
	require.True(t, tr.RemoteSessionID().IsNone())
}
