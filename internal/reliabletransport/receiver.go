package reliabletransport

import (
	"sort"

	"github.com/6ccg/vpncore/internal/model"
)

// incomingSequence is a sequence of packets, sortable by packet id.
type incomingSequence []*model.Packet

func (seq incomingSequence) Len() int           { return len(seq) }
func (seq incomingSequence) Swap(i, j int)      { seq[i], seq[j] = seq[j], seq[i] }
func (seq incomingSequence) Less(i, j int) bool { return packetIDLess(seq[i].ID, seq[j].ID) }

func packetIDLess(a, b model.PacketID) bool {
	// a < b (mod 2^32), allowing wraparound.
	return int32(a-b) < 0
}

// reliableReceiver reorders incoming packets and delivers them once all
// the preceding ids have been delivered.
type reliableReceiver struct {
	logger model.Logger

	// incomingPackets are packets waiting for a gap to be filled.
	incomingPackets incomingSequence

	// nextExpected is the id of the next packet to deliver.
	nextExpected model.PacketID
}

func newReliableReceiver(logger model.Logger) *reliableReceiver {
	return &reliableReceiver{
		logger:          logger,
		incomingPackets: make(incomingSequence, 0, RELIABLE_RECV_BUFFER_SIZE),
	}
}

// insert adds a packet to the reorder buffer and returns the packets that
// can be delivered, in order. Packets that were already delivered and
// duplicates of buffered packets are dropped but still count as received.
// A packet too far ahead is dropped and insert returns false: it must not be
// acknowledged, so that the peer sends it again.
func (r *reliableReceiver) insert(p *model.Packet) ([]*model.Packet, bool) {
	if packetIDLess(p.ID, r.nextExpected) {
		r.logger.Debugf("reliabletransport: dropping replayed packet id=%d next=%d", p.ID, r.nextExpected)
		return nil, true
	}
	if uint32(p.ID-r.nextExpected) >= RELIABLE_RECV_BUFFER_SIZE {
		r.logger.Debugf("reliabletransport: dropping packet outside of window id=%d next=%d", p.ID, r.nextExpected)
		return nil, false
	}
	for _, existing := range r.incomingPackets {
		if existing.ID == p.ID {
			r.logger.Debugf("reliabletransport: dropping duplicate packet id=%d", p.ID)
			return nil, true
		}
	}
	r.incomingPackets = append(r.incomingPackets, p)
	sort.Sort(r.incomingPackets)

	var ready []*model.Packet
	consumed := 0
	for _, queued := range r.incomingPackets {
		if queued.ID != r.nextExpected {
			break
		}
		ready = append(ready, queued)
		r.nextExpected++
		consumed++
	}
	r.incomingPackets = append(r.incomingPackets[:0], r.incomingPackets[consumed:]...)
	return ready, true
}

func (r *reliableReceiver) reset() {
	r.incomingPackets = make(incomingSequence, 0, RELIABLE_RECV_BUFFER_SIZE)
	r.nextExpected = 0
}
