package reliabletransport

import (
	"sort"
	"time"

	"github.com/6ccg/vpncore/internal/model"
)

// inFlightPacket wraps a [model.Packet] queued for delivery. The zero
// sentAt means the packet was never sent.
type inFlightPacket struct {
	packet  *model.Packet
	sentAt  time.Time
	retries int
}

// dueAt returns whether the packet should go out at the given time.
func (p *inFlightPacket) dueAt(now time.Time, interval time.Duration) bool {
	return p.sentAt.IsZero() || now.Sub(p.sentAt) >= interval
}

func (p *inFlightPacket) markSent(now time.Time) {
	p.sentAt = now
	p.retries++
}

// inflightSequence is a sequence of inFlightPacket, sortable by packet id.
type inflightSequence []*inFlightPacket

func (seq inflightSequence) Len() int           { return len(seq) }
func (seq inflightSequence) Swap(i, j int)      { seq[i], seq[j] = seq[j], seq[i] }
func (seq inflightSequence) Less(i, j int) bool { return packetIDLess(seq[i].packet.ID, seq[j].packet.ID) }

// reliableSender owns the outbound queue. Packets stay in the queue until
// the peer acknowledges them.
type reliableSender struct {
	inFlight inflightSequence

	// nextID is the id assigned to the next enqueued packet.
	nextID model.PacketID

	// pendingACKs contains the ids that were sent and not acknowledged yet.
	pendingACKs *ackSet
}

func newReliableSender() *reliableSender {
	return &reliableSender{
		inFlight:    make(inflightSequence, 0, RELIABLE_SEND_BUFFER_SIZE),
		pendingACKs: newACKSet(),
	}
}

// enqueue appends a packet, assigning it the next id.
func (s *reliableSender) enqueue(p *model.Packet) {
	p.ID = s.nextID
	s.nextID++
	s.inFlight = append(s.inFlight, &inFlightPacket{packet: p})
}

// readyToSend returns the packets that are due at the given time.
func (s *reliableSender) readyToSend(now time.Time, interval time.Duration) []*inFlightPacket {
	var ready []*inFlightPacket
	for _, p := range s.inFlight {
		if p.dueAt(now, interval) {
			ready = append(ready, p)
		}
	}
	return ready
}

// markSent records that the given packets were written and now wait for an
// ACK.
func (s *reliableSender) markSent(ready []*inFlightPacket, now time.Time) {
	for _, p := range ready {
		p.markSent(now)
		s.pendingACKs.add(p.packet.ID)
	}
}

// onACKs evicts every acknowledged packet from the queue.
func (s *reliableSender) onACKs(ids []model.PacketID) {
	acked := newACKSet(ids...)
	keep := s.inFlight[:0]
	for _, p := range s.inFlight {
		if !acked.contains(p.packet.ID) {
			keep = append(keep, p)
		}
	}
	for i := len(keep); i < len(s.inFlight); i++ {
		s.inFlight[i] = nil
	}
	s.inFlight = keep
	sort.Sort(s.inFlight)
	for _, id := range ids {
		s.pendingACKs.remove(id)
	}
}

func (s *reliableSender) reset() {
	s.inFlight = make(inflightSequence, 0, RELIABLE_SEND_BUFFER_SIZE)
	s.nextID = 0
	s.pendingACKs = newACKSet()
}

// ackSet is a set of packet ids. The zero value struct is invalid, please
// use newACKSet.
type ackSet struct {
	m map[model.PacketID]bool
}

// newACKSet creates a new set containing the given ids.
func newACKSet(ids ...model.PacketID) *ackSet {
	m := make(map[model.PacketID]bool, len(ids))
	for _, id := range ids {
		m[id] = true
	}
	return &ackSet{m}
}

func (as *ackSet) add(id model.PacketID) {
	as.m[id] = true
}

func (as *ackSet) remove(id model.PacketID) {
	delete(as.m, id)
}

func (as *ackSet) contains(id model.PacketID) bool {
	return as.m[id]
}

// sorted returns the stored ids in ascending order.
func (as *ackSet) sorted() []model.PacketID {
	ids := make([]model.PacketID, 0, len(as.m))
	for id := range as.m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return packetIDLess(ids[i], ids[j])
	})
	return ids
}

func (as *ackSet) Len() int {
	return len(as.m)
}
