// Package packetmuxer moves raw packets between a link and the session
// loop. Incoming packets are unscrambled and split into control packets and
// data packets grouped by key id; outgoing packets are scrambled and written.
package packetmuxer

import (
	"context"
	"errors"
	"fmt"

	"github.com/6ccg/vpncore/internal/model"
	"github.com/6ccg/vpncore/internal/obfs"
	"github.com/6ccg/vpncore/internal/wire"
	"github.com/6ccg/vpncore/internal/workers"
)

var serviceName = "packetmuxer"

// ErrFailedLinkWrite is returned when the link refuses outgoing packets.
var ErrFailedLinkWrite = errors.New("failed link write")

// Link is the packet link the muxer reads from and writes to.
type Link interface {
	ReadPackets(ctx context.Context) ([][]byte, error)
	WritePackets(packets [][]byte) error
}

// DataGroup is a run of data packets for the same key id.
type DataGroup struct {
	KeyID   byte
	Packets [][]byte
}

// Batch is one link read, split by channel.
type Batch struct {
	// Control holds the raw control packets, in arrival order.
	Control [][]byte

	// Data holds the data packets grouped by key id. Groups follow the
	// order in which each key id first appeared.
	Data []DataGroup

	// Dropped is the number of packets that were not even a header.
	Dropped int
}

// Service is the packetmuxer service. Construct with [New] and then invoke
// [Service.StartWorkers].
type Service struct {
	link    Link
	obfs    *obfs.Obfuscator
	logger  model.Logger
	manager *workers.Manager

	muxerToSession chan *Batch
	readErr        chan error
}

// New returns a [Service] over link. A nil obfuscator disables scrambling.
func New(link Link, obfuscator *obfs.Obfuscator, logger model.Logger) *Service {
	if logger == nil {
		logger = model.DiscardLogger{}
	}
	return &Service{
		link:           link,
		obfs:           obfuscator,
		logger:         logger,
		manager:        workers.NewManager(logger),
		muxerToSession: make(chan *Batch),
		readErr:        make(chan error, 1),
	}
}

// StartWorkers starts the worker reading from the link. It stops when ctx
// is done or when [Service.Stop] is called.
func (s *Service) StartWorkers(ctx context.Context) {
	s.manager.StartWorker(func() { s.moveUpWorker(ctx) })
}

// Batches returns the channel of incoming batches.
func (s *Service) Batches() <-chan *Batch {
	return s.muxerToSession
}

// Errors returns the channel receiving the read error that stopped the
// worker. A canceled context is not reported.
func (s *Service) Errors() <-chan error {
	return s.readErr
}

// Stop stops the worker and waits for it.
func (s *Service) Stop() {
	s.manager.StartShutdown()
	s.manager.WaitWorkersShutdown()
}

// WritePackets scrambles and writes raw packets to the link.
func (s *Service) WritePackets(raw [][]byte) error {
	if len(raw) == 0 {
		return nil
	}
	if err := s.link.WritePackets(s.obfs.ApplyAll(raw)); err != nil {
		return fmt.Errorf("%w: %w", ErrFailedLinkWrite, err)
	}
	return nil
}

// Demux unscrambles raw packets and splits them by channel.
func (s *Service) Demux(raw [][]byte) *Batch {
	batch := &Batch{}
	groups := make(map[byte]int)
	for _, p := range s.obfs.UnapplyAll(raw) {
		op, keyID, err := wire.PeekHeader(p)
		if err != nil {
			s.logger.Debugf("%s: dropping packet: %s", serviceName, err.Error())
			batch.Dropped++
			continue
		}
		if !op.IsData() {
			batch.Control = append(batch.Control, p)
			continue
		}
		idx, found := groups[keyID]
		if !found {
			idx = len(batch.Data)
			groups[keyID] = idx
			batch.Data = append(batch.Data, DataGroup{KeyID: keyID})
		}
		batch.Data[idx].Packets = append(batch.Data[idx].Packets, p)
	}
	return batch
}

// moveUpWorker moves packets up the stack
func (s *Service) moveUpWorker(ctx context.Context) {
	workerName := fmt.Sprintf("%s: moveUpWorker", serviceName)

	defer s.manager.OnWorkerDone(workerName)

	s.logger.Debugf("%s: started", workerName)

	for {
		// POSSIBLY BLOCK awaiting for incoming raw packets
		raw, err := s.link.ReadPackets(ctx)
		if err != nil {
			if ctx.Err() == nil {
				select {
				case s.readErr <- err:
				default:
				}
			}
			return
		}

		// POSSIBLY BLOCK on delivering the batch to the session loop
		select {
		case s.muxerToSession <- s.Demux(raw):
		case <-s.manager.ShouldShutdown():
			return
		case <-ctx.Done():
			return
		}
	}
}
