// Package tun adapts a TUN device to the packet-oriented tunnel used by the
// session controller.
package tun

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/songgao/water"

	"github.com/6ccg/vpncore/internal/model"
	"github.com/6ccg/vpncore/internal/workers"
)

var serviceName = "tun"

// ErrOpen is returned when the TUN device cannot be created.
var ErrOpen = errors.New("tun: cannot open device")

// maxBatchSize is the largest number of packets returned by one
// ReadPackets call.
const maxBatchSize = 64

// Option configures a [Device].
type Option func(*Device)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger model.Logger) Option {
	return func(d *Device) {
		d.logger = logger
	}
}

// Device is a TUN device. Packets read from the device that are not
// well-formed IPv4 or IPv6 are dropped before they reach the session.
type Device struct {
	dev     io.ReadWriteCloser
	name    string
	logger  model.Logger
	manager *workers.Manager

	tunToSession chan []byte
	readerDone   chan struct{}
	readErr      error

	startOnce sync.Once
	closeOnce sync.Once
	writeMu   sync.Mutex
}

// Open creates a TUN device. An empty name lets the system choose.
func Open(name string, opts ...Option) (*Device, error) {
	cfg := water.Config{DeviceType: water.TUN}
	setName(&cfg, name)
	iface, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrOpen, err)
	}
	return newDevice(iface, iface.Name(), opts...), nil
}

func newDevice(dev io.ReadWriteCloser, name string, opts ...Option) *Device {
	d := &Device{
		dev:          dev,
		name:         name,
		logger:       model.DiscardLogger{},
		tunToSession: make(chan []byte, maxBatchSize),
		readerDone:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.manager = workers.NewManager(d.logger)
	return d
}

// Name returns the name of the device.
func (d *Device) Name() string {
	return d.name
}

// ReadPackets blocks until at least one packet is available and returns
// every packet read so far, up to a batch limit.
func (d *Device) ReadPackets(ctx context.Context) ([][]byte, error) {
	d.startOnce.Do(func() {
		d.manager.StartWorker(d.moveDownWorker)
	})

	select {
	case pkt := <-d.tunToSession:
		return d.batch(pkt), nil

	case <-d.readerDone:
		select {
		case pkt := <-d.tunToSession:
			return d.batch(pkt), nil
		default:
			return nil, d.readErr
		}

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (d *Device) batch(pkt []byte) [][]byte {
	batch := [][]byte{pkt}
	for len(batch) < maxBatchSize {
		select {
		case pkt := <-d.tunToSession:
			batch = append(batch, pkt)
		default:
			return batch
		}
	}
	return batch
}

// WritePackets writes decrypted packets to the device.
func (d *Device) WritePackets(packets [][]byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	for _, pkt := range packets {
		if _, err := d.dev.Write(pkt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the device and waits for the reader to exit.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.manager.StartShutdown()
		err = d.dev.Close()
		d.manager.WaitWorkersShutdown()
	})
	return err
}

// moveDownWorker reads packets from the device and moves them down the
// stack towards the link.
func (d *Device) moveDownWorker() {
	workerName := fmt.Sprintf("%s: moveDownWorker", serviceName)

	defer func() {
		d.manager.OnWorkerDone(workerName)
		close(d.readerDone)
	}()

	d.logger.Debugf("%s: started", workerName)

	buf := make([]byte, math.MaxUint16)
	for {
		select {
		case <-d.manager.ShouldShutdown():
			d.readErr = net.ErrClosed
			return
		default:
		}

		// POSSIBLY BLOCK on the device to read a new packet
		count, err := d.dev.Read(buf)
		if err != nil {
			d.logger.Infof("%s: Read: %s", workerName, err.Error())
			d.readErr = err
			return
		}
		if err := validatePacket(buf[:count]); err != nil {
			d.logger.Debugf("%s: drop packet: %s", workerName, err.Error())
			continue
		}
		pkt := append([]byte{}, buf[:count]...)

		// POSSIBLY BLOCK on the channel to deliver the packet
		select {
		case d.tunToSession <- pkt:
		case <-d.manager.ShouldShutdown():
			d.readErr = net.ErrClosed
			return
		}
	}
}

// errNotIP is returned for packets that are neither IPv4 nor IPv6.
var errNotIP = errors.New("not an IP packet")

// validatePacket decodes the network layer of a packet read from the
// device.
func validatePacket(data []byte) error {
	if len(data) == 0 {
		return errNotIP
	}
	var layerType gopacket.LayerType
	switch data[0] >> 4 {
	case 4:
		layerType = layers.LayerTypeIPv4
	case 6:
		layerType = layers.LayerTypeIPv6
	default:
		return fmt.Errorf("%w: version %d", errNotIP, data[0]>>4)
	}
	packet := gopacket.NewPacket(data, layerType, gopacket.DecodeOptions{NoCopy: true})
	if packet.NetworkLayer() != nil {
		return nil
	}
	if errLayer := packet.ErrorLayer(); errLayer != nil {
		return errLayer.Error()
	}
	return errNotIP
}
