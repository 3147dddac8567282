// Package datachannel implements the OpenVPN data channel: key derivation,
// packet encryption and decryption, and compression framing.
package datachannel

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/6ccg/vpncore/internal/bytesx"
	"github.com/6ccg/vpncore/internal/model"
	"github.com/6ccg/vpncore/internal/replay"
	"github.com/6ccg/vpncore/pkg/config"
)

// ErrEncryptionData wraps every encryption and decryption failure.
var ErrEncryptionData = errors.New("data channel encryption error")

// MaxDecryptFailures is the default number of consecutive decryption
// failures after which the session should reconnect.
const MaxDecryptFailures = 10

// CodecOptions configures a [Codec].
type CodecOptions struct {
	// Cipher is the negotiated data cipher.
	Cipher config.Cipher

	// Digest is the HMAC digest used by CBC ciphers.
	Digest config.Digest

	// CompressionFraming is the framing of plaintext payloads.
	CompressionFraming config.CompressionFraming

	// PeerID selects P_DATA_V2 with the given peer id. With nil, packets
	// use P_DATA_V1.
	PeerID *uint32

	// KeyID is the key id written in the header of outgoing packets.
	KeyID byte

	// ReplayProtection rejects packet ids that are not newer than the
	// highest accepted one.
	ReplayProtection bool

	// Server derives the keys as the server side of the session: the
	// session ids of the key expansion are swapped, and so are the
	// sending and receiving keys.
	Server bool

	// Logger is the logger to use. When nil, nothing is logged.
	Logger model.Logger
}

// Codec encrypts and decrypts data channel packets with one negotiated key.
// It is safe for concurrent use.
type Codec struct {
	opts   CodecOptions
	logger model.Logger
	keys   *keyMaterial

	mu       sync.Mutex
	local    *sealer
	remote   *sealer
	packetID model.PacketID
	replay   *replay.Filter
	disposed bool
}

// NewCodec derives the data channel keys and returns a ready [Codec].
func NewCodec(opts CodecOptions, src KeySource, localSessionID, remoteSessionID model.SessionID) (*Codec, error) {
	var (
		keys *keyMaterial
		err  error
	)
	if opts.Server {
		keys, err = deriveKeyMaterial(&src, remoteSessionID, localSessionID)
		if err == nil {
			keys.swap()
		}
	} else {
		keys, err = deriveKeyMaterial(&src, localSessionID, remoteSessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncryptionData, err)
	}
	local, err := newSealer(opts.Cipher, opts.Digest, keys.cipherKeyLocal, keys.hmacKeyLocal)
	if err != nil {
		keys.clear()
		return nil, fmt.Errorf("%w: %w", ErrEncryptionData, err)
	}
	remote, err := newSealer(opts.Cipher, opts.Digest, keys.cipherKeyRemote, keys.hmacKeyRemote)
	if err != nil {
		keys.clear()
		return nil, fmt.Errorf("%w: %w", ErrEncryptionData, err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = model.DiscardLogger{}
	}
	c := &Codec{
		opts:   opts,
		logger: logger,
		keys:   keys,
		local:  local,
		remote: remote,
	}
	if opts.ReplayProtection {
		c.replay = replay.NewFilter()
	}
	return c, nil
}

// opcode returns the data opcode of outgoing packets.
func (c *Codec) opcode() model.Opcode {
	if c.opts.PeerID != nil {
		return model.P_DATA_V2
	}
	return model.P_DATA_V1
}

// header returns the opcode byte, followed by the peer id for P_DATA_V2.
func (c *Codec) header() []byte {
	op := c.opcode()
	first := byte(op)<<3 | c.opts.KeyID&0x07
	if op != model.P_DATA_V2 {
		return []byte{first}
	}
	peerID := *c.opts.PeerID
	return []byte{first, byte(peerID >> 16), byte(peerID >> 8), byte(peerID)}
}

// nextPacketID returns the id of the next outgoing packet. Ids start at 1
// and never wrap.
func (c *Codec) nextPacketID() (model.PacketID, error) {
	if c.packetID == math.MaxUint32 {
		return 0, fmt.Errorf("%w: packet id space exhausted", ErrEncryptionData)
	}
	c.packetID++
	return c.packetID, nil
}

// Encode frames and encrypts the given tunnel packets.
func (c *Codec) Encode(packets [][]byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, fmt.Errorf("%w: codec disposed", ErrEncryptionData)
	}
	out := make([][]byte, 0, len(packets))
	for _, p := range packets {
		framed, err := doCompress(p, c.opts.CompressionFraming)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncryptionData, err)
		}
		id, err := c.nextPacketID()
		if err != nil {
			return nil, err
		}
		var encrypted []byte
		if c.local.isAEAD() {
			encrypted, err = encryptAndEncodePayloadAEAD(c.header(), id, framed, c.local)
		} else {
			encrypted, err = encryptAndEncodePayloadNonAEAD(c.header(), id, framed, c.local)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncryptionData, err)
		}
		out = append(out, encrypted)
	}
	return out, nil
}

// Decode decrypts the given link packets and removes their framing. Pings
// are consumed. Replayed packets are dropped. Any other failure aborts the
// batch.
func (c *Codec) Decode(packets [][]byte) ([][]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return nil, fmt.Errorf("%w: codec disposed", ErrEncryptionData)
	}
	out := make([][]byte, 0, len(packets))
	for _, p := range packets {
		var (
			id    model.PacketID
			plain []byte
			err   error
		)
		if c.remote.isAEAD() {
			id, plain, err = decodeEncryptedPayloadAEAD(p, c.remote)
		} else {
			id, plain, err = decodeEncryptedPayloadNonAEAD(p, c.remote)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncryptionData, err)
		}
		if c.replay != nil {
			if err := c.replay.Check(id); err != nil {
				c.logger.Debugf("datachannel: drop packet id=%d: %s", id, err.Error())
				continue
			}
		}
		payload, err := maybeDecompress(plain, c.opts.CompressionFraming)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrEncryptionData, err)
		}
		if IsPing(payload) {
			c.logger.Debug("datachannel: got ping")
			continue
		}
		out = append(out, payload)
	}
	return out, nil
}

// Dispose zeroes the keys. The codec is unusable afterwards.
func (c *Codec) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return
	}
	c.disposed = true
	c.keys.clear()
	bytesx.Zero(c.local.implicitIV)
	bytesx.Zero(c.remote.implicitIV)
	c.local, c.remote = nil, nil
}
