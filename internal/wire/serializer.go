package wire

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	_ "crypto/sha1" // registers crypto.SHA1
	"crypto/sha256"
	_ "crypto/sha512" // registers crypto.SHA384 and crypto.SHA512
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/6ccg/vpncore/internal/model"
	"github.com/6ccg/vpncore/internal/replay"
)

// ErrControlChannel is returned when a wrapped control packet is too short
// or fails authentication.
var ErrControlChannel = errors.New("openvpn: control channel error")

// replayLength is the packet id plus the timestamp prepended by tls-auth and
// tls-crypt.
const replayLength = 4 + 4

// tlsCryptTagLength is the size of the HMAC-SHA256 tag used by tls-crypt.
const tlsCryptTagLength = sha256.Size

// tlsCryptKeyLength is the portion of each static sub-key used by tls-crypt.
const tlsCryptKeyLength = 32

// Serializer turns control packets into raw link packets and back.
type Serializer interface {
	// Serialize encodes the packet for the wire.
	Serialize(p *model.Packet) ([]byte, error)

	// Deserialize decodes and, if the strategy has keys, authenticates a
	// raw packet.
	Deserialize(b []byte) (*model.Packet, error)

	// Reset clears any replay state in both directions.
	Reset()
}

// NewPlainSerializer returns the [Serializer] for unwrapped control packets.
func NewPlainSerializer() Serializer {
	return plainSerializer{}
}

type plainSerializer struct{}

func (plainSerializer) Serialize(p *model.Packet) ([]byte, error) {
	return MarshalPacket(p)
}

func (plainSerializer) Deserialize(b []byte) (*model.Packet, error) {
	return UnmarshalPacket(b)
}

func (plainSerializer) Reset() {}

// replayState is the replay protection shared by tls-auth and tls-crypt.
type replayState struct {
	outgoing model.PacketID
	filter   *replay.Filter
	now      func() time.Time
}

func newReplayState() replayState {
	return replayState{
		filter: replay.NewFilter(replay.WithWindow()),
		now:    time.Now,
	}
}

// next returns the replay id and timestamp for the next outgoing packet.
func (r *replayState) next() []byte {
	r.outgoing++
	buf := make([]byte, 0, replayLength)
	buf = binary.BigEndian.AppendUint32(buf, uint32(r.outgoing))
	return binary.BigEndian.AppendUint32(buf, uint32(r.now().Unix()))
}

// check verifies the replay id and timestamp of an authenticated packet.
func (r *replayState) check(b []byte) error {
	id := model.PacketID(binary.BigEndian.Uint32(b[:4]))
	ts := model.PacketTimestamp(binary.BigEndian.Uint32(b[4:8]))
	if err := r.filter.CheckWithTimestamp(id, ts); err != nil {
		return fmt.Errorf("%w: %s", ErrControlChannel, err)
	}
	return nil
}

func (r *replayState) reset() {
	r.outgoing = 0
	r.filter.Reset()
}

// tlsAuthSerializer signs every control packet with an HMAC keyed by the
// static key. The wire layout is header, HMAC, replay id, timestamp and
// control message. The HMAC covers the replay fields, the header and the
// control message in that order.
type tlsAuthSerializer struct {
	digest  crypto.Hash
	sendKey []byte
	recvKey []byte
	replay  replayState
}

// NewTLSAuthSerializer returns the tls-auth [Serializer]. A zero digest
// selects SHA1.
func NewTLSAuthSerializer(key *StaticKey, dir KeyDirection, digest crypto.Hash) (Serializer, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: missing tls-auth key", ErrBadStaticKey)
	}
	if digest == 0 {
		digest = crypto.SHA1
	}
	if !digest.Available() {
		return nil, fmt.Errorf("%w: unsupported tls-auth digest %s", ErrControlChannel, digest)
	}
	return &tlsAuthSerializer{
		digest:  digest,
		sendKey: key.HMACSendKey(dir)[:digest.Size()],
		recvKey: key.HMACReceiveKey(dir)[:digest.Size()],
		replay:  newReplayState(),
	}, nil
}

func (s *tlsAuthSerializer) sign(key, replayBytes, header, body []byte) []byte {
	mac := hmac.New(s.digest.New, key)
	mac.Write(replayBytes)
	mac.Write(header)
	mac.Write(body)
	return mac.Sum(nil)
}

func (s *tlsAuthSerializer) Serialize(p *model.Packet) ([]byte, error) {
	if !p.Opcode.IsControl() {
		return nil, fmt.Errorf("%w: cannot marshal %s", ErrMalformedPacket, p.Opcode)
	}
	header := marshalHeader(p)
	body, err := marshalControlMessage(p)
	if err != nil {
		return nil, err
	}
	replayBytes := s.replay.next()
	mac := s.sign(s.sendKey, replayBytes, header, body)
	out := make([]byte, 0, len(header)+len(mac)+len(replayBytes)+len(body))
	out = append(out, header...)
	out = append(out, mac...)
	out = append(out, replayBytes...)
	return append(out, body...), nil
}

func (s *tlsAuthSerializer) Deserialize(b []byte) (*model.Packet, error) {
	macSize := s.digest.Size()
	if len(b) < headerLength+macSize+replayLength {
		return nil, fmt.Errorf("%w: short tls-auth envelope (%d bytes)", ErrControlChannel, len(b))
	}
	p, rest, err := unmarshalHeader(b)
	if err != nil {
		return nil, err
	}
	got := rest[:macSize]
	replayBytes := rest[macSize : macSize+replayLength]
	body := rest[macSize+replayLength:]
	want := s.sign(s.recvKey, replayBytes, b[:headerLength], body)
	if !hmac.Equal(got, want) {
		return nil, fmt.Errorf("%w: tls-auth HMAC mismatch", ErrControlChannel)
	}
	if err := s.replay.check(replayBytes); err != nil {
		return nil, err
	}
	if err := unmarshalControlMessage(p, body); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *tlsAuthSerializer) Reset() {
	s.replay.reset()
}

// tlsCryptSerializer authenticates and encrypts every control packet. The
// wire layout is header, replay id, timestamp, HMAC-SHA256 tag and the
// AES-256-CTR encrypted control message. The tag is computed over the
// plaintext and its first 16 bytes are the CTR IV.
type tlsCryptSerializer struct {
	encrypt cipher.Block
	decrypt cipher.Block
	sendKey []byte
	recvKey []byte
	replay  replayState
}

// NewTLSCryptSerializer returns the tls-crypt [Serializer]. Clients always
// use the client key direction.
func NewTLSCryptSerializer(key *StaticKey) (Serializer, error) {
	return newTLSCryptSerializer(key, KeyDirectionClient)
}

// NewTLSCryptServerSerializer returns the tls-crypt [Serializer] of the
// server side, which uses the sub-keys in the opposite direction.
func NewTLSCryptServerSerializer(key *StaticKey) (Serializer, error) {
	return newTLSCryptSerializer(key, KeyDirectionServer)
}

func newTLSCryptSerializer(key *StaticKey, dir KeyDirection) (*tlsCryptSerializer, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: missing tls-crypt key", ErrBadStaticKey)
	}
	enc, err := aes.NewCipher(key.CipherEncryptKey(dir)[:tlsCryptKeyLength])
	if err != nil {
		return nil, err
	}
	dec, err := aes.NewCipher(key.CipherDecryptKey(dir)[:tlsCryptKeyLength])
	if err != nil {
		return nil, err
	}
	return &tlsCryptSerializer{
		encrypt: enc,
		decrypt: dec,
		sendKey: key.HMACSendKey(dir)[:tlsCryptKeyLength],
		recvKey: key.HMACReceiveKey(dir)[:tlsCryptKeyLength],
		replay:  newReplayState(),
	}, nil
}

func tlsCryptTag(key, header, replayBytes, body []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(header)
	mac.Write(replayBytes)
	mac.Write(body)
	return mac.Sum(nil)
}

func (s *tlsCryptSerializer) Serialize(p *model.Packet) ([]byte, error) {
	if !p.Opcode.IsControl() {
		return nil, fmt.Errorf("%w: cannot marshal %s", ErrMalformedPacket, p.Opcode)
	}
	header := marshalHeader(p)
	body, err := marshalControlMessage(p)
	if err != nil {
		return nil, err
	}
	replayBytes := s.replay.next()
	tag := tlsCryptTag(s.sendKey, header, replayBytes, body)
	out := make([]byte, len(header)+len(replayBytes)+len(tag)+len(body))
	n := copy(out, header)
	n += copy(out[n:], replayBytes)
	n += copy(out[n:], tag)
	cipher.NewCTR(s.encrypt, tag[:aes.BlockSize]).XORKeyStream(out[n:], body)
	return out, nil
}

func (s *tlsCryptSerializer) Deserialize(b []byte) (*model.Packet, error) {
	if len(b) < headerLength+replayLength+tlsCryptTagLength {
		return nil, fmt.Errorf("%w: short tls-crypt envelope (%d bytes)", ErrControlChannel, len(b))
	}
	p, rest, err := unmarshalHeader(b)
	if err != nil {
		return nil, err
	}
	replayBytes := rest[:replayLength]
	tag := rest[replayLength : replayLength+tlsCryptTagLength]
	ciphertext := rest[replayLength+tlsCryptTagLength:]
	body := make([]byte, len(ciphertext))
	cipher.NewCTR(s.decrypt, tag[:aes.BlockSize]).XORKeyStream(body, ciphertext)
	want := tlsCryptTag(s.recvKey, b[:headerLength], replayBytes, body)
	if !hmac.Equal(tag, want) {
		return nil, fmt.Errorf("%w: tls-crypt tag mismatch", ErrControlChannel)
	}
	if err := s.replay.check(replayBytes); err != nil {
		return nil, err
	}
	if err := unmarshalControlMessage(p, body); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *tlsCryptSerializer) Reset() {
	s.replay.reset()
}
