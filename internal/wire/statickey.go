package wire

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// StaticKeyLength is the size of an OpenVPN static key.
const StaticKeyLength = 256

// subKeyLength is the size of each of the four sub-keys.
const subKeyLength = 64

const (
	staticKeyHead = "-----BEGIN OpenVPN Static key V1-----"
	staticKeyFoot = "-----END OpenVPN Static key V1-----"
)

// ErrBadStaticKey is returned when a static key block cannot be parsed.
var ErrBadStaticKey = errors.New("openvpn: bad static key")

// KeyDirection selects which static sub-keys are used in each direction.
type KeyDirection int

const (
	// KeyDirectionNone uses the same HMAC key in both directions.
	KeyDirectionNone = KeyDirection(-1)

	// KeyDirectionServer is "key-direction 0".
	KeyDirectionServer = KeyDirection(0)

	// KeyDirectionClient is "key-direction 1".
	KeyDirectionClient = KeyDirection(1)
)

// StaticKey is the pre-shared key used by tls-auth and tls-crypt. It is made
// of four 64-byte sub-keys: cipher and HMAC for one direction, then cipher and
// HMAC for the other.
type StaticKey struct {
	data [StaticKeyLength]byte
}

// NewStaticKey creates a [StaticKey] from raw bytes.
func NewStaticKey(b []byte) (*StaticKey, error) {
	if len(b) != StaticKeyLength {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrBadStaticKey, StaticKeyLength, len(b))
	}
	k := &StaticKey{}
	copy(k.data[:], b)
	return k, nil
}

// ParseStaticKey parses the PEM-like hex block written by
// "openvpn --genkey". Comment lines are ignored.
func ParseStaticKey(block string) (*StaticKey, error) {
	var (
		hexdata strings.Builder
		inside  bool
		closed  bool
	)
	for _, line := range strings.Split(block, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == staticKeyHead:
			inside = true
		case line == staticKeyFoot:
			if !inside {
				return nil, fmt.Errorf("%w: footer before header", ErrBadStaticKey)
			}
			inside, closed = false, true
		case inside:
			hexdata.WriteString(line)
		}
	}
	if !closed {
		return nil, fmt.Errorf("%w: missing header or footer", ErrBadStaticKey)
	}
	raw, err := hex.DecodeString(hexdata.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadStaticKey, err)
	}
	return NewStaticKey(raw)
}

func (k *StaticKey) subKey(idx int) []byte {
	return k.data[idx*subKeyLength : (idx+1)*subKeyLength]
}

// CipherEncryptKey returns the sub-key used to encrypt outgoing packets.
func (k *StaticKey) CipherEncryptKey(dir KeyDirection) []byte {
	switch dir {
	case KeyDirectionClient:
		return k.subKey(2)
	default:
		return k.subKey(0)
	}
}

// CipherDecryptKey returns the sub-key used to decrypt incoming packets.
func (k *StaticKey) CipherDecryptKey(dir KeyDirection) []byte {
	switch dir {
	case KeyDirectionServer:
		return k.subKey(2)
	default:
		return k.subKey(0)
	}
}

// HMACSendKey returns the sub-key used to sign outgoing packets.
func (k *StaticKey) HMACSendKey(dir KeyDirection) []byte {
	switch dir {
	case KeyDirectionClient:
		return k.subKey(3)
	default:
		return k.subKey(1)
	}
}

// HMACReceiveKey returns the sub-key used to verify incoming packets.
func (k *StaticKey) HMACReceiveKey(dir KeyDirection) []byte {
	switch dir {
	case KeyDirectionServer:
		return k.subKey(3)
	default:
		return k.subKey(1)
	}
}

// Bytes returns a copy of the raw key.
func (k *StaticKey) Bytes() []byte {
	out := make([]byte, StaticKeyLength)
	copy(out, k.data[:])
	return out
}
