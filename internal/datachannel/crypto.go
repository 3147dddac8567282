package datachannel

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	_ "crypto/sha256" // registers SHA-224 and SHA-256
	_ "crypto/sha512" // registers SHA-384 and SHA-512
	"errors"
	"fmt"
	"hash"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/6ccg/vpncore/pkg/config"
)

var (
	// ErrUnsupportedCipher is returned for ciphers we cannot build.
	ErrUnsupportedCipher = errors.New("unsupported cipher")

	// ErrUnsupportedDigest is returned for digests we cannot build.
	ErrUnsupportedDigest = errors.New("unsupported digest")
)

const (
	// masterSecretLength is the size of the key-method 2 master secret.
	masterSecretLength = 48

	// keyBlockLength is the size of the key expansion: cipher and HMAC keys
	// for both directions, 64 bytes each.
	keyBlockLength = 256

	// aeadTagLength is the size of the GCM and Poly1305 tags.
	aeadTagLength = 16

	// aeadImplicitIVLength is the part of the nonce taken from the HMAC key.
	aeadImplicitIVLength = 8
)

var (
	masterSecretLabel = []byte("OpenVPN master secret")
	keyExpansionLabel = []byte("OpenVPN key expansion")
)

// pHash is P_hash from RFC 2246, section 5.
func pHash(result, secret, seed []byte, newHash func() hash.Hash) {
	h := hmac.New(newHash, secret)
	h.Write(seed)
	a := h.Sum(nil)

	for j := 0; j < len(result); {
		h.Reset()
		h.Write(a)
		h.Write(seed)
		b := h.Sum(nil)
		j += copy(result[j:], b)

		h.Reset()
		h.Write(a)
		a = h.Sum(nil)
	}
}

// prf is the TLS 1.0 PRF that OpenVPN uses to expand the key material:
// P_MD5 over the first half of the secret XOR P_SHA1 over the second half.
func prf(secret, label, clientSeed, serverSeed, clientSid, serverSid []byte, olen int) []byte {
	seed := make([]byte, 0, len(label)+len(clientSeed)+len(serverSeed)+len(clientSid)+len(serverSid))
	seed = append(seed, label...)
	seed = append(seed, clientSeed...)
	seed = append(seed, serverSeed...)
	seed = append(seed, clientSid...)
	seed = append(seed, serverSid...)

	half := (len(secret) + 1) / 2
	s1 := secret[:half]
	s2 := secret[len(secret)-half:]

	out := make([]byte, olen)
	pHash(out, s1, seed, md5.New)
	tmp := make([]byte, olen)
	pHash(tmp, s2, seed, sha1.New)
	for i := range out {
		out[i] ^= tmp[i]
	}
	return out
}

// sealer is one direction of the data channel cipher.
type sealer struct {
	// CBC mode
	block cipher.Block
	mac   hash.Hash

	// AEAD mode
	aead       cipher.AEAD
	implicitIV []byte
}

// newSealer builds one direction from the key expansion slices.
func newSealer(c config.Cipher, d config.Digest, cipherKey, hmacKey []byte) (*sealer, error) {
	keyLength := c.KeySize() / 8
	if !c.IsSupported() || keyLength == 0 || keyLength > len(cipherKey) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCipher, c)
	}
	key := cipherKey[:keyLength]

	if c.IsAEAD() {
		var (
			aead cipher.AEAD
			err  error
		)
		if c == config.CipherChaCha20Poly1305 {
			aead, err = chacha20poly1305.New(key)
		} else {
			var block cipher.Block
			if block, err = aes.NewCipher(key); err == nil {
				aead, err = cipher.NewGCM(block)
			}
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedCipher, err)
		}
		return &sealer{
			aead:       aead,
			implicitIV: append([]byte{}, hmacKey[:aeadImplicitIVLength]...),
		}, nil
	}

	digest := d.Hash()
	if digest == 0 || !digest.Available() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDigest, d)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCipher, err)
	}
	return &sealer{
		block: block,
		mac:   hmac.New(digest.New, hmacKey[:digest.Size()]),
	}, nil
}

func (s *sealer) isAEAD() bool {
	return s.aead != nil
}

// nonce returns the AEAD nonce: packet id followed by the implicit IV.
func (s *sealer) nonce(packetID []byte) []byte {
	nonce := make([]byte, 0, len(packetID)+len(s.implicitIV))
	nonce = append(nonce, packetID...)
	return append(nonce, s.implicitIV...)
}

// sign returns the HMAC of the concatenation of parts.
func (s *sealer) sign(parts ...[]byte) []byte {
	s.mac.Reset()
	for _, p := range parts {
		s.mac.Write(p)
	}
	return s.mac.Sum(nil)
}
