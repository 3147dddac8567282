// Package bytesx provides functions operating on bytes.
//
// Specifically we implement these operations:
//
// 1. generating random bytes;
//
// 2. OpenVPN options encoding and decoding;
//
// 3. PKCS#7 padding and unpadding;
//
// 4. wiping secret material.
package bytesx

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrEncodeOption indicates an option encoding error occurred.
	ErrEncodeOption = errors.New("can't encode option")

	// ErrDecodeOption indicates an option decoding error occurred.
	ErrDecodeOption = errors.New("can't decode option")

	// ErrPaddingPKCS7 indicates that a PKCS#7 padding error has occurred.
	ErrPaddingPKCS7 = errors.New("PKCS#7 padding error")

	// ErrUnpaddingPKCS7 indicates that a PKCS#7 unpadding error has occurred.
	ErrUnpaddingPKCS7 = errors.New("PKCS#7 unpadding error")
)

// GenRandomBytes returns an array of bytes with the given size using
// a CSRNG, on success, or an error, in case of failure.
func GenRandomBytes(size int) ([]byte, error) {
	b := make([]byte, size)
	_, err := rand.Read(b)
	return b, err
}

// EncodeOptionStringToBytes is used to encode the options string, username and password.
//
// According to the OpenVPN protocol, they are represented as a two-byte
// length in big-endian order followed by a null-terminated string.
func EncodeOptionStringToBytes(s string) ([]byte, error) {
	if len(s)+1 > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %s", ErrEncodeOption, "string too large")
	}
	data := make([]byte, 2+len(s)+1)
	binary.BigEndian.PutUint16(data[:2], uint16(len(s))+1)
	copy(data[2:], s)
	return data, nil
}

// DecodeOptionStringFromBytes returns the string-value for the null-terminated string
// returned by EncodeOptionStringToBytes. The string must have at least
// two bytes (the length header).
func DecodeOptionStringFromBytes(b []byte) (string, error) {
	if len(b) < 2 {
		return "", fmt.Errorf("%w: expected at least two bytes", ErrDecodeOption)
	}
	length := int(binary.BigEndian.Uint16(b[:2]))
	b = b[2:]
	if len(b) != length {
		return "", fmt.Errorf("%w: expected %d bytes, got %d", ErrDecodeOption, length, len(b))
	}
	if len(b) <= 0 || b[len(b)-1] != 0x00 {
		return "", fmt.Errorf("%w: missing trailing NUL", ErrDecodeOption)
	}
	return string(b[:len(b)-1]), nil
}

// NullTerminatedString returns the string preceding the first NUL byte in
// b, and the number of bytes it spans including the NUL. It returns false
// when b contains no NUL byte.
func NullTerminatedString(b []byte) (string, int, bool) {
	idx := bytes.IndexByte(b, 0x00)
	if idx < 0 {
		return "", 0, false
	}
	return string(b[:idx]), idx + 1, true
}

// BytesUnpadPKCS7 performs the PKCS#7 unpadding of a byte array.
func BytesUnpadPKCS7(b []byte, blockSize int) ([]byte, error) {
	if blockSize > math.MaxUint8 || blockSize <= 0 {
		return nil, fmt.Errorf("%w: invalid block size: %d", ErrUnpaddingPKCS7, blockSize)
	}
	if len(b) <= 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrUnpaddingPKCS7)
	}
	if len(b)%blockSize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of %d", ErrUnpaddingPKCS7, len(b), blockSize)
	}
	psiz := int(b[len(b)-1])
	if psiz <= 0 || psiz > blockSize || psiz > len(b) {
		return nil, fmt.Errorf("%w: invalid padding size %d", ErrUnpaddingPKCS7, psiz)
	}
	for _, c := range b[len(b)-psiz:] {
		if int(c) != psiz {
			return nil, fmt.Errorf("%w: inconsistent padding", ErrUnpaddingPKCS7)
		}
	}
	return b[:len(b)-psiz], nil
}

// BytesPadPKCS7 returns the PKCS#7 padding of a byte array.
func BytesPadPKCS7(b []byte, blockSize int) ([]byte, error) {
	if blockSize > math.MaxUint8 || blockSize <= 0 {
		return nil, fmt.Errorf("%w: invalid block size: %d", ErrPaddingPKCS7, blockSize)
	}
	// If lth mod blockSize == 0, then the input gets appended a whole block size
	// See https://datatracker.ietf.org/doc/html/rfc5652#section-6.3
	psiz := blockSize - len(b)%blockSize
	out := make([]byte, len(b)+psiz)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(psiz)
	}
	return out, nil
}

// Zero overwrites b with zeroes.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// HexPrefix returns the hex encoding of at most n leading bytes of b, for
// logging.
func HexPrefix(b []byte, n int) string {
	if len(b) > n {
		return hex.EncodeToString(b[:n]) + "..."
	}
	return hex.EncodeToString(b)
}
