package datachannel

//
// Functions for decoding & decrypting packets
//

import (
	"crypto/cipher"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/6ccg/vpncore/internal/bytesx"
	"github.com/6ccg/vpncore/internal/model"
)

var (
	ErrTooShort      = errors.New("too short")
	ErrBadOpcode     = errors.New("not a data packet")
	ErrBadHMAC       = errors.New("bad remote hmac")
	ErrCannotDecrypt = errors.New("cannot decrypt")
)

// splitHeader returns the opcode header (with the peer id for P_DATA_V2)
// and the rest of the packet.
func splitHeader(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, fmt.Errorf("%w: empty packet", ErrTooShort)
	}
	switch model.Opcode(buf[0] >> 3) {
	case model.P_DATA_V1:
		return buf[:1], buf[1:], nil
	case model.P_DATA_V2:
		if len(buf) < 4 {
			return nil, nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(buf))
		}
		return buf[:4], buf[4:], nil
	default:
		return nil, nil, fmt.Errorf("%w: opcode %d", ErrBadOpcode, buf[0]>>3)
	}
}

// decodeEncryptedPayloadAEAD authenticates and decrypts an AEAD packet.
//
//	P_DATA_V2 GCM data channel crypto format
//	48000001 00000005 7e7046bd 444a7e28 cc6387b1 64a4d6c1 380275a...
//	[ OP32 ] [seq # ] [             auth tag            ] [ payload ... ]
func decodeEncryptedPayloadAEAD(buf []byte, s *sealer) (model.PacketID, []byte, error) {
	header, body, err := splitHeader(buf)
	if err != nil {
		return 0, nil, err
	}
	if len(body) < 4+aeadTagLength {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(buf))
	}
	packetID := body[:4]
	tag := body[4 : 4+aeadTagLength]
	ciphertext := body[4+aeadTagLength:]

	// Swap tag|payload -> payload|tag
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := s.aead.Open(nil, s.nonce(packetID), sealed, aeadAdditionalData(header, packetID))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s", ErrCannotDecrypt, err)
	}
	return model.PacketID(binary.BigEndian.Uint32(packetID)), plaintext, nil
}

// decodeEncryptedPayloadNonAEAD authenticates and decrypts a CBC packet.
func decodeEncryptedPayloadNonAEAD(buf []byte, s *sealer) (model.PacketID, []byte, error) {
	_, body, err := splitHeader(buf)
	if err != nil {
		return 0, nil, err
	}
	hashSize := s.mac.Size()
	blockSize := s.block.BlockSize()
	if len(body) < hashSize+2*blockSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrTooShort, len(buf))
	}

	receivedHMAC := body[:hashSize]
	iv := body[hashSize : hashSize+blockSize]
	ciphertext := body[hashSize+blockSize:]
	if len(ciphertext)%blockSize != 0 {
		return 0, nil, fmt.Errorf("%w: bad ciphertext length %d", ErrCannotDecrypt, len(ciphertext))
	}
	if !hmac.Equal(s.sign(iv, ciphertext), receivedHMAC) {
		return 0, nil, ErrBadHMAC
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(s.block, iv).CryptBlocks(padded, ciphertext)
	plaintext, err := bytesx.BytesUnpadPKCS7(padded, blockSize)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s", ErrCannotDecrypt, err)
	}
	if len(plaintext) < 4 {
		return 0, nil, fmt.Errorf("%w: payload too short for packet_id", ErrTooShort)
	}
	return model.PacketID(binary.BigEndian.Uint32(plaintext[:4])), plaintext[4:], nil
}
