package datachannel

//
// Functions for encrypting & encoding packets
//

import (
	"crypto/cipher"
	"encoding/binary"

	"github.com/6ccg/vpncore/internal/bytesx"
	"github.com/6ccg/vpncore/internal/model"
)

// assign the random function to allow using a deterministic one in tests.
var genRandomFn = bytesx.GenRandomBytes

// aeadAdditionalData returns the authenticated header of AEAD packets: the
// packet id, preceded by opcode and peer id for P_DATA_V2.
func aeadAdditionalData(header, packetID []byte) []byte {
	if len(header) == 1 {
		return packetID
	}
	ad := make([]byte, 0, len(header)+len(packetID))
	ad = append(ad, header...)
	return append(ad, packetID...)
}

// encryptAndEncodePayloadAEAD performs encryption and encoding of the payload in AEAD modes (i.e., AES-GCM).
//
//	[ op32 ] [ packet id ] [ tag ] [ * payload * ]
func encryptAndEncodePayloadAEAD(header []byte, id model.PacketID, plaintext []byte, s *sealer) ([]byte, error) {
	packetID := make([]byte, 4)
	binary.BigEndian.PutUint32(packetID, uint32(id))

	sealed := s.aead.Seal(nil, s.nonce(packetID), plaintext, aeadAdditionalData(header, packetID))

	// some reordering, because openvpn uses tag | payload
	boundary := len(sealed) - aeadTagLength
	out := make([]byte, 0, len(header)+len(packetID)+len(sealed))
	out = append(out, header...)
	out = append(out, packetID...)
	out = append(out, sealed[boundary:]...)
	return append(out, sealed[:boundary]...), nil
}

// encryptAndEncodePayloadNonAEAD performs encryption and encoding of the payload in Non-AEAD modes (i.e., AES-CBC).
//
//	[ op32 ] [ hmac ] [ iv ] [ * packet id | payload | padding * ]
func encryptAndEncodePayloadNonAEAD(header []byte, id model.PacketID, plaintext []byte, s *sealer) ([]byte, error) {
	blockSize := s.block.BlockSize()
	padded, err := bytesx.BytesPadPKCS7(prependPacketID(id, plaintext), blockSize)
	if err != nil {
		return nil, err
	}

	// For iv generation, OpenVPN uses a nonce-based PRNG that is initially seeded with
	// OpenSSL RAND_bytes function. crypto/rand is good enough for our purposes.
	iv, err := genRandomFn(blockSize)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(s.block, iv).CryptBlocks(ciphertext, padded)

	mac := s.sign(iv, ciphertext)

	out := make([]byte, 0, len(header)+len(mac)+len(iv)+len(ciphertext))
	out = append(out, header...)
	out = append(out, mac...)
	out = append(out, iv...)
	return append(out, ciphertext...), nil
}

// prependPacketID returns a new buffer with the passed packetID
// concatenated at the beginning.
func prependPacketID(p model.PacketID, buf []byte) []byte {
	result := make([]byte, 4+len(buf))
	binary.BigEndian.PutUint32(result[:4], uint32(p))
	copy(result[4:], buf)
	return result
}
