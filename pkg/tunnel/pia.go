package tunnel

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"strings"

	"github.com/6ccg/vpncore/internal/bytesx"
	"github.com/6ccg/vpncore/pkg/config"
)

// piaMagic opens the settings that PIA servers expect in the hard reset.
const piaMagic = "53eo0rk92gxic98p1asgl5auh59r1vp4lmry1e3chzi100qntd"

// piaKeyLength is the length of the XOR key prefixed to the payload.
const piaKeyLength = 3

// piaHardResetPayload returns the scrambled settings that servers patched
// by PIA read from the payload of P_CONTROL_HARD_RESET_CLIENT_V2.
func piaHardResetPayload(cfg *config.Configuration) ([]byte, error) {
	block, _ := pem.Decode(cfg.CA)
	if block == nil {
		return nil, fmt.Errorf("%w: ca is not PEM", ErrBadKey)
	}
	sum := md5.Sum(block.Bytes)
	settings := piaMagic + "crypto\t" +
		strings.ToLower(string(cfg.FallbackCipher())) + "|" +
		strings.ToLower(string(cfg.FallbackDigest())) +
		"\tca\t" + hex.EncodeToString(sum[:])

	key, err := bytesx.GenRandomBytes(piaKeyLength)
	if err != nil {
		return nil, err
	}
	return piaEncode(key, []byte(settings)), nil
}

// piaEncode returns key followed by data XORed with the key.
func piaEncode(key, data []byte) []byte {
	out := make([]byte, 0, len(key)+len(data))
	out = append(out, key...)
	for i, b := range data {
		out = append(out, b^key[i%len(key)])
	}
	return out
}
