package datachannel

import (
	"errors"
	"fmt"

	"github.com/6ccg/vpncore/pkg/config"
)

// errBadCompression is returned for framing bytes we cannot handle. We
// never link a compressor, so compressed packets are errors too.
var errBadCompression = errors.New("bad compression")

const (
	// noCompressByte is the "comp-lzo no" framing byte.
	noCompressByte = 0xfa

	// noCompressByteSwap marks the compression stub that moves the first
	// byte of the packet to its end.
	noCompressByteSwap = 0xfb

	// compressV2Indicator escapes payloads starting with itself in the
	// compress v2 framing.
	compressV2Indicator = 0x50

	// compressV2Uncompressed follows the indicator for uncompressed data.
	compressV2Uncompressed = 0x00
)

// doCompress adds the framing required by the compression options. No data
// is actually compressed.
func doCompress(b []byte, framing config.CompressionFraming) ([]byte, error) {
	switch framing {
	case config.CompressionFramingDisabled:
		return b, nil

	case config.CompressionFramingCompLZO:
		out := make([]byte, 0, len(b)+1)
		out = append(out, noCompressByte)
		return append(out, b...), nil

	case config.CompressionFramingCompress:
		// compression stub: send first byte to last
		// and add 0xfb marker on the first byte.
		if len(b) == 0 {
			return []byte{noCompressByteSwap}, nil
		}
		out := make([]byte, 0, len(b)+1)
		out = append(out, noCompressByteSwap)
		out = append(out, b[1:]...)
		return append(out, b[0]), nil

	case config.CompressionFramingCompressV2:
		if len(b) == 0 || b[0] != compressV2Indicator {
			return b, nil
		}
		out := make([]byte, 0, len(b)+2)
		out = append(out, compressV2Indicator, compressV2Uncompressed)
		return append(out, b...), nil

	default:
		return nil, fmt.Errorf("%w: unknown framing %d", errBadCompression, framing)
	}
}

// maybeDecompress removes the framing added by the server.
func maybeDecompress(b []byte, framing config.CompressionFraming) ([]byte, error) {
	switch framing {
	case config.CompressionFramingDisabled:
		return b, nil

	case config.CompressionFramingCompLZO, config.CompressionFramingCompress:
		if len(b) == 0 {
			return nil, fmt.Errorf("%w: empty payload", errBadCompression)
		}
		switch b[0] {
		case noCompressByte:
			return b[1:], nil
		case noCompressByteSwap:
			if len(b) == 1 {
				return b[1:], nil
			}
			out := make([]byte, 0, len(b)-1)
			out = append(out, b[len(b)-1])
			return append(out, b[1:len(b)-1]...), nil
		default:
			return nil, fmt.Errorf("%w: cannot handle compression %x", errBadCompression, b[0])
		}

	case config.CompressionFramingCompressV2:
		if len(b) == 0 || b[0] != compressV2Indicator {
			return b, nil
		}
		if len(b) < 2 || b[1] != compressV2Uncompressed {
			return nil, fmt.Errorf("%w: compressed v2 payload", errBadCompression)
		}
		return b[2:], nil

	default:
		return nil, fmt.Errorf("%w: unknown framing %d", errBadCompression, framing)
	}
}
