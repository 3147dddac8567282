package datachannel

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/6ccg/vpncore/pkg/config"
)

func TestDoCompress(t *testing.T) {
	tests := []struct {
		name    string
		framing config.CompressionFraming
		in      []byte
		want    []byte
	}{
		{"disabled", config.CompressionFramingDisabled, []byte{1, 2, 3}, []byte{1, 2, 3}},
		{"comp-lzo", config.CompressionFramingCompLZO, []byte{1, 2, 3}, []byte{0xfa, 1, 2, 3}},
		{"compress swaps first byte", config.CompressionFramingCompress, []byte{1, 2, 3}, []byte{0xfb, 2, 3, 1}},
		{"compress v2 plain", config.CompressionFramingCompressV2, []byte{1, 2, 3}, []byte{1, 2, 3}},
		{"compress v2 escape", config.CompressionFramingCompressV2, []byte{0x50, 2}, []byte{0x50, 0x00, 0x50, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := doCompress(append([]byte{}, tt.in...), tt.framing)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatal(diff)
			}
			back, err := maybeDecompress(got, tt.framing)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.in, back); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func TestMaybeDecompress_Errors(t *testing.T) {
	tests := []struct {
		name    string
		framing config.CompressionFraming
		in      []byte
	}{
		{"lzo compressed", config.CompressionFramingCompLZO, []byte{0x66, 1}},
		{"empty", config.CompressionFramingCompress, []byte{}},
		{"compress v2 compressed", config.CompressionFramingCompressV2, []byte{0x50, 0x01, 1}},
		{"compress v2 truncated", config.CompressionFramingCompressV2, []byte{0x50}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := maybeDecompress(tt.in, tt.framing); !errors.Is(err, errBadCompression) {
				t.Fatalf("expected errBadCompression, got %v", err)
			}
		})
	}
}

func TestMaybeDecompress_AcceptsNoCompressByte(t *testing.T) {
	got, err := maybeDecompress([]byte{0xfa, 7, 8}, config.CompressionFramingCompress)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]byte{7, 8}, got); diff != "" {
		t.Fatal(diff)
	}
}
