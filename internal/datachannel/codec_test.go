package datachannel

import (
	"bytes"
	"errors"
	"testing"

	"github.com/apex/log"
	"github.com/google/go-cmp/cmp"

	"github.com/6ccg/vpncore/internal/model"
	"github.com/6ccg/vpncore/internal/replay"
	"github.com/6ccg/vpncore/pkg/config"
)

var (
	testLocalSID  = model.SessionID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	testRemoteSID = model.SessionID{0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17, 0x18}
)

func testKeySource() KeySource {
	return KeySource{
		PreMaster:     bytes.Repeat([]byte{0x01}, 48),
		Random1:       bytes.Repeat([]byte{0x02}, 32),
		Random2:       bytes.Repeat([]byte{0x03}, 32),
		ServerRandom1: bytes.Repeat([]byte{0x04}, 32),
		ServerRandom2: bytes.Repeat([]byte{0x05}, 32),
	}
}

// newCodecPair returns a client codec and a codec using the same keys in
// the opposite direction, as the server would.
func newCodecPair(t *testing.T, opts CodecOptions) (*Codec, *Codec) {
	t.Helper()
	opts.Logger = log.Log
	client, err := NewCodec(opts, testKeySource(), testLocalSID, testRemoteSID)
	if err != nil {
		t.Fatal(err)
	}
	opts.Server = true
	server, err := NewCodec(opts, testKeySource(), testRemoteSID, testLocalSID)
	if err != nil {
		t.Fatal(err)
	}
	return client, server
}

func TestCodec_RoundTrip(t *testing.T) {
	peerID := uint32(0x0a0b0c)
	ciphers := []config.Cipher{
		config.CipherAES128CBC,
		config.CipherAES192CBC,
		config.CipherAES256CBC,
		config.CipherAES128GCM,
		config.CipherAES192GCM,
		config.CipherAES256GCM,
		config.CipherChaCha20Poly1305,
	}
	framings := []config.CompressionFraming{
		config.CompressionFramingDisabled,
		config.CompressionFramingCompLZO,
		config.CompressionFramingCompress,
		config.CompressionFramingCompressV2,
	}
	packets := [][]byte{
		[]byte("hello"),
		{0x50, 0x01, 0x02},
		bytes.Repeat([]byte{0x45}, 1400),
	}
	for _, c := range ciphers {
		for _, f := range framings {
			for _, pid := range []*uint32{nil, &peerID} {
				opts := CodecOptions{
					Cipher:             c,
					Digest:             config.DigestSHA256,
					CompressionFraming: f,
					PeerID:             pid,
					KeyID:              2,
					ReplayProtection:   true,
				}
				t.Run(string(c)+"/"+f.String(), func(t *testing.T) {
					client, server := newCodecPair(t, opts)
					encoded, err := client.Encode(packets)
					if err != nil {
						t.Fatal(err)
					}
					wantOp := model.P_DATA_V1
					if pid != nil {
						wantOp = model.P_DATA_V2
					}
					for _, e := range encoded {
						if model.Opcode(e[0]>>3) != wantOp || e[0]&0x07 != 2 {
							t.Fatalf("bad header %x", e[0])
						}
						if pid != nil && !bytes.Equal(e[1:4], []byte{0x0a, 0x0b, 0x0c}) {
							t.Fatalf("bad peer id %x", e[1:4])
						}
					}
					decoded, err := server.Decode(encoded)
					if err != nil {
						t.Fatal(err)
					}
					if diff := cmp.Diff(packets, decoded); diff != "" {
						t.Fatal(diff)
					}
				})
			}
		}
	}
}

func TestCodec_PacketIDsStartAtOne(t *testing.T) {
	client, _ := newCodecPair(t, CodecOptions{Cipher: config.CipherAES128GCM})
	encoded, err := client.Encode([][]byte{[]byte("a"), []byte("b")})
	if err != nil {
		t.Fatal(err)
	}
	// P_DATA_V1: one header byte, then the packet id
	if !bytes.Equal(encoded[0][1:5], []byte{0, 0, 0, 1}) || !bytes.Equal(encoded[1][1:5], []byte{0, 0, 0, 2}) {
		t.Fatalf("unexpected packet ids %x %x", encoded[0][1:5], encoded[1][1:5])
	}
}

func TestCodec_ReplayIsDropped(t *testing.T) {
	client, server := newCodecPair(t, CodecOptions{Cipher: config.CipherAES256GCM, ReplayProtection: true})
	server.replay = replay.NewFilter()
	encoded, err := client.Encode([][]byte{[]byte("one"), []byte("two")})
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := server.Decode([][]byte{encoded[1], encoded[0], encoded[1]})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]byte{[]byte("two")}, decoded); diff != "" {
		t.Fatal(diff)
	}
}

func TestCodec_PingIsConsumed(t *testing.T) {
	client, server := newCodecPair(t, CodecOptions{Cipher: config.CipherAES128CBC, Digest: config.DigestSHA1})
	encoded, err := client.Encode([][]byte{PingPayload(), []byte("data")})
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := server.Decode(encoded)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]byte{[]byte("data")}, decoded); diff != "" {
		t.Fatal(diff)
	}
}

func TestCodec_TamperingFails(t *testing.T) {
	for _, c := range []config.Cipher{config.CipherAES256CBC, config.CipherAES256GCM, config.CipherChaCha20Poly1305} {
		t.Run(string(c), func(t *testing.T) {
			client, server := newCodecPair(t, CodecOptions{Cipher: c, Digest: config.DigestSHA512})
			encoded, err := client.Encode([][]byte{[]byte("payload")})
			if err != nil {
				t.Fatal(err)
			}
			encoded[0][len(encoded[0])-1] ^= 0xff
			if _, err := server.Decode(encoded); !errors.Is(err, ErrEncryptionData) {
				t.Fatalf("expected ErrEncryptionData, got %v", err)
			}
		})
	}
}

func TestCodec_DecodeErrors(t *testing.T) {
	_, server := newCodecPair(t, CodecOptions{Cipher: config.CipherAES128GCM})
	for name, packet := range map[string][]byte{
		"empty":        {},
		"control":      {byte(model.P_CONTROL_V1) << 3, 0, 0, 0},
		"short v2":     {byte(model.P_DATA_V2) << 3, 0},
		"short aead":   {byte(model.P_DATA_V1) << 3, 0, 0, 0, 1},
		"garbage aead": append([]byte{byte(model.P_DATA_V1) << 3}, bytes.Repeat([]byte{0x01}, 40)...),
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := server.Decode([][]byte{packet}); !errors.Is(err, ErrEncryptionData) {
				t.Fatalf("expected ErrEncryptionData, got %v", err)
			}
		})
	}
}

func TestCodec_Dispose(t *testing.T) {
	client, _ := newCodecPair(t, CodecOptions{Cipher: config.CipherAES128GCM})
	keys := client.keys
	client.Dispose()
	client.Dispose()
	for _, k := range [][]byte{keys.cipherKeyLocal, keys.hmacKeyLocal, keys.cipherKeyRemote, keys.hmacKeyRemote} {
		if !bytes.Equal(k, make([]byte, len(k))) {
			t.Fatal("expected zeroed keys")
		}
	}
	if _, err := client.Encode([][]byte{[]byte("x")}); !errors.Is(err, ErrEncryptionData) {
		t.Fatalf("expected ErrEncryptionData, got %v", err)
	}
}

func TestNewCodec_Errors(t *testing.T) {
	if _, err := NewCodec(CodecOptions{Cipher: config.CipherAES128GCM}, KeySource{}, testLocalSID, testRemoteSID); !errors.Is(err, ErrBadKeySource) {
		t.Errorf("expected ErrBadKeySource, got %v", err)
	}
	if _, err := NewCodec(CodecOptions{Cipher: "BF-CBC"}, testKeySource(), testLocalSID, testRemoteSID); !errors.Is(err, ErrUnsupportedCipher) {
		t.Errorf("expected ErrUnsupportedCipher, got %v", err)
	}
	if _, err := NewCodec(CodecOptions{Cipher: config.CipherAES128CBC, Digest: "MD5"}, testKeySource(), testLocalSID, testRemoteSID); !errors.Is(err, ErrUnsupportedDigest) {
		t.Errorf("expected ErrUnsupportedDigest, got %v", err)
	}
}

func TestDeriveKeyMaterial(t *testing.T) {
	ks := testKeySource()
	a, err := deriveKeyMaterial(&ks, testLocalSID, testRemoteSID)
	if err != nil {
		t.Fatal(err)
	}
	b, err := deriveKeyMaterial(&ks, testLocalSID, testRemoteSID)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.cipherKeyLocal, b.cipherKeyLocal) || !bytes.Equal(a.hmacKeyRemote, b.hmacKeyRemote) {
		t.Fatal("derivation is not deterministic")
	}
	c, err := deriveKeyMaterial(&ks, testRemoteSID, testLocalSID)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(a.cipherKeyLocal, c.cipherKeyLocal) {
		t.Fatal("session ids must bind the keys")
	}
}

func TestPRF_Length(t *testing.T) {
	secret := bytes.Repeat([]byte{0xaa}, 47)
	for _, n := range []int{1, 16, 48, 100, 256} {
		if got := prf(secret, []byte("label"), []byte("a"), []byte("b"), nil, nil, n); len(got) != n {
			t.Errorf("prf length = %d, want %d", len(got), n)
		}
	}
	long := prf(secret, []byte("label"), nil, nil, nil, nil, 100)
	short := prf(secret, []byte("label"), nil, nil, nil, nil, 20)
	if !bytes.Equal(long[:20], short) {
		t.Error("prf output must be a stream")
	}
}
