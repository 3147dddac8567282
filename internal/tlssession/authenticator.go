package tlssession

//
// The functions in this file deal with control messages. These control
// messages are sent and received over the TLS session once the handshake
// is done: first the key-method 2 exchange, then NUL-terminated text
// messages such as PUSH_REPLY or AUTH_FAILED.
//

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/6ccg/vpncore/internal/bytesx"
	"github.com/6ccg/vpncore/internal/datachannel"
	"github.com/6ccg/vpncore/internal/wire"
	"github.com/6ccg/vpncore/pkg/config"
)

// ErrWrongControlDataPrefix is returned when the server's key-method 2
// reply does not start with the expected prefix.
var ErrWrongControlDataPrefix = errors.New("wrong control data prefix")

const (
	preMasterLength = 48
	randomLength    = 32
)

// controlDataPrefix is the four zero bytes followed by the key method (2).
var controlDataPrefix = []byte{0x00, 0x00, 0x00, 0x00, 0x02}

const ivVer = "2.4"

var defaultIVCiphers = []config.Cipher{
	config.CipherAES128GCM,
	config.CipherAES192GCM,
	config.CipherAES256GCM,
	config.CipherChaCha20Poly1305,
	config.CipherAES128CBC,
	config.CipherAES192CBC,
	config.CipherAES256CBC,
}

// KeySource is the material used to derive the data channel keys.
type KeySource = datachannel.KeySource

// Authenticator runs the key-method 2 exchange and accumulates the
// plaintext the server sends over the TLS session.
type Authenticator struct {
	preMaster     []byte
	random1       []byte
	random2       []byte
	serverRandom1 []byte
	serverRandom2 []byte
	username      []byte
	password      []byte
	buffer        []byte
}

// NewAuthenticator generates fresh random material. Credentials are only
// sent when both username and password are not empty.
func NewAuthenticator(username, password string) (*Authenticator, error) {
	a := &Authenticator{}
	var err error
	if a.preMaster, err = bytesx.GenRandomBytes(preMasterLength); err != nil {
		return nil, err
	}
	if a.random1, err = bytesx.GenRandomBytes(randomLength); err != nil {
		return nil, err
	}
	if a.random2, err = bytesx.GenRandomBytes(randomLength); err != nil {
		return nil, err
	}
	if username != "" && password != "" {
		a.username = []byte(username)
		a.password = []byte(password)
	}
	return a, nil
}

// BuildAuthPayload returns the plaintext to write to the TLS session right
// after the handshake.
func (a *Authenticator) BuildAuthPayload(cfg *config.Configuration, withLocalOptions bool) ([]byte, error) {
	var out bytes.Buffer
	out.Write(controlDataPrefix)
	out.Write(a.preMaster)
	out.Write(a.random1)
	out.Write(a.random2)

	opts := "V0 UNDEF"
	if withLocalOptions {
		opts = localOptionsString(cfg)
	}
	sized, err := bytesx.EncodeOptionStringToBytes(opts)
	if err != nil {
		return nil, err
	}
	out.Write(sized)

	if a.username != nil && a.password != nil {
		for _, s := range [][]byte{a.username, a.password} {
			sized, err := bytesx.EncodeOptionStringToBytes(string(s))
			if err != nil {
				return nil, err
			}
			out.Write(sized)
		}
	} else {
		out.Write([]byte{0x00, 0x00, 0x00, 0x00})
	}

	peerInfo, err := bytesx.EncodeOptionStringToBytes(peerInfoString(cfg))
	if err != nil {
		return nil, err
	}
	out.Write(peerInfo)
	return out.Bytes(), nil
}

// localOptionsString returns the options string the server uses to check
// that both sides agree on the tunnel parameters.
func localOptionsString(cfg *config.Configuration) string {
	opts := []string{"V4", "dev-type tun"}
	switch cfg.CompressionFraming {
	case config.CompressionFramingCompLZO:
		opts = append(opts, "comp-lzo")
	case config.CompressionFramingCompress:
		opts = append(opts, "compress")
	}
	if w := cfg.TLSWrap; w != nil && w.Strategy == config.TLSWrapAuth && w.Direction != wire.KeyDirectionNone {
		opts = append(opts, fmt.Sprintf("keydir %d", int(w.Direction)))
	}
	cipher := cfg.FallbackCipher()
	opts = append(opts,
		"cipher "+string(cipher),
		"auth "+string(cfg.FallbackDigest()),
		fmt.Sprintf("keysize %d", cipher.KeySize()),
	)
	if cfg.TLSWrap != nil {
		opts = append(opts, "tls-"+string(cfg.TLSWrap.Strategy))
	}
	opts = append(opts, "key-method 2", "tls-client")
	return strings.Join(opts, ",")
}

func peerInfoString(cfg *config.Configuration) string {
	ciphers := cfg.DataCiphers
	if len(ciphers) == 0 {
		ciphers = defaultIVCiphers
	}
	names := make([]string, 0, len(ciphers))
	for _, c := range ciphers {
		names = append(names, string(c))
	}
	info := []string{
		"IV_VER=" + ivVer,
		"IV_UI_VER=vpncore",
		"IV_PROTO=2",
		"IV_NCP=2",
		"IV_LZO_STUB=1",
		"IV_SSL=utls",
		"IV_PLAT=" + ivPlat(),
		"IV_PLAT_VER=" + runtime.Version(),
		"IV_CIPHERS=" + strings.Join(names, ":"),
		"",
	}
	return strings.Join(info, "\n")
}

func ivPlat() string {
	switch runtime.GOOS {
	case "windows":
		return "win"
	case "darwin":
		return "mac"
	default:
		return runtime.GOOS
	}
}

// AppendControlData buffers plaintext read from the TLS session.
func (a *Authenticator) AppendControlData(b []byte) {
	a.buffer = append(a.buffer, b...)
}

// ParseAuthReply parses the server's key-method 2 reply. It returns false
// while the reply is not fully buffered.
func (a *Authenticator) ParseAuthReply() (bool, error) {
	offset := len(controlDataPrefix)
	if len(a.buffer) < offset+2*randomLength+2 {
		return false, nil
	}
	if !bytes.Equal(a.buffer[:offset], controlDataPrefix) {
		return false, fmt.Errorf("%w: %x", ErrWrongControlDataPrefix, a.buffer[:offset])
	}
	serverRandom1 := a.buffer[offset : offset+randomLength]
	offset += randomLength
	serverRandom2 := a.buffer[offset : offset+randomLength]
	offset += randomLength
	optsLength := int(binary.BigEndian.Uint16(a.buffer[offset : offset+2]))
	offset += 2
	if len(a.buffer) < offset+optsLength {
		return false, nil
	}
	offset += optsLength

	a.serverRandom1 = append([]byte{}, serverRandom1...)
	a.serverRandom2 = append([]byte{}, serverRandom2...)
	a.consume(offset)
	return true, nil
}

// ParseMessages returns the NUL-terminated messages in the buffer. An
// unterminated tail stays buffered.
func (a *Authenticator) ParseMessages() []string {
	var messages []string
	offset := 0
	for {
		msg, n, ok := bytesx.NullTerminatedString(a.buffer[offset:])
		if !ok {
			break
		}
		messages = append(messages, msg)
		offset += n
	}
	a.consume(offset)
	return messages
}

func (a *Authenticator) consume(n int) {
	rest := copy(a.buffer, a.buffer[n:])
	bytesx.Zero(a.buffer[rest:])
	a.buffer = a.buffer[:rest]
}

// KeySource returns the material for key derivation. It is only complete
// after ParseAuthReply succeeded.
func (a *Authenticator) KeySource() *KeySource {
	return &KeySource{
		PreMaster:     a.preMaster,
		Random1:       a.random1,
		Random2:       a.random2,
		ServerRandom1: a.serverRandom1,
		ServerRandom2: a.serverRandom2,
	}
}

// Reset wipes the secrets and the buffer.
func (a *Authenticator) Reset() {
	for _, b := range [][]byte{a.preMaster, a.random1, a.random2, a.serverRandom1, a.serverRandom2, a.username, a.password, a.buffer} {
		bytesx.Zero(b)
	}
	a.username, a.password = nil, nil
	a.buffer = a.buffer[:0]
}
