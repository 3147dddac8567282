// Package config contains the configuration of a VPN session and the parser
// for the OpenVPN option grammar, shared by static configuration and by the
// options the server pushes.
package config

import (
	"crypto"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/6ccg/vpncore/internal/obfs"
	"github.com/6ccg/vpncore/internal/wire"
)

// ErrBadConfig is the generic error returned for invalid configurations.
var ErrBadConfig = errors.New("openvpn: bad config")

// Cipher is a data channel cipher, named as in OpenSSL.
type Cipher string

const (
	CipherAES128CBC        = Cipher("AES-128-CBC")
	CipherAES192CBC        = Cipher("AES-192-CBC")
	CipherAES256CBC        = Cipher("AES-256-CBC")
	CipherAES128GCM        = Cipher("AES-128-GCM")
	CipherAES192GCM        = Cipher("AES-192-GCM")
	CipherAES256GCM        = Cipher("AES-256-GCM")
	CipherChaCha20Poly1305 = Cipher("CHACHA20-POLY1305")
)

// SupportedCiphers lists the ciphers the data channel implements.
var SupportedCiphers = []Cipher{
	CipherAES128CBC,
	CipherAES192CBC,
	CipherAES256CBC,
	CipherAES128GCM,
	CipherAES192GCM,
	CipherAES256GCM,
	CipherChaCha20Poly1305,
}

// IsSupported returns true for the ciphers in [SupportedCiphers].
func (c Cipher) IsSupported() bool {
	for _, s := range SupportedCiphers {
		if s == c {
			return true
		}
	}
	return false
}

// KeySize returns the key size in bits.
func (c Cipher) KeySize() int {
	switch c {
	case CipherAES128CBC, CipherAES128GCM:
		return 128
	case CipherAES192CBC, CipherAES192GCM:
		return 192
	default:
		return 256
	}
}

// IsAEAD returns true when the cipher authenticates by itself, in which case
// the digest is ignored.
func (c Cipher) IsAEAD() bool {
	return strings.HasSuffix(string(c), "-GCM") || c == CipherChaCha20Poly1305
}

// Digest is an HMAC digest, named as in OpenSSL.
type Digest string

const (
	DigestSHA1   = Digest("SHA1")
	DigestSHA224 = Digest("SHA224")
	DigestSHA256 = Digest("SHA256")
	DigestSHA384 = Digest("SHA384")
	DigestSHA512 = Digest("SHA512")
)

// Hash returns the hash function, or zero for unknown digests.
func (d Digest) Hash() crypto.Hash {
	switch d {
	case DigestSHA1:
		return crypto.SHA1
	case DigestSHA224:
		return crypto.SHA224
	case DigestSHA256:
		return crypto.SHA256
	case DigestSHA384:
		return crypto.SHA384
	case DigestSHA512:
		return crypto.SHA512
	default:
		return 0
	}
}

// IsSupported returns true for known digests.
func (d Digest) IsSupported() bool {
	return d.Hash() != 0
}

// CompressionFraming is how the compression byte is framed in data packets.
type CompressionFraming int

const (
	// CompressionFramingDisabled means no compression byte.
	CompressionFramingDisabled = CompressionFraming(iota)

	// CompressionFramingCompLZO is the "comp-lzo" framing.
	CompressionFramingCompLZO

	// CompressionFramingCompress is the "compress" framing.
	CompressionFramingCompress

	// CompressionFramingCompressV2 is the "compress stub-v2" framing.
	CompressionFramingCompressV2
)

// String returns the option name of the framing.
func (f CompressionFraming) String() string {
	switch f {
	case CompressionFramingCompLZO:
		return "comp-lzo"
	case CompressionFramingCompress:
		return "compress"
	case CompressionFramingCompressV2:
		return "compress stub-v2"
	default:
		return "disabled"
	}
}

// CompressionAlgorithm is the compression algorithm. Only framing is
// implemented, so anything but disabled cannot be used.
type CompressionAlgorithm int

const (
	CompressionAlgorithmDisabled = CompressionAlgorithm(iota)
	CompressionAlgorithmLZO
	CompressionAlgorithmOther
)

// Proto is the transport protocol of the link (e.g., TCP or UDP).
type Proto string

var _ fmt.Stringer = Proto("")

// String implements fmt.Stringer
func (p Proto) String() string {
	return string(p)
}

// IsTCP returns true for the stream protocols.
func (p Proto) IsTCP() bool {
	return strings.HasPrefix(string(p), "tcp")
}

// Network returns the network name for net.Dial.
func (p Proto) Network() string {
	return string(p)
}

const (
	// ProtoTCP is used for vpn in TCP mode (dual-stack).
	ProtoTCP = Proto("tcp")

	// ProtoTCP4 is used for vpn in TCP mode, forcing IPv4.
	ProtoTCP4 = Proto("tcp4")

	// ProtoTCP6 is used for vpn in TCP mode, forcing IPv6.
	ProtoTCP6 = Proto("tcp6")

	// ProtoUDP is used for vpn in UDP mode (dual-stack).
	ProtoUDP = Proto("udp")

	// ProtoUDP4 is used for vpn in UDP mode, forcing IPv4.
	ProtoUDP4 = Proto("udp4")

	// ProtoUDP6 is used for vpn in UDP mode, forcing IPv6.
	ProtoUDP6 = Proto("udp6")
)

// DefaultPort is the port used by remotes that do not name one.
const DefaultPort = 1194

// Remote is a server endpoint.
type Remote struct {
	Address string
	Port    uint16
	Proto   Proto
}

// TLSWrapStrategy selects how control packets are wrapped.
type TLSWrapStrategy string

const (
	TLSWrapAuth  = TLSWrapStrategy("auth")
	TLSWrapCrypt = TLSWrapStrategy("crypt")
)

// TLSWrap is the tls-auth or tls-crypt configuration.
type TLSWrap struct {
	Strategy  TLSWrapStrategy
	Key       *wire.StaticKey
	Direction wire.KeyDirection
}

// Topology is the server topology, which changes the meaning of ifconfig.
type Topology string

const (
	TopologyNet30  = Topology("net30")
	TopologyP2P    = Topology("p2p")
	TopologySubnet = Topology("subnet")
)

// IPv4Settings is the tunnel IPv4 configuration.
type IPv4Settings struct {
	Address string
	Mask    string
	Gateway string
}

// IPv6Settings is the tunnel IPv6 configuration.
type IPv6Settings struct {
	Address      string
	PrefixLength uint8
	Gateway      string
}

// Route4 is an IPv4 route. An empty gateway means the VPN gateway.
type Route4 struct {
	Destination string
	Mask        string
	Gateway     string
}

// Route6 is an IPv6 route. An empty gateway means the VPN gateway.
type Route6 struct {
	Destination  string
	PrefixLength uint8
	Gateway      string
}

// Proxy is an HTTP(S) proxy pushed with dhcp-option.
type Proxy struct {
	Address string
	Port    uint16
}

// RoutingPolicy tells which traffic is routed through the tunnel.
type RoutingPolicy string

const (
	RoutingPolicyIPv4       = RoutingPolicy("IPv4")
	RoutingPolicyIPv6       = RoutingPolicy("IPv6")
	RoutingPolicyBlockLocal = RoutingPolicy("blockLocal")
)

// PullMask is a class of pushed settings the client ignores.
type PullMask string

const (
	PullMaskRoutes = PullMask("routes")
	PullMaskDNS    = PullMask("dns")
	PullMaskProxy  = PullMask("proxy")
)

// VerifyX509Type selects what --verify-x509-name compares.
type VerifyX509Type int

const (
	VerifyX509None = VerifyX509Type(iota)
	VerifyX509SubjectDN
	VerifyX509SubjectRDN
	VerifyX509SubjectRDNPrefix
)

// KeyUsage is a key usage bitmask in the OpenSSL bit order used by
// --remote-cert-ku (digitalSignature is 0x80).
type KeyUsage uint16

// KeyUsageRequired only requires the key usage extension to be present.
const KeyUsageRequired = KeyUsage(0xFFFF)

// Configuration is the configuration of a VPN session. The zero value of
// each field means "not set". The server pushes a partial Configuration too.
type Configuration struct {
	// data channel
	Cipher               Cipher
	DataCiphers          []Cipher
	Digest               Digest
	CompressionFraming   CompressionFraming
	CompressionAlgorithm CompressionAlgorithm

	// credentials and TLS
	CA                []byte
	ClientCertificate []byte
	ClientKey         []byte
	TLSWrap           *TLSWrap
	ChecksEKU         bool
	VerifyX509Name    string
	VerifyX509Type    VerifyX509Type
	RemoteCertKU      []KeyUsage
	RemoteCertEKU     string
	AuthUserPass      bool
	Username          string
	Password          string

	// timers
	KeepAliveInterval time.Duration
	KeepAliveTimeout  time.Duration
	RenegotiatesAfter time.Duration

	// client
	Remotes        []Remote
	MTU            int
	UsesPIAPatches bool
	ScrambleMethod obfs.Method
	ScrambleMask   []byte

	// pushed by the server
	AuthToken          string
	PeerID             *uint32
	IPv4               *IPv4Settings
	IPv6               *IPv6Settings
	Routes4            []Route4
	Routes6            []Route6
	DNSServers         []string
	DNSDomain          string
	SearchDomains      []string
	HTTPProxy          *Proxy
	HTTPSProxy         *Proxy
	ProxyAutoConfigURL string
	ProxyBypassDomains []string
	RoutingPolicies    []RoutingPolicy
	NoPullMask         []PullMask
}

// FallbackCipher returns the configured cipher or AES-128-CBC.
func (c *Configuration) FallbackCipher() Cipher {
	if c.Cipher != "" {
		return c.Cipher
	}
	return CipherAES128CBC
}

// FallbackDigest returns the configured digest or SHA1.
func (c *Configuration) FallbackDigest() Digest {
	if c.Digest != "" {
		return c.Digest
	}
	return DigestSHA1
}

// HasRouting returns true when IPv4 or IPv6 settings are present.
func (c *Configuration) HasRouting() bool {
	return c.IPv4 != nil || c.IPv6 != nil
}

// Validate checks that the configuration can start a client session.
func (c *Configuration) Validate() error {
	if len(c.CA) == 0 {
		return fmt.Errorf("%w: missing ca", ErrBadConfig)
	}
	if c.Cipher == "" && len(c.DataCiphers) == 0 {
		return fmt.Errorf("%w: missing cipher or data-ciphers", ErrBadConfig)
	}
	if c.Cipher != "" && !c.Cipher.IsSupported() {
		return fmt.Errorf("%w: unsupported cipher: %s", ErrBadConfig, c.Cipher)
	}
	for _, dc := range c.DataCiphers {
		if !dc.IsSupported() {
			return fmt.Errorf("%w: unsupported data cipher: %s", ErrBadConfig, dc)
		}
	}
	if c.Digest != "" && !c.Digest.IsSupported() {
		return fmt.Errorf("%w: unsupported auth: %s", ErrBadConfig, c.Digest)
	}
	if c.CompressionAlgorithm != CompressionAlgorithmDisabled {
		return fmt.Errorf("%w: compression is not supported", ErrBadConfig)
	}
	if c.TLSWrap != nil && c.TLSWrap.Key == nil {
		return fmt.Errorf("%w: tls-%s without key", ErrBadConfig, c.TLSWrap.Strategy)
	}
	if _, err := obfs.New(c.ScrambleMethod, c.ScrambleMask); err != nil {
		return fmt.Errorf("%w: %s", ErrBadConfig, err)
	}
	if len(c.ClientCertificate) != 0 && len(c.ClientKey) == 0 {
		return fmt.Errorf("%w: cert without key", ErrBadConfig)
	}
	if c.AuthUserPass && (c.Username == "" || c.Password == "") {
		return fmt.Errorf("%w: auth-user-pass requires username and password", ErrBadConfig)
	}
	return nil
}
