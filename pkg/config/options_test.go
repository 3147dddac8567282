package config

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/6ccg/vpncore/internal/obfs"
	"github.com/6ccg/vpncore/internal/wire"
)

// staticKeyLines returns a static key block made of the bytes 0..255.
func staticKeyLines() []string {
	raw := make([]byte, wire.StaticKeyLength)
	for i := range raw {
		raw[i] = byte(i)
	}
	lines := []string{"-----BEGIN OpenVPN Static key V1-----"}
	for i := 0; i < len(raw); i += 16 {
		lines = append(lines, hex.EncodeToString(raw[i:i+16]))
	}
	return append(lines, "-----END OpenVPN Static key V1-----")
}

func sampleLines() []string {
	lines := []string{
		"client",
		"# a comment",
		"; another comment",
		"dev tun",
		"proto udp",
		"remote 2.3.4.5 1194",
		"remote vpn.example.com 443 tcp",
		"cipher aes-256-cbc",
		"auth SHA256",
		"key-direction 1",
		"remote-cert-tls server",
		"<ca>",
		"ca_string",
		"</ca>",
		"<tls-auth>",
	}
	lines = append(lines, staticKeyLines()...)
	return append(lines, "</tls-auth>")
}

func TestParseOptionLines_Static(t *testing.T) {
	cfg, err := ParseOptionLines(sampleLines())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cipher != CipherAES256CBC {
		t.Errorf("unexpected cipher %s", cfg.Cipher)
	}
	if cfg.Digest != DigestSHA256 {
		t.Errorf("unexpected digest %s", cfg.Digest)
	}
	if string(cfg.CA) != "ca_string\n" {
		t.Errorf("unexpected ca %q", cfg.CA)
	}
	wantRemotes := []Remote{
		{Address: "2.3.4.5", Port: 1194, Proto: ProtoUDP},
		{Address: "vpn.example.com", Port: 443, Proto: ProtoTCP},
	}
	if diff := cmp.Diff(wantRemotes, cfg.Remotes); diff != "" {
		t.Errorf("remotes (-want +got):\n%s", diff)
	}
	if cfg.TLSWrap == nil || cfg.TLSWrap.Strategy != TLSWrapAuth {
		t.Fatalf("expected tls-auth, got %+v", cfg.TLSWrap)
	}
	if cfg.TLSWrap.Direction != wire.KeyDirectionClient {
		t.Errorf("unexpected direction %d", cfg.TLSWrap.Direction)
	}
	if !cfg.ChecksEKU || cfg.RemoteCertEKU == "" {
		t.Error("remote-cert-tls server should enable the EKU check")
	}
}

func TestParseOptionLines_TLSCryptIsAlwaysClient(t *testing.T) {
	lines := append([]string{"key-direction 0", "<tls-crypt>"}, staticKeyLines()...)
	lines = append(lines, "</tls-crypt>")
	cfg, err := ParseOptionLines(lines)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TLSWrap.Strategy != TLSWrapCrypt || cfg.TLSWrap.Direction != wire.KeyDirectionClient {
		t.Errorf("unexpected wrap %+v", cfg.TLSWrap)
	}
}

func TestParseOptionLines_TLSAuthWithoutDirection(t *testing.T) {
	lines := append([]string{"<tls-auth>"}, staticKeyLines()...)
	lines = append(lines, "</tls-auth>")
	cfg, err := ParseOptionLines(lines)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TLSWrap.Direction != wire.KeyDirectionNone {
		t.Errorf("unexpected direction %d", cfg.TLSWrap.Direction)
	}
}

func TestParseOptionLines_Compression(t *testing.T) {
	tests := []struct {
		line      string
		framing   CompressionFraming
		algorithm CompressionAlgorithm
	}{
		{"comp-lzo no", CompressionFramingCompLZO, CompressionAlgorithmDisabled},
		{"comp-lzo", CompressionFramingCompLZO, CompressionAlgorithmLZO},
		{"comp-lzo yes", CompressionFramingCompLZO, CompressionAlgorithmLZO},
		{"compress", CompressionFramingCompress, CompressionAlgorithmDisabled},
		{"compress stub", CompressionFramingCompress, CompressionAlgorithmDisabled},
		{"compress stub-v2", CompressionFramingCompressV2, CompressionAlgorithmDisabled},
		{"compress lzo", CompressionFramingCompress, CompressionAlgorithmLZO},
		{"compress lz4", CompressionFramingCompress, CompressionAlgorithmOther},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			cfg, err := ParseOptionLines([]string{tt.line})
			if err != nil {
				t.Fatal(err)
			}
			if cfg.CompressionFraming != tt.framing || cfg.CompressionAlgorithm != tt.algorithm {
				t.Errorf("got %v/%v", cfg.CompressionFraming, cfg.CompressionAlgorithm)
			}
		})
	}
}

func TestParseOptionLines_PushedOptions(t *testing.T) {
	lines := []string{
		"route-gateway 10.8.0.1",
		"topology subnet",
		"ping 10",
		"ping-restart 60",
		"ifconfig 10.8.0.2 255.255.255.0",
		"ifconfig-ipv6 fd00::1000/64 fd00::1",
		"route 192.168.1.0 255.255.255.0",
		"route 10.10.0.0 255.255.0.0 vpn_gateway",
		"route-ipv6 2000::/3",
		"dhcp-option DNS 8.8.8.8",
		"dhcp-option DNS6 2001:4860:4860::8888",
		"dhcp-option DOMAIN example.com",
		"dhcp-option DOMAIN-SEARCH corp.example.com",
		"dhcp-option PROXY_HTTP 10.0.0.1 8080",
		"dhcp-option PROXY_BYPASS a.com b.com",
		"redirect-gateway def1 ipv6",
		"peer-id 3",
		"cipher AES-256-GCM",
		"auth-token SESS_ID_abc=",
		"scramble xormask abc",
	}
	cfg, err := ParseOptionLines(lines)
	if err != nil {
		t.Fatal(err)
	}
	peerID := uint32(3)
	want := &Configuration{
		Cipher:            CipherAES256GCM,
		KeepAliveInterval: 10 * time.Second,
		KeepAliveTimeout:  60 * time.Second,
		AuthToken:         "SESS_ID_abc=",
		PeerID:            &peerID,
		IPv4:              &IPv4Settings{Address: "10.8.0.2", Mask: "255.255.255.0", Gateway: "10.8.0.1"},
		IPv6:              &IPv6Settings{Address: "fd00::1000", PrefixLength: 64, Gateway: "fd00::1"},
		Routes4: []Route4{
			{Destination: "192.168.1.0", Mask: "255.255.255.0"},
			{Destination: "10.10.0.0", Mask: "255.255.0.0"},
		},
		Routes6:            []Route6{{Destination: "2000::", PrefixLength: 3}},
		DNSServers:         []string{"8.8.8.8", "2001:4860:4860::8888"},
		DNSDomain:          "example.com",
		SearchDomains:      []string{"corp.example.com"},
		HTTPProxy:          &Proxy{Address: "10.0.0.1", Port: 8080},
		ProxyBypassDomains: []string{"a.com", "b.com"},
		RoutingPolicies:    []RoutingPolicy{RoutingPolicyIPv4, RoutingPolicyIPv6},
		ScrambleMethod:     obfs.MethodXORMask,
		ScrambleMask:       []byte("abc"),
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("configuration (-want +got):\n%s", diff)
	}
}

func TestParseOptionLines_IfconfigNet30(t *testing.T) {
	cfg, err := ParseOptionLines([]string{"ifconfig 10.8.0.6 10.8.0.5"})
	if err != nil {
		t.Fatal(err)
	}
	want := &IPv4Settings{Address: "10.8.0.6", Mask: "255.255.255.255", Gateway: "10.8.0.5"}
	if diff := cmp.Diff(want, cfg.IPv4); diff != "" {
		t.Errorf("ipv4 (-want +got):\n%s", diff)
	}
}

func TestParseOptionLines_RedirectGatewayWithoutIPv4(t *testing.T) {
	cfg, err := ParseOptionLines([]string{"redirect-gateway !ipv4 ipv6 block-local", "route-nopull"})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]RoutingPolicy{RoutingPolicyIPv6, RoutingPolicyBlockLocal}, cfg.RoutingPolicies); diff != "" {
		t.Errorf("policies (-want +got):\n%s", diff)
	}
	if len(cfg.NoPullMask) != 3 {
		t.Errorf("unexpected pull mask %v", cfg.NoPullMask)
	}
}

func TestParseOptionLines_Errors(t *testing.T) {
	tests := []struct {
		name  string
		lines []string
		want  error
	}{
		{"continuation", []string{"push-continuation 2"}, ErrContinuationPushReply},
		{"subnet without gateway", []string{"topology subnet", "ifconfig 10.8.0.2 255.255.255.0"}, ErrMalformedOption},
		{"bad ifconfig", []string{"ifconfig 10.8.0.2"}, ErrMalformedOption},
		{"bad ipv6 prefix", []string{"ifconfig-ipv6 fd00::1 fd00::2"}, ErrMalformedOption},
		{"bad peer id", []string{"peer-id 99999999"}, ErrMalformedOption},
		{"bad topology", []string{"topology star"}, ErrMalformedOption},
		{"bad scramble", []string{"scramble xormask"}, ErrMalformedOption},
		{"unclosed block", []string{"<ca>", "x"}, ErrMalformedOption},
		{"conflicting key direction", []string{"key-direction 0", "tls-auth [inline] 1"}, ErrMalformedOption},
		{"unsupported cipher", []string{"cipher BF-CBC"}, ErrUnsupportedOption},
		{"unsupported digest", []string{"auth MD5"}, ErrUnsupportedOption},
		{"external file", []string{"ca ca.crt"}, ErrUnsupportedOption},
		{"proxy", []string{"http-proxy 1.1.1.1 8080"}, ErrUnsupportedOption},
		{"fragment", []string{"fragment 1300"}, ErrUnsupportedOption},
		{"connection block", []string{"<connection>", "remote a", "</connection>"}, ErrUnsupportedOption},
		{"server proto", []string{"proto tcp-server"}, ErrUnsupportedOption},
		{"bad static key", []string{"<tls-auth>", "junk", "</tls-auth>"}, wire.ErrBadStaticKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseOptionLines(tt.lines)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestParseOptionLines_ContinuationOneIsLast(t *testing.T) {
	if _, err := ParseOptionLines([]string{"push-continuation 1"}); err != nil {
		t.Errorf("unexpected error %v", err)
	}
}

func TestParseOptions_Reader(t *testing.T) {
	cfg, err := ParseOptions(strings.NewReader(strings.Join(sampleLines(), "\n")))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("sample configuration should be valid: %v", err)
	}
}

func TestParseOptionLines_AuthUserPassBlock(t *testing.T) {
	cfg, err := ParseOptionLines([]string{"auth-user-pass", "<auth-user-pass>", "alice", "secret", "</auth-user-pass>"})
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.AuthUserPass || cfg.Username != "alice" || cfg.Password != "secret" {
		t.Errorf("unexpected credentials %q/%q", cfg.Username, cfg.Password)
	}
	_, err = ParseOptionLines([]string{"auth-user-pass creds.txt"})
	if !errors.Is(err, ErrUnsupportedOption) {
		t.Errorf("expected ErrUnsupportedOption, got %v", err)
	}
}

func TestParseOptionLines_DataCiphersFallback(t *testing.T) {
	cfg, err := ParseOptionLines([]string{
		"cipher AES-128-GCM",
		"data-ciphers AES-256-GCM:BF-CBC:chacha20-poly1305",
		"data-ciphers-fallback AES-256-CBC",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Cipher != CipherAES256CBC {
		t.Errorf("expected the fallback cipher, got %s", cfg.Cipher)
	}
	if diff := cmp.Diff([]Cipher{CipherAES256GCM, CipherChaCha20Poly1305}, cfg.DataCiphers); diff != "" {
		t.Errorf("data ciphers (-want +got):\n%s", diff)
	}
}
