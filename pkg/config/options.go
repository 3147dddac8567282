package config

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/6ccg/vpncore/internal/obfs"
	"github.com/6ccg/vpncore/internal/wire"
)

var (
	// ErrMalformedOption is returned when a known option has bad arguments.
	ErrMalformedOption = errors.New("openvpn: malformed option")

	// ErrUnsupportedOption is returned for options we recognize but cannot
	// honor (external files, proxies, fragment, <connection> blocks).
	ErrUnsupportedOption = errors.New("openvpn: unsupported option")

	// ErrContinuationPushReply is returned when a push reply announces that
	// more options follow in another message.
	ErrContinuationPushReply = errors.New("openvpn: push reply continues")
)

// ReadConfigFile parses an .ovpn file. Only inline blocks are accepted for
// certificates and keys.
func ReadConfigFile(path string) (*Configuration, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseOptions(f)
}

// ParseOptions parses the option lines read from r.
func ParseOptions(r io.Reader) (*Configuration, error) {
	lines := make([]string, 0)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return ParseOptionLines(lines)
}

// ParseOptionLines parses OpenVPN options, one per line. The same grammar
// covers configuration files and the comma-separated options of PUSH_REPLY.
// Unknown options are ignored.
func ParseOptionLines(lines []string) (*Configuration, error) {
	st := &parseState{cfg: &Configuration{}}

	// tag and inlineBuf are used to parse inline files. Each block is marked
	// by a <option> line and closed by a </option> line.
	tag := ""
	inlineBuf := new(bytes.Buffer)

	for lineno, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}

		if tag != "" {
			if l == "</"+tag+">" {
				if err := st.parseInline(tag, inlineBuf.String()); err != nil {
					return nil, err
				}
				tag = ""
				inlineBuf.Reset()
				continue
			}
			inlineBuf.WriteString(l)
			inlineBuf.WriteByte('\n')
			continue
		}

		// comments
		if strings.HasPrefix(l, "#") || strings.HasPrefix(l, ";") {
			continue
		}

		if isOpeningTag(l) {
			tag = l[1 : len(l)-1]
			if tag == "connection" {
				return nil, fmt.Errorf("%w: <connection> blocks", ErrUnsupportedOption)
			}
			continue
		}

		p := strings.Fields(l)
		if err := st.parseOption(p[0], p[1:]); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineno+1, err)
		}
	}
	if tag != "" {
		return nil, fmt.Errorf("%w: <%s> not closed", ErrMalformedOption, tag)
	}
	return st.finish()
}

func isOpeningTag(l string) bool {
	if len(l) < 3 || l[0] != '<' || l[1] == '/' || l[len(l)-1] != '>' {
		return false
	}
	for _, r := range l[1 : len(l)-1] {
		if !(r == '-' || r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// parseState holds the options whose meaning depends on other options until
// every line has been read.
type parseState struct {
	cfg            *Configuration
	fallbackCipher Cipher
	keyDirection   *int
	tlsKeyBlock    string
	tlsStrategy    TLSWrapStrategy
	topology       Topology
	ifconfig4      []string
	ifconfig6      []string
	gateway4       []string
	redirect       []string
	hasRedirect    bool
	routeNoPull    bool
	defaultProto   Proto
	defaultPort    uint16
	remotes        []remoteArgs
}

type remoteArgs struct {
	address string
	port    uint16
	proto   Proto
}

type optionParser func(st *parseState, p []string) error

var optionParsers = map[string]optionParser{
	"cipher":                parseCipher,
	"data-ciphers":          parseDataCiphers,
	"ncp-ciphers":           parseDataCiphers,
	"data-ciphers-fallback": parseDataCiphersFallback,
	"auth":                  parseAuth,
	"comp-lzo":              parseCompLZO,
	"compress":              parseCompress,
	"key-direction":         parseKeyDirection,
	"ping":                  parsePing,
	"ping-restart":          parsePingRestart,
	"keepalive":             parseKeepAlive,
	"reneg-sec":             parseRenegSec,
	"proto":                 parseProto,
	"port":                  parsePort,
	"remote":                parseRemote,
	"auth-user-pass":        parseAuthUser,
	"remote-cert-tls":       parseRemoteCertTLS,
	"remote-cert-ku":        parseRemoteCertKU,
	"remote-cert-eku":       parseRemoteCertEKU,
	"verify-x509-name":      parseVerifyX509Name,
	"tun-mtu":               parseTunMTU,
	"auth-token":            parseAuthToken,
	"peer-id":               parsePeerID,
	"topology":              parseTopology,
	"ifconfig":              parseIfconfig,
	"ifconfig-ipv6":         parseIfconfig6,
	"route":                 parseRoute,
	"route-ipv6":            parseRoute6,
	"route-gateway":         parseRouteGateway,
	"dhcp-option":           parseDHCPOption,
	"redirect-gateway":      parseRedirectGateway,
	"route-nopull":          parseRouteNoPull,
	"scramble":              parseScramble,
	"push-continuation":     parsePushContinuation,
	"ca":                    parseExternalFile,
	"cert":                  parseExternalFile,
	"key":                   parseExternalFile,
	"tls-auth":              parseTLSAuth,
	"tls-crypt":             parseExternalFile,
	"fragment":              parseUnsupported,
}

func (st *parseState) parseOption(key string, p []string) error {
	if fn, found := optionParsers[key]; found {
		return fn(st, p)
	}
	if strings.HasSuffix(key, "-proxy") {
		return fmt.Errorf("%w: %s", ErrUnsupportedOption, key)
	}
	return nil
}

func (st *parseState) parseInline(tag, block string) error {
	switch tag {
	case "ca":
		st.cfg.CA = []byte(block)
	case "cert":
		st.cfg.ClientCertificate = []byte(block)
	case "key":
		st.cfg.ClientKey = []byte(block)
	case "tls-auth":
		st.tlsKeyBlock, st.tlsStrategy = block, TLSWrapAuth
	case "tls-crypt":
		st.tlsKeyBlock, st.tlsStrategy = block, TLSWrapCrypt
	case "tls-crypt-v2":
		return fmt.Errorf("%w: tls-crypt-v2", ErrUnsupportedOption)
	case "auth-user-pass":
		lines := strings.Split(strings.TrimSpace(block), "\n")
		if len(lines) < 2 {
			return fmt.Errorf("%w: auth-user-pass expects two lines", ErrMalformedOption)
		}
		st.cfg.Username = strings.TrimSpace(lines[0])
		st.cfg.Password = strings.TrimSpace(lines[1])
		if st.cfg.Username == "" || st.cfg.Password == "" {
			return fmt.Errorf("%w: auth-user-pass expects non-empty username and password", ErrMalformedOption)
		}
		st.cfg.AuthUserPass = true
	}
	return nil
}

func expectArgs(key string, p []string, min, max int) error {
	if len(p) < min || len(p) > max {
		if min == max {
			return fmt.Errorf("%w: %s expects %d args", ErrMalformedOption, key, min)
		}
		return fmt.Errorf("%w: %s expects %d to %d args", ErrMalformedOption, key, min, max)
	}
	return nil
}

func parseSeconds(key, s string) (time.Duration, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %s", ErrMalformedOption, key, err)
	}
	return time.Duration(n) * time.Second, nil
}

func parseCipher(st *parseState, p []string) error {
	if err := expectArgs("cipher", p, 1, 1); err != nil {
		return err
	}
	cipher := Cipher(strings.ToUpper(p[0]))
	if !cipher.IsSupported() {
		return fmt.Errorf("%w: cipher %s", ErrUnsupportedOption, p[0])
	}
	st.cfg.Cipher = cipher
	return nil
}

func parseDataCiphers(st *parseState, p []string) error {
	if err := expectArgs("data-ciphers", p, 1, 1); err != nil {
		return err
	}
	st.cfg.DataCiphers = nil
	for _, name := range strings.Split(p[0], ":") {
		cipher := Cipher(strings.ToUpper(name))
		if cipher.IsSupported() {
			st.cfg.DataCiphers = append(st.cfg.DataCiphers, cipher)
		}
	}
	return nil
}

func parseDataCiphersFallback(st *parseState, p []string) error {
	if err := expectArgs("data-ciphers-fallback", p, 1, 1); err != nil {
		return err
	}
	cipher := Cipher(strings.ToUpper(p[0]))
	if !cipher.IsSupported() {
		return fmt.Errorf("%w: data-ciphers-fallback %s", ErrUnsupportedOption, p[0])
	}
	st.fallbackCipher = cipher
	return nil
}

func parseAuth(st *parseState, p []string) error {
	if err := expectArgs("auth", p, 1, 1); err != nil {
		return err
	}
	digest := Digest(strings.ToUpper(p[0]))
	if !digest.IsSupported() {
		return fmt.Errorf("%w: auth %s", ErrUnsupportedOption, p[0])
	}
	st.cfg.Digest = digest
	return nil
}

func parseCompLZO(st *parseState, p []string) error {
	if err := expectArgs("comp-lzo", p, 0, 1); err != nil {
		return err
	}
	st.cfg.CompressionFraming = CompressionFramingCompLZO
	if len(p) == 1 && p[0] == "no" {
		st.cfg.CompressionAlgorithm = CompressionAlgorithmDisabled
		return nil
	}
	st.cfg.CompressionAlgorithm = CompressionAlgorithmLZO
	return nil
}

func parseCompress(st *parseState, p []string) error {
	if err := expectArgs("compress", p, 0, 1); err != nil {
		return err
	}
	st.cfg.CompressionFraming = CompressionFramingCompress
	st.cfg.CompressionAlgorithm = CompressionAlgorithmDisabled
	if len(p) == 0 {
		return nil
	}
	switch p[0] {
	case "stub":
	case "stub-v2":
		st.cfg.CompressionFraming = CompressionFramingCompressV2
	case "lzo":
		st.cfg.CompressionAlgorithm = CompressionAlgorithmLZO
	default:
		st.cfg.CompressionAlgorithm = CompressionAlgorithmOther
	}
	return nil
}

func (st *parseState) setKeyDirection(dir int) error {
	if dir != 0 && dir != 1 {
		return fmt.Errorf("%w: key-direction must be 0 or 1", ErrMalformedOption)
	}
	if st.keyDirection != nil && *st.keyDirection != dir {
		return fmt.Errorf("%w: conflicting key-direction values", ErrMalformedOption)
	}
	st.keyDirection = &dir
	return nil
}

func parseKeyDirection(st *parseState, p []string) error {
	if err := expectArgs("key-direction", p, 1, 1); err != nil {
		return err
	}
	dir, err := strconv.Atoi(p[0])
	if err != nil {
		return fmt.Errorf("%w: key-direction must be 0 or 1", ErrMalformedOption)
	}
	return st.setKeyDirection(dir)
}

func parsePing(st *parseState, p []string) error {
	if err := expectArgs("ping", p, 1, 1); err != nil {
		return err
	}
	d, err := parseSeconds("ping", p[0])
	if err != nil {
		return err
	}
	st.cfg.KeepAliveInterval = d
	return nil
}

func parsePingRestart(st *parseState, p []string) error {
	if err := expectArgs("ping-restart", p, 1, 1); err != nil {
		return err
	}
	d, err := parseSeconds("ping-restart", p[0])
	if err != nil {
		return err
	}
	st.cfg.KeepAliveTimeout = d
	return nil
}

func parseKeepAlive(st *parseState, p []string) error {
	if err := expectArgs("keepalive", p, 2, 2); err != nil {
		return err
	}
	interval, err := parseSeconds("keepalive", p[0])
	if err != nil {
		return err
	}
	timeout, err := parseSeconds("keepalive", p[1])
	if err != nil {
		return err
	}
	st.cfg.KeepAliveInterval, st.cfg.KeepAliveTimeout = interval, timeout
	return nil
}

func parseRenegSec(st *parseState, p []string) error {
	if err := expectArgs("reneg-sec", p, 1, 1); err != nil {
		return err
	}
	d, err := parseSeconds("reneg-sec", p[0])
	if err != nil {
		return err
	}
	st.cfg.RenegotiatesAfter = d
	return nil
}

func parseProtoName(s string) (Proto, error) {
	switch strings.ToLower(s) {
	case "udp":
		return ProtoUDP, nil
	case "udp4":
		return ProtoUDP4, nil
	case "udp6":
		return ProtoUDP6, nil
	case "tcp", "tcp-client":
		return ProtoTCP, nil
	case "tcp4", "tcp4-client":
		return ProtoTCP4, nil
	case "tcp6", "tcp6-client":
		return ProtoTCP6, nil
	case "tcp-server", "tcp4-server", "tcp6-server":
		return "", fmt.Errorf("%w: proto %s (server mode)", ErrUnsupportedOption, s)
	default:
		return "", fmt.Errorf("%w: bad proto: %s", ErrMalformedOption, s)
	}
}

func parseProto(st *parseState, p []string) error {
	if err := expectArgs("proto", p, 1, 1); err != nil {
		return err
	}
	proto, err := parseProtoName(p[0])
	if err != nil {
		return err
	}
	st.defaultProto = proto
	return nil
}

func parsePortNumber(s string) (uint16, error) {
	port, err := strconv.ParseUint(s, 10, 16)
	if err != nil || port == 0 {
		return 0, fmt.Errorf("%w: bad port: %s", ErrMalformedOption, s)
	}
	return uint16(port), nil
}

func parsePort(st *parseState, p []string) error {
	if err := expectArgs("port", p, 1, 1); err != nil {
		return err
	}
	port, err := parsePortNumber(p[0])
	if err != nil {
		return err
	}
	st.defaultPort = port
	return nil
}

func parseRemote(st *parseState, p []string) error {
	if err := expectArgs("remote", p, 1, 3); err != nil {
		return err
	}
	r := remoteArgs{address: p[0]}
	if len(p) > 1 {
		port, err := parsePortNumber(p[1])
		if err != nil {
			return err
		}
		r.port = port
	}
	if len(p) > 2 {
		proto, err := parseProtoName(p[2])
		if err != nil {
			return err
		}
		r.proto = proto
	}
	st.remotes = append(st.remotes, r)
	return nil
}

// parseAuthUser parses the auth-user-pass directive. Credentials come from
// the inline block or from the caller, never from external files.
func parseAuthUser(st *parseState, p []string) error {
	st.cfg.AuthUserPass = true
	if len(p) == 0 {
		return nil
	}
	return fmt.Errorf("%w: auth-user-pass file paths; embed <auth-user-pass> or configure username and password", ErrUnsupportedOption)
}

func parseRemoteCertTLS(st *parseState, p []string) error {
	if err := expectArgs("remote-cert-tls", p, 1, 1); err != nil {
		return err
	}
	if p[0] != "server" {
		return fmt.Errorf("%w: remote-cert-tls %s", ErrUnsupportedOption, p[0])
	}
	st.cfg.ChecksEKU = true
	st.cfg.RemoteCertKU = []KeyUsage{KeyUsageRequired}
	st.cfg.RemoteCertEKU = "TLS Web Server Authentication"
	return nil
}

func parseRemoteCertKU(st *parseState, p []string) error {
	if len(p) == 0 {
		st.cfg.RemoteCertKU = []KeyUsage{KeyUsageRequired}
		return nil
	}
	st.cfg.RemoteCertKU = nil
	for _, v := range p {
		ku, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(v), "0x"), 16, 16)
		if err != nil {
			return fmt.Errorf("%w: remote-cert-ku %s", ErrMalformedOption, v)
		}
		st.cfg.RemoteCertKU = append(st.cfg.RemoteCertKU, KeyUsage(ku))
	}
	return nil
}

func parseRemoteCertEKU(st *parseState, p []string) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: remote-cert-eku expects an argument", ErrMalformedOption)
	}
	// names such as "TLS Web Server Authentication" contain spaces
	st.cfg.RemoteCertEKU = strings.Trim(strings.Join(p, " "), `"`)
	return nil
}

func parseVerifyX509Name(st *parseState, p []string) error {
	if err := expectArgs("verify-x509-name", p, 1, 2); err != nil {
		return err
	}
	st.cfg.VerifyX509Name = strings.Trim(p[0], `'"`)
	st.cfg.VerifyX509Type = VerifyX509SubjectDN
	if len(p) == 1 {
		return nil
	}
	switch p[1] {
	case "subject":
	case "name":
		st.cfg.VerifyX509Type = VerifyX509SubjectRDN
	case "name-prefix":
		st.cfg.VerifyX509Type = VerifyX509SubjectRDNPrefix
	default:
		return fmt.Errorf("%w: verify-x509-name type %s", ErrMalformedOption, p[1])
	}
	return nil
}

func parseTunMTU(st *parseState, p []string) error {
	if err := expectArgs("tun-mtu", p, 1, 1); err != nil {
		return err
	}
	mtu, err := strconv.Atoi(p[0])
	if err != nil || mtu <= 0 {
		return fmt.Errorf("%w: tun-mtu %s", ErrMalformedOption, p[0])
	}
	st.cfg.MTU = mtu
	return nil
}

func parseAuthToken(st *parseState, p []string) error {
	if err := expectArgs("auth-token", p, 1, 1); err != nil {
		return err
	}
	st.cfg.AuthToken = p[0]
	return nil
}

func parsePeerID(st *parseState, p []string) error {
	if err := expectArgs("peer-id", p, 1, 1); err != nil {
		return err
	}
	// the peer id travels as 3 bytes in P_DATA_V2
	id, err := strconv.ParseUint(p[0], 10, 24)
	if err != nil {
		return fmt.Errorf("%w: peer-id %s", ErrMalformedOption, p[0])
	}
	peerID := uint32(id)
	st.cfg.PeerID = &peerID
	return nil
}

func parseTopology(st *parseState, p []string) error {
	if err := expectArgs("topology", p, 1, 1); err != nil {
		return err
	}
	switch t := Topology(p[0]); t {
	case TopologyNet30, TopologyP2P, TopologySubnet:
		st.topology = t
		return nil
	default:
		return fmt.Errorf("%w: topology %s", ErrMalformedOption, p[0])
	}
}

func parseIfconfig(st *parseState, p []string) error {
	if err := expectArgs("ifconfig", p, 2, 2); err != nil {
		return err
	}
	for _, addr := range p {
		if err := checkIPv4(addr); err != nil {
			return err
		}
	}
	st.ifconfig4 = p
	return nil
}

func parseIfconfig6(st *parseState, p []string) error {
	if err := expectArgs("ifconfig-ipv6", p, 2, 2); err != nil {
		return err
	}
	st.ifconfig6 = p
	return nil
}

func checkIPv4(s string) error {
	addr, err := netip.ParseAddr(s)
	if err != nil || !addr.Is4() {
		return fmt.Errorf("%w: bad IPv4 address: %s", ErrMalformedOption, s)
	}
	return nil
}

func parsePrefix6(s string) (string, uint8, error) {
	prefix, err := netip.ParsePrefix(s)
	if err != nil || !prefix.Addr().Is6() {
		return "", 0, fmt.Errorf("%w: bad IPv6 prefix: %s", ErrMalformedOption, s)
	}
	return prefix.Addr().String(), uint8(prefix.Bits()), nil
}

// routeGateway maps the symbolic gateways to "use the VPN gateway".
func routeGateway(s string) string {
	if _, err := netip.ParseAddr(s); err != nil {
		return ""
	}
	return s
}

func parseRoute(st *parseState, p []string) error {
	if err := expectArgs("route", p, 1, 3); err != nil {
		return err
	}
	r := Route4{Destination: p[0], Mask: "255.255.255.255"}
	if err := checkIPv4(r.Destination); err != nil {
		return err
	}
	if len(p) > 1 {
		if err := checkIPv4(p[1]); err != nil {
			return err
		}
		r.Mask = p[1]
	}
	if len(p) > 2 {
		r.Gateway = routeGateway(p[2])
	}
	st.cfg.Routes4 = append(st.cfg.Routes4, r)
	return nil
}

func parseRoute6(st *parseState, p []string) error {
	if err := expectArgs("route-ipv6", p, 1, 3); err != nil {
		return err
	}
	dest, bits, err := parsePrefix6(p[0])
	if err != nil {
		return err
	}
	r := Route6{Destination: dest, PrefixLength: bits}
	if len(p) > 1 {
		r.Gateway = routeGateway(p[1])
	}
	st.cfg.Routes6 = append(st.cfg.Routes6, r)
	return nil
}

func parseRouteGateway(st *parseState, p []string) error {
	st.gateway4 = p
	return nil
}

func parseDHCPOption(st *parseState, p []string) error {
	if len(p) < 2 {
		return fmt.Errorf("%w: dhcp-option expects a type and a value", ErrMalformedOption)
	}
	switch p[0] {
	case "DNS", "DNS6":
		if _, err := netip.ParseAddr(p[1]); err != nil {
			return fmt.Errorf("%w: bad DNS server: %s", ErrMalformedOption, p[1])
		}
		st.cfg.DNSServers = append(st.cfg.DNSServers, p[1])
	case "DOMAIN":
		st.cfg.DNSDomain = p[1]
	case "DOMAIN-SEARCH":
		st.cfg.SearchDomains = append(st.cfg.SearchDomains, p[1])
	case "PROXY_HTTP", "PROXY_HTTPS":
		if len(p) != 3 {
			return fmt.Errorf("%w: dhcp-option %s expects host and port", ErrMalformedOption, p[0])
		}
		port, err := parsePortNumber(p[2])
		if err != nil {
			return err
		}
		proxy := &Proxy{Address: p[1], Port: port}
		if p[0] == "PROXY_HTTP" {
			st.cfg.HTTPProxy = proxy
		} else {
			st.cfg.HTTPSProxy = proxy
		}
	case "PROXY_AUTO_CONFIG_URL":
		if _, err := url.ParseRequestURI(p[1]); err != nil {
			return fmt.Errorf("%w: dhcp-option PROXY_AUTO_CONFIG_URL has malformed URL", ErrMalformedOption)
		}
		st.cfg.ProxyAutoConfigURL = p[1]
	case "PROXY_BYPASS":
		st.cfg.ProxyBypassDomains = append([]string{}, p[1:]...)
	}
	return nil
}

func parseRedirectGateway(st *parseState, p []string) error {
	st.hasRedirect = true
	st.redirect = p
	return nil
}

func parseRouteNoPull(st *parseState, p []string) error {
	st.routeNoPull = true
	return nil
}

func parseScramble(st *parseState, p []string) error {
	if err := expectArgs("scramble", p, 1, 2); err != nil {
		return err
	}
	method := obfs.Method(p[0])
	var mask []byte
	if len(p) > 1 {
		mask = []byte(p[1])
	}
	if _, err := obfs.New(method, mask); err != nil {
		return fmt.Errorf("%w: %s", ErrMalformedOption, err)
	}
	st.cfg.ScrambleMethod = method
	st.cfg.ScrambleMask = mask
	return nil
}

func parsePushContinuation(st *parseState, p []string) error {
	if len(p) == 1 && p[0] == "2" {
		return ErrContinuationPushReply
	}
	return nil
}

func isInlineArg(s string) bool {
	return s == "[inline]" || strings.EqualFold(s, "inline")
}

func parseExternalFile(st *parseState, p []string) error {
	if len(p) == 1 && isInlineArg(p[0]) {
		return nil
	}
	return fmt.Errorf("%w: external files are not supported, use inline blocks", ErrUnsupportedOption)
}

func parseTLSAuth(st *parseState, p []string) error {
	if len(p) == 0 || len(p) > 2 || !isInlineArg(p[0]) {
		return parseExternalFile(st, p)
	}
	if len(p) == 2 {
		dir, err := strconv.Atoi(p[1])
		if err != nil {
			return fmt.Errorf("%w: tls-auth direction must be 0 or 1", ErrMalformedOption)
		}
		return st.setKeyDirection(dir)
	}
	return nil
}

func parseUnsupported(st *parseState, p []string) error {
	return fmt.Errorf("%w: fragment", ErrUnsupportedOption)
}

// finish resolves the options that depend on each other.
func (st *parseState) finish() (*Configuration, error) {
	cfg := st.cfg
	if st.fallbackCipher != "" {
		cfg.Cipher = st.fallbackCipher
	}

	if st.tlsKeyBlock != "" {
		key, err := wire.ParseStaticKey(st.tlsKeyBlock)
		if err != nil {
			return nil, err
		}
		wrap := &TLSWrap{Strategy: st.tlsStrategy, Key: key, Direction: wire.KeyDirectionNone}
		switch {
		case st.tlsStrategy == TLSWrapCrypt:
			wrap.Direction = wire.KeyDirectionClient
		case st.keyDirection != nil:
			wrap.Direction = wire.KeyDirection(*st.keyDirection)
		}
		cfg.TLSWrap = wrap
	}

	if len(st.remotes) > 0 {
		proto, port := st.defaultProto, st.defaultPort
		if proto == "" {
			proto = ProtoUDP
		}
		if port == 0 {
			port = DefaultPort
		}
		for _, r := range st.remotes {
			remote := Remote{Address: r.address, Port: r.port, Proto: r.proto}
			if remote.Port == 0 {
				remote.Port = port
			}
			if remote.Proto == "" {
				remote.Proto = proto
			}
			cfg.Remotes = append(cfg.Remotes, remote)
		}
	}

	// With --topology subnet the arguments of --ifconfig mean "address
	// netmask" instead of "local remote".
	if st.ifconfig4 != nil {
		switch st.topology {
		case TopologySubnet:
			if len(st.gateway4) != 1 {
				return nil, fmt.Errorf("%w: route-gateway takes 1 argument", ErrMalformedOption)
			}
			if err := checkIPv4(st.gateway4[0]); err != nil {
				return nil, err
			}
			cfg.IPv4 = &IPv4Settings{
				Address: st.ifconfig4[0],
				Mask:    st.ifconfig4[1],
				Gateway: st.gateway4[0],
			}
		default:
			cfg.IPv4 = &IPv4Settings{
				Address: st.ifconfig4[0],
				Mask:    "255.255.255.255",
				Gateway: st.ifconfig4[1],
			}
		}
	}

	if st.ifconfig6 != nil {
		addr, bits, err := parsePrefix6(st.ifconfig6[0])
		if err != nil {
			return nil, err
		}
		gw, err := netip.ParseAddr(st.ifconfig6[1])
		if err != nil || !gw.Is6() {
			return nil, fmt.Errorf("%w: bad IPv6 gateway: %s", ErrMalformedOption, st.ifconfig6[1])
		}
		cfg.IPv6 = &IPv6Settings{Address: addr, PrefixLength: bits, Gateway: gw.String()}
	}

	if st.routeNoPull {
		cfg.NoPullMask = []PullMask{PullMaskRoutes, PullMaskDNS, PullMaskProxy}
	}

	if st.hasRedirect {
		ipv4, ipv6, blockLocal := true, false, false
		for _, flag := range st.redirect {
			switch flag {
			case "!ipv4":
				ipv4 = false
			case "ipv6":
				ipv6 = true
			case "block-local":
				blockLocal = true
			}
		}
		cfg.RoutingPolicies = []RoutingPolicy{}
		if ipv4 {
			cfg.RoutingPolicies = append(cfg.RoutingPolicies, RoutingPolicyIPv4)
		}
		if ipv6 {
			cfg.RoutingPolicies = append(cfg.RoutingPolicies, RoutingPolicyIPv6)
		}
		if blockLocal {
			cfg.RoutingPolicies = append(cfg.RoutingPolicies, RoutingPolicyBlockLocal)
		}
	}
	return cfg, nil
}
