package tlssession

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	tls "github.com/refraction-networking/utls"

	"github.com/6ccg/vpncore/pkg/config"
)

var (
	// ErrBadTLSInit is returned when TLS configuration cannot be initialized
	ErrBadTLSInit = errors.New("TLS init error")

	// ErrBadCA is returned when the CA is missing or not valid.
	ErrBadCA = errors.New("bad ca conf")

	// ErrBadKeypair is returned when the client key or cert is not valid.
	ErrBadKeypair = errors.New("bad keypair conf")

	// ErrBadParrot is returned for errors during TLS parroting
	ErrBadParrot = errors.New("cannot parrot")

	// ErrCannotVerifyCertChain is returned for certificate chain validation errors.
	ErrCannotVerifyCertChain = errors.New("cannot verify chain")

	// ErrX509NameMismatch is returned when the server certificate's X.509 name
	// does not match the expected value from --verify-x509-name.
	ErrX509NameMismatch = errors.New("X.509 name mismatch")

	// ErrKeyUsageMismatch is returned when the server certificate's Key Usage
	// does not match the expected value from --remote-cert-ku.
	ErrKeyUsageMismatch = errors.New("Key Usage mismatch")

	// ErrExtKeyUsageMismatch is returned when the server certificate's Extended Key Usage
	// does not match the expected value from --remote-cert-eku.
	ErrExtKeyUsageMismatch = errors.New("Extended Key Usage mismatch")
)

// certConfig holds the parsed certificate and CA used for OpenVPN mutual
// certificate authentication, plus the checks on the server certificate.
type certConfig struct {
	cert           *tls.Certificate
	ca             *x509.CertPool
	verifyX509Name string
	verifyX509Type config.VerifyX509Type
	remoteCertKU   []config.KeyUsage
	remoteCertEKU  string
}

// newCertConfig parses the PEM material of the configuration.
func newCertConfig(cfg *config.Configuration) (*certConfig, error) {
	ca := x509.NewCertPool()
	if !ca.AppendCertsFromPEM(cfg.CA) {
		return nil, fmt.Errorf("%w: %s", ErrBadCA, "cannot parse ca cert")
	}
	cc := &certConfig{
		ca:             ca,
		verifyX509Name: cfg.VerifyX509Name,
		verifyX509Type: cfg.VerifyX509Type,
		remoteCertKU:   cfg.RemoteCertKU,
		remoteCertEKU:  cfg.RemoteCertEKU,
	}
	if len(cfg.ClientCertificate) != 0 && len(cfg.ClientKey) != 0 {
		cert, err := tls.X509KeyPair(cfg.ClientCertificate, cfg.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadKeypair, err)
		}
		cc.cert = &cert
	}
	return cc, nil
}

// verifyFun is the type expected by the VerifyPeerCertificate callback in tls.Config.
type verifyFun func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error

// customVerifyFactory returns a verifyFun that verifies the chain against
// the configured CA without checking the server name, since we don't know it
// a priori for a VPN gateway. The optional name and usage checks follow.
func customVerifyFactory(cfg *certConfig) verifyFun {
	return func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("%w: %s", ErrCannotVerifyCertChain, "nothing to verify")
		}
		// we're always given the leaf certificate first
		leaf, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("%w: %s", ErrCannotVerifyCertChain, err)
		}
		opts := x509.VerifyOptions{
			DNSName:   "",
			Roots:     cfg.ca,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		if len(rawCerts) > 1 {
			opts.Intermediates = x509.NewCertPool()
			for _, certDER := range rawCerts[1:] {
				cert, err := x509.ParseCertificate(certDER)
				if err != nil {
					return fmt.Errorf("%w: %s", ErrCannotVerifyCertChain, err)
				}
				opts.Intermediates.AddCert(cert)
			}
		}
		if _, err := leaf.Verify(opts); err != nil {
			return fmt.Errorf("%w: %s", ErrCannotVerifyCertChain, err)
		}

		if cfg.verifyX509Type != config.VerifyX509None && cfg.verifyX509Name != "" {
			if err := verifyX509Name(leaf, cfg.verifyX509Name, cfg.verifyX509Type); err != nil {
				return err
			}
		}
		if len(cfg.remoteCertKU) > 0 {
			if err := verifyKeyUsage(leaf, cfg.remoteCertKU); err != nil {
				return err
			}
		}
		if cfg.remoteCertEKU != "" {
			if err := verifyExtKeyUsage(leaf, cfg.remoteCertEKU); err != nil {
				return err
			}
		}
		return nil
	}
}

// verifyX509Name implements --verify-x509-name.
func verifyX509Name(cert *x509.Certificate, expectedName string, verifyType config.VerifyX509Type) error {
	switch verifyType {
	case config.VerifyX509SubjectDN:
		subjectDN, err := formatSubjectDN(cert)
		if err != nil {
			return fmt.Errorf("%w: cannot format subject DN: %s", ErrX509NameMismatch, err)
		}
		if subjectDN != expectedName {
			return fmt.Errorf("%w: subject DN %q does not match expected %q",
				ErrX509NameMismatch, subjectDN, expectedName)
		}

	case config.VerifyX509SubjectRDN:
		if cn := cert.Subject.CommonName; cn != expectedName {
			return fmt.Errorf("%w: CN %q does not match expected %q",
				ErrX509NameMismatch, cn, expectedName)
		}

	case config.VerifyX509SubjectRDNPrefix:
		if cn := cert.Subject.CommonName; !strings.HasPrefix(cn, expectedName) {
			return fmt.Errorf("%w: CN %q does not have expected prefix %q",
				ErrX509NameMismatch, cn, expectedName)
		}
	}
	return nil
}

// formatSubjectDN formats the certificate subject the way OpenSSL's
// X509_NAME_print_ex does with XN_FLAG_SEP_CPLUS_SPC | XN_FLAG_FN_SN.
func formatSubjectDN(cert *x509.Certificate) (string, error) {
	if cert == nil {
		return "", errors.New("nil cert")
	}
	raw := cert.RawSubject
	if len(raw) == 0 {
		encoded, err := asn1.Marshal(cert.Subject.ToRDNSequence())
		if err != nil {
			return "", err
		}
		raw = encoded
	}
	var rdns pkix.RDNSequence
	if _, err := asn1.Unmarshal(raw, &rdns); err != nil {
		return "", err
	}

	rdnParts := make([]string, 0, len(rdns))
	for _, rdn := range rdns {
		if len(rdn) == 0 {
			continue
		}
		avParts := make([]string, 0, len(rdn))
		for _, atv := range rdn {
			avParts = append(avParts, oidShortName(atv.Type)+"="+escapeDNValue(fmt.Sprint(atv.Value)))
		}
		rdnParts = append(rdnParts, strings.Join(avParts, " + "))
	}
	return strings.Join(rdnParts, ", "), nil
}

var oidShortNames = map[string]string{
	"2.5.4.6":                    "C",
	"2.5.4.8":                    "ST",
	"2.5.4.7":                    "L",
	"2.5.4.10":                   "O",
	"2.5.4.11":                   "OU",
	"2.5.4.3":                    "CN",
	"2.5.4.5":                    "serialNumber",
	"2.5.4.9":                    "street",
	"2.5.4.17":                   "postalCode",
	"1.2.840.113549.1.9.1":       "emailAddress",
	"0.9.2342.19200300.100.1.25": "DC",
}

func oidShortName(oid asn1.ObjectIdentifier) string {
	if name, ok := oidShortNames[oid.String()]; ok {
		return name
	}
	return oid.String()
}

func escapeDNValue(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\\':
			b.WriteString("\\\\")
		case r <= 0x1f || r == 0x7f:
			fmt.Fprintf(&b, "\\x%02X", r)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// openSSLKeyUsage converts Go's key usage bits, where digitalSignature is
// bit 0, to the OpenSSL order used on the command line, where it is 0x80.
func openSSLKeyUsage(ku x509.KeyUsage) config.KeyUsage {
	var out config.KeyUsage
	for bit := 0; bit < 8; bit++ {
		if ku&(1<<bit) != 0 {
			out |= config.KeyUsage(0x80 >> bit)
		}
	}
	if ku&x509.KeyUsageDecipherOnly != 0 {
		out |= 0x8000
	}
	return out
}

// verifyKeyUsage implements --remote-cert-ku: the certificate must match at
// least one of the expected values.
func verifyKeyUsage(cert *x509.Certificate, expectedKUs []config.KeyUsage) error {
	if len(expectedKUs) == 0 {
		return nil
	}
	if expectedKUs[0] == config.KeyUsageRequired {
		if !hasKeyUsageExtension(cert) {
			return fmt.Errorf("%w: certificate does not have key usage extension",
				ErrKeyUsageMismatch)
		}
		return nil
	}
	certKU := openSSLKeyUsage(cert.KeyUsage)
	for _, expected := range expectedKUs {
		if certKU&expected == expected {
			return nil
		}
	}
	return fmt.Errorf("%w: certificate key usage %04x does not match any of expected values",
		ErrKeyUsageMismatch, certKU)
}

var oidKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 15}

func hasKeyUsageExtension(cert *x509.Certificate) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidKeyUsage) {
			return true
		}
	}
	return false
}

var ekuNames = map[string]x509.ExtKeyUsage{
	"serverAuth":                    x509.ExtKeyUsageServerAuth,
	"clientAuth":                    x509.ExtKeyUsageClientAuth,
	"codeSigning":                   x509.ExtKeyUsageCodeSigning,
	"emailProtection":               x509.ExtKeyUsageEmailProtection,
	"timeStamping":                  x509.ExtKeyUsageTimeStamping,
	"OCSPSigning":                   x509.ExtKeyUsageOCSPSigning,
	"TLS Web Server Authentication": x509.ExtKeyUsageServerAuth,
	"TLS Web Client Authentication": x509.ExtKeyUsageClientAuth,
	"1.3.6.1.5.5.7.3.1":             x509.ExtKeyUsageServerAuth,
	"1.3.6.1.5.5.7.3.2":             x509.ExtKeyUsageClientAuth,
	"1.3.6.1.5.5.7.3.3":             x509.ExtKeyUsageCodeSigning,
	"1.3.6.1.5.5.7.3.4":             x509.ExtKeyUsageEmailProtection,
	"1.3.6.1.5.5.7.3.8":             x509.ExtKeyUsageTimeStamping,
	"1.3.6.1.5.5.7.3.9":             x509.ExtKeyUsageOCSPSigning,
}

// verifyExtKeyUsage implements --remote-cert-eku. The expected usage is a
// name (e.g., "serverAuth") or an OID (e.g., "1.3.6.1.5.5.7.3.1").
func verifyExtKeyUsage(cert *x509.Certificate, expectedEKU string) error {
	if expectedEKU == "" {
		return nil
	}
	for _, eku := range cert.ExtKeyUsage {
		if eku == x509.ExtKeyUsageAny {
			return nil
		}
	}
	if target, found := ekuNames[expectedEKU]; found {
		for _, eku := range cert.ExtKeyUsage {
			if eku == target {
				return nil
			}
		}
		return fmt.Errorf("%w: certificate does not have required Extended Key Usage: %s",
			ErrExtKeyUsageMismatch, expectedEKU)
	}
	oid, ok := parseOID(expectedEKU)
	if !ok {
		return fmt.Errorf("%w: unknown Extended Key Usage: %s", ErrExtKeyUsageMismatch, expectedEKU)
	}
	for _, u := range cert.UnknownExtKeyUsage {
		if u.Equal(oid) {
			return nil
		}
	}
	return fmt.Errorf("%w: certificate does not have required Extended Key Usage: %s",
		ErrExtKeyUsageMismatch, expectedEKU)
}

func parseOID(s string) (asn1.ObjectIdentifier, bool) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return nil, false
	}
	out := make(asn1.ObjectIdentifier, 0, len(parts))
	for _, part := range parts {
		value, err := strconv.Atoi(part)
		if err != nil || value < 0 {
			return nil, false
		}
		out = append(out, value)
	}
	return out, true
}

// initTLS returns a tls.Config for the control channel: mutual TLS with the
// custom CA verification and no server name check.
func initTLS(cfg *certConfig) *tls.Config {
	tlsConf := &tls.Config{
		// crypto/tls wants either ServerName or InsecureSkipVerify set ...
		InsecureSkipVerify: true,
		// ...but we pass our own verification function that verifies against the CA and ignores the ServerName
		VerifyPeerCertificate: customVerifyFactory(cfg),
		// disable DynamicRecordSizing to lower distinguishability.
		DynamicRecordSizingDisabled: true,
		// uTLS does not pick min/max version from the passed spec
		MinVersion: tls.VersionTLS12,
		MaxVersion: tls.VersionTLS13,
	} //#nosec G402
	if cfg.cert != nil {
		tlsConf.Certificates = []tls.Certificate{*cfg.cert}
	}
	return tlsConf
}

// handshaker is the part of tls.UConn we use, so tests can swap the
// implementation.
type handshaker interface {
	net.Conn
	Handshake() error
}

// defaultTLSFactory returns a plain uTLS client. It comes handy to compare
// fingerprints with the parroted handshake.
func defaultTLSFactory(conn net.Conn, config *tls.Config) (handshaker, error) {
	return tls.Client(conn, config), nil
}

// vpnClientHelloHex is the hexadecimal representation of a capture from the reference openvpn implementation.
// openvpn=2.5.5,openssl=3.0.2
var vpnClientHelloHex = `1603010114010001100303534e0a0f2687b240f7c7dfbb51c4aac33639f28173aa5d7bcebb159695ab0855208b835bf240a83df66885d6747b5bbf1b631e8c34ae469c629d7eb76e247128eb0032130213031301c02cc030009fcca9cca8ccaac02bc02f009ec024c028006bc023c0270067c00ac0140039c009c013003300ff01000095000b000403000102000a00160014001d0017001e00190018010001010102010301040016000000170000000d002a0028040305030603080708080809080a080b080408050806040105010601030303010302040205020602002b0009080304030303020301002d00020101003300260024001d0020a10bc24becb583293c317220e6725205d3a177a4a974090f6ffcf13a43da7035`

// parrotTLSFactory returns a client whose ClientHello looks like the one of
// the reference implementation.
func parrotTLSFactory(conn net.Conn, config *tls.Config) (handshaker, error) {
	fingerprinter := &tls.Fingerprinter{AllowBluntMimicry: true}
	rawOpenVPNClientHelloBytes, err := hex.DecodeString(vpnClientHelloHex)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot decode raw fingerprint: %s", ErrBadParrot, err)
	}
	generatedSpec, err := fingerprinter.FingerprintClientHello(rawOpenVPNClientHelloBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: fingerprinting failed: %s", ErrBadParrot, err)
	}
	client := tls.UClient(conn, config, tls.HelloCustom)
	if err := client.ApplyPreset(generatedSpec); err != nil {
		return nil, fmt.Errorf("%w: cannot apply spec: %s", ErrBadParrot, err)
	}
	return client, nil
}

// tlsFactoryFn is a global variable to allow monkeypatching in tests.
var tlsFactoryFn = parrotTLSFactory
