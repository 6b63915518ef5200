// Package tls issues the ephemeral certificate the HTTP API serves when no
// certificate is configured.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"math/big"
	"net"
	"slices"
	"strings"
	"time"

	"mmapdisplay/internal/errors"
)

// DefaultValidity is used when Options.Validity is zero.
const DefaultValidity = 365 * 24 * time.Hour

// Options controls NewCertificate.
type Options struct {
	// Hosts are added to localhost and the loopback addresses. An entry
	// that parses as an IP becomes an IP SAN, anything else a DNS name.
	Hosts []string

	// SkipInterfaces leaves the machine's own addresses out of the SANs.
	SkipInterfaces bool

	Validity time.Duration
}

// Certificate is a self-signed server identity. Clients cannot chain it to
// a root, so they pin Fingerprint instead.
type Certificate struct {
	Leaf *x509.Certificate
	pair tls.Certificate
}

// NewCertificate generates a fresh P-256 key and a certificate for it.
func NewCertificate(opts Options) (*Certificate, error) {
	if opts.Validity <= 0 {
		opts.Validity = DefaultValidity
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, errors.TraceMsg(err, "generate key")
	}
	tmpl, err := template(opts)
	if err != nil {
		return nil, err
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, errors.TraceMsg(err, "create certificate")
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, errors.TraceMsg(err, "parse certificate")
	}
	return &Certificate{
		Leaf: leaf,
		pair: tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf},
	}, nil
}

// Config returns a server config presenting the certificate.
func (c *Certificate) Config() *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.pair},
		MinVersion:   tls.VersionTLS12,
	}
}

// Fingerprint is the SHA-256 of the DER certificate in upper-case hex.
func (c *Certificate) Fingerprint() string {
	return Fingerprint(c.Leaf.Raw)
}

// Fingerprint formats the SHA-256 of a DER certificate the way
// Certificate.Fingerprint does, for comparing against a peer.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

func template(opts Options) (*x509.Certificate, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.TraceMsg(err, "generate serial")
	}
	// Backdated a little so a peer with a slow clock accepts it.
	notBefore := time.Now().Add(-time.Minute)
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "mmapdisplay"},
		NotBefore:             notBefore,
		NotAfter:              notBefore.Add(opts.Validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	for _, h := range opts.Hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = appendIP(tmpl.IPAddresses, ip)
		} else if h != "" && !slices.Contains(tmpl.DNSNames, h) {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	if !opts.SkipInterfaces {
		for _, ip := range interfaceIPs() {
			tmpl.IPAddresses = appendIP(tmpl.IPAddresses, ip)
		}
	}
	return tmpl, nil
}

// interfaceIPs lists the non-loopback addresses of this machine. Failure to
// enumerate them only narrows the certificate.
func interfaceIPs() []net.IP {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var ips []net.IP
	for _, a := range addrs {
		if n, ok := a.(*net.IPNet); ok && !n.IP.IsLoopback() {
			ips = append(ips, n.IP)
		}
	}
	return ips
}

func appendIP(ips []net.IP, ip net.IP) []net.IP {
	if slices.ContainsFunc(ips, ip.Equal) {
		return ips
	}
	return append(ips, ip)
}
