package tls

import (
	"crypto/sha256"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCertificate(t *testing.T) {
	c, err := NewCertificate(Options{})
	require.NoError(t, err)

	cfg := c.Config()
	require.Len(t, cfg.Certificates, 1)
	der := cfg.Certificates[0].Certificate[0]
	assert.Equal(t, fmt.Sprintf("%X", sha256.Sum256(der)), c.Fingerprint())
	assert.Equal(t, c.Fingerprint(), Fingerprint(c.Leaf.Raw))

	assert.NoError(t, c.Leaf.VerifyHostname("localhost"))
	assert.NoError(t, c.Leaf.VerifyHostname("127.0.0.1"))
	assert.NoError(t, c.Leaf.VerifyHostname("::1"))
	assert.WithinDuration(t, time.Now().Add(DefaultValidity), c.Leaf.NotAfter, 2*time.Minute)
	assert.True(t, c.Leaf.NotBefore.Before(time.Now()))
}

func TestCertificateHosts(t *testing.T) {
	c, err := NewCertificate(Options{
		Hosts:          []string{"display.example", "10.1.2.3", "127.0.0.1", "", "display.example"},
		SkipInterfaces: true,
		Validity:       time.Hour,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"localhost", "display.example"}, c.Leaf.DNSNames)
	assert.NoError(t, c.Leaf.VerifyHostname("10.1.2.3"))
	assert.Error(t, c.Leaf.VerifyHostname("other.example"))
	assert.Len(t, c.Leaf.IPAddresses, 3)
	assert.WithinDuration(t, time.Now().Add(time.Hour), c.Leaf.NotAfter, 2*time.Minute)
}

func TestCertificatesAreDistinct(t *testing.T) {
	a, err := NewCertificate(Options{SkipInterfaces: true})
	require.NoError(t, err)
	b, err := NewCertificate(Options{SkipInterfaces: true})
	require.NoError(t, err)
	assert.NotEqual(t, a.Fingerprint(), b.Fingerprint())
	assert.NotEqual(t, a.Leaf.SerialNumber, b.Leaf.SerialNumber)
}

func TestInterfaceIPsSkipLoopback(t *testing.T) {
	for _, ip := range interfaceIPs() {
		assert.False(t, ip.IsLoopback(), ip.String())
	}
	assert.Len(t, appendIP([]net.IP{net.IPv6loopback}, net.ParseIP("::1")), 1)
}
