package tls

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/fleetwatch/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(nil)
	require.NoError(t, err)
	assert.Nil(t, c)

	c, err = Setup(&config.TLSConfig{Enabled: false, Dir: t.TempDir()})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	cfg := &config.TLSConfig{
		Enabled:      true,
		Dir:          dir,
		AutoGenerate: true,
		MinVersion:   "1.2",
		AutoGen:      &config.AutoGenTLS{DNSNames: []string{"fleet.local"}, ValidDays: 2},
	}
	c, err := Setup(cfg)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MaxVersion)

	pair, err := c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, []string{"fleet.local"}, leaf.DNSNames)
	assert.Len(t, leaf.IPAddresses, 2)

	caPEM, err := os.ReadFile(CACertPath(dir))
	require.NoError(t, err)
	block, _ := pem.Decode(caPEM)
	require.NotNil(t, block)
	assert.Equal(t, pair.Certificate[0], block.Bytes)

	// an existing pair is reused
	before, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	_, err = Setup(cfg)
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSetupCertFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, generateCertificate(&config.TLSConfig{}, dir))

	c, err := Setup(&config.TLSConfig{
		Enabled:  true,
		CertFile: filepath.Join(dir, tlsCrt),
		KeyFile:  filepath.Join(dir, tlsKey),
	})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)

	_, err = Setup(&config.TLSConfig{
		Enabled:  true,
		CertFile: filepath.Join(dir, "missing.crt"),
		KeyFile:  filepath.Join(dir, tlsKey),
	})
	assert.Error(t, err)
}

func TestSetupErrors(t *testing.T) {
	_, err := Setup(&config.TLSConfig{Enabled: true})
	assert.Error(t, err)

	_, err = Setup(&config.TLSConfig{Enabled: true, Dir: t.TempDir()})
	assert.ErrorContains(t, err, "auto_generate is off")
}

func TestResolveTLSVersions(t *testing.T) {
	min, max := resolveTLSVersions(&config.TLSConfig{MinVersion: "bogus"})
	assert.Equal(t, uint16(tls.VersionTLS13), min)
	assert.Equal(t, uint16(tls.VersionTLS13), max)

	min, max = resolveTLSVersions(&config.TLSConfig{MinVersion: "1.3", MaxVersion: "1.2"})
	assert.Equal(t, uint16(tls.VersionTLS13), min)
	assert.Equal(t, uint16(tls.VersionTLS13), max)
}

func TestSafeReadFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(p, []byte("x"), 0o600))

	b, err := safeReadFile(dir, p)
	require.NoError(t, err)
	assert.Equal(t, "x", string(b))

	_, err = safeReadFile(filepath.Join(dir, "sub"), p)
	assert.Error(t, err)
}
