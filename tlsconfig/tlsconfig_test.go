package tlsconfig

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSelfSigned(t *testing.T, dir string) (certPath, keyPath string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"localhost"},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	certPath = filepath.Join(dir, "cert.pem")
	keyPath = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600))
	require.NoError(t, os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER}), 0600))
	return certPath, keyPath
}

func TestServerConfig(t *testing.T) {
	certPath, keyPath := writeSelfSigned(t, t.TempDir())

	conf, err := ServerConfig(certPath, keyPath, "quic-websocket")
	require.NoError(t, err)

	assert.Len(t, conf.Certificates, 1)
	assert.Equal(t, []string{"quic-websocket"}, conf.NextProtos)
	assert.Equal(t, uint16(tls.VersionTLS13), conf.MinVersion)
}

func TestServerConfigMissingFiles(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := writeSelfSigned(t, dir)

	_, err := ServerConfig(filepath.Join(dir, "absent.pem"), keyPath, "h3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	_, err = ServerConfig(certPath, filepath.Join(dir, "absent.pem"), "h3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestServerConfigBadKeyPair(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certPath, []byte("not a cert"), 0600))
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key"), 0600))

	_, err := ServerConfig(certPath, keyPath, "h3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error parsing X509 key pair")
}
