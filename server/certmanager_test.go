package server

import (
	"crypto/rand"
	"crypto/rsa"
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

func commonName(t *testing.T, cm *CertManager) string {
	t.Helper()

	cert, err := cm.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)

	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)

	return x509Cert.Subject.CommonName
}

func TestCertManager(t *testing.T) {
	tmpDir := t.TempDir()
	certPath := filepath.Join(tmpDir, "meshns.crt")
	keyPath := filepath.Join(tmpDir, "meshns.key")

	cert1, key1 := generateTestCert(t, "ns1.home.arpa")
	writeCertAndKey(t, certPath, keyPath, cert1, key1)

	cm, err := NewCertManager(certPath, keyPath)
	require.NoError(t, err)
	defer cm.Stop()

	tlsConfig := cm.GetTLSConfig()
	require.NotNil(t, tlsConfig)
	assert.Equal(t, uint16(tls.VersionTLS12), tlsConfig.MinVersion)

	assert.Equal(t, "ns1.home.arpa", commonName(t, cm))

	// make sure the modification time moves forward
	time.Sleep(20 * time.Millisecond)

	cert2, key2 := generateTestCert(t, "ns2.home.arpa")
	writeCertAndKey(t, certPath, keyPath, cert2, key2)

	later := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(certPath, later, later))

	assert.Eventually(t, func() bool {
		return commonName(t, cm) == "ns2.home.arpa"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCertManagerReload(t *testing.T) {
	tmpDir := t.TempDir()
	certPath := filepath.Join(tmpDir, "meshns.crt")
	keyPath := filepath.Join(tmpDir, "meshns.key")

	cert1, key1 := generateTestCert(t, "reload1.home.arpa")
	writeCertAndKey(t, certPath, keyPath, cert1, key1)

	cm, err := NewCertManager(certPath, keyPath)
	require.NoError(t, err)
	cm.Stop()
	cm.Stop()

	cert2, key2 := generateTestCert(t, "reload2.home.arpa")
	writeCertAndKey(t, certPath, keyPath, cert2, key2)

	require.NoError(t, cm.Reload())
	assert.Equal(t, "reload2.home.arpa", commonName(t, cm))

	// a broken pair keeps the loaded certificate
	require.NoError(t, os.WriteFile(keyPath, []byte("broken"), 0600))
	assert.Error(t, cm.Reload())
	assert.Equal(t, "reload2.home.arpa", commonName(t, cm))
}

func TestCertManagerErrors(t *testing.T) {
	_, err := NewCertManager("", "")
	assert.Error(t, err)

	_, err = NewCertManager("/nonexistent/cert.pem", "/nonexistent/key.pem")
	assert.Error(t, err)

	cm := &CertManager{}
	_, err = cm.GetCertificate(&tls.ClientHelloInfo{})
	assert.Error(t, err)
}

func generateTestCert(t *testing.T, commonName string) ([]byte, []byte) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName: commonName,
		},
		DNSNames:              []string{commonName},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)

	certPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "CERTIFICATE",
		Bytes: certDER,
	})

	keyDER, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)

	keyPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "PRIVATE KEY",
		Bytes: keyDER,
	})

	return certPEM, keyPEM
}

func writeCertAndKey(t *testing.T, certPath, keyPath string, cert, key []byte) {
	err := os.WriteFile(certPath, cert, 0644)
	require.NoError(t, err)

	err = os.WriteFile(keyPath, key, 0600)
	require.NoError(t, err)
}
