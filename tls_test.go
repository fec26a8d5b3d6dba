package caphub

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testPKI is a throwaway CA issuing one certificate per node, valid for
// 127.0.0.1 only.
type testPKI struct {
	key  *ecdsa.PrivateKey
	cert *x509.Certificate
	pool *x509.CertPool
}

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err, "failed to generate private key")
	return key
}

func certTemplate(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err, "failed to generate serial number")
	return &x509.Certificate{
		Subject:               pkix.Name{CommonName: cn},
		SerialNumber:          serial,
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		IPAddresses:           []net.IP{{127, 0, 0, 1}},
		BasicConstraintsValid: true,
	}
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	key := generateKeyPair(t)
	tmpl := certTemplate(t, "caphub-test-ca")
	tmpl.IsCA = true
	tmpl.KeyUsage = x509.KeyUsageCertSign

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err, "failed to generate CA")
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err, "failed to parse CA")

	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &testPKI{key: key, cert: cert, pool: pool}
}

// tlsConfig issues a leaf for `cn` and returns an mTLS configuration
// using it.
func (pki *testPKI) tlsConfig(t *testing.T, cn string) *tls.Config {
	t.Helper()
	key := generateKeyPair(t)
	tmpl := certTemplate(t, cn)
	tmpl.KeyUsage = x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature
	tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, pki.cert, &key.PublicKey, pki.key)
	require.NoError(t, err, "failed to generate leaf")
	leaf, err := x509.ParseCertificate(der)
	require.NoError(t, err, "failed to parse leaf")

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			Leaf:        leaf,
			PrivateKey:  key,
		}},
		ClientAuth: tls.RequireAndVerifyClientCert,
		ClientCAs:  pki.pool,
		RootCAs:    pki.pool,
	}
}
