// Package credtest generates throwaway signing credentials for tests.
package credtest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/facturalink/sri-engine/internal/credential"
)

// Keypair generates an RSA key and a self-signed certificate valid for the
// given window.
func Keypair(t *testing.T, commonName string, notBefore, notAfter time.Time) (*rsa.PrivateKey, *x509.Certificate) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{"Test CA"}},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return key, cert
}

// PEMBundle serializes the key and certificate as a plaintext PEM bundle.
func PEMBundle(t *testing.T, key *rsa.PrivateKey, cert *x509.Certificate) []byte {
	t.Helper()

	var out []byte
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	out = append(out, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})...)
	return out
}

// EncryptedPEMBundle serializes the bundle with the private key encrypted
// under passphrase, the shape openssl-extracted containers arrive in.
func EncryptedPEMBundle(t *testing.T, key *rsa.PrivateKey, cert *x509.Certificate, passphrase string) []byte {
	t.Helper()

	block, err := x509.EncryptPEMBlock(rand.Reader, //nolint:staticcheck // matches the legacy container format
		"RSA PRIVATE KEY", x509.MarshalPKCS1PrivateKey(key), []byte(passphrase), x509.PEMCipherAES256)
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}

	var out []byte
	out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})...)
	out = append(out, pem.EncodeToMemory(block)...)
	return out
}

// Resolver builds a StaticResolver holding one freshly generated credential
// for tenantID, valid for an hour on either side of now.
func Resolver(t *testing.T, tenantID string) *credential.StaticResolver {
	t.Helper()

	now := time.Now()
	key, cert := Keypair(t, tenantID, now.Add(-time.Hour), now.Add(time.Hour))
	r := credential.NewStaticResolver()
	r.Register(tenantID, credential.Container{Data: PEMBundle(t, key, cert)})
	return r
}
