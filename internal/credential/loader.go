package credential

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"time"

	"golang.org/x/crypto/pkcs12"
)

// Loader decrypts credential containers into SigningCredentials. It supports
// PKCS#12 archives and PEM bundles (certificate plus optionally encrypted
// private key), which is the shape certificates arrive in after manual
// extraction with openssl.
type Loader struct {
	now func() time.Time
}

// LoaderOption customizes a Loader.
type LoaderOption func(*Loader)

// WithClock overrides the time source used for validity checks.
func WithClock(now func() time.Time) LoaderOption {
	return func(l *Loader) { l.now = now }
}

// NewLoader creates a container loader.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load decrypts container with passphrase and returns the signing credential.
// The passphrase is used only for the duration of the call. A certificate
// outside its validity window fails with an expired or not-yet-valid error so
// stale containers are rejected before any signing attempt.
func (l *Loader) Load(tenantID string, container []byte, passphrase string) (*SigningCredential, error) {
	cred, err := l.parse(tenantID, container, passphrase)
	if err != nil {
		return nil, err
	}
	now := l.now()
	if cred.Expired(now) {
		return nil, ErrExpired(tenantID, cred.Subject, cred.NotAfter)
	}
	if now.Before(cred.NotBefore) {
		return nil, ErrNotYetValid(tenantID, cred.Subject, cred.NotBefore)
	}
	return cred, nil
}

// Inspect decrypts the container and returns certificate metadata without
// enforcing the validity window, so operators can examine expired material.
func (l *Loader) Inspect(tenantID string, container []byte, passphrase string) (*Info, error) {
	cred, err := l.parse(tenantID, container, passphrase)
	if err != nil {
		return nil, err
	}
	info := cred.Info()
	return &info, nil
}

func (l *Loader) parse(tenantID string, container []byte, passphrase string) (*SigningCredential, error) {
	if len(container) == 0 {
		return nil, ErrFormat(tenantID, "empty credential container", nil)
	}

	var (
		key   *rsa.PrivateKey
		certs []*x509.Certificate
		err   error
	)
	if bytes.Contains(container, []byte("-----BEGIN ")) {
		key, certs, err = parsePEMBundle(tenantID, container, passphrase)
	} else {
		key, certs, err = parsePKCS12(tenantID, container, passphrase)
	}
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ErrFormat(tenantID, "container holds no RSA private key", nil)
	}
	if len(certs) == 0 {
		return nil, ErrFormat(tenantID, "container holds no certificate", nil)
	}

	leaf, chain := splitLeaf(key, certs)
	if leaf == nil {
		return nil, ErrFormat(tenantID, "no certificate matches the private key", nil)
	}

	return &SigningCredential{
		TenantID:     tenantID,
		PrivateKey:   key,
		Certificate:  leaf,
		Chain:        chain,
		Subject:      leaf.Subject.String(),
		Issuer:       leaf.Issuer.String(),
		SerialNumber: hex.EncodeToString(leaf.SerialNumber.Bytes()),
		NotBefore:    leaf.NotBefore,
		NotAfter:     leaf.NotAfter,
	}, nil
}

// IsNotYetValid reports whether err is a not-yet-valid failure.
func IsNotYetValid(err error) bool { return hasCode(err, ErrCodeNotYetValid) }

func parsePKCS12(tenantID string, container []byte, passphrase string) (*rsa.PrivateKey, []*x509.Certificate, error) {
	blocks, err := pkcs12.ToPEM(container, passphrase)
	if err != nil {
		if err == pkcs12.ErrIncorrectPassword {
			return nil, nil, ErrDecryption(tenantID, err)
		}
		return nil, nil, ErrFormat(tenantID, "invalid PKCS#12 archive", err)
	}

	var (
		key   *rsa.PrivateKey
		certs []*x509.Certificate
	)
	for _, block := range blocks {
		switch block.Type {
		case "PRIVATE KEY", "RSA PRIVATE KEY":
			if key != nil {
				continue
			}
			key, err = parsePrivateKey(tenantID, block.Bytes)
			if err != nil {
				return nil, nil, err
			}
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, ErrFormat(tenantID, "unparseable certificate in archive", err)
			}
			certs = append(certs, cert)
		}
	}
	return key, certs, nil
}

func parsePEMBundle(tenantID string, container []byte, passphrase string) (*rsa.PrivateKey, []*x509.Certificate, error) {
	var (
		key   *rsa.PrivateKey
		certs []*x509.Certificate
	)
	rest := container
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, nil, ErrFormat(tenantID, "unparseable certificate in bundle", err)
			}
			certs = append(certs, cert)
		case "PRIVATE KEY", "RSA PRIVATE KEY":
			if key != nil {
				continue
			}
			der := block.Bytes
			if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck // legacy openssl-extracted bundles
				var err error
				der, err = x509.DecryptPEMBlock(block, []byte(passphrase)) //nolint:staticcheck
				if err != nil {
					return nil, nil, ErrDecryption(tenantID, err)
				}
			}
			parsed, err := parsePrivateKey(tenantID, der)
			if err != nil {
				return nil, nil, err
			}
			key = parsed
		}
	}
	if key == nil && len(certs) == 0 {
		return nil, nil, ErrFormat(tenantID, "no PEM blocks in container", nil)
	}
	return key, certs, nil
}

func parsePrivateKey(tenantID string, der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, ErrFormat(tenantID, "unparseable private key", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrFormat(tenantID, "private key is not RSA", nil)
	}
	return key, nil
}

// splitLeaf finds the certificate matching the private key and returns the
// remaining certificates as the chain.
func splitLeaf(key *rsa.PrivateKey, certs []*x509.Certificate) (*x509.Certificate, []*x509.Certificate) {
	for i, cert := range certs {
		pub, ok := cert.PublicKey.(*rsa.PublicKey)
		if ok && pub.Equal(&key.PublicKey) {
			chain := make([]*x509.Certificate, 0, len(certs)-1)
			chain = append(chain, certs[:i]...)
			chain = append(chain, certs[i+1:]...)
			return cert, chain
		}
	}
	return nil, nil
}
