// Package credential loads tenant signing credentials from encrypted
// containers and caches the decrypted material behind a bounded,
// concurrency-safe store.
package credential

import (
	"crypto/rsa"
	"crypto/x509"
	"time"
)

// SigningCredential holds the decrypted key material for one tenant. The
// passphrase used to open the container is never retained here.
type SigningCredential struct {
	TenantID    string
	PrivateKey  *rsa.PrivateKey
	Certificate *x509.Certificate
	Chain       []*x509.Certificate

	Subject      string
	Issuer       string
	SerialNumber string
	NotBefore    time.Time
	NotAfter     time.Time
}

// ValidAt reports whether the certificate validity window covers t.
func (c *SigningCredential) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore) && !t.After(c.NotAfter)
}

// Expired reports whether the certificate validity window has elapsed at t.
func (c *SigningCredential) Expired(t time.Time) bool {
	return t.After(c.NotAfter)
}

// Info returns the inspectable metadata of the credential without exposing
// key material.
func (c *SigningCredential) Info() Info {
	return Info{
		TenantID:     c.TenantID,
		Subject:      c.Subject,
		Issuer:       c.Issuer,
		SerialNumber: c.SerialNumber,
		NotBefore:    c.NotBefore,
		NotAfter:     c.NotAfter,
		ChainLength:  len(c.Chain) + 1,
	}
}

// Info describes a credential for status endpoints and CLI inspection.
type Info struct {
	TenantID     string    `json:"tenant_id"`
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	SerialNumber string    `json:"serial_number"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	ChainLength  int       `json:"chain_length"`
}

// DaysUntilExpiry returns whole days remaining in the validity window at t,
// negative once expired.
func (i Info) DaysUntilExpiry(t time.Time) int {
	return int(i.NotAfter.Sub(t).Hours() / 24)
}
