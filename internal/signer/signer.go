// Package signer produces and verifies enveloped XMLDSig signatures over
// canonical documents, resolving key material exclusively through the
// credential store. There is deliberately no way to pass a passphrase or a
// key at signing time.
package signer

import (
	"context"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"go.uber.org/zap"

	"github.com/facturalink/sri-engine/internal/credential"
	"github.com/facturalink/sri-engine/internal/document"
)

// The authority validates signatures against XMLDSig with inclusive C14N
// 1.0 and RSA-SHA1. The signed reference targets the root element through
// its id="comprobante" attribute.
const comprobanteIDAttr = "id"

// SignedDocument is a canonical document with its enveloped signature.
// Any mutation of the bytes invalidates the signature; Verify enforces that.
type SignedDocument struct {
	TenantID  string
	AccessKey string
	Number    string
	XML       []byte
	Subject   string
	SignedAt  time.Time
}

// Signer signs canonical documents with tenant credentials from the store.
type Signer struct {
	creds *credential.Store
	log   *zap.Logger
	now   func() time.Time
}

// Option customizes a Signer.
type Option func(*Signer)

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Signer) { s.log = log }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Signer) { s.now = now }
}

// New creates a Signer backed by the credential store.
func New(creds *credential.Store, opts ...Option) *Signer {
	s := &Signer{creds: creds, log: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sign retrieves the tenant's credential and envelopes a signature into the
// canonical document. Credential failures propagate unchanged so the caller
// can distinguish rotation races from structural defects. The canonical
// bytes themselves are never modified; the signature is appended to a copy.
func (s *Signer) Sign(ctx context.Context, doc *document.CanonicalDocument) (*SignedDocument, error) {
	cred, err := s.creds.Get(ctx, doc.TenantID)
	if err != nil {
		return nil, err
	}

	parsed := etree.NewDocument()
	if err := parsed.ReadFromBytes(doc.XML); err != nil {
		return nil, fmt.Errorf("parse canonical document: %w", err)
	}
	root := parsed.Root()
	if root == nil {
		return nil, fmt.Errorf("canonical document has no root element")
	}

	sigCtx := dsig.NewDefaultSigningContext(&credentialKeyStore{cred: cred})
	sigCtx.Canonicalizer = dsig.MakeC14N10RecCanonicalizer()
	sigCtx.IdAttribute = comprobanteIDAttr
	if err := sigCtx.SetSignatureMethod(dsig.RSASHA1SignatureMethod); err != nil {
		return nil, fmt.Errorf("configure signature method: %w", err)
	}

	signed, err := sigCtx.SignEnveloped(root)
	if err != nil {
		return nil, fmt.Errorf("sign document %s: %w", doc.AccessKey, err)
	}

	out := etree.NewDocument()
	out.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	out.SetRoot(signed)
	raw, err := out.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("serialize signed document: %w", err)
	}

	s.log.Info("document signed",
		zap.String("tenant_id", doc.TenantID),
		zap.String("access_key", doc.AccessKey),
		zap.String("subject", cred.Subject))

	return &SignedDocument{
		TenantID:  doc.TenantID,
		AccessKey: doc.AccessKey,
		Number:    doc.Number,
		XML:       raw,
		Subject:   cred.Subject,
		SignedAt:  s.now(),
	}, nil
}

// credentialKeyStore adapts a SigningCredential to goxmldsig's key store.
type credentialKeyStore struct {
	cred *credential.SigningCredential
}

func (ks *credentialKeyStore) GetKeyPair() (*rsa.PrivateKey, []byte, error) {
	return ks.cred.PrivateKey, ks.cred.Certificate.Raw, nil
}
