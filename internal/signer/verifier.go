package signer

import (
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
)

// VerifyEmbedded checks the enveloped signature of a signed document against
// the certificate embedded in its own KeyInfo block, so a third party can
// verify without separate key distribution. It fails if the signature is
// absent, the certificate cannot be extracted, or the signed bytes have been
// altered since signing.
func VerifyEmbedded(signedXML []byte) error {
	parsed := etree.NewDocument()
	if err := parsed.ReadFromBytes(signedXML); err != nil {
		return fmt.Errorf("parse signed document: %w", err)
	}
	root := parsed.Root()
	if root == nil {
		return fmt.Errorf("signed document has no root element")
	}

	cert, err := embeddedCertificate(root)
	if err != nil {
		return err
	}

	validationCtx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: []*x509.Certificate{cert},
	})
	validationCtx.IdAttribute = comprobanteIDAttr

	if _, err := validationCtx.Validate(root); err != nil {
		return fmt.Errorf("signature validation failed: %w", err)
	}
	return nil
}

// embeddedCertificate pulls the signing certificate out of the document's
// KeyInfo/X509Data block.
func embeddedCertificate(root *etree.Element) (*x509.Certificate, error) {
	elem := findElement(root, "X509Certificate")
	if elem == nil {
		return nil, fmt.Errorf("no embedded certificate in signature")
	}
	der, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(elem.Text()), ""))
	if err != nil {
		return nil, fmt.Errorf("decode embedded certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse embedded certificate: %w", err)
	}
	return cert, nil
}

// findElement walks the tree depth-first for the first element with the
// given local name, namespace prefixes aside.
func findElement(e *etree.Element, tag string) *etree.Element {
	if e.Tag == tag {
		return e
	}
	for _, child := range e.ChildElements() {
		if found := findElement(child, tag); found != nil {
			return found
		}
	}
	return nil
}
