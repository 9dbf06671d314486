// Package certificate parses DER-encoded X.509 certificates and extracts
// the subject/issuer attributes and extensions the trust and signing
// components need, without exposing the full complexity of crypto/x509
// to callers.
package certificate

import (
	"crypto/x509"
	"encoding/asn1"
	"unicode/utf8"

	platformerrors "github.com/yim-lee/swift-package-manager-sub001/errors"
)

// oidUserID is the X.520 userId attribute OID (0.9.2342.19200300.100.1.1),
// not exposed by crypto/x509/pkix.Name.
var oidUserID = asn1.ObjectIdentifier{0, 9, 2342, 19200300, 100, 1, 1}

// Certificate is an opaque handle around a parsed X.509 structure.
type Certificate struct {
	raw *x509.Certificate
}

// Name is a projection of the name attributes this subsystem cares
// about. Missing attributes are the empty string, never an error.
type Name struct {
	UserID                 string
	CommonName             string
	OrganizationName       string
	OrganizationalUnitName string
}

// Parse decodes DER-encoded certificate bytes.
func Parse(der []byte) (*Certificate, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeCertInitializationFailure, "failed to parse certificate")
	}
	return &Certificate{raw: cert}, nil
}

// Raw returns the underlying crypto/x509 certificate for operations this
// package does not wrap directly (e.g. chain verification in policy).
func (c *Certificate) Raw() *x509.Certificate {
	return c.raw
}

// Subject returns the certificate's subject name attributes.
func (c *Certificate) Subject() Name {
	return extractName(c.raw.RawSubject, c.raw.Subject.CommonName, c.raw.Subject.Organization, c.raw.Subject.OrganizationalUnit)
}

// Issuer returns the certificate's issuer name attributes.
func (c *Certificate) Issuer() Name {
	return extractName(c.raw.RawIssuer, c.raw.Issuer.CommonName, c.raw.Issuer.Organization, c.raw.Issuer.OrganizationalUnit)
}

// extractName builds a Name from the parsed RDN sequence fields crypto/x509
// already decoded (CommonName, Organization, OrganizationalUnit), plus a
// raw scan for userId, which crypto/x509 does not surface. Each attribute
// string is validated as UTF-8; crypto/x509 has already performed the
// PrintableString-then-UTF8String fallback decoding internally, so an
// invalid result here can only mean the decoded value is not valid UTF-8,
// which is treated as a missing attribute rather than a panic.
func extractName(raw []byte, commonName string, org, ou []string) Name {
	n := Name{
		CommonName: safeString(commonName),
	}
	if len(org) > 0 {
		n.OrganizationName = safeString(org[0])
	}
	if len(ou) > 0 {
		n.OrganizationalUnitName = safeString(ou[0])
	}
	n.UserID = safeString(findAttribute(raw, oidUserID))
	return n
}

func safeString(s string) string {
	if !utf8.ValidString(s) {
		return ""
	}
	return s
}

// rdnAttribute mirrors the ASN.1 shape of a single AttributeTypeAndValue
// inside a RelativeDistinguishedName SET.
type rdnAttribute struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue
}

// findAttribute walks the raw RDNSequence looking for an attribute with
// the given OID, decoding its value as a string. Returns "" if absent or
// undecodable; never panics on malformed input.
func findAttribute(raw []byte, oid asn1.ObjectIdentifier) string {
	var rdnSeq []asn1.RawValue
	if _, err := asn1.Unmarshal(raw, &rdnSeq); err != nil {
		return ""
	}
	for _, rdn := range rdnSeq {
		var attrs []rdnAttribute
		if _, err := asn1.Unmarshal(rdn.Bytes, &attrs); err != nil {
			continue
		}
		for _, attr := range attrs {
			if !attr.Type.Equal(oid) {
				continue
			}
			var s string
			if _, err := asn1.Unmarshal(attr.Value.FullBytes, &s); err != nil {
				return ""
			}
			return s
		}
	}
	return ""
}

// HasExtension reports whether the certificate carries an extension with
// the given OID, regardless of criticality.
func (c *Certificate) HasExtension(oid asn1.ObjectIdentifier) bool {
	for _, ext := range c.raw.Extensions {
		if ext.Id.Equal(oid) {
			return true
		}
	}
	return false
}

// ExtendedKeyUsages returns the certificate's EKU OIDs, including any
// crypto/x509 did not recognize as a named x509.ExtKeyUsage constant.
func (c *Certificate) ExtendedKeyUsages() []asn1.ObjectIdentifier {
	ekus := make([]asn1.ObjectIdentifier, 0, len(c.raw.ExtKeyUsage)+len(c.raw.UnknownExtKeyUsage))
	for _, eku := range c.raw.ExtKeyUsage {
		if oid, ok := extKeyUsageOID(eku); ok {
			ekus = append(ekus, oid)
		}
	}
	ekus = append(ekus, c.raw.UnknownExtKeyUsage...)
	return ekus
}

// HasExtKeyUsageCodeSigning reports whether the leaf carries the
// codeSigning EKU (OID 1.3.6.1.5.5.7.3.3).
func (c *Certificate) HasExtKeyUsageCodeSigning() bool {
	for _, eku := range c.raw.ExtKeyUsage {
		if eku == x509.ExtKeyUsageCodeSigning {
			return true
		}
	}
	return false
}

func extKeyUsageOID(eku x509.ExtKeyUsage) (asn1.ObjectIdentifier, bool) {
	switch eku {
	case x509.ExtKeyUsageCodeSigning:
		return asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 3}, true
	case x509.ExtKeyUsageServerAuth:
		return asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 1}, true
	case x509.ExtKeyUsageClientAuth:
		return asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 2}, true
	default:
		return nil, false
	}
}

// OCSPResponderURLs returns the certificate's OCSP responder URLs, if any.
func (c *Certificate) OCSPResponderURLs() []string {
	return c.raw.OCSPServer
}
