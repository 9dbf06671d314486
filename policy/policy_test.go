package policy_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"github.com/yim-lee/swift-package-manager-sub001/certificate"
	"github.com/yim-lee/swift-package-manager-sub001/policy"
)

type genOpts struct {
	subject     pkix.Name
	isCA        bool
	ekus        []x509.ExtKeyUsage
	ocspURLs    []string
	extraOIDs   []asn1.ObjectIdentifier
	notBefore   time.Time
	notAfter    time.Time
	parent      *x509.Certificate
	parentKey   *ecdsa.PrivateKey
}

func generate(t *testing.T, o genOpts) (*certificate.Certificate, *x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	if o.notBefore.IsZero() {
		o.notBefore = time.Now().Add(-time.Hour)
	}
	if o.notAfter.IsZero() {
		o.notAfter = time.Now().Add(time.Hour)
	}

	var extraExts []pkix.Extension
	for _, oid := range o.extraOIDs {
		extraExts = append(extraExts, pkix.Extension{Id: oid, Value: []byte{0x05, 0x00}})
	}

	tmpl := &x509.Certificate{
		SerialNumber:    big.NewInt(time.Now().UnixNano()),
		Subject:         o.subject,
		NotBefore:       o.notBefore,
		NotAfter:        o.notAfter,
		IsCA:            o.isCA,
		BasicConstraintsValid: true,
		ExtKeyUsage:     o.ekus,
		OCSPServer:      o.ocspURLs,
		ExtraExtensions: extraExts,
	}

	parent := tmpl
	parentKey := key
	if o.parent != nil {
		parent = o.parent
		parentKey = o.parentKey
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}

	parsed, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}

	cert, err := certificate.Parse(der)
	if err != nil {
		t.Fatalf("certificate.Parse: %v", err)
	}

	return cert, parsed, key
}

func buildBasicChain(t *testing.T, ekus []x509.ExtKeyUsage, ocspURLs []string) (leaf, root *certificate.Certificate) {
	t.Helper()

	_, rootParsed, rootKey := generate(t, genOpts{
		subject: pkix.Name{CommonName: "Test Root CA"},
		isCA:    true,
	})
	rootCert, err := certificate.Parse(rootParsed.Raw)
	if err != nil {
		t.Fatalf("certificate.Parse(root): %v", err)
	}

	leafCert, _, _ := generate(t, genOpts{
		subject:   pkix.Name{CommonName: "leaf"},
		ekus:      ekus,
		ocspURLs:  ocspURLs,
		parent:    rootParsed,
		parentKey: rootKey,
	})

	return leafCert, rootCert
}

func TestBasic_Validate_Trusted(t *testing.T) {
	leaf, root := buildBasicChain(t, []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning}, []string{"http://ocsp.example.com"})

	p := policy.Basic{Revocation: policy.RevocationDisabled}
	ok, err := p.Validate([]*certificate.Certificate{leaf, root}, []*certificate.Certificate{root}, time.Now())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok {
		t.Fatal("expected chain to be trusted")
	}
}

func TestBasic_Validate_MissingCodeSigningEKU(t *testing.T) {
	leaf, root := buildBasicChain(t, nil, []string{"http://ocsp.example.com"})

	p := policy.Basic{Revocation: policy.RevocationDisabled}
	ok, err := p.Validate([]*certificate.Certificate{leaf, root}, []*certificate.Certificate{root}, time.Now())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ok {
		t.Fatal("expected untrusted verdict without codeSigning EKU")
	}
}

func TestBasic_Validate_MissingOCSPResponder(t *testing.T) {
	leaf, root := buildBasicChain(t, []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning}, nil)

	p := policy.Basic{Revocation: policy.RevocationDisabled}
	ok, err := p.Validate([]*certificate.Certificate{leaf, root}, []*certificate.Certificate{root}, time.Now())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ok {
		t.Fatal("expected untrusted verdict without an OCSP responder URL")
	}
}

func TestBasic_Validate_EmptyChain(t *testing.T) {
	p := policy.Basic{}
	_, err := p.Validate(nil, nil, time.Now())
	if err == nil {
		t.Fatal("expected EmptyChain error")
	}
}

func TestBasic_Validate_UntrustedRoot(t *testing.T) {
	leaf, _ := buildBasicChain(t, []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning}, []string{"http://ocsp.example.com"})
	_, otherRoot := buildBasicChain(t, nil, nil)

	p := policy.Basic{Revocation: policy.RevocationDisabled}
	ok, err := p.Validate([]*certificate.Certificate{leaf}, []*certificate.Certificate{otherRoot}, time.Now())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ok {
		t.Fatal("expected untrusted verdict against an unrelated root")
	}
}

func TestAppleDeveloper_Validate_WrongChainLength(t *testing.T) {
	leaf, root := buildBasicChain(t, []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning}, []string{"http://ocsp.example.com"})

	p := policy.AppleDeveloper{Basic: policy.Basic{Revocation: policy.RevocationDisabled}}
	ok, err := p.Validate([]*certificate.Certificate{leaf, root}, []*certificate.Certificate{root}, time.Now())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ok {
		t.Fatal("expected AppleDeveloper policy to reject a chain that is not exactly length 3")
	}
}

func TestAppleDeveloper_Validate_ChainOfOneFailsEvenWhenBasicWouldPass(t *testing.T) {
	leaf, _ := buildBasicChain(t, []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning}, []string{"http://ocsp.example.com"})

	p := policy.AppleDeveloper{Basic: policy.Basic{Revocation: policy.RevocationDisabled}}
	ok, err := p.Validate([]*certificate.Certificate{leaf}, []*certificate.Certificate{leaf}, time.Now())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ok {
		t.Fatal("expected chain of length 1 to fail AppleDeveloper policy")
	}

	basic := policy.Basic{Revocation: policy.RevocationDisabled}
	ok, err = basic.Validate([]*certificate.Certificate{leaf}, []*certificate.Certificate{leaf}, time.Now())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok {
		t.Fatal("expected Basic policy to accept a self-anchored single-leaf chain")
	}
}

func TestAppleDeveloper_Validate_MarkerExtensions(t *testing.T) {
	_, rootParsed, rootKey := generate(t, genOpts{
		subject: pkix.Name{CommonName: "Apple Root CA"},
		isCA:    true,
	})
	rootCert, err := certificate.Parse(rootParsed.Raw)
	if err != nil {
		t.Fatalf("certificate.Parse(root): %v", err)
	}

	_, intermediateParsed, intermediateKey := generate(t, genOpts{
		subject:   pkix.Name{CommonName: "Apple Worldwide Developer Relations"},
		isCA:      true,
		extraOIDs: []asn1.ObjectIdentifier{{1, 2, 840, 113635, 100, 6, 2, 1}},
		parent:    rootParsed,
		parentKey: rootKey,
	})
	intermediateCert, err := certificate.Parse(intermediateParsed.Raw)
	if err != nil {
		t.Fatalf("certificate.Parse(intermediate): %v", err)
	}

	leafCert, _, _ := generate(t, genOpts{
		subject:   pkix.Name{CommonName: "Developer ID Application: Example"},
		ekus:      []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		ocspURLs:  []string{"http://ocsp.example.com"},
		extraOIDs: []asn1.ObjectIdentifier{{1, 2, 840, 113635, 100, 6, 1, 4}},
		parent:    intermediateParsed,
		parentKey: intermediateKey,
	})

	chain := []*certificate.Certificate{leafCert, intermediateCert, rootCert}

	p := policy.AppleDeveloper{Basic: policy.Basic{Revocation: policy.RevocationDisabled}}
	ok, err := p.Validate(chain, []*certificate.Certificate{rootCert}, time.Now())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !ok {
		t.Fatal("expected AppleDeveloper policy to accept a correctly-shaped chain")
	}
}
