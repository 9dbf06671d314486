package signature_test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/yim-lee/swift-package-manager-sub001/certificate"
	"github.com/yim-lee/swift-package-manager-sub001/policy"
	"github.com/yim-lee/swift-package-manager-sub001/signature"
)

// buildIdentity creates a self-signed leaf certificate (acting as its
// own root) with the codeSigning EKU and an OCSP responder, suitable
// for signing and for Basic policy evaluation.
func buildIdentity(t *testing.T) (signature.Identity, *certificate.Certificate) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning},
		OCSPServer:   []string{"http://ocsp.example.com"},
		IsCA:         true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}

	cert, err := certificate.Parse(der)
	if err != nil {
		t.Fatalf("certificate.Parse: %v", err)
	}

	identity := signature.Identity{
		PrivateKey:  key,
		Certificate: cert,
	}
	return identity, cert
}

func TestSignAndStatus_Valid(t *testing.T) {
	identity, leaf := buildIdentity(t)
	content := []byte(`{"name":"C","packages":[]}`)

	sig, err := signature.Sign(content, identity, signature.FormatCMS1_0_0)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	v := signature.NewVerifier(
		signature.WithTrustedRoots(leaf),
		signature.WithRevocationMode(policy.RevocationDisabled),
	)
	status, err := v.Status(sig, content, signature.FormatCMS1_0_0)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Kind != signature.StatusValid {
		t.Fatalf("Kind = %v, want StatusValid (details=%q)", status.Kind, status.Details)
	}
	if status.SigningEntity.Name != "signer" {
		t.Fatalf("SigningEntity.Name = %q, want %q", status.SigningEntity.Name, "signer")
	}
}

func TestStatus_TamperedContentFailsVerification(t *testing.T) {
	identity, leaf := buildIdentity(t)
	content := []byte(`{"name":"C","packages":[]}`)

	sig, err := signature.Sign(content, identity, signature.FormatCMS1_0_0)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	tampered := append([]byte(nil), content...)
	tampered[0] = 'X'

	v := signature.NewVerifier(signature.WithTrustedRoots(leaf))
	status, err := v.Status(sig, tampered, signature.FormatCMS1_0_0)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Kind == signature.StatusValid {
		t.Fatal("expected tampered content to fail verification")
	}
}

func TestStatus_EmptyTrustedRoots(t *testing.T) {
	identity, _ := buildIdentity(t)
	content := []byte(`{"name":"C","packages":[]}`)

	sig, err := signature.Sign(content, identity, signature.FormatCMS1_0_0)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	v := signature.NewVerifier()
	status, err := v.Status(sig, content, signature.FormatCMS1_0_0)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Kind != signature.StatusCertificateNotTrusted {
		t.Fatalf("Kind = %v, want StatusCertificateNotTrusted", status.Kind)
	}
}

func TestStatus_MalformedSignature(t *testing.T) {
	v := signature.NewVerifier()
	status, err := v.Status([]byte("not cms"), []byte("content"), signature.FormatCMS1_0_0)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Kind != signature.StatusDoesNotConform {
		t.Fatalf("Kind = %v, want StatusDoesNotConform", status.Kind)
	}
}

func TestParseFormat_Unrecognized(t *testing.T) {
	if _, err := signature.ParseFormat("cms-2.0.0"); err == nil {
		t.Fatal("expected error for unrecognized format")
	}
}

func TestVerificationCache_ShortCircuits(t *testing.T) {
	identity, leaf := buildIdentity(t)
	content := []byte(`{"name":"C","packages":[]}`)

	sig, err := signature.Sign(content, identity, signature.FormatCMS1_0_0)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	cache := signature.NewVerificationCache(time.Minute)
	v := signature.NewVerifier(signature.WithTrustedRoots(leaf), signature.WithCache(cache))

	first, err := v.Status(sig, content, signature.FormatCMS1_0_0)
	if err != nil {
		t.Fatalf("Status (first): %v", err)
	}
	if first.Kind != signature.StatusValid {
		t.Fatalf("first Kind = %v, want StatusValid", first.Kind)
	}

	if _, ok := cache.Lookup(content, sig); !ok {
		t.Fatal("expected cache to hold the first verification result")
	}

	second, err := v.Status(sig, content, signature.FormatCMS1_0_0)
	if err != nil {
		t.Fatalf("Status (second): %v", err)
	}
	if second.Kind != signature.StatusValid {
		t.Fatalf("second Kind = %v, want StatusValid", second.Kind)
	}
}

func TestSigningEntity_UnrecognizedWithoutAppleDeveloperMarker(t *testing.T) {
	identity, _ := buildIdentity(t)
	content := []byte("payload")

	sig, err := signature.Sign(content, identity, signature.FormatCMS1_0_0)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	entity, err := signature.EntityFromSignature(sig, signature.FormatCMS1_0_0)
	if err != nil {
		t.Fatalf("EntityFromSignature: %v", err)
	}
	if entity.IsRecognized() {
		t.Fatal("expected entity without marker extension to be unrecognized")
	}
	if entity.Name != "signer" {
		t.Fatalf("Name = %q, want %q", entity.Name, "signer")
	}
}
