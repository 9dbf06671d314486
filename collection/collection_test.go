package collection_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/yim-lee/swift-package-manager-sub001/certificate"
	"github.com/yim-lee/swift-package-manager-sub001/collection"
	platformerrors "github.com/yim-lee/swift-package-manager-sub001/errors"
	"github.com/yim-lee/swift-package-manager-sub001/metadata"
	"github.com/yim-lee/swift-package-manager-sub001/signature"
)

func buildIdentity(t *testing.T) (signature.Identity, *certificate.Certificate) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "collection-signer"},
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

	return signature.Identity{PrivateKey: key, Certificate: cert}, cert
}

func sampleCollection(t *testing.T, name string) []byte {
	t.Helper()
	col := collection.Collection{
		Name:          name,
		Packages:      []collection.Package{{URL: "https://github.com/mona/octo.git"}},
		FormatVersion: collection.FormatVersion1_0,
		GeneratedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(col)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return data
}

// wrapSigned produces the §6 signed-collection shape: the payload's own
// top-level keys plus a sibling "signature" key, spliced in by byte
// surgery rather than re-marshaling payload, so the test exercises the
// same exact document shape a real signer would produce.
func wrapSigned(t *testing.T, payload []byte, identity signature.Identity) []byte {
	t.Helper()
	sig, err := signature.Sign(payload, identity, signature.FormatCMS1_0_0)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	sigField, err := json.Marshal(map[string]string{
		"signature": base64.StdEncoding.EncodeToString(sig),
	})
	if err != nil {
		t.Fatalf("Marshal signature field: %v", err)
	}

	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || trimmed[len(trimmed)-1] != '}' {
		t.Fatalf("payload does not end in '}': %s", trimmed)
	}
	body := trimmed[:len(trimmed)-1]

	var out bytes.Buffer
	out.Write(body)
	if len(bytes.TrimSpace(body)) > 1 {
		out.WriteByte(',')
	}
	out.WriteString(`"signature":`)
	out.Write(sigField)
	out.WriteByte('}')
	return out.Bytes()
}

func TestAddCollection_UnsignedNoTrustIsUntrusted(t *testing.T) {
	verifier := signature.NewVerifier()
	o := collection.NewOrchestrator(verifier, false)

	data := sampleCollection(t, "Unsigned")
	_, err := o.AddCollection(context.Background(), collection.Source{Location: "unsigned"}, data, nil, nil)
	if err == nil {
		t.Fatal("expected error for unsigned collection with no trust policy")
	}
	if platformerrors.GetCode(err) != platformerrors.CodeUntrusted {
		t.Fatalf("code = %v, want CodeUntrusted", platformerrors.GetCode(err))
	}
}

func TestAddCollection_UnsignedTrustConfirmedIsListed(t *testing.T) {
	verifier := signature.NewVerifier()
	o := collection.NewOrchestrator(verifier, false)

	data := sampleCollection(t, "ConfirmedUnsigned")
	confirmed := func() bool { return true }

	sc, err := o.AddCollection(context.Background(), collection.Source{Location: "confirmed"}, data, nil, confirmed)
	if err != nil {
		t.Fatalf("AddCollection: %v", err)
	}
	if sc.Name != "ConfirmedUnsigned" {
		t.Fatalf("Name = %q, want %q", sc.Name, "ConfirmedUnsigned")
	}

	list := o.ListCollections()
	if len(list) != 1 {
		t.Fatalf("ListCollections len = %d, want 1", len(list))
	}
}

func TestAddCollection_SignedTrustedRootIsAccepted(t *testing.T) {
	identity, leaf := buildIdentity(t)
	verifier := signature.NewVerifier(signature.WithTrustedRoots(leaf))
	o := collection.NewOrchestrator(verifier, true)

	payload := sampleCollection(t, "Signed")
	data := wrapSigned(t, payload, identity)

	sc, err := o.AddCollection(context.Background(), collection.Source{Location: "signed"}, data, nil, nil)
	if err != nil {
		t.Fatalf("AddCollection: %v", err)
	}
	if sc.Signature == nil {
		t.Fatal("expected a populated signature on the accepted collection")
	}
	if sc.Signature.Certificate.Subject.CommonName != "collection-signer" {
		t.Fatalf("Subject.CommonName = %q, want %q", sc.Signature.Certificate.Subject.CommonName, "collection-signer")
	}
}

func TestAddCollection_SignedEmptyRootsCannotVerify(t *testing.T) {
	identity, _ := buildIdentity(t)
	verifier := signature.NewVerifier()
	o := collection.NewOrchestrator(verifier, false)

	payload := sampleCollection(t, "SignedNoRoots")
	data := wrapSigned(t, payload, identity)

	_, err := o.AddCollection(context.Background(), collection.Source{Location: "signed-no-roots"}, data, nil, nil)
	if err == nil {
		t.Fatal("expected error when no trusted roots are configured")
	}
	if platformerrors.GetCode(err) != platformerrors.CodeCannotVerifySignature {
		t.Fatalf("code = %v, want CodeCannotVerifySignature", platformerrors.GetCode(err))
	}
}

func TestAddCollection_SourceRequiresSignatureButNoneGiven(t *testing.T) {
	verifier := signature.NewVerifier()
	o := collection.NewOrchestrator(verifier, false, collection.WithUnsignedTrust(true))

	data := sampleCollection(t, "RequiresSig")
	_, err := o.AddCollection(context.Background(), collection.Source{Location: "requires-sig", RequireSignature: true}, data, nil, nil)
	if err == nil {
		t.Fatal("expected error for missing signature on a source that requires one")
	}
	if platformerrors.GetCode(err) != platformerrors.CodeMissingSignature {
		t.Fatalf("code = %v, want CodeMissingSignature", platformerrors.GetCode(err))
	}
}

func TestAddCollection_SkipSignatureCheckAdmitsUnconditionally(t *testing.T) {
	verifier := signature.NewVerifier()
	o := collection.NewOrchestrator(verifier, false)

	data := sampleCollection(t, "Skipped")
	sc, err := o.AddCollection(context.Background(), collection.Source{Location: "skipped", SkipSignatureCheck: true}, data, nil, nil)
	if err != nil {
		t.Fatalf("AddCollection: %v", err)
	}
	if sc.Signature != nil {
		t.Fatal("expected no signature recorded when verification was skipped")
	}
}

func TestRemoveCollection_NoOpWhenAbsent(t *testing.T) {
	verifier := signature.NewVerifier()
	o := collection.NewOrchestrator(verifier, false)
	o.RemoveCollection("does-not-exist")
	if len(o.ListCollections()) != 0 {
		t.Fatal("expected empty set")
	}
}

func TestFindPackages_ScoresByCollectionCount(t *testing.T) {
	verifier := signature.NewVerifier()
	o := collection.NewOrchestrator(verifier, false, collection.WithUnsignedTrust(true))

	colA := collection.Collection{
		Name: "A",
		Packages: []collection.Package{
			{URL: "https://github.com/mona/octo.git", Summary: strPtr("a neat octo package")},
		},
		FormatVersion: collection.FormatVersion1_0,
		GeneratedAt:   time.Now().UTC(),
	}
	colB := collection.Collection{
		Name: "B",
		Packages: []collection.Package{
			{URL: "https://github.com/mona/octo.git", Summary: strPtr("a neat octo package")},
			{URL: "https://github.com/mona/other.git", Summary: strPtr("unrelated")},
		},
		FormatVersion: collection.FormatVersion1_0,
		GeneratedAt:   time.Now().UTC(),
	}

	dataA, _ := json.Marshal(colA)
	dataB, _ := json.Marshal(colB)

	if _, err := o.AddCollection(context.Background(), collection.Source{Location: "a"}, dataA, nil, nil); err != nil {
		t.Fatalf("AddCollection A: %v", err)
	}
	if _, err := o.AddCollection(context.Background(), collection.Source{Location: "b"}, dataB, nil, nil); err != nil {
		t.Fatalf("AddCollection B: %v", err)
	}

	results := o.FindPackages("octo")
	if len(results) != 1 {
		t.Fatalf("results len = %d, want 1", len(results))
	}
	if results[0].Score != 2 {
		t.Fatalf("Score = %d, want 2", results[0].Score)
	}
}

func strPtr(s string) *string { return &s }

func TestRefreshCollections_DropsNoLongerTrusted(t *testing.T) {
	verifier := signature.NewVerifier()
	o := collection.NewOrchestrator(verifier, false)

	data := sampleCollection(t, "WasTrusted")
	confirmations := 0
	trustConfirmation := func() bool {
		confirmations++
		return confirmations == 1 // confirmed once, revoked on any later prompt
	}

	if _, err := o.AddCollection(context.Background(), collection.Source{Location: "flaky"}, data, nil, trustConfirmation); err != nil {
		t.Fatalf("AddCollection: %v", err)
	}
	if len(o.ListCollections()) != 1 {
		t.Fatal("expected the initially confirmed collection to be listed")
	}

	refreshed := o.RefreshCollections(context.Background())
	if len(refreshed) != 0 {
		t.Fatalf("refreshed len = %d, want 0 once trust confirmation is declined", len(refreshed))
	}
	if len(o.ListCollections()) != 0 {
		t.Fatal("expected the no-longer-trusted collection to be removed from the stored set")
	}
}

func TestEnvelopeSplit_TamperedPayloadFailsVerification(t *testing.T) {
	identity, leaf := buildIdentity(t)
	verifier := signature.NewVerifier(signature.WithTrustedRoots(leaf))
	o := collection.NewOrchestrator(verifier, true)

	payload := sampleCollection(t, "Tamperable")
	data := wrapSigned(t, payload, identity)

	tampered := bytes.Replace(data, []byte("Tamperable"), []byte("Tamperablx"), 1)
	if bytes.Equal(tampered, data) {
		t.Fatal("tamper replacement did not change the document")
	}

	_, err := o.AddCollection(context.Background(), collection.Source{Location: "tampered"}, tampered, nil, nil)
	if err == nil {
		t.Fatal("expected verification to fail after mutating a byte inside the signed payload")
	}
}

func TestEnvelopeSplit_FlatSignedShapeVerifies(t *testing.T) {
	identity, leaf := buildIdentity(t)
	verifier := signature.NewVerifier(signature.WithTrustedRoots(leaf))
	o := collection.NewOrchestrator(verifier, true)

	payload := sampleCollection(t, "FlatShape")
	data := wrapSigned(t, payload, identity)

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := doc["collection"]; ok {
		t.Fatal("signed document should not carry a 'collection' wrapper key")
	}
	if _, ok := doc["name"]; !ok {
		t.Fatal("signed document should carry the collection's own top-level keys")
	}
	if _, ok := doc["signature"]; !ok {
		t.Fatal("signed document should carry a sibling 'signature' key")
	}

	sc, err := o.AddCollection(context.Background(), collection.Source{Location: "flat"}, data, nil, nil)
	if err != nil {
		t.Fatalf("AddCollection: %v", err)
	}
	if sc.Name != "FlatShape" {
		t.Fatalf("Name = %q, want %q", sc.Name, "FlatShape")
	}
}

type fakeEnricher struct {
	calls int
	md    *metadata.PackageBasicMetadata
	err   error
}

func (f *fakeEnricher) Get(ctx context.Context, location string) (*metadata.PackageBasicMetadata, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.md, nil
}

type fakeChecksumCommitter struct {
	committed map[string]string
}

func (f *fakeChecksumCommitter) Put(packageIdentity, version, checksum string) error {
	if f.committed == nil {
		f.committed = make(map[string]string)
	}
	f.committed[packageIdentity+"@"+version] = checksum
	return nil
}

func TestAddCollection_EnrichesMetadataAndCommitsChecksums(t *testing.T) {
	verifier := signature.NewVerifier()
	readme := "https://example.com/readme"
	enricher := &fakeEnricher{md: &metadata.PackageBasicMetadata{
		Summary:   "fetched summary",
		Keywords:  []string{"fetched"},
		ReadmeURL: &readme,
		License:   &metadata.LicenseInfo{Name: "MIT"},
	}}
	committer := &fakeChecksumCommitter{}

	o := collection.NewOrchestrator(verifier, false,
		collection.WithUnsignedTrust(true),
		collection.WithMetadataEnricher(enricher),
		collection.WithChecksumCommitter(committer),
	)

	col := collection.Collection{
		Name: "Enriched",
		Packages: []collection.Package{{
			URL:      "https://github.com/mona/octo.git",
			Versions: []collection.Version{{Version: "1.0.0", PackageName: "Octo", ToolsVersion: "5.9"}},
		}},
		FormatVersion: collection.FormatVersion1_0,
		GeneratedAt:   time.Now().UTC(),
	}
	data, err := json.Marshal(col)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	sc, err := o.AddCollection(context.Background(), collection.Source{Location: "enriched"}, data, nil, nil)
	if err != nil {
		t.Fatalf("AddCollection: %v", err)
	}

	if enricher.calls != 1 {
		t.Fatalf("enricher calls = %d, want 1", enricher.calls)
	}
	pkg := sc.Packages[0]
	if pkg.Summary == nil || *pkg.Summary != "fetched summary" {
		t.Fatalf("Summary = %v, want enriched value", pkg.Summary)
	}
	if pkg.License == nil || *pkg.License != "MIT" {
		t.Fatalf("License = %v, want %q", pkg.License, "MIT")
	}

	if len(committer.committed) != 1 {
		t.Fatalf("committed len = %d, want 1", len(committer.committed))
	}
	if _, ok := committer.committed["github.com_mona_octo@1.0.0"]; !ok {
		t.Fatalf("committed = %v, want an entry for github.com_mona_octo@1.0.0", committer.committed)
	}
}

func TestAddCollection_EnrichmentFailurePropagates(t *testing.T) {
	verifier := signature.NewVerifier()
	enricher := &fakeEnricher{err: platformerrors.New(platformerrors.CodeNotFound, "no such repository")}

	o := collection.NewOrchestrator(verifier, false,
		collection.WithUnsignedTrust(true),
		collection.WithMetadataEnricher(enricher),
	)

	data := sampleCollection(t, "WillFailEnrichment")
	_, err := o.AddCollection(context.Background(), collection.Source{Location: "fails"}, data, nil, nil)
	if err == nil {
		t.Fatal("expected the enrichment failure to propagate")
	}
	if platformerrors.GetCode(err) != platformerrors.CodeNotFound {
		t.Fatalf("code = %v, want CodeNotFound", platformerrors.GetCode(err))
	}
	if len(o.ListCollections()) != 0 {
		t.Fatal("a collection that failed enrichment must not be admitted")
	}
}
