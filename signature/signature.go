// Package signature produces and verifies CMS detached signatures over
// collection payload bytes, reporting a typed status rather than a bare
// error wherever the outcome is a trust decision rather than a
// structural failure.
package signature

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"sync"
	"time"

	"github.com/digitorus/pkcs7"

	"github.com/yim-lee/swift-package-manager-sub001/certificate"
	platformerrors "github.com/yim-lee/swift-package-manager-sub001/errors"
	"github.com/yim-lee/swift-package-manager-sub001/policy"
)

// Format identifies a signature encoding. Exactly one value is
// recognized today.
type Format string

// FormatCMS1_0_0 is the only recognized SignatureFormat.
const FormatCMS1_0_0 Format = "cms-1.0.0"

// ParseFormat validates a format string, rejecting anything unrecognized.
func ParseFormat(s string) (Format, error) {
	if Format(s) != FormatCMS1_0_0 {
		return "", platformerrors.Newf(platformerrors.CodeDecodeInitializationFailed, "unrecognized signature format %q", s)
	}
	return FormatCMS1_0_0, nil
}

// Identity is the signer's key material and certificate chain,
// constructed directly by callers (e.g. tests). The keychain package
// returns its own SigningIdentity type, which carries only a key
// reference, not a crypto.Signer.
type Identity struct {
	PrivateKey  crypto.Signer
	Certificate *certificate.Certificate
	Chain       []*certificate.Certificate // intermediates + root, leaf excluded
}

// SigningEntity is the externally visible identity derived from a
// verified leaf certificate.
type SigningEntity struct {
	Type               string // "adp" if the Apple Developer marker extension is present, else ""
	Name               string
	OrganizationalUnit string
	Organization       string
}

// IsRecognized reports whether Type is non-empty.
func (e SigningEntity) IsRecognized() bool {
	return e.Type != ""
}

// StatusKind enumerates the possible outcomes of Status.
type StatusKind int

const (
	// StatusValid indicates the signature verified successfully.
	StatusValid StatusKind = iota
	// StatusCertificateNotTrusted indicates the chain did not verify
	// against the configured trusted roots, with no specific structural
	// failure recorded.
	StatusCertificateNotTrusted
	// StatusCertificateInvalid indicates the chain failed structural
	// validation (expired, wrong EKU, malformed extension, etc).
	StatusCertificateInvalid
	// StatusDoesNotConform indicates the signature bytes could not be
	// parsed as the claimed format.
	StatusDoesNotConform
)

// Status is the typed result of verifying a signature.
type Status struct {
	Kind          StatusKind
	SigningEntity SigningEntity
	Details       string
}

// VerifierConfiguration controls how Status evaluates a signature.
type VerifierConfiguration struct {
	TrustedRoots          []*certificate.Certificate
	CertificateExpiration bool // true = enabled
	CertificateRevocation policy.RevocationMode
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithTrustedRoots sets the anchors used to evaluate embedded chains.
func WithTrustedRoots(roots ...*certificate.Certificate) Option {
	return func(v *Verifier) { v.config.TrustedRoots = roots }
}

// WithExpirationCheck toggles certificate expiration enforcement.
func WithExpirationCheck(enabled bool) Option {
	return func(v *Verifier) { v.config.CertificateExpiration = enabled }
}

// WithRevocationMode sets the OCSP revocation mode.
func WithRevocationMode(mode policy.RevocationMode) Option {
	return func(v *Verifier) { v.config.CertificateRevocation = mode }
}

// WithCache attaches a VerificationCache so repeat verifications of the
// same (content, signature) pair within the cache's TTL are short-circuited.
func WithCache(cache *VerificationCache) Option {
	return func(v *Verifier) { v.cache = cache }
}

// Verifier evaluates CMS signatures against a fixed configuration.
type Verifier struct {
	config VerifierConfiguration
	cache  *VerificationCache
}

// NewVerifier builds a Verifier with empty trusted roots, expiration
// disabled, and revocation disabled, then applies opts.
func NewVerifier(opts ...Option) *Verifier {
	v := &Verifier{
		config: VerifierConfiguration{
			CertificateExpiration: false,
			CertificateRevocation: policy.RevocationDisabled,
		},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Sign produces a detached CMS signature over content using identity's
// key and certificate. format must be FormatCMS1_0_0.
func Sign(content []byte, identity Identity, format Format) ([]byte, error) {
	if format != FormatCMS1_0_0 {
		return nil, platformerrors.Newf(platformerrors.CodeEncodeInitializationFailed, "unsupported signature format %q", format)
	}
	if !isPermittedKeyType(identity.PrivateKey) {
		return nil, platformerrors.New(platformerrors.CodeEncodeInitializationFailed, "identity key type not permitted for cms-1.0.0")
	}

	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeEncodeInitializationFailed, "failed to initialize CMS signed data")
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)

	leafDER := identity.Certificate.Raw()
	parents := make([]*x509.Certificate, 0, len(identity.Chain))
	for _, c := range identity.Chain {
		parents = append(parents, c.Raw())
	}

	cfg := pkcs7.SignerInfoConfig{
		ExtraSignedAttributes: []pkcs7.Attribute{},
	}

	if err := sd.AddSignerChain(leafDER, identity.PrivateKey, parents, cfg); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeSigningFailed, "failed to add signer to CMS structure")
	}
	sd.Detach()

	der, err := sd.Finish()
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeSigningFailed, "failed to finalize CMS signature")
	}
	return der, nil
}

// Status verifies sig as a detached signature over content and reports
// a typed outcome.
func (v *Verifier) Status(sig, content []byte, format Format) (Status, error) {
	if format != FormatCMS1_0_0 {
		return Status{}, platformerrors.Newf(platformerrors.CodeDecodeInitializationFailed, "unsupported signature format %q", format)
	}

	if v.cache != nil {
		if cached, ok := v.cache.Lookup(content, sig); ok {
			return cached, nil
		}
	}

	p7, err := pkcs7.Parse(sig)
	if err != nil {
		status := Status{Kind: StatusDoesNotConform, Details: err.Error()}
		return status, nil
	}
	p7.Content = content

	if len(p7.Certificates) == 0 {
		return Status{Kind: StatusDoesNotConform, Details: "no certificate embedded in signature"}, nil
	}
	leafX509 := p7.Certificates[0]
	leaf, err := certificate.Parse(leafX509.Raw)
	if err != nil {
		return Status{Kind: StatusDoesNotConform, Details: err.Error()}, nil
	}

	chain := []*certificate.Certificate{leaf}
	for _, c := range p7.Certificates[1:] {
		parsed, err := certificate.Parse(c.Raw)
		if err != nil {
			continue
		}
		chain = append(chain, parsed)
	}

	basic := policy.Basic{Revocation: v.config.CertificateRevocation}
	verifyDate := time.Now()
	if !v.config.CertificateExpiration {
		// Expiration disabled: verify at the leaf's own NotBefore so an
		// expired-but-otherwise-valid chain still evaluates.
		verifyDate = leafX509.NotBefore.Add(time.Minute)
	}

	trusted, err := basic.Validate(chain, v.config.TrustedRoots, verifyDate)
	if err != nil {
		status := Status{Kind: StatusCertificateInvalid, Details: err.Error()}
		v.remember(content, sig, status)
		return status, nil
	}
	if !trusted {
		status := Status{Kind: StatusCertificateNotTrusted}
		v.remember(content, sig, status)
		return status, nil
	}

	if err := p7.Verify(); err != nil {
		status := Status{Kind: StatusCertificateInvalid, Details: fmt.Sprintf("signature does not verify: %v", err)}
		v.remember(content, sig, status)
		return status, nil
	}

	entity := signingEntityFromLeaf(leaf)
	status := Status{Kind: StatusValid, SigningEntity: entity}
	v.remember(content, sig, status)
	return status, nil
}

// EntityFromSignature extracts the signing entity from a signature
// without re-running full verification logic beyond format parsing.
func EntityFromSignature(sig []byte, format Format) (SigningEntity, error) {
	leaf, err := LeafCertificate(sig, format)
	if err != nil {
		return SigningEntity{}, err
	}
	return signingEntityFromLeaf(leaf), nil
}

// LeafCertificate parses sig and returns the embedded signer
// certificate, for callers (such as the collection trust orchestrator)
// that need the full certificate handle rather than just the derived
// SigningEntity.
func LeafCertificate(sig []byte, format Format) (*certificate.Certificate, error) {
	if format != FormatCMS1_0_0 {
		return nil, platformerrors.Newf(platformerrors.CodeDecodeInitializationFailed, "unsupported signature format %q", format)
	}
	p7, err := pkcs7.Parse(sig)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeDecodeInitializationFailed, "failed to parse CMS structure")
	}
	if len(p7.Certificates) == 0 {
		return nil, platformerrors.New(platformerrors.CodeDecodeInitializationFailed, "no certificate embedded in signature")
	}
	leaf, err := certificate.Parse(p7.Certificates[0].Raw)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeDecodeInitializationFailed, "failed to parse embedded certificate")
	}
	return leaf, nil
}

func signingEntityFromLeaf(leaf *certificate.Certificate) SigningEntity {
	name := leaf.Subject()
	entity := SigningEntity{
		Name:               name.CommonName,
		OrganizationalUnit: name.OrganizationalUnitName,
		Organization:       name.OrganizationName,
	}
	if leaf.HasExtension([]int{1, 2, 840, 113635, 100, 6, 1, 4}) || leaf.HasExtension([]int{1, 2, 840, 113635, 100, 6, 1, 7}) {
		entity.Type = "adp"
	}
	return entity
}

func isPermittedKeyType(key crypto.Signer) bool {
	switch key.Public().(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey:
		return true
	default:
		return false
	}
}

func (v *Verifier) remember(content, sig []byte, status Status) {
	if v.cache != nil {
		v.cache.Store(content, sig, status)
	}
}

// VerificationCache short-circuits repeated verification of the same
// (content, signature) pair within a bounded TTL. Purely an
// optimization: Status never consults it for correctness beyond the
// cached result itself, which was produced by the same algorithm.
type VerificationCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	status    Status
	expiresAt time.Time
}

// NewVerificationCache builds a cache with the given entry TTL.
func NewVerificationCache(ttl time.Duration) *VerificationCache {
	return &VerificationCache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func (c *VerificationCache) key(content, sig []byte) string {
	h := sha256.New()
	h.Write(content)
	h.Write([]byte{0})
	h.Write(sig)
	return string(h.Sum(nil))
}

// Lookup returns a cached status if present and not expired.
func (c *VerificationCache) Lookup(content, sig []byte) (Status, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[c.key(content, sig)]
	if !ok || time.Now().After(entry.expiresAt) {
		return Status{}, false
	}
	return entry.status, true
}

// Store records a status for the given (content, signature) pair.
func (c *VerificationCache) Store(content, sig []byte, status Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.key(content, sig)] = cacheEntry{status: status, expiresAt: time.Now().Add(c.ttl)}
}
