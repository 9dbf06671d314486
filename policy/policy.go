// Package policy verifies X.509 certificate chains against named trust
// policies: date validity, extended key usage, OCSP revocation, and
// program-specific marker extensions.
package policy

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/yim-lee/swift-package-manager-sub001/certificate"
	platformerrors "github.com/yim-lee/swift-package-manager-sub001/errors"
)

var (
	oidAppleDistributionIOS   = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 1, 4}
	oidAppleDistributionMacOS = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 1, 7}
	oidAppleWWDRIntermediate  = asn1.ObjectIdentifier{1, 2, 840, 113635, 100, 6, 2, 1}
)

// RevocationMode controls how OCSP failures are treated.
type RevocationMode int

const (
	// RevocationDisabled skips OCSP checking entirely.
	RevocationDisabled RevocationMode = iota
	// RevocationAllowSoftFail accepts an inconclusive OCSP response as trusted.
	RevocationAllowSoftFail
	// RevocationStrict requires a conclusive "good" OCSP response.
	RevocationStrict
)

// Name is re-exported for callers that only import policy.
type Name = certificate.Name

// Policy validates a certificate chain.
type Policy interface {
	// Validate reports whether chain is trusted under this policy,
	// verified against anchors (or the platform trust store if anchors
	// is empty) as of verifyDate. A non-nil error indicates a structural
	// problem with the input, distinct from an untrusted verdict.
	Validate(chain []*certificate.Certificate, anchors []*certificate.Certificate, verifyDate time.Time) (bool, error)
}

// OCSPChecker performs revocation checks. Exists as an interface so
// tests can substitute a fake network responder.
type OCSPChecker interface {
	Check(leaf, issuer *certificate.Certificate) (ocsp.ResponseStatus, error)
}

type httpOCSPChecker struct{}

func (httpOCSPChecker) Check(leaf, issuer *certificate.Certificate) (ocsp.ResponseStatus, error) {
	urls := leaf.OCSPResponderURLs()
	if len(urls) == 0 {
		return 0, platformerrors.New(platformerrors.CodeCertVerificationFailure, "leaf has no OCSP responder")
	}
	req, err := ocsp.CreateRequest(leaf.Raw(), issuer.Raw(), nil)
	if err != nil {
		return 0, platformerrors.Wrap(err, platformerrors.CodeCertVerificationFailure, "failed to build OCSP request")
	}
	return doOCSPRequest(urls[0], req, leaf.Raw(), issuer.Raw())
}

// Basic requires EKU codeSigning, an OCSP responder URL, and a chain
// that verifies against the supplied anchors (or the platform trust
// store when anchors is empty).
type Basic struct {
	Revocation  RevocationMode
	OCSPChecker OCSPChecker
}

// AppleDeveloper extends Basic with Apple-specific chain shape and
// marker extension checks.
type AppleDeveloper struct {
	Basic
	ExpectedSubjectUserID string
}

// Validate implements Policy for Basic.
func (p Basic) Validate(chain []*certificate.Certificate, anchors []*certificate.Certificate, verifyDate time.Time) (bool, error) {
	if len(chain) == 0 {
		return false, platformerrors.New(platformerrors.CodeEmptyCertChain, "certificate chain is empty")
	}

	leaf := chain[0]
	if !leaf.HasExtKeyUsageCodeSigning() {
		return false, nil
	}
	if len(leaf.OCSPResponderURLs()) == 0 {
		return false, nil
	}

	ok, err := p.verifyChain(chain, anchors, verifyDate)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	return p.checkRevocation(chain)
}

// Validate implements Policy for AppleDeveloper.
func (p AppleDeveloper) Validate(chain []*certificate.Certificate, anchors []*certificate.Certificate, verifyDate time.Time) (bool, error) {
	if len(chain) == 0 {
		return false, platformerrors.New(platformerrors.CodeEmptyCertChain, "certificate chain is empty")
	}
	if len(chain) != 3 {
		return false, nil
	}

	leaf, intermediate := chain[0], chain[1]
	if !leaf.HasExtension(oidAppleDistributionIOS) && !leaf.HasExtension(oidAppleDistributionMacOS) {
		return false, nil
	}
	if !intermediate.HasExtension(oidAppleWWDRIntermediate) {
		return false, nil
	}
	if p.ExpectedSubjectUserID != "" && leaf.Subject().UserID != p.ExpectedSubjectUserID {
		return false, nil
	}

	return p.Basic.Validate(chain, anchors, verifyDate)
}

// verifyChain performs structural x509 chain verification. Any
// UNHANDLED_CRITICAL_EXTENSION failure is ignored so unknown critical
// extensions do not block trust.
func (p Basic) verifyChain(chain []*certificate.Certificate, anchors []*certificate.Certificate, verifyDate time.Time) (bool, error) {
	leaf := chain[0].Raw()

	roots := x509.NewCertPool()
	intermediates := x509.NewCertPool()

	if len(anchors) > 0 {
		for _, a := range anchors {
			roots.AddCert(a.Raw())
		}
		for _, c := range chain[1:] {
			intermediates.AddCert(c.Raw())
		}
	} else {
		// No anchors supplied: treat the rest of the supplied chain as
		// both the intermediates and candidate roots, falling back to
		// the platform trust store for the final root lookup.
		if system, err := x509.SystemCertPool(); err == nil {
			roots = system
		}
		for _, c := range chain[1:] {
			intermediates.AddCert(c.Raw())
			if isSelfSigned(c.Raw()) {
				roots.AddCert(c.Raw())
			}
		}
	}

	opts := x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		CurrentTime:   verifyDate,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageCodeSigning, x509.ExtKeyUsageAny},
	}

	_, err := leaf.Verify(opts)
	if err == nil {
		return true, nil
	}
	if isUnhandledCriticalExtension(err) {
		return true, nil
	}
	// x509 verification failure is an untrusted verdict, not an error.
	return false, nil
}

func (p Basic) checkRevocation(chain []*certificate.Certificate) (bool, error) {
	if p.Revocation == RevocationDisabled || len(chain) < 2 {
		return true, nil
	}

	checker := p.OCSPChecker
	if checker == nil {
		checker = httpOCSPChecker{}
	}

	status, err := checker.Check(chain[0], chain[1])
	if err != nil {
		if p.Revocation == RevocationStrict {
			return false, nil
		}
		// allowSoftFail: network/parse failure is treated as "unknown".
		return true, nil
	}

	switch status {
	case ocsp.Good:
		return true, nil
	case ocsp.Revoked:
		return false, nil
	default: // ocsp.Unknown
		return p.Revocation == RevocationAllowSoftFail, nil
	}
}

func isSelfSigned(c *x509.Certificate) bool {
	return c.Issuer.String() == c.Subject.String()
}

func isUnhandledCriticalExtension(err error) bool {
	var unhandled x509.UnhandledCriticalExtension
	return stderrors.As(err, &unhandled)
}

// doOCSPRequest POSTs an OCSP request and parses the response. Split out
// from OCSPChecker.Check so tests can point a httpOCSPChecker-shaped
// fake at an httptest.Server without touching the network.
func doOCSPRequest(url string, req []byte, leaf, issuer *x509.Certificate) (ocsp.ResponseStatus, error) {
	httpResp, err := http.Post(url, "application/ocsp-request", bytes.NewReader(req))
	if err != nil {
		return 0, platformerrors.Wrap(err, platformerrors.CodeNetwork, "OCSP request failed")
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return 0, platformerrors.Wrap(err, platformerrors.CodeNetwork, "failed to read OCSP response")
	}

	resp, err := ocsp.ParseResponseForCert(body, leaf, issuer)
	if err != nil {
		return 0, platformerrors.Wrap(err, platformerrors.CodeCertVerificationFailure, "failed to parse OCSP response")
	}
	return resp.Status, nil
}
