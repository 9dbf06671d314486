package collection

import (
	"github.com/yim-lee/swift-package-manager-sub001/certificate"
	platformerrors "github.com/yim-lee/swift-package-manager-sub001/errors"
	"github.com/yim-lee/swift-package-manager-sub001/signature"
)

func toName(n certificate.Name) Name {
	return Name{
		UserID:                 n.UserID,
		CommonName:             n.CommonName,
		OrganizationName:       n.OrganizationName,
		OrganizationalUnitName: n.OrganizationalUnitName,
	}
}

// trustOutcome enumerates the terminal states of the trust decision
// state machine on addCollection.
type trustOutcome int

const (
	trustAccept trustOutcome = iota
	trustUntrusted
	trustCannotVerifySignature
	trustInvalidSignature
	trustMissingSignature
)

func (o trustOutcome) err() error {
	switch o {
	case trustAccept:
		return nil
	case trustUntrusted:
		return platformerrors.New(platformerrors.CodeUntrusted, "collection is not trusted; pass an override to admit it unsigned")
	case trustCannotVerifySignature:
		return platformerrors.New(platformerrors.CodeCannotVerifySignature, "collection signature cannot be verified: no trusted roots configured")
	case trustInvalidSignature:
		return platformerrors.New(platformerrors.CodeInvalidSignature, "collection signature is invalid")
	case trustMissingSignature:
		return platformerrors.New(platformerrors.CodeMissingSignature, "collection source requires a signature and none was present")
	default:
		return platformerrors.New(platformerrors.CodeUnknown, "unrecognized trust outcome")
	}
}

// CertificateNames projects the subject and issuer distinguished names
// of a verified leaf certificate.
type CertificateNames struct {
	Subject Name
	Issuer  Name
}

// Name mirrors certificate.Name without importing the certificate
// package's handle type into the public collection API surface.
type Name struct {
	UserID                 string
	CommonName             string
	OrganizationName       string
	OrganizationalUnitName string
}

// CollectionSignature is the verification result attached to a
// successfully trusted, signed collection.
type CollectionSignature struct {
	Certificate   CertificateNames
	SigningEntity signature.SigningEntity
}

// evaluateTrust runs the state machine described in §4.8 against a
// single source/envelope pair. trustConfirmation may be nil, in which
// case an unsigned collection that the orchestrator's unsigned-trust
// setting does not already admit is treated as declined (Untrusted).
func (o *Orchestrator) evaluateTrust(source Source, env Envelope, trustConfirmation func() bool) (trustOutcome, *CollectionSignature, error) {
	if source.SkipSignatureCheck {
		return trustAccept, nil, nil
	}

	if !env.HasSig {
		if source.RequireSignature {
			return trustMissingSignature, nil, nil
		}
		if o.unsignedTrust {
			return trustAccept, nil, nil
		}
		if trustConfirmation != nil && trustConfirmation() {
			return trustAccept, nil, nil
		}
		return trustUntrusted, nil, nil
	}

	status, err := o.verifier.Status(env.Signature, env.Payload, env.Format)
	if err != nil {
		return trustInvalidSignature, nil, err
	}

	switch status.Kind {
	case signature.StatusValid:
		leaf, err := signature.LeafCertificate(env.Signature, env.Format)
		if err != nil {
			return trustInvalidSignature, nil, nil
		}
		sig := &CollectionSignature{
			Certificate:   CertificateNames{Subject: toName(leaf.Subject()), Issuer: toName(leaf.Issuer())},
			SigningEntity: status.SigningEntity,
		}
		return trustAccept, sig, nil
	case signature.StatusCertificateNotTrusted:
		if !o.hasTrustedRoots {
			return trustCannotVerifySignature, nil, nil
		}
		return trustUntrusted, nil, nil
	case signature.StatusCertificateInvalid, signature.StatusDoesNotConform:
		return trustInvalidSignature, nil, nil
	default:
		return trustUntrusted, nil, nil
	}
}
