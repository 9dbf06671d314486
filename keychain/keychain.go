// Package keychain enumerates signing identities from the platform's
// native secret store. The store is an optional capability: when it is
// unavailable or empty, Find returns no identities and no error, ever.
package keychain

import (
	"encoding/base64"
	"encoding/json"

	"github.com/rs/zerolog"
	"github.com/zalando/go-keyring"

	"github.com/yim-lee/swift-package-manager-sub001/certificate"
)

// service namespaces keyring entries so this package never collides
// with unrelated credentials stored by other applications.
const service = "swift-package-manager-sub001.signing-identity"

// SigningIdentity is C4's projection of an entry in the platform
// keyring: a certificate chain and an opaque reference to the private
// key. The private key itself is never copied out of the keyring; C3's
// signer resolves PrivateKeyRef against crypto.Signer when it actually
// needs to sign.
type SigningIdentity struct {
	Label            string
	CertificateChain []*certificate.Certificate
	PrivateKeyRef    string
}

// storedIdentity is the JSON shape a keyring entry's secret is expected
// to hold: a base64-DER certificate chain (leaf first) and a reference
// string naming the private key to the platform's signing API.
type storedIdentity struct {
	CertificateChain []string `json:"certificateChain"`
	PrivateKeyRef    string   `json:"privateKeyRef"`
}

// Store finds signing identities by exact label match.
type Store struct {
	logger zerolog.Logger
}

// New builds a Store that logs keyring warnings through logger.
func New(logger zerolog.Logger) *Store {
	return &Store{logger: logger}
}

// Find looks up the identity stored under label. It never returns an
// error: an unavailable keyring, a missing label, a malformed entry, or
// any other keyring failure all produce an empty slice. Every case but
// a missing label (keyring.ErrNotFound) also logs a warning.
func (s *Store) Find(label string) []SigningIdentity {
	secret, err := keyring.Get(service, label)
	if err != nil {
		if err != keyring.ErrNotFound {
			s.logger.Warn().Err(err).Str("label", label).Msg("signing identity store unavailable")
		}
		return nil
	}

	var stored storedIdentity
	if err := json.Unmarshal([]byte(secret), &stored); err != nil {
		s.logger.Warn().Err(err).Str("label", label).Msg("signing identity entry is malformed")
		return nil
	}

	chain := make([]*certificate.Certificate, 0, len(stored.CertificateChain))
	for _, encoded := range stored.CertificateChain {
		der, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			s.logger.Warn().Err(err).Str("label", label).Msg("signing identity certificate chain entry is not valid base64")
			return nil
		}
		cert, err := certificate.Parse(der)
		if err != nil {
			s.logger.Warn().Err(err).Str("label", label).Msg("signing identity certificate chain entry failed to parse")
			return nil
		}
		chain = append(chain, cert)
	}

	return []SigningIdentity{{Label: label, CertificateChain: chain, PrivateKeyRef: stored.PrivateKeyRef}}
}
