package collection

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	platformerrors "github.com/yim-lee/swift-package-manager-sub001/errors"
	"github.com/yim-lee/swift-package-manager-sub001/internal/giturl"
	"github.com/yim-lee/swift-package-manager-sub001/metadata"
	"github.com/yim-lee/swift-package-manager-sub001/signature"
)

// Source identifies where a collection document came from and the
// trust policy that applies to it.
type Source struct {
	// Location names the collection for persistence and logging. It is
	// opaque to the orchestrator: fetching the bytes behind it is an
	// external collaborator's job (source-control / HTTP clients are out
	// of scope here).
	Location string

	// SkipSignatureCheck admits the collection unconditionally,
	// bypassing both signature verification and the unsigned-trust
	// prompt. Intended for local, explicitly-trusted sources.
	SkipSignatureCheck bool

	// RequireSignature refuses admission with MissingSignature when no
	// signature is present, regardless of the orchestrator's global
	// unsigned-trust policy.
	RequireSignature bool
}

// SignedCollection pairs a loaded Collection with its verification
// result, when one exists.
type SignedCollection struct {
	Collection
	Signature *CollectionSignature
}

type storedEntry struct {
	source            Source
	data              []byte
	collection        Collection
	signature         *CollectionSignature
	trustConfirmation func() bool
}

// MetadataEnricher is C7's projection onto C8: fetch basic metadata for
// the package at location. Satisfied by *metadata.Provider.
type MetadataEnricher interface {
	Get(ctx context.Context, location string) (*metadata.PackageBasicMetadata, error)
}

// ChecksumCommitter is C5's projection onto C8: commit the checksum
// computed for one admitted package version. Satisfied by
// *checksum.Store.
type ChecksumCommitter interface {
	Put(packageIdentity, version, checksum string) error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithUnsignedTrust sets whether unsigned collections (from sources
// that do not require a signature) are admitted without prompting.
func WithUnsignedTrust(trust bool) Option {
	return func(o *Orchestrator) { o.unsignedTrust = trust }
}

// WithLogger sets the logger used for refresh/removal diagnostics.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetadataEnricher attaches C7, consulted once per package on
// admission to fill in summary/keywords/readme/license fields the
// collection itself left unset.
func WithMetadataEnricher(enricher MetadataEnricher) Option {
	return func(o *Orchestrator) { o.enricher = enricher }
}

// WithChecksumCommitter attaches C5, committed once per admitted
// package version.
func WithChecksumCommitter(checksums ChecksumCommitter) Option {
	return func(o *Orchestrator) { o.checksums = checksums }
}

// Orchestrator holds the ordered set of collections a process
// currently trusts, and the policy used to admit new ones.
type Orchestrator struct {
	mu              sync.Mutex
	verifier        *signature.Verifier
	hasTrustedRoots bool
	unsignedTrust   bool
	logger          zerolog.Logger
	entries         []*storedEntry

	enricher  MetadataEnricher
	checksums ChecksumCommitter
}

// NewOrchestrator builds an Orchestrator backed by verifier.
// hasTrustedRoots must reflect whether verifier was constructed with a
// non-empty trusted-root set, since the orchestrator needs to
// distinguish CannotVerifySignature (no roots configured) from
// Untrusted (a chain that simply didn't verify).
func NewOrchestrator(verifier *signature.Verifier, hasTrustedRoots bool, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		verifier:        verifier,
		hasTrustedRoots: hasTrustedRoots,
		logger:          zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// AddCollection loads, verifies, and persists a collection document.
// order, when non-nil, inserts at the given index (clamped into
// range); nil appends. trustConfirmation is consulted only when a
// decision is actually needed (an unsigned collection whose source
// permits unsigned admission but whose orchestrator-wide policy does
// not auto-trust it).
//
// Once the document is accepted, every package in it is enriched via
// the configured MetadataEnricher (consulting C6 is the enricher's own
// concern, not the orchestrator's) and every version's checksum is
// committed via the configured ChecksumCommitter. Both steps are
// skipped silently when their collaborator was never configured; a
// failure from either propagates to the caller as-is, and neither
// collaborator is consulted until the collection has already been
// admitted by trust.
func (o *Orchestrator) AddCollection(ctx context.Context, source Source, data []byte, order *int, trustConfirmation func() bool) (*SignedCollection, error) {
	env, err := Split(data)
	if err != nil {
		return nil, err
	}

	var col Collection
	if err := json.Unmarshal(env.Payload, &col); err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidInput, "failed to decode collection payload")
	}
	if err := col.Validate(); err != nil {
		return nil, err
	}

	outcome, sig, err := o.evaluateTrust(source, env, trustConfirmation)
	if err != nil {
		return nil, err
	}
	if outcome != trustAccept {
		return nil, outcome.err()
	}

	if err := o.admitPackages(ctx, &col); err != nil {
		return nil, err
	}

	entry := &storedEntry{
		source:            source,
		data:              data,
		collection:        col,
		signature:         sig,
		trustConfirmation: trustConfirmation,
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.insertLocked(entry, order)

	return &SignedCollection{Collection: col, Signature: sig}, nil
}

// admitPackages runs the per-package enrichment and per-version
// checksum commit described in §2/§5 against an already trust-accepted
// collection: all of a package's metadata enrichment completes before
// its versions' checksums are committed, and a version's checksum
// commit happens only after that version has been admitted.
func (o *Orchestrator) admitPackages(ctx context.Context, col *Collection) error {
	for i := range col.Packages {
		pkg := &col.Packages[i]

		if o.enricher != nil {
			md, err := o.enricher.Get(ctx, pkg.URL)
			if err != nil {
				return err
			}
			applyMetadata(pkg, md)
		}

		if o.checksums != nil {
			parsed, ok := giturl.Parse(pkg.URL)
			if !ok {
				return platformerrors.Newf(platformerrors.CodeInvalidGitURL, "package url %q does not match the git URL pattern", pkg.URL)
			}
			identity := parsed.FilesystemSafeIdentity()

			for _, v := range pkg.Versions {
				sum, err := versionChecksum(v)
				if err != nil {
					return err
				}
				if err := o.checksums.Put(identity, v.Version, sum); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// applyMetadata fills pkg's summary, keywords, readme URL, and license
// fields from md, but only where the collection itself left the field
// unset: a collection's own declared value always wins over a fetched
// one.
func applyMetadata(pkg *Package, md *metadata.PackageBasicMetadata) {
	if md == nil {
		return
	}
	if pkg.Summary == nil && md.Summary != "" {
		summary := md.Summary
		pkg.Summary = &summary
	}
	if len(pkg.Keywords) == 0 && len(md.Keywords) > 0 {
		pkg.Keywords = append([]string(nil), md.Keywords...)
	}
	if pkg.ReadmeURL == nil && md.ReadmeURL != nil {
		url := *md.ReadmeURL
		pkg.ReadmeURL = &url
	}
	if pkg.License == nil && md.License != nil && md.License.Name != "" {
		name := md.License.Name
		pkg.License = &name
	}
}

// versionChecksum computes the checksum committed for an admitted
// version. The data model carries no separate checksum field (§3);
// archive fetching is out of scope (§1), so the committed value is a
// deterministic digest of the version's own canonical JSON, which lets
// C5's conflict detection still catch a version whose declared
// metadata changed without a corresponding version bump.
func versionChecksum(v Version) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to encode version for checksum")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (o *Orchestrator) insertLocked(entry *storedEntry, order *int) {
	if order == nil {
		o.entries = append(o.entries, entry)
		return
	}
	idx := *order
	if idx < 0 {
		idx = 0
	}
	if idx > len(o.entries) {
		idx = len(o.entries)
	}
	o.entries = append(o.entries, nil)
	copy(o.entries[idx+1:], o.entries[idx:])
	o.entries[idx] = entry
}

// RemoveCollection drops source from the trusted set. A no-op if
// source is not present; never touches checksum or cache state.
func (o *Orchestrator) RemoveCollection(location string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, e := range o.entries {
		if e.source.Location == location {
			o.entries = append(o.entries[:i], o.entries[i+1:]...)
			return
		}
	}
}

// ListCollections returns the currently trusted collections in
// insertion order.
func (o *Orchestrator) ListCollections() []SignedCollection {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]SignedCollection, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, SignedCollection{Collection: e.collection, Signature: e.signature})
	}
	return out
}

// RefreshCollections re-verifies every currently-persisted source
// against its originally-stored document bytes, replacing each
// snapshot in place at its original position. A source that no longer
// passes trust is dropped from both the returned set and the
// orchestrator's stored state, and logged; it is never silently
// retried with a relaxed policy. A source that still passes trust is
// re-admitted through the same per-package enrichment and per-version
// checksum commit as AddCollection.
func (o *Orchestrator) RefreshCollections(ctx context.Context) []SignedCollection {
	o.mu.Lock()
	snapshot := make([]*storedEntry, len(o.entries))
	copy(snapshot, o.entries)
	o.mu.Unlock()

	var refreshed []*storedEntry
	var out []SignedCollection

	for _, e := range snapshot {
		env, err := Split(e.data)
		if err != nil {
			o.logger.Warn().Str("location", e.source.Location).Err(err).Msg("collection refresh failed to split envelope; dropping")
			continue
		}
		var col Collection
		if err := json.Unmarshal(env.Payload, &col); err != nil {
			o.logger.Warn().Str("location", e.source.Location).Err(err).Msg("collection refresh failed to decode payload; dropping")
			continue
		}
		if err := col.Validate(); err != nil {
			o.logger.Warn().Str("location", e.source.Location).Err(err).Msg("collection refresh failed validation; dropping")
			continue
		}

		outcome, sig, err := o.evaluateTrust(e.source, env, e.trustConfirmation)
		if err != nil || outcome != trustAccept {
			o.logger.Warn().Str("location", e.source.Location).Msg("collection no longer passes trust on refresh; dropping")
			continue
		}

		if err := o.admitPackages(ctx, &col); err != nil {
			o.logger.Warn().Str("location", e.source.Location).Err(err).Msg("collection refresh failed metadata/checksum admission; dropping")
			continue
		}

		updated := &storedEntry{source: e.source, data: e.data, collection: col, signature: sig, trustConfirmation: e.trustConfirmation}
		refreshed = append(refreshed, updated)
		out = append(out, SignedCollection{Collection: col, Signature: sig})
	}

	o.mu.Lock()
	o.entries = refreshed
	o.mu.Unlock()

	return out
}

// ScoredPackage pairs a package with the number of trusted collections
// that reference it.
type ScoredPackage struct {
	Package Package
	Score   int
}

// TargetMatch pairs a matching target with the package that declares it.
type TargetMatch struct {
	Target  Target
	Package Package
}

// FindPackages returns packages whose summary, keywords, or target
// names contain query, scored by how many trusted collections
// reference them and ordered by descending score then insertion order.
func (o *Orchestrator) FindPackages(query string) []ScoredPackage {
	o.mu.Lock()
	defer o.mu.Unlock()

	query = strings.ToLower(query)
	scores := make(map[string]int)
	first := make(map[string]Package)
	var order []string

	for _, e := range o.entries {
		for _, pkg := range e.collection.Packages {
			if !packageMatches(pkg, query) {
				continue
			}
			if _, seen := first[pkg.URL]; !seen {
				first[pkg.URL] = pkg
				order = append(order, pkg.URL)
			}
			scores[pkg.URL]++
		}
	}

	results := make([]ScoredPackage, 0, len(order))
	for _, url := range order {
		results = append(results, ScoredPackage{Package: first[url], Score: scores[url]})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	return results
}

func packageMatches(pkg Package, query string) bool {
	if pkg.Summary != nil && strings.Contains(strings.ToLower(*pkg.Summary), query) {
		return true
	}
	for _, kw := range pkg.Keywords {
		if strings.Contains(strings.ToLower(kw), query) {
			return true
		}
	}
	for _, v := range pkg.Versions {
		for _, t := range v.Targets {
			if strings.Contains(strings.ToLower(t.Name), query) {
				return true
			}
		}
	}
	return false
}

// FindTargets returns (target, package) pairs across all trusted
// collections whose module name matches query. exactMatch requires
// an exact (case-sensitive) module name match; otherwise substring
// matching on the target name is used.
func (o *Orchestrator) FindTargets(query string, exactMatch bool) []TargetMatch {
	o.mu.Lock()
	defer o.mu.Unlock()

	var results []TargetMatch
	for _, e := range o.entries {
		for _, pkg := range e.collection.Packages {
			for _, v := range pkg.Versions {
				for _, t := range v.Targets {
					if targetMatches(t, query, exactMatch) {
						results = append(results, TargetMatch{Target: t, Package: pkg})
					}
				}
			}
		}
	}
	return results
}

func targetMatches(t Target, query string, exactMatch bool) bool {
	if exactMatch {
		return t.ModuleName != nil && *t.ModuleName == query
	}
	return strings.Contains(strings.ToLower(t.Name), strings.ToLower(query))
}
