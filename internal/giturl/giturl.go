// Package giturl derives a (host, owner, repo) triple from a
// git-compatible package URL. The regex and the derived API base and
// identity strings are shared by every component that needs to agree on
// what a package URL names, so they live here instead of being
// duplicated per-component.
package giturl

import (
	"fmt"
	"regexp"
	"strings"
)

// pattern matches git-compatible URLs in either scp-like
// (git@host:owner/repo.git) or URL (https://host/owner/repo) form.
var pattern = regexp.MustCompile(`(?i)([^/@]+)[:/]([^:/]+)/([^/.]+)(\.git)?$`)

// Result is the parsed (host, owner, repo) triple.
type Result struct {
	Host  string
	Owner string
	Repo  string
}

// Parse extracts (host, owner, repo) from location. ok is false if
// location does not match the shared git URL pattern.
func Parse(location string) (Result, bool) {
	m := pattern.FindStringSubmatch(location)
	if m == nil {
		return Result{}, false
	}
	return Result{Host: m[1], Owner: m[2], Repo: m[3]}, true
}

// APIBase returns the hosting API base URL for r, e.g.
// "https://api.github.com/repos/owner/repo".
func (r Result) APIBase() string {
	return fmt.Sprintf("https://api.%s/repos/%s/%s", r.Host, r.Owner, r.Repo)
}

// Identity returns the lowercased "host/owner/repo" string used as the
// shared package-identity key by checksum storage (via
// FilesystemSafeIdentity) and as the metadata cache key.
func (r Result) Identity() string {
	return strings.ToLower(r.Host + "/" + r.Owner + "/" + r.Repo)
}

// FilesystemSafeIdentity returns Identity with path separators replaced
// so the result is usable as a single filename component.
func (r Result) FilesystemSafeIdentity() string {
	return strings.ReplaceAll(r.Identity(), "/", "_")
}

// AuthTokenType derives the per-host auth token lookup key: strip a
// leading "api." from host and prefix with provider. The host is
// lowercased first; hosts already bare (e.g. "github.com") are
// otherwise unchanged.
func AuthTokenType(provider, host string) string {
	h := strings.TrimPrefix(strings.ToLower(host), "api.")
	return provider + "(" + h + ")"
}
