// Package metadata enriches a package with basic metadata fetched from
// its hosting API (currently GitHub-shaped APIs only), under a fan-out
// plan that tolerates subordinate-request failures but requires the
// main repository request to succeed, and under per-host rate-limit,
// retry, and circuit-breaker discipline.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	platformerrors "github.com/yim-lee/swift-package-manager-sub001/errors"
	"github.com/yim-lee/swift-package-manager-sub001/internal/giturl"
	"github.com/yim-lee/swift-package-manager-sub001/metadatacache"
)

const (
	rateLimitWarnThreshold = 5
	cacheTTL               = time.Duration(3600) * time.Second
	cacheMaxBytes          = 10 << 20
	providerName           = "github"

	// releasesPath is the subordinate releases request path. per_page=20
	// must appear verbatim, so it is a literal here rather than built
	// through a query-encoding helper that could normalize it away.
	releasesPath = "/releases?per_page=20"
)

// VersionMetadata is the per-release projection kept for a package
// version whose tag parses as semver.
type VersionMetadata struct {
	Version     string    `json:"version"`
	TagName     string    `json:"tagName"`
	CreatedAt   time.Time `json:"createdAt"`
	PublishedAt time.Time `json:"publishedAt"`
}

// LicenseInfo names the SPDX identifier and optional raw-text URL for
// a package's license.
type LicenseInfo struct {
	Name        string  `json:"name"`
	DownloadURL *string `json:"downloadUrl,omitempty"`
}

// Author identifies a contributor surfaced from the hosting API.
type Author struct {
	Username string `json:"username"`
	URL      string `json:"url"`
	Service  string `json:"service"`
}

// PackageBasicMetadata is the assembled result of a fan-out fetch.
type PackageBasicMetadata struct {
	Summary       string            `json:"summary"`
	Keywords      []string          `json:"keywords"`
	Versions      []VersionMetadata `json:"versions"`
	WatchersCount int               `json:"watchersCount"`
	ReadmeURL     *string           `json:"readmeUrl,omitempty"`
	License       *LicenseInfo      `json:"license,omitempty"`
	Authors       []Author          `json:"authors"`
	Languages     []string          `json:"languages"`
	ProcessedAt   time.Time         `json:"processedAt"`
}

// Option configures a Provider.
type Option func(*Provider)

// WithTokens supplies the per-authTokenType credential map consulted
// when a host requires authentication.
func WithTokens(tokens map[string]string) Option {
	return func(p *Provider) { p.tokens = tokens }
}

// WithLogger sets the logger used for cache and rate-limit warnings.
func WithLogger(logger zerolog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// WithCache attaches the C6 metadata cache consulted before, and
// populated after, a fan-out fetch.
func WithCache(cache *metadatacache.Cache[PackageBasicMetadata]) Option {
	return func(p *Provider) { p.cache = cache }
}

// Provider fetches PackageBasicMetadata for packages hosted on
// GitHub-shaped APIs.
type Provider struct {
	tokens    map[string]string
	logger    zerolog.Logger
	cache     *metadatacache.Cache[PackageBasicMetadata]
	transport *transportPool
}

// NewProvider builds a Provider with no tokens, no cache, and a
// no-op logger, then applies opts.
func NewProvider(opts ...Option) *Provider {
	p := &Provider{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(p)
	}
	p.transport = newTransportPool(p.logger)
	return p
}

// Get fetches basic metadata for the package at location. The cache key
// is the shared package-identity string derived from location
// (internal/giturl.Result.Identity); the auth token is looked up by the
// location's host.
func (p *Provider) Get(ctx context.Context, location string) (*PackageBasicMetadata, error) {
	parsed, ok := giturl.Parse(location)
	if !ok {
		return nil, platformerrors.Newf(platformerrors.CodeInvalidGitURL, "location %q does not match the git URL pattern", location)
	}
	identity := parsed.Identity()

	if p.cache != nil {
		if cached, found, err := p.cache.Get(identity); err != nil {
			p.logger.Warn().Err(err).Str("identity", identity).Msg("metadata cache read failed")
		} else if found {
			return &cached, nil
		}
	}

	tokenType := giturl.AuthTokenType(providerName, parsed.Host)
	token, hasToken := p.tokens[tokenType]

	apiBase := parsed.APIBase()
	repo, err := p.fetchMain(ctx, apiBase, token, hasToken)
	if err != nil {
		return nil, err
	}

	sub := p.fetchSubordinates(ctx, apiBase, token, hasToken)

	result := assemble(repo, sub)

	if p.cache != nil {
		if err := p.cache.Put(identity, result, true); err != nil {
			p.logger.Warn().Err(err).Str("identity", identity).Msg("metadata cache write failed")
		}
	}

	return &result, nil
}

type repoResponse struct {
	Description   string   `json:"description"`
	Topics        []string `json:"topics"`
	WatchersCount int      `json:"watchers_count"`
	Language      string   `json:"language"`
}

type releaseResponse struct {
	TagName     string    `json:"tag_name"`
	CreatedAt   time.Time `json:"created_at"`
	PublishedAt time.Time `json:"published_at"`
}

type contributorResponse struct {
	Login   string `json:"login"`
	HTMLURL string `json:"html_url"`
}

type readmeResponse struct {
	DownloadURL string `json:"download_url"`
}

type licenseResponse struct {
	DownloadURL string `json:"download_url"`
	License     struct {
		SPDXID string `json:"spdx_id"`
	} `json:"license"`
}

// fetchMain issues the mandatory repository request and maps its
// status code per the taxonomy in §4.7.
func (p *Provider) fetchMain(ctx context.Context, apiBase, token string, hasToken bool) (*repoResponse, error) {
	resp, err := p.do(ctx, apiBase, token, hasToken)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := p.checkRateLimit(resp, apiBase); err != nil {
		return nil, err
	}

	return decodeMainResponse(resp.StatusCode, resp.Body, hasToken)
}

// decodeMainResponse maps the main repository request's status code to
// the taxonomy in §4.7, decoding the body only on success.
func decodeMainResponse(statusCode int, body io.Reader, hasToken bool) (*repoResponse, error) {
	switch statusCode {
	case http.StatusOK:
		var repo repoResponse
		if err := json.NewDecoder(body).Decode(&repo); err != nil {
			return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidResponse, "failed to decode repository response")
		}
		return &repo, nil
	case http.StatusUnauthorized:
		if hasToken {
			return nil, platformerrors.New(platformerrors.CodeInvalidAuthToken, "configured auth token was rejected")
		}
		return nil, platformerrors.New(platformerrors.CodePermissionDenied, "repository requires authentication")
	case http.StatusForbidden:
		return nil, platformerrors.New(platformerrors.CodePermissionDenied, "access to repository forbidden")
	case http.StatusNotFound:
		return nil, platformerrors.New(platformerrors.CodeNotFound, "repository not found")
	default:
		return nil, platformerrors.Newf(platformerrors.CodeInvalidResponse, "unexpected repository response status %d", statusCode)
	}
}

// checkRateLimit inspects X-RateLimit-Remaining. A value of zero fails
// the request outright, even on an otherwise-200 response; a value
// below the warn threshold is logged but does not fail the call.
func (p *Provider) checkRateLimit(resp *http.Response, url string) error {
	remainingHeader := resp.Header.Get("X-RateLimit-Remaining")
	if remainingHeader == "" {
		return nil
	}
	var remaining, limit int
	fmt.Sscanf(remainingHeader, "%d", &remaining)
	fmt.Sscanf(resp.Header.Get("X-RateLimit-Limit"), "%d", &limit)

	if remaining == 0 {
		return platformerrors.WithContextMap(
			platformerrors.Newf(platformerrors.CodeAPILimitsExceeded, "rate limit exhausted for %s", url),
			map[string]interface{}{"url": url, "limit": limit},
		)
	}
	if remaining < rateLimitWarnThreshold {
		p.logger.Warn().Str("url", url).Int("remaining", remaining).Msg("metadata host rate limit nearly exhausted; consider configuring an auth token")
	}
	return nil
}

// subordinateResults holds the five best-effort fan-out responses. A
// nil field means that subordinate request failed and is omitted from
// the assembled result, per the fan-out plan's failure tolerance.
type subordinateResults struct {
	releases     []releaseResponse
	contributors []contributorResponse
	readme       *readmeResponse
	license      *licenseResponse
	languages    map[string]int
}

func (p *Provider) fetchSubordinates(ctx context.Context, apiBase, token string, hasToken bool) subordinateResults {
	var (
		wg      sync.WaitGroup
		results subordinateResults
	)

	fetch := func(path string, decode func(io.Reader) error) {
		defer wg.Done()
		resp, err := p.do(ctx, apiBase+path, token, hasToken)
		if err != nil {
			p.logger.Warn().Err(err).Str("path", path).Msg("subordinate metadata request failed")
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			p.logger.Warn().Str("path", path).Int("status", resp.StatusCode).Msg("subordinate metadata request returned non-200")
			return
		}
		if err := decode(resp.Body); err != nil {
			p.logger.Warn().Err(err).Str("path", path).Msg("failed to decode subordinate metadata response")
		}
	}

	wg.Add(5)
	go fetch(releasesPath, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&results.releases)
	})
	go fetch("/contributors", func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&results.contributors)
	})
	go fetch("/readme", func(r io.Reader) error {
		var readme readmeResponse
		if err := json.NewDecoder(r).Decode(&readme); err != nil {
			return err
		}
		results.readme = &readme
		return nil
	})
	go fetch("/license", func(r io.Reader) error {
		var license licenseResponse
		if err := json.NewDecoder(r).Decode(&license); err != nil {
			return err
		}
		results.license = &license
		return nil
	})
	go fetch("/languages", func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&results.languages)
	})
	wg.Wait()

	return results
}

// do issues a single authenticated GET against the host transport
// that owns url.
func (p *Provider) do(ctx context.Context, url, token string, hasToken bool) (*http.Response, error) {
	host := "unknown"
	if u, err := neturl.Parse(url); err == nil && u.Host != "" {
		host = u.Host
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, platformerrors.Wrap(err, platformerrors.CodeInvalidResponse, "failed to build metadata request")
	}
	if hasToken {
		req.Header.Set("Authorization", "token "+token)
	}

	return p.transport.get(host).do(ctx, req)
}

// assemble builds the final PackageBasicMetadata from the main and
// subordinate responses, dropping any release tag that does not parse
// as semver rather than rejecting the whole result.
func assemble(repo *repoResponse, sub subordinateResults) PackageBasicMetadata {
	result := PackageBasicMetadata{
		Summary:       repo.Description,
		Keywords:      repo.Topics,
		WatchersCount: repo.WatchersCount,
		ProcessedAt:   time.Now(),
	}

	for _, release := range sub.releases {
		v, err := semver.NewVersion(release.TagName)
		if err != nil {
			continue
		}
		result.Versions = append(result.Versions, VersionMetadata{
			Version:     v.String(),
			TagName:     release.TagName,
			CreatedAt:   release.CreatedAt,
			PublishedAt: release.PublishedAt,
		})
	}

	if sub.readme != nil && sub.readme.DownloadURL != "" {
		url := sub.readme.DownloadURL
		result.ReadmeURL = &url
	}

	if sub.license != nil && sub.license.License.SPDXID != "" {
		info := &LicenseInfo{Name: sub.license.License.SPDXID}
		if sub.license.DownloadURL != "" {
			url := sub.license.DownloadURL
			info.DownloadURL = &url
		}
		result.License = info
	}

	for _, c := range sub.contributors {
		result.Authors = append(result.Authors, Author{
			Username: c.Login,
			URL:      c.HTMLURL,
			Service:  "GitHub",
		})
	}

	languageSet := make(map[string]struct{})
	for lang := range sub.languages {
		languageSet[lang] = struct{}{}
	}
	if repo.Language != "" {
		languageSet[repo.Language] = struct{}{}
	}
	for lang := range languageSet {
		result.Languages = append(result.Languages, lang)
	}

	return result
}

// DefaultCache opens a metadata cache at path using the TTL and size
// cap the transport defaults specify (§4.7 Caching).
func DefaultCache(path string) (*metadatacache.Cache[PackageBasicMetadata], error) {
	return metadatacache.Open[PackageBasicMetadata](path, cacheTTL, cacheMaxBytes)
}
