// Package collection models curated package collections, verifies
// their trustworthiness, and persists the set a process currently
// trusts.
package collection

import (
	"encoding/json"
	"time"

	platformerrors "github.com/yim-lee/swift-package-manager-sub001/errors"
	"github.com/yim-lee/swift-package-manager-sub001/internal/giturl"
)

// FormatVersion1_0 is the only collection document format recognized
// today.
const FormatVersion1_0 = "1.0"

// Collection is a curated set of packages.
type Collection struct {
	Name          string    `json:"name"`
	Overview      *string   `json:"overview,omitempty"`
	Keywords      []string  `json:"keywords,omitempty"`
	Packages      []Package `json:"packages"`
	FormatVersion string    `json:"formatVersion"`
	Revision      *int      `json:"revision,omitempty"`
	GeneratedAt   time.Time `json:"generatedAt"`
	GeneratedBy   *string   `json:"generatedBy,omitempty"`
}

// Validate checks the invariants §3 places on a freshly loaded
// Collection: a recognized formatVersion and a parseable URL on every
// package.
func (c Collection) Validate() error {
	if c.FormatVersion != FormatVersion1_0 {
		return platformerrors.Newf(platformerrors.CodeInvalidInput, "unrecognized collection formatVersion %q", c.FormatVersion)
	}
	for _, pkg := range c.Packages {
		if _, ok := giturl.Parse(pkg.URL); !ok {
			return platformerrors.Newf(platformerrors.CodeInvalidGitURL, "package url %q does not match the git URL pattern", pkg.URL)
		}
	}
	return nil
}

// Package describes one package curated by a collection.
type Package struct {
	URL       string    `json:"url"`
	Summary   *string   `json:"summary,omitempty"`
	Keywords  []string  `json:"keywords,omitempty"`
	Versions  []Version `json:"versions"`
	ReadmeURL *string   `json:"readmeUrl,omitempty"`
	License   *string   `json:"license,omitempty"`
}

// Version describes one published version of a package.
type Version struct {
	Version                 string            `json:"version"`
	PackageName             string            `json:"packageName"`
	Targets                 []Target          `json:"targets"`
	Products                []Product         `json:"products"`
	ToolsVersion            string            `json:"toolsVersion"`
	MinimumPlatformVersions map[string]string `json:"minimumPlatformVersions,omitempty"`
	VerifiedCompatibility   []string          `json:"verifiedCompatibility,omitempty"`
	License                 *string           `json:"license,omitempty"`
}

// Target is a buildable unit within a package version.
type Target struct {
	Name       string  `json:"name"`
	ModuleName *string `json:"moduleName,omitempty"`
}

// Product is a named, buildable artifact composed of targets.
type Product struct {
	Name    string      `json:"name"`
	Type    ProductType `json:"type"`
	Targets []string    `json:"targets"`
}

// LibraryKind distinguishes how a library product links.
type LibraryKind string

const (
	LibraryStatic    LibraryKind = "static"
	LibraryDynamic   LibraryKind = "dynamic"
	LibraryAutomatic LibraryKind = "automatic"
)

// ProductType is a tagged variant: a product is a library (with a
// linkage kind), an executable, or a test bundle. Exactly one case is
// ever populated.
type ProductType struct {
	Kind    string // "library", "executable", or "test"
	Library LibraryKind
}

// Library builds a library ProductType with the given linkage kind.
func Library(kind LibraryKind) ProductType { return ProductType{Kind: "library", Library: kind} }

// Executable builds an executable ProductType.
func Executable() ProductType { return ProductType{Kind: "executable"} }

// Test builds a test-bundle ProductType.
func Test() ProductType { return ProductType{Kind: "test"} }

// MarshalJSON encodes the tagged variant as a single-key object whose
// value is flat: {"library":"static"}, {"executable":null}, or
// {"test":null}.
func (p ProductType) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case "library":
		return json.Marshal(map[string]LibraryKind{"library": p.Library})
	case "executable":
		return json.Marshal(map[string]*struct{}{"executable": nil})
	case "test":
		return json.Marshal(map[string]*struct{}{"test": nil})
	default:
		return nil, platformerrors.Newf(platformerrors.CodeInvalidInput, "unrecognized product type kind %q", p.Kind)
	}
}

// UnmarshalJSON decodes the tagged-variant encoding MarshalJSON produces.
func (p *ProductType) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if lib, ok := raw["library"]; ok {
		var kind LibraryKind
		if err := json.Unmarshal(lib, &kind); err != nil {
			return err
		}
		*p = Library(kind)
		return nil
	}
	if _, ok := raw["executable"]; ok {
		*p = Executable()
		return nil
	}
	if _, ok := raw["test"]; ok {
		*p = Test()
		return nil
	}
	return platformerrors.New(platformerrors.CodeInvalidInput, "product type object has no recognized tag")
}
