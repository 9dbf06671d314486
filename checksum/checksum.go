// Package checksum persists per-package version-to-checksum mappings on
// disk, one JSON file per package, guarded by an exclusive advisory
// file lock so concurrent processes never corrupt a write.
package checksum

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	platformerrors "github.com/yim-lee/swift-package-manager-sub001/errors"
)

// Conflict is returned by Put when a different checksum was already
// committed for the same (package, version).
type Conflict struct {
	Given    string
	Existing string
}

func (c *Conflict) Error() string {
	return "checksum conflict: given " + c.Given + " does not match existing " + c.Existing
}

// fileBody is the on-disk JSON shape of a per-package checksum file.
type fileBody struct {
	VersionChecksums map[string]string `json:"versionChecksums"`
}

// Store persists checksums under dir, one file per package.
type Store struct {
	dir string

	// mu serializes in-process access; the flock below additionally
	// serializes across processes. Both are needed: flock alone does not
	// protect two goroutines in this process racing on the same fd.
	mu sync.Mutex
}

// New builds a Store rooted at dir. The directory is created lazily on
// first write, not here.
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(packageIdentity string) string {
	return filepath.Join(s.dir, packageIdentity+".json")
}

func (s *Store) lockPath() string {
	return filepath.Join(s.dir, ".lock")
}

// Get returns the checksum committed for (packageIdentity, version).
// Returns a CodeNotFound PlatformError if no checksum has been committed.
func (s *Store) Get(packageIdentity, version string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := s.read(packageIdentity)
	if err != nil {
		return "", err
	}
	checksum, ok := body.VersionChecksums[version]
	if !ok {
		return "", platformerrors.Newf(platformerrors.CodeNotFound, "no checksum recorded for %s@%s", packageIdentity, version)
	}
	return checksum, nil
}

// Put commits checksum for (packageIdentity, version). Idempotent when
// the checksum matches a previously committed value; returns a
// *Conflict error, leaving the file unmodified, when it does not.
func (s *Store) Put(packageIdentity, version, checksum string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to create checksum directory")
	}

	fl := flock.New(s.lockPath())
	if err := fl.Lock(); err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to acquire checksum directory lock")
	}
	defer fl.Unlock()

	body, err := s.read(packageIdentity)
	if err != nil {
		return err
	}

	if existing, ok := body.VersionChecksums[version]; ok {
		if existing == checksum {
			return nil
		}
		return &Conflict{Given: checksum, Existing: existing}
	}

	if body.VersionChecksums == nil {
		body.VersionChecksums = make(map[string]string)
	}
	body.VersionChecksums[version] = checksum

	return s.write(packageIdentity, body)
}

// read loads a package's checksum file. A missing or empty file is
// treated as an empty map, not an error.
func (s *Store) read(packageIdentity string) (fileBody, error) {
	data, err := os.ReadFile(s.path(packageIdentity))
	if err != nil {
		if os.IsNotExist(err) {
			return fileBody{VersionChecksums: map[string]string{}}, nil
		}
		return fileBody{}, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to read checksum file")
	}
	if len(data) == 0 {
		return fileBody{VersionChecksums: map[string]string{}}, nil
	}

	var body fileBody
	if err := json.Unmarshal(data, &body); err != nil {
		return fileBody{}, platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to decode checksum file")
	}
	if body.VersionChecksums == nil {
		body.VersionChecksums = make(map[string]string)
	}
	return body, nil
}

func (s *Store) write(packageIdentity string, body fileBody) error {
	data, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to encode checksum file")
	}

	tmp := s.path(packageIdentity) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to write checksum file")
	}
	if err := os.Rename(tmp, s.path(packageIdentity)); err != nil {
		return platformerrors.Wrap(err, platformerrors.CodeInternal, "failed to commit checksum file")
	}
	return nil
}
