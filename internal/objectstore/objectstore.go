// Package objectstore publishes finished artifacts into a content-addressed
// directory tree and maps their locators to public URLs.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"vidpress/internal/dedup"
	"vidpress/internal/fileutil"
	"vidpress/internal/services"
)

// Locator identifies an object relative to the store root, e.g.
// "videos/ab/ab12...ef.mp4".
type Locator string

// Store is the artifact sink used by the transcode worker.
type Store interface {
	Put(ctx context.Context, path, ext string) (Locator, error)
	URL(locator Locator) (string, error)
	Remove(ctx context.Context, locator Locator) error
}

// FS stores objects under a local root directory.
type FS struct {
	root    string
	baseURL string
}

var _ Store = (*FS)(nil)

// NewFS returns a filesystem store rooted at root whose objects are served
// from baseURL.
func NewFS(root, baseURL string) (*FS, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, services.Wrap(services.ErrConfiguration, "objectstore", "open", "object directory is required", nil)
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, services.Wrap(services.ErrConfiguration, "objectstore", "open", "public base url is required", nil)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "objectstore", "open", "invalid public base url", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create object directory: %w", err)
	}
	return &FS{root: root, baseURL: baseURL}, nil
}

// Root returns the object directory.
func (s *FS) Root() string { return s.root }

// Put copies the file at srcPath into the store under its sha256 digest. The
// source file is left in place. Storing identical bytes twice is a no-op.
func (s *FS) Put(ctx context.Context, srcPath, ext string) (Locator, error) {
	digest, err := dedup.HashFile(ctx, srcPath, dedup.AlgorithmSHA256)
	if err != nil {
		return "", services.Wrap(services.ErrTransient, "objectstore", "put", "hash artifact", err)
	}
	locator := LocatorFor(digest, ext)
	target, err := s.Path(locator)
	if err != nil {
		return "", err
	}
	if info, err := os.Stat(target); err == nil && info.Mode().IsRegular() {
		return locator, nil
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", services.Wrap(services.ErrTransient, "objectstore", "put", "create shard directory", err)
	}

	tmp := target + ".partial"
	if err := fileutil.CopyFileVerified(srcPath, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", services.Wrap(services.ErrTransient, "objectstore", "put", "copy artifact", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return "", services.Wrap(services.ErrTransient, "objectstore", "put", "publish artifact", err)
	}
	return locator, nil
}

// URL maps a locator to its public URL.
func (s *FS) URL(locator Locator) (string, error) {
	clean, err := cleanLocator(locator)
	if err != nil {
		return "", err
	}
	return s.baseURL + "/" + clean, nil
}

// Path resolves a locator to its file on disk.
func (s *FS) Path(locator Locator) (string, error) {
	clean, err := cleanLocator(locator)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// Remove deletes the object; a missing object is not an error.
func (s *FS) Remove(_ context.Context, locator Locator) error {
	target, err := s.Path(locator)
	if err != nil {
		return err
	}
	if err := fileutil.RemoveIfExists(target); err != nil {
		return fmt.Errorf("remove object %s: %w", locator, err)
	}
	return nil
}

// LocatorFor builds the content-addressed locator for a digest.
func LocatorFor(digest, ext string) Locator {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	shard := "00"
	if len(digest) >= 2 {
		shard = digest[:2]
	}
	return Locator(path.Join("videos", shard, digest+ext))
}

var errBadLocator = errors.New("invalid locator")

func cleanLocator(locator Locator) (string, error) {
	raw := strings.TrimSpace(string(locator))
	clean := path.Clean(raw)
	if raw == "" || path.IsAbs(clean) || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", services.Wrap(services.ErrValidation, "objectstore", "locator", fmt.Sprintf("%q", locator), errBadLocator)
	}
	return clean, nil
}
