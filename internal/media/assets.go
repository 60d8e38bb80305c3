// Package media owns transient audio files: inbound voice notes fetched for
// transcription and synthesized replies served back to the platforms.
package media

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"docrelay/internal/domain"
)

// ErrInvalidName is returned for asset names that could escape the store.
var ErrInvalidName = errors.New("invalid asset name")

// AssetStore is a flat directory of uniquely named media files.
type AssetStore struct {
	dir           string
	publicBaseURL string
	routePrefix   string
	logger        *slog.Logger
	now           func() time.Time
}

type AssetStoreConfig struct {
	Dir           string
	PublicBaseURL string
	RoutePrefix   string // e.g. "/media/"
	Logger        *slog.Logger
}

func NewAssetStore(cfg AssetStoreConfig) (*AssetStore, error) {
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create media directory %s: %w", cfg.Dir, err)
	}
	prefix := cfg.RoutePrefix
	if prefix == "" {
		prefix = "/media/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &AssetStore{
		dir:           cfg.Dir,
		publicBaseURL: strings.TrimRight(cfg.PublicBaseURL, "/"),
		routePrefix:   prefix,
		logger:        cfg.Logger,
		now:           time.Now,
	}, nil
}

func (s *AssetStore) Dir() string { return s.dir }

// RoutePrefix is the HTTP path under which assets are served.
func (s *AssetStore) RoutePrefix() string { return s.routePrefix }

// PublicURL is the externally reachable address of an asset.
func (s *AssetStore) PublicURL(name string) string {
	return s.publicBaseURL + s.routePrefix + name
}

// Save writes r to a new asset with the given extension (".mp3", ".ogg").
// At most maxBytes are accepted when maxBytes > 0.
func (s *AssetStore) Save(r io.Reader, ext, contentType string, maxBytes int64) (*domain.MediaAsset, error) {
	name := uuid.NewString() + normalizeExt(ext)
	path := filepath.Join(s.dir, name)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create asset: %w", err)
	}

	src := r
	if maxBytes > 0 {
		src = io.LimitReader(r, maxBytes+1)
	}
	n, err := io.Copy(f, src)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && maxBytes > 0 && n > maxBytes {
		err = fmt.Errorf("asset exceeds %d bytes", maxBytes)
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write asset: %w", err)
	}

	return &domain.MediaAsset{
		Name:        name,
		Path:        path,
		URL:         s.PublicURL(name),
		ContentType: contentType,
		Size:        n,
		CreatedAt:   s.now(),
	}, nil
}

// Open returns a served asset. Names that are not a single path element are
// rejected before touching the filesystem.
func (s *AssetStore) Open(name string) (*os.File, error) {
	if !validName(name) {
		return nil, ErrInvalidName
	}
	return os.Open(filepath.Join(s.dir, name))
}

// Remove deletes one asset; a missing file is not an error.
func (s *AssetStore) Remove(name string) error {
	if !validName(name) {
		return ErrInvalidName
	}
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Sweep deletes regular files older than maxAge and reports how many went.
func (s *AssetStore) Sweep(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("read media directory: %w", err)
	}

	cutoff := s.now().Add(-maxAge)
	removed := 0
	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("media sweep", "removed", removed, "max_age", maxAge)
	}
	return removed, errors.Join(errs...)
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return filepath.Base(name) == name
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ".bin"
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if !validName("x" + ext) {
		return ".bin"
	}
	return ext
}
