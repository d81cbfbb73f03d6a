package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ImageStore persists extracted product images and returns a stable URL for
// the stored object.
type ImageStore interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// LocalImageStore writes images under a base directory and maps them to URLs
// under a base URL. Suitable for single-node deployments and tests; swap in
// an object-store implementation behind the same interface for anything else.
type LocalImageStore struct {
	dir     string
	baseURL string
}

// NewLocalImageStore creates a LocalImageStore rooted at dir. baseURL may be
// empty, in which case Put returns file paths.
func NewLocalImageStore(dir, baseURL string) *LocalImageStore {
	return &LocalImageStore{dir: dir, baseURL: strings.TrimSuffix(baseURL, "/")}
}

// Put writes data to dir/name and returns its URL.
func (s *LocalImageStore) Put(_ context.Context, name string, data []byte) (string, error) {
	path := filepath.Join(s.dir, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", eris.Wrap(err, "imagestore: create directory")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", eris.Wrapf(err, "imagestore: write %s", name)
	}
	if s.baseURL == "" {
		return path, nil
	}
	return s.baseURL + "/" + name, nil
}
