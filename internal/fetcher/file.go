package fetcher

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// FileFetcher serves storage references that point at the local filesystem.
// Used for flyers dropped into a watched directory and in tests.
type FileFetcher struct{}

// NewFileFetcher creates a new FileFetcher.
func NewFileFetcher() *FileFetcher {
	return &FileFetcher{}
}

func localPath(ref string) string {
	return strings.TrimPrefix(ref, "file://")
}

// Download opens the referenced file.
func (f *FileFetcher) Download(_ context.Context, ref string) (io.ReadCloser, error) {
	file, err := os.Open(localPath(ref))
	if err != nil {
		return nil, eris.Wrapf(err, "open %q", ref)
	}
	return file, nil
}

// DownloadToFile copies the referenced file to the given path. Returns bytes
// written.
func (f *FileFetcher) DownloadToFile(ctx context.Context, ref string, path string) (int64, error) {
	rc, err := f.Download(ctx, ref)
	if err != nil {
		return 0, err
	}
	defer rc.Close() //nolint:errcheck

	dst, err := os.Create(path)
	if err != nil {
		return 0, eris.Wrap(err, "create file")
	}
	defer dst.Close() //nolint:errcheck

	n, err := io.Copy(dst, rc)
	if err != nil {
		return n, eris.Wrap(err, "write file")
	}
	return n, nil
}
