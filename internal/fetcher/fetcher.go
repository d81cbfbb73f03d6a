// Package fetcher retrieves flyer image bytes from the storage reference
// recorded on upload: HTTP(S) URLs, FTP drops, or local paths.
package fetcher

import (
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/rotisserie/eris"
)

// maxImageBytes caps a single flyer download. Anything larger than this is
// not a flyer photo.
const maxImageBytes = 32 << 20

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the reference and returns the body.
	Download(ctx context.Context, ref string) (io.ReadCloser, error)

	// DownloadToFile fetches the reference and writes it to the given path.
	// Returns bytes written.
	DownloadToFile(ctx context.Context, ref string, path string) (int64, error)
}

// Resolver dispatches storage references to the transport that can serve
// them.
type Resolver struct {
	http *HTTPFetcher
	ftp  *FTPFetcher
	file *FileFetcher
}

// NewResolver builds a Resolver with default transports.
func NewResolver(httpOpts HTTPOptions, ftpOpts FTPOptions) *Resolver {
	return &Resolver{
		http: NewHTTPFetcher(httpOpts),
		ftp:  NewFTPFetcher(ftpOpts),
		file: NewFileFetcher(),
	}
}

// For returns the Fetcher matching the reference's scheme. Bare paths are
// treated as local files.
func (r *Resolver) For(ref string) (Fetcher, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: parse ref %q", ref)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return r.http, nil
	case "ftp":
		return r.ftp, nil
	case "file", "":
		return r.file, nil
	default:
		return nil, eris.Errorf("fetcher: unsupported scheme %q", u.Scheme)
	}
}

// FetchBytes resolves the reference and reads the whole body, bounded by
// maxImageBytes.
func (r *Resolver) FetchBytes(ctx context.Context, ref string) ([]byte, error) {
	f, err := r.For(ref)
	if err != nil {
		return nil, err
	}
	rc, err := f.Download(ctx, ref)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	data, err := io.ReadAll(io.LimitReader(rc, maxImageBytes+1))
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: read %q", ref)
	}
	if len(data) > maxImageBytes {
		return nil, eris.Errorf("fetcher: %q exceeds %d byte limit", ref, maxImageBytes)
	}
	return data, nil
}
