// Package fetcher talks to retailer hosts over HTTP and FTP and reads
// tabular seed and feed files (CSV, XLSX, JSON) into records.
package fetcher

import (
	"context"
	"io"
)

// Pager fetches retailer pages. HTTPClient implements it.
type Pager interface {
	Head(ctx context.Context, url string) (*Response, error)
	Get(ctx context.Context, url string) (*Response, error)
}

// FileDownloader retrieves a remote file. FTPFetcher implements it.
type FileDownloader interface {
	// Download returns the file body. The caller must close it.
	Download(ctx context.Context, target FTPTarget) (io.ReadCloser, error)
}
