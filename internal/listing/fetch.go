// Package listing fetches autoindex pages from the upstream file server and
// turns them into entries.
package listing

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"mediadex/internal/autoindex"
	"mediadex/internal/pathutil"
)

// maxListingBytes caps how much of a listing page is read.
const maxListingBytes = 16 << 20

// ReadError is the one error a directory fetch surfaces: network failure or
// a non-2xx upstream status. The current view is left untouched by callers
// so the user can retry.
type ReadError struct {
	Path   string
	Status int // 0 for transport failures
	Err    error
}

func (e *ReadError) Error() string {
	return "read directory failed: " + e.Reason()
}

// Reason is the message without the prefix.
func (e *ReadError) Reason() string {
	if e.Status != 0 {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "unknown error"
}

func (e *ReadError) Unwrap() error { return e.Err }

type Option func(*Fetcher)

func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		f.client = c
	}
}

type Fetcher struct {
	upstream  string
	extractor *autoindex.Extractor
	client    *http.Client
}

// NewFetcher fetches listings from upstream (scheme://host[:port]) and
// extracts them with x.
func NewFetcher(upstream string, x *autoindex.Extractor, opts ...Option) *Fetcher {
	f := &Fetcher{
		upstream:  strings.TrimRight(upstream, "/"),
		extractor: x,
		client:    http.DefaultClient,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Fetcher) BrowseRoot() string { return f.extractor.BrowseRoot() }

// FetchView fetches the listing for a view path such as "/tv/". Dot
// segments are resolved first, so the request never leaves the browse root.
func (f *Fetcher) FetchView(ctx context.Context, view string) ([]autoindex.Entry, error) {
	return f.Fetch(ctx, pathutil.RelToAbs(f.BrowseRoot(), CleanView(view)))
}

// CleanView is the canonical form of a requested view path: dot segments
// resolved, rooted, slash-terminated unless it names a file.
func CleanView(view string) string {
	return pathutil.ViewPath(pathutil.CleanViewPath(pathutil.ViewPath(view)))
}

// Fetch retrieves absPath from upstream and extracts its entries.
func (f *Fetcher) Fetch(ctx context.Context, absPath string) ([]autoindex.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.upstream+pathutil.EnsureLeadingSlash(absPath), nil)
	if err != nil {
		return nil, &ReadError{Path: absPath, Err: err}
	}
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &ReadError{Path: absPath, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &ReadError{Path: absPath, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxListingBytes))
	if err != nil {
		return nil, &ReadError{Path: absPath, Err: err}
	}
	return f.extractor.Extract(string(body), absPath), nil
}
