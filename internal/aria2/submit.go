package aria2

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"mediadex/internal/pathutil"
)

// ValidateURI rejects download URLs before they reach the daemon.
func ValidateURI(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fmt.Errorf("%w: empty", ErrInvalidURI)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "ftp", "sftp":
		if u.Host == "" {
			return fmt.Errorf("%w: missing host", ErrInvalidURI)
		}
	case "magnet":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURI, u.Scheme)
	}
	return nil
}

// Submitter places downloads under the daemon-side directory that mirrors
// the browse root.
type Submitter struct {
	client       *Client
	downloadRoot string
}

func NewSubmitter(c *Client, downloadRoot string) *Submitter {
	return &Submitter{client: c, downloadRoot: downloadRoot}
}

// Dir returns the daemon directory for a relative target such as "tv/show".
// ".." segments cannot climb above the download root.
func (s *Submitter) Dir(rel string) string {
	return pathutil.DownloadDir(s.downloadRoot, pathutil.CleanViewPath(rel))
}

// Submit validates uri and queues it into rel, optionally renamed to out.
func (s *Submitter) Submit(ctx context.Context, uri, rel, out string) (string, error) {
	uri = strings.TrimSpace(uri)
	if err := ValidateURI(uri); err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if strings.ContainsAny(out, "/\\") || out == "." || out == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, out)
	}
	opts := AddOptions{
		Dir: s.Dir(rel),
		Out: out,
	}
	return s.client.AddURI(ctx, uri, opts)
}
