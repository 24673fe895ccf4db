package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"mediadex/internal/pathutil"
)

// Config is intentionally small and JSON-friendly.
// If Users is empty, mediadex runs without auth.
type Config struct {
	// Upstream is the origin of the static file server whose autoindex
	// pages are browsed, e.g. "http://127.0.0.1:8081".
	Upstream string `json:"upstream"`

	// BrowseRoot is the path prefix on Upstream that may be browsed.
	// Normalized to begin and end with "/". Default: /files/
	BrowseRoot string `json:"browseRoot"`

	// StateDir stores the thumbnail cache.
	// Default: $XDG_CACHE_HOME/mediadex (or os.TempDir()/mediadex)
	StateDir string `json:"stateDir"`

	// Locale picks the collation used to order names. Default: zh
	Locale string `json:"locale,omitempty"`

	// VideoExts and HLSExts tag entries for inline playback.
	VideoExts []string `json:"videoExts,omitempty"`
	HLSExts   []string `json:"hlsExts,omitempty"`

	Aria2 Aria2 `json:"aria2"`

	// AuthOptional enables "public + authenticated" mode when Users is set:
	// - requests without Authorization are treated as anonymous
	// - requests with Authorization are validated; invalid creds get 401
	AuthOptional bool `json:"authOptional,omitempty"`

	// Users is a map of username -> bcrypt hash.
	// "alice": {"bcrypt":"$2a$10$..."}
	Users map[string]User `json:"users,omitempty"`

	// Tokens maps bearer tokens to usernames.
	// Request header: Authorization: Bearer <token>
	Tokens map[string]string `json:"tokens,omitempty"`

	// ACLs is a first-match rule list by view path prefix ("/tv").
	// If empty:
	// - no-auth mode: allow everything
	// - auth mode: allow read to authenticated users, deny write/admin
	ACLs []ACL `json:"acls,omitempty"`
}

// Aria2 configures the download daemon reached over JSON-RPC.
type Aria2 struct {
	// URL of the JSON-RPC endpoint. Default: http://localhost:6800/jsonrpc
	URL string `json:"url"`
	// Disabled turns the download panel off.
	Disabled bool `json:"disabled,omitempty"`
	// Secret is sent as "token:<secret>" when set (aria2 --rpc-secret).
	Secret string `json:"secret,omitempty"`
	// DownloadRoot is the directory, as seen by the daemon, that maps to
	// BrowseRoot. Default: ".." + BrowseRoot
	DownloadRoot string `json:"downloadRoot,omitempty"`
	// PollInterval is a Go duration string. Default: 2s
	PollInterval string `json:"pollInterval,omitempty"`
	// Timeout bounds each RPC. Default: 10s
	Timeout string `json:"timeout,omitempty"`
}

type User struct {
	Bcrypt string `json:"bcrypt"`
}

type ACL struct {
	// Path is a prefix match, always interpreted as a clean path like "/tv".
	Path string `json:"path"`
	// Read allows browsing, playback and thumbnails.
	Read []string `json:"read,omitempty"` // usernames or "*"
	// Write allows submitting download jobs into Path.
	Write []string `json:"write,omitempty"`
	// Admin allows pausing, resuming and removing jobs.
	Admin []string `json:"admin,omitempty"`
}

const (
	DefaultBrowseRoot   = "/files/"
	DefaultLocale       = "zh"
	DefaultAria2URL     = "http://localhost:6800/jsonrpc"
	DefaultPollInterval = 2 * time.Second
	DefaultRPCTimeout   = 10 * time.Second
)

var (
	DefaultVideoExts = []string{".mp4", ".webm", ".ogg", ".ogv", ".mov", ".m4v"}
	DefaultHLSExts   = []string{".m3u8"}
)

// Load reads a JSON config file. The result is not normalized.
func Load(path string) (Config, error) {
	var cfg Config
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Normalize fills defaults and validates. It returns a copy; cfg is not
// modified.
func (cfg Config) Normalize() (Config, error) {
	cfg.Upstream = strings.TrimRight(strings.TrimSpace(cfg.Upstream), "/")
	if cfg.Upstream == "" {
		return cfg, errors.New("config: upstream is required")
	}
	u, err := url.Parse(cfg.Upstream)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return cfg, fmt.Errorf("config: invalid upstream %q", cfg.Upstream)
	}

	if strings.TrimSpace(cfg.BrowseRoot) == "" {
		cfg.BrowseRoot = DefaultBrowseRoot
	}
	cfg.BrowseRoot = pathutil.NormalizeRoot(cfg.BrowseRoot)
	if reservedRoot(cfg.BrowseRoot) {
		return cfg, fmt.Errorf("config: browse root %q collides with a built-in route", cfg.BrowseRoot)
	}

	if cfg.StateDir == "" {
		dir, err := os.UserCacheDir()
		if err != nil {
			dir = os.TempDir()
		}
		cfg.StateDir = dir + string(os.PathSeparator) + "mediadex"
	}
	if cfg.Locale == "" {
		cfg.Locale = DefaultLocale
	}
	cfg.VideoExts = normalizeExts(cfg.VideoExts, DefaultVideoExts)
	cfg.HLSExts = normalizeExts(cfg.HLSExts, DefaultHLSExts)

	switch {
	case cfg.Aria2.Disabled:
		cfg.Aria2.URL = ""
	case strings.TrimSpace(cfg.Aria2.URL) == "":
		cfg.Aria2.URL = DefaultAria2URL
	}
	if cfg.Aria2.URL != "" {
		if _, err := url.ParseRequestURI(cfg.Aria2.URL); err != nil {
			return cfg, fmt.Errorf("config: invalid aria2 url: %w", err)
		}
	}
	if cfg.Aria2.DownloadRoot == "" {
		cfg.Aria2.DownloadRoot = ".." + cfg.BrowseRoot
	}
	for _, d := range []*string{&cfg.Aria2.PollInterval, &cfg.Aria2.Timeout} {
		if *d == "" {
			continue
		}
		if v, err := time.ParseDuration(*d); err != nil || v <= 0 {
			return cfg, fmt.Errorf("config: invalid duration %q", *d)
		}
	}
	return cfg, nil
}

// PollEvery returns the parsed poll interval or the default.
func (a Aria2) PollEvery() time.Duration {
	return parseDur(a.PollInterval, DefaultPollInterval)
}

func (a Aria2) RPCTimeout() time.Duration {
	return parseDur(a.Timeout, DefaultRPCTimeout)
}

func parseDur(s string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return def
}

// reservedRoot reports whether root would shadow the UI or API routes.
func reservedRoot(root string) bool {
	if root == "/" {
		return true
	}
	for _, p := range []string{"/api/", "/assets/", "/thumb/", "/healthz/", "/login/"} {
		if strings.HasPrefix(root, p) {
			return true
		}
	}
	return false
}

func normalizeExts(exts, def []string) []string {
	if len(exts) == 0 {
		return append([]string(nil), def...)
	}
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimSpace(e))
		if e == "" {
			continue
		}
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		out = append(out, e)
	}
	return out
}
