package httpserver

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"mediadex/internal/aria2"
	"mediadex/internal/auth"
	"mediadex/internal/autoindex"
	"mediadex/internal/config"
	"mediadex/internal/listing"
	"mediadex/internal/media"
	"mediadex/internal/pathutil"
	"mediadex/internal/thumbcache"
)

// listTimeout bounds one upstream listing fetch.
const listTimeout = 30 * time.Second

type Options struct {
	// Config must already be normalized.
	Config config.Config
	Logger *slog.Logger
	// Upstream is used for listings, thumbnails and proxying.
	// Default: a client with dial/TLS timeouts and no overall timeout, so
	// long video streams are not cut.
	Upstream *http.Client
	// Aria2 overrides the daemon client built from Config.Aria2.
	Aria2 *aria2.Client
}

type Server struct {
	cfg      config.Config
	logger   *slog.Logger
	upstream *url.URL
	client   *http.Client

	fetcher  *listing.Fetcher
	guard    *listing.Guard
	classify media.Classifier
	proxy    *httputil.ReverseProxy

	thumbs     *thumbcache.Store
	thumbGroup singleflight.Group

	aria2  *aria2.Client
	submit *aria2.Submitter
	poller *aria2.Poller

	webFS fs.FS
}

//go:embed web/index.html web/assets/*
var embeddedWeb embed.FS

func New(opts Options) (*Server, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	up, err := url.Parse(cfg.Upstream)
	if err != nil || up.Host == "" {
		return nil, errors.New("httpserver: invalid upstream")
	}
	client := opts.Upstream
	if client == nil {
		client = defaultUpstreamClient()
	}
	thumbs, err := thumbcache.New(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	sub, err := fs.Sub(embeddedWeb, "web")
	if err != nil {
		return nil, err
	}

	x := autoindex.New(autoindex.Options{BrowseRoot: cfg.BrowseRoot, Locale: cfg.Locale})
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		upstream: up,
		client:   client,
		fetcher:  listing.NewFetcher(cfg.Upstream, x, listing.WithHTTPClient(client)),
		guard:    listing.NewGuard(),
		classify: media.NewClassifier(cfg.VideoExts, cfg.HLSExts),
		thumbs:   thumbs,
		webFS:    sub,
	}
	s.proxy = s.newProxy()

	if opts.Aria2 != nil {
		s.aria2 = opts.Aria2
	} else if cfg.Aria2.URL != "" {
		s.aria2 = aria2.NewClient(cfg.Aria2.URL,
			aria2.WithSecret(cfg.Aria2.Secret),
			aria2.WithHTTPClient(&http.Client{Timeout: cfg.Aria2.RPCTimeout()}),
		)
	}
	if s.aria2 != nil {
		s.submit = aria2.NewSubmitter(s.aria2, cfg.Aria2.DownloadRoot)
		s.poller = aria2.NewPoller(s.aria2, cfg.Aria2.PollEvery(), logger)
	}
	return s, nil
}

func defaultUpstreamClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}

// Poller is nil when no download daemon is configured.
func (s *Server) Poller() *aria2.Poller { return s.poller }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	// Login helper for browsers (triggers BasicAuth prompt).
	mux.HandleFunc("/login", func(w http.ResponseWriter, r *http.Request) {
		if !auth.HasAuth(s.cfg) || auth.UserFromContext(r.Context()) != "" {
			http.Redirect(w, r, "/", http.StatusFound)
			return
		}
		s.authChallenge(w)
	})

	// static assets
	assets, _ := fs.Sub(s.webFS, "assets")
	mux.Handle("/assets/", http.StripPrefix("/assets/", http.FileServer(http.FS(assets))))

	// UI index. Paths under the browse root go to the upstream proxy; the
	// root is matched by prefix since it may contain pattern metacharacters.
	files := s.requireFile(s.proxy)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, s.cfg.BrowseRoot) {
			files.ServeHTTP(w, r)
			return
		}
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		b, err := fs.ReadFile(s.webFS, "index.html")
		if err != nil {
			http.Error(w, "missing ui", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(b)
	})

	// thumbnails
	mux.Handle("/thumb", s.require(auth.PermRead, http.HandlerFunc(s.handleThumb)))

	// api
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.Handle("/api/list", s.require(auth.PermRead, http.HandlerFunc(s.handleList)))
	mux.HandleFunc("/api/aria2/version", s.handleAria2Version)
	mux.HandleFunc("/api/downloads", s.handleDownloads)
	mux.HandleFunc("/api/downloads/", s.handleDownloadAction)

	return auth.RequireAuth(s.cfg, mux)
}

// require checks perm against the view path in the "path" query parameter.
func (s *Server) require(perm auth.Perm, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.check(w, r, perm, aclPath(r.URL.Query().Get("path"))) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireFile checks read access for proxied files under the browse root.
func (s *Server) requireFile(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		view := pathutil.AbsToRel(s.cfg.BrowseRoot, r.URL.Path)
		if !s.check(w, r, auth.PermRead, pathutil.CleanViewPath(view)) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// check writes the denial itself and reports whether to continue.
func (s *Server) check(w http.ResponseWriter, r *http.Request, perm auth.Perm, viewPath string) bool {
	ok, err := s.allowed(r, perm, viewPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return false
	}
	if !ok {
		if s.shouldChallenge(r) {
			s.authChallenge(w)
		} else {
			writeError(w, http.StatusForbidden, "forbidden")
		}
		return false
	}
	return true
}

func (s *Server) allowed(r *http.Request, perm auth.Perm, viewPath string) (bool, error) {
	user := auth.UserFromContext(r.Context())
	return auth.Allowed(s.cfg, user, viewPath, perm)
}

func (s *Server) shouldChallenge(r *http.Request) bool {
	return auth.HasAuth(s.cfg) && s.cfg.AuthOptional && auth.UserFromContext(r.Context()) == ""
}

func (s *Server) authChallenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="mediadex"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

// aclPath turns a possibly escaped view path into the clean form ACLs use.
func aclPath(view string) string {
	if dec, err := url.PathUnescape(view); err == nil {
		view = dec
	}
	return pathutil.CleanViewPath(view)
}

// --- proxy ---

func (s *Server) newProxy() *httputil.ReverseProxy {
	target := s.upstream
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.Out.Host = target.Host
			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del("Cookie")
		},
		Transport: s.client.Transport,
		ModifyResponse: func(resp *http.Response) error {
			ct := resp.Header.Get("Content-Type")
			if ct == "" || strings.HasPrefix(ct, "application/octet-stream") {
				if guess := media.ContentType(resp.Request.URL.Path); guess != "" {
					resp.Header.Set("Content-Type", guess)
				}
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if !errors.Is(err, context.Canceled) {
				s.logger.Warn("upstream proxy failed", "path", r.URL.Path, "err", err)
			}
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

// --- handlers ---

type configView struct {
	BrowseRoot string   `json:"browseRoot"`
	VideoExts  []string `json:"videoExts"`
	HLSExts    []string `json:"hlsExts"`
	Downloads  bool     `json:"downloads"`
	User       string   `json:"user,omitempty"`
	AuthURL    string   `json:"authUrl,omitempty"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	v := configView{
		BrowseRoot: s.cfg.BrowseRoot,
		VideoExts:  s.cfg.VideoExts,
		HLSExts:    s.cfg.HLSExts,
		Downloads:  s.aria2 != nil,
		User:       auth.UserFromContext(r.Context()),
	}
	if auth.HasAuth(s.cfg) && v.User == "" {
		v.AuthURL = "/login"
	}
	writeJSON(w, v)
}

type listItem struct {
	autoindex.Entry
	Kind  media.Kind `json:"kind"`
	Thumb string     `json:"thumb,omitempty"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	view := listing.CleanView(r.URL.Query().Get("path"))

	release, err := s.guard.TryAcquire(viewID(r))
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	defer release()

	ctx, cancel := context.WithTimeout(r.Context(), listTimeout)
	defer cancel()
	entries, err := s.fetcher.FetchView(ctx, view)
	if err != nil {
		s.logger.Warn("listing failed", "view", view, "err", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	entries = listing.Filter(entries, r.URL.Query().Get("q"))

	items := make([]listItem, 0, len(entries))
	for _, e := range entries {
		it := listItem{Entry: e, Kind: s.classify.Kind(e)}
		if it.Kind == media.KindImage {
			it.Thumb = "/thumb?path=" + url.QueryEscape(e.RelPath)
		}
		items = append(items, it)
	}
	writeJSON(w, map[string]any{
		"path":        view,
		"breadcrumbs": listing.Breadcrumbs(view, "Root"),
		"items":       items,
	})
}

// viewID identifies the client view for the busy guard: the UI sends a
// per-tab id, other clients fall back to their address.
func viewID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-View-ID")); id != "" {
		return "view:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSONStatus(w, status, map[string]string{"error": msg})
}

// isNotExist is true for cache misses.
func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
