package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/crypto/bcrypt"

	"mediadex/internal/autoindex"
	"mediadex/internal/config"
	"mediadex/internal/httpserver"
	"mediadex/internal/listing"
	"mediadex/internal/media"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "passwd":
			passwdCmd(os.Args[2:])
			return
		case "ls":
			os.Exit(lsCmd(os.Args[2:]))
		case "serve":
			os.Args = append(os.Args[:1], os.Args[2:]...)
		}
	}
	serveCmd()
}

type commonFlags struct {
	upstream *string
	root     *string
	cfgPath  *string
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		upstream: fs.String("upstream", "", "upstream file server origin, e.g. http://127.0.0.1:8081 (env MEDIADEX_UPSTREAM)"),
		root:     fs.String("root", "", "browse root on the upstream (default /files/)"),
		cfgPath:  fs.String("config", "", "path to config json (optional)"),
	}
}

// load merges the config file, flags and environment. Flags win over the
// file; the environment only fills what is still empty.
func (c commonFlags) load() (config.Config, error) {
	var cfg config.Config
	if *c.cfgPath != "" {
		var err error
		if cfg, err = config.Load(*c.cfgPath); err != nil {
			return cfg, err
		}
	}
	if *c.upstream != "" {
		cfg.Upstream = *c.upstream
	}
	if cfg.Upstream == "" {
		cfg.Upstream = os.Getenv("MEDIADEX_UPSTREAM")
	}
	if *c.root != "" {
		cfg.BrowseRoot = *c.root
	}
	return cfg, nil
}

func serveCmd() {
	var (
		addr     = flag.String("addr", "0.0.0.0:3923", "listen address")
		aria2URL = flag.String("aria2", "", "aria2 JSON-RPC endpoint (default "+config.DefaultAria2URL+")")
		noDL     = flag.Bool("no-downloads", false, "disable the aria2 download panel")
		secret   = flag.String("aria2-secret", "", "aria2 --rpc-secret (env ARIA2_SECRET)")
		dlRoot   = flag.String("download-root", "", "directory on the aria2 host that maps to the browse root (default ..<root>)")
		stateDir = flag.String("state", "", "state dir for the thumbnail cache")
		debug    = flag.Bool("debug", false, "debug logging")
		common   = addCommonFlags(flag.CommandLine)
	)
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := common.load()
	if err != nil {
		fatal("load config", err)
	}
	if *aria2URL != "" {
		cfg.Aria2.URL = *aria2URL
	}
	if *noDL {
		cfg.Aria2.Disabled = true
	}
	if *secret != "" {
		cfg.Aria2.Secret = *secret
	}
	if cfg.Aria2.Secret == "" {
		cfg.Aria2.Secret = os.Getenv("ARIA2_SECRET")
	}
	if *dlRoot != "" {
		cfg.Aria2.DownloadRoot = *dlRoot
	}
	if *stateDir != "" {
		cfg.StateDir = *stateDir
	}
	if cfg, err = cfg.Normalize(); err != nil {
		fatal("invalid config", err)
	}

	srv, err := httpserver.New(httpserver.Options{Config: cfg, Logger: logger})
	if err != nil {
		fatal("server init", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if p := srv.Poller(); p != nil {
		p.Start(ctx)
		defer p.Stop()
	}

	hs := &http.Server{
		Addr:              *addr,
		Handler:           withHeaders(srv.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		// No WriteTimeout: proxied video streams run for as long as playback.
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("mediadex listening", "addr", *addr, "upstream", cfg.Upstream, "root", cfg.BrowseRoot, "downloads", cfg.Aria2.URL != "")
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		fatal("listen failed", err)
	}
	slog.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown failed", "err", err)
		_ = hs.Close()
	}
	slog.Info("server stopped")
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

func passwdCmd(args []string) {
	fs := flag.NewFlagSet("passwd", flag.ExitOnError)
	var (
		password = fs.String("p", "", "password (required)")
		cost     = fs.Int("cost", bcrypt.DefaultCost, "bcrypt cost")
	)
	_ = fs.Parse(args)
	if *password == "" {
		fmt.Fprintln(os.Stderr, "usage: mediadex passwd -p <password>")
		os.Exit(2)
	}
	if *cost < bcrypt.MinCost || *cost > bcrypt.MaxCost {
		fmt.Fprintf(os.Stderr, "invalid cost %d (min=%d max=%d)\n", *cost, bcrypt.MinCost, bcrypt.MaxCost)
		os.Exit(2)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(*password), *cost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bcrypt: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(h))
}

// lsCmd prints one listing, the same entries the UI would show.
func lsCmd(args []string) int {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	var (
		asJSON = fs.Bool("json", false, "print entries as JSON")
		query  = fs.String("q", "", "filter by name")
		common = addCommonFlags(fs)
	)
	_ = fs.Parse(args)
	view := "/"
	if fs.NArg() > 0 {
		view = fs.Arg(0)
	}

	cfg, err := common.load()
	if err == nil {
		cfg, err = cfg.Normalize()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	x := autoindex.New(autoindex.Options{BrowseRoot: cfg.BrowseRoot, Locale: cfg.Locale})
	f := listing.NewFetcher(cfg.Upstream, x, listing.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	entries, err := f.FetchView(ctx, view)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	entries = listing.Filter(entries, *query)

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(entries); err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 1
		}
		return 0
	}
	c := media.NewClassifier(cfg.VideoExts, cfg.HLSExts)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		name := e.Name
		if e.IsDir && !e.IsParent {
			name += "/"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Kind(e), name, e.Href)
	}
	_ = tw.Flush()
	return 0
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")

		switch {
		case strings.HasPrefix(r.URL.Path, "/assets/"):
			w.Header().Set("Cache-Control", "public, max-age=3600")
		case strings.HasPrefix(r.URL.Path, "/api/"), r.URL.Path == "/":
			w.Header().Set("Cache-Control", "no-store")
		}

		next.ServeHTTP(w, r)
	})
}
