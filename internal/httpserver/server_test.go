package httpserver

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"mediadex/internal/aria2"
	"mediadex/internal/config"
)

const rootListing = `<html><body><h1>Index of /files/</h1><pre>
<a href="tv/">tv/</a>
<a href="movie.mp4">movie.mp4</a>
<a href="cover.png">cover.png</a>
<a href="notes.txt">notes.txt</a>
<a href="movie.mp4.aria2">movie.mp4.aria2</a>
</pre></body></html>`

// fakeUpstream is a static file server with autoindex pages.
type fakeUpstream struct {
	mu         sync.Mutex
	authSeen   string
	imageHits  atomic.Int32
	pngPayload []byte
}

func (u *fakeUpstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	u.authSeen = r.Header.Get("Authorization")
	u.mu.Unlock()

	switch r.URL.Path {
	case "/files/":
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, rootListing)
	case "/files/tv/":
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, `<pre><a href="../">../</a><a href="pilot.m3u8">pilot.m3u8</a></pre>`)
	case "/files/movie.mp4":
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = io.WriteString(w, "not really a video")
	case "/files/cover.png":
		u.imageHits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write(u.pngPayload)
	case "/files/broken.png":
		_, _ = io.WriteString(w, "garbage")
	default:
		http.NotFound(w, r)
	}
}

func (u *fakeUpstream) lastAuth() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.authSeen
}

func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// fakeAria2 records calls and answers with canned results.
type fakeAria2 struct {
	mu    sync.Mutex
	calls []struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
		ID     string            `json:"id"`
	}
	failAdd bool
}

func (d *fakeAria2) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var c struct {
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
		ID     string            `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	d.mu.Lock()
	d.calls = append(d.calls, c)
	failAdd := d.failAdd
	d.mu.Unlock()

	reply := func(v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": c.ID, "result": v})
	}
	switch c.Method {
	case "aria2.getVersion":
		reply(map[string]any{"version": "1.37.0", "enabledFeatures": []string{"BitTorrent"}})
	case "aria2.addUri":
		if failAdd {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": c.ID, "error": map[string]any{"code": 1, "message": "No URI to download."}})
			return
		}
		reply("2089b05ecca3d829")
	case "aria2.tellActive":
		reply([]map[string]any{{
			"gid": "2089b05ecca3d829", "status": "active",
			"totalLength": "1000", "completedLength": "250", "downloadSpeed": "50",
			"dir": "/srv/files/tv", "files": []map[string]any{{"path": "/srv/files/tv/a.mp4"}},
		}})
	case "aria2.tellWaiting":
		reply([]map[string]any{})
	case "aria2.pause", "aria2.unpause", "aria2.remove":
		reply("2089b05ecca3d829")
	default:
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": c.ID, "error": map[string]any{"code": 1, "message": "unknown method"}})
	}
}

func (d *fakeAria2) methods() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.calls))
	for _, c := range d.calls {
		out = append(out, c.Method)
	}
	return out
}

func (d *fakeAria2) lastParams(method string) []json.RawMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.calls) - 1; i >= 0; i-- {
		if d.calls[i].Method == method {
			return d.calls[i].Params
		}
	}
	return nil
}

type fixture struct {
	srv      *Server
	handler  http.Handler
	upstream *fakeUpstream
	daemon   *fakeAria2
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	up := &fakeUpstream{pngPayload: testPNG(t, 640, 320)}
	upSrv := httptest.NewServer(up)
	t.Cleanup(upSrv.Close)

	daemon := &fakeAria2{}
	daemonSrv := httptest.NewServer(daemon)
	t.Cleanup(daemonSrv.Close)

	cfg := config.Config{
		Upstream: upSrv.URL,
		StateDir: t.TempDir(),
		Aria2: config.Aria2{
			URL:          daemonSrv.URL + "/jsonrpc",
			DownloadRoot: "/srv/files",
		},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	cfg, err := cfg.Normalize()
	require.NoError(t, err)

	s, err := New(Options{Config: cfg})
	require.NoError(t, err)
	return &fixture{srv: s, handler: s.Handler(), upstream: up, daemon: daemon}
}

func (f *fixture) do(t *testing.T, method, target string, body io.Reader, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

type listResponse struct {
	Path        string `json:"path"`
	Breadcrumbs []struct {
		Name string `json:"name"`
		Path string `json:"path"`
	} `json:"breadcrumbs"`
	Items []struct {
		Name        string `json:"name"`
		IsDirectory bool   `json:"isDirectory"`
		IsParent    bool   `json:"isParent"`
		RelPath     string `json:"relPath"`
		Href        string `json:"href"`
		Kind        string `json:"kind"`
		Thumb       string `json:"thumb"`
	} `json:"items"`
}

func decodeList(t *testing.T, rr *httptest.ResponseRecorder) listResponse {
	t.Helper()
	var lr listResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &lr), rr.Body.String())
	return lr
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok\n", rr.Body.String())
}

func TestIndexAndAssets(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "/assets/app.js")

	rr = f.do(t, http.MethodGet, "/assets/app.css", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	// HLS playback: hls.js where supported, native HLS otherwise.
	assert.Contains(t, f.do(t, http.MethodGet, "/", nil, nil).Body.String(), "hls.js")
	js := f.do(t, http.MethodGet, "/assets/app.js", nil, nil)
	require.Equal(t, http.StatusOK, js.Code)
	for _, want := range []string{"Hls.isSupported()", "attachMedia", "loadSource", "canPlayType(\"application/vnd.apple.mpegurl\")", "hls.destroy()"} {
		assert.Contains(t, js.Body.String(), want)
	}

	rr = f.do(t, http.MethodGet, "/nope", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestConfigEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, http.MethodGet, "/api/config", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var v configView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	assert.Equal(t, "/files/", v.BrowseRoot)
	assert.True(t, v.Downloads)
	assert.Contains(t, v.VideoExts, ".mp4")
	assert.Empty(t, v.AuthURL)
}

func TestList_Root(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, http.MethodGet, "/api/list?path=/", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	lr := decodeList(t, rr)
	assert.Equal(t, "/", lr.Path)
	require.Len(t, lr.Breadcrumbs, 1)
	assert.Equal(t, "Root", lr.Breadcrumbs[0].Name)

	require.Len(t, lr.Items, 4, "partial download must be hidden")
	assert.Equal(t, "tv", lr.Items[0].Name)
	assert.True(t, lr.Items[0].IsDirectory)
	assert.Equal(t, "dir", lr.Items[0].Kind)

	kinds := map[string]string{}
	thumbs := map[string]string{}
	for _, it := range lr.Items[1:] {
		kinds[it.Name] = it.Kind
		thumbs[it.Name] = it.Thumb
	}
	assert.Equal(t, "video", kinds["movie.mp4"])
	assert.Equal(t, "image", kinds["cover.png"])
	assert.Equal(t, "file", kinds["notes.txt"])
	assert.Equal(t, "/thumb?path=%2Fcover.png", thumbs["cover.png"])
	assert.Empty(t, thumbs["movie.mp4"])
}

func TestList_SubdirAndFilter(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodGet, "/api/list?path=/tv", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	lr := decodeList(t, rr)
	assert.Equal(t, "/tv/", lr.Path)
	require.Len(t, lr.Items, 2)
	assert.True(t, lr.Items[0].IsParent)
	assert.Equal(t, "parent", lr.Items[0].Kind)
	assert.Equal(t, "hls", lr.Items[1].Kind)
	assert.Equal(t, "/files/tv/pilot.m3u8", lr.Items[1].Href)

	rr = f.do(t, http.MethodGet, "/api/list?path=/&q=MOVIE", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	lr = decodeList(t, rr)
	require.Len(t, lr.Items, 1)
	assert.Equal(t, "movie.mp4", lr.Items[0].Name)
}

func TestList_DotSegmentsStayUnderRoot(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, http.MethodGet, "/api/list?path=/../../tv/", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	lr := decodeList(t, rr)
	assert.Equal(t, "/tv/", lr.Path)
	require.Len(t, lr.Breadcrumbs, 2)
	assert.Equal(t, "tv", lr.Breadcrumbs[1].Name)
	assert.Equal(t, "/tv/", lr.Breadcrumbs[1].Path)
}

func TestList_UpstreamError(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, http.MethodGet, "/api/list?path=/missing/", nil, nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Body.String(), "read directory failed: HTTP 404")
}

func TestList_BusyView(t *testing.T) {
	f := newFixture(t, nil)
	release, err := f.srv.guard.TryAcquire("view:tab-1")
	require.NoError(t, err)

	rr := f.do(t, http.MethodGet, "/api/list?path=/", nil, map[string]string{"X-View-ID": "tab-1"})
	assert.Equal(t, http.StatusConflict, rr.Code)

	// Another tab is unaffected.
	rr = f.do(t, http.MethodGet, "/api/list?path=/", nil, map[string]string{"X-View-ID": "tab-2"})
	assert.Equal(t, http.StatusOK, rr.Code)

	release()
	rr = f.do(t, http.MethodGet, "/api/list?path=/", nil, map[string]string{"X-View-ID": "tab-1"})
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestProxy_FixesContentTypeAndDropsAuth(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, http.MethodGet, "/files/movie.mp4", nil, map[string]string{"Authorization": "Bearer secret"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "video/mp4", rr.Header().Get("Content-Type"))
	assert.Equal(t, "not really a video", rr.Body.String())
	assert.Empty(t, f.upstream.lastAuth())
}

func TestThumb(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodGet, "/thumb?path=%2Fcover.png", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "image/jpeg", rr.Header().Get("Content-Type"))

	img, _, err := image.Decode(bytes.NewReader(rr.Body.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())
	assert.Equal(t, 128, img.Bounds().Dy())

	entries, err := os.ReadDir(filepath.Join(f.srv.cfg.StateDir, "thumbs"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	// Served from cache the second time; only headers are read upstream.
	rr2 := f.do(t, http.MethodGet, "/thumb?path=%2Fcover.png", nil, nil)
	require.Equal(t, http.StatusOK, rr2.Code)
	assert.Equal(t, rr.Body.Bytes(), rr2.Body.Bytes())
}

func TestThumb_Errors(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodGet, "/thumb?path=%2Fmovie.mp4", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodGet, "/thumb?path=%2Fbroken.png", nil, nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)

	rr = f.do(t, http.MethodGet, "/thumb?path=%2Fgone.png", nil, nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
}

func TestMakeThumb_Portrait(t *testing.T) {
	b, err := makeThumb(bytes.NewReader(testPNG(t, 100, 400)), 200)
	require.NoError(t, err)
	img, _, err := image.Decode(bytes.NewReader(b))
	require.NoError(t, err)
	assert.Equal(t, 50, img.Bounds().Dx())
	assert.Equal(t, 200, img.Bounds().Dy())

	_, err = makeThumb(strings.NewReader("nope"), 200)
	assert.Error(t, err)
}

func TestAria2Version(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, http.MethodGet, "/api/aria2/version", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var v aria2.Version
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	assert.Equal(t, "1.37.0", v.Version)
}

func TestDownloads_Disabled(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Aria2.Disabled = true })
	for _, target := range []string{"/api/downloads", "/api/aria2/version", "/api/downloads/abc/pause"} {
		rr := f.do(t, http.MethodGet, target, nil, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code, target)
	}
}

func TestDownloads_List(t *testing.T) {
	f := newFixture(t, nil)
	rr := f.do(t, http.MethodGet, "/api/downloads", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var snap aria2.Snapshot
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &snap))
	require.Len(t, snap.Active, 1)
	assert.Equal(t, "a.mp4", snap.Active[0].Name)
	assert.InDelta(t, 25.0, snap.Active[0].Percent, 0.001)
	assert.Empty(t, snap.Error)
}

func TestDownloads_Submit(t *testing.T) {
	f := newFixture(t, nil)
	body := `{"url":"https://example.com/a.mp4","path":"/tv/","out":"b.mp4"}`
	rr := f.do(t, http.MethodPost, "/api/downloads", strings.NewReader(body), nil)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), "2089b05ecca3d829")

	params := f.daemon.lastParams("aria2.addUri")
	require.Len(t, params, 2)
	var opts aria2.AddOptions
	require.NoError(t, json.Unmarshal(params[1], &opts))
	assert.Equal(t, "/srv/files/tv", opts.Dir)
	assert.Equal(t, "b.mp4", opts.Out)
}

func TestDownloads_SubmitErrors(t *testing.T) {
	f := newFixture(t, nil)

	rr := f.do(t, http.MethodPost, "/api/downloads", strings.NewReader(`{`), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/downloads", strings.NewReader(`{"url":"file:///etc/passwd","path":"/"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.NotContains(t, f.daemon.methods(), "aria2.addUri")

	rr = f.do(t, http.MethodPost, "/api/downloads", strings.NewReader(`{"url":"https://x.test/a","path":"/","out":"../a"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	f.daemon.mu.Lock()
	f.daemon.failAdd = true
	f.daemon.mu.Unlock()
	rr = f.do(t, http.MethodPost, "/api/downloads", strings.NewReader(`{"url":"https://x.test/a","path":"/"}`), nil)
	assert.Equal(t, http.StatusBadGateway, rr.Code)
	assert.Contains(t, rr.Body.String(), "No URI to download.")
}

func TestDownloads_Actions(t *testing.T) {
	f := newFixture(t, nil)

	for action, method := range map[string]string{
		"pause":  "aria2.pause",
		"resume": "aria2.unpause",
		"remove": "aria2.remove",
	} {
		rr := f.do(t, http.MethodPost, "/api/downloads/2089b05ecca3d829/"+action, nil, nil)
		require.Equal(t, http.StatusOK, rr.Code, action)
		assert.Contains(t, f.daemon.methods(), method)
	}

	rr := f.do(t, http.MethodPost, "/api/downloads/2089b05ecca3d829/explode", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/downloads/2089b05ecca3d829/pause", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestAuth_ACLs(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)

	f := newFixture(t, func(c *config.Config) {
		c.Users = map[string]config.User{"alice": {Bcrypt: string(hash)}}
		c.Tokens = map[string]string{"tok-bob": "bob"}
		c.ACLs = []config.ACL{
			{Path: "/tv", Read: []string{"alice"}, Write: []string{"alice"}},
			{Path: "/", Read: []string{"*"}, Admin: []string{"alice"}},
		}
	})
	alice := map[string]string{"Authorization": "Basic YWxpY2U6cHc="} // alice:pw
	bob := map[string]string{"Authorization": "Bearer tok-bob"}

	rr := f.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/list?path=/", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/list?path=/", nil, bob)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/list?path=/tv/", nil, bob)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodGet, "/api/list?path=/tv/", nil, alice)
	assert.Equal(t, http.StatusOK, rr.Code)

	// Escaped traversal is cleaned before the ACL lookup.
	rr = f.do(t, http.MethodGet, "/thumb?path=%2Fother%2F..%2Ftv%2Fx.png", nil, bob)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	body := `{"url":"https://example.com/a.mp4","path":"/tv/"}`
	rr = f.do(t, http.MethodPost, "/api/downloads", strings.NewReader(body), bob)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = f.do(t, http.MethodPost, "/api/downloads", strings.NewReader(body), alice)
	assert.Equal(t, http.StatusCreated, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/downloads/g/pause", nil, bob)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = f.do(t, http.MethodPost, "/api/downloads/g/pause", nil, alice)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodGet, "/files/tv/pilot.m3u8", nil, bob)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestAuth_OptionalChallenges(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("pw"), bcrypt.MinCost)
	require.NoError(t, err)

	f := newFixture(t, func(c *config.Config) {
		c.AuthOptional = true
		c.Users = map[string]config.User{"alice": {Bcrypt: string(hash)}}
		c.ACLs = []config.ACL{{Path: "/", Read: []string{"alice"}}}
	})

	rr := f.do(t, http.MethodGet, "/api/config", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"authUrl":"/login"`)

	rr = f.do(t, http.MethodGet, "/api/list?path=/", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Header().Get("WWW-Authenticate"), "Basic")

	rr = f.do(t, http.MethodGet, "/login", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodGet, "/login", nil, map[string]string{"Authorization": "Basic YWxpY2U6cHc="})
	assert.Equal(t, http.StatusFound, rr.Code)
}

func TestViewID(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/list", nil)
	r.RemoteAddr = "10.0.0.5:5555"
	assert.Equal(t, "addr:10.0.0.5", viewID(r))

	r.Header.Set("X-View-ID", " tab ")
	assert.Equal(t, "view:tab", viewID(r))
}
