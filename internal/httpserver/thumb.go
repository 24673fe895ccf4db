package httpserver

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	// decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"mediadex/internal/media"
	"mediadex/internal/pathutil"
	"mediadex/internal/thumbcache"
)

const (
	thumbMax     = 256
	thumbTimeout = 20 * time.Second
	// maxThumbSource caps how much of an upstream image is decoded.
	maxThumbSource = 32 << 20
)

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	view := aclPath(r.URL.Query().Get("path"))
	if !media.IsImage(pathutil.LowerName(view)) {
		writeError(w, http.StatusBadRequest, "not an image")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), thumbTimeout)
	defer cancel()

	b, err := s.thumb(ctx, view)
	if err != nil {
		s.logger.Debug("thumbnail failed", "path", view, "err", err)
		writeError(w, http.StatusBadGateway, "thumbnail unavailable")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "private, max-age=3600")
	_, _ = w.Write(b)
}

// thumb renders or loads the thumbnail for a clean view path. Concurrent
// requests for the same image share one upstream fetch.
func (s *Server) thumb(ctx context.Context, view string) ([]byte, error) {
	v, err, _ := s.thumbGroup.Do(view, func() (any, error) {
		return s.renderThumb(ctx, view)
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (s *Server) renderThumb(ctx context.Context, view string) ([]byte, error) {
	abs := pathutil.RelToAbs(s.cfg.BrowseRoot, view)
	target := s.upstream.Scheme + "://" + s.upstream.Host + (&url.URL{Path: abs}).EscapedPath()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("upstream %s: HTTP %d", abs, resp.StatusCode)
	}

	// The cache key follows the upstream version so edited images re-render.
	key := thumbcache.Key(abs, resp.Header.Get("ETag"), resp.Header.Get("Last-Modified"), resp.Header.Get("Content-Length"))
	if b, err := s.thumbs.Get(key); err == nil {
		return b, nil
	} else if !isNotExist(err) {
		s.logger.Warn("thumb cache read failed", "key", key, "err", err)
	}

	b, err := makeThumb(io.LimitReader(resp.Body, maxThumbSource), thumbMax)
	if err != nil {
		return nil, err
	}
	if err := s.thumbs.Put(key, b); err != nil {
		s.logger.Warn("thumb cache write failed", "key", key, "err", err)
	}
	return b, nil
}

func makeThumb(r io.Reader, max int) ([]byte, error) {
	src, _, err := image.Decode(r)
	if err != nil {
		return nil, err
	}
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, os.ErrInvalid
	}
	if max <= 0 {
		max = thumbMax
	}

	nw, nh := w, h
	if w > h {
		if w > max {
			nw = max
			nh = int(float64(h) * (float64(max) / float64(w)))
		}
	} else {
		if h > max {
			nh = max
			nw = int(float64(w) * (float64(max) / float64(h)))
		}
	}
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)

	var out bytes.Buffer
	enc := jpeg.Options{Quality: 82}
	if err := jpeg.Encode(&out, dst, &enc); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
