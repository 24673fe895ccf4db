package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"mediadex/internal/aria2"
	"mediadex/internal/auth"
)

type submitRequest struct {
	URL string `json:"url"`
	// Path is the view path the download lands in, e.g. "/tv/show/".
	Path string `json:"path"`
	Out  string `json:"out,omitempty"`
}

func (s *Server) downloadsEnabled(w http.ResponseWriter) bool {
	if s.aria2 == nil {
		writeError(w, http.StatusNotFound, "downloads are disabled")
		return false
	}
	return true
}

func (s *Server) handleAria2Version(w http.ResponseWriter, r *http.Request) {
	if !s.downloadsEnabled(w) {
		return
	}
	if !s.check(w, r, auth.PermRead, "/") {
		return
	}
	v, err := s.aria2.Version(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, aria2.Message(err))
		return
	}
	writeJSON(w, v)
}

// handleDownloads lists jobs (GET) or submits one (POST).
func (s *Server) handleDownloads(w http.ResponseWriter, r *http.Request) {
	if !s.downloadsEnabled(w) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		if !s.check(w, r, auth.PermRead, "/") {
			return
		}
		// Without a running poller every GET polls.
		if !s.poller.Running() {
			_ = s.poller.Refresh(r.Context())
		}
		writeJSON(w, s.poller.Snapshot())
	case http.MethodPost:
		s.handleSubmit(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !s.check(w, r, auth.PermWrite, aclPath(req.Path)) {
		return
	}
	gid, err := s.submit.Submit(r.Context(), req.URL, aclPath(req.Path), req.Out)
	if err != nil {
		if errors.Is(err, aria2.ErrInvalidURI) || errors.Is(err, aria2.ErrInvalidName) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, aria2.Message(err))
		return
	}
	s.logger.Info("download queued", "gid", gid, "path", aclPath(req.Path), "user", auth.UserFromContext(r.Context()))
	s.refreshSoon()
	writeJSONStatus(w, http.StatusCreated, map[string]string{"gid": gid})
}

// handleDownloadAction serves POST /api/downloads/{gid}/{pause|resume|remove}.
func (s *Server) handleDownloadAction(w http.ResponseWriter, r *http.Request) {
	if !s.downloadsEnabled(w) {
		return
	}
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/downloads/")
	gid, action, ok := strings.Cut(rest, "/")
	if !ok || gid == "" || strings.Contains(action, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !s.check(w, r, auth.PermAdmin, "/") {
		return
	}

	var err error
	switch action {
	case "pause":
		err = s.aria2.Pause(r.Context(), gid)
	case "resume":
		err = s.aria2.Unpause(r.Context(), gid)
	case "remove":
		err = s.aria2.Remove(r.Context(), gid)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, aria2.Message(err))
		return
	}
	s.logger.Info("download "+action, "gid", gid, "user", auth.UserFromContext(r.Context()))
	s.refreshSoon()
	writeJSON(w, map[string]string{"gid": gid, "action": action})
}

// refreshSoon updates the snapshot after a mutation so the next GET sees it
// without waiting for a tick.
func (s *Server) refreshSoon() {
	if !s.poller.Running() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Aria2.RPCTimeout())
		defer cancel()
		_ = s.poller.Refresh(ctx)
	}()
}
