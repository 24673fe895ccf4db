package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"mediadex/internal/config"
)

type ctxKey string

const userKey ctxKey = "mediadex.user"

func UserFromContext(ctx context.Context) string {
	v, _ := ctx.Value(userKey).(string)
	return v
}

func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func HasAuth(cfg config.Config) bool {
	return len(cfg.Users) > 0 || len(cfg.Tokens) > 0
}

// RequireAuth wraps a handler with optional Basic or Bearer auth.
// - If no users or tokens are configured: allow all.
// - Else:
//   - if cfg.AuthOptional is false: require valid credentials
//   - if cfg.AuthOptional is true: allow anonymous; validate creds if present
//
// /healthz is always reachable.
func RequireAuth(cfg config.Config, next http.Handler) http.Handler {
	if !HasAuth(cfg) {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}
		h := r.Header.Get("Authorization")
		if h == "" && cfg.AuthOptional {
			next.ServeHTTP(w, r)
			return
		}
		user, ok := authenticate(cfg, h)
		if !ok {
			deny(w)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}

func authenticate(cfg config.Config, header string) (string, bool) {
	if tok, ok := strings.CutPrefix(header, "Bearer "); ok {
		return tokenUser(cfg, strings.TrimSpace(tok))
	}
	u, p, ok := parseBasicAuth(header)
	if !ok {
		return "", false
	}
	user, ok := cfg.Users[u]
	if !ok {
		return "", false
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.Bcrypt), []byte(p)); err != nil {
		return "", false
	}
	return u, true
}

func tokenUser(cfg config.Config, tok string) (string, bool) {
	if tok == "" {
		return "", false
	}
	var found string
	for k, u := range cfg.Tokens {
		if subtle.ConstantTimeCompare([]byte(k), []byte(tok)) == 1 {
			found = u
		}
	}
	return found, found != ""
}

func deny(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="mediadex"`)
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}

func parseBasicAuth(v string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(v, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(v, prefix)))
	if err != nil {
		return "", "", false
	}
	u, p, found := strings.Cut(string(raw), ":")
	if !found || u == "" {
		return "", "", false
	}
	if strings.Contains(u, "\x00") || strings.Contains(p, "\x00") {
		return "", "", false
	}
	return u, p, true
}

// ACL evaluation.
type Perm int

const (
	PermRead  Perm = iota + 1 // browse, play, thumbnails
	PermWrite                 // submit downloads
	PermAdmin                 // pause, resume, remove jobs
)

// Allowed evaluates the first ACL whose path prefix covers viewPath.
// viewPath must be a clean slash path beginning with "/".
func Allowed(cfg config.Config, user string, viewPath string, perm Perm) (bool, error) {
	if viewPath == "" {
		viewPath = "/"
	}
	if !strings.HasPrefix(viewPath, "/") {
		return false, errors.New("invalid view path")
	}
	if perm < PermRead || perm > PermAdmin {
		return false, errors.New("unknown perm")
	}

	// no-auth mode: allow everything
	if !HasAuth(cfg) {
		return true, nil
	}

	for _, a := range cfg.ACLs {
		if !covers(a.Path, viewPath) {
			continue
		}
		switch perm {
		case PermRead:
			return containsUser(a.Read, user), nil
		case PermWrite:
			return user != "" && containsUser(a.Write, user), nil
		default:
			return user != "" && containsUser(a.Admin, user), nil
		}
	}

	// Default policy when auth enabled but no ACL matched:
	// - allow read to authenticated users
	// - deny write/admin
	return perm == PermRead && user != "", nil
}

func covers(prefix, p string) bool {
	if prefix == "" {
		prefix = "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if prefix == "/" {
		return true
	}
	prefix = strings.TrimSuffix(prefix, "/")
	p = strings.TrimSuffix(p, "/")
	return p == prefix || strings.HasPrefix(p, prefix+"/")
}

func containsUser(list []string, u string) bool {
	for _, v := range list {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if v == "*" || subtle.ConstantTimeCompare([]byte(v), []byte(u)) == 1 {
			return true
		}
	}
	return false
}
