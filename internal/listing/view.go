package listing

import (
	"strings"

	"mediadex/internal/autoindex"
	"mediadex/internal/pathutil"
)

// Filter keeps entries whose name contains keyword, case-insensitively.
// A blank keyword keeps everything.
func Filter(entries []autoindex.Entry, keyword string) []autoindex.Entry {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return entries
	}
	out := make([]autoindex.Entry, 0, len(entries))
	for _, e := range entries {
		if strings.Contains(strings.ToLower(e.Name), keyword) {
			out = append(out, e)
		}
	}
	return out
}

type Crumb struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Breadcrumbs splits a view path into navigable crumbs, root first.
func Breadcrumbs(view, rootLabel string) []Crumb {
	crumbs := []Crumb{{Name: rootLabel, Path: "/"}}
	acc := "/"
	for _, part := range strings.Split(view, "/") {
		if part == "" {
			continue
		}
		acc = pathutil.EnsureTrailingSlash(pathutil.JoinURL(acc, part))
		crumbs = append(crumbs, Crumb{Name: part, Path: acc})
	}
	return crumbs
}
