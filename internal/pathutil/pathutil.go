package pathutil

import (
	"net/url"
	"path"
	"regexp"
	"strings"
)

// NormalizeRoot returns root with exactly one leading and one trailing slash.
// An empty root becomes "/".
func NormalizeRoot(root string) string {
	root = strings.TrimSpace(root)
	if !strings.HasPrefix(root, "/") {
		root = "/" + root
	}
	if !strings.HasSuffix(root, "/") {
		root += "/"
	}
	return root
}

// JoinURL appends seg to base, collapsing the slash between them.
func JoinURL(base, seg string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + strings.TrimPrefix(seg, "/")
}

func EnsureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

func EnsureTrailingSlash(p string) string {
	if strings.HasSuffix(p, "/") {
		return p
	}
	return p + "/"
}

// LastSegment returns the final path segment, ignoring one trailing slash.
// "/a/b/" and "/a/b" both yield "b"; "/" yields "".
func LastSegment(p string) string {
	p = strings.TrimSuffix(p, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// AbsToRel maps an absolute server path under root to a view path rooted at
// "/". Paths outside root map to "/".
func AbsToRel(root, abs string) string {
	abs = EnsureLeadingSlash(abs)
	if !strings.HasPrefix(abs, root) {
		return "/"
	}
	return "/" + abs[len(root):]
}

// RelToAbs is the inverse of AbsToRel.
func RelToAbs(root, rel string) string {
	return JoinURL(root, EnsureLeadingSlash(rel))
}

var fileLike = regexp.MustCompile(`[.][^/]+$`)

// ViewPath normalizes a navigation path the way the address bar fragment is
// kept: rooted, and slash-terminated unless the last segment carries an
// extension.
func ViewPath(p string) string {
	p = strings.TrimPrefix(strings.TrimSpace(p), "#")
	if p == "" {
		return "/"
	}
	p = EnsureLeadingSlash(p)
	if !fileLike.MatchString(p) {
		p = EnsureTrailingSlash(p)
	}
	return p
}

// LowerName returns the decoded, lower-cased final segment of an absolute
// path. Undecodable segments are lower-cased as is.
func LowerName(abs string) string {
	seg := LastSegment(abs)
	if dec, err := url.PathUnescape(seg); err == nil {
		return strings.ToLower(dec)
	}
	return strings.ToLower(seg)
}

// DownloadDir joins the daemon's download root with a user supplied relative
// directory. Leading and trailing slashes of rel are ignored; an empty rel
// yields the root unchanged.
func DownloadDir(downloadRoot, rel string) string {
	rel = strings.Trim(strings.TrimSpace(rel), "/")
	if rel == "" {
		return downloadRoot
	}
	return strings.TrimSuffix(downloadRoot, "/") + "/" + rel
}

// CleanViewPath takes a user path like "", ".", "a//b", "/a/../b" and returns
// a clean slash path that always begins with "/" and never escapes it. It is
// the form ACLs are matched against.
func CleanViewPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return "/"
	}
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean("/" + p)
}
