// Package autoindex turns the HTML directory listings produced by static file
// servers (nginx autoindex, caddy/miniserve style templates, plain <pre>
// listings) into ordered Entry records.
//
// Extraction is heuristic. Directory detection relies on a trailing slash
// in the href or the link text, and as a last resort on a size column
// rendered as empty or "-". Servers that print sizes for directories, or
// that omit trailing slashes and size columns, will have their directories
// reported as files.
package autoindex

import (
	"errors"
	"net/url"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"mediadex/internal/pathutil"
)

// PartialSuffix marks files the download daemon is still writing.
const PartialSuffix = ".aria2"

// containers are tried in order; the first one present scopes the anchors.
var containers = []string{"#files", "ul", "pre"}

// Options configure an Extractor.
type Options struct {
	// BrowseRoot is the path prefix entries must stay under. It is
	// normalized to begin and end with "/".
	BrowseRoot string
	// Locale selects the collation for names, e.g. "zh", "en", "de".
	Locale string
}

// Extractor is immutable once built and safe for concurrent use.
type Extractor struct {
	root string
	tag  language.Tag
}

// New builds an Extractor. An unknown locale falls back to the root collation.
func New(opts Options) *Extractor {
	tag, err := language.Parse(opts.Locale)
	if err != nil {
		tag = language.Und
	}
	return &Extractor{
		root: pathutil.NormalizeRoot(opts.BrowseRoot),
		tag:  tag,
	}
}

// BrowseRoot returns the normalized root entries are kept under.
func (x *Extractor) BrowseRoot() string { return x.root }

// Extract parses a listing fetched from baseAbsPath. It never fails: links
// that cannot be interpreted are dropped and unparseable input yields an
// empty result.
func (x *Extractor) Extract(src, baseAbsPath string) []Entry {
	node, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return []Entry{}
	}
	doc := goquery.NewDocumentFromNode(node)
	base, err := url.Parse("http://autoindex.invalid" + pathutil.EnsureLeadingSlash(baseAbsPath))
	if err != nil {
		base = &url.URL{Scheme: "http", Host: "autoindex.invalid", Path: x.root}
	}

	var items []Entry
	listingContainer(doc).Find("a").Each(func(_ int, a *goquery.Selection) {
		if e, ok := x.entry(a, base); ok {
			items = append(items, e)
		}
	})

	seen := make(map[entryKey]struct{}, len(items))
	out := make([]Entry, 0, len(items))
	for _, e := range items {
		k := e.key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, e)
	}

	// collate.Collator keeps scratch buffers; one per call.
	coll := collate.New(x.tag)
	slices.SortStableFunc(out, func(a, b Entry) int {
		if d := a.rank() - b.rank(); d != 0 {
			return d
		}
		return coll.CompareString(a.Name, b.Name)
	})
	return out
}

func listingContainer(doc *goquery.Document) *goquery.Selection {
	for _, sel := range containers {
		if c := doc.Find(sel).First(); c.Length() > 0 {
			return c
		}
	}
	return doc.Find("body").First()
}

func (x *Extractor) entry(a *goquery.Selection, base *url.URL) (Entry, bool) {
	raw, _ := a.Attr("href")
	href := cleanHref(raw)
	if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") {
		return Entry{}, false
	}
	text := strings.TrimSpace(a.Text())
	if text == "." || text == "./" {
		return Entry{}, false
	}

	ref, repaired, err := parseHref(href)
	if err != nil {
		return Entry{}, false
	}
	abs := base.ResolveReference(ref).EscapedPath()

	isParent := text == ".." || text == "../" || href == "../"
	if !strings.HasPrefix(abs, x.root) {
		if !isParent {
			return Entry{}, false
		}
		abs = x.root
	}

	isDir := looksLikeDir(a, href, text, isParent)
	if isDir {
		abs = pathutil.EnsureTrailingSlash(abs)
	}
	rel := pathutil.AbsToRel(x.root, abs)
	if isDir {
		rel = pathutil.EnsureTrailingSlash(rel)
	}

	name := ".."
	if !isParent {
		name = pathutil.LastSegment(abs)
		if isDir && name == "" {
			name = pathutil.LastSegment(strings.TrimSuffix(abs, "/"))
		}
		if repaired {
			// The segment as written does not decode; keep it verbatim.
			name = rawSegment(href)
		} else if dec, err := url.PathUnescape(name); err == nil {
			name = dec
		}
	}
	if !isDir && !isParent && strings.HasSuffix(name, PartialSuffix) {
		return Entry{}, false
	}

	return Entry{
		Name:          name,
		IsDir:         isDir,
		IsParent:      isParent,
		RelPath:       rel,
		Href:          abs,
		NormLowerName: pathutil.LowerName(abs),
	}, true
}

// cleanHref applies the href normalization browsers do before resolving:
// tabs and newlines are removed and surrounding whitespace is trimmed.
func cleanHref(href string) string {
	href = strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, href)
	return strings.Trim(href, " \f")
}

// parseHref parses href, escaping stray '%' signs when they are the only
// problem. repaired reports whether that happened.
func parseHref(href string) (ref *url.URL, repaired bool, err error) {
	ref, err = url.Parse(href)
	if err == nil {
		return ref, false, nil
	}
	var escErr url.EscapeError
	if !errors.As(err, &escErr) {
		return nil, false, err
	}
	ref, err = url.Parse(escapeStrayPercent(href))
	if err != nil {
		return nil, false, err
	}
	return ref, true, nil
}

// escapeStrayPercent rewrites every '%' not starting a valid escape as "%25".
func escapeStrayPercent(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && !(i+2 < len(s) && isHex(s[i+1]) && isHex(s[i+2])) {
			b.WriteString("%25")
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

// rawSegment is the last path segment of href as written, without query,
// fragment or trailing slash.
func rawSegment(href string) string {
	if i := strings.IndexAny(href, "?#"); i >= 0 {
		href = href[:i]
	}
	return pathutil.LastSegment(strings.TrimSuffix(href, "/"))
}

// looksLikeDir applies the directory heuristics in order; the first match
// wins.
func looksLikeDir(a *goquery.Selection, href, text string, isParent bool) bool {
	switch {
	case strings.HasSuffix(href, "/"):
		return true
	case isParent:
		return true
	case strings.HasSuffix(text, "/"):
		return true
	}
	if size, ok := sizeHint(a); ok {
		return size == "" || size == "-"
	}
	return false
}

// sizeHint finds the size column tied to an anchor: a span.size nested in
// the link, or one directly following it.
func sizeHint(a *goquery.Selection) (string, bool) {
	if s := a.Find("span.size").First(); s.Length() > 0 {
		return strings.TrimSpace(s.Text()), true
	}
	if next := a.Next(); next.Is("span.size") {
		return strings.TrimSpace(next.Text()), true
	}
	return "", false
}
