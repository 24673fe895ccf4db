package autoindex

// Entry is one row of a scraped directory listing.
type Entry struct {
	Name     string `json:"name"` // ".." for the parent link
	IsDir    bool   `json:"isDirectory"`
	IsParent bool   `json:"isParent"`
	// RelPath is rooted at the browse root, e.g. "/tv/show/".
	RelPath string `json:"relPath"`
	// Href is the absolute server path, e.g. "/files/tv/show/".
	Href string `json:"href"`
	// NormLowerName is the decoded, lower-cased last segment of Href; used
	// for extension matching.
	NormLowerName string `json:"normLowerName"`
}

// rank orders the listing groups: parent, directories, files.
func (e Entry) rank() int {
	switch {
	case e.IsParent:
		return 0
	case e.IsDir:
		return 1
	default:
		return 2
	}
}

type entryKey struct {
	isDir   bool
	relPath string
	name    string
}

func (e Entry) key() entryKey {
	return entryKey{isDir: e.IsDir, relPath: e.RelPath, name: e.Name}
}
