// Package media tags listing entries for the UI and picks content types for
// proxied files.
package media

import (
	"mime"
	"path"
	"strings"

	"mediadex/internal/autoindex"
)

type Kind string

const (
	KindParent Kind = "parent"
	KindDir    Kind = "dir"
	KindHLS    Kind = "hls"
	KindVideo  Kind = "video"
	KindImage  Kind = "image"
	KindFile   Kind = "file"
)

// Playable reports whether the UI plays the entry inline.
func (k Kind) Playable() bool { return k == KindVideo || k == KindHLS }

var imageExts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

// Classifier matches lower-cased names against configured extension sets.
type Classifier struct {
	video []string
	hls   []string
}

func NewClassifier(videoExts, hlsExts []string) Classifier {
	return Classifier{
		video: append([]string(nil), videoExts...),
		hls:   append([]string(nil), hlsExts...),
	}
}

func (c Classifier) IsVideo(lower string) bool { return hasAnySuffix(lower, c.video) }
func (c Classifier) IsHLS(lower string) bool   { return hasAnySuffix(lower, c.hls) }
func IsImage(lower string) bool                { return hasAnySuffix(lower, imageExts) }

// Kind tags an entry. HLS is checked before video so ".m3u8" wins even when
// configured in both sets.
func (c Classifier) Kind(e autoindex.Entry) Kind {
	switch {
	case e.IsParent:
		return KindParent
	case e.IsDir:
		return KindDir
	case c.IsHLS(e.NormLowerName):
		return KindHLS
	case c.IsVideo(e.NormLowerName):
		return KindVideo
	case IsImage(e.NormLowerName):
		return KindImage
	default:
		return KindFile
	}
}

func hasAnySuffix(s string, exts []string) bool {
	for _, ext := range exts {
		if strings.HasSuffix(s, ext) {
			return true
		}
	}
	return false
}

// ContentType guesses a content type from a file name. Upstream servers
// often send application/octet-stream for media, which browsers refuse to
// play inline.
func ContentType(name string) string {
	ext := strings.ToLower(path.Ext(name))
	if ext == "" {
		return ""
	}
	// Fallbacks first: sparse system mime tables get these wrong.
	switch ext {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".mp4", ".m4v":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".ogv", ".ogg":
		return "video/ogg"
	case ".mov":
		return "video/quicktime"
	case ".mkv":
		return "video/x-matroska"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".vtt":
		return "text/vtt"
	case ".srt":
		return "text/plain; charset=utf-8"
	}
	return ""
}
