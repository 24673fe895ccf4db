package aria2

import (
	"fmt"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Status is the raw aria2 status struct. aria2 encodes numbers as strings.
type Status struct {
	GID             string `json:"gid"`
	Status          string `json:"status"` // active, waiting, paused, error, complete, removed
	TotalLength     string `json:"totalLength"`
	CompletedLength string `json:"completedLength"`
	DownloadSpeed   string `json:"downloadSpeed"`
	Dir             string `json:"dir"`
	Files           []File `json:"files"`
	ErrorCode       string `json:"errorCode,omitempty"`
	ErrorMessage    string `json:"errorMessage,omitempty"`
}

type File struct {
	Path string `json:"path"`
	URIs []struct {
		URI string `json:"uri"`
	} `json:"uris"`
}

// Job is the display form of a Status for the download panel.
type Job struct {
	GID       string  `json:"gid"`
	Status    string  `json:"status"`
	Name      string  `json:"name"`
	Dir       string  `json:"dir"`
	Completed int64   `json:"completed"`
	Total     int64   `json:"total"`
	Speed     int64   `json:"speed"`
	Percent   float64 `json:"percent"`
	Progress  string  `json:"progress"` // "1.2 GB / 3.4 GB"
	Rate      string  `json:"rate"`     // "3.1 MB/s"
	ETA       string  `json:"eta"`
	Error     string  `json:"error,omitempty"`
}

func (s Status) Job() Job {
	j := Job{
		GID:       s.GID,
		Status:    s.Status,
		Name:      s.name(),
		Dir:       s.Dir,
		Completed: atoi64(s.CompletedLength),
		Total:     atoi64(s.TotalLength),
		Speed:     atoi64(s.DownloadSpeed),
		Error:     s.ErrorMessage,
	}
	if j.Total > 0 {
		j.Percent = float64(j.Completed) * 100 / float64(j.Total)
	}
	j.Progress = humanize.Bytes(uint64(j.Completed)) + " / " + humanize.Bytes(uint64(j.Total))
	j.Rate = humanize.Bytes(uint64(j.Speed)) + "/s"
	j.ETA = eta(j.Completed, j.Total, j.Speed)
	return j
}

// name is the output file name, or the last URI segment while aria2 has
// not resolved the path yet.
func (s Status) name() string {
	for _, f := range s.Files {
		if f.Path != "" {
			return path.Base(f.Path)
		}
	}
	for _, f := range s.Files {
		for _, u := range f.URIs {
			if u.URI != "" {
				return path.Base(strings.SplitN(u.URI, "?", 2)[0])
			}
		}
	}
	return s.GID
}

func atoi64(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// eta formats the remaining time at the current speed, "--" when unknown.
func eta(done, total, speed int64) string {
	if done == 0 || total == 0 || done >= total || speed <= 0 {
		return "--"
	}
	remaining := time.Duration((total-done)/speed) * time.Second

	sec := int(remaining.Seconds())
	min := sec / 60
	hr := min / 60

	out := ""
	if hr > 0 {
		out += fmt.Sprintf("%dh ", hr)
	}
	if min%60 > 0 {
		out += fmt.Sprintf("%dm ", min%60)
	}
	if sec%60 > 0 || out == "" {
		out += fmt.Sprintf("%ds", sec%60)
	}
	return strings.TrimSpace(out)
}
