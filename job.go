package dataget

import (
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// JobSpec is a raw request for one file, as supplied by a caller or a
// URL-list parser. Only URL is required.
type JobSpec struct {
	URL string `json:"url" yaml:"url"`
	// Name is the destination file name. When empty it is taken from the
	// server's Content-Disposition header or the URL path.
	Name string `json:"name,omitempty" yaml:"name"`
	// Folder overrides the batch output folder for this file.
	Folder string `json:"folder,omitempty" yaml:"folder"`
	// Size is the expected size in bytes, used when the server does not
	// report one. Zero means unknown.
	Size            int64 `json:"size,omitempty" yaml:"size"`
	FollowRedirects bool  `json:"follow_redirects,omitempty" yaml:"follow_redirects"`
}

// Job is one normalized file transfer. Jobs are immutable once created.
type Job struct {
	// Index is the position of the job in the batch input.
	Index  int    `json:"index"`
	URL    string `json:"url"`
	Path   string `json:"path,omitempty"`
	Folder string `json:"folder"`
	Size   int64  `json:"size,omitempty"`

	FollowRedirects bool `json:"follow_redirects,omitempty"`
}

// NewJobs normalizes specs into jobs. Every spec must carry an absolute
// http or https URL; anything else fails the whole batch.
func NewJobs(specs []JobSpec, defaultFolder string) ([]Job, error) {
	if defaultFolder == "" {
		defaultFolder = "."
	}
	jobs := make([]Job, 0, len(specs))
	for i, spec := range specs {
		u, err := url.Parse(strings.TrimSpace(spec.URL))
		if err != nil {
			return nil, errors.Wrapf(err, "job %d", i)
		}
		if !u.IsAbs() || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, errors.Errorf("job %d: %q is not an absolute http(s) URL", i, spec.URL)
		}
		folder := spec.Folder
		if folder == "" {
			folder = defaultFolder
		}
		job := Job{
			Index:           i,
			URL:             u.String(),
			Folder:          folder,
			Size:            spec.Size,
			FollowRedirects: spec.FollowRedirects,
		}
		if spec.Name != "" {
			job.Path = filepath.Join(folder, safeFileName(spec.Name))
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// SpecsFromURLs builds specs for bare URLs.
func SpecsFromURLs(urls ...string) []JobSpec {
	specs := make([]JobSpec, len(urls))
	for i, u := range urls {
		specs[i] = JobSpec{URL: u}
	}
	return specs
}

// targetPath returns the job's destination, deriving it from the server
// suggested name when the caller did not supply one.
func (j Job) targetPath(suggested string) string {
	if j.Path != "" {
		return j.Path
	}
	return filepath.Join(j.Folder, safeFileName(suggested))
}

// safeFileName reduces a server or URL supplied name to a plain file name.
func safeFileName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	switch name {
	case "", ".", "..", "/":
		return "index.html"
	}
	return name
}
