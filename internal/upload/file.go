// Package upload implements file-typed output handling: filename
// derivation/sanitization and a retrying HTTP PUT client (spec §4.5.1).
package upload

import (
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// File is a file-typed output leaf produced by a predictor: either raw
// bytes or a local path, plus whatever filename/source-URL hints are
// available for deriving the final name.
type File struct {
	Bytes       []byte
	Path        string
	SourceURL   string
	Filename    string
	ContentType string
}

// maxFilenameBytes is the platform-safe filename length spec §4.5.1
// calls for ("around 200 bytes").
const maxFilenameBytes = 200

// ResolveFilename implements the filename-handling rules: prefer an
// explicit Filename, else derive one from SourceURL's path, else fall
// back to "file" with an extension guessed from content sniffing; then
// sanitize and truncate.
func (f *File) ResolveFilename() string {
	name := f.Filename
	if name == "" && f.SourceURL != "" {
		if u, err := url.Parse(f.SourceURL); err == nil {
			name = path.Base(u.Path)
			if name == "." || name == "/" {
				name = ""
			}
		}
	}
	name = sanitize(name)
	if name == "" {
		name = "file" + f.guessExtension()
	}
	return truncate(name)
}

func (f *File) guessExtension() string {
	ct := f.ContentType
	if ct == "" && len(f.Bytes) > 0 {
		ct = mimetype.Detect(f.Bytes).String()
	}
	if ct == "" {
		return ""
	}
	if mt := mimetype.Lookup(ct); mt != nil {
		return mt.Extension()
	}
	return ""
}

// sanitize strips NUL bytes and replaces "/" with "_"; a name that is
// empty after trimming spaces, or is "." or "..", is rejected back to "".
func sanitize(name string) string {
	name = strings.ReplaceAll(name, "\x00", "")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.TrimSpace(name)
	if name == "." || name == ".." {
		return ""
	}
	return name
}

// truncate enforces maxFilenameBytes, preserving the extension and
// marking truncation with a trailing tilde, per spec §4.5.1.
func truncate(name string) string {
	if len(name) <= maxFilenameBytes {
		return name
	}
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	// Reserve one byte for the tilde marker.
	keep := maxFilenameBytes - len(ext) - 1
	if keep < 0 {
		keep = 0
	}
	if keep > len(base) {
		keep = len(base)
	}
	return base[:keep] + "~" + ext
}
