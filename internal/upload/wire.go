package upload

import "encoding/json"

// fileMarkerKey tags a File's JSON wire form so the parent-side output
// walker (internal/handler) can recognize a file leaf inside an
// otherwise plain JSON value without a schema to consult — the child
// process controls this encoding directly, since it's the one
// constructing *File values from predictor output.
const fileMarkerKey = "__cog_file__"

type wireFile struct {
	Marker      bool   `json:"__cog_file__"`
	Bytes       []byte `json:"bytes,omitempty"`
	Path        string `json:"path,omitempty"`
	SourceURL   string `json:"source_url,omitempty"`
	Filename    string `json:"filename,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

func (f *File) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireFile{
		Marker:      true,
		Bytes:       f.Bytes,
		Path:        f.Path,
		SourceURL:   f.SourceURL,
		Filename:    f.Filename,
		ContentType: f.ContentType,
	})
}

func (f *File) UnmarshalJSON(data []byte) error {
	var w wireFile
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	f.Bytes = w.Bytes
	f.Path = w.Path
	f.SourceURL = w.SourceURL
	f.Filename = w.Filename
	f.ContentType = w.ContentType
	return nil
}

// IsFileMarker reports whether a decoded JSON object (map[string]any,
// the shape a generic json.Unmarshal into `any` produces) is a File's
// wire form.
func IsFileMarker(m map[string]any) bool {
	v, ok := m[fileMarkerKey]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

// FromMarker reconstructs a *File from a decoded marker map.
func FromMarker(m map[string]any) *File {
	f := &File{}
	if s, ok := m["path"].(string); ok {
		f.Path = s
	}
	if s, ok := m["source_url"].(string); ok {
		f.SourceURL = s
	}
	if s, ok := m["filename"].(string); ok {
		f.Filename = s
	}
	if s, ok := m["content_type"].(string); ok {
		f.ContentType = s
	}
	if s, ok := m["bytes"].(string); ok {
		f.Bytes = decodeBase64(s)
	}
	return f
}
