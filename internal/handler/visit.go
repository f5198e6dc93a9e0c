// Package handler implements the Prediction Event Handler (C5): one
// instance per prediction, turning the supervisor's event stream into
// response updates, encoding and uploading file outputs, and driving the
// webhook sender (spec §4.5).
package handler

import (
	"github.com/replicate/predictor-runtime/internal/upload"
)

// Visitor is the typed variant visitor over an output payload's shape,
// replacing the duck-typed walking the source relies on (spec §9).
type Visitor interface {
	Scalar(v any) (any, error)
	Mapping(m map[string]any) (any, error)
	Sequence(s []any) (any, error)
	FileLeaf(f *upload.File) (any, error)
}

// Walk recursively dispatches v to the matching Visitor method,
// rebuilding mappings and sequences from the walked results of their
// elements so a single file leaf deep in a structure can be replaced
// without disturbing its siblings.
func Walk(v any, visitor Visitor) (any, error) {
	switch t := v.(type) {
	case *upload.File:
		return visitor.FileLeaf(t)
	case map[string]any:
		if upload.IsFileMarker(t) {
			return visitor.FileLeaf(upload.FromMarker(t))
		}
		out := make(map[string]any, len(t))
		for k, elem := range t {
			walked, err := Walk(elem, visitor)
			if err != nil {
				return nil, err
			}
			out[k] = walked
		}
		return visitor.Mapping(out)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			walked, err := Walk(elem, visitor)
			if err != nil {
				return nil, err
			}
			out[i] = walked
		}
		return visitor.Sequence(out)
	default:
		return visitor.Scalar(v)
	}
}
