package worker

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/vincent-petithory/dataurl"
)

const inputFileFetchTimeout = 30 * time.Second

// resolveInputFiles walks schema's top-level properties and, for every
// `format: "uri"` field present in payload as a string, fetches it to a
// local temp file and replaces the field with that file's path. http(s)
// URLs are downloaded; data: URIs are decoded in place. A schema of nil
// is a no-op, matching predictors with no file-typed inputs.
func resolveInputFiles(schema *openapi3.Schema, payload map[string]any) (cleanup func(), err error) {
	var tempPaths []string
	cleanup = func() {
		for _, p := range tempPaths {
			_ = os.Remove(p) //nolint:errcheck // best-effort cleanup of our own temp files
		}
	}

	if schema == nil {
		return cleanup, nil
	}

	for name, ref := range schema.Properties {
		if ref == nil || ref.Value == nil || ref.Value.Format != "uri" {
			continue
		}
		raw, ok := payload[name].(string)
		if !ok || raw == "" {
			continue
		}

		path, ferr := fetchToTempFile(raw)
		if ferr != nil {
			cleanup()
			return func() {}, fmt.Errorf("resolve input file %q: %w", name, ferr)
		}
		tempPaths = append(tempPaths, path)
		payload[name] = path
	}

	return cleanup, nil
}

func fetchToTempFile(uri string) (string, error) {
	f, err := os.CreateTemp("", "cog-input-*")
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck // closed explicitly below on the success path too; double-close is a no-op error we discard

	switch {
	case strings.HasPrefix(uri, "data:"):
		decoded, derr := dataurl.DecodeString(uri)
		if derr != nil {
			return "", derr
		}
		if _, werr := f.Write(decoded.Data); werr != nil {
			return "", werr
		}
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		client := &http.Client{Timeout: inputFileFetchTimeout}
		resp, herr := client.Get(uri) //nolint:gosec,noctx // uri comes from the request body, bounded by inputFileFetchTimeout
		if herr != nil {
			return "", herr
		}
		defer resp.Body.Close() //nolint:errcheck // read-only response body
		if resp.StatusCode != http.StatusOK {
			return "", fmt.Errorf("fetch %s: status %d", uri, resp.StatusCode)
		}
		if _, werr := io.Copy(f, resp.Body); werr != nil {
			return "", werr
		}
	default:
		// Treat anything else as an already-local path; pass it through
		// unchanged rather than copying it.
		_ = os.Remove(f.Name()) //nolint:errcheck // discard the unused temp file
		return uri, nil
	}

	return f.Name(), nil
}
