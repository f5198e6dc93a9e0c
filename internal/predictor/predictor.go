// Package predictor defines the external contract for user-authored
// compute functions hosted by the child worker. The predictor's own
// implementation is out of scope (spec §1); this package only models
// the interface the worker drives and ships a few reference
// implementations used by tests and local development.
package predictor

import (
	"context"

	"github.com/getkin/kin-openapi/openapi3"
)

// Predictor is the contract the child worker (internal/worker) drives.
// Setup runs once. Predict runs once per request; a non-nil stream means
// the predictor yields a lazy sequence (OutputType.multi = true) and the
// worker drains it until the channel closes. A predictor signals
// cancellation by observing ctx.Done() and returning ctx.Err().
type Predictor interface {
	Setup(ctx context.Context, weights string) error
	Predict(ctx context.Context, input map[string]any) (output any, stream <-chan any, err error)
}

// SchemaProvider is implemented by predictors that declare an input
// schema, letting the worker resolve `format: "uri"` string fields to
// local file paths before Predict runs (mirroring the teacher's
// path-handling step, generalized from a hardcoded Path/File-type check
// to a schema-driven one). Predictors with no file-typed inputs don't
// need to implement this.
type SchemaProvider interface {
	InputSchema() *openapi3.Schema
}

// Func adapts a plain function into a Predictor with a no-op Setup, for
// the common case of a single-output predictor with no setup phase.
type Func func(ctx context.Context, input map[string]any) (any, error)

func (f Func) Setup(context.Context, string) error { return nil }

func (f Func) Predict(ctx context.Context, input map[string]any) (any, <-chan any, error) {
	out, err := f(ctx, input)
	return out, nil, err
}
