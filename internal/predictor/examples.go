package predictor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
)

// Echo implements the spec §8 scenario 1: returns "hello " + input text.
var Echo Predictor = Func(func(_ context.Context, input map[string]any) (any, error) {
	text, _ := input["text"].(string)
	return "hello " + text, nil
})

// Counter implements the spec §8 scenario 2: yields 0..n-1 given
// {"upto": n} as a streaming (multi) output.
type Counter struct{}

func (Counter) Setup(context.Context, string) error { return nil }

func (Counter) Predict(ctx context.Context, input map[string]any) (any, <-chan any, error) {
	upto, _ := input["upto"].(float64)
	ch := make(chan any)
	go func() {
		defer close(ch)
		for i := 0; i < int(upto); i++ {
			select {
			case <-ctx.Done():
				return
			case ch <- i:
			}
		}
	}()
	return nil, ch, nil
}

// Sleeper implements the spec §8 scenario 3: sleeps for the requested
// duration, observing cancellation.
type Sleeper struct{}

func (Sleeper) Setup(context.Context, string) error { return nil }

func (Sleeper) Predict(ctx context.Context, input map[string]any) (any, <-chan any, error) {
	secs, _ := input["seconds"].(float64)
	if secs == 0 {
		secs = 1
	}
	select {
	case <-time.After(time.Duration(secs * float64(time.Second))):
		return "done sleeping", nil, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}

// FileSize declares a file-typed "image" input and reports its size,
// exercising the worker's schema-driven input file resolution.
type FileSize struct{}

func (FileSize) Setup(context.Context, string) error { return nil }

func (FileSize) InputSchema() *openapi3.Schema {
	return &openapi3.Schema{
		Properties: openapi3.Schemas{
			"image": &openapi3.SchemaRef{
				Value: &openapi3.Schema{Format: "uri"},
			},
		},
	}
}

func (FileSize) Predict(_ context.Context, input map[string]any) (any, <-chan any, error) {
	path, _ := input["image"].(string)
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("stat resolved input file: %w", err)
	}
	return fmt.Sprintf("%d bytes", info.Size()), nil, nil
}

// Failing always raises, for exercising the user-prediction-failure path.
var Failing Predictor = Func(func(context.Context, map[string]any) (any, error) {
	return nil, fmt.Errorf("boom")
})
