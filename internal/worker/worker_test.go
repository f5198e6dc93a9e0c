package worker

import (
	"context"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replicate/predictor-runtime/internal/ipc"
	"github.com/replicate/predictor-runtime/internal/logging"
	"github.com/replicate/predictor-runtime/internal/logintercept"
	"github.com/replicate/predictor-runtime/internal/predictor"
)

// newTestWorker wires up a Worker exactly as the real child process would:
// an in-process pipe standing in for the parent<->child IPC link, and
// os.Pipe()s standing in for stdout/stderr so the log interceptors have
// a real *os.File to write sentinels to.
func newTestWorker(t *testing.T, pred predictor.Predictor) (*Worker, *ipc.Channel) {
	t.Helper()
	parentR, childW := io.Pipe()
	childR, parentW := io.Pipe()
	parentCh := ipc.New(parentW, parentR)
	childCh := ipc.New(childW, childR)

	outR, outW, err := os.Pipe()
	require.NoError(t, err)
	errR, errW, err := os.Pipe()
	require.NoError(t, err)

	stdout := logintercept.New(outR, func(string) {}, nil)
	stderr := logintercept.New(errR, func(string) {}, nil)

	log := logging.New("worker-test").Sugar()
	w := New(childCh, pred, log, stdout, stderr, outW, errW)
	t.Cleanup(func() {
		outW.Close()
		errW.Close()
	})
	return w, parentCh
}

func TestWorkerSetupThenEcho(t *testing.T) {
	w, parent := newTestWorker(t, predictor.Echo)

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background(), "") }()

	setupDone, err := parent.Recv()
	require.NoError(t, err)
	require.Equal(t, ipc.TagDone, setupDone.Tag)
	require.False(t, setupDone.Error)

	inputEvt, err := ipc.PredictionInputEvent(map[string]any{"text": "baz"})
	require.NoError(t, err)
	require.NoError(t, parent.Send(inputEvt))

	outType, err := parent.Recv()
	require.NoError(t, err)
	require.Equal(t, ipc.TagOutputType, outType.Tag)
	require.False(t, outType.Multi)

	out, err := parent.Recv()
	require.NoError(t, err)
	require.Equal(t, ipc.TagOutput, out.Tag)
	require.JSONEq(t, `"hello baz"`, string(out.Payload))

	predDone, err := parent.Recv()
	require.NoError(t, err)
	require.Equal(t, ipc.TagDone, predDone.Tag)
	require.False(t, predDone.Error)
	require.False(t, predDone.Canceled)

	require.NoError(t, parent.Send(ipc.ShutdownEvent()))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not shut down")
	}
}

func TestWorkerStreamingCount(t *testing.T) {
	w, parent := newTestWorker(t, predictor.Counter{})
	go func() { _ = w.Run(context.Background(), "") }()

	_, err := parent.Recv() // setup Done
	require.NoError(t, err)

	inputEvt, err := ipc.PredictionInputEvent(map[string]any{"upto": float64(3)})
	require.NoError(t, err)
	require.NoError(t, parent.Send(inputEvt))

	outType, err := parent.Recv()
	require.NoError(t, err)
	require.True(t, outType.Multi)

	var got []string
	for i := 0; i < 3; i++ {
		evt, err := parent.Recv()
		require.NoError(t, err)
		require.Equal(t, ipc.TagOutput, evt.Tag)
		got = append(got, string(evt.Payload))
	}
	require.Equal(t, []string{"0", "1", "2"}, got)

	predDone, err := parent.Recv()
	require.NoError(t, err)
	require.Equal(t, ipc.TagDone, predDone.Tag)
}

type crashingSetup struct{}

func (crashingSetup) Setup(context.Context, string) error { return errBoom }
func (crashingSetup) Predict(context.Context, map[string]any) (any, <-chan any, error) {
	return nil, nil, nil
}

var errBoom = errBoomType{}

type errBoomType struct{}

func (errBoomType) Error() string { return "boom" }

func TestWorkerSetupFailureReportsDoneError(t *testing.T) {
	w, parent := newTestWorker(t, crashingSetup{})
	go func() { _ = w.Run(context.Background(), "") }()
	evt, err := parent.Recv()
	require.NoError(t, err)
	require.Equal(t, ipc.TagDone, evt.Tag)
	require.True(t, evt.Error)
	require.Equal(t, "boom", evt.ErrorDetail)
}

// TestWorkerFailingPredictorStillEmitsOutputType exercises the
// synchronous-failure path (no stream, non-nil err) through predict()
// and asserts P4's fixed event order [OutputType, Output*, Done] still
// holds: a failed predictor still must emit exactly one OutputType
// event before Done, even though it has no output to report.
func TestWorkerFailingPredictorStillEmitsOutputType(t *testing.T) {
	w, parent := newTestWorker(t, predictor.Failing)
	go func() { _ = w.Run(context.Background(), "") }()

	_, err := parent.Recv() // setup Done
	require.NoError(t, err)

	inputEvt, err := ipc.PredictionInputEvent(map[string]any{})
	require.NoError(t, err)
	require.NoError(t, parent.Send(inputEvt))

	outType, err := parent.Recv()
	require.NoError(t, err)
	require.Equal(t, ipc.TagOutputType, outType.Tag)
	require.False(t, outType.Multi)

	predDone, err := parent.Recv()
	require.NoError(t, err)
	require.Equal(t, ipc.TagDone, predDone.Tag)
	require.True(t, predDone.Error)
	require.Equal(t, "boom", predDone.ErrorDetail)
}
