package runner

import (
	"context"
	"io"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replicate/predictor-runtime/internal/apierr"
	"github.com/replicate/predictor-runtime/internal/ipc"
	"github.com/replicate/predictor-runtime/internal/logging"
	"github.com/replicate/predictor-runtime/internal/supervisor"
	"github.com/replicate/predictor-runtime/internal/webhook"
)

// childSim plays the role of the child process on the other end of the
// pipes, driven manually per test.
type childSim struct {
	ch *ipc.Channel
}

func newRunnerUnderTest(t *testing.T) (*Runner, *childSim) {
	t.Helper()
	return newRunnerUnderTestWithTimeout(t, 0)
}

func newRunnerUnderTestWithTimeout(t *testing.T, predictTimeout time.Duration) (*Runner, *childSim) {
	t.Helper()
	sideAR, sideBW := io.Pipe()
	sideBR, sideAW := io.Pipe()

	sup := supervisor.New(supervisor.Command{}, logging.New("runner-test").Sugar())
	child := &childSim{ch: ipc.New(sideBW, sideBR)}

	r := New(sup, webhook.Config{ThrottleInterval: 0}, "", predictTimeout, logging.New("runner-test").Sugar())

	parentCh := ipc.New(sideAW, sideAR)
	sup.WithSpawnFunc(func(context.Context, supervisor.Command) (*exec.Cmd, *ipc.Channel, error) {
		return nil, parentCh, nil
	})

	// Like the real worker, the simulated child reports setup Done
	// without waiting for any message from the parent.
	go func() {
		_ = child.ch.Send(ipc.DoneEvent(false, false, "", nil))
	}()

	require.NoError(t, r.Setup(context.Background()))
	require.Equal(t, HealthReady, r.Health())
	return r, child
}

func TestRunnerPredictEchoSucceeds(t *testing.T) {
	r, child := newRunnerUnderTest(t)

	go func() {
		in, err := child.ch.Recv()
		require.NoError(t, err)
		require.Equal(t, ipc.TagPredictionInput, in.Tag)
		require.NoError(t, child.ch.Send(ipc.OutputTypeEvent(false)))
		out, err := ipc.OutputEvent("hello baz")
		require.NoError(t, err)
		require.NoError(t, child.ch.Send(out))
		require.NoError(t, child.ch.Send(ipc.DoneEvent(false, false, "", nil)))
	}()

	p, handle, err := r.Predict(context.Background(), Request{ID: "abc", Input: []byte(`{"text":"baz"}`)})
	require.NoError(t, err)
	select {
	case <-handle.Done:
	case <-time.After(2 * time.Second):
		t.Fatal("prediction did not complete")
	}
	require.Equal(t, "hello baz", p.Output)
	require.False(t, r.IsBusy())
}

func TestRunnerPredictConflictOnDifferentID(t *testing.T) {
	r, child := newRunnerUnderTest(t)

	go func() {
		_, _ = child.ch.Recv()
		time.Sleep(50 * time.Millisecond)
		_ = child.ch.Send(ipc.OutputTypeEvent(false))
	}()

	_, _, err := r.Predict(context.Background(), Request{ID: "first"})
	require.NoError(t, err)

	_, _, err = r.Predict(context.Background(), Request{ID: "second"})
	require.ErrorIs(t, err, apierr.ErrConflict)
}

func TestRunnerPredictIdempotentSameID(t *testing.T) {
	r, child := newRunnerUnderTest(t)
	go func() {
		_, _ = child.ch.Recv()
		time.Sleep(100 * time.Millisecond)
		_ = child.ch.Send(ipc.OutputTypeEvent(false))
		out, _ := ipc.OutputEvent(nil)
		_ = child.ch.Send(out)
		_ = child.ch.Send(ipc.DoneEvent(false, false, "", nil))
	}()

	p1, _, err := r.Predict(context.Background(), Request{ID: "dup"})
	require.NoError(t, err)
	p2, _, err := r.Predict(context.Background(), Request{ID: "dup"})
	require.NoError(t, err)
	require.Same(t, p1, p2)
}

func TestRunnerCancelNotFoundWhenNoCurrentPrediction(t *testing.T) {
	r, _ := newRunnerUnderTest(t)
	require.ErrorIs(t, r.Cancel("nope"), apierr.ErrNotFound)
}

// TestRunnerPredictTimeoutSurfacesExactError exercises spec §7's exact
// surfaced error string once PredictTimeout elapses, and asserts the
// timeout's FailWithError wins the race against whatever Done event
// the child eventually sends (prediction.Complete's set-once
// invariant), per spec §5.
func TestRunnerPredictTimeoutSurfacesExactError(t *testing.T) {
	r, child := newRunnerUnderTestWithTimeout(t, 20*time.Millisecond)

	go func() {
		_, err := child.ch.Recv()
		require.NoError(t, err)
		time.Sleep(100 * time.Millisecond)
		_ = child.ch.Send(ipc.OutputTypeEvent(false))
		out, _ := ipc.OutputEvent("too late")
		_ = child.ch.Send(out)
		_ = child.ch.Send(ipc.DoneEvent(false, false, "", nil))
	}()

	p, handle, err := r.Predict(context.Background(), Request{ID: "slow"})
	require.NoError(t, err)
	select {
	case <-handle.Done:
	case <-time.After(2 * time.Second):
		t.Fatal("prediction did not complete")
	}
	snap := p.Snapshot()
	require.Equal(t, "Prediction timed out", snap.Error)
}
