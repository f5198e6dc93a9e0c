package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replicate/predictor-runtime/internal/config"
	"github.com/replicate/predictor-runtime/internal/ipc"
	"github.com/replicate/predictor-runtime/internal/logging"
	"github.com/replicate/predictor-runtime/internal/runner"
	"github.com/replicate/predictor-runtime/internal/supervisor"
	"github.com/replicate/predictor-runtime/internal/webhook"
)

func newTestSurface(t *testing.T) (*Surface, *ipc.Channel) {
	t.Helper()
	sideAR, sideBW := io.Pipe()
	sideBR, sideAW := io.Pipe()
	child := ipc.New(sideBW, sideBR)
	parent := ipc.New(sideAW, sideAR)

	sup := supervisor.New(supervisor.Command{}, logging.New("httpapi-test").Sugar())
	sup.WithSpawnFunc(func(context.Context, supervisor.Command) (*exec.Cmd, *ipc.Channel, error) {
		return nil, parent, nil
	})

	go func() {
		_ = child.Send(ipc.DoneEvent(false, false, "", nil))
	}()

	r := runner.New(sup, webhook.Config{ThrottleInterval: 0}, "", 0, logging.New("httpapi-test").Sugar())
	require.NoError(t, r.Setup(context.Background()))

	cfg := config.FromEnv()
	return New(r, cfg, logging.New("httpapi-test").Sugar()), child
}

func TestRootIsOK(t *testing.T) {
	s, _ := newTestSurface(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestHealthCheckReportsReady(t *testing.T) {
	s, _ := newTestSurface(t)
	req := httptest.NewRequest(http.MethodGet, "/health-check", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var doc healthDoc
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	require.Equal(t, "READY", doc.Status)
	require.Equal(t, "succeeded", doc.Setup.Status)
}

func TestCreatePredictionSync(t *testing.T) {
	s, child := newTestSurface(t)

	go func() {
		in, err := child.Recv()
		require.NoError(t, err)
		require.Equal(t, ipc.TagPredictionInput, in.Tag)
		require.NoError(t, child.Send(ipc.OutputTypeEvent(false)))
		out, err := ipc.OutputEvent("hello baz")
		require.NoError(t, err)
		require.NoError(t, child.Send(out))
		require.NoError(t, child.Send(ipc.DoneEvent(false, false, "", nil)))
	}()

	body := []byte(`{"input":{"text":"baz"}}`)
	req := httptest.NewRequest(http.MethodPost, "/predictions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp predictionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "hello baz", resp.Output)
}

func TestCancelUnknownIDReturns404(t *testing.T) {
	s, _ := newTestSurface(t)
	req := httptest.NewRequest(http.MethodPost, "/predictions/nope/cancel", nil)
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestPutConflictOnDifferentID(t *testing.T) {
	s, child := newTestSurface(t)
	go func() {
		_, _ = child.Recv()
		time.Sleep(50 * time.Millisecond)
		_ = child.Send(ipc.OutputTypeEvent(false))
	}()

	req1 := httptest.NewRequest(http.MethodPut, "/predictions/first", bytes.NewReader([]byte(`{}`)))
	req1.Header.Set("Prefer", "respond-async")
	w1 := httptest.NewRecorder()
	s.ServeHTTP(w1, req1)
	require.Equal(t, http.StatusAccepted, w1.Code)

	req2 := httptest.NewRequest(http.MethodPut, "/predictions/second", bytes.NewReader([]byte(`{}`)))
	w2 := httptest.NewRecorder()
	s.ServeHTTP(w2, req2)
	require.Equal(t, http.StatusConflict, w2.Code)
}

