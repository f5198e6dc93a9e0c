// Package worker implements the child process's state machine (C3):
// import/setup once, then a predict loop that drains exactly one
// OutputType, zero-or-more Output, and one Done event per request over
// the IPC channel (spec §4.3).
package worker

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/replicate/predictor-runtime/internal/ipc"
	"github.com/replicate/predictor-runtime/internal/logging"
	"github.com/replicate/predictor-runtime/internal/logintercept"
	"github.com/replicate/predictor-runtime/internal/predictor"
)

// CancelSignal is the pre-agreed asynchronous signal the parent sends to
// interrupt an in-flight prediction (spec §4.3's "Cancellation
// mechanism"). SIGUSR1 is free for application use and, unlike SIGINT/
// SIGTERM, carries no other meaning to the Go runtime.
const CancelSignal = syscall.SIGUSR1

// Worker drives a predictor.Predictor from the child process side of the
// IPC channel.
type Worker struct {
	ch   *ipc.Channel
	pred predictor.Predictor
	log  *logging.SugaredLogger

	stdout *logintercept.Interceptor
	stderr *logintercept.Interceptor
	// sentinel writers: the other end of the pipes whose read ends feed
	// stdout/stderr, used to request a drain.
	stdoutW, stderrW *os.File

	mu         sync.Mutex
	predicting bool
}

func New(ch *ipc.Channel, pred predictor.Predictor, log *logging.SugaredLogger, stdout, stderr *logintercept.Interceptor, stdoutW, stderrW *os.File) *Worker {
	return &Worker{
		ch:      ch,
		pred:    pred,
		log:     log,
		stdout:  stdout,
		stderr:  stderr,
		stdoutW: stdoutW,
		stderrW: stderrW,
	}
}

func (w *Worker) drain() {
	doneOut := logintercept.WriteSentinel(w.stdoutW)
	doneErr := logintercept.WriteSentinel(w.stderrW)
	w.stdout.Drain(doneOut)
	w.stderr.Drain(doneErr)
}

// Run executes IMPORTING (implicit — the caller has already constructed
// pred by the time Run is called) through SETTING_UP, then services
// PredictionInput/Cancel/Shutdown until Shutdown or a Recv error ends the
// loop. weights is COG_WEIGHTS, captured once by the caller per spec
// §9's "don't re-read env at request time" rule.
func (w *Worker) Run(ctx context.Context, weights string) error {
	if err := w.setup(ctx, weights); err != nil {
		return err
	}

	for {
		evt, err := w.ch.Recv()
		if err != nil {
			return err
		}
		switch evt.Tag {
		case ipc.TagPredictionInput:
			w.predict(ctx, evt)
		case ipc.TagCancel:
			// Delivered while WAITING: no prediction is active, so this
			// is silently dropped per spec §5 ("if ... the signal
			// arrives after completion, it is silently dropped").
			w.log.Debugw("cancel received outside prediction, ignoring")
		case ipc.TagShutdown:
			w.drain()
			return nil
		default:
			w.log.Debugw("unexpected event in WAITING state", "tag", evt.Tag)
		}
	}
}

func (w *Worker) setup(ctx context.Context, weights string) error {
	err := w.pred.Setup(ctx, weights)
	w.drain()
	var done ipc.Event
	if err != nil {
		done = ipc.DoneEvent(false, true, err.Error(), nil)
	} else {
		done = ipc.DoneEvent(false, false, "", nil)
	}
	if sendErr := w.ch.Send(done); sendErr != nil {
		return sendErr
	}
	if err != nil {
		return err
	}
	return nil
}

func (w *Worker) predict(parent context.Context, input ipc.Event) {
	w.mu.Lock()
	w.predicting = true
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, CancelSignal)
	canceled := make(chan struct{})
	stopWatch := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			close(canceled)
			cancel()
		case <-stopWatch:
		}
	}()

	defer func() {
		close(stopWatch)
		signal.Stop(sigCh)
		cancel()
		w.mu.Lock()
		w.predicting = false
		w.mu.Unlock()
	}()

	var payload map[string]any
	if err := unmarshalPayload(input.Payload, &payload); err != nil {
		_ = w.ch.Send(ipc.OutputTypeEvent(false)) //nolint:errcheck // see sendDone
		w.sendDone(false, true, err.Error(), nil)
		return
	}

	if provider, ok := w.pred.(predictor.SchemaProvider); ok {
		cleanupFiles, ferr := resolveInputFiles(provider.InputSchema(), payload)
		if ferr != nil {
			_ = w.ch.Send(ipc.OutputTypeEvent(false)) //nolint:errcheck // see sendDone
			w.sendDone(false, true, ferr.Error(), nil)
			return
		}
		defer cleanupFiles()
	}

	predictStart := time.Now()
	out, stream, err := w.pred.Predict(ctx, payload)
	metrics := map[string]any{"predict_time": time.Since(predictStart).Seconds()}

	wasCanceled := func() bool {
		select {
		case <-canceled:
			return true
		default:
			return false
		}
	}

	// P4's fixed event order holds for every outcome: exactly one
	// OutputType, then zero-or-more Output, then one Done — even when
	// the predictor fails synchronously with no stream at all.
	multi := stream != nil
	if sendErr := w.ch.Send(ipc.OutputTypeEvent(multi)); sendErr != nil {
		return
	}

	if stream != nil {
		for v := range stream {
			evt, encErr := ipc.OutputEvent(v)
			if encErr != nil {
				continue
			}
			if sendErr := w.ch.Send(evt); sendErr != nil {
				return
			}
		}
	} else if err == nil {
		evt, encErr := ipc.OutputEvent(out)
		if encErr == nil {
			if sendErr := w.ch.Send(evt); sendErr != nil {
				return
			}
		}
	}

	switch {
	case err != nil && wasCanceled():
		w.sendDone(true, false, "", metrics)
	case err != nil:
		w.sendDone(false, true, err.Error(), metrics)
	default:
		w.sendDone(false, false, "", metrics)
	}
}

func (w *Worker) sendDone(canceled, isErr bool, detail string, metrics map[string]any) {
	w.drain()
	_ = w.ch.Send(ipc.DoneEvent(canceled, isErr, detail, metrics)) //nolint:errcheck // IPC send failure here means the parent is already gone; Run's next Recv will surface it
}
