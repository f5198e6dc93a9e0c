// Package runner implements the single-slot Runner (C7): the
// concurrency gate that accepts at most one in-flight prediction and
// dispatches its events to exactly one Event Handler at a time (spec
// §4.7). Multi-slot operation is explicitly out of scope.
package runner

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/replicate/predictor-runtime/internal/apierr"
	"github.com/replicate/predictor-runtime/internal/handler"
	"github.com/replicate/predictor-runtime/internal/logging"
	"github.com/replicate/predictor-runtime/internal/prediction"
	"github.com/replicate/predictor-runtime/internal/supervisor"
	"github.com/replicate/predictor-runtime/internal/upload"
	"github.com/replicate/predictor-runtime/internal/webhook"
)

// Health is the Runner's externally visible status (spec §4.7).
type Health string

const (
	HealthStarting    Health = "STARTING"
	HealthReady       Health = "READY"
	HealthBusy        Health = "BUSY"
	HealthSetupFailed Health = "SETUP_FAILED"
	HealthDefunct     Health = "DEFUNCT"
)

// SetupInfo captures the outcome of the one-time setup phase, surfaced
// by the HTTP health-check endpoint (spec §6.1).
type SetupInfo struct {
	Status      string
	StartedAt   time.Time
	CompletedAt time.Time
	Logs        string
	Error       string
}

// Request is the caller-facing prediction request (spec §6.1).
type Request struct {
	ID      string
	Input   json.RawMessage
	Webhook string
	Events  map[prediction.WebhookEvent]bool
}

type slot struct {
	pred    *prediction.Prediction
	h       *handler.Handler
	started chan struct{}
	done    chan struct{}
}

// terminateGrace bounds how long a timed-out prediction is given to
// wind down after Cancel before the Runner escalates to Terminate
// (spec §5's "cancel, then forcibly terminate after a grace window").
const terminateGrace = 5 * time.Second

// errPredictTimedOut is spec §7's exact required surfaced error
// string for a timed-out prediction.
const errPredictTimedOut = "Prediction timed out"

// Runner is the single-slot gate. It owns one Supervisor and, at any
// instant, at most one Handler.
type Runner struct {
	sup            *supervisor.Supervisor
	webhookCfg     webhook.Config
	uploader       *upload.Client
	uploadPrefix   string
	predictTimeout time.Duration
	log            *logging.SugaredLogger

	mu           sync.Mutex
	health       Health
	setup        SetupInfo
	current      *slot
	shuttingDown bool
}

func New(sup *supervisor.Supervisor, webhookCfg webhook.Config, uploadPrefix string, predictTimeout time.Duration, log *logging.SugaredLogger) *Runner {
	return &Runner{
		sup:            sup,
		webhookCfg:     webhookCfg,
		uploader:       upload.NewClient(),
		uploadPrefix:   uploadPrefix,
		predictTimeout: predictTimeout,
		log:            log,
		health:         HealthStarting,
	}
}

// Setup drives the Supervisor's one-time setup and records the outcome
// for the health-check endpoint.
func (r *Runner) Setup(ctx context.Context) error {
	started := time.Now()
	err := r.sup.Setup(ctx)
	completed := time.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.setup = SetupInfo{StartedAt: started, CompletedAt: completed}
	if err != nil {
		r.setup.Status = "failed"
		r.setup.Error = err.Error()
		r.health = HealthSetupFailed
		return err
	}
	r.setup.Status = "succeeded"
	r.health = HealthReady
	return nil
}

// SetupStatus returns a copy of the recorded setup outcome.
func (r *Runner) SetupStatus() SetupInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.setup
}

// Health returns the runner's current health status.
func (r *Runner) Health() Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.health
}

// Handle is the caller-facing handle returned alongside a Prediction:
// Started closes once started_at is set, Done closes once the
// prediction reaches a terminal status (spec §4.7 "predict(request) ->
// (response, handle)").
type Handle struct {
	Started <-chan struct{}
	Done    <-chan struct{}
}

// Predict starts a new prediction, or, if id matches the currently
// running prediction, returns a handle to it (idempotent PUT
// semantics, spec §6.1/P7). Returns apierr.ErrConflict if the slot is
// occupied by a different id, and apierr.ErrDefunct once unhealthy.
func (r *Runner) Predict(ctx context.Context, req Request) (*prediction.Prediction, Handle, error) {
	r.mu.Lock()
	if r.shuttingDown {
		r.mu.Unlock()
		return nil, Handle{}, apierr.ErrBusy
	}
	if r.health == HealthDefunct {
		r.mu.Unlock()
		return nil, Handle{}, apierr.ErrDefunct
	}
	if r.health == HealthSetupFailed {
		r.mu.Unlock()
		return nil, Handle{}, apierr.ErrSetupFailed
	}
	if r.current != nil {
		if req.ID != "" && r.current.pred.ID == req.ID {
			cur := r.current
			r.mu.Unlock()
			return cur.pred, Handle{Started: cur.started, Done: cur.done}, nil
		}
		r.mu.Unlock()
		return nil, Handle{}, apierr.ErrConflict
	}

	id := req.ID
	if id == "" {
		id = prediction.NewID()
	}
	sender := webhook.New(r.webhookCfg, r.log)
	p := prediction.New(id, req.Input, req.Webhook, req.Events, time.Now())
	h := handler.New(p, sender, r.uploader, r.uploadPrefix, r.log)
	started := make(chan struct{})
	done := make(chan struct{})
	r.current = &slot{pred: p, h: h, started: started, done: done}
	r.health = HealthBusy
	r.mu.Unlock()

	go r.run(ctx, p, h, started, done)

	return p, Handle{Started: started, Done: done}, nil
}

func (r *Runner) run(ctx context.Context, p *prediction.Prediction, h *handler.Handler, started, done chan struct{}) {
	defer close(done)

	subID := r.sup.Subscribe(h.Handle)
	defer r.sup.Unsubscribe(subID)

	p.Start(time.Now())
	close(started)
	h.OfferStart()

	var input map[string]any
	if len(p.Input) > 0 {
		if err := json.Unmarshal(p.Input, &input); err != nil {
			h.FailWithError("invalid input payload")
			r.releaseSlot(false)
			return
		}
	}

	stopTimeout := r.watchTimeout(p.ID, h)
	defer stopTimeout()

	_, err := r.sup.Predict(ctx, input)
	if err != nil {
		r.log.Errorw("prediction failed fatally", "prediction_id", p.ID, "error", err)
		h.Fail()
		r.releaseSlot(true)
		return
	}
	// The Done event that ended sup.Predict was already dispatched to
	// h.Handle by the supervisor's reader loop before Predict returned,
	// so p is already terminal here (possibly already overridden with
	// the timeout error by watchTimeout below, since Complete is
	// set-once and whichever call lands first wins).
	r.releaseSlot(false)
}

// watchTimeout enforces r.predictTimeout (spec §5, exact error text
// spec §7): on expiry it fails the prediction with errPredictTimedOut
// — racing prediction.Complete's set-once invariant against whatever
// Done event the worker eventually sends, so the timeout wins iff it
// fires first — then signals Cancel and escalates to Terminate if the
// worker hasn't wound down within terminateGrace. A zero timeout
// disables the bound entirely. The returned stop func must be called
// once the prediction completes on its own, to avoid a stray Terminate
// racing the next prediction.
func (r *Runner) watchTimeout(predictionID string, h *handler.Handler) func() {
	if r.predictTimeout <= 0 {
		return func() {}
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-time.After(r.predictTimeout):
			r.log.Warnw("prediction timed out", "prediction_id", predictionID, "timeout", r.predictTimeout)
			h.FailWithError(errPredictTimedOut)
			r.sup.Cancel(predictionID)
			select {
			case <-time.After(terminateGrace):
				r.log.Warnw("worker did not wind down after cancel, terminating", "prediction_id", predictionID)
				r.sup.Terminate()
			case <-stop:
			}
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

func (r *Runner) releaseSlot(fatal bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = nil
	if fatal {
		r.health = HealthDefunct
		return
	}
	if r.health != HealthDefunct {
		r.health = HealthReady
	}
}

// Cancel requests cancellation of the prediction with id, iff it is the
// current one.
func (r *Runner) Cancel(id string) error {
	r.mu.Lock()
	cur := r.current
	r.mu.Unlock()
	if cur == nil || cur.pred.ID != id {
		return apierr.ErrNotFound
	}
	r.sup.Cancel(id)
	return nil
}

// IsBusy reports whether a prediction currently occupies the slot.
func (r *Runner) IsBusy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

// CurrentID returns the id of the in-flight prediction, if any.
func (r *Runner) CurrentID() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return "", false
	}
	return r.current.pred.ID, true
}

// Shutdown refuses new predictions, waits for the slot to drain (bounded
// by timeout), then shuts down the Supervisor.
func (r *Runner) Shutdown(timeout time.Duration) {
	r.mu.Lock()
	r.shuttingDown = true
	cur := r.current
	r.mu.Unlock()

	deadline := time.After(timeout)
	if cur != nil {
		select {
		case <-cur.done:
		case <-deadline:
		}
	}
	_ = r.sup.Shutdown(timeout)
}
