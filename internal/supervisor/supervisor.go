// Package supervisor implements the parent-side Worker Supervisor (C4):
// it owns the child predictor process and the IPC channel endpoints,
// exposes setup/predict/cancel/shutdown, and fans out every event it
// reads to subscribers (spec §4.4).
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/replicate/predictor-runtime/internal/ipc"
	"github.com/replicate/predictor-runtime/internal/logging"
	"github.com/replicate/predictor-runtime/internal/worker"
)

// State is the supervisor's view of the child (spec §3 "Worker State").
type State string

const (
	StateNew        State = "new"
	StateStarting   State = "starting"
	StateReady      State = "ready"
	StateProcessing State = "processing"
	StateDefunct    State = "defunct"
)

var (
	// ErrWrongState is raised when a public operation is called from a
	// state that doesn't permit it (spec §7 "Invalid-state error").
	ErrWrongState = errors.New("supervisor: operation not legal in current state")
	// ErrDefunct is the fatal error surfaced once the child has died or
	// the IPC stream ended unexpectedly (spec §4.4 failure semantics).
	ErrDefunct = errors.New("supervisor: worker is defunct")
)

// Command describes how to launch the child process.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// Subscriber receives a copy of every event dispatched while subscribed.
// Implementations MUST NOT block (spec §4.4).
type Subscriber func(ipc.Event)

// Supervisor drives one child predictor process for the lifetime of a
// predictor instance; per spec §4.4 it is single-use — once DEFUNCT a
// fresh Supervisor must be constructed.
type Supervisor struct {
	command Command
	log     *logging.SugaredLogger

	mu    sync.Mutex
	state State
	cmd   *exec.Cmd
	ch    *ipc.Channel

	subsMu sync.Mutex
	subs   map[int]Subscriber
	nextID int

	predictMu  sync.Mutex // serializes predict() calls (the Runner already does this; this is a belt-and-suspenders guard)
	readerDone chan struct{}
	waiterMu   sync.Mutex
	waiter     chan ipc.Event // set while a predict() call is awaiting its Done

	cancelOnce sync.Map // predictionID -> struct{}, at-most-once cancel delivery

	spawn func(context.Context, Command) (*exec.Cmd, *ipc.Channel, error)

	heartbeatInterval time.Duration
}

// defaultHeartbeatInterval is the default idle-polling granularity (spec §5:
// "no coarser than 100ms, to allow responsive heartbeats and
// shutdown"). Comfortably under the bound so a slow tick never reads
// as a stall.
const defaultHeartbeatInterval = 50 * time.Millisecond

func New(command Command, log *logging.SugaredLogger) *Supervisor {
	return &Supervisor{
		command:           command,
		log:               log,
		state:             StateNew,
		subs:              make(map[int]Subscriber),
		spawn:             spawn,
		heartbeatInterval: defaultHeartbeatInterval,
	}
}

// WithSpawnFunc overrides how the child process and its IPC channel are
// constructed. Production callers never need this; it exists so tests
// of packages built on top of Supervisor (e.g. internal/runner) can
// attach an in-process pipe pair instead of exec'ing a real binary.
func (s *Supervisor) WithSpawnFunc(fn func(context.Context, Command) (*exec.Cmd, *ipc.Channel, error)) *Supervisor {
	s.spawn = fn
	return s
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe registers fn to receive every future dispatched event,
// returning an id for Unsubscribe.
func (s *Supervisor) Subscribe(fn Subscriber) int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	return id
}

func (s *Supervisor) Unsubscribe(id int) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs, id)
}

func (s *Supervisor) dispatch(evt ipc.Event) {
	s.subsMu.Lock()
	fns := make([]Subscriber, 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subsMu.Unlock()
	for _, fn := range fns {
		fn(evt)
	}
}

// Setup spawns the child, waits for its setup Done, and transitions to
// READY (or DEFUNCT on fatal failure). Legal only from NEW.
func (s *Supervisor) Setup(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateNew {
		s.mu.Unlock()
		return ErrWrongState
	}
	s.state = StateStarting
	s.mu.Unlock()

	cmd, ch, err := s.spawn(ctx, s.command)
	if err != nil {
		s.fail()
		return fmt.Errorf("supervisor: spawn child: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.ch = ch
	s.mu.Unlock()

	s.readerDone = make(chan struct{})
	go s.readLoop()
	go s.heartbeatLoop()

	evt, err := s.awaitDone()
	if err != nil {
		s.fail()
		return fmt.Errorf("%w: setup: %v", ErrDefunct, err)
	}
	if evt.Error {
		s.fail()
		return fmt.Errorf("%w: setup failed: %s", ErrDefunct, evt.ErrorDetail)
	}

	s.mu.Lock()
	s.state = StateReady
	s.mu.Unlock()
	return nil
}

// Predict sends one PredictionInput and blocks until the matching Done,
// dispatching every intervening event to subscribers as it arrives.
// Legal only from READY.
func (s *Supervisor) Predict(ctx context.Context, payload map[string]any) (ipc.Event, error) {
	s.predictMu.Lock()
	defer s.predictMu.Unlock()

	s.mu.Lock()
	if s.state != StateReady {
		s.mu.Unlock()
		return ipc.Event{}, ErrWrongState
	}
	s.state = StateProcessing
	ch := s.ch
	s.mu.Unlock()

	evt, err := ipc.PredictionInputEvent(payload)
	if err != nil {
		s.revertToReady()
		return ipc.Event{}, fmt.Errorf("supervisor: encode input: %w", err)
	}
	if err := ch.Send(evt); err != nil {
		s.fail()
		return ipc.Event{}, fmt.Errorf("%w: send prediction input: %v", ErrDefunct, err)
	}

	done, err := s.awaitDone()
	if err != nil {
		s.fail()
		return ipc.Event{}, fmt.Errorf("%w: predict: %v", ErrDefunct, err)
	}
	s.revertToReady()
	return done, nil
}

func (s *Supervisor) revertToReady() {
	s.mu.Lock()
	if s.state == StateProcessing {
		s.state = StateReady
	}
	s.mu.Unlock()
}

// Cancel delivers the cancellation signal to the child, at most once per
// predictionID. A no-op if the child is not alive. Non-blocking.
func (s *Supervisor) Cancel(predictionID string) {
	if _, already := s.cancelOnce.LoadOrStore(predictionID, struct{}{}); already {
		return
	}
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(worker.CancelSignal); err != nil {
		s.log.Debugw("cancel signal delivery failed", "prediction_id", predictionID, "error", err)
	}
}

// Shutdown requests graceful termination: sends Shutdown, waits up to
// timeout for the child to exit, then closes the channel.
func (s *Supervisor) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	ch := s.ch
	cmd := s.cmd
	state := s.state
	s.mu.Unlock()
	if state == StateDefunct || ch == nil {
		return nil
	}

	_ = ch.Send(ipc.ShutdownEvent()) //nolint:errcheck // best effort; Terminate below is the fallback

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	select {
	case <-waitErr:
	case <-time.After(timeout):
		s.log.Warnw("child did not exit before shutdown timeout, terminating", "timeout", timeout)
		s.Terminate()
		return nil
	}

	s.mu.Lock()
	s.state = StateDefunct
	s.mu.Unlock()
	_ = ch.Close()
	return nil
}

// Terminate forcibly kills the child and transitions to DEFUNCT.
func (s *Supervisor) Terminate() {
	s.mu.Lock()
	cmd := s.cmd
	ch := s.ch
	s.state = StateDefunct
	s.mu.Unlock()
	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	if ch != nil {
		_ = ch.Close()
	}
}

func (s *Supervisor) fail() {
	s.mu.Lock()
	s.state = StateDefunct
	s.mu.Unlock()
}

// awaitDone blocks until the reader loop observes a Done event (or the
// reader loop exits with an error first), dispatching every
// intermediate event to subscribers via the reader loop itself.
func (s *Supervisor) awaitDone() (ipc.Event, error) {
	w := make(chan ipc.Event, 1)
	s.waiterMu.Lock()
	s.waiter = w
	s.waiterMu.Unlock()
	defer func() {
		s.waiterMu.Lock()
		s.waiter = nil
		s.waiterMu.Unlock()
	}()

	select {
	case evt := <-w:
		return evt, nil
	case <-s.readerDone:
		return ipc.Event{}, io.ErrUnexpectedEOF
	}
}

func (s *Supervisor) readLoop() {
	defer close(s.readerDone)
	for {
		s.mu.Lock()
		ch := s.ch
		s.mu.Unlock()
		evt, err := ch.Recv()
		if err != nil {
			return
		}
		s.dispatch(evt)
		if evt.Tag == ipc.TagDone {
			s.waiterMu.Lock()
			w := s.waiter
			s.waiterMu.Unlock()
			if w != nil {
				w <- evt
			}
		}
	}
}

// heartbeatLoop synthesizes and dispatches a Heartbeat event on every
// tick (spec §3: "Heartbeat... synthesized by the supervisor during
// idle polling"), independent of the blocking readLoop so subscribers
// keep observing liveness at a bounded granularity even while readLoop
// sits inside a single Recv() call. Exits once the child's IPC stream
// ends.
func (s *Supervisor) heartbeatLoop() {
	ticker := time.NewTicker(s.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.dispatch(ipc.HeartbeatEvent())
		case <-s.readerDone:
			return
		}
	}
}

// spawn launches the child with two pipe pairs passed as fd 3 (parent->
// child commands) and fd 4 (child->parent events), matching what
// cmd/cog-worker's main() wires up on the child side.
func spawn(ctx context.Context, command Command) (*exec.Cmd, *ipc.Channel, error) {
	cmdR, cmdW, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}
	evtR, evtW, err := os.Pipe()
	if err != nil {
		return nil, nil, err
	}

	cmd := exec.CommandContext(ctx, command.Path, command.Args...)
	cmd.Env = command.Env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{cmdR, evtW}

	if err := cmd.Start(); err != nil {
		cmdR.Close()
		cmdW.Close()
		evtR.Close()
		evtW.Close()
		return nil, nil, err
	}
	// The parent only needs its own ends; the child's fd3/fd4 dups live
	// on past these closes because ExtraFiles duplicated them into the
	// child's fd table.
	cmdR.Close()
	evtW.Close()

	return cmd, ipc.New(cmdW, evtR), nil
}
