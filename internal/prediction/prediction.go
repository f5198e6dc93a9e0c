// Package prediction defines the core data model shared by the runner,
// supervisor, and handler: a Prediction and its lifecycle status (spec §3).
package prediction

import (
	"encoding/json"
	"sync"
	"time"
)

// Status is the lifecycle state of a Prediction.
type Status string

const (
	StatusStarting   Status = "starting"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether s is one of the three terminal statuses.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// WebhookEvent classifies a webhook offer (spec §4.5/§4.6).
type WebhookEvent string

const (
	EventStart     WebhookEvent = "start"
	EventOutput    WebhookEvent = "output"
	EventLogs      WebhookEvent = "logs"
	EventCompleted WebhookEvent = "completed"
)

// AllEvents is the default webhook event filter when a caller doesn't
// restrict which categories it wants.
var AllEvents = map[WebhookEvent]bool{
	EventStart:     true,
	EventOutput:    true,
	EventLogs:      true,
	EventCompleted: true,
}

// Prediction is an identified unit of work (spec §3). All field mutation
// goes through the methods below so the terminal-status and
// set-exactly-once invariants hold regardless of caller.
type Prediction struct {
	mu sync.Mutex

	ID         string          `json:"id"`
	Input      json.RawMessage `json:"input"`
	WebhookURL string          `json:"webhook,omitempty"`
	WebhookEvents map[WebhookEvent]bool `json:"-"`

	Status      Status     `json:"status"`
	Output      any        `json:"output,omitempty"`
	OutputMulti bool        `json:"-"`
	Logs        string      `json:"logs"`
	Error       string      `json:"error,omitempty"`
	Metrics     map[string]any `json:"metrics,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates a fresh STARTING Prediction for id with the given input and
// webhook configuration. now is passed in per spec §9's "capture once,
// don't re-read ambient state" rule — callers pass time.Now().
func New(id string, input json.RawMessage, webhookURL string, events map[WebhookEvent]bool, now time.Time) *Prediction {
	if events == nil {
		events = AllEvents
	}
	return &Prediction{
		ID:            id,
		Input:         input,
		WebhookURL:    webhookURL,
		WebhookEvents: events,
		Status:        StatusStarting,
		CreatedAt:     now,
	}
}

// Start transitions STARTING -> PROCESSING, setting started_at exactly
// once. A no-op if already started (defensive, per the terminal-status
// invariant covering "further field mutations").
func (p *Prediction) Start(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.StartedAt != nil {
		return
	}
	t := now
	p.StartedAt = &t
	p.Status = StatusProcessing
}

// AppendLog appends a line to the log buffer. No-op once terminal.
func (p *Prediction) AppendLog(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Status.Terminal() {
		return
	}
	p.Logs += line + "\n"
}

// InitOutput sets the output shape once OutputType is known: an empty
// list for multi, or left unset (nil) for single.
func (p *Prediction) InitOutput(multi bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Status.Terminal() {
		return
	}
	p.OutputMulti = multi
	if multi {
		p.Output = []any{}
	} else {
		p.Output = nil
	}
}

// AppendOutput appends an already-encoded value when OutputMulti, or
// otherwise sets it as the single output.
func (p *Prediction) AppendOutput(encoded any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Status.Terminal() {
		return
	}
	if p.OutputMulti {
		list, _ := p.Output.([]any)
		p.Output = append(list, encoded)
		return
	}
	p.Output = encoded
}

// Complete transitions to a terminal status computed from the Done
// event's fields (spec §4.5 event processing rules). No-op if already
// terminal — terminal status is set exactly once.
func (p *Prediction) Complete(canceled, isError bool, errorDetail string, metrics map[string]any, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Status.Terminal() {
		return
	}
	switch {
	case canceled:
		p.Status = StatusCanceled
	case isError:
		p.Status = StatusFailed
		p.Error = errorDetail
	default:
		p.Status = StatusSucceeded
	}
	p.Metrics = metrics
	t := now
	p.CompletedAt = &t
}

// Snapshot returns a value-copy of the Prediction state safe to marshal
// or hand to a webhook sender without holding the lock for the duration
// of an HTTP call.
type Snapshot struct {
	ID          string         `json:"id"`
	Input       json.RawMessage `json:"input"`
	WebhookURL  string         `json:"-"`
	Status      Status         `json:"status"`
	Output      any            `json:"output,omitempty"`
	Logs        string         `json:"logs"`
	Error       string         `json:"error,omitempty"`
	Metrics     map[string]any `json:"metrics,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

func (p *Prediction) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot{
		ID:          p.ID,
		Input:       p.Input,
		WebhookURL:  p.WebhookURL,
		Status:      p.Status,
		Output:      p.Output,
		Logs:        p.Logs,
		Error:       p.Error,
		Metrics:     p.Metrics,
		CreatedAt:   p.CreatedAt,
		StartedAt:   p.StartedAt,
		CompletedAt: p.CompletedAt,
	}
}

// WantsEvent reports whether the caller's webhook filter includes cat.
func (p *Prediction) WantsEvent(cat WebhookEvent) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.WebhookURL == "" {
		return false
	}
	return p.WebhookEvents[cat]
}

// IsTerminal reports the current status's terminality under lock.
func (p *Prediction) IsTerminal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Status.Terminal()
}
