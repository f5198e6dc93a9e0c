// Package httpapi is the thin HTTP Surface (C8): it translates HTTP
// verbs into Runner operations and is deliberately unspecified in depth
// (spec §2, §6.1) — no input/output schema validation lives here, that
// belongs to the external type system.
package httpapi

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"

	"github.com/replicate/predictor-runtime/internal/apierr"
	"github.com/replicate/predictor-runtime/internal/config"
	"github.com/replicate/predictor-runtime/internal/logging"
	"github.com/replicate/predictor-runtime/internal/prediction"
	"github.com/replicate/predictor-runtime/internal/runner"
)

// Surface wires a runner.Runner to net/http's method+path ServeMux
// patterns (Go 1.22+), matching the teacher's mux style of thin,
// explicit route registration.
type Surface struct {
	run *runner.Runner
	cfg config.Config
	log *logging.SugaredLogger
	mux *http.ServeMux

	// onKubernetes records whether KUBERNETES_SERVICE_HOST was set when
	// the Surface was built; it is not re-read per request.
	onKubernetes bool
}

func New(run *runner.Runner, cfg config.Config, log *logging.SugaredLogger) *Surface {
	s := &Surface{run: run, cfg: cfg, log: log, mux: http.NewServeMux()}
	s.onKubernetes = os.Getenv("KUBERNETES_SERVICE_HOST") != ""
	s.routes()
	return s
}

func (s *Surface) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Surface) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleRoot)
	s.mux.HandleFunc("GET /health-check", s.handleHealthCheck)
	s.mux.HandleFunc("POST /predictions", s.handleCreate)
	s.mux.HandleFunc("PUT /predictions/{id}", s.handlePut)
	s.mux.HandleFunc("POST /predictions/{id}/cancel", s.handleCancel)
	s.mux.HandleFunc("POST /shutdown", s.handleShutdown)
}

func (s *Surface) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type setupDoc struct {
	Status      string  `json:"status,omitempty"`
	StartedAt   *string `json:"started_at,omitempty"`
	CompletedAt *string `json:"completed_at,omitempty"`
	Logs        string  `json:"logs,omitempty"`
	Error       string  `json:"error,omitempty"`
}

type healthDoc struct {
	Status string    `json:"status"`
	Setup  *setupDoc `json:"setup,omitempty"`
}

func (s *Surface) handleHealthCheck(w http.ResponseWriter, _ *http.Request) {
	health := s.run.Health()
	doc := healthDoc{Status: string(health)}
	if health == runner.HealthReady || health == runner.HealthBusy {
		s.touchReadyFile()
	}

	info := s.run.SetupStatus()
	if info.Status != "" {
		doc.Setup = &setupDoc{
			Status: info.Status,
			Logs:   info.Logs,
			Error:  info.Error,
		}
		started := info.StartedAt.Format(config.TimeFormat)
		completed := info.CompletedAt.Format(config.TimeFormat)
		doc.Setup.StartedAt = &started
		doc.Setup.CompletedAt = &completed
	}
	writeJSON(w, http.StatusOK, doc)
}

type predictionRequest struct {
	Input               json.RawMessage `json:"input"`
	Webhook             string          `json:"webhook,omitempty"`
	WebhookEventsFilter []string        `json:"webhook_events_filter,omitempty"`
}

type predictionResponse struct {
	ID          string            `json:"id"`
	Input       json.RawMessage   `json:"input,omitempty"`
	Status      prediction.Status `json:"status"`
	Output      any               `json:"output,omitempty"`
	Logs        string            `json:"logs"`
	Error       string            `json:"error,omitempty"`
	Metrics     map[string]any    `json:"metrics,omitempty"`
	CreatedAt   string            `json:"created_at"`
	StartedAt   *string           `json:"started_at,omitempty"`
	CompletedAt *string           `json:"completed_at,omitempty"`
}

func toResponse(snap prediction.Snapshot) predictionResponse {
	resp := predictionResponse{
		ID:        snap.ID,
		Input:     snap.Input,
		Status:    snap.Status,
		Output:    snap.Output,
		Logs:      snap.Logs,
		Error:     snap.Error,
		Metrics:   snap.Metrics,
		CreatedAt: snap.CreatedAt.Format(config.TimeFormat),
	}
	if snap.StartedAt != nil {
		v := snap.StartedAt.Format(config.TimeFormat)
		resp.StartedAt = &v
	}
	if snap.CompletedAt != nil {
		v := snap.CompletedAt.Format(config.TimeFormat)
		resp.CompletedAt = &v
	}
	return resp
}

// touchReadyFile implements spec §6.4's "<state-dir>/ready" marker,
// written on every health check while READY or BUSY so an orchestrator's
// readiness probe sees it appear without a separate startup hook.
// Gated on KUBERNETES_SERVICE_HOST so bare local runs don't touch disk.
func (s *Surface) touchReadyFile() {
	if !s.onKubernetes {
		return
	}
	path := filepath.Join(s.cfg.StateDir, "ready")
	if err := os.MkdirAll(s.cfg.StateDir, 0o755); err != nil {
		s.log.Warnw("failed to create state dir for readiness file", "error", err)
		return
	}
	if err := os.WriteFile(path, []byte("ready\n"), 0o644); err != nil {
		s.log.Warnw("failed to write readiness file", "error", err)
	}
}

func (s *Surface) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.startPrediction(w, r, "")
}

func (s *Surface) handlePut(w http.ResponseWriter, r *http.Request) {
	s.startPrediction(w, r, r.PathValue("id"))
}

func (s *Surface) startPrediction(w http.ResponseWriter, r *http.Request, id string) {
	var body predictionRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, apierr.ErrValidation.Wrap(err))
			return
		}
	}

	events := prediction.AllEvents
	if len(body.WebhookEventsFilter) > 0 {
		events = make(map[prediction.WebhookEvent]bool, len(body.WebhookEventsFilter))
		for _, e := range body.WebhookEventsFilter {
			events[prediction.WebhookEvent(e)] = true
		}
	}

	p, handle, err := s.run.Predict(r.Context(), runner.Request{
		ID:      id,
		Input:   body.Input,
		Webhook: body.Webhook,
		Events:  events,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	async := r.Header.Get("Prefer") == "respond-async"
	if async {
		<-handle.Started
		writeJSON(w, http.StatusAccepted, toResponse(p.Snapshot()))
		return
	}

	<-handle.Done
	writeJSON(w, http.StatusOK, toResponse(p.Snapshot()))
}

func (s *Surface) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.run.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Surface) handleShutdown(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if s.cfg.ForceShutdown != nil {
		s.cfg.ForceShutdown.Trigger()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // client disconnects are not actionable here
}

func writeError(w http.ResponseWriter, err error) {
	type errDoc struct {
		Detail string `json:"detail"`
	}
	writeJSON(w, apierr.StatusOf(err), errDoc{Detail: err.Error()})
}
