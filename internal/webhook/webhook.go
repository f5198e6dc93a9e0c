// Package webhook implements the outbound, throttled, retrying webhook
// sender (C6): one instance per prediction, owning its own throttle
// state (spec §4.6).
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/replicate/predictor-runtime/internal/logging"
	"github.com/replicate/predictor-runtime/internal/prediction"
)

const userAgent = "predictor-runtime-webhook/1"

// Config captures the env-driven knobs exactly once at runtime
// construction, per spec §9's "don't re-read env at request time" rule.
type Config struct {
	ThrottleInterval time.Duration
	AuthToken        string
}

// Sender delivers prediction snapshots to one prediction's webhook URL.
// Its throttle state is local to this instance — one Sender per
// prediction (spec §5 "shared resources").
type Sender struct {
	cfg Config
	log *logging.SugaredLogger

	nonTerminal *http.Client
	terminal    *retryablehttp.Client

	mu       sync.Mutex
	lastSent time.Time
	sentAny  bool
}

func New(cfg Config, log *logging.SugaredLogger) *Sender {
	rc := retryablehttp.NewClient()
	rc.Logger = nil
	rc.RetryMax = 12
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = 60 * time.Second
	rc.HTTPClient.Timeout = 30 * time.Second
	rc.CheckRetry = checkRetry
	rc.Backoff = backoffWithRetryAfter

	return &Sender{
		cfg:         cfg,
		log:         log,
		nonTerminal: &http.Client{Timeout: 5 * time.Second},
		terminal:    rc,
	}
}

// Offer presents a prediction snapshot tagged with an event category.
// Filtering (does the caller want this category), throttling (non-
// terminal only), and suppression (no webhook URL configured) are all
// applied before any network call is made. The actual HTTP dispatch
// always runs in its own goroutine so Offer never blocks its caller —
// critical when the caller is the supervisor's IPC reader loop.
func (s *Sender) Offer(pred *prediction.Prediction, cat prediction.WebhookEvent) {
	if !pred.WantsEvent(cat) {
		return
	}
	snap := pred.Snapshot()
	terminal := snap.Status.Terminal()

	if cat == prediction.EventStart && s.startSuppressed() {
		return
	}

	if !terminal {
		if !s.allowThrottled() {
			return
		}
		go s.sendNonTerminal(snap.WebhookURL, snap)
		return
	}

	go s.sendTerminal(snap.WebhookURL, snap)
}

// startSuppressed implements the COG_THROTTLE_RESPONSE_INTERVAL < 100ms
// rule: a sub-100ms interval suppresses the START event entirely.
func (s *Sender) startSuppressed() bool {
	return s.cfg.ThrottleInterval < 100*time.Millisecond
}

func (s *Sender) allowThrottled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if s.sentAny && now.Sub(s.lastSent) < s.cfg.ThrottleInterval {
		return false
	}
	s.lastSent = now
	s.sentAny = true
	return true
}

func (s *Sender) sendNonTerminal(url string, snap prediction.Snapshot) {
	body, err := json.Marshal(snap)
	if err != nil {
		s.log.Warnw("webhook: marshal snapshot failed", "prediction_id", snap.ID, "error", err)
		return
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	s.setHeaders(req.Header)
	resp, err := s.nonTerminal.Do(req)
	if err != nil {
		s.log.Infow("webhook: non-terminal delivery failed, not retrying", "prediction_id", snap.ID, "error", err)
		return
	}
	defer resp.Body.Close()
}

func (s *Sender) sendTerminal(url string, snap prediction.Snapshot) {
	body, err := json.Marshal(snap)
	if err != nil {
		s.log.Errorw("webhook: marshal terminal snapshot failed", "prediction_id", snap.ID, "error", err)
		return
	}
	req, err := retryablehttp.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return
	}
	s.setHeaders(req.Header)
	resp, err := s.terminal.Do(req)
	if err != nil {
		s.log.Errorw("webhook: terminal delivery exhausted retries", "prediction_id", snap.ID, "error", err)
		return
	}
	defer resp.Body.Close()
}

func (s *Sender) setHeaders(h http.Header) {
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", userAgent)
	if s.cfg.AuthToken != "" {
		h.Set("Authorization", "Bearer "+s.cfg.AuthToken)
	}
}

// checkRetry retries on transient statuses (429, 500, 502, 503, 504) and
// on transport errors, matching spec §4.6 exactly rather than
// go-retryablehttp's broader default.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// backoffWithRetryAfter honors a Retry-After header when present,
// falling back to retryablehttp's default exponential backoff.
func backoffWithRetryAfter(minWait, maxWait time.Duration, attempt int, resp *http.Response) time.Duration {
	if resp != nil {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if secs, err := strconv.Atoi(ra); err == nil {
				d := time.Duration(secs) * time.Second
				if d > maxWait {
					return maxWait
				}
				if d > 0 {
					return d
				}
			}
		}
	}
	return retryablehttp.DefaultBackoff(minWait, maxWait, attempt, resp)
}
