package webhook

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replicate/predictor-runtime/internal/logging"
	"github.com/replicate/predictor-runtime/internal/prediction"
)

func newSender(t *testing.T, interval time.Duration) *Sender {
	t.Helper()
	return New(Config{ThrottleInterval: interval}, logging.New("webhook-test").Sugar())
}

func TestOfferDropsWhenNoWebhookConfigured(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	p := prediction.New("id1", nil, "", prediction.AllEvents, time.Now())
	s := newSender(t, 500*time.Millisecond)
	s.Offer(p, prediction.EventStart)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&hits))
}

func TestOfferFiltersByEventCategory(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	p := prediction.New("id1", nil, srv.URL, map[prediction.WebhookEvent]bool{prediction.EventCompleted: true}, time.Now())
	s := newSender(t, 0)
	s.Offer(p, prediction.EventLogs)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&hits))
}

func TestOfferTerminalBypassesThrottle(t *testing.T) {
	hit := make(chan struct{}, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit <- struct{}{}
	}))
	defer srv.Close()

	p := prediction.New("id1", nil, srv.URL, prediction.AllEvents, time.Now())
	s := newSender(t, time.Hour) // would block any non-terminal send
	s.Offer(p, prediction.EventStart)

	p.Complete(false, false, "", nil, time.Now())
	s.Offer(p, prediction.EventCompleted)

	select {
	case <-hit:
	case <-time.After(2 * time.Second):
		t.Fatal("terminal webhook was not delivered")
	}
}

func TestOfferThrottlesNonTerminal(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	p := prediction.New("id1", nil, srv.URL, prediction.AllEvents, time.Now())
	s := newSender(t, time.Hour)
	s.Offer(p, prediction.EventStart)
	s.Offer(p, prediction.EventLogs)
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits))
}

func TestOfferSuppressesStartUnderSubHundredMillisInterval(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	p := prediction.New("id1", nil, srv.URL, prediction.AllEvents, time.Now())
	s := newSender(t, 50*time.Millisecond)
	s.Offer(p, prediction.EventStart)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, atomic.LoadInt32(&hits))
}
