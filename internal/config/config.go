// Package config holds runtime configuration captured once at process
// start, never re-read from the environment at request time.
package config

import (
	"os"
	"strconv"
	"sync"
	"time"
)

const (
	// TimeFormat is the timestamp layout used on every Prediction field.
	TimeFormat = "2006-01-02T15:04:05.999999-07:00"

	defaultThrottleInterval = 500 * time.Millisecond
	defaultStateDir         = "/var/run/cog"
)

// Config holds all configuration for the prediction worker runtime. It is
// built once in main and threaded through constructors. Outside this
// package, only internal/logging (LOG_* variables) and internal/httpapi
// (KUBERNETES_SERVICE_HOST) read os.Getenv, each once at construction.
type Config struct {
	Host string
	Port int

	WorkingDirectory string
	UploadURLPrefix  string
	StateDir         string

	PredictTimeout  time.Duration
	ShutdownTimeout time.Duration

	WebhookThrottleInterval time.Duration
	WebhookAuthToken        string

	Weights string

	EnvSet   map[string]string
	EnvUnset []string

	ForceShutdown *ForceShutdownSignal
}

// FromEnv captures the environment variables named in the spec exactly
// once, to be merged with CLI flags by the caller.
func FromEnv() Config {
	cfg := Config{
		StateDir:                defaultStateDir,
		WebhookThrottleInterval: defaultThrottleInterval,
		ForceShutdown:           NewForceShutdownSignal(),
	}

	if v := os.Getenv("COG_THROTTLE_RESPONSE_INTERVAL"); v != "" {
		if secs, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.WebhookThrottleInterval = time.Duration(secs * float64(time.Second))
		}
	}
	cfg.WebhookAuthToken = os.Getenv("WEBHOOK_AUTH_TOKEN")
	cfg.Weights = os.Getenv("COG_WEIGHTS")
	if v := os.Getenv("COG_RUNTIME_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}

	return cfg
}

// SuppressesStart reports whether the configured throttle interval is
// small enough that the spec's "suppress the START event" rule applies.
func (c Config) SuppressesStart() bool {
	return c.WebhookThrottleInterval < 100*time.Millisecond
}

// ForceShutdownSignal provides idempotent, one-shot force-shutdown
// signaling: the HTTP /shutdown route triggers it and main watches it.
type ForceShutdownSignal struct {
	mu        sync.Mutex
	ch        chan struct{}
	triggered bool
}

func NewForceShutdownSignal() *ForceShutdownSignal {
	return &ForceShutdownSignal{ch: make(chan struct{})}
}

func (f *ForceShutdownSignal) Watch() <-chan struct{} {
	return f.ch
}

// Trigger closes the channel exactly once, returning true on the call
// that did so.
func (f *ForceShutdownSignal) Trigger() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.triggered {
		return false
	}
	f.triggered = true
	close(f.ch)
	return true
}
