// Command cog-server is the parent process entrypoint: it wires the
// Supervisor, Runner, and HTTP Surface together and serves predictions
// until shutdown.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"golang.org/x/sync/errgroup"

	"github.com/replicate/predictor-runtime/internal/config"
	"github.com/replicate/predictor-runtime/internal/httpapi"
	"github.com/replicate/predictor-runtime/internal/logging"
	"github.com/replicate/predictor-runtime/internal/runner"
	"github.com/replicate/predictor-runtime/internal/supervisor"
	"github.com/replicate/predictor-runtime/internal/webhook"
)

// CLI holds the flags merged with environment-derived config to build
// the final config.Config once, at startup (spec §9).
type CLI struct {
	Host            string        `help:"Listen host." default:"0.0.0.0"`
	Port            int           `help:"Listen port." default:"5000"`
	WorkerPath      string        `help:"Path to the cog-worker binary." default:"./cog-worker"`
	Predictor       string        `help:"Demo predictor the worker should host." default:"echo"`
	UploadURLPrefix string        `help:"Prefix to PUT file-typed outputs to; empty means data-url encode inline."`
	PredictTimeout  time.Duration `help:"Maximum duration of one prediction; 0 disables the bound."`
	ShutdownTimeout time.Duration `help:"Grace period for in-flight work during shutdown." default:"30s"`
}

func main() {
	var cli CLI
	kong.Parse(&cli)

	cfg := config.FromEnv()
	cfg.Host = cli.Host
	cfg.Port = cli.Port
	cfg.UploadURLPrefix = cli.UploadURLPrefix
	cfg.PredictTimeout = cli.PredictTimeout
	cfg.ShutdownTimeout = cli.ShutdownTimeout

	log := logging.New("cog-server").Sugar()

	sup := supervisor.New(supervisor.Command{
		Path: cli.WorkerPath,
		Args: []string{"--predictor", cli.Predictor},
		Env:  buildWorkerEnv(cfg),
	}, log.Named("supervisor"))

	run := runner.New(sup, webhook.Config{
		ThrottleInterval: cfg.WebhookThrottleInterval,
		AuthToken:        cfg.WebhookAuthToken,
	}, cfg.UploadURLPrefix, cfg.PredictTimeout, log.Named("runner"))

	setupCtx, cancelSetup := context.WithCancel(context.Background())
	defer cancelSetup()
	if err := run.Setup(setupCtx); err != nil {
		log.Errorw("predictor setup failed; serving health-check only", "error", err)
	}

	surface := httpapi.New(run, cfg, log.Named("http"))
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: surface,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	select {
	case <-ctx.Done():
	case <-cfg.ForceShutdown.Watch():
	}

	log.Infow("shutting down", "timeout", cfg.ShutdownTimeout)
	run.Shutdown(cfg.ShutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx) //nolint:errcheck // best effort; process exit follows regardless

	if err := g.Wait(); err != nil {
		log.Errorw("http server exited with error", "error", err)
		os.Exit(1)
	}
}

// buildWorkerEnv propagates only the env vars the child needs,
// captured once here rather than letting the child re-read the
// parent's full environment implicitly.
func buildWorkerEnv(cfg config.Config) []string {
	env := []string{
		"COG_WEIGHTS=" + cfg.Weights,
	}
	for k, v := range cfg.EnvSet {
		env = append(env, k+"="+v)
	}
	return env
}

