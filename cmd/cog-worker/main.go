// Command cog-worker is the child process host for user predictor code
// (C3): it runs setup once, then services one prediction at a time over
// the IPC channel wired by its parent on fd 3 (commands in) and fd 4
// (events out).
package main

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/replicate/predictor-runtime/internal/config"
	"github.com/replicate/predictor-runtime/internal/ipc"
	"github.com/replicate/predictor-runtime/internal/logging"
	"github.com/replicate/predictor-runtime/internal/logintercept"
	"github.com/replicate/predictor-runtime/internal/predictor"
	"github.com/replicate/predictor-runtime/internal/worker"
)

// CLI selects which compiled-in predictor this child hosts. A real
// deployment builds one cog-worker binary per model with its predictor
// linked in directly; Predictor here stands in for that link-time
// selection so this binary can exercise every demo scenario from spec
// §8 without a recompile.
type CLI struct {
	Predictor string `help:"Which demo predictor to host." enum:"echo,counter,sleeper,filesize,failing" default:"echo"`
}

const (
	ipcCommandsFD = 3
	ipcEventsFD   = 4
)

func main() {
	var cli CLI
	kong.Parse(&cli)

	log := logging.New("cog-worker").Sugar()
	cfg := config.FromEnv()

	pred, err := selectPredictor(cli.Predictor)
	if err != nil {
		fmt.Fprintln(os.Stderr, err) //nolint:forbidigo // fatal bootstrap error, before the logger's channel exists
		os.Exit(1)
	}

	ch := ipc.New(os.NewFile(ipcEventsFD, "ipc-events"), os.NewFile(ipcCommandsFD, "ipc-commands"))

	stdout, stdoutR, stdoutW := redirectStd(syscall.Stdout)
	stderr, stderrR, stderrW := redirectStd(syscall.Stderr)
	stdoutIntercept := logintercept.New(stdoutR, func(line string) {
		_ = ch.Send(ipc.LogEvent(ipc.SourceStdout, line)) //nolint:errcheck // channel failure surfaces via the next Recv in worker.Run
	}, stdout)
	stderrIntercept := logintercept.New(stderrR, func(line string) {
		_ = ch.Send(ipc.LogEvent(ipc.SourceStderr, line)) //nolint:errcheck // see above
	}, stderr)

	w := worker.New(ch, pred, log, stdoutIntercept, stderrIntercept, stdoutW, stderrW)

	if err := w.Run(context.Background(), cfg.Weights); err != nil {
		log.Errorw("worker exited with error", "error", err)
		os.Exit(1)
	}
}

func selectPredictor(name string) (predictor.Predictor, error) {
	switch name {
	case "echo":
		return predictor.Echo, nil
	case "counter":
		return predictor.Counter{}, nil
	case "sleeper":
		return predictor.Sleeper{}, nil
	case "filesize":
		return predictor.FileSize{}, nil
	case "failing":
		return predictor.Failing, nil
	default:
		return nil, fmt.Errorf("unknown predictor %q", name)
	}
}

// redirectStd dup2's a pipe's write end onto the given real fd (1 or 2)
// so any code that writes directly to stdout/stderr — including
// predictor code using fmt.Println — is captured by the log
// interceptor. It returns the original fd wrapped as an *os.File (for
// optional teeing), the pipe's read end, and the pipe's write end (the
// new stdout/stderr, used by worker for drain sentinels).
func redirectStd(fd int) (orig *os.File, r *os.File, w *os.File) {
	origDup, err := syscall.Dup(fd)
	if err != nil {
		panic(err)
	}
	orig = os.NewFile(uintptr(origDup), "orig-std")

	r, w, err = os.Pipe()
	if err != nil {
		panic(err)
	}
	if err := syscall.Dup2(int(w.Fd()), fd); err != nil {
		panic(err)
	}
	return orig, r, w
}
