// Package logintercept redirects a process's stdout/stderr into framed
// Log events, linewise, with an optional tee back to the original
// descriptors (spec §4.2).
package logintercept

import (
	"bufio"
	"fmt"
	"io"
	"sync"
)

// Emit is called once per completed line.
type Emit func(line string)

// Interceptor scans an io.Reader (typically one end of an os.Pipe whose
// other end has been dup'd onto the child's stdout or stderr) line by
// line, invoking emit for every line and optionally teeing the original
// bytes to tee.
//
// Drain is implemented with a sentinel: the writer side writes the
// sentinel token on its own line after flushing everything it cares
// about, and Drain blocks until the scanner goroutine observes it. This
// guarantees all prior writes are visible to emit before Drain returns,
// without requiring the reader to expose any internal buffering state.
type Interceptor struct {
	emit Emit
	tee  io.Writer

	mu        sync.Mutex
	drainWait chan chan struct{}
	done      chan struct{}
}

const drainSentinel = "\x00cog-drain\x00"

// New starts scanning r in a background goroutine. The goroutine exits
// only when r reaches end of input (its write end is closed); there is
// no shutdown sentinel, and the drain sentinel does not stop it.
func New(r io.Reader, emit Emit, tee io.Writer) *Interceptor {
	ic := &Interceptor{
		emit:      emit,
		tee:       tee,
		drainWait: make(chan chan struct{}),
		done:      make(chan struct{}),
	}
	go ic.scan(r)
	return ic
}

func (ic *Interceptor) scan(r io.Reader) {
	defer close(ic.done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == drainSentinel {
			select {
			case ack := <-ic.drainWait:
				close(ack)
			default:
			}
			continue
		}
		if ic.tee != nil {
			fmt.Fprintln(ic.tee, line) //nolint:errcheck // best-effort tee, never blocks the writer on failure
		}
		ic.emit(line)
	}
}

// Drain blocks until every line written to the writer side before this
// call has been observed by emit. It requires the writer side to have
// written the sentinel (via WriteSentinel on the write end) after the
// bytes being drained.
func (ic *Interceptor) Drain(sentinelWritten <-chan struct{}) {
	ack := make(chan struct{})
	select {
	case ic.drainWait <- ack:
	case <-ic.done:
		return
	}
	select {
	case <-sentinelWritten:
	case <-ic.done:
		return
	}
	select {
	case <-ack:
	case <-ic.done:
	}
}

// WriteSentinel writes the drain sentinel line to w, signalling readiness
// on the returned channel once the write call returns.
func WriteSentinel(w io.Writer) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		fmt.Fprintln(w, drainSentinel) //nolint:errcheck // best effort; Drain falls back to ic.done if the writer is gone
	}()
	return done
}

// Wait blocks until the interceptor's scan loop exits.
func (ic *Interceptor) Wait() {
	<-ic.done
}
