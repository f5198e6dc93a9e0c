package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxFrameSize bounds a single message to guard against a corrupted
// length prefix turning into an unbounded allocation.
const maxFrameSize = 256 << 20 // 256MiB

// Channel is a full-duplex, message-oriented, length-prefixed stream
// between a parent and a child process. Writes on one Channel are
// serialized by an internal mutex; reads are single-consumer by
// contract (spec §4.1).
type Channel struct {
	writeMu sync.Mutex
	w       io.Writer
	r       io.Reader
}

// New wraps an existing duplex pair (in production, the pipes on the
// child's fd 3 for parent->child and fd 4 for child->parent) into a
// Channel.
func New(w io.Writer, r io.Reader) *Channel {
	return &Channel{w: w, r: r}
}

// Send writes one framed Event. Safe for concurrent callers on the same
// Channel; writes from different goroutines are serialized.
func (c *Channel) Send(evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("ipc: marshal event: %w", err)
	}
	if len(body) > maxFrameSize {
		return fmt.Errorf("ipc: frame too large: %d bytes", len(body))
	}

	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(body))) //nolint:gosec // bounded by maxFrameSize check above

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.w.Write(header[:]); err != nil {
		return fmt.Errorf("ipc: write frame header: %w", err)
	}
	if _, err := c.w.Write(body); err != nil {
		return fmt.Errorf("ipc: write frame body: %w", err)
	}
	return nil
}

// Recv blocks for the next framed Event. It returns io.ErrUnexpectedEOF
// if the peer closes mid-frame, and io.EOF on a clean close between
// frames — callers (the supervisor) treat both as the peer having gone
// away, per spec §4.1's failure-mode note.
func (c *Channel) Recv() (Event, error) {
	var header [4]byte
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Event{}, err
		}
		return Event{}, err
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxFrameSize {
		return Event{}, fmt.Errorf("ipc: frame too large: %d bytes", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(c.r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Event{}, err
	}
	var evt Event
	if err := json.Unmarshal(body, &evt); err != nil {
		return Event{}, fmt.Errorf("ipc: unmarshal event: %w", err)
	}
	return evt, nil
}

// Close closes the underlying streams where they implement io.Closer.
func (c *Channel) Close() error {
	var firstErr error
	if wc, ok := c.w.(io.Closer); ok {
		if err := wc.Close(); err != nil {
			firstErr = err
		}
	}
	if rc, ok := c.r.(io.Closer); ok {
		if err := rc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
