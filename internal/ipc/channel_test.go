package ipc

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendRecvRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	ch := New(&buf, &buf)

	evt, err := OutputEvent(map[string]any{"text": "hi"})
	require.NoError(t, err)
	require.NoError(t, ch.Send(evt))

	got, err := ch.Recv()
	require.NoError(t, err)
	assert.Equal(t, TagOutput, got.Tag)
	assert.JSONEq(t, `{"text":"hi"}`, string(got.Payload))
}

func TestRecvReturnsErrUnexpectedEOFOnTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	ch := New(&buf, &buf)

	require.NoError(t, ch.Send(LogEvent(SourceStdout, "line")))
	full := buf.Bytes()
	truncated := full[:len(full)-2]

	r := New(nil, bytes.NewReader(truncated))
	_, err := r.Recv()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestRecvReturnsEOFOnCleanCloseBetweenFrames(t *testing.T) {
	r := New(nil, bytes.NewReader(nil))
	_, err := r.Recv()
	assert.ErrorIs(t, err, io.EOF)
}

func TestRecvRejectsOversizedFrame(t *testing.T) {
	var header [4]byte
	header[0] = 0xFF // absurd length prefix, far past maxFrameSize
	r := New(nil, bytes.NewReader(header[:]))
	_, err := r.Recv()
	assert.Error(t, err)
}

func TestSendSerializesConcurrentWriters(t *testing.T) {
	var buf bytes.Buffer
	ch := New(&buf, &buf)

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func(n int) {
			_ = ch.Send(HeartbeatEvent())
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	for i := 0; i < 10; i++ {
		evt, err := ch.Recv()
		require.NoError(t, err)
		assert.Equal(t, TagHeartbeat, evt.Tag)
	}
}
