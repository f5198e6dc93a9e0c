package prediction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStartingStatus(t *testing.T) {
	p := New("abc", []byte(`{"text":"baz"}`), "", nil, time.Now())
	assert.Equal(t, StatusStarting, p.Status)
	assert.Nil(t, p.StartedAt)
	assert.Nil(t, p.CompletedAt)
}

func TestStartSetsStartedAtOnce(t *testing.T) {
	p := New("abc", nil, "", nil, time.Now())
	t1 := time.Now()
	p.Start(t1)
	require.NotNil(t, p.StartedAt)
	first := *p.StartedAt
	p.Start(t1.Add(time.Hour))
	assert.Equal(t, first, *p.StartedAt, "started_at must be set exactly once")
	assert.Equal(t, StatusProcessing, p.Status)
}

func TestAppendOutputSingle(t *testing.T) {
	p := New("abc", nil, "", nil, time.Now())
	p.InitOutput(false)
	p.AppendOutput("hello baz")
	assert.Equal(t, "hello baz", p.Output)
}

func TestAppendOutputMultiIsPrefixMonotone(t *testing.T) {
	p := New("abc", nil, "", nil, time.Now())
	p.InitOutput(true)
	assert.Equal(t, []any{}, p.Output)
	p.AppendOutput(0)
	p.AppendOutput(1)
	p.AppendOutput(2)
	assert.Equal(t, []any{0, 1, 2}, p.Output)
}

func TestCompleteIsTerminalOnce(t *testing.T) {
	p := New("abc", nil, "", nil, time.Now())
	now := time.Now()
	p.Complete(false, false, "", nil, now)
	assert.Equal(t, StatusSucceeded, p.Status)
	require.NotNil(t, p.CompletedAt)
	first := *p.CompletedAt

	// A later Complete call (e.g. a race between timeout-force and a
	// legitimate Done) must not flip an already-terminal status.
	p.Complete(true, false, "", nil, now.Add(time.Minute))
	assert.Equal(t, StatusSucceeded, p.Status)
	assert.Equal(t, first, *p.CompletedAt)
}

func TestCompleteCanceledTakesPriorityOverError(t *testing.T) {
	p := New("abc", nil, "", nil, time.Now())
	p.Complete(true, true, "boom", nil, time.Now())
	assert.Equal(t, StatusCanceled, p.Status)
	assert.Empty(t, p.Error)
}

func TestCompleteError(t *testing.T) {
	p := New("abc", nil, "", nil, time.Now())
	p.Complete(false, true, "boom", nil, time.Now())
	assert.Equal(t, StatusFailed, p.Status)
	assert.Equal(t, "boom", p.Error)
}

func TestWantsEventRespectsFilterAndWebhookPresence(t *testing.T) {
	p := New("abc", nil, "https://example.test/hook", map[WebhookEvent]bool{EventCompleted: true}, time.Now())
	assert.True(t, p.WantsEvent(EventCompleted))
	assert.False(t, p.WantsEvent(EventLogs))

	noHook := New("abc", nil, "", AllEvents, time.Now())
	assert.False(t, noHook.WantsEvent(EventCompleted))
}

func TestAppendLogNoOpAfterTerminal(t *testing.T) {
	p := New("abc", nil, "", nil, time.Now())
	p.AppendLog("before")
	p.Complete(false, false, "", nil, time.Now())
	p.AppendLog("after")
	assert.Equal(t, "before\n", p.Logs)
}

func TestNewIDIsUniqueAndURLSafe(t *testing.T) {
	a := NewID()
	b := NewID()
	assert.NotEqual(t, a, b)
	for _, r := range a {
		assert.False(t, r == '/' || r == '+' || r == '=')
	}
}
