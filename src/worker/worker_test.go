package worker

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/please-build/workerfarm/src/call"
	"github.com/please-build/workerfarm/src/wire"
)

// harness wires a Worker to an in-memory transport so tests can drive the
// framing/lifecycle logic without forking a real process. The worker's
// writes go into a buffer so Call never blocks waiting for a reader.
type harness struct {
	w            *Worker
	toChild      *bytes.Buffer  // what the worker wrote, readable here
	fromChild    *io.PipeWriter // write here to simulate the child
	readyCh      chan struct{}
	responses    chan wire.ResponseFrame
	requests     chan wire.RequestFrame
	exits        chan []*call.Call
}

func newHarness(t *testing.T, cap int) *harness {
	t.Helper()
	toChild := &bytes.Buffer{}
	parentReader, fromChild := io.Pipe()

	h := &harness{
		toChild:   toChild,
		fromChild: fromChild,
		readyCh:   make(chan struct{}, 1),
		responses: make(chan wire.ResponseFrame, 8),
		requests:  make(chan wire.RequestFrame, 8),
		exits:     make(chan []*call.Call, 1),
	}
	hooks := Hooks{
		OnReady:    func(w *Worker) { h.readyCh <- struct{}{} },
		OnResponse: func(w *Worker, resp wire.ResponseFrame, c *call.Call) { h.responses <- resp },
		OnRequest:  func(w *Worker, req wire.RequestFrame) { h.requests <- req },
		OnExit:     func(w *Worker, orphaned []*call.Call) { h.exits <- orphaned },
	}
	h.w = New("w1", cap, 50*time.Millisecond, hooks)
	h.w.Attach(toChild, parentReader)
	return h
}

func (h *harness) sendReady(t *testing.T) {
	t.Helper()
	require.NoError(t, wire.WriteEnvelope(h.fromChild, &wire.Envelope{Ready: true}))
	select {
	case <-h.readyCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ready")
	}
}

func TestWorkerBecomesReady(t *testing.T) {
	h := newHarness(t, 1)
	h.sendReady(t)
	assert.True(t, h.w.Ready())
}

func TestWorkerCallRespectsCapAndReadiness(t *testing.T) {
	h := newHarness(t, 1)
	c, _ := call.New("run", nil)
	assert.Error(t, h.w.Call(c)) // not ready yet

	h.sendReady(t)
	require.NoError(t, h.w.Call(c))
	assert.Equal(t, 1, h.w.Len())

	c2, _ := call.New("run", nil)
	assert.Error(t, h.w.Call(c2)) // cap is 1
}

func TestWorkerCallSendsFramedRequest(t *testing.T) {
	h := newHarness(t, 2)
	h.sendReady(t)
	c, _ := call.New("run", []any{1.0, 2.0})
	require.NoError(t, h.w.Call(c))

	env, err := wire.ReadEnvelope(h.toChild)
	require.NoError(t, err)
	require.NotNil(t, env.Request)
	assert.Equal(t, "run", env.Request.Method)
	assert.Equal(t, []any{1.0, 2.0}, env.Request.Args)
}

func TestWorkerResponseResolvesAndFreesSlot(t *testing.T) {
	h := newHarness(t, 1)
	h.sendReady(t)
	c, _ := call.New("run", nil)
	require.NoError(t, h.w.Call(c))

	env, err := wire.ReadEnvelope(h.toChild)
	require.NoError(t, err)
	idx := env.Request.Idx

	require.NoError(t, wire.WriteEnvelope(h.fromChild, &wire.Envelope{
		Response: &wire.ResponseFrame{Idx: idx, ContentType: wire.ContentData, Content: 42.0},
	}))

	select {
	case resp := <-h.responses:
		assert.Equal(t, 42.0, resp.Content)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
	assert.Equal(t, 0, h.w.Len())

	// Slot should be free again.
	c2, _ := call.New("run", nil)
	assert.NoError(t, h.w.Call(c2))
}

func TestWorkerRequestIsForwarded(t *testing.T) {
	h := newHarness(t, 1)
	h.sendReady(t)
	hid := int64(9)
	require.NoError(t, wire.WriteEnvelope(h.fromChild, &wire.Envelope{
		Request: &wire.RequestFrame{Idx: 1, Handle: &hid, AwaitResponse: true},
	}))
	select {
	case req := <-h.requests:
		require.NotNil(t, req.Handle)
		assert.EqualValues(t, 9, *req.Handle)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for request")
	}
}

func TestWorkerChannelClosedOrphansInFlightCalls(t *testing.T) {
	h := newHarness(t, 2)
	h.sendReady(t)
	c1, _ := call.New("a", nil)
	c2, _ := call.New("b", nil)
	require.NoError(t, h.w.Call(c1))
	require.NoError(t, h.w.Call(c2))

	h.fromChild.Close()

	select {
	case orphaned := <-h.exits:
		require.Len(t, orphaned, 2)
		assert.Equal(t, "a", orphaned[0].Method)
		assert.Equal(t, "b", orphaned[1].Method)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for exit")
	}
	assert.Equal(t, 0, h.w.Len())
}

func TestStopWithNoProcessReturnsImmediately(t *testing.T) {
	w := New("w1", 1, 10*time.Millisecond, Hooks{})
	done := make(chan struct{})
	go func() {
		w.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}
