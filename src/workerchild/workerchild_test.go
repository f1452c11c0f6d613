package workerchild

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/please-build/workerfarm/src/registry"
	"github.com/please-build/workerfarm/src/wire"
)

func TestServeSendsReadyThenDispatches(t *testing.T) {
	toRunner, fromParent := io.Pipe()
	fromRunner, toParent := io.Pipe()

	reg := registry.New()
	reg.Register("run", func(ctx context.Context, args []any) (any, error) {
		return args[0], nil
	})
	r := New(reg, wire.JSONSerializer{}, toParent)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Serve(ctx, toRunner)

	env, err := wire.ReadEnvelope(fromRunner)
	require.NoError(t, err)
	assert.True(t, env.Ready)

	require.NoError(t, wire.WriteEnvelope(fromParent, &wire.Envelope{
		Request: &wire.RequestFrame{Idx: 1, Method: "run", Args: []any{42.0}},
	}))

	resp, err := wire.ReadEnvelope(fromRunner)
	require.NoError(t, err)
	require.NotNil(t, resp.Response)
	assert.Equal(t, int64(1), resp.Response.Idx)
	assert.Equal(t, wire.ContentData, resp.Response.ContentType)
	assert.Equal(t, 42.0, resp.Response.Content)
}

func TestServeReturnsOnReadError(t *testing.T) {
	toRunner, fromParent := io.Pipe()
	fromRunner, toParent := io.Pipe()
	go io.Copy(io.Discard, fromRunner)

	r := New(registry.New(), wire.JSONSerializer{}, toParent)
	done := make(chan error, 1)
	go func() { done <- r.Serve(context.Background(), toRunner) }()

	fromParent.Close()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after reader closed")
	}
}

func TestCallRoundTrips(t *testing.T) {
	toRunner, fromParent := io.Pipe()
	fromRunner, toParent := io.Pipe()

	r := New(registry.New(), wire.JSONSerializer{}, toParent)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Serve(ctx, toRunner)

	// Drain the ready frame Serve sends on startup before the request it's
	// about to make for Call.
	_, err := wire.ReadEnvelope(fromRunner)
	require.NoError(t, err)

	go func() {
		env, err := wire.ReadEnvelope(fromRunner)
		require.NoError(t, err)
		require.NotNil(t, env.Request)
		wire.WriteEnvelope(fromParent, &wire.Envelope{
			Response: &wire.ResponseFrame{Idx: env.Request.Idx, ContentType: wire.ContentData, Content: "ok"},
		})
	}()

	v, err := r.Call(nil, "some.location", "", []any{1.0})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}
