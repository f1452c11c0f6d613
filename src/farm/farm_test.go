package farm_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/please-build/workerfarm/src/farm"
	"github.com/please-build/workerfarm/src/registry"
	"github.com/please-build/workerfarm/src/wire"
	"github.com/please-build/workerfarm/src/workerchild"
)

// TestMain lets this test binary re-exec itself as a real worker process,
// mirroring this codebase's own syscall.ForkExec-based re-exec pattern for
// spawning subprocesses in tests without a separately built helper binary.
// Worker.Fork sets farm's usual ChildEnvMarker on the child's environment,
// detected here the same way farm.IsWorker() does.
func TestMain(m *testing.M) {
	if farm.IsWorker() {
		runTestWorker()
		return
	}
	os.Exit(m.Run())
}

// runTestWorker is what the re-exec'd test binary runs: a registry with a
// couple of methods exercised by the scenarios below, served over stdio.
func runTestWorker() {
	reg := registry.New()
	reg.Register("run", func(ctx context.Context, args []any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("run: no arguments")
		}
		if s, ok := args[0].(string); ok && s == "fail" {
			return nil, fmt.Errorf("deliberate failure")
		}
		return args[0], nil
	})
	reg.Register("sleep", func(ctx context.Context, args []any) (any, error) {
		time.Sleep(5 * time.Second)
		return "woke up", nil
	})
	// crash_once kills the worker process the first time it is called with a
	// given marker path (creating the marker first), and succeeds on any
	// later call once the marker exists.
	reg.Register("crash_once", func(ctx context.Context, args []any) (any, error) {
		marker, _ := args[0].(string)
		if _, err := os.Stat(marker); os.IsNotExist(err) {
			os.WriteFile(marker, nil, 0o644)
			os.Exit(1)
		}
		return "survived", nil
	})
	runner := workerchild.New(reg, wire.JSONSerializer{}, os.Stdout)
	// invoke_handle lets a test call back into the parent's reverse-handle
	// registry from inside the worker process, exercising the master-call
	// path end to end: args[0] is the handle id, the rest are forwarded.
	reg.Register("invoke_handle", func(ctx context.Context, args []any) (any, error) {
		id, ok := args[0].(float64)
		if !ok {
			return nil, fmt.Errorf("invoke_handle: expected a numeric handle id, got %T", args[0])
		}
		handleID := int64(id)
		// The farm appends a trailing warmup-flag bool to every dispatched
		// call (see farm.invoke); strip it before forwarding the rest on.
		return runner.Call(&handleID, "", "", args[1:len(args)-1])
	})
	if err := runner.Serve(context.Background(), os.Stdin); err != nil {
		os.Exit(0)
	}
}

// workerPath returns a path that, when forked with exec.Command, re-invokes
// this test binary in worker mode (see TestMain/runTestWorker).
func workerPath(t *testing.T) string {
	t.Helper()
	self, err := os.Executable()
	require.NoError(t, err)
	return self
}

func newTestFarm(t *testing.T, maxWorkers int, warm bool) *farm.Farm {
	t.Helper()
	cfg := farm.DefaultConfig()
	cfg.WorkerPath = workerPath(t)
	cfg.MaxConcurrentWorkers = maxWorkers
	cfg.WarmWorkers = warm
	cfg.ForcedKillTime = 200 * time.Millisecond

	reg := registry.New()
	reg.Register("run", func(ctx context.Context, args []any) (any, error) {
		if len(args) > 0 {
			return args[0], nil
		}
		return nil, nil
	})

	f, err := farm.New(cfg, reg)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		f.End(ctx)
	})
	return f
}

// Scenario: a configured run() dispatches through to a real forked worker
// and the future resolves with the worker's result.
func TestRunDispatchesToWorkerAndResolves(t *testing.T) {
	f := newTestFarm(t, 1, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := f.Run(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

// Scenario: with warmup enabled and only a single worker, Warmedup() fires
// once the worker has completed at least one warmup call, and later calls
// go to the worker ("fail" only errors in the worker's registry).
func TestWarmupFiresThenCutsOverToRemote(t *testing.T) {
	f := newTestFarm(t, 1, true)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	v, err := f.Run(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	select {
	case <-f.Warmedup():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for warmup to complete")
	}
	assert.GreaterOrEqual(t, f.GetNumWorkers(), 1)

	_, err = f.Run(ctx, "fail")
	assert.EqualError(t, err, "deliberate failure")
}

// Scenario: a call against a worker that exits mid-flight is requeued and
// completes once a new worker picks it up.
func TestCallSurvivesWorkerRestart(t *testing.T) {
	f := newTestFarm(t, 1, false)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Warm the pool with one real call first so a worker definitely exists.
	_, err := f.Run(ctx, "warm")
	require.NoError(t, err)

	// The worker exits while handling this call; the call must be requeued
	// and completed by the replacement worker.
	crashOnce := f.CreateHandle("crash_once")
	marker := filepath.Join(t.TempDir(), "crashed")
	v, err := crashOnce(ctx, marker)
	require.NoError(t, err)
	assert.Equal(t, "survived", v)
	_, err = os.Stat(marker)
	assert.NoError(t, err, "the first worker should have exited on this call")
}

// Scenario: CreateReverseHandle lets a worker call back into the parent via
// a master-call, and the parent's result is returned to the worker, which
// hands it back as the result of its own "invoke_handle" call.
func TestReverseHandleRoundTrip(t *testing.T) {
	f := newTestFarm(t, 1, false)
	called := make(chan []any, 1)
	h, err := f.CreateReverseHandle(func(args []any) (any, error) {
		called <- args
		return "parent says hi", nil
	})
	require.NoError(t, err)
	assert.NotZero(t, h.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	invoke := f.CreateHandle("invoke_handle")
	v, err := invoke(ctx, float64(h.ID), "hi from the worker")
	require.NoError(t, err)
	assert.Equal(t, "parent says hi", v)

	select {
	case args := <-called:
		assert.Equal(t, []any{"hi from the worker"}, args)
	default:
		t.Fatal("reverse handle was never invoked")
	}
}

// Scenario: End() is idempotent and stops accepting new calls.
func TestEndRejectsSubsequentCalls(t *testing.T) {
	f := newTestFarm(t, 1, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := f.Run(ctx, "before-end")
	require.NoError(t, err)

	require.NoError(t, f.End(ctx))
	require.NoError(t, f.End(ctx)) // idempotent

	_, err = f.Run(ctx, "after-end")
	assert.ErrorIs(t, err, farm.ErrEnding)
}

// Scenario: a call whose worker never responds is abandoned (not settled)
// when End() runs with a background context, but resolves to ctx.Err()
// once a caller-supplied deadline passes, per the §9 resolution.
func TestEndWithDeadlineUnblocksOrphanedCaller(t *testing.T) {
	f := newTestFarm(t, 1, false)
	_, err := f.Run(context.Background(), "warm")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	endCtx, endCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer endCancel()

	sleep := f.CreateHandle("sleep")
	done := make(chan struct{})
	go func() {
		_, err := sleep(ctx)
		assert.Error(t, err)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond) // let the sleep call actually dispatch
	require.NoError(t, f.End(endCtx))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("call did not unblock after its own deadline")
	}
}

func TestMaxConcurrentWorkersRespected(t *testing.T) {
	f := newTestFarm(t, 2, false)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		i := i
		go func() {
			_, err := f.Run(ctx, i)
			results <- err
		}()
	}
	for i := 0; i < 4; i++ {
		require.NoError(t, <-results)
	}
	assert.LessOrEqual(t, f.GetNumWorkers(), 2)
}
