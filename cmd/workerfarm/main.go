// Command workerfarm is a demo host for the farm package. Run without
// --worker to act as the parent, dispatching a handful of "run" calls
// across a pool of child processes; the same binary re-execs itself as a
// child (marked through its environment, which farm.IsWorker detects; run
// by hand, --worker does the same), in which case it links workerchild and
// serves whatever methods this demo registers.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	flags "github.com/thought-machine/go-flags"
	"github.com/manifoldco/promptui"
	"go.uber.org/automaxprocs/maxprocs"
	"gopkg.in/op/go-logging.v1"

	"github.com/please-build/workerfarm/src/farm"
	"github.com/please-build/workerfarm/src/registry"
	"github.com/please-build/workerfarm/src/wire"
	"github.com/please-build/workerfarm/src/workerchild"
)

var log = logging.MustGetLogger("workerfarm")

var opts struct {
	Verbosity int    `short:"v" long:"verbose" default:"1" description:"Verbosity of output (higher = more)"`
	Worker    bool   `long:"worker" env:"WORKERFARM_WORKER" description:"Run as a worker child process"`
	Workers   int    `short:"n" long:"workers" description:"Maximum number of remote worker processes (default: CPU count)"`
	Calls     int    `short:"c" long:"calls" default:"8" description:"Number of demo calls to dispatch"`
	Confirm   bool   `long:"confirm" description:"Prompt for confirmation before ending the farm"`
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
	initLogging(opts.Verbosity)

	if opts.Worker || farm.IsWorker() {
		if err := runWorker(); err != nil {
			log.Fatalf("worker failed: %s", err)
		}
		return
	}
	if err := runParent(); err != nil {
		log.Fatalf("%s", err)
	}
}

// initLogging sets up a leveled, formatted go-logging backend on stderr,
// matching the verbosity convention used throughout this codebase (higher
// number = more output).
func initLogging(verbosity int) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatted := logging.NewBackendFormatter(backend, logging.MustStringFormatter(
		`%{color}%{time:15:04:05} %{level:.4s}%{color:reset} %{message}`,
	))
	leveled := logging.AddModuleLevel(formatted)
	level := logging.ERROR
	switch {
	case verbosity >= 4:
		level = logging.DEBUG
	case verbosity == 3:
		level = logging.INFO
	case verbosity == 2:
		level = logging.NOTICE
	case verbosity == 1:
		level = logging.WARNING
	}
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)
}

func demoRegistry() *registry.Registry {
	reg := registry.New()
	reg.Register("run", func(ctx context.Context, args []any) (any, error) {
		if len(args) == 0 {
			return nil, fmt.Errorf("run requires at least one argument")
		}
		return fmt.Sprintf("processed %v", args[0]), nil
	})
	return reg
}

func runWorker() error {
	runner := workerchild.New(demoRegistry(), wire.JSONSerializer{}, os.Stdout)
	return runner.Serve(context.Background(), os.Stdin)
}

func runParent() error {
	if _, err := maxprocs.Set(maxprocs.Logger(log.Debugf)); err != nil {
		log.Warning("failed to set GOMAXPROCS: %s", err)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving own executable: %w", err)
	}

	cfg := farm.DefaultConfig()
	cfg.WorkerPath = self
	if opts.Workers > 0 {
		cfg.MaxConcurrentWorkers = opts.Workers
	}

	f, err := farm.New(cfg, demoRegistry())
	if err != nil {
		return fmt.Errorf("creating farm: %w", err)
	}

	run := f.CreateHandle("run")
	ctx := context.Background()
	for i := 0; i < opts.Calls; i++ {
		i := i
		go func() {
			v, err := run(ctx, i)
			if err != nil {
				log.Error("call %d failed: %s", i, err)
				return
			}
			log.Info("call %d -> %v", i, v)
		}()
	}

	select {
	case <-f.Warmedup():
		log.Notice("worker pool is warm (%d workers)", f.GetNumWorkers())
	case <-time.After(5 * time.Second):
		log.Warning("timed out waiting for warmup")
	}

	time.Sleep(500 * time.Millisecond)

	if opts.Confirm {
		prompt := promptui.Prompt{Label: "End the farm now", IsConfirm: true}
		if _, err := prompt.Run(); err != nil {
			log.Notice("leaving farm running")
			return nil
		}
	}

	endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return f.End(endCtx)
}
