// Package logging forwards log envelopes a worker sends over its IPC
// channel to the parent process's own logger (§4.5). The farm package
// invokes Forward directly from its worker.Hooks.OnLog callback; this
// package exists separately so an embedder that wants its own dispatch
// policy (e.g. routing to a different logger per worker) can reuse the
// level-mapping logic without pulling in the farm package.
package logging

import (
	"fmt"

	"gopkg.in/op/go-logging.v1"

	"github.com/please-build/workerfarm/src/wire"
)

var log = logging.MustGetLogger("workerfarm")

// Forward dispatches a log envelope from worker id to the matching level
// on the package logger. An unrecognised level is recovered and logged as
// an error inside Forward rather than panicking the caller's goroutine, so
// embedders who call Forward directly get the same safety the farm's own
// worker read loop relies on.
func Forward(workerID string, env wire.LogEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("worker %s: panic forwarding log line: %v", workerID, r)
		}
	}()
	switch env.Level {
	case wire.LogInfo:
		log.Info("worker %s: %s", workerID, env.Message)
	case wire.LogProgress:
		log.Notice("worker %s: %s", workerID, env.Message)
	case wire.LogVerbose:
		log.Debug("worker %s: %s", workerID, env.Message)
	case wire.LogWarn:
		log.Warning("worker %s: %s", workerID, env.Message)
	case wire.LogError:
		log.Error("worker %s: %s", workerID, env.Message)
	default:
		panic(fmt.Sprintf("unrecognised log level %q", env.Level))
	}
}
