package worker

import (
	"syscall"
	"time"
)

// Stop requests graceful shutdown of the child process, force-killing it
// if it hasn't exited within forcedKillTime. It always returns, whether or
// not the process was ever actually started (§4.2).
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.isStopping = true
	cmd := w.cmd
	exited := w.exited
	w.mu.Unlock()

	if cmd == nil || cmd.Process == nil || exited == nil {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
		return
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.Debug("worker %s: signal failed, killing directly: %s", w.ID, err)
		cmd.Process.Kill()
	}

	select {
	case <-exited:
	case <-time.After(w.forcedKillTime):
		log.Warning("worker %s: did not exit within %s, killing", w.ID, w.forcedKillTime)
		cmd.Process.Kill()
		<-exited
	}

	w.mu.Lock()
	w.stopped = true
	w.mu.Unlock()
}
