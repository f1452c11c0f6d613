package worker

import "io"

// Attach exposes attach to tests in this package's test binary; it is not
// part of the public API (production workers always go through Fork).
func (w *Worker) Attach(conn io.Writer, in io.Reader) {
	w.attach(conn, in)
}
