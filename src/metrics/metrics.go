// Package metrics is an optional observability layer for a Farm: an active
// worker gauge, a call counter, a call-duration histogram, and a
// warmup-completion counter. It mirrors this codebase's own src/metrics
// package: a generic interface plus a SetImplementation hook, so a caller
// that doesn't want Prometheus can swap in a different backend (or leave
// the noop default, under which every method here is a no-op).
package metrics

import "time"

// Metrics is the backend interface a concrete implementation provides.
type Metrics interface {
	RegisterGauge(subsystem, name, help string) Gauge
	RegisterCounter(subsystem, name, help string) Counter
	RegisterHistogram(subsystem, name, help string, buckets []float64) Histogram
}

// Gauge tracks a value that can go up or down, e.g. active worker count.
type Gauge interface {
	Set(float64)
}

// Counter tracks a monotonically increasing value.
type Counter interface {
	Inc()
}

// Histogram records individual observations into buckets, e.g. call
// durations.
type Histogram interface {
	Observe(float64)
}

var implementation Metrics

// SetImplementation installs impl as the active backend and (re)registers
// every metric this package exposes against it. Call once at startup;
// before it's called, every recorder here is a safe no-op.
func SetImplementation(impl Metrics) {
	implementation = impl
	activeWorkers = impl.RegisterGauge("farm", "active_workers", "Number of live remote workers")
	callsTotal = impl.RegisterCounter("farm", "calls_total", "Total number of calls dispatched")
	callDuration = impl.RegisterHistogram("farm", "call_duration_seconds", "Call duration in seconds",
		[]float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10})
	warmupsTotal = impl.RegisterCounter("farm", "warmups_completed_total", "Number of warmup completions recorded")
}

var (
	activeWorkers Gauge     = noopGauge{}
	callsTotal    Counter   = noopCounter{}
	callDuration  Histogram = noopHistogram{}
	warmupsTotal  Counter   = noopCounter{}
)

// SetActiveWorkers records the current size of the worker pool.
func SetActiveWorkers(n int) { activeWorkers.Set(float64(n)) }

// RecordCall increments the call counter and observes its duration.
func RecordCall(d time.Duration) {
	callsTotal.Inc()
	callDuration.Observe(d.Seconds())
}

// RecordWarmup increments the warmup-completion counter.
func RecordWarmup() { warmupsTotal.Inc() }

type noopGauge struct{}

func (noopGauge) Set(float64) {}

type noopCounter struct{}

func (noopCounter) Inc() {}

type noopHistogram struct{}

func (noopHistogram) Observe(float64) {}
