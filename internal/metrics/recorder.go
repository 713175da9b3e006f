package metrics

import (
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	promcollect "github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "updated"

// Recorder records cycle activity. A nil Recorder discards everything.
type Recorder struct {
	registry        *prom.Registry
	cycles          *prom.CounterVec
	cycleDuration   prom.Histogram
	updateAvailable prom.Gauge
	lockWait        prom.Histogram
	wakeRequests    *prom.CounterVec
}

// NewRecorder creates the collectors and registers them in a fresh registry
// together with the Go runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prom.NewRegistry(),
		cycles: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed update cycles by outcome",
		}, []string{"outcome"}),
		cycleDuration: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of update cycles",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		updateAvailable: prom.NewGauge(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "update_available",
			Help:      "1 when a staged update is ready to be installed",
		}),
		lockWait: prom.NewHistogram(prom.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for the staging lock",
			Buckets:   prom.DefBuckets,
		}),
		wakeRequests: prom.NewCounterVec(prom.CounterOpts{
			Namespace: namespace,
			Name:      "wake_requests_total",
			Help:      "Wake requests by reason and whether they were queued or coalesced",
		}, []string{"reason", "result"}),
	}

	r.registry.MustRegister(r.cycles, r.cycleDuration, r.updateAvailable, r.lockWait, r.wakeRequests)
	r.registry.MustRegister(promcollect.NewGoCollector(), promcollect.NewProcessCollector(promcollect.ProcessCollectorOpts{}))

	return r
}

// Registry returns the registry holding every collector of the recorder.
func (r *Recorder) Registry() *prom.Registry {
	if r == nil {
		return nil
	}

	return r.registry
}

// ObserveCycle records the outcome and duration of one cycle.
func (r *Recorder) ObserveCycle(outcome string, duration time.Duration, updateAvailable bool) {
	if r == nil {
		return
	}

	r.cycles.WithLabelValues(outcome).Inc()
	r.cycleDuration.Observe(duration.Seconds())

	if updateAvailable {
		r.updateAvailable.Set(1)
	} else {
		r.updateAvailable.Set(0)
	}
}

// ObserveLockWait records how long a cycle waited for the lock.
func (r *Recorder) ObserveLockWait(wait time.Duration) {
	if r == nil {
		return
	}

	r.lockWait.Observe(wait.Seconds())
}

// IncWakeRequest counts one wake request.
func (r *Recorder) IncWakeRequest(reason string, queued bool) {
	if r == nil {
		return
	}

	result := "coalesced"
	if queued {
		result = "queued"
	}

	r.wakeRequests.WithLabelValues(reason, result).Inc()
}
