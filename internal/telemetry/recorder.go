// Package telemetry keeps a bounded window of request outcomes and exposes
// aggregates over it. The window is in-memory only; nothing is persisted.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCapacity is the ring size used when none is given.
const DefaultCapacity = 100

// RequestKind labels what a record measured.
type RequestKind string

const (
	KindGeneration RequestKind = "generation"
	KindEmbedding  RequestKind = "embedding"
)

// RequestRecord is one request outcome.
type RequestRecord struct {
	Timestamp   time.Time
	PromptLen   int
	ResponseLen int
	ExecTimeMs  float64
	Success     bool
	Kind        RequestKind
}

// Stats aggregates the current window contents. An empty window reports
// 100% success and zero latency by convention.
type Stats struct {
	AvgLatencyMs       float64
	SuccessRatePercent float64
	TotalRequests      int
}

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "modelgate",
			Subsystem: "requests",
			Name:      "total",
			Help:      "Total requests dispatched to backend models",
		},
		[]string{"kind", "outcome"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "modelgate",
			Subsystem: "requests",
			Name:      "duration_seconds",
			Help:      "Duration of backend requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration)
}

// Recorder is a fixed-capacity ring buffer of request records. Once full,
// the oldest record is silently overwritten.
type Recorder struct {
	mu    sync.Mutex
	ring  []RequestRecord
	next  int
	count int
}

// NewRecorder builds a recorder with the given capacity (DefaultCapacity
// when n <= 0).
func NewRecorder(n int) *Recorder {
	if n <= 0 {
		n = DefaultCapacity
	}
	return &Recorder{ring: make([]RequestRecord, n)}
}

// Record appends one outcome, overwriting the oldest entry when full, and
// mirrors it to the prometheus counters.
func (r *Recorder) Record(promptLen, responseLen int, execTimeMs float64, success bool, kind RequestKind) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	requestsTotal.WithLabelValues(string(kind), outcome).Inc()
	requestDuration.WithLabelValues(string(kind)).Observe(execTimeMs / 1000)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring[r.next] = RequestRecord{
		Timestamp:   time.Now(),
		PromptLen:   promptLen,
		ResponseLen: responseLen,
		ExecTimeMs:  execTimeMs,
		Success:     success,
		Kind:        kind,
	}
	r.next = (r.next + 1) % len(r.ring)
	if r.count < len(r.ring) {
		r.count++
	}
}

// Stats computes aggregates over the window. Average latency covers
// successful requests only.
func (r *Recorder) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return Stats{SuccessRatePercent: 100}
	}
	var successes int
	var latencySum float64
	for i := 0; i < r.count; i++ {
		rec := r.ring[i]
		if rec.Success {
			successes++
			latencySum += rec.ExecTimeMs
		}
	}
	s := Stats{
		SuccessRatePercent: 100 * float64(successes) / float64(r.count),
		TotalRequests:      r.count,
	}
	if successes > 0 {
		s.AvgLatencyMs = latencySum / float64(successes)
	}
	return s
}
