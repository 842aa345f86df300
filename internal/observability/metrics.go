package observability

import (
	"sync"
	"time"
)

// OperationSnapshot summarizes one instrumented operation (an RPC method,
// a vendor call such as "vendor.skyways.confirm", or "saga.run").
type OperationSnapshot struct {
	Count         int64   `json:"count"`
	Errors        int64   `json:"errors"`
	InFlight      int64   `json:"in_flight"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	MaxLatencyMs  float64 `json:"max_latency_ms"`
	LastLatencyMs float64 `json:"last_latency_ms"`
}

type Snapshot struct {
	UptimeSec       int64                        `json:"uptime_sec"`
	TotalCalls      int64                        `json:"total_calls"`
	TotalErrors     int64                        `json:"total_errors"`
	InFlight        int64                        `json:"in_flight"`
	RateLimitWaits  int64                        `json:"rate_limit_waits"`
	RateLimitWaitMs int64                        `json:"rate_limit_wait_ms"`
	SagaOutcomes    map[string]int64             `json:"saga_outcomes"`
	OperatorAlerts  int64                        `json:"operator_alerts"`
	Lifecycle       *LifecycleSnapshot           `json:"lifecycle,omitempty"`
	Operations      map[string]OperationSnapshot `json:"operations"`
}

type opStats struct {
	count        int64
	errors       int64
	inFlight     int64
	totalLatency time.Duration
	maxLatency   time.Duration
	lastLatency  time.Duration
}

// Metrics is an in-process, lock-protected metrics registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	mu             sync.Mutex
	start          time.Time
	ops            map[string]*opStats
	sagas          map[string]int64
	alerts         int64
	rateLimitWaits int64
	rateLimitWait  time.Duration
	lifecycle      lifecycleStats
}

type CallSpan struct {
	metrics *Metrics
	op      string
	start   time.Time
}

type lifecycleStats struct {
	shutdownAt time.Time
	inflight   int64
}

type LifecycleSnapshot struct {
	ShutdownAt         time.Time `json:"shutdown_at"`
	InFlightAtShutdown int64     `json:"inflight_at_shutdown"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		start: time.Now(),
		ops:   make(map[string]*opStats),
		sagas: make(map[string]int64),
	}
}

// Start opens a latency span for op.
func (m *Metrics) Start(op string) *CallSpan {
	if m == nil {
		return &CallSpan{}
	}
	m.mu.Lock()
	m.statsFor(op).inFlight++
	m.mu.Unlock()
	return &CallSpan{metrics: m, op: op, start: time.Now()}
}

func (s *CallSpan) End(err error) {
	if s == nil || s.metrics == nil {
		return
	}
	s.metrics.finish(s.op, time.Since(s.start), err != nil)
}

// RecordSaga counts a saga that finished a run in status.
func (m *Metrics) RecordSaga(status string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.sagas[status]++
	m.mu.Unlock()
}

// AddAlert counts an operator alert.
func (m *Metrics) AddAlert() {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.alerts++
	m.mu.Unlock()
}

func (m *Metrics) AddRateLimitWait(d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.mu.Lock()
	m.rateLimitWaits++
	m.rateLimitWait += d
	m.mu.Unlock()
}

func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		UptimeSec:       int64(time.Since(m.start).Seconds()),
		Operations:      make(map[string]OperationSnapshot, len(m.ops)),
		SagaOutcomes:    make(map[string]int64, len(m.sagas)),
		OperatorAlerts:  m.alerts,
		RateLimitWaits:  m.rateLimitWaits,
		RateLimitWaitMs: int64(m.rateLimitWait / time.Millisecond),
	}
	for status, n := range m.sagas {
		snap.SagaOutcomes[status] = n
	}
	for op, stats := range m.ops {
		avg := 0.0
		if stats.count > 0 {
			avg = float64(stats.totalLatency.Milliseconds()) / float64(stats.count)
		}
		snap.Operations[op] = OperationSnapshot{
			Count:         stats.count,
			Errors:        stats.errors,
			InFlight:      stats.inFlight,
			AvgLatencyMs:  avg,
			MaxLatencyMs:  float64(stats.maxLatency.Milliseconds()),
			LastLatencyMs: float64(stats.lastLatency.Milliseconds()),
		}
		snap.TotalCalls += stats.count
		snap.TotalErrors += stats.errors
		snap.InFlight += stats.inFlight
	}

	if !m.lifecycle.shutdownAt.IsZero() {
		snap.Lifecycle = &LifecycleSnapshot{
			ShutdownAt:         m.lifecycle.shutdownAt,
			InFlightAtShutdown: m.lifecycle.inflight,
		}
	}
	return snap
}

func (m *Metrics) statsFor(op string) *opStats {
	stats, ok := m.ops[op]
	if !ok {
		stats = &opStats{}
		m.ops[op] = stats
	}
	return stats
}

func (m *Metrics) finish(op string, dur time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := m.statsFor(op)
	stats.inFlight--
	stats.count++
	if failed {
		stats.errors++
	}
	stats.totalLatency += dur
	if dur > stats.maxLatency {
		stats.maxLatency = dur
	}
	stats.lastLatency = dur
}

// MarkShutdown records how many sagas were still running at shutdown.
func (m *Metrics) MarkShutdown(inflight int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.lifecycle.shutdownAt = time.Now()
	m.lifecycle.inflight = inflight
	m.mu.Unlock()
}
