package metrics

import (
	"sync"
	"time"
)

// Collector collects bridge metrics for the Prometheus text endpoint.
// This implementation uses manual metric tracking without external dependencies.
type Collector struct {
	mu sync.RWMutex

	// HTTP request metrics
	totalRequests      map[string]int64 // by endpoint
	totalRequestsDur   map[string]int64 // total duration in ms
	requestErrors      map[string]int64 // by endpoint
	requestsInProgress map[string]int64 // current in-flight requests

	// Inbound pipeline results (accepted, rejected_signature, ...)
	inbound map[string]int64

	// Dispatch metrics, keyed by "service|outcome"
	dispatchOutcomes map[string]int64
	dispatchLatency  map[string]int64 // total latency in ms by service

	// Push metrics
	pushDelivered int64
	pushAbandoned int64
	pushAttempts  int64

	gauges map[string]gauge

	// System metrics
	startTime time.Time
}

type gauge struct {
	help string
	fn   func() int64
}

// NewCollector creates a new metrics collector.
func NewCollector() *Collector {
	return &Collector{
		totalRequests:      make(map[string]int64),
		totalRequestsDur:   make(map[string]int64),
		requestErrors:      make(map[string]int64),
		requestsInProgress: make(map[string]int64),
		inbound:            make(map[string]int64),
		dispatchOutcomes:   make(map[string]int64),
		dispatchLatency:    make(map[string]int64),
		gauges:             make(map[string]gauge),
		startTime:          time.Now(),
	}
}

// RecordRequest records a request to an endpoint.
func (c *Collector) RecordRequest(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalRequests[endpoint]++
	c.totalRequestsDur[endpoint] += duration.Milliseconds()
}

// RecordError records an error for an endpoint.
func (c *Collector) RecordError(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestErrors[endpoint]++
}

// RecordRequestStart increments in-progress requests.
func (c *Collector) RecordRequestStart(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]++
}

// RecordRequestEnd decrements in-progress requests.
func (c *Collector) RecordRequestEnd(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.requestsInProgress[endpoint]--
}

// ObserveInbound counts one inbound webhook result.
func (c *Collector) ObserveInbound(result string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.inbound[result]++
}

// ObserveDispatch counts one downstream outcome for a service type.
func (c *Collector) ObserveDispatch(service, outcome string, latency time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.dispatchOutcomes[service+"|"+outcome]++
	c.dispatchLatency[service] += latency.Milliseconds()
}

// ObservePush counts one finished push leg.
func (c *Collector) ObservePush(delivered bool, attempts int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if delivered {
		c.pushDelivered++
	} else {
		c.pushAbandoned++
	}
	c.pushAttempts += int64(attempts)
}

// RegisterGauge exposes fn as bridge_<name>, evaluated at snapshot time.
func (c *Collector) RegisterGauge(name, help string, fn func() int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.gauges[name] = gauge{help: help, fn: fn}
}

// Snapshot is a point-in-time copy of all metrics.
type Snapshot struct {
	Uptime             int64
	TotalRequests      map[string]int64
	TotalRequestsDur   map[string]int64
	RequestErrors      map[string]int64
	RequestsInProgress map[string]int64
	Inbound            map[string]int64
	DispatchOutcomes   map[string]int64
	DispatchLatency    map[string]int64
	PushDelivered      int64
	PushAbandoned      int64
	PushAttempts       int64
	Gauges             map[string]int64
	GaugeHelp          map[string]string
}

// GetSnapshot returns a snapshot of current metrics.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	gauges := make(map[string]gauge, len(c.gauges))
	for k, g := range c.gauges {
		gauges[k] = g
	}
	snap := Snapshot{
		Uptime:             int64(time.Since(c.startTime).Seconds()),
		TotalRequests:      copyMap(c.totalRequests),
		TotalRequestsDur:   copyMap(c.totalRequestsDur),
		RequestErrors:      copyMap(c.requestErrors),
		RequestsInProgress: copyMap(c.requestsInProgress),
		Inbound:            copyMap(c.inbound),
		DispatchOutcomes:   copyMap(c.dispatchOutcomes),
		DispatchLatency:    copyMap(c.dispatchLatency),
		PushDelivered:      c.pushDelivered,
		PushAbandoned:      c.pushAbandoned,
		PushAttempts:       c.pushAttempts,
	}
	c.mu.RUnlock()

	// Gauge callbacks may take other locks; run them outside ours.
	snap.Gauges = make(map[string]int64, len(gauges))
	snap.GaugeHelp = make(map[string]string, len(gauges))
	for name, g := range gauges {
		snap.Gauges[name] = g.fn()
		snap.GaugeHelp[name] = g.help
	}
	return snap
}

func copyMap(m map[string]int64) map[string]int64 {
	result := make(map[string]int64, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}
