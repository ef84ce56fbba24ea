package interceptors

import (
	"sort"
	"sync"
	"time"
)

// EndpointStats is a snapshot of what a Counters collector saw for one endpoint
type EndpointStats struct {
	Endpoint  string
	Messages  int64
	Errors    int64
	TotalTime time.Duration
	MaxTime   time.Duration
}

// AverageTime is the mean processing time, zero before the first message
func (s EndpointStats) AverageTime() time.Duration {
	if s.Messages == 0 {
		return 0
	}
	return s.TotalTime / time.Duration(s.Messages)
}

// Counters is an in-process MetricsCollector keyed by endpoint
type Counters struct {
	mu    sync.Mutex
	stats map[string]*EndpointStats
}

// NewCounters creates an empty collector
func NewCounters() *Counters {
	return &Counters{stats: make(map[string]*EndpointStats)}
}

func (c *Counters) entry(endpoint string) *EndpointStats {
	s, ok := c.stats[endpoint]
	if !ok {
		s = &EndpointStats{Endpoint: endpoint}
		c.stats[endpoint] = s
	}
	return s
}

// IncrementMessageCount implements MetricsCollector
func (c *Counters) IncrementMessageCount(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(endpoint).Messages++
}

// RecordProcessingTime implements MetricsCollector
func (c *Counters) RecordProcessingTime(endpoint string, duration time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.entry(endpoint)
	s.TotalTime += duration
	if duration > s.MaxTime {
		s.MaxTime = duration
	}
}

// IncrementErrorCount implements MetricsCollector
func (c *Counters) IncrementErrorCount(endpoint string, errorType string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entry(endpoint).Errors++
}

// Snapshot returns the per-endpoint stats sorted by endpoint
func (c *Counters) Snapshot() []EndpointStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]EndpointStats, 0, len(c.stats))
	for _, s := range c.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}
