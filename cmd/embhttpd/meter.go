package main

import (
	"sync"

	"github.com/embhttp/embhttp/internal/obs"
)

// statsMeter aggregates engine measurements in memory for the /stats
// endpoint. Histograms collapse to running count and sum.
type statsMeter struct {
	mu     sync.Mutex
	counts map[string]float64
}

func newStatsMeter() *statsMeter {
	return &statsMeter{counts: make(map[string]float64)}
}

func (m *statsMeter) Counter(name string, value float64, labels ...obs.Label) {
	m.mu.Lock()
	m.counts[name] += value
	m.mu.Unlock()
}

func (m *statsMeter) Histogram(name string, value float64, labels ...obs.Label) {
	m.mu.Lock()
	m.counts[name+"_count"]++
	m.counts[name+"_sum"] += value
	m.mu.Unlock()
}

func (m *statsMeter) snapshot() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.counts))
	for k, v := range m.counts {
		out[k] = v
	}
	return out
}
