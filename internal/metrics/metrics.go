package metrics

import (
	"sync"
)

// Metrics tracks process-local orchestrator counters
type Metrics struct {
	mu sync.RWMutex

	jobsSubmitted int64
	jobsCompleted int64
	jobsFailed    int64
	claimsLost    int64
	jobsReaped    int64
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// IncrementSubmitted increments the submitted jobs counter
func (m *Metrics) IncrementSubmitted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobsSubmitted++
}

// IncrementCompleted increments the completed jobs counter
func (m *Metrics) IncrementCompleted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobsCompleted++
}

// IncrementFailed increments the failed jobs counter
func (m *Metrics) IncrementFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobsFailed++
}

// IncrementClaimsLost increments the lost-claim counter (another worker won
// the pending manifest)
func (m *Metrics) IncrementClaimsLost() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimsLost++
}

// IncrementReaped increments the reaped jobs counter
func (m *Metrics) IncrementReaped() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobsReaped++
}

// GetSnapshot returns a snapshot of all metrics
func (m *Metrics) GetSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]int64{
		"jobs_submitted": m.jobsSubmitted,
		"jobs_completed": m.jobsCompleted,
		"jobs_failed":    m.jobsFailed,
		"claims_lost":    m.claimsLost,
		"jobs_reaped":    m.jobsReaped,
	}
}
