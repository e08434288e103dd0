package metrics

import (
	"sync"
	"testing"
)

func TestMetrics_Increment(t *testing.T) {
	m := NewMetrics()

	m.IncrementSubmitted()
	m.IncrementSubmitted()
	m.IncrementCompleted()
	m.IncrementFailed()
	m.IncrementClaimsLost()
	m.IncrementReaped()

	snapshot := m.GetSnapshot()
	want := map[string]int64{
		"jobs_submitted": 2,
		"jobs_completed": 1,
		"jobs_failed":    1,
		"claims_lost":    1,
		"jobs_reaped":    1,
	}
	for key, value := range want {
		if snapshot[key] != value {
			t.Errorf("%s = %d, want %d", key, snapshot[key], value)
		}
	}
}

func TestMetrics_ConcurrentAccess(t *testing.T) {
	m := NewMetrics()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.IncrementSubmitted()
			m.GetSnapshot()
		}()
	}
	wg.Wait()

	if got := m.GetSnapshot()["jobs_submitted"]; got != 50 {
		t.Errorf("jobs_submitted = %d, want 50", got)
	}
}
