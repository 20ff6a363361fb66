package data

import (
	"sync"
	"time"
)

// TimeProvider provides time-related functionality that can be mocked for testing.
type TimeProvider interface {
	// Now returns the current time
	Now() time.Time
}

// RealTimeProvider implements TimeProvider using real system time.
type RealTimeProvider struct{}

// Now returns the current system time.
func (r *RealTimeProvider) Now() time.Time {
	return time.Now()
}

// FixedTimeProvider implements TimeProvider with a settable time for testing.
// Safe for concurrent use so engine goroutines and the test body can share it.
type FixedTimeProvider struct {
	mu        sync.Mutex
	fixedTime time.Time
}

// NewFixedTimeProvider creates a new FixedTimeProvider with the given time.
func NewFixedTimeProvider(t time.Time) *FixedTimeProvider {
	return &FixedTimeProvider{fixedTime: t}
}

// Now returns the fixed time.
func (f *FixedTimeProvider) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fixedTime
}

// SetTime updates the fixed time (useful for testing time progression).
func (f *FixedTimeProvider) SetTime(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixedTime = t
}

// AddTime adds a duration to the current fixed time.
func (f *FixedTimeProvider) AddTime(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fixedTime = f.fixedTime.Add(d)
}
