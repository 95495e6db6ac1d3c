package authority

import (
	"sync"
	"time"
)

// SilenceTracker detects the absence of explicit operator action. Only an
// attributable operator action resets it; nothing the runtime does on its
// own counts as activity.
//
// Silence always resolves to pause. A tracker with no recorded action at
// all reports silent. Absence of a signal is never permission.
type SilenceTracker struct {
	mu         sync.Mutex
	timeout    time.Duration
	lastAction time.Time
	hasAction  bool
}

// NewSilenceTracker creates a tracker with the given timeout.
func NewSilenceTracker(timeout time.Duration) *SilenceTracker {
	return &SilenceTracker{timeout: timeout}
}

// RecordActivity records an explicit operator action at ts.
func (s *SilenceTracker) RecordActivity(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasAction || ts.After(s.lastAction) {
		s.lastAction = ts
	}
	s.hasAction = true
}

// IsSilent reports whether the silence timeout has been exceeded at now.
func (s *SilenceTracker) IsSilent(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasAction {
		return true
	}
	return now.Sub(s.lastAction) > s.timeout
}

// Timeout returns the configured timeout.
func (s *SilenceTracker) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// Remaining returns how long until silence would be declared at now. Zero
// means silence has already set in.
func (s *SilenceTracker) Remaining(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasAction {
		return 0
	}
	remaining := s.timeout - now.Sub(s.lastAction)
	if remaining < 0 {
		return 0
	}
	return remaining
}
