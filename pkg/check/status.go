package check

import (
	"sync"
)

// Status holds the most recent result of one configured check. Workers
// write it with SetResult and readers copy it out with Snapshot.
type Status struct {
	mu       sync.RWMutex
	last     Result
	updated  int64
	passed   int64
	failures int
}

func NewStatus() *Status {
	return &Status{}
}

// SetResult records a run. A zero timestamp leaves the update times as
// they were.
func (s *Status) SetResult(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = r
	if r.Success {
		s.failures = 0
	} else {
		s.failures++
	}
	if r.Timestamp.IsZero() {
		return
	}
	s.updated = r.Timestamp.Unix()
	if r.Success {
		s.passed = s.updated
	}
}

// Alive reports whether the last run passed.
func (s *Status) Alive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last.Success
}

// Metric returns a metric of the last run. A metric the check could not
// measure is reported as absent.
func (s *Status) Metric(key string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if v := s.last.Metrics[key]; v != nil {
		return *v, true
	}
	return 0, false
}

// LastUpdate is the unix time of the last run, or 0.
func (s *Status) LastUpdate() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updated
}

// Failures counts the runs that failed since the last one that passed.
func (s *Status) Failures() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failures
}

// StatusSnapshot is a copy of a Status safe to serialise.
type StatusSnapshot struct {
	Alive      bool              `json:"alive"`
	Metrics    map[string]*int64 `json:"metrics,omitempty"`
	LastUpdate int64             `json:"lastupdate"`
	LastPass   int64             `json:"last_pass,omitempty"`
	Failures   int               `json:"failures,omitempty"`
	Error      string            `json:"error,omitempty"`
}

func (s *Status) Snapshot() StatusSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := StatusSnapshot{
		Alive:      s.last.Success,
		LastUpdate: s.updated,
		LastPass:   s.passed,
		Failures:   s.failures,
	}
	if s.last.Metrics != nil {
		snap.Metrics = make(map[string]*int64, len(s.last.Metrics))
		for k, v := range s.last.Metrics {
			if v == nil {
				snap.Metrics[k] = nil
				continue
			}
			snap.Metrics[k] = Int64(*v)
		}
	}
	if s.last.Err != nil {
		snap.Error = s.last.Err.Error()
	}
	return snap
}
