package engine

import (
	"strings"
	"sync"
)

// lane serializes executions of one QUEUE-policy job. While busy, further
// requests for the job are parked in arrival order.
type lane struct {
	busy   bool
	parked []Request
}

// laneStore holds per-job lanes. Idle lanes are removed so the map only
// grows with jobs that are actually executing.
type laneStore struct {
	mu sync.Mutex
	m  map[string]*lane
}

// acquire marks the lane busy and returns true, or parks r and returns false.
func (s *laneStore) acquire(jobID string, r Request) bool {
	k := strings.TrimSpace(jobID)
	if k == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]*lane)
	}
	l := s.m[k]
	if l == nil {
		l = &lane{}
		s.m[k] = l
	}
	if l.busy {
		l.parked = append(l.parked, r)
		return false
	}
	l.busy = true
	return true
}

// release frees the lane and hands back the next parked request, if any.
// The lane stays busy on behalf of the returned request.
func (s *laneStore) release(jobID string) (Request, bool) {
	k := strings.TrimSpace(jobID)
	if k == "" {
		return Request{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.m[k]
	if l == nil {
		return Request{}, false
	}
	if len(l.parked) == 0 {
		delete(s.m, k)
		return Request{}, false
	}
	next := l.parked[0]
	l.parked = l.parked[1:]
	return next, true
}

// drain empties every lane and returns the parked requests in arrival
// order per job.
func (s *laneStore) drain() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, l := range s.m {
		out = append(out, l.parked...)
	}
	s.m = nil
	return out
}

func (s *laneStore) parked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, l := range s.m {
		n += len(l.parked)
	}
	return n
}
