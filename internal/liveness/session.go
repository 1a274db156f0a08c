package liveness

import (
	"math/rand"
	"time"

	"presence/internal/faceengine"
)

// Session is one run of the challenge protocol: an ordered-by-random-draw,
// duplicate-free walk over the full challenge set.
type Session struct {
	thresholds Thresholds
	rng        *rand.Rand

	pending   []Challenge
	completed []Challenge
	current   Challenge
	trackers  map[Challenge]*tracker
}

// NewSession creates a session over the given challenge set. rng may be
// nil, in which case a time-seeded source is used.
func NewSession(set []Challenge, thresholds Thresholds, rng *rand.Rand) *Session {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s := &Session{
		thresholds: thresholds,
		rng:        rng,
		pending:    append([]Challenge(nil), set...),
		trackers:   make(map[Challenge]*tracker),
	}
	for _, c := range set {
		s.trackers[c] = &tracker{}
	}
	return s
}

// Current returns the active challenge, or "" when none is issued.
func (s *Session) Current() Challenge {
	return s.current
}

// Completed returns the challenges completed so far, in completion order.
func (s *Session) Completed() []Challenge {
	return append([]Challenge(nil), s.completed...)
}

// AllComplete reports whether every challenge has been passed.
func (s *Session) AllComplete() bool {
	return len(s.pending) == 0 && s.current == ""
}

// Advance draws the next challenge uniformly at random from the ones not
// yet completed. ok is false when none remain.
func (s *Session) Advance() (Challenge, bool) {
	if s.current != "" {
		return s.current, true
	}
	if len(s.pending) == 0 {
		return "", false
	}
	i := s.rng.Intn(len(s.pending))
	s.current = s.pending[i]
	s.pending = append(s.pending[:i], s.pending[i+1:]...)
	// Fresh baseline for displacement tracking.
	s.trackers[s.current] = &tracker{}
	return s.current, true
}

// Observe feeds one landmark set to the active challenge's detector.
// When the detector fires the challenge is marked completed exactly once
// and the session is left with no current challenge.
func (s *Session) Observe(lm faceengine.Landmarks) bool {
	if s.current == "" {
		return false
	}
	t := s.trackers[s.current]
	if !t.observe(s.current, lm, s.thresholds) {
		return false
	}
	s.completed = append(s.completed, s.current)
	s.current = ""
	return true
}
