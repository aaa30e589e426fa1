package main

import (
	"time"

	"shakebrainz/internal/gesture"
)

// DaemonState is the top-level, daemon-owned state container. Only the
// daemon goroutine touches it; other goroutines see StateSnapshot copies.
type DaemonState struct {
	Session SessionState

	// Classifier state. Reset whenever a new session starts.
	Motion      gesture.MotionState
	Orientation gesture.OrientationState

	Display DisplayState
}

// SessionState mirrors the session controller as last observed.
type SessionState struct {
	Active    bool
	ID        string
	StartedAt time.Time
	Sources   []string

	// Starting is set while a Start is in flight.
	Starting bool

	// LastError is the user-visible reason the last Start failed.
	LastError string
}

// DisplayState is what display clients are told about. Broadcasts are only
// emitted when one of these fields changes.
type DisplayState struct {
	Count            int
	OrientationCount int
	Tilt             gesture.Tilt
	Rhythm           gesture.RhythmStatus

	LastGesture   gesture.Kind
	LastGestureAt time.Time
	HasGesture    bool
}

// resetClassifiers gives a new session fresh classifier and display state.
func (s *DaemonState) resetClassifiers() {
	s.Motion = gesture.MotionState{}
	s.Orientation = gesture.OrientationState{}
	s.Display = DisplayState{}
}

// Snapshot returns a copy safe to hand to other goroutines.
func (s *DaemonState) Snapshot() StateSnapshot {
	snap := StateSnapshot{
		SessionActive:    s.Session.Active,
		SessionID:        s.Session.ID,
		SessionStartedAt: s.Session.StartedAt,
		SessionStarting:  s.Session.Starting,
		SessionError:     s.Session.LastError,
		Sources:          append([]string(nil), s.Session.Sources...),
		Count:            s.Display.Count,
		OrientationCount: s.Display.OrientationCount,
		Tilt:             s.Display.Tilt,
		Rhythm:           s.Display.Rhythm,
	}
	if s.Display.HasGesture {
		snap.LastGesture = s.Display.LastGesture.String()
		snap.LastGestureAt = s.Display.LastGestureAt
	}
	return snap
}

// StateSnapshot is the reducer-produced view delivered to RequestStateSnapshot.
type StateSnapshot struct {
	SessionActive    bool
	SessionID        string
	SessionStartedAt time.Time
	SessionStarting  bool
	SessionError     string
	Sources          []string

	Count            int
	OrientationCount int
	Tilt             gesture.Tilt
	Rhythm           gesture.RhythmStatus

	LastGesture   string
	LastGestureAt time.Time
}
