package gesture

import (
	"math"
	"time"
)

// Motion defaults. Sensitivity and the rhythm bounds are user-tunable through
// the settings store; the remaining constants are fixed classifier policy.
const (
	DefaultSensitivity = 15.0
	DefaultRhythmMin   = 300 * time.Millisecond
	DefaultRhythmMax   = 600 * time.Millisecond

	// shakeMargin is added to sensitivity to get the full-shake threshold.
	shakeMargin = 8.0
	// smallShakeFloor bounds the small-shake threshold from below.
	smallShakeFloor = 8.0

	// Absolute guard on the rhythm interval, applied before the user bounds.
	rhythmGuardMin = 30 * time.Millisecond
	rhythmGuardMax = 2000 * time.Millisecond
)

// MotionSample is one linear-acceleration reading, gravity excluded (m/s²).
type MotionSample struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// MotionConfig is read fresh for every sample so settings changes apply
// without restarting the session.
type MotionConfig struct {
	Sensitivity float64
	RhythmMin   time.Duration
	RhythmMax   time.Duration
}

// DefaultMotionConfig returns the stock tuning.
func DefaultMotionConfig() MotionConfig {
	return MotionConfig{
		Sensitivity: DefaultSensitivity,
		RhythmMin:   DefaultRhythmMin,
		RhythmMax:   DefaultRhythmMax,
	}
}

// RhythmStatus is the display label for the most recent counted shake.
type RhythmStatus string

const (
	RhythmUnknown RhythmStatus = ""
	RhythmNone    RhythmStatus = "none"
	RhythmGood    RhythmStatus = "good"
)

// MotionState is the per-session state of the motion classifier.
// The zero value is ready to use and represents a fresh session.
type MotionState struct {
	last        MotionSample
	seeded      bool
	lastEventAt time.Time
	count       int
	rhythm      RhythmStatus
}

// MotionResult describes what a single sample produced.
type MotionResult struct {
	Events []Event

	// Diff is the L1 distance to the previous sample (0 for the first one).
	Diff float64

	// Counted is true when Diff exceeded the sensitivity threshold and the
	// running count was incremented.
	Counted bool

	Count  int
	Rhythm RhythmStatus
}

// Count returns the running count of samples that exceeded sensitivity.
func (s *MotionState) Count() int { return s.count }

// Rhythm returns the current rhythm display status.
func (s *MotionState) Rhythm() RhythmStatus { return s.rhythm }

// Observe classifies one sample. The first sample of a session only seeds
// the baseline.
func (s *MotionState) Observe(sample MotionSample, cfg MotionConfig, now time.Time) MotionResult {
	if !s.seeded {
		s.last = sample
		s.seeded = true
		return MotionResult{Count: s.count, Rhythm: s.rhythm}
	}

	diff := math.Abs(sample.X-s.last.X) + math.Abs(sample.Y-s.last.Y) + math.Abs(sample.Z-s.last.Z)
	res := MotionResult{Diff: diff}

	switch {
	case diff > cfg.Sensitivity+shakeMargin:
		res.Events = append(res.Events, Event{Kind: Shake, At: now})
	case diff > math.Max(smallShakeFloor, math.Floor(cfg.Sensitivity/2)):
		res.Events = append(res.Events, Event{Kind: SmallShake, At: now})
	}

	if diff > cfg.Sensitivity {
		interval := now.Sub(s.lastEventAt)
		if !s.lastEventAt.IsZero() &&
			interval > rhythmGuardMin && interval < rhythmGuardMax &&
			interval >= cfg.RhythmMin && interval <= cfg.RhythmMax {
			res.Events = append(res.Events, Event{Kind: RhythmShake, At: now})
			s.rhythm = RhythmGood
		} else {
			s.rhythm = RhythmNone
		}
		s.lastEventAt = now
		s.count++
		res.Counted = true
	}

	s.last = sample
	res.Count = s.count
	res.Rhythm = s.rhythm
	return res
}
