package gesture

import (
	"math"
	"time"

	"gonum.org/v1/gonum/stat"
)

// OrientationSample carries device angles in degrees. Any angle may be
// missing (nil) when the platform does not report it.
type OrientationSample struct {
	Alpha *float64 `json:"alpha"`
	Beta  *float64 `json:"beta"`
	Gamma *float64 `json:"gamma"`
}

// Angles builds a sample with all three angles present.
func Angles(alpha, beta, gamma float64) OrientationSample {
	return OrientationSample{Alpha: &alpha, Beta: &beta, Gamma: &gamma}
}

// OrientationConfig holds the orientation thresholds, all in degrees except
// SpinWindow.
type OrientationConfig struct {
	TiltDeg       float64
	FaceDeg       float64
	RollDeltaDeg  float64
	PitchDeltaDeg float64
	SpinMeanDeg   float64
	SpinWindow    time.Duration
}

// DefaultOrientationConfig returns the stock thresholds.
func DefaultOrientationConfig() OrientationConfig {
	return OrientationConfig{
		TiltDeg:       20,
		FaceDeg:       30,
		RollDeltaDeg:  20,
		PitchDeltaDeg: 20,
		SpinMeanDeg:   25,
		SpinWindow:    500 * time.Millisecond,
	}
}

// Tilt is the display label derived from gamma.
type Tilt string

const (
	TiltUnknown  Tilt = ""
	TiltStraight Tilt = "straight"
	TiltToLeft   Tilt = "left"
	TiltToRight  Tilt = "right"
)

type velocityPoint struct {
	at    time.Time
	delta float64
}

// OrientationState is the per-session state of the orientation classifier.
// The zero value is a fresh session.
type OrientationState struct {
	last        OrientationSample
	seeded      bool
	lastEventAt time.Time
	count       int

	// window holds alpha deltas for the trailing SpinWindow, oldest first.
	window []velocityPoint
}

// OrientationResult describes what a single sample produced.
type OrientationResult struct {
	Events       []Event
	Tilt         Tilt
	MeanVelocity float64
	Count        int
}

// Count returns the running number of orientation events emitted.
func (s *OrientationState) Count() int { return s.count }

// WindowLen reports how many velocity points are currently retained.
func (s *OrientationState) WindowLen() int { return len(s.window) }

// Observe classifies one sample. The first sample of a session seeds state
// and emits nothing; the tilt label is still reported for display.
func (s *OrientationState) Observe(sample OrientationSample, cfg OrientationConfig, now time.Time) OrientationResult {
	res := OrientationResult{Tilt: tiltLabel(sample.Gamma, cfg.TiltDeg)}

	if !s.seeded {
		s.last = copySample(sample)
		s.seeded = true
		res.Count = s.count
		return res
	}

	emit := func(k Kind) {
		res.Events = append(res.Events, Event{Kind: k, At: now})
	}

	if g := sample.Gamma; g != nil {
		switch {
		case *g > cfg.TiltDeg:
			emit(TiltRight)
		case *g < -cfg.TiltDeg:
			emit(TiltLeft)
		}
	}

	if b := sample.Beta; b != nil {
		switch {
		case *b < -cfg.FaceDeg:
			emit(FaceUp)
		case *b > cfg.FaceDeg:
			emit(FaceDown)
		}
	}

	deltaAlpha := angleDelta(sample.Alpha, s.last.Alpha)
	if deltaAlpha > cfg.RollDeltaDeg {
		emit(Roll)
	}
	if angleDelta(sample.Beta, s.last.Beta) > cfg.PitchDeltaDeg {
		emit(Pitch)
	}

	s.window = append(s.window, velocityPoint{at: now, delta: deltaAlpha})
	s.pruneWindow(now, cfg.SpinWindow)
	res.MeanVelocity = s.meanVelocity()
	if res.MeanVelocity > cfg.SpinMeanDeg {
		emit(Spin)
	}

	if len(res.Events) > 0 {
		s.lastEventAt = now
		s.count += len(res.Events)
	}
	s.last = copySample(sample)
	res.Count = s.count
	return res
}

func (s *OrientationState) pruneWindow(now time.Time, span time.Duration) {
	drop := 0
	for drop < len(s.window) && now.Sub(s.window[drop].at) > span {
		drop++
	}
	if drop > 0 {
		s.window = append(s.window[:0], s.window[drop:]...)
	}
}

func (s *OrientationState) meanVelocity() float64 {
	if len(s.window) == 0 {
		return 0
	}
	xs := make([]float64, len(s.window))
	for i, p := range s.window {
		xs[i] = p.delta
	}
	return stat.Mean(xs, nil)
}

// angleDelta is |a-b|, or 0 when either side is missing. No wraparound is
// applied across the 0/360 boundary.
func angleDelta(a, b *float64) float64 {
	if a == nil || b == nil {
		return 0
	}
	return math.Abs(*a - *b)
}

func tiltLabel(gamma *float64, threshold float64) Tilt {
	if gamma == nil {
		return TiltUnknown
	}
	switch {
	case *gamma > threshold:
		return TiltToRight
	case *gamma < -threshold:
		return TiltToLeft
	default:
		return TiltStraight
	}
}

func copySample(s OrientationSample) OrientationSample {
	return OrientationSample{Alpha: copyAngle(s.Alpha), Beta: copyAngle(s.Beta), Gamma: copyAngle(s.Gamma)}
}

func copyAngle(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
