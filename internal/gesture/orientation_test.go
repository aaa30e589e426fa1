package gesture

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func gammaOnly(g float64) OrientationSample {
	return OrientationSample{Gamma: &g}
}

func TestOrientation_FirstSampleNeverEmits(t *testing.T) {
	cfg := DefaultOrientationConfig()
	var s OrientationState
	res := s.Observe(Angles(0, -80, 80), cfg, time.Unix(1000, 0))
	if len(res.Events) != 0 {
		t.Fatalf("first sample emitted %v", kindsOf(res.Events))
	}
	if res.Tilt != TiltToRight {
		t.Fatalf("expected tilt label right on first sample, got %q", res.Tilt)
	}
	if s.WindowLen() != 0 {
		t.Fatalf("first sample must not touch the velocity window")
	}
}

func TestOrientation_GammaSequenceTiltRight(t *testing.T) {
	cfg := DefaultOrientationConfig()
	t0 := time.Unix(1000, 0)

	var s OrientationState
	var got []Kind
	for i, g := range []float64{0, 25, 25, 25} {
		res := s.Observe(gammaOnly(g), cfg, t0.Add(time.Duration(i)*10*time.Millisecond))
		got = append(got, kindsOf(res.Events)...)
	}

	want := []Kind{TiltRight, TiltRight, TiltRight}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestOrientation_GammaSequenceStraightAndLeft(t *testing.T) {
	cfg := DefaultOrientationConfig()
	t0 := time.Unix(1000, 0)

	var s OrientationState
	var got []Kind
	var labels []Tilt
	for i, g := range []float64{0, 0, -25} {
		res := s.Observe(gammaOnly(g), cfg, t0.Add(time.Duration(i)*10*time.Millisecond))
		got = append(got, kindsOf(res.Events)...)
		labels = append(labels, res.Tilt)
	}

	if diff := cmp.Diff([]Kind{TiltLeft}, got); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]Tilt{TiltStraight, TiltStraight, TiltToLeft}, labels); diff != "" {
		t.Fatalf("labels mismatch (-want +got):\n%s", diff)
	}
}

func TestOrientation_FaceAndPitch(t *testing.T) {
	cfg := DefaultOrientationConfig()
	t0 := time.Unix(1000, 0)

	var s OrientationState
	s.Observe(Angles(0, 0, 0), cfg, t0)
	res := s.Observe(Angles(0, -40, 0), cfg, t0.Add(20*time.Millisecond))

	// Order follows evaluation: tilt, face, roll, pitch, spin.
	if diff := cmp.Diff([]Kind{FaceUp, Pitch}, kindsOf(res.Events)); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}

	res = s.Observe(Angles(0, 35, 0), cfg, t0.Add(40*time.Millisecond))
	if diff := cmp.Diff([]Kind{FaceDown, Pitch}, kindsOf(res.Events)); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestOrientation_RollAndSpin(t *testing.T) {
	cfg := DefaultOrientationConfig()
	t0 := time.Unix(1000, 0)

	var s OrientationState
	s.Observe(Angles(0, 0, 0), cfg, t0)
	res := s.Observe(Angles(30, 0, 0), cfg, t0.Add(50*time.Millisecond))

	// Window holds a single delta of 30, above the spin mean threshold.
	if diff := cmp.Diff([]Kind{Roll, Spin}, kindsOf(res.Events)); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
	if res.MeanVelocity != 30 {
		t.Fatalf("expected mean velocity 30, got %v", res.MeanVelocity)
	}

	// A still sample halves the mean: no roll, no spin.
	res = s.Observe(Angles(30, 0, 0), cfg, t0.Add(100*time.Millisecond))
	if len(res.Events) != 0 {
		t.Fatalf("expected no events, got %v", kindsOf(res.Events))
	}
	if res.MeanVelocity != 15 {
		t.Fatalf("expected mean velocity 15, got %v", res.MeanVelocity)
	}
}

func TestOrientation_WindowPrunesOldEntries(t *testing.T) {
	cfg := DefaultOrientationConfig()
	t0 := time.Unix(1000, 0)

	var s OrientationState
	s.Observe(Angles(0, 0, 0), cfg, t0)
	s.Observe(Angles(30, 0, 0), cfg, t0.Add(100*time.Millisecond))
	s.Observe(Angles(30, 0, 0), cfg, t0.Add(200*time.Millisecond))
	if s.WindowLen() != 2 {
		t.Fatalf("expected 2 window entries, got %d", s.WindowLen())
	}

	// 100ms + 500ms + 1ms: the first entry is now out of range.
	res := s.Observe(Angles(30, 0, 0), cfg, t0.Add(601*time.Millisecond))
	if s.WindowLen() != 2 {
		t.Fatalf("expected 2 window entries after prune, got %d", s.WindowLen())
	}
	if res.MeanVelocity != 0 {
		t.Fatalf("expected mean velocity 0 after prune, got %v", res.MeanVelocity)
	}
}

func TestOrientation_MissingAnglesContributeZero(t *testing.T) {
	cfg := DefaultOrientationConfig()
	t0 := time.Unix(1000, 0)

	var s OrientationState
	s.Observe(OrientationSample{}, cfg, t0)
	res := s.Observe(Angles(90, 50, 0), cfg, t0.Add(10*time.Millisecond))

	// No prior alpha/beta: only the absolute face rule fires.
	if diff := cmp.Diff([]Kind{FaceDown}, kindsOf(res.Events)); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
	if res.Tilt != TiltStraight {
		t.Fatalf("expected straight, got %q", res.Tilt)
	}

	res = s.Observe(OrientationSample{}, cfg, t0.Add(20*time.Millisecond))
	if res.Tilt != TiltUnknown {
		t.Fatalf("expected unknown tilt with nil gamma, got %q", res.Tilt)
	}
}

func TestOrientation_NoAlphaWraparound(t *testing.T) {
	cfg := DefaultOrientationConfig()
	t0 := time.Unix(1000, 0)

	var s OrientationState
	s.Observe(Angles(359, 0, 0), cfg, t0)
	res := s.Observe(Angles(1, 0, 0), cfg, t0.Add(10*time.Millisecond))

	if diff := cmp.Diff([]Kind{Roll, Spin}, kindsOf(res.Events)); diff != "" {
		t.Fatalf("kinds mismatch (-want +got):\n%s", diff)
	}
}

func TestParseKind_RoundTripsNames(t *testing.T) {
	for _, k := range Kinds() {
		got, err := ParseKind(k.String())
		if err != nil {
			t.Fatalf("ParseKind(%q): %v", k, err)
		}
		if got != k {
			t.Fatalf("ParseKind(%q) = %v", k, got)
		}
	}
	if _, err := ParseKind("wobble"); err == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
