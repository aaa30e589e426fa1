package main

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"shakebrainz/internal/gesture"
	"shakebrainz/internal/session"
	"shakebrainz/internal/store"
)

func testTuning(sensitivity float64) Tuning {
	m := gesture.DefaultMotionConfig()
	m.Sensitivity = sensitivity
	return Tuning{Motion: m, Orientation: gesture.DefaultOrientationConfig()}
}

// activeState returns a state with a running session.
func activeState(t *testing.T) *DaemonState {
	t.Helper()
	s := &DaemonState{}
	rr := Reduce(s, SessionStarted{
		Info: session.Info{ID: uuid.New(), StartedAt: time.Unix(1000, 0), Sources: []string{"websocket"}},
		At:   time.Unix(1000, 0),
	}, testTuning(10))
	if !rr.State.Session.Active {
		t.Fatalf("expected session to be active after SessionStarted")
	}
	return rr.State
}

func dispatchedKinds(cmds []Command) []gesture.Kind {
	var kinds []gesture.Kind
	for _, c := range cmds {
		if d, ok := c.(CmdDispatchGesture); ok {
			kinds = append(kinds, d.Event.Kind)
		}
	}
	return kinds
}

func motion(x, y, z float64) MotionSampleReceived {
	return MotionSampleReceived{MotionSample: gesture.MotionSample{X: x, Y: y, Z: z}}
}

func TestReduce_SamplesIgnoredWithoutSession(t *testing.T) {
	s := &DaemonState{}
	t0 := time.Unix(1000, 0)

	rr := Reduce(s, TimedEvent{Event: motion(0, 0, 0), At: t0}, testTuning(10))
	rr = Reduce(rr.State, TimedEvent{Event: motion(0, 0, 40), At: t0.Add(time.Second)}, testTuning(10))

	if len(rr.Commands) != 0 || len(rr.Broadcasts) != 0 {
		t.Fatalf("expected no output without a session, got %d commands, %d broadcasts", len(rr.Commands), len(rr.Broadcasts))
	}
	if rr.State.Display.Count != 0 {
		t.Fatalf("expected count 0, got %d", rr.State.Display.Count)
	}
}

func TestReduce_SessionStarted_ResetsAndPreloads(t *testing.T) {
	s := &DaemonState{}
	s.Display.Count = 7
	s.Session.Starting = true
	s.Session.LastError = "old"

	id := uuid.New()
	at := time.Unix(2000, 0)
	rr := Reduce(s, SessionStarted{Info: session.Info{ID: id, StartedAt: at, Sources: []string{"evdev"}}, At: at}, testTuning(10))

	st := rr.State.Session
	if !st.Active || st.Starting || st.LastError != "" || st.ID != id.String() {
		t.Fatalf("unexpected session state: %+v", st)
	}
	if rr.State.Display.Count != 0 {
		t.Fatalf("expected display reset, got count %d", rr.State.Display.Count)
	}

	if len(rr.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(rr.Commands))
	}
	if _, ok := rr.Commands[0].(CmdPreloadSounds); !ok {
		t.Fatalf("expected CmdPreloadSounds, got %T", rr.Commands[0])
	}

	if len(rr.Broadcasts) != 2 {
		t.Fatalf("expected 2 broadcasts, got %d", len(rr.Broadcasts))
	}
	sc, ok := rr.Broadcasts[0].(BroadcastSessionChanged)
	if !ok || !sc.Active || sc.ID != id.String() {
		t.Fatalf("expected active BroadcastSessionChanged, got %#v", rr.Broadcasts[0])
	}
	if cc, ok := rr.Broadcasts[1].(BroadcastCountChanged); !ok || cc.Count != 0 {
		t.Fatalf("expected zero BroadcastCountChanged, got %#v", rr.Broadcasts[1])
	}

	// Same session reported again: nothing new.
	rr = Reduce(rr.State, SessionStarted{Info: session.Info{ID: id, StartedAt: at}, At: at}, testTuning(10))
	if len(rr.Commands) != 0 || len(rr.Broadcasts) != 0 {
		t.Fatalf("expected repeated SessionStarted to be a no-op, got %d commands, %d broadcasts", len(rr.Commands), len(rr.Broadcasts))
	}
}

func TestReduce_SessionStartFailed_Denied(t *testing.T) {
	s := &DaemonState{}
	s.Session.Starting = true

	err := errors.Join(errors.New("gate"), session.ErrPermissionDenied)
	rr := Reduce(s, SessionStartFailed{Err: err, At: time.Unix(1, 0)}, testTuning(10))

	if rr.State.Session.Starting || rr.State.Session.Active {
		t.Fatalf("unexpected session state: %+v", rr.State.Session)
	}
	if rr.State.Session.LastError != permissionDeniedMessage {
		t.Fatalf("LastError = %q, want %q", rr.State.Session.LastError, permissionDeniedMessage)
	}
	if len(rr.Broadcasts) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(rr.Broadcasts))
	}
	sc, ok := rr.Broadcasts[0].(BroadcastSessionChanged)
	if !ok || sc.Active || sc.Error != permissionDeniedMessage {
		t.Fatalf("expected denial BroadcastSessionChanged, got %#v", rr.Broadcasts[0])
	}

	// Other failures carry their own message.
	rr = Reduce(rr.State, SessionStartFailed{Err: errors.New("boom")}, testTuning(10))
	if rr.State.Session.LastError != "boom" {
		t.Fatalf("LastError = %q, want boom", rr.State.Session.LastError)
	}
}

func TestReduce_StartSession_EmitsCommandWithReply(t *testing.T) {
	reply := make(chan error, 1)
	rr := Reduce(&DaemonState{}, TimedEvent{Event: StartSession{Reply: reply}, At: time.Now()}, testTuning(10))

	if !rr.State.Session.Starting {
		t.Fatalf("expected Starting to be set")
	}
	if len(rr.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(rr.Commands))
	}
	cmd, ok := rr.Commands[0].(CmdStartSession)
	if !ok {
		t.Fatalf("expected CmdStartSession, got %T", rr.Commands[0])
	}
	if cmd.Reply == nil {
		t.Fatalf("expected reply channel to be forwarded")
	}
}

// A jump from rest to 20 m/s² on one axis with sensitivity 10 is a full
// shake and one counted sample.
func TestReduce_MotionEndToEnd(t *testing.T) {
	s := activeState(t)
	t0 := time.Unix(3000, 0)
	tun := testTuning(10)

	rr := Reduce(s, TimedEvent{Event: motion(0, 0, 0), At: t0}, tun)
	if len(rr.Commands) != 0 || len(rr.Broadcasts) != 0 {
		t.Fatalf("first sample must only seed, got %d commands, %d broadcasts", len(rr.Commands), len(rr.Broadcasts))
	}

	t1 := t0.Add(100 * time.Millisecond)
	rr = Reduce(rr.State, TimedEvent{Event: motion(0, 0, 20), At: t1}, tun)

	if diff := cmp.Diff([]gesture.Kind{gesture.Shake}, dispatchedKinds(rr.Commands)); diff != "" {
		t.Fatalf("dispatched kinds mismatch (-want +got):\n%s", diff)
	}
	if rr.State.Display.Count != 1 {
		t.Fatalf("expected count 1, got %d", rr.State.Display.Count)
	}
	if !rr.State.Display.HasGesture || rr.State.Display.LastGesture != gesture.Shake || !rr.State.Display.LastGestureAt.Equal(t1) {
		t.Fatalf("unexpected last gesture: %+v", rr.State.Display)
	}

	var sawGesture, sawCount, sawRhythm bool
	for _, b := range rr.Broadcasts {
		switch ev := b.(type) {
		case BroadcastGesture:
			sawGesture = ev.Kind == gesture.Shake
		case BroadcastCountChanged:
			sawCount = ev.Count == 1
		case BroadcastRhythmChanged:
			sawRhythm = ev.Rhythm == gesture.RhythmNone
		}
	}
	if !sawGesture || !sawCount || !sawRhythm {
		t.Fatalf("missing broadcasts: gesture=%v count=%v rhythm=%v (%#v)", sawGesture, sawCount, sawRhythm, rr.Broadcasts)
	}
}

func TestReduce_MotionRhythmGood(t *testing.T) {
	s := activeState(t)
	t0 := time.Unix(3000, 0)
	tun := testTuning(10)

	rr := Reduce(s, TimedEvent{Event: motion(0, 0, 0), At: t0}, tun)
	rr = Reduce(rr.State, TimedEvent{Event: motion(0, 0, 20), At: t0.Add(100 * time.Millisecond)}, tun)
	// Exactly rhythmMin after the previous counted sample.
	rr = Reduce(rr.State, TimedEvent{Event: motion(0, 0, 0), At: t0.Add(400 * time.Millisecond)}, tun)

	want := []gesture.Kind{gesture.Shake, gesture.RhythmShake}
	if diff := cmp.Diff(want, dispatchedKinds(rr.Commands)); diff != "" {
		t.Fatalf("dispatched kinds mismatch (-want +got):\n%s", diff)
	}
	if rr.State.Display.Rhythm != gesture.RhythmGood {
		t.Fatalf("expected rhythm good, got %q", rr.State.Display.Rhythm)
	}
	if rr.State.Display.Count != 2 {
		t.Fatalf("expected count 2, got %d", rr.State.Display.Count)
	}
}

func TestReduce_MotionUsesTuningPerSample(t *testing.T) {
	s := activeState(t)
	t0 := time.Unix(3000, 0)

	rr := Reduce(s, TimedEvent{Event: motion(0, 0, 0), At: t0}, testTuning(10))
	// Raised sensitivity: diff 20 is below 20+8, above max(8, 10).
	rr = Reduce(rr.State, TimedEvent{Event: motion(0, 0, 20), At: t0.Add(time.Second)}, testTuning(20))

	if diff := cmp.Diff([]gesture.Kind{gesture.SmallShake}, dispatchedKinds(rr.Commands)); diff != "" {
		t.Fatalf("dispatched kinds mismatch (-want +got):\n%s", diff)
	}
	if rr.State.Display.Count != 0 {
		t.Fatalf("expected count 0 (diff not above sensitivity), got %d", rr.State.Display.Count)
	}
}

func TestReduce_OrientationTiltAndCount(t *testing.T) {
	s := activeState(t)
	t0 := time.Unix(4000, 0)
	tun := testTuning(10)

	// First sample seeds; the label is still reported.
	rr := Reduce(s, TimedEvent{Event: OrientationSampleReceived{OrientationSample: gesture.Angles(0, 0, 30)}, At: t0}, tun)
	if len(rr.Commands) != 0 {
		t.Fatalf("first orientation sample must not dispatch, got %d commands", len(rr.Commands))
	}
	if len(rr.Broadcasts) != 1 {
		t.Fatalf("expected only a tilt broadcast, got %#v", rr.Broadcasts)
	}
	if tc, ok := rr.Broadcasts[0].(BroadcastTiltChanged); !ok || tc.Tilt != gesture.TiltToRight {
		t.Fatalf("expected tilt right, got %#v", rr.Broadcasts[0])
	}

	rr = Reduce(rr.State, TimedEvent{Event: OrientationSampleReceived{OrientationSample: gesture.Angles(0, 0, 30)}, At: t0.Add(50 * time.Millisecond)}, tun)
	if diff := cmp.Diff([]gesture.Kind{gesture.TiltRight}, dispatchedKinds(rr.Commands)); diff != "" {
		t.Fatalf("dispatched kinds mismatch (-want +got):\n%s", diff)
	}
	if rr.State.Display.OrientationCount != 1 {
		t.Fatalf("expected orientation count 1, got %d", rr.State.Display.OrientationCount)
	}
	for _, b := range rr.Broadcasts {
		if _, ok := b.(BroadcastTiltChanged); ok {
			t.Fatalf("unchanged tilt must not be broadcast again")
		}
	}

	// Missing gamma leaves the label alone.
	beta := 0.0
	rr = Reduce(rr.State, TimedEvent{Event: OrientationSampleReceived{OrientationSample: gesture.OrientationSample{Beta: &beta}}, At: t0.Add(100 * time.Millisecond)}, tun)
	if rr.State.Display.Tilt != gesture.TiltToRight {
		t.Fatalf("expected tilt to stay right, got %q", rr.State.Display.Tilt)
	}
}

func TestReduce_SettingsEventsBecomeCommands(t *testing.T) {
	vol := 0.5
	sens := 12.0

	cases := []struct {
		name string
		ev   Event
		want Command
	}{
		{"set_rule", SetRule{Kind: gesture.Spin, Ref: "bell"}, CmdSetRule{Kind: gesture.Spin, Ref: "bell"}},
		{"clear_rule", ClearRule{Kind: gesture.Roll}, CmdClearRule{Kind: gesture.Roll}},
		{"set_tuning", SetTuning{Tuning: store.Tuning{Sensitivity: &sens}}, CmdApplyTuning{Tuning: store.Tuning{Sensitivity: &sens}}},
		{"add_sound", AddSound{Sound: store.Sound{Name: "a", URL: "b"}}, CmdAddSound{Sound: store.Sound{Name: "a", URL: "b"}}},
		{"remove_sound", RemoveSound{Name: "a"}, CmdRemoveSound{Name: "a"}},
		{"preview_sound", PreviewSound{Ref: "x", Volume: &vol}, CmdPreviewSound{Ref: "x", Volume: &vol}},
		{"invalidate_sound", InvalidateSound{Ref: "x"}, CmdInvalidateSound{Ref: "x"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := Reduce(&DaemonState{}, TimedEvent{Event: tc.ev, At: time.Now()}, testTuning(10))
			if len(rr.Commands) != 1 {
				t.Fatalf("expected 1 command, got %d", len(rr.Commands))
			}
			if diff := cmp.Diff(tc.want, rr.Commands[0]); diff != "" {
				t.Fatalf("command mismatch (-want +got):\n%s", diff)
			}
			if len(rr.Broadcasts) != 0 {
				t.Fatalf("settings events must not broadcast, got %d", len(rr.Broadcasts))
			}
		})
	}
}

func TestReduce_RequestStateSnapshot(t *testing.T) {
	s := activeState(t)
	s.Display.Count = 3
	s.Display.Tilt = gesture.TiltToLeft

	reply := make(chan StateSnapshot, 1)
	rr := Reduce(s, TimedEvent{Event: RequestStateSnapshot{Reply: reply}, At: time.Now()}, testTuning(10))

	if len(rr.Commands) != 1 {
		t.Fatalf("expected 1 command, got %d", len(rr.Commands))
	}
	cmd, ok := rr.Commands[0].(CmdPublishStateSnapshot)
	if !ok {
		t.Fatalf("expected CmdPublishStateSnapshot, got %T", rr.Commands[0])
	}
	if !cmd.Snapshot.SessionActive || cmd.Snapshot.Count != 3 || cmd.Snapshot.Tilt != gesture.TiltToLeft {
		t.Fatalf("unexpected snapshot: %+v", cmd.Snapshot)
	}
	if cmd.Snapshot.LastGesture != "" {
		t.Fatalf("expected no last gesture, got %q", cmd.Snapshot.LastGesture)
	}
}
