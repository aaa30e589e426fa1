package main

import (
	"errors"
	"time"

	"shakebrainz/internal/gesture"
	"shakebrainz/internal/session"
)

// This file implements the reducer-style architecture building blocks:
//
//   - Events: inputs to the reducer (samples, user intents, session outcomes)
//   - Commands: side effects requested by the reducer (dispatch, settings, session)
//   - Broadcasts: display updates for websocket clients
//   - Reduce(): computes next state + commands + broadcasts, without performing I/O
//
// Classifier state lives inside DaemonState, so classification itself is
// part of the reduction. The daemon loop executes Commands and feeds
// observations back as Events.

// ==============================
// Events
// ==============================

// Event is the input to the reducer.
type Event interface {
	eventMarker()
}

// TimedEvent wraps a payload event with the time the daemon received it.
type TimedEvent struct {
	Event Event
	At    time.Time
}

func (TimedEvent) eventMarker() {}

// RequestStateSnapshot asks the reducer for a StateSnapshot.
type RequestStateSnapshot struct {
	Reply chan<- StateSnapshot
}

func (RequestStateSnapshot) eventMarker() {}

// SessionStarted is emitted after the session controller attached sources.
type SessionStarted struct {
	Info session.Info
	At   time.Time
}

func (SessionStarted) eventMarker() {}

// SessionStartFailed is emitted when Start was denied or failed.
type SessionStartFailed struct {
	Err error
	At  time.Time
}

func (SessionStartFailed) eventMarker() {}

// CommandFailed is emitted when executing a Command fails.
type CommandFailed struct {
	Command Command
	Err     error
	At      time.Time
}

func (CommandFailed) eventMarker() {}

// ==============================
// Broadcasts
// ==============================

// StateBroadcast is a display update emitted by the reducer.
type StateBroadcast interface {
	broadcastMarker()
}

type BroadcastGesture struct {
	Kind gesture.Kind
	At   time.Time
}

func (BroadcastGesture) broadcastMarker() {}

type BroadcastCountChanged struct {
	Count            int
	OrientationCount int
	At               time.Time
}

func (BroadcastCountChanged) broadcastMarker() {}

type BroadcastTiltChanged struct {
	Tilt gesture.Tilt
	At   time.Time
}

func (BroadcastTiltChanged) broadcastMarker() {}

type BroadcastRhythmChanged struct {
	Rhythm gesture.RhythmStatus
	At     time.Time
}

func (BroadcastRhythmChanged) broadcastMarker() {}

type BroadcastSessionChanged struct {
	Active bool
	ID     string
	Error  string
	At     time.Time
}

func (BroadcastSessionChanged) broadcastMarker() {}

// ==============================
// Reducer input/output
// ==============================

// Tuning is the classifier configuration in effect for one reduction.
// Motion tuning comes from the settings store and may change between
// samples; orientation thresholds come from the config file.
type Tuning struct {
	Motion      gesture.MotionConfig
	Orientation gesture.OrientationConfig
}

// ReduceResult is the output of Reduce(): next state plus side effects.
type ReduceResult struct {
	State      *DaemonState
	Commands   []Command
	Broadcasts []StateBroadcast
}

// Reduce is the pure reducer. It must not perform I/O or block.
//
// Samples are ignored unless a session is active: classifier state only
// exists between a successful Start and the end of the process.
func Reduce(s *DaemonState, e Event, t Tuning) ReduceResult {
	if s == nil {
		s = &DaemonState{}
	}
	rr := ReduceResult{State: s}

	// Payloads are stamped by the daemon on receipt. Anything else is
	// stamped now (tests, internal callers).
	at := time.Now()
	if te, ok := e.(TimedEvent); ok {
		if !te.At.IsZero() {
			at = te.At
		}
		e = te.Event
	}

	switch ev := e.(type) {
	case RequestStateSnapshot:
		rr.Commands = append(rr.Commands, CmdPublishStateSnapshot{
			Reply:    ev.Reply,
			Snapshot: s.Snapshot(),
		})

	case StartSession:
		if !s.Session.Active {
			s.Session.Starting = true
		}
		rr.Commands = append(rr.Commands, CmdStartSession{Reply: ev.Reply})

	case SessionStarted:
		id := ev.Info.ID.String()
		s.Session.Starting = false
		s.Session.LastError = ""
		if s.Session.Active && s.Session.ID == id {
			break
		}
		s.Session.Active = true
		s.Session.ID = id
		s.Session.StartedAt = ev.Info.StartedAt
		s.Session.Sources = append([]string(nil), ev.Info.Sources...)
		s.resetClassifiers()

		rr.Commands = append(rr.Commands, CmdPreloadSounds{})
		rr.Broadcasts = append(rr.Broadcasts,
			BroadcastSessionChanged{Active: true, ID: id, At: ev.At},
			BroadcastCountChanged{At: ev.At},
		)

	case SessionStartFailed:
		s.Session.Starting = false
		msg := "session start failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		if errors.Is(ev.Err, session.ErrPermissionDenied) {
			msg = permissionDeniedMessage
		}
		s.Session.LastError = msg
		rr.Broadcasts = append(rr.Broadcasts, BroadcastSessionChanged{
			Active: s.Session.Active,
			ID:     s.Session.ID,
			Error:  msg,
			At:     ev.At,
		})

	case CommandFailed:
		// Effects already logged the failure; nothing to roll back.

	case MotionSampleReceived:
		if !s.Session.Active {
			break
		}
		res := s.Motion.Observe(ev.MotionSample, t.Motion, at)
		emitGestures(s, res.Events, &rr)

		if res.Count != s.Display.Count {
			s.Display.Count = res.Count
			rr.Broadcasts = append(rr.Broadcasts, BroadcastCountChanged{
				Count:            s.Display.Count,
				OrientationCount: s.Display.OrientationCount,
				At:               at,
			})
		}
		if res.Rhythm != gesture.RhythmUnknown && res.Rhythm != s.Display.Rhythm {
			s.Display.Rhythm = res.Rhythm
			rr.Broadcasts = append(rr.Broadcasts, BroadcastRhythmChanged{Rhythm: res.Rhythm, At: at})
		}

	case OrientationSampleReceived:
		if !s.Session.Active {
			break
		}
		res := s.Orientation.Observe(ev.OrientationSample, t.Orientation, at)
		emitGestures(s, res.Events, &rr)

		if res.Tilt != gesture.TiltUnknown && res.Tilt != s.Display.Tilt {
			s.Display.Tilt = res.Tilt
			rr.Broadcasts = append(rr.Broadcasts, BroadcastTiltChanged{Tilt: res.Tilt, At: at})
		}
		if res.Count != s.Display.OrientationCount {
			s.Display.OrientationCount = res.Count
			rr.Broadcasts = append(rr.Broadcasts, BroadcastCountChanged{
				Count:            s.Display.Count,
				OrientationCount: s.Display.OrientationCount,
				At:               at,
			})
		}

	case SetRule:
		rr.Commands = append(rr.Commands, CmdSetRule{Kind: ev.Kind, Ref: ev.Ref})
	case ClearRule:
		rr.Commands = append(rr.Commands, CmdClearRule{Kind: ev.Kind})
	case SetTuning:
		rr.Commands = append(rr.Commands, CmdApplyTuning{Tuning: ev.Tuning})
	case AddSound:
		rr.Commands = append(rr.Commands, CmdAddSound{Sound: ev.Sound})
	case RemoveSound:
		rr.Commands = append(rr.Commands, CmdRemoveSound{Name: ev.Name})
	case PreviewSound:
		rr.Commands = append(rr.Commands, CmdPreviewSound{Ref: ev.Ref, Volume: ev.Volume})
	case InvalidateSound:
		rr.Commands = append(rr.Commands, CmdInvalidateSound{Ref: ev.Ref})

	default:
		// Unknown event type: no-op.
	}

	return rr
}

// permissionDeniedMessage is shown to display clients after a denied Start.
const permissionDeniedMessage = "motion sensor permission denied"

func emitGestures(s *DaemonState, events []gesture.Event, rr *ReduceResult) {
	for _, g := range events {
		s.Display.LastGesture = g.Kind
		s.Display.LastGestureAt = g.At
		s.Display.HasGesture = true
		rr.Commands = append(rr.Commands, CmdDispatchGesture{Event: g})
		rr.Broadcasts = append(rr.Broadcasts, BroadcastGesture{Kind: g.Kind, At: g.At})
	}
}
