package main

import (
	"fmt"

	"shakebrainz/internal/gesture"
	"shakebrainz/internal/store"
)

// ==============================
// Commands (side effects)
// ==============================

// Command represents an external side effect to be executed by the daemon loop.
type Command interface {
	commandMarker()
	String() string
}

// CmdStartSession runs the session controller. It completes asynchronously
// and reports back with SessionStarted or SessionStartFailed.
type CmdStartSession struct {
	Reply chan<- error
}

func (CmdStartSession) commandMarker() {}
func (CmdStartSession) String() string { return "CmdStartSession()" }

// CmdDispatchGesture hands a classified gesture to the dispatcher.
type CmdDispatchGesture struct {
	Event gesture.Event
}

func (CmdDispatchGesture) commandMarker() {}
func (c CmdDispatchGesture) String() string {
	return fmt.Sprintf("CmdDispatchGesture(kind=%s)", c.Event.Kind)
}

// CmdPreloadSounds warms the resource cache with every ruled sound.
type CmdPreloadSounds struct{}

func (CmdPreloadSounds) commandMarker() {}
func (CmdPreloadSounds) String() string { return "CmdPreloadSounds()" }

// CmdPreviewSound plays Ref once, outside the rule table and throttle.
type CmdPreviewSound struct {
	Ref    string
	Volume *float64
}

func (CmdPreviewSound) commandMarker() {}
func (c CmdPreviewSound) String() string {
	return fmt.Sprintf("CmdPreviewSound(ref=%q)", c.Ref)
}

// CmdInvalidateSound forgets the cached result for Ref.
type CmdInvalidateSound struct {
	Ref string
}

func (CmdInvalidateSound) commandMarker() {}
func (c CmdInvalidateSound) String() string {
	return fmt.Sprintf("CmdInvalidateSound(ref=%q)", c.Ref)
}

// CmdSetRule persists a gesture-to-sound assignment.
type CmdSetRule struct {
	Kind gesture.Kind
	Ref  string
}

func (CmdSetRule) commandMarker() {}
func (c CmdSetRule) String() string {
	return fmt.Sprintf("CmdSetRule(kind=%s, ref=%q)", c.Kind, c.Ref)
}

// CmdClearRule removes a gesture-to-sound assignment.
type CmdClearRule struct {
	Kind gesture.Kind
}

func (CmdClearRule) commandMarker() {}
func (c CmdClearRule) String() string { return fmt.Sprintf("CmdClearRule(kind=%s)", c.Kind) }

// CmdApplyTuning persists a partial tuning update.
type CmdApplyTuning struct {
	Tuning store.Tuning
}

func (CmdApplyTuning) commandMarker() {}
func (CmdApplyTuning) String() string { return "CmdApplyTuning()" }

// CmdAddSound upserts a sound catalog entry.
type CmdAddSound struct {
	Sound store.Sound
}

func (CmdAddSound) commandMarker() {}
func (c CmdAddSound) String() string { return fmt.Sprintf("CmdAddSound(name=%q)", c.Sound.Name) }

// CmdRemoveSound deletes a sound catalog entry.
type CmdRemoveSound struct {
	Name string
}

func (CmdRemoveSound) commandMarker() {}
func (c CmdRemoveSound) String() string { return fmt.Sprintf("CmdRemoveSound(name=%q)", c.Name) }

// CmdPublishStateSnapshot delivers a reducer-produced snapshot to a requester.
type CmdPublishStateSnapshot struct {
	Reply    chan<- StateSnapshot
	Snapshot StateSnapshot
}

func (CmdPublishStateSnapshot) commandMarker() {}
func (CmdPublishStateSnapshot) String() string { return "CmdPublishStateSnapshot()" }
