// Package gesture turns raw motion and orientation samples into discrete,
// named gesture events.
//
// The classifiers in this package are plain state machines: they own no
// goroutines, perform no I/O, and are driven by a single owner (the daemon
// loop). Callers pass the current time explicitly so behaviour is
// deterministic under test.
package gesture

import (
	"fmt"
	"time"
)

// Kind is the closed set of gesture names the classifiers can emit.
type Kind int

const (
	Shake Kind = iota
	SmallShake
	RhythmShake
	TiltLeft
	TiltRight
	FaceUp
	FaceDown
	Roll
	Pitch
	Spin
)

var kindNames = [...]string{
	Shake:       "shake",
	SmallShake:  "smallShake",
	RhythmShake: "rhythmShake",
	TiltLeft:    "tiltLeft",
	TiltRight:   "tiltRight",
	FaceUp:      "faceUp",
	FaceDown:    "faceDown",
	Roll:        "roll",
	Pitch:       "pitch",
	Spin:        "spin",
}

// Kinds returns every gesture kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, len(kindNames))
	for i := range kindNames {
		out[i] = Kind(i)
	}
	return out
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= 0 && int(k) < len(kindNames)
}

// ParseKind converts the wire name ("shake", "tiltLeft", ...) into a Kind.
func ParseKind(s string) (Kind, error) {
	for i, name := range kindNames {
		if name == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown gesture kind: %q", s)
}

// MarshalText lets Kind be used as a JSON object key.
func (k Kind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid gesture kind: %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Event is a single classified gesture. It is handed straight to the
// dispatcher and never queued or persisted.
type Event struct {
	Kind Kind
	At   time.Time
}

func (e Event) String() string {
	return fmt.Sprintf("%s@%s", e.Kind, e.At.Format(time.RFC3339Nano))
}
