package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"shakebrainz/internal/gesture"
	"shakebrainz/internal/store"
)

// ============================================================================
// Payload events
// ============================================================================
// These arrive from IPC, sensors and the HTTP layer. The daemon stamps them
// with TimedEvent on receipt; payloads never carry their own clock.
// ============================================================================

// StartSession asks the session controller to unlock audio, request sensor
// permission and attach sources. Reply, when set, receives the outcome.
type StartSession struct {
	Reply chan<- error `json:"-"`
}

func (StartSession) eventMarker() {}

// MotionSampleReceived carries one raw acceleration sample.
type MotionSampleReceived struct {
	gesture.MotionSample
	Source string `json:"source,omitempty"`
}

func (MotionSampleReceived) eventMarker() {}

// OrientationSampleReceived carries one device orientation sample.
type OrientationSampleReceived struct {
	gesture.OrientationSample
	Source string `json:"source,omitempty"`
}

func (OrientationSampleReceived) eventMarker() {}

// SetRule assigns a sound reference to a gesture.
type SetRule struct {
	Kind gesture.Kind `json:"kind"`
	Ref  string       `json:"ref"`
}

func (SetRule) eventMarker() {}

// ClearRule removes the sound assigned to a gesture.
type ClearRule struct {
	Kind gesture.Kind `json:"kind"`
}

func (ClearRule) eventMarker() {}

// SetTuning updates sensitivity, rhythm bounds and/or volume.
type SetTuning struct {
	store.Tuning
}

func (SetTuning) eventMarker() {}

// PreviewSound plays a reference immediately, bypassing rules and throttle.
// A nil Volume uses the stored volume.
type PreviewSound struct {
	Ref    string   `json:"ref"`
	Volume *float64 `json:"volume,omitempty"`
}

func (PreviewSound) eventMarker() {}

// InvalidateSound drops the cached decode result for Ref, including a
// remembered failure.
type InvalidateSound struct {
	Ref string `json:"ref"`
}

func (InvalidateSound) eventMarker() {}

// AddSound inserts or replaces a sound catalog entry.
type AddSound struct {
	store.Sound
}

func (AddSound) eventMarker() {}

// RemoveSound deletes a sound catalog entry by name.
type RemoveSound struct {
	Name string `json:"name"`
}

func (RemoveSound) eventMarker() {}

// ============================================================================
// JSON Encoding/Decoding Support
// ============================================================================

// Wire type discriminators.
const (
	evStartSession      = "start_session"
	evMotionSample      = "motion_sample"
	evOrientationSample = "orientation_sample"
	evSetRule           = "set_rule"
	evClearRule         = "clear_rule"
	evSetTuning         = "set_tuning"
	evPreviewSound      = "preview_sound"
	evInvalidateSound   = "invalidate_sound"
	evAddSound          = "add_sound"
	evRemoveSound       = "remove_sound"
)

// EventEnvelope wraps an event with a type discriminator for JSON marshaling
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func decodeData[T any](env EventEnvelope) (T, error) {
	var v T
	if len(env.Data) == 0 {
		return v, fmt.Errorf("%s: missing data", env.Type)
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, fmt.Errorf("unmarshal %s: %w", env.Type, err)
	}
	return v, nil
}

// requireKind rejects rule events without a kind; the zero Kind is a real
// gesture and must not be assumed.
func requireKind(env EventEnvelope) error {
	head, err := decodeData[struct {
		Kind *json.RawMessage `json:"kind"`
	}](env)
	if err != nil {
		return err
	}
	if head.Kind == nil {
		return fmt.Errorf("%s: kind is required", env.Type)
	}
	return nil
}

// UnmarshalEvent deserializes a JSON event envelope into a concrete Event.
// Required fields are checked here so IPC callers get an immediate error.
func UnmarshalEvent(data []byte) (Event, error) {
	var env EventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case evStartSession:
		return StartSession{}, nil

	case evMotionSample:
		return decodeData[MotionSampleReceived](env)

	case evOrientationSample:
		return decodeData[OrientationSampleReceived](env)

	case evSetRule:
		if err := requireKind(env); err != nil {
			return nil, err
		}
		a, err := decodeData[SetRule](env)
		if err != nil {
			return nil, err
		}
		if a.Ref == "" {
			return nil, errors.New("set_rule: ref is required")
		}
		return a, nil

	case evClearRule:
		if err := requireKind(env); err != nil {
			return nil, err
		}
		return decodeData[ClearRule](env)

	case evSetTuning:
		return decodeData[SetTuning](env)

	case evPreviewSound:
		a, err := decodeData[PreviewSound](env)
		if err != nil {
			return nil, err
		}
		if a.Ref == "" {
			return nil, errors.New("preview_sound: ref is required")
		}
		return a, nil

	case evInvalidateSound:
		a, err := decodeData[InvalidateSound](env)
		if err != nil {
			return nil, err
		}
		if a.Ref == "" {
			return nil, errors.New("invalidate_sound: ref is required")
		}
		return a, nil

	case evAddSound:
		a, err := decodeData[AddSound](env)
		if err != nil {
			return nil, err
		}
		if a.Name == "" || a.URL == "" {
			return nil, errors.New("add_sound: name and url are required")
		}
		return a, nil

	case evRemoveSound:
		a, err := decodeData[RemoveSound](env)
		if err != nil {
			return nil, err
		}
		if a.Name == "" {
			return nil, errors.New("remove_sound: name is required")
		}
		return a, nil

	default:
		return nil, fmt.Errorf("unknown event type: %q", env.Type)
	}
}

// MarshalEvent serializes a payload Event into a JSON envelope.
func MarshalEvent(e Event) ([]byte, error) {
	var typ string
	var payload any

	switch e := e.(type) {
	case StartSession:
		typ = evStartSession
	case MotionSampleReceived:
		typ, payload = evMotionSample, e
	case OrientationSampleReceived:
		typ, payload = evOrientationSample, e
	case SetRule:
		typ, payload = evSetRule, e
	case ClearRule:
		typ, payload = evClearRule, e
	case SetTuning:
		typ, payload = evSetTuning, e
	case PreviewSound:
		typ, payload = evPreviewSound, e
	case InvalidateSound:
		typ, payload = evInvalidateSound, e
	case AddSound:
		typ, payload = evAddSound, e
	case RemoveSound:
		typ, payload = evRemoveSound, e
	default:
		return nil, fmt.Errorf("unsupported event type: %T", e)
	}

	env := EventEnvelope{Type: typ}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s: %w", typ, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}
