package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"shakebrainz/internal/gesture"
)

// Setting keys.
const (
	KeyRules       = "rules"
	KeySounds      = "sounds"
	KeySensitivity = "sensitivity"
	KeyRhythmMin   = "rhythmMin"
	KeyRhythmMax   = "rhythmMax"
	KeyVolume      = "volume"
)

// Sound is one entry of the user's sound catalog.
type Sound struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

const mixkitBase = "https://assets.mixkit.co/sfx/preview/"

// DefaultSounds is the catalog a fresh install starts with.
var DefaultSounds = []Sound{
	{Name: "achievement-bell", URL: mixkitBase + "mixkit-achievement-bell-600.mp3"},
	{Name: "arcade-bling", URL: mixkitBase + "mixkit-arcade-mechanical-bling-210.mp3"},
	{Name: "retro-notification", URL: mixkitBase + "mixkit-retro-game-notification-212.mp3"},
	{Name: "space-shooter", URL: mixkitBase + "mixkit-arcade-space-shooter-dead-372.mp3"},
}

// DefaultRules maps gestures to DefaultSounds on a fresh install.
func DefaultRules() map[gesture.Kind]string {
	return map[gesture.Kind]string{
		gesture.Shake:       DefaultSounds[0].URL,
		gesture.SmallShake:  DefaultSounds[0].URL,
		gesture.RhythmShake: DefaultSounds[1].URL,
		gesture.TiltLeft:    DefaultSounds[2].URL,
		gesture.TiltRight:   DefaultSounds[3].URL,
	}
}

// DefaultVolume is the playback gain when none is stored.
const DefaultVolume = 1.0

// Tuning is a partial update of the numeric settings; nil fields are left alone.
type Tuning struct {
	Sensitivity *float64 `json:"sensitivity,omitempty"`
	RhythmMinMS *int     `json:"rhythm_min_ms,omitempty"`
	RhythmMaxMS *int     `json:"rhythm_max_ms,omitempty"`
	Volume      *float64 `json:"volume,omitempty"`
}

// Settings is the typed view over a Store. Every accessor reads through to
// the store; nothing is cached. A missing key yields its default; a
// malformed value yields the default and is logged.
type Settings struct {
	store  Store
	logger *slog.Logger
}

func NewSettings(s Store, logger *slog.Logger) *Settings {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settings{store: s, logger: logger}
}

// read decodes key into dst. It returns false when the default should be used.
func (s *Settings) read(key string, dst any) bool {
	raw, ok, err := s.store.Get(key)
	if err != nil {
		s.logger.Warn("settings read failed, using default", "key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		s.logger.Warn("malformed setting, using default", "key", key, "error", err)
		return false
	}
	return true
}

func (s *Settings) write(key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.store.Set(key, b)
}

// Rules returns the configured gesture-to-sound mapping. Unknown kind names
// are skipped.
func (s *Settings) Rules() map[gesture.Kind]string {
	var stored map[string]string
	if !s.read(KeyRules, &stored) {
		return DefaultRules()
	}
	out := make(map[gesture.Kind]string, len(stored))
	for name, ref := range stored {
		k, err := gesture.ParseKind(name)
		if err != nil {
			s.logger.Warn("ignoring rule for unknown gesture", "kind", name)
			continue
		}
		if ref != "" {
			out[k] = ref
		}
	}
	return out
}

// Rule returns the sound reference for kind.
func (s *Settings) Rule(kind gesture.Kind) (string, bool) {
	ref, ok := s.Rules()[kind]
	return ref, ok
}

func (s *Settings) writeRules(rules map[gesture.Kind]string) error {
	out := make(map[string]string, len(rules))
	for k, ref := range rules {
		out[k.String()] = ref
	}
	return s.write(KeyRules, out)
}

// SetRule assigns ref to kind.
func (s *Settings) SetRule(kind gesture.Kind, ref string) error {
	if !kind.Valid() {
		return fmt.Errorf("invalid gesture kind %d", int(kind))
	}
	if ref == "" {
		return errors.New("sound reference must not be empty")
	}
	rules := s.Rules()
	rules[kind] = ref
	return s.writeRules(rules)
}

// ClearRule removes the assignment for kind.
func (s *Settings) ClearRule(kind gesture.Kind) error {
	rules := s.Rules()
	delete(rules, kind)
	return s.writeRules(rules)
}

// RuleRefs returns the distinct sound references in use, sorted.
func (s *Settings) RuleRefs() []string {
	seen := make(map[string]struct{})
	for _, ref := range s.Rules() {
		seen[ref] = struct{}{}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Sounds returns the sound catalog.
func (s *Settings) Sounds() []Sound {
	var sounds []Sound
	if !s.read(KeySounds, &sounds) {
		return slices.Clone(DefaultSounds)
	}
	return sounds
}

// AddSound inserts or replaces the catalog entry with the same name.
func (s *Settings) AddSound(snd Sound) error {
	if snd.Name == "" || snd.URL == "" {
		return errors.New("sound name and url are required")
	}
	sounds := s.Sounds()
	if i := slices.IndexFunc(sounds, func(x Sound) bool { return x.Name == snd.Name }); i >= 0 {
		sounds[i] = snd
	} else {
		sounds = append(sounds, snd)
	}
	return s.write(KeySounds, sounds)
}

// ResolveRef maps a catalog name to its URL. Anything else is returned
// unchanged.
func (s *Settings) ResolveRef(ref string) string {
	for _, snd := range s.Sounds() {
		if snd.Name == ref {
			return snd.URL
		}
	}
	return ref
}

// RemoveSound deletes the catalog entry named name. Rules referencing its
// URL are left in place.
func (s *Settings) RemoveSound(name string) error {
	sounds := s.Sounds()
	i := slices.IndexFunc(sounds, func(x Sound) bool { return x.Name == name })
	if i < 0 {
		return fmt.Errorf("no sound named %q", name)
	}
	return s.write(KeySounds, slices.Delete(sounds, i, i+1))
}

// Sensitivity returns the motion sensitivity threshold.
func (s *Settings) Sensitivity() float64 {
	var v float64
	if !s.read(KeySensitivity, &v) || v <= 0 {
		return gesture.DefaultSensitivity
	}
	return v
}

// RhythmBounds returns the accepted rhythm interval range.
func (s *Settings) RhythmBounds() (lo, hi time.Duration) {
	lo, hi = gesture.DefaultRhythmMin, gesture.DefaultRhythmMax
	var ms int
	if s.read(KeyRhythmMin, &ms) && ms >= 0 {
		lo = time.Duration(ms) * time.Millisecond
	}
	ms = 0
	if s.read(KeyRhythmMax, &ms) && ms >= 0 {
		hi = time.Duration(ms) * time.Millisecond
	}
	return lo, hi
}

// Motion returns the motion classifier tuning as currently stored.
func (s *Settings) Motion() gesture.MotionConfig {
	lo, hi := s.RhythmBounds()
	return gesture.MotionConfig{
		Sensitivity: s.Sensitivity(),
		RhythmMin:   lo,
		RhythmMax:   hi,
	}
}

// Volume returns the playback gain in [0,1].
func (s *Settings) Volume() float64 {
	var v float64
	if !s.read(KeyVolume, &v) || v < 0 || v > 1 {
		return DefaultVolume
	}
	return v
}

// ApplyTuning validates and stores the non-nil fields of t.
func (s *Settings) ApplyTuning(t Tuning) error {
	if t.Sensitivity != nil && *t.Sensitivity <= 0 {
		return errors.New("sensitivity must be > 0")
	}
	if t.Volume != nil && (*t.Volume < 0 || *t.Volume > 1) {
		return errors.New("volume must be between 0 and 1")
	}
	if t.RhythmMinMS != nil && *t.RhythmMinMS < 0 {
		return errors.New("rhythm_min_ms must be >= 0")
	}
	if t.RhythmMaxMS != nil && *t.RhythmMaxMS < 0 {
		return errors.New("rhythm_max_ms must be >= 0")
	}

	lo, hi := s.RhythmBounds()
	if t.RhythmMinMS != nil {
		lo = time.Duration(*t.RhythmMinMS) * time.Millisecond
	}
	if t.RhythmMaxMS != nil {
		hi = time.Duration(*t.RhythmMaxMS) * time.Millisecond
	}
	if lo > hi {
		return fmt.Errorf("rhythm min %s exceeds max %s", lo, hi)
	}

	if t.Sensitivity != nil {
		if err := s.write(KeySensitivity, *t.Sensitivity); err != nil {
			return err
		}
	}
	if t.RhythmMinMS != nil {
		if err := s.write(KeyRhythmMin, *t.RhythmMinMS); err != nil {
			return err
		}
	}
	if t.RhythmMaxMS != nil {
		if err := s.write(KeyRhythmMax, *t.RhythmMaxMS); err != nil {
			return err
		}
	}
	if t.Volume != nil {
		if err := s.write(KeyVolume, *t.Volume); err != nil {
			return err
		}
	}
	return nil
}
