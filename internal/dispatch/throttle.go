package dispatch

import (
	"sync"
	"time"

	"shakebrainz/internal/gesture"
)

// DefaultCooldown is the minimum spacing between two dispatches of the same kind.
const DefaultCooldown = 300 * time.Millisecond

// Throttle tracks the last fire time per gesture kind. Entries only move
// forward: an event stamped before the recorded time is treated as inside
// the cooldown.
type Throttle struct {
	mu       sync.Mutex
	cooldown time.Duration
	last     map[gesture.Kind]time.Time
}

func NewThrottle(cooldown time.Duration) *Throttle {
	if cooldown < 0 {
		cooldown = 0
	}
	return &Throttle{
		cooldown: cooldown,
		last:     make(map[gesture.Kind]time.Time),
	}
}

// Allow records now for kind and returns true when the kind is outside its
// cooldown. It returns false without recording otherwise.
func (t *Throttle) Allow(kind gesture.Kind, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.last[kind]; ok && now.Sub(prev) < t.cooldown {
		return false
	}
	t.last[kind] = now
	return true
}

// LastFired returns the recorded fire time for kind.
func (t *Throttle) LastFired(kind gesture.Kind) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.last[kind]
	return at, ok
}
