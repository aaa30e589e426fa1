// Package dispatch maps classified gestures to sound cues.
//
// Dispatch applies a per-kind cooldown, resolves the configured sound for the
// kind at call time, and hands playback to a detached goroutine. Nothing that
// happens during playback is reported back to the caller.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"shakebrainz/internal/gesture"
)

// Player plays a resource reference at a linear gain in [0,1].
// Implementations must not block for the duration of the sound.
type Player interface {
	Play(ctx context.Context, ref string, volume float64)
}

// Rules is the live view of the configured gesture-to-sound mapping.
// It is consulted on every dispatch, never cached.
type Rules interface {
	Rule(kind gesture.Kind) (ref string, ok bool)
	Volume() float64
}

// Outcome reports what Dispatch did with an event.
type Outcome int

const (
	Played Outcome = iota
	Throttled
	NoRule
)

func (o Outcome) String() string {
	switch o {
	case Played:
		return "played"
	case Throttled:
		return "throttled"
	case NoRule:
		return "no_rule"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	throttle *Throttle
	rules    Rules
	player   Player
	logger   *slog.Logger

	// ctx scopes detached playback; canceled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Config configures a Dispatcher.
type Config struct {
	Cooldown time.Duration
}

func New(cfg Config, rules Rules, player Player, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = DefaultCooldown
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		throttle: NewThrottle(cooldown),
		rules:    rules,
		player:   player,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Dispatch never blocks on playback. Events stamped with a zero time are
// treated as happening now.
func (d *Dispatcher) Dispatch(ev gesture.Event) Outcome {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	if !d.throttle.Allow(ev.Kind, at) {
		d.logger.Debug("gesture throttled", "kind", ev.Kind)
		return Throttled
	}

	ref, ok := d.rules.Rule(ev.Kind)
	if !ok || ref == "" {
		d.logger.Debug("no sound rule for gesture", "kind", ev.Kind)
		return NoRule
	}
	volume := d.rules.Volume()

	d.wg.Add(1)
	go d.play(ev.Kind, ref, volume)
	return Played
}

func (d *Dispatcher) play(kind gesture.Kind, ref string, volume float64) {
	defer d.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("sound playback panicked", "kind", kind, "ref", ref, "panic", r)
		}
	}()
	d.player.Play(d.ctx, ref, volume)
}

// Wait blocks until every launched playback has returned.
func (d *Dispatcher) Wait() { d.wg.Wait() }

// Close cancels in-flight playback and waits for it to finish.
func (d *Dispatcher) Close() {
	d.cancel()
	d.wg.Wait()
}
