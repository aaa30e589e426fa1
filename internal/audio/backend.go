// Package audio owns sound output: the lazily created output context, the
// decoded-resource cache, and the ordered list of playback strategies.
//
// Nothing in this package knows about gestures. Callers hand it a resource
// reference and a gain; everything that can go wrong after that is logged
// and swallowed.
package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"shakebrainz/internal/rescache"
)

// State is the output context lifecycle. It only moves forward.
type State int

const (
	StateUninitialized State = iota
	StateSuspended
	StateRunning
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSuspended:
		return "suspended"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// ErrOutputDisabled is returned when the backend was built without an
// output factory.
var ErrOutputDisabled = errors.New("audio output disabled")

// unlockFrames is the length of the silent buffer played on unlock.
const unlockFrames = 1

// Config configures a Backend.
type Config struct {
	Format Format

	// DecodeTimeout bounds fetch+decode of a single resource. Zero disables.
	DecodeTimeout time.Duration
}

// Backend is safe for concurrent use.
type Backend struct {
	format    Format
	newOutput OutputFactory
	fetcher   *CachedFetcher
	cache     *rescache.Cache[*Buffer]
	sinks     []Sink
	logger    *slog.Logger

	mu       sync.Mutex
	out      Output
	state    State
	initErr  error
	unlocked bool
}

// NewBackend builds a backend. The in-process buffer strategy is always
// tried first; fallbacks are tried after it in the order given.
func NewBackend(cfg Config, newOutput OutputFactory, fetcher *CachedFetcher, fallbacks []Sink, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Format.SampleRate <= 0 || cfg.Format.Channels <= 0 {
		cfg.Format = DefaultFormat
	}
	if fetcher == nil {
		fetcher = NewCachedFetcher(nil)
	}

	b := &Backend{
		format:    cfg.Format,
		newOutput: newOutput,
		fetcher:   fetcher,
		logger:    logger,
	}
	b.cache = rescache.New(b.loadBuffer, cfg.DecodeTimeout)
	b.sinks = append([]Sink{bufferSink{b: b}}, fallbacks...)
	return b
}

func (b *Backend) loadBuffer(ctx context.Context, ref string) (*Buffer, error) {
	data, err := b.fetcher.Fetch(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	buf, err := Decode(data, b.format)
	if err != nil {
		return nil, err
	}
	b.logger.Debug("sound decoded", "ref", shortRef(ref), "duration", buf.Duration())
	return buf, nil
}

// State reports the output lifecycle state.
func (b *Backend) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// ensureRunning constructs the output on first use and resumes it. A failed
// construction is remembered; the output factory is never called twice.
func (b *Backend) ensureRunning() (Output, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateUninitialized {
		if b.initErr != nil {
			return nil, b.initErr
		}
		if b.newOutput == nil {
			b.initErr = ErrOutputDisabled
			return nil, b.initErr
		}
		out, err := b.newOutput()
		if err != nil {
			b.initErr = err
			b.logger.Warn("audio output unavailable, using fallback playback", "error", err)
			return nil, err
		}
		b.out = out
		b.state = StateSuspended
	}

	if b.state == StateSuspended {
		if err := b.out.Resume(); err != nil {
			return nil, err
		}
		b.state = StateRunning
		b.logger.Debug("audio output running")
	}
	return b.out, nil
}

// Unlock resumes the output and plays a near-empty silent buffer once.
// Some platforms only release audio after a sound has been started from a
// user-initiated action; this is that sound. Subsequent calls are no-ops.
func (b *Backend) Unlock(ctx context.Context) error {
	b.mu.Lock()
	done := b.unlocked
	b.mu.Unlock()
	if done {
		return nil
	}

	out, err := b.ensureRunning()
	if err != nil {
		return fmt.Errorf("unlock audio: %w", err)
	}
	if err := out.Start(silence(b.format, unlockFrames), 0); err != nil {
		return fmt.Errorf("unlock audio: %w", err)
	}

	b.mu.Lock()
	b.unlocked = true
	b.mu.Unlock()
	return nil
}

// Unlocked reports whether Unlock has succeeded.
func (b *Backend) Unlocked() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unlocked
}

// Play starts ref at the given gain. It never returns an error and never
// panics; failures are logged.
func (b *Backend) Play(ctx context.Context, ref string, volume float64) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("sound playback panicked", "ref", shortRef(ref), "panic", r)
		}
	}()
	if err := b.TryPlay(ctx, ref, volume); err != nil {
		b.logger.Warn("sound dropped", "ref", shortRef(ref), "error", err)
	}
}

// TryPlay is Play with the outcome reported. Strategies are tried in order
// until one starts; the joined errors of all attempts are returned if none do.
func (b *Backend) TryPlay(ctx context.Context, ref string, volume float64) error {
	var errs []error
	for _, s := range b.sinks {
		err := s.Play(ctx, ref, volume)
		if err == nil {
			return nil
		}
		b.logger.Debug("playback strategy failed", "strategy", s.Name(), "ref", shortRef(ref), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
	}
	return errors.Join(errs...)
}

// Preload resolves refs into the cache concurrently. Failures are cached
// like any other and logged.
func (b *Backend) Preload(ctx context.Context, refs []string) {
	var g errgroup.Group
	g.SetLimit(4)
	seen := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		if _, dup := seen[ref]; dup {
			continue
		}
		seen[ref] = struct{}{}
		g.Go(func() error {
			if _, err := b.cache.Resolve(ctx, ref); err != nil {
				b.logger.Info("sound preload failed", "ref", shortRef(ref), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Invalidate drops any cached buffer, bytes or failure for ref.
func (b *Backend) Invalidate(ref string) {
	b.fetcher.Invalidate(ref)
	b.cache.Invalidate(ref)
}

// CacheStatus reports the cached state of ref without loading it.
func (b *Backend) CacheStatus(ref string) rescache.Status {
	_, st := b.cache.Lookup(ref)
	return st
}

// bufferSink decodes through the cache and plays on the output context.
type bufferSink struct {
	b *Backend
}

func (bufferSink) Name() string { return "buffer" }

func (s bufferSink) Play(ctx context.Context, ref string, volume float64) error {
	out, err := s.b.ensureRunning()
	if err != nil {
		return err
	}
	buf, err := s.b.cache.Resolve(ctx, ref)
	if err != nil {
		return err
	}
	return out.Start(buf, volume)
}

// shortRef keeps data: URIs out of log lines.
func shortRef(ref string) string {
	const max = 96
	if len(ref) <= max {
		return ref
	}
	return ref[:max] + "..."
}
