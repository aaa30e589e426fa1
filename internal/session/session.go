// Package session gates sensor input behind an audio unlock and a
// permission check, then attaches every configured source exactly once.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"shakebrainz/internal/sensor"
)

var (
	// ErrPermissionDenied is returned by Start when the gate refuses access.
	// A later Start may try again.
	ErrPermissionDenied = errors.New("sensor permission denied")

	ErrClosed = errors.New("session controller closed")
)

// Unlocker prepares audio output so later playback is allowed.
type Unlocker interface {
	Unlock(ctx context.Context) error
}

// PermissionGate decides whether sensors may be read.
type PermissionGate interface {
	Request(ctx context.Context) (granted bool, err error)
}

// Info describes an active session.
type Info struct {
	ID        uuid.UUID `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Sources   []string  `json:"sources"`
}

type Config struct {
	Unlocker Unlocker
	Gate     PermissionGate
	Sources  []sensor.Source
	// Out receives samples from every attached source.
	Out    chan<- sensor.Sample
	Logger *slog.Logger
}

// Controller is safe for concurrent use. Start calls are serialized.
type Controller struct {
	unlocker Unlocker
	gate     PermissionGate
	sources  []sensor.Source
	out      chan<- sensor.Sample
	logger   *slog.Logger

	mu     sync.Mutex
	info   *Info
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gate := cfg.Gate
	if gate == nil {
		gate = StaticGate(true)
	}
	return &Controller{
		unlocker: cfg.Unlocker,
		gate:     gate,
		sources:  cfg.Sources,
		out:      cfg.Out,
		logger:   logger,
	}
}

// Start unlocks audio, asks the gate for permission and attaches sources.
// Once a session is active further calls return its Info unchanged. An
// unlock failure is logged and does not abort the start.
func (c *Controller) Start(ctx context.Context) (Info, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return Info{}, ErrClosed
	}
	if c.info != nil {
		return *c.info, nil
	}

	if c.unlocker != nil {
		if err := c.unlocker.Unlock(ctx); err != nil {
			c.logger.Warn("audio unlock failed", "error", err)
		}
	}

	granted, err := c.gate.Request(ctx)
	if err != nil {
		return Info{}, fmt.Errorf("request sensor permission: %w", err)
	}
	if !granted {
		c.logger.Warn("sensor permission denied")
		return Info{}, ErrPermissionDenied
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	info := Info{ID: uuid.New(), StartedAt: time.Now()}
	for _, src := range c.sources {
		info.Sources = append(info.Sources, src.Name())
		c.wg.Add(1)
		go c.run(runCtx, src)
	}
	c.info = &info

	c.logger.Info("session started", "id", info.ID, "sources", info.Sources)
	return info, nil
}

func (c *Controller) run(ctx context.Context, src sensor.Source) {
	defer c.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("sensor source panicked", "source", src.Name(), "panic", r)
		}
	}()

	err := src.Run(ctx, c.out)
	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("sensor source stopped", "source", src.Name(), "error", err)
		return
	}
	c.logger.Debug("sensor source finished", "source", src.Name())
}

// Active returns the current session, if any.
func (c *Controller) Active() (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.info == nil {
		return Info{}, false
	}
	return *c.info, true
}

// Close detaches all sources and waits for them to return.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}
