package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"shakebrainz/internal/dispatch"
	"shakebrainz/internal/gesture"
	"shakebrainz/internal/session"
	"shakebrainz/internal/store"
)

// The effects layer talks to these through narrow interfaces so the daemon
// can be driven by fakes under test.

type sessionStarter interface {
	Start(ctx context.Context) (session.Info, error)
}

type gestureDispatcher interface {
	Dispatch(ev gesture.Event) dispatch.Outcome
}

type soundBackend interface {
	Unlock(ctx context.Context) error
	Play(ctx context.Context, ref string, volume float64)
	Preload(ctx context.Context, refs []string)
	Invalidate(ref string)
}

type settingsWriter interface {
	RuleRefs() []string
	Volume() float64
	ResolveRef(ref string) string
	SetRule(kind gesture.Kind, ref string) error
	ClearRule(kind gesture.Kind) error
	ApplyTuning(t store.Tuning) error
	AddSound(snd store.Sound) error
	RemoveSound(name string) error
}

// effectEnv is everything runEffect may touch.
type effectEnv struct {
	// ctx scopes asynchronous effects (session start, preload, preview).
	ctx context.Context

	session    sessionStarter
	dispatcher gestureDispatcher
	backend    soundBackend
	settings   settingsWriter

	// post delivers an asynchronous observation back to the daemon loop.
	// It may block until the loop accepts the event or ctx ends.
	post func(Event)
}

// runEffect executes a single reducer-emitted Command and reports
// synchronous observations via onEvent.
//
// Design rules:
//   - This function is allowed to perform I/O, but never blocks on it. Slow
//     work (unlock, permission, fetch) is started in a goroutine that reports
//     back through env.post.
//   - It must never call Reduce() directly.
func runEffect(env *effectEnv, cmd Command, logger *slog.Logger, onEvent func(Event)) {
	if onEvent == nil {
		return
	}
	now := time.Now()

	fail := func(err error, args ...any) {
		logger.Error("command failed", append([]any{"command", cmd.String(), "error", err}, args...)...)
		onEvent(CommandFailed{Command: cmd, Err: err, At: now})
	}

	if env == nil {
		fail(errNoEnv{})
		return
	}

	switch c := cmd.(type) {
	case CmdStartSession:
		if env.session == nil {
			err := errMissing{what: "session controller"}
			replyErr(c.Reply, err)
			fail(err)
			return
		}
		go startSession(env, c.Reply, logger)

	case CmdDispatchGesture:
		if env.dispatcher == nil {
			return
		}
		outcome := env.dispatcher.Dispatch(c.Event)
		logger.Debug("gesture dispatched", "kind", c.Event.Kind, "outcome", outcome)

	case CmdPreloadSounds:
		if env.backend == nil || env.settings == nil {
			return
		}
		refs := env.settings.RuleRefs()
		go env.backend.Preload(env.ctx, refs)

	case CmdPreviewSound:
		if env.backend == nil {
			fail(errMissing{what: "audio backend"})
			return
		}
		ref := c.Ref
		vol := store.DefaultVolume
		if env.settings != nil {
			ref = env.settings.ResolveRef(ref)
			vol = env.settings.Volume()
		}
		if c.Volume != nil {
			vol = *c.Volume
		}
		go previewSound(env, ref, vol, logger)

	case CmdInvalidateSound:
		if env.backend == nil {
			return
		}
		ref := c.Ref
		if env.settings != nil {
			ref = env.settings.ResolveRef(ref)
		}
		env.backend.Invalidate(ref)
		logger.Info("sound invalidated", "ref", ref)

	case CmdSetRule:
		ref := c.Ref
		err := withSettings(env, func(s settingsWriter) error {
			ref = s.ResolveRef(ref)
			return s.SetRule(c.Kind, ref)
		})
		if err != nil {
			fail(err, "kind", c.Kind)
			return
		}
		logger.Info("rule set", "kind", c.Kind, "ref", ref)
		// Warm the new sound so the first matching gesture plays promptly.
		if env.backend != nil {
			go env.backend.Preload(env.ctx, []string{ref})
		}

	case CmdClearRule:
		if err := withSettings(env, func(s settingsWriter) error { return s.ClearRule(c.Kind) }); err != nil {
			fail(err, "kind", c.Kind)
			return
		}
		logger.Info("rule cleared", "kind", c.Kind)

	case CmdApplyTuning:
		if err := withSettings(env, func(s settingsWriter) error { return s.ApplyTuning(c.Tuning) }); err != nil {
			fail(err)
			return
		}
		logger.Info("tuning updated")

	case CmdAddSound:
		if err := withSettings(env, func(s settingsWriter) error { return s.AddSound(c.Sound) }); err != nil {
			fail(err, "name", c.Sound.Name)
			return
		}
		logger.Info("sound added", "name", c.Sound.Name)

	case CmdRemoveSound:
		if err := withSettings(env, func(s settingsWriter) error { return s.RemoveSound(c.Name) }); err != nil {
			fail(err, "name", c.Name)
			return
		}
		logger.Info("sound removed", "name", c.Name)

	case CmdPublishStateSnapshot:
		if c.Reply == nil {
			logger.Warn("state snapshot requested with nil reply channel")
			return
		}

		// Never block the daemon loop on a requester.
		select {
		case c.Reply <- c.Snapshot:
		default:
			logger.Warn("state snapshot reply channel not ready; dropping snapshot")
		}

	default:
		logger.Warn("unknown command type", "command", cmd.String())
		onEvent(CommandFailed{Command: cmd, Err: errUnknownCommand{cmd: cmd}, At: now})
	}
}

func withSettings(env *effectEnv, fn func(settingsWriter) error) error {
	if env.settings == nil {
		return errMissing{what: "settings store"}
	}
	return fn(env.settings)
}

// startSession runs one Start attempt and reports the outcome to the daemon
// loop and, when present, to the requester.
func startSession(env *effectEnv, reply chan<- error, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(env.ctx, sessionStartTimeout)
	defer cancel()

	info, err := env.session.Start(ctx)
	at := time.Now()
	if err != nil {
		if errors.Is(err, session.ErrPermissionDenied) {
			logger.Warn("session start denied", "error", err)
		} else {
			logger.Error("session start failed", "error", err)
		}
		post(env, SessionStartFailed{Err: err, At: at})
		replyErr(reply, err)
		return
	}

	logger.Info("session started", "id", info.ID, "sources", info.Sources)
	post(env, SessionStarted{Info: info, At: at})
	replyErr(reply, nil)
}

// previewSound unlocks audio first, since a preview may be the first user
// action after startup.
func previewSound(env *effectEnv, ref string, volume float64, logger *slog.Logger) {
	if err := env.backend.Unlock(env.ctx); err != nil {
		logger.Warn("audio unlock before preview failed", "error", err)
	}
	logger.Info("previewing sound", "ref", ref, "volume", volume)
	env.backend.Play(env.ctx, ref, volume)
}

func post(env *effectEnv, ev Event) {
	if env.post != nil {
		env.post(ev)
	}
}

func replyErr(reply chan<- error, err error) {
	if reply == nil {
		return
	}
	select {
	case reply <- err:
	default:
	}
}

// errNoEnv indicates the daemon was asked to execute a command without an environment.
type errNoEnv struct{}

func (errNoEnv) Error() string { return "no effect environment" }

// errMissing indicates a command needs a component that was not configured.
type errMissing struct {
	what string
}

func (e errMissing) Error() string { return "no " + e.what + " configured" }

type errUnknownCommand struct {
	cmd Command
}

func (e errUnknownCommand) Error() string { return "unknown command: " + e.cmd.String() }
