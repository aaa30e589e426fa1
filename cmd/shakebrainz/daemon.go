package main

import (
	"context"
	"log/slog"
	"time"
)

// ============================================================================
// Central Daemon Loop - Reducer-driven "Daemon Brain"
// ============================================================================
//
// Design rules enforced here:
//   - The reducer performs no I/O and computes: next state + commands + broadcasts.
//   - The daemon loop is the only place that executes side effects.
//   - Effect observations are turned into Events and fed back into the reducer.
//   - Broadcasts never block the loop; a full queue drops the update.
//
// ============================================================================

// daemonConfig groups what runDaemon needs besides its channels.
type daemonConfig struct {
	env *effectEnv

	// tuning is read once per event so settings changes apply to the very
	// next sample.
	tuning func() Tuning

	// broadcasts receives display updates. Nil disables them.
	broadcasts chan<- StateBroadcast
}

// runDaemon is the main daemon loop that:
//   - Receives Events from IPC, sensors, HTTP and async effects
//   - Reduces events into (state, commands, broadcasts)
//   - Executes commands and feeds observations back into the reducer
//
// Shutdown semantics:
//   - Exits when ctx is canceled
//   - Exits cleanly when the events channel is closed
func runDaemon(
	ctx context.Context,
	events <-chan Event,
	cfg daemonConfig,
	state *DaemonState,
	logger *slog.Logger,
) {
	if state == nil {
		logger.Error("daemon state is nil")
		return
	}
	tuning := cfg.tuning
	if tuning == nil {
		tuning = func() Tuning { return Tuning{} }
	}

	// Explicit queues:
	// - eventQueue holds events awaiting reduction
	// - cmdQueue holds commands awaiting execution
	var eventQueue []Event
	var cmdQueue []Command

	enqueueEvent := func(ev Event) {
		eventQueue = append(eventQueue, ev)
	}

	publish := func(bs []StateBroadcast) {
		if cfg.broadcasts == nil {
			return
		}
		for _, b := range bs {
			select {
			case cfg.broadcasts <- b:
			default:
				logger.Warn("broadcast queue full, dropping update", "type", broadcastName(b))
			}
		}
	}

	// Reduce all queued events, enqueuing any resulting commands.
	flushEvents := func() {
		for len(eventQueue) > 0 {
			ev := eventQueue[0]
			eventQueue = eventQueue[1:]

			rr := Reduce(state, ev, tuning())
			if rr.State != nil {
				state = rr.State
			}
			cmdQueue = append(cmdQueue, rr.Commands...)
			publish(rr.Broadcasts)
		}
	}

	// Execute all queued commands, enqueuing observation events.
	flushCommands := func() {
		for len(cmdQueue) > 0 {
			cmd := cmdQueue[0]
			cmdQueue = cmdQueue[1:]

			runEffect(cfg.env, cmd, logger, enqueueEvent)

			// Reduce observations promptly so follow-up commands run in order.
			flushEvents()
		}
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("daemon stopping (context canceled)")
			return

		case ev, ok := <-events:
			if !ok {
				logger.Info("daemon stopping (events channel closed)")
				return
			}
			enqueueEvent(TimedEvent{Event: ev, At: time.Now()})
			flushEvents()
			flushCommands()
		}
	}
}

func broadcastName(b StateBroadcast) string {
	if ev, ok := convertBroadcast(b); ok {
		return ev.Type
	}
	return "unknown"
}
