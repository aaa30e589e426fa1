package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// The control socket speaks line-delimited JSON: one event envelope per line
// in, one IPCResponse per line out. shake-ctl and sensor bridges use it.

type IPCResponse struct {
	Status string `json:"status"` // ok | error
	Error  string `json:"error,omitempty"`
}

var ipcOK = IPCResponse{Status: "ok"}

func ipcError(msg string) IPCResponse { return IPCResponse{Status: "error", Error: msg} }

const maxIPCLine = 64 * 1024

// runIPCServer owns socketPath until ctx ends, replacing a stale socket left
// by a previous run and removing it on exit.
func runIPCServer(ctx context.Context, socketPath string, events chan<- Event, logger *slog.Logger) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", socketPath, err)
	}
	defer os.Remove(socketPath)
	defer ln.Close()

	// Sensor bridges may run as another user.
	if err := os.Chmod(socketPath, 0o666); err != nil {
		return fmt.Errorf("chmod socket: %w", err)
	}
	logger.Info("IPC listening", "socket", socketPath)

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	for {
		conn, err := ln.Accept()
		switch {
		case err == nil:
			go handleIPCConnection(ctx, conn, events, logger)
		case ctx.Err() != nil || errors.Is(err, net.ErrClosed):
			logger.Debug("IPC listener closed")
			return nil
		default:
			logger.Error("IPC accept failed", "error", err)
		}
	}
}

func handleIPCConnection(ctx context.Context, conn net.Conn, events chan<- Event, logger *slog.Logger) {
	defer conn.Close()

	in := bufio.NewScanner(conn)
	in.Buffer(make([]byte, 0, 4096), maxIPCLine)
	out := json.NewEncoder(conn)

	for in.Scan() {
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}
		if err := out.Encode(dispatchIPCLine(ctx, line, events, logger)); err != nil {
			logger.Debug("IPC reply failed", "error", err)
			return
		}
	}
	if err := in.Err(); err != nil {
		logger.Debug("IPC read failed", "error", err)
	}
}

// dispatchIPCLine decodes one request and queues it for the daemon loop.
// The loop stamps the time, not the client.
func dispatchIPCLine(ctx context.Context, line string, events chan<- Event, logger *slog.Logger) IPCResponse {
	ev, err := UnmarshalEvent([]byte(line))
	if err != nil {
		logger.Debug("IPC bad request", "line", line, "error", err)
		return ipcError(fmt.Sprintf("parse event: %v", err))
	}
	if start, ok := ev.(StartSession); ok {
		return awaitStartSession(ctx, start, events)
	}
	if !offer(events, ev) {
		return ipcError("event queue full")
	}
	return ipcOK
}

func offer(events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	default:
		return false
	}
}

// awaitStartSession answers only once the session attempt is decided, so a
// denied sensor permission reaches the caller as an error.
func awaitStartSession(ctx context.Context, start StartSession, events chan<- Event) IPCResponse {
	done := make(chan error, 1)
	start.Reply = done
	if !offer(events, start) {
		return ipcError("event queue full")
	}

	timer := time.NewTimer(ipcReplyTimeout)
	defer timer.Stop()
	select {
	case err := <-done:
		if err != nil {
			return ipcError(err.Error())
		}
		return ipcOK
	case <-timer.C:
		return ipcError("timed out waiting for session start")
	case <-ctx.Done():
		return ipcError("daemon shutting down")
	}
}

// SendIPCEvent delivers one event and waits for the daemon's verdict.
func SendIPCEvent(socketPath string, ev Event) error {
	data, err := MarshalEvent(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()

	if _, err := conn.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("send event: %w", err)
	}
	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Status != "ok" {
		return fmt.Errorf("ipc error: %s", resp.Error)
	}
	return nil
}
