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
	"path/filepath"
	"testing"
	"time"
)

// ipcRoundTrip writes one line to a handleIPCConnection peer and decodes the reply.
func ipcRoundTrip(t *testing.T, w net.Conn, r *bufio.Reader, line string) IPCResponse {
	t.Helper()
	_ = w.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := fmt.Fprintf(w, "%s\n", line); err != nil {
		t.Fatalf("write request: %v", err)
	}
	b, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	var resp IPCResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		t.Fatalf("decode response %q: %v", b, err)
	}
	return resp
}

func startIPCPipe(t *testing.T, events chan<- Event) (net.Conn, *bufio.Reader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	server, client := net.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		handleIPCConnection(ctx, server, events, slog.Default())
	}()
	t.Cleanup(func() {
		cancel()
		_ = client.Close()
		<-done
	})
	return client, bufio.NewReader(client)
}

func TestHandleIPCConnection_QueuesEvent(t *testing.T) {
	events := make(chan Event, 1)
	conn, r := startIPCPipe(t, events)

	resp := ipcRoundTrip(t, conn, r, `{"type":"clear_rule","data":{"kind":"spin"}}`)
	if resp.Status != "ok" {
		t.Fatalf("status = %q (%s), want ok", resp.Status, resp.Error)
	}

	select {
	case ev := <-events:
		if _, ok := ev.(ClearRule); !ok {
			t.Fatalf("queued %T, want ClearRule", ev)
		}
	default:
		t.Fatalf("expected an event on the queue")
	}
}

func TestHandleIPCConnection_ParseError(t *testing.T) {
	events := make(chan Event, 1)
	conn, r := startIPCPipe(t, events)

	resp := ipcRoundTrip(t, conn, r, `{"type":"bogus"}`)
	if resp.Status != "error" || resp.Error == "" {
		t.Fatalf("expected parse error, got %+v", resp)
	}

	// The connection stays usable after an error.
	resp = ipcRoundTrip(t, conn, r, `{"type":"remove_sound","data":{"name":"bell"}}`)
	if resp.Status != "ok" {
		t.Fatalf("second request status = %q (%s)", resp.Status, resp.Error)
	}
}

func TestHandleIPCConnection_QueueFull(t *testing.T) {
	events := make(chan Event) // unbuffered and never read
	conn, r := startIPCPipe(t, events)

	resp := ipcRoundTrip(t, conn, r, `{"type":"invalidate_sound","data":{"ref":"bell"}}`)
	if resp.Status != "error" || resp.Error != "event queue full" {
		t.Fatalf("expected queue full error, got %+v", resp)
	}
}

func TestHandleIPCConnection_StartSessionWaitsForOutcome(t *testing.T) {
	events := make(chan Event, 1)
	conn, r := startIPCPipe(t, events)

	denied := errors.New("motion sensor permission denied")
	go func() {
		ev := <-events
		start, ok := ev.(StartSession)
		if !ok || start.Reply == nil {
			return
		}
		start.Reply <- denied
	}()

	resp := ipcRoundTrip(t, conn, r, `{"type":"start_session"}`)
	if resp.Status != "error" || resp.Error != denied.Error() {
		t.Fatalf("expected start error %q, got %+v", denied, resp)
	}
}

func TestRunIPCServer_SendIPCEvent(t *testing.T) {
	// Unix socket paths are length limited; keep this one short.
	dir, err := os.MkdirTemp("", "sbipc")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "s.sock")

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event, 4)
	done := make(chan error, 1)
	go func() { done <- runIPCServer(ctx, sock, events, slog.Default()) }()

	waitUntil(t, time.Second, func() bool {
		_, err := os.Stat(sock)
		return err == nil
	}, "socket not created")

	vol := 0.3
	if err := SendIPCEvent(sock, PreviewSound{Ref: "bell", Volume: &vol}); err != nil {
		t.Fatalf("SendIPCEvent: %v", err)
	}

	select {
	case ev := <-events:
		p, ok := ev.(PreviewSound)
		if !ok {
			t.Fatalf("queued %T, want PreviewSound", ev)
		}
		if p.Ref != "bell" || p.Volume == nil || *p.Volume != 0.3 {
			t.Fatalf("unexpected preview: %+v", p)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for queued event")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runIPCServer: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("IPC server did not stop")
	}
	if _, err := os.Stat(sock); !os.IsNotExist(err) {
		t.Fatalf("socket not removed on shutdown: %v", err)
	}
}
