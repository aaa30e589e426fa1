package sensor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const wsReadWait = 30 * time.Second

// WebSocketSource accepts sample streams pushed by browsers or phones over
// websocket text frames, one JSON sample per frame. Connections are refused
// until Run has attached the source to a session. Only one client streams
// at a time: samples from two devices would be diffed against each other.
type WebSocketSource struct {
	Logger *slog.Logger

	mu        sync.Mutex
	ctx       context.Context
	out       chan<- Sample
	streaming bool
}

func (s *WebSocketSource) Name() string { return "websocket" }

func (s *WebSocketSource) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Run attaches the source and blocks until ctx ends.
func (s *WebSocketSource) Run(ctx context.Context, out chan<- Sample) error {
	s.mu.Lock()
	if s.out != nil {
		s.mu.Unlock()
		return errors.New("websocket source already attached")
	}
	s.ctx, s.out = ctx, out
	s.mu.Unlock()

	<-ctx.Done()

	s.mu.Lock()
	s.ctx, s.out = nil, nil
	s.mu.Unlock()
	return ctx.Err()
}

func (s *WebSocketSource) attached() (context.Context, chan<- Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx, s.out
}

// claim reserves the single client slot. ok is false when another client
// already holds it.
func (s *WebSocketSource) claim() (ctx context.Context, out chan<- Sample, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.out == nil || s.streaming {
		return s.ctx, s.out, false
	}
	s.streaming = true
	return s.ctx, s.out, true
}

func (s *WebSocketSource) release() {
	s.mu.Lock()
	s.streaming = false
	s.mu.Unlock()
}

var sensorUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *WebSocketSource) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, out, ok := s.claim()
	switch {
	case out == nil:
		http.Error(w, "no active session", http.StatusServiceUnavailable)
		return
	case !ok:
		http.Error(w, "another sensor client is streaming", http.StatusConflict)
		return
	}
	defer s.release()

	conn, err := sensorUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger().Warn("sensor ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	s.logger().Info("sensor ws client attached", "remote_addr", r.RemoteAddr)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadWait))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger().Info("sensor ws client detached", "remote_addr", r.RemoteAddr, "error", err)
			}
			return
		}
		sample, err := ParseSample(msg, s.Name(), time.Now())
		if err != nil {
			s.logger().Debug("skipping sensor ws frame", "error", err)
			continue
		}
		if err := send(ctx, out, sample); err != nil {
			return
		}
	}
}
