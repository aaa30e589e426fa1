package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Display clients follow the counters, tilt and rhythm labels and gestures
// over the state websocket. Frames are JSON {type, ts, data}; the first one
// is always state_init, built from a snapshot taken inside the daemon loop.

// Outbound message types.
const (
	wsTypeStateInit      = "state_init"
	wsTypeGesture        = "gesture"
	wsTypeCountChanged   = "count_changed"
	wsTypeTiltChanged    = "tilt_changed"
	wsTypeRhythmChanged  = "rhythm_changed"
	wsTypeSessionChanged = "session_changed"
)

// wsMessageSnapshot is the JSON `data` payload for "state_init".
type wsMessageSnapshot struct {
	Session wsSessionData `json:"session"`

	Count            int    `json:"count"`
	OrientationCount int    `json:"orientation_count"`
	Tilt             string `json:"tilt,omitempty"`
	Rhythm           string `json:"rhythm,omitempty"`

	LastGesture   string     `json:"last_gesture,omitempty"`
	LastGestureAt *time.Time `json:"last_gesture_at,omitempty"`
}

type wsSessionData struct {
	Active    bool       `json:"active"`
	ID        string     `json:"id,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	Starting  bool       `json:"starting,omitempty"`
	Sources   []string   `json:"sources,omitempty"`
	Error     string     `json:"error,omitempty"`
}

type wsGestureData struct {
	Kind string `json:"kind"`
}

type wsCountChangedData struct {
	Count            int `json:"count"`
	OrientationCount int `json:"orientation_count"`
}

type wsTiltChangedData struct {
	Tilt string `json:"tilt"`
}

type wsRhythmChangedData struct {
	Rhythm string `json:"rhythm"`
}

type wsOutboundEvent struct {
	Type string
	Data any
	At   time.Time
}

type envelope struct {
	Type string     `json:"type"`
	Ts   *time.Time `json:"ts,omitempty"`
	Data any        `json:"data,omitempty"`
}

// encodeFrame stamps a frame with at, or the current time when at is zero.
func encodeFrame(typ string, at time.Time, data any) ([]byte, error) {
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()
	return json.Marshal(envelope{Type: typ, Ts: &at, Data: data})
}

func snapshotPayload(snap StateSnapshot) wsMessageSnapshot {
	p := wsMessageSnapshot{
		Session: wsSessionData{
			Active:   snap.SessionActive,
			ID:       snap.SessionID,
			Starting: snap.SessionStarting,
			Sources:  snap.Sources,
			Error:    snap.SessionError,
		},
		Count:            snap.Count,
		OrientationCount: snap.OrientationCount,
		Tilt:             string(snap.Tilt),
		Rhythm:           string(snap.Rhythm),
		LastGesture:      snap.LastGesture,
	}
	if !snap.SessionStartedAt.IsZero() {
		t := snap.SessionStartedAt.UTC()
		p.Session.StartedAt = &t
	}
	if !snap.LastGestureAt.IsZero() {
		t := snap.LastGestureAt.UTC()
		p.LastGestureAt = &t
	}
	return p
}

// Hub fans encoded frames out to display clients. A client whose send queue
// is full when a frame arrives is dropped rather than waited on.
type Hub struct {
	logger *slog.Logger

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.Mutex
	clients map[*Client]struct{}

	sendBuf int
}

type HubConfig struct {
	SendBuf      int // per client; default 32
	BroadcastBuf int // default 128
}

func NewHub(logger *slog.Logger, cfg HubConfig) *Hub {
	if cfg.SendBuf <= 0 {
		cfg.SendBuf = 32
	}
	if cfg.BroadcastBuf <= 0 {
		cfg.BroadcastBuf = 128
	}
	return &Hub{
		logger:     logger,
		broadcast:  make(chan []byte, cfg.BroadcastBuf),
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		clients:    make(map[*Client]struct{}),
		sendBuf:    cfg.SendBuf,
	}
}

// Run serves register, unregister and broadcast requests until ctx ends,
// then disconnects every display.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			h.logger.Debug("state hub stopped")
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.removeClient(c, "unregister")
		case msg := <-h.broadcast:
			for _, c := range h.fanout(msg) {
				h.removeClient(c, "slow_client")
			}
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("display connected", "remote_addr", c.remoteAddr, "displays", n)
}

// fanout queues msg on every client and returns the ones that had no room.
func (h *Hub) fanout(msg []byte) (full []*Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			full = append(full, c)
		}
	}
	return full
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.detach()
	}
}

func (h *Hub) removeClient(c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.detach()
	h.logger.Info("display disconnected", "remote_addr", c.remoteAddr, "reason", reason, "displays", n)
}

// safeCloseChan tolerates a queue that was already closed.
func safeCloseChan(ch chan []byte) {
	defer func() { _ = recover() }()
	close(ch)
}

// BroadcastBytes queues an encoded frame, dropping it when the hub is behind.
func (h *Hub) BroadcastBytes(msg []byte) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("state hub queue full; frame dropped", "bytes", len(msg))
	}
}

// Client is one display connection with its own outbound queue.
type Client struct {
	hub *Hub

	conn *websocket.Conn
	send chan []byte

	remoteAddr string
	logger     *slog.Logger
}

func NewClient(hub *Hub, conn *websocket.Conn, remoteAddr string, logger *slog.Logger) *Client {
	c := &Client{hub: hub, conn: conn, remoteAddr: remoteAddr, logger: logger}
	size := 32
	if hub != nil {
		size = hub.sendBuf
	}
	c.send = make(chan []byte, size)
	return c
}

// detach closes the connection and the send queue; writePump sees the closed
// queue and says goodbye.
func (c *Client) detach() {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	safeCloseChan(c.send)
}

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = 20 * time.Second
)

// wsTiltCoalesceWindow bounds how often tilt labels reach displays. The label
// can flap at sensor rate near a threshold.
const wsTiltCoalesceWindow = 50 * time.Millisecond

func (c *Client) logExit(pump string, err error) {
	var ce *websocket.CloseError
	switch {
	case errors.Is(err, websocket.ErrCloseSent):
	case errors.As(err, &ce):
		c.logger.Debug("display closed", "pump", pump, "remote_addr", c.remoteAddr, "code", ce.Code, "reason", ce.Text)
	default:
		c.logger.Info("display dropped", "pump", pump, "remote_addr", c.remoteAddr, "error", err)
	}
}

func (c *Client) write(messageType int, data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(messageType, data)
}

// writePump drains the send queue and keeps the display alive with pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		var err error
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.write(websocket.CloseMessage, []byte{})
				return
			}
			err = c.write(websocket.TextMessage, msg)
		case <-ticker.C:
			err = c.write(websocket.PingMessage, nil)
		}
		if err != nil {
			c.logExit("write", err)
			return
		}
	}
}

// readPump only watches for pongs and disconnects; displays send nothing
// the daemon acts on.
func (c *Client) readPump() {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.logExit("read", err)
			if c.hub != nil {
				c.hub.unregister <- c
			}
			return
		}
	}
}

// Server serves the state websocket. The daemon loop owns the state; the
// server only ever sees snapshots and broadcasts.
type Server struct {
	logger *slog.Logger
	hub    *Hub
	events chan<- Event
}

type ServerConfig struct {
	Hub HubConfig
}

// NewServer wires a hub to the daemon's event queue. The caller runs
// Hub().Run and RunBroadcaster.
func NewServer(logger *slog.Logger, events chan<- Event, cfg ServerConfig) *Server {
	return &Server{logger: logger, hub: NewHub(logger, cfg.Hub), events: events}
}

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) Register(mux *http.ServeMux, path string) {
	if mux != nil {
		mux.HandleFunc(path, s.handleStateWS)
	}
}

// Display pages are served from anywhere on the LAN.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("state ws upgrade failed", "error", err)
		return
	}

	// Registered before the snapshot so no broadcast falls in between. The
	// pumps outlive this handler.
	client := NewClient(s.hub, conn, r.RemoteAddr, s.logger)
	s.hub.register <- client
	go client.writePump()
	go client.readPump()

	if s.events != nil {
		s.sendStateInit(r.Context(), client)
	}
}

func (s *Server) sendStateInit(ctx context.Context, client *Client) {
	snap, ok := s.requestSnapshot(ctx)
	if !ok {
		return
	}
	frame, err := encodeFrame(wsTypeStateInit, time.Time{}, snapshotPayload(snap))
	if err != nil {
		s.logger.Warn("state_init encode failed", "error", err)
		return
	}
	select {
	case client.send <- frame:
	default:
		s.hub.unregister <- client
	}
}

// requestSnapshot asks the daemon loop for a snapshot. It gives up after one
// second or when the client goes away.
func (s *Server) requestSnapshot(ctx context.Context) (StateSnapshot, bool) {
	reply := make(chan StateSnapshot, 1)

	select {
	case <-ctx.Done():
		return StateSnapshot{}, false
	case s.events <- RequestStateSnapshot{Reply: reply}:
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	select {
	case <-waitCtx.Done():
		if !errors.Is(waitCtx.Err(), context.Canceled) {
			s.logger.Warn("state_init snapshot unavailable", "error", waitCtx.Err())
		}
		return StateSnapshot{}, false
	case snap := <-reply:
		return snap, true
	}
}

// tiltCoalescer holds back tilt_changed frames so at most one leaves per
// window. The newest label replaces any pending one without moving the
// deadline.
type tiltCoalescer struct {
	pending *wsOutboundEvent
	timer   *time.Timer
}

// C fires when the pending label is due; nil while nothing is pending.
func (t *tiltCoalescer) C() <-chan time.Time {
	if t.timer == nil {
		return nil
	}
	return t.timer.C
}

func (t *tiltCoalescer) hold(ev wsOutboundEvent) {
	t.pending = &ev
	if t.timer == nil {
		t.timer = time.NewTimer(wsTiltCoalesceWindow)
	}
}

// take returns the pending label, if any, and disarms the timer.
func (t *tiltCoalescer) take() (wsOutboundEvent, bool) {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.pending == nil {
		return wsOutboundEvent{}, false
	}
	ev := *t.pending
	t.pending = nil
	return ev, true
}

// RunBroadcaster encodes reducer broadcasts and hands them to the hub in
// order. Tilt changes are coalesced; any other frame flushes a held tilt
// first.
func RunBroadcaster(ctx context.Context, hub *Hub, src <-chan StateBroadcast, logger *slog.Logger) {
	if hub == nil || src == nil {
		return
	}

	emit := func(ev wsOutboundEvent) {
		frame, err := encodeFrame(ev.Type, ev.At, ev.Data)
		if err != nil {
			logger.Warn("state frame encode failed", "type", ev.Type, "error", err)
			return
		}
		hub.BroadcastBytes(frame)
	}
	var tilt tiltCoalescer
	flush := func() {
		if ev, ok := tilt.take(); ok {
			emit(ev)
		}
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-tilt.C():
			flush()
		case b, ok := <-src:
			if !ok {
				flush()
				logger.Debug("state broadcaster stopped")
				return
			}
			ev, ok := convertBroadcast(b)
			switch {
			case !ok:
			case ev.Type == wsTypeTiltChanged:
				tilt.hold(ev)
			default:
				flush()
				emit(ev)
			}
		}
	}
}

func convertBroadcast(b StateBroadcast) (wsOutboundEvent, bool) {
	switch ev := b.(type) {
	case BroadcastGesture:
		return wsOutboundEvent{
			Type: wsTypeGesture,
			Data: wsGestureData{Kind: ev.Kind.String()},
			At:   ev.At,
		}, true

	case BroadcastCountChanged:
		return wsOutboundEvent{
			Type: wsTypeCountChanged,
			Data: wsCountChangedData{Count: ev.Count, OrientationCount: ev.OrientationCount},
			At:   ev.At,
		}, true

	case BroadcastTiltChanged:
		return wsOutboundEvent{
			Type: wsTypeTiltChanged,
			Data: wsTiltChangedData{Tilt: string(ev.Tilt)},
			At:   ev.At,
		}, true

	case BroadcastRhythmChanged:
		return wsOutboundEvent{
			Type: wsTypeRhythmChanged,
			Data: wsRhythmChangedData{Rhythm: string(ev.Rhythm)},
			At:   ev.At,
		}, true

	case BroadcastSessionChanged:
		return wsOutboundEvent{
			Type: wsTypeSessionChanged,
			Data: wsSessionData{Active: ev.Active, ID: ev.ID, Error: ev.Error},
			At:   ev.At,
		}, true

	default:
		return wsOutboundEvent{}, false
	}
}
