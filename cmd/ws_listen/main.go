package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
)

// ws_listen prints the shakebrainz display stream: the state_init snapshot,
// then one line per gesture, counter, tilt, rhythm or session update.

// message mirrors the daemon's envelope.
type message struct {
	Type string          `json:"type"`
	Ts   *time.Time      `json:"ts,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func main() {
	var (
		wsURL = flag.String("ws", "ws://127.0.0.1:3002/ws/state", "shakebrainz state websocket URL")
		raw   = flag.Bool("raw", false, "Print raw JSON frames")
	)
	flag.Parse()

	u, err := url.Parse(*wsURL)
	if err != nil {
		log.Fatalf("invalid websocket URL: %v", err)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	d := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	log.Printf("connecting to %s...", u.String())
	conn, _, err := d.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	log.Printf("connected! (press Ctrl+C to exit)")

	// Mutex to protect concurrent writes to websocket
	var writeMu sync.Mutex

	// The daemon pings every 20s; answer with pongs and keep the deadline fresh.
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			messageType, payload, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("websocket error: %v", err)
				}
				return
			}
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))

			switch messageType {
			case websocket.TextMessage:
				if *raw {
					fmt.Println(string(payload))
					continue
				}
				fmt.Println(formatMessage(payload))
			case websocket.BinaryMessage:
				fmt.Printf("[BINARY] %d bytes\n", len(payload))
			}
		}
	}()

	select {
	case <-sigc:
		log.Printf("shutting down...")
		writeMu.Lock()
		err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		writeMu.Unlock()
		if err != nil {
			log.Printf("error closing connection: %v", err)
		}
	case <-done:
		log.Printf("connection closed")
	}
}

// formatMessage renders one frame as a single human-readable line.
func formatMessage(payload []byte) string {
	var m message
	if err := json.Unmarshal(payload, &m); err != nil {
		return "[TEXT] " + string(payload)
	}

	ts := ""
	if m.Ts != nil {
		ts = m.Ts.Local().Format("15:04:05.000") + " "
	}

	var data map[string]any
	_ = json.Unmarshal(m.Data, &data)

	switch m.Type {
	case "gesture":
		return fmt.Sprintf("%s[GESTURE] %v", ts, data["kind"])
	case "count_changed":
		return fmt.Sprintf("%s[COUNT] motion=%v orientation=%v", ts, data["count"], data["orientation_count"])
	case "tilt_changed":
		return fmt.Sprintf("%s[TILT] %v", ts, data["tilt"])
	case "rhythm_changed":
		return fmt.Sprintf("%s[RHYTHM] %v", ts, data["rhythm"])
	case "session_changed":
		if e, ok := data["error"].(string); ok && e != "" {
			return fmt.Sprintf("%s[SESSION] error: %s", ts, e)
		}
		return fmt.Sprintf("%s[SESSION] active=%v id=%v", ts, data["active"], data["id"])
	default:
		pretty, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Sprintf("%s[%s] %s", ts, m.Type, string(m.Data))
		}
		return fmt.Sprintf("%s[%s]\n%s", ts, m.Type, string(pretty))
	}
}
