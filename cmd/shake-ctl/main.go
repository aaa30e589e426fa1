package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// shake-ctl - Command-line IPC Client
// ============================================================================
// Sends events to the shakebrainz daemon over its Unix domain socket.
//
// Usage:
//   shake-ctl start
//   shake-ctl rule shake https://example.com/bell.wav
//   shake-ctl tune sensitivity=12 volume=0.8
//   shake-ctl preview bling
//
// Options:
//   -socket PATH    Unix domain socket path (default: /tmp/shakebrainz.sock)
// ============================================================================

// EventEnvelope wraps events for JSON (mirrors the daemon's wire format).
type EventEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// IPCResponse represents the daemon's response
type IPCResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Event payloads (duplicated from the daemon for a standalone binary).

type setRule struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

type clearRule struct {
	Kind string `json:"kind"`
}

type tuning struct {
	Sensitivity *float64 `json:"sensitivity,omitempty"`
	RhythmMinMS *int     `json:"rhythm_min_ms,omitempty"`
	RhythmMaxMS *int     `json:"rhythm_max_ms,omitempty"`
	Volume      *float64 `json:"volume,omitempty"`
}

type previewSound struct {
	Ref    string   `json:"ref"`
	Volume *float64 `json:"volume,omitempty"`
}

type refOnly struct {
	Ref string `json:"ref"`
}

type sound struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type nameOnly struct {
	Name string `json:"name"`
}

type motionSample struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Z      float64 `json:"z"`
	Source string  `json:"source"`
}

type orientationSample struct {
	Alpha  *float64 `json:"alpha"`
	Beta   *float64 `json:"beta"`
	Gamma  *float64 `json:"gamma"`
	Source string   `json:"source"`
}

// ipcTimeout covers start_session, which waits for audio unlock and the
// permission gate.
const ipcTimeout = 20 * time.Second

func main() {
	socketPath := "/tmp/shakebrainz.sock"

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "-socket" || args[0] == "--socket" {
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "error: -socket requires an argument\n")
			os.Exit(1)
		}
		socketPath = args[1]
		args = args[2:]
	}

	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	if args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage()
		os.Exit(0)
	}

	env, err := buildEnvelope(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		printUsage()
		os.Exit(1)
	}

	if err := sendEnvelope(socketPath, env); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("ok")
}

// buildEnvelope turns command-line arguments into a wire envelope.
func buildEnvelope(args []string) (EventEnvelope, error) {
	cmd, rest := args[0], args[1:]

	need := func(n int, usage string) error {
		if len(rest) < n {
			return fmt.Errorf("%s requires %s", cmd, usage)
		}
		return nil
	}

	switch cmd {
	case "start":
		return EventEnvelope{Type: "start_session"}, nil

	case "rule", "set-rule":
		if err := need(2, "<kind> <ref>"); err != nil {
			return EventEnvelope{}, err
		}
		return envelopeOf("set_rule", setRule{Kind: rest[0], Ref: rest[1]})

	case "rule-clear", "clear-rule":
		if err := need(1, "<kind>"); err != nil {
			return EventEnvelope{}, err
		}
		return envelopeOf("clear_rule", clearRule{Kind: rest[0]})

	case "tune":
		if err := need(1, "at least one key=value"); err != nil {
			return EventEnvelope{}, err
		}
		t, err := parseTuning(rest)
		if err != nil {
			return EventEnvelope{}, err
		}
		return envelopeOf("set_tuning", t)

	case "preview":
		if err := need(1, "<ref> [volume]"); err != nil {
			return EventEnvelope{}, err
		}
		p := previewSound{Ref: rest[0]}
		if len(rest) > 1 {
			v, err := strconv.ParseFloat(rest[1], 64)
			if err != nil {
				return EventEnvelope{}, fmt.Errorf("invalid volume: %w", err)
			}
			p.Volume = &v
		}
		return envelopeOf("preview_sound", p)

	case "invalidate":
		if err := need(1, "<ref>"); err != nil {
			return EventEnvelope{}, err
		}
		return envelopeOf("invalidate_sound", refOnly{Ref: rest[0]})

	case "sound-add":
		if err := need(2, "<name> <url>"); err != nil {
			return EventEnvelope{}, err
		}
		return envelopeOf("add_sound", sound{Name: rest[0], URL: rest[1]})

	case "sound-remove":
		if err := need(1, "<name>"); err != nil {
			return EventEnvelope{}, err
		}
		return envelopeOf("remove_sound", nameOnly{Name: rest[0]})

	case "motion":
		if err := need(3, "<x> <y> <z>"); err != nil {
			return EventEnvelope{}, err
		}
		v, err := parseFloats(rest[:3])
		if err != nil {
			return EventEnvelope{}, err
		}
		return envelopeOf("motion_sample", motionSample{X: v[0], Y: v[1], Z: v[2], Source: "shake-ctl"})

	case "orientation":
		if err := need(3, "<alpha> <beta> <gamma>"); err != nil {
			return EventEnvelope{}, err
		}
		v, err := parseFloats(rest[:3])
		if err != nil {
			return EventEnvelope{}, err
		}
		return envelopeOf("orientation_sample", orientationSample{
			Alpha: &v[0], Beta: &v[1], Gamma: &v[2], Source: "shake-ctl",
		})

	default:
		return EventEnvelope{}, fmt.Errorf("unknown command: %s", cmd)
	}
}

func envelopeOf(typ string, payload any) (EventEnvelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("marshal %s: %w", typ, err)
	}
	return EventEnvelope{Type: typ, Data: data}, nil
}

func parseTuning(pairs []string) (tuning, error) {
	var t tuning
	for _, p := range pairs {
		key, val, ok := strings.Cut(p, "=")
		if !ok {
			return t, fmt.Errorf("expected key=value, got %q", p)
		}
		switch key {
		case "sensitivity":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return t, fmt.Errorf("invalid sensitivity: %w", err)
			}
			t.Sensitivity = &f
		case "rhythm-min", "rhythm_min_ms":
			n, err := strconv.Atoi(val)
			if err != nil {
				return t, fmt.Errorf("invalid rhythm-min: %w", err)
			}
			t.RhythmMinMS = &n
		case "rhythm-max", "rhythm_max_ms":
			n, err := strconv.Atoi(val)
			if err != nil {
				return t, fmt.Errorf("invalid rhythm-max: %w", err)
			}
			t.RhythmMaxMS = &n
		case "volume":
			f, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return t, fmt.Errorf("invalid volume: %w", err)
			}
			t.Volume = &f
		default:
			return t, fmt.Errorf("unknown tuning key %q", key)
		}
	}
	return t, nil
}

func parseFloats(ss []string) ([]float64, error) {
	out := make([]float64, len(ss))
	for i, s := range ss {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", s)
		}
		out[i] = f
	}
	return out, nil
}

func sendEnvelope(socketPath string, env EventEnvelope) error {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", socketPath, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(ipcTimeout))

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	// Line-delimited JSON
	if _, err := fmt.Fprintf(conn, "%s\n", data); err != nil {
		return fmt.Errorf("send event: %w", err)
	}

	var response IPCResponse
	if err := json.NewDecoder(conn).Decode(&response); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	if response.Status == "error" {
		return errors.New("daemon error: " + response.Error)
	}

	return nil
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `shake-ctl - Control the shakebrainz daemon via IPC

Usage:
  shake-ctl [options] <command> [args]

Options:
  -socket PATH    Unix domain socket path (default: /tmp/shakebrainz.sock)

Commands:
  start                       Start a session (unlock audio, ask permission, attach sensors)
  rule <kind> <ref>           Assign a sound to a gesture
  rule-clear <kind>           Remove a gesture's sound
  tune key=value...           sensitivity, rhythm-min (ms), rhythm-max (ms), volume (0..1)
  preview <ref> [volume]      Play a sound now
  invalidate <ref>            Forget a cached (or failed) sound
  sound-add <name> <url>      Add a sound to the catalog
  sound-remove <name>         Remove a sound from the catalog
  motion <x> <y> <z>          Inject one acceleration sample
  orientation <a> <b> <g>     Inject one orientation sample
  help, -h, --help            Show this help message

Gesture kinds:
  shake smallShake rhythmShake tiltLeft tiltRight faceUp faceDown roll pitch spin

Refs may be a sound catalog name, an http(s) URL, a file path or a data: URI.

Examples:
  shake-ctl start
  shake-ctl rule spin https://assets.mixkit.co/sfx/preview/mixkit-achievement-bell-600.mp3
  shake-ctl tune sensitivity=12 rhythm-min=250
  shake-ctl -socket /run/shakebrainz.sock preview bling 0.5
`)
}
