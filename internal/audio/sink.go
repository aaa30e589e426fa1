package audio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
)

// Sink is one playback strategy. Play reports whether playback started;
// it must not wait for the sound to finish.
type Sink interface {
	Name() string
	Play(ctx context.Context, ref string, volume float64) error
}

// ErrNoSystemPlayer means no external player was found on this host.
var ErrNoSystemPlayer = errors.New("no system audio player available")

// maxConcurrentSystemPlays limits simultaneous external player processes.
const maxConcurrentSystemPlays = 4

// SystemSink plays a reference through an OS-native player process. It is
// the last-resort strategy when in-process decoding or output fails.
type SystemSink struct {
	command  string
	baseArgs []string
	volArgs  func(volume float64) []string

	fetcher RawSource
	logger  *slog.Logger

	// start launches the player and returns a wait func; swapped in tests.
	start func(name string, args []string) (func() error, error)

	concurrent atomic.Int32
}

// NewSystemSink detects a player for this platform. An explicit command
// overrides detection; it is run as "<command> <path>". Pass the backend's
// CachedFetcher so remote refs are not fetched again per play.
func NewSystemSink(command string, fetcher RawSource, logger *slog.Logger) *SystemSink {
	s := &SystemSink{fetcher: fetcher, logger: logger, start: execStart}
	if command != "" {
		fields := strings.Fields(command)
		s.command = fields[0]
		s.baseArgs = fields[1:]
	} else {
		s.command, s.baseArgs, s.volArgs = detectSystemPlayer()
	}
	logger.Debug("system audio player", "command", s.command, "platform", runtime.GOOS)
	return s
}

func (s *SystemSink) Name() string { return "system" }

// Available reports whether a player command was found.
func (s *SystemSink) Available() bool { return s.command != "" }

func (s *SystemSink) Play(ctx context.Context, ref string, volume float64) error {
	if s.command == "" {
		return ErrNoSystemPlayer
	}

	if s.concurrent.Add(1) > maxConcurrentSystemPlays {
		s.concurrent.Add(-1)
		return errors.New("system player concurrency limit reached")
	}

	path, cleanup, err := s.materialize(ctx, ref)
	if err != nil {
		s.concurrent.Add(-1)
		return err
	}

	args := s.buildArgs(path, volume)
	wait, err := s.start(s.command, args)
	if err != nil {
		cleanup()
		s.concurrent.Add(-1)
		return fmt.Errorf("start %s: %w", s.command, err)
	}

	go func() {
		defer s.concurrent.Add(-1)
		defer cleanup()
		if err := wait(); err != nil {
			s.logger.Debug("system player exited with error", "ref", ref, "error", err)
		}
	}()
	return nil
}

// materialize returns a local path for ref. Remote and inline refs are
// written to a temp file that cleanup removes.
func (s *SystemSink) materialize(ctx context.Context, ref string) (string, func(), error) {
	noop := func() {}
	if !strings.HasPrefix(ref, "data:") && !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		path := strings.TrimPrefix(ref, "file://")
		path = expandHome(path)
		if _, err := os.Stat(path); err != nil {
			return "", noop, fmt.Errorf("sound file: %w", err)
		}
		return path, noop, nil
	}

	if s.fetcher == nil {
		return "", noop, errors.New("no fetcher for remote sound")
	}
	data, err := s.fetcher.Fetch(ctx, ref)
	if err != nil {
		return "", noop, err
	}

	ext := ".bin"
	switch sniff(data) {
	case containerWAV:
		ext = ".wav"
	case containerMP3:
		ext = ".mp3"
	}

	tmp, err := os.CreateTemp("", "shakebrainz-sound-*"+ext)
	if err != nil {
		return "", noop, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Debug("failed to remove temp sound file", "path", tmpPath, "error", err)
		}
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return "", noop, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", noop, fmt.Errorf("close temp file: %w", err)
	}
	return tmpPath, cleanup, nil
}

func (s *SystemSink) buildArgs(path string, volume float64) []string {
	if runtime.GOOS == "windows" && filepath.Base(s.command) == "powershell.exe" {
		return []string{"-c", fmt.Sprintf("(New-Object System.Media.SoundPlayer '%s').PlaySync()", path)}
	}
	args := make([]string, 0, len(s.baseArgs)+3)
	args = append(args, s.baseArgs...)
	if s.volArgs != nil {
		args = append(args, s.volArgs(clampVolume(volume))...)
	}
	return append(args, path)
}

func execStart(name string, args []string) (func() error, error) {
	cmd := exec.Command(name, args...) //nolint:gosec // command comes from detection or operator config
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd.Wait, nil
}

// detectSystemPlayer picks the best available player. ffplay is preferred
// on Linux because it handles both MP3 and WAV and accepts a gain.
func detectSystemPlayer() (string, []string, func(float64) []string) {
	switch runtime.GOOS {
	case "darwin":
		if path, err := exec.LookPath("afplay"); err == nil {
			return path, nil, func(v float64) []string {
				return []string{"-v", strconv.FormatFloat(v, 'f', 2, 64)}
			}
		}
	case "linux":
		if path, err := exec.LookPath("ffplay"); err == nil {
			return path, []string{"-nodisp", "-autoexit", "-loglevel", "quiet"}, func(v float64) []string {
				return []string{"-volume", strconv.Itoa(int(v * 100))}
			}
		}
		if path, err := exec.LookPath("paplay"); err == nil {
			return path, nil, func(v float64) []string {
				return []string{"--volume=" + strconv.Itoa(int(v*65536))}
			}
		}
		if path, err := exec.LookPath("aplay"); err == nil {
			return path, []string{"-q"}, nil
		}
	case "windows":
		if path, err := exec.LookPath("powershell.exe"); err == nil {
			return path, nil, nil
		}
	}
	return "", nil, nil
}
