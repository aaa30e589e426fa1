package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"shakebrainz/internal/audio"
	"shakebrainz/internal/dispatch"
	"shakebrainz/internal/gesture"
	"shakebrainz/internal/sensor"
)

// Config is the top-level YAML configuration for the shakebrainz daemon.
//
// Rules, the sound catalog, motion sensitivity, rhythm bounds and volume are
// user settings and live in the settings store, not here. This file covers
// how the daemon is wired.
type Config struct {
	Audio      AudioConfig      `yaml:"audio"`
	Gestures   GesturesConfig   `yaml:"gestures"`
	Store      StoreConfig      `yaml:"store"`
	Sensors    SensorsConfig    `yaml:"sensors"`
	Permission PermissionConfig `yaml:"permission"`
	Session    SessionConfig    `yaml:"session"`
	IPC        IPCConfig        `yaml:"ipc"`
	HTTP       HTTPConfig       `yaml:"http"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type AudioConfig struct {
	// Output enables the in-process audio device. When false only the
	// system player fallback is used.
	Output          bool   `yaml:"output"`
	SampleRate      int    `yaml:"sample_rate"`
	Channels        int    `yaml:"channels"`
	BufferMS        int    `yaml:"buffer_ms"`
	DecodeTimeoutMS int    `yaml:"decode_timeout_ms"` // 0 disables
	FetchTimeoutMS  int    `yaml:"fetch_timeout_ms"`
	MaxFetchBytes   int64  `yaml:"max_fetch_bytes"`
	SystemPlayer    string `yaml:"system_player,omitempty"` // empty = autodetect
	NoSystemPlayer  bool   `yaml:"no_system_player,omitempty"`
}

type GesturesConfig struct {
	ThrottleMS    int     `yaml:"throttle_ms"`
	TiltDeg       float64 `yaml:"tilt_deg"`
	FaceDeg       float64 `yaml:"face_deg"`
	RollDeltaDeg  float64 `yaml:"roll_delta_deg"`
	PitchDeltaDeg float64 `yaml:"pitch_delta_deg"`
	SpinMeanDeg   float64 `yaml:"spin_mean_deg"`
	SpinWindowMS  int     `yaml:"spin_window_ms"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "memory"
	Path   string `yaml:"path"`
}

type SensorsConfig struct {
	Evdev     EvdevConfig     `yaml:"evdev"`
	Serial    SerialConfig    `yaml:"serial"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

type EvdevConfig struct {
	Devices []string `yaml:"devices,omitempty"`
	Scale   float64  `yaml:"scale,omitempty"`
}

type SerialConfig struct {
	Port     string `yaml:"port,omitempty"`
	BaudRate int    `yaml:"baud_rate,omitempty"`
}

type MQTTConfig struct {
	Broker       string `yaml:"broker,omitempty"`
	Topic        string `yaml:"topic,omitempty"`
	ClientID     string `yaml:"client_id,omitempty"`
	Username     string `yaml:"username,omitempty"`
	PasswordFile string `yaml:"password_file,omitempty"`
}

type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Permission modes.
const (
	PermissionGrant   = "grant"
	PermissionDeny    = "deny"
	PermissionDevices = "devices" // readable evdev/serial device nodes
)

type PermissionConfig struct {
	Mode string `yaml:"mode"`
}

type SessionConfig struct {
	Autostart bool `yaml:"autostart"`
}

type IPCConfig struct {
	SocketPath string `yaml:"socket_path"`
}

type HTTPConfig struct {
	Port      int    `yaml:"port"` // 0 disables the HTTP listener
	StatePath string `yaml:"state_path"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a fully-populated Config with defaults.
func DefaultConfig() Config {
	orient := gesture.DefaultOrientationConfig()
	return Config{
		Audio: AudioConfig{
			Output:          true,
			SampleRate:      audio.DefaultFormat.SampleRate,
			Channels:        audio.DefaultFormat.Channels,
			BufferMS:        defaultAudioBufferMS,
			DecodeTimeoutMS: defaultDecodeTimeoutMS,
			FetchTimeoutMS:  defaultFetchTimeoutMS,
			MaxFetchBytes:   audio.DefaultMaxFetchBytes,
		},
		Gestures: GesturesConfig{
			ThrottleMS:    int(dispatch.DefaultCooldown / time.Millisecond),
			TiltDeg:       orient.TiltDeg,
			FaceDeg:       orient.FaceDeg,
			RollDeltaDeg:  orient.RollDeltaDeg,
			PitchDeltaDeg: orient.PitchDeltaDeg,
			SpinMeanDeg:   orient.SpinMeanDeg,
			SpinWindowMS:  int(orient.SpinWindow / time.Millisecond),
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "~/.local/share/shakebrainz/settings.db",
		},
		Sensors: SensorsConfig{
			Serial:    SerialConfig{BaudRate: sensor.DefaultBaudRate},
			WebSocket: WebSocketConfig{Enabled: true, Path: "/ws/sensors"},
		},
		Permission: PermissionConfig{Mode: PermissionDevices},
		IPC: IPCConfig{
			SocketPath: "/tmp/shakebrainz.sock",
		},
		HTTP: HTTPConfig{
			Port:      3002,
			StatePath: "/ws/state",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfigFile reads and parses a YAML config file on top of the defaults.
// Unknown fields are rejected.
func LoadConfigFile(path string) (Config, error) {
	if path == "" {
		return Config{}, errors.New("config path is empty")
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (Config, error) {
	cfg := DefaultConfig()

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("decode config yaml: %w", err)
	}

	// Only whitespace/comments are allowed after the document.
	var extra yaml.Node
	if err := dec.Decode(&extra); !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("decode config yaml: unexpected trailing document")
	}

	return cfg, nil
}

// FlagOverrides are applied on top of the file. Nil pointers are ignored;
// non-nil values win even when they are zero.
type FlagOverrides struct {
	AudioOutput     *bool
	SystemPlayer    *string
	DecodeTimeoutMS *int

	ThrottleMS *int

	StoreDriver *string
	StorePath   *string

	EvdevDevice  *string
	SerialPort   *string
	MQTTBroker   *string
	MQTTTopic    *string
	WSSensors    *bool
	PermissionMode *string
	Autostart    *bool

	IPCSocketPath *string
	HTTPPort      *int

	LogLevel *string
}

func (o FlagOverrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}

	if o.AudioOutput != nil {
		cfg.Audio.Output = *o.AudioOutput
	}
	if o.SystemPlayer != nil {
		cfg.Audio.SystemPlayer = *o.SystemPlayer
	}
	if o.DecodeTimeoutMS != nil {
		cfg.Audio.DecodeTimeoutMS = *o.DecodeTimeoutMS
	}

	if o.ThrottleMS != nil {
		cfg.Gestures.ThrottleMS = *o.ThrottleMS
	}

	if o.StoreDriver != nil {
		cfg.Store.Driver = *o.StoreDriver
	}
	if o.StorePath != nil {
		cfg.Store.Path = *o.StorePath
	}

	if o.EvdevDevice != nil {
		cfg.Sensors.Evdev.Devices = []string{*o.EvdevDevice}
	}
	if o.SerialPort != nil {
		cfg.Sensors.Serial.Port = *o.SerialPort
	}
	if o.MQTTBroker != nil {
		cfg.Sensors.MQTT.Broker = *o.MQTTBroker
	}
	if o.MQTTTopic != nil {
		cfg.Sensors.MQTT.Topic = *o.MQTTTopic
	}
	if o.WSSensors != nil {
		cfg.Sensors.WebSocket.Enabled = *o.WSSensors
	}
	if o.PermissionMode != nil {
		cfg.Permission.Mode = *o.PermissionMode
	}
	if o.Autostart != nil {
		cfg.Session.Autostart = *o.Autostart
	}

	if o.IPCSocketPath != nil {
		cfg.IPC.SocketPath = *o.IPCSocketPath
	}
	if o.HTTPPort != nil {
		cfg.HTTP.Port = *o.HTTPPort
	}

	if o.LogLevel != nil {
		cfg.Logging.Level = *o.LogLevel
	}
}

// Validate checks config invariants after defaults, file and flags are merged.
func (c *Config) Validate() error {
	// Audio
	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		return errors.New("audio.sample_rate must be between 8000 and 192000")
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return errors.New("audio.channels must be 1 or 2")
	}
	if c.Audio.BufferMS < 0 {
		return errors.New("audio.buffer_ms must be >= 0")
	}
	if c.Audio.DecodeTimeoutMS < 0 {
		return errors.New("audio.decode_timeout_ms must be >= 0")
	}
	if c.Audio.FetchTimeoutMS <= 0 {
		return errors.New("audio.fetch_timeout_ms must be > 0")
	}
	if c.Audio.MaxFetchBytes <= 0 {
		return errors.New("audio.max_fetch_bytes must be > 0")
	}
	if !c.Audio.Output && c.Audio.NoSystemPlayer {
		return errors.New("audio.output is false and audio.no_system_player is true: no way to play sounds")
	}

	// Gestures
	g := c.Gestures
	if g.ThrottleMS <= 0 {
		return errors.New("gestures.throttle_ms must be > 0")
	}
	for name, v := range map[string]float64{
		"tilt_deg":        g.TiltDeg,
		"face_deg":        g.FaceDeg,
		"roll_delta_deg":  g.RollDeltaDeg,
		"pitch_delta_deg": g.PitchDeltaDeg,
		"spin_mean_deg":   g.SpinMeanDeg,
	} {
		if v <= 0 {
			return fmt.Errorf("gestures.%s must be > 0", name)
		}
	}
	if g.SpinWindowMS <= 0 {
		return errors.New("gestures.spin_window_ms must be > 0")
	}

	// Store
	switch c.Store.Driver {
	case "sqlite":
		if c.Store.Path == "" {
			return errors.New("store.path must not be empty for the sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("store.driver must be %q or %q", "sqlite", "memory")
	}

	// Sensors
	for i, dev := range c.Sensors.Evdev.Devices {
		if dev == "" {
			return fmt.Errorf("sensors.evdev.devices[%d] is empty", i)
		}
	}
	if c.Sensors.Evdev.Scale < 0 {
		return errors.New("sensors.evdev.scale must be >= 0")
	}
	if c.Sensors.Serial.BaudRate < 0 {
		return errors.New("sensors.serial.baud_rate must be >= 0")
	}
	if (c.Sensors.MQTT.Broker == "") != (c.Sensors.MQTT.Topic == "") {
		return errors.New("sensors.mqtt.broker and sensors.mqtt.topic must be set together")
	}
	if c.Sensors.WebSocket.Enabled {
		if !strings.HasPrefix(c.Sensors.WebSocket.Path, "/") {
			return errors.New("sensors.websocket.path must start with /")
		}
		if c.HTTP.Port == 0 {
			return errors.New("sensors.websocket.enabled requires http.port")
		}
	}

	// Permission
	switch c.Permission.Mode {
	case PermissionGrant, PermissionDeny, PermissionDevices:
	default:
		return fmt.Errorf("permission.mode must be one of %q, %q, %q", PermissionGrant, PermissionDeny, PermissionDevices)
	}

	// IPC / HTTP
	if c.IPC.SocketPath == "" {
		return errors.New("ipc.socket_path must not be empty")
	}
	if c.HTTP.Port < 0 || c.HTTP.Port > 65535 {
		return errors.New("http.port must be between 0 and 65535")
	}
	if c.HTTP.Port != 0 && !strings.HasPrefix(c.HTTP.StatePath, "/") {
		return errors.New("http.state_path must start with /")
	}
	if c.Sensors.WebSocket.Enabled && c.Sensors.WebSocket.Path == c.HTTP.StatePath {
		return errors.New("sensors.websocket.path and http.state_path must differ")
	}

	// Logging
	if c.Logging.Level == "" {
		return errors.New("logging.level must not be empty")
	}
	if _, err := parseLogLevel(c.Logging.Level); err != nil {
		return err
	}

	return nil
}

// HasSensors reports whether at least one sensor source is configured.
func (c *Config) HasSensors() bool {
	s := c.Sensors
	return len(s.Evdev.Devices) > 0 || s.Serial.Port != "" || s.MQTT.Broker != "" || s.WebSocket.Enabled
}

// ToOrientationConfig converts the gesture section into classifier thresholds.
func (c *Config) ToOrientationConfig() gesture.OrientationConfig {
	g := c.Gestures
	return gesture.OrientationConfig{
		TiltDeg:       g.TiltDeg,
		FaceDeg:       g.FaceDeg,
		RollDeltaDeg:  g.RollDeltaDeg,
		PitchDeltaDeg: g.PitchDeltaDeg,
		SpinMeanDeg:   g.SpinMeanDeg,
		SpinWindow:    time.Duration(g.SpinWindowMS) * time.Millisecond,
	}
}

// ToAudioConfig converts the audio section into backend settings.
func (c *Config) ToAudioConfig() audio.Config {
	return audio.Config{
		Format: audio.Format{
			SampleRate: c.Audio.SampleRate,
			Channels:   c.Audio.Channels,
		},
		DecodeTimeout: time.Duration(c.Audio.DecodeTimeoutMS) * time.Millisecond,
	}
}

// PermissionDevicePaths lists the device nodes the "devices" permission mode
// must be able to open.
func (c *Config) PermissionDevicePaths() []string {
	paths := append([]string(nil), c.Sensors.Evdev.Devices...)
	if c.Sensors.Serial.Port != "" {
		paths = append(paths, c.Sensors.Serial.Port)
	}
	return paths
}

// ExpandPath expands a leading "~" in a path using $HOME.
func ExpandPath(p string) string {
	if p == "" {
		return p
	}
	if p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	if p == "~" {
		return home
	}
	if len(p) >= 2 && (p[1] == '/' || p[1] == '\\') {
		return filepath.Join(home, p[2:])
	}
	return p
}
