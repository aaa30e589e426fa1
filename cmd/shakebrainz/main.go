package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"shakebrainz/internal/audio"
	"shakebrainz/internal/dispatch"
	"shakebrainz/internal/sensor"
	"shakebrainz/internal/session"
	"shakebrainz/internal/store"
)

const version = "1.0.0"

func printVersion() {
	fmt.Printf("ShakeBrainz v%s\n", version)
	fmt.Println("Gesture classification and sound dispatch daemon")
}

func printUsage() {
	printVersion()
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  shakebrainz [OPTIONS]")
	fmt.Println()
	fmt.Println("DESCRIPTION:")
	fmt.Println("  Reads motion and orientation samples from local or remote sensors,")
	fmt.Println("  classifies them into gestures (shake, tilt, flip, spin) and plays the")
	fmt.Println("  sound assigned to each gesture, at most once per 300 ms per gesture.")
	fmt.Println()
	fmt.Println("OPTIONS:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("EXAMPLES:")
	fmt.Println("  # Phone sensors over websocket, start listening immediately")
	fmt.Println("  shakebrainz -autostart")
	fmt.Println()
	fmt.Println("  # Linux accelerometer and an MQTT IMU")
	fmt.Println("  shakebrainz -evdev-device /dev/input/event12 -mqtt-broker tcp://pi:1883 -mqtt-topic imu/samples")
	fmt.Println()
	fmt.Println("  # Start a session from another terminal")
	fmt.Println("  shake-ctl start")
	fmt.Println()
	fmt.Println("NOTES:")
	fmt.Println("  - Rules, sounds, sensitivity and volume are stored settings; change them with shake-ctl.")
	fmt.Println("  - Evdev and serial devices need read access (run as root or add user to 'input'/'dialout').")
	fmt.Println()
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-version" || arg == "--version" {
			printVersion()
			return
		}
	}

	var (
		configPath = flag.String("config", "", "Path to YAML config file")

		audioOutput   = flag.Bool("audio-output", true, "Enable the in-process audio output")
		systemPlayer  = flag.String("system-player", "", "Fallback player command (default: autodetect)")
		decodeTimeout = flag.Int("decode-timeout-ms", defaultDecodeTimeoutMS, "Bound on fetch+decode of one sound in ms (0 disables)")
		throttleMS    = flag.Int("throttle-ms", int(dispatch.DefaultCooldown/time.Millisecond), "Per-gesture replay cooldown in ms")

		storeDriver = flag.String("store", "sqlite", "Settings store: sqlite|memory")
		storePath   = flag.String("store-path", "~/.local/share/shakebrainz/settings.db", "SQLite settings database path")

		evdevDevice = flag.String("evdev-device", "", "Linux input event device of an accelerometer")
		serialPort  = flag.String("serial-port", "", "Serial port of a line-JSON IMU")
		mqttBroker  = flag.String("mqtt-broker", "", "MQTT broker URL (e.g. tcp://localhost:1883)")
		mqttTopic   = flag.String("mqtt-topic", "", "MQTT topic carrying line-JSON samples")
		wsSensors   = flag.Bool("ws-sensors", true, "Accept phone sensor samples over websocket")
		permission  = flag.String("permission", PermissionDevices, "Sensor permission mode: grant|deny|devices")
		autostart   = flag.Bool("autostart", false, "Start a session at launch")

		ipcSocketPath = flag.String("ipc-socket", "/tmp/shakebrainz.sock", "Unix domain socket path for IPC")
		httpPort      = flag.Int("http-port", 3002, "HTTP listener port for websockets (0 disables)")
		logLevelStr   = flag.String("log-level", "info", "Log level: error, warn, info, debug")
		showHelp      = flag.Bool("help", false, "Print help message")
	)

	flag.Usage = printUsage
	flag.Parse()

	if *showHelp {
		printUsage()
		return
	}

	cfg := DefaultConfig()
	if *configPath != "" {
		loaded, err := LoadConfigFile(*configPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Flags only override the file when given explicitly.
	var ov FlagOverrides
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "audio-output":
			ov.AudioOutput = audioOutput
		case "system-player":
			ov.SystemPlayer = systemPlayer
		case "decode-timeout-ms":
			ov.DecodeTimeoutMS = decodeTimeout
		case "throttle-ms":
			ov.ThrottleMS = throttleMS
		case "store":
			ov.StoreDriver = storeDriver
		case "store-path":
			ov.StorePath = storePath
		case "evdev-device":
			ov.EvdevDevice = evdevDevice
		case "serial-port":
			ov.SerialPort = serialPort
		case "mqtt-broker":
			ov.MQTTBroker = mqttBroker
		case "mqtt-topic":
			ov.MQTTTopic = mqttTopic
		case "ws-sensors":
			ov.WSSensors = wsSensors
		case "permission":
			ov.PermissionMode = permission
		case "autostart":
			ov.Autostart = autostart
		case "ipc-socket":
			ov.IPCSocketPath = ipcSocketPath
		case "http-port":
			ov.HTTPPort = httpPort
		case "log-level":
			ov.LogLevel = logLevelStr
		}
	})
	ov.Apply(&cfg)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}

	logLevel, _ := parseLogLevel(cfg.Logging.Level)
	logger := setupLogger(logLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("shakebrainz stopped", "error", err)
		os.Exit(1)
	}
}

// run wires every component and blocks until SIGINT/SIGTERM.
func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Settings store
	kv, closeStore, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("closing settings store", "error", err)
		}
	}()
	settings := store.NewSettings(kv, logger.With("component", "settings"))

	// Audio backend: in-process output first, then the system player.
	audioLogger := logger.With("component", "audio")
	fetcher := audio.NewCachedFetcher(audio.NewFetcher(time.Duration(cfg.Audio.FetchTimeoutMS)*time.Millisecond, cfg.Audio.MaxFetchBytes))
	audioCfg := cfg.ToAudioConfig()

	var newOutput audio.OutputFactory
	if cfg.Audio.Output {
		newOutput = audio.NewOtoOutput(audioCfg.Format, time.Duration(cfg.Audio.BufferMS)*time.Millisecond, audioLogger)
	}
	var fallbacks []audio.Sink
	if !cfg.Audio.NoSystemPlayer {
		sys := audio.NewSystemSink(cfg.Audio.SystemPlayer, fetcher, audioLogger)
		if sys.Available() {
			fallbacks = append(fallbacks, sys)
		} else {
			audioLogger.Warn("no system audio player found; fallback playback disabled")
		}
	}
	backend := audio.NewBackend(audioCfg, newOutput, fetcher, fallbacks, audioLogger)

	// Dispatcher: stored rules, backend playback.
	dispatcher := dispatch.New(dispatch.Config{
		Cooldown: time.Duration(cfg.Gestures.ThrottleMS) * time.Millisecond,
	}, settings, backend, logger.With("component", "dispatch"))
	defer dispatcher.Close()

	// Sensors
	sources, wsSource, err := buildSources(cfg, logger)
	if err != nil {
		return err
	}
	if reason := idleSensorsReason(cfg, len(sources)); reason != "" {
		logger.Warn(reason + "; only IPC samples will be classified")
	}

	events := make(chan Event, eventQueueSize)
	samples := make(chan sensor.Sample, sampleQueueSize)
	broadcasts := make(chan StateBroadcast, broadcastQueueSize)

	controller := session.NewController(session.Config{
		Unlocker: backend,
		Gate:     buildGate(cfg),
		Sources:  sources,
		Out:      samples,
		Logger:   logger.With("component", "session"),
	})
	defer controller.Close()

	var wg sync.WaitGroup
	goRun := func(name string, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(); err != nil {
				logger.Error(name+" stopped", "error", err)
			}
		}()
	}

	// Sensor samples become daemon events.
	goRun("sample forwarder", func() error {
		forwardSamples(ctx, samples, events, logger)
		return nil
	})

	orientCfg := cfg.ToOrientationConfig()
	env := &effectEnv{
		ctx:        ctx,
		session:    controller,
		dispatcher: dispatcher,
		backend:    backend,
		settings:   settings,
		post: func(ev Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		},
	}
	goRun("daemon", func() error {
		runDaemon(ctx, events, daemonConfig{
			env: env,
			tuning: func() Tuning {
				return Tuning{Motion: settings.Motion(), Orientation: orientCfg}
			},
			broadcasts: broadcasts,
		}, &DaemonState{}, logger.With("component", "daemon"))
		return nil
	})

	goRun("ipc server", func() error {
		return runIPCServer(ctx, cfg.IPC.SocketPath, events, logger.With("component", "ipc"))
	})

	if cfg.HTTP.Port != 0 {
		wsLogger := logger.With("component", "ws")
		stateServer := NewServer(wsLogger, events, ServerConfig{})
		goRun("ws hub", func() error {
			stateServer.Hub().Run(ctx)
			return nil
		})
		goRun("ws broadcaster", func() error {
			RunBroadcaster(ctx, stateServer.Hub(), broadcasts, wsLogger)
			return nil
		})

		var sensorHandler http.Handler
		if wsSource != nil {
			sensorHandler = wsSource
		}
		mux := newHTTPMux(stateServer, cfg.HTTP.StatePath, sensorHandler, cfg.Sensors.WebSocket.Path)
		goRun("http server", func() error {
			return runHTTPServer(ctx, cfg.HTTP.Port, mux, logger.With("component", "http"))
		})
	}

	if cfg.Session.Autostart {
		events <- StartSession{}
	}

	logger.Info("listening",
		"ipc", cfg.IPC.SocketPath,
		"http_port", cfg.HTTP.Port,
		"sources", sourceNames(sources),
		"store", cfg.Store.Driver,
		"audio_output", cfg.Audio.Output,
		"fallbacks", len(fallbacks),
		"autostart", cfg.Session.Autostart)

	<-ctx.Done()
	logger.Info("shutting down")

	controller.Close()
	wg.Wait()
	return nil
}

// openStore returns the configured settings store and its close func.
func openStore(cfg StoreConfig) (store.Store, func() error, error) {
	switch cfg.Driver {
	case "memory":
		return store.NewMemory(), func() error { return nil }, nil
	case "sqlite":
		path := ExpandPath(cfg.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("create store directory: %w", err)
		}
		db, err := store.OpenSQLite(path)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// buildSources returns every configured sensor source. The websocket source
// is also returned on its own so it can be mounted on the HTTP mux.
// idleSensorsReason explains why no sensor source will run, or returns "".
func idleSensorsReason(cfg Config, running int) string {
	switch {
	case !cfg.HasSensors():
		return "no sensor sources configured"
	case running == 0:
		return "websocket sensor needs http.port"
	}
	return ""
}

func buildSources(cfg Config, logger *slog.Logger) ([]sensor.Source, *sensor.WebSocketSource, error) {
	var sources []sensor.Source
	s := cfg.Sensors
	sensorLogger := logger.With("component", "sensor")

	if len(s.Evdev.Devices) > 0 {
		paths := make([]string, len(s.Evdev.Devices))
		for i, p := range s.Evdev.Devices {
			paths[i] = ExpandPath(p)
		}
		sources = append(sources, &sensor.EvdevSource{Paths: paths, Scale: s.Evdev.Scale})
	}
	if s.Serial.Port != "" {
		sources = append(sources, &sensor.SerialSource{
			Port:     s.Serial.Port,
			BaudRate: s.Serial.BaudRate,
			Logger:   sensorLogger.With("source", "serial"),
		})
	}
	if s.MQTT.Broker != "" {
		password, err := readSecretFile(s.MQTT.PasswordFile)
		if err != nil {
			return nil, nil, fmt.Errorf("mqtt password: %w", err)
		}
		sources = append(sources, &sensor.MQTTSource{
			Broker:   s.MQTT.Broker,
			Topic:    s.MQTT.Topic,
			ClientID: s.MQTT.ClientID,
			Username: s.MQTT.Username,
			Password: password,
			Logger:   sensorLogger.With("source", "mqtt"),
		})
	}

	var ws *sensor.WebSocketSource
	if s.WebSocket.Enabled && cfg.HTTP.Port != 0 {
		ws = &sensor.WebSocketSource{Logger: sensorLogger.With("source", "websocket")}
		sources = append(sources, ws)
	}
	return sources, ws, nil
}

func buildGate(cfg Config) session.PermissionGate {
	switch cfg.Permission.Mode {
	case PermissionDeny:
		return session.StaticGate(false)
	case PermissionDevices:
		return session.AccessGate{Paths: cfg.PermissionDevicePaths()}
	default:
		return session.StaticGate(true)
	}
}

func readSecretFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	b, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return "", err
	}
	secret := strings.TrimSpace(string(b))
	if secret == "" {
		return "", errors.New("secret file is empty")
	}
	return secret, nil
}

func sourceNames(sources []sensor.Source) []string {
	names := make([]string, len(sources))
	for i, s := range sources {
		names[i] = s.Name()
	}
	return names
}

// forwardSamples turns sensor samples into daemon events. A full event queue
// drops the sample: a late sample is worse than a missing one.
func forwardSamples(ctx context.Context, samples <-chan sensor.Sample, events chan<- Event, logger *slog.Logger) {
	var dropped int64
	for {
		select {
		case <-ctx.Done():
			if dropped > 0 {
				logger.Info("sample forwarder stopping", "dropped", dropped)
			}
			return
		case s := <-samples:
			ev := sampleEvent(s)
			if ev == nil {
				continue
			}
			select {
			case events <- ev:
			default:
				dropped++
				if dropped == 1 || dropped%100 == 0 {
					logger.Warn("event queue full, dropping sensor sample", "source", s.Source, "dropped", dropped)
				}
			}
		}
	}
}

func sampleEvent(s sensor.Sample) Event {
	switch {
	case s.Motion != nil:
		return MotionSampleReceived{MotionSample: *s.Motion, Source: s.Source}
	case s.Orientation != nil:
		return OrientationSampleReceived{OrientationSample: *s.Orientation, Source: s.Source}
	default:
		return nil
	}
}
