package main

import "time"

// Audio defaults
const (
	defaultAudioBufferMS   = 50     // Output device buffer (ms)
	defaultDecodeTimeoutMS = 10_000 // Bound on fetch+decode of one sound (ms)
	defaultFetchTimeoutMS  = 8_000  // HTTP fetch timeout (ms)
)

// Daemon plumbing
const (
	eventQueueSize     = 256 // Daemon inbound events (samples arrive at sensor rate)
	sampleQueueSize    = 128 // Sensor sources -> daemon forwarder
	broadcastQueueSize = 128 // Reducer broadcasts -> WS broadcaster

	// sessionStartTimeout bounds unlock + permission for one Start attempt.
	sessionStartTimeout = 10 * time.Second

	// ipcReplyTimeout bounds how long an IPC caller waits for start_session.
	ipcReplyTimeout = 15 * time.Second
)
