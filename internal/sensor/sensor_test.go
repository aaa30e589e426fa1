package sensor

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shakebrainz/internal/gesture"
)

var testLogger = slog.New(slog.DiscardHandler)

func TestParseSample(t *testing.T) {
	at := time.Unix(100, 0)

	s, err := ParseSample([]byte(`{"type":"motion","x":1,"y":2,"z":3}`), "t", at)
	require.NoError(t, err)
	require.NotNil(t, s.Motion)
	assert.Nil(t, s.Orientation)
	assert.Equal(t, gesture.MotionSample{X: 1, Y: 2, Z: 3}, *s.Motion)
	assert.Equal(t, at, s.At)
	assert.Equal(t, "t", s.Source)

	s, err = ParseSample([]byte(`{"type":"orientation","gamma":-12.5}`), "t", at)
	require.NoError(t, err)
	require.NotNil(t, s.Orientation)
	assert.Nil(t, s.Orientation.Alpha)
	require.NotNil(t, s.Orientation.Gamma)
	assert.Equal(t, -12.5, *s.Orientation.Gamma)

	_, err = ParseSample([]byte(`{"type":"light","lux":3}`), "t", at)
	assert.ErrorIs(t, err, ErrUnknownSampleType)

	_, err = ParseSample([]byte(`not json`), "t", at)
	assert.Error(t, err)
}

func TestScanLines_SkipsMalformedLines(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"motion","x":0,"y":0,"z":0}`,
		``,
		`garbage`,
		`{"type":"orientation","alpha":1,"beta":2,"gamma":3}`,
	}, "\n")

	out := make(chan Sample, 4)
	require.NoError(t, scanLines(context.Background(), strings.NewReader(input), "serial", out, testLogger))
	close(out)

	var got []Sample
	for s := range out {
		got = append(got, s)
	}
	require.Len(t, got, 2)
	assert.NotNil(t, got[0].Motion)
	assert.NotNil(t, got[1].Orientation)
}

func TestScanLines_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := make(chan Sample) // unbuffered, nobody reading
	err := scanLines(ctx, strings.NewReader(`{"type":"motion"}`+"\n"), "serial", out, testLogger)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAbsFrame_EmitsOnSynReport(t *testing.T) {
	var f absFrame

	_, ok := f.feed(inputEvent{Type: evSyn, Code: synReport}, 1)
	assert.False(t, ok, "empty frame")

	f.feed(inputEvent{Type: evAbs, Code: absX, Value: 10}, 0.5)
	f.feed(inputEvent{Type: evAbs, Code: absZ, Value: -4}, 0.5)
	f.feed(inputEvent{Type: evAbs, Code: 0x28, Value: 99}, 0.5) // ABS_MISC is ignored
	m, ok := f.feed(inputEvent{Type: evSyn, Code: synReport}, 0.5)
	require.True(t, ok)
	assert.Equal(t, gesture.MotionSample{X: 5, Y: 0, Z: -2}, m)

	// Axes persist across frames; only changed ones are updated.
	f.feed(inputEvent{Type: evAbs, Code: absY, Value: 2}, 0.5)
	m, ok = f.feed(inputEvent{Type: evSyn, Code: synReport}, 0.5)
	require.True(t, ok)
	assert.Equal(t, gesture.MotionSample{X: 5, Y: 1, Z: -2}, m)

	_, ok = f.feed(inputEvent{Type: evSyn, Code: synReport}, 0.5)
	assert.False(t, ok)
}

func TestMQTTHandlePayload_DropsWhenFull(t *testing.T) {
	s := &MQTTSource{}
	out := make(chan Sample, 1)
	ctx := context.Background()

	s.handlePayload(ctx, []byte(`{"type":"motion","x":1}`), out, testLogger)
	s.handlePayload(ctx, []byte(`{"type":"motion","x":2}`), out, testLogger)
	s.handlePayload(ctx, []byte(`nope`), out, testLogger)

	require.Len(t, out, 1)
	got := <-out
	assert.Equal(t, 1.0, got.Motion.X)
	assert.Equal(t, int64(1), s.Dropped())
}

func TestWebSocketSource_RefusesUntilAttached(t *testing.T) {
	src := &WebSocketSource{Logger: testLogger}
	srv := httptest.NewServer(src)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan Sample, 4)
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, out) }()

	require.Eventually(t, func() bool {
		_, o := src.attached()
		return o != nil
	}, time.Second, 5*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"motion","x":0,"y":0,"z":9}`)))
	select {
	case s := <-out:
		require.NotNil(t, s.Motion)
		assert.Equal(t, 9.0, s.Motion.Z)
		assert.Equal(t, "websocket", s.Source)
	case <-time.After(2 * time.Second):
		t.Fatal("no sample received")
	}

	cancel()
	assert.True(t, errors.Is(<-done, context.Canceled))
}

func TestWebSocketSource_SecondRunRejected(t *testing.T) {
	src := &WebSocketSource{Logger: testLogger}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan Sample)
	go func() { _ = src.Run(ctx, out) }()
	require.Eventually(t, func() bool {
		_, o := src.attached()
		return o != nil
	}, time.Second, 5*time.Millisecond)

	assert.Error(t, src.Run(ctx, out))
}

func TestWebSocketSource_OneClientAtATime(t *testing.T) {
	src := &WebSocketSource{Logger: testLogger}
	srv := httptest.NewServer(src)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan Sample, 4)
	go func() { _ = src.Run(ctx, out) }()
	require.Eventually(t, func() bool {
		_, o := src.attached()
		return o != nil
	}, time.Second, 5*time.Millisecond)

	first, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	// A delivered sample means the handler holds the slot.
	require.NoError(t, first.WriteMessage(websocket.TextMessage, []byte(`{"type":"motion","x":0,"y":0,"z":1}`)))
	select {
	case <-out:
	case <-time.After(2 * time.Second):
		t.Fatal("no sample from first client")
	}

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Once the first client leaves, the slot frees up.
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			return false
		}
		_ = c.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)
}
