package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shakebrainz/internal/rescache"
)

var testLogger = slog.New(slog.DiscardHandler)

type startCall struct {
	frames int
	volume float64
}

type fakeOutput struct {
	mu        sync.Mutex
	resumes   int
	resumeErr error
	starts    []startCall
}

func (o *fakeOutput) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.resumes++
	return o.resumeErr
}

func (o *fakeOutput) Start(buf *Buffer, volume float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.starts = append(o.starts, startCall{frames: buf.Frames(), volume: volume})
	return nil
}

func (o *fakeOutput) calls() []startCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]startCall(nil), o.starts...)
}

type recordingSink struct {
	mu   sync.Mutex
	refs []string
	err  error
}

func (s *recordingSink) Name() string { return "recording" }

func (s *recordingSink) Play(_ context.Context, ref string, _ float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = append(s.refs, ref)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refs)
}

func factoryFor(out Output, calls *atomic.Int32) OutputFactory {
	return func() (Output, error) {
		calls.Add(1)
		return out, nil
	}
}

// writeTestWAV encodes a short 16-bit mono tone and returns its bytes.
func writeTestWAV(t *testing.T, sampleRate, frames int) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tone.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	data := make([]int, frames)
	for i := range data {
		data[i] = (i % 64) * 256
	}
	require.NoError(t, enc.Write(&goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}

func countingServer(t *testing.T, body []byte) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestDecode_WAVConvertsToTargetFormat(t *testing.T) {
	raw := writeTestWAV(t, 22050, 2205)

	buf, err := Decode(raw, DefaultFormat)
	require.NoError(t, err)
	assert.Equal(t, DefaultFormat, buf.Format)
	assert.Equal(t, 4410, buf.Frames())
}

func TestDecode_UnknownPayloadFails(t *testing.T) {
	_, err := Decode([]byte("definitely not audio"), DefaultFormat)
	require.ErrorIs(t, err, ErrDecodeFailed)
	require.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestTryPlay_DecodedBufferPlaysAtVolume(t *testing.T) {
	srv, _ := countingServer(t, writeTestWAV(t, 44100, 441))
	out := &fakeOutput{}
	var made atomic.Int32
	fallback := &recordingSink{}

	b := NewBackend(Config{}, factoryFor(out, &made), nil, []Sink{fallback}, testLogger)
	require.NoError(t, b.TryPlay(context.Background(), srv.URL+"/tone.wav", 0.25))

	assert.Equal(t, []startCall{{frames: 441, volume: 0.25}}, out.calls())
	assert.Equal(t, 0, fallback.count())
	assert.Equal(t, StateRunning, b.State())
	assert.Equal(t, rescache.Ready, b.CacheStatus(srv.URL+"/tone.wav"))
}

func TestTryPlay_DecodeFailureIsStickyAndFallsBack(t *testing.T) {
	srv, hits := countingServer(t, []byte("<html>not a sound</html>"))
	out := &fakeOutput{}
	var made atomic.Int32
	fallback := &recordingSink{}

	b := NewBackend(Config{}, factoryFor(out, &made), nil, []Sink{fallback}, testLogger)
	ref := srv.URL + "/broken.mp3"

	require.NoError(t, b.TryPlay(context.Background(), ref, 1))
	require.NoError(t, b.TryPlay(context.Background(), ref, 1))

	assert.Equal(t, 2, fallback.count())
	assert.Equal(t, int32(1), hits.Load(), "decode must not be re-attempted")
	assert.Equal(t, rescache.Failed, b.CacheStatus(ref))
	assert.Empty(t, out.calls())
}

func TestInvalidate_RetriesAfterFailure(t *testing.T) {
	srv, hits := countingServer(t, []byte("junk"))
	var made atomic.Int32
	b := NewBackend(Config{}, factoryFor(&fakeOutput{}, &made), nil, []Sink{&recordingSink{}}, testLogger)
	ref := srv.URL + "/x.wav"

	b.Play(context.Background(), ref, 1)
	b.Invalidate(ref)
	assert.Equal(t, rescache.Missing, b.CacheStatus(ref))
	b.Play(context.Background(), ref, 1)

	assert.Equal(t, int32(2), hits.Load())
}

func TestPlay_AllStrategiesFailingIsSwallowed(t *testing.T) {
	b := NewBackend(Config{}, nil, nil, []Sink{&recordingSink{err: errors.New("no player")}}, testLogger)

	require.NotPanics(t, func() { b.Play(context.Background(), "/nonexistent.wav", 1) })

	err := b.TryPlay(context.Background(), "/nonexistent.wav", 1)
	require.ErrorIs(t, err, ErrOutputDisabled)
	assert.Equal(t, StateUninitialized, b.State())
}

func TestEnsureRunning_FactoryFailureIsRemembered(t *testing.T) {
	var made atomic.Int32
	factory := func() (Output, error) {
		made.Add(1)
		return nil, errors.New("no device")
	}
	fallback := &recordingSink{}
	b := NewBackend(Config{}, factory, nil, []Sink{fallback}, testLogger)

	b.Play(context.Background(), "a.wav", 1)
	b.Play(context.Background(), "b.wav", 1)

	assert.Equal(t, int32(1), made.Load())
	assert.Equal(t, 2, fallback.count())
}

func TestUnlock_IsIdempotent(t *testing.T) {
	out := &fakeOutput{}
	var made atomic.Int32
	b := NewBackend(Config{}, factoryFor(out, &made), nil, nil, testLogger)

	require.Equal(t, StateUninitialized, b.State())
	require.NoError(t, b.Unlock(context.Background()))
	require.NoError(t, b.Unlock(context.Background()))

	assert.True(t, b.Unlocked())
	assert.Equal(t, StateRunning, b.State())
	assert.Equal(t, int32(1), made.Load())
	assert.Equal(t, []startCall{{frames: unlockFrames, volume: 0}}, out.calls())
}

func TestUnlock_ResumeFailureLeavesSuspended(t *testing.T) {
	out := &fakeOutput{resumeErr: errors.New("not allowed")}
	var made atomic.Int32
	b := NewBackend(Config{}, factoryFor(out, &made), nil, nil, testLogger)

	require.Error(t, b.Unlock(context.Background()))
	assert.False(t, b.Unlocked())
	assert.Equal(t, StateSuspended, b.State())
}

func TestPreload_WarmsCache(t *testing.T) {
	srv, hits := countingServer(t, writeTestWAV(t, 44100, 100))
	var made atomic.Int32
	b := NewBackend(Config{}, factoryFor(&fakeOutput{}, &made), nil, nil, testLogger)

	ref := srv.URL + "/a.wav"
	b.Preload(context.Background(), []string{ref, ref, ""})

	assert.Equal(t, rescache.Ready, b.CacheStatus(ref))
	assert.Equal(t, int32(1), hits.Load())
	assert.Equal(t, int32(0), made.Load(), "preload must not touch the output")
}

func TestFetch_DataURIAndFile(t *testing.T) {
	raw := writeTestWAV(t, 8000, 80)
	f := NewFetcher(0, 0)

	got, err := f.Fetch(context.Background(), "data:audio/wav;base64,"+base64.StdEncoding.EncodeToString(raw))
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	path := filepath.Join(t.TempDir(), "s.wav")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	got, err = f.Fetch(context.Background(), "file://"+path)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestFetch_RejectsOversizedAndBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(make([]byte, 64))
	}))
	defer srv.Close()

	f := NewFetcher(0, 32)
	_, err := f.Fetch(context.Background(), srv.URL+"/big")
	require.Error(t, err)
	_, err = f.Fetch(context.Background(), srv.URL+"/missing")
	require.Error(t, err)
}

func TestParseDataURI_PercentEncoded(t *testing.T) {
	data, mt, err := ParseDataURI("data:text/plain,hello%20world")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", mt)
	assert.Equal(t, "hello world", string(data))

	_, _, err = ParseDataURI("data:audio/wav;base64")
	require.Error(t, err)
}
