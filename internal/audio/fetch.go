package audio

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"shakebrainz/internal/rescache"
)

// DefaultMaxFetchBytes caps a single sound resource.
const DefaultMaxFetchBytes = 10 << 20

// Fetcher resolves a resource reference to its raw bytes. A reference is an
// http(s) URL, a data: URI, a file:// URL, or a local path.
type Fetcher struct {
	Client   *http.Client
	MaxBytes int64
}

// NewFetcher returns a Fetcher with a bounded HTTP client.
func NewFetcher(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFetchBytes
	}
	return &Fetcher{
		Client:   &http.Client{Timeout: timeout},
		MaxBytes: maxBytes,
	}
}

// RawSource resolves a reference to its raw bytes.
type RawSource interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// CachedFetcher remembers the fetch outcome of every ref, failures included,
// until Invalidate. The buffer strategy and the system player share one, so
// a broken URL is requested once no matter how often its gesture fires.
type CachedFetcher struct {
	cache *rescache.Cache[[]byte]
}

func NewCachedFetcher(f *Fetcher) *CachedFetcher {
	if f == nil {
		f = NewFetcher(0, 0)
	}
	return &CachedFetcher{cache: rescache.New(f.Fetch, 0)}
}

func (c *CachedFetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	return c.cache.Resolve(ctx, ref)
}

// Invalidate forgets the stored bytes or failure for ref.
func (c *CachedFetcher) Invalidate(ref string) {
	c.cache.Invalidate(ref)
}

func (f *Fetcher) Fetch(ctx context.Context, ref string) ([]byte, error) {
	switch {
	case ref == "":
		return nil, errors.New("empty resource reference")
	case strings.HasPrefix(ref, "data:"):
		data, _, err := ParseDataURI(ref)
		return data, err
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return f.fetchHTTP(ctx, ref)
	case strings.HasPrefix(ref, "file://"):
		u, err := url.Parse(ref)
		if err != nil {
			return nil, fmt.Errorf("parse file url: %w", err)
		}
		return f.readFile(u.Path)
	default:
		return f.readFile(ref)
	}
}

func (f *Fetcher) fetchHTTP(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", ref, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: unexpected status %s", ref, resp.Status)
	}
	return f.readLimited(resp.Body)
}

func (f *Fetcher) readFile(path string) ([]byte, error) {
	fh, err := os.Open(expandHome(path))
	if err != nil {
		return nil, fmt.Errorf("open sound file: %w", err)
	}
	defer fh.Close()
	return f.readLimited(fh)
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	limit := f.MaxBytes
	if limit <= 0 {
		limit = DefaultMaxFetchBytes
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(b)) > limit {
		return nil, fmt.Errorf("resource exceeds %d bytes", limit)
	}
	return b, nil
}

// ParseDataURI decodes "data:[<mediatype>][;base64],<data>".
func ParseDataURI(ref string) (data []byte, mediaType string, err error) {
	rest, ok := strings.CutPrefix(ref, "data:")
	if !ok {
		return nil, "", errors.New("not a data URI")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, "", errors.New("data URI has no payload separator")
	}

	isBase64 := false
	if m, found := strings.CutSuffix(meta, ";base64"); found {
		meta = m
		isBase64 = true
	}
	mediaType = meta
	if mediaType == "" {
		mediaType = "text/plain;charset=US-ASCII"
	}

	if isBase64 {
		payload, err = url.PathUnescape(payload)
		if err != nil {
			return nil, "", fmt.Errorf("unescape base64 payload: %w", err)
		}
		data, err = base64.StdEncoding.DecodeString(payload)
		if err != nil {
			data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(payload, "="))
		}
		if err != nil {
			return nil, "", fmt.Errorf("decode base64 payload: %w", err)
		}
		return data, mediaType, nil
	}

	s, err := url.PathUnescape(payload)
	if err != nil {
		return nil, "", fmt.Errorf("unescape payload: %w", err)
	}
	return []byte(s), mediaType, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
