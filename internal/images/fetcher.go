package images

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/local/cratere/internal/metrics"
)

// ProxyPath is where the same-origin image proxy is mounted.
const ProxyPath = "/api/image-proxy"

// MaxImageBytes caps a single fetched image.
const MaxImageBytes = 64 << 20

// HTTPError is a non-2xx answer from the proxy or the CDN.
type HTTPError struct {
	StatusCode int
	URL        string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("fetch %s: HTTP %d", e.URL, e.StatusCode)
}

// FetcherConfig controls where and how images are fetched.
type FetcherConfig struct {
	// ProxyBase is the origin serving ProxyPath, e.g. http://127.0.0.1:8080.
	// Empty means fetch source URLs directly.
	ProxyBase  string
	Attempts   int
	RetryDelay time.Duration
	Timeout    time.Duration
	Client     *http.Client
}

// Fetcher downloads image bytes with a bounded constant-delay retry.
type Fetcher struct {
	client    *http.Client
	proxyBase string
	attempts  int
	delay     time.Duration
}

func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 60 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Fetcher{
		client:    client,
		proxyBase: strings.TrimRight(cfg.ProxyBase, "/"),
		attempts:  cfg.Attempts,
		delay:     cfg.RetryDelay,
	}
}

// Attempts is the maximum number of tries per image.
func (f *Fetcher) Attempts() int { return f.attempts }

// ProxyURL wraps a source URL into a proxy request with a cache buster.
func (f *Fetcher) ProxyURL(sourceURL string) string {
	if f.proxyBase == "" {
		return sourceURL
	}
	q := url.Values{}
	q.Set("url", sourceURL)
	q.Set("_cb", strconv.FormatInt(time.Now().UnixNano(), 10))
	return f.proxyBase + ProxyPath + "?" + q.Encode()
}

// Fetch downloads sourceURL, trying up to Attempts times with RetryDelay in
// between. Context cancellation stops retrying immediately.
func (f *Fetcher) Fetch(ctx context.Context, sourceURL string) ([]byte, error) {
	var (
		data    []byte
		attempt int
	)
	op := func() error {
		attempt++
		start := time.Now()
		b, err := f.fetchOnce(ctx, f.ProxyURL(sourceURL))
		if err != nil {
			metrics.ObserveFetch("error", time.Since(start))
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		metrics.ObserveFetch("ok", time.Since(start))
		data = b
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.IncFetchRetry()
		log.Warn().Err(err).Str("url", sourceURL).Int("attempt", attempt).Dur("wait", wait).Msg("image fetch failed, retrying")
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(f.delay), uint64(f.attempts-1)),
		ctx,
	)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch image after %d attempts: %w", attempt, err)
	}
	return data, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &HTTPError{StatusCode: resp.StatusCode, URL: u}
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, MaxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(b) > MaxImageBytes {
		return nil, backoff.Permanent(fmt.Errorf("image larger than %d bytes", MaxImageBytes))
	}
	if len(b) == 0 {
		return nil, errors.New("empty response body")
	}
	return b, nil
}

// FetchImage fetches and decodes in one step.
func (f *Fetcher) FetchImage(ctx context.Context, sourceURL string) (*Decoded, error) {
	data, err := f.Fetch(ctx, sourceURL)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
