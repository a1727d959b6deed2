// Package httpclient provides the resilient HTTP client used for
// upstream playlist fetches: retries with exponential backoff, a
// circuit breaker per client, and transparent response decompression
// (gzip, deflate, brotli).
package httpclient

import (
	"compress/flate"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
)

// Errors returned by the client.
var (
	// ErrCircuitOpen is returned while the breaker is rejecting requests.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrRetriesExhausted wraps the last failure after all attempts.
	ErrRetriesExhausted = errors.New("retries exhausted")
)

// Config tunes the client. Zero values fall back to the defaults below.
type Config struct {
	Timeout           time.Duration
	RetryAttempts     int
	RetryDelay        time.Duration
	RetryMaxDelay     time.Duration
	BackoffMultiplier float64
	CircuitThreshold  int
	CircuitCooldown   time.Duration
	UserAgent         string
	Logger            *slog.Logger
}

// Defaults for zero Config fields.
const (
	defaultTimeout          = 30 * time.Second
	defaultRetryAttempts    = 2
	defaultRetryDelay       = 500 * time.Millisecond
	defaultRetryMaxDelay    = 10 * time.Second
	defaultBackoff          = 2.0
	defaultCircuitThreshold = 5
	defaultCircuitCooldown  = 30 * time.Second
	defaultUserAgent        = "fritztv/1.0"
	acceptEncoding          = "gzip, deflate, br"
)

func (c *Config) withDefaults() Config {
	out := *c
	if out.Timeout <= 0 {
		out.Timeout = defaultTimeout
	}
	if out.RetryAttempts < 0 {
		out.RetryAttempts = 0
	} else if out.RetryAttempts == 0 {
		out.RetryAttempts = defaultRetryAttempts
	}
	if out.RetryDelay <= 0 {
		out.RetryDelay = defaultRetryDelay
	}
	if out.RetryMaxDelay <= 0 {
		out.RetryMaxDelay = defaultRetryMaxDelay
	}
	if out.BackoffMultiplier <= 1 {
		out.BackoffMultiplier = defaultBackoff
	}
	if out.CircuitThreshold <= 0 {
		out.CircuitThreshold = defaultCircuitThreshold
	}
	if out.CircuitCooldown <= 0 {
		out.CircuitCooldown = defaultCircuitCooldown
	}
	if out.UserAgent == "" {
		out.UserAgent = defaultUserAgent
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Client wraps http.Client with retry, breaker, and decompression.
type Client struct {
	cfg     Config
	client  *http.Client
	breaker *breaker
	logger  *slog.Logger
}

// New creates a client.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: newBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
		logger:  cfg.Logger.With(slog.String("component", "httpclient")),
	}
}

// Get fetches url, retrying transient failures with exponential backoff.
// The response body is transparently decompressed according to
// Content-Encoding. Non-2xx statuses that are not transient are returned
// to the caller undisturbed.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	var lastErr error

	for attempt, delay := 0, c.cfg.RetryDelay; attempt <= c.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Debug("retrying fetch",
				slog.String("url", url),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay = min(time.Duration(float64(delay)*c.cfg.BackoffMultiplier), c.cfg.RetryMaxDelay)
		}

		if !c.breaker.allow() {
			lastErr = ErrCircuitOpen
			continue
		}

		resp, err := c.get(ctx, url)
		if err != nil {
			c.breaker.record(false)
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}
			c.logger.Warn("fetch failed",
				slog.String("url", url),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			continue
		}

		if transientStatus(resp.StatusCode) {
			resp.Body.Close()
			c.breaker.record(false)
			lastErr = fmt.Errorf("upstream returned HTTP %d", resp.StatusCode)
			continue
		}

		c.breaker.record(true)
		resp.Body = decompress(resp, c.logger)
		return resp, nil
	}

	return nil, fmt.Errorf("%w: %v", ErrRetriesExhausted, lastErr)
}

// get performs one request attempt.
func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept-Encoding", acceptEncoding)
	return c.client.Do(req)
}

// transientStatus reports whether a status is worth retrying.
func transientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// decoders maps Content-Encoding values to wrapping readers.
var decoders = map[string]func(io.Reader) (io.Reader, error){
	"gzip": func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) },
	"deflate": func(r io.Reader) (io.Reader, error) { return flate.NewReader(r), nil },
	"br": func(r io.Reader) (io.Reader, error) { return brotli.NewReader(r), nil },
}

// decompress wraps the body according to Content-Encoding; unknown or
// broken encodings fall back to the raw body.
func decompress(resp *http.Response, logger *slog.Logger) io.ReadCloser {
	encoding := strings.ToLower(resp.Header.Get("Content-Encoding"))
	newDecoder, ok := decoders[encoding]
	if !ok {
		return resp.Body
	}

	reader, err := newDecoder(resp.Body)
	if err != nil {
		logger.Warn("decompression setup failed, serving raw body",
			slog.String("encoding", encoding),
			slog.String("error", err.Error()))
		return resp.Body
	}
	return &decodedBody{reader: reader, body: resp.Body}
}

// decodedBody closes both the decoder and the underlying body.
type decodedBody struct {
	reader io.Reader
	body   io.ReadCloser
}

func (d *decodedBody) Read(p []byte) (int, error) {
	return d.reader.Read(p)
}

func (d *decodedBody) Close() error {
	if closer, ok := d.reader.(io.Closer); ok {
		closer.Close()
	}
	return d.body.Close()
}

// breaker is a minimal circuit breaker: consecutive failures open it,
// a cooldown lets one probe through, and a probe success closes it.
type breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration

	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown}
}

// allow reports whether a request may proceed.
func (b *breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.failures < b.threshold {
		return true
	}
	// Open: admit a single probe once the cooldown has passed.
	if !b.probing && time.Since(b.openedAt) >= b.cooldown {
		b.probing = true
		return true
	}
	return false
}

// record feeds a request outcome into the breaker.
func (b *breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ok {
		b.failures = 0
		b.probing = false
		return
	}

	b.failures++
	b.probing = false
	if b.failures >= b.threshold {
		b.openedAt = time.Now()
	}
}

// state is exposed for tests.
func (b *breaker) open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures >= b.threshold
}
