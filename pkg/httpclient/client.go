// Package httpclient provides a resilient HTTP client used for template and
// context acquisition: circuit breaker, bounded retries with exponential
// backoff, and transparent decompression (gzip, deflate, brotli).
//
// Fragment upstream fetches do NOT go through this client; they are
// single-attempt by contract and use a plain transport.
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
	"time"

	"github.com/andybalholm/brotli"
)

// Common errors returned by the client.
var (
	ErrCircuitOpen = errors.New("circuit breaker is open")
	ErrMaxRetries  = errors.New("max retries exceeded")
)

// Default configuration values.
const (
	DefaultTimeout           = 10 * time.Second
	DefaultRetryAttempts     = 2
	DefaultRetryDelay        = 250 * time.Millisecond
	DefaultRetryMaxDelay     = 5 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultCircuitThreshold  = 5
	DefaultCircuitTimeout    = 30 * time.Second
	DefaultAcceptEncoding    = "gzip, deflate, br"
	DefaultUserAgent         = "stitch-httpclient/1.0"
)

// HTTP header names used by the client.
const (
	headerAcceptEncoding  = "Accept-Encoding"
	headerContentEncoding = "Content-Encoding"
	headerUserAgent       = "User-Agent"
)

// Config holds the configuration for the HTTP client.
type Config struct {
	// Timeout is the overall request timeout.
	Timeout time.Duration

	// RetryAttempts is the number of retry attempts for failed requests.
	RetryAttempts int

	// RetryDelay is the initial delay between retries.
	RetryDelay time.Duration

	// RetryMaxDelay is the maximum delay between retries.
	RetryMaxDelay time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// CircuitThreshold is the number of failures before the circuit opens.
	CircuitThreshold int

	// CircuitTimeout is how long the circuit stays open before trying again.
	CircuitTimeout time.Duration

	// UserAgent is the User-Agent header sent with requests.
	UserAgent string

	// Logger is the structured logger for request/response logging.
	Logger *slog.Logger

	// EnableDecompression enables automatic response decompression.
	EnableDecompression bool

	// BaseClient is the underlying http.Client to use.
	// If nil, a default client is created.
	BaseClient *http.Client
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:             DefaultTimeout,
		RetryAttempts:       DefaultRetryAttempts,
		RetryDelay:          DefaultRetryDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		BackoffMultiplier:   DefaultBackoffMultiplier,
		CircuitThreshold:    DefaultCircuitThreshold,
		CircuitTimeout:      DefaultCircuitTimeout,
		UserAgent:           DefaultUserAgent,
		Logger:              slog.Default(),
		EnableDecompression: true,
	}
}

// Client is a resilient HTTP client with circuit breaker and retry support.
type Client struct {
	config  Config
	client  *http.Client
	breaker *CircuitBreaker
	logger  *slog.Logger
}

// New creates a new resilient HTTP client with the given configuration.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	baseClient := cfg.BaseClient
	if baseClient == nil {
		baseClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		config:  cfg,
		client:  baseClient,
		breaker: NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitTimeout),
		logger:  cfg.Logger,
	}
}

// NewWithDefaults creates a new client with default configuration.
func NewWithDefaults() *Client {
	return New(DefaultConfig())
}

// Do executes an HTTP request with circuit breaker protection and automatic
// retries. The request body, if any, must be replayable.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	if req.Header.Get(headerUserAgent) == "" && c.config.UserAgent != "" {
		req.Header.Set(headerUserAgent, c.config.UserAgent)
	}
	if c.config.EnableDecompression && req.Header.Get(headerAcceptEncoding) == "" {
		req.Header.Set(headerAcceptEncoding, DefaultAcceptEncoding)
	}

	var lastErr error
	delay := c.config.RetryDelay

	for attempt := 0; attempt <= c.config.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}

			delay = time.Duration(float64(delay) * c.config.BackoffMultiplier)
			if delay > c.config.RetryMaxDelay {
				delay = c.config.RetryMaxDelay
			}
		}

		if !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			c.logger.Warn("circuit breaker open, skipping request",
				slog.String("url", req.URL.String()),
			)
			continue
		}

		start := time.Now()
		resp, err := c.client.Do(req)
		duration := time.Since(start)

		if err != nil {
			c.breaker.RecordFailure()
			lastErr = err
			c.logger.Warn("request failed",
				slog.String("url", req.URL.String()),
				slog.String("method", req.Method),
				slog.Duration("duration", duration),
				slog.String("error", err.Error()),
				slog.Int("attempt", attempt),
			)

			// Don't retry on context errors
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			continue
		}

		if isRetryableStatus(resp.StatusCode) {
			c.breaker.RecordFailure()
			lastErr = fmt.Errorf("retryable status code: %d", resp.StatusCode)
			resp.Body.Close()
			continue
		}

		if resp.StatusCode >= 500 {
			c.breaker.RecordFailure()
		} else {
			c.breaker.RecordSuccess()
		}

		c.logger.Debug("request completed",
			slog.String("url", req.URL.String()),
			slog.String("method", req.Method),
			slog.Int("status", resp.StatusCode),
			slog.Duration("duration", duration),
		)

		if c.config.EnableDecompression {
			resp.Body = c.wrapDecompression(resp)
		}

		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrMaxRetries, lastErr)
	}
	return nil, ErrMaxRetries
}

// Get performs a GET request to the specified URL.
func (c *Client) Get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return c.Do(req)
}

// CircuitState returns the current state of the circuit breaker.
func (c *Client) CircuitState() CircuitState {
	return c.breaker.State()
}

// isRetryableStatus reports whether a status code warrants a retry.
func isRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// wrapDecompression wraps the response body with appropriate decompression.
func (c *Client) wrapDecompression(resp *http.Response) io.ReadCloser {
	encoding := resp.Header.Get(headerContentEncoding)
	if encoding == "" {
		return resp.Body
	}

	switch strings.ToLower(encoding) {
	case "gzip":
		reader, err := gzip.NewReader(resp.Body)
		if err != nil {
			c.logger.Warn("failed to create gzip reader, returning raw body",
				slog.String("error", err.Error()),
			)
			return resp.Body
		}
		resp.Header.Del(headerContentEncoding)
		return &decompressReader{reader: reader, closer: resp.Body}

	case "deflate":
		resp.Header.Del(headerContentEncoding)
		return &decompressReader{reader: flate.NewReader(resp.Body), closer: resp.Body}

	case "br":
		resp.Header.Del(headerContentEncoding)
		return &decompressReader{reader: brotli.NewReader(resp.Body), closer: resp.Body}

	default:
		return resp.Body
	}
}

// decompressReader reads from a decompressing reader and closes both the
// decompressor (when it is a Closer) and the original body.
type decompressReader struct {
	reader io.Reader
	closer io.Closer
}

func (r *decompressReader) Read(p []byte) (int, error) {
	return r.reader.Read(p)
}

func (r *decompressReader) Close() error {
	if c, ok := r.reader.(io.Closer); ok {
		c.Close()
	}
	return r.closer.Close()
}
