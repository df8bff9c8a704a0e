package fragment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tomnomnom/linkheader"
)

// Fetch errors.
var (
	// ErrUpstreamTimeout means no response head arrived within the fragment
	// timeout. Distinguishable from ErrUpstreamUnavailable.
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrUpstreamUnavailable means the connection failed.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// StatusError is returned when the upstream answered with a server error.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream returned status %d", e.Status)
}

// forwardedHeaders are the exact request headers forwarded from the
// downstream client to fragment upstreams. Everything else, Cookie
// included, is dropped.
var forwardedHeaders = []string{"Referer", "Accept-Language", "User-Agent"}

// Link header names parsed for asset hints.
const (
	headerLink        = "Link"
	headerAMZMetaLink = "X-Amz-Meta-Link"
)

const (
	relStylesheet     = "stylesheet"
	relFragmentScript = "fragment-script"
)

// Result is the outcome of a successful upstream fetch: the response head
// and a body stream the caller reads on demand. Closing the body aborts
// the upstream connection.
type Result struct {
	Status     int
	Location   string
	Body       io.ReadCloser
	CSSLinks   []string
	ScriptLink string
}

// Fetcher issues single-attempt GETs to fragment upstreams. Success means
// a response head with status below 500 within the deadline; there are no
// retries at this layer, fallback handling lives in the Runtime.
type Fetcher struct {
	client *http.Client
	// forwardPrefix is the vendor header prefix forwarded in addition to
	// the fixed whitelist, e.g. "X-Stitch-".
	forwardPrefix string
	logger        *slog.Logger
}

// NewFetcher creates a fetcher on the given client. The client must not
// carry an overall timeout: fragment bodies may stream long after the head
// deadline has passed.
func NewFetcher(client *http.Client, forwardPrefix string, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = DefaultClient()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fetcher{client: client, forwardPrefix: forwardPrefix, logger: logger}
}

// DefaultClient returns an http.Client suitable for fragment fetches:
// connection-level timeouts only, so long-streaming bodies are not cut
// off, and no redirect following, so a primary fragment's 3xx status can
// propagate to the downstream response.
func DefaultClient() *http.Client {
	return &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout: 10 * time.Second,
			IdleConnTimeout:     90 * time.Second,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
		},
	}
}

// ForwardHeaders builds the upstream request headers from the downstream
// request: the fixed whitelist plus the configured vendor prefix,
// case-insensitively. Cookie and arbitrary X-* headers never pass.
func (f *Fetcher) ForwardHeaders(inbound http.Header) http.Header {
	out := make(http.Header)
	for _, name := range forwardedHeaders {
		if vs := inbound.Values(name); len(vs) > 0 {
			out[name] = append([]string(nil), vs...)
		}
	}
	if f.forwardPrefix != "" {
		for name, vs := range inbound {
			if len(name) > len(f.forwardPrefix) && strings.EqualFold(name[:len(f.forwardPrefix)], f.forwardPrefix) {
				out[http.CanonicalHeaderKey(name)] = append([]string(nil), vs...)
			}
		}
	}
	return out
}

// Fetch issues one GET to url with the given forwarded headers. The
// timeout bounds the arrival of the response head only; the returned body
// streams under ctx. On any failure the connection is aborted and the
// partial body discarded.
func (f *Fetcher) Fetch(ctx context.Context, url string, headers http.Header, timeout time.Duration) (*Result, error) {
	reqCtx, cancel := context.WithCancel(ctx)

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	for name, vs := range headers {
		req.Header[name] = vs
	}

	type outcome struct {
		resp *http.Response
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		resp, err := f.client.Do(req)
		ch <- outcome{resp, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Reap the abandoned in-flight request after cancel.
	abandon := func() {
		go func() {
			if out := <-ch; out.resp != nil {
				out.resp.Body.Close()
			}
		}()
	}

	select {
	case <-timer.C:
		cancel()
		abandon()
		return nil, ErrUpstreamTimeout

	case <-ctx.Done():
		cancel()
		abandon()
		return nil, ctx.Err()

	case out := <-ch:
		if out.err != nil {
			cancel()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, out.err)
		}

		resp := out.resp
		if resp.StatusCode >= 500 {
			resp.Body.Close()
			cancel()
			return nil, &StatusError{Status: resp.StatusCode}
		}

		css, script := parseAssetLinks(resp.Header)
		return &Result{
			Status:     resp.StatusCode,
			Location:   resp.Header.Get("Location"),
			Body:       &cancelReadCloser{rc: resp.Body, cancel: cancel},
			CSSLinks:   css,
			ScriptLink: script,
		}, nil
	}
}

// parseAssetLinks extracts stylesheet and fragment-script hints from the
// Link and X-AMZ-Meta-Link response headers (RFC 5988). All stylesheet
// links are collected in header order; only the first fragment-script link
// is used.
func parseAssetLinks(h http.Header) (css []string, script string) {
	var raw []string
	raw = append(raw, h.Values(headerLink)...)
	raw = append(raw, h.Values(headerAMZMetaLink)...)

	for _, value := range raw {
		for _, l := range linkheader.Parse(value) {
			switch l.Rel {
			case relStylesheet:
				css = append(css, l.URL)
			case relFragmentScript:
				if script == "" {
					script = l.URL
				}
			}
		}
	}
	return css, script
}

// cancelReadCloser ties the upstream request lifetime to the body: closing
// the body aborts the connection.
type cancelReadCloser struct {
	rc     io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Read(p []byte) (int, error) { return c.rc.Read(p) }

func (c *cancelReadCloser) Close() error {
	err := c.rc.Close()
	c.cancel()
	return err
}
