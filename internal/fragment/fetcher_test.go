package fragment

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testFetcher() *Fetcher {
	return NewFetcher(DefaultClient(), "X-Stitch-", nil)
}

func TestForwardHeaders_Whitelist(t *testing.T) {
	f := testFetcher()

	inbound := http.Header{}
	inbound.Set("Referer", "http://origin/page")
	inbound.Set("Accept-Language", "de-DE")
	inbound.Set("User-Agent", "test-agent")
	inbound.Set("Cookie", "session=secret")
	inbound.Set("Authorization", "Bearer nope")
	inbound.Set("X-Stitch-Trace", "abc")
	inbound.Set("X-Forwarded-For", "1.2.3.4")
	inbound.Set("X-Other-Vendor", "nope")

	out := f.ForwardHeaders(inbound)

	if got := out.Get("Referer"); got != "http://origin/page" {
		t.Errorf("expected Referer forwarded, got %q", got)
	}
	if got := out.Get("Accept-Language"); got != "de-DE" {
		t.Errorf("expected Accept-Language forwarded, got %q", got)
	}
	if got := out.Get("User-Agent"); got != "test-agent" {
		t.Errorf("expected User-Agent forwarded, got %q", got)
	}
	if got := out.Get("X-Stitch-Trace"); got != "abc" {
		t.Errorf("expected vendor-prefixed header forwarded, got %q", got)
	}

	for _, name := range []string{"Cookie", "Authorization", "X-Forwarded-For", "X-Other-Vendor"} {
		if out.Get(name) != "" {
			t.Errorf("header %s must not be forwarded", name)
		}
	}
}

func TestForwardHeaders_CaseInsensitive(t *testing.T) {
	f := testFetcher()

	inbound := http.Header{}
	inbound.Set("referer", "http://origin")
	inbound.Set("x-stitch-flag", "on")

	out := f.ForwardHeaders(inbound)
	if out.Get("Referer") == "" {
		t.Error("expected case-insensitive match on Referer")
	}
	if out.Get("X-Stitch-Flag") == "" {
		t.Error("expected case-insensitive match on vendor prefix")
	}
}

func TestFetch_Success(t *testing.T) {
	var seen http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		w.Header().Add("Link", `<http://assets/main.css>; rel="stylesheet",<http://assets/app.js>; rel="fragment-script"`)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	f := testFetcher()
	headers := http.Header{}
	headers.Set("Accept-Language", "en")

	res, err := f.Fetch(context.Background(), srv.URL, headers, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer res.Body.Close()

	if res.Status != http.StatusOK {
		t.Errorf("expected status 200, got %d", res.Status)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "hello" {
		t.Errorf("expected body hello, got %q", body)
	}
	if len(res.CSSLinks) != 1 || res.CSSLinks[0] != "http://assets/main.css" {
		t.Errorf("expected stylesheet link, got %v", res.CSSLinks)
	}
	if res.ScriptLink != "http://assets/app.js" {
		t.Errorf("expected fragment-script link, got %q", res.ScriptLink)
	}
	if seen.Get("Accept-Language") != "en" {
		t.Error("expected forwarded header to reach upstream")
	}
	if seen.Get("Cookie") != "" {
		t.Error("cookie must never reach upstream")
	}
}

func TestFetch_AMZMetaLinkHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-AMZ-Meta-Link", `<http://assets/s3.css>; rel="stylesheet"`)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	res, err := testFetcher().Fetch(context.Background(), srv.URL, nil, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer res.Body.Close()

	if len(res.CSSLinks) != 1 || res.CSSLinks[0] != "http://assets/s3.css" {
		t.Errorf("expected stylesheet from X-AMZ-Meta-Link, got %v", res.CSSLinks)
	}
}

func TestFetch_ClientErrorStatusIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	res, err := testFetcher().Fetch(context.Background(), srv.URL, nil, time.Second)
	if err != nil {
		t.Fatalf("expected 404 to be a successful fetch, got %v", err)
	}
	defer res.Body.Close()

	if res.Status != http.StatusNotFound {
		t.Errorf("expected status 404, got %d", res.Status)
	}
}

func TestFetch_ServerErrorIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := testFetcher().Fetch(context.Background(), srv.URL, nil, time.Second)

	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.Status != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", statusErr.Status)
	}
}

func TestFetch_TimeoutIsDistinguishable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	_, err := testFetcher().Fetch(context.Background(), srv.URL, nil, 50*time.Millisecond)
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", err)
	}
	if errors.Is(err, ErrUpstreamUnavailable) {
		t.Error("timeout must be distinguishable from network error")
	}
}

func TestFetch_NetworkErrorIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listens anymore

	_, err := testFetcher().Fetch(context.Background(), srv.URL, nil, time.Second)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestFetch_RedirectStatusIsNotFollowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "https://redirect")
		w.WriteHeader(http.StatusFound)
	}))
	defer srv.Close()

	res, err := testFetcher().Fetch(context.Background(), srv.URL, nil, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer res.Body.Close()

	if res.Status != http.StatusFound {
		t.Errorf("expected status 302, got %d", res.Status)
	}
	if res.Location != "https://redirect" {
		t.Errorf("expected Location header, got %q", res.Location)
	}
}

func TestFetch_ContextCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := testFetcher().Fetch(ctx, srv.URL, nil, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
