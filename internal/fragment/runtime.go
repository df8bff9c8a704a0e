package fragment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
)

// runtimeState tracks a fragment through its lifecycle.
type runtimeState int

const (
	stateNew runtimeState = iota
	stateFetching
	stateStreaming
	stateDone
	// stateEmpty is a collapsed non-primary failure: the slot emits nothing.
	stateEmpty
	// stateFailed is a terminal primary failure: the response aborts with 500.
	stateFailed
)

// Runtime owns one fragment's lifecycle: it fetches the upstream (falling
// back once when a fallback-src is declared), resolves the outcome, and
// emits the fragment block when the assembler reaches its slot.
//
// The fetch starts immediately on Start and proceeds independently of the
// client's consumption rate; the body is only read when the assembler asks
// for it.
type Runtime struct {
	desc    *Descriptor
	fetcher *Fetcher
	headers http.Header
	logger  *slog.Logger

	// resolved closes once the outcome (result or terminal failure) is known.
	resolved chan struct{}

	state        runtimeState
	res          *Result
	usedFallback bool
	timedOut     bool
	fetchErr     error
}

// Start constructs a runtime for desc and immediately begins fetching
// under ctx. headers are the already-whitelisted forward headers.
func Start(ctx context.Context, desc *Descriptor, fetcher *Fetcher, headers http.Header, logger *slog.Logger) *Runtime {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runtime{
		desc:     desc,
		fetcher:  fetcher,
		headers:  headers,
		logger:   logger,
		resolved: make(chan struct{}),
		state:    stateNew,
	}
	go r.run(ctx)
	return r
}

// run drives NEW -> FETCHING -> (STREAMING | FALLBACK -> ... | EMPTY | FAILED).
// Fields are written only here before resolved closes, and only read by
// consumers after it closes.
func (r *Runtime) run(ctx context.Context) {
	defer close(r.resolved)

	r.state = stateFetching
	res, err := r.fetcher.Fetch(ctx, r.desc.Src, r.headers, r.desc.Timeout)
	if err == nil {
		r.res = res
		r.state = stateStreaming
		return
	}
	if ctx.Err() != nil {
		r.fail(err)
		return
	}

	r.timedOut = errors.Is(err, ErrUpstreamTimeout)
	r.logger.Warn("fragment fetch failed",
		slog.Int("index", r.desc.Index),
		slog.String("src", r.desc.Src),
		slog.Bool("timeout", r.timedOut),
		slog.String("error", err.Error()),
	)

	if r.desc.FallbackSrc == "" {
		r.fail(err)
		return
	}

	// The fallback itself has no further fallback.
	res, err = r.fetcher.Fetch(ctx, r.desc.FallbackSrc, r.headers, r.desc.Timeout)
	if err == nil {
		r.res = res
		r.usedFallback = true
		r.state = stateStreaming
		return
	}
	r.logger.Warn("fragment fallback fetch failed",
		slog.Int("index", r.desc.Index),
		slog.String("fallback_src", r.desc.FallbackSrc),
		slog.String("error", err.Error()),
	)
	r.fail(err)
}

func (r *Runtime) fail(err error) {
	r.fetchErr = err
	if r.desc.Primary {
		r.state = stateFailed
	} else {
		r.state = stateEmpty
	}
}

// Descriptor returns the immutable descriptor this runtime was built from.
func (r *Runtime) Descriptor() *Descriptor { return r.desc }

// Wait blocks until the fragment outcome is known or ctx is cancelled.
func (r *Runtime) Wait(ctx context.Context) error {
	select {
	case <-r.resolved:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failed reports a terminal primary failure. Only valid after Wait.
func (r *Runtime) Failed() bool { return r.state == stateFailed }

// Status returns the upstream status code. Only valid after Wait on a
// non-failed runtime; collapsed fragments report 200.
func (r *Runtime) Status() int {
	if r.res == nil {
		return http.StatusOK
	}
	return r.res.Status
}

// Location returns the upstream Location header for 3xx responses, empty
// otherwise. Only valid after Wait.
func (r *Runtime) Location() string {
	if r.res == nil || r.res.Status < 300 || r.res.Status > 399 {
		return ""
	}
	return r.res.Location
}

// UsedFallback reports whether the body came from the fallback URL.
func (r *Runtime) UsedFallback() bool { return r.usedFallback }

// TimedOut reports whether the primary fetch timed out.
func (r *Runtime) TimedOut() bool { return r.timedOut }

// WriteInline emits the fragment at its slot: stylesheet links, the start
// sentinel, the body verbatim, and the end sentinel. A collapsed fragment
// emits nothing and the slot disappears from the page.
func (r *Runtime) WriteInline(w io.Writer, pipe Pipe) error {
	if r.res == nil {
		return nil
	}
	for _, href := range r.res.CSSLinks {
		if err := pipe.WriteStylesheet(w, href); err != nil {
			return err
		}
	}
	if err := pipe.WriteStart(w, r.desc.Index, r.res.ScriptLink); err != nil {
		return err
	}
	if err := r.copyBody(w); err != nil {
		return err
	}
	return pipe.WriteEnd(w, r.desc.Index, r.res.ScriptLink)
}

// WriteAsync emits the deferred block after the template end: loadCSS
// wrappers instead of link tags, then the same start/body/end block.
func (r *Runtime) WriteAsync(w io.Writer, pipe Pipe) error {
	if r.res == nil {
		return nil
	}
	for _, href := range r.res.CSSLinks {
		if err := pipe.WriteLoadCSS(w, href); err != nil {
			return err
		}
	}
	if err := pipe.WriteStart(w, r.desc.Index, r.res.ScriptLink); err != nil {
		return err
	}
	if err := r.copyBody(w); err != nil {
		return err
	}
	return pipe.WriteEnd(w, r.desc.Index, r.res.ScriptLink)
}

// copyBody streams the upstream body to w at the client's pace. An
// upstream that dies mid-body is logged and the block is closed normally:
// bytes already sent cannot be retracted, and an end sentinel keeps the
// page functional. Downstream write failures propagate.
func (r *Runtime) copyBody(w io.Writer) error {
	defer r.res.Body.Close()
	tr := &errTrackReader{r: r.res.Body}
	if _, err := io.Copy(w, tr); err != nil {
		if tr.err == nil {
			// The write side failed: the client is gone.
			return err
		}
		r.logger.Warn("fragment body interrupted",
			slog.Int("index", r.desc.Index),
			slog.String("src", r.desc.Src),
			slog.String("error", err.Error()),
		)
	}
	r.state = stateDone
	return nil
}

// errTrackReader records upstream read errors so copyBody can tell them
// apart from downstream write errors, which io.Copy reports identically.
type errTrackReader struct {
	r   io.Reader
	err error
}

func (t *errTrackReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}
