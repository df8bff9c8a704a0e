// Package compose implements the composition engine: the per-request
// coordinator that acquires template and context, drives the parser,
// spawns fragment runtimes, and the assembler that linearizes template
// events and fragment streams into one ordered response.
package compose

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/jmylchreest/stitch/internal/fragment"
	"github.com/jmylchreest/stitch/internal/template"
	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"
)

// Options configures a composition Handler.
type Options struct {
	// Pipe is the browser runtime contract used for sentinel emission.
	Pipe fragment.Pipe
	// Defaults are the fragment timeout defaults.
	Defaults fragment.Defaults
	// Logger is the structured logger; slog.Default() when nil.
	Logger *slog.Logger
}

// Stats is a point-in-time snapshot of handler activity.
type Stats struct {
	ActiveCompositions int64  `json:"active_compositions"`
	TotalCompositions  uint64 `json:"total_compositions"`
}

// Handler composes templates with fragments for every downstream request.
// It implements http.Handler and accepts any method.
type Handler struct {
	templates template.Source
	contexts  ContextSource
	fetcher   *fragment.Fetcher
	pipe      fragment.Pipe
	defaults  fragment.Defaults
	logger    *slog.Logger

	active atomic.Int64
	total  atomic.Uint64
}

// NewHandler creates a composition handler. contexts may be nil for no
// context overrides.
func NewHandler(templates template.Source, contexts ContextSource, fetcher *fragment.Fetcher, opts Options) *Handler {
	if contexts == nil {
		contexts = StaticContext(nil)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		templates: templates,
		contexts:  contexts,
		fetcher:   fetcher,
		pipe:      opts.Pipe,
		defaults:  opts.Defaults,
		logger:    logger,
	}
}

// Stats returns a snapshot of handler activity.
func (h *Handler) Stats() Stats {
	return Stats{
		ActiveCompositions: h.active.Load(),
		TotalCompositions:  h.total.Load(),
	}
}

// ServeHTTP runs one composition. The response head is withheld until the
// first primary fragment (in template order) has resolved, or until the
// template is known to carry no primary fragment.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.active.Add(1)
	h.total.Add(1)
	defer h.active.Add(-1)

	logger := h.logger.With(slog.String("composition_id", ulid.Make().String()))

	// Cancelling this context aborts every in-flight upstream fetch; it
	// fires on client disconnect and on any terminal response decision.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Content-Type", "text/html; charset=utf-8")

	tmpl, overrides, err := h.acquire(ctx, r)
	if err != nil {
		logger.Error("composition aborted before start", slog.String("error", err.Error()))
		writeEmptyError(w)
		return
	}
	defer tmpl.Close()

	c := &composition{
		h:       h,
		w:       w,
		flusher: http.NewResponseController(w),
		logger:  logger,
		queue:   newEventQueue(),
		headCh:  make(chan headSignal, 1),
		headers: h.fetcher.ForwardHeaders(r.Header),
	}
	c.run(ctx, cancel, tmpl, overrides)
}

// acquire fetches template and context overrides in parallel.
func (h *Handler) acquire(ctx context.Context, r *http.Request) (io.ReadCloser, map[string]fragment.Overrides, error) {
	var (
		tmpl      io.ReadCloser
		overrides map[string]fragment.Overrides
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		if tmpl, err = h.templates.Template(gctx, r); err != nil {
			return fmt.Errorf("acquiring template: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		if overrides, err = h.contexts.Overrides(gctx, r); err != nil {
			return fmt.Errorf("acquiring context: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		if tmpl != nil {
			tmpl.Close()
		}
		return nil, nil, err
	}
	return tmpl, overrides, nil
}

// headSignal carries the response head decision input from the parse
// goroutine: the first primary runtime in template order, the absence of
// any primary, or a parse failure before the head was committed.
type headSignal struct {
	primary *fragment.Runtime
	err     error
}

// composition is the per-request assembly state.
type composition struct {
	h       *Handler
	w       http.ResponseWriter
	flusher *http.ResponseController
	logger  *slog.Logger
	queue   *eventQueue
	headCh  chan headSignal
	headers http.Header
}

func (c *composition) run(ctx context.Context, cancel context.CancelFunc, tmpl io.Reader, overrides map[string]fragment.Overrides) {
	go c.parse(ctx, tmpl, overrides)

	if !c.commitHead(ctx, cancel) {
		return
	}
	c.assemble(ctx)
}

// parse tokenizes the template, spawning a fragment runtime for every
// placeholder so all fetches start as early as possible, independent of
// how fast the client drains the response. It signals headCh exactly once.
func (c *composition) parse(ctx context.Context, tmpl io.Reader, overrides map[string]fragment.Overrides) {
	parser := template.NewParser(tmpl)

	index := 0
	signalled := false
	signal := func(sig headSignal) {
		if !signalled {
			signalled = true
			c.headCh <- sig
		}
	}

	for {
		ev, err := parser.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			signal(headSignal{err: err})
			c.queue.close(err)
			return
		}

		if ev.Kind != template.EventFragment {
			c.queue.push(item{ev: ev})
			continue
		}

		// A missing id disables context overrides for this fragment.
		var ovr fragment.Overrides
		if id := ev.Attrs["id"]; id != "" {
			ovr = overrides[id]
		}

		desc, err := fragment.NewDescriptor(ev.Attrs, ovr, index, c.h.defaults)
		index++
		if err != nil {
			// A malformed placeholder collapses; its index stays reserved
			// so later fragments keep stable identifiers.
			c.logger.Warn("dropping invalid fragment placeholder", slog.String("error", err.Error()))
			continue
		}

		rt := fragment.Start(ctx, desc, c.h.fetcher, c.headers, c.logger)
		if desc.Primary {
			signal(headSignal{primary: rt})
		}
		c.queue.push(item{rt: rt})
	}

	signal(headSignal{})
	c.queue.close(nil)
}

// commitHead decides and writes the response head. Returns false when the
// response is already terminal.
func (c *composition) commitHead(ctx context.Context, cancel context.CancelFunc) bool {
	var sig headSignal
	select {
	case sig = <-c.headCh:
	case <-ctx.Done():
		return false
	}

	if sig.err != nil {
		c.logger.Error("template parse failed", slog.String("error", sig.err.Error()))
		cancel()
		writeEmptyError(c.w)
		return false
	}

	status := http.StatusOK
	if sig.primary != nil {
		if err := sig.primary.Wait(ctx); err != nil {
			return false
		}
		if sig.primary.Failed() {
			c.logger.Error("primary fragment failed",
				slog.Int("index", sig.primary.Descriptor().Index),
				slog.String("src", sig.primary.Descriptor().Src),
			)
			cancel()
			writeEmptyError(c.w)
			return false
		}
		status = sig.primary.Status()
		if loc := sig.primary.Location(); loc != "" {
			c.w.Header().Set("Location", loc)
		}
	}

	c.w.WriteHeader(status)
	if err := c.h.pipe.WriteDefinition(c.w); err != nil {
		return false
	}
	return true
}

// assemble drains the event queue in template order: verbatim events are
// written through, inline fragments are awaited and emitted in place,
// async fragments leave a placeholder sentinel and queue up for emission
// after the template's terminal event.
func (c *composition) assemble(ctx context.Context) {
	var deferred []*fragment.Runtime

	for {
		it, err := c.queue.pop(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// The template stream died after the head was committed; no
			// error page can be injected into a partial body, so the
			// connection is torn down abruptly.
			c.logger.Error("template stream failed mid-response", slog.String("error", err.Error()))
			panic(http.ErrAbortHandler)
		}

		if it.rt == nil {
			if _, err := c.w.Write(it.ev.Raw); err != nil {
				return
			}
			continue
		}

		desc := it.rt.Descriptor()
		if desc.Async {
			if err := c.h.pipe.WritePlaceholder(c.w, desc.Index); err != nil {
				return
			}
			deferred = append(deferred, it.rt)
			continue
		}

		c.flush()
		if err := it.rt.Wait(ctx); err != nil {
			return
		}
		if err := it.rt.WriteInline(c.w, c.h.pipe); err != nil {
			return
		}
		c.flush()
	}

	// Async blocks follow the template end in placeholder order.
	for _, rt := range deferred {
		c.flush()
		if err := rt.Wait(ctx); err != nil {
			return
		}
		if err := rt.WriteAsync(c.w, c.h.pipe); err != nil {
			return
		}
	}
	c.flush()
}

// flush pushes buffered bytes to the client so fragments already emitted
// render while later upstreams are still being awaited.
func (c *composition) flush() {
	if err := c.flusher.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		c.logger.Debug("flush failed", slog.String("error", err.Error()))
	}
}

// writeEmptyError responds 500 with an empty body.
func writeEmptyError(w http.ResponseWriter) {
	w.WriteHeader(http.StatusInternalServerError)
}
