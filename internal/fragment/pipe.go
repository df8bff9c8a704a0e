package fragment

import (
	"fmt"
	"io"
)

// Pipe describes the browser-side runtime the engine emits calls to. The
// runtime object exposes start(i, scriptUrl?), end(i, scriptUrl?),
// placeholder(i) and loadCSS(url); every call except loadCSS is wrapped in
// a <script data-pipe> tag so the runtime can find and remove its own
// sentinels.
type Pipe struct {
	// Name is the global name of the runtime object. Defaults to "p".
	Name string
	// Definition is an optional inline payload for the runtime itself,
	// emitted near the top of every composed page.
	Definition []byte
}

// DefaultPipeName is the conventional runtime object name.
const DefaultPipeName = "p"

// name returns the configured runtime name or the default.
func (p Pipe) name() string {
	if p.Name == "" {
		return DefaultPipeName
	}
	return p.Name
}

// WriteDefinition emits the inline runtime payload, if configured.
func (p Pipe) WriteDefinition(w io.Writer) error {
	if len(p.Definition) == 0 {
		return nil
	}
	if _, err := io.WriteString(w, "<script>"); err != nil {
		return err
	}
	if _, err := w.Write(p.Definition); err != nil {
		return err
	}
	_, err := io.WriteString(w, "</script>")
	return err
}

// WriteStart emits the start sentinel for fragment index i.
func (p Pipe) WriteStart(w io.Writer, i int, scriptLink string) error {
	return p.writeSentinel(w, "start", i, scriptLink)
}

// WriteEnd emits the end sentinel for fragment index i.
func (p Pipe) WriteEnd(w io.Writer, i int, scriptLink string) error {
	return p.writeSentinel(w, "end", i, scriptLink)
}

// WritePlaceholder emits the async slot sentinel for fragment index i.
func (p Pipe) WritePlaceholder(w io.Writer, i int) error {
	_, err := fmt.Fprintf(w, "<script data-pipe>%s.placeholder(%d)</script>", p.name(), i)
	return err
}

// WriteLoadCSS emits a stylesheet loader call. Unlike the sentinels this is
// a plain script tag: the runtime does not reclaim it.
func (p Pipe) WriteLoadCSS(w io.Writer, url string) error {
	_, err := fmt.Fprintf(w, "<script>%s.loadCSS(\"%s\")</script>", p.name(), url)
	return err
}

// WriteStylesheet emits a stylesheet link tag for an inline fragment.
func (p Pipe) WriteStylesheet(w io.Writer, url string) error {
	_, err := fmt.Fprintf(w, "<link rel=\"stylesheet\" href=\"%s\">", url)
	return err
}

func (p Pipe) writeSentinel(w io.Writer, call string, i int, scriptLink string) error {
	var err error
	if scriptLink != "" {
		_, err = fmt.Fprintf(w, "<script data-pipe>%s.%s(%d, \"%s\")</script>", p.name(), call, i, scriptLink)
	} else {
		_, err = fmt.Fprintf(w, "<script data-pipe>%s.%s(%d)</script>", p.name(), call, i)
	}
	return err
}
