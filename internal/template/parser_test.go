package template

import (
	"errors"
	"io"
	"strings"
	"testing"
)

// collect drains the parser into a slice of events.
func collect(t *testing.T, input string) []Event {
	t.Helper()
	p := NewParser(strings.NewReader(input))

	var events []Event
	for {
		ev, err := p.Next()
		if errors.Is(err, io.EOF) {
			return events
		}
		if err != nil {
			t.Fatalf("unexpected parse error: %v", err)
		}
		events = append(events, ev)
	}
}

// rebuild concatenates the raw bytes of non-fragment events.
func rebuild(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		b.Write(ev.Raw)
	}
	return b.String()
}

func TestParser_PlainTemplatePassesThroughVerbatim(t *testing.T) {
	input := `<!DOCTYPE html><html><head><title>t</title></head><body class="x">hi &amp; bye</body></html>`
	events := collect(t, input)

	if got := rebuild(events); got != input {
		t.Errorf("expected verbatim pass-through\n got: %s\nwant: %s", got, input)
	}
	for _, ev := range events {
		if ev.Kind == EventFragment {
			t.Error("unexpected fragment event in plain template")
		}
	}
}

func TestParser_EventOrder(t *testing.T) {
	events := collect(t, `<html><fragment src="http://a/1"><fragment src="http://a/2"></html>`)

	kinds := []EventKind{EventOpenTag, EventFragment, EventFragment, EventCloseTag}
	if len(events) != len(kinds) {
		t.Fatalf("expected %d events, got %d: %+v", len(kinds), len(events), events)
	}
	for i, want := range kinds {
		if events[i].Kind != want {
			t.Errorf("event %d: expected kind %d, got %d", i, want, events[i].Kind)
		}
	}
	if string(events[0].Raw) != "<html>" {
		t.Errorf("expected raw <html>, got %s", events[0].Raw)
	}
	if string(events[3].Raw) != "</html>" {
		t.Errorf("expected raw </html>, got %s", events[3].Raw)
	}
	if events[1].Attrs["src"] != "http://a/1" {
		t.Errorf("expected first fragment src http://a/1, got %s", events[1].Attrs["src"])
	}
	if events[2].Attrs["src"] != "http://a/2" {
		t.Errorf("expected second fragment src http://a/2, got %s", events[2].Attrs["src"])
	}
}

func TestParser_FragmentForms(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		// An unclosed fragment ends at the enclosing element's close tag.
		{"void", `<div>a<fragment src="http://x"></div>`, `<div>a</div>`},
		{"self-closing", `<p>a</p><fragment src="http://x"/><p>b</p>`, `<p>a</p><p>b</p>`},
		{"paired", `<p>a</p><fragment src="http://x"></fragment><p>b</p>`, `<p>a</p><p>b</p>`},
		{"paired with children", `<p>a</p><fragment src="http://x"><div>dropped <b>too</b></div></fragment><p>b</p>`, `<p>a</p><p>b</p>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := collect(t, tt.input)

			var fragments int
			for _, ev := range events {
				if ev.Kind == EventFragment {
					fragments++
					if ev.Attrs["src"] != "http://x" {
						t.Errorf("expected src http://x, got %s", ev.Attrs["src"])
					}
				}
			}
			if fragments != 1 {
				t.Errorf("expected exactly 1 fragment placeholder, got %d", fragments)
			}
			if got := rebuild(events); got != tt.want {
				t.Errorf("expected surrounding template %q, got %q", tt.want, got)
			}
		})
	}
}

func TestParser_AttributeParsing(t *testing.T) {
	events := collect(t, `<fragment ID="f-1" SRC='http://a' fallback-src=http://b primary async="false" timeout="250">`)

	if len(events) != 1 || events[0].Kind != EventFragment {
		t.Fatalf("expected a single fragment event, got %+v", events)
	}

	attrs := events[0].Attrs
	want := map[string]string{
		"id":           "f-1",
		"src":          "http://a",
		"fallback-src": "http://b",
		"primary":      "",
		"async":        "false",
		"timeout":      "250",
	}
	for k, v := range want {
		got, ok := attrs[k]
		if !ok {
			t.Errorf("missing attribute %q", k)
			continue
		}
		if got != v {
			t.Errorf("attribute %q: expected %q, got %q", k, v, got)
		}
	}
}

func TestParser_UppercaseFragmentTag(t *testing.T) {
	events := collect(t, `<FRAGMENT src="http://x">`)

	if len(events) != 1 || events[0].Kind != EventFragment {
		t.Fatalf("expected a fragment event for uppercase tag, got %+v", events)
	}
}

func TestParser_StrayFragmentCloseIsDropped(t *testing.T) {
	events := collect(t, `<p>a</p></fragment><p>b</p>`)

	if got, want := rebuild(events), "<p>a</p><p>b</p>"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}

func TestParser_NestedFragmentChildIsIgnored(t *testing.T) {
	events := collect(t, `<fragment src="http://outer"><div><fragment src="http://inner"/></div></fragment>`)

	var srcs []string
	for _, ev := range events {
		if ev.Kind == EventFragment {
			srcs = append(srcs, ev.Attrs["src"])
		}
	}
	if len(srcs) != 1 || srcs[0] != "http://outer" {
		t.Errorf("expected only the outer fragment, got %v", srcs)
	}
}

func TestParser_Incremental(t *testing.T) {
	// The parser must produce events before the input ends.
	pr, pw := io.Pipe()
	p := NewParser(pr)

	go func() {
		pw.Write([]byte(`<html><fragment src="http://x">`))
		// First events must already be consumable here; the reader side
		// advancing proves no whole-template buffering.
		pw.Write([]byte(`</html>`))
		pw.Close()
	}()

	ev, err := p.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != EventOpenTag || string(ev.Raw) != "<html>" {
		t.Fatalf("expected <html> open tag, got %+v", ev)
	}

	ev, err = p.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != EventFragment {
		t.Fatalf("expected fragment event, got %+v", ev)
	}

	ev, err = p.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Kind != EventCloseTag {
		t.Fatalf("expected close tag, got %+v", ev)
	}

	if _, err := p.Next(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestParser_InputErrorIsTerminal(t *testing.T) {
	pr, pw := io.Pipe()
	p := NewParser(pr)

	go func() {
		pw.Write([]byte(`<p>partial</p>`))
		pw.CloseWithError(errors.New("upstream template died"))
	}()

	// Events before the failure are delivered.
	ev, err := p.Next()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(ev.Raw) != "<p>" {
		t.Fatalf("expected <p>, got %s", ev.Raw)
	}

	for {
		_, err = p.Next()
		if err != nil {
			break
		}
	}
	if !errors.Is(err, ErrParse) {
		t.Fatalf("expected ErrParse, got %v", err)
	}

	// The error is sticky.
	if _, err2 := p.Next(); !errors.Is(err2, ErrParse) {
		t.Fatalf("expected sticky ErrParse, got %v", err2)
	}
}

func TestAttrs_Clone(t *testing.T) {
	orig := Attrs{"src": "http://a", "primary": ""}
	clone := orig.Clone()

	clone["src"] = "http://changed"
	if orig["src"] != "http://a" {
		t.Error("clone mutation leaked into the original attribute set")
	}
}
