// Package fragment implements the per-fragment half of the composition
// engine: placeholder descriptors, the upstream fetcher, and the runtime
// that drives one fragment from fetch to emission.
package fragment

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jmylchreest/stitch/internal/template"
)

// Recognized <fragment> attribute names.
const (
	attrID          = "id"
	attrSrc         = "src"
	attrFallbackSrc = "fallback-src"
	attrPrimary     = "primary"
	attrAsync       = "async"
	attrTimeout     = "timeout"
)

// Overrides is a per-fragment attribute override set from the request
// context service, keyed by attribute name.
type Overrides map[string]string

// Defaults holds the timeout defaults applied when a placeholder carries no
// timeout attribute.
type Defaults struct {
	// InlineTimeout is the upstream head deadline for inline fragments.
	InlineTimeout time.Duration
	// AsyncTimeout is the upstream head deadline for async fragments.
	AsyncTimeout time.Duration
}

// Descriptor is the immutable record of one placeholder after context
// merge. It is built fresh per request; the parser's attribute map is never
// mutated.
type Descriptor struct {
	// ID is the placeholder id, empty when absent. Context overrides only
	// apply to fragments with an id.
	ID string
	// Src is the upstream URL.
	Src string
	// FallbackSrc is fetched when the primary URL fails. The fallback has
	// no further fallback.
	FallbackSrc string
	// Primary marks the fragment whose status decides the response.
	Primary bool
	// Async defers the fragment body past the template end.
	Async bool
	// Timeout bounds the wait for the upstream response head.
	Timeout time.Duration
	// Index is the placeholder position in template order, starting at 0.
	// It is the identifier used in the browser runtime calls.
	Index int
}

// NewDescriptor merges the parser-emitted attributes with the context
// overrides for this fragment and resolves typed fields. attrs is treated
// as read-only; overrides win key-by-key.
func NewDescriptor(attrs template.Attrs, overrides Overrides, index int, defaults Defaults) (*Descriptor, error) {
	merged := make(map[string]string, len(attrs)+len(overrides))
	for k, v := range attrs {
		merged[strings.ToLower(k)] = v
	}
	for k, v := range overrides {
		merged[strings.ToLower(k)] = v
	}

	d := &Descriptor{
		ID:          merged[attrID],
		Src:         merged[attrSrc],
		FallbackSrc: merged[attrFallbackSrc],
		Primary:     boolAttr(merged, attrPrimary),
		Async:       boolAttr(merged, attrAsync),
		Index:       index,
	}

	if raw, ok := merged[attrTimeout]; ok && raw != "" {
		ms, err := strconv.Atoi(raw)
		if err != nil || ms <= 0 {
			return nil, fmt.Errorf("fragment %d: invalid timeout %q", index, raw)
		}
		d.Timeout = time.Duration(ms) * time.Millisecond
	} else if d.Async {
		d.Timeout = defaults.AsyncTimeout
	} else {
		d.Timeout = defaults.InlineTimeout
	}

	if d.Src == "" {
		return nil, fmt.Errorf("fragment %d: missing src", index)
	}
	return d, nil
}

// boolAttr interprets a boolean attribute: presence means true unless the
// value is explicitly "false". Context overrides use the same convention to
// be able to disable flags declared in the template.
func boolAttr(attrs map[string]string, name string) bool {
	v, ok := attrs[name]
	if !ok {
		return false
	}
	return !strings.EqualFold(v, "false")
}
