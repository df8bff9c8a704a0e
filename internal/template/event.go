// Package template implements incremental parsing of HTML-ish layout
// templates into an ordered event stream, and the sources templates are
// acquired from.
//
// The parser is SAX-style on purpose: composition must begin streaming
// before the template ends, and the template itself may arrive in chunks.
package template

import "maps"

// EventKind identifies the type of a template event.
type EventKind int

const (
	// EventOpenTag is an opening (or self-closing non-fragment) tag.
	EventOpenTag EventKind = iota
	// EventCloseTag is a closing tag.
	EventCloseTag
	// EventText is character data, comments, doctypes and anything else
	// passed through verbatim.
	EventText
	// EventFragment is a <fragment> placeholder.
	EventFragment
)

// Attrs holds the attributes of a fragment placeholder. Names are
// lowercased by the tokenizer; values are preserved as written.
type Attrs map[string]string

// Clone returns an independent copy of the attribute set.
func (a Attrs) Clone() Attrs {
	if a == nil {
		return nil
	}
	return maps.Clone(a)
}

// Event is one element of the template event stream. Events are emitted
// strictly in the textual order of their first byte in the template.
type Event struct {
	Kind EventKind
	// Name is the lowercased tag name for EventOpenTag and EventCloseTag.
	Name string
	// Raw holds the verbatim template bytes for non-fragment events.
	Raw []byte
	// Attrs holds the placeholder attributes for EventFragment.
	Attrs Attrs
}
