package template

import (
	"errors"
	"fmt"
	"io"

	"golang.org/x/net/html"
)

// fragmentTag is the local name of the placeholder element.
const fragmentTag = "fragment"

// ErrParse wraps tokenization failures. Events emitted before the failure
// are not retracted.
var ErrParse = errors.New("template parse error")

// Parser tokenizes a template byte stream into Events. It reads input
// incrementally and never buffers the whole template; each call to Next
// consumes only as much input as needed to produce one event.
//
// A Parser is single-use and not safe for concurrent use.
type Parser struct {
	z *html.Tokenizer

	// inFragment is set between a paired <fragment> open tag and its close:
	// template children of a fragment are dropped from the event stream.
	inFragment bool
	// depth counts open non-fragment elements while inFragment.
	depth int

	err error
}

// NewParser returns a Parser reading template bytes from r.
func NewParser(r io.Reader) *Parser {
	return &Parser{z: html.NewTokenizer(r)}
}

// Next returns the next template event. It returns io.EOF after the last
// event, and an error wrapping ErrParse if the input stream fails.
func (p *Parser) Next() (Event, error) {
	if p.err != nil {
		return Event{}, p.err
	}

	for {
		tt := p.z.Next()

		switch tt {
		case html.ErrorToken:
			err := p.z.Err()
			if errors.Is(err, io.EOF) {
				p.err = io.EOF
			} else {
				p.err = fmt.Errorf("%w: %v", ErrParse, err)
			}
			return Event{}, p.err

		case html.StartTagToken:
			name := p.tagName()
			if name == fragmentTag {
				if p.inFragment && p.depth > 0 {
					// Nested fragment inside a paired one: ignored child.
					continue
				}
				// A sibling <fragment> ends any unclosed one before it.
				p.inFragment = true
				p.depth = 0
				return Event{Kind: EventFragment, Attrs: p.tagAttrs()}, nil
			}
			if p.inFragment {
				p.depth++
				continue
			}
			return Event{Kind: EventOpenTag, Name: name, Raw: p.raw()}, nil

		case html.SelfClosingTagToken:
			name := p.tagName()
			if name == fragmentTag {
				if p.inFragment && p.depth > 0 {
					// Nested fragment inside a paired one: ignored child.
					continue
				}
				attrs := p.tagAttrs()
				p.inFragment = false
				p.depth = 0
				return Event{Kind: EventFragment, Attrs: attrs}, nil
			}
			if p.inFragment {
				continue
			}
			return Event{Kind: EventOpenTag, Name: name, Raw: p.raw()}, nil

		case html.EndTagToken:
			name := p.tagName()
			if p.inFragment {
				if name == fragmentTag {
					if p.depth == 0 {
						p.inFragment = false
					}
					// A nested fragment's close: its open tag was not counted.
					continue
				}
				if p.depth > 0 {
					p.depth--
					continue
				}
				// A close tag for an enclosing element: the fragment had no
				// explicit close, resume normal emission.
				p.inFragment = false
				return Event{Kind: EventCloseTag, Name: name, Raw: p.raw()}, nil
			}
			if name == fragmentTag {
				// Stray close with no matching placeholder.
				continue
			}
			return Event{Kind: EventCloseTag, Name: name, Raw: p.raw()}, nil

		default: // text, comments, doctypes
			if p.inFragment {
				continue
			}
			return Event{Kind: EventText, Raw: p.raw()}, nil
		}
	}
}

// tagName returns the lowercased name of the current tag token.
func (p *Parser) tagName() string {
	name, _ := p.z.TagName()
	return string(name)
}

// tagAttrs collects the current tag's attributes. The tokenizer lowercases
// names and unescapes values; boolean attributes come back with an empty
// value.
func (p *Parser) tagAttrs() Attrs {
	attrs := make(Attrs)
	for {
		key, val, more := p.z.TagAttr()
		if len(key) > 0 {
			attrs[string(key)] = string(val)
		}
		if !more {
			break
		}
	}
	return attrs
}

// raw copies the verbatim bytes of the current token. The tokenizer reuses
// its buffer between calls, so the copy is required.
func (p *Parser) raw() []byte {
	raw := p.z.Raw()
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}
