// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package element

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"mellium.im/xmlstream"
	"mellium.im/xmppd/internal/decl"
	"mellium.im/xmppd/internal/ns"
	"mellium.im/xmppd/stream"
)

// Errors returned by the parser.
var (
	ErrMalformedXML   = errors.New("element: malformed XML")
	ErrTooLargeStanza = errors.New("element: stanza exceeds the maximum size")
	ErrTooDeep        = errors.New("element: stanza exceeds the maximum nesting depth")
	ErrNoHeader       = errors.New("element: stream header has not been read")

	// ErrPeerStreamError is wrapped together with the stream.Error sent by the
	// peer so that it can be told apart from errors detected locally.
	ErrPeerStreamError = errors.New("element: peer sent a stream error")
)

// Default limits used when no options are given.
const (
	DefaultMaxStanzaSize = 1 << 16
	DefaultMaxDepth      = 64
)

// readAhead is how far the decoder may read past the last token it returned.
// It matches the size of the buffer xml.Decoder puts around the input.
const readAhead = 4096

// Option configures a Parser.
type Option func(*Parser)

// MaxStanzaSize limits the number of bytes a single top level element may
// span. Zero or less disables the limit.
func MaxStanzaSize(n int) Option {
	return func(p *Parser) {
		p.maxSize = int64(n)
	}
}

// MaxDepth limits how deeply elements may be nested inside a stanza.
// Zero or less disables the limit.
func MaxDepth(n int) Option {
	return func(p *Parser) {
		p.maxDepth = n
	}
}

// Parser reads an XMPP stream incrementally and returns its top level elements.
//
// The first start element on the stream is the stream header; it is returned
// by Header and never by Next.
// The parser only holds the elements that are still open, so its memory use is
// bounded by the depth of the stanza being read rather than the length of the
// stream.
// Because the parser pulls bytes from an io.Reader as they arrive, the
// elements it returns do not depend on how the input was split into reads.
type Parser struct {
	in       *budgetReader
	d        *xml.Decoder
	tr       xml.TokenReader
	header   *xml.StartElement
	stack    []*Element
	start    int64
	maxSize  int64
	maxDepth int
}

// NewParser returns a parser reading from r.
func NewParser(r io.Reader, opts ...Option) *Parser {
	p := &Parser{
		maxSize:  DefaultMaxStanzaSize,
		maxDepth: DefaultMaxDepth,
	}
	for _, o := range opts {
		o(p)
	}
	p.Reset(r)
	return p
}

// Reset discards all parser state and starts reading a new stream from r.
// It is used when the stream is restarted after a security layer or
// compression is negotiated.
func (p *Parser) Reset(r io.Reader) {
	p.in = &budgetReader{r: r, limit: -1}
	p.d = xml.NewDecoder(p.in)
	p.d.Strict = true
	p.d.CharsetReader = decl.CharsetReader
	p.tr = decl.Skip(p.d)
	p.header = nil
	p.stack = p.stack[:0]
}

// Header reads the stream header.
// Leading whitespace and an XML declaration are skipped.
// A declaration naming an encoding other than UTF-8 results in
// stream.UnsupportedEncoding.
// If the first element is a stream error it is returned as a stream.Error
// wrapped with ErrPeerStreamError.
func (p *Parser) Header() (xml.StartElement, error) {
	if p.header != nil {
		return *p.header, nil
	}
	for {
		p.budget()
		tok, err := p.tr.Token()
		if err != nil {
			return xml.StartElement{}, p.wrapErr(err)
		}
		switch t := tok.(type) {
		case xml.CharData:
			if !isWhitespace(t) {
				return xml.StartElement{}, stream.BadFormat
			}
		case xml.StartElement:
			switch {
			case t.Name.Local == "error" && t.Name.Space == ns.Stream:
				el, err := p.readElement(t)
				if err != nil {
					return xml.StartElement{}, err
				}
				return xml.StartElement{}, streamError(el)
			case t.Name.Local != "stream":
				return xml.StartElement{}, stream.BadFormat
			case t.Name.Space != ns.Stream:
				return xml.StartElement{}, stream.InvalidNamespace
			}
			start := t.Copy()
			p.header = &start
			return start, nil
		case xml.EndElement:
			return xml.StartElement{}, stream.NotWellFormed
		default:
			return xml.StartElement{}, stream.RestrictedXML
		}
	}
}

// Next returns the next top level element on the stream.
//
// When the peer closes the stream with </stream:stream> Next returns io.EOF.
// A stream error sent by the peer is returned as a stream.Error wrapped with
// ErrPeerStreamError.
// Malformed input results in an error that wraps ErrMalformedXML; the stream
// cannot be read further after any error.
func (p *Parser) Next() (*Element, error) {
	if p.header == nil {
		return nil, ErrNoHeader
	}
	for {
		off := p.d.InputOffset()
		if len(p.stack) == 0 {
			p.budget()
		}
		tok, err := p.d.Token()
		if err != nil {
			return nil, p.wrapErr(err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if p.maxDepth > 0 && len(p.stack) >= p.maxDepth {
				return nil, ErrTooDeep
			}
			if len(p.stack) == 0 {
				p.start = off
			}
			el := FromStartElement(t)
			if n := len(p.stack); n > 0 {
				p.stack[n-1].AppendChild(el)
			}
			p.stack = append(p.stack, el)
		case xml.EndElement:
			n := len(p.stack)
			if n == 0 {
				if t.Name.Local == "stream" && t.Name.Space == ns.Stream {
					return nil, io.EOF
				}
				return nil, stream.BadFormat
			}
			el := p.stack[n-1]
			p.stack[n-1] = nil
			p.stack = p.stack[:n-1]
			if n == 1 {
				if el.Name.Space == ns.Stream && el.Name.Local == "error" {
					return nil, streamError(el)
				}
				return el, nil
			}
		case xml.CharData:
			n := len(p.stack)
			if n == 0 {
				if !isWhitespace(t) {
					return nil, stream.BadFormat
				}
				continue
			}
			p.stack[n-1].AppendText(string(t))
		default:
			return nil, stream.RestrictedXML
		}
		if p.maxSize > 0 && len(p.stack) > 0 && p.d.InputOffset()-p.start > p.maxSize {
			return nil, ErrTooLargeStanza
		}
	}
}

// Depth returns the number of elements that are currently open below the
// stream header.
func (p *Parser) Depth() int {
	return len(p.stack)
}

// budget limits how many bytes may be read from the input before the next top
// level element is complete.
// The decoder buffers whole tokens, so checking the size after each token is
// not enough to bound memory.
func (p *Parser) budget() {
	if p.maxSize <= 0 {
		p.in.limit = -1
		return
	}
	p.in.limit = p.d.InputOffset() + p.maxSize + readAhead
}

func (p *Parser) readElement(start xml.StartElement) (*Element, error) {
	el, err := Read(xmlstream.MultiReader(xmlstream.Token(start), p.d))
	if err != nil {
		return nil, p.wrapErr(err)
	}
	return el, nil
}

func (p *Parser) wrapErr(err error) error {
	var synErr *xml.SyntaxError
	switch {
	case errors.As(err, &synErr):
		return fmt.Errorf("%w: %v", ErrMalformedXML, err)
	case errors.Is(err, decl.ErrEncoding):
		return stream.UnsupportedEncoding
	case err == io.EOF && len(p.stack) > 0:
		return fmt.Errorf("%w: %v", ErrMalformedXML, io.ErrUnexpectedEOF)
	}
	return err
}

func streamError(el *Element) error {
	e := stream.Error{}
	for _, c := range el.Elements() {
		if c.Name.Space == ns.Streams && c.Name.Local != "text" {
			e.Err = c.Name.Local
			break
		}
	}
	if e.Err == "" {
		e = stream.UndefinedCondition
	}
	return fmt.Errorf("%w: %w", ErrPeerStreamError, e)
}

func isWhitespace(c xml.CharData) bool {
	return strings.TrimSpace(string(c)) == ""
}

// budgetReader fails with ErrTooLargeStanza once the total number of bytes
// read reaches limit.
// A negative limit disables the check.
type budgetReader struct {
	r     io.Reader
	n     int64
	limit int64
}

func (b *budgetReader) Read(p []byte) (int, error) {
	if b.limit >= 0 {
		rem := b.limit - b.n
		if rem <= 0 {
			return 0, ErrTooLargeStanza
		}
		if int64(len(p)) > rem {
			p = p[:rem]
		}
	}
	n, err := b.r.Read(p)
	b.n += int64(n)
	return n, err
}
