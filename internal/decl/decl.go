// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package decl handles the XML declaration at the start of a stream.
package decl

import (
	"encoding/xml"
	"errors"
	"io"
	"strings"
)

// XMLHeader is the declaration written before every stream header.
const XMLHeader = `<?xml version='1.0'?>`

// ErrEncoding is returned by the reader from Skip when the declaration names
// an encoding other than UTF-8.
var ErrEncoding = errors.New("decl: only UTF-8 streams are supported")

// CharsetReader is meant to be set on xml.Decoder so that a declaration naming
// another encoding is returned as a token instead of failing inside the
// decoder. The input is not converted.
func CharsetReader(_ string, input io.Reader) (io.Reader, error) {
	return input, nil
}

type skipper struct {
	r       xml.TokenReader
	started bool
}

func (r *skipper) Token() (xml.Token, error) {
	tok, err := r.r.Token()
	if tok != nil && !r.started {
		r.started = true
		if proc, ok := tok.(xml.ProcInst); ok && proc.Target == "xml" {
			if err != nil {
				return nil, err
			}
			if enc := Param(proc.Inst, "encoding"); enc != "" && !strings.EqualFold(enc, "utf-8") {
				return nil, ErrEncoding
			}
			return r.r.Token()
		}
	}
	return tok, err
}

// Skip wraps a token reader and drops an XML declaration if it is the first
// token.
func Skip(r xml.TokenReader) xml.TokenReader {
	return &skipper{r: r}
}

// Param returns the value of a pseudo-attribute such as "version" or
// "encoding" in the body of a processing instruction.
// If the parameter is missing or the instruction is malformed it returns "".
func Param(inst []byte, name string) string {
	s := strings.TrimSpace(string(inst))
	for s != "" {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			return ""
		}
		key := strings.TrimSpace(s[:eq])
		s = strings.TrimLeft(s[eq+1:], " \t\r\n")
		if s == "" || (s[0] != '\'' && s[0] != '"') {
			return ""
		}
		end := strings.IndexByte(s[1:], s[0])
		if end < 0 {
			return ""
		}
		if key == name {
			return s[1 : end+1]
		}
		s = strings.TrimLeft(s[end+2:], " \t\r\n")
	}
	return ""
}
