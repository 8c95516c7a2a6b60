// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpptest

import (
	"encoding/xml"
	"io"
)

// Tokens pops tokens from itself to act as an xml.TokenReader.
// It is used to feed element readers sequences that xml.Decoder would refuse,
// such as unbalanced elements.
type Tokens []xml.Token

func (r *Tokens) Token() (xml.Token, error) {
	if len(*r) == 0 {
		return nil, io.EOF
	}

	var t xml.Token
	t, *r = (*r)[0], (*r)[1:]
	return t, nil
}

type failing struct {
	toks Tokens
	err  error
}

func (f *failing) Token() (xml.Token, error) {
	if len(f.toks) == 0 {
		return nil, f.err
	}
	return f.toks.Token()
}

// Failing returns a token reader that yields toks and then returns err
// instead of io.EOF, like a connection that drops in the middle of a stanza.
func Failing(err error, toks ...xml.Token) xml.TokenReader {
	return &failing{toks: toks, err: err}
}
