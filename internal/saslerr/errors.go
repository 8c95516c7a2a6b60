// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

// Package saslerr provides error conditions for the XMPP profile of SASL as
// defined by RFC 6120 §6.5.
package saslerr // import "mellium.im/xmppd/internal/saslerr"

import (
	"encoding/xml"
	"errors"

	"golang.org/x/text/language"
	"mellium.im/sasl"
	"mellium.im/xmlstream"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
)

// Condition is a SASL error condition that can be encapsulated by a
// <failure/> element.
type Condition string

func (c Condition) String() string {
	return string(c)
}

// Standard SASL error conditions.
const (
	Aborted              Condition = "aborted"
	AccountDisabled      Condition = "account-disabled"
	CredentialsExpired   Condition = "credentials-expired"
	EncryptionRequired   Condition = "encryption-required"
	IncorrectEncoding    Condition = "incorrect-encoding"
	InvalidAuthzID       Condition = "invalid-authzid"
	InvalidMechanism     Condition = "invalid-mechanism"
	MalformedRequest     Condition = "malformed-request"
	MechanismTooWeak     Condition = "mechanism-too-weak"
	NotAuthorized        Condition = "not-authorized"
	TemporaryAuthFailure Condition = "temporary-auth-failure"
)

// Failure is a SASL error that is sent to the peer in a <failure/> element.
type Failure struct {
	Condition Condition
	Lang      language.Tag
	Text      string
}

// Error satisfies the error interface for a Failure. It returns the text string
// if set, or the condition otherwise.
func (f Failure) Error() string {
	if f.Text != "" {
		return f.Text
	}
	return string(f.Condition)
}

// FromError picks the failure to report for an error returned while stepping
// a SASL negotiation.
// Unrecognized errors are reported as not-authorized so that details of the
// credential store never reach the peer.
func FromError(err error) Failure {
	var f Failure
	switch {
	case errors.As(err, &f):
		return f
	case errors.Is(err, sasl.ErrInvalidChallenge):
		return Failure{Condition: MalformedRequest}
	case errors.Is(err, sasl.ErrTooManySteps), errors.Is(err, sasl.ErrInvalidState):
		return Failure{Condition: Aborted}
	}
	return Failure{Condition: NotAuthorized}
}

// TokenReader satisfies the xmlstream.Marshaler interface.
func (f Failure) TokenReader() xml.TokenReader {
	inner := xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: ns.SASL, Local: string(f.Condition)}})
	if f.Text != "" {
		inner = xmlstream.MultiReader(
			inner,
			xmlstream.Wrap(
				xmlstream.Token(xml.CharData(f.Text)),
				xml.StartElement{
					Name: xml.Name{Space: ns.SASL, Local: "text"},
					Attr: []xml.Attr{{Name: xml.Name{Space: ns.XML, Local: "lang"}, Value: f.Lang.String()}},
				},
			),
		)
	}
	return xmlstream.Wrap(inner, xml.StartElement{Name: xml.Name{Space: ns.SASL, Local: "failure"}})
}

// WriteXML satisfies the xmlstream.WriterTo interface.
func (f Failure) WriteXML(w xmlstream.TokenWriter) (int, error) {
	return xmlstream.Copy(w, f.TokenReader())
}

// MarshalXML satisfies the xml.Marshaler interface for a Failure.
func (f Failure) MarshalXML(e *xml.Encoder, _ xml.StartElement) error {
	_, err := f.WriteXML(e)
	if err != nil {
		return err
	}
	return e.Flush()
}

// Element returns the failure as an element that can be delivered on a stream.
func (f Failure) Element() *element.Element {
	el, err := element.Read(f.TokenReader())
	if err != nil {
		panic(err)
	}
	return el
}

// FromElement parses a <failure/> element sent by a peer.
func FromElement(el *element.Element) (Failure, bool) {
	if el.Name.Space != ns.SASL || el.Name.Local != "failure" {
		return Failure{}, false
	}
	var f Failure
	for _, c := range el.Elements() {
		if c.Name.Local == "text" {
			f.Text = c.Text()
			for _, a := range c.Attr {
				if a.Name.Space == ns.XML && a.Name.Local == "lang" {
					f.Lang, _ = language.Parse(a.Value)
				}
			}
			continue
		}
		if f.Condition == "" {
			f.Condition = Condition(c.Name.Local)
		}
	}
	return f, true
}
