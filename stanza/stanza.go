// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stanza

import (
	"encoding/xml"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/internal/ns"
)

// Kind is the kind of a top level stream element.
type Kind uint8

// A list of stanza kinds.
const (
	// Other is any element that is not a stanza.
	Other Kind = iota
	Message
	Presence
	IQ
)

func (k Kind) String() string {
	switch k {
	case Message:
		return "message"
	case Presence:
		return "presence"
	case IQ:
		return "iq"
	}
	return "other"
}

// Is tests whether name is a valid stanza based on name and space.
func Is(name xml.Name) bool {
	return KindOf(name) != Other
}

// KindOf returns the kind of stanza with the given name.
func KindOf(name xml.Name) Kind {
	if !ns.IsContent(name.Space) {
		return Other
	}
	switch name.Local {
	case "message":
		return Message
	case "presence":
		return Presence
	case "iq":
		return IQ
	}
	return Other
}

// Message types defined in RFC 6121 §5.2.2.
const (
	NormalMessage    = "normal"
	ChatMessage      = "chat"
	GroupChatMessage = "groupchat"
	HeadlineMessage  = "headline"
	ErrorMessage     = "error"
)

// Presence types defined in RFC 6121 §4.7.1.
// An available presence has no type attribute.
const (
	AvailablePresence    = ""
	ErrorPresence        = "error"
	ProbePresence        = "probe"
	SubscribePresence    = "subscribe"
	SubscribedPresence   = "subscribed"
	UnavailablePresence  = "unavailable"
	UnsubscribePresence  = "unsubscribe"
	UnsubscribedPresence = "unsubscribed"
)

// IQ types defined in RFC 6120 §8.2.3.
const (
	GetIQ    = "get"
	SetIQ    = "set"
	ResultIQ = "result"
	ErrorIQ  = "error"
)

// IsRequest reports whether st is an IQ of type get or set, which must always
// be answered.
func IsRequest(st *element.Element) bool {
	if KindOf(st.Name) != IQ {
		return false
	}
	t := st.Type()
	return t == GetIQ || t == SetIQ
}

// Result returns an empty IQ result for the request iq.
func Result(iq *element.Element) *element.Element {
	res := element.New(iq.Name.Space, "iq")
	res.SetAttr("type", ResultIQ)
	res.SetAttr("id", iq.ID())
	res.SetAttr("to", iq.From())
	res.SetAttr("from", iq.To())
	return res
}
