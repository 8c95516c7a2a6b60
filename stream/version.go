// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package stream

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultVersion is the only version of XMPP supported on client and server
// streams.
var DefaultVersion = Version{Major: 1, Minor: 0}

// Version is a version of XMPP.
// The zero value means that no version attribute was present, which is the
// case on component streams.
type Version struct {
	Major uint8
	Minor uint8
}

// ParseVersion parses a string of the form "Major.Minor" into a Version struct
// or returns an error.
func ParseVersion(s string) (Version, error) {
	v := Version{}

	major, minor, ok := strings.Cut(s, ".")
	if !ok || strings.Contains(minor, ".") {
		return v, errors.New("stream: XMPP version must have a single separator")
	}

	major64, err := strconv.ParseUint(major, 10, 8)
	if err != nil {
		return v, err
	}
	minor64, err := strconv.ParseUint(minor, 10, 8)
	if err != nil {
		return v, err
	}
	v.Major = uint8(major64)
	v.Minor = uint8(minor64)
	return v, nil
}

// Less compares v and other and reports whether v is the older version.
func (v Version) Less(other Version) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	return v.Minor < other.Minor
}

// IsZero reports whether the version was unset.
func (v Version) IsZero() bool {
	return v == Version{}
}

// String prints the version in the form "Major.Minor".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

// MarshalXMLAttr satisfies the MarshalerAttr interface and marshals the version
// as an XML attribute using its string representation.
func (v Version) MarshalXMLAttr(name xml.Name) (xml.Attr, error) {
	return xml.Attr{Name: name, Value: v.String()}, nil
}

// UnmarshalXMLAttr satisfies the UnmarshalerAttr interface and unmarshals an
// XML attribute into a valid XMPP version (or returns an error).
func (v *Version) UnmarshalXMLAttr(attr xml.Attr) error {
	newVersion, err := ParseVersion(attr.Value)
	if err != nil {
		return err
	}
	*v = newVersion
	return nil
}
