// Copyright 2019 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package decl_test

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"mellium.im/xmlstream"
	"mellium.im/xmppd/internal/decl"
)

var skipTests = [...]struct {
	in  string
	out string
	err error
}{
	0: {},
	1: {in: "<a/>", out: "<a></a>"},
	2: {in: xml.Header + "<a/>", out: "\n<a></a>"},
	3: {in: `<?xml?><a/>`, out: "<a></a>"},
	4: {in: `<?sgml?><a/>`, out: "<?sgml?><a></a>"},
	5: {in: `<?xml?>`},
	6: {in: `<?xml version='1.0' encoding='utf-8'?><a/>`, out: "<a></a>"},
	7: {in: `<?xml version='1.0' encoding='ISO-8859-1'?><a/>`, err: decl.ErrEncoding},
	8: {in: decl.XMLHeader + "<a/>", out: "<a></a>"},
}

func TestSkip(t *testing.T) {
	for i, tc := range skipTests {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			dec := xml.NewDecoder(strings.NewReader(tc.in))
			dec.CharsetReader = decl.CharsetReader
			d := decl.Skip(dec)
			buf := &bytes.Buffer{}
			e := xml.NewEncoder(buf)
			_, err := xmlstream.Copy(e, d)
			if !errors.Is(err, tc.err) || (err == nil) != (tc.err == nil) {
				t.Fatalf("wrong error: want=%v, got=%v", tc.err, err)
			}
			if tc.err != nil {
				return
			}
			if err := e.Flush(); err != nil {
				t.Fatalf("Error flushing tokens: %q", err)
			}
			if s := buf.String(); s != tc.out {
				t.Errorf("Output does not match: want=%q, got=%q", tc.out, s)
			}
		})
	}
}

func TestImmediateEOF(t *testing.T) {
	d := decl.Skip(xmlstream.Token(xml.ProcInst{Target: "xml"}))

	for i := 0; i < 2; i++ {
		tok, err := d.Token()
		if err != io.EOF {
			t.Errorf("Expected EOF on %d but got %q", i, err)
		}
		if tok != nil {
			t.Errorf("Did not expect token on %d but got %T %[2]v", i, tok)
		}
	}
}

func TestParam(t *testing.T) {
	for i, tc := range [...]struct {
		inst string
		name string
		out  string
	}{
		0: {inst: `version='1.0'`, name: "version", out: "1.0"},
		1: {inst: `version="1.0" encoding="UTF-8"`, name: "encoding", out: "UTF-8"},
		2: {inst: ` version = '1.0'  encoding = 'utf-8' `, name: "encoding", out: "utf-8"},
		3: {inst: `version='1.0'`, name: "encoding"},
		4: {inst: `version=1.0`, name: "version"},
		5: {inst: `version='1.0`, name: "version"},
		6: {inst: `standalone='yes'`, name: "standalone", out: "yes"},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			if out := decl.Param([]byte(tc.inst), tc.name); out != tc.out {
				t.Errorf("wrong value: want=%q, got=%q", tc.out, out)
			}
		})
	}
}
