// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package discover

import (
	"context"
	"strconv"
	"testing"
)

func TestFallbackRecords(t *testing.T) {
	for i, tc := range [...]struct {
		service string
		port    uint16
	}{
		0: {"xmpp-client", 5222},
		1: {"xmpps-client", 5223},
		2: {"xmpp-server", 5269},
		3: {"xmpps-server", 5270},
	} {
		t.Run(strconv.Itoa(i), func(t *testing.T) {
			addrs := FallbackRecords(tc.service, "example.net")
			if len(addrs) != 1 {
				t.Fatalf("expected one record, got %d", len(addrs))
			}
			if addrs[0].Target != "example.net" || addrs[0].Port != tc.port {
				t.Errorf("wrong record: want=example.net:%d, got=%s:%d", tc.port, addrs[0].Target, addrs[0].Port)
			}
		})
	}
	if addrs := FallbackRecords("imap", "example.net"); addrs != nil {
		t.Errorf("unknown services should have no fallback, got %v", addrs)
	}
}

func TestLookupInvalidService(t *testing.T) {
	_, _, err := LookupService(context.Background(), nil, "imap", "example.net")
	if err != ErrInvalidService {
		t.Errorf("wrong error: want=%v, got=%v", ErrInvalidService, err)
	}
}
