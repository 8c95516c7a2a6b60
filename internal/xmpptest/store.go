// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package xmpptest

import (
	"context"
	"sync"

	"mellium.im/xmppd/element"
)

// RecordingStore is an offline store that records every message it is asked
// to store.
type RecordingStore struct {
	mu     sync.Mutex
	stored []*element.Element
	Err    error
}

// StoreOffline records msg and returns s.Err.
func (s *RecordingStore) StoreOffline(_ context.Context, msg *element.Element) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stored = append(s.stored, msg)
	return s.Err
}

// Stored returns the messages recorded so far.
func (s *RecordingStore) Stored() []*element.Element {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*element.Element, len(s.stored))
	copy(out, s.stored)
	return out
}
