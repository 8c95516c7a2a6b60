// Copyright 2020 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package offline

import (
	"context"
	"sync"

	"mellium.im/xmppd/element"
	"mellium.im/xmppd/jid"
)

// Memory is a Store that keeps messages in memory.
type Memory struct {
	opts options

	mu     sync.Mutex
	closed bool
	nextID int64
	msgs   map[jid.JID][]Message
}

// NewMemory returns an empty in-memory store.
func NewMemory(opts ...Option) *Memory {
	return &Memory{
		opts: getOpts(opts),
		msgs: make(map[jid.JID][]Message),
	}
}

// StoreOffline satisfies the Store interface.
func (m *Memory) StoreOffline(_ context.Context, msg *element.Element) error {
	to, st, err := prepare(msg, m.opts.now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.opts.limit > 0 && len(m.msgs[to]) >= m.opts.limit {
		return ErrQuotaExceeded
	}
	m.nextID++
	m.msgs[to] = append(m.msgs[to], Message{ID: m.nextID, Stanza: st})
	return nil
}

// Retrieve satisfies the Store interface.
// The returned elements are copies and may be modified by the caller.
func (m *Memory) Retrieve(_ context.Context, user jid.JID) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	stored := m.msgs[user.Bare()]
	out := make([]Message, 0, len(stored))
	for _, st := range stored {
		out = append(out, Message{ID: st.ID, Stanza: st.Stanza.Copy()})
	}
	return out, nil
}

// Delete satisfies the Store interface.
func (m *Memory) Delete(_ context.Context, user jid.JID, ids ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	bare := user.Bare()
	drop := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := m.msgs[bare][:0]
	for _, st := range m.msgs[bare] {
		if _, ok := drop[st.ID]; !ok {
			kept = append(kept, st)
		}
	}
	if len(kept) == 0 {
		delete(m.msgs, bare)
		return nil
	}
	m.msgs[bare] = kept
	return nil
}

// Close discards all stored messages.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.msgs = nil
	return nil
}
