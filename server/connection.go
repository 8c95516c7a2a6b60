// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"net"

	"mellium.im/xmppd/session"
	"mellium.im/xmppd/stream"
)

// ServeConn runs a session of kind k on c and returns when it ends.
// Elements are read and handled in order on the calling goroutine.
func (srv *Server) ServeConn(ctx context.Context, c net.Conn, k session.Kind) {
	s := session.New(srv.env, c, k)
	if !srv.track(s, true) {
		/* #nosec */
		_ = s.CloseWithError(stream.SystemShutdown)
		return
	}
	defer srv.track(s, false)
	srv.startWatch()

	log := srv.log.WithField("remote", c.RemoteAddr().String())
	log.WithField("kind", k.String()).Debug("accepted connection")
	for {
		el, err := s.Read()
		if err != nil {
			s.Fail(err)
			break
		}
		if err := s.Handle(ctx, el); err != nil {
			break
		}
	}
	log.Debug("connection closed")
}

func (srv *Server) track(s *session.Session, add bool) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if add {
		if srv.closing.Load() {
			return false
		}
		srv.sessions[s] = struct{}{}
		return true
	}
	delete(srv.sessions, s)
	return true
}
