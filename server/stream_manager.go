// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"time"

	"github.com/sirupsen/logrus"

	"mellium.im/xmppd/session"
	"mellium.im/xmppd/stream"
)

func (srv *Server) startWatch() {
	srv.watchOnce.Do(func() {
		go srv.watch()
	})
}

// watch periodically checks every session for stalled negotiation, idle
// peers, and stuck writes until the server shuts down.
func (srv *Server) watch() {
	t := time.NewTicker(srv.checkInterval)
	defer t.Stop()
	for {
		select {
		case <-srv.done:
			return
		case now := <-t.C:
			for _, s := range srv.Sessions() {
				srv.check(now, s)
			}
		}
	}
}

func (srv *Server) check(now time.Time, s *session.Session) {
	if s.IsClosed() {
		return
	}
	c := s.Conn()
	log := srv.log.WithFields(logrus.Fields{
		"session": s.ID(),
		"kind":    s.Kind().String(),
		"remote":  c.RemoteAddr().String(),
	})

	if writing, started := c.WriteState(); writing && srv.writeTimeout > 0 && now.Sub(started) > srv.writeTimeout {
		// The closing tag cannot be written behind a stuck write.
		log.Info("write stalled, closing connection")
		/* #nosec */
		_ = s.Close()
		return
	}
	if s.SessionState()&session.Ready == 0 {
		if srv.handshakeTimeout > 0 && now.Sub(s.Created()) > srv.handshakeTimeout {
			log.Info("negotiation timed out")
			/* #nosec */
			_ = s.CloseWithError(stream.ConnectionTimeout)
		}
		return
	}
	if srv.idleTimeout > 0 && now.Sub(c.LastRead()) > srv.idleTimeout {
		log.Info("connection idle, closing")
		/* #nosec */
		_ = s.CloseWithError(stream.ConnectionTimeout)
	}
}
