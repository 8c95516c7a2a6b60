// Copyright 2015 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"mellium.im/xmppd/session"
	"mellium.im/xmppd/stream"
)

// ErrServerClosed is returned by Serve and ListenAndServe after Shutdown.
var ErrServerClosed = errors.New("server: server closed")

// A Server defines parameters for running an XMPP server.
type Server struct {
	options
	env *session.Env
	log *logrus.Entry

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	sessions  map[*session.Session]struct{}
	conns     sync.WaitGroup

	closing   atomic.Bool
	watchOnce sync.Once
	done      chan struct{}
}

// New creates a new XMPP server that runs sessions in env.
func New(env *session.Env, opts ...Option) *Server {
	srv := &Server{
		options:   getOpts(opts...),
		env:       env,
		listeners: make(map[net.Listener]struct{}),
		sessions:  make(map[*session.Session]struct{}),
		done:      make(chan struct{}),
	}
	l := srv.options.log
	if l == nil {
		l = logrus.New()
		l.SetOutput(io.Discard)
	}
	srv.log = logrus.NewEntry(l)
	return srv
}

// ListenAndServe listens on the TCP address configured for each kind of
// connection and serves them until Shutdown is called.
// If no addresses were configured, the default ports are used for all three.
func (srv *Server) ListenAndServe() error {
	addrs := srv.listenAddrs()
	lns := make(map[session.Kind]net.Listener, len(addrs))
	for kind, addr := range addrs {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range lns {
				/* #nosec */
				_ = l.Close()
			}
			return err
		}
		lns[kind] = ln
	}

	errs := make(chan error, len(lns))
	for kind, ln := range lns {
		go func(kind session.Kind, ln net.Listener) {
			errs <- srv.Serve(ln, kind)
		}(kind, ln)
	}
	var first error
	for range lns {
		err := <-errs
		if first == nil || errors.Is(first, ErrServerClosed) {
			first = err
		}
		if !errors.Is(err, ErrServerClosed) {
			// One listener failing stops the others.
			srv.closeListeners()
		}
	}
	return first
}

// Serve accepts connections on l and handles each as a session of kind k in
// its own goroutine.
// Serve always returns a non-nil error and closes l.
// After Shutdown the error is ErrServerClosed.
func (srv *Server) Serve(l net.Listener, k session.Kind) error {
	if !srv.trackListener(l, true) {
		/* #nosec */
		_ = l.Close()
		return ErrServerClosed
	}
	defer func() {
		srv.trackListener(l, false)
		/* #nosec */
		_ = l.Close()
	}()
	srv.startWatch()

	log := srv.log.WithFields(logrus.Fields{
		"kind": k.String(),
		"addr": l.Addr().String(),
	})
	log.Info("listening")

	var delay time.Duration
	for {
		c, err := l.Accept()
		if err != nil {
			if srv.closing.Load() || errors.Is(err, net.ErrClosed) {
				return ErrServerClosed
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if delay == 0 {
					delay = 5 * time.Millisecond
				} else if delay *= 2; delay > time.Second {
					delay = time.Second
				}
				log.WithError(err).Warnf("accept error, retrying in %v", delay)
				time.Sleep(delay)
				continue
			}
			return err
		}
		delay = 0
		srv.conns.Add(1)
		go func() {
			defer srv.conns.Done()
			srv.ServeConn(context.Background(), c, k)
		}()
	}
}

// Shutdown stops accepting connections, closes every session with a
// system-shutdown stream error, and closes the offline store.
// It waits for the connection goroutines to return or for ctx to be done.
func (srv *Server) Shutdown(ctx context.Context) error {
	if !srv.closing.CompareAndSwap(false, true) {
		return ErrServerClosed
	}
	srv.closeListeners()
	close(srv.done)

	for _, s := range srv.Sessions() {
		/* #nosec */
		_ = s.CloseWithError(stream.SystemShutdown)
	}
	var err error
	if srv.env.Offline != nil {
		err = srv.env.Offline.Close()
	}

	wait := make(chan struct{})
	go func() {
		srv.conns.Wait()
		close(wait)
	}()
	select {
	case <-wait:
	case <-ctx.Done():
		return ctx.Err()
	}
	srv.log.Info("server stopped")
	return err
}

// Sessions returns the sessions that are currently being served.
func (srv *Server) Sessions() []*session.Session {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	out := make([]*session.Session, 0, len(srv.sessions))
	for s := range srv.sessions {
		out = append(out, s)
	}
	return out
}

func (srv *Server) trackListener(l net.Listener, add bool) bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	if add {
		if srv.closing.Load() {
			return false
		}
		srv.listeners[l] = struct{}{}
		return true
	}
	delete(srv.listeners, l)
	return true
}

func (srv *Server) closeListeners() {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	for l := range srv.listeners {
		/* #nosec */
		_ = l.Close()
	}
}
