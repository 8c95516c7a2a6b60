// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package conn

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"mellium.im/xmppd/compress"
	"mellium.im/xmppd/element"
	intstream "mellium.im/xmppd/internal/stream"
	"mellium.im/xmppd/stream"
)

// Errors returned by the conn package.
var (
	ErrClosed          = errors.New("conn: connection closed")
	ErrAlreadySecure   = errors.New("conn: connection is already secure")
	ErrAlreadyCompress = errors.New("conn: connection is already compressed")
)

const defaultCloseTimeout = 2 * time.Second

// Option configures a Conn.
type Option func(*Conn)

// Logger sets the logger used for write failures.
// By default nothing is logged.
func Logger(l *logrus.Entry) Option {
	return func(c *Conn) {
		c.log = l
	}
}

// WriteTimeout bounds each individual write.
// Zero means writes have no deadline and only the watchdog can detect them
// being stuck.
func WriteTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.writeTimeout = d
	}
}

// CloseTimeout bounds how long Close waits for the closing stream tag to be
// written.
func CloseTimeout(d time.Duration) Option {
	return func(c *Conn) {
		c.closeTimeout = d
	}
}

// Namespace sets the default namespace of the output stream.
func Namespace(space string) Option {
	return func(c *Conn) {
		c.ns = space
	}
}

// Conn is a network connection carrying an XMPP stream.
// Deliver and DeliverRawText may be called concurrently from any goroutine;
// Read must only be called from the goroutine that owns the input stream.
type Conn struct {
	raw net.Conn
	r   io.Reader

	// wmu guards the fields below it and is held for the duration of every
	// write sequence.
	wmu        sync.Mutex
	w          io.Writer
	enc        *element.Encoder
	ns         string
	compressed io.Closer

	// stateMu guards write bookkeeping, which must be readable while a write
	// holds wmu.
	stateMu      sync.Mutex
	writing      bool
	writeStarted time.Time

	lastRead  atomic.Int64
	lastWrite atomic.Int64
	secure    atomic.Bool
	zipped    atomic.Bool
	tlsConn   atomic.Pointer[tls.Conn]

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	hookMu    sync.Mutex
	onClose   []func()

	log          *logrus.Entry
	writeTimeout time.Duration
	closeTimeout time.Duration
}

// New wraps c.
func New(c net.Conn, opts ...Option) *Conn {
	conn := &Conn{
		raw:          c,
		r:            c,
		w:            c,
		closeTimeout: defaultCloseTimeout,
	}
	for _, o := range opts {
		o(conn)
	}
	if conn.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		conn.log = logrus.NewEntry(l)
	}
	conn.enc = element.NewEncoder(conn.w, conn.ns)
	now := time.Now().UnixNano()
	conn.lastRead.Store(now)
	conn.lastWrite.Store(now)
	return conn
}

// Read reads from the current transport layer and records the time of the
// read for the idle watchdog.
func (c *Conn) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.lastRead.Store(time.Now().UnixNano())
	}
	if err != nil && c.closed.Load() {
		return n, ErrClosed
	}
	return n, err
}

// Deliver writes e to the connection.
// After the connection is closed it returns ErrClosed.
// Any other write error closes the connection.
func (c *Conn) Deliver(e *element.Element) error {
	return c.write(func() error {
		return c.enc.Encode(e)
	})
}

// DeliverRawText writes s to the connection without any escaping.
// It is used for stream headers and whitespace keepalives.
func (c *Conn) DeliverRawText(s string) error {
	return c.write(func() error {
		_, err := io.WriteString(c.w, s)
		return err
	})
}

// SendHeader writes a new stream header describing out and switches the
// encoder to the namespace of the new stream.
func (c *Conn) SendHeader(out stream.Info) error {
	return c.write(func() error {
		c.ns = out.XMLNS
		c.enc = element.NewEncoder(c.w, c.ns)
		return intstream.Send(c.w, out)
	})
}

// SetNamespace sets the default namespace of the output stream used when
// deciding which namespace declarations to write.
func (c *Conn) SetNamespace(space string) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ns = space
	c.enc = element.NewEncoder(c.w, c.ns)
}

func (c *Conn) write(f func() error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.wmu.Lock()
	if c.closed.Load() {
		c.wmu.Unlock()
		return ErrClosed
	}

	c.setWriting(true)
	if c.writeTimeout > 0 {
		/* #nosec */
		_ = c.raw.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	err := f()
	if c.writeTimeout > 0 {
		/* #nosec */
		_ = c.raw.SetWriteDeadline(time.Time{})
	}
	c.setWriting(false)
	c.wmu.Unlock()

	if err != nil {
		if c.closed.Load() {
			return ErrClosed
		}
		c.log.WithError(err).Debug("write failed, closing connection")
		/* #nosec */
		_ = c.shutdown(nil, false)
		return fmt.Errorf("conn: write failed: %w", err)
	}
	c.lastWrite.Store(time.Now().UnixNano())
	return nil
}

func (c *Conn) setWriting(w bool) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	c.writing = w
	if w {
		c.writeStarted = time.Now()
	}
}

// WriteState reports whether a write is in progress and when it started.
func (c *Conn) WriteState() (writing bool, started time.Time) {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.writing, c.writeStarted
}

// LastRead returns the time data was last read from the peer.
func (c *Conn) LastRead() time.Time {
	return time.Unix(0, c.lastRead.Load())
}

// LastActivity returns the time of the last successful read or write.
func (c *Conn) LastActivity() time.Time {
	r, w := c.lastRead.Load(), c.lastWrite.Load()
	if w > r {
		r = w
	}
	return time.Unix(0, r)
}

// OnClose registers f to run once when the connection is closed.
// If the connection is already closed f runs immediately.
func (c *Conn) OnClose(f func()) {
	c.hookMu.Lock()
	if !c.closed.Load() {
		c.onClose = append(c.onClose, f)
		c.hookMu.Unlock()
		return
	}
	c.hookMu.Unlock()
	f()
}

// Close ends the output stream and closes the connection.
// The closing </stream:stream> is written on a best-effort basis: if another
// write is stuck it is skipped, and otherwise it is bounded by the close
// timeout.
// Calling Close more than once has no further effect.
func (c *Conn) Close() error {
	return c.shutdown(nil, true)
}

// CloseWithError sends a stream error before closing the connection.
func (c *Conn) CloseWithError(se stream.Error) error {
	el, err := element.Read(se.TokenReader())
	if err != nil {
		return c.shutdown(nil, true)
	}
	return c.shutdown(el, true)
}

func (c *Conn) shutdown(final *element.Element, graceful bool) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		switch {
		case !graceful:
		case c.wmu.TryLock():
			/* #nosec */
			_ = c.raw.SetWriteDeadline(time.Now().Add(c.closeTimeout))
			if final != nil {
				/* #nosec */
				_ = c.enc.Encode(final)
			}
			/* #nosec */
			_, _ = io.WriteString(c.w, intstream.Close)
			if c.compressed != nil {
				/* #nosec */
				_ = c.compressed.Close()
			}
			c.wmu.Unlock()
		default:
			c.log.Debug("write in progress, not sending closing stream tag")
		}
		c.closeErr = c.raw.Close()

		c.hookMu.Lock()
		hooks := c.onClose
		c.onClose = nil
		c.hookMu.Unlock()
		for _, f := range hooks {
			f()
		}
	})
	return c.closeErr
}

// IsClosed reports whether Close has been called or a write has failed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// StartTLS performs a server side TLS handshake and switches the connection to
// the secured transport.
func (c *Conn) StartTLS(ctx context.Context, cfg *tls.Config) error {
	return c.startTLS(ctx, func(conn net.Conn) *tls.Conn {
		return tls.Server(conn, cfg)
	})
}

// StartClientTLS performs a client side TLS handshake, used on outgoing
// server-to-server connections.
func (c *Conn) StartClientTLS(ctx context.Context, cfg *tls.Config) error {
	return c.startTLS(ctx, func(conn net.Conn) *tls.Conn {
		return tls.Client(conn, cfg)
	})
}

func (c *Conn) startTLS(ctx context.Context, wrap func(net.Conn) *tls.Conn) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.secure.Load() {
		return ErrAlreadySecure
	}
	tc := wrap(c.raw)
	if err := tc.HandshakeContext(ctx); err != nil {
		return fmt.Errorf("conn: TLS handshake failed: %w", err)
	}
	c.tlsConn.Store(tc)
	c.r = tc
	c.w = tc
	c.enc = element.NewEncoder(c.w, c.ns)
	c.secure.Store(true)
	return nil
}

// ConnectionState returns the TLS state of the connection if it has been
// secured.
func (c *Conn) ConnectionState() (tls.ConnectionState, bool) {
	tc := c.tlsConn.Load()
	if tc == nil {
		return tls.ConnectionState{}, false
	}
	return tc.ConnectionState(), true
}

// StartCompression wraps the transport with the given compression method.
func (c *Conn) StartCompression(m compress.Method) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.zipped.Load() {
		return ErrAlreadyCompress
	}
	rwc, err := m.Wrapper(struct {
		io.Reader
		io.Writer
	}{c.r, c.w})
	if err != nil {
		return err
	}
	c.compressed = rwc
	c.r = rwc
	c.w = rwc
	c.enc = element.NewEncoder(c.w, c.ns)
	c.zipped.Store(true)
	return nil
}

// IsSecure reports whether TLS has been negotiated.
func (c *Conn) IsSecure() bool {
	return c.secure.Load()
}

// IsCompressed reports whether stream compression is active.
func (c *Conn) IsCompressed() bool {
	return c.zipped.Load()
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.raw.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.raw.RemoteAddr()
}

// SetReadDeadline sets the deadline for future Read calls.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}
