// Copyright 2016 The Mellium Contributors.
// Use of this source code is governed by the BSD 2-clause
// license that can be found in the LICENSE file.

package compress

import (
	"bufio"
	"compress/lzw"
	"errors"
	"io"
	"sync"

	"github.com/klauspost/compress/zlib"
)

// Zlib implements stream compression using the ZLIB compressed data format.
// It is the only method that XEP-0138 requires.
var Zlib = Method{
	Name: "zlib",
	Wrapper: func(rw io.ReadWriter) (io.ReadWriteCloser, error) {
		w, err := zlib.NewWriterLevel(rw, zlib.DefaultCompression)
		if err != nil {
			return nil, err
		}
		return &zlibDelayedSetup{raw: rw, zlibWriter: w}, nil
	},
}

// LZW implements stream compression using the Lempel-Ziv-Welch (DCLZ)
// compressed data format.
// The LZW writer cannot flush a partial code, so each Write is sent as a
// complete LZW stream ending in the end code and the reader starts a new
// decoder after every end code.
var LZW = Method{
	Name: "lzw",
	Wrapper: func(rw io.ReadWriter) (io.ReadWriteCloser, error) {
		return &lzwSegments{raw: rw, in: bufio.NewReader(rw)}, nil
	},
}

type lzwSegments struct {
	wm, rm sync.Mutex

	raw io.ReadWriter
	// in must be shared by every decoder so that none of them reads past its
	// own end code.
	in  *bufio.Reader
	dec io.ReadCloser
}

func (l *lzwSegments) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	l.wm.Lock()
	defer l.wm.Unlock()
	w := lzw.NewWriter(l.raw, lzw.LSB, 8)
	n, err := w.Write(p)
	if err != nil {
		return n, err
	}
	return n, w.Close()
}

func (l *lzwSegments) Read(p []byte) (int, error) {
	l.rm.Lock()
	defer l.rm.Unlock()
	for {
		if l.dec == nil {
			// Wait for the next segment so that the end of the connection is
			// reported as io.EOF and not as a truncated segment.
			if _, err := l.in.Peek(1); err != nil {
				return 0, err
			}
			l.dec = lzw.NewReader(l.in, lzw.LSB, 8)
		}
		n, err := l.dec.Read(p)
		if errors.Is(err, io.EOF) {
			/* #nosec */
			_ = l.dec.Close()
			l.dec = nil
			if n == 0 {
				continue
			}
			return n, nil
		}
		return n, err
	}
}

func (l *lzwSegments) Close() error {
	l.rm.Lock()
	defer l.rm.Unlock()
	if l.dec == nil {
		return nil
	}
	err := l.dec.Close()
	l.dec = nil
	return err
}

type multiCloser []io.Closer

// Close calls every close method in the multiCloser and returns the last error
// if any of them fail.
func (mc multiCloser) Close() (err error) {
	for _, c := range mc {
		if e := c.Close(); e != nil {
			err = e
		}
	}
	return err
}

// zlibDelayedSetup uses an underlying zlib reader and writer, but defers
// creation of the reader until the first read.
// The zlib reader reads the header from the connection as soon as it is
// created, and the peer does not send one until it has received our
// <compressed/> and restarted the stream.
type zlibDelayedSetup struct {
	wm, rm sync.Mutex

	raw        io.ReadWriter
	zlibWriter *zlib.Writer
	zlibReader io.ReadCloser
}

func (r *zlibDelayedSetup) readSetup() (err error) {
	if r.zlibReader == nil {
		r.zlibReader, err = zlib.NewReader(r.raw)
	}
	return err
}

func (r *zlibDelayedSetup) Write(p []byte) (n int, err error) {
	r.wm.Lock()
	defer r.wm.Unlock()
	if n, err = r.zlibWriter.Write(p); err != nil {
		return n, err
	}
	return n, r.zlibWriter.Flush()
}

func (r *zlibDelayedSetup) Read(p []byte) (n int, err error) {
	r.rm.Lock()
	defer r.rm.Unlock()
	if err = r.readSetup(); err != nil {
		return 0, err
	}
	return r.zlibReader.Read(p)
}

func (r *zlibDelayedSetup) Close() error {
	mc := multiCloser{}

	r.rm.Lock()
	defer r.rm.Unlock()
	if r.zlibReader != nil {
		mc = append(mc, r.zlibReader)
	}

	r.wm.Lock()
	defer r.wm.Unlock()
	mc = append(mc, r.zlibWriter)

	return mc.Close()
}
