// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"
)

// DefaultTerminator is the line terminator written by a Stream unless its
// Terminator field is set. The device accepts a bare carriage return.
const DefaultTerminator = "\r"

// MaxLineLength is the longest line a Stream will receive, in bytes.
const MaxLineLength = 64 << 10

// IO constructs a transport that receives lines from r and sends lines to wc.
// Incoming lines may be terminated by CR, LF, or CRLF; empty lines are
// skipped.
func IO(r io.Reader, wc io.WriteCloser) *Stream {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxLineLength)
	sc.Split(scanLines)
	return &Stream{sc: sc, w: bufio.NewWriter(wc), c: wc}
}

// A Stream sends and receives lines on a reader and a writer.
type Stream struct {
	// Terminator is appended to each line sent. If empty, DefaultTerminator
	// is used. It must not be modified once the stream is in use.
	Terminator string

	sc *bufio.Scanner

	wμ sync.Mutex
	w  *bufio.Writer
	c  io.Closer
}

// Connect implements a method of the [Transport] interface. The stream is
// already connected, so Connect only runs the validate hook.
func (s *Stream) Connect(ctx context.Context, validate func(LineWriter) error) error {
	if validate == nil {
		return nil
	}
	return validate(s)
}

// WriteLine implements the [LineWriter] interface. It is a synonym for Send.
func (s *Stream) WriteLine(line string) error { return s.Send(line) }

// Send implements a method of the [Transport] interface.
func (s *Stream) Send(line string) error {
	s.wμ.Lock()
	defer s.wμ.Unlock()
	term := s.Terminator
	if term == "" {
		term = DefaultTerminator
	}
	if _, err := s.w.WriteString(line); err != nil {
		return err
	}
	if _, err := s.w.WriteString(term); err != nil {
		return err
	}
	return s.w.Flush()
}

// Recv implements a method of the [Transport] interface. At the end of input
// Recv reports io.EOF.
func (s *Stream) Recv() (string, error) {
	for s.sc.Scan() {
		if line := s.sc.Text(); line != "" {
			return line, nil
		}
	}
	if err := s.sc.Err(); err != nil {
		return "", err
	}
	return "", io.EOF
}

// Close implements a method of the [Transport] interface.
func (s *Stream) Close() error { return s.c.Close() }

// scanLines is a bufio.SplitFunc that splits at CR, LF, or CRLF.  A CRLF pair
// split across reads yields an extra empty token, which Recv discards.
func scanLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		if data[i] == '\r' && i+1 < len(data) && data[i+1] == '\n' {
			return i + 2, data[:i], nil
		}
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil // request more data
}
