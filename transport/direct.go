// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"net"
	"sync"
)

// directBuffer is the number of lines each direction of a Direct pair holds
// before Send blocks.
const directBuffer = 64

// Direct constructs a connected pair of in-memory transports that pass lines
// without encoding. Lines sent to A are received by B and vice versa.
// Closing either end closes both.
//
// Connect on a direct transport does not block; it only runs the validate
// hook, if one is given.
func Direct() (A, B Transport) {
	a2b := make(chan string, directBuffer)
	b2a := make(chan string, directBuffer)
	done := &closer{ch: make(chan struct{})}
	A = direct{out: a2b, in: b2a, done: done}
	B = direct{out: b2a, in: a2b, done: done}
	return
}

type closer struct {
	once sync.Once
	ch   chan struct{}
}

func (c *closer) close() { c.once.Do(func() { close(c.ch) }) }

type direct struct {
	out  chan<- string
	in   <-chan string
	done *closer
}

// Connect implements a method of the [Transport] interface.
func (d direct) Connect(ctx context.Context, validate func(LineWriter) error) error {
	select {
	case <-d.done.ch:
		return net.ErrClosed
	default:
	}
	if validate == nil {
		return nil
	}
	return validate(WriterFunc(d.Send))
}

// Send implements a method of the [Transport] interface.
func (d direct) Send(line string) error {
	// Check closure first, so a send after close fails even if there is room
	// in the buffer.
	select {
	case <-d.done.ch:
		return net.ErrClosed
	default:
	}
	select {
	case d.out <- line:
		return nil
	case <-d.done.ch:
		return net.ErrClosed
	}
}

// Recv implements a method of the [Transport] interface.
func (d direct) Recv() (string, error) {
	select {
	case <-d.done.ch:
		return "", net.ErrClosed
	default:
	}
	select {
	case line := <-d.in:
		return line, nil
	case <-d.done.ch:
		return "", net.ErrClosed
	}
}

// Close implements a method of the [Transport] interface.
func (d direct) Close() error { d.done.close(); return nil }
