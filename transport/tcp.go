// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// DefaultDialTimeout is the connection timeout used by a TCP transport whose
// DialTimeout is zero.
const DefaultDialTimeout = 5 * time.Second

// TCP is a transport that dials a device at a network address.  The zero
// value is not usable; Addr must be set before calling Connect.
type TCP struct {
	Addr        string        // host:port of the device
	DialTimeout time.Duration // if zero, use DefaultDialTimeout

	μ      sync.Mutex
	s      *Stream
	closed bool
}

// Connect implements a method of the [Transport] interface. It dials the
// device and, once the connection is established, runs validate on it.
func (t *TCP) Connect(ctx context.Context, validate func(LineWriter) error) error {
	t.μ.Lock()
	if t.closed {
		t.μ.Unlock()
		return net.ErrClosed
	} else if t.s != nil {
		t.μ.Unlock()
		return fmt.Errorf("already connected to %s", t.Addr)
	}
	t.μ.Unlock()

	timeout := t.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", t.Addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.Addr, err)
	}
	s := IO(conn, conn)
	if err := s.Connect(ctx, validate); err != nil {
		conn.Close()
		return fmt.Errorf("validate connection: %w", err)
	}

	t.μ.Lock()
	defer t.μ.Unlock()
	if t.closed {
		conn.Close()
		return net.ErrClosed
	}
	t.s = s
	return nil
}

func (t *TCP) stream() (*Stream, error) {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.closed {
		return nil, net.ErrClosed
	} else if t.s == nil {
		return nil, ErrNotConnected
	}
	return t.s, nil
}

// Send implements a method of the [Transport] interface.
func (t *TCP) Send(line string) error {
	s, err := t.stream()
	if err != nil {
		return err
	}
	return s.Send(line)
}

// Recv implements a method of the [Transport] interface.
func (t *TCP) Recv() (string, error) {
	s, err := t.stream()
	if err != nil {
		return "", err
	}
	return s.Recv()
}

// Close implements a method of the [Transport] interface.
func (t *TCP) Close() error {
	t.μ.Lock()
	defer t.μ.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if t.s != nil {
		return t.s.Close()
	}
	return nil
}
