// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package transport defines the line-oriented connection used by a client to
// talk to a device, and provides implementations of it.
//
// A [Transport] carries whole protocol lines. Implementations add and strip
// line terminators, so lines passed to Send and returned by Recv never include
// them.
package transport

import (
	"context"
	"errors"
)

// ErrNotConnected is reported by operations on a transport that requires a
// connection when it does not have one.
var ErrNotConnected = errors.New("transport is not connected")

// A LineWriter writes a single line to a connection.
type LineWriter interface {
	WriteLine(line string) error
}

// A Transport is a reliable ordered stream of text lines shared by a client
// and a device.
//
// The Send and Recv methods of an implementation must be safe for concurrent
// use by one sender and one receiver.
type Transport interface {
	// Connect establishes the connection. If validate != nil, Connect calls it
	// once the connection is established and before any line is received, so
	// that the caller may write handshake lines. An error from validate aborts
	// the connection and is reported by Connect.
	Connect(ctx context.Context, validate func(LineWriter) error) error

	// Send the line to the remote end.
	Send(line string) error

	// Receive the next available line from the remote end.
	Recv() (string, error)

	// Close the transport, causing any pending Send or Recv to terminate and
	// report an error. After a transport is closed, all further operations on
	// it must report an error.
	Close() error
}

// WriterFunc adapts a function to the LineWriter interface.
type WriterFunc func(string) error

// WriteLine implements the [LineWriter] interface.
func (w WriterFunc) WriteLine(line string) error { return w(line) }
