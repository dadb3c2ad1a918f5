// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package kscape

import (
	"errors"
	"fmt"

	"github.com/creachadair/kscape/transport"
)

var (
	// ErrClosed is reported by operations on a client that has been closed,
	// and by requests still pending when the client stops.
	ErrClosed = errors.New("client is closed")

	// ErrCanceled is reported by a request whose context ended before the
	// device completed its response.
	ErrCanceled = errors.New("request canceled")

	// ErrNotConnected is reported by a request on a client that has not been
	// connected.
	ErrNotConnected = transport.ErrNotConnected

	// ErrAlreadyConnected is reported by Connect on a client that is already
	// connected.
	ErrAlreadyConnected = errors.New("client is already connected")
)

// ErrorKind classifies a ResponseError.
type ErrorKind int

const (
	UnexpectedFieldCount ErrorKind = iota + 1 // CONTENT_DETAILS without exactly 3 fields
	UnrecognizedField                         // unknown content detail field name
	UnrecognizedMessage                       // unknown response message type
	MalformedData                             // response payload could not be decoded
	DeviceStatus                              // device reported a non-zero status
)

var kindText = [...]string{
	UnexpectedFieldCount: "unexpected field count",
	UnrecognizedField:    "unrecognized field",
	UnrecognizedMessage:  "unrecognized message type",
	MalformedData:        "malformed data",
	DeviceStatus:         "device error status",
}

func (k ErrorKind) String() string {
	if k > 0 && int(k) < len(kindText) {
		return kindText[k]
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// ResponseError is the concrete type of errors reported when a response from
// the device cannot be applied to the request it belongs to.
type ResponseError struct {
	Kind   ErrorKind
	Handle string // the handle of the failed request
	Type   string // the message type of the offending response, if known
	Detail string // the offending field name or status code, if any
	Err    error  // the underlying decoding error, if any
}

// Error satisfies the error interface.
func (e *ResponseError) Error() string {
	msg := fmt.Sprintf("request %q: %v", e.Handle, e.Kind)
	if e.Type != "" {
		msg += " in " + e.Type
	}
	if e.Detail != "" {
		msg += fmt.Sprintf(" (%s)", e.Detail)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap reports the underlying error of e. If e.Err == nil, this is nil.
func (e *ResponseError) Unwrap() error { return e.Err }

// ConfigError is reported when a client configuration is missing a required
// parameter or has an invalid value.
type ConfigError struct {
	Field   string // the name of the offending setting
	Problem string // what is wrong with it
}

// Error satisfies the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid config: %s: %s", e.Field, e.Problem)
}
