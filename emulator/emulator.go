// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package emulator implements a fake device that speaks the control protocol,
// for testing clients without a real player.
//
// A Device answers content details requests from a catalog, and sends events
// on demand once the client has enabled them:
//
//	dev := emulator.New("000001", cat).Start(tr)
//	<-dev.Ready() // the client has enabled events
//	dev.Highlight("26-0.0-S_c446c2e0")
//
// Use Serve to run a device for each connection to a network listener.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"

	"github.com/creachadair/kscape"
	"github.com/creachadair/kscape/catalog"
	"github.com/creachadair/kscape/transport"
	"github.com/creachadair/taskgroup"
)

// Status codes sent by a device in status-only replies.
const (
	StatusUnknownCommand = "020"
)

// ErrEventsDisabled is reported when an event is sent before the client has
// enabled events.
var ErrEventsDisabled = errors.New("events are not enabled")

// A Handler processes a command from the client, and returns the lines to
// send in reply. If it reports an error, the device replies with a status
// line carrying the error's status code, if it has one.
type Handler func(context.Context, kscape.Command) ([]string, error)

// StatusError is an error that carries a status code for the reply.
type StatusError struct {
	Code    string // three decimal digits
	Message string
}

// Error satisfies the error interface.
func (s *StatusError) Error() string { return fmt.Sprintf("status %s: %s", s.Code, s.Message) }

// A Device emulates a single device. The zero value is not ready for use;
// construct a Device with New.
type Device struct {
	id    string
	cat   catalog.Catalog
	ready chan struct{}
	once  sync.Once

	out struct {
		// Must hold the lock to send to or set tr.
		sync.Mutex
		tr transport.Transport
	}

	μ     sync.Mutex
	tasks *taskgroup.Group
	err   error
	imux  map[string]Handler
	llog  kscape.LineLogger
}

// New constructs an unstarted device with the given id, that serves content
// details from cat.
func New(id string, cat catalog.Catalog) *Device {
	d := &Device{id: id, cat: cat, ready: make(chan struct{})}
	d.imux = map[string]Handler{
		kscape.CmdEnableEvents:      d.enableEvents,
		kscape.CmdGetContentDetails: d.contentDetails,
	}
	return d
}

// ID returns the device id of d.
func (d *Device) ID() string { return d.id }

// Handle registers a handler for the specified command name, replacing any
// existing handler. Passing a nil handler removes the handler for name.
// Handle returns d to permit chaining.
func (d *Device) Handle(name string, h Handler) *Device {
	d.μ.Lock()
	defer d.μ.Unlock()
	if h == nil {
		delete(d.imux, name)
	} else {
		d.imux[name] = h
	}
	return d
}

// LogLines registers a callback that will be invoked for each line exchanged
// with the client. Passing nil disables logging. LogLines returns d to permit
// chaining.
func (d *Device) LogLines(log kscape.LineLogger) *Device {
	d.μ.Lock()
	defer d.μ.Unlock()
	d.llog = log
	return d
}

// Ready returns a channel that is closed once the client has enabled events.
func (d *Device) Ready() <-chan struct{} { return d.ready }

// Start starts the device serving commands received on tr. The device runs
// until tr closes or Stop is called. Start does not block; call Wait to wait
// for the device to exit and report its status.
func (d *Device) Start(tr transport.Transport) *Device {
	d.μ.Lock()
	defer d.μ.Unlock()
	if d.tasks != nil {
		panic("device is already started")
	}
	d.out.Lock()
	d.out.tr = tr
	d.out.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	g := taskgroup.New(nil)
	d.tasks = g
	g.Go(func() error {
		defer cancel()
		for {
			line, err := tr.Recv()
			if err != nil {
				d.μ.Lock()
				d.err = err
				d.μ.Unlock()
				tr.Close()
				return nil
			}
			d.logLine(line, false)
			if err := d.dispatch(ctx, line); err != nil {
				d.μ.Lock()
				d.err = err
				d.μ.Unlock()
				tr.Close()
				return nil
			}
		}
	})
	return d
}

// Stop closes the transport and blocks until the device exits, returning its
// status as Wait does.
func (d *Device) Stop() error {
	d.out.Lock()
	if d.out.tr != nil {
		d.out.tr.Close()
	}
	d.out.Unlock()
	return d.Wait()
}

// Wait blocks until d exits, and reports the error that caused it to stop.
// If d is not running, or stopped because its transport closed, Wait returns
// nil.
func (d *Device) Wait() error {
	d.μ.Lock()
	g := d.tasks
	d.μ.Unlock()
	if g == nil {
		return nil
	}
	g.Wait()

	d.μ.Lock()
	defer d.μ.Unlock()
	if errors.Is(d.err, io.EOF) || errors.Is(d.err, net.ErrClosed) {
		return nil
	}
	return d.err
}

// Highlight sends a HIGHLIGHTED_SELECTION event for the given handle.
func (d *Device) Highlight(handle string) error {
	return d.sendEvent(kscape.EventHighlightedSelection, handle)
}

// SetUIState sends a UI_STATE event describing the given state.
func (d *Device) SetUIState(s kscape.UIStateChanged) error {
	return d.sendEvent(kscape.EventUIState, s.Screen, s.Popup, s.Dialog, s.Saver)
}

// SetMovieLocation sends a MOVIE_LOCATION event for the given location.
func (d *Device) SetMovieLocation(location string) error {
	return d.sendEvent(kscape.EventMovieLocation, location)
}

func (d *Device) sendEvent(name string, fields ...string) error {
	select {
	case <-d.ready:
	default:
		return ErrEventsDisabled
	}
	line, err := kscape.FormatEvent(d.id, name, fields...)
	if err != nil {
		return err
	}
	return d.send(line)
}

// dispatch handles a single line from the client. Lines that are not
// commands are ignored, as a real device ignores them. Any error it reports
// is fatal to the device.
func (d *Device) dispatch(ctx context.Context, line string) error {
	cmd, ok := kscape.ParseCommand(line)
	if !ok {
		return nil
	}
	d.μ.Lock()
	h, ok := d.imux[cmd.Name]
	d.μ.Unlock()
	if !ok {
		return d.sendStatus(cmd.Seq, StatusUnknownCommand)
	}

	rsp, err := func() (_ []string, err error) {
		defer func() {
			if x := recover(); x != nil && err == nil {
				err = fmt.Errorf("handler panicked (recovered): %v", x)
			}
		}()
		return h(ctx, cmd)
	}()
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return d.sendStatus(cmd.Seq, se.Code)
		}
		return err
	}
	for _, line := range rsp {
		if err := d.send(line); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) sendStatus(seq int, code string) error {
	line, err := kscape.FormatStatus(seq, code)
	if err != nil {
		return err
	}
	return d.send(line)
}

func (d *Device) send(line string) error {
	d.out.Lock()
	defer d.out.Unlock()
	if d.out.tr == nil {
		return transport.ErrNotConnected
	}
	d.logLine(line, true)
	return d.out.tr.Send(line)
}

func (d *Device) logLine(line string, sent bool) {
	d.μ.Lock()
	log := d.llog
	d.μ.Unlock()
	if log != nil {
		log(kscape.LineInfo{Line: line, Sent: sent})
	}
}

// enableEvents handles the ENABLE_EVENTS command. The argument must name
// this device.
func (d *Device) enableEvents(_ context.Context, cmd kscape.Command) ([]string, error) {
	if len(cmd.Args) != 1 || cmd.Args[0] != "#"+d.id {
		return nil, &StatusError{Code: kscape.StatusInvalidArgs, Message: "wrong device id"}
	}
	line, err := kscape.FormatStatus(cmd.Seq, kscape.StatusOK)
	if err != nil {
		return nil, err
	}
	d.once.Do(func() { close(d.ready) })
	return []string{line}, nil
}

// contentDetails handles the GET_CONTENT_DETAILS command. The reply is an
// overview line, followed by one line per attribute. Empty attributes are
// omitted, but the terminal field is always sent last.
func (d *Device) contentDetails(_ context.Context, cmd kscape.Command) ([]string, error) {
	if len(cmd.Args) == 0 {
		return nil, &StatusError{Code: kscape.StatusInvalidArgs, Message: "missing handle"}
	}
	item, ok := d.cat.Lookup(cmd.Args[0])
	if !ok {
		return nil, &StatusError{Code: kscape.StatusInvalidArgs, Message: "unknown handle"}
	}

	var fields [][2]string
	for name, value := range item.All() {
		if name != kscape.TerminalField && value != "" {
			fields = append(fields, [2]string{name, value})
		}
	}
	fields = append(fields, [2]string{kscape.TerminalField, item.DiscLocation})

	ov, err := kscape.FormatResponse(cmd.Seq, kscape.MsgContentDetailsOverview,
		strconv.Itoa(len(fields)), item.Handle, item.Title)
	if err != nil {
		return nil, err
	}
	out := []string{ov}
	for i, f := range fields {
		line, err := kscape.FormatResponse(cmd.Seq, kscape.MsgContentDetails, strconv.Itoa(i+1), f[0], f[1])
		if err != nil {
			return nil, err
		}
		out = append(out, line)
	}
	return out, nil
}

// Serve accepts connections from lst and runs a device from newDevice for
// each one, until lst closes or ctx ends.
//
// When ctx ends, lst is closed and all running devices are stopped. Serve
// waits for running devices to exit before returning.
func Serve(ctx context.Context, lst net.Listener, newDevice func() *Device) error {
	// A net.Listener does not obey a context, so simulate it by closing the
	// listener if ctx ends.
	ok := make(chan struct{})
	defer close(ok)
	taskgroup.Go(func() error {
		select {
		case <-ctx.Done():
			lst.Close()
		case <-ok:
		}
		return nil
	})

	g := taskgroup.New(nil)
	for {
		conn, err := lst.Accept()
		if err != nil {
			g.Wait()
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		g.Go(func() error {
			sctx, cancel := context.WithCancel(ctx)
			defer cancel()

			dev := newDevice().Start(transport.IO(conn, conn))
			go func() { <-sctx.Done(); dev.Stop() }()
			return dev.Wait()
		})
	}
}
