// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package kscape

import (
	"context"
	"errors"
	"expvar"
	"fmt"
	"io"
	"net"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/creachadair/kscape/transport"
	"github.com/creachadair/mds/value"
	"github.com/creachadair/taskgroup"
)

// A Transport carries lines between a client and the device.
// See the transport package for implementations.
type Transport = transport.Transport

// numSeq is the size of the sequence id space. Sequence ids are a single
// decimal digit on the wire.
const numSeq = 10

// A LineLogger logs a line exchanged with the device.
type LineLogger func(LineInfo)

// A LineInfo combines a line and a flag indicating whether the line was sent
// or received.
type LineInfo struct {
	Line string // the line being logged, without its terminator
	Sent bool   // whether the line was sent (true) or received (false)
}

func (l LineInfo) String() string {
	return value.Cond(l.Sent, "send ", "recv ") + l.Line
}

// A Client communicates with a single device over a Transport.
//
// Call Connect to establish the connection and start the service routine for
// the client. Once connected, a client runs until Close is called, the
// transport fails, or the device closes the connection. Use Wait to wait for
// the client to exit and report its status.
//
// Use GetContentDetails to query the device, and Subscribe or SubscribeAll to
// receive unsolicited events. These methods are safe for concurrent use by
// multiple goroutines.
//
// Requests are correlated with responses by a single-digit sequence id, so at
// most 10 requests can be outstanding at once. With more than that, a later
// request may receive lines meant for an earlier one that shares its id.
type Client struct {
	tr       Transport
	deviceID string
	parser   *lineParser
	cache    *Cache
	metrics  *clientMetrics
	seq      atomic.Uint32
	events   eventHub

	out sync.Mutex // held while sending, to keep logs in wire order

	μ          sync.Mutex
	tasks      *taskgroup.Group
	connecting bool
	closed     bool
	err        error           // the error that stopped the reader
	ocall      map[int][]*call // sequence id → requests awaiting a response
	llog       LineLogger
	onExit     func(error)
}

// NewClient constructs a new unconnected client that communicates with the
// device identified by deviceID over tr. The client takes ownership of tr,
// and closes it when the client is closed.
func NewClient(tr Transport, deviceID string) *Client {
	return &Client{
		tr:       tr,
		deviceID: deviceID,
		parser:   newLineParser(),
		cache:    new(Cache),
		metrics:  rootMetrics,
	}
}

// WithCache sets the cache used by c to record completed results, and
// returns c to permit chaining. Clients sharing a cache share results.
// It must be called before c is connected.
func (c *Client) WithCache(cache *Cache) *Client { c.cache = cache; return c }

// Cache returns the result cache used by c.
func (c *Client) Cache() *Cache { return c.cache }

// Metrics returns a metrics map for the client. By default, metrics are
// shared globally among all clients; use Detach to give c its own. It is safe
// for the caller to add additional metrics to the map while the client is
// active.
func (c *Client) Metrics() *expvar.Map { return c.metrics.emap }

// Detach gives c a separate set of metrics from other clients, and returns c
// to permit chaining. It must be called before c is connected.
func (c *Client) Detach() *Client { c.metrics = newClientMetrics(); return c }

// LogLines registers a callback that will be invoked for each line exchanged
// with the device, including lines that are discarded. Passing a nil callback
// disables line logging. The logger is invoked synchronously, prior to
// sending or dispatching a line. LogLines returns c to permit chaining.
func (c *Client) LogLines(log LineLogger) *Client {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.llog = log
	return c
}

// OnExit registers a callback to be invoked when the client stops. The
// callback is executed synchronously during shutdown, with the same error
// value that would be reported by the Wait method. Passing nil removes the
// callback. OnExit returns c to permit chaining.
func (c *Client) OnExit(f func(error)) *Client {
	c.μ.Lock()
	defer c.μ.Unlock()
	c.onExit = f
	return c
}

// Connect connects the transport and starts the service routine for c.
// Once the transport is connected, and before any other traffic, the client
// sends a handshake enabling events for its device.
//
// Connect reports ErrAlreadyConnected if c is connected (or connecting), and
// ErrClosed if c has been closed. Errors from the transport are returned
// without retry.
func (c *Client) Connect(ctx context.Context) error {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return ErrClosed
	} else if c.connecting || c.tasks != nil {
		c.μ.Unlock()
		return ErrAlreadyConnected
	}
	c.connecting = true
	c.μ.Unlock()

	err := c.tr.Connect(ctx, c.handshake)

	c.μ.Lock()
	defer c.μ.Unlock()
	c.connecting = false
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	} else if c.closed {
		return ErrClosed // closed while connecting
	}

	g := taskgroup.New(nil)
	c.tasks = g
	c.ocall = make(map[int][]*call)
	g.Go(func() error {
		for {
			line, err := c.tr.Recv()
			if err != nil {
				c.fail(err)
				return nil
			}
			c.metrics.lineRecv.Add(1)
			c.dispatchLine(line)
		}
	})
	return nil
}

// handshake sends the line that enables unsolicited events for the device.
func (c *Client) handshake(w transport.LineWriter) error {
	line, err := FormatCommand(1, CmdEnableEvents, "#"+c.deviceID)
	if err != nil {
		return err
	}
	c.out.Lock()
	defer c.out.Unlock()
	c.logLine(line, true)
	c.metrics.lineSent.Add(1)
	return w.WriteLine(line)
}

// Close closes the transport and stops c. Any requests still pending resolve
// with ErrClosed, and all subscriptions are closed. Close blocks until the
// service routine has exited and returns its status, as Wait does. Further
// operations on c report ErrClosed. It is safe to call Close more than once.
func (c *Client) Close() error {
	c.μ.Lock()
	if c.closed {
		c.μ.Unlock()
		return c.Wait()
	}
	c.closed = true
	running := c.tasks != nil
	c.μ.Unlock()

	cerr := c.tr.Close()
	if !running {
		c.events.close()
		return cerr
	}
	return c.Wait()
}

func treatErrorAsSuccess(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}

// Wait blocks until c stops and reports the error that caused it to stop.
//
// If c is not running, or stopped because the transport was closed, Wait
// returns nil; otherwise it returns the error reported by the transport.
func (c *Client) Wait() error {
	c.μ.Lock()
	t := c.tasks
	c.μ.Unlock()
	if t == nil {
		return nil // the client is not running
	}
	t.Wait()

	c.μ.Lock()
	defer c.μ.Unlock()
	if treatErrorAsSuccess(c.err) {
		return nil
	}
	return c.err
}

// GetContentDetails returns the details of the content item with the given
// handle. If the details are cached, they are returned without contacting
// the device. Otherwise, GetContentDetails sends a request and blocks until
// the device completes its response, the request fails, or ctx ends.
//
// If ctx ends first, the request is abandoned and the error reported matches
// both ErrCanceled and the error from ctx. A response the device could not
// have meant for this request reports an error of concrete type
// *ResponseError.
func (c *Client) GetContentDetails(ctx context.Context, handle string) (_ *ContentDetails, err error) {
	c.μ.Lock()
	cerr := c.checkLocked()
	c.μ.Unlock()
	if errors.Is(cerr, ErrClosed) {
		return nil, cerr
	}

	if d, ok := c.cache.Get(handle); ok {
		c.metrics.cacheHit.Add(1)
		return &d, nil
	}
	c.metrics.cacheMiss.Add(1)

	c.metrics.reqOut.Add(1)
	defer func() {
		if err != nil {
			c.metrics.reqOutErr.Add(1)
		}
	}()

	pc, err := c.sendReq(handle)
	if err != nil {
		return nil, err
	}
	c.metrics.reqPending.Add(1)
	defer c.metrics.reqPending.Add(-1)

	select {
	case r := <-pc.done:
		return r.get()

	case <-ctx.Done():
		c.μ.Lock()
		released := c.releaseLocked(pc)
		c.μ.Unlock()
		if !released {
			// The request was resolved while we were cancelling it.
			return (<-pc.done).get()
		}
		return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	}
}

// checkLocked reports an error if c cannot send requests.
func (c *Client) checkLocked() error {
	if c.closed {
		return closedError(c.err)
	} else if c.tasks == nil {
		return ErrNotConnected
	}
	return nil
}

// sendReq registers a pending request for handle and sends it to the device.
// It does not wait for the response.
func (c *Client) sendReq(handle string) (*call, error) {
	seq := int(c.seq.Add(1) % numSeq)
	line, err := FormatCommand(seq, CmdGetContentDetails, handle, "")
	if err != nil {
		return nil, err
	}
	pc := &call{handle: handle, seq: seq, done: make(chan result, 1)}

	c.μ.Lock()
	if err := c.checkLocked(); err != nil {
		c.μ.Unlock()
		return nil, err
	}
	c.ocall[seq] = append(c.ocall[seq], pc)
	c.μ.Unlock()

	// Note we must not hold the state lock while sending, as that would block
	// the reader from dispatching lines.
	if err := c.sendLine(line); err != nil {
		c.μ.Lock()
		defer c.μ.Unlock()
		c.releaseLocked(pc)
		return nil, fmt.Errorf("send request: %w", err)
	}
	return pc, nil
}

func (c *Client) sendLine(line string) error {
	c.out.Lock()
	defer c.out.Unlock()
	c.logLine(line, true)
	c.metrics.lineSent.Add(1)
	return c.tr.Send(line)
}

func (c *Client) logLine(line string, sent bool) {
	c.μ.Lock()
	log := c.llog
	c.μ.Unlock()
	if log != nil {
		log(LineInfo{Line: line, Sent: sent})
	}
}

// dispatchLine routes a line received from the device.
func (c *Client) dispatchLine(line string) {
	c.logLine(line, false)
	p := c.parser.parse(line)
	switch p.Kind {
	case LineResponse:
		c.dispatchResponse(p.Message)

	case LineStatus:
		if !p.Status.OK() {
			c.failSeq(p.Status.Seq, func(pc *call) error {
				return &ResponseError{Kind: DeviceStatus, Handle: pc.handle, Detail: p.Status.Code}
			})
		}

	case LineEvent:
		evt, ok := ClassifyEvent(p.Event)
		if !ok {
			c.metrics.lineDropped.Add(1)
			return
		}
		c.metrics.eventPub.Add(1)
		if n := c.events.publish(evt); n > 0 {
			c.metrics.eventDrop.Add(int64(n))
		}

	default:
		c.metrics.lineDropped.Add(1)
	}
}

// dispatchResponse applies msg to each request waiting on its sequence id.
// Responses for sequence ids with no pending request are discarded.
func (c *Client) dispatchResponse(msg Message) {
	c.μ.Lock()
	pcs := slices.Clone(c.ocall[msg.Seq])
	c.μ.Unlock()
	if len(pcs) == 0 {
		c.metrics.lineDropped.Add(1)
		return
	}

	for _, pc := range pcs {
		done, err := pc.update(msg)
		if err != nil {
			c.resolve(pc, result{err: err})
		} else if done {
			// Record the result before the caller can observe it, so that a
			// subsequent request for the same handle is a cache hit.
			c.cache.Put(pc.handle, pc.partial)
			c.resolve(pc, result{details: pc.partial})
		}
	}
}

// failSeq resolves each request waiting on seq with the error returned by
// errf for that request.
func (c *Client) failSeq(seq int, errf func(*call) error) {
	c.μ.Lock()
	defer c.μ.Unlock()
	for _, pc := range slices.Clone(c.ocall[seq]) {
		c.releaseLocked(pc)
		pc.done <- result{err: errf(pc)}
	}
}

// resolve delivers r to pc, if pc is still pending.
func (c *Client) resolve(pc *call, r result) {
	c.μ.Lock()
	defer c.μ.Unlock()
	if c.releaseLocked(pc) {
		pc.done <- r // does not block
	}
}

// releaseLocked removes pc from the pending requests, and reports whether it
// was present. Each pending request is released exactly once, by whichever
// of completion, failure, or cancellation happens first.
func (c *Client) releaseLocked(pc *call) bool {
	pcs := c.ocall[pc.seq]
	i := slices.Index(pcs, pc)
	if i < 0 {
		return false
	}
	pcs = slices.Delete(pcs, i, i+1)
	if len(pcs) == 0 {
		delete(c.ocall, pc.seq)
	} else {
		c.ocall[pc.seq] = pcs
	}
	return true
}

// fail terminates all pending requests and records the error that stopped
// the reader.
func (c *Client) fail(err error) {
	c.tr.Close()

	c.μ.Lock()
	defer c.μ.Unlock()
	c.closed = true
	c.err = err

	cerr := closedError(err)
	for _, pcs := range c.ocall {
		for _, pc := range pcs {
			pc.done <- result{err: cerr}
		}
	}
	c.ocall = nil
	c.events.close()

	if c.onExit != nil {
		if treatErrorAsSuccess(err) {
			err = nil
		}
		c.onExit(err)
	}
}

// closedError returns an error matching ErrClosed that wraps cause, unless
// cause is an orderly shutdown.
func closedError(cause error) error {
	if cause == nil || treatErrorAsSuccess(cause) {
		return ErrClosed
	}
	return fmt.Errorf("%w: %w", ErrClosed, cause)
}

// A call is a content details request awaiting its response.
// Its partial result is only accessed by the reader.
type call struct {
	handle  string
	seq     int
	partial ContentDetails
	done    chan result // buffered; receives exactly one result
}

type result struct {
	details ContentDetails
	err     error
}

func (r result) get() (*ContentDetails, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &r.details, nil
}

// update applies msg to the partial result of pc. It reports done == true
// when the terminal field has been applied, or an error if msg cannot be
// applied to this request.
func (pc *call) update(msg Message) (done bool, _ error) {
	switch msg.Type {
	case MsgContentDetailsOverview:
		// The overview carries nothing we record, but it must be well-formed.
		if _, err := msg.Fields(); err != nil {
			return false, pc.errorf(MalformedData, msg, "", err)
		}
		return false, nil

	case MsgContentDetails:
		fields, err := msg.Fields()
		if err != nil {
			return false, pc.errorf(MalformedData, msg, "", err)
		} else if len(fields) != 3 {
			return false, pc.errorf(UnexpectedFieldCount, msg, strconv.Itoa(len(fields)), nil)
		}

		// Fields are index, name, value. The index is not needed.
		name, value := fields[1], fields[2]
		if !pc.partial.Set(name, value) {
			return false, pc.errorf(UnrecognizedField, msg, name, nil)
		}
		return name == TerminalField, nil

	default:
		return false, pc.errorf(UnrecognizedMessage, msg, "", nil)
	}
}

func (pc *call) errorf(kind ErrorKind, msg Message, detail string, err error) *ResponseError {
	return &ResponseError{Kind: kind, Handle: pc.handle, Type: msg.Type, Detail: detail, Err: err}
}
