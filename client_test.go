// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package kscape_test

import (
	"context"
	"errors"
	"expvar"
	"io"
	"slices"
	"strconv"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/creachadair/kscape"
	"github.com/creachadair/kscape/transport"
	"github.com/creachadair/taskgroup"
	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
)

const testDevice = "000001"

var testDetails = kscape.ContentDetails{
	Handle:       "26-0.0-S_c446c2e0",
	Title:        "The Searchers: Director's Cut",
	Year:         "1956",
	RunningTime:  "119",
	Rating:       "NR",
	Director:     "John Ford",
	Genres:       "Western\\Drama",
	Synopsis:     "A Civil War veteran spends years looking for his niece.",
	Country:      "USA",
	AspectRatio:  "1.78",
	DiscLocation: "Vault 1 / Slot 12",
}

// testClient returns a connected client and the device end of its transport.
// The handshake has already been consumed from the device end. The caller
// must call closeClient when done.
func testClient(t *testing.T) (*kscape.Client, transport.Transport) {
	t.Helper()
	ctr, dtr := transport.Direct()
	c := kscape.NewClient(ctr, testDevice).Detach()
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: unexpected error: %v", err)
	}

	hs, err := dtr.Recv()
	if err != nil {
		t.Fatalf("Receive handshake: %v", err)
	}
	if want := "01/1/ENABLE_EVENTS:#" + testDevice + ":"; hs != want {
		t.Errorf("Handshake: got %q, want %q", hs, want)
	}
	return c, dtr
}

func closeClient(t *testing.T, c *kscape.Client) {
	t.Helper()
	if err := c.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	m := c.Metrics()
	t.Logf("Metrics at exit: %v", m)
	checkZero(t, m, "requests_pending")
}

func checkZero(t *testing.T, m *expvar.Map, name string) {
	t.Helper()
	if v := m.Get(name).(*expvar.Int).Value(); v != 0 {
		t.Errorf("Metric %q = %d, want 0", name, v)
	}
}

func metric(m *expvar.Map, name string) int64 { return m.Get(name).(*expvar.Int).Value() }

// recvCommand receives and parses a command line at the device end.
func recvCommand(t *testing.T, dev transport.Transport) kscape.Command {
	t.Helper()
	line, err := dev.Recv()
	if err != nil {
		t.Fatalf("Device Recv: %v", err)
	}
	cmd, ok := kscape.ParseCommand(line)
	if !ok {
		t.Fatalf("Device received invalid command %q", line)
	}
	return cmd
}

// send sends the specified lines from the device end.
func send(t *testing.T, dev transport.Transport, lines ...string) {
	t.Helper()
	for _, line := range lines {
		if err := dev.Send(line); err != nil {
			t.Fatalf("Device Send %q: %v", line, err)
		}
	}
}

// mustLine returns a function that unpacks the result of formatting a line,
// failing t if formatting reported an error.
func mustLine(t *testing.T) func(string, error) string {
	return func(line string, err error) string {
		t.Helper()
		if err != nil {
			t.Fatalf("Format line: %v", err)
		}
		return line
	}
}

// detailLines returns the response lines the device sends for d.
func detailLines(t *testing.T, seq int, d kscape.ContentDetails) []string {
	t.Helper()
	lines := []string{mustLine(t)(kscape.FormatResponse(seq, kscape.MsgContentDetailsOverview, "18", d.Handle, d.Title))}
	i := 1
	for name, value := range d.All() {
		if value == "" && name != kscape.TerminalField {
			continue
		}
		lines = append(lines, mustLine(t)(kscape.FormatResponse(seq, kscape.MsgContentDetails, strconv.Itoa(i), name, value)))
		i++
	}
	return lines
}

func TestGetContentDetails(t *testing.T) {
	defer leaktest.Check(t)()

	var μ sync.Mutex
	var sent []string
	ctr, dtr := transport.Direct()
	c := kscape.NewClient(ctr, testDevice).Detach().LogLines(func(li kscape.LineInfo) {
		t.Logf("Line: %v", li)
		if li.Sent {
			μ.Lock()
			defer μ.Unlock()
			sent = append(sent, li.Line)
		}
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	g := taskgroup.New(nil)
	g.Go(func() error {
		if line, err := dtr.Recv(); err != nil {
			t.Errorf("Receive handshake: %v", err)
		} else {
			t.Logf("Handshake: %q", line)
		}
		line, err := dtr.Recv()
		if err != nil {
			t.Errorf("Device Recv: %v", err)
			return nil
		}
		if want := "01/1/GET_CONTENT_DETAILS:" + testDetails.Handle + "::"; line != want {
			t.Errorf("Command: got %q, want %q", line, want)
		}
		for _, rsp := range append([]string{"Kaleidescape> prompt noise"}, detailLines(t, 1, testDetails)...) {
			dtr.Send(rsp)
		}
		return nil
	})

	ctx := context.Background()
	got, err := c.GetContentDetails(ctx, testDetails.Handle)
	if err != nil {
		t.Fatalf("GetContentDetails: unexpected error: %v", err)
	}
	g.Wait()
	if diff := cmp.Diff(testDetails, *got); diff != "" {
		t.Errorf("Details (-want, +got):\n%s", diff)
	}

	// A second lookup is served from the cache, without sending anything.
	μ.Lock()
	nsent := len(sent)
	μ.Unlock()

	again, err := c.GetContentDetails(ctx, testDetails.Handle)
	if err != nil {
		t.Fatalf("GetContentDetails (cached): unexpected error: %v", err)
	}
	if diff := cmp.Diff(testDetails, *again); diff != "" {
		t.Errorf("Cached details (-want, +got):\n%s", diff)
	}
	μ.Lock()
	if len(sent) != nsent {
		t.Errorf("Cache hit sent lines: %q", sent[nsent:])
	}
	μ.Unlock()

	// Modifying a returned value does not affect the cache.
	again.Title = "changed"
	if d, _ := c.Cache().Get(testDetails.Handle); d.Title != testDetails.Title {
		t.Errorf("Cached title: got %q, want %q", d.Title, testDetails.Title)
	}

	m := c.Metrics()
	t.Logf("Metrics: %v", m)
	if v := metric(m, "cache_hits"); v != 1 {
		t.Errorf("cache_hits: got %d, want 1", v)
	}
	if v := metric(m, "requests"); v != 1 {
		t.Errorf("requests: got %d, want 1", v)
	}
	if v := metric(m, "lines_dropped"); v != 1 {
		t.Errorf("lines_dropped: got %d, want 1", v)
	}
	if st := c.Cache().Stats(); st.Entries != 1 || st.Stores != 1 {
		t.Errorf("Cache stats: got %+v, want 1 entry and 1 store", st)
	}
}

func TestMismatchedSequence(t *testing.T) {
	defer leaktest.Check(t)()
	c, dev := testClient(t)
	defer closeClient(t, c)

	g := taskgroup.New(nil)
	g.Go(func() error {
		cmd := recvCommand(t, dev)
		// Reply on every sequence id except the one requested.
		for seq := range 10 {
			if seq != cmd.Seq {
				send(t, dev, detailLines(t, seq, testDetails)...)
			}
		}
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	got, err := c.GetContentDetails(ctx, testDetails.Handle)
	g.Wait()
	if err == nil {
		t.Fatalf("GetContentDetails: got %+v, want error", got)
	}
	if !errors.Is(err, kscape.ErrCanceled) {
		t.Errorf("GetContentDetails: got %v, want %v", err, kscape.ErrCanceled)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("GetContentDetails: got %v, want %v", err, context.DeadlineExceeded)
	}
	if n := c.Cache().Len(); n != 0 {
		t.Errorf("Cache has %d entries, want 0", n)
	}
}

func TestCancelUnregisters(t *testing.T) {
	defer leaktest.Check(t)()
	c, dev := testClient(t)
	defer closeClient(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	g := taskgroup.New(nil)
	g.Go(func() error {
		recvCommand(t, dev)
		cancel()
		return nil
	})
	if _, err := c.GetContentDetails(ctx, "h1"); !errors.Is(err, context.Canceled) {
		t.Errorf("GetContentDetails: got %v, want %v", err, context.Canceled)
	}
	g.Wait()

	// A late response for the cancelled request is discarded, and does not
	// populate the cache.
	send(t, dev, detailLines(t, 1, kscape.ContentDetails{Handle: "h1", Title: "late"})...)

	// Use a second request as a barrier, since lines are processed in order.
	g.Go(func() error {
		cmd := recvCommand(t, dev)
		send(t, dev, detailLines(t, cmd.Seq, kscape.ContentDetails{Handle: "h2"})...)
		return nil
	})
	if _, err := c.GetContentDetails(context.Background(), "h2"); err != nil {
		t.Errorf("GetContentDetails: unexpected error: %v", err)
	}
	g.Wait()
	if _, ok := c.Cache().Get("h1"); ok {
		t.Error("Cancelled request was cached")
	}
}

func TestResponseErrors(t *testing.T) {
	tests := []struct {
		name  string
		lines []string // sent after the command, on its sequence id
		want  kscape.ErrorKind
	}{
		{"FieldCount", []string{
			"01/1/000:CONTENT_DETAILS:1:Title:/",
		}, kscape.UnexpectedFieldCount},
		{"ExtraFields", []string{
			"01/1/000:CONTENT_DETAILS:1:Title:a:b:/",
		}, kscape.UnexpectedFieldCount},
		{"UnknownField", []string{
			"01/1/000:CONTENT_DETAILS:1:Title:Vertigo:/",
			"01/1/000:CONTENT_DETAILS:2:Bogus_field:x:/",
		}, kscape.UnrecognizedField},
		{"UnknownMessage", []string{
			"01/1/000:DEVICE_INFO:a:b:/",
		}, kscape.UnrecognizedMessage},
		{"BadEscape", []string{
			"01/1/000:CONTENT_DETAILS:1:Title:bad \\q escape:/",
		}, kscape.MalformedData},
		{"BadOverview", []string{
			"01/1/000:CONTENT_DETAILS_OVERVIEW:18:\\d300:/",
		}, kscape.MalformedData},
		{"DeviceStatus", []string{"01/1/014:/"}, kscape.DeviceStatus},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			defer leaktest.Check(t)()
			c, dev := testClient(t)
			defer closeClient(t, c)

			g := taskgroup.New(nil)
			g.Go(func() error {
				recvCommand(t, dev)
				send(t, dev, tc.lines...)
				return nil
			})
			got, err := c.GetContentDetails(context.Background(), "h")
			g.Wait()

			var rerr *kscape.ResponseError
			if !errors.As(err, &rerr) {
				t.Fatalf("GetContentDetails: got (%+v, %v), want *ResponseError", got, err)
			}
			t.Logf("Error OK: %v", err)
			if rerr.Kind != tc.want {
				t.Errorf("Error kind: got %v, want %v", rerr.Kind, tc.want)
			}
			if rerr.Handle != "h" {
				t.Errorf("Error handle: got %q, want h", rerr.Handle)
			}
			if c.Cache().Len() != 0 {
				t.Error("Failed request populated the cache")
			}
		})
	}
}

func TestFailureIsolation(t *testing.T) {
	defer leaktest.Check(t)()
	c, dev := testClient(t)
	defer closeClient(t, c)

	// Start two requests, and make one of them fail. The other should not be
	// affected.
	g := taskgroup.New(nil)
	type reply struct {
		d   *kscape.ContentDetails
		err error
	}
	res := make(map[string]reply)
	var μ sync.Mutex
	for _, h := range []string{"good", "bad"} {
		g.Go(func() error {
			d, err := c.GetContentDetails(context.Background(), h)
			μ.Lock()
			defer μ.Unlock()
			res[h] = reply{d, err}
			return nil
		})
	}

	seqs := make(map[string]int)
	for range 2 {
		cmd := recvCommand(t, dev)
		seqs[cmd.Args[0]] = cmd.Seq
	}
	if seqs["good"] == seqs["bad"] {
		t.Fatalf("Requests share sequence id %d", seqs["good"])
	}
	bad := seqs["bad"]
	send(t, dev,
		mustLine(t)(kscape.FormatResponse(bad, kscape.MsgContentDetails, "1", "Title", "x")),
		mustLine(t)(kscape.FormatResponse(bad, kscape.MsgContentDetails, "2", "Bogus", "y")),
	)
	send(t, dev, detailLines(t, seqs["good"], kscape.ContentDetails{Handle: "good", Title: "Good"})...)
	g.Wait()

	if r := res["bad"]; !errors.As(r.err, new(*kscape.ResponseError)) {
		t.Errorf("Bad request: got (%+v, %v), want *ResponseError", r.d, r.err)
	}
	if r := res["good"]; r.err != nil {
		t.Errorf("Good request: unexpected error: %v", r.err)
	} else if r.d.Title != "Good" {
		t.Errorf("Good request: got title %q, want Good", r.d.Title)
	}
}

func TestSequenceIDs(t *testing.T) {
	defer leaktest.Check(t)()
	c, dev := testClient(t)
	defer closeClient(t, c)

	const numRequests = 10
	g := taskgroup.New(nil)
	for i := range numRequests {
		h := "handle-" + strconv.Itoa(i)
		g.Go(func() error {
			d, err := c.GetContentDetails(context.Background(), h)
			if err != nil {
				t.Errorf("GetContentDetails %q: %v", h, err)
			} else if d.Handle != h {
				t.Errorf("GetContentDetails %q: got handle %q", h, d.Handle)
			}
			return nil
		})
	}

	var seqs []int
	cmds := make(map[int]string)
	for range numRequests {
		cmd := recvCommand(t, dev)
		if cmd.Name != kscape.CmdGetContentDetails {
			t.Errorf("Command: got %q, want %q", cmd.Name, kscape.CmdGetContentDetails)
		}
		if old, ok := cmds[cmd.Seq]; ok {
			t.Errorf("Sequence id %d reused by %q and %q", cmd.Seq, old, cmd.Args[0])
		}
		cmds[cmd.Seq] = cmd.Args[0]
		seqs = append(seqs, cmd.Seq)
	}

	// Answer in reverse order, interleaving the lines of all the responses.
	var all [][]string
	for seq, h := range cmds {
		all = append(all, detailLines(t, seq, kscape.ContentDetails{Handle: h}))
	}
	for len(all) != 0 {
		for i := len(all) - 1; i >= 0; i-- {
			send(t, dev, all[i][0])
			if all[i] = all[i][1:]; len(all[i]) == 0 {
				all = slices.Delete(all, i, i+1)
			}
		}
	}
	g.Wait()

	slices.Sort(seqs)
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seqs); diff != "" {
		t.Errorf("Sequence ids (-want, +got):\n%s", diff)
	}
}

func TestSharedSequence(t *testing.T) {
	defer leaktest.Check(t)()
	c, dev := testClient(t)
	defer closeClient(t, c)

	// Issue requests one at a time, so that the eleventh wraps around to the
	// sequence id of the first while the first is still pending.
	type reply struct {
		d   *kscape.ContentDetails
		err error
	}
	res := make(map[string]reply)
	var μ sync.Mutex
	g := taskgroup.New(nil)
	start := func(h string) kscape.Command {
		g.Go(func() error {
			d, err := c.GetContentDetails(context.Background(), h)
			μ.Lock()
			defer μ.Unlock()
			res[h] = reply{d, err}
			return nil
		})
		return recvCommand(t, dev)
	}

	first := start("first")
	others := make(map[int]string)
	for i := range 9 {
		h := "other-" + strconv.Itoa(i)
		cmd := start(h)
		if cmd.Seq == first.Seq {
			t.Fatalf("Request %q reused sequence id %d early", h, cmd.Seq)
		}
		others[cmd.Seq] = h
	}
	last := start("last")
	if last.Seq != first.Seq {
		t.Fatalf("Last request: got sequence id %d, want %d", last.Seq, first.Seq)
	}

	// Both requests on the shared id see the same lines, and resolve with the
	// same result.
	want := kscape.ContentDetails{Handle: "first", Title: "First", DiscLocation: "Slot 1"}
	send(t, dev, detailLines(t, first.Seq, want)...)
	for seq, h := range others {
		send(t, dev, detailLines(t, seq, kscape.ContentDetails{Handle: h})...)
	}
	g.Wait()

	for _, h := range []string{"first", "last"} {
		r := res[h]
		if r.err != nil {
			t.Errorf("Request %q: unexpected error: %v", h, r.err)
		} else if diff := cmp.Diff(want, *r.d); diff != "" {
			t.Errorf("Request %q (-want, +got):\n%s", h, diff)
		}
	}
	for _, h := range others {
		if r := res[h]; r.err != nil || r.d.Handle != h {
			t.Errorf("Request %q: got (%+v, %v)", h, r.d, r.err)
		}
	}
}

func TestClose(t *testing.T) {
	defer leaktest.Check(t)()

	var exitErr error
	exited := make(chan struct{})
	ctr, dtr := transport.Direct()
	c := kscape.NewClient(ctr, testDevice).Detach().OnExit(func(err error) {
		exitErr = err
		close(exited)
	})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, kscape.ErrAlreadyConnected) {
		t.Errorf("Connect again: got %v, want %v", err, kscape.ErrAlreadyConnected)
	}
	dtr.Recv() // handshake

	sub := c.SubscribeAll(0)

	g := taskgroup.New(nil)
	g.Go(func() error {
		_, err := c.GetContentDetails(context.Background(), "pending")
		if !errors.Is(err, kscape.ErrClosed) {
			t.Errorf("Pending request: got %v, want %v", err, kscape.ErrClosed)
		}
		return nil
	})
	recvCommand(t, dtr) // wait for the request to be sent

	if err := c.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	g.Wait()
	<-exited
	if exitErr != nil {
		t.Errorf("Exit error: got %v, want nil", exitErr)
	}

	if _, ok := <-sub.C(); ok {
		t.Error("Subscription was not closed")
	}
	sub.Close() // safe after the client closed it

	if _, err := c.GetContentDetails(context.Background(), "x"); !errors.Is(err, kscape.ErrClosed) {
		t.Errorf("GetContentDetails after close: got %v, want %v", err, kscape.ErrClosed)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, kscape.ErrClosed) {
		t.Errorf("Connect after close: got %v, want %v", err, kscape.ErrClosed)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close again: unexpected error: %v", err)
	}
	if _, err := dtr.Recv(); err == nil {
		t.Error("Device transport is still open after Close")
	}
}

func TestNotConnected(t *testing.T) {
	defer leaktest.Check(t)()
	ctr, _ := transport.Direct()
	c := kscape.NewClient(ctr, testDevice).Detach()

	if _, err := c.GetContentDetails(context.Background(), "x"); !errors.Is(err, kscape.ErrNotConnected) {
		t.Errorf("GetContentDetails: got %v, want %v", err, kscape.ErrNotConnected)
	}
	if err := c.Wait(); err != nil {
		t.Errorf("Wait: got %v, want nil", err)
	}
	sub := kscape.Subscribe[kscape.MovieLocationChanged](c, 1)
	if err := c.Close(); err != nil {
		t.Errorf("Close: unexpected error: %v", err)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("Subscription was not closed")
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func TestTransportFailure(t *testing.T) {
	defer leaktest.Check(t)()

	errBoom := errors.New("connection reset by gremlins")
	tr := transport.IO(iotest.ErrReader(errBoom), nopWriteCloser{io.Discard})
	var exitErr error
	c := kscape.NewClient(tr, testDevice).Detach().OnExit(func(err error) { exitErr = err })
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := c.Wait(); !errors.Is(err, errBoom) {
		t.Errorf("Wait: got %v, want %v", err, errBoom)
	}
	if !errors.Is(exitErr, errBoom) {
		t.Errorf("Exit error: got %v, want %v", exitErr, errBoom)
	}

	_, err := c.GetContentDetails(context.Background(), "x")
	if !errors.Is(err, kscape.ErrClosed) || !errors.Is(err, errBoom) {
		t.Errorf("GetContentDetails: got %v, want %v and %v", err, kscape.ErrClosed, errBoom)
	}
	if err := c.Close(); !errors.Is(err, errBoom) {
		t.Errorf("Close: got %v, want %v", err, errBoom)
	}
}

func TestEvents(t *testing.T) {
	defer leaktest.Check(t)()
	c, dev := testClient(t)
	defer closeClient(t, c)

	all := c.SubscribeAll(0)
	sel := kscape.Subscribe[kscape.HighlightedSelectionChanged](c, 0)
	tiny := kscape.Subscribe[kscape.HighlightedSelectionChanged](c, 1)
	gone := kscape.Subscribe[kscape.UIStateChanged](c, 0)
	gone.Close()
	if _, ok := <-gone.C(); ok {
		t.Error("Closed subscription delivered an event")
	}

	send(t, dev,
		"#000001/!/000:HIGHLIGHTED_SELECTION:42:",
		"#000001/!/000:UI_STATE:02:00:00:0:",
		"#000001/!/000:PLAY_STATUS:2:0:01:07200:000:",
		"garbage",
		"#000001/!/000:MOVIE_LOCATION:05:",
		"#000001/!/000:HIGHLIGHTED_SELECTION:26-0.0-S_c446c2e0:",
	)

	// Use a request as a barrier, since lines are processed in order.
	g := taskgroup.New(nil)
	g.Go(func() error {
		cmd := recvCommand(t, dev)
		send(t, dev, detailLines(t, cmd.Seq, kscape.ContentDetails{Handle: "sync"})...)
		return nil
	})
	if _, err := c.GetContentDetails(context.Background(), "sync"); err != nil {
		t.Fatalf("GetContentDetails: %v", err)
	}
	g.Wait()

	recv := func(ch <-chan kscape.Event, n int) (out []kscape.Event) {
		for range n {
			out = append(out, <-ch)
		}
		return out
	}
	if diff := cmp.Diff([]kscape.Event{
		kscape.HighlightedSelectionChanged{SelectionID: "42"},
		kscape.UIStateChanged{Screen: "02", Popup: "00", Dialog: "00", Saver: "0"},
		kscape.MovieLocationChanged{Location: "05"},
		kscape.HighlightedSelectionChanged{SelectionID: "26-0.0-S_c446c2e0"},
	}, recv(all.C(), 4)); diff != "" {
		t.Errorf("All events (-want, +got):\n%s", diff)
	}

	var sels []string
	for range 2 {
		sels = append(sels, (<-sel.C()).SelectionID)
	}
	if diff := cmp.Diff([]string{"42", "26-0.0-S_c446c2e0"}, sels); diff != "" {
		t.Errorf("Selections (-want, +got):\n%s", diff)
	}

	// The tiny subscription kept the first event, and dropped the other.
	if got := <-tiny.C(); got.SelectionID != "42" {
		t.Errorf("Tiny subscription: got %q, want 42", got.SelectionID)
	}
	select {
	case evt := <-tiny.C():
		t.Errorf("Tiny subscription: unexpected event %v", evt)
	default:
	}

	m := c.Metrics()
	if v := metric(m, "events_published"); v != 4 {
		t.Errorf("events_published: got %d, want 4", v)
	}
	if v := metric(m, "events_dropped"); v != 1 {
		t.Errorf("events_dropped: got %d, want 1", v)
	}
	if v := metric(m, "lines_dropped"); v != 2 {
		t.Errorf("lines_dropped: got %d, want 2", v)
	}
}
