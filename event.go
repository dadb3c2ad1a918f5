// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package kscape

import (
	"sync"
)

// An Event is an unsolicited notification from the device. The concrete type
// of an Event is one of HighlightedSelectionChanged, UIStateChanged, or
// MovieLocationChanged.
type Event interface {
	// EventName returns the protocol name of the event.
	EventName() string

	isEvent()
}

// HighlightedSelectionChanged reports that the user moved the selection
// highlight to a different content item.
type HighlightedSelectionChanged struct {
	SelectionID string // the content handle of the highlighted item
}

// EventName implements a method of the [Event] interface.
func (HighlightedSelectionChanged) EventName() string { return EventHighlightedSelection }

// UIStateChanged reports a change in the state of the device user interface.
type UIStateChanged struct {
	Screen string
	Dialog string
	Popup  string
	Saver  string
}

// EventName implements a method of the [Event] interface.
func (UIStateChanged) EventName() string { return EventUIState }

// MovieLocationChanged reports that playback moved to a different part of
// the current title (e.g., from the main content into the end credits).
type MovieLocationChanged struct {
	Location string
}

// EventName implements a method of the [Event] interface.
func (MovieLocationChanged) EventName() string { return EventMovieLocation }

func (HighlightedSelectionChanged) isEvent() {}
func (UIStateChanged) isEvent()              {}
func (MovieLocationChanged) isEvent()        {}

// ClassifyEvent converts an event line into an Event. It reports false if the
// event name is not recognized or its payload is malformed. Such events are
// not errors; the device sends many events this package does not interpret.
func ClassifyEvent(e EventLine) (Event, bool) {
	fields, err := e.Fields()
	if err != nil {
		return nil, false
	}
	switch e.Name {
	case EventHighlightedSelection:
		if fields[0] == "" {
			return nil, false
		}
		return HighlightedSelectionChanged{SelectionID: fields[0]}, true

	case EventUIState:
		// Fields are reported as screen:popup:dialog:saver.
		if len(fields) < 4 {
			return nil, false
		}
		return UIStateChanged{
			Screen: fields[0],
			Popup:  fields[1],
			Dialog: fields[2],
			Saver:  fields[3],
		}, true

	case EventMovieLocation:
		return MovieLocationChanged{Location: fields[0]}, true
	}
	return nil, false
}

// DefaultSubscriptionBuffer is the number of events a subscription buffers
// when Subscribe is given a non-positive buffer size.
const DefaultSubscriptionBuffer = 64

// A Subscription delivers events of type E published by a Client.
// Events are delivered in the order the device sent them. If the subscriber
// does not keep up and its buffer fills, further events are dropped for that
// subscriber until space is available.
type Subscription[E Event] struct {
	hub  *eventHub
	ch   chan E
	once sync.Once
}

// Subscribe registers a new subscription on c for events of type E, with
// space to buffer the specified number of undelivered events. To receive
// every kind of event, use [Client.SubscribeAll].
//
// The channel of the subscription is closed when the subscription or the
// client is closed.
func Subscribe[E Event](c *Client, buffer int) *Subscription[E] {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	s := &Subscription[E]{hub: &c.events, ch: make(chan E, buffer)}
	if !c.events.add(s) {
		close(s.ch) // the client is already closed
	}
	return s
}

// SubscribeAll registers a new subscription on c for all events.
func (c *Client) SubscribeAll(buffer int) *Subscription[Event] { return Subscribe[Event](c, buffer) }

// C returns the channel on which events are delivered.
func (s *Subscription[E]) C() <-chan E { return s.ch }

// Close removes the subscription and closes its channel. It is safe to call
// Close more than once.
func (s *Subscription[E]) Close() {
	if s.hub.remove(s) {
		s.shut()
	}
}

func (s *Subscription[E]) shut() { s.once.Do(func() { close(s.ch) }) }

// offer delivers evt to s if it has type E, without blocking. It reports
// false if the event was dropped.
func (s *Subscription[E]) offer(evt Event) bool {
	e, ok := evt.(E)
	if !ok {
		return true // not interested
	}
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

type subscriber interface {
	offer(Event) bool
	shut()
}

// An eventHub tracks the subscriptions of a client.
type eventHub struct {
	μ      sync.RWMutex
	subs   map[subscriber]struct{}
	closed bool
}

func (h *eventHub) add(s subscriber) bool {
	h.μ.Lock()
	defer h.μ.Unlock()
	if h.closed {
		return false
	}
	if h.subs == nil {
		h.subs = make(map[subscriber]struct{})
	}
	h.subs[s] = struct{}{}
	return true
}

func (h *eventHub) remove(s subscriber) bool {
	h.μ.Lock()
	defer h.μ.Unlock()
	if _, ok := h.subs[s]; !ok {
		return false
	}
	delete(h.subs, s)
	return true
}

// publish offers evt to each subscriber and reports how many dropped it.
func (h *eventHub) publish(evt Event) (dropped int) {
	h.μ.RLock()
	defer h.μ.RUnlock()
	for s := range h.subs {
		if !s.offer(evt) {
			dropped++
		}
	}
	return dropped
}

// close closes all current subscriptions, and causes subsequent ones to be
// closed on arrival.
func (h *eventHub) close() {
	h.μ.Lock()
	defer h.μ.Unlock()
	h.closed = true
	for s := range h.subs {
		s.shut()
	}
	h.subs = nil
}
