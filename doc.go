// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package kscape implements a client for the line-oriented control protocol
// of a networked movie player.
//
// The client and the device exchange ASCII lines over a shared connection.
// The client sends commands; the device answers each command with one or more
// response lines, and also sends unsolicited event lines whenever its state
// changes. Field values inside lines use a backslash escape grammar, which is
// implemented by the field package.
//
// # Clients
//
// The core type defined by this package is the [Client]. A client sends
// requests to the device over a [Transport], and correlates the responses
// with the requests that caused them.
//
// To create and connect a client:
//
//	c := kscape.NewClient(&transport.TCP{Addr: "player:10000"}, serial)
//	if err := c.Connect(ctx); err != nil {
//	   log.Fatalf("Connect failed: %v", err)
//	}
//	defer c.Close()
//
// Or, equivalently, from a [Config]:
//
//	c, err := kscape.Dial(ctx, kscape.Config{Host: "player", DeviceID: serial})
//
// # Requests
//
// To look up a content item:
//
//	d, err := c.GetContentDetails(ctx, handle)
//	if err != nil {
//	   log.Fatalf("Lookup failed: %v", err)
//	}
//	fmt.Println(d.Title, d.Year)
//
// Completed results are cached by handle, and repeated lookups of the same
// handle are served from the cache without contacting the device.
//
// Each request is tagged with a sequence id from 0 to 9. The protocol offers
// no more, so at most 10 requests should be outstanding at once. The
// handshake sent by Connect also uses sequence id 1, so a request issued
// before the device acknowledges the handshake may see its reply.
//
// # Events
//
// To receive events, subscribe to the kinds of interest:
//
//	s := kscape.Subscribe[kscape.HighlightedSelectionChanged](c, 0)
//	defer s.Close()
//	for evt := range s.C() {
//	   fmt.Println("selected", evt.SelectionID)
//	}
//
// Events are delivered without blocking the client. A subscriber that falls
// behind loses events once its buffer is full.
//
// # Metrics
//
// Clients maintain a collection of metrics while running. Use the
// [Client.Metrics] method to obtain an [expvar.Map] containing the metrics
// exported by the client. By default, metrics are shared globally among all
// clients; use [Client.Detach] to give a client its own.
//
// The metrics currently exported by clients include:
//
//   - lines_received: counter of lines received
//   - lines_sent: counter of lines sent
//   - lines_dropped: counter of lines received and discarded
//   - events_published: counter of events delivered to subscribers
//   - events_dropped: counter of events discarded by full subscriptions
//   - requests: counter of requests sent to the device
//   - requests_failed: counter of requests resulting in errors
//   - requests_pending: gauge of requests awaiting a response
//   - cache_hits: counter of lookups served from the cache
//   - cache_misses: counter of lookups not found in the cache
package kscape
