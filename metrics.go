// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package kscape

import "expvar"

// clientMetrics record client activity counters.
type clientMetrics struct {
	lineRecv    expvar.Int
	lineSent    expvar.Int
	lineDropped expvar.Int // received lines matching no known pattern
	eventPub    expvar.Int // events classified and published
	eventDrop   expvar.Int // events dropped by full subscriber buffers
	reqOut      expvar.Int // number of content requests sent to the device
	reqOutErr   expvar.Int // number of content requests reporting an error
	reqPending  expvar.Int // gauge of requests awaiting a response
	cacheHit    expvar.Int
	cacheMiss   expvar.Int

	emap *expvar.Map
}

var rootMetrics = newClientMetrics()

func newClientMetrics() *clientMetrics {
	cm := &clientMetrics{emap: new(expvar.Map)}
	cm.emap.Set("lines_received", &cm.lineRecv)
	cm.emap.Set("lines_sent", &cm.lineSent)
	cm.emap.Set("lines_dropped", &cm.lineDropped)
	cm.emap.Set("events_published", &cm.eventPub)
	cm.emap.Set("events_dropped", &cm.eventDrop)
	cm.emap.Set("requests", &cm.reqOut)
	cm.emap.Set("requests_failed", &cm.reqOutErr)
	cm.emap.Set("requests_pending", &cm.reqPending)
	cm.emap.Set("cache_hits", &cm.cacheHit)
	cm.emap.Set("cache_misses", &cm.cacheMiss)
	return cm
}
