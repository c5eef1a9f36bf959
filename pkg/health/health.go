// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package health implements the uniform per-stage counters bundle (spec
// §4.7) shared by Parser, Filter, Source and Storage. Every stage
// registers one Counters per instance against a shared prometheus
// Registry, keyed by stage kind and name, so the (out-of-scope) HTTP
// status page can iterate the Dispatcher's registries and Gather() the
// same numbers this package exposes in-process.
package health

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a point-in-time read of a Counters bundle.
type Snapshot struct {
	Total             uint64
	OK                uint64
	Err                uint64
	CumulativeLatency time.Duration
	OKLatency         time.Duration
	ErrLatency        time.Duration
	KeysStored        uint64
}

// SuccessRatio returns OK/Total, or 1.0 when Total is zero (no attempts
// yet is not a failure).
func (s Snapshot) SuccessRatio() float64 {
	if s.Total == 0 {
		return 1.0
	}
	return float64(s.OK) / float64(s.Total)
}

// OKPerSec returns OK divided by the elapsed window, used by callers
// that track their own reset time; Counters itself only accumulates
// since-last-reset values and leaves the per-second derivation to the
// caller that knows the window length.
func (s Snapshot) OKPerSec(window time.Duration) float64 {
	if window <= 0 {
		return 0
	}
	return float64(s.OK) / window.Seconds()
}

// Counters is the mutable, monotonic-until-reset counters bundle for one
// stage instance (one Parser, one Filter, one Source or one Storage).
// Safe for concurrent use, though in this single-threaded-per-Dispatcher
// runtime the mutex only guards against the Gather() goroutine the
// embedding HTTP status page runs concurrently with the event loop.
type Counters struct {
	mu sync.Mutex
	s  Snapshot

	kind string
	name string

	total *prometheus.CounterVec
	ok    *prometheus.CounterVec
	err   *prometheus.CounterVec
	lat   *prometheus.HistogramVec
	keys  *prometheus.CounterVec
}

// Labels used on every metric family this package registers.
const (
	labelKind = "stage_kind"
	labelName = "stage_name"
	labelEnd  = "end" // "ok" or "err", for the latency histogram
)

// NewCounters creates a Counters bundle for a stage of the given kind
// ("parser", "filter", "source", "storage") and name, registering its
// metric families on reg. Duplicate registration (same kind+name) is
// tolerated via reg's AlreadyRegisteredError handling, mirroring the
// Dispatcher's replace-on-duplicate registry semantics.
func NewCounters(reg prometheus.Registerer, kind, name string) *Counters {
	c := &Counters{kind: kind, name: name}

	c.total = mustRegisterCounterVec(reg, "statcollector_stage_total", "Total invocations of a pipeline stage.")
	c.ok = mustRegisterCounterVec(reg, "statcollector_stage_ok_total", "Successful invocations of a pipeline stage.")
	c.err = mustRegisterCounterVec(reg, "statcollector_stage_err_total", "Failed invocations of a pipeline stage.")
	c.keys = mustRegisterCounterVec(reg, "statcollector_stage_keys_stored_total", "Keys stored, Storage stages only.")
	c.lat = mustRegisterHistogramVec(reg, "statcollector_stage_latency_seconds", "Per-invocation latency of a pipeline stage.")

	return c
}

func mustRegisterCounterVec(reg prometheus.Registerer, name, help string) *prometheus.CounterVec {
	cv := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, []string{labelKind, labelName})
	if err := reg.Register(cv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.CounterVec)
		}
		panic(err)
	}
	return cv
}

func mustRegisterHistogramVec(reg prometheus.Registerer, name, help string) *prometheus.HistogramVec {
	hv := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help}, []string{labelKind, labelName, labelEnd})
	if err := reg.Register(hv); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return are.ExistingCollector.(*prometheus.HistogramVec)
		}
		panic(err)
	}
	return hv
}

// ObserveOK records one successful invocation taking latency d.
func (c *Counters) ObserveOK(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.Total++
	c.s.OK++
	c.s.CumulativeLatency += d
	c.s.OKLatency += d
	c.total.WithLabelValues(c.kind, c.name).Inc()
	c.ok.WithLabelValues(c.kind, c.name).Inc()
	c.lat.WithLabelValues(c.kind, c.name, "ok").Observe(d.Seconds())
}

// ObserveErr records one failed invocation taking latency d.
func (c *Counters) ObserveErr(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.Total++
	c.s.Err++
	c.s.CumulativeLatency += d
	c.s.ErrLatency += d
	c.total.WithLabelValues(c.kind, c.name).Inc()
	c.err.WithLabelValues(c.kind, c.name).Inc()
	c.lat.WithLabelValues(c.kind, c.name, "err").Observe(d.Seconds())
}

// AddKeysStored is called by Storage stages after a successful delivery
// to report how many body keys were written.
func (c *Counters) AddKeysStored(n uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s.KeysStored += n
	c.keys.WithLabelValues(c.kind, c.name).Add(float64(n))
}

// Snapshot returns the current counters. Cheap, lock-protected copy.
func (c *Counters) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

// Reset zeroes the in-memory accumulators. The prometheus counters
// underneath are NOT reset (prometheus counters are defined to be
// monotonic for the process lifetime); Reset only affects the
// Snapshot()-visible "since last reset" bundle spec §4.7 describes.
func (c *Counters) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.s = Snapshot{}
}
