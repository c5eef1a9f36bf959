// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package storagedef declares the Storage contract (spec §3.1, §4.5): a
// durable delivery sink for ParsedData, with a per-record timeout alarm
// and a disk-backed deferral path for failed deliveries.
package storagedef

import (
	"context"
	"os"
	"time"

	"github.com/bfg/statcollector/pkg/health"
	"github.com/bfg/statcollector/pkg/record"
)

// StoreResult is what a driver reports back after DriverStore succeeds.
type StoreResult struct {
	// KeysStored is the number of body keys actually written, for the
	// Storage-only keysPerSec health metric.
	KeysStored int
}

// Driver is the part a concrete Storage type implements.
type Driver interface {
	// DriverStore attempts one delivery of p. It must return promptly;
	// completion is reported by calling done exactly once, with either a
	// StoreResult or an error, before ctx is canceled. ctx is canceled when
	// storeTimeout elapses or the Storage shuts down.
	DriverStore(ctx context.Context, storeID string, p *record.ParsedData, done func(StoreResult, error))
}

// Spec configures one Storage (spec §3.1, §4.5).
type Spec struct {
	Name   string
	Driver string
	Config map[string]interface{}

	StoreTimeout time.Duration

	// DeferEnabled gates whether a failed delivery is spooled to disk at
	// all (spec §4.5 deferral policy); false means every failure is a
	// DROP.
	DeferEnabled bool
	// DeferCount is the maximum number of times a record may be
	// re-deferred before it is dropped as exhausted.
	DeferCount int
	DeferDir   string
	// DeferFileMode is the permission mode spool files are chmod'd to.
	// Defaults to 0600.
	DeferFileMode os.FileMode

	// DeferOnly bypasses the driver entirely: every Store immediately
	// defers and reports success. Used to drain to backup storage while
	// the primary is unavailable.
	DeferOnly bool

	// DeferStartupCheck enqueues every matching spool file once at
	// startup.
	DeferStartupCheck bool
	// DeferInterval is the periodic rescan period; <= 0 disables
	// periodic rescanning.
	DeferInterval time.Duration
}

// Storage is a registered, named Storage as seen by the Dispatcher.
type Storage interface {
	Name() string
	DriverName() string

	// Start runs the startup deferral check (if configured) and arms the
	// periodic deferral rescan timer.
	Start()

	// Store admits p for delivery and returns immediately; delivery
	// itself, retry and deferral all happen asynchronously (spec §5:
	// Storage fan-out is fire-and-forget). The only error Store itself
	// returns is an admission-time refusal (e.g. after Shutdown).
	Store(p *record.ParsedData) error

	// Shutdown cancels every in-flight store, defers each one to disk,
	// and stops the deferral rescan timer.
	Shutdown()

	Health() *health.Counters
}

// Factory constructs a Driver from a Spec's configuration.
type Factory func(cfg map[string]interface{}) (Driver, error)
