// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package sourcedef declares the Source contract (spec §3.1, §4.4): a
// periodic producer of RawData (or ParsedData) records, with a timer,
// a per-fetch timeout, and a fetch-in-progress state machine.
package sourcedef

import (
	"context"
	"time"

	"github.com/bfg/statcollector/pkg/health"
	"github.com/bfg/statcollector/pkg/record"
)

// State is one node of the Source lifecycle state machine (spec §4.4).
type State int

const (
	StateInit State = iota
	StateScheduled
	StateFetching
	StatePaused
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateScheduled:
		return "SCHEDULED"
	case StateFetching:
		return "FETCHING"
	case StatePaused:
		return "PAUSED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// FetchResult is what a driver reports back after driverFetchStart
// completes, through fetchDone or fetchError.
type FetchResult struct {
	// Content is the raw payload. Ignored on error.
	Content []byte
	// Host and Port optionally override the Source's configured
	// hostname/port for this one fetch (spec §4.4's host/port resolution
	// order).
	Host string
	Port string
	// Parsed, if non-nil, means the driver produced a ParsedData directly
	// and the parser stage must be skipped for this fetch (spec §4.1,
	// §12.2).
	Parsed *record.Body
}

// Driver is the part a concrete Source type implements.
type Driver interface {
	// FetchStart begins an asynchronous fetch. It must return promptly;
	// completion is reported by calling done with either a FetchResult or
	// an error before ctx is canceled. ctx is canceled on pause/shutdown
	// or when checkTimeout elapses — the driver must make its I/O
	// cancellation-aware and return once ctx is done.
	FetchStart(ctx context.Context, done func(FetchResult, error))
}

// Spec configures one Source (spec §3.1). Durations use Go's
// time.Duration directly instead of the source material's bare
// seconds/floats.
type Spec struct {
	Name          string
	Driver        string
	Config        map[string]interface{}
	URL           string
	Host          string
	Port          string
	CheckInterval time.Duration
	CheckTimeout  time.Duration
	MaxErrorsInRow  int
	ErrorResumePause time.Duration
	StartupDelay  time.Duration
	SourceGroup   string

	UseParser  []string
	UseFilter  []string
	UseStorage []string

	// ProducesParsedData declares that this Source's driver emits
	// FetchResult.Parsed directly, skipping the parser stage (spec
	// §4.1, §12.2). Setting UseParser on such a Source is a
	// configuration error caught at registration.
	ProducesParsedData bool

	ForceHostname string
	ForcePort     string
	ForceContent  []byte

	DebugRawData    bool
	DebugParsedData bool
}

// Receiver is the Dispatcher's record-admission entrypoint (spec §4.1
// onSourceData), as seen by a Source.
type Receiver interface {
	OnSourceData(raw record.RawData, parsed *record.Body) error
}

// Source is a registered, named Source as seen by the Dispatcher.
type Source interface {
	Name() string
	DriverName() string
	SourceGroup() string

	// Start schedules the first fetch after a random [0, startupDelay)
	// delay.
	Start()
	// Pause cancels any in-flight fetch and stops the timer. Idempotent.
	Pause()
	// Resume re-arms the timer. Idempotent.
	Resume()
	// Shutdown is terminal: cancels any in-flight fetch and releases
	// timers. A stopped Source cannot be started again.
	Shutdown()

	State() State
	Health() *health.Counters
}

// Factory constructs a Driver from a Spec's configuration.
type Factory func(cfg map[string]interface{}) (Driver, error)
