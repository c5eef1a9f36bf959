// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package sourceimpl provides the Source base: the timer-driven
// INIT/SCHEDULED/FETCHING/PAUSED/STOPPED state machine of spec §4.4,
// built around an injected benbjohnson/clock.Clock so the scheduling,
// timeout and error-streak invariants of spec §8 are deterministically
// testable.
package sourceimpl

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/bfg/statcollector/comp/collector/source/sourcedef"
	"github.com/bfg/statcollector/pkg/health"
	"github.com/bfg/statcollector/pkg/record"
)

// DriverFactories maps driver name to its Factory. Populated by init()
// in each driver's file. The core ships no probe drivers (spec §1: probe
// bodies are out of scope); this registry exists for the rest of the
// agent to plug them into.
var DriverFactories = map[string]sourcedef.Factory{}

// RegisterDriver adds a Source driver factory. Exported (unlike the
// parser/filter registries' package-private registerDriver) because
// Source driver bodies are explicitly out of scope for this core and
// must be registerable from an external package.
func RegisterDriver(name string, f sourcedef.Factory) {
	DriverFactories[name] = f
}

const (
	minCheckTimeoutMargin = 100 * time.Millisecond
	maxOverrunJitter      = 60 * time.Second
	minErrorResumePause   = 60 * time.Second
	minNextFetchDelay     = time.Second
)

type baseSource struct {
	mu sync.Mutex

	spec     sourcedef.Spec
	driver   sourcedef.Driver
	receiver sourcedef.Receiver
	clk      clock.Clock
	rng      *rand.Rand

	state                 sourcedef.State
	sequentialErrorCount  int
	currentFetchID        int64
	fetchTerminated       bool
	fetchCancel           context.CancelFunc
	fetchStartedAt        time.Time

	timer       *clock.Timer
	timeoutTimer *clock.Timer
	resumeTimer *clock.Timer

	counters *health.Counters
	log      *logrus.Entry
}

// New constructs a Source named spec.Name from spec.Driver. clk supplies
// all timers; pass clock.New() in production and clock.NewMock() in
// tests. Returns an error (spec §4.4: "violation refuses the source")
// if checkInterval < checkTimeout + 100ms.
func New(reg prometheus.Registerer, log *logrus.Entry, clk clock.Clock, spec sourcedef.Spec, receiver sourcedef.Receiver) (sourcedef.Source, error) {
	if spec.CheckInterval < spec.CheckTimeout+minCheckTimeoutMargin {
		return nil, fmt.Errorf("source %q: checkInterval (%s) must be >= checkTimeout (%s) + %s",
			spec.Name, spec.CheckInterval, spec.CheckTimeout, minCheckTimeoutMargin)
	}

	factory, ok := DriverFactories[spec.Driver]
	if !ok {
		return nil, fmt.Errorf("source %q: unknown driver %q", spec.Name, spec.Driver)
	}
	driver, err := factory(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("source %q: configuring driver %q: %w", spec.Name, spec.Driver, err)
	}

	return &baseSource{
		spec:     spec,
		driver:   driver,
		receiver: receiver,
		clk:      clk,
		rng:      rand.New(rand.NewSource(clk.Now().UnixNano())),
		state:    sourcedef.StateInit,
		counters: health.NewCounters(reg, "source", spec.Name),
		log:      log.WithField("source", spec.Name),
	}, nil
}

func (s *baseSource) Name() string                  { return s.spec.Name }
func (s *baseSource) DriverName() string             { return s.spec.Driver }
func (s *baseSource) SourceGroup() string            { return s.spec.SourceGroup }
func (s *baseSource) Health() *health.Counters       { return s.counters }

func (s *baseSource) State() sourcedef.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start schedules the first fetch after a random [0, startupDelay)
// delay (spec §4.4).
func (s *baseSource) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sourcedef.StateInit {
		return
	}
	s.state = sourcedef.StateScheduled
	delay := s.jitter(s.spec.StartupDelay)
	s.armTimerLocked(delay)
}

// Pause cancels any in-flight fetch and stops the scheduling timer
// (spec §4.4). Idempotent.
func (s *baseSource) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauseLocked()
}

func (s *baseSource) pauseLocked() {
	if s.state == sourcedef.StateStopped {
		return
	}
	s.stopTimersLocked()
	if s.state == sourcedef.StateFetching {
		s.cancelFetchLocked()
	}
	s.state = sourcedef.StatePaused
}

// Resume re-arms the timer (spec §4.4). Idempotent.
func (s *baseSource) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != sourcedef.StatePaused {
		return
	}
	if s.resumeTimer != nil {
		s.resumeTimer.Stop()
		s.resumeTimer = nil
	}
	s.sequentialErrorCount = 0
	s.state = sourcedef.StateScheduled
	s.armTimerLocked(0)
}

// Shutdown is terminal (spec §4.4): cancels any in-flight fetch and
// releases every timer. Idempotent.
func (s *baseSource) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == sourcedef.StateStopped {
		return
	}
	s.stopTimersLocked()
	if s.state == sourcedef.StateFetching {
		s.cancelFetchLocked()
	}
	s.state = sourcedef.StateStopped
}

func (s *baseSource) stopTimersLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
		s.timeoutTimer = nil
	}
}

func (s *baseSource) cancelFetchLocked() {
	s.fetchTerminated = true
	if s.fetchCancel != nil {
		s.fetchCancel()
	}
}

func (s *baseSource) armTimerLocked(d time.Duration) {
	s.timer = s.clk.AfterFunc(d, s.onTimerFire)
}

func (s *baseSource) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(s.rng.Int63n(int64(max)))
}

// onTimerFire begins a fetch. Runs on the clock's own goroutine.
func (s *baseSource) onTimerFire() {
	s.mu.Lock()
	if s.state != sourcedef.StateScheduled {
		s.mu.Unlock()
		return
	}
	s.state = sourcedef.StateFetching
	s.currentFetchID++
	id := s.currentFetchID
	s.fetchTerminated = false
	s.fetchStartedAt = s.clk.Now()

	ctx, cancel := context.WithCancel(context.Background())
	s.fetchCancel = cancel
	s.timeoutTimer = s.clk.AfterFunc(s.spec.CheckTimeout, func() { s.onFetchTimeout(id) })
	s.mu.Unlock()

	s.driver.FetchStart(ctx, func(result sourcedef.FetchResult, err error) {
		s.onFetchComplete(id, result, err)
	})
}

func (s *baseSource) onFetchTimeout(id int64) {
	s.mu.Lock()
	if id != s.currentFetchID || s.fetchTerminated || s.state != sourcedef.StateFetching {
		s.mu.Unlock()
		return
	}
	s.fetchTerminated = true
	cancel := s.fetchCancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.log.WithField("id", id).Warn("fetch timed out")
	s.finishFetch(id, time.Duration(0), fmt.Errorf("fetch timeout after %s", s.spec.CheckTimeout))
}

func (s *baseSource) onFetchComplete(id int64, result sourcedef.FetchResult, err error) {
	s.mu.Lock()
	if id != s.currentFetchID || s.fetchTerminated {
		s.mu.Unlock()
		return // stale callback: timeout or pause already terminated this fetch
	}
	s.fetchTerminated = true
	if s.timeoutTimer != nil {
		s.timeoutTimer.Stop()
		s.timeoutTimer = nil
	}
	started := s.fetchStartedAt
	s.mu.Unlock()

	elapsed := s.clk.Now().Sub(started)

	if err != nil {
		s.finishFetch(id, elapsed, err)
		return
	}

	s.counters.ObserveOK(elapsed)
	s.emit(result, started, s.clk.Now())
	s.finishFetch(id, elapsed, nil)
}

// emit builds a RawData from the fetch result and forwards it through
// the Dispatcher's Receiver (spec §4.4 onFetchDone).
func (s *baseSource) emit(result sourcedef.FetchResult, start, done time.Time) {
	content := result.Content
	if s.spec.ForceContent != nil {
		content = s.spec.ForceContent
	}

	host := s.spec.Host
	if result.Host != "" {
		host = result.Host
	}
	if s.spec.ForceHostname != "" {
		host = s.spec.ForceHostname
	}

	port := s.spec.Port
	if result.Port != "" {
		port = result.Port
	}
	if s.spec.ForcePort != "" {
		port = s.spec.ForcePort
	}

	raw := record.RawData{
		ID:              record.NewID(),
		Driver:          s.spec.Driver,
		URL:             s.spec.URL,
		Host:            host,
		Port:            port,
		FetchStartTime:  start,
		FetchDoneTime:   done,
		Content:         content,
		ParserNames:     append([]string(nil), s.spec.UseParser...),
		FilterNames:     append([]string(nil), s.spec.UseFilter...),
		StorageNames:    append([]string(nil), s.spec.UseStorage...),
		DebugParsedData: s.spec.DebugParsedData,
	}

	if err := s.receiver.OnSourceData(raw, result.Parsed); err != nil {
		s.log.WithField("id", raw.ID).WithError(err).Error("dispatcher rejected record")
	}
}

// finishFetch applies the error-streak rule and schedules the next
// fetch (spec §4.4's scheduling rule).
func (s *baseSource) finishFetch(id int64, elapsed time.Duration, fetchErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id != s.currentFetchID {
		return
	}
	if s.state == sourcedef.StateStopped || s.state == sourcedef.StatePaused {
		return
	}

	if fetchErr != nil {
		s.counters.ObserveErr(elapsed)
		s.sequentialErrorCount++
		s.log.WithField("id", id).WithError(fetchErr).Error("fetch failed")
	} else {
		s.sequentialErrorCount = 0
	}

	if s.spec.MaxErrorsInRow > 0 && s.sequentialErrorCount >= s.spec.MaxErrorsInRow {
		s.pauseForErrorStreakLocked()
		return
	}

	s.state = sourcedef.StateScheduled
	s.scheduleNextLocked(elapsed)
}

func (s *baseSource) pauseForErrorStreakLocked() {
	s.stopTimersLocked()
	s.state = sourcedef.StatePaused
	pause := s.spec.ErrorResumePause
	if pause < minErrorResumePause {
		pause = minErrorResumePause
	}
	s.log.WithField("streak", s.sequentialErrorCount).Warn("source paused after error streak")
	s.resumeTimer = s.clk.AfterFunc(pause, func() { s.Resume() })
}

func (s *baseSource) scheduleNextLocked(elapsed time.Duration) {
	delay := s.spec.CheckInterval - elapsed
	if delay < minNextFetchDelay {
		delay = minNextFetchDelay
	}
	if elapsed > s.spec.CheckInterval {
		delay += s.jitter(maxOverrunJitter)
	}
	s.armTimerLocked(delay)
}
