// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package storageimpl implements the Storage base: the
// ADMIT/INFLIGHT/DONE/FAIL store lifecycle of spec §4.5, the deferral
// (retry) policy, and the periodic deferral rescan, all driven by an
// injected benbjohnson/clock.Clock and spf13/afero filesystem so they
// are deterministically testable.
package storageimpl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/bfg/statcollector/comp/collector/storage/storagedef"
	"github.com/bfg/statcollector/internal/spool"
	"github.com/bfg/statcollector/pkg/health"
	"github.com/bfg/statcollector/pkg/record"
)

// DriverFactories maps driver name to its Factory.
var DriverFactories = map[string]storagedef.Factory{}

func registerDriver(name string, f storagedef.Factory) {
	DriverFactories[name] = f
}

const (
	defaultDeferFileMode = 0o600
	rescanChunkSize      = 100
	rescanChunkStagger   = 6 * time.Second
	maxRescanBackoff     = 10 * time.Minute
	fileWatchdog         = 5 * time.Second
)

type inflightStore struct {
	p           *record.ParsedData
	start       time.Time
	cancel      context.CancelFunc
	terminated  bool
	timeoutTimer *clock.Timer
}

type baseStorage struct {
	mu sync.Mutex

	spec   storagedef.Spec
	driver storagedef.Driver
	clk    clock.Clock
	fs     afero.Fs

	inflight     map[string]*inflightStore
	seq          uint64
	shuttingDown bool

	rescanTimer *clock.Timer

	counters *health.Counters
	log      *logrus.Entry
}

// New constructs a Storage named spec.Name from spec.Driver.
func New(reg prometheus.Registerer, log *logrus.Entry, clk clock.Clock, fs afero.Fs, spec storagedef.Spec) (storagedef.Storage, error) {
	if spec.DeferFileMode == 0 {
		spec.DeferFileMode = defaultDeferFileMode
	}

	var driver storagedef.Driver
	if !spec.DeferOnly {
		factory, ok := DriverFactories[spec.Driver]
		if !ok {
			return nil, fmt.Errorf("storage %q: unknown driver %q", spec.Name, spec.Driver)
		}
		d, err := factory(spec.Config)
		if err != nil {
			return nil, fmt.Errorf("storage %q: configuring driver %q: %w", spec.Name, spec.Driver, err)
		}
		driver = d
	}

	return &baseStorage{
		spec:     spec,
		driver:   driver,
		clk:      clk,
		fs:       fs,
		inflight: make(map[string]*inflightStore),
		counters: health.NewCounters(reg, "storage", spec.Name),
		log:      log.WithField("storage", spec.Name),
	}, nil
}

func (s *baseStorage) Name() string            { return s.spec.Name }
func (s *baseStorage) DriverName() string      { return s.spec.Driver }
func (s *baseStorage) Health() *health.Counters { return s.counters }

// Start runs the startup deferral check and arms the periodic rescan
// timer (spec §4.5 deferral rescan).
func (s *baseStorage) Start() {
	s.mu.Lock()
	interval := s.spec.DeferInterval
	startupCheck := s.spec.DeferStartupCheck
	s.mu.Unlock()

	if startupCheck {
		s.runRescan()
	}
	if interval > 0 {
		s.mu.Lock()
		s.rescanTimer = s.clk.AfterFunc(interval, s.runRescan)
		s.mu.Unlock()
	}
}

// Store admits p (spec §4.5 store()).
func (s *baseStorage) Store(p *record.ParsedData) error {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return fmt.Errorf("storage %q: shut down", s.spec.Name)
	}

	if s.spec.DeferOnly {
		s.mu.Unlock()
		s.counters.ObserveOK(0)
		s.deferRecord(p.Clone(), true)
		return nil
	}

	s.seq++
	storeID := fmt.Sprintf("%s-%d", p.ID, s.seq)
	ctx, cancel := context.WithCancel(context.Background())
	entry := &inflightStore{p: p, start: s.clk.Now(), cancel: cancel}
	s.inflight[storeID] = entry
	entry.timeoutTimer = s.clk.AfterFunc(s.spec.StoreTimeout, func() { s.onTimeout(storeID) })
	s.mu.Unlock()

	s.driver.DriverStore(ctx, storeID, p, func(res storagedef.StoreResult, err error) {
		s.onDone(storeID, res, err)
	})
	return nil
}

func (s *baseStorage) onTimeout(storeID string) {
	s.mu.Lock()
	entry, ok := s.inflight[storeID]
	if !ok || entry.terminated {
		s.mu.Unlock()
		return
	}
	entry.terminated = true
	cancel := entry.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.onDone(storeID, storagedef.StoreResult{}, fmt.Errorf("store timeout after %s", s.spec.StoreTimeout))
}

func (s *baseStorage) onDone(storeID string, res storagedef.StoreResult, err error) {
	s.mu.Lock()
	entry, ok := s.inflight[storeID]
	if !ok {
		// Already finalized by a prior onTimeout/onDone call for this
		// storeID: the driver's real callback arrived too late to matter.
		s.mu.Unlock()
		return
	}
	entry.terminated = true
	if entry.timeoutTimer != nil {
		entry.timeoutTimer.Stop()
	}
	delete(s.inflight, storeID)
	start := entry.start
	p := entry.p
	s.mu.Unlock()

	elapsed := s.clk.Now().Sub(start)
	if err != nil {
		s.counters.ObserveErr(elapsed)
		s.log.WithField("id", p.ID).WithError(err).Error("store failed")
		s.deferRecord(p, false)
		return
	}

	s.counters.ObserveOK(elapsed)
	if res.KeysStored > 0 {
		s.counters.AddKeysStored(uint64(res.KeysStored))
	}
}

// deferRecord applies the deferral policy (spec §4.5): forced bypasses
// deferEnabled/deferCount gating; it is used from Shutdown, so in-flight
// records are never silently lost on drain, and by a DeferOnly Store.
func (s *baseStorage) deferRecord(p *record.ParsedData, forced bool) {
	if !forced {
		if !s.spec.DeferEnabled {
			s.log.WithField("id", p.ID).Warn("deferral disabled, dropping record")
			return
		}
		if p.DeferCount >= s.spec.DeferCount {
			s.log.WithField("id", p.ID).Warn("deferral exhausted, dropping record")
			return
		}
	}

	p.DeferCount++
	path, err := spool.Write(s.fs, s.spec.DeferDir, s.spec.Name, p, s.spec.DeferFileMode)
	if err != nil {
		s.log.WithField("id", p.ID).WithError(err).Error("failed to write deferral spool file")
		return
	}
	s.log.WithField("id", p.ID).WithField("path", path).Debug("record deferred to spool")
}

// runRescan globs the spool directory and re-submits found files in
// staggered chunks (spec §4.5 deferral rescan).
func (s *baseStorage) runRescan() {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	dir, name, interval := s.spec.DeferDir, s.spec.Name, s.spec.DeferInterval
	s.mu.Unlock()

	paths, err := spool.List(s.fs, dir, name)
	if err != nil {
		s.log.WithError(err).Error("deferral rescan: listing spool dir failed")
	}

	var chunks [][]string
	for i := 0; i < len(paths); i += rescanChunkSize {
		end := i + rescanChunkSize
		if end > len(paths) {
			end = len(paths)
		}
		chunks = append(chunks, paths[i:end])
	}

	totalStagger := time.Duration(len(chunks)) * rescanChunkStagger
	for i, chunk := range chunks {
		if i == 0 {
			s.processChunk(chunk)
			continue
		}
		delay := time.Duration(i) * rescanChunkStagger
		c := chunk
		s.clk.AfterFunc(delay, func() { s.processChunk(c) })
	}

	if interval <= 0 {
		return
	}
	next := interval + totalStagger
	if totalStagger > maxRescanBackoff {
		next = interval + maxRescanBackoff
	}

	s.mu.Lock()
	if !s.shuttingDown {
		s.rescanTimer = s.clk.AfterFunc(next, s.runRescan)
	}
	s.mu.Unlock()
}

// processChunk reads and re-submits every spool file in chunk. The
// "background reader with a ~5s watchdog" of spec §4.5 maps onto the
// cooperative event loop as a synchronous read per file; the watchdog
// threshold is tracked only as a log field since afero/local reads
// never actually hang.
func (s *baseStorage) processChunk(paths []string) {
	for _, path := range paths {
		readStart := s.clk.Now()
		p, err := spool.Read(s.fs, path)
		watchdog := s.clk.Now().Sub(readStart) > fileWatchdog
		if err != nil {
			s.log.WithField("path", path).WithError(err).Error("corrupt spool file, deleting")
			_ = spool.Delete(s.fs, path)
			continue
		}
		if watchdog {
			s.log.WithField("path", path).Warn("spool file read exceeded watchdog threshold")
		}
		if err := spool.Delete(s.fs, path); err != nil {
			s.log.WithField("path", path).WithError(err).Error("failed to delete spool file after read")
		}
		if err := s.Store(p); err != nil {
			s.log.WithField("id", p.ID).WithError(err).Error("re-submitting deferred record failed")
		}
	}
}

// Shutdown cancels every in-flight store, force-defers it to disk, and
// stops the rescan timer (spec §4.5 shutdown()).
func (s *baseStorage) Shutdown() {
	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return
	}
	s.shuttingDown = true
	if s.rescanTimer != nil {
		s.rescanTimer.Stop()
		s.rescanTimer = nil
	}
	pending := make([]*inflightStore, 0, len(s.inflight))
	for id, entry := range s.inflight {
		if entry.terminated {
			continue
		}
		entry.terminated = true
		if entry.timeoutTimer != nil {
			entry.timeoutTimer.Stop()
		}
		pending = append(pending, entry)
		delete(s.inflight, id)
	}
	s.mu.Unlock()

	for _, entry := range pending {
		if entry.cancel != nil {
			entry.cancel()
		}
		s.deferRecord(entry.p, true)
	}
}
