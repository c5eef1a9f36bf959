// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package dispatcherimpl implements the StatCollector: the Dispatcher
// that owns every Parser, Filter, Source and Storage registry (spec
// §4.1), admits records through onSourceData, and drives orderly
// startup and shutdown. Unlike Parser/Filter/Source/Storage there is no
// alternate Dispatcher implementation to plug in, so it has no
// matching dispatcherdef package: the Dispatcher is the composition
// root, not a driver-typed stage.
package dispatcherimpl

import (
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/bfg/statcollector/comp/collector/filter/filterdef"
	"github.com/bfg/statcollector/comp/collector/filter/filterimpl"
	"github.com/bfg/statcollector/comp/collector/parser/parserdef"
	"github.com/bfg/statcollector/comp/collector/parser/parserimpl"
	"github.com/bfg/statcollector/comp/collector/source/sourcedef"
	"github.com/bfg/statcollector/comp/collector/source/sourceimpl"
	"github.com/bfg/statcollector/comp/collector/storage/storagedef"
	"github.com/bfg/statcollector/comp/collector/storage/storageimpl"
	"github.com/bfg/statcollector/pkg/record"
)

// DefaultParserName is the mandatory DEFAULT parser auto-created before
// any user parser (spec §4.1).
const DefaultParserName = "DEFAULT"

// StatCollector is the Dispatcher: named, insertion-ordered registries
// for every pipeline stage, plus the onSourceData admission path.
type StatCollector struct {
	mu sync.RWMutex

	promReg prometheus.Registerer
	log     *logrus.Entry
	clk     clock.Clock
	fs      afero.Fs

	parsers     map[string]parserdef.Parser
	parserOrder []string

	filters     map[string]filterdef.Filter
	filterOrder []string

	storages     map[string]storagedef.Storage
	storageOrder []string

	sources     map[string]sourcedef.Source
	sourceOrder []string

	shuttingDown bool
}

// New constructs a StatCollector and auto-registers the mandatory
// DEFAULT TextSimple parser.
func New(promReg prometheus.Registerer, log *logrus.Entry, clk clock.Clock, fs afero.Fs) (*StatCollector, error) {
	d := &StatCollector{
		promReg:  promReg,
		log:      log,
		clk:      clk,
		fs:       fs,
		parsers:  make(map[string]parserdef.Parser),
		filters:  make(map[string]filterdef.Filter),
		storages: make(map[string]storagedef.Storage),
		sources:  make(map[string]sourcedef.Source),
	}
	if err := d.RegisterParser(parserdef.Spec{Name: DefaultParserName, Driver: parserimpl.DefaultDriverName}); err != nil {
		return nil, fmt.Errorf("registering mandatory %s parser: %w", DefaultParserName, err)
	}
	return d, nil
}

// RegisterParser creates a Parser from spec. Duplicate names replace
// the previous entry (spec §4.1).
func (d *StatCollector) RegisterParser(spec parserdef.Spec) error {
	p, err := parserimpl.New(d.promReg, d.log, spec)
	if err != nil {
		return fmt.Errorf("registerParser: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.parsers[spec.Name]; exists {
		d.log.WithField("parser", spec.Name).Warn("replacing existing parser registration")
	} else {
		d.parserOrder = append(d.parserOrder, spec.Name)
	}
	d.parsers[spec.Name] = p
	return nil
}

// RegisterFilter creates a Filter from spec. d itself satisfies
// filterdef.Registry so the Stack driver can resolve by-name
// references into this same registry.
func (d *StatCollector) RegisterFilter(spec filterdef.Spec) error {
	f, err := filterimpl.New(d.promReg, d.log, spec, d)
	if err != nil {
		return fmt.Errorf("registerFilter: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.filters[spec.Name]; exists {
		d.log.WithField("filter", spec.Name).Warn("replacing existing filter registration")
	} else {
		d.filterOrder = append(d.filterOrder, spec.Name)
	}
	d.filters[spec.Name] = f
	return nil
}

// Filter implements filterdef.Registry.
func (d *StatCollector) Filter(name string) (filterdef.Filter, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	f, ok := d.filters[name]
	return f, ok
}

// RegisterStorage creates a Storage from spec and starts its deferral
// rescan loop (spec §4.1: "Storage registration spawns the Storage's
// event loop").
func (d *StatCollector) RegisterStorage(spec storagedef.Spec) error {
	s, err := storageimpl.New(d.promReg, d.log, d.clk, d.fs, spec)
	if err != nil {
		return fmt.Errorf("registerStorage: %w", err)
	}

	d.mu.Lock()
	if _, exists := d.storages[spec.Name]; exists {
		d.log.WithField("storage", spec.Name).Warn("replacing existing storage registration")
		old := d.storages[spec.Name]
		d.mu.Unlock()
		old.Shutdown()
	} else {
		d.storageOrder = append(d.storageOrder, spec.Name)
		d.mu.Unlock()
	}

	d.mu.Lock()
	d.storages[spec.Name] = s
	d.mu.Unlock()

	s.Start()
	return nil
}

// RegisterSource creates a Source from spec (spec §4.1; "Source
// registration does not start fetching until configured startupDelay
// elapses" — the registered Source starts fetching when StartSources is
// called). Rejects the spec §12.2 configuration error: a Source
// declared to produce pre-parsed data cannot also request named
// parsers.
func (d *StatCollector) RegisterSource(spec sourcedef.Spec) error {
	if spec.ProducesParsedData && len(spec.UseParser) > 0 {
		return fmt.Errorf("registerSource %q: useParser is set but source produces pre-parsed data; parser stage would never run", spec.Name)
	}

	s, err := sourceimpl.New(d.promReg, d.log, d.clk, spec, d)
	if err != nil {
		return fmt.Errorf("registerSource: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if old, exists := d.sources[spec.Name]; exists {
		d.log.WithField("source", spec.Name).Warn("replacing existing source registration")
		old.Shutdown()
	} else {
		d.sourceOrder = append(d.sourceOrder, spec.Name)
	}
	d.sources[spec.Name] = s
	return nil
}

// FinishInitialization enforces spec §4.1's invariant that at least one
// Storage exists once registration is done; otherwise it triggers
// Shutdown and returns an error.
func (d *StatCollector) FinishInitialization() error {
	d.mu.RLock()
	n := len(d.storages)
	d.mu.RUnlock()
	if n == 0 {
		d.Shutdown()
		return fmt.Errorf("no Storage registered at end of initialization")
	}
	return nil
}

// StartSources starts every registered Source's fetch schedule.
func (d *StatCollector) StartSources() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, name := range d.sourceOrder {
		d.sources[name].Start()
	}
}

// OnSourceData implements sourcedef.Receiver: the onSourceData
// admission entrypoint (spec §4.1).
func (d *StatCollector) OnSourceData(raw record.RawData, parsed *record.Body) error {
	d.mu.RLock()
	shuttingDown := d.shuttingDown
	d.mu.RUnlock()
	if shuttingDown {
		return fmt.Errorf("%s: dispatcher is shutting down", raw.Signature("dispatcher"))
	}

	var p *record.ParsedData
	if parsed != nil {
		p = record.NewParsedData(raw)
		p.Body = parsed
	} else {
		var err error
		p, err = d.selectAndRunParser(raw)
		if err != nil {
			return err
		}
	}

	p, dropped := d.runFilterChain(p)
	if dropped {
		return nil
	}

	d.dispatchToStorages(p)
	return nil
}

// selectAndRunParser implements the parser selection algorithm (spec
// §4.1): try each requested name in order, skipping unknown ones, using
// the first that succeeds.
func (d *StatCollector) selectAndRunParser(raw record.RawData) (*record.ParsedData, error) {
	names := raw.ParserNames
	if len(names) == 0 {
		names = []string{DefaultParserName}
	}

	var errs *multierror.Error
	var attempted []string
	for _, name := range names {
		d.mu.RLock()
		parser, ok := d.parsers[name]
		d.mu.RUnlock()
		if !ok {
			d.log.WithField("parser", name).Error("requested parser not registered, skipping")
			continue
		}
		attempted = append(attempted, name)
		p, err := parser.Parse(raw)
		if err == nil {
			return p, nil
		}
		errs = multierror.Append(errs, err)
	}

	d.log.WithField("id", raw.ID).WithField("attempted", attempted).Error("all requested parsers failed, dropping record")
	return nil, fmt.Errorf("%s: all parsers failed: %w", raw.Signature("dispatcher"), errs.ErrorOrNil())
}

// runFilterChain iterates the record's requested filter-name list,
// aborting the chain (drop) if any filter returns nil (spec §4.1/§4.3).
func (d *StatCollector) runFilterChain(p *record.ParsedData) (*record.ParsedData, bool) {
	for _, name := range p.FilterNames {
		d.mu.RLock()
		f, ok := d.filters[name]
		d.mu.RUnlock()
		if !ok {
			d.log.WithField("filter", name).Warn("requested filter not registered, skipping")
			continue
		}

		out, err := f.Filter(p)
		if err != nil {
			d.log.WithField("id", p.ID).WithField("filter", name).WithError(err).Error("filter failed, dropping record")
			return nil, true
		}
		if out == nil {
			d.log.WithField("id", p.ID).WithField("filter", name).Debug("filter dropped record")
			return nil, true
		}
		p = out
	}
	return p, false
}

// dispatchToStorages fans p out to its requested Storages, or every
// registered Storage if none were requested (spec §4.1).
func (d *StatCollector) dispatchToStorages(p *record.ParsedData) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := p.StorageNames
	if len(names) == 0 {
		names = d.storageOrder
	}

	for _, name := range names {
		s, ok := d.storages[name]
		if !ok {
			d.log.WithField("storage", name).Warn("requested storage not registered, skipping")
			continue
		}
		if err := s.Store(p.Clone()); err != nil {
			d.log.WithField("id", p.ID).WithField("storage", name).WithError(err).Error("store admission failed")
		}
	}
}

// Shutdown is the orderly drain of spec §4.1: stop accepting new
// Source data, cancel every Source, shut down every Storage, release
// Parsers/Filters last.
func (d *StatCollector) Shutdown() {
	d.mu.Lock()
	if d.shuttingDown {
		d.mu.Unlock()
		return
	}
	d.shuttingDown = true
	sourceOrder := append([]string(nil), d.sourceOrder...)
	storageOrder := append([]string(nil), d.storageOrder...)
	sources := d.sources
	storages := d.storages
	d.mu.Unlock()

	for _, name := range sourceOrder {
		sources[name].Shutdown()
	}
	for _, name := range storageOrder {
		storages[name].Shutdown()
	}

	d.mu.Lock()
	d.parsers = make(map[string]parserdef.Parser)
	d.parserOrder = nil
	d.filters = make(map[string]filterdef.Filter)
	d.filterOrder = nil
	d.mu.Unlock()
}
