// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package filterimpl provides the Filter base (health tracking around a
// driver body) and the required drivers: Simple, PCRE, UpperCase,
// Numeric, Exclude/ExcludeExcept, Calculator, CODE, FetchMeta and Stack.
package filterimpl

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/bfg/statcollector/comp/collector/filter/filterdef"
	"github.com/bfg/statcollector/pkg/health"
	"github.com/bfg/statcollector/pkg/record"
)

// DriverFactories maps driver name to its Factory. Populated by init()
// in each driver's file.
var DriverFactories = map[string]filterdef.Factory{}

func registerDriver(name string, f filterdef.Factory) {
	DriverFactories[name] = f
}

type baseFilter struct {
	name       string
	driverName string
	driver     filterdef.Driver
	counters   *health.Counters
	log        *logrus.Entry
}

// New constructs a Filter named spec.Name from spec.Driver. reg is the
// owning Dispatcher's filter registry, needed only by drivers (Stack)
// that compose other filters by name.
func New(promReg prometheus.Registerer, log *logrus.Entry, spec filterdef.Spec, reg filterdef.Registry) (filterdef.Filter, error) {
	factory, ok := DriverFactories[spec.Driver]
	if !ok {
		return nil, fmt.Errorf("filter %q: unknown driver %q", spec.Name, spec.Driver)
	}
	driver, err := factory(spec.Config, reg)
	if err != nil {
		return nil, fmt.Errorf("filter %q: configuring driver %q: %w", spec.Name, spec.Driver, err)
	}
	return &baseFilter{
		name:       spec.Name,
		driverName: spec.Driver,
		driver:     driver,
		counters:   health.NewCounters(promReg, "filter", spec.Name),
		log:        log.WithField("filter", spec.Name),
	}, nil
}

func (f *baseFilter) Name() string             { return f.name }
func (f *baseFilter) DriverName() string       { return f.driverName }
func (f *baseFilter) Health() *health.Counters { return f.counters }

func (f *baseFilter) Filter(p *record.ParsedData) (*record.ParsedData, error) {
	start := time.Now()
	keep, err := f.driver.FilterBody(p)
	elapsed := time.Since(start)
	if err != nil {
		f.counters.ObserveErr(elapsed)
		f.log.WithField("id", p.ID).WithError(err).Error("filter failed")
		return nil, fmt.Errorf("%s: %w", p.Signature(f.name), err)
	}
	f.counters.ObserveOK(elapsed)
	if !keep {
		f.log.WithField("id", p.ID).Debug("filter dropped record")
		return nil, nil
	}
	return p, nil
}
