// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package parserimpl provides the Parser base (health tracking around a
// driver body) and the required drivers: TextSimple (the DEFAULT) and
// Haproxy.
package parserimpl

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/bfg/statcollector/comp/collector/parser/parserdef"
	"github.com/bfg/statcollector/pkg/health"
	"github.com/bfg/statcollector/pkg/record"
)

// DriverFactories maps driver name to its Factory. Populated by init()
// in each driver's file.
var DriverFactories = map[string]parserdef.Factory{}

func registerDriver(name string, f parserdef.Factory) {
	DriverFactories[name] = f
}

type baseParser struct {
	name       string
	driverName string
	driver     parserdef.Driver
	counters   *health.Counters
	log        *logrus.Entry
}

// New constructs a Parser named spec.Name from spec.Driver, looking the
// driver factory up in DriverFactories. reg receives the parser's health
// metrics.
func New(reg prometheus.Registerer, log *logrus.Entry, spec parserdef.Spec) (parserdef.Parser, error) {
	factory, ok := DriverFactories[spec.Driver]
	if !ok {
		return nil, fmt.Errorf("parser %q: unknown driver %q", spec.Name, spec.Driver)
	}
	driver, err := factory(spec.Config)
	if err != nil {
		return nil, fmt.Errorf("parser %q: configuring driver %q: %w", spec.Name, spec.Driver, err)
	}
	return &baseParser{
		name:       spec.Name,
		driverName: spec.Driver,
		driver:     driver,
		counters:   health.NewCounters(reg, "parser", spec.Name),
		log:        log.WithField("parser", spec.Name),
	}, nil
}

func (p *baseParser) Name() string          { return p.name }
func (p *baseParser) DriverName() string    { return p.driverName }
func (p *baseParser) Health() *health.Counters { return p.counters }

func (p *baseParser) Parse(raw record.RawData) (*record.ParsedData, error) {
	start := time.Now()
	body := record.NewBody()
	err := p.driver.ParseBody(raw, body)
	elapsed := time.Since(start)
	if err != nil {
		p.counters.ObserveErr(elapsed)
		p.log.WithField("id", raw.ID).WithError(err).Error("parse failed")
		return nil, fmt.Errorf("%s: %w", raw.Signature(p.name), err)
	}
	p.counters.ObserveOK(elapsed)

	parsed := record.NewParsedData(raw)
	parsed.Body = body
	return parsed, nil
}
