// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package parserdef declares the Parser contract (spec §3.1, §4.2): a
// named, driver-typed, stateless-w.r.t.-records transformer from RawData
// bytes to a ParsedData body.
package parserdef

import (
	"github.com/bfg/statcollector/pkg/health"
	"github.com/bfg/statcollector/pkg/record"
)

// Driver is the part a concrete parser type implements: the byte to
// key/value mapping. Pure with respect to raw.Content.
type Driver interface {
	// ParseBody fills body from raw's payload, returning an error if the
	// payload cannot be parsed by this driver at all (not merely empty).
	ParseBody(raw record.RawData, body *record.Body) error
}

// Spec is the configuration used to construct one named Parser.
type Spec struct {
	Name   string
	Driver string
	Config map[string]interface{}
}

// Parser is a registered, named parser as seen by the Dispatcher.
type Parser interface {
	Name() string
	DriverName() string

	// Parse runs the driver body around the shared health-tracking
	// machinery (spec §4.2: "the base tracks per-parser health... around
	// the driver body").
	Parse(raw record.RawData) (*record.ParsedData, error)

	Health() *health.Counters
}

// Factory constructs a Driver from a Spec's configuration. Registered by
// driver name in parserimpl.DriverFactories.
type Factory func(cfg map[string]interface{}) (Driver, error)
