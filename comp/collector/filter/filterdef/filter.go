// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package filterdef declares the Filter contract (spec §3.1, §4.3): a
// named, stateless-w.r.t.-records, composable transformer from
// ParsedData to ParsedData, or a drop (nil, nil).
package filterdef

import (
	"github.com/bfg/statcollector/pkg/health"
	"github.com/bfg/statcollector/pkg/record"
)

// Driver is the part a concrete filter type implements: FilterBody,
// called by the base on every record it admits.
type Driver interface {
	// FilterBody transforms p's body in place (or replaces p.Body) and
	// returns false to drop the record (spec §4.3: "a filter that returns
	// null aborts the chain").
	FilterBody(p *record.ParsedData) (keep bool, err error)
}

// Spec is the configuration used to construct one named Filter.
type Spec struct {
	Name   string
	Driver string
	Config map[string]interface{}
}

// Registry is the subset of the Dispatcher's filter registry the Stack
// driver needs to resolve by-name filter references (spec §4.3).
type Registry interface {
	Filter(name string) (Filter, bool)
}

// Filter is a registered, named filter as seen by the Dispatcher.
type Filter interface {
	Name() string
	DriverName() string

	// Filter runs the driver body around the shared health-tracking
	// machinery. A nil return (with nil error) means "drop the record".
	Filter(p *record.ParsedData) (*record.ParsedData, error)

	Health() *health.Counters
}

// Factory constructs a Driver from a Spec's configuration. Some drivers
// (Stack) additionally need the owning Registry to resolve by-name
// filter references; those factories use reg, the others ignore it.
type Factory func(cfg map[string]interface{}, reg Registry) (Driver, error)
