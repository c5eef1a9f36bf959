// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package filterimpl

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/bfg/statcollector/comp/collector/filter/filterdef"
	"github.com/bfg/statcollector/pkg/record"
)

// StackDriverName applies an ordered list of other filters (spec §4.3):
// each step is either a by-name reference into the Dispatcher's filter
// registry, or an inline driver+config pair compiled once at
// construction.
const StackDriverName = "Stack"

func init() {
	registerDriver(StackDriverName, newStackDriver)
}

type stackStepConfig struct {
	Ref    string                 `mapstructure:"ref"`
	Driver string                 `mapstructure:"driver"`
	Config map[string]interface{} `mapstructure:"config"`
}

type stackConfig struct {
	Steps []stackStepConfig `mapstructure:"steps"`
}

type stackStep struct {
	ref    string // non-empty: resolve by name on every call
	driver filterdef.Driver
}

type stackDriver struct {
	steps []stackStep
	reg   filterdef.Registry
}

func newStackDriver(cfg map[string]interface{}, reg filterdef.Registry) (filterdef.Driver, error) {
	var c stackConfig
	if err := mapstructure.Decode(cfg, &c); err != nil {
		return nil, fmt.Errorf("decoding Stack config: %w", err)
	}

	var steps []stackStep
	for i, s := range c.Steps {
		switch {
		case s.Ref != "":
			if s.Driver != "" {
				return nil, fmt.Errorf("Stack step %d: cannot set both ref and driver", i)
			}
			if reg == nil {
				return nil, fmt.Errorf("Stack step %d: by-name ref %q requires a Dispatcher filter registry", i, s.Ref)
			}
			steps = append(steps, stackStep{ref: s.Ref})
		case s.Driver != "":
			factory, ok := DriverFactories[s.Driver]
			if !ok {
				return nil, fmt.Errorf("Stack step %d: unknown driver %q", i, s.Driver)
			}
			driver, err := factory(s.Config, reg)
			if err != nil {
				return nil, fmt.Errorf("Stack step %d: configuring driver %q: %w", i, s.Driver, err)
			}
			steps = append(steps, stackStep{driver: driver})
		default:
			return nil, fmt.Errorf("Stack step %d: must set either ref or driver", i)
		}
	}
	return &stackDriver{steps: steps, reg: reg}, nil
}

func (d *stackDriver) FilterBody(p *record.ParsedData) (bool, error) {
	current := p
	for _, step := range d.steps {
		if step.ref != "" {
			f, ok := d.reg.Filter(step.ref)
			if !ok {
				return false, fmt.Errorf("Stack: referenced filter %q not found", step.ref)
			}
			out, err := f.Filter(current)
			if err != nil {
				return false, err
			}
			if out == nil {
				return false, nil
			}
			current = out
			continue
		}
		keep, err := step.driver.FilterBody(current)
		if err != nil {
			return false, err
		}
		if !keep {
			return false, nil
		}
	}
	return true, nil
}
