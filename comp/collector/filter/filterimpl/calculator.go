// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package filterimpl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/bfg/statcollector/comp/collector/filter/filterdef"
	"github.com/bfg/statcollector/comp/collector/filter/filterimpl/calc"
	"github.com/bfg/statcollector/pkg/record"
)

// CalculatorDriverName evaluates "newKey = expr" rules against a
// pre-compiled AST per record (spec §4.3, §9, §12.1).
const CalculatorDriverName = "Calculator"

func init() {
	registerDriver(CalculatorDriverName, newCalculatorDriver)
}

type calculatorConfig struct {
	Rules             []string `mapstructure:"rules"`
	MissingKeyPolicy  string   `mapstructure:"missingKeyPolicy"` // "failSafe" (default) or "zero"
}

type calcRule struct {
	newKey string
	node   calc.Node
}

type calculatorDriver struct {
	rules  []calcRule
	policy calc.MissingKeyPolicy
}

func newCalculatorDriver(cfg map[string]interface{}, _ filterdef.Registry) (filterdef.Driver, error) {
	var c calculatorConfig
	if err := mapstructure.Decode(cfg, &c); err != nil {
		return nil, fmt.Errorf("decoding Calculator config: %w", err)
	}

	policy := calc.FailSafe
	switch strings.ToLower(c.MissingKeyPolicy) {
	case "", "failsafe":
		policy = calc.FailSafe
	case "zero":
		policy = calc.ZeroOnMissing
	default:
		return nil, fmt.Errorf("invalid Calculator missingKeyPolicy %q", c.MissingKeyPolicy)
	}

	var rules []calcRule
	for _, raw := range c.Rules {
		newKey, expr, ok := strings.Cut(raw, "=")
		if !ok {
			return nil, fmt.Errorf("invalid Calculator rule (expected \"newKey = expr\"): %q", raw)
		}
		newKey = strings.TrimSpace(newKey)
		if newKey == "" {
			return nil, fmt.Errorf("invalid Calculator rule, empty newKey: %q", raw)
		}
		node, err := calc.Parse(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid Calculator expression %q: %w", raw, err)
		}
		rules = append(rules, calcRule{newKey: newKey, node: node})
	}

	return &calculatorDriver{rules: rules, policy: policy}, nil
}

func (d *calculatorDriver) FilterBody(p *record.ParsedData) (bool, error) {
	lookup := func(key string) (float64, bool) {
		v, ok := p.Body.Get(key)
		if !ok {
			return 0, false
		}
		return toFloat(v)
	}

	for _, rule := range d.rules {
		v, err := calc.Eval(rule.node, lookup, d.policy)
		if err != nil {
			if errors.Is(err, calc.ErrMissingKey) {
				continue // fail-safe: drop this computed key, keep the record
			}
			return false, fmt.Errorf("evaluating rule %q: %w", rule.newKey, err)
		}
		p.Body.Set(rule.newKey, v)
	}
	return true, nil
}
