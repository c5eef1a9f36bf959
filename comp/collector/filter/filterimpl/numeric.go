// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package filterimpl

import (
	"fmt"
	"strconv"

	"github.com/mitchellh/mapstructure"

	"github.com/bfg/statcollector/comp/collector/filter/filterdef"
	"github.com/bfg/statcollector/pkg/record"
)

// NumericDriverName optionally drops non-numeric values and applies a
// fixed fractional precision to the rest (spec §4.3).
const NumericDriverName = "Numeric"

const defaultFracPrecision = 2

func init() {
	registerDriver(NumericDriverName, newNumericDriver)
}

type numericConfig struct {
	DropNonNumeric bool `mapstructure:"dropNonNumeric"`
	FracPrecision  *int `mapstructure:"fracPrecision"`
}

type numericDriver struct {
	dropNonNumeric bool
	fracPrecision  int
}

func newNumericDriver(cfg map[string]interface{}, _ filterdef.Registry) (filterdef.Driver, error) {
	var c numericConfig
	if err := mapstructure.Decode(cfg, &c); err != nil {
		return nil, fmt.Errorf("decoding Numeric config: %w", err)
	}
	precision := defaultFracPrecision
	if c.FracPrecision != nil {
		precision = *c.FracPrecision
	}
	return &numericDriver{dropNonNumeric: c.DropNonNumeric, fracPrecision: precision}, nil
}

func toFloat(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func (d *numericDriver) FilterBody(p *record.ParsedData) (bool, error) {
	out := record.NewBody()
	p.Body.Range(func(key string, value interface{}) bool {
		f, ok := toFloat(value)
		if !ok {
			if !d.dropNonNumeric {
				out.Set(key, value)
			}
			return true
		}
		out.Set(key, strconv.FormatFloat(f, 'f', d.fracPrecision, 64))
		return true
	})
	p.Body = out
	return true, nil
}
