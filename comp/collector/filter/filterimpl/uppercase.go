// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package filterimpl

import (
	"strings"

	"github.com/bfg/statcollector/comp/collector/filter/filterdef"
	"github.com/bfg/statcollector/pkg/record"
)

// UpperCaseDriverName uppercases every key (spec §4.3).
const UpperCaseDriverName = "UpperCase"

func init() {
	registerDriver(UpperCaseDriverName, newUpperCaseDriver)
}

type upperCaseDriver struct{}

func newUpperCaseDriver(map[string]interface{}, filterdef.Registry) (filterdef.Driver, error) {
	return &upperCaseDriver{}, nil
}

func (d *upperCaseDriver) FilterBody(p *record.ParsedData) (bool, error) {
	upper := record.NewBody()
	p.Body.Range(func(key string, value interface{}) bool {
		upper.Set(strings.ToUpper(key), value)
		return true
	})
	p.Body = upper
	return true, nil
}
