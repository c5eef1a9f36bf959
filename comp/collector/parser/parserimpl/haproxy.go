// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package parserimpl

import (
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"

	"github.com/bfg/statcollector/comp/collector/parser/parserdef"
	"github.com/bfg/statcollector/pkg/record"
)

// HaproxyDriverName is the driver that parses HAProxy CSV statistics
// (spec §4.2).
const HaproxyDriverName = "Haproxy"

// totalNode is the pseudo-node/pseudo-proxy name holding the aggregated
// total across every proxy of a section type (spec §12.5).
const totalNode = "_TOTAL_"

func init() {
	registerDriver(HaproxyDriverName, newHaproxyDriver)
}

type haproxyDriver struct{}

func newHaproxyDriver(map[string]interface{}) (parserdef.Driver, error) {
	return &haproxyDriver{}, nil
}

func (d *haproxyDriver) ParseBody(raw record.RawData, body *record.Body) error {
	content := strings.TrimPrefix(string(raw.Content), "# ")
	r := csv.NewReader(strings.NewReader(content))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	rows, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("reading haproxy csv: %w", err)
	}
	if len(rows) < 1 {
		return fmt.Errorf("empty haproxy csv")
	}

	header := rows[0]
	pxIdx, svIdx := indexOf(header, "pxname"), indexOf(header, "svname")
	if pxIdx == -1 || svIdx == -1 {
		return fmt.Errorf("haproxy csv missing pxname/svname columns")
	}

	totals := map[string]map[string]float64{"frontend": {}, "backend": {}}

	for _, row := range rows[1:] {
		if len(row) != len(header) {
			continue
		}
		proxy := row[pxIdx]
		svname := row[svIdx]
		if proxy == "" || svname == "" {
			continue
		}

		sectionType, node := classify(svname)

		for i, col := range header {
			if i == pxIdx || i == svIdx || col == "" {
				continue
			}
			raw := row[i]
			if raw == "" {
				continue
			}
			key := fmt.Sprintf("haproxy.%s[%s,%s,%s]", sectionType, proxy, node, col)
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				body.Set(key, f)
				totals[sectionType][col] += f
			} else {
				body.Set(key, raw)
			}
		}
	}

	for sectionType, metrics := range totals {
		for metric, sum := range metrics {
			key := fmt.Sprintf("haproxy.%s[%s,%s,%s]", sectionType, totalNode, totalNode, metric)
			body.Set(key, sum)
		}
	}

	return nil
}

// classify maps an HAProxy svname column to the spec's section type and
// node name: FRONTEND/BACKEND rows map directly, anything else is a
// backend server row named by the server itself.
func classify(svname string) (sectionType, node string) {
	switch svname {
	case "FRONTEND":
		return "frontend", "FRONTEND"
	case "BACKEND":
		return "backend", "BACKEND"
	default:
		return "backend", svname
	}
}

func indexOf(header []string, name string) int {
	for i, h := range header {
		if strings.TrimSpace(h) == name {
			return i
		}
	}
	return -1
}
