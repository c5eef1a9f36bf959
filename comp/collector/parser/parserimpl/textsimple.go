// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package parserimpl

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/bfg/statcollector/comp/collector/parser/parserdef"
	"github.com/bfg/statcollector/pkg/record"
)

// DefaultDriverName is the driver every Dispatcher auto-registers its
// mandatory DEFAULT parser with (spec §4.1).
const DefaultDriverName = "TextSimple"

func init() {
	registerDriver(DefaultDriverName, newTextSimpleDriver)
}

// textSimpleDriver parses "key: value" or "key = value" lines; anything
// else is silently ignored (spec §4.2).
type textSimpleDriver struct{}

func newTextSimpleDriver(map[string]interface{}) (parserdef.Driver, error) {
	return &textSimpleDriver{}, nil
}

func (d *textSimpleDriver) ParseBody(raw record.RawData, body *record.Body) error {
	scanner := bufio.NewScanner(bytes.NewReader(raw.Content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := splitKV(line)
		if !ok {
			continue
		}
		body.Set(key, value)
	}
	return scanner.Err()
}

// splitKV splits on the first ':' or '=', whichever appears first, and
// trims surrounding whitespace from both sides.
func splitKV(line string) (string, string, bool) {
	ci := strings.IndexByte(line, ':')
	ei := strings.IndexByte(line, '=')

	sep := -1
	switch {
	case ci == -1:
		sep = ei
	case ei == -1:
		sep = ci
	case ci < ei:
		sep = ci
	default:
		sep = ei
	}
	if sep <= 0 {
		return "", "", false
	}
	key := strings.TrimSpace(line[:sep])
	value := strings.TrimSpace(line[sep+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}
