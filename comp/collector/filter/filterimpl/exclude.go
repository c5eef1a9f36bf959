// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package filterimpl

import (
	"bufio"
	"fmt"
	"regexp"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/bfg/statcollector/comp/collector/filter/filterdef"
	"github.com/bfg/statcollector/pkg/record"
)

// ExcludeDriverName drops keys matching any configured regex (spec
// §4.3).
const ExcludeDriverName = "Exclude"

// ExcludeExceptDriverName keeps only keys matching at least one
// configured regex (spec §4.3).
const ExcludeExceptDriverName = "ExcludeExcept"

func init() {
	registerDriver(ExcludeDriverName, newExcludeDriver(false))
	registerDriver(ExcludeExceptDriverName, newExcludeDriver(true))
}

type excludeConfig struct {
	Patterns      []string `mapstructure:"patterns"`
	PatternsFile  string   `mapstructure:"patternsFile"`
	CaseSensitive *bool    `mapstructure:"caseSensitive"`
}

type excludeDriver struct {
	patterns []*regexp.Regexp
	keep     bool // true = ExcludeExcept semantics
}

func newExcludeDriver(keep bool) filterdef.Factory {
	return func(cfg map[string]interface{}, _ filterdef.Registry) (filterdef.Driver, error) {
		var c excludeConfig
		if err := mapstructure.Decode(cfg, &c); err != nil {
			return nil, fmt.Errorf("decoding Exclude config: %w", err)
		}

		caseSensitive := true
		if c.CaseSensitive != nil {
			caseSensitive = *c.CaseSensitive
		}

		var raw []string
		if c.PatternsFile != "" {
			lines, err := readPatternFile(c.PatternsFile)
			if err != nil {
				return nil, err
			}
			raw = append(raw, lines...)
		}
		raw = append(raw, c.Patterns...)

		var compiled []*regexp.Regexp
		for _, p := range raw {
			expr := p
			if !caseSensitive {
				expr = "(?i)" + expr
			}
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("invalid Exclude pattern %q: %w", p, err)
			}
			compiled = append(compiled, re)
		}
		return &excludeDriver{patterns: compiled, keep: keep}, nil
	}
}

func readPatternFile(path string) ([]string, error) {
	f, err := FS.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening Exclude patterns file %q: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

func (d *excludeDriver) matches(key string) bool {
	for _, re := range d.patterns {
		if re.MatchString(key) {
			return true
		}
	}
	return false
}

func (d *excludeDriver) FilterBody(p *record.ParsedData) (bool, error) {
	out := record.NewBody()
	p.Body.Range(func(key string, value interface{}) bool {
		matched := d.matches(key)
		// Exclude: drop matches. ExcludeExcept: keep only matches.
		if matched != d.keep {
			return true
		}
		out.Set(key, value)
		return true
	})
	p.Body = out
	return true, nil
}
